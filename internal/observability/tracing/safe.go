package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var forbiddenAttributeKeys = map[attribute.Key]struct{}{
	"authorization": {},
	"api_key":       {},
	"token":         {},
	"secret":        {},
	"cookie":        {},
}

// ExtractContext restores an inbound trace context from carrier headers.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops attributes that could carry credentials.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, banned := forbiddenAttributeKeys[attribute.Key(strings.ToLower(string(attr.Key)))]; banned {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError strips token material from error text before it is recorded on a span.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if idx := strings.Index(msg, "clk_live_"); idx >= 0 {
		msg = msg[:idx] + "[redacted]"
	}
	if strings.Contains(strings.ToLower(msg), "bearer ") {
		msg = "request error"
	}
	return errors.New(msg)
}
