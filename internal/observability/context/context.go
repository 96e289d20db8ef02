package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type userIDKey struct{}
type authMethodKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithUser records the authenticated caller and how it authenticated (session, api_key).
func WithUser(ctx context.Context, userID, method string) context.Context {
	ctx = context.WithValue(ctx, userIDKey{}, strings.TrimSpace(userID))
	return context.WithValue(ctx, authMethodKey{}, strings.TrimSpace(method))
}

func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(userIDKey{}).(string)
	return value
}

func AuthMethodFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(authMethodKey{}).(string)
	return value
}
