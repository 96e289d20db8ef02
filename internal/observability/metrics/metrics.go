package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes domain counters for the credit ledger.
type Metrics struct {
	ledgerTransactions metric.Int64Counter
	ledgerCredits      metric.Int64Counter
	consumption        metric.Int64Counter
	providerEvents     metric.Int64Counter
	providerCalls      metric.Int64Counter
	providerRetries    metric.Int64Counter
	apiKeyAuth         metric.Int64Counter
	rateLimitAllowed   metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditledger"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.ledgerTransactions, "creditledger_ledger_transactions_total", "Ledger transaction attempts by reason and outcome."},
		{&m.ledgerCredits, "creditledger_ledger_credits_total", "Absolute credits moved through the ledger, by reason."},
		{&m.consumption, "creditledger_consumption_charges_total", "Usage charge attempts by metric and outcome."},
		{&m.providerEvents, "creditledger_provider_events_total", "Provider events by provider, type and outcome."},
		{&m.providerCalls, "creditledger_provider_calls_total", "Outbound provider calls by operation and outcome."},
		{&m.providerRetries, "creditledger_provider_retries_total", "Retried outbound provider calls."},
		{&m.apiKeyAuth, "creditledger_api_key_auth_total", "API key authentication attempts by outcome."},
		{&m.rateLimitAllowed, "creditledger_rate_limit_allowed_total", "Requests admitted by the rate limiter."},
		{&m.rateLimitDenied, "creditledger_rate_limit_denied_total", "Requests rejected by the rate limiter."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}
	return m, nil
}

// RecordLedgerTransaction counts a ledger attempt; applied amounts also feed the credits counter.
func (m *Metrics) RecordLedgerTransaction(ctx context.Context, reason, outcome string, amount int64) {
	if m == nil {
		return
	}
	m.ledgerTransactions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...))
	if outcome != OutcomeApplied {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.ledgerCredits.Add(ctx, amount, metric.WithAttributes(FilterAttributes(attribute.String("reason", reason))...))
}

func (m *Metrics) RecordConsumption(ctx context.Context, usageMetric, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("metric", strings.TrimSpace(usageMetric)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.consumption.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordProviderEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.providerEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordProviderCall(ctx context.Context, provider, operation, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordProviderRetry(ctx context.Context, provider, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("operation", strings.TrimSpace(operation)),
	)
	m.providerRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordAPIKeyAuth(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.apiKeyAuth.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Outcome label values shared by the ledger and consumption counters.
const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeInsufficient = "insufficient"
	OutcomeFree         = "free"
	OutcomeCharged      = "charged"
	OutcomeDenied       = "denied"
	OutcomeIgnored      = "ignored"
	OutcomeDeferred     = "deferred"
	OutcomeSuccess      = "success"
	OutcomeError        = "error"
)

// User ids never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"reason":     {},
	"operation":  {},
	"metric":     {},
	"outcome":    {},
	"endpoint":   {},
	"provider":   {},
	"event_type": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
