package domain

import (
	"context"
	"errors"
	"net/http"

	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/payment/retry"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/zap"
)

// WebhookAdapter authenticates and translates one provider's webhook deliveries.
type WebhookAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse returns ErrEventIgnored for event types that do not affect subscriptions.
	Parse(ctx context.Context, payload []byte) (subscriptiondomain.ProviderEvent, error)
}

// Client is the outbound provider API used by subscription sync.
type Client = subscriptiondomain.ProviderClient

// Adapter is a configured provider integration.
type Adapter interface {
	WebhookAdapter
	Client
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

type AdapterConfig struct {
	Provider string
	Config   map[string]any
	Retry    retry.Policy
	Log      *zap.Logger
	Metrics  *obsmetrics.Metrics
}

type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrEventIgnored     = errors.New("event_ignored")
)
