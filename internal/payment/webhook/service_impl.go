package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Adapters      *adapters.Registry
	Subscriptions subscriptiondomain.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	adapters      *adapters.Registry
	subscriptions subscriptiondomain.Service
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:           p.Log.Named("payment.webhook"),
		adapters:      p.Adapters,
		subscriptions: p.Subscriptions,
		obsMetrics:    p.ObsMetrics,
	}
}

// IngestWebhook verifies and applies one delivery. Errors after verification are
// returned so the provider redelivers on its own schedule.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	log := obslogger.WithContext(ctx, s.log).With(zap.String("provider", provider))

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordProviderEvent(ctx, provider, "unverified", obsmetrics.OutcomeDenied)
		log.Warn("payment webhook rejected", zap.Error(err))
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.obsMetrics.RecordProviderEvent(ctx, provider, "other", obsmetrics.OutcomeIgnored)
			return nil
		}
		s.obsMetrics.RecordProviderEvent(ctx, provider, "unparsed", obsmetrics.OutcomeError)
		log.Warn("payment webhook parse failed", zap.Error(err))
		return err
	}
	if event.Raw == nil {
		event.Raw = payload
	}

	eventType := string(event.Type())
	err = s.subscriptions.ApplyProviderEvent(ctx, event)
	switch {
	case err == nil:
		s.obsMetrics.RecordProviderEvent(ctx, provider, eventType, obsmetrics.OutcomeApplied)
		return nil
	case errors.Is(err, subscriptiondomain.ErrEventAlreadyProcessed):
		s.obsMetrics.RecordProviderEvent(ctx, provider, eventType, obsmetrics.OutcomeDuplicate)
		return nil
	case errors.Is(err, subscriptiondomain.ErrSubscriptionUnknown):
		s.obsMetrics.RecordProviderEvent(ctx, provider, eventType, obsmetrics.OutcomeDeferred)
		return err
	default:
		s.obsMetrics.RecordProviderEvent(ctx, provider, eventType, obsmetrics.OutcomeError)
		log.Error("payment webhook processing failed",
			zap.String("provider_event_id", event.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return err
	}
}
