package payment

import (
	"github.com/smallbiznis/creditledger/internal/config"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/payment/adapters"
	"github.com/smallbiznis/creditledger/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/payment/retry"
	"github.com/smallbiznis/creditledger/internal/payment/webhook"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(newRegistry),
	fx.Provide(func(r *adapters.Registry) subscriptiondomain.ProviderDirectory { return r }),
	fx.Provide(webhook.NewService),
)

type registryParams struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func newRegistry(p registryParams) (*adapters.Registry, error) {
	registry := adapters.NewRegistry(stripe.NewFactory())

	stripeCfg := p.Cfg.Stripe
	if stripeCfg.SecretKey == "" && stripeCfg.WebhookSecret == "" {
		p.Log.Warn("stripe is not configured, checkout, cancel and webhooks are unavailable")
		return registry, nil
	}
	if stripeCfg.WebhookSecret == "" {
		p.Log.Warn("STRIPE_WEBHOOK_SECRET is empty, stripe webhooks will be rejected")
	}

	err := registry.Configure(paymentdomain.AdapterConfig{
		Provider: "stripe",
		Config: map[string]any{
			"secret_key":     stripeCfg.SecretKey,
			"webhook_secret": stripeCfg.WebhookSecret,
		},
		Retry:   retry.DefaultPolicy(),
		Log:     p.Log,
		Metrics: p.ObsMetrics,
	})
	if err != nil {
		return nil, err
	}
	return registry, nil
}
