package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/payment/retry"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const providerName = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

// NewAdapter reads secret_key, webhook_secret and the optional api_url from cfg.Config.
// Either secret may be missing, the matching half of the adapter then refuses to work.
func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Adapter, error) {
	secretKey := strings.TrimSpace(readString(cfg.Config, "secret_key"))
	webhookSecret := strings.TrimSpace(readString(cfg.Config, "webhook_secret"))
	if secretKey == "" && webhookSecret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("payment.stripe")

	adapter := &Adapter{
		webhookSecret: webhookSecret,
		tolerance:     webhook.DefaultTolerance,
		retry:         cfg.Retry,
		log:           log,
		metrics:       cfg.Metrics,
	}
	if secretKey != "" {
		adapter.api = newAPI(secretKey, strings.TrimSpace(readString(cfg.Config, "api_url")), log)
	}
	return adapter, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	api           *client.API
	retry         retry.Policy
	log           *zap.Logger
	metrics       *obsmetrics.Metrics
}

// newAPI disables the SDK's own network retries so the retry policy is the only one.
func newAPI(secretKey, baseURL string, log *zap.Logger) *client.API {
	cfg := &stripego.BackendConfig{
		MaxNetworkRetries: stripego.Int64(0),
		LeveledLogger:     log.Sugar(),
	}
	if baseURL != "" {
		cfg.URL = stripego.String(baseURL)
	}
	return client.New(secretKey, &stripego.Backends{
		API:     stripego.GetBackendWithConfig(stripego.APIBackend, cfg),
		Connect: stripego.GetBackendWithConfig(stripego.ConnectBackend, cfg),
		Uploads: stripego.GetBackendWithConfig(stripego.UploadsBackend, cfg),
	})
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" || a.webhookSecret == "" {
		return paymentdomain.ErrInvalidSignature
	}

	_, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld):
		return paymentdomain.ErrInvalidSignature
	default:
		return paymentdomain.ErrInvalidPayload
	}
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (subscriptiondomain.ProviderEvent, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return subscriptiondomain.ProviderEvent{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return subscriptiondomain.ProviderEvent{}, paymentdomain.ErrInvalidPayload
	}

	var (
		parsed subscriptiondomain.EventPayload
		err    error
	)
	switch string(event.Type) {
	case "checkout.session.completed":
		parsed, err = a.parseCheckoutCompleted(ctx, event.Data.Raw)
	case "invoice.payment_failed":
		parsed, err = parseInvoicePaymentFailed(event.Data.Raw)
	case "customer.subscription.updated":
		parsed, err = parseSubscriptionUpdated(event.Data.Raw)
	case "customer.subscription.deleted":
		parsed, err = parseSubscriptionDeleted(event.Data.Raw)
	default:
		return subscriptiondomain.ProviderEvent{}, paymentdomain.ErrEventIgnored
	}
	if err != nil {
		return subscriptiondomain.ProviderEvent{}, err
	}

	return subscriptiondomain.ProviderEvent{
		ID:         event.ID,
		Provider:   providerName,
		OccurredAt: unixTime(event.Created),
		Raw:        payload,
		Payload:    parsed,
	}, nil
}

func (a *Adapter) parseCheckoutCompleted(ctx context.Context, raw json.RawMessage) (subscriptiondomain.EventPayload, error) {
	var session stripego.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if session.Mode != stripego.CheckoutSessionModeSubscription || session.Subscription == nil || session.Subscription.ID == "" {
		return nil, paymentdomain.ErrEventIgnored
	}

	userID := strings.TrimSpace(session.ClientReferenceID)
	if userID == "" {
		userID = strings.TrimSpace(session.Metadata["user_id"])
	}

	payload := subscriptiondomain.CheckoutCompleted{
		ExternalSubscriptionID: session.Subscription.ID,
		ExternalCustomerID:     customerID(session.Customer),
		UserID:                 userID,
		Status:                 subscriptiondomain.StatusActive,
	}

	sub := session.Subscription
	if sub.Status == "" && a.api != nil {
		fetched, err := a.fetchSubscription(ctx, sub.ID)
		if err != nil {
			// The session alone is enough to activate; the next subscription.updated fills the periods.
			a.log.Warn("fetch subscription for checkout failed",
				zap.String("external_subscription_id", sub.ID),
				zap.Error(err),
			)
		} else {
			sub = fetched
		}
	}
	if sub.Status == stripego.SubscriptionStatusTrialing {
		payload.Status = subscriptiondomain.StatusTrialing
	}
	payload.CurrentPeriodStart = optionalUnix(sub.CurrentPeriodStart)
	payload.CurrentPeriodEnd = optionalUnix(sub.CurrentPeriodEnd)
	return payload, nil
}

func parseInvoicePaymentFailed(raw json.RawMessage) (subscriptiondomain.EventPayload, error) {
	var invoice stripego.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		return nil, paymentdomain.ErrEventIgnored
	}
	return subscriptiondomain.InvoicePaymentFailed{
		ExternalSubscriptionID: invoice.Subscription.ID,
		ExternalCustomerID:     customerID(invoice.Customer),
	}, nil
}

func parseSubscriptionUpdated(raw json.RawMessage) (subscriptiondomain.EventPayload, error) {
	sub, err := decodeSubscription(raw)
	if err != nil {
		return nil, err
	}
	status := subscriptiondomain.Status(sub.Status)
	if !status.Valid() {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return subscriptiondomain.SubscriptionUpdated{
		ExternalSubscriptionID: sub.ID,
		ExternalCustomerID:     customerID(sub.Customer),
		UserID:                 strings.TrimSpace(sub.Metadata["user_id"]),
		Status:                 status,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CurrentPeriodStart:     optionalUnix(sub.CurrentPeriodStart),
		CurrentPeriodEnd:       optionalUnix(sub.CurrentPeriodEnd),
		CanceledAt:             optionalUnix(sub.CanceledAt),
	}, nil
}

func parseSubscriptionDeleted(raw json.RawMessage) (subscriptiondomain.EventPayload, error) {
	sub, err := decodeSubscription(raw)
	if err != nil {
		return nil, err
	}
	return subscriptiondomain.SubscriptionDeleted{
		ExternalSubscriptionID: sub.ID,
		ExternalCustomerID:     customerID(sub.Customer),
		CanceledAt:             optionalUnix(sub.CanceledAt),
	}, nil
}

func decodeSubscription(raw json.RawMessage) (*stripego.Subscription, error) {
	var sub stripego.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return &sub, nil
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, params subscriptiondomain.CheckoutParams) (subscriptiondomain.CheckoutSession, error) {
	if a.api == nil {
		return subscriptiondomain.CheckoutSession{}, paymentdomain.ErrInvalidConfig
	}

	sessionParams := &stripego.CheckoutSessionParams{
		Mode:              stripego.String(string(stripego.CheckoutSessionModeSubscription)),
		SuccessURL:        stripego.String(params.SuccessURL),
		CancelURL:         stripego.String(params.CancelURL),
		ClientReferenceID: stripego.String(params.UserID),
		LineItems: []*stripego.CheckoutSessionLineItemParams{{
			Price:    stripego.String(params.PriceID),
			Quantity: stripego.Int64(1),
		}},
		SubscriptionData: &stripego.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": params.UserID},
		},
	}
	sessionParams.Context = ctx
	sessionParams.AddMetadata("user_id", params.UserID)
	if params.IdempotencyKey != "" {
		sessionParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	session, err := a.api.CheckoutSessions.New(sessionParams)
	if err != nil {
		a.metrics.RecordProviderCall(ctx, providerName, "create_checkout_session", obsmetrics.OutcomeError)
		return subscriptiondomain.CheckoutSession{}, err
	}
	a.metrics.RecordProviderCall(ctx, providerName, "create_checkout_session", obsmetrics.OutcomeSuccess)
	return subscriptiondomain.CheckoutSession{ID: session.ID, URL: session.URL, Provider: providerName}, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, externalSubscriptionID string) error {
	if a.api == nil {
		return paymentdomain.ErrInvalidConfig
	}

	_, err := retry.Do(ctx, a.retry, isRetryable, func(ctx context.Context) (*stripego.Subscription, error) {
		params := &stripego.SubscriptionParams{CancelAtPeriodEnd: stripego.Bool(true)}
		params.Context = ctx
		return a.api.Subscriptions.Update(externalSubscriptionID, params)
	}, a.onRetry(ctx, "cancel_subscription"))
	if err != nil {
		a.metrics.RecordProviderCall(ctx, providerName, "cancel_subscription", obsmetrics.OutcomeError)
		return err
	}
	a.metrics.RecordProviderCall(ctx, providerName, "cancel_subscription", obsmetrics.OutcomeSuccess)
	return nil
}

func (a *Adapter) fetchSubscription(ctx context.Context, externalSubscriptionID string) (*stripego.Subscription, error) {
	sub, err := retry.Do(ctx, a.retry, isRetryable, func(ctx context.Context) (*stripego.Subscription, error) {
		params := &stripego.SubscriptionParams{}
		params.Context = ctx
		return a.api.Subscriptions.Get(externalSubscriptionID, params)
	}, a.onRetry(ctx, "get_subscription"))
	if err != nil {
		a.metrics.RecordProviderCall(ctx, providerName, "get_subscription", obsmetrics.OutcomeError)
		return nil, err
	}
	a.metrics.RecordProviderCall(ctx, providerName, "get_subscription", obsmetrics.OutcomeSuccess)
	return sub, nil
}

func (a *Adapter) onRetry(ctx context.Context, operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		a.metrics.RecordProviderRetry(ctx, providerName, operation)
		a.log.Warn("retrying stripe call",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
}

// isRetryable treats 4xx responses as final; 429, 5xx and transport failures get another attempt.
func isRetryable(err error) bool {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		return retry.RetryableStatus(stripeErr.HTTPStatusCode)
	}
	return retry.IsNetworkError(err)
}

func customerID(customer *stripego.Customer) string {
	if customer == nil {
		return ""
	}
	return customer.ID
}

func unixTime(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

func optionalUnix(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}

func readString(config map[string]any, key string) string {
	value, ok := config[key]
	if !ok {
		return ""
	}
	if cast, ok := value.(string); ok {
		return cast
	}
	return ""
}
