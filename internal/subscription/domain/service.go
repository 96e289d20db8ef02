package domain

import (
	"context"
	"errors"
)

type Service interface {
	ApplyProviderEvent(ctx context.Context, event ProviderEvent) error
	CancelSubscription(ctx context.Context, subscriptionID, requestingUserID string) (SubscriptionRecord, error)
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	GetForUser(ctx context.Context, userID string) (*SubscriptionRecord, error)
	HasActivePaidSubscription(ctx context.Context, userID string) (bool, error)
	// ListUsersWithActivePaidSubscription returns the subset of userIDs that currently pay.
	ListUsersWithActivePaidSubscription(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// ProviderClient is the outbound side of a payment provider.
type ProviderClient interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	CancelSubscription(ctx context.Context, externalSubscriptionID string) error
}

// ProviderDirectory resolves the client for the provider that owns a record.
type ProviderDirectory interface {
	Client(provider string) (ProviderClient, error)
	DefaultProvider() string
}

var (
	ErrNotFound              = errors.New("subscription_not_found")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrProviderError         = errors.New("provider_error")
	ErrInvalidUserID         = errors.New("invalid_user_id")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidPriceID        = errors.New("invalid_price_id")
	ErrInvalidRedirectURL    = errors.New("invalid_redirect_url")
	ErrAlreadySubscribed     = errors.New("already_subscribed")
	// ErrSubscriptionUnknown leaves the event unclaimed so the provider redelivers
	// it after the subscription has been created locally.
	ErrSubscriptionUnknown = errors.New("subscription_unknown")
)
