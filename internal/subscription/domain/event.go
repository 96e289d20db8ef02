package domain

import "time"

type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout.completed"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionDeleted  EventType = "subscription.deleted"
)

// ProviderEvent is a verified webhook event translated out of the provider SDK's shape.
type ProviderEvent struct {
	ID         string
	Provider   string
	OccurredAt time.Time
	Raw        []byte
	Payload    EventPayload
}

func (e ProviderEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// EventPayload is implemented only by the payload types in this package.
type EventPayload interface {
	EventType() EventType
	SubscriptionRef() string
	isEventPayload()
}

// CheckoutCompleted creates or reactivates a subscription for the user who paid.
type CheckoutCompleted struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	UserID                 string
	Status                 Status
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
}

type InvoicePaymentFailed struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
}

// SubscriptionUpdated carries the provider's full view of the subscription.
// UserID is set when the provider has it in metadata.
type SubscriptionUpdated struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	UserID                 string
	Status                 Status
	CancelAtPeriodEnd      bool
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CanceledAt             *time.Time
}

type SubscriptionDeleted struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	CanceledAt             *time.Time
}

func (CheckoutCompleted) EventType() EventType    { return EventCheckoutCompleted }
func (InvoicePaymentFailed) EventType() EventType { return EventInvoicePaymentFailed }
func (SubscriptionUpdated) EventType() EventType  { return EventSubscriptionUpdated }
func (SubscriptionDeleted) EventType() EventType  { return EventSubscriptionDeleted }

func (p CheckoutCompleted) SubscriptionRef() string    { return p.ExternalSubscriptionID }
func (p InvoicePaymentFailed) SubscriptionRef() string { return p.ExternalSubscriptionID }
func (p SubscriptionUpdated) SubscriptionRef() string  { return p.ExternalSubscriptionID }
func (p SubscriptionDeleted) SubscriptionRef() string  { return p.ExternalSubscriptionID }

func (CheckoutCompleted) isEventPayload()    {}
func (InvoicePaymentFailed) isEventPayload() {}
func (SubscriptionUpdated) isEventPayload()  {}
func (SubscriptionDeleted) isEventPayload()  {}
