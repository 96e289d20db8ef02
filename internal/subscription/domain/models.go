// Package domain contains subscription records and the provider event log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status mirrors the payment provider's subscription lifecycle.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled,
		StatusIncomplete, StatusIncompleteExpired, StatusUnpaid, StatusPaused:
		return true
	default:
		return false
	}
}

// ActivePaidStatuses are the statuses that count as a paying user. past_due is
// included so a failed renewal does not drop the user to the free tier before
// the provider gives up on the invoice.
var ActivePaidStatuses = []Status{StatusActive, StatusTrialing, StatusPastDue}

func (s Status) IsActivePaid() bool {
	for _, status := range ActivePaidStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// SubscriptionRecord is the local copy of a provider subscription.
// Rows are never deleted; the terminal state is canceled.
type SubscriptionRecord struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID                 string       `gorm:"type:varchar(191);not null;index" json:"user_id"`
	Provider               string       `gorm:"type:varchar(32);not null;uniqueIndex:ux_subscription_records_external,priority:1" json:"provider"`
	ExternalSubscriptionID string       `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscription_records_external,priority:2" json:"external_subscription_id"`
	ExternalCustomerID     string       `gorm:"type:varchar(191)" json:"external_customer_id,omitempty"`
	Status                 Status       `gorm:"type:varchar(32);not null" json:"status"`
	CancelAtPeriodEnd      bool         `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CurrentPeriodStart     *time.Time   `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time   `json:"current_period_end,omitempty"`
	CanceledAt             *time.Time   `json:"canceled_at,omitempty"`
	LastEventAt            time.Time    `gorm:"not null" json:"-"`
	CreatedAt              time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time    `gorm:"not null" json:"updated_at"`
}

func (SubscriptionRecord) TableName() string { return "subscription_records" }

// PaymentEvent is the immutable log of provider events. ProcessedAt is stamped
// once, in the same DB transaction that applied the event.
type PaymentEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:varchar(32);not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	SubscriptionID  *snowflake.ID  `gorm:"index"`
	EventType       string         `gorm:"type:varchar(64);not null"`
	EventData       datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

func (PaymentEvent) TableName() string { return "payment_events" }

type CheckoutRequest struct {
	UserID     string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutParams is what a provider needs to open a hosted checkout page.
type CheckoutParams struct {
	UserID     string
	PriceID    string
	SuccessURL string
	CancelURL  string
	// IdempotencyKey makes the provider return the same session for repeated
	// requests, so racing checkouts cannot open two subscriptions.
	IdempotencyKey string
}

type CheckoutSession struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Provider string `json:"provider"`
}
