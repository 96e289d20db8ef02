package service

import (
	"time"

	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
)

const (
	skipUnknownSubscription = "unknown_subscription"
	skipStaleEvent          = "stale_event"
	skipCanceled            = "subscription_canceled"
	skipMissingUser         = "missing_user_reference"
)

// transition is the outcome of applying one event to the current record.
// A zero value with an empty skip means nothing to write.
type transition struct {
	record *subscriptiondomain.SubscriptionRecord
	create bool
	skip   string
}

// decide is the subscription state machine. current is nil when no local
// record exists for the event's subscription. It never mutates current.
func decide(current *subscriptiondomain.SubscriptionRecord, event subscriptiondomain.ProviderEvent, now time.Time) transition {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	switch payload := event.Payload.(type) {
	case subscriptiondomain.CheckoutCompleted:
		status := payload.Status
		if status != subscriptiondomain.StatusTrialing {
			status = subscriptiondomain.StatusActive
		}
		if current == nil {
			if payload.UserID == "" {
				return transition{skip: skipMissingUser}
			}
			return transition{create: true, record: &subscriptiondomain.SubscriptionRecord{
				UserID:                 payload.UserID,
				Provider:               event.Provider,
				ExternalSubscriptionID: payload.ExternalSubscriptionID,
				ExternalCustomerID:     payload.ExternalCustomerID,
				Status:                 status,
				CurrentPeriodStart:     payload.CurrentPeriodStart,
				CurrentPeriodEnd:       payload.CurrentPeriodEnd,
				LastEventAt:            occurredAt,
				CreatedAt:              now,
				UpdatedAt:              now,
			}}
		}
		if occurredAt.Before(current.LastEventAt) {
			return transition{skip: skipStaleEvent}
		}
		next := *current
		next.Status = status
		next.CancelAtPeriodEnd = false
		next.CanceledAt = nil
		if next.UserID == "" {
			next.UserID = payload.UserID
		}
		if payload.ExternalCustomerID != "" {
			next.ExternalCustomerID = payload.ExternalCustomerID
		}
		if payload.CurrentPeriodStart != nil {
			next.CurrentPeriodStart = payload.CurrentPeriodStart
		}
		if payload.CurrentPeriodEnd != nil {
			next.CurrentPeriodEnd = payload.CurrentPeriodEnd
		}
		next.LastEventAt = occurredAt
		next.UpdatedAt = now
		return transition{record: &next}

	case subscriptiondomain.InvoicePaymentFailed:
		if current == nil {
			return transition{skip: skipUnknownSubscription}
		}
		if occurredAt.Before(current.LastEventAt) {
			return transition{skip: skipStaleEvent}
		}
		if current.Status == subscriptiondomain.StatusCanceled {
			return transition{skip: skipCanceled}
		}
		next := *current
		next.Status = subscriptiondomain.StatusPastDue
		next.LastEventAt = occurredAt
		next.UpdatedAt = now
		return transition{record: &next}

	case subscriptiondomain.SubscriptionUpdated:
		if current == nil {
			if payload.UserID == "" {
				return transition{skip: skipUnknownSubscription}
			}
			record := &subscriptiondomain.SubscriptionRecord{
				UserID:                 payload.UserID,
				Provider:               event.Provider,
				ExternalSubscriptionID: payload.ExternalSubscriptionID,
				ExternalCustomerID:     payload.ExternalCustomerID,
				Status:                 payload.Status,
				CancelAtPeriodEnd:      payload.CancelAtPeriodEnd,
				CurrentPeriodStart:     payload.CurrentPeriodStart,
				CurrentPeriodEnd:       payload.CurrentPeriodEnd,
				CanceledAt:             payload.CanceledAt,
				LastEventAt:            occurredAt,
				CreatedAt:              now,
				UpdatedAt:              now,
			}
			return transition{create: true, record: record}
		}
		if occurredAt.Before(current.LastEventAt) {
			return transition{skip: skipStaleEvent}
		}
		if current.Status == subscriptiondomain.StatusCanceled && payload.Status != subscriptiondomain.StatusCanceled {
			return transition{skip: skipCanceled}
		}
		next := *current
		next.Status = payload.Status
		next.CancelAtPeriodEnd = payload.CancelAtPeriodEnd
		if payload.ExternalCustomerID != "" {
			next.ExternalCustomerID = payload.ExternalCustomerID
		}
		next.CurrentPeriodStart = payload.CurrentPeriodStart
		next.CurrentPeriodEnd = payload.CurrentPeriodEnd
		if payload.CanceledAt != nil {
			next.CanceledAt = payload.CanceledAt
		}
		next.LastEventAt = occurredAt
		next.UpdatedAt = now
		return transition{record: &next}

	case subscriptiondomain.SubscriptionDeleted:
		if current == nil {
			return transition{skip: skipUnknownSubscription}
		}
		// Deletion is terminal and applies regardless of the watermark.
		next := *current
		next.Status = subscriptiondomain.StatusCanceled
		next.CancelAtPeriodEnd = false
		canceledAt := occurredAt
		if payload.CanceledAt != nil {
			canceledAt = *payload.CanceledAt
		}
		next.CanceledAt = &canceledAt
		if occurredAt.After(next.LastEventAt) {
			next.LastEventAt = occurredAt
		}
		next.UpdatedAt = now
		return transition{record: &next}
	}

	return transition{}
}
