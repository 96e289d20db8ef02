package domain

import (
	"context"
	"errors"
	"time"

	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

// Service assembles the billing page for one user.
type Service interface {
	GetBillingInfo(ctx context.Context, userID string) (Info, error)
}

type Info struct {
	UserID             string                         `json:"user_id"`
	Balance            int64                          `json:"balance"`
	Subscription       *Subscription                  `json:"subscription"`
	Usage              consumptiondomain.UsageSummary `json:"usage"`
	RecentTransactions []ledgerdomain.Transaction     `json:"recent_transactions"`
}

// Subscription is the client view of the user's current subscription record.
type Subscription struct {
	ID                 string     `json:"id"`
	Provider           string     `json:"provider"`
	Status             string     `json:"status"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
}

var ErrInvalidUserID = errors.New("invalid_user_id")
