package service

import (
	"context"
	"strings"

	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const recentTransactionLimit = 10

type Params struct {
	fx.In

	Log           *zap.Logger
	Ledger        ledgerdomain.Service
	Consumption   consumptiondomain.Service
	Subscriptions subscriptiondomain.Service
}

type Service struct {
	log           *zap.Logger
	ledger        ledgerdomain.Service
	consumption   consumptiondomain.Service
	subscriptions subscriptiondomain.Service
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		log:           p.Log.Named("billing.service"),
		ledger:        p.Ledger,
		consumption:   p.Consumption,
		subscriptions: p.Subscriptions,
	}
}

// GetBillingInfo also opens the user's account so the monthly grant picks them up.
func (s *Service) GetBillingInfo(ctx context.Context, userID string) (billingdomain.Info, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return billingdomain.Info{}, billingdomain.ErrInvalidUserID
	}

	if err := s.ledger.EnsureAccount(ctx, userID); err != nil {
		return billingdomain.Info{}, err
	}

	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return billingdomain.Info{}, err
	}

	record, err := s.subscriptions.GetForUser(ctx, userID)
	if err != nil {
		return billingdomain.Info{}, err
	}

	usage, err := s.consumption.Usage(ctx, userID)
	if err != nil {
		return billingdomain.Info{}, err
	}

	recent, err := s.ledger.ListTransactions(ctx, ledgerdomain.ListTransactionsRequest{
		UserID:   userID,
		PageSize: recentTransactionLimit,
	})
	if err != nil {
		return billingdomain.Info{}, err
	}

	info := billingdomain.Info{
		UserID:             userID,
		Balance:            balance,
		Usage:              usage,
		RecentTransactions: recent.Transactions,
	}
	if info.RecentTransactions == nil {
		info.RecentTransactions = []ledgerdomain.Transaction{}
	}
	if record != nil {
		info.Subscription = toSubscription(record)
	}
	return info, nil
}

func toSubscription(record *subscriptiondomain.SubscriptionRecord) *billingdomain.Subscription {
	return &billingdomain.Subscription{
		ID:                 record.ID.String(),
		Provider:           record.Provider,
		Status:             string(record.Status),
		CancelAtPeriodEnd:  record.CancelAtPeriodEnd,
		CurrentPeriodStart: record.CurrentPeriodStart,
		CurrentPeriodEnd:   record.CurrentPeriodEnd,
		CanceledAt:         record.CanceledAt,
	}
}
