package domain

import (
	"context"
	"errors"
)

type Service interface {
	ChargeForAPICall(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	ChargeForStorage(ctx context.Context, req StorageChargeRequest) (ChargeResult, error)
	Usage(ctx context.Context, userID string) (UsageSummary, error)
}

// TierResolver answers whether a user currently pays.
type TierResolver interface {
	HasActivePaidSubscription(ctx context.Context, userID string) (bool, error)
}

var (
	ErrInvalidUserID     = errors.New("invalid_user_id")
	ErrInvalidRequestID  = errors.New("invalid_request_id")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrRequestIDConflict = errors.New("request_id_conflict")
)
