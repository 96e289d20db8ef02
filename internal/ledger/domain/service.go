package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Service interface {
	ApplyTransaction(ctx context.Context, req ApplyRequest) (ApplyResult, error)
	// ApplyTransactionTx runs inside a caller-owned transaction so the caller's own
	// writes commit or roll back together with the ledger movement.
	ApplyTransactionTx(ctx context.Context, tx *gorm.DB, req ApplyRequest) (ApplyResult, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	EnsureAccount(ctx context.Context, userID string) error
	// LockAccountTx creates the account if needed and holds its row lock for the
	// rest of tx. Writers that read-then-write per user serialize on it.
	LockAccountTx(ctx context.Context, tx *gorm.DB, userID string) error
	ListAccountUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error)
	Reconcile(ctx context.Context) ([]Discrepancy, error)
}

var (
	ErrInvalidUserID       = errors.New("invalid_user_id")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidReason       = errors.New("invalid_reason")
	ErrInvalidReferenceID  = errors.New("invalid_reference_id")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)
