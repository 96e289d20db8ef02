package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	EnsureAccount(ctx context.Context, db *gorm.DB, userID string, now time.Time) error
	// LockAccount takes a row lock on the account until the transaction ends.
	LockAccount(ctx context.Context, db *gorm.DB, userID string) error
	// InsertTransaction reports false when the reference id already exists.
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) (bool, error)
	// AddToBalance applies delta only if the result stays non-negative; false means it did not.
	AddToBalance(ctx context.Context, db *gorm.DB, userID string, delta int64, now time.Time) (bool, error)
	GetBalance(ctx context.Context, db *gorm.DB, userID string) (int64, error)
	SetBalanceAfter(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64) error
	FindTransactionByReference(ctx context.Context, db *gorm.DB, referenceID string) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, userID string, beforeID snowflake.ID, limit int) ([]Transaction, error)
	ListAccountUserIDs(ctx context.Context, db *gorm.DB, afterUserID string, limit int) ([]string, error)
	FindDiscrepancies(ctx context.Context, db *gorm.DB) ([]Discrepancy, error)
}
