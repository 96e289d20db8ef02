package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *APIKey) error
	List(ctx context.Context, db *gorm.DB, userID string) ([]APIKey, error)
	FindByHash(ctx context.Context, db *gorm.DB, hashedKey string) (*APIKey, error)
	// DeleteOwned removes the key only when it belongs to userID and reports whether a row went away.
	DeleteOwned(ctx context.Context, db *gorm.DB, keyID, userID string) (bool, error)
	TouchLastUsed(ctx context.Context, db *gorm.DB, id int64, at time.Time) error
	DeleteExpiredBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
