package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *PaymentEvent) (bool, error)
	// ClaimEvent stamps processed_at and reports false if another delivery already did.
	ClaimEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string, now time.Time) (bool, error)
	LinkEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string, subscriptionID snowflake.ID) error
	CountEvents(ctx context.Context, db *gorm.DB, provider, providerEventID string) (int64, error)

	Insert(ctx context.Context, db *gorm.DB, record *SubscriptionRecord) error
	Update(ctx context.Context, db *gorm.DB, record *SubscriptionRecord) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SubscriptionRecord, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalSubscriptionID string) (*SubscriptionRecord, error)
	FindCurrentForUser(ctx context.Context, db *gorm.DB, userID string, paid []Status) (*SubscriptionRecord, error)
	ListPaidUserIDs(ctx context.Context, db *gorm.DB, userIDs []string, paid []Status) ([]string, error)
	MarkCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
}
