package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	// Insert reports false when (metric, request_id) was already recorded.
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) (bool, error)
	FindByRequest(ctx context.Context, db *gorm.DB, metric Metric, requestID string) (*UsageRecord, error)
	SumQuantity(ctx context.Context, db *gorm.DB, userID string, metric Metric, period string) (int64, error)
	SetCharged(ctx context.Context, db *gorm.DB, id int64, charged int64) error
}
