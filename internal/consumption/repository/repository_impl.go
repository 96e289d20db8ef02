package repository

import (
	"context"

	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() consumptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *consumptiondomain.UsageRecord) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "metric"}, {Name: "request_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByRequest(ctx context.Context, db *gorm.DB, metric consumptiondomain.Metric, requestID string) (*consumptiondomain.UsageRecord, error) {
	var record consumptiondomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, metric, period, quantity, request_id, charged, created_at
		 FROM usage_records WHERE metric = ? AND request_id = ?`,
		metric,
		requestID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) SumQuantity(ctx context.Context, db *gorm.DB, userID string, metric consumptiondomain.Metric, period string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0) FROM usage_records
		 WHERE user_id = ? AND metric = ? AND period = ?`,
		userID,
		metric,
		period,
	).Scan(&total).Error
	return total, err
}

func (r *repo) SetCharged(ctx context.Context, db *gorm.DB, id int64, charged int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_records SET charged = ? WHERE id = ?`,
		charged,
		id,
	).Error
}
