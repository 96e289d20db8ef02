package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const recordColumns = `id, user_id, provider, external_subscription_id, external_customer_id, status,
	cancel_at_period_end, current_period_start, current_period_end, canceled_at, last_event_at,
	created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *subscriptiondomain.PaymentEvent) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ClaimEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE payment_events SET processed_at = ?
		 WHERE provider = ? AND provider_event_id = ? AND processed_at IS NULL`,
		now,
		provider,
		providerEventID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) LinkEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string, subscriptionID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events SET subscription_id = ?
		 WHERE provider = ? AND provider_event_id = ?`,
		subscriptionID,
		provider,
		providerEventID,
	).Error
}

func (r *repo) CountEvents(ctx context.Context, db *gorm.DB, provider, providerEventID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payment_events WHERE provider = ? AND provider_event_id = ?`,
		provider,
		providerEventID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *subscriptiondomain.SubscriptionRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, record *subscriptiondomain.SubscriptionRecord) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET user_id = ?, external_customer_id = ?, status = ?, cancel_at_period_end = ?,
		     current_period_start = ?, current_period_end = ?, canceled_at = ?,
		     last_event_at = ?, updated_at = ?
		 WHERE id = ?`,
		record.UserID,
		record.ExternalCustomerID,
		record.Status,
		record.CancelAtPeriodEnd,
		record.CurrentPeriodStart,
		record.CurrentPeriodEnd,
		record.CanceledAt,
		record.LastEventAt,
		record.UpdatedAt,
		record.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.SubscriptionRecord, error) {
	var record subscriptiondomain.SubscriptionRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+` FROM subscription_records WHERE id = ?`,
		id,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalSubscriptionID string) (*subscriptiondomain.SubscriptionRecord, error) {
	var record subscriptiondomain.SubscriptionRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+` FROM subscription_records
		 WHERE provider = ? AND external_subscription_id = ?`,
		provider,
		externalSubscriptionID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindCurrentForUser(ctx context.Context, db *gorm.DB, userID string, paid []subscriptiondomain.Status) (*subscriptiondomain.SubscriptionRecord, error) {
	var record subscriptiondomain.SubscriptionRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+` FROM subscription_records
		 WHERE user_id = ?
		 ORDER BY CASE WHEN status IN ? THEN 0 ELSE 1 END, updated_at DESC, id DESC
		 LIMIT 1`,
		userID,
		paid,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) ListPaidUserIDs(ctx context.Context, db *gorm.DB, userIDs []string, paid []subscriptiondomain.Status) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rows []string
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT user_id FROM subscription_records
		 WHERE user_id IN ? AND status IN ?`,
		userIDs,
		paid,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) MarkCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_records SET cancel_at_period_end = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		true,
		now,
		id,
		subscriptiondomain.StatusCanceled,
	).Error
}
