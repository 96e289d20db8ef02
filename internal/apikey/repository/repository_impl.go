package repository

import (
	"context"
	"time"

	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	"gorm.io/gorm"
)

const keyColumns = `id, user_id, key_id, name, prefix, hashed_key, expires_at, last_used_at, created_at`

type repo struct{}

func Provide() apikeydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO api_keys (`+keyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.UserID,
		key.KeyID,
		key.Name,
		key.Prefix,
		key.HashedKey,
		key.ExpiresAt,
		key.LastUsedAt,
		key.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, userID string) ([]apikeydomain.APIKey, error) {
	var keys []apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+`
		 FROM api_keys WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *repo) FindByHash(ctx context.Context, db *gorm.DB, hashedKey string) (*apikeydomain.APIKey, error) {
	var key apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+` FROM api_keys WHERE hashed_key = ? LIMIT 1`,
		hashedKey,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *repo) DeleteOwned(ctx context.Context, db *gorm.DB, keyID, userID string) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM api_keys WHERE key_id = ? AND user_id = ?`,
		keyID,
		userID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) TouchLastUsed(ctx context.Context, db *gorm.DB, id int64, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}

func (r *repo) DeleteExpiredBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at < ?`,
		cutoff,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
