package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) EnsureAccount(ctx context.Context, db *gorm.DB, userID string, now time.Time) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&ledgerdomain.AccountBalance{
			UserID:    userID,
			Balance:   0,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
}

func (r *repo) LockAccount(ctx context.Context, db *gorm.DB, userID string) error {
	var account ledgerdomain.AccountBalance
	return db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&account).Error
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *ledgerdomain.Transaction) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "reference_id"}}, DoNothing: true}).
		Create(tx)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AddToBalance(ctx context.Context, db *gorm.DB, userID string, delta int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE account_balances
		 SET balance = balance + ?, updated_at = ?
		 WHERE user_id = ? AND balance + ? >= 0`,
		delta,
		now,
		userID,
		delta,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SetBalanceAfter(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ledger_transactions SET balance_after = ? WHERE id = ?`,
		balance,
		id,
	).Error
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var balance int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(balance), 0) FROM account_balances WHERE user_id = ?`,
		userID,
	).Scan(&balance).Error
	return balance, err
}

func (r *repo) FindTransactionByReference(ctx context.Context, db *gorm.DB, referenceID string) (*ledgerdomain.Transaction, error) {
	var row ledgerdomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, amount, reason, reference_id, balance_after, created_at
		 FROM ledger_transactions WHERE reference_id = ?`,
		referenceID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, userID string, beforeID snowflake.ID, limit int) ([]ledgerdomain.Transaction, error) {
	query := db.WithContext(ctx).
		Model(&ledgerdomain.Transaction{}).
		Where("user_id = ?", userID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}

	var rows []ledgerdomain.Transaction
	if err := query.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListAccountUserIDs(ctx context.Context, db *gorm.DB, afterUserID string, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT user_id FROM account_balances
		 WHERE user_id > ?
		 ORDER BY user_id ASC
		 LIMIT ?`,
		afterUserID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FindDiscrepancies also reports transactions whose user has no balance row.
func (r *repo) FindDiscrepancies(ctx context.Context, db *gorm.DB) ([]ledgerdomain.Discrepancy, error) {
	var rows []ledgerdomain.Discrepancy
	err := db.WithContext(ctx).Raw(
		`SELECT b.user_id AS user_id, b.balance AS balance, COALESCE(t.total, 0) AS ledger_sum
		 FROM account_balances b
		 LEFT JOIN (
			SELECT user_id, SUM(amount) AS total FROM ledger_transactions GROUP BY user_id
		 ) t ON t.user_id = b.user_id
		 WHERE b.balance <> COALESCE(t.total, 0)
		 UNION ALL
		 SELECT t.user_id AS user_id, 0 AS balance, SUM(t.amount) AS ledger_sum
		 FROM ledger_transactions t
		 WHERE NOT EXISTS (SELECT 1 FROM account_balances b WHERE b.user_id = t.user_id)
		 GROUP BY t.user_id`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
