package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason classifies why credits moved.
type Reason string

const (
	ReasonMonthlyGrant     Reason = "monthly_grant"
	ReasonAPICall          Reason = "api_call"
	ReasonStorage          Reason = "storage"
	ReasonManualAdjustment Reason = "manual_adjustment"
	ReasonRefund           Reason = "refund"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonMonthlyGrant, ReasonAPICall, ReasonStorage, ReasonManualAdjustment, ReasonRefund:
		return true
	default:
		return false
	}
}

// AccountBalance is the materialized running balance of a user.
// It is only written inside the same DB transaction that appends a Transaction.
type AccountBalance struct {
	UserID    string    `gorm:"primaryKey;type:varchar(191)"`
	Balance   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// Transaction is a ledger row, immutable once committed. Positive amounts credit,
// negative amounts debit.
type Transaction struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID      string       `gorm:"type:varchar(191);not null;index:ix_ledger_transactions_user_created,priority:1" json:"user_id"`
	Amount      int64        `gorm:"not null" json:"amount"`
	Reason      Reason       `gorm:"type:varchar(32);not null" json:"reason"`
	ReferenceID string       `gorm:"type:varchar(191);not null;uniqueIndex:ux_ledger_transactions_reference" json:"reference_id"`
	// BalanceAfter is the account balance right after this row was applied.
	BalanceAfter int64     `gorm:"not null;default:0" json:"balance_after"`
	CreatedAt    time.Time `gorm:"not null;index:ix_ledger_transactions_user_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string { return "ledger_transactions" }

type ApplyRequest struct {
	UserID      string
	Amount      int64
	Reason      Reason
	ReferenceID string
}

// ApplyResult reports the balance after the call. Applied is false when the
// reference had already been recorded and nothing changed.
type ApplyResult struct {
	Balance int64
	Applied bool
}

type ListTransactionsRequest struct {
	UserID    string
	PageToken string
	PageSize  int
}

type ListTransactionsResponse struct {
	Transactions  []Transaction `json:"transactions"`
	NextPageToken string        `json:"next_page_token,omitempty"`
	HasMore       bool          `json:"has_more"`
}

// Discrepancy is a user whose stored balance disagrees with the sum of their transactions.
type Discrepancy struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledger_sum"`
}
