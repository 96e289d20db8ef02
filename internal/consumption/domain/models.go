package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Metric string

const (
	MetricAPICall Metric = "api_call"
	MetricStorage Metric = "storage"
)

// Tier selects which quota table applies to a user.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// StorageUnitsPerGBMonth converts GB-months to the integer quantity stored on usage rows.
const StorageUnitsPerGBMonth = 1000

// UsageRecord is one billable action. (metric, request_id) is unique, which makes
// a retried request return its first outcome instead of charging twice.
type UsageRecord struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    string       `gorm:"type:varchar(191);not null;index:ix_usage_records_user_metric_period,priority:1"`
	Metric    Metric       `gorm:"type:varchar(32);not null;uniqueIndex:ux_usage_records_metric_request,priority:1;index:ix_usage_records_user_metric_period,priority:2"`
	Period    string       `gorm:"type:varchar(7);not null;index:ix_usage_records_user_metric_period,priority:3"`
	Quantity  int64        `gorm:"not null"`
	RequestID string       `gorm:"type:varchar(191);not null;uniqueIndex:ux_usage_records_metric_request,priority:2"`
	Charged   int64        `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }

type ChargeRequest struct {
	UserID    string
	RequestID string
}

type StorageChargeRequest struct {
	UserID         string
	RequestID      string
	GigabyteMonths float64
}

// ChargeResult is the outcome of a billable action. Charged is the number of
// credits debited, zero when the action fit in the free quota.
type ChargeResult struct {
	Charged     int64 `json:"charged"`
	Balance     int64 `json:"balance"`
	WithinQuota bool  `json:"within_quota"`
	Duplicate   bool  `json:"duplicate"`
}

type UsageSummary struct {
	Period               string  `json:"period"`
	Tier                 Tier    `json:"tier"`
	APICalls             int64   `json:"api_calls"`
	APICallQuota         int64   `json:"api_call_quota"`
	StorageGBMonths      float64 `json:"storage_gb_months"`
	StorageGBMonthsQuota float64 `json:"storage_gb_months_quota"`
}
