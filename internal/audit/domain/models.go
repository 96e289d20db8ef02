package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAPIKey ActorType = "api_key"
	ActorTypeSystem ActorType = "system"
)

const (
	ActionAPIKeyCreate       = "api_key.create"
	ActionAPIKeyRevoke       = "api_key.revoke"
	ActionSubscriptionCancel = "subscription.cancel"
)

// AuditLog records one credential or subscription change made on behalf of a user.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id,string"`
	ActorType  string            `gorm:"column:actor_type;type:varchar(32);not null" json:"actor_type"`
	ActorID    *string           `gorm:"column:actor_id;type:varchar(128);index:idx_audit_logs_actor_id" json:"actor_id,omitempty"`
	Action     string            `gorm:"type:varchar(64);not null" json:"action"`
	TargetType string            `gorm:"column:target_type;type:varchar(64);not null" json:"target_type"`
	TargetID   *string           `gorm:"column:target_id;type:varchar(128)" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	ActorID  string
	Action   string
	BeforeID snowflake.ID
	Limit    int
}
