package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// APIKey stores a hashed credential owned by one user.
type APIKey struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	UserID     string       `gorm:"column:user_id;type:varchar(128);not null;index:idx_api_keys_user_id"`
	KeyID      string       `gorm:"column:key_id;type:varchar(64);not null;uniqueIndex:ux_api_keys_key_id"`
	Name       string       `gorm:"type:varchar(255);not null"`
	Prefix     string       `gorm:"column:prefix;type:varchar(32);not null"`
	HashedKey  string       `gorm:"column:hashed_key;type:char(64);not null;uniqueIndex:ux_api_keys_hashed_key"`
	ExpiresAt  *time.Time   `gorm:"column:expires_at"`
	LastUsedAt *time.Time   `gorm:"column:last_used_at"`
	CreatedAt  time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }

// Identity is the caller resolved from a valid key.
type Identity struct {
	UserID string
	KeyID  string
}
