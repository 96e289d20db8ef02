package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Create(ctx context.Context, userID string, req CreateRequest) (*CreateResponse, error)
	List(ctx context.Context, userID string) ([]Response, error)
	Revoke(ctx context.Context, keyID string, requestingUserID string) error
	Authenticate(ctx context.Context, plaintext string) (Identity, error)
	// PurgeExpired deletes keys whose expiry is older than the retention window.
	PurgeExpired(ctx context.Context) (int64, error)
}

type CreateRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type Response struct {
	KeyID      string     `json:"key_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// CreateResponse carries the plaintext key. It is returned once and never stored.
type CreateResponse struct {
	Key       Response `json:"key"`
	Plaintext string   `json:"api_key"`
}

var (
	ErrInvalidUserID = errors.New("invalid_user_id")
	ErrInvalidName   = errors.New("invalid_name")
	ErrInvalidExpiry = errors.New("invalid_expiry")
	ErrInvalidKeyID  = errors.New("invalid_key_id")
	ErrInvalidKey    = errors.New("invalid_api_key")
	ErrNotFound      = errors.New("not_found")
)
