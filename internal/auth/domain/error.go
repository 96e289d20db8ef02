package domain

import "errors"

var (
	ErrInvalidSession   = errors.New("invalid session")
	ErrSessionExpired   = errors.New("session expired")
	ErrNotConfigured    = errors.New("session verifier not configured")
	ErrInvalidCronToken = errors.New("invalid cron secret")
)
