// Package domain contains core types for request authentication.
package domain

import "time"

// Session is the caller identity carried by a verified bearer token.
type Session struct {
	UserID    string
	ExpiresAt time.Time
}
