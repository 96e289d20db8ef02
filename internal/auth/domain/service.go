package domain

import "context"

// Service resolves the current session from a raw bearer token.
type Service interface {
	Authenticate(ctx context.Context, rawToken string) (*Session, error)
}

// CronGuard checks the shared secret presented by scheduled callers.
type CronGuard interface {
	Enabled() bool
	Verify(provided string) error
}
