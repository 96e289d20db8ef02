package domain

import (
	"context"
	"fmt"
)

type Service interface {
	GrantMonthlyFreeCredits(ctx context.Context) (Summary, error)
}

// Summary reports one grant run. Success is false when any user failed or the
// user enumeration stopped early; users granted before that keep their credits.
type Summary struct {
	Success                 bool   `json:"success"`
	Period                  string `json:"period"`
	TotalUsers              int    `json:"total_users"`
	SuccessCount            int    `json:"success_count"`
	SkippedCount            int    `json:"skipped_count"`
	ErrorCount              int    `json:"error_count"`
	TotalCreditsDistributed int64  `json:"total_credits_distributed"`
}

// ReferenceID is the ledger idempotency key for a user's grant in a period.
func ReferenceID(period, userID string) string {
	return fmt.Sprintf("monthly:%s:%s", period, userID)
}
