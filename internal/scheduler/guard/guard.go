package guard

import (
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
)

// GrantDue reports whether the monthly grant still has to run for the period
// containing now. lastPeriod is the last period that completed successfully.
func GrantDue(lastPeriod string, now time.Time) bool {
	return lastPeriod != clock.Period(now)
}

// IntervalDue reports whether a periodic job last run at last should run again.
func IntervalDue(last, now time.Time, every time.Duration) bool {
	if last.IsZero() || every <= 0 {
		return true
	}
	return !now.Before(last.Add(every))
}
