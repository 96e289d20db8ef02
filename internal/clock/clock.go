package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall-clock time so billing periods can be pinned in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func NewSystemClock() Clock {
	return systemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)

// Period returns the yyyy-MM billing month that contains t, in UTC.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MonthStart returns midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
