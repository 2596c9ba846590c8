package jobs

import (
	"fmt"
	"time"
)

// Schedule yields the next run time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Hourly fires once an hour at Minute past the hour, UTC.
type Hourly struct {
	Minute int
}

func (h Hourly) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), h.Minute, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.Add(time.Hour)
	}
	return next
}

func (h Hourly) String() string { return fmt.Sprintf("hourly at :%02d", h.Minute) }

// Daily fires once a day at Hour:Minute UTC.
type Daily struct {
	Hour   int
	Minute int
}

func (d Daily) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (d Daily) String() string { return fmt.Sprintf("daily at %02d:%02d UTC", d.Hour, d.Minute) }

// ParseDaily reads an "HH:MM" clock time.
func ParseDaily(clock string) (Daily, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return Daily{}, fmt.Errorf("jobs: invalid clock time %q", clock)
	}
	return Daily{Hour: t.Hour(), Minute: t.Minute()}, nil
}
