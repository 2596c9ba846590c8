// Package dates handles calendar-day values exchanged over the API.
package dates

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const Layout = "2006-01-02"

// Date is a calendar day. It accepts "2006-01-02" or RFC 3339 input and
// always renders as "2006-01-02".
type Date struct {
	time.Time
}

// Parse reads a calendar day, truncating any time component to UTC midnight.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(Layout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("dates: invalid date %q", s)
	}
	return Day(t), nil
}

// Day truncates t to midnight UTC of its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current UTC calendar day.
func Today(now time.Time) time.Time {
	return Day(now)
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("dates: expected string: %w", err)
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := Parse(s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(d.Format(Layout))
}

// Ptr returns nil for the zero date.
func (d Date) Ptr() *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}
