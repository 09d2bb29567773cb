package admission

import (
	"fmt"
	"time"
)

// PeriodClock computes weekly admission-control periods anchored on
// Monday 00:00 in a fixed timezone, so quota buckets are stable
// regardless of the server's local time.
type PeriodClock struct {
	loc *time.Location
}

// NewPeriodClock creates a clock pinned to the given IANA timezone.
func NewPeriodClock(timezone string) (*PeriodClock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", timezone, err)
	}
	return &PeriodClock{loc: loc}, nil
}

// CurrentPeriodStart returns the Monday 00:00 that starts the period
// containing now.
func (c *PeriodClock) CurrentPeriodStart(now time.Time) time.Time {
	local := now.In(c.loc)
	// Days since Monday; Sunday counts as six days in.
	offset := (int(local.Weekday()) + 6) % 7
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	return day.AddDate(0, 0, -offset)
}

// NextPeriodStart returns the start of the period after the one
// containing now.
func (c *PeriodClock) NextPeriodStart(now time.Time) time.Time {
	return c.CurrentPeriodStart(now).AddDate(0, 0, 7)
}

// PeriodKey returns the date string used to bucket quota records.
func (c *PeriodClock) PeriodKey(now time.Time) string {
	return c.CurrentPeriodStart(now).Format("2006-01-02")
}
