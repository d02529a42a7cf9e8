package ledger

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// TIME SLOTS - Fixed service windows within a day
// =============================================================================

type TimeSlot string

const (
	Slot0800 TimeSlot = "08:00"
	Slot1000 TimeSlot = "10:00"
	Slot1200 TimeSlot = "12:00"
	Slot1500 TimeSlot = "15:00"
	Slot1930 TimeSlot = "19:30"
)

// TimeSlots lists the slots in chronological order.
var TimeSlots = []TimeSlot{Slot0800, Slot1000, Slot1200, Slot1500, Slot1930}

func (s TimeSlot) Valid() bool { return s.Order() >= 0 }

// Order returns the slot's position within the day, or -1 if unknown.
func (s TimeSlot) Order() int {
	for i, ts := range TimeSlots {
		if ts == s {
			return i
		}
	}
	return -1
}

// =============================================================================
// MONTH HELPERS
// =============================================================================

// ValidateMonth rejects months outside 1..12 and non-positive years.
func ValidateMonth(year, month int) error {
	if year <= 0 {
		return &ValidationError{Field: "year", Message: fmt.Sprintf("year %d is not valid", year)}
	}
	if month < 1 || month > 12 {
		return &ValidationError{Field: "month", Message: fmt.Sprintf("month %d is not in 1..12", month)}
	}
	return nil
}

// DaysIn returns the number of days in the given month.
func DaysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// MonthID normalizes a month as YYYY-MM-01.
func MonthID(year, month int) string {
	return fmt.Sprintf("%04d-%02d-01", year, month)
}

// =============================================================================
// CLOCK - Source of "now" for grants and audit stamps
// =============================================================================

type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time in a fixed location.
type SystemClock struct {
	Location *time.Location
}

// NewSystemClock loads the named IANA zone, e.g. "America/Sao_Paulo".
func NewSystemClock(zone string) (*SystemClock, error) {
	if zone == "" {
		return &SystemClock{Location: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return &SystemClock{Location: loc}, nil
}

func (c *SystemClock) Now() time.Time {
	if c == nil || c.Location == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.Location)
}

// FixedClock is a settable clock for tests and replays.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
