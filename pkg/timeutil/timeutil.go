// Package timeutil provides school-calendar time helpers.
// Payment dates, daily totals and monthly totals are all bucketed in the
// school's local time zone, which defaults to East Africa Time (UTC+3) and can
// be replaced once at startup with LoadLocation.
package timeutil

import (
	"sync"
	"time"
)

// EAT is East Africa Time (UTC+3, no DST).
var EAT = time.FixedZone("EAT", 3*60*60)

var (
	locMu sync.RWMutex
	loc   = EAT
)

// LoadLocation resolves an IANA zone name and installs it as the school time
// zone. An empty name keeps the default. Call it before serving requests.
func LoadLocation(name string) error {
	if name == "" {
		return nil
	}
	l, err := time.LoadLocation(name)
	if err != nil {
		return err
	}
	locMu.Lock()
	loc = l
	locMu.Unlock()
	return nil
}

// Location returns the school time zone.
func Location() *time.Location {
	locMu.RLock()
	defer locMu.RUnlock()
	return loc
}

// Now returns the current time in the school time zone.
func Now() time.Time {
	return time.Now().In(Location())
}

// ToSchool converts a time to the school time zone.
func ToSchool(t time.Time) time.Time {
	return t.In(Location())
}

// Date creates a time at midnight of the given date in the school time zone.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, Location())
}

func startOfDay(t time.Time) time.Time {
	s := ToSchool(t)
	return time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, s.Location())
}

// MonthRange returns [start, end) of a calendar month in the school time zone.
func MonthRange(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, Location())
	return start, start.AddDate(0, 1, 0)
}

// DayRange returns [start, end) of the calendar day containing t.
func DayRange(t time.Time) (time.Time, time.Time) {
	start := startOfDay(t)
	return start, start.AddDate(0, 0, 1)
}

// Common date/time formats.
const (
	// FormatDate is the standard date format (YYYY-MM-DD).
	FormatDate = "2006-01-02"
	// FormatMonth is the month key format (YYYY-MM).
	FormatMonth = "2006-01"
	// FormatDateTime is the standard datetime format.
	FormatDateTime = "2006-01-02 15:04"
)

// FormatDateStr formats a time as YYYY-MM-DD in the school time zone.
func FormatDateStr(t time.Time) string {
	return ToSchool(t).Format(FormatDate)
}

// FormatMonthStr formats a time as YYYY-MM in the school time zone.
func FormatMonthStr(t time.Time) string {
	return ToSchool(t).Format(FormatMonth)
}

// ParseDate parses YYYY-MM-DD as midnight in the school time zone.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(FormatDate, value, Location())
}
