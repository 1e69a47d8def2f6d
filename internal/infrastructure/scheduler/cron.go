package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpression is a five-field cron schedule:
//
//	minute hour day-of-month month day-of-week
//
// Each field accepts *, n, n-m, a step (*/n, n-m/s) or a comma list of those.
// Times are evaluated in the location of the instant passed to Next, which
// the Scheduler sets to the school timezone.
type CronExpression struct {
	raw    string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
	anyDom bool
	anyDow bool
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCronExpression parses expr or reports which field is wrong.
func ParseCronExpression(expr string) (*CronExpression, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(parts))
	}

	var masks [5]uint64
	for i, f := range cronFields {
		m, err := parseCronField(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s: %w", expr, f.name, err)
		}
		masks[i] = m
	}

	return &CronExpression{
		raw:    expr,
		minute: masks[0],
		hour:   masks[1],
		dom:    masks[2],
		month:  masks[3],
		dow:    masks[4],
		anyDom: parts[2] == "*",
		anyDow: parts[4] == "*",
	}, nil
}

// MustParseCronExpression panics on a bad expression. For constants only.
func MustParseCronExpression(expr string) *CronExpression {
	ce, err := ParseCronExpression(expr)
	if err != nil {
		panic(err)
	}
	return ce
}

func parseCronField(field string, min, max int) (uint64, error) {
	var mask uint64
	for _, item := range strings.Split(field, ",") {
		lo, hi, step := min, max, 1

		rng := item
		if base, s, ok := strings.Cut(item, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step %q", s)
			}
			step, rng = n, base
		}

		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("bad range start %q", a)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, fmt.Errorf("bad range end %q", b)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", rng)
			}
			lo, hi = v, v
			if strings.Contains(item, "/") {
				hi = max
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("%q outside %d-%d", item, min, max)
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}
	return mask, nil
}

func (ce *CronExpression) String() string { return ce.raw }

// Next returns the first matching minute strictly after t, or the zero time
// when nothing matches within five years (e.g. "0 0 30 2 *").
func (ce *CronExpression) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if ce.month&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !ce.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if ce.hour&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if ce.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches follows cron convention: when both day fields are restricted,
// either one matching is enough.
func (ce *CronExpression) dayMatches(t time.Time) bool {
	dom := ce.dom&(1<<uint(t.Day())) != 0
	dow := ce.dow&(1<<uint(t.Weekday())) != 0
	switch {
	case ce.anyDom && ce.anyDow:
		return true
	case ce.anyDom:
		return dow
	case ce.anyDow:
		return dom
	default:
		return dom || dow
	}
}
