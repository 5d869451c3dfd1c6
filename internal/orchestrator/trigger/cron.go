package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field CRON expression:
//
//	minute hour day-of-month month day-of-week
//
// Each field accepts a single integer, `*`, an inclusive range `a-b`, or a
// comma list whose elements are integers or ranges. Step syntax (`*/n`) is
// rejected. A time matches only when all five fields match; day-of-week
// uses 0 for Sunday.
type Schedule struct {
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

// cron field bounds, in field order
var cronBounds = []struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron parses a five-field CRON expression.
func ParseCron(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronBounds) {
		return nil, fmt.Errorf("expected 5 cron fields, got %d in %q", len(fields), expr)
	}

	masks := make([]uint64, len(fields))
	for i, field := range fields {
		bounds := cronBounds[i]
		mask, err := parseCronField(field, bounds.min, bounds.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field %q: %w", bounds.name, field, err)
		}
		masks[i] = mask
	}

	return &Schedule{
		minute: masks[0],
		hour:   masks[1],
		dom:    masks[2],
		month:  masks[3],
		dow:    masks[4],
	}, nil
}

// Matches reports whether t falls inside the schedule, at minute
// granularity.
func (s *Schedule) Matches(t time.Time) bool {
	return s.minute&bit(t.Minute()) != 0 &&
		s.hour&bit(t.Hour()) != 0 &&
		s.dom&bit(t.Day()) != 0 &&
		s.month&bit(int(t.Month())) != 0 &&
		s.dow&bit(int(t.Weekday())) != 0
}

func bit(v int) uint64 {
	return 1 << uint(v)
}

func parseCronField(field string, min, max int) (uint64, error) {
	if strings.Contains(field, "/") {
		return 0, fmt.Errorf("step values are not supported")
	}
	if field == "*" {
		var mask uint64
		for v := min; v <= max; v++ {
			mask |= bit(v)
		}
		return mask, nil
	}

	var mask uint64
	for _, part := range strings.Split(field, ",") {
		lo, hi, err := parseCronRange(part, min, max)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v++ {
			mask |= bit(v)
		}
	}
	return mask, nil
}

func parseCronRange(part string, min, max int) (int, int, error) {
	if loStr, hiStr, ok := strings.Cut(part, "-"); ok {
		lo, err := parseCronValue(loStr, min, max)
		if err != nil {
			return 0, 0, err
		}
		hi, err := parseCronValue(hiStr, min, max)
		if err != nil {
			return 0, 0, err
		}
		if lo > hi {
			return 0, 0, fmt.Errorf("range %q is inverted", part)
		}
		return lo, hi, nil
	}
	v, err := parseCronValue(part, min, max)
	return v, v, err
}

func parseCronValue(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%d is outside [%d,%d]", v, min, max)
	}
	return v, nil
}
