// Package cron parses five-field cron expressions and computes their next
// firing instant.
//
// Fields are minute (0-59), hour (0-23), day-of-month (1-31), month (1-12)
// and day-of-week (0-6, Sunday = 0). Each field is one of:
//
//	*        every value
//	N        exactly N
//	A-B      A through B inclusive
//	*/S      every S-th value starting at the field minimum
//	A-B/S    every S-th value from A through B
//
// Day-of-month and day-of-week must both match for a day to be selected.
package cron

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrImpossibleDate    = errors.New("cron expression never matches a calendar date")
)

// searchYears bounds Next. Every satisfiable day-of-month/month/day-of-week
// combination recurs within one Gregorian 400-year cycle.
const searchYears = 400

// FieldError describes a malformed or out-of-range field.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("cron: %s field %q: %s", e.Field, e.Value, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidExpression }

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [5]bounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// daysInMonth allows February 29.
var daysInMonth = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// Schedule is a parsed cron expression. Each field is a bitset of allowed values.
type Schedule struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

// Parse validates expr and returns its schedule.
func Parse(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(fieldBounds) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d in %q",
			ErrInvalidExpression, len(fieldBounds), len(parts), expr)
	}

	var sets [5]uint64
	for i, p := range parts {
		set, err := parseField(p, fieldBounds[i])
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}

	s := &Schedule{
		expr:   strings.Join(parts, " "),
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}
	if !s.dateReachable() {
		return nil, fmt.Errorf("%w: %q", ErrImpossibleDate, s.expr)
	}
	return s, nil
}

// MustParse is like Parse but panics on error.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Normalize returns expr with fields separated by single spaces.
func Normalize(expr string) string {
	return strings.Join(strings.Fields(expr), " ")
}

func parseField(s string, b bounds) (uint64, error) {
	fail := func(reason string) error {
		return &FieldError{Field: b.name, Value: s, Reason: reason}
	}

	rangePart, stepPart, hasStep := strings.Cut(s, "/")
	step := 1
	if hasStep {
		n, ok := atoi(stepPart)
		if !ok {
			return 0, fail("step is not a number")
		}
		if n == 0 {
			return 0, fail("step must be positive")
		}
		step = n
	}

	var lo, hi int
	switch {
	case rangePart == "*":
		lo, hi = b.min, b.max
	case strings.Contains(rangePart, "-"):
		a, z, _ := strings.Cut(rangePart, "-")
		var ok1, ok2 bool
		lo, ok1 = atoi(a)
		hi, ok2 = atoi(z)
		if !ok1 || !ok2 {
			return 0, fail("range bounds must be numbers")
		}
		if lo > hi {
			return 0, fail("range start is after range end")
		}
	default:
		if hasStep {
			return 0, fail("step requires * or a range")
		}
		n, ok := atoi(rangePart)
		if !ok {
			return 0, fail("not a number")
		}
		lo, hi = n, n
	}

	if lo < b.min || hi > b.max {
		return 0, fail(fmt.Sprintf("value out of range %d-%d", b.min, b.max))
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

// atoi accepts only unsigned decimal digits.
func atoi(s string) (int, bool) {
	if s == "" || len(s) > 4 {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func (s *Schedule) dateReachable() bool {
	for m := 1; m <= 12; m++ {
		if !has(s.month, m) {
			continue
		}
		for d := 1; d <= daysInMonth[m]; d++ {
			if has(s.dom, d) {
				return true
			}
		}
	}
	return false
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

// nextBit returns the smallest set value >= from.
func nextBit(set uint64, from int) (int, bool) {
	if from > 63 {
		return 0, false
	}
	rest := set >> uint(from)
	if rest == 0 {
		return 0, false
	}
	return from + bits.TrailingZeros64(rest), true
}

// String returns the normalized expression.
func (s *Schedule) String() string { return s.expr }

func (s *Schedule) dayMatches(t time.Time) bool {
	return has(s.dom, t.Day()) && has(s.dow, int(t.Weekday()))
}

// Next returns the earliest instant strictly after `after`, at minute
// granularity, in after's location. It returns the zero time if nothing
// matches within the search horizon.
func (s *Schedule) Next(after time.Time) time.Time {
	loc := after.Location()
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := t.Year() + searchYears

	// move guards against wall-clock normalization (DST gaps) stepping backwards.
	move := func(next time.Time) {
		if !next.After(t) {
			next = t.Truncate(time.Hour).Add(time.Hour)
		}
		t = next
	}

	for t.Year() <= limit {
		m, ok := nextBit(s.month, int(t.Month()))
		if !ok {
			move(time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, loc))
			continue
		}
		if m != int(t.Month()) {
			move(time.Date(t.Year(), time.Month(m), 1, 0, 0, 0, 0, loc))
			continue
		}

		if !s.dayMatches(t) {
			move(time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc))
			continue
		}

		h, ok := nextBit(s.hour, t.Hour())
		if !ok {
			move(time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc))
			continue
		}
		if h != t.Hour() {
			move(time.Date(t.Year(), t.Month(), t.Day(), h, 0, 0, 0, loc))
			continue
		}

		mi, ok := nextBit(s.minute, t.Minute())
		if !ok {
			move(time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc))
			continue
		}
		if mi != t.Minute() {
			move(time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), mi, 0, 0, loc))
			continue
		}

		return t
	}
	return time.Time{}
}

// NextMatchingInstant parses expr and returns its next instant after `after`.
func NextMatchingInstant(expr string, after time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no match within %d years for %q", ErrImpossibleDate, searchYears, s.expr)
	}
	return next, nil
}
