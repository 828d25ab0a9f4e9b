package cron

import (
	"math/rand"
	"testing"
	"time"

	robfig "github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d, h, mi int) time.Time {
	return time.Date(y, m, d, h, mi, 0, 0, time.UTC)
}

// TestParseAccepts tests the supported field forms
func TestParseAccepts(t *testing.T) {
	for _, expr := range []string{
		"* * * * *",
		"0 0 1 1 *",
		"*/15 * * * *",
		"0-30/10 8-18 * * 1-5",
		"59 23 31 12 6",
		"0 0 29 2 *",
		"  5   4 * *   0 ",
	} {
		t.Run(expr, func(t *testing.T) {
			s, err := Parse(expr)
			require.NoError(t, err)
			assert.Equal(t, Normalize(expr), s.String())
		})
	}
}

// TestParseRejects tests malformed, out-of-range and impossible expressions
func TestParseRejects(t *testing.T) {
	cases := []struct {
		expr       string
		impossible bool
	}{
		{expr: "abc"},
		{expr: ""},
		{expr: "* * * *"},
		{expr: "* * * * * *"},
		{expr: "60 * * * *"},
		{expr: "* 24 * * *"},
		{expr: "* * 0 * *"},
		{expr: "* * 32 * *"},
		{expr: "* * * 13 *"},
		{expr: "* * * * 7"},
		{expr: "30-10 * * * *"},
		{expr: "*/0 * * * *"},
		{expr: "5/2 * * * *"},
		{expr: "1,2 * * * *"},
		{expr: "-1 * * * *"},
		{expr: "+1 * * * *"},
		{expr: "a-b * * * *"},
		{expr: "0 0 30 2 *", impossible: true},
		{expr: "0 0 31 4 *", impossible: true},
		{expr: "0 0 31 9-9 *", impossible: true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			_, err := Parse(tc.expr)
			require.Error(t, err)
			if tc.impossible {
				assert.ErrorIs(t, err, ErrImpossibleDate)
			} else {
				assert.ErrorIs(t, err, ErrInvalidExpression)
			}
		})
	}
}

// TestFieldError tests that field errors carry the offending field
func TestFieldError(t *testing.T) {
	_, err := Parse("0 25 * * *")
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "hour", fe.Field)
	assert.Equal(t, "25", fe.Value)
}

// TestNextNewYear tests the yearly expression from mid-year
func TestNextNewYear(t *testing.T) {
	next, err := NextMatchingInstant("0 0 1 1 *", date(2024, time.June, 15, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.January, 1, 0, 0), next)
}

// TestNextIsStrictlyAfter tests that a matching instant is not returned again
func TestNextIsStrictlyAfter(t *testing.T) {
	s := MustParse("30 9 * * *")

	at := date(2024, time.March, 3, 9, 30)
	assert.Equal(t, date(2024, time.March, 4, 9, 30), s.Next(at))

	// seconds inside the matching minute still move to the next occurrence
	assert.Equal(t, date(2024, time.March, 4, 9, 30), s.Next(at.Add(45*time.Second)))
	assert.Equal(t, at, s.Next(at.Add(-time.Second)))
}

// TestNextLeapDay tests that February 29 waits for a leap year
func TestNextLeapDay(t *testing.T) {
	next := MustParse("0 0 29 2 *").Next(date(2025, time.March, 1, 0, 0))
	assert.Equal(t, date(2028, time.February, 29, 0, 0), next)
}

// TestNextDayFieldsAreConjunctive tests that day-of-month and day-of-week must both match
func TestNextDayFieldsAreConjunctive(t *testing.T) {
	// Friday the 13th
	s := MustParse("0 12 13 * 5")
	next := s.Next(date(2024, time.January, 1, 0, 0))
	assert.Equal(t, date(2024, time.September, 13, 12, 0), next)
	assert.Equal(t, time.Friday, next.Weekday())
}

// TestNextSteps tests step expansion inside ranges
func TestNextSteps(t *testing.T) {
	s := MustParse("10-50/20 8-10 * * *")

	at := date(2024, time.May, 1, 8, 31)
	assert.Equal(t, date(2024, time.May, 1, 8, 50), s.Next(at))
	assert.Equal(t, date(2024, time.May, 1, 9, 10), s.Next(date(2024, time.May, 1, 8, 50)))
	assert.Equal(t, date(2024, time.May, 2, 8, 10), s.Next(date(2024, time.May, 1, 10, 50)))
}

// TestNextKeepsLocation tests that results stay in the caller's location
func TestNextKeepsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	after := time.Date(2024, time.July, 1, 23, 59, 0, 0, loc)

	next := MustParse("0 0 * * *").Next(after)
	assert.Equal(t, time.Date(2024, time.July, 2, 0, 0, 0, 0, loc), next)
	assert.Equal(t, loc, next.Location())
}

// TestNextMatchesReferenceImplementation cross-checks against robfig/cron for
// expressions where both implementations share day semantics
func TestNextMatchesReferenceImplementation(t *testing.T) {
	exprs := []string{
		"* * * * *",
		"*/7 * * * *",
		"15 */3 * * *",
		"0 0 * * 0",
		"0 6-18/4 * * 1-5",
		"45 23 31 * *",
		"0 0 1 */2 *",
		"5-10 0 15 6-8 *",
		"0 12 * 2 *",
		"30 2 29 2 *",
	}
	rng := rand.New(rand.NewSource(42))
	base := date(2023, time.January, 1, 0, 0)

	for _, expr := range exprs {
		ours := MustParse(expr)
		ref, err := robfig.ParseStandard(expr)
		require.NoError(t, err, expr)

		for i := 0; i < 50; i++ {
			after := base.Add(time.Duration(rng.Int63n(int64(3 * 365 * 24 * time.Hour))))
			assert.Equal(t, ref.Next(after), ours.Next(after), "%s after %s", expr, after)
		}
	}
}

// TestNextMatchingInstantInvalid tests that parse errors propagate
func TestNextMatchingInstantInvalid(t *testing.T) {
	_, err := NextMatchingInstant("abc", time.Now())
	assert.ErrorIs(t, err, ErrInvalidExpression)
}
