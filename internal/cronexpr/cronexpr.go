// Package cronexpr evaluates 6-field CRON expressions with seconds
// resolution: "second minute hour day-of-month month day-of-week".
// All evaluation is pinned to UTC.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidExpression marks expressions that do not parse: bad
	// tokens, out-of-range values, empty fields, wrong field count.
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrUnschedulable marks valid expressions with no future match
	// inside the safety horizon, e.g. "0 0 0 31 2 *".
	ErrUnschedulable = errors.New("cron expression has no future occurrence")
)

// Horizon bounds how far ahead NextAfter searches before declaring an
// expression unschedulable.
const Horizon = 5 * 365 * 24 * time.Hour

const fieldCount = 6

var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Schedule is a parsed expression ready for next-occurrence queries.
type Schedule struct {
	expr  string
	inner cron.Schedule
}

// Parse validates and compiles a 6-field expression.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, fieldCount, len(fields))
	}

	inner, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	return &Schedule{expr: expr, inner: inner}, nil
}

// MustParse is Parse for expressions known valid at compile time.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports whether expr parses as a 6-field expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// String returns the original expression text.
func (s *Schedule) String() string {
	return s.expr
}

// Next returns the smallest instant strictly after t whose UTC
// wall-clock fields satisfy the expression. Day-of-month and
// day-of-week combine with OR semantics when both are restricted.
func (s *Schedule) Next(t time.Time) (time.Time, error) {
	next := s.inner.Next(t.UTC())
	if next.IsZero() || next.Sub(t) > Horizon {
		return time.Time{}, fmt.Errorf("%w: %q within %s of %s", ErrUnschedulable, s.expr, Horizon, t.UTC().Format(time.RFC3339))
	}
	return next.UTC(), nil
}

// NextAfter is a one-shot parse-and-evaluate convenience.
func NextAfter(expr string, t time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(t)
}

// Describe renders a short human-readable summary of an expression for
// logs and API responses. Unrecognized patterns fall back to the raw
// expression text.
func Describe(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != fieldCount {
		return expr
	}

	switch {
	case expr == "* * * * * *":
		return "every second"
	case expr == "0 * * * * *":
		return "every minute"
	case expr == "0 0 * * * *":
		return "every hour"
	case expr == "0 0 0 * * *":
		return "daily at midnight"
	}

	if strings.HasPrefix(fields[0], "*/") && allStar(fields[1:]) {
		return fmt.Sprintf("every %s seconds", fields[0][2:])
	}
	if fields[0] == "0" && strings.HasPrefix(fields[1], "*/") && allStar(fields[2:]) {
		return fmt.Sprintf("every %s minutes", fields[1][2:])
	}

	return expr
}

func allStar(fields []string) bool {
	for _, f := range fields {
		if f != "*" {
			return false
		}
	}
	return true
}
