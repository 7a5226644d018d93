package commission

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - reporting windows for commission summaries
// =============================================================================

// Period bounds a summary window, [Start, End] inclusive.
// A zero Period means "all time".
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) IsZero() bool { return p.Start.IsZero() && p.End.IsZero() }

// Contains returns true if t is within [Start, End].
func (p Period) Contains(t time.Time) bool {
	if p.IsZero() {
		return true
	}
	return !t.Before(p.Start) && !t.After(p.End)
}

func (p Period) String() string {
	if p.IsZero() {
		return "[all]"
	}
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// PeriodType selects a calendar window relative to a date.
type PeriodType string

const (
	PeriodAll     PeriodType = ""
	PeriodMonth   PeriodType = "month"
	PeriodQuarter PeriodType = "quarter"
	PeriodYear    PeriodType = "year"
)

func ParsePeriodType(s string) (PeriodType, error) {
	switch PeriodType(s) {
	case PeriodAll, "all":
		return PeriodAll, nil
	case PeriodMonth, PeriodQuarter, PeriodYear:
		return PeriodType(s), nil
	}
	return PeriodAll, &ValidationError{Field: "period", Message: fmt.Sprintf("unknown period %q", s)}
}

// PeriodFor returns the calendar window of type pt that contains date,
// in date's location.
func (pt PeriodType) PeriodFor(date time.Time) Period {
	loc := date.Location()
	switch pt {
	case PeriodMonth:
		start := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, loc)
		return Period{Start: start, End: endOf(start.AddDate(0, 1, 0))}

	case PeriodQuarter:
		firstMonth := time.Month((int(date.Month())-1)/3*3 + 1)
		start := time.Date(date.Year(), firstMonth, 1, 0, 0, 0, 0, loc)
		return Period{Start: start, End: endOf(start.AddDate(0, 3, 0))}

	case PeriodYear:
		start := time.Date(date.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return Period{Start: start, End: endOf(start.AddDate(1, 0, 0))}

	default:
		return Period{}
	}
}

// endOf returns the last representable instant before next.
func endOf(next time.Time) time.Time {
	return next.Add(-time.Nanosecond)
}

func (p Period) bounds() (*time.Time, *time.Time) {
	if p.IsZero() {
		return nil, nil
	}
	start, end := p.Start, p.End
	return &start, &end
}
