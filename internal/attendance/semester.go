package attendance

import (
	"fmt"
	"math"
	"time"

	"gymtrack/internal/apperr"
)

// Half identifies one of the two semesters in a year.
type Half int

const (
	H1 Half = 1 // Jan 1 - Jun 30
	H2 Half = 2 // Jul 1 - Dec 31
)

func (h Half) String() string {
	if h == H2 {
		return "H2"
	}
	return "H1"
}

// HalfOf returns the half containing month m.
func HalfOf(m time.Month) Half {
	if m <= time.June {
		return H1
	}
	return H2
}

// Semester is a six-month accounting window. It is derived, never stored.
type Semester struct {
	Year int  `json:"year"`
	Half Half `json:"half"`
}

// SemesterOf returns the semester containing t.
func SemesterOf(t time.Time) Semester {
	return Semester{Year: t.Year(), Half: HalfOf(t.Month())}
}

// Start is the first day of the semester, in UTC.
func (s Semester) Start() time.Time {
	if s.Half == H2 {
		return time.Date(s.Year, time.July, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(s.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last day of the semester, in UTC.
func (s Semester) End() time.Time {
	if s.Half == H2 {
		return time.Date(s.Year, time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(s.Year, time.June, 30, 0, 0, 0, 0, time.UTC)
}

// Contains reports whether the calendar date of t lies in the semester.
func (s Semester) Contains(t time.Time) bool {
	return t.Year() == s.Year && HalfOf(t.Month()) == s.Half
}

func (s Semester) String() string { return fmt.Sprintf("%d-%s", s.Year, s.Half) }

// EligibleDays counts the non-Sunday days of the semester.
func EligibleDays(s Semester) int {
	n := 0
	end := s.End()
	for d := s.Start(); !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Sunday {
			n++
		}
	}
	return n
}

// LegacyH1Denominator is the fixed first-semester day count the gym used
// before denominators were computed. It ignores leap years and weekday drift.
const LegacyH1Denominator = 152

// DenominatorPolicy selects how the eligible-day count is obtained.
type DenominatorPolicy string

const (
	DenominatorComputed DenominatorPolicy = "computed"
	DenominatorLegacyH1 DenominatorPolicy = "legacy-h1"
)

// ParseDenominatorPolicy validates a policy name. Empty means computed.
func ParseDenominatorPolicy(s string) (DenominatorPolicy, error) {
	switch DenominatorPolicy(s) {
	case "", DenominatorComputed:
		return DenominatorComputed, nil
	case DenominatorLegacyH1:
		return DenominatorLegacyH1, nil
	}
	return "", apperr.Invalid("unknown denominator policy " + s)
}

// Denominator returns the eligible-day count for s under p.
func (p DenominatorPolicy) Denominator(s Semester) int {
	if p == DenominatorLegacyH1 && s.Half == H1 {
		return LegacyH1Denominator
	}
	return EligibleDays(s)
}

// Stats summarises attendance over one semester.
type Stats struct {
	Semester    Semester `json:"semester"`
	Total       int      `json:"total"`
	Confirmed   int      `json:"confirmed"`
	Denominator int      `json:"denominator"`
	Percentage  int      `json:"percentage"`
}

// SemesterStats counts the records of year that fall in the half containing
// today and rates the confirmed ones against the semester's eligible days.
// The percentage is 0 while today precedes the semester start. Records with
// unparseable dates are ignored.
func SemesterStats(records []Record, year int, today time.Time, policy DenominatorPolicy) Stats {
	sem := Semester{Year: year, Half: HalfOf(today.Month())}
	st := Stats{Semester: sem, Denominator: policy.Denominator(sem)}

	for _, rec := range records {
		d, err := time.Parse(DateLayout, rec.Date)
		if err != nil || !sem.Contains(d) {
			continue
		}
		st.Total++
		if rec.Confirmed {
			st.Confirmed++
		}
	}

	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	if day.Before(sem.Start()) || st.Denominator <= 0 {
		return st
	}
	pct := int(math.Round(float64(st.Confirmed) / float64(st.Denominator) * 100))
	st.Percentage = max(0, min(100, pct))
	return st
}
