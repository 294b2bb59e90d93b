package attendance

import (
	"sort"
	"time"

	"gymtrack/internal/apperr"
)

// DateLayout is the calendar-date format used for records.
const DateLayout = "2006-01-02"

// Record is one day of attendance for a person.
type Record struct {
	Date      string `json:"date"`
	Confirmed bool   `json:"confirmed"`
}

// DefaultBlackouts lists the MM-DD days on which check-in is refused.
var DefaultBlackouts = []string{"01-01"}

// Rules holds the check-in rules that vary per deployment.
type Rules struct {
	Blackouts []string // MM-DD
}

// DefaultRules refuses check-in on January 1st only.
var DefaultRules = Rules{Blackouts: DefaultBlackouts}

// FormatDate renders t as a calendar date in t's own location.
func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, apperr.Invalid("date must be YYYY-MM-DD: " + s)
	}
	return d, nil
}

// IsBlackout reports whether check-in is closed on day (YYYY-MM-DD).
func (r Rules) IsBlackout(day string) bool {
	if len(day) != len(DateLayout) {
		return false
	}
	md := day[5:]
	for _, b := range r.Blackouts {
		if b == md {
			return true
		}
	}
	return false
}

// CheckIn appends an unconfirmed record for today. It fails with
// BlackoutDate on a closed day, whatever the existing records, and with
// DuplicateCheckIn when today is already recorded.
func (r Rules) CheckIn(records []Record, today string) ([]Record, error) {
	if _, err := ParseDate(today); err != nil {
		return nil, err
	}
	if r.IsBlackout(today) {
		return nil, apperr.ErrBlackoutDate
	}
	for _, rec := range records {
		if rec.Date == today {
			return nil, apperr.ErrDuplicateCheckIn
		}
	}
	out := make([]Record, 0, len(records)+1)
	out = append(out, records...)
	return append(out, Record{Date: today}), nil
}

// RecordCheckIn is CheckIn under DefaultRules.
func RecordCheckIn(records []Record, today string) ([]Record, error) {
	return DefaultRules.CheckIn(records, today)
}

// ConfirmCheckIn marks the record for date as confirmed. An unknown date
// leaves the records as they were.
func ConfirmCheckIn(records []Record, date string) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	for i := range out {
		if out[i].Date == date {
			out[i].Confirmed = true
		}
	}
	return out
}

// Has reports whether a record exists for date.
func Has(records []Record, date string) bool {
	for _, rec := range records {
		if rec.Date == date {
			return true
		}
	}
	return false
}

// History returns the records between from and to inclusive, oldest first.
// An empty bound is open.
func History(records []Record, from, to string) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if from != "" && rec.Date < from {
			continue
		}
		if to != "" && rec.Date > to {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
