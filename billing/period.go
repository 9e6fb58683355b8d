package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - A calendar-month billing cycle
// =============================================================================

// Period identifies a calendar month. Charges are raised once per period.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses "2006-01".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return PeriodOf(t), nil
}

// MustParsePeriod is ParsePeriod for literals.
func MustParsePeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Valid reports whether the period names a real month.
func (p Period) Valid() bool {
	return p.Year > 0 && p.Month >= time.January && p.Month <= time.December
}

// FirstDay returns midnight UTC of the first day of the month.
func (p Period) FirstDay() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// LastDay returns midnight UTC of the last day of the month.
func (p Period) LastDay() time.Time {
	return p.FirstDay().AddDate(0, 1, -1)
}

// Days returns the number of days in the month.
func (p Period) Days() int {
	return p.LastDay().Day()
}

// Next returns the following period.
func (p Period) Next() Period {
	return PeriodOf(p.FirstDay().AddDate(0, 1, 0))
}

// Previous returns the preceding period.
func (p Period) Previous() Period {
	return PeriodOf(p.FirstDay().AddDate(0, -1, 0))
}

// Contains reports whether the calendar date of t falls in the period.
func (p Period) Contains(t time.Time) bool {
	return t.Year() == p.Year && t.Month() == p.Month
}

// String returns "2006-01".
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Compact returns "200601", used inside charge identifiers.
func (p Period) Compact() string {
	return fmt.Sprintf("%04d%02d", p.Year, int(p.Month))
}

// MarshalText implements encoding.TextMarshaler.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

// DateOf truncates t to midnight UTC of its calendar date.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns whole calendar days from -> to.
func DaysBetween(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)).Hours() / 24)
}

// ParseDate parses "2006-01-02" as a UTC date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
