// Package extraction recovers amount, date and merchant fields from raw OCR
// text. Every extractor is a pure function of its input text (dates also
// read an injected clock) and reports a confidence in [0, 1] alongside the
// value. A missing field is a nil value with zero confidence, never an error.
package extraction

import (
	"encoding/json"
	"fmt"
	"time"
)

// Candidate is an extracted value and how much the extractor trusts it.
type Candidate[T any] struct {
	Value      *T      `json:"value" yaml:"value"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Found returns a present candidate.
func Found[T any](v T, confidence float64) Candidate[T] {
	return Candidate[T]{Value: &v, Confidence: clamp01(confidence)}
}

// None returns the empty candidate.
func None[T any]() Candidate[T] {
	return Candidate[T]{}
}

// Present reports whether a value was extracted.
func (c Candidate[T]) Present() bool {
	return c.Value != nil
}

// Date is a calendar date with no time of day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses an ISO "2006-01-02" string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight UTC on d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Before(o Date) bool { return d.Time().Before(o.Time()) }
func (d Date) After(o Date) bool  { return d.Time().After(o.Time()) }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalYAML() (any, error) {
	return d.String(), nil
}

// TimeSource provides the current time.
type TimeSource interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a TimeSource backed by time.Now.
func SystemClock() TimeSource { return systemClock{} }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
