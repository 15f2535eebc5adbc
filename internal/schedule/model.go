package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source identifies where a schedule observation came from.
type Source string

const (
	// SourceMessaging marks updates posted to the messaging channel.
	SourceMessaging Source = "messaging"
	// SourceWebsite marks updates scraped from the public website.
	SourceWebsite Source = "website"
)

// ChangeType describes whether a date was seen for the first time or revised.
type ChangeType string

const (
	// ChangeTypeNew marks the first publication of a date.
	ChangeTypeNew ChangeType = "new"
	// ChangeTypeUpdated marks a revision of an already published date.
	ChangeTypeUpdated ChangeType = "updated"
)

// Mode selects the filtering and notification behavior of a sync run.
type Mode string

const (
	// ModeBootstrap backfills everything available without notifying.
	ModeBootstrap Mode = "bootstrap"
	// ModePeriodic reconciles the retention window and notifies.
	ModePeriodic Mode = "periodic"
	// ModeSingleDate reconciles one requested date and notifies.
	ModeSingleDate Mode = "single_date"
)

const dateLayout = "2006-01-02"

var (
	// ErrInvalidSource indicates an unknown source tag.
	ErrInvalidSource = errors.New("schedule: invalid source")
	// ErrInvalidDate indicates a date that is not YYYY-MM-DD.
	ErrInvalidDate = errors.New("schedule: invalid date")
)

// ParseSource validates raw input and returns a Source.
func ParseSource(rawInput string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SourceMessaging:
		return SourceMessaging, nil
	case SourceWebsite:
		return SourceWebsite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, rawInput)
	}
}

// Date is a civil calendar date without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate validates raw input and returns a Date.
func ParseDate(rawInput string) (Date, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return Date{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	parsed, err := time.Parse(dateLayout, trimmed)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, rawInput)
	}
	return DateOf(parsed), nil
}

// DateOf returns the civil date of t in t's location.
func DateOf(t time.Time) Date {
	year, month, day := t.Date()
	return Date{Year: year, Month: month, Day: day}
}

// Today returns the current civil date in the provided location.
func Today(now time.Time, location *time.Location) Date {
	if location == nil {
		location = time.UTC
	}
	return DateOf(now.In(location))
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalText renders the date as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses YYYY-MM-DD.
func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// AddDays returns the date shifted by n days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.midnight().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.midnight().Before(other.midnight())
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool {
	return d.midnight().After(other.midnight())
}

func (d Date) midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Interval is one outage window in HH:MM notation.
type Interval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Queue groups the outage windows of one consumer queue (e.g. "1.1").
type Queue struct {
	Queue     string     `json:"queue"`
	Intervals []Interval `json:"intervals"`
}

// ParsedSchedule is the parser output for one published schedule.
type ParsedSchedule struct {
	Date   string  `json:"date"`
	Queues []Queue `json:"queues"`
}

// RawUpdate is one observation of a schedule from one source during one sync run.
type RawUpdate struct {
	SourceID    int64          `json:"source_id"`
	Source      Source         `json:"source"`
	PublishedAt *time.Time     `json:"published_at"`
	Schedule    ParsedSchedule `json:"schedule"`
}

