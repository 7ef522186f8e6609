package models

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/goccy/go-json"
)

// ClockTime is a wall clock time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

// ClockTimeOf returns the wall clock hour and minute of t in its own location.
func ClockTimeOf(t time.Time) ClockTime {
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}
}

// Compare returns -1, 0 or +1 depending on whether c is before, equal to or after o.
func (c ClockTime) Compare(o ClockTime) int {
	switch {
	case c.Hour < o.Hour:
		return -1
	case c.Hour > o.Hour:
		return 1
	case c.Minute < o.Minute:
		return -1
	case c.Minute > o.Minute:
		return 1
	}
	return 0
}

func (c ClockTime) Before(o ClockTime) bool { return c.Compare(o) < 0 }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// MarshalJSON encodes the clock time as [hour, minute].
func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{c.Hour, c.Minute})
}

func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("clock time must be [hour, minute]: %w", err)
	}
	c.Hour, c.Minute = pair[0], pair[1]
	return nil
}

// Interval is a busy range within a single calendar day. Start is never after End.
type Interval struct {
	Start ClockTime
	End   ClockTime
}

// NewInterval is a shorthand used mostly by adapters and tests.
func NewInterval(startHour, startMinute, endHour, endMinute int) Interval {
	return Interval{
		Start: ClockTime{Hour: startHour, Minute: startMinute},
		End:   ClockTime{Hour: endHour, Minute: endMinute},
	}
}

// IsZero reports whether the interval has zero width.
func (i Interval) IsZero() bool { return i.Start == i.End }

func (i Interval) String() string {
	return i.Start.String() + "-" + i.End.String()
}

// MarshalJSON encodes the interval as [[h, m], [h, m]].
func (i Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]ClockTime{i.Start, i.End})
}

func (i *Interval) UnmarshalJSON(data []byte) error {
	var pair [2]ClockTime
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	i.Start, i.End = pair[0], pair[1]
	return nil
}

// AbsoluteRange is a raw busy range as reported by a backend. It is not
// confined to one day and may be in any location.
type AbsoluteRange struct {
	Start time.Time
	End   time.Time
}

// BusyStatus is the availability reported by a backend for a range.
type BusyStatus int

const (
	StatusFree BusyStatus = iota
	StatusBusy
	StatusTentative
	StatusOutOfOffice
)

// Unavailable reports whether the status blocks the subject's time.
func (s BusyStatus) Unavailable() bool {
	return s == StatusBusy || s == StatusTentative || s == StatusOutOfOffice
}

func (s BusyStatus) String() string {
	switch s {
	case StatusBusy:
		return "busy"
	case StatusTentative:
		return "tentative"
	case StatusOutOfOffice:
		return "out-of-office"
	default:
		return "free"
	}
}

// ProviderQuery is the input of a single adapter call.
type ProviderQuery struct {
	Date         civil.Date
	Timezone     string
	SubjectUID   string
	SubjectEmail string // may be empty
}

// Subject returns the identifier used for logging, the uid if set or else the email.
func (q ProviderQuery) Subject() string {
	if q.SubjectUID != "" {
		return q.SubjectUID
	}
	return q.SubjectEmail
}
