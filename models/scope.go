package models

import (
	"fmt"
	"time"
)

// RunMode selects how much of a source a job covers.
type RunMode string

const (
	ModeFull        RunMode = "full"
	ModeIncremental RunMode = "incremental"
	ModeDateRange   RunMode = "date-range"
)

// DateLayout is the calendar-date format used in scopes and cursors.
const DateLayout = "2006-01-02"

// Scope defines what a job covers. From and To are inclusive calendar dates
// and only meaningful for date-windowed sources.
type Scope struct {
	Mode      RunMode   `json:"mode"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	StartPage int       `json:"start_page,omitempty"`
}

// Key identifies the run scope a checkpoint belongs to.
func (s Scope) Key() string {
	if s.Mode == ModeDateRange {
		return fmt.Sprintf("%s:%s..%s", s.Mode, s.From.Format(DateLayout), s.To.Format(DateLayout))
	}
	return string(s.Mode)
}

// HasRange reports whether the scope carries a date window.
func (s Scope) HasRange() bool {
	return !s.From.IsZero() && !s.To.IsZero()
}

// Validate checks the scope for internal consistency.
func (s Scope) Validate() error {
	switch s.Mode {
	case ModeFull, ModeIncremental:
	case ModeDateRange:
		if !s.HasRange() {
			return fmt.Errorf("scope: %s requires from and to", s.Mode)
		}
	default:
		return fmt.Errorf("scope: unknown mode %q", s.Mode)
	}
	if s.HasRange() && s.To.Before(s.From) {
		return fmt.Errorf("scope: to %s is before from %s", s.To.Format(DateLayout), s.From.Format(DateLayout))
	}
	if s.StartPage < 0 {
		return fmt.Errorf("scope: negative start page %d", s.StartPage)
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD date in UTC. The empty string yields the zero time.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
