package models

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a ScrapeJob.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StatePaused    JobState = "paused"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Active reports whether a job in state s holds its source.
func (s JobState) Active() bool {
	return s == StateRunning || s == StatePaused
}

// Reasons attached to failed and cancelled jobs.
const (
	ReasonRateLimited    = "rate_limited"
	ReasonSourceError    = "source_error"
	ReasonPageError      = "page_error"
	ReasonErrorThreshold = "error_threshold"
	ReasonStoreError     = "store_error"

	ReasonOperator   = "operator"
	ReasonDeadline   = "deadline"
	ReasonShutdown   = "shutdown"
	ReasonSourceBusy = "source_busy"
)

// Log levels used in job log entries.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// JobCounts are the running totals of a ScrapeJob.
type JobCounts struct {
	ItemsFound     int `json:"items_found"`
	ItemsInserted  int `json:"items_inserted"`
	ItemsUpdated   int `json:"items_updated"`
	ItemsUnchanged int `json:"items_unchanged"`
	ItemsSkipped   int `json:"items_skipped"`
	Errors         int `json:"errors"`
	Pages          int `json:"pages"`
}

func (c JobCounts) String() string {
	return fmt.Sprintf("pages=%d found=%d inserted=%d updated=%d unchanged=%d skipped=%d errors=%d",
		c.Pages, c.ItemsFound, c.ItemsInserted, c.ItemsUpdated, c.ItemsUnchanged, c.ItemsSkipped, c.Errors)
}

// LogEntry is one append-only line of a job's log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Counts  JobCounts `json:"counts"`
}

// ScrapeJob is one ingestion run against a single source.
type ScrapeJob struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	Scope       Scope      `json:"scope"`
	ScopeKey    string     `json:"scope_key"`
	State       JobState   `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Counts      JobCounts  `json:"counts"`
	Log         []LogEntry `json:"log"`
	LogDropped  int        `json:"log_dropped"`
}

// AppendLog adds a log line carrying the current counts. When the log already
// holds max entries the oldest are dropped and tallied in LogDropped.
func (j *ScrapeJob) AppendLog(level, message string, max int) {
	j.Log = append(j.Log, LogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
		Counts:  j.Counts,
	})
	if max > 0 && len(j.Log) > max {
		drop := len(j.Log) - max
		j.Log = append([]LogEntry(nil), j.Log[drop:]...)
		j.LogDropped += drop
	}
}

// LogTail returns at most n of the newest log entries.
func (j *ScrapeJob) LogTail(n int) []LogEntry {
	if n <= 0 || n >= len(j.Log) {
		return j.Log
	}
	return j.Log[len(j.Log)-n:]
}

// Duration is the wall-clock time between start and completion (or now).
func (j *ScrapeJob) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *ScrapeJob) Clone() *ScrapeJob {
	c := *j
	c.Log = append([]LogEntry(nil), j.Log...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobSummary is the event emitted to the notifier when a job ends.
type JobSummary struct {
	JobID       string        `json:"job_id"`
	SourceID    string        `json:"source_id"`
	ScopeKey    string        `json:"scope_key"`
	State       JobState      `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	Counts      JobCounts     `json:"counts"`
	Duration    time.Duration `json:"duration"`
	ErrorSample []string      `json:"error_sample,omitempty"`
	Resumable   bool          `json:"resumable"`
}
