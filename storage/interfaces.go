package storage

import (
	"context"
	"errors"

	"contract-ingest/models"
)

var (
	// ErrNotFound is returned when a job or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSourceBusy is returned by ClaimJob when another job already holds
	// the source.
	ErrSourceBusy = errors.New("source already has an active job")
)

// MergeFunc merges an incoming observation into the stored record, which is
// nil when the key is new. It returns the record to store and whether it
// differs from existing.
type MergeFunc func(existing *models.CanonicalRecord) (*models.CanonicalRecord, bool)

// JobStore persists ScrapeJob rows.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.ScrapeJob) error
	// ClaimJob moves a queued job to running (or a paused one back to
	// running) only if no other job is active for the same source.
	ClaimJob(ctx context.Context, job *models.ScrapeJob) error
	SaveJob(ctx context.Context, job *models.ScrapeJob) error
	GetJob(ctx context.Context, id string) (*models.ScrapeJob, error)
	RecentJobs(ctx context.Context, sourceID string, limit int) ([]*models.ScrapeJob, error)
	// ActiveJobs lists running and paused jobs.
	ActiveJobs(ctx context.Context) ([]*models.ScrapeJob, error)
}

// CheckpointStore persists resume cursors.
type CheckpointStore interface {
	// GetCheckpoint returns nil, nil when the scope has no checkpoint.
	GetCheckpoint(ctx context.Context, sourceID, scopeKey string) (*models.Checkpoint, error)
	// CommitPage saves job progress and the checkpoint atomically.
	CommitPage(ctx context.Context, job *models.ScrapeJob, cp *models.Checkpoint) error
}

// RecordStore is the upsert engine over canonical records.
type RecordStore interface {
	// UpsertRecord inserts or updates the record for key in one atomic step.
	UpsertRecord(ctx context.Context, key string, merge MergeFunc) (models.UpsertOutcome, error)
	GetRecord(ctx context.Context, key string) (*models.CanonicalRecord, error)
	ListRecords(ctx context.Context, afterID int64, limit int) ([]*models.CanonicalRecord, error)
	CountRecords(ctx context.Context) (int, error)
}

// Store is the complete durable state of the pipeline.
type Store interface {
	JobStore
	CheckpointStore
	RecordStore
	Close() error
}
