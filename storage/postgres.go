package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"contract-ingest/models"
)

const (
	uniqueViolation = "23505"
	activeJobIndex  = "idx_scrape_jobs_one_active"
)

// PostgresStore keeps jobs, checkpoints and canonical records in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("postgres: ping: %w", context.Cause(ctx))
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	s := NewPostgresStoreFromDB(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an open handle without migrating.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist. The partial unique index
// on scrape_jobs is what keeps a source to one active job across processes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scrape_jobs (
			id           TEXT PRIMARY KEY,
			source_id    TEXT        NOT NULL,
			scope        JSONB       NOT NULL,
			scope_key    TEXT        NOT NULL,
			state        TEXT        NOT NULL,
			reason       TEXT        NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			counts       JSONB       NOT NULL DEFAULT '{}',
			log          JSONB       NOT NULL DEFAULT '[]',
			log_dropped  INTEGER     NOT NULL DEFAULT 0
		);

		CREATE UNIQUE INDEX IF NOT EXISTS `+activeJobIndex+`
			ON scrape_jobs(source_id) WHERE state IN ('running', 'paused');
		CREATE INDEX IF NOT EXISTS idx_scrape_jobs_source_created
			ON scrape_jobs(source_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS checkpoints (
			source_id  TEXT        NOT NULL,
			scope_key  TEXT        NOT NULL,
			cursor     TEXT        NOT NULL DEFAULT '',
			pages_done INTEGER     NOT NULL DEFAULT 0,
			job_id     TEXT        NOT NULL DEFAULT '',
			completed  BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (source_id, scope_key)
		);

		CREATE TABLE IF NOT EXISTS canonical_records (
			id                 BIGSERIAL PRIMARY KEY,
			canonical_key      TEXT UNIQUE NOT NULL,
			entity_type        TEXT             NOT NULL,
			fields             JSONB            NOT NULL DEFAULT '{}',
			field_provenance   JSONB            NOT NULL DEFAULT '{}',
			sources            JSONB            NOT NULL DEFAULT '{}',
			completeness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			first_seen_at      TIMESTAMPTZ      NOT NULL,
			updated_at         TIMESTAMPTZ      NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_canonical_records_updated ON canonical_records(updated_at);
	`)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ── jobs ────────────────────────────────────────────────────────────────

const jobColumns = `id, source_id, scope, scope_key, state, reason, created_at,
	started_at, completed_at, counts, log, log_dropped`

type jobRow struct {
	ID          string     `db:"id"`
	SourceID    string     `db:"source_id"`
	Scope       []byte     `db:"scope"`
	ScopeKey    string     `db:"scope_key"`
	State       string     `db:"state"`
	Reason      string     `db:"reason"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	Counts      []byte     `db:"counts"`
	Log         []byte     `db:"log"`
	LogDropped  int        `db:"log_dropped"`
}

func toJobRow(j *models.ScrapeJob) (*jobRow, error) {
	scope, err := json.Marshal(j.Scope)
	if err != nil {
		return nil, err
	}
	counts, err := json.Marshal(j.Counts)
	if err != nil {
		return nil, err
	}
	entries := j.Log
	if entries == nil {
		entries = []models.LogEntry{}
	}
	log, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return &jobRow{
		ID:          j.ID,
		SourceID:    j.SourceID,
		Scope:       scope,
		ScopeKey:    j.ScopeKey,
		State:       string(j.State),
		Reason:      j.Reason,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Counts:      counts,
		Log:         log,
		LogDropped:  j.LogDropped,
	}, nil
}

func (r *jobRow) job() (*models.ScrapeJob, error) {
	j := &models.ScrapeJob{
		ID:          r.ID,
		SourceID:    r.SourceID,
		ScopeKey:    r.ScopeKey,
		State:       models.JobState(r.State),
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		LogDropped:  r.LogDropped,
	}
	if err := unmarshalColumn("scope", r.Scope, &j.Scope); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("counts", r.Counts, &j.Counts); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("log", r.Log, &j.Log); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.ScrapeJob) error {
	row, err := toJobRow(job)
	if err != nil {
		return fmt.Errorf("postgres: encode job: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO scrape_jobs (`+jobColumns+`)
		VALUES (:id, :source_id, :scope, :scope_key, :state, :reason, :created_at,
			:started_at, :completed_at, :counts, :log, :log_dropped)
	`, row)
	if err != nil {
		return fmt.Errorf("postgres: create job: %w", mapUnique(err))
	}
	return nil
}

// ClaimJob writes the job in its new active state. The partial unique index
// rejects the write when another job of the source is active.
func (s *PostgresStore) ClaimJob(ctx context.Context, job *models.ScrapeJob) error {
	if err := saveJob(ctx, s.db, job); err != nil {
		return fmt.Errorf("postgres: claim job: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *models.ScrapeJob) error {
	if err := saveJob(ctx, s.db, job); err != nil {
		return fmt.Errorf("postgres: save job: %w", err)
	}
	return nil
}

func saveJob(ctx context.Context, db sqlx.ExtContext, job *models.ScrapeJob) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	query, args, err := db.BindNamed(`
		UPDATE scrape_jobs
		SET state = :state, reason = :reason, started_at = :started_at,
			completed_at = :completed_at, counts = :counts, log = :log,
			log_dropped = :log_dropped
		WHERE id = :id
	`, row)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapUnique(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.ScrapeJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return row.job()
}

// RecentJobs lists the newest jobs, optionally filtered to one source.
func (s *PostgresStore) RecentJobs(ctx context.Context, sourceID string, limit int) ([]*models.ScrapeJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM scrape_jobs
		WHERE ($1 = '' OR source_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent jobs: %w", err)
	}
	return jobsFromRows(rows)
}

func (s *PostgresStore) ActiveJobs(ctx context.Context) ([]*models.ScrapeJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM scrape_jobs
		WHERE state IN ('running', 'paused')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: active jobs: %w", err)
	}
	return jobsFromRows(rows)
}

func jobsFromRows(rows []jobRow) ([]*models.ScrapeJob, error) {
	jobs := make([]*models.ScrapeJob, 0, len(rows))
	for i := range rows {
		j, err := rows[i].job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ── checkpoints ─────────────────────────────────────────────────────────

type checkpointRow struct {
	SourceID  string    `db:"source_id"`
	ScopeKey  string    `db:"scope_key"`
	Cursor    string    `db:"cursor"`
	PagesDone int       `db:"pages_done"`
	JobID     string    `db:"job_id"`
	Completed bool      `db:"completed"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, sourceID, scopeKey string) (*models.Checkpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT source_id, scope_key, cursor, pages_done, job_id, completed, updated_at
		FROM checkpoints WHERE source_id = $1 AND scope_key = $2
	`, sourceID, scopeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get checkpoint: %w", err)
	}
	return &models.Checkpoint{
		SourceID:  row.SourceID,
		ScopeKey:  row.ScopeKey,
		Cursor:    models.Cursor(row.Cursor),
		PagesDone: row.PagesDone,
		JobID:     row.JobID,
		Completed: row.Completed,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// CommitPage writes the job row and the checkpoint in one transaction so a
// resumed job never re-counts a page it already committed.
func (s *PostgresStore) CommitPage(ctx context.Context, job *models.ScrapeJob, cp *models.Checkpoint) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: commit page: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveJob(ctx, tx, job); err != nil {
		return fmt.Errorf("postgres: commit page: job: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (source_id, scope_key, cursor, pages_done, job_id, completed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id, scope_key) DO UPDATE
		SET cursor = EXCLUDED.cursor, pages_done = EXCLUDED.pages_done,
			job_id = EXCLUDED.job_id, completed = EXCLUDED.completed,
			updated_at = EXCLUDED.updated_at
	`, cp.SourceID, cp.ScopeKey, string(cp.Cursor), cp.PagesDone, cp.JobID, cp.Completed, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: commit page: checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit page: %w", err)
	}
	return nil
}

// ── canonical records ───────────────────────────────────────────────────

const recordColumns = `id, canonical_key, entity_type, fields, field_provenance, sources,
	completeness_score, first_seen_at, updated_at`

type recordRow struct {
	ID                int64     `db:"id"`
	Key               string    `db:"canonical_key"`
	EntityType        string    `db:"entity_type"`
	Fields            []byte    `db:"fields"`
	Provenance        []byte    `db:"field_provenance"`
	Sources           []byte    `db:"sources"`
	CompletenessScore float64   `db:"completeness_score"`
	FirstSeenAt       time.Time `db:"first_seen_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *recordRow) record() (*models.CanonicalRecord, error) {
	rec := &models.CanonicalRecord{
		ID:                r.ID,
		Key:               r.Key,
		EntityType:        r.EntityType,
		CompletenessScore: r.CompletenessScore,
		FirstSeenAt:       r.FirstSeenAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := unmarshalColumn("fields", r.Fields, &rec.Fields); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("field_provenance", r.Provenance, &rec.Provenance); err != nil {
		return nil, err
	}
	if err := unmarshalColumn("sources", r.Sources, &rec.Sources); err != nil {
		return nil, err
	}
	return rec, nil
}

func recordArgs(rec *models.CanonicalRecord) (fields, provenance, sources []byte, err error) {
	if fields, err = json.Marshal(rec.Fields); err != nil {
		return
	}
	if provenance, err = json.Marshal(rec.Provenance); err != nil {
		return
	}
	sources, err = json.Marshal(rec.Sources)
	return
}

// UpsertRecord locks the row for key, merges in Go and writes the result.
// A concurrent first insert of the same key loses the ON CONFLICT race and
// retries as an update against the winner's row.
func (s *PostgresStore) UpsertRecord(ctx context.Context, key string, merge MergeFunc) (models.UpsertOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("postgres: upsert: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := lockRecord(ctx, tx, key)
		if err != nil {
			return "", err
		}

		rec, changed := merge(existing)
		if existing != nil && !changed {
			if err := tx.Commit(); err != nil {
				return "", fmt.Errorf("postgres: upsert: commit: %w", err)
			}
			return models.OutcomeUnchanged, nil
		}

		fields, provenance, sources, err := recordArgs(rec)
		if err != nil {
			return "", fmt.Errorf("postgres: upsert: encode: %w", err)
		}

		if existing != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE canonical_records
				SET fields = $2, field_provenance = $3, sources = $4,
					completeness_score = $5, updated_at = $6
				WHERE id = $1
			`, existing.ID, fields, provenance, sources, rec.CompletenessScore, rec.UpdatedAt)
			if err != nil {
				return "", fmt.Errorf("postgres: upsert: update: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return "", fmt.Errorf("postgres: upsert: commit: %w", err)
			}
			return models.OutcomeUpdated, nil
		}

		var id int64
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO canonical_records (canonical_key, entity_type, fields, field_provenance,
				sources, completeness_score, first_seen_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (canonical_key) DO NOTHING
			RETURNING id
		`, key, rec.EntityType, fields, provenance, sources, rec.CompletenessScore,
			rec.FirstSeenAt, rec.UpdatedAt).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("postgres: upsert: insert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("postgres: upsert: commit: %w", err)
		}
		return models.OutcomeInserted, nil
	}
	return "", fmt.Errorf("postgres: upsert %s: conflicting insert did not become visible", key)
}

func lockRecord(ctx context.Context, tx *sqlx.Tx, key string) (*models.CanonicalRecord, error) {
	var row recordRow
	err := tx.GetContext(ctx, &row, `SELECT `+recordColumns+`
		FROM canonical_records WHERE canonical_key = $1 FOR UPDATE`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert: lock: %w", err)
	}
	return row.record()
}

func (s *PostgresStore) GetRecord(ctx context.Context, key string) (*models.CanonicalRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+recordColumns+`
		FROM canonical_records WHERE canonical_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get record: %w", err)
	}
	return row.record()
}

// ListRecords pages through records in id order, starting after afterID.
func (s *PostgresStore) ListRecords(ctx context.Context, afterID int64, limit int) ([]*models.CanonicalRecord, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+recordColumns+`
		FROM canonical_records WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list records: %w", err)
	}
	recs := make([]*models.CanonicalRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *PostgresStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM canonical_records`); err != nil {
		return 0, fmt.Errorf("postgres: count records: %w", err)
	}
	return n, nil
}

func unmarshalColumn(name string, data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("postgres: decode %s: %w", name, err)
	}
	return nil
}

func mapUnique(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == activeJobIndex {
		return fmt.Errorf("%w: %s", ErrSourceBusy, pqErr.Constraint)
	}
	return err
}
