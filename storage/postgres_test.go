package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"contract-ingest/models"
)

var recordCols = []string{
	"id", "canonical_key", "entity_type", "fields", "field_provenance", "sources",
	"completeness_score", "first_seen_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

func sampleJob() *models.ScrapeJob {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &models.ScrapeJob{
		ID:        "job-1",
		SourceID:  "sam",
		Scope:     models.Scope{Mode: models.ModeFull},
		ScopeKey:  "full",
		State:     models.StateRunning,
		CreatedAt: now,
		StartedAt: &now,
	}
}

func TestPostgresGetJob(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	testCases := []struct {
		name      string
		setupMock func()
		wantErr   error
		check     func(*testing.T, *models.ScrapeJob)
	}{
		{
			name: "decodes json columns",
			setupMock: func() {
				rows := sqlmock.NewRows([]string{
					"id", "source_id", "scope", "scope_key", "state", "reason", "created_at",
					"started_at", "completed_at", "counts", "log", "log_dropped",
				}).AddRow("job-1", "sam", []byte(`{"mode":"full"}`), "full", "failed", "rate_limited",
					created, created, nil, []byte(`{"items_found":12,"pages":2}`),
					[]byte(`[{"level":"error","message":"429"}]`), 3)
				mock.ExpectQuery("SELECT (.+) FROM scrape_jobs WHERE id").
					WithArgs("job-1").
					WillReturnRows(rows)
			},
			check: func(t *testing.T, j *models.ScrapeJob) {
				if j.State != models.StateFailed || j.Reason != models.ReasonRateLimited {
					t.Errorf("state = %s/%s", j.State, j.Reason)
				}
				if j.Scope.Mode != models.ModeFull {
					t.Errorf("scope = %+v", j.Scope)
				}
				if j.Counts.ItemsFound != 12 || j.Counts.Pages != 2 {
					t.Errorf("counts = %+v", j.Counts)
				}
				if len(j.Log) != 1 || j.LogDropped != 3 {
					t.Errorf("log = %v dropped %d", j.Log, j.LogDropped)
				}
				if j.CompletedAt != nil {
					t.Errorf("completed_at = %v, want nil", j.CompletedAt)
				}
			},
		},
		{
			name: "missing job",
			setupMock: func() {
				mock.ExpectQuery("SELECT (.+) FROM scrape_jobs WHERE id").
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()
			job, err := store.GetJob(ctx, "job-1")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("GetJob() error = %v, want %v", err, tc.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("GetJob() error = %v", err)
				}
				tc.check(t, job)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresClaimJobSourceBusy(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE scrape_jobs").
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: activeJobIndex})

	err := store.ClaimJob(context.Background(), sampleJob())
	if !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("ClaimJob() error = %v, want ErrSourceBusy", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresSaveJobMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE scrape_jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.SaveJob(context.Background(), sampleJob()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SaveJob() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresCommitPage(t *testing.T) {
	cp := &models.Checkpoint{
		SourceID: "sam", ScopeKey: "full", Cursor: `{"page":3}`, PagesDone: 3,
		JobID: "job-1", UpdatedAt: time.Now().UTC(),
	}

	t.Run("job and checkpoint commit together", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE scrape_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO checkpoints").
			WithArgs("sam", "full", `{"page":3}`, 3, "job-1", false, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := store.CommitPage(context.Background(), sampleJob(), cp); err != nil {
			t.Fatalf("CommitPage() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("checkpoint failure rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE scrape_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO checkpoints").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		if err := store.CommitPage(context.Background(), sampleJob(), cp); err == nil {
			t.Fatal("CommitPage() should fail")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

func TestPostgresGetCheckpointAbsent(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM checkpoints").
		WillReturnRows(sqlmock.NewRows([]string{"source_id"}))

	cp, err := store.GetCheckpoint(context.Background(), "sam", "full")
	if err != nil || cp != nil {
		t.Fatalf("GetCheckpoint() = %v, %v; want nil, nil", cp, err)
	}
}

func storedRecordRow() *sqlmock.Rows {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(recordCols).AddRow(
		int64(7), "contract:abc", "contract",
		[]byte(`{"title":"Desks"}`),
		[]byte(`{"title":{"source":"sam","observed_at":"2026-03-01T09:00:00Z"}}`),
		[]byte(`{"sam":{"source":"sam","fields":["title"]}}`),
		0.25, at, at,
	)
}

func TestPostgresUpsertRecord(t *testing.T) {
	newRec := func(existing *models.CanonicalRecord) *models.CanonicalRecord {
		if existing != nil {
			rec := existing.Clone()
			rec.Fields["vendor"] = "Acme"
			return rec
		}
		return &models.CanonicalRecord{
			Key:        "contract:abc",
			EntityType: "contract",
			Fields:     map[string]string{"title": "Desks"},
		}
	}

	testCases := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		merge     MergeFunc
		want      models.UpsertOutcome
	}{
		{
			name: "new key is inserted",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT (.+) FROM canonical_records WHERE canonical_key (.+) FOR UPDATE").
					WithArgs("contract:abc").
					WillReturnRows(sqlmock.NewRows(recordCols))
				mock.ExpectQuery("INSERT INTO canonical_records").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
				mock.ExpectCommit()
			},
			merge: func(existing *models.CanonicalRecord) (*models.CanonicalRecord, bool) {
				return newRec(existing), true
			},
			want: models.OutcomeInserted,
		},
		{
			name: "identical observation writes nothing",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnRows(storedRecordRow())
				mock.ExpectCommit()
			},
			merge: func(existing *models.CanonicalRecord) (*models.CanonicalRecord, bool) {
				return existing, false
			},
			want: models.OutcomeUnchanged,
		},
		{
			name: "changed record is updated",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnRows(storedRecordRow())
				mock.ExpectExec("UPDATE canonical_records").
					WithArgs(int64(7), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			merge: func(existing *models.CanonicalRecord) (*models.CanonicalRecord, bool) {
				return newRec(existing), true
			},
			want: models.OutcomeUpdated,
		},
		{
			name: "lost insert race becomes update",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnRows(sqlmock.NewRows(recordCols))
				mock.ExpectQuery("INSERT INTO canonical_records").WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnRows(storedRecordRow())
				mock.ExpectExec("UPDATE canonical_records").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			merge: func(existing *models.CanonicalRecord) (*models.CanonicalRecord, bool) {
				return newRec(existing), true
			},
			want: models.OutcomeUpdated,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tc.setupMock(mock)

			got, err := store.UpsertRecord(context.Background(), "contract:abc", tc.merge)
			if err != nil {
				t.Fatalf("UpsertRecord() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("UpsertRecord() = %s, want %s", got, tc.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresUpsertRecordSeesStoredFields(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnRows(storedRecordRow())
	mock.ExpectCommit()

	var seen *models.CanonicalRecord
	_, err := store.UpsertRecord(context.Background(), "contract:abc", func(existing *models.CanonicalRecord) (*models.CanonicalRecord, bool) {
		seen = existing
		return existing, false
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen == nil || seen.ID != 7 || seen.Fields["title"] != "Desks" || seen.Provenance["title"].Source != "sam" {
		t.Errorf("merge saw %+v", seen)
	}
}
