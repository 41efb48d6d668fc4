package storage

import (
	"context"
	"sort"
	"sync"

	"contract-ingest/models"
)

// MemoryStore is a process-local Store used by tests and by single-shot CLI
// runs started with STORE=memory. All values are copied in and out.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.ScrapeJob
	checkpoints map[string]*models.Checkpoint
	records     map[string]*models.CanonicalRecord
	nextID      int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.ScrapeJob),
		checkpoints: make(map[string]*models.Checkpoint),
		records:     make(map[string]*models.CanonicalRecord),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.ScrapeJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.State.Active() && m.activeFor(job.SourceID, job.ID) {
		return ErrSourceBusy
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) ClaimJob(ctx context.Context, job *models.ScrapeJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	if m.activeFor(job.SourceID, job.ID) {
		return ErrSourceBusy
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) SaveJob(ctx context.Context, job *models.ScrapeJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveJob(job)
}

func (m *MemoryStore) saveJob(job *models.ScrapeJob) error {
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	if job.State.Active() && m.activeFor(job.SourceID, job.ID) {
		return ErrSourceBusy
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

// activeFor reports whether a job other than exceptID is active for source.
func (m *MemoryStore) activeFor(source, exceptID string) bool {
	for id, j := range m.jobs {
		if id != exceptID && j.SourceID == source && j.State.Active() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*models.ScrapeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) RecentJobs(ctx context.Context, sourceID string, limit int) ([]*models.ScrapeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ScrapeJob
	for _, j := range m.jobs {
		if sourceID == "" || j.SourceID == sourceID {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ActiveJobs(ctx context.Context) ([]*models.ScrapeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ScrapeJob
	for _, j := range m.jobs {
		if j.State.Active() {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func checkpointKey(sourceID, scopeKey string) string {
	return sourceID + "\x00" + scopeKey
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, sourceID, scopeKey string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[checkpointKey(sourceID, scopeKey)]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (m *MemoryStore) CommitPage(ctx context.Context, job *models.ScrapeJob, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveJob(job); err != nil {
		return err
	}
	c := *cp
	m.checkpoints[checkpointKey(cp.SourceID, cp.ScopeKey)] = &c
	return nil
}

func (m *MemoryStore) UpsertRecord(ctx context.Context, key string, merge MergeFunc) (models.UpsertOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[key]
	if !ok {
		rec, _ := merge(nil)
		rec = rec.Clone()
		m.nextID++
		rec.ID = m.nextID
		rec.Key = key
		m.records[key] = rec
		return models.OutcomeInserted, nil
	}

	rec, changed := merge(existing.Clone())
	if !changed {
		return models.OutcomeUnchanged, nil
	}
	rec = rec.Clone()
	rec.ID = existing.ID
	m.records[key] = rec
	return models.OutcomeUpdated, nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, key string) (*models.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, afterID int64, limit int) ([]*models.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CanonicalRecord
	for _, rec := range m.records {
		if rec.ID > afterID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountRecords(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}
