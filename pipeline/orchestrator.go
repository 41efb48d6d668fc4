// Package pipeline owns the lifecycle of ingestion jobs: it claims a source,
// walks its pages, hands items to the canonicalizer and checkpoints progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"contract-ingest/config"
	"contract-ingest/metrics"
	"contract-ingest/models"
	"contract-ingest/notify"
	"contract-ingest/scraper"
	"contract-ingest/services"
	"contract-ingest/storage"
	"contract-ingest/utils"
)

var (
	ErrUnknownSource     = errors.New("unknown source")
	ErrInvalidScope      = errors.New("invalid scope")
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrJobNotActive is returned when pausing or cancelling a running job
	// that this process does not own.
	ErrJobNotActive = errors.New("job is not running in this process")
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Causes attached to a job's context when it is interrupted.
var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
	errShutdown        = errors.New("shutting down")
	errBudgetElapsed   = errors.New("sync budget elapsed")
)

const defaultRecent = 20

// Source binds a configured upstream to its adapter and guard.
type Source struct {
	Config  *config.SourceConfig
	Adapter scraper.Adapter
	Guard   scraper.Guard
}

// Options tune job bookkeeping.
type Options struct {
	// MaxLogLines caps each job's log; older lines are dropped.
	MaxLogLines int
	// WriteTimeout bounds every store write. Writes ignore job
	// cancellation so they are never cut off halfway.
	WriteTimeout time.Duration
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store         storage.Store
	Sources       []*Source
	Canonicalizer *services.Canonicalizer
	Summaries     *services.SummaryService
	Notifier      notify.Notifier
	Metrics       *metrics.Metrics
	Logger        *utils.Logger
}

// SubmitOptions select how a triggered job runs.
type SubmitOptions struct {
	// Sync runs the job on the caller's goroutine and returns its summary.
	Sync bool
	// Budget, when positive, bounds a sync run. An elapsed budget cancels
	// the job with reason "deadline"; the next run resumes from the
	// checkpoint.
	Budget time.Duration
}

type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Orchestrator runs at most one job per source at a time. The store is the
// source of truth for job state; the orchestrator only tracks which jobs
// this process is executing.
type Orchestrator struct {
	store     storage.Store
	sources   map[string]*Source
	order     []string
	canon     *services.Canonicalizer
	summaries *services.SummaryService
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	logger    *utils.Logger
	opts      Options
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*handle
	wg     sync.WaitGroup
	closed bool
}

// New creates an Orchestrator.
func New(d Deps, opts Options) *Orchestrator {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	summaries := d.Summaries
	if summaries == nil {
		summaries = services.NewSummaryService(logger)
	}
	o := &Orchestrator{
		store:     d.Store,
		sources:   make(map[string]*Source, len(d.Sources)),
		canon:     d.Canonicalizer,
		summaries: summaries,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		active:    make(map[string]*handle),
	}
	for _, s := range d.Sources {
		o.sources[s.Config.ID] = s
		o.order = append(o.order, s.Config.ID)
	}
	return o
}

// Sources lists the configured source ids in configuration order.
func (o *Orchestrator) Sources() []string {
	return append([]string(nil), o.order...)
}

func (o *Orchestrator) source(id string) (*Source, error) {
	s, ok := o.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return s, nil
}

// Trigger records a queued job for source.
func (o *Orchestrator) Trigger(ctx context.Context, sourceID string, scope models.Scope) (*models.ScrapeJob, error) {
	src, err := o.source(sourceID)
	if err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	if scope.Mode == models.ModeDateRange && !src.Adapter.Windowed() {
		return nil, fmt.Errorf("%w: source %s cannot filter by date", ErrInvalidScope, sourceID)
	}

	job := &models.ScrapeJob{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		Scope:     scope,
		ScopeKey:  scope.Key(),
		State:     models.StateQueued,
		CreatedAt: o.now().UTC(),
	}
	o.appendLog(job, models.LevelInfo, "queued "+scope.Key()+" run")
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job.Clone(), nil
}

// Submit triggers a job and starts it, synchronously when opts.Sync is set.
// The summary is only returned for sync runs.
func (o *Orchestrator) Submit(ctx context.Context, sourceID string, scope models.Scope, opts SubmitOptions) (*models.ScrapeJob, *models.JobSummary, error) {
	job, err := o.Trigger(ctx, sourceID, scope)
	if err != nil {
		return nil, nil, err
	}
	if opts.Sync {
		summary, err := o.Run(ctx, job.ID, opts.Budget)
		return job, summary, err
	}
	return job, nil, o.Start(ctx, job.ID)
}

// Start claims a queued job and runs it in the background. It fails with
// storage.ErrSourceBusy when the source already has an active job, in which
// case the queued job is cancelled.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	job, src, err := o.begin(ctx, jobID, models.StateQueued)
	if err != nil {
		return err
	}
	return o.launch(job, src)
}

// Resume restarts a paused job in the background from its checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	job, src, err := o.begin(ctx, jobID, models.StatePaused)
	if err != nil {
		return err
	}
	return o.launch(job, src)
}

// Run claims a queued job and executes it on the calling goroutine. A
// positive budget bounds the run; cancelling ctx cancels the job.
func (o *Orchestrator) Run(ctx context.Context, jobID string, budget time.Duration) (*models.JobSummary, error) {
	job, src, err := o.begin(ctx, jobID, models.StateQueued)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	h, err := o.register(job.ID, cancel)
	if err != nil {
		o.abandon(job, src)
		return nil, err
	}
	defer o.unregister(job.ID, h)

	if budget > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, budget, errBudgetElapsed)
		defer stop()
	}
	return o.execute(runCtx, job, src), nil
}

func (o *Orchestrator) begin(ctx context.Context, jobID string, from models.JobState) (*models.ScrapeJob, *Source, error) {
	if o.isClosed() {
		return nil, nil, ErrShuttingDown
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	if job.State != from {
		return nil, nil, fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, jobID, job.State, from)
	}
	src, err := o.source(job.SourceID)
	if err != nil {
		return nil, nil, err
	}
	if err := o.claim(ctx, job); err != nil {
		return nil, nil, err
	}
	return job, src, nil
}

// claim moves job to running in the store. The store refuses when another
// job of the same source is active; a queued job that loses is cancelled.
func (o *Orchestrator) claim(ctx context.Context, job *models.ScrapeJob) error {
	if err := ValidateTransition(job.State, models.StateRunning); err != nil {
		return err
	}

	claimed := job.Clone()
	claimed.State = models.StateRunning
	if claimed.StartedAt == nil {
		now := o.now().UTC()
		claimed.StartedAt = &now
	}
	msg := "started"
	if job.State == models.StatePaused {
		msg = "resumed"
	}
	o.appendLog(claimed, models.LevelInfo, msg)

	err := o.store.ClaimJob(ctx, claimed)
	if errors.Is(err, storage.ErrSourceBusy) {
		if job.State == models.StateQueued {
			now := o.now().UTC()
			job.State = models.StateCancelled
			job.Reason = models.ReasonSourceBusy
			job.CompletedAt = &now
			o.appendLog(job, models.LevelWarn, "another job is active for "+job.SourceID)
			if serr := o.store.SaveJob(ctx, job); serr != nil {
				o.logger.Error("[pipeline] job %s: saving source-busy cancellation: %v", job.ID, serr)
			}
		}
		return fmt.Errorf("job %s: %w", job.ID, storage.ErrSourceBusy)
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}

	*job = *claimed
	o.metrics.JobStarted(job.SourceID)
	o.logger.Info("[pipeline] job %s (%s, %s) %s", job.ID, job.SourceID, job.ScopeKey, msg)
	return nil
}

func (o *Orchestrator) launch(job *models.ScrapeJob, src *Source) error {
	runCtx, cancel := context.WithCancelCause(context.Background())
	h, err := o.register(job.ID, cancel)
	if err != nil {
		cancel(nil)
		o.abandon(job, src)
		return err
	}
	go func() {
		defer o.unregister(job.ID, h)
		defer cancel(nil)
		o.execute(runCtx, job, src)
	}()
	return nil
}

// abandon cancels a claimed job that never got to run.
func (o *Orchestrator) abandon(job *models.ScrapeJob, src *Source) {
	r := o.newRun(job, src)
	r.finish(context.Background(), models.StateCancelled, models.ReasonShutdown, "process shutting down", nil)
}

func (o *Orchestrator) register(jobID string, cancel context.CancelCauseFunc) (*handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}
	h := &handle{cancel: cancel, done: make(chan struct{})}
	o.active[jobID] = h
	o.wg.Add(1)
	return h, nil
}

func (o *Orchestrator) unregister(jobID string, h *handle) {
	o.mu.Lock()
	if o.active[jobID] == h {
		delete(o.active, jobID)
	}
	o.mu.Unlock()
	close(h.done)
	o.wg.Done()
}

func (o *Orchestrator) handle(jobID string) *handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[jobID]
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Pause asks a running job to stop at the next page boundary and waits for
// it to do so. The job keeps its source until resumed or cancelled.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	if h := o.handle(jobID); h != nil {
		h.cancel(errPauseRequested)
		return wait(ctx, h)
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	if job.State == models.StateRunning {
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotActive)
	}
	return ValidateTransition(job.State, models.StatePaused)
}

// Cancel stops a job for good. A running job unwinds to its last checkpoint;
// a queued or paused job is cancelled in place. Either way a later job over
// the same scope resumes from the checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	if h := o.handle(jobID); h != nil {
		h.cancel(errCancelRequested)
		return wait(ctx, h)
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	switch job.State {
	case models.StateQueued, models.StatePaused:
		r := o.newRun(job, o.sources[job.SourceID])
		r.checkpointed = o.hasCheckpoint(ctx, job)
		r.finish(ctx, models.StateCancelled, models.ReasonOperator, "cancelled by operator", nil)
		return nil
	case models.StateRunning:
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotActive)
	default:
		return ValidateTransition(job.State, models.StateCancelled)
	}
}

func wait(ctx context.Context, h *handle) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Status returns the stored state of a job.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*models.ScrapeJob, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	return job, nil
}

// Recent lists the newest jobs of a source, or of every source when
// sourceID is empty.
func (o *Orchestrator) Recent(ctx context.Context, sourceID string, limit int) ([]*models.ScrapeJob, error) {
	if sourceID != "" {
		if _, err := o.source(sourceID); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = defaultRecent
	}
	return o.store.RecentJobs(ctx, sourceID, limit)
}

// RunAll runs one sync job per configured source concurrently and returns
// the summaries of those that ran. Failures to start are joined.
func (o *Orchestrator) RunAll(ctx context.Context, scope models.Scope, budget time.Duration) ([]*models.JobSummary, error) {
	summaries := make([]*models.JobSummary, len(o.order))
	errs := make([]error, len(o.order))

	var g errgroup.Group
	for i, id := range o.order {
		g.Go(func() error {
			_, summary, err := o.Submit(ctx, id, scope, SubmitOptions{Sync: true, Budget: budget})
			summaries[i] = summary
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*models.JobSummary, 0, len(summaries))
	for _, s := range summaries {
		if s != nil {
			out = append(out, s)
		}
	}
	return out, errors.Join(errs...)
}

// Recover cancels jobs left running by a previous process so their sources
// can be claimed again. Paused jobs are left paused.
func (o *Orchestrator) Recover(ctx context.Context) error {
	jobs, err := o.store.ActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, job := range jobs {
		if job.State != models.StateRunning || o.handle(job.ID) != nil {
			continue
		}
		r := o.newRun(job, o.sources[job.SourceID])
		r.checkpointed = o.hasCheckpoint(ctx, job)
		r.finish(ctx, models.StateCancelled, models.ReasonShutdown, "interrupted by process restart", nil)
		o.logger.Warn("[pipeline] job %s (%s) was left running, cancelled", job.ID, job.SourceID)
	}
	return nil
}

// Shutdown cancels every job this process runs and waits for them to
// checkpoint, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, h := range o.active {
		h.cancel(errShutdown)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (o *Orchestrator) hasCheckpoint(ctx context.Context, job *models.ScrapeJob) bool {
	cp, err := o.store.GetCheckpoint(ctx, job.SourceID, job.ScopeKey)
	return err == nil && cp != nil && !cp.Completed
}

func (o *Orchestrator) appendLog(job *models.ScrapeJob, level, msg string) {
	job.AppendLog(level, msg, o.opts.MaxLogLines)
}
