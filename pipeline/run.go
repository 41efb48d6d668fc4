package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contract-ingest/models"
	"contract-ingest/scraper"
	"contract-ingest/utils"
)

// run is the state of one job execution.
type run struct {
	o      *Orchestrator
	job    *models.ScrapeJob
	src    *Source
	logger *utils.Logger

	// running is set while the page loop owns the job.
	running bool
	// pagesDone counts pages the checkpoint has moved past, skipped ones
	// included.
	pagesDone int
	// checkpointed reports whether a resumable checkpoint exists.
	checkpointed bool
}

func (o *Orchestrator) newRun(job *models.ScrapeJob, src *Source) *run {
	return &run{
		o:      o,
		job:    job,
		src:    src,
		logger: o.logger.With("job_id", job.ID, "source", job.SourceID),
	}
}

func (o *Orchestrator) execute(ctx context.Context, job *models.ScrapeJob, src *Source) *models.JobSummary {
	r := o.newRun(job, src)
	r.running = true
	return r.loop(ctx)
}

func (r *run) loop(ctx context.Context) *models.JobSummary {
	wctx, cancel := r.writeCtx(ctx)
	cp, err := r.o.store.GetCheckpoint(wctx, r.job.SourceID, r.job.ScopeKey)
	cancel()
	if err != nil {
		return r.finish(ctx, models.StateFailed, models.ReasonStoreError,
			fmt.Sprintf("reading checkpoint: %v", err), nil)
	}

	var cursor models.Cursor
	switch {
	case cp != nil && !cp.Completed:
		cursor = cp.Cursor
		r.pagesDone = cp.PagesDone
		r.checkpointed = true
		r.note(models.LevelInfo, "resuming at %s after %d pages", label(cursor), cp.PagesDone)
	case cp != nil:
		r.note(models.LevelInfo, "last %s run completed, starting from the beginning", r.job.ScopeKey)
	}

	it := scraper.Open(r.src.Adapter, r.job.Scope, cursor, r.src.Guard)
	for {
		if ctx.Err() != nil {
			return r.interrupted(ctx)
		}

		started := time.Now()
		page, err := it.Next(ctx)
		if errors.Is(err, scraper.ErrExhausted) {
			return r.finish(ctx, models.StateCompleted, "",
				fmt.Sprintf("source exhausted after %d pages", r.pagesDone), r.checkpoint(it.Cursor(), true))
		}
		// A page fetched while the job was being interrupted is dropped
		// unprocessed; the checkpoint still points at it.
		if ctx.Err() != nil {
			return r.interrupted(ctx)
		}
		if err != nil {
			r.o.metrics.PageFetched(r.job.SourceID, false, time.Since(started))
			if summary := r.pageFailed(ctx, it, err); summary != nil {
				return summary
			}
			continue
		}
		r.o.metrics.PageFetched(r.job.SourceID, true, time.Since(started))

		if summary := r.process(ctx, page, it); summary != nil {
			return summary
		}
	}
}

// pageFailed handles a page that could not be fetched. It returns a summary
// when the job ends.
func (r *run) pageFailed(ctx context.Context, it *scraper.Iterator, err error) *models.JobSummary {
	at := label(it.Cursor())
	switch utils.Classify(err) {
	case utils.ClassRateLimited:
		r.o.metrics.RateLimitHit(r.job.SourceID)
		msg := fmt.Sprintf("rate limited at %s: %v", at, err)
		if r.src.Guard.Governor != nil {
			if until, ok := r.src.Guard.Governor.CoolingDown(); ok {
				msg += fmt.Sprintf("; cooling down until %s", until.UTC().Format(time.RFC3339))
			}
		}
		return r.finish(ctx, models.StateFailed, models.ReasonRateLimited, msg, nil)
	case utils.ClassSource:
		return r.finish(ctx, models.StateFailed, models.ReasonSourceError,
			fmt.Sprintf("source error at %s: %v", at, err), nil)
	}

	r.job.Counts.Errors++
	r.note(models.LevelError, "%s failed: %v", at, err)
	if r.src.Config.FatalOnPageError {
		return r.finish(ctx, models.StateFailed, models.ReasonPageError,
			fmt.Sprintf("page %s failed and the source treats page errors as fatal", at), nil)
	}
	if r.overThreshold() {
		return r.thresholdExceeded(ctx)
	}

	if !it.Skip() {
		r.note(models.LevelInfo, "nothing after %s", at)
	}
	r.pagesDone++
	if err := r.commit(ctx, r.checkpoint(it.Cursor(), false)); err != nil {
		return r.finish(ctx, models.StateFailed, models.ReasonStoreError,
			fmt.Sprintf("saving progress: %v", err), nil)
	}
	return nil
}

// process canonicalises every item of page and commits the page. It returns
// a summary when the job ends.
func (r *run) process(ctx context.Context, page *scraper.Page, it *scraper.Iterator) *models.JobSummary {
	source := r.job.SourceID
	var added, updated, unchanged, skipped int

	for _, ve := range page.Rejected {
		r.job.Counts.ItemsFound++
		r.job.Counts.ItemsSkipped++
		skipped++
		r.o.metrics.Item(source, "skipped")
		r.note(models.LevelWarn, "skipped item on %s: %v", page.Label, ve)
	}

	for _, item := range page.Items {
		// Stop between writes, never during one; the next run replays the
		// page idempotently. A pause waits for the page boundary because the
		// same job resumes and would count the page twice.
		if ctx.Err() != nil && !errors.Is(context.Cause(ctx), errPauseRequested) {
			return r.interrupted(ctx)
		}
		r.job.Counts.ItemsFound++

		wctx, cancel := r.writeCtx(ctx)
		outcome, err := r.o.canon.Ingest(wctx, r.o.store, item)
		cancel()

		switch {
		case models.IsValidationError(err):
			r.job.Counts.ItemsSkipped++
			skipped++
			r.o.metrics.Item(source, "skipped")
			r.note(models.LevelWarn, "skipped item on %s: %v", page.Label, err)
			continue
		case err != nil:
			r.job.Counts.Errors++
			return r.finish(ctx, models.StateFailed, models.ReasonStoreError,
				fmt.Sprintf("writing item %s: %v", item.Ref, err), nil)
		}

		switch outcome {
		case models.OutcomeInserted:
			r.job.Counts.ItemsInserted++
			added++
		case models.OutcomeUpdated:
			r.job.Counts.ItemsUpdated++
			updated++
		default:
			r.job.Counts.ItemsUnchanged++
			unchanged++
		}
		r.o.metrics.Item(source, string(outcome))
	}

	r.job.Counts.Pages++
	r.pagesDone++
	r.note(models.LevelInfo, "%s: %d items, %d new, %d updated, %d unchanged, %d skipped",
		page.Label, page.Found(), added, updated, unchanged, skipped)
	if err := r.commit(ctx, r.checkpoint(it.Cursor(), false)); err != nil {
		return r.finish(ctx, models.StateFailed, models.ReasonStoreError,
			fmt.Sprintf("saving progress after %s: %v", page.Label, err), nil)
	}

	if r.overThreshold() {
		return r.thresholdExceeded(ctx)
	}
	return nil
}

func (r *run) overThreshold() bool {
	limit := r.src.Config.ErrorThreshold
	return limit > 0 && r.job.Counts.Errors > limit
}

func (r *run) thresholdExceeded(ctx context.Context) *models.JobSummary {
	return r.finish(ctx, models.StateFailed, models.ReasonErrorThreshold,
		fmt.Sprintf("%d errors exceed the threshold of %d", r.job.Counts.Errors, r.src.Config.ErrorThreshold), nil)
}

// interrupted ends the run according to why its context was cancelled.
func (r *run) interrupted(ctx context.Context) *models.JobSummary {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errPauseRequested):
		return r.pause(ctx)
	case errors.Is(cause, errCancelRequested):
		return r.finish(ctx, models.StateCancelled, models.ReasonOperator, "cancelled by operator", nil)
	case errors.Is(cause, errBudgetElapsed), errors.Is(cause, context.DeadlineExceeded):
		return r.finish(ctx, models.StateCancelled, models.ReasonDeadline,
			"time budget elapsed, the next run resumes from the checkpoint", nil)
	default:
		return r.finish(ctx, models.StateCancelled, models.ReasonShutdown,
			fmt.Sprintf("interrupted: %v", cause), nil)
	}
}

func (r *run) pause(ctx context.Context) *models.JobSummary {
	if err := ValidateTransition(r.job.State, models.StatePaused); err != nil {
		r.logger.Error("[pipeline] %v", err)
		return r.o.summaries.Build(r.job, r.checkpointed)
	}
	r.job.State = models.StatePaused
	r.note(models.LevelInfo, "paused after %d pages", r.pagesDone)

	wctx, cancel := r.writeCtx(ctx)
	defer cancel()
	if err := r.o.store.SaveJob(wctx, r.job); err != nil {
		r.logger.Error("[pipeline] saving paused job: %v", err)
	}
	r.o.metrics.JobStopped(r.job.SourceID)
	r.running = false
	return r.o.summaries.Build(r.job, r.checkpointed)
}

// finish moves the job to a terminal state, persists it (with cp when
// given), and emits the summary.
func (r *run) finish(ctx context.Context, state models.JobState, reason, msg string, cp *models.Checkpoint) *models.JobSummary {
	if err := ValidateTransition(r.job.State, state); err != nil {
		r.logger.Error("[pipeline] %v", err)
		return r.o.summaries.Build(r.job, r.checkpointed)
	}

	now := r.o.now().UTC()
	r.job.State = state
	r.job.Reason = reason
	r.job.CompletedAt = &now

	level := models.LevelInfo
	switch state {
	case models.StateFailed:
		level = models.LevelError
	case models.StateCancelled:
		level = models.LevelWarn
	}
	r.note(level, "%s", msg)

	var err error
	if cp != nil {
		err = r.commit(ctx, cp)
	} else {
		wctx, cancel := r.writeCtx(ctx)
		err = r.o.store.SaveJob(wctx, r.job)
		cancel()
	}
	if err != nil {
		r.logger.Error("[pipeline] saving final state %s: %v", state, err)
	}

	if r.running {
		r.o.metrics.JobStopped(r.job.SourceID)
		r.running = false
	}
	r.o.metrics.JobFinished(r.job.SourceID, string(state), reason, r.job.Duration())

	summary := r.o.summaries.Build(r.job, r.checkpointed)
	if r.o.notifier != nil {
		wctx, cancel := r.writeCtx(ctx)
		if err := r.o.notifier.Notify(wctx, summary); err != nil {
			r.logger.Warn("[pipeline] notify: %v", err)
		}
		cancel()
	}
	return summary
}

func (r *run) checkpoint(cursor models.Cursor, completed bool) *models.Checkpoint {
	return &models.Checkpoint{
		SourceID:  r.job.SourceID,
		ScopeKey:  r.job.ScopeKey,
		Cursor:    cursor,
		PagesDone: r.pagesDone,
		JobID:     r.job.ID,
		Completed: completed,
		UpdatedAt: r.o.now().UTC(),
	}
}

// commit persists the job together with cp.
func (r *run) commit(ctx context.Context, cp *models.Checkpoint) error {
	wctx, cancel := r.writeCtx(ctx)
	defer cancel()
	if err := r.o.store.CommitPage(wctx, r.job, cp); err != nil {
		return err
	}
	r.checkpointed = !cp.Completed
	return nil
}

// writeCtx detaches store writes from job cancellation.
func (r *run) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.WriteTimeout)
}

func (r *run) note(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.o.appendLog(r.job, level, msg)
	switch level {
	case models.LevelError:
		r.logger.Error("[pipeline] %s", msg)
	case models.LevelWarn:
		r.logger.Warn("[pipeline] %s", msg)
	default:
		r.logger.Info("[pipeline] %s", msg)
	}
}

// label renders a cursor for humans.
func label(cursor models.Cursor) string {
	if c, err := scraper.DecodeCursor(cursor); err == nil {
		return c.String()
	}
	if cursor == "" {
		return "start"
	}
	return string(cursor)
}
