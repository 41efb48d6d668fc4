package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"contract-ingest/config"
	"contract-ingest/models"
	"contract-ingest/storage"
	"contract-ingest/utils"
)

// Scheduler triggers an incremental job for every source with a cron
// schedule.
type Scheduler struct {
	orch    *Orchestrator
	logger  *utils.Logger
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewScheduler registers one cron entry per scheduled source. Schedules use
// the standard 5-field syntax.
func NewScheduler(orch *Orchestrator, sources []*config.SourceConfig, logger *utils.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		orch:    orch,
		logger:  logger,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		entries: make(map[string]cron.EntryID),
	}

	for _, src := range sources {
		if src.Schedule == "" {
			continue
		}
		id := src.ID
		entry, err := s.cron.AddFunc(src.Schedule, func() { s.Fire(id) })
		if err != nil {
			return nil, fmt.Errorf("source %s: schedule %q: %w", id, src.Schedule, err)
		}
		s.entries[id] = entry
		logger.Info("[scheduler] %s scheduled at %q", id, src.Schedule)
	}
	return s, nil
}

// Fire starts an incremental job for source in the background. A source that
// is still busy with an earlier job is skipped until the next tick.
func (s *Scheduler) Fire(sourceID string) {
	job, _, err := s.orch.Submit(context.Background(), sourceID, models.Scope{Mode: models.ModeIncremental}, SubmitOptions{})
	switch {
	case errors.Is(err, storage.ErrSourceBusy):
		s.logger.Info("[scheduler] %s is busy, skipping this run", sourceID)
	case err != nil:
		s.logger.Error("[scheduler] %s: %v", sourceID, err)
	default:
		s.logger.Info("[scheduler] %s: started job %s", sourceID, job.ID)
	}
}

// Scheduled lists the sources with a cron entry.
func (s *Scheduler) Scheduled() []string {
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing new jobs and waits for running callbacks to return.
// Jobs already started keep running.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
