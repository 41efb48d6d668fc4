package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contract-ingest/config"
	"contract-ingest/models"
	"contract-ingest/scraper"
	"contract-ingest/utils"
)

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	h := newHarness(t, scraper.NewMockAdapter("sam", nil))
	_, err := NewScheduler(h.orch, []*config.SourceConfig{{ID: "sam", Schedule: "every tuesday"}}, utils.NewNopLogger())
	assert.Error(t, err)
}

func TestSchedulerRegistersScheduledSources(t *testing.T) {
	h := newHarness(t, scraper.NewMockAdapter("sam", nil), scraper.NewMockAdapter("fpds", nil))
	s, err := NewScheduler(h.orch, []*config.SourceConfig{
		{ID: "sam", Schedule: "*/15 * * * *"},
		{ID: "fpds"},
	}, utils.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"sam"}, s.Scheduled())

	s.Start()
	require.NoError(t, s.Stop(context.Background()))
}

func TestSchedulerFire(t *testing.T) {
	adapter := scraper.NewMockAdapter("sam", scriptedPages("sam", 1, 2))
	release := make(chan struct{})
	adapter.BeforeServe = func(ctx context.Context, page int) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	h := newHarness(t, adapter)
	s, err := NewScheduler(h.orch, nil, utils.NewNopLogger())
	require.NoError(t, err)

	s.Fire("sam")
	// The first job is still running, so this tick is skipped.
	s.Fire("sam")
	close(release)

	jobs, err := h.orch.Recent(context.Background(), "sam", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	var started *models.ScrapeJob
	for _, j := range jobs {
		if j.Reason == models.ReasonSourceBusy {
			assert.Equal(t, models.StateCancelled, j.State)
			continue
		}
		started = j
	}
	require.NotNil(t, started)
	assert.Equal(t, models.ModeIncremental, started.Scope.Mode)
	done := h.waitFor(t, started.ID, models.StateCompleted)
	assert.Equal(t, 2, done.Counts.ItemsInserted)
}
