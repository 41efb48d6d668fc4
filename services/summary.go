package services

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"contract-ingest/models"
	"contract-ingest/utils"
)

// errorSampleSize caps how many error log lines a summary carries.
const errorSampleSize = 5

type SummaryService struct {
	logger *utils.Logger
}

func NewSummaryService(logger *utils.Logger) *SummaryService {
	return &SummaryService{logger: logger}
}

// Build condenses a finished job into the event sent to notifiers. A job is
// resumable when it stopped before exhausting its scope and left a checkpoint.
func (s *SummaryService) Build(job *models.ScrapeJob, resumable bool) *models.JobSummary {
	summary := &models.JobSummary{
		JobID:     job.ID,
		SourceID:  job.SourceID,
		ScopeKey:  job.ScopeKey,
		State:     job.State,
		Reason:    job.Reason,
		Counts:    job.Counts,
		Duration:  job.Duration().Round(time.Millisecond),
		Resumable: resumable && job.State != models.StateCompleted,
	}

	// Newest errors first
	for i := len(job.Log) - 1; i >= 0 && len(summary.ErrorSample) < errorSampleSize; i-- {
		if job.Log[i].Level == models.LevelError {
			summary.ErrorSample = append(summary.ErrorSample, job.Log[i].Message)
		}
	}
	return summary
}

// Print writes a human-readable report of jobs, newest first, to w.
func (s *SummaryService) Print(w io.Writer, jobs []*models.ScrapeJob) {
	sep := strings.Repeat("═", 72)
	thin := strings.Repeat("─", 72)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  INGESTION JOBS\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	if len(jobs) == 0 {
		fmt.Fprintf(w, "  No jobs recorded\n")
		fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
		return
	}

	sorted := append([]*models.ScrapeJob(nil), jobs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	bySource := make(map[string][]*models.ScrapeJob)
	var order []string
	for _, j := range sorted {
		if _, ok := bySource[j.SourceID]; !ok {
			order = append(order, j.SourceID)
		}
		bySource[j.SourceID] = append(bySource[j.SourceID], j)
	}

	for _, src := range order {
		fmt.Fprintf(w, "\033[1;33m  %s\033[0m\n", src)
		fmt.Fprintf(w, "  %s\n", thin)
		for _, j := range bySource[src] {
			state := string(j.State)
			if j.Reason != "" {
				state += " (" + j.Reason + ")"
			}
			fmt.Fprintf(w, "  %s  %-14s %s%-28s\033[0m %8s\n",
				truncate(j.ID, 8), truncate(j.ScopeKey, 14), stateColour(j.State), truncate(state, 28),
				j.Duration().Round(time.Second))
			c := j.Counts
			fmt.Fprintf(w, "            pages %-4d found %-6d new %-6d updated %-6d same %-6d skipped %-4d errors %d\n",
				c.Pages, c.ItemsFound, c.ItemsInserted, c.ItemsUpdated, c.ItemsUnchanged, c.ItemsSkipped, c.Errors)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)
}

func stateColour(s models.JobState) string {
	switch s {
	case models.StateCompleted:
		return "\033[1;32m"
	case models.StateFailed:
		return "\033[1;31m"
	case models.StateRunning, models.StatePaused:
		return "\033[1;36m"
	default:
		return "\033[1m"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
