package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"contract-ingest/models"
	"contract-ingest/pipeline"
	"contract-ingest/storage"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// triggerRequest is the body of POST /api/v1/sources/:source/jobs. An empty
// body triggers an incremental async run.
type triggerRequest struct {
	Mode          string `json:"mode" binding:"omitempty,oneof=full incremental date-range"`
	From          string `json:"from"`
	To            string `json:"to"`
	StartPage     int    `json:"start_page" binding:"min=0"`
	Sync          bool   `json:"sync"`
	BudgetSeconds int    `json:"budget_seconds" binding:"min=0"`
}

func (r triggerRequest) scope() (models.Scope, error) {
	scope := models.Scope{Mode: models.RunMode(r.Mode), StartPage: r.StartPage}
	if scope.Mode == "" {
		scope.Mode = models.ModeIncremental
	}
	var err error
	if scope.From, err = models.ParseDate(r.From); err != nil {
		return scope, fmt.Errorf("from: %w", err)
	}
	if scope.To, err = models.ParseDate(r.To); err != nil {
		return scope, fmt.Errorf("to: %w", err)
	}
	return scope, nil
}

// jobView is the status payload of a job.
type jobView struct {
	ID          string            `json:"id"`
	SourceID    string            `json:"source_id"`
	Scope       string            `json:"scope"`
	State       models.JobState   `json:"state"`
	Reason      string            `json:"reason,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Counts      models.JobCounts  `json:"counts"`
	Log         []models.LogEntry `json:"log"`
	LogDropped  int               `json:"log_dropped"`
}

func viewOf(job *models.ScrapeJob, tail int) jobView {
	return jobView{
		ID:          job.ID,
		SourceID:    job.SourceID,
		Scope:       job.ScopeKey,
		State:       job.State,
		Reason:      job.Reason,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Counts:      job.Counts,
		Log:         job.LogTail(tail),
		LogDropped:  job.LogDropped,
	}
}

// triggerJob handles POST /api/v1/sources/:source/jobs
func (s *Server) triggerJob(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBadRequest(c, err.Error())
		return
	}
	scope, err := req.scope()
	if err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	opts := pipeline.SubmitOptions{Sync: req.Sync, Budget: s.opts.SyncBudget}
	if req.BudgetSeconds > 0 {
		budget := time.Duration(req.BudgetSeconds) * time.Second
		if opts.Budget <= 0 || budget < opts.Budget {
			opts.Budget = budget
		}
	}

	job, summary, err := s.orch.Submit(c.Request.Context(), c.Param("source"), scope, opts)
	if err != nil {
		s.respondPipelineError(c, err)
		return
	}
	if req.Sync {
		c.JSON(http.StatusOK, summary)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	job, err := s.orch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(job, queryInt(c, "tail", defaultLogTail, 0)))
}

// listJobs handles GET /api/v1/sources/:source/jobs
func (s *Server) listJobs(c *gin.Context) {
	limit := queryInt(c, "limit", defaultLimit, maxLimit)
	jobs, err := s.orch.Recent(c.Request.Context(), c.Param("source"), limit)
	if err != nil {
		s.respondPipelineError(c, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j, 1))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views, "total": len(views)})
}

// pauseJob handles POST /api/v1/jobs/:id/pause
func (s *Server) pauseJob(c *gin.Context) {
	s.control(c, http.StatusOK, s.orch.Pause)
}

// resumeJob handles POST /api/v1/jobs/:id/resume
func (s *Server) resumeJob(c *gin.Context) {
	s.control(c, http.StatusAccepted, s.orch.Resume)
}

// cancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	s.control(c, http.StatusOK, s.orch.Cancel)
}

func (s *Server) control(c *gin.Context, status int, op func(ctx context.Context, jobID string) error) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		s.respondPipelineError(c, err)
		return
	}
	job, err := s.orch.Status(c.Request.Context(), id)
	if err != nil {
		s.respondPipelineError(c, err)
		return
	}
	c.JSON(status, viewOf(job, defaultLogTail))
}

func (s *Server) respondPipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnknownSource), errors.Is(err, storage.ErrNotFound):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrInvalidScope):
		respondBadRequest(c, err.Error())
	case errors.Is(err, storage.ErrSourceBusy),
		errors.Is(err, pipeline.ErrInvalidTransition),
		errors.Is(err, pipeline.ErrJobNotActive):
		respondError(c, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrShuttingDown):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	default:
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func respondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, message)
}

// queryInt parses a positive integer query parameter, capped at max when
// max is positive.
func queryInt(c *gin.Context, name string, fallback, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery(name, strconv.Itoa(fallback)))
	if err != nil || n <= 0 {
		n = fallback
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
