package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contract-ingest/api"
	"contract-ingest/config"
	"contract-ingest/models"
	"contract-ingest/pipeline"
	"contract-ingest/scraper"
	"contract-ingest/services"
	"contract-ingest/storage"
	"contract-ingest/utils"
)

const testSecret = "s3cret"

func init() {
	gin.SetMode(gin.TestMode)
}

func testPages(n int) [][]*models.RawItem {
	pages := make([][]*models.RawItem, n)
	for p := range pages {
		pages[p] = []*models.RawItem{{
			SourceID:   "sam",
			Ref:        fmt.Sprintf("sam/%d", p),
			NaturalID:  map[string]string{"agency": "GSA", "contract_number": fmt.Sprintf("GS-%d", p)},
			Fields:     map[string]*string{"title": models.Str("Office supplies")},
			ObservedAt: time.Now().UTC(),
		}}
	}
	return pages
}

func newTestServer(t *testing.T, secret string, adapter *scraper.MockAdapter) (http.Handler, *pipeline.Orchestrator) {
	t.Helper()
	logger := utils.NewNopLogger()
	orch := pipeline.New(pipeline.Deps{
		Store: storage.NewMemoryStore(),
		Sources: []*pipeline.Source{{
			Config:  &config.SourceConfig{ID: adapter.ID, ErrorThreshold: 25},
			Adapter: adapter,
		}},
		Canonicalizer: services.NewCanonicalizer(config.Entity{
			Type:          "contract",
			KeyFields:     []string{"agency", "contract_number"},
			TrackedFields: []string{"title"},
		}, logger),
		Logger: logger,
	}, pipeline.Options{MaxLogLines: 100, WriteTimeout: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	srv := api.NewServer(orch, api.Options{Secret: secret, SyncBudget: 5 * time.Second}, logger)
	return srv.Handler(), orch
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type jobResponse struct {
	ID     string           `json:"id"`
	State  models.JobState  `json:"state"`
	Reason string           `json:"reason"`
	Counts models.JobCounts `json:"counts"`
	Log    []models.LogEntry
}

func waitForState(t *testing.T, h http.Handler, id string, state models.JobState) jobResponse {
	t.Helper()
	var job jobResponse
	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/api/v1/jobs/"+id, "")
		if w.Code != http.StatusOK {
			return false
		}
		job = decode[jobResponse](t, w)
		return job.State == state
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

// blockingAdapter holds page 1 until the job's context ends.
func blockingAdapter() *scraper.MockAdapter {
	a := scraper.NewMockAdapter("sam", testPages(3))
	a.BeforeServe = func(ctx context.Context, page int) {
		if page == 1 {
			<-ctx.Done()
		}
	}
	return a
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, testSecret, scraper.NewMockAdapter("sam", nil))

	w := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []any{"sam"}, body["sources"])
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t, "", scraper.NewMockAdapter("sam", nil))
	w := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBearerAuth(t *testing.T) {
	h, _ := newTestServer(t, testSecret, scraper.NewMockAdapter("sam", testPages(1)))
	good, err := api.IssueToken(testSecret, "cron", time.Hour)
	require.NoError(t, err)
	forged, err := api.IssueToken("other", "cron", time.Hour)
	require.NoError(t, err)
	sign := func(claims jwt.RegisteredClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return token
	}
	expired := sign(jwt.RegisteredClaims{Subject: "cron", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	forever := sign(jwt.RegisteredClaims{Subject: "cron"})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + good, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"no expiry", "Bearer " + forever, http.StatusUnauthorized},
		{"valid", "Bearer " + good, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/sam/jobs", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestIssueTokenNeedsLifetime(t *testing.T) {
	_, err := api.IssueToken(testSecret, "cron", 0)
	assert.Error(t, err)
}

func TestTriggerAsync(t *testing.T) {
	h, _ := newTestServer(t, "", scraper.NewMockAdapter("sam", testPages(2)))

	w := do(t, h, http.MethodPost, "/api/v1/sources/sam/jobs", `{"mode":"full"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode[map[string]string](t, w)["job_id"]
	require.NotEmpty(t, id)

	job := waitForState(t, h, id, models.StateCompleted)
	assert.Equal(t, 2, job.Counts.ItemsInserted)
	assert.NotEmpty(t, job.Log)
}

func TestTriggerSync(t *testing.T) {
	h, _ := newTestServer(t, "", scraper.NewMockAdapter("sam", testPages(3)))

	w := do(t, h, http.MethodPost, "/api/v1/sources/sam/jobs", `{"mode":"full","sync":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[models.JobSummary](t, w)
	assert.Equal(t, models.StateCompleted, summary.State)
	assert.Equal(t, 3, summary.Counts.ItemsInserted)
	assert.False(t, summary.Resumable)
}

func TestTriggerSyncBudget(t *testing.T) {
	h, _ := newTestServer(t, "", blockingAdapter())

	w := do(t, h, http.MethodPost, "/api/v1/sources/sam/jobs", `{"mode":"full","sync":true,"budget_seconds":1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[models.JobSummary](t, w)
	assert.Equal(t, models.StateCancelled, summary.State)
	assert.Equal(t, models.ReasonDeadline, summary.Reason)
	assert.True(t, summary.Resumable)
}

func TestTriggerErrors(t *testing.T) {
	h, _ := newTestServer(t, "", scraper.NewMockAdapter("sam", nil))

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown source", "/api/v1/sources/nope/jobs", `{}`, http.StatusNotFound},
		{"unknown mode", "/api/v1/sources/sam/jobs", `{"mode":"weekly"}`, http.StatusBadRequest},
		{"range without dates", "/api/v1/sources/sam/jobs", `{"mode":"date-range"}`, http.StatusBadRequest},
		{"bad date", "/api/v1/sources/sam/jobs", `{"mode":"date-range","from":"01/02/2026","to":"2026-01-03"}`, http.StatusBadRequest},
		{"inverted range", "/api/v1/sources/sam/jobs", `{"mode":"date-range","from":"2026-01-05","to":"2026-01-03"}`, http.StatusBadRequest},
		{"range on undated source", "/api/v1/sources/sam/jobs", `{"mode":"date-range","from":"2026-01-01","to":"2026-01-01"}`, http.StatusBadRequest},
		{"negative start page", "/api/v1/sources/sam/jobs", `{"start_page":-1}`, http.StatusBadRequest},
		{"malformed body", "/api/v1/sources/sam/jobs", `{"mode":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestTriggerBusySource(t *testing.T) {
	h, _ := newTestServer(t, "", blockingAdapter())

	first := do(t, h, http.MethodPost, "/api/v1/sources/sam/jobs", `{"mode":"full"}`)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := do(t, h, http.MethodPost, "/api/v1/sources/sam/jobs", `{"mode":"full"}`)
	assert.Equal(t, http.StatusConflict, second.Code, second.Body.String())
}

func TestPauseResumeCancel(t *testing.T) {
	adapter := blockingAdapter()
	h, _ := newTestServer(t, "", adapter)

	w := do(t, h, http.MethodPost, "/api/v1/sources/sam/jobs", `{"mode":"full"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[map[string]string](t, w)["job_id"]

	w = do(t, h, http.MethodPost, "/api/v1/jobs/"+id+"/pause", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StatePaused, decode[jobResponse](t, w).State)

	w = do(t, h, http.MethodPost, "/api/v1/jobs/"+id+"/pause", "")
	assert.Equal(t, http.StatusConflict, w.Code, "a paused job cannot be paused again")

	w = do(t, h, http.MethodPost, "/api/v1/jobs/"+id+"/resume", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	waitForState(t, h, id, models.StateRunning)

	w = do(t, h, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	job := decode[jobResponse](t, w)
	assert.Equal(t, models.StateCancelled, job.State)
	assert.Equal(t, models.ReasonOperator, job.Reason)

	w = do(t, h, http.MethodPost, "/api/v1/jobs/"+id+"/resume", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetJobNotFound(t *testing.T) {
	h, _ := newTestServer(t, "", scraper.NewMockAdapter("sam", nil))
	w := do(t, h, http.MethodGet, "/api/v1/jobs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	h, _ := newTestServer(t, "", scraper.NewMockAdapter("sam", testPages(1)))
	for i := 0; i < 3; i++ {
		w := do(t, h, http.MethodPost, "/api/v1/sources/sam/jobs", `{"mode":"full","sync":true}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(t, h, http.MethodGet, "/api/v1/sources/sam/jobs?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Jobs  []jobResponse `json:"jobs"`
		Total int           `json:"total"`
	}](t, w)
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Jobs, 2)
	assert.Len(t, body.Jobs[0].Log, 1)

	w = do(t, h, http.MethodGet, "/api/v1/sources/nope/jobs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
