package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestJobLifecycleMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.JobStarted("sam")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsRunning.WithLabelValues("sam")))

	m.JobStopped("sam")
	m.JobFinished("sam", "failed", "rate_limited", 3*time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsRunning.WithLabelValues("sam")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("sam", "failed", "rate_limited")))
}

func TestItemAndPageCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Item("fpds", "inserted")
	m.Item("fpds", "inserted")
	m.Item("fpds", "skipped")
	m.PageFetched("fpds", true, time.Millisecond)
	m.PageFetched("fpds", false, time.Millisecond)
	m.RateLimitHit("fpds")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Items.WithLabelValues("fpds", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Items.WithLabelValues("fpds", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PagesFetched.WithLabelValues("fpds", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("fpds")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobStarted("sam")
		m.JobStopped("sam")
		m.JobFinished("sam", "completed", "", time.Second)
		m.PageFetched("sam", true, time.Second)
		m.RateLimitHit("sam")
		m.Item("sam", "inserted")
	})
}
