// Package metrics exports Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ingest"

// Metrics holds all pipeline Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Job metrics
	JobsStarted  *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	JobsRunning  *prometheus.GaugeVec
	JobDuration  *prometheus.HistogramVec

	// Fetch metrics
	PagesFetched  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	RateLimited   *prometheus.CounterVec

	// Record metrics
	Items *prometheus.CounterVec
}

// NewMetrics creates and registers all pipeline metrics on reg, or on the
// default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs moved to running, by source.",
		}, []string{"source"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by source, state and reason.",
		}, []string{"source", "state", "reason"}),
		JobsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently running, by source.",
		}, []string{"source"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of finished jobs.",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 4 * 3600},
		}, []string{"source"}),
		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Pages processed, by source and result (ok, failed).",
		}, []string{"source", "result"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_fetch_duration_seconds",
			Help:      "Time to fetch one page including governor waits and retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"source"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Upstream rate-limit signals, by source.",
		}, []string{"source"}),
		Items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Items processed, by source and outcome.",
		}, []string{"source", "outcome"}),
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) JobStarted(source string) {
	if m == nil {
		return
	}
	m.JobsStarted.WithLabelValues(source).Inc()
	m.JobsRunning.WithLabelValues(source).Inc()
}

func (m *Metrics) JobFinished(source, state, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(source, state, reason).Inc()
	m.JobDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) PageFetched(source string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.PagesFetched.WithLabelValues(source, result).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) RateLimitHit(source string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(source).Inc()
}

func (m *Metrics) Item(source, outcome string) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(source, outcome).Inc()
}

// JobStopped marks a job of source as no longer running, either because it
// paused or because it finished.
func (m *Metrics) JobStopped(source string) {
	if m == nil {
		return
	}
	m.JobsRunning.WithLabelValues(source).Dec()
}
