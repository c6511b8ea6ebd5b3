// Package observe exports the orchestrator's Prometheus collectors and the
// HTTP instrumentation middleware. The JSON counters under index/metrics.json
// are the operator contract; these collectors are the time-series view of
// the same pipeline for scraping.
package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "comicwatch_scheduler_ticks_total",
		Help: "Completed scheduler ticks.",
	})
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "comicwatch_scheduler_tick_duration_seconds",
		Help:    "Wall time of one scheduler tick.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "comicwatch_jobs_in_flight",
		Help: "Jobs currently tracked by the scheduler.",
	})
	stageSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comicwatch_stage_submissions_total",
		Help: "Accepted submissions per stage.",
	}, []string{"stage"})
	stageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comicwatch_stage_outcomes_total",
		Help: "Stage results observed by the poller.",
	}, []string{"stage", "outcome"})
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comicwatch_http_request_duration_seconds",
		Help:    "Observability API request latency.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"path", "status"})
	httpResponseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comicwatch_http_response_size_bytes",
		Help:    "Observability API response sizes.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"path", "status"})
)

func init() {
	prometheus.MustRegister(
		ticksTotal, tickDuration, jobsInFlight,
		stageSubmissions, stageOutcomes,
		httpRequestDuration, httpResponseSize,
	)
}

// ObserveTick records one completed scheduler tick.
func ObserveTick(d time.Duration) {
	ticksTotal.Inc()
	tickDuration.Observe(d.Seconds())
}

// SetJobsInFlight tracks the size of the in-flight set.
func SetJobsInFlight(n int) {
	jobsInFlight.Set(float64(n))
}

// CountSubmission records an accepted stage submission ("prep" or "ocr").
func CountSubmission(stage string) {
	stageSubmissions.WithLabelValues(stage).Inc()
}

// CountOutcome records a stage result: done, retry, timeout, error, or
// pdf_invalid.
func CountOutcome(stage, outcome string) {
	stageOutcomes.WithLabelValues(stage, outcome).Inc()
}
