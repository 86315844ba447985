// Package metrics provides Prometheus metrics for the render engine and the
// job orchestrator. Labels are bounded sets only; job IDs never appear.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished jobs by type and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miyog_jobs_total",
		Help: "Total number of finished jobs, by type and outcome.",
	}, []string{"type", "outcome"})

	// JobFailuresTotal counts failed jobs by error class.
	JobFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miyog_job_failures_total",
		Help: "Total number of failed jobs, by type and error class.",
	}, []string{"type", "class"})

	// JobDuration observes wall time from start to terminal state.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "miyog_job_duration_seconds",
		Help:    "Job processing time in seconds, by type.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	}, []string{"type"})

	// JobsInFlight tracks jobs currently being processed by this worker.
	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miyog_jobs_in_flight",
		Help: "Current number of jobs being processed.",
	})

	// ClipsSkippedTotal counts clips dropped from a render.
	ClipsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miyog_clips_skipped_total",
		Help: "Total number of clips skipped during render, by stage.",
	}, []string{"stage"})

	// RenderDuration observes ffmpeg encode time.
	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "miyog_render_encode_seconds",
		Help:    "Time spent in the encoder per render.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// ExternalCallsTotal counts collaborator calls by service and result.
	ExternalCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miyog_external_calls_total",
		Help: "Total number of external service calls, by service and result.",
	}, []string{"service", "result"})
)

// RecordJob records a job reaching a terminal state.
func RecordJob(jobType string, started time.Time, err error, class string) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		JobFailuresTotal.WithLabelValues(jobType, class).Inc()
	}
	JobsTotal.WithLabelValues(jobType, outcome).Inc()
	JobDuration.WithLabelValues(jobType).Observe(time.Since(started).Seconds())
}

// RecordSkip increments the skipped clip counter for stage.
func RecordSkip(stage string) {
	ClipsSkippedTotal.WithLabelValues(stage).Inc()
}

// RecordExternal records one collaborator call.
func RecordExternal(service string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ExternalCallsTotal.WithLabelValues(service, result).Inc()
}
