// Package telemetry holds the Prometheus collectors for pipeline activity.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "screening_jobs_started_total", Help: "Stage jobs accepted for submission"}, []string{"stage"})
	JobsSucceeded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "screening_jobs_succeeded_total", Help: "Stage jobs that completed successfully"}, []string{"stage"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "screening_jobs_failed_total", Help: "Stage jobs that ended failed, by error kind"}, []string{"stage", "kind"})
	JobsActive    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "screening_jobs_active", Help: "Stage jobs currently submitting or running"}, []string{"stage"})
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "screening_commands_total", Help: "Pipeline commands by outcome"}, []string{"stage", "action", "outcome"})
	PollRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "screening_poll_retries_total", Help: "Transient runner errors retried"})
	Overrides     = prometheus.NewCounter(prometheus.CounterOpts{Name: "screening_overrides_total", Help: "Manual decision overrides recorded"})
	DocFetches    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "screening_document_fetches_total", Help: "Document acquisitions by result"}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsSucceeded,
			JobsFailed,
			JobsActive,
			CommandsTotal,
			PollRetries,
			Overrides,
			DocFetches,
		)
	})
	return promhttp.Handler()
}
