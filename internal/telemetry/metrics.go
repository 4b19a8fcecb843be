package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsPublished    = prometheus.NewCounter(prometheus.CounterOpts{Name: "widget_events_published_total", Help: "Confirmed widget change events published"})
	MirrorsPublished   = prometheus.NewCounter(prometheus.CounterOpts{Name: "widget_mirrors_published_total", Help: "Cross-context mirror payloads published"})
	OptimisticResolved = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimistic_resolved_total", Help: "Optimistic entries resolved by a confirmation"})
	OptimisticExpired  = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimistic_expired_total", Help: "Optimistic entries rolled back on expiry"})
	AgentJobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_completed_total", Help: "Agent jobs that reached completed"})
	AgentJobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_failed_total", Help: "Agent jobs that reached failed"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "mutation_rate_limit_rejects_total", Help: "Mutations rejected by the per-dashboard limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsPublished,
			MirrorsPublished,
			OptimisticResolved,
			OptimisticExpired,
			AgentJobsCompleted,
			AgentJobsFailed,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
