// Package metrics provides Prometheus metrics for matchmaking runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alienxp03/soulsync/internal/core"
)

// Manager owns the metric collectors and the registry they are exposed from.
type Manager struct {
	namespace string
	subsystem string
	buckets   []float64
	registry  *prometheus.Registry

	roundsJudged      *prometheus.CounterVec
	judgeFallbacks    *prometheus.CounterVec
	candidateFailures *prometheus.CounterVec
	tournaments       *prometheus.CounterVec
	simulations       *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	eventsPruned      prometheus.Counter
	phaseDuration     *prometheus.HistogramVec
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithRegistry sets the registry metrics are registered on.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// WithHistogramBuckets sets custom buckets for the phase duration histogram.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.buckets = buckets
		}
	}
}

// NewManager creates a metrics manager on a private registry by default.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "soulsync",
		subsystem: "engine",
		buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	auto := promauto.With(m.registry)

	m.roundsJudged = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "rounds_judged_total",
		Help:      "Total number of judge verdicts by scenario",
	}, []string{"scenario"})

	m.judgeFallbacks = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "judge_fallbacks_total",
		Help:      "Judge verdicts that fell back to neutral scores",
	}, []string{"scenario"})

	m.candidateFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "candidate_failures_total",
		Help:      "Candidate phase runs that failed and were skipped",
	}, []string{"scenario"})

	m.tournaments = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "tournaments_total",
		Help:      "Finished tournaments by final status",
	}, []string{"status"})

	m.simulations = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "simulations_total",
		Help:      "Finished classic simulations by final status",
	}, []string{"status"})

	m.eventsPublished = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "progress",
		Name:      "events_published_total",
		Help:      "Progress events appended to the event log",
	}, []string{"event"})

	m.eventsPruned = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "progress",
		Name:      "events_pruned_total",
		Help:      "Progress events removed by the retention sweep",
	})

	m.phaseDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "phase_duration_seconds",
		Help:      "Wall time of a tournament phase across all candidates",
		Buckets:   m.buckets,
	}, []string{"scenario"})

	return m
}

// ObserveVerdict records one judge verdict.
func (m *Manager) ObserveVerdict(sc core.Scenario, fallback bool) {
	m.roundsJudged.WithLabelValues(string(sc)).Inc()
	if fallback {
		m.judgeFallbacks.WithLabelValues(string(sc)).Inc()
	}
}

// RecordCandidateFailure counts a candidate skipped for one phase.
func (m *Manager) RecordCandidateFailure(sc core.Scenario) {
	m.candidateFailures.WithLabelValues(string(sc)).Inc()
}

// RecordTournament counts a finished tournament.
func (m *Manager) RecordTournament(status core.TournamentStatus) {
	m.tournaments.WithLabelValues(string(status)).Inc()
}

// RecordSimulation counts a finished classic simulation.
func (m *Manager) RecordSimulation(status core.SessionStatus) {
	m.simulations.WithLabelValues(string(status)).Inc()
}

// RecordPhaseDuration records how long a phase took.
func (m *Manager) RecordPhaseDuration(sc core.Scenario, d time.Duration) {
	m.phaseDuration.WithLabelValues(string(sc)).Observe(d.Seconds())
}

// RecordEventPublished counts an appended progress event.
func (m *Manager) RecordEventPublished(name string) {
	m.eventsPublished.WithLabelValues(name).Inc()
}

// RecordEventsPruned counts events removed by retention.
func (m *Manager) RecordEventsPruned(n int64) {
	m.eventsPruned.Add(float64(n))
}

// Registry returns the registry backing this manager.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
