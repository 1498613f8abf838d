// Package metrics provides Prometheus metrics for the orchestrator, its
// readiness probes, setup steps and the supervised model server.
package metrics

import (
	"maps"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	orchestratorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alterego",
		Subsystem: "orchestrator",
		Name:      "state",
		Help:      "1 for the current orchestrator state, 0 otherwise",
	}, []string{"state"})

	orchestratorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alterego",
		Subsystem: "orchestrator",
		Name:      "failures_total",
		Help:      "Runs that ended in the failed state, by error kind",
	}, []string{"kind"})

	warmupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "alterego",
		Subsystem: "warmup",
		Name:      "duration_seconds",
		Help:      "Time from model server launch to its first successful health check",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	readinessProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alterego",
		Subsystem: "readiness",
		Name:      "probes_total",
		Help:      "Readiness probes by outcome",
	}, []string{"outcome"})

	setupStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "alterego",
		Subsystem: "setup",
		Name:      "step_duration_seconds",
		Help:      "Duration of setup steps by final status",
		Buckets:   []float64{0.01, 0.1, 1, 10, 60, 300, 1800},
	}, []string{"step", "status"})

	processExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alterego",
		Subsystem: "process",
		Name:      "exits_total",
		Help:      "Supervised process exits by reason",
	}, []string{"id", "reason"})

	// Local mirror for the SSE exporter, which cannot read values back
	// out of the Prometheus collectors.
	cache = snapshotCache{
		probes:   map[string]uint64{},
		failures: map[string]uint64{},
	}
)

type snapshotCache struct {
	mu         sync.RWMutex
	state      string
	probes     map[string]uint64
	failures   map[string]uint64
	exits      uint64
	lastWarmup time.Duration
}

// Snapshot is a copy of the current counter values.
type Snapshot struct {
	State        string
	Probes       map[string]uint64
	Failures     map[string]uint64
	ProcessExits uint64
	LastWarmup   time.Duration
}

// SetOrchestratorState marks state as current among all known states.
func SetOrchestratorState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		orchestratorState.WithLabelValues(s).Set(v)
	}
	cache.mu.Lock()
	cache.state = state
	cache.mu.Unlock()
}

// RecordFailure counts a run that ended in the failed state.
func RecordFailure(kind string) {
	orchestratorFailures.WithLabelValues(kind).Inc()
	cache.mu.Lock()
	cache.failures[kind]++
	cache.mu.Unlock()
}

// ObserveWarmup records a successful warm-up.
func ObserveWarmup(d time.Duration) {
	warmupDuration.Observe(d.Seconds())
	cache.mu.Lock()
	cache.lastWarmup = d
	cache.mu.Unlock()
}

// RecordProbe counts one readiness probe.
func RecordProbe(outcome string) {
	readinessProbes.WithLabelValues(outcome).Inc()
	cache.mu.Lock()
	cache.probes[outcome]++
	cache.mu.Unlock()
}

// ObserveSetupStep records a finished setup step.
func ObserveSetupStep(step, status string, d time.Duration) {
	setupStepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

// RecordProcessExit counts a supervised process exit.
func RecordProcessExit(id, reason string) {
	processExits.WithLabelValues(id, reason).Inc()
	cache.mu.Lock()
	cache.exits++
	cache.mu.Unlock()
}

// GetSnapshot returns a copy of the cached values.
func GetSnapshot() Snapshot {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	return Snapshot{
		State:        cache.state,
		Probes:       maps.Clone(cache.probes),
		Failures:     maps.Clone(cache.failures),
		ProcessExits: cache.exits,
		LastWarmup:   cache.lastWarmup,
	}
}
