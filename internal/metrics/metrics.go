package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prereq",
			Subsystem: "step",
			Name:      "runs_total",
			Help:      "Number of guarded steps that ran because their inputs changed.",
		}, []string{"step"},
	)
	stepSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prereq",
			Subsystem: "step",
			Name:      "skips_total",
			Help:      "Number of guarded steps skipped because their fingerprint was unchanged.",
		}, []string{"step"},
	)
	fingerprintDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prereq",
			Subsystem: "fingerprint",
			Name:      "duration_seconds",
			Help:      "Time spent computing input fingerprints.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"},
	)
	processSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prereq",
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of managed processes started.",
		}, []string{"name"},
	)
	singletonSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prereq",
			Subsystem: "process",
			Name:      "singleton_skips_total",
			Help:      "Number of singleton spawns skipped because a matching process was already running.",
		}, []string{"name"},
	)
	shutdownPhases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prereq",
			Subsystem: "process",
			Name:      "shutdown_phase_total",
			Help:      "Process group shutdowns by the escalation phase that ended them.",
		}, []string{"phase"},
	)
	managedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "prereq",
			Subsystem: "process",
			Name:      "managed",
			Help:      "Managed processes with a pending shutdown hook.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{stepRuns, stepSkips, fingerprintDuration, processSpawns, singletonSkips, shutdownPhases, managedProcesses}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStepRun(step string) {
	if regOK.Load() {
		stepRuns.WithLabelValues(step).Inc()
	}
}

func IncStepSkip(step string) {
	if regOK.Load() {
		stepSkips.WithLabelValues(step).Inc()
	}
}

func ObserveFingerprint(step string, seconds float64) {
	if regOK.Load() {
		fingerprintDuration.WithLabelValues(step).Observe(seconds)
	}
}

func IncSpawn(name string) {
	if regOK.Load() {
		processSpawns.WithLabelValues(name).Inc()
	}
}

func IncSingletonSkip(name string) {
	if regOK.Load() {
		singletonSkips.WithLabelValues(name).Inc()
	}
}

func IncShutdownPhase(phase string) {
	if regOK.Load() {
		shutdownPhases.WithLabelValues(phase).Inc()
	}
}

func SetManaged(n int) {
	if regOK.Load() {
		managedProcesses.Set(float64(n))
	}
}
