package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	moduleLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orkestr",
			Subsystem: "module",
			Name:      "loads_total",
			Help:      "Module load attempts by result.",
		}, []string{"result"},
	)
	modulesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orkestr",
			Subsystem: "module",
			Name:      "active",
			Help:      "Currently registered modules.",
		},
	)
	processTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orkestr",
			Subsystem: "process",
			Name:      "ticks_total",
			Help:      "Process ticks by result (success, failure, skipped).",
		}, []string{"result"},
	)
	processTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orkestr",
			Subsystem: "process",
			Name:      "tick_duration_seconds",
			Help:      "Handler execution time of process ticks.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	processStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orkestr",
			Subsystem: "process",
			Name:      "current",
			Help:      "Number of processes per state.",
		}, []string{"state"},
	)
	processThrottles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orkestr",
			Subsystem: "process",
			Name:      "throttles_total",
			Help:      "Interval increases applied by the resource governor.",
		},
	)
	orchestrationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orkestr",
			Subsystem: "kernel",
			Name:      "events_total",
			Help:      "Orchestration events recorded by severity.",
		}, []string{"severity"},
	)
	persistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orkestr",
			Subsystem: "store",
			Name:      "failures_total",
			Help:      "Persistence writes that failed and were only logged.",
		}, []string{"op"},
	)
	systemUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orkestr",
			Subsystem: "system",
			Name:      "usage",
			Help:      "Last sampled system metric (cpu_usage, memory_usage, load_average).",
		}, []string{"metric"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{moduleLoads, modulesActive, processTicks, processTickDuration, processStates,
		processThrottles, orchestrationEvents, persistenceFailures, systemUsage}
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncModuleLoad(ok bool) {
	if regOK.Load() {
		result := "success"
		if !ok {
			result = "failure"
		}
		moduleLoads.WithLabelValues(result).Inc()
	}
}

func SetModules(n int) {
	if regOK.Load() {
		modulesActive.Set(float64(n))
	}
}

func ObserveTick(err error, d time.Duration) {
	if !regOK.Load() {
		return
	}
	if err != nil {
		processTicks.WithLabelValues("failure").Inc()
	} else {
		processTicks.WithLabelValues("success").Inc()
	}
	processTickDuration.Observe(d.Seconds())
}

func IncSkippedTick() {
	if regOK.Load() {
		processTicks.WithLabelValues("skipped").Inc()
	}
}

func SetProcessState(state string, n int) {
	if regOK.Load() {
		processStates.WithLabelValues(state).Set(float64(n))
	}
}

func IncThrottle() {
	if regOK.Load() {
		processThrottles.Inc()
	}
}

func IncEvent(severity string) {
	if regOK.Load() {
		orchestrationEvents.WithLabelValues(severity).Inc()
	}
}

func IncPersistenceFailure(op string) {
	if regOK.Load() {
		persistenceFailures.WithLabelValues(op).Inc()
	}
}

func SetSystem(cpu, memory, load float64) {
	if regOK.Load() {
		systemUsage.WithLabelValues("cpu_usage").Set(cpu)
		systemUsage.WithLabelValues("memory_usage").Set(memory)
		systemUsage.WithLabelValues("load_average").Set(load)
	}
}
