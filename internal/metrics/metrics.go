package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit results used as the "result" label of exits_total.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultUnknown = "unknown" // waiting on the child failed; status never observed
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "every",
			Subsystem: "ticks",
			Name:      "total",
			Help:      "Number of scheduler ticks delivered to the launcher.",
		},
	)
	ticksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "every",
			Subsystem: "ticks",
			Name:      "skipped_total",
			Help:      "Number of tick boundaries skipped because the previous tick overran.",
		},
	)
	ticksSlotsFull = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "every",
			Subsystem: "ticks",
			Name:      "slots_full_total",
			Help:      "Number of ticks that launched nothing because the concurrency limit was reached.",
		},
	)
	invocationStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "every",
			Subsystem: "invocation",
			Name:      "starts_total",
			Help:      "Number of successful command starts.",
		},
	)
	invocationStartFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "every",
			Subsystem: "invocation",
			Name:      "start_failures_total",
			Help:      "Number of commands that could not be started.",
		},
	)
	invocationExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "every",
			Subsystem: "invocation",
			Name:      "exits_total",
			Help:      "Number of finished invocations by result.",
		}, []string{"result"},
	)
	invocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "every",
			Subsystem: "invocation",
			Name:      "duration_seconds",
			Help:      "Wall time between a successful start and the observed exit.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
		},
	)
	invocationCPU = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "every",
			Subsystem: "invocation",
			Name:      "cpu_seconds",
			Help:      "User plus system CPU time of an invocation, as last sampled before it exited.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)
	invocationPeakRSS = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "every",
			Subsystem: "invocation",
			Name:      "peak_rss_bytes",
			Help:      "Largest resident set size sampled during an invocation.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 14),
		},
	)
	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "every",
			Name:      "in_flight",
			Help:      "Invocations currently running.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		ticks, ticksSkipped, ticksSlotsFull,
		invocationStarts, invocationStartFailures, invocationExits,
		invocationDuration, invocationCPU, invocationPeakRSS, inFlight,
	}
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTick() {
	if regOK.Load() {
		ticks.Inc()
	}
}

func AddSkipped(n uint64) {
	if regOK.Load() && n > 0 {
		ticksSkipped.Add(float64(n))
	}
}

func IncSlotsFull() {
	if regOK.Load() {
		ticksSlotsFull.Inc()
	}
}

func IncStart() {
	if regOK.Load() {
		invocationStarts.Inc()
	}
}

func IncStartFailure() {
	if regOK.Load() {
		invocationStartFailures.Inc()
	}
}

func IncExit(result string) {
	if regOK.Load() {
		invocationExits.WithLabelValues(result).Inc()
	}
}

func ObserveDuration(seconds float64) {
	if regOK.Load() {
		invocationDuration.Observe(seconds)
	}
}

// IncInFlight and DecInFlight move the in-flight gauge by one.
func IncInFlight() {
	if regOK.Load() {
		inFlight.Inc()
	}
}

func DecInFlight() {
	if regOK.Load() {
		inFlight.Dec()
	}
}

// ObserveUsage records the resource usage of a finished invocation.
func ObserveUsage(u ProcessUsage) {
	if !regOK.Load() || u.SampledAt.IsZero() {
		return
	}
	invocationCPU.Observe(u.CPUSeconds)
	invocationPeakRSS.Observe(float64(u.PeakRSSBytes))
}
