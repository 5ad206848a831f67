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

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbitmgr",
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of successful backend process spawns.",
		}, []string{"name"},
	)
	backendStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbitmgr",
			Subsystem: "backend",
			Name:      "start_failures_total",
			Help:      "Number of failed backend spawn attempts.",
		}, []string{"name"},
	)
	backendStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbitmgr",
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Number of requested stops that completed.",
		}, []string{"name"},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbitmgr",
			Subsystem: "backend",
			Name:      "unexpected_exits_total",
			Help:      "Number of times the backend exited without a stop request.",
		}, []string{"name"},
	)
	backendState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orbitmgr",
			Subsystem: "backend",
			Name:      "state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	outputLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbitmgr",
			Subsystem: "backend",
			Name:      "output_lines_total",
			Help:      "Lines captured from the backend per stream.",
		}, []string{"name", "stream"},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbitmgr",
			Subsystem: "supervisor",
			Name:      "dropped_events_total",
			Help:      "Events not delivered to a slow subscriber.",
		}, []string{"name"},
	)
	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbitmgr",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Backend API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"},
	)
	apiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orbitmgr",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Backend API round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		backendStarts, backendStartFailures, backendStops, backendExits, backendState,
		outputLines, droppedEvents, apiRequests, apiDuration,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(name).Inc()
	}
}

func IncStartFailure(name string) {
	if regOK.Load() {
		backendStartFailures.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		backendStops.WithLabelValues(name).Inc()
	}
}

func IncUnexpectedExit(name string) {
	if regOK.Load() {
		backendExits.WithLabelValues(name).Inc()
	}
}

// SetState flips the state gauge from one state to another.
func SetState(name, from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" {
		backendState.WithLabelValues(name, from).Set(0)
	}
	backendState.WithLabelValues(name, to).Set(1)
}

func IncOutputLine(name, stream string) {
	if regOK.Load() {
		outputLines.WithLabelValues(name, stream).Inc()
	}
}

func IncDroppedEvent(name string) {
	if regOK.Load() {
		droppedEvents.WithLabelValues(name).Inc()
	}
}

// ObserveAPIRequest records one client round-trip. outcome is one of
// ok, transport, status, decode.
func ObserveAPIRequest(endpoint, outcome string, seconds float64) {
	if regOK.Load() {
		apiRequests.WithLabelValues(endpoint, outcome).Inc()
		apiDuration.WithLabelValues(endpoint).Observe(seconds)
	}
}
