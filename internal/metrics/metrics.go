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

	workerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of worker process starts, including restarts.",
		},
	)
	workerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of automatic worker restarts after a failure.",
		},
	)
	workerStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of orderly worker shutdowns.",
		},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Worker deaths by cause.",
		}, []string{"cause"},
	)
	workerGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "generation",
			Help:      "Current worker generation number.",
		},
	)
	workerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "state",
			Help:      "Worker lifecycle state (1 = current state, 0 otherwise).",
		}, []string{"state"},
	)
	staleResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framegate",
			Subsystem: "worker",
			Name:      "stale_responses_total",
			Help:      "Responses discarded because no call was waiting for them.",
		},
	)

	decodeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framegate",
			Subsystem: "decode",
			Name:      "requests_total",
			Help:      "Requests sent to the worker by kind.",
		}, []string{"kind"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framegate",
			Subsystem: "decode",
			Name:      "errors_total",
			Help:      "Failed requests by error kind.",
		}, []string{"kind"},
	)
	decodeFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framegate",
			Subsystem: "decode",
			Name:      "frames_total",
			Help:      "Frames delivered to callers.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "framegate",
			Subsystem: "decode",
			Name:      "sessions_active",
			Help:      "Currently open decode sessions.",
		},
	)
	undecodable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framegate",
			Subsystem: "decode",
			Name:      "undecodable_total",
			Help:      "Locators given up on after repeated worker crashes.",
		},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framegate",
			Subsystem: "decode",
			Name:      "request_duration_seconds",
			Help:      "Round trip time from send to response by request kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"},
	)
)

// Register registers all metrics with the provided registerer. It is safe to
// call multiple times and with multiple registerers; a collector already held
// by a registerer is tolerated.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		workerStarts, workerRestarts, workerStops, workerCrashes,
		workerGeneration, workerState, staleResponses,
		decodeRequests, decodeErrors, decodeFrames, sessionsActive,
		undecodable, requestDuration,
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		workerStarts.Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		workerRestarts.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		workerStops.Inc()
	}
}

func IncCrash(cause string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(cause).Inc()
	}
}

func SetGeneration(g uint64) {
	if regOK.Load() {
		workerGeneration.Set(float64(g))
	}
}

// SetWorkerState marks state as current and clears every other known state.
func SetWorkerState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		workerState.WithLabelValues(s).Set(v)
	}
}

func IncStaleResponse() {
	if regOK.Load() {
		staleResponses.Inc()
	}
}

func IncRequest(kind string) {
	if regOK.Load() {
		decodeRequests.WithLabelValues(kind).Inc()
	}
}

func IncRequestError(kind string) {
	if regOK.Load() {
		decodeErrors.WithLabelValues(kind).Inc()
	}
}

func IncFrame() {
	if regOK.Load() {
		decodeFrames.Inc()
	}
}

func SetSessionsActive(n int) {
	if regOK.Load() {
		sessionsActive.Set(float64(n))
	}
}

func IncUndecodable() {
	if regOK.Load() {
		undecodable.Inc()
	}
}

func ObserveRequestDuration(kind string, seconds float64) {
	if regOK.Load() {
		requestDuration.WithLabelValues(kind).Observe(seconds)
	}
}
