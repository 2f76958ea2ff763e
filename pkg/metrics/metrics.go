// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Session lifecycle
	ActiveSessions    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram

	// TLS
	TLSHandshakes *prometheus.CounterVec

	// Cache
	CacheOutcomes *prometheus.CounterVec

	// Single-flight coordinator
	CoordinatorRoles *prometheus.CounterVec

	// Backend
	BackendConnectErrors prometheus.Counter
	BackendActiveConns   prometheus.Gauge

	// Circuit breaker (Tier-2 resilience)
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	// Rate limiting
	RateLimitedConnections prometheus.Counter

	// Upstream pre-warm pool
	PoolWarmConnections prometheus.Gauge
	PoolDialErrors      prometheus.Counter
}

// New creates a new Metrics instance with all counters, gauges, and
// histograms registered under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pgproxy"
	}

	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently active client sessions",
		}),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions accepted",
			},
			[]string{"outcome"},
		),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800},
		}),
		TLSHandshakes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_handshakes_total",
				Help:      "Total number of TLS handshakes by side and outcome",
			},
			[]string{"side", "outcome"},
		),
		CacheOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_outcomes_total",
				Help:      "Total number of query cache outcomes",
			},
			[]string{"outcome"}, // hit, leader, waiter
		),
		CoordinatorRoles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coordinator_roles_total",
				Help:      "Total number of single-flight role assignments",
			},
			[]string{"role"}, // leader, waiter
		),
		BackendConnectErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connect_errors_total",
			Help:      "Total number of failed upstream database connection attempts",
		}),
		BackendActiveConns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_active_connections",
			Help:      "Number of currently open upstream database connections",
		}),
		CircuitBreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_tier2_circuit_breaker_state",
			Help:      "Tier-2 cache circuit breaker state (0=closed, 1=half_open, 2=open)",
		}),
		CircuitBreakerTrips: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_tier2_circuit_breaker_trips_total",
			Help:      "Total number of Tier-2 cache circuit breaker trips",
		}),
		RateLimitedConnections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_connections_total",
			Help:      "Total number of connections rejected by the per-IP rate limiter",
		}),
		PoolWarmConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_pool_warm_connections",
			Help:      "Number of pre-dialed upstream connections currently held by the pool",
		}),
		PoolDialErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_pool_dial_errors_total",
			Help:      "Total number of failed pre-warm dial attempts",
		}),
	}
}

// ObserveSession tracks a session's lifecycle: active gauge, duration
// histogram, and a terminal outcome counter.
func (m *Metrics) ObserveSession(f func() (outcome string, err error)) error {
	m.ActiveSessions.Inc()
	defer m.ActiveSessions.Dec()

	start := time.Now()
	outcome, err := f()
	m.SessionDuration.Observe(time.Since(start).Seconds())
	m.SessionsTotal.WithLabelValues(outcome).Inc()

	return err
}
