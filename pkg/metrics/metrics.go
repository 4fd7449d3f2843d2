// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the CoAP adapter.
package metrics

import (
	"time"

	"github.com/frankhornung/hono/pkg/device"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload outcomes.
const (
	OutcomeAccepted      = "accepted"
	OutcomeRejected      = "rejected"
	OutcomeUnprocessable = "unprocessable"
	OutcomeAbandoned     = "abandoned"
)

// Unauthenticated is the tenant label of requests without a verified peer.
const Unauthenticated = "unauthenticated"

// TenantLabel returns the tenant label value for a request. Tenants claimed
// by unauthenticated requests are client input and never become labels.
func TenantLabel(a device.Auth) string {
	if d, ok := a.Device(); ok {
		return d.TenantID
	}
	return Unauthenticated
}

// Metrics holds all Prometheus metrics of the adapter.
type Metrics struct {
	// Exchange metrics
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	PayloadSize      *prometheus.HistogramVec

	// Resolution metrics
	AuthAttempts       *prometheus.CounterVec
	AuthFailures       *prometheus.CounterVec
	ResolutionFailures *prometheus.CounterVec

	// Upload metrics
	UploadsTotal   *prometheus.CounterVec
	UploadDuration *prometheus.HistogramVec

	// Backend protection
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
	RateLimitedRequests *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "hono_coap"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ExchangesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Total number of CoAP exchanges by endpoint, method and response code",
			},
			[]string{"endpoint", "method", "code"},
		),
		ExchangeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Time from receiving a request to sending its response",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint", "method"},
		),
		PayloadSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payload_size_bytes",
				Help:      "Request payload size in bytes",
				Buckets:   []float64{16, 64, 256, 1024, 4096, 16384, 65536},
			},
			[]string{"endpoint"},
		),
		AuthAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of peer identity authentications",
			},
			[]string{"kind"},
		),
		AuthFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of failed peer identity authentications",
			},
			[]string{"kind", "code"},
		),
		ResolutionFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolution_failures_total",
				Help:      "Total number of requests rejected before upload",
			},
			[]string{"endpoint", "code"},
		),
		UploadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Total number of forwarded messages by endpoint, authenticated tenant and outcome",
			},
			[]string{"endpoint", "tenant", "outcome"},
		),
		UploadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time spent processing a message until the upload completed",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
			[]string{"tenant"},
		),
	}
}

// Timer measures the processing time of a single request.
type Timer struct {
	start time.Time
}

// StartTimer starts a request timer.
func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer was started.
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.start)
}

// ObserveUpload records the outcome of an upload and the time since timer started.
func (m *Metrics) ObserveUpload(endpoint, tenant, outcome string, timer *Timer) {
	m.UploadsTotal.WithLabelValues(endpoint, tenant, outcome).Inc()
	m.UploadDuration.WithLabelValues(endpoint).Observe(timer.Elapsed().Seconds())
}

// ObserveExchange tracks an exchange lifecycle. f returns the response code label.
func (m *Metrics) ObserveExchange(endpoint, method string, f func() (string, error)) error {
	start := time.Now()

	code, err := f()
	duration := time.Since(start).Seconds()

	m.ExchangesTotal.WithLabelValues(endpoint, method, code).Inc()
	m.ExchangeDuration.WithLabelValues(endpoint, method).Observe(duration)

	return err
}
