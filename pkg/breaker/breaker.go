// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker protects the upload backend with a circuit breaker.
package breaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frankhornung/hono/pkg/device"
	"github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/handler"
	"github.com/frankhornung/hono/pkg/metrics"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the circuit breaker rejects uploads.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", errors.ErrBackendUnavailable)

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures uint32 `env:"MAX_FAILURES"      envDefault:"5"`
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration `env:"RESET_TIMEOUT"     envDefault:"30s"`
	// SuccessThreshold is the number of requests let through in HalfOpen.
	SuccessThreshold uint32 `env:"SUCCESS_THRESHOLD" envDefault:"2"`
}

// Uploader guards the uploads of the wrapped uploader with one breaker.
type Uploader struct {
	next    handler.Uploader
	cb      *gobreaker.CircuitBreaker
	name    string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ handler.Uploader = (*Uploader)(nil)

// New wraps next with a circuit breaker named name. m may be nil.
func New(name string, next handler.Uploader, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Uploader {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	u := &Uploader{
		next:    next,
		name:    name,
		metrics: m,
		logger:  logger,
	}
	u.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful:  isSuccessful,
		OnStateChange: u.onStateChange,
	})
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	}
	return u
}

// State returns the current breaker state.
func (u *Uploader) State() gobreaker.State {
	return u.cb.State()
}

// UploadTelemetry implements handler.Uploader.
func (u *Uploader) UploadTelemetry(ctx context.Context, rc *handler.Context) (codes.Code, error) {
	return u.execute(func() (codes.Code, error) {
		return u.next.UploadTelemetry(ctx, rc)
	})
}

// UploadEvent implements handler.Uploader.
func (u *Uploader) UploadEvent(ctx context.Context, rc *handler.Context) (codes.Code, error) {
	return u.execute(func() (codes.Code, error) {
		return u.next.UploadEvent(ctx, rc)
	})
}

// UploadCommandResponse implements handler.Uploader.
func (u *Uploader) UploadCommandResponse(ctx context.Context, rc *handler.Context, origin device.Device, authenticated device.Auth) (codes.Code, error) {
	return u.execute(func() (codes.Code, error) {
		return u.next.UploadCommandResponse(ctx, rc, origin, authenticated)
	})
}

func (u *Uploader) execute(fn func() (codes.Code, error)) (codes.Code, error) {
	res, err := u.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, ErrCircuitOpen
	}
	code, _ := res.(codes.Code)
	return code, err
}

func (u *Uploader) onStateChange(name string, from, to gobreaker.State) {
	u.logger.Warn("circuit breaker state change",
		slog.String("backend", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if u.metrics == nil {
		return
	}
	u.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	if to == gobreaker.StateOpen {
		u.metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
	}
}

// isSuccessful counts only backend failures against the breaker. Rejections
// caused by the request or the caller leave the backend's record untouched.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	return !stderrors.Is(err, errors.ErrBackendUnavailable) && !stderrors.Is(err, errors.ErrTimeout)
}
