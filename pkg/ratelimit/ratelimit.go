// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits the message rate of individual devices.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/frankhornung/hono/pkg/device"
	"github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/handler"
	"github.com/frankhornung/hono/pkg/metrics"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"golang.org/x/time/rate"
)

// Config holds the per device rate limit.
type Config struct {
	// Rate is the sustained number of messages per second. Zero disables limiting.
	Rate float64 `env:"RATE"        envDefault:"0"`
	// Burst is the number of messages accepted at once.
	Burst int `env:"BURST"       envDefault:"20"`
	// MaxDevices bounds the number of tracked devices.
	MaxDevices int `env:"MAX_DEVICES" envDefault:"10000"`
}

const cleanupInterval = 5 * time.Minute

// Limiter manages per-client token buckets.
type Limiter struct {
	mu           sync.RWMutex
	limiters     map[string]*rate.Limiter
	limit        rate.Limit
	burst        int
	maxClients   int
	cleanupTimer *time.Timer
	closed       bool
}

// NewLimiter creates a limiter allowing r events per second with the given
// burst for every client.
func NewLimiter(r float64, burst, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}
	if burst <= 0 {
		burst = 1
	}

	l := &Limiter{
		limiters:   make(map[string]*rate.Limiter),
		limit:      rate.Limit(r),
		burst:      burst,
		maxClients: maxClients,
	}
	l.cleanupTimer = time.AfterFunc(cleanupInterval, l.cleanup)

	return l
}

// Allow reports whether an event of clientID may happen now.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.RLock()
	lim, exists := l.limiters[clientID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		lim, exists = l.limiters[clientID]
		if !exists {
			if len(l.limiters) >= l.maxClients {
				l.mu.Unlock()
				return false
			}
			lim = rate.NewLimiter(l.limit, l.burst)
			l.limiters[clientID] = lim
		}
		l.mu.Unlock()
	}

	return lim.Allow()
}

func (l *Limiter) cleanup() {
	l.prune(time.Now())

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.cleanupTimer = time.AfterFunc(cleanupInterval, l.cleanup)
}

// prune drops limiters whose bucket is full at now. A full bucket holds no
// state a fresh limiter would not have.
func (l *Limiter) prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, k)
		}
	}
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the cleanup timer. A cleanup in progress does not re-arm it.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
	}
}

// Uploader rejects uploads of devices exceeding their rate with
// errors.ErrRateLimited. The origin device is the limited party.
type Uploader struct {
	next    handler.Uploader
	limiter *Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ handler.Uploader = (*Uploader)(nil)

// NewUploader wraps next with limiter. m may be nil.
func NewUploader(next handler.Uploader, limiter *Limiter, m *metrics.Metrics, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{next: next, limiter: limiter, metrics: m, logger: logger}
}

// UploadTelemetry implements handler.Uploader.
func (u *Uploader) UploadTelemetry(ctx context.Context, rc *handler.Context) (codes.Code, error) {
	if err := u.allow(rc.Origin, rc.Auth); err != nil {
		return 0, err
	}
	return u.next.UploadTelemetry(ctx, rc)
}

// UploadEvent implements handler.Uploader.
func (u *Uploader) UploadEvent(ctx context.Context, rc *handler.Context) (codes.Code, error) {
	if err := u.allow(rc.Origin, rc.Auth); err != nil {
		return 0, err
	}
	return u.next.UploadEvent(ctx, rc)
}

// UploadCommandResponse implements handler.Uploader.
func (u *Uploader) UploadCommandResponse(ctx context.Context, rc *handler.Context, origin device.Device, authenticated device.Auth) (codes.Code, error) {
	if err := u.allow(origin, authenticated); err != nil {
		return 0, err
	}
	return u.next.UploadCommandResponse(ctx, rc, origin, authenticated)
}

func (u *Uploader) allow(d device.Device, a device.Auth) error {
	if u.limiter.Allow(d.String()) {
		return nil
	}
	u.logger.Debug("rate limit exceeded", slog.String("device", d.String()))
	if u.metrics != nil {
		u.metrics.RateLimitedRequests.WithLabelValues(metrics.TenantLabel(a)).Inc()
	}
	return errors.ErrRateLimited
}
