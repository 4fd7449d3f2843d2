// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/frankhornung/hono/pkg/auth"
	"github.com/frankhornung/hono/pkg/device"
	"github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/metrics"
)

// InstrumentedAuthenticator wraps an authenticator with metrics instrumentation.
type InstrumentedAuthenticator struct {
	authn   auth.Authenticator
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ auth.Authenticator = (*InstrumentedAuthenticator)(nil)

// Authenticate implements auth.Authenticator with metrics.
func (a *InstrumentedAuthenticator) Authenticate(ctx context.Context, p *auth.Principal) (device.Device, error) {
	kind := "none"
	if p != nil {
		kind = p.Kind.String()
	}
	a.metrics.AuthAttempts.WithLabelValues(kind).Inc()

	d, err := a.authn.Authenticate(ctx, p)
	if err != nil {
		code := errors.Code(err)
		a.metrics.AuthFailures.WithLabelValues(kind, code.String()).Inc()
		a.logger.Info("authentication failed",
			slog.String("kind", kind),
			slog.String("code", code.String()),
			slog.String("error", err.Error()))
		return device.Device{}, err
	}
	return d, nil
}
