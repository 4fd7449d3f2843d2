// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/frankhornung/hono/pkg/credentials"
	"github.com/frankhornung/hono/pkg/device"
	"github.com/frankhornung/hono/pkg/errors"
)

var _ Authenticator = (*CredentialsAuthenticator)(nil)

// CredentialsAuthenticator authenticates principals against a credentials store.
type CredentialsAuthenticator struct {
	store  credentials.Store
	logger *slog.Logger
}

// NewCredentialsAuthenticator creates an authenticator backed by store.
func NewCredentialsAuthenticator(store credentials.Store, logger *slog.Logger) *CredentialsAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialsAuthenticator{store: store, logger: logger}
}

// Authenticate implements Authenticator.
func (a *CredentialsAuthenticator) Authenticate(ctx context.Context, p *Principal) (device.Device, error) {
	if p == nil {
		return device.Device{}, fmt.Errorf("no peer identity: %w", errors.ErrUnauthorized)
	}
	tenantID, authID, err := p.AuthID()
	if err != nil {
		return device.Device{}, err
	}

	c, err := lookup(ctx, a.store, tenantID, authID)
	switch {
	case stderrors.Is(err, credentials.ErrNotFound):
		a.logger.Debug("no credentials for peer",
			slog.String("tenant", tenantID),
			slog.String("auth_id", authID),
			slog.String("kind", p.Kind.String()))
		return device.Device{}, fmt.Errorf("unknown auth id %s@%s: %w", authID, tenantID, errors.ErrUnauthorized)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return device.Device{}, errors.Wrap(err, "credentials lookup failed")
	case err != nil:
		return device.Device{}, fmt.Errorf("%w: credentials lookup failed: %w", errors.ErrBackendUnavailable, err)
	case !c.IsEnabled():
		return device.Device{}, fmt.Errorf("device %s/%s is disabled: %w", tenantID, c.DeviceID, errors.ErrForbidden)
	}

	return device.New(c.TenantID, c.DeviceID), nil
}

// lookup returns the credentials of authID in tenantID. A record bound to a
// different tenant or auth id is reported as not found.
func lookup(ctx context.Context, store credentials.Store, tenantID, authID string) (credentials.Credentials, error) {
	c, err := store.Get(ctx, tenantID, authID)
	if err != nil {
		return credentials.Credentials{}, err
	}
	if c.TenantID != tenantID || c.AuthID != authID {
		return credentials.Credentials{}, credentials.ErrNotFound
	}
	return c, nil
}
