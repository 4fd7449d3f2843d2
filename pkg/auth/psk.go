// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frankhornung/hono/pkg/credentials"
	"github.com/frankhornung/hono/pkg/errors"
)

// DefaultPSKLookupTimeout bounds the key lookup during a DTLS handshake.
const DefaultPSKLookupTimeout = 5 * time.Second

// PSKCallback returns the DTLS PSK callback resolving the identity sent by a
// client ("<auth-id>@<tenant>") to the secret stored for it. Handshakes of
// unknown, disabled or secret-less identities fail.
func PSKCallback(store credentials.Store, timeout time.Duration, logger *slog.Logger) func(identity []byte) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultPSKLookupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(identity []byte) ([]byte, error) {
		tenantID, authID, err := NewPSKPrincipal(string(identity)).AuthID()
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		c, err := lookup(ctx, store, tenantID, authID)
		if err != nil {
			logger.Debug("PSK lookup failed",
				slog.String("identity", string(identity)),
				slog.String("error", err.Error()))
			return nil, fmt.Errorf("no key for %q: %w", identity, errors.ErrUnauthorized)
		}
		if !c.IsEnabled() || c.Secret == "" {
			return nil, fmt.Errorf("no key for %q: %w", identity, errors.ErrForbidden)
		}
		return []byte(c.Secret), nil
	}
}
