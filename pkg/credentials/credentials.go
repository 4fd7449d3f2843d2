// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package credentials stores the mapping from tenant scoped authentication
// ids to devices.
package credentials

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no credentials exist for an auth id.
var ErrNotFound = errors.New("credentials not found")

// Credentials binds an authentication id to a device.
type Credentials struct {
	TenantID string `yaml:"tenant"`
	AuthID   string `yaml:"auth-id"`
	DeviceID string `yaml:"device-id"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
	// Secret is the pre-shared key used in DTLS PSK handshakes.
	Secret string `yaml:"secret,omitempty"`
}

// IsEnabled reports whether the device may connect. Credentials are enabled
// unless explicitly disabled.
func (c Credentials) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Store looks up credentials.
type Store interface {
	// Get returns the credentials of authID in tenantID or ErrNotFound.
	Get(ctx context.Context, tenantID, authID string) (Credentials, error)
}

func key(tenantID, authID string) string {
	return tenantID + "/" + authID
}
