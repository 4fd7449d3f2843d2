// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/frankhornung/hono/pkg/credentials"
	"github.com/frankhornung/hono/pkg/device"
	adaptererrors "github.com/frankhornung/hono/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	entries map[string]credentials.Credentials
	err     error
}

func (m *mockStore) Get(ctx context.Context, tenantID, authID string) (credentials.Credentials, error) {
	if m.err != nil {
		return credentials.Credentials{}, m.err
	}
	c, ok := m.entries[tenantID+"/"+authID]
	if !ok {
		return credentials.Credentials{}, credentials.ErrNotFound
	}
	return c, nil
}

func TestPrincipal_AuthID(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "sensor1", Organization: []string{"DEFAULT_TENANT"}}}
	noOrg := &x509.Certificate{Subject: pkix.Name{CommonName: "sensor1"}}
	slashOrg := &x509.Certificate{Subject: pkix.Name{CommonName: "sensor1", Organization: []string{"a/b"}}}

	tests := []struct {
		name     string
		p        *Principal
		tenantID string
		authID   string
		wantErr  bool
	}{
		{name: "psk", p: NewPSKPrincipal("sensor1@DEFAULT_TENANT"), tenantID: "DEFAULT_TENANT", authID: "sensor1"},
		{name: "psk with @ in auth id", p: NewPSKPrincipal("a@b@T"), tenantID: "T", authID: "a@b"},
		{name: "psk without tenant", p: NewPSKPrincipal("sensor1"), wantErr: true},
		{name: "psk empty auth id", p: NewPSKPrincipal("@T"), wantErr: true},
		{name: "psk empty tenant", p: NewPSKPrincipal("sensor1@"), wantErr: true},
		{name: "psk tenant with slash", p: NewPSKPrincipal("c@a/b"), wantErr: true},
		{name: "psk auth id with slash", p: NewPSKPrincipal("b/c@a"), wantErr: true},
		{name: "psk auth id with space", p: NewPSKPrincipal("sensor 1@T"), wantErr: true},
		{name: "cert", p: NewCertPrincipal(cert), tenantID: "DEFAULT_TENANT", authID: "sensor1"},
		{name: "cert without organization", p: NewCertPrincipal(noOrg), wantErr: true},
		{name: "cert organization with slash", p: NewCertPrincipal(slashOrg), wantErr: true},
		{name: "unknown kind", p: &Principal{Kind: Kind(7)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenantID, authID, err := tt.p.AuthID()
			if tt.wantErr {
				assert.ErrorIs(t, err, adaptererrors.ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.tenantID, tenantID)
			assert.Equal(t, tt.authID, authID)
		})
	}
}

func TestCredentialsAuthenticator(t *testing.T) {
	disabled := false
	store := &mockStore{entries: map[string]credentials.Credentials{
		"DEFAULT_TENANT/sensor1": {TenantID: "DEFAULT_TENANT", AuthID: "sensor1", DeviceID: "4711"},
		"DEFAULT_TENANT/retired": {TenantID: "DEFAULT_TENANT", AuthID: "retired", DeviceID: "4712", Enabled: &disabled},
	}}
	a := NewCredentialsAuthenticator(store, nil)
	ctx := context.Background()

	d, err := a.Authenticate(ctx, NewPSKPrincipal("sensor1@DEFAULT_TENANT"))
	require.NoError(t, err)
	assert.Equal(t, device.New("DEFAULT_TENANT", "4711"), d)

	_, err = a.Authenticate(ctx, nil)
	assert.ErrorIs(t, err, adaptererrors.ErrUnauthorized)

	_, err = a.Authenticate(ctx, NewPSKPrincipal("unknown@DEFAULT_TENANT"))
	assert.ErrorIs(t, err, adaptererrors.ErrUnauthorized)

	_, err = a.Authenticate(ctx, NewPSKPrincipal("retired@DEFAULT_TENANT"))
	assert.ErrorIs(t, err, adaptererrors.ErrForbidden)

	refused := errors.New("connection refused")
	failing := NewCredentialsAuthenticator(&mockStore{err: refused}, nil)
	_, err = failing.Authenticate(ctx, NewPSKPrincipal("sensor1@DEFAULT_TENANT"))
	assert.ErrorIs(t, err, adaptererrors.ErrBackendUnavailable)
	assert.ErrorIs(t, err, refused)
}

func TestCredentialsAuthenticator_LookupTimeout(t *testing.T) {
	store := &mockStore{err: fmt.Errorf("failed to read credentials: %w", context.DeadlineExceeded)}
	a := NewCredentialsAuthenticator(store, nil)

	_, err := a.Authenticate(context.Background(), NewPSKPrincipal("sensor1@DEFAULT_TENANT"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, codes.GatewayTimeout, adaptererrors.Code(err))
}

func TestCredentialsAuthenticator_TenantBinding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.yaml")
	doc := `credentials:
  - tenant: a
    auth-id: b/c
    device-id: dev1
    secret: s
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	fs, err := credentials.NewFileStore(path, nil)
	require.NoError(t, err)

	a := NewCredentialsAuthenticator(fs, nil)
	_, err = a.Authenticate(context.Background(), NewPSKPrincipal("c@a/b"))
	assert.ErrorIs(t, err, adaptererrors.ErrUnauthorized)

	_, err = PSKCallback(fs, 0, nil)([]byte("c@a/b"))
	assert.ErrorIs(t, err, adaptererrors.ErrUnauthorized)

	// A store answering with a record of another tenant is not trusted.
	mismatched := &mockStore{entries: map[string]credentials.Credentials{
		"t1/sensor1": {TenantID: "t2", AuthID: "sensor1", DeviceID: "4711", Secret: "k"},
	}}
	_, err = NewCredentialsAuthenticator(mismatched, nil).Authenticate(context.Background(), NewPSKPrincipal("sensor1@t1"))
	assert.ErrorIs(t, err, adaptererrors.ErrUnauthorized)

	_, err = PSKCallback(mismatched, 0, nil)([]byte("sensor1@t1"))
	assert.ErrorIs(t, err, adaptererrors.ErrUnauthorized)
}

func TestAuthenticatorFunc(t *testing.T) {
	want := device.New("t", "d")
	var a Authenticator = AuthenticatorFunc(func(ctx context.Context, p *Principal) (device.Device, error) {
		return want, nil
	})
	got, err := a.Authenticate(context.Background(), NewPSKPrincipal("x@t"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
