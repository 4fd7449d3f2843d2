// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/frankhornung/hono/pkg/device"
	"github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/resource"
)

// Kind is the mechanism a peer used to prove its identity.
type Kind int

const (
	// PSK is a DTLS pre-shared key identity of the form "<auth-id>@<tenant>".
	PSK Kind = iota

	// X509 is a DTLS client certificate.
	X509
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case PSK:
		return "psk"
	case X509:
		return "x509"
	default:
		return "unknown"
	}
}

// Principal is the identity presented by the transport layer.
type Principal struct {
	Kind Kind

	// Name is the raw identity: the PSK identity or the certificate subject.
	Name string

	// Cert is the leaf client certificate for X509 principals.
	Cert *x509.Certificate
}

// NewPSKPrincipal creates a principal from a DTLS PSK identity.
func NewPSKPrincipal(identity string) *Principal {
	return &Principal{Kind: PSK, Name: identity}
}

// NewCertPrincipal creates a principal from a client certificate.
func NewCertPrincipal(cert *x509.Certificate) *Principal {
	return &Principal{Kind: X509, Name: cert.Subject.String(), Cert: cert}
}

// AuthID splits the principal into the tenant and the tenant scoped
// authentication id used to look up credentials. Both must be well formed
// identifiers.
func (p *Principal) AuthID() (tenantID, authID string, err error) {
	switch p.Kind {
	case PSK:
		idx := strings.LastIndex(p.Name, "@")
		if idx <= 0 || idx == len(p.Name)-1 {
			return "", "", fmt.Errorf("malformed PSK identity %q: %w", p.Name, errors.ErrUnauthorized)
		}
		tenantID, authID = p.Name[idx+1:], p.Name[:idx]
	case X509:
		if p.Cert == nil || p.Cert.Subject.CommonName == "" || len(p.Cert.Subject.Organization) == 0 {
			return "", "", fmt.Errorf("certificate subject %q lacks CN or O: %w", p.Name, errors.ErrUnauthorized)
		}
		tenantID, authID = p.Cert.Subject.Organization[0], p.Cert.Subject.CommonName
	default:
		return "", "", errors.ErrUnauthorized
	}

	if !resource.ValidID(tenantID) || !resource.ValidID(authID) {
		return "", "", fmt.Errorf("invalid identity %q: %w", p.Name, errors.ErrUnauthorized)
	}
	return tenantID, authID, nil
}

// Authenticator resolves a transport peer identity into a verified device.
type Authenticator interface {
	// Authenticate returns the device the principal belongs to.
	// A nil principal always fails with an error wrapping errors.ErrUnauthorized.
	Authenticate(ctx context.Context, p *Principal) (device.Device, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, p *Principal) (device.Device, error)

// Authenticate calls f(ctx, p).
func (f AuthenticatorFunc) Authenticate(ctx context.Context, p *Principal) (device.Device, error) {
	return f(ctx, p)
}
