// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"crypto/x509"
	"fmt"
	"net"

	"github.com/frankhornung/hono/pkg/auth"
	"github.com/frankhornung/hono/pkg/errors"
	"github.com/pion/dtls/v3"
)

type connectionState interface {
	ConnectionState() (dtls.State, bool)
}

// PeerFromConn returns the principal established by the DTLS handshake of c,
// or nil if c is not a DTLS connection or carries no identity.
func PeerFromConn(c net.Conn) (*auth.Principal, error) {
	if c == nil {
		return nil, nil
	}
	sc, ok := c.(connectionState)
	if !ok {
		return nil, nil
	}
	state, ok := sc.ConnectionState()
	if !ok {
		return nil, nil
	}
	return PeerFromState(&state)
}

// PeerFromState extracts the principal from a completed handshake. A PSK
// identity takes precedence over a client certificate.
func PeerFromState(state *dtls.State) (*auth.Principal, error) {
	if state == nil {
		return nil, nil
	}
	if len(state.IdentityHint) > 0 {
		return auth.NewPSKPrincipal(string(state.IdentityHint)), nil
	}
	if len(state.PeerCertificates) > 0 {
		cert, err := x509.ParseCertificate(state.PeerCertificates[0])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid client certificate: %v", errors.ErrUnauthorized, err)
		}
		return auth.NewCertPrincipal(cert), nil
	}
	return nil, nil
}
