// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth turns the peer identity established by DTLS into a device.
//
// A Principal is what the transport layer knows about the peer: the PSK
// identity it used during the handshake, or its client certificate. The
// Authenticator interface is the boundary to whatever holds device
// credentials. CredentialsAuthenticator implements it on top of a
// credentials.Store.
//
// # Identity formats
//
//   - PSK identity: "<auth-id>@<tenant-id>"
//   - X.509 certificate: CN = auth id, first O = tenant id
//
// Every failure wraps errors.ErrUnauthorized or errors.ErrForbidden so the
// adapter can map it to 4.01 or 4.03.
package auth
