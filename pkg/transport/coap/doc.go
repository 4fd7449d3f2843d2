// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap adapts go-coap requests to adapter exchanges.
//
// # Request conversion
//
// Every request is converted into a handler.Exchange before dispatch:
//
//	URI-Path options   → Exchange.Path (empty segments dropped)
//	URI-Query options  → Exchange.Queries
//	Content-Format     → Exchange.ContentFormat
//	payload            → Exchange.Payload (at most MaxPayloadSize bytes)
//	DTLS handshake     → Exchange.Peer
//
// # Peer identity
//
// The peer principal is taken from the pion/dtls connection state once the
// handshake completed. A PSK identity wins over a client certificate. Plain
// UDP connections have no peer.
//
// # Responses
//
// Errors are answered with the code from errors.Code and a text/plain
// diagnostic payload. Successful uploads are answered with the code returned
// by the upload, 2.04 Changed if none was given.
package coap
