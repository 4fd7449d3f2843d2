// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap runs the adapter's CoAP listeners on top of go-coap.
//
// # Listeners
//
// Two listeners share one request handler:
//
//	coap://  plain UDP, Config.Address (default :5683)
//	coaps:// DTLS, Config.DTLSAddress (default :5684), enabled by Config.DTLS
//
// Only the DTLS listener yields an authenticated peer. Requests received on
// the plain listener carry no peer principal and can only use the PUT flow.
//
// # Graceful Shutdown
//
// When the context is canceled every listener is stopped. Listen returns
// ErrShutdownTimeout if the listeners do not drain within
// Config.ShutdownTimeout.
//
// # Example
//
//	h := transport.NewHandler(table, 10*time.Second, m, logger)
//	srv := coap.New(coap.Config{Address: ":5683"}, h)
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package coap
