// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the CoAP endpoints to the
// messaging backend.
//
// # Data Flow
//
//	Device → CoAP server → Exchange → identity resolution → Context → Uploader → Backend
//
// # Context
//
// The Context struct carries the resolved request state to the Uploader:
//   - Exchange: path, payload, content format and peer of the request
//   - Resource: the addressed endpoint, tenant, device and URI remainder
//   - Origin: the device the message is sent for
//   - Auth: the device that proved its identity, or unauthenticated
//   - SpanContext: the request span, to continue the trace downstream
//   - Timer: started when the request arrived, for upload metrics
//
// # Implementation
//
// Applications implement the Uploader interface to forward messages to their
// backend. The NoopUploader accepts everything and is meant for tests.
//
// # Example
//
//	type MyUploader struct {
//		producer Producer
//	}
//
//	func (u *MyUploader) UploadTelemetry(ctx context.Context, rc *handler.Context) (codes.Code, error) {
//		if err := u.producer.Send(ctx, rc.Origin, rc.Exchange.Payload); err != nil {
//			return 0, err
//		}
//		return codes.Changed, nil
//	}
package handler
