// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package endpoint dispatches CoAP requests to the message class uploads.
//
// # Endpoints
//
//	/telemetry          → Uploader.UploadTelemetry
//	/event              → Uploader.UploadEvent
//	/command_response   → Uploader.UploadCommandResponse (origin and auth passed explicitly)
//
// Every endpoint accepts POST and PUT:
//
//	POST /telemetry                          device authenticated by DTLS, origin = authenticated device
//	PUT  /telemetry/<tenant>/<device>[/...]  origin from the URI, DTLS optional
//
// # Request lifecycle
//
//	Received → Resolving → ResolutionFailed
//	                     → Resolved → Dispatched → UploadSucceeded | UploadFailed
//
// A resolution failure is returned as is and the upload is never invoked. The
// upload's response code or error is returned unchanged.
//
// The Table is built once from a list of Entry values and never modified, so
// it is shared by all server goroutines without locking.
package endpoint
