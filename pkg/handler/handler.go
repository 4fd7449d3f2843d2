// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	"github.com/frankhornung/hono/pkg/auth"
	"github.com/frankhornung/hono/pkg/device"
	"github.com/frankhornung/hono/pkg/metrics"
	"github.com/frankhornung/hono/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"go.opentelemetry.io/otel/trace"
)

// Exchange is the protocol independent view of one CoAP request.
type Exchange struct {
	// ID is a unique identifier for this exchange
	ID string

	// Method is the CoAP request code (POST or PUT)
	Method codes.Code

	// Path holds the URI path segments, starting with the endpoint name
	Path []string

	// Queries holds the URI query options
	Queries []string

	// Payload is the request body
	Payload []byte

	// ContentFormat is the media type of Payload, if set
	ContentFormat message.MediaType

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Peer is the identity established by DTLS, nil for plain CoAP
	Peer *auth.Principal
}

// Context carries everything an upload needs about a single request.
// It is created once per exchange after identity resolution succeeded.
type Context struct {
	// Exchange is the request being processed
	Exchange *Exchange

	// Resource is the addressed resource. For POST requests only the
	// endpoint is set; for PUT requests it carries the URI remainder.
	Resource resource.Identifier

	// Origin is the device the message is sent for
	Origin device.Device

	// Auth is the device that authenticated, if any
	Auth device.Auth

	// SpanContext continues the request trace in the upload pipeline
	SpanContext trace.SpanContext

	// Timer was started when the request was received
	Timer *metrics.Timer
}

// NewContext assembles the request context. All validation happened before.
func NewContext(ex *Exchange, id resource.Identifier, dev device.DeviceAndAuth, span trace.Span, timer *metrics.Timer) *Context {
	c := &Context{
		Exchange: ex,
		Resource: id,
		Origin:   dev.Origin,
		Auth:     dev.Auth,
		Timer:    timer,
	}
	if span != nil {
		c.SpanContext = span.SpanContext()
	}
	return c
}

// TraceContext returns ctx carrying the request's span context so spans
// started from it join the request trace.
func (c *Context) TraceContext(ctx context.Context) context.Context {
	if !c.SpanContext.IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, c.SpanContext)
}

// Uploader forwards validated messages to the messaging backend.
// The returned code is sent back to the device unchanged.
//
// Implementations must honour ctx cancellation: the exchange may be abandoned
// by the client or by the request timeout.
type Uploader interface {
	// UploadTelemetry forwards a telemetry message.
	UploadTelemetry(ctx context.Context, rc *Context) (codes.Code, error)

	// UploadEvent forwards an event message.
	UploadEvent(ctx context.Context, rc *Context) (codes.Code, error)

	// UploadCommandResponse forwards a device's response to a command.
	// origin and authenticated are also available from rc; they are passed
	// explicitly because command routing depends on them.
	UploadCommandResponse(ctx context.Context, rc *Context, origin device.Device, authenticated device.Auth) (codes.Code, error)
}

// NoopUploader is an Uploader implementation that accepts every message.
// Useful for testing or when no backend is configured.
type NoopUploader struct{}

var _ Uploader = (*NoopUploader)(nil)

func (u *NoopUploader) UploadTelemetry(ctx context.Context, rc *Context) (codes.Code, error) {
	return codes.Changed, nil
}

func (u *NoopUploader) UploadEvent(ctx context.Context, rc *Context) (codes.Code, error) {
	return codes.Changed, nil
}

func (u *NoopUploader) UploadCommandResponse(ctx context.Context, rc *Context, origin device.Device, authenticated device.Auth) (codes.Code, error) {
	return codes.Changed, nil
}
