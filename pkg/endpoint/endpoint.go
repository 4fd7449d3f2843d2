// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"log/slog"
	"sort"

	"github.com/frankhornung/hono/pkg/device"
	"github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/handler"
	"github.com/frankhornung/hono/pkg/identity"
	"github.com/frankhornung/hono/pkg/metrics"
	"github.com/frankhornung/hono/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Endpoint names, used as the first URI path segment.
const (
	Telemetry       = "telemetry"
	Event           = "event"
	CommandResponse = "command_response"
)

// UploadFunc forwards a message of one class.
type UploadFunc func(ctx context.Context, rc *handler.Context) (codes.Code, error)

// DeviceUploadFunc forwards a message and additionally receives the origin and
// authenticated device.
type DeviceUploadFunc func(ctx context.Context, rc *handler.Context, origin device.Device, authenticated device.Auth) (codes.Code, error)

// Entry binds an endpoint name to its upload operation.
// Exactly one of Upload and UploadWithDevices is set.
type Entry struct {
	Name              string
	Upload            UploadFunc
	UploadWithDevices DeviceUploadFunc
}

func (e Entry) upload(ctx context.Context, rc *handler.Context) (codes.Code, error) {
	if e.UploadWithDevices != nil {
		return e.UploadWithDevices(ctx, rc, rc.Origin, rc.Auth)
	}
	return e.Upload(ctx, rc)
}

// Entries returns the dispatch entries of the adapter's endpoints.
func Entries(u handler.Uploader) []Entry {
	return []Entry{
		{Name: Telemetry, Upload: u.UploadTelemetry},
		{Name: Event, Upload: u.UploadEvent},
		{Name: CommandResponse, UploadWithDevices: u.UploadCommandResponse},
	}
}

// Option configures a Table.
type Option func(*Table)

// WithTracer sets the tracer used for exchange spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Table) {
		t.tracer = tracer
	}
}

// WithMetrics sets the metrics the table reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) {
		t.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		t.logger = logger
	}
}

// Table is the immutable endpoint dispatch table. It is built once at startup
// and safe for concurrent use.
type Table struct {
	endpoints map[string]*Endpoint
	resolver  *identity.Resolver
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewTable creates a dispatch table for the given entries.
func NewTable(resolver *identity.Resolver, entries []Entry, opts ...Option) *Table {
	t := &Table{
		endpoints: make(map[string]*Endpoint, len(entries)),
		resolver:  resolver,
		tracer:    noop.NewTracerProvider().Tracer(""),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, e := range entries {
		t.endpoints[e.Name] = &Endpoint{entry: e, table: t}
	}
	return t
}

// Endpoint returns the endpoint registered under name.
func (t *Table) Endpoint(name string) (*Endpoint, bool) {
	e, ok := t.endpoints[name]
	return e, ok
}

// Names returns the registered endpoint names in lexical order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.endpoints))
	for name := range t.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle dispatches ex to the endpoint named by its first path segment,
// selecting the PUT or POST flow by its method.
func (t *Table) Handle(ctx context.Context, ex *handler.Exchange) (codes.Code, error) {
	if len(ex.Path) == 0 {
		return 0, errors.BadRequest("missing request URI")
	}
	e, ok := t.endpoints[ex.Path[0]]
	if !ok {
		return 0, errors.NewClientError(codes.NotFound, "unknown endpoint")
	}

	switch ex.Method {
	case codes.POST:
		return e.HandlePost(ctx, ex)
	case codes.PUT:
		return e.HandlePut(ctx, ex)
	default:
		return 0, errors.NewClientError(codes.MethodNotAllowed, "method not allowed")
	}
}

// Endpoint handles POST and PUT requests of one message class.
type Endpoint struct {
	entry Entry
	table *Table
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string {
	return e.entry.Name
}

// HandlePost handles a POST request. The device must be authenticated.
func (e *Endpoint) HandlePost(ctx context.Context, ex *handler.Exchange) (codes.Code, error) {
	return e.handle(ctx, ex, func(ctx context.Context) (resource.Identifier, device.DeviceAndAuth, error) {
		return e.table.resolver.ResolveResource(ctx, codes.POST, ex.Path, ex.Peer)
	})
}

// HandlePut handles a PUT request addressed by tenant and device in the URI.
func (e *Endpoint) HandlePut(ctx context.Context, ex *handler.Exchange) (codes.Code, error) {
	return e.handle(ctx, ex, func(ctx context.Context) (resource.Identifier, device.DeviceAndAuth, error) {
		return e.table.resolver.ResolveResource(ctx, codes.PUT, ex.Path, ex.Peer)
	})
}

func (e *Endpoint) handle(ctx context.Context, ex *handler.Exchange, resolve func(context.Context) (resource.Identifier, device.DeviceAndAuth, error)) (codes.Code, error) {
	t := e.table
	ctx, span := t.tracer.Start(ctx, e.entry.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("coap.method", ex.Method.String()),
			attribute.String("coap.exchange_id", ex.ID),
			attribute.String("net.peer.addr", ex.RemoteAddr),
		),
	)
	defer span.End()

	id, dev, err := resolve(ctx)
	if err != nil {
		e.fail(span, err)
		if t.metrics != nil {
			t.metrics.ResolutionFailures.WithLabelValues(e.entry.Name, errors.Code(err).String()).Inc()
		}
		t.logger.Debug("identity resolution failed",
			slog.String("endpoint", e.entry.Name),
			slog.String("exchange", ex.ID),
			slog.String("remote", ex.RemoteAddr),
			slog.String("error", err.Error()))
		return 0, err
	}

	span.SetAttributes(
		attribute.String("coap.resource", id.Path()),
		attribute.String("tenant_id", dev.Origin.TenantID),
		attribute.String("device_id", dev.Origin.DeviceID),
		attribute.Bool("authenticated", dev.Auth.IsAuthenticated()),
	)
	if authDev, ok := dev.Auth.Device(); ok && dev.OnBehalfOf() {
		span.SetAttributes(attribute.String("gateway_id", authDev.DeviceID))
	}

	rc := handler.NewContext(ex, id, dev, span, metrics.StartTimer())

	if err := ctx.Err(); err != nil {
		e.fail(span, err)
		e.observe(rc, metrics.OutcomeAbandoned)
		return 0, err
	}

	code, err := e.entry.upload(ctx, rc)
	if err != nil {
		e.fail(span, err)
		e.observe(rc, outcome(err))
		return code, err
	}

	span.SetAttributes(attribute.String("coap.response_code", code.String()))
	e.observe(rc, metrics.OutcomeAccepted)
	return code, nil
}

func (e *Endpoint) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

func (e *Endpoint) observe(rc *handler.Context, outcome string) {
	if e.table.metrics == nil {
		return
	}
	e.table.metrics.ObserveUpload(e.entry.Name, metrics.TenantLabel(rc.Auth), outcome, rc.Timer)
	e.table.metrics.PayloadSize.WithLabelValues(e.entry.Name).Observe(float64(len(rc.Exchange.Payload)))
}

func outcome(err error) string {
	code := errors.Code(err)
	switch {
	case code == codes.ServiceUnavailable || code == codes.GatewayTimeout:
		return metrics.OutcomeAbandoned
	case code >= codes.BadRequest && code < codes.InternalServerError:
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeUnprocessable
	}
}
