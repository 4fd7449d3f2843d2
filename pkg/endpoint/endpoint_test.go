// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/frankhornung/hono/pkg/auth"
	"github.com/frankhornung/hono/pkg/device"
	adaptererrors "github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/handler"
	"github.com/frankhornung/hono/pkg/identity"
	"github.com/frankhornung/hono/pkg/metrics"
	"github.com/frankhornung/hono/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type uploadCall struct {
	class         string
	rc            *handler.Context
	origin        device.Device
	authenticated device.Auth
}

type mockUploader struct {
	mu    sync.Mutex
	code  codes.Code
	err   error
	calls []uploadCall
}

func (m *mockUploader) record(c uploadCall) (codes.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	return m.code, m.err
}

func (m *mockUploader) UploadTelemetry(ctx context.Context, rc *handler.Context) (codes.Code, error) {
	return m.record(uploadCall{class: Telemetry, rc: rc})
}

func (m *mockUploader) UploadEvent(ctx context.Context, rc *handler.Context) (codes.Code, error) {
	return m.record(uploadCall{class: Event, rc: rc})
}

func (m *mockUploader) UploadCommandResponse(ctx context.Context, rc *handler.Context, origin device.Device, authenticated device.Auth) (codes.Code, error) {
	return m.record(uploadCall{class: CommandResponse, rc: rc, origin: origin, authenticated: authenticated})
}

var peers = map[string]device.Device{
	"d@t":        device.New("t", "d"),
	"gw@tenantX": device.New("tenantX", "deviceY"),
}

func authenticator() auth.Authenticator {
	return auth.AuthenticatorFunc(func(ctx context.Context, p *auth.Principal) (device.Device, error) {
		if p == nil {
			return device.Device{}, adaptererrors.ErrUnauthorized
		}
		d, ok := peers[p.Name]
		if !ok {
			return device.Device{}, adaptererrors.ErrUnauthorized
		}
		return d, nil
	})
}

func newTable(u *mockUploader, opts ...Option) *Table {
	return NewTable(identity.NewResolver(authenticator()), Entries(u), opts...)
}

func TestTable_Names(t *testing.T) {
	table := newTable(&mockUploader{})
	assert.Equal(t, []string{CommandResponse, Event, Telemetry}, table.Names())

	e, ok := table.Endpoint(Event)
	require.True(t, ok)
	assert.Equal(t, Event, e.Name())

	_, ok = table.Endpoint("control")
	assert.False(t, ok)
}

func TestPutTelemetryUnauthenticated(t *testing.T) {
	u := &mockUploader{code: codes.Changed}
	table := newTable(u)

	ex := &handler.Exchange{ID: "1", Method: codes.PUT, Path: []string{"telemetry", "tenant1", "device1"}, Payload: []byte("21.5")}
	code, err := table.Handle(context.Background(), ex)
	require.NoError(t, err)
	assert.Equal(t, codes.Changed, code)

	require.Len(t, u.calls, 1)
	call := u.calls[0]
	assert.Equal(t, Telemetry, call.class)
	assert.Equal(t, device.New("tenant1", "device1"), call.rc.Origin)
	assert.Equal(t, device.Unauthenticated(), call.rc.Auth)
	assert.Same(t, ex, call.rc.Exchange)
	assert.NotNil(t, call.rc.Timer)
}

func TestPostCommandResponseAuthenticated(t *testing.T) {
	u := &mockUploader{code: codes.Changed}
	table := newTable(u)

	ex := &handler.Exchange{ID: "2", Method: codes.POST, Path: []string{"command_response"}, Peer: auth.NewPSKPrincipal("d@t")}
	code, err := table.Handle(context.Background(), ex)
	require.NoError(t, err)
	assert.Equal(t, codes.Changed, code)

	require.Len(t, u.calls, 1)
	call := u.calls[0]
	want := device.New("t", "d")
	assert.Equal(t, CommandResponse, call.class)
	assert.Equal(t, want, call.origin)
	assert.Equal(t, device.Authenticated(want), call.authenticated)
	assert.Equal(t, want, call.rc.Origin)
}

func TestPutCommandResponseOnBehalfOf(t *testing.T) {
	u := &mockUploader{code: codes.Changed}
	table := newTable(u)

	ex := &handler.Exchange{Method: codes.PUT, Path: []string{"command_response", "tenant1", "device1", "req-42"}, Peer: auth.NewPSKPrincipal("gw@tenantX")}
	_, err := table.Handle(context.Background(), ex)
	require.NoError(t, err)

	require.Len(t, u.calls, 1)
	assert.Equal(t, device.New("tenant1", "device1"), u.calls[0].origin)
	assert.Equal(t, device.Authenticated(device.New("tenantX", "deviceY")), u.calls[0].authenticated)
}

func TestPutRemainderReachesUpload(t *testing.T) {
	u := &mockUploader{code: codes.Changed}
	table := newTable(u)

	ex := &handler.Exchange{Method: codes.PUT, Path: []string{"command_response", "tenant1", "device1", "req-42", "200"}}
	_, err := table.Handle(context.Background(), ex)
	require.NoError(t, err)

	require.Len(t, u.calls, 1)
	id := u.calls[0].rc.Resource
	assert.Equal(t, CommandResponse, id.Endpoint)
	assert.Equal(t, []string{"req-42", "200"}, id.Remainder)
	assert.Equal(t, "command_response/tenant1/device1/req-42/200", id.Path())
}

func TestPostResourceHoldsEndpoint(t *testing.T) {
	u := &mockUploader{code: codes.Changed}
	table := newTable(u)

	ex := &handler.Exchange{Method: codes.POST, Path: []string{"telemetry"}, Peer: auth.NewPSKPrincipal("d@t")}
	_, err := table.Handle(context.Background(), ex)
	require.NoError(t, err)

	require.Len(t, u.calls, 1)
	assert.Equal(t, resource.Identifier{Endpoint: Telemetry}, u.calls[0].rc.Resource)
}

func TestResolutionFailurePreventsUpload(t *testing.T) {
	tests := []struct {
		name string
		ex   *handler.Exchange
		code codes.Code
		msg  string
	}{
		{
			name: "post without peer",
			ex:   &handler.Exchange{Method: codes.POST, Path: []string{"telemetry"}},
			code: codes.Unauthorized,
		},
		{
			name: "post with unknown peer",
			ex:   &handler.Exchange{Method: codes.POST, Path: []string{"event"}, Peer: auth.NewPSKPrincipal("x@t")},
			code: codes.Unauthorized,
		},
		{
			name: "put without tenant",
			ex:   &handler.Exchange{Method: codes.PUT, Path: []string{"event"}},
			code: codes.BadRequest,
			msg:  resource.MsgMissingTenantAndDevice,
		},
		{
			name: "put without device",
			ex:   &handler.Exchange{Method: codes.PUT, Path: []string{"event", "tenant1"}},
			code: codes.BadRequest,
			msg:  resource.MsgMissingDevice,
		},
		{
			name: "put invalid",
			ex:   &handler.Exchange{Method: codes.PUT, Path: []string{"event", "tenant 1", "d"}},
			code: codes.BadRequest,
			msg:  resource.MsgInvalidURI,
		},
		{
			name: "put with unknown peer",
			ex:   &handler.Exchange{Method: codes.PUT, Path: []string{"event", "tenant1", "device1"}, Peer: auth.NewPSKPrincipal("x@t")},
			code: codes.Unauthorized,
		},
		{
			name: "empty path",
			ex:   &handler.Exchange{Method: codes.PUT},
			code: codes.BadRequest,
			msg:  resource.MsgMissingURI,
		},
		{
			name: "unknown endpoint",
			ex:   &handler.Exchange{Method: codes.POST, Path: []string{"control"}},
			code: codes.NotFound,
		},
		{
			name: "unsupported method",
			ex:   &handler.Exchange{Method: codes.GET, Path: []string{"telemetry"}},
			code: codes.MethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &mockUploader{code: codes.Changed}
			table := newTable(u)

			_, err := table.Handle(context.Background(), tt.ex)
			require.Error(t, err)
			assert.Equal(t, tt.code, adaptererrors.Code(err))
			if tt.msg != "" {
				assert.Equal(t, tt.msg, adaptererrors.Message(err))
			}
			assert.Empty(t, u.calls)
		})
	}
}

func TestUploadResultPassesThrough(t *testing.T) {
	backendErr := errors.New("broker rejected message")

	tests := []struct {
		name string
		code codes.Code
		err  error
	}{
		{name: "accepted", code: codes.Changed},
		{name: "created", code: codes.Created},
		{name: "failed", code: codes.ServiceUnavailable, err: backendErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &mockUploader{code: tt.code, err: tt.err}
			table := newTable(u)

			ex := &handler.Exchange{Method: codes.PUT, Path: []string{"event", "tenant1", "device1"}}
			code, err := table.Handle(context.Background(), ex)
			assert.Equal(t, tt.code, code)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.Same(t, tt.err, err)
		})
	}
}

func TestHandle_CancelledBeforeUpload(t *testing.T) {
	u := &mockUploader{code: codes.Changed}
	table := newTable(u)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := &handler.Exchange{Method: codes.PUT, Path: []string{"telemetry", "tenant1", "device1"}}
	_, err := table.Handle(ctx, ex)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, u.calls)
}

func TestEndpoint_HandlePostAndPut(t *testing.T) {
	u := &mockUploader{code: codes.Changed}
	table := newTable(u)
	e, ok := table.Endpoint(Event)
	require.True(t, ok)

	_, err := e.HandlePost(context.Background(), &handler.Exchange{Path: []string{"event"}, Peer: auth.NewPSKPrincipal("d@t")})
	require.NoError(t, err)

	_, err = e.HandlePut(context.Background(), &handler.Exchange{Path: []string{"event", "t", "other"}})
	require.NoError(t, err)

	require.Len(t, u.calls, 2)
	assert.Equal(t, device.New("t", "d"), u.calls[0].rc.Origin)
	assert.Equal(t, device.New("t", "other"), u.calls[1].rc.Origin)
}

func TestHandle_TracingAndMetrics(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())
	m := metrics.New("test", prometheus.NewRegistry())

	u := &mockUploader{code: codes.Changed}
	table := newTable(u, WithTracer(tp.Tracer("test")), WithMetrics(m))

	_, err := table.Handle(context.Background(), &handler.Exchange{Method: codes.PUT, Path: []string{"telemetry", "tenant1", "device1"}})
	require.NoError(t, err)
	_, err = table.Handle(context.Background(), &handler.Exchange{Method: codes.POST, Path: []string{"telemetry"}})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, Telemetry, spans[0].Name())
	assert.Equal(t, spans[0].SpanContext(), u.calls[0].rc.SpanContext)
	assert.Equal(t, otelcodes.Error, spans[1].Status().Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues(Telemetry, metrics.Unauthenticated, metrics.OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionFailures.WithLabelValues(Telemetry, codes.Unauthorized.String())))
}

func TestHandle_UnauthenticatedTenantLabel(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())
	u := &mockUploader{code: codes.Changed}
	table := newTable(u, WithMetrics(m))

	for _, tenant := range []string{"a", "b", "c", "d"} {
		_, err := table.Handle(context.Background(), &handler.Exchange{Method: codes.PUT, Path: []string{"telemetry", tenant, "device1"}})
		require.NoError(t, err)
	}
	_, err := table.Handle(context.Background(), &handler.Exchange{Method: codes.POST, Path: []string{"telemetry"}, Peer: auth.NewPSKPrincipal("d@t")})
	require.NoError(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(m.UploadsTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues(Telemetry, metrics.Unauthenticated, metrics.OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues(Telemetry, "t", metrics.OutcomeAccepted)))
}

func TestTable_ConcurrentHandle(t *testing.T) {
	u := &mockUploader{code: codes.Changed}
	table := newTable(u)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = table.Handle(context.Background(), &handler.Exchange{Method: codes.PUT, Path: []string{"telemetry", "t", "d"}})
		}()
	}
	wg.Wait()

	assert.Len(t, u.calls, 50)
}
