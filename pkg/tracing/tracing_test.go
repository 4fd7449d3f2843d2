// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestProvider_Disabled(t *testing.T) {
	p := NewProvider(Config{ServiceName: "test"}, nil)
	require.NoError(t, p.Start(context.Background()))

	_, span := p.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInject(t *testing.T) {
	assert.Empty(t, Inject(trace.SpanContext{}))

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	headers := Inject(span.SpanContext())
	require.Contains(t, headers, "traceparent")
	assert.Contains(t, headers["traceparent"], span.SpanContext().TraceID().String())
}
