// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tracing configures OpenTelemetry tracing for the adapter.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation name used for adapter spans.
const TracerName = "github.com/frankhornung/hono"

// Config holds tracing configuration.
type Config struct {
	ServiceName  string        `env:"SERVICE_NAME"  envDefault:"hono-coap-adapter"`
	Endpoint     string        `env:"ENDPOINT"      envDefault:""`
	Insecure     bool          `env:"INSECURE"      envDefault:"true"`
	SampleRate   float64       `env:"SAMPLE_RATE"   envDefault:"1.0"`
	BatchTimeout time.Duration `env:"BATCH_TIMEOUT" envDefault:"5s"`
}

// Provider owns the tracer provider.
type Provider struct {
	config Config
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	logger *slog.Logger
}

// NewProvider creates a Provider. Nothing is exported until Start is called.
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		config: cfg,
		tracer: noop.NewTracerProvider().Tracer(TracerName),
		logger: logger,
	}
}

// Start installs the OTLP exporter. With an empty endpoint tracing stays a no-op.
func (p *Provider) Start(ctx context.Context) error {
	if p.config.Endpoint == "" {
		p.logger.Info("tracing disabled, no OTLP endpoint configured")
		return nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.Endpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", p.config.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.config.SampleRate))),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	p.tracer = p.tp.Tracer(TracerName)

	p.logger.Info("tracing provider started",
		slog.String("service", p.config.ServiceName),
		slog.String("endpoint", p.config.Endpoint),
		slog.Float64("sample_rate", p.config.SampleRate))
	return nil
}

// Tracer returns the adapter tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Inject returns the W3C trace context headers of sc, for transports that
// cannot carry a context.Context.
func Inject(sc trace.SpanContext) map[string]string {
	carrier := propagation.MapCarrier{}
	if !sc.IsValid() {
		return carrier
	}
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier
}
