// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the CoAP protocol adapter.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/frankhornung/hono"
	"github.com/frankhornung/hono/examples/simple"
	"github.com/frankhornung/hono/pkg/auth"
	"github.com/frankhornung/hono/pkg/breaker"
	"github.com/frankhornung/hono/pkg/credentials"
	"github.com/frankhornung/hono/pkg/endpoint"
	"github.com/frankhornung/hono/pkg/handler"
	"github.com/frankhornung/hono/pkg/health"
	"github.com/frankhornung/hono/pkg/identity"
	"github.com/frankhornung/hono/pkg/metrics"
	"github.com/frankhornung/hono/pkg/ratelimit"
	coapserver "github.com/frankhornung/hono/pkg/server/coap"
	"github.com/frankhornung/hono/pkg/tracing"
	transport "github.com/frankhornung/hono/pkg/transport/coap"
	"github.com/frankhornung/hono/pkg/upload/mqtt"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "COAP_ADAPTER_"

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := hono.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if err := run(ctx, g, cfg, logger); err != nil {
		logger.Error("CoAP adapter failed to start", slog.String("error", err.Error()))
		cancel()
		os.Exit(1)
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("CoAP adapter terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("CoAP adapter stopped")
}

func run(ctx context.Context, g *errgroup.Group, cfg hono.Config, logger *slog.Logger) error {
	m := metrics.New("hono_coap", nil)
	checker := health.NewChecker(5 * time.Second)

	tp := tracing.NewProvider(cfg.Tracing, logger)
	if err := tp.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})

	store, err := newStore(ctx, g, cfg.Credentials, checker, logger)
	if err != nil {
		return err
	}
	authn := &InstrumentedAuthenticator{
		authn:   auth.NewCredentialsAuthenticator(store, logger),
		metrics: m,
		logger:  logger,
	}

	uploader, err := newUploader(ctx, g, cfg, checker, m, logger)
	if err != nil {
		return err
	}

	table := endpoint.NewTable(identity.NewResolver(authn), endpoint.Entries(uploader),
		endpoint.WithTracer(tp.Tracer()),
		endpoint.WithMetrics(m),
		endpoint.WithLogger(logger))

	dtlsCfg, err := cfg.DTLS.Load(auth.PSKCallback(store, cfg.Credentials.PSKLookupTimeout, logger))
	if err != nil {
		return err
	}

	srv := coapserver.New(coapserver.Config{
		Address:         cfg.CoAP.Address,
		DTLSAddress:     cfg.DTLS.Address,
		DTLS:            dtlsCfg,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxMessageSize:  cfg.CoAP.MaxMessageSize,
		Logger:          logger,
	}, transport.NewHandler(table, cfg.RequestTimeout, m, logger))
	g.Go(func() error {
		return srv.Listen(ctx)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsAddress, metricsMux, logger)
	})

	healthMux := http.NewServeMux()
	checker.RegisterRoutes(healthMux)
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthAddress, healthMux, logger)
	})

	logger.Info("CoAP adapter started",
		slog.String("coap", cfg.CoAP.Address),
		slog.String("dtls_mode", cfg.DTLS.Mode),
		slog.Any("endpoints", table.Names()))
	return nil
}

// newStore selects the Redis store if configured and the file store otherwise.
func newStore(ctx context.Context, g *errgroup.Group, cfg hono.CredentialConfig, checker *health.Checker, logger *slog.Logger) (credentials.Store, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		store := credentials.NewRedisStore(client, cfg.RedisKeyPrefix)
		checker.Register("credentials", store.Ping, true)
		g.Go(func() error {
			<-ctx.Done()
			return client.Close()
		})
		logger.Info("using Redis credentials store", slog.String("address", opts.Addr))
		return store, nil
	}

	store, err := credentials.NewFileStore(cfg.File, logger)
	if err != nil {
		return nil, err
	}
	checker.Register("credentials", func(context.Context) error {
		if store.Len() == 0 {
			return errors.New("no credentials loaded")
		}
		return nil
	}, false)
	g.Go(func() error {
		return store.Watch(ctx)
	})
	return store, nil
}

// newUploader builds the upload chain: rate limit, circuit breaker, MQTT.
// Without a broker messages are only logged.
func newUploader(ctx context.Context, g *errgroup.Group, cfg hono.Config, checker *health.Checker, m *metrics.Metrics, logger *slog.Logger) (handler.Uploader, error) {
	var u handler.Uploader
	if cfg.MQTT.BrokerURL == "" {
		logger.Warn("no MQTT broker configured, messages are logged only")
		u = simple.New(logger)
	} else {
		client, err := mqtt.Connect(ctx, cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		checker.Register("mqtt", health.ConnectionCheck(client), true)
		g.Go(func() error {
			<-ctx.Done()
			client.Disconnect(250)
			return nil
		})
		u = breaker.New("mqtt", mqtt.NewUploader(client, cfg.MQTT, logger), cfg.Breaker, m, logger)
	}

	if cfg.RateLimit.Rate > 0 {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.RateLimit.MaxDevices)
		g.Go(func() error {
			<-ctx.Done()
			limiter.Close()
			return nil
		})
		u = ratelimit.NewUploader(u, limiter, m, logger)
	}
	return u, nil
}

func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting "+name+" server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// StopSignalHandler cancels the context on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
