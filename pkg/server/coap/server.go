// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	coapdtls "github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxMessageSize is the largest CoAP message accepted.
	DefaultMaxMessageSize = 64 * 1024
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the CoAP server configuration.
type Config struct {
	// Address is the plain UDP listen address (host:port). Empty disables
	// the insecure endpoint.
	Address string

	// DTLSAddress is the DTLS listen address. Used only when DTLS is set.
	DTLSAddress string

	// DTLS enables the secure endpoint.
	DTLS *dtls.Config

	// ShutdownTimeout is the maximum time to wait for listeners to stop.
	ShutdownTimeout time.Duration

	// MaxMessageSize limits the size of a single CoAP message.
	MaxMessageSize uint32

	Logger *slog.Logger
}

type stopper interface {
	Stop()
}

// Server runs the adapter's CoAP and CoAPS listeners.
type Server struct {
	config  Config
	handler mux.Handler

	mu      sync.Mutex
	addrs   map[string]net.Addr
	running []stopper
}

// New creates a new CoAP server dispatching every request to h.
func New(cfg Config, h mux.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		config:  cfg,
		handler: h,
		addrs:   make(map[string]net.Addr),
	}
}

// Addr returns the bound address of the "udp" or "dtls" listener, or nil if
// it is not listening.
func (s *Server) Addr(network string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[network]
}

// Listen starts the configured listeners and blocks until the context is
// cancelled or a listener fails.
func (s *Server) Listen(ctx context.Context) error {
	if s.config.Address == "" && s.config.DTLS == nil {
		return errors.New("no CoAP listener configured")
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.config.Address != "" {
		l, err := coapnet.NewListenUDP("udp", s.config.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
		}
		srv := udp.NewServer(
			options.WithMux(s.handler),
			options.WithMaxMessageSize(s.config.MaxMessageSize),
			options.WithErrors(s.logError("udp")),
		)
		s.track("udp", l.LocalAddr(), srv)
		g.Go(func() error {
			defer l.Close()
			return srv.Serve(l)
		})
		s.config.Logger.Info("CoAP server started", slog.String("address", l.LocalAddr().String()))
	}

	if s.config.DTLS != nil {
		l, err := coapnet.NewDTLSListener("udp", s.config.DTLSAddress, s.config.DTLS)
		if err != nil {
			s.stopAll()
			return fmt.Errorf("failed to listen on %s: %w", s.config.DTLSAddress, err)
		}
		srv := coapdtls.NewServer(
			options.WithMux(s.handler),
			options.WithMaxMessageSize(s.config.MaxMessageSize),
			options.WithErrors(s.logError("dtls")),
		)
		s.track("dtls", l.Addr(), srv)
		g.Go(func() error {
			defer l.Close()
			return srv.Serve(l)
		})
		s.config.Logger.Info("CoAPS server started", slog.String("address", l.Addr().String()))
	}

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, stopping listeners")
	s.stopAll()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		s.config.Logger.Info("all listeners stopped")
		return err
	case <-time.After(s.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}
}

func (s *Server) track(network string, addr net.Addr, srv stopper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[network] = addr
	s.running = append(s.running, srv)
}

func (s *Server) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, srv := range s.running {
		srv.Stop()
	}
	s.running = nil
	s.addrs = make(map[string]net.Addr)
}

func (s *Server) logError(network string) func(error) {
	return func(err error) {
		s.config.Logger.Debug("CoAP transport error",
			slog.String("network", network),
			slog.String("error", err.Error()))
	}
}
