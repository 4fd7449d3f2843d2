// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"log/slog"
	"time"

	"github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/handler"
	"github.com/frankhornung/hono/pkg/metrics"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
)

// DefaultRequestTimeout bounds the processing of a single exchange.
const DefaultRequestTimeout = 10 * time.Second

// Dispatcher processes a converted exchange.
type Dispatcher interface {
	Handle(ctx context.Context, ex *handler.Exchange) (codes.Code, error)
	// Names lists the endpoints the dispatcher routes.
	Names() []string
}

// Handler is the go-coap request handler of the adapter.
type Handler struct {
	dispatcher Dispatcher
	endpoints  map[string]struct{}
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

var _ mux.Handler = (*Handler)(nil)

// NewHandler wraps d as a go-coap handler. A zero timeout selects
// DefaultRequestTimeout. m may be nil.
func NewHandler(d Dispatcher, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	endpoints := make(map[string]struct{})
	for _, name := range d.Names() {
		endpoints[name] = struct{}{}
	}
	return &Handler{
		dispatcher: d,
		endpoints:  endpoints,
		timeout:    timeout,
		metrics:    m,
		logger:     logger,
	}
}

// ServeCOAP implements mux.Handler.
func (h *Handler) ServeCOAP(w mux.ResponseWriter, r *mux.Message) {
	ex, err := NewExchangeFromRequest(w, r)
	var code codes.Code
	if err == nil {
		code, err = h.Serve(r.Context(), ex)
	}

	if err != nil {
		h.logger.Debug("exchange failed",
			slog.String("remote", w.Conn().RemoteAddr().String()),
			slog.String("code", errors.Code(err).String()),
			slog.String("error", err.Error()))
	}
	if werr := WriteResponse(w, code, err); werr != nil {
		h.logger.Warn("failed to write response",
			slog.String("remote", w.Conn().RemoteAddr().String()),
			slog.String("error", werr.Error()))
	}
}

// Serve dispatches ex under the request timeout and records exchange metrics.
func (h *Handler) Serve(ctx context.Context, ex *handler.Exchange) (codes.Code, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if h.metrics == nil {
		return h.dispatcher.Handle(ctx, ex)
	}

	var code codes.Code
	err := h.metrics.ObserveExchange(h.endpointLabel(ex), ex.Method.String(), func() (string, error) {
		var err error
		code, err = h.dispatcher.Handle(ctx, ex)
		if err != nil {
			return errors.Code(err).String(), err
		}
		return code.String(), nil
	})
	return code, err
}

// endpointLabel bounds the label set to the routed endpoints.
func (h *Handler) endpointLabel(ex *handler.Exchange) string {
	if len(ex.Path) > 0 {
		if _, ok := h.endpoints[ex.Path[0]]; ok {
			return ex.Path[0]
		}
	}
	return "unknown"
}
