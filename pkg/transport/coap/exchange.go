// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/frankhornung/hono/pkg/auth"
	"github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/handler"
	"github.com/frankhornung/hono/pkg/resource"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/mux"
)

// MaxPayloadSize is the largest request body accepted.
const MaxPayloadSize = 64 * 1024

// NewExchange converts a CoAP request into an Exchange. peer may be nil.
func NewExchange(msg *pool.Message, remote net.Addr, peer *auth.Principal) (*handler.Exchange, error) {
	path, err := msg.Options().Path()
	if err != nil {
		path = ""
	}

	ex := &handler.Exchange{
		ID:     uuid.New().String(),
		Method: msg.Code(),
		Path:   resource.Split(path),
		Peer:   peer,
	}
	if remote != nil {
		ex.RemoteAddr = remote.String()
	}
	if queries, err := msg.Options().Queries(); err == nil {
		ex.Queries = queries
	}
	if cf, err := msg.Options().ContentFormat(); err == nil {
		ex.ContentFormat = cf
	}

	if msg.Body() != nil {
		payload, err := msg.ReadBody()
		if err != nil {
			return nil, errors.BadRequest("unreadable payload")
		}
		if len(payload) > MaxPayloadSize {
			return nil, errors.NewClientError(codes.RequestEntityTooLarge, fmt.Sprintf("payload exceeds %d bytes", MaxPayloadSize))
		}
		ex.Payload = payload
	}

	return ex, nil
}

// NewExchangeFromRequest builds the Exchange for a mux request, taking the
// peer identity from the connection.
func NewExchangeFromRequest(w mux.ResponseWriter, r *mux.Message) (*handler.Exchange, error) {
	conn := w.Conn()
	peer, err := PeerFromConn(conn.NetConn())
	if err != nil {
		return nil, err
	}
	return NewExchange(r.Message, conn.RemoteAddr(), peer)
}

// ResponseSetter is the part of mux.ResponseWriter used to answer a request.
type ResponseSetter interface {
	SetResponse(code codes.Code, contentFormat message.MediaType, d io.ReadSeeker, opts ...message.Option) error
}

// WriteResponse sends the outcome of an exchange. Errors are mapped to their
// CoAP code with the error message as a text/plain diagnostic payload.
func WriteResponse(w ResponseSetter, code codes.Code, err error) error {
	if err != nil {
		return w.SetResponse(errors.Code(err), message.TextPlain, bytes.NewReader([]byte(errors.Message(err))))
	}
	if code == 0 {
		code = codes.Changed
	}
	return w.SetResponse(code, message.TextPlain, nil)
}
