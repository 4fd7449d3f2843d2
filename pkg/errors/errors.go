// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the CoAP adapter.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Common error types
var (
	// ErrUnauthorized indicates the peer identity could not be resolved to a device.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the device is known but not allowed to send.
	ErrForbidden = errors.New("forbidden")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrBackendUnavailable indicates the upload backend is unavailable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ClientError is a validation failure caused by the request itself.
// Its code is always a 4.xx CoAP response code.
type ClientError struct {
	Code    codes.Code
	Message string
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewClientError creates a new ClientError.
func NewClientError(code codes.Code, message string) error {
	return &ClientError{
		Code:    code,
		Message: message,
	}
}

// BadRequest creates a ClientError with code 4.00.
func BadRequest(message string) error {
	return NewClientError(codes.BadRequest, message)
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Code maps err to the CoAP response code sent back to the device.
// Unknown errors map to 5.00.
func Code(err error) codes.Code {
	var ce *ClientError
	switch {
	case err == nil:
		return codes.Changed
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, ErrUnauthorized):
		return codes.Unauthorized
	case errors.Is(err, ErrForbidden):
		return codes.Forbidden
	case errors.Is(err, ErrRateLimited):
		return codes.TooManyRequests
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, context.Canceled):
		return codes.ServiceUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.GatewayTimeout
	default:
		return codes.InternalServerError
	}
}

// Message returns the diagnostic payload for err.
func Message(err error) string {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
