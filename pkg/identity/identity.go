// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package identity determines the origin and authenticated device of a request.
//
// PUT requests carry the origin device in the URI and may be sent without
// DTLS, in which case the claimed identity is not verified. POST requests
// carry no address and are only accepted from authenticated peers.
package identity

import (
	"context"

	"github.com/frankhornung/hono/pkg/auth"
	"github.com/frankhornung/hono/pkg/device"
	"github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Resolver resolves request identities using an Authenticator.
type Resolver struct {
	authn auth.Authenticator
}

// NewResolver creates a Resolver.
func NewResolver(authn auth.Authenticator) *Resolver {
	return &Resolver{authn: authn}
}

// ForPut resolves the identity of a PUT request addressed by id.
// Without a peer principal the request is accepted as unauthenticated.
func (r *Resolver) ForPut(ctx context.Context, id resource.Identifier, peer *auth.Principal) (device.DeviceAndAuth, error) {
	origin := device.New(id.TenantID, id.DeviceID)
	if peer == nil {
		return device.DeviceAndAuth{Origin: origin, Auth: device.Unauthenticated()}, nil
	}
	if err := ctx.Err(); err != nil {
		return device.DeviceAndAuth{}, err
	}

	authenticated, err := r.authn.Authenticate(ctx, peer)
	if err != nil {
		return device.DeviceAndAuth{}, err
	}
	return device.DeviceAndAuth{Origin: origin, Auth: device.Authenticated(authenticated)}, nil
}

// ForPost resolves the identity of a POST request. The peer must authenticate
// and the authenticated device becomes the origin.
func (r *Resolver) ForPost(ctx context.Context, peer *auth.Principal) (device.DeviceAndAuth, error) {
	if err := ctx.Err(); err != nil {
		return device.DeviceAndAuth{}, err
	}

	authenticated, err := r.authn.Authenticate(ctx, peer)
	if err != nil {
		return device.DeviceAndAuth{}, err
	}
	return device.DeviceAndAuth{Origin: authenticated, Auth: device.Authenticated(authenticated)}, nil
}

// Resolve selects the flow for method. segments is the full URI path
// including the endpoint segment.
func (r *Resolver) Resolve(ctx context.Context, method codes.Code, segments []string, peer *auth.Principal) (device.DeviceAndAuth, error) {
	_, dev, err := r.ResolveResource(ctx, method, segments, peer)
	return dev, err
}

// ResolveResource is Resolve that also returns the addressed resource. For
// POST the identifier holds the endpoint only.
func (r *Resolver) ResolveResource(ctx context.Context, method codes.Code, segments []string, peer *auth.Principal) (resource.Identifier, device.DeviceAndAuth, error) {
	switch method {
	case codes.PUT:
		id, err := resource.Resolve(segments)
		if err != nil {
			return resource.Identifier{}, device.DeviceAndAuth{}, err
		}
		dev, err := r.ForPut(ctx, id, peer)
		if err != nil {
			return resource.Identifier{}, device.DeviceAndAuth{}, err
		}
		return id, dev, nil
	case codes.POST:
		dev, err := r.ForPost(ctx, peer)
		if err != nil {
			return resource.Identifier{}, device.DeviceAndAuth{}, err
		}
		var id resource.Identifier
		if len(segments) > 0 {
			id.Endpoint = segments[0]
		}
		return id, dev, nil
	default:
		return resource.Identifier{}, device.DeviceAndAuth{}, errors.NewClientError(codes.MethodNotAllowed, "method not allowed")
	}
}
