// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resource parses the addressing segments of a request URI.
package resource

import (
	"regexp"
	"strings"

	"github.com/frankhornung/hono/pkg/errors"
)

// Client error messages returned by Resolve.
const (
	MsgMissingURI             = "missing request URI"
	MsgMissingTenantAndDevice = "missing tenant and device ID in URI"
	MsgMissingDevice          = "missing device ID in URI"
	MsgInvalidURI             = "invalid request URI"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]+$`)

// Identifier addresses a device resource: /<endpoint>/<tenant>/<device>/<remainder...>.
type Identifier struct {
	Endpoint  string
	TenantID  string
	DeviceID  string
	Remainder []string
}

// Path returns the identifier as a slash separated path. An identifier
// without tenant, as produced for POST requests, yields the endpoint only.
func (id Identifier) Path() string {
	if id.TenantID == "" {
		return id.Endpoint
	}
	parts := append([]string{id.Endpoint, id.TenantID, id.DeviceID}, id.Remainder...)
	return strings.Join(parts, "/")
}

// Resolve parses URI path segments into an Identifier.
func Resolve(segments []string) (id Identifier, err error) {
	switch len(segments) {
	case 0:
		return Identifier{}, errors.BadRequest(MsgMissingURI)
	case 1:
		return Identifier{}, errors.BadRequest(MsgMissingTenantAndDevice)
	case 2:
		return Identifier{}, errors.BadRequest(MsgMissingDevice)
	}

	defer func() {
		if r := recover(); r != nil {
			id, err = Identifier{}, errors.BadRequest(MsgInvalidURI)
		}
	}()

	return parse(segments)
}

// ValidID reports whether s is a well formed tenant, device or auth id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

func parse(segments []string) (Identifier, error) {
	if segments[0] == "" || !ValidID(segments[1]) || !ValidID(segments[2]) {
		return Identifier{}, errors.BadRequest(MsgInvalidURI)
	}

	var remainder []string
	if len(segments) > 3 {
		remainder = make([]string, len(segments)-3)
		copy(remainder, segments[3:])
	}

	return Identifier{
		Endpoint:  segments[0],
		TenantID:  segments[1],
		DeviceID:  segments[2],
		Remainder: remainder,
	}, nil
}

// Split splits a URI path such as "/telemetry/t/d" into its segments,
// dropping empty segments produced by leading or repeated slashes.
func Split(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
