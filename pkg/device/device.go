// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package device holds the identity values resolved for every exchange.
package device

import "fmt"

// Device identifies an IoT endpoint within a tenant.
type Device struct {
	TenantID string
	DeviceID string
}

// New creates a Device.
func New(tenantID, deviceID string) Device {
	return Device{TenantID: tenantID, DeviceID: deviceID}
}

// String returns the device in tenant/device notation.
func (d Device) String() string {
	return fmt.Sprintf("%s/%s", d.TenantID, d.DeviceID)
}

// Auth records whether the transport layer verified a device identity.
// The zero value is Unauthenticated.
type Auth struct {
	device        Device
	authenticated bool
}

// Unauthenticated returns an Auth without a verified device.
func Unauthenticated() Auth {
	return Auth{}
}

// Authenticated returns an Auth carrying the verified device.
func Authenticated(d Device) Auth {
	return Auth{device: d, authenticated: true}
}

// Device returns the authenticated device and true, or false if the request
// is unauthenticated.
func (a Auth) Device() (Device, bool) {
	return a.device, a.authenticated
}

// IsAuthenticated reports whether a device was verified.
func (a Auth) IsAuthenticated() bool {
	return a.authenticated
}

func (a Auth) String() string {
	if !a.authenticated {
		return "unauthenticated"
	}
	return a.device.String()
}

// DeviceAndAuth is the outcome of identity resolution.
// Origin is the device the message claims to come from, Auth is the device
// that proved its identity. They differ when a gateway sends on behalf of
// another device.
type DeviceAndAuth struct {
	Origin Device
	Auth   Auth
}

// OnBehalfOf reports whether an authenticated device sends for a different origin.
func (d DeviceAndAuth) OnBehalfOf() bool {
	authDev, ok := d.Auth.Device()
	return ok && authDev != d.Origin
}
