// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/frankhornung/hono/pkg/device"
	adaptererrors "github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/handler"
	"github.com/frankhornung/hono/pkg/metrics"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Allow(t *testing.T) {
	l := NewLimiter(0.001, 2, 0)
	defer l.Close()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// Buckets are independent.
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Stats())
}

func TestLimiter_MaxClients(t *testing.T) {
	l := NewLimiter(10, 5, 1)
	defer l.Close()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("b"))
	assert.Equal(t, 1, l.Stats())
}

func TestLimiter_Cleanup(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	defer l.Close()

	assert.True(t, l.Allow("a"))
	l.prune(time.Now())
	assert.Equal(t, 1, l.Stats())

	l.prune(time.Now().Add(2 * time.Second))
	assert.Equal(t, 0, l.Stats())
}

func TestLimiter_CleanupAfterClose(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	timer := l.cleanupTimer

	l.Close()
	l.cleanup()

	assert.Same(t, timer, l.cleanupTimer)
	assert.False(t, l.cleanupTimer.Stop())
}

func TestUploader(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())
	l := NewLimiter(0.001, 1, 0)
	defer l.Close()
	u := NewUploader(&handler.NoopUploader{}, l, m, nil)

	d := device.New("tenant1", "device1")
	rc := &handler.Context{Exchange: &handler.Exchange{}, Origin: d, Auth: device.Unauthenticated()}

	code, err := u.UploadTelemetry(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, codes.Changed, code)

	_, err = u.UploadEvent(context.Background(), rc)
	assert.ErrorIs(t, err, adaptererrors.ErrRateLimited)
	assert.Equal(t, codes.TooManyRequests, adaptererrors.Code(err))

	other := device.New("tenant1", "device2")
	_, err = u.UploadCommandResponse(context.Background(), rc, other, device.Authenticated(other))
	require.NoError(t, err)
	_, err = u.UploadCommandResponse(context.Background(), rc, other, device.Authenticated(other))
	assert.ErrorIs(t, err, adaptererrors.ErrRateLimited)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedRequests.WithLabelValues(metrics.Unauthenticated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedRequests.WithLabelValues("tenant1")))
}

func TestUploader_UnauthenticatedTenantsShareLabel(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())
	l := NewLimiter(0.001, 1, 0)
	defer l.Close()
	u := NewUploader(&handler.NoopUploader{}, l, m, nil)

	for _, tenant := range []string{"t1", "t2", "t3"} {
		rc := &handler.Context{Exchange: &handler.Exchange{}, Origin: device.New(tenant, "d"), Auth: device.Unauthenticated()}
		_, err := u.UploadTelemetry(context.Background(), rc)
		require.NoError(t, err)
		_, err = u.UploadTelemetry(context.Background(), rc)
		require.Error(t, err)
	}

	assert.Equal(t, 1, testutil.CollectAndCount(m.RateLimitedRequests))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RateLimitedRequests.WithLabelValues(metrics.Unauthenticated)))
}
