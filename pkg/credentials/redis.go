// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the default prefix for credential hashes.
const DefaultKeyPrefix = "hono:credentials:"

const (
	fieldDeviceID = "device-id"
	fieldEnabled  = "enabled"
	fieldSecret   = "secret"
)

var _ Store = (*RedisStore)(nil)

// RedisStore reads credentials from Redis hashes keyed
// "<prefix><tenant>/<auth-id>" with the fields device-id, enabled and secret.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, tenantID, authID string) (Credentials, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key(tenantID, authID)).Result()
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials: %w", err)
	}
	deviceID, ok := fields[fieldDeviceID]
	if !ok || deviceID == "" {
		return Credentials{}, ErrNotFound
	}

	c := Credentials{TenantID: tenantID, AuthID: authID, DeviceID: deviceID, Secret: fields[fieldSecret]}
	if v, ok := fields[fieldEnabled]; ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Credentials{}, fmt.Errorf("invalid enabled flag %q for %s: %w", v, key(tenantID, authID), err)
		}
		c.Enabled = &enabled
	}
	return c, nil
}

// Put stores c, replacing existing credentials for the same auth id.
func (s *RedisStore) Put(ctx context.Context, c Credentials) error {
	return s.client.HSet(ctx, s.prefix+key(c.TenantID, c.AuthID),
		fieldDeviceID, c.DeviceID,
		fieldEnabled, strconv.FormatBool(c.IsEnabled()),
		fieldSecret, c.Secret,
	).Err()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
