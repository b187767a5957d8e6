// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Redis is a shared cache for multi-worker deployments.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the Redis at url (redis://host:port/db). ttl <= 0
// stores entries without expiry.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &fluxerrors.ConfigError{Key: "cache.redis_url", Reason: "invalid redis URL", Cause: err}
	}
	return &Redis{client: redis.NewClient(opts), ttl: ttl}, nil
}

func redisKey(taskName, fingerprint string) string {
	return fmt.Sprintf("flux:cache:%s:%s", taskName, fingerprint)
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, taskName, fingerprint string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, redisKey(taskName, fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &fluxerrors.UnavailableError{Component: "redis cache", Cause: err}
	}
	return value, true, nil
}

// Put implements Store. SetNX keeps entries immutable; the first write
// for a key wins.
func (r *Redis) Put(ctx context.Context, taskName, fingerprint string, value []byte) error {
	err := r.client.SetNX(ctx, redisKey(taskName, fingerprint), value, r.ttl).Err()
	if err != nil {
		return &fluxerrors.UnavailableError{Component: "redis cache", Cause: err}
	}
	return nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
