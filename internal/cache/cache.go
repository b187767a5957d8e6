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

// Package cache stores task outputs keyed by (task name, argument
// fingerprint). A hit replaces a task invocation entirely, so entries
// must only ever hold outputs of successful attempts.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Store is a task output cache. Implementations: lru (in-process),
// backendStore (durable), redis (shared), and Tiered composing them.
type Store interface {
	// Get returns the cached output and whether the key was present.
	Get(ctx context.Context, taskName, fingerprint string) ([]byte, bool, error)

	// Put stores a successful task output. Existing entries win.
	Put(ctx context.Context, taskName, fingerprint string, value []byte) error

	// Close releases store resources.
	Close() error
}

func cacheKey(taskName, fingerprint string) string {
	return taskName + "\x00" + fingerprint
}

// LRU is an in-process front cache with size and TTL bounds.
type LRU struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recent
	entries map[string]*list.Element

	now func() time.Time // test hook
}

type lruEntry struct {
	key      string
	value    []byte
	storedAt time.Time
}

// NewLRU creates a front cache. maxSize <= 0 defaults to 1024 entries;
// ttl <= 0 disables expiry.
func NewLRU(maxSize int, ttl time.Duration) *LRU {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &LRU{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get implements Store.
func (c *LRU) Get(_ context.Context, taskName, fingerprint string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[cacheKey(taskName, fingerprint)]
	if !ok {
		return nil, false, nil
	}
	entry := elem.Value.(*lruEntry)
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, entry.key)
		return nil, false, nil
	}
	c.order.MoveToFront(elem)
	return entry.value, true, nil
}

// Put implements Store.
func (c *LRU) Put(_ context.Context, taskName, fingerprint string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(taskName, fingerprint)
	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return nil
	}
	c.entries[key] = c.order.PushFront(&lruEntry{key: key, value: value, storedAt: c.now()})

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
	return nil
}

// Close implements Store.
func (c *LRU) Close() error { return nil }

// Len returns the number of live entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
