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

	"github.com/fluxio/flux/internal/backend"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// backendStore persists entries through the repository, surviving
// server restarts.
type backendStore struct {
	store backend.Backend
}

// NewBackendStore wraps the repository's task_cache table as a Store.
func NewBackendStore(store backend.Backend) Store {
	return &backendStore{store: store}
}

func (s *backendStore) Get(ctx context.Context, taskName, fingerprint string) ([]byte, bool, error) {
	entry, err := s.store.GetCacheEntry(ctx, taskName, fingerprint)
	if err != nil {
		if fluxerrors.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (s *backendStore) Put(ctx context.Context, taskName, fingerprint string, value []byte) error {
	return s.store.PutCacheEntry(ctx, &backend.CacheEntry{
		TaskName:    taskName,
		Fingerprint: fingerprint,
		Value:       value,
	})
}

func (s *backendStore) Close() error { return nil }

// Tiered composes a fast front with a durable rear. Reads fill the
// front on a rear hit; writes go to both.
type Tiered struct {
	front Store
	rear  Store
}

// NewTiered composes two stores.
func NewTiered(front, rear Store) *Tiered {
	return &Tiered{front: front, rear: rear}
}

// Get implements Store.
func (t *Tiered) Get(ctx context.Context, taskName, fingerprint string) ([]byte, bool, error) {
	if value, ok, err := t.front.Get(ctx, taskName, fingerprint); err != nil || ok {
		return value, ok, err
	}
	value, ok, err := t.rear.Get(ctx, taskName, fingerprint)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := t.front.Put(ctx, taskName, fingerprint, value); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put implements Store.
func (t *Tiered) Put(ctx context.Context, taskName, fingerprint string, value []byte) error {
	if err := t.rear.Put(ctx, taskName, fingerprint, value); err != nil {
		return err
	}
	return t.front.Put(ctx, taskName, fingerprint, value)
}

// Close implements Store.
func (t *Tiered) Close() error {
	if err := t.front.Close(); err != nil {
		t.rear.Close()
		return err
	}
	return t.rear.Close()
}
