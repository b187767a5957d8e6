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

package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/metrics"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// workerConn is one live control stream. Frames are dropped when the
// buffer is full; the dispatcher re-offers on its next pass.
type workerConn struct {
	name   string
	frames chan ControlFrame
}

// WorkerRegistry tracks registered workers, their live connections, and
// their current claims. Persistence goes to the backend; liveness and
// claim counts are in-memory, they are meaningless across restarts.
type WorkerRegistry struct {
	store   backend.Backend
	metrics *metrics.Metrics
	logger  *slog.Logger
	grace   time.Duration

	mu       sync.Mutex
	conns    map[string]*workerConn
	lastSeen map[string]time.Time
	claims   map[string]map[string]bool
}

// NewWorkerRegistry creates a registry. grace is how long a worker may
// stay disconnected before eviction.
func NewWorkerRegistry(store backend.Backend, m *metrics.Metrics, logger *slog.Logger, grace time.Duration) *WorkerRegistry {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &WorkerRegistry{
		store:    store,
		metrics:  m,
		logger:   logger,
		grace:    grace,
		conns:    make(map[string]*workerConn),
		lastSeen: make(map[string]time.Time),
		claims:   make(map[string]map[string]bool),
	}
}

// Register persists a worker registration or refresh.
func (r *WorkerRegistry) Register(ctx context.Context, w *backend.Worker) error {
	if w.Name == "" {
		return &fluxerrors.ValidationError{Field: "name", Message: "worker name is required"}
	}
	w.LastSeen = time.Now().UTC()
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return err
	}
	r.mu.Lock()
	r.lastSeen[w.Name] = w.LastSeen
	r.mu.Unlock()
	r.logger.Info("worker registered", "worker", w.Name)
	return nil
}

// Connect opens the control stream for a worker. A reconnect replaces
// the previous stream; the stale reader observes its channel close.
func (r *WorkerRegistry) Connect(name string) *workerConn {
	conn := &workerConn{name: name, frames: make(chan ControlFrame, 64)}

	r.mu.Lock()
	if prev, ok := r.conns[name]; ok {
		close(prev.frames)
	}
	r.conns[name] = conn
	r.lastSeen[name] = time.Now()
	r.mu.Unlock()

	r.metrics.ConnectedWorkers.Inc()
	return conn
}

// Disconnect tears down a stream. The eviction clock starts now.
func (r *WorkerRegistry) Disconnect(conn *workerConn) {
	r.mu.Lock()
	if r.conns[conn.name] == conn {
		delete(r.conns, conn.name)
		r.lastSeen[conn.name] = time.Now()
	}
	r.mu.Unlock()
	r.metrics.ConnectedWorkers.Dec()
}

// Touch refreshes a worker's liveness clock.
func (r *WorkerRegistry) Touch(ctx context.Context, name string) {
	now := time.Now()
	r.mu.Lock()
	r.lastSeen[name] = now
	r.mu.Unlock()
	if err := r.store.TouchWorker(ctx, name, now.UTC()); err != nil && !fluxerrors.IsNotFound(err) {
		r.logger.Warn("failed to touch worker", "worker", name, "error", err)
	}
}

// Send delivers a frame to a worker's live stream. Returns false when
// the worker is not connected or its buffer is full.
func (r *WorkerRegistry) Send(name string, frame ControlFrame) bool {
	r.mu.Lock()
	conn, ok := r.conns[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case conn.frames <- frame:
		return true
	default:
		return false
	}
}

// Live returns the registered workers that currently hold a stream.
func (r *WorkerRegistry) Live(ctx context.Context) ([]*backend.Worker, error) {
	all, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make([]*backend.Worker, 0, len(all))
	for _, w := range all {
		if _, ok := r.conns[w.Name]; ok {
			live = append(live, w)
		}
	}
	return live, nil
}

// IsConnected reports whether the worker holds a live stream.
func (r *WorkerRegistry) IsConnected(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[name]
	return ok
}

// NoteClaim records an active claim for tie-breaking.
func (r *WorkerRegistry) NoteClaim(worker, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claims[worker] == nil {
		r.claims[worker] = make(map[string]bool)
	}
	r.claims[worker][executionID] = true
}

// ReleaseClaim drops an active claim when its execution rests.
func (r *WorkerRegistry) ReleaseClaim(worker, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims[worker], executionID)
}

// ClaimCount returns the worker's active claims.
func (r *WorkerRegistry) ClaimCount(worker string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims[worker])
}

// EvictStale removes workers whose stream has been closed past the
// grace period and returns their names so the caller can revert any
// executions they still own.
func (r *WorkerRegistry) EvictStale(ctx context.Context) []string {
	cutoff := time.Now().Add(-r.grace)

	r.mu.Lock()
	var stale []string
	for name, seen := range r.lastSeen {
		if _, connected := r.conns[name]; connected {
			continue
		}
		if seen.Before(cutoff) {
			stale = append(stale, name)
			delete(r.lastSeen, name)
			delete(r.claims, name)
		}
	}
	r.mu.Unlock()

	for _, name := range stale {
		if err := r.store.DeleteWorker(ctx, name); err != nil && !fluxerrors.IsNotFound(err) {
			r.logger.Warn("failed to delete evicted worker", "worker", name, "error", err)
		}
		r.logger.Info("worker evicted", "worker", name, "grace", r.grace)
	}
	return stale
}
