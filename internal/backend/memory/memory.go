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

// Package memory provides an in-memory backend for tests and
// single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Compile-time interface assertion.
var _ backend.Backend = (*Backend)(nil)

// Backend is an in-memory repository. All operations are serialized
// through a single mutex, which trivially satisfies the per-execution
// ACID requirement.
type Backend struct {
	mu         sync.Mutex
	workflows  map[string][]*backend.Workflow // name -> versions ascending
	executions map[string]*execution.Record
	workers    map[string]*backend.Worker
	secrets    map[string][]byte
	cache      map[string]*backend.CacheEntry
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		workflows:  make(map[string][]*backend.Workflow),
		executions: make(map[string]*execution.Record),
		workers:    make(map[string]*backend.Worker),
		secrets:    make(map[string][]byte),
		cache:      make(map[string]*backend.CacheEntry),
	}
}

// SaveWorkflow implements backend.Backend.
func (b *Backend) SaveWorkflow(_ context.Context, wf *backend.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	versions := b.workflows[wf.Name]
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].Version + 1
	}
	if wf.Version == 0 {
		wf.Version = next
	} else if wf.Version != next {
		return &fluxerrors.ConflictError{Resource: "workflow", ID: wf.Name, Reason: "duplicate version"}
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	cp := *wf
	b.workflows[wf.Name] = append(versions, &cp)
	return nil
}

// GetWorkflow implements backend.Backend.
func (b *Backend) GetWorkflow(_ context.Context, name string, version int) (*backend.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	versions := b.workflows[name]
	if len(versions) == 0 {
		return nil, &fluxerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	if version <= 0 {
		cp := *versions[len(versions)-1]
		return &cp, nil
	}
	for _, wf := range versions {
		if wf.Version == version {
			cp := *wf
			return &cp, nil
		}
	}
	return nil, &fluxerrors.NotFoundError{Resource: "workflow", ID: name}
}

// ListWorkflows implements backend.Backend.
func (b *Backend) ListWorkflows(_ context.Context) ([]*backend.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*backend.Workflow, 0, len(b.workflows))
	for _, versions := range b.workflows {
		cp := *versions[len(versions)-1]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListWorkflowVersions implements backend.Backend.
func (b *Backend) ListWorkflowVersions(_ context.Context, name string) ([]*backend.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	versions := b.workflows[name]
	if len(versions) == 0 {
		return nil, &fluxerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	out := make([]*backend.Workflow, len(versions))
	for i, wf := range versions {
		cp := *wf
		out[i] = &cp
	}
	return out, nil
}

// CreateExecution implements backend.Backend.
func (b *Backend) CreateExecution(_ context.Context, rec *execution.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.executions[rec.ID]; ok {
		return &fluxerrors.ConflictError{Resource: "execution", ID: rec.ID, Reason: "already exists"}
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	b.executions[rec.ID] = rec.Clone()
	return nil
}

// GetExecution implements backend.Backend.
func (b *Backend) GetExecution(_ context.Context, id string) (*execution.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.executions[id]
	if !ok {
		return nil, &fluxerrors.NotFoundError{Resource: "execution", ID: id}
	}
	return rec.Clone(), nil
}

// ListExecutionsByState implements backend.Backend.
func (b *Backend) ListExecutionsByState(_ context.Context, state execution.State, limit int) ([]*execution.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*execution.Record
	for _, rec := range b.executions {
		if rec.State == state {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TransitionExecution implements backend.Backend.
func (b *Backend) TransitionExecution(_ context.Context, id string, from []execution.State, next execution.State, worker string) (*execution.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.executions[id]
	if !ok {
		return nil, &fluxerrors.NotFoundError{Resource: "execution", ID: id}
	}
	allowed := false
	for _, s := range from {
		if rec.State == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &fluxerrors.ConflictError{
			Resource: "execution",
			ID:       id,
			Reason:   "state is " + string(rec.State),
		}
	}
	rec.State = next
	if worker != "" || next == execution.StateScheduled {
		rec.Worker = worker
	}
	rec.UpdatedAt = time.Now().UTC()
	return rec.Clone(), nil
}

// SetResumeInput implements backend.Backend.
func (b *Backend) SetResumeInput(_ context.Context, id string, input []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.executions[id]
	if !ok {
		return &fluxerrors.NotFoundError{Resource: "execution", ID: id}
	}
	rec.ResumeInput = input
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendEvents implements backend.Backend.
func (b *Backend) AppendEvents(_ context.Context, id string, baseSeq int64, events []execution.Event) (*execution.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.executions[id]
	if !ok {
		return nil, &fluxerrors.NotFoundError{Resource: "execution", ID: id}
	}
	if rec.State.IsTerminal() {
		return nil, &fluxerrors.ConflictError{Resource: "execution", ID: id, Reason: "execution is terminal"}
	}
	if rec.CheckpointSeq != baseSeq {
		return nil, &fluxerrors.ConflictError{Resource: "execution", ID: id, Reason: "stale checkpoint_seq"}
	}
	want := baseSeq
	for _, e := range events {
		want++
		if e.Seq != want {
			return nil, &fluxerrors.ValidationError{Field: "events", Message: "sequence gap in checkpoint"}
		}
	}
	rec.ApplyEvents(events)
	return rec.Clone(), nil
}

// UpsertWorker implements backend.Backend.
func (b *Backend) UpsertWorker(_ context.Context, w *backend.Worker) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := *w
	if cp.LastSeen.IsZero() {
		cp.LastSeen = time.Now().UTC()
	}
	b.workers[w.Name] = &cp
	return nil
}

// GetWorker implements backend.Backend.
func (b *Backend) GetWorker(_ context.Context, name string) (*backend.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[name]
	if !ok {
		return nil, &fluxerrors.NotFoundError{Resource: "worker", ID: name}
	}
	cp := *w
	return &cp, nil
}

// ListWorkers implements backend.Backend.
func (b *Backend) ListWorkers(_ context.Context) ([]*backend.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*backend.Worker, 0, len(b.workers))
	for _, w := range b.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteWorker implements backend.Backend.
func (b *Backend) DeleteWorker(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, name)
	return nil
}

// TouchWorker implements backend.Backend.
func (b *Backend) TouchWorker(_ context.Context, name string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[name]
	if !ok {
		return &fluxerrors.NotFoundError{Resource: "worker", ID: name}
	}
	w.LastSeen = at
	return nil
}

// PutSecret implements backend.Backend.
func (b *Backend) PutSecret(_ context.Context, name string, ciphertext []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(ciphertext))
	copy(cp, ciphertext)
	b.secrets[name] = cp
	return nil
}

// GetSecret implements backend.Backend.
func (b *Backend) GetSecret(_ context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ct, ok := b.secrets[name]
	if !ok {
		return nil, &fluxerrors.NotFoundError{Resource: "secret", ID: name}
	}
	cp := make([]byte, len(ct))
	copy(cp, ct)
	return cp, nil
}

// ListSecrets implements backend.Backend.
func (b *Backend) ListSecrets(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.secrets))
	for name := range b.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteSecret implements backend.Backend.
func (b *Backend) DeleteSecret(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.secrets[name]; !ok {
		return &fluxerrors.NotFoundError{Resource: "secret", ID: name}
	}
	delete(b.secrets, name)
	return nil
}

// PutCacheEntry implements backend.Backend.
func (b *Backend) PutCacheEntry(_ context.Context, entry *backend.CacheEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := entry.TaskName + "\x00" + entry.Fingerprint
	if _, ok := b.cache[key]; ok {
		// Entries are immutable; first write wins.
		return nil
	}
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	b.cache[key] = &cp
	return nil
}

// GetCacheEntry implements backend.Backend.
func (b *Backend) GetCacheEntry(_ context.Context, taskName, fingerprint string) (*backend.CacheEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.cache[taskName+"\x00"+fingerprint]
	if !ok {
		return nil, &fluxerrors.NotFoundError{Resource: "cache entry", ID: taskName}
	}
	cp := *entry
	return &cp, nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error { return nil }
