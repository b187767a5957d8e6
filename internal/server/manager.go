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
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/catalog"
	"github.com/fluxio/flux/internal/execution"
	"github.com/fluxio/flux/internal/metrics"
	"github.com/fluxio/flux/internal/tracing"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// cancellableStates are the states a cancellation request is valid from.
var cancellableStates = []execution.State{
	execution.StateScheduled,
	execution.StateClaimed,
	execution.StateRunning,
	execution.StatePaused,
}

// ExecutionManager owns execution records and their server-side state
// transitions. Every durable mutation goes through the backend; the
// manager adds the transition rules, the watcher fanout, and metrics.
type ExecutionManager struct {
	store    backend.Backend
	catalog  *catalog.Catalog
	registry *WorkerRegistry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// kick wakes the dispatcher after a transition into SCHEDULED.
	kick func()

	mu          sync.Mutex
	watchers    map[string]map[chan *execution.Record]bool
	scheduledAt map[string]time.Time
}

// NewExecutionManager creates a manager. kick may be nil when no
// dispatcher is attached (tests).
func NewExecutionManager(store backend.Backend, cat *catalog.Catalog, reg *WorkerRegistry, m *metrics.Metrics, logger *slog.Logger, kick func()) *ExecutionManager {
	if kick == nil {
		kick = func() {}
	}
	return &ExecutionManager{
		store:       store,
		catalog:     cat,
		registry:    reg,
		metrics:     m,
		logger:      logger,
		kick:        kick,
		watchers:    make(map[string]map[chan *execution.Record]bool),
		scheduledAt: make(map[string]time.Time),
	}
}

// Submit creates an execution for the named workflow and schedules it.
// Version <= 0 selects the latest catalog version.
func (m *ExecutionManager) Submit(ctx context.Context, workflowName string, version int, input []byte) (*execution.Record, error) {
	ctx, span := tracing.StartSubmit(ctx, workflowName)
	defer span.End()

	wf, err := m.catalog.Get(ctx, workflowName, version)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &execution.Record{
		ID:           uuid.NewString(),
		WorkflowName: wf.Name,
		WorkflowID:   wf.ID(),
		Input:        input,
		State:        execution.StateCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}

	scheduled, err := m.store.TransitionExecution(ctx, rec.ID,
		[]execution.State{execution.StateCreated}, execution.StateScheduled, "")
	if err != nil {
		return nil, err
	}

	m.markScheduled(rec.ID)
	m.logger.Info("execution submitted", "execution_id", rec.ID, "workflow", rec.WorkflowID)
	m.kick()
	return scheduled, nil
}

// Get loads an execution with its event log.
func (m *ExecutionManager) Get(ctx context.Context, id string) (*execution.Record, error) {
	return m.store.GetExecution(ctx, id)
}

// Resume stores resume input on a paused execution and reschedules it.
func (m *ExecutionManager) Resume(ctx context.Context, id string, input []byte) (*execution.Record, error) {
	if err := m.store.SetResumeInput(ctx, id, input); err != nil {
		return nil, err
	}
	rec, err := m.store.TransitionExecution(ctx, id,
		[]execution.State{execution.StatePaused}, execution.StateScheduled, "")
	if err != nil {
		return nil, err
	}
	m.markScheduled(id)
	m.logger.Info("execution resumed", "execution_id", id)
	m.kick()
	return rec, nil
}

// RequestCancel moves an execution to CANCELLING. When a live worker
// owns it, the worker is told and confirms through a checkpoint; when
// nothing is driving it, the server finalizes the journal itself.
func (m *ExecutionManager) RequestCancel(ctx context.Context, id string) (*execution.Record, error) {
	rec, err := m.store.TransitionExecution(ctx, id, cancellableStates, execution.StateCancelling, "")
	if err != nil {
		return nil, err
	}

	if rec.Worker != "" && m.registry.IsConnected(rec.Worker) {
		m.registry.Send(rec.Worker, ControlFrame{
			Event: FrameExecutionCancelled,
			Data:  CancelledPayload{ExecutionID: id},
		})
		return rec, nil
	}
	return m.finalizeCancelled(ctx, rec)
}

// finalizeCancelled appends the terminal event for an execution nobody
// is driving. There are no in-flight tasks, so no rollbacks are owed.
func (m *ExecutionManager) finalizeCancelled(ctx context.Context, rec *execution.Record) (*execution.Record, error) {
	reason, _ := json.Marshal("cancellation requested")
	event := execution.Event{
		Seq:       rec.CheckpointSeq + 1,
		Type:      execution.EventWorkflowCancelled,
		SourceID:  execution.SourceID(rec.ID, rec.WorkflowName, 0),
		Name:      rec.WorkflowName,
		Value:     reason,
		Timestamp: time.Now().UTC(),
	}
	updated, err := m.store.AppendEvents(ctx, rec.ID, rec.CheckpointSeq, []execution.Event{event})
	if err != nil {
		return nil, err
	}
	m.afterAppend(updated, 1)
	return updated, nil
}

// Claim is the at-most-one claim CAS: the first worker to find the
// execution SCHEDULED wins it, everyone else conflicts.
func (m *ExecutionManager) Claim(ctx context.Context, worker, id string) (*execution.Record, error) {
	rec, err := m.store.TransitionExecution(ctx, id,
		[]execution.State{execution.StateScheduled}, execution.StateClaimed, worker)
	if err != nil {
		if fluxerrors.IsConflict(err) {
			m.metrics.ClaimsTotal.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}

	m.registry.NoteClaim(worker, id)
	m.metrics.ClaimsTotal.WithLabelValues("won").Inc()

	m.mu.Lock()
	if at, ok := m.scheduledAt[id]; ok {
		m.metrics.DispatchLatency.Observe(time.Since(at).Seconds())
		delete(m.scheduledAt, id)
	}
	m.mu.Unlock()

	m.logger.Info("execution claimed", "execution_id", id, "worker", worker)
	return rec, nil
}

// Checkpoint appends events from the owning worker. baseSeq must match
// the stored checkpoint sequence exactly; a stale append changes
// nothing and conflicts.
func (m *ExecutionManager) Checkpoint(ctx context.Context, worker, id string, baseSeq int64, events []execution.Event) (*execution.Record, error) {
	if len(events) == 0 {
		return nil, &fluxerrors.ValidationError{Field: "events", Message: "checkpoint carries no events"}
	}

	ctx, span := tracing.StartCheckpoint(ctx, id, worker, len(events))
	defer span.End()

	rec, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Worker != worker {
		return nil, &fluxerrors.ConflictError{
			Resource: "execution",
			ID:       id,
			Reason:   "execution is not owned by this worker",
		}
	}

	updated, err := m.store.AppendEvents(ctx, id, baseSeq, events)
	if err != nil {
		if fluxerrors.IsConflict(err) {
			m.metrics.CheckpointConflicts.Inc()
		}
		return nil, err
	}

	m.afterAppend(updated, len(events))
	return updated, nil
}

// afterAppend fans out the updated record and settles claim accounting
// when the execution rests.
func (m *ExecutionManager) afterAppend(rec *execution.Record, appended int) {
	m.metrics.CheckpointEvents.Add(float64(appended))

	if rec.State.IsTerminal() {
		m.metrics.ExecutionsTotal.WithLabelValues(string(rec.State)).Inc()
	}
	if rec.State.IsTerminal() || rec.State == execution.StatePaused {
		if rec.Worker != "" {
			m.registry.ReleaseClaim(rec.Worker, rec.ID)
		}
	}
	m.fanout(rec)
}

// Watch subscribes to state changes of one execution. The returned
// cancel func must be called; the channel closes after it.
func (m *ExecutionManager) Watch(id string) (<-chan *execution.Record, func()) {
	ch := make(chan *execution.Record, 16)

	m.mu.Lock()
	if m.watchers[id] == nil {
		m.watchers[id] = make(map[chan *execution.Record]bool)
	}
	m.watchers[id][ch] = true
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if subs, ok := m.watchers[id]; ok && subs[ch] {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(m.watchers, id)
			}
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *ExecutionManager) fanout(rec *execution.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.watchers[rec.ID] {
		select {
		case ch <- rec.Summary():
		default:
			// A slow subscriber misses intermediate states; it re-reads
			// the record when it catches up.
		}
	}
}

// WaitForRest blocks until the execution reaches a terminal or paused
// state, or ctx expires.
func (m *ExecutionManager) WaitForRest(ctx context.Context, id string) (*execution.Record, error) {
	ch, cancel := m.Watch(id)
	defer cancel()

	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.IsTerminal() || rec.State == execution.StatePaused {
		return rec, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, &fluxerrors.TimeoutError{Operation: "wait for execution", Timeout: 0}
		case update := <-ch:
			if update == nil {
				continue
			}
			if update.State.IsTerminal() || update.State == execution.StatePaused {
				return m.Get(ctx, id)
			}
		}
	}
}

// WaitForState blocks until the execution reaches one of the states.
func (m *ExecutionManager) WaitForState(ctx context.Context, id string, states ...execution.State) (*execution.Record, error) {
	ch, cancel := m.Watch(id)
	defer cancel()

	matches := func(s execution.State) bool {
		for _, want := range states {
			if s == want {
				return true
			}
		}
		return false
	}

	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if matches(rec.State) {
		return rec, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, &fluxerrors.TimeoutError{Operation: "wait for execution state", Timeout: 0}
		case update := <-ch:
			if update == nil {
				continue
			}
			if matches(update.State) {
				return m.Get(ctx, id)
			}
		}
	}
}

// ReleaseWorker reverts everything an evicted worker still owned.
// Claimed and running executions go back to SCHEDULED for re-dispatch;
// replay on the next worker skips what is already journaled. A
// cancelling execution has no driver left to confirm, so it is
// finalized here.
func (m *ExecutionManager) ReleaseWorker(ctx context.Context, worker string) {
	for _, state := range []execution.State{execution.StateClaimed, execution.StateRunning} {
		records, err := m.store.ListExecutionsByState(ctx, state, 0)
		if err != nil {
			m.logger.Warn("failed to list executions for released worker", "worker", worker, "error", err)
			continue
		}
		for _, rec := range records {
			if rec.Worker != worker {
				continue
			}
			if _, err := m.store.TransitionExecution(ctx, rec.ID,
				[]execution.State{state}, execution.StateScheduled, ""); err != nil {
				m.logger.Warn("failed to reschedule execution", "execution_id", rec.ID, "error", err)
				continue
			}
			m.markScheduled(rec.ID)
			m.logger.Info("execution rescheduled after worker loss", "execution_id", rec.ID, "worker", worker)
		}
	}

	cancelling, err := m.store.ListExecutionsByState(ctx, execution.StateCancelling, 0)
	if err != nil {
		m.logger.Warn("failed to list cancelling executions", "worker", worker, "error", err)
	} else {
		for _, rec := range cancelling {
			if rec.Worker != worker {
				continue
			}
			if _, err := m.finalizeCancelled(ctx, rec); err != nil {
				m.logger.Warn("failed to finalize cancellation", "execution_id", rec.ID, "error", err)
			}
		}
	}
	m.kick()
}

func (m *ExecutionManager) markScheduled(id string) {
	m.mu.Lock()
	m.scheduledAt[id] = time.Now()
	m.mu.Unlock()
}
