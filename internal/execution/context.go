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

package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// CheckpointFunc persists newly appended events. The durable write must
// complete before the call returns; the runtime appends nothing further
// until it does.
type CheckpointFunc func(ctx context.Context, c *Context, events []Event) error

// Context is the event-sourced execution context a worker drives
// workflow code against. Appends are serialized through appendMu, which
// stays held across the durable checkpoint write so events reach
// storage in seq order; mu guards only the in-memory snapshot, so
// readers never wait on storage.
type Context struct {
	executionID  string
	workflowName string
	workflowID   string
	input        []byte

	appendMu sync.Mutex

	mu            sync.Mutex
	events        []Event
	checkpointSeq int64
	checkpoint    CheckpointFunc

	cancelled atomic.Bool
}

// NewContext creates a context for a fresh execution.
func NewContext(workflowName, workflowID string, input []byte) *Context {
	return &Context{
		executionID:  uuid.NewString(),
		workflowName: workflowName,
		workflowID:   workflowID,
		input:        input,
	}
}

// Restore rebuilds a context from persisted state.
func Restore(executionID, workflowName, workflowID string, input []byte, events []Event) *Context {
	seq := int64(0)
	if len(events) > 0 {
		seq = events[len(events)-1].Seq
	}
	return &Context{
		executionID:   executionID,
		workflowName:  workflowName,
		workflowID:    workflowID,
		input:         input,
		events:        events,
		checkpointSeq: seq,
	}
}

// SetCheckpoint installs the persistence callback invoked after every
// event append.
func (c *Context) SetCheckpoint(fn CheckpointFunc) { c.checkpoint = fn }

// ExecutionID returns the globally unique execution identifier.
func (c *Context) ExecutionID() string { return c.executionID }

// WorkflowName returns the workflow name.
func (c *Context) WorkflowName() string { return c.workflowName }

// WorkflowID returns the workflow version key.
func (c *Context) WorkflowID() string { return c.workflowID }

// Input returns the encoded execution input.
func (c *Context) Input() []byte { return c.input }

// CheckpointSeq returns the sequence number of the last appended event.
func (c *Context) CheckpointSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointSeq
}

// Events returns a copy of the journal.
func (c *Context) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// State derives the current state from the journal.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DeriveState(c.events)
}

// HasStarted reports whether a WORKFLOW_STARTED event exists.
func (c *Context) HasStarted() bool { return c.hasEvent(EventWorkflowStarted) }

// HasFinished reports whether the execution reached a terminal state.
func (c *Context) HasFinished() bool { return c.State().IsTerminal() }

// HasSucceeded reports whether the execution completed.
func (c *Context) HasSucceeded() bool { return c.State() == StateCompleted }

// HasFailed reports whether the execution failed.
func (c *Context) HasFailed() bool { return c.State() == StateFailed }

// IsPaused reports whether the execution is paused.
func (c *Context) IsPaused() bool { return c.State() == StatePaused }

// IsCancelled reports whether the execution journal is cancelled.
func (c *Context) IsCancelled() bool { return c.State() == StateCancelled }

func (c *Context) hasEvent(t EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// Output returns the encoded value of the terminal WORKFLOW_COMPLETED
// event, or nil.
func (c *Context) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Type == EventWorkflowCompleted {
			return e.Value
		}
	}
	return nil
}

// ErrorValue returns the encoded value of the terminal WORKFLOW_FAILED
// event, or nil.
func (c *Context) ErrorValue() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Type == EventWorkflowFailed {
			return e.Value
		}
	}
	return nil
}

// AddEvent appends an event to the journal and checkpoints it. appendMu
// is held across the durable write, so concurrent appenders deliver
// their checkpoints in seq order; the event joins the in-memory journal
// only once the write succeeds, so a failed checkpoint leaves the
// journal exactly where storage last saw it.
func (c *Context) AddEvent(ctx context.Context, t EventType, sourceID, name string, value []byte) (Event, error) {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	c.mu.Lock()
	seq := c.checkpointSeq + 1
	fn := c.checkpoint
	c.mu.Unlock()

	e := Event{
		Seq:       seq,
		Type:      t,
		SourceID:  sourceID,
		Name:      name,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}

	if fn != nil {
		if err := fn(ctx, c, []Event{e}); err != nil {
			return e, &fluxerrors.UnavailableError{Component: "checkpoint", Cause: err}
		}
	}

	c.mu.Lock()
	c.checkpointSeq = seq
	c.events = append(c.events, e)
	c.mu.Unlock()
	return e, nil
}

// Start journals WORKFLOW_STARTED carrying the input.
func (c *Context) Start(ctx context.Context, sourceID string) error {
	_, err := c.AddEvent(ctx, EventWorkflowStarted, sourceID, c.workflowName, c.input)
	return err
}

// Complete journals WORKFLOW_COMPLETED with the encoded output.
func (c *Context) Complete(ctx context.Context, sourceID string, output []byte) error {
	_, err := c.AddEvent(ctx, EventWorkflowCompleted, sourceID, c.workflowName, output)
	return err
}

// Fail journals WORKFLOW_FAILED with the encoded error.
func (c *Context) Fail(ctx context.Context, sourceID string, errValue []byte) error {
	_, err := c.AddEvent(ctx, EventWorkflowFailed, sourceID, c.workflowName, errValue)
	return err
}

// Pause journals WORKFLOW_PAUSED with the encoded pause reference.
func (c *Context) Pause(ctx context.Context, sourceID string, ref []byte) error {
	_, err := c.AddEvent(ctx, EventWorkflowPaused, sourceID, c.workflowName, ref)
	return err
}

// Resume journals WORKFLOW_RESUMED carrying the resume input.
func (c *Context) Resume(ctx context.Context, sourceID string, input []byte) error {
	_, err := c.AddEvent(ctx, EventWorkflowResumed, sourceID, c.workflowName, input)
	return err
}

// Cancel journals WORKFLOW_CANCELLED with the encoded reason.
func (c *Context) Cancel(ctx context.Context, sourceID string, reason []byte) error {
	_, err := c.AddEvent(ctx, EventWorkflowCancelled, sourceID, c.workflowName, reason)
	return err
}

// RequestCancel raises the cooperative cancellation flag. The runtime
// observes it at the next suspension point.
func (c *Context) RequestCancel() { c.cancelled.Store(true) }

// CancelRequested reports whether cancellation has been requested.
func (c *Context) CancelRequested() bool { return c.cancelled.Load() }

// CheckCancellation returns a CancelledError if cancellation has been
// requested. Suspension points call this.
func (c *Context) CheckCancellation() error {
	if c.cancelled.Load() {
		return &fluxerrors.CancelledError{}
	}
	return nil
}
