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

package flux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fluxio/flux/internal/cache"
	"github.com/fluxio/flux/internal/codec"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// pauseSignal unwinds the workflow body when Pause suspends the
// execution. Only the runtime recovers it.
type pauseSignal struct {
	name string
}

// cancelSignal unwinds the workflow body when cancellation is observed
// at a cooperative point. Only the runtime recovers it.
type cancelSignal struct {
	reason string
}

// pendingRollback is a started-but-unfinished task whose rollback must
// run if the execution is cancelled.
type pendingRollback struct {
	task     *Task
	sourceID string
	args     []any
	kwargs   map[string]any
}

// Context is the workflow-side execution context. It wraps the
// journaled event log and everything a deterministic body may touch:
// the input, task invocation, builtins, pause and cancellation.
//
// A Context is driven by exactly one workflow goroutine; Parallel
// serializes its children onto the journal through the underlying
// context's mutex.
type Context struct {
	goCtx   context.Context
	ec      *execution.Context
	cod     codec.Codec
	cache   cache.Store
	secrets map[string]string
	logger  *slog.Logger

	scope string

	mu        sync.Mutex
	counters  map[string]int
	rollbacks []pendingRollback

	resumeInput []byte
	hasResume   bool
}

// ExecutionID returns the execution identifier.
func (c *Context) ExecutionID() string { return c.ec.ExecutionID() }

// WorkflowName returns the workflow name.
func (c *Context) WorkflowName() string { return c.ec.WorkflowName() }

// Logger returns the execution-scoped logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// GoContext returns the worker's context for the current drive.
func (c *Context) GoContext() context.Context { return c.goCtx }

// RawInput returns the encoded execution input.
func (c *Context) RawInput() []byte { return c.ec.Input() }

// Input decodes the execution input into dest.
func (c *Context) Input(dest any) error {
	return c.decodeInto(c.ec.Input(), dest)
}

// InputValue decodes the execution input to its generic form.
func (c *Context) InputValue() (any, error) {
	if len(c.ec.Input()) == 0 {
		return nil, nil
	}
	return c.cod.Decode(c.ec.Input())
}

// Pause suspends the execution under the given name and unwinds to the
// runtime. When the execution is later resumed, the body replays to
// this point and Pause returns the resume input.
func (c *Context) Pause(name string) (any, error) {
	c.checkSignal()

	idx := c.nextIndex("pause_" + name)
	sourceID := execution.SourceID(c.scope, "pause_"+name, idx)

	var paused bool
	for _, e := range c.ec.Events() {
		if e.SourceID != sourceID {
			continue
		}
		switch e.Type {
		case execution.EventWorkflowResumed:
			return c.decodeValue(e.Value)
		case execution.EventWorkflowPaused:
			paused = true
		}
	}

	if paused {
		if c.consumeResume() {
			if _, err := c.ec.AddEvent(c.goCtx, execution.EventWorkflowResumed, sourceID, name, c.resumeInput); err != nil {
				return nil, err
			}
			return c.decodeValue(c.resumeInput)
		}
		// Paused and no resume input pending: suspend again.
		panic(pauseSignal{name: name})
	}

	encoded, err := c.encode(name)
	if err != nil {
		return nil, err
	}
	if _, err := c.ec.AddEvent(c.goCtx, execution.EventWorkflowPaused, sourceID, name, encoded); err != nil {
		return nil, err
	}
	panic(pauseSignal{name: name})
}

// consumeResume marks the pending resume input as used. Each resume
// drive satisfies exactly one Pause.
func (c *Context) consumeResume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasResume {
		return false
	}
	c.hasResume = false
	return true
}

// nextIndex returns the invocation index for a call site. The counter
// increments only when an invocation actually happens, so replay walks
// the same sequence.
func (c *Context) nextIndex(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.counters[name]
	c.counters[name] = idx + 1
	return idx
}

// checkSignal observes cooperative cancellation. Invocation entry,
// pause, and sleeps are the suspension points.
func (c *Context) checkSignal() {
	if c.ec.CancelRequested() {
		panic(cancelSignal{reason: "cancellation requested"})
	}
	select {
	case <-c.goCtx.Done():
		panic(cancelSignal{reason: c.goCtx.Err().Error()})
	default:
	}
}

// registerRollback records a started-but-unfinished task so its
// rollback runs before WORKFLOW_CANCELLED.
func (c *Context) registerRollback(t *Task, sourceID string, args []any, kwargs map[string]any) {
	if t.opts.rollback == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks = append(c.rollbacks, pendingRollback{task: t, sourceID: sourceID, args: args, kwargs: kwargs})
}

// runPendingRollbacks compensates in-flight tasks, most recent first.
// Rollback errors are logged and swallowed; cancellation must converge.
func (c *Context) runPendingRollbacks() {
	c.mu.Lock()
	pending := c.rollbacks
	c.rollbacks = nil
	c.mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		p := pending[i]
		p.task.runRollback(c, p.sourceID, p.args, p.kwargs)
	}
}

// sleep waits cooperatively, observing cancellation.
func (c *Context) sleep(d time.Duration) {
	if d <= 0 {
		c.checkSignal()
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.goCtx.Done():
	}
	c.checkSignal()
}

func (c *Context) encode(value any) ([]byte, error) {
	data, err := c.cod.Encode(value)
	if err != nil {
		return nil, &fluxerrors.EncodeError{Codec: c.cod.Name(), Cause: err}
	}
	return data, nil
}

func (c *Context) decodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return c.cod.Decode(data)
}

func (c *Context) decodeInto(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	type decoderInto interface {
		DecodeInto(data []byte, dest any) error
	}
	if d, ok := c.cod.(decoderInto); ok {
		return d.DecodeInto(data, dest)
	}
	// Generic fallback: decode then rebind through JSON.
	value, err := c.cod.Decode(data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return &fluxerrors.DecodeError{Codec: c.cod.Name(), Cause: err}
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &fluxerrors.DecodeError{Codec: c.cod.Name(), Cause: err}
	}
	return nil
}

// TaskContext is what a task body receives: the attempt-scoped Go
// context, injected secrets, invocation metadata, and the workflow
// context for nested invocations.
type TaskContext struct {
	ctx     context.Context
	c       *Context
	secrets map[string]string
	kwargs  map[string]any
	meta    Metadata
}

// Metadata describes the current invocation.
type Metadata struct {
	TaskID      string
	TaskName    string
	Attempt     int
	ExecutionID string
}

// Context returns the attempt-scoped Go context. Task bodies observe
// timeouts and cancellation through it.
func (tc *TaskContext) Context() context.Context { return tc.ctx }

// Workflow returns the enclosing workflow context for nested task
// invocations.
func (tc *TaskContext) Workflow() *Context { return tc.c }

// Metadata returns the invocation metadata.
func (tc *TaskContext) Metadata() Metadata { return tc.meta }

// Kwargs returns the named arguments of a graph node invocation.
func (tc *TaskContext) Kwargs() map[string]any { return tc.kwargs }

// Secret returns an injected secret value.
func (tc *TaskContext) Secret(name string) (string, error) {
	value, ok := tc.secrets[name]
	if !ok {
		return "", &fluxerrors.NotFoundError{Resource: "secret", ID: name}
	}
	return value, nil
}

// Logger returns the execution-scoped logger.
func (tc *TaskContext) Logger() *slog.Logger { return tc.c.logger }

// errMissingSecret builds the invocation error for an unresolved secret.
func errMissingSecret(task, secret string) error {
	return &fluxerrors.ExecutionError{
		Message: fmt.Sprintf("task %s requests secret %q which was not resolved for this execution", task, secret),
	}
}
