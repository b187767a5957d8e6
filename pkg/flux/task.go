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
	"errors"
	"math"
	"time"

	"github.com/fluxio/flux/internal/codec"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// TaskFunc is a task body. It receives the attempt-scoped TaskContext
// and the positional arguments of the invocation.
type TaskFunc func(tc *TaskContext, args ...any) (any, error)

// Task is an invocable unit of work. Tasks hold the side effects of a
// workflow; every invocation is journaled and a completed invocation is
// never executed twice within the same execution lineage.
type Task struct {
	name string
	fn   TaskFunc
	opts taskOptions
}

// NewTask creates a task value.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{name: name, fn: fn}
	for _, opt := range opts {
		opt(&t.opts)
	}
	if t.opts.retryBackoff < 1 {
		t.opts.retryBackoff = 2
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// SecretRequests returns the secrets this task declares.
func (t *Task) SecretRequests() []string { return t.opts.secretRequests }

// Invoke runs the task with positional arguments.
func (t *Task) Invoke(c *Context, args ...any) (any, error) {
	return t.invoke(c, args, nil)
}

// InvokeNamed runs the task with named arguments, the calling
// convention of graph workflow nodes.
func (t *Task) InvokeNamed(c *Context, kwargs map[string]any) (any, error) {
	return t.invoke(c, nil, kwargs)
}

// Map invokes the task once per element. Each element gets a distinct
// invocation index, so replay resolves them independently.
func (t *Task) Map(c *Context, items []any) ([]any, error) {
	results := make([]any, len(items))
	for i, item := range items {
		result, err := t.invoke(c, []any{item}, nil)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

func (t *Task) invoke(c *Context, args []any, kwargs map[string]any) (any, error) {
	c.checkSignal()
	idx := c.nextIndex(t.name)
	sourceID := execution.SourceID(c.scope, t.name, idx)
	return t.run(c, sourceID, args, kwargs)
}

// journalState is what the event log already says about one source_id.
type journalState struct {
	started         bool
	failures        int
	retryStarts     int
	fallbackStarted bool
	rollbackStarted bool
	lastFailure     []byte
}

func scanJournal(events []execution.Event, sourceID string) (journalState, *execution.Event) {
	var js journalState
	for i := range events {
		e := &events[i]
		if e.SourceID != sourceID {
			continue
		}
		switch {
		case e.Type.IsTaskSuccess():
			return js, e
		case e.Type == execution.EventTaskFallbackFailed:
			return js, e
		case e.Type == execution.EventTaskFailed, e.Type == execution.EventTaskRetryFailed:
			js.failures++
			js.lastFailure = e.Value
		case e.Type == execution.EventTaskStarted:
			js.started = true
		case e.Type == execution.EventTaskRetryStarted:
			js.retryStarts++
		case e.Type == execution.EventTaskFallbackStarted:
			js.fallbackStarted = true
		case e.Type == execution.EventTaskRollbackStarted:
			js.rollbackStarted = true
		}
	}
	return js, nil
}

// run executes the invocation algorithm against the journal: replay
// short-circuit, cache probe, secret injection, attempt loop with
// retry, then fallback, then rollback.
func (t *Task) run(c *Context, sourceID string, args []any, kwargs map[string]any) (any, error) {
	js, terminal := scanJournal(c.ec.Events(), sourceID)
	if terminal != nil {
		if terminal.Type.IsTaskSuccess() {
			return c.decodeValue(terminal.Value)
		}
		// Journaled fallback failure: re-raise, never re-execute.
		return nil, execution.DecodeWireError(terminal.Value)
	}

	secrets, err := t.resolveSecrets(c)
	if err != nil {
		return nil, err
	}

	fingerprint := ""
	if t.opts.cache {
		fingerprint, err = codec.Fingerprint(t.name, args, kwargs)
		if err != nil {
			return nil, err
		}
	}

	// Cache probe happens only for a fresh invocation; a resumed attempt
	// already committed to executing.
	if t.opts.cache && !js.started && c.cache != nil {
		if value, ok, cErr := c.cache.Get(c.goCtx, t.name, fingerprint); cErr == nil && ok {
			if _, aErr := c.ec.AddEvent(c.goCtx, execution.EventTaskStarted, sourceID, t.name, nil); aErr != nil {
				return nil, aErr
			}
			if _, aErr := c.ec.AddEvent(c.goCtx, execution.EventTaskCompleted, sourceID, t.name, value); aErr != nil {
				return nil, aErr
			}
			return c.decodeValue(value)
		} else if cErr != nil {
			c.logger.Warn("cache probe failed", "task", t.name, "error", cErr)
		}
	}

	var lastErr error
	if js.started && js.failures > t.opts.retryMaxAttempts {
		// Retries were exhausted before the interruption; resume at the
		// fallback stage.
		lastErr = execution.DecodeWireError(js.lastFailure)
	} else {
		result, runErr, done := t.attemptLoop(c, sourceID, args, kwargs, secrets, js, fingerprint)
		if done {
			return result, runErr
		}
		lastErr = runErr
	}

	if t.opts.fallback != nil {
		result, fbErr, done := t.runFallback(c, sourceID, args, kwargs, secrets, js)
		if done {
			return result, fbErr
		}
		lastErr = fbErr
	}

	// A journaled rollback start means the compensation already ran on a
	// previous drive; replay re-raises the stored error only.
	if t.opts.rollback != nil && !js.rollbackStarted {
		t.runRollback(c, sourceID, args, kwargs)
	}

	return nil, lastErr
}

// attemptLoop runs attempts until success or exhaustion. done reports a
// final outcome; otherwise the returned error feeds the fallback stage.
func (t *Task) attemptLoop(c *Context, sourceID string, args []any, kwargs map[string]any, secrets map[string]string, js journalState, fingerprint string) (any, error, bool) {
	if !js.started {
		encodedArgs, err := c.encode(map[string]any{"args": args, "kwargs": kwargs})
		if err != nil {
			return nil, err, true
		}
		if _, err := c.ec.AddEvent(c.goCtx, execution.EventTaskStarted, sourceID, t.name, encodedArgs); err != nil {
			return nil, err, true
		}
	}

	attempt := js.failures
	// A retry that failed before its TASK_RETRY_STARTED was journaled
	// still owes that event.
	pendingRetryStart := js.started && attempt > 0 && js.retryStarts < attempt && attempt <= t.opts.retryMaxAttempts

	var lastErr error
	for ; attempt <= t.opts.retryMaxAttempts; attempt++ {
		if pendingRetryStart {
			if _, err := c.ec.AddEvent(c.goCtx, execution.EventTaskRetryStarted, sourceID, t.name, nil); err != nil {
				return nil, err, true
			}
			pendingRetryStart = false
		}

		result, err := t.runBody(c, t.fn, sourceID, args, kwargs, secrets, attempt)
		if err == nil {
			encoded, eErr := c.encode(result)
			if eErr != nil {
				return nil, eErr, true
			}
			evType := execution.EventTaskCompleted
			if attempt > 0 {
				evType = execution.EventTaskRetryCompleted
			}
			if _, aErr := c.ec.AddEvent(c.goCtx, evType, sourceID, t.name, encoded); aErr != nil {
				return nil, aErr, true
			}
			if t.opts.cache && c.cache != nil {
				if cErr := c.cache.Put(c.goCtx, t.name, fingerprint, encoded); cErr != nil {
					c.logger.Warn("cache store failed", "task", t.name, "error", cErr)
				}
			}
			return result, nil, true
		}

		if fluxerrors.IsCancelled(err) {
			c.registerRollback(t, sourceID, args, kwargs)
			panic(cancelSignal{reason: err.Error()})
		}

		failType := execution.EventTaskFailed
		if attempt > 0 {
			failType = execution.EventTaskRetryFailed
		}
		if _, aErr := c.ec.AddEvent(c.goCtx, failType, sourceID, t.name, execution.EncodeWireError(err)); aErr != nil {
			return nil, aErr, true
		}
		lastErr = err

		if attempt < t.opts.retryMaxAttempts {
			delay := time.Duration(float64(t.opts.retryDelay) * math.Pow(t.opts.retryBackoff, float64(attempt)))
			c.sleep(delay)
			if _, aErr := c.ec.AddEvent(c.goCtx, execution.EventTaskRetryStarted, sourceID, t.name, nil); aErr != nil {
				return nil, aErr, true
			}
		}
	}
	return nil, lastErr, false
}

// runFallback executes the fallback once. done reports success; on
// failure the error feeds the rollback stage and re-raise.
func (t *Task) runFallback(c *Context, sourceID string, args []any, kwargs map[string]any, secrets map[string]string, js journalState) (any, error, bool) {
	if !js.fallbackStarted {
		if _, err := c.ec.AddEvent(c.goCtx, execution.EventTaskFallbackStarted, sourceID, t.name, nil); err != nil {
			return nil, err, true
		}
	}

	result, err := t.runBody(c, t.opts.fallback, sourceID, args, kwargs, secrets, 0)
	if err == nil {
		encoded, eErr := c.encode(result)
		if eErr != nil {
			return nil, eErr, true
		}
		if _, aErr := c.ec.AddEvent(c.goCtx, execution.EventTaskFallbackCompleted, sourceID, t.name, encoded); aErr != nil {
			return nil, aErr, true
		}
		return result, nil, true
	}

	if fluxerrors.IsCancelled(err) {
		c.registerRollback(t, sourceID, args, kwargs)
		panic(cancelSignal{reason: err.Error()})
	}

	if _, aErr := c.ec.AddEvent(c.goCtx, execution.EventTaskFallbackFailed, sourceID, t.name, execution.EncodeWireError(err)); aErr != nil {
		return nil, aErr, true
	}
	return nil, err, false
}

// runRollback compensates a failed or cancelled task. Errors are logged
// and swallowed.
func (t *Task) runRollback(c *Context, sourceID string, args []any, kwargs map[string]any) {
	if t.opts.rollback == nil {
		return
	}
	if _, err := c.ec.AddEvent(c.goCtx, execution.EventTaskRollbackStarted, sourceID, t.name, nil); err != nil {
		c.logger.Error("journaling rollback start failed", "task", t.name, "error", err)
		return
	}
	tc := &TaskContext{
		ctx:    c.goCtx,
		c:      c,
		kwargs: kwargs,
		meta:   Metadata{TaskID: sourceID, TaskName: t.name, ExecutionID: c.ExecutionID()},
	}
	if _, err := t.opts.rollback(tc, args...); err != nil {
		c.logger.Error("rollback failed", "task", t.name, "error", err)
	}
	if _, err := c.ec.AddEvent(c.goCtx, execution.EventTaskRollbackCompleted, sourceID, t.name, nil); err != nil {
		c.logger.Error("journaling rollback completion failed", "task", t.name, "error", err)
	}
}

// resolveSecrets filters the execution's resolved secrets down to this
// task's requests.
func (t *Task) resolveSecrets(c *Context) (map[string]string, error) {
	if len(t.opts.secretRequests) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(t.opts.secretRequests))
	for _, name := range t.opts.secretRequests {
		value, ok := c.secrets[name]
		if !ok {
			return nil, errMissingSecret(t.name, name)
		}
		out[name] = value
	}
	return out, nil
}

// runBody executes one attempt of fn under the per-attempt deadline.
// Without a timeout the body runs inline so pause and cancel signals
// unwind naturally; with one it runs on a goroutine whose signal panics
// are re-raised here.
func (t *Task) runBody(c *Context, fn TaskFunc, sourceID string, args []any, kwargs map[string]any, secrets map[string]string, attempt int) (any, error) {
	ctx := c.goCtx
	if t.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.timeout)
		defer cancel()
	}

	tc := &TaskContext{
		ctx:     ctx,
		c:       c,
		secrets: secrets,
		kwargs:  kwargs,
		meta: Metadata{
			TaskID:      sourceID,
			TaskName:    t.name,
			Attempt:     attempt,
			ExecutionID: c.ExecutionID(),
		},
	}

	if t.opts.timeout <= 0 {
		return fn(tc, args...)
	}

	type outcome struct {
		value  any
		err    error
		signal any
	}
	ch := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o.signal = r
			}
			ch <- o
		}()
		o.value, o.err = fn(tc, args...)
	}()

	select {
	case o := <-ch:
		if o.signal != nil {
			panic(o.signal)
		}
		return o.value, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &fluxerrors.TimeoutError{Operation: "task " + t.name, Timeout: t.opts.timeout}
		}
		return nil, &fluxerrors.CancelledError{Reason: ctx.Err().Error()}
	}
}
