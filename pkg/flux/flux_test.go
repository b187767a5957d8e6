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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxio/flux/internal/cache"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

func drive(t *testing.T, wf *Workflow, ec *execution.Context, cfg RunConfig) {
	t.Helper()
	require.NoError(t, Execute(context.Background(), wf, ec, cfg))
}

func eventTypes(ec *execution.Context) []execution.EventType {
	events := ec.Events()
	out := make([]execution.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestHelloWorld(t *testing.T) {
	sayHello := NewTask("say_hello", func(_ *TaskContext, args ...any) (any, error) {
		return "Hello, " + args[0].(string), nil
	})
	wf := NewWorkflow("hello_world", func(c *Context) (any, error) {
		var name string
		if err := c.Input(&name); err != nil {
			return nil, err
		}
		return sayHello.Invoke(c, name)
	})

	ec := execution.NewContext("hello_world", "hello_world:1", []byte(`"World"`))
	drive(t, wf, ec, RunConfig{})

	assert.True(t, ec.HasSucceeded())
	assert.Equal(t, []execution.EventType{
		execution.EventWorkflowStarted,
		execution.EventTaskStarted,
		execution.EventTaskCompleted,
		execution.EventWorkflowCompleted,
	}, eventTypes(ec))
	assert.Equal(t, []byte(`"Hello, World"`), ec.Output())
}

func TestRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	flaky := NewTask("flaky", func(_ *TaskContext, _ ...any) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, &fluxerrors.UnavailableError{Component: "io", Cause: errors.New("io error")}
		}
		return "ok", nil
	}, WithRetry(3, 0, 2))

	wf := NewWorkflow("retrying", func(c *Context) (any, error) {
		return flaky.Invoke(c)
	})

	ec := execution.NewContext("retrying", "retrying:1", nil)
	drive(t, wf, ec, RunConfig{})

	assert.True(t, ec.HasSucceeded())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []execution.EventType{
		execution.EventWorkflowStarted,
		execution.EventTaskStarted,
		execution.EventTaskFailed,
		execution.EventTaskRetryStarted,
		execution.EventTaskRetryFailed,
		execution.EventTaskRetryStarted,
		execution.EventTaskRetryCompleted,
		execution.EventWorkflowCompleted,
	}, eventTypes(ec))
}

func TestFallbackOnExhaustion(t *testing.T) {
	broken := NewTask("broken", func(_ *TaskContext, _ ...any) (any, error) {
		return nil, errors.New("always fails")
	},
		WithRetry(1, 0, 2),
		WithFallback(func(_ *TaskContext, _ ...any) (any, error) {
			return "fb", nil
		}),
	)

	wf := NewWorkflow("fallbacking", func(c *Context) (any, error) {
		return broken.Invoke(c)
	})

	ec := execution.NewContext("fallbacking", "fallbacking:1", nil)
	drive(t, wf, ec, RunConfig{})

	assert.True(t, ec.HasSucceeded())
	assert.Equal(t, []byte(`"fb"`), ec.Output())
	assert.Equal(t, []execution.EventType{
		execution.EventWorkflowStarted,
		execution.EventTaskStarted,
		execution.EventTaskFailed,
		execution.EventTaskRetryStarted,
		execution.EventTaskRetryFailed,
		execution.EventTaskFallbackStarted,
		execution.EventTaskFallbackCompleted,
		execution.EventWorkflowCompleted,
	}, eventTypes(ec))
}

func TestTaskFailureFailsWorkflow(t *testing.T) {
	failing := NewTask("failing", func(_ *TaskContext, _ ...any) (any, error) {
		return nil, errors.New("boom")
	})
	wf := NewWorkflow("doomed", func(c *Context) (any, error) {
		return failing.Invoke(c)
	})

	ec := execution.NewContext("doomed", "doomed:1", nil)
	drive(t, wf, ec, RunConfig{})

	assert.True(t, ec.HasFailed())
	types := eventTypes(ec)
	assert.Equal(t, execution.EventWorkflowFailed, types[len(types)-1])
}

func TestPauseAndResume(t *testing.T) {
	var t1Calls atomic.Int32
	t1 := NewTask("t1", func(_ *TaskContext, args ...any) (any, error) {
		t1Calls.Add(1)
		return args[0].(string) + "!", nil
	})
	wf := NewWorkflow("pausing", func(c *Context) (any, error) {
		a, err := t1.Invoke(c, "a")
		if err != nil {
			return nil, err
		}
		v, err := c.Pause("manual")
		if err != nil {
			return nil, err
		}
		return []any{a, v}, nil
	})

	ec := execution.NewContext("pausing", "pausing:1", nil)
	drive(t, wf, ec, RunConfig{})

	assert.True(t, ec.IsPaused())
	assert.Equal(t, []execution.EventType{
		execution.EventWorkflowStarted,
		execution.EventTaskStarted,
		execution.EventTaskCompleted,
		execution.EventWorkflowPaused,
	}, eventTypes(ec))

	// Resume with 42. The body replays; t1 must not run again.
	drive(t, wf, ec, RunConfig{ResumeInput: []byte(`42`), HasResume: true})

	assert.True(t, ec.HasSucceeded())
	assert.Equal(t, int32(1), t1Calls.Load())

	var output []any
	require.NoError(t, json.Unmarshal(ec.Output(), &output))
	assert.Equal(t, []any{"a!", float64(42)}, output)

	types := eventTypes(ec)
	assert.Equal(t, execution.EventWorkflowResumed, types[len(types)-2])
	assert.Equal(t, execution.EventWorkflowCompleted, types[len(types)-1])
}

func TestPauseWithoutResumeStaysPaused(t *testing.T) {
	wf := NewWorkflow("stuck", func(c *Context) (any, error) {
		return c.Pause("gate")
	})
	ec := execution.NewContext("stuck", "stuck:1", nil)

	drive(t, wf, ec, RunConfig{})
	assert.True(t, ec.IsPaused())

	// Driving again without resume input journals nothing new.
	n := len(ec.Events())
	drive(t, wf, ec, RunConfig{})
	assert.True(t, ec.IsPaused())
	assert.Len(t, ec.Events(), n)
}

func TestReplaySkipsCompletedTasks(t *testing.T) {
	var calls atomic.Int32
	once := NewTask("once", func(_ *TaskContext, _ ...any) (any, error) {
		calls.Add(1)
		return "v", nil
	})
	wf := NewWorkflow("replayed", func(c *Context) (any, error) {
		return once.Invoke(c)
	})

	ec := execution.NewContext("replayed", "replayed:1", nil)
	drive(t, wf, ec, RunConfig{})
	require.True(t, ec.HasSucceeded())

	// A worker restart restores the journal and re-drives. The journal
	// is terminal, so nothing happens at all.
	restored := execution.Restore(ec.ExecutionID(), "replayed", "replayed:1", nil, ec.Events())
	drive(t, wf, restored, RunConfig{})
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, restored.Events(), len(ec.Events()))
}

func TestReplayAfterPartialHistory(t *testing.T) {
	var aCalls, bCalls atomic.Int32
	taskA := NewTask("task_a", func(_ *TaskContext, _ ...any) (any, error) {
		aCalls.Add(1)
		return "a", nil
	})
	taskB := NewTask("task_b", func(_ *TaskContext, _ ...any) (any, error) {
		bCalls.Add(1)
		return "b", nil
	})
	wf := NewWorkflow("two_step", func(c *Context) (any, error) {
		a, err := taskA.Invoke(c)
		if err != nil {
			return nil, err
		}
		b, err := taskB.Invoke(c)
		if err != nil {
			return nil, err
		}
		return a.(string) + b.(string), nil
	})

	// Simulate a worker death after task_a completed: keep only the
	// journal up to task_a and re-drive on a fresh context.
	ec := execution.NewContext("two_step", "two_step:1", nil)
	drive(t, wf, ec, RunConfig{})
	require.True(t, ec.HasSucceeded())

	partial := ec.Events()[:3] // WORKFLOW_STARTED, TASK_STARTED(a), TASK_COMPLETED(a)
	restored := execution.Restore(ec.ExecutionID(), "two_step", "two_step:1", nil, partial)
	drive(t, wf, restored, RunConfig{})

	assert.True(t, restored.HasSucceeded())
	assert.Equal(t, []byte(`"ab"`), restored.Output())
	assert.Equal(t, int32(1), aCalls.Load())
	assert.Equal(t, int32(2), bCalls.Load())
}

func TestCancellationRunsRollback(t *testing.T) {
	var rolledBack atomic.Bool
	var ec *execution.Context

	long := NewTask("long", func(_ *TaskContext, _ ...any) (any, error) {
		// A cancel request lands while the task is in flight.
		ec.RequestCancel()
		return nil, &fluxerrors.CancelledError{Reason: "requested"}
	}, WithRollback(func(_ *TaskContext, _ ...any) (any, error) {
		rolledBack.Store(true)
		return nil, nil
	}))

	wf := NewWorkflow("cancellable", func(c *Context) (any, error) {
		return long.Invoke(c)
	})

	ec = execution.NewContext("cancellable", "cancellable:1", nil)
	drive(t, wf, ec, RunConfig{})

	assert.True(t, ec.IsCancelled())
	assert.True(t, rolledBack.Load())

	types := eventTypes(ec)
	require.Len(t, types, 5)
	assert.Equal(t, execution.EventTaskRollbackStarted, types[2])
	assert.Equal(t, execution.EventTaskRollbackCompleted, types[3])
	assert.Equal(t, execution.EventWorkflowCancelled, types[4])
}

func TestResumeAfterCaughtFailureSkipsRollback(t *testing.T) {
	var bodyCalls, rollbackCalls atomic.Int32
	reserve := NewTask("reserve", func(_ *TaskContext, _ ...any) (any, error) {
		bodyCalls.Add(1)
		return nil, errors.New("no capacity")
	}, WithRollback(func(_ *TaskContext, _ ...any) (any, error) {
		rollbackCalls.Add(1)
		return nil, nil
	}))

	wf := NewWorkflow("booking", func(c *Context) (any, error) {
		if _, err := reserve.Invoke(c); err != nil {
			// Failure handled inside the workflow; wait for an operator.
			if _, pErr := c.Pause("manual_fix"); pErr != nil {
				return nil, pErr
			}
			return "recovered", nil
		}
		return "reserved", nil
	})

	ec := execution.NewContext("booking", "booking:1", nil)
	drive(t, wf, ec, RunConfig{})

	require.True(t, ec.IsPaused())
	require.Equal(t, int32(1), rollbackCalls.Load())

	// The resume replays the journal; neither the task body nor its
	// compensation may run again.
	drive(t, wf, ec, RunConfig{ResumeInput: []byte(`"ok"`), HasResume: true})

	assert.True(t, ec.HasSucceeded())
	assert.Equal(t, int32(1), bodyCalls.Load())
	assert.Equal(t, int32(1), rollbackCalls.Load())

	starts, completions := 0, 0
	for _, e := range ec.Events() {
		switch e.Type {
		case execution.EventTaskRollbackStarted:
			starts++
		case execution.EventTaskRollbackCompleted:
			completions++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, completions)
}

func TestTimeoutFeedsFallback(t *testing.T) {
	slow := NewTask("slow", func(tc *TaskContext, _ ...any) (any, error) {
		<-tc.Context().Done()
		return nil, tc.Context().Err()
	},
		WithTimeout(20*time.Millisecond),
		WithFallback(func(_ *TaskContext, _ ...any) (any, error) {
			return "fb", nil
		}),
	)
	wf := NewWorkflow("timing_out", func(c *Context) (any, error) {
		return slow.Invoke(c)
	})

	ec := execution.NewContext("timing_out", "timing_out:1", nil)
	drive(t, wf, ec, RunConfig{})

	assert.True(t, ec.HasSucceeded())
	assert.Equal(t, []byte(`"fb"`), ec.Output())

	events := ec.Events()
	var failed *execution.Event
	for i := range events {
		if events[i].Type == execution.EventTaskFailed {
			failed = &events[i]
		}
	}
	require.NotNil(t, failed)
	we := execution.DecodeWireError(failed.Value)
	assert.Equal(t, "timeout", we.Kind)
}

func TestCachedTaskSkipsExecution(t *testing.T) {
	var calls atomic.Int32
	cached := NewTask("cached", func(_ *TaskContext, args ...any) (any, error) {
		calls.Add(1)
		return args[0], nil
	}, WithCache())
	wf := NewWorkflow("caching", func(c *Context) (any, error) {
		return cached.Invoke(c, "v")
	})

	store := cache.NewLRU(16, 0)

	first := execution.NewContext("caching", "caching:1", nil)
	drive(t, wf, first, RunConfig{Cache: store})
	require.True(t, first.HasSucceeded())

	second := execution.NewContext("caching", "caching:1", nil)
	drive(t, wf, second, RunConfig{Cache: store})

	assert.True(t, second.HasSucceeded())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []byte(`"v"`), second.Output())
	assert.Equal(t, []execution.EventType{
		execution.EventWorkflowStarted,
		execution.EventTaskStarted,
		execution.EventTaskCompleted,
		execution.EventWorkflowCompleted,
	}, eventTypes(second))
}

func TestSecretsInjection(t *testing.T) {
	secretive := NewTask("secretive", func(tc *TaskContext, _ ...any) (any, error) {
		return tc.Secret("api_key")
	}, WithTaskSecrets("api_key"))
	wf := NewWorkflow("secretly", func(c *Context) (any, error) {
		return secretive.Invoke(c)
	})

	ec := execution.NewContext("secretly", "secretly:1", nil)
	drive(t, wf, ec, RunConfig{Secrets: map[string]string{"api_key": "s3cr3t"}})
	assert.True(t, ec.HasSucceeded())
	assert.Equal(t, []byte(`"s3cr3t"`), ec.Output())

	// Missing secret fails the workflow before any attempt.
	missing := execution.NewContext("secretly", "secretly:1", nil)
	drive(t, wf, missing, RunConfig{})
	assert.True(t, missing.HasFailed())
	for _, e := range missing.Events() {
		assert.NotEqual(t, execution.EventTaskStarted, e.Type)
	}
}

func TestParallelResultsInDeclarationOrder(t *testing.T) {
	mk := func(name string, delay time.Duration) *Task {
		return NewTask(name, func(_ *TaskContext, _ ...any) (any, error) {
			time.Sleep(delay)
			return name, nil
		})
	}
	a := mk("par_a", 30*time.Millisecond)
	b := mk("par_b", 0)
	c3 := mk("par_c", 10*time.Millisecond)

	wf := NewWorkflow("fanout", func(c *Context) (any, error) {
		return Parallel(c, Call{Task: a}, Call{Task: b}, Call{Task: c3})
	})

	ec := execution.NewContext("fanout", "fanout:1", nil)
	drive(t, wf, ec, RunConfig{})

	require.True(t, ec.HasSucceeded())
	var output []any
	require.NoError(t, json.Unmarshal(ec.Output(), &output))
	assert.Equal(t, []any{"par_a", "par_b", "par_c"}, output)

	// Each child carries a distinct source id.
	seen := map[string]bool{}
	for _, e := range ec.Events() {
		if e.Type == execution.EventTaskStarted {
			assert.False(t, seen[e.SourceID])
			seen[e.SourceID] = true
		}
	}
	assert.Len(t, seen, 3)
}

func TestParallelSiblingsRunToCompletion(t *testing.T) {
	var okRan atomic.Bool
	failing := NewTask("par_fail", func(_ *TaskContext, _ ...any) (any, error) {
		return nil, errors.New("child failed")
	})
	ok := NewTask("par_ok", func(_ *TaskContext, _ ...any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		okRan.Store(true)
		return "ok", nil
	})

	wf := NewWorkflow("fanout_fail", func(c *Context) (any, error) {
		return Parallel(c, Call{Task: failing}, Call{Task: ok})
	})

	ec := execution.NewContext("fanout_fail", "fanout_fail:1", nil)
	drive(t, wf, ec, RunConfig{})

	assert.True(t, ec.HasFailed())
	assert.True(t, okRan.Load())
	require.NotNil(t, ec.ErrorValue())
	we := execution.DecodeWireError(ec.ErrorValue())
	assert.Contains(t, we.Message, "child failed")
}

func TestParallelCheckpointsStayOrdered(t *testing.T) {
	work := NewTask("par_work", func(_ *TaskContext, args ...any) (any, error) {
		time.Sleep(time.Duration(args[0].(int)) * time.Millisecond)
		return args[0], nil
	})
	wf := NewWorkflow("fanout_cas", func(c *Context) (any, error) {
		return Parallel(c,
			Call{Task: work, Args: []any{15}},
			Call{Task: work, Args: []any{0}},
			Call{Task: work, Args: []any{10}},
			Call{Task: work, Args: []any{5}},
		)
	})

	// The control plane rejects any write that does not extend the last
	// durable seq; children finishing out of order must still deliver
	// their checkpoints in seq order.
	ec := execution.NewContext("fanout_cas", "fanout_cas:1", nil)
	var stored int64
	ec.SetCheckpoint(func(_ context.Context, _ *execution.Context, events []execution.Event) error {
		if base := events[0].Seq - 1; base != stored {
			return fmt.Errorf("stale checkpoint_seq: got base %d want %d", base, stored)
		}
		stored = events[len(events)-1].Seq
		return nil
	})

	drive(t, wf, ec, RunConfig{})

	require.True(t, ec.HasSucceeded())
	assert.Equal(t, ec.CheckpointSeq(), stored)
}

func TestPipeline(t *testing.T) {
	double := NewTask("double", func(_ *TaskContext, args ...any) (any, error) {
		n, err := asFloat(args[0])
		if err != nil {
			return nil, err
		}
		return n * 2, nil
	})
	inc := NewTask("inc", func(_ *TaskContext, args ...any) (any, error) {
		n, err := asFloat(args[0])
		if err != nil {
			return nil, err
		}
		return n + 1, nil
	})

	wf := NewWorkflow("piped", func(c *Context) (any, error) {
		return Pipeline(c, float64(3), double, inc)
	})

	ec := execution.NewContext("piped", "piped:1", nil)
	drive(t, wf, ec, RunConfig{})
	require.True(t, ec.HasSucceeded())
	assert.Equal(t, []byte(`7`), ec.Output())
}

func TestMapDistinctSourceIDs(t *testing.T) {
	upper := NewTask("upper", func(_ *TaskContext, args ...any) (any, error) {
		return args[0], nil
	})
	wf := NewWorkflow("mapped", func(c *Context) (any, error) {
		results, err := upper.Map(c, []any{"x", "y", "z"})
		if err != nil {
			return nil, err
		}
		return results, nil
	})

	ec := execution.NewContext("mapped", "mapped:1", nil)
	drive(t, wf, ec, RunConfig{})
	require.True(t, ec.HasSucceeded())

	var output []any
	require.NoError(t, json.Unmarshal(ec.Output(), &output))
	assert.Equal(t, []any{"x", "y", "z"}, output)
}

func TestBuiltinsReplayDeterministically(t *testing.T) {
	wf := NewWorkflow("deterministic", func(c *Context) (any, error) {
		id, err := UUID4(c)
		if err != nil {
			return nil, err
		}
		n, err := RandInt(c, 1, 100)
		if err != nil {
			return nil, err
		}
		if _, err := c.Pause("gate"); err != nil {
			return nil, err
		}
		return []any{id, n}, nil
	})

	ec := execution.NewContext("deterministic", "deterministic:1", nil)
	drive(t, wf, ec, RunConfig{})
	require.True(t, ec.IsPaused())

	// Capture the journaled values before the resume replay.
	var firstUUID string
	for _, e := range ec.Events() {
		if e.Type == execution.EventTaskCompleted && e.Name == "flux_uuid4" {
			require.NoError(t, json.Unmarshal(e.Value, &firstUUID))
		}
	}
	require.NotEmpty(t, firstUUID)

	drive(t, wf, ec, RunConfig{ResumeInput: []byte(`null`), HasResume: true})
	require.True(t, ec.HasSucceeded())

	var output []any
	require.NoError(t, json.Unmarshal(ec.Output(), &output))
	assert.Equal(t, firstUUID, output[0])
}

func TestSleepJournalsOnce(t *testing.T) {
	wf := NewWorkflow("napping", func(c *Context) (any, error) {
		if err := Sleep(c, time.Millisecond); err != nil {
			return nil, err
		}
		if _, err := c.Pause("gate"); err != nil {
			return nil, err
		}
		return "done", nil
	})

	ec := execution.NewContext("napping", "napping:1", nil)
	drive(t, wf, ec, RunConfig{})
	require.True(t, ec.IsPaused())

	start := time.Now()
	drive(t, wf, ec, RunConfig{ResumeInput: []byte(`null`), HasResume: true})
	assert.True(t, ec.HasSucceeded())
	// Replay skips the sleep entirely.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWorkflowPanicFailsExecution(t *testing.T) {
	wf := NewWorkflow("panicky", func(_ *Context) (any, error) {
		panic("unexpected")
	})
	ec := execution.NewContext("panicky", "panicky:1", nil)
	drive(t, wf, ec, RunConfig{})

	assert.True(t, ec.HasFailed())
	we := execution.DecodeWireError(ec.ErrorValue())
	assert.Contains(t, we.Message, "unexpected")
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	wf := NewWorkflow("registered", func(_ *Context) (any, error) { return nil, nil })
	tk := NewTask("registered_task", func(_ *TaskContext, _ ...any) (any, error) { return nil, nil })

	r.Add(wf)
	r.AddTask(tk)

	got, err := r.Workflow("registered")
	require.NoError(t, err)
	assert.Equal(t, wf, got)

	gotTask, err := r.Task("registered_task")
	require.NoError(t, err)
	assert.Equal(t, tk, gotTask)

	_, err = r.Workflow("missing")
	assert.True(t, fluxerrors.IsNotFound(err))
}
