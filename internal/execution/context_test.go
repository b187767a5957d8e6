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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name   string
		events []EventType
		want   State
	}{
		{"no events", nil, StateCreated},
		{"started", []EventType{EventWorkflowStarted}, StateRunning},
		{"mid task", []EventType{EventWorkflowStarted, EventTaskStarted}, StateRunning},
		{"paused", []EventType{EventWorkflowStarted, EventWorkflowPaused}, StatePaused},
		{"resumed", []EventType{EventWorkflowStarted, EventWorkflowPaused, EventWorkflowResumed}, StateRunning},
		{"completed", []EventType{EventWorkflowStarted, EventWorkflowCompleted}, StateCompleted},
		{"failed", []EventType{EventWorkflowStarted, EventTaskFailed, EventWorkflowFailed}, StateFailed},
		{"cancelled", []EventType{EventWorkflowStarted, EventWorkflowCancelled}, StateCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := make([]Event, len(tt.events))
			for i, typ := range tt.events {
				events[i] = Event{Seq: int64(i + 1), Type: typ}
			}
			assert.Equal(t, tt.want, DeriveState(events))
		})
	}
}

func TestSequencesAreContiguous(t *testing.T) {
	ctx := context.Background()
	c := NewContext("wf", "wf-v1", nil)

	require.NoError(t, c.Start(ctx, "wf_src"))
	_, err := c.AddEvent(ctx, EventTaskStarted, "t1_src", "t1", nil)
	require.NoError(t, err)
	_, err = c.AddEvent(ctx, EventTaskCompleted, "t1_src", "t1", []byte(`"ok"`))
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, "wf_src", []byte(`"ok"`)))

	events := c.Events()
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, int64(4), c.CheckpointSeq())
}

func TestCheckpointCalledPerEvent(t *testing.T) {
	ctx := context.Background()
	c := NewContext("wf", "wf-v1", nil)

	var checkpointed []Event
	c.SetCheckpoint(func(_ context.Context, _ *Context, events []Event) error {
		checkpointed = append(checkpointed, events...)
		return nil
	})

	require.NoError(t, c.Start(ctx, "wf_src"))
	require.NoError(t, c.Complete(ctx, "wf_src", nil))

	require.Len(t, checkpointed, 2)
	assert.Equal(t, EventWorkflowStarted, checkpointed[0].Type)
	assert.Equal(t, EventWorkflowCompleted, checkpointed[1].Type)
}

func TestCheckpointFailureLeavesJournalUnchanged(t *testing.T) {
	ctx := context.Background()
	c := NewContext("wf", "wf-v1", nil)

	require.NoError(t, c.Start(ctx, "wf_src"))

	broken := true
	c.SetCheckpoint(func(_ context.Context, _ *Context, _ []Event) error {
		if broken {
			return errors.New("store down")
		}
		return nil
	})

	_, err := c.AddEvent(ctx, EventTaskStarted, "t1_src", "t1", nil)
	require.Error(t, err)
	var unavailable *fluxerrors.UnavailableError
	assert.ErrorAs(t, err, &unavailable)
	assert.Len(t, c.Events(), 1)
	assert.Equal(t, int64(1), c.CheckpointSeq())

	// Storage returns; the retried append reuses the same seq.
	broken = false
	e, err := c.AddEvent(ctx, EventTaskStarted, "t1_src", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Seq)
	assert.Equal(t, int64(2), c.CheckpointSeq())
}

func TestConcurrentAppendsCheckpointInOrder(t *testing.T) {
	ctx := context.Background()
	c := NewContext("wf", "wf-v1", nil)

	// Mimics the server's stale-seq check: every write must extend the
	// last durable seq by exactly its own events.
	var stored int64
	c.SetCheckpoint(func(_ context.Context, _ *Context, events []Event) error {
		if base := events[0].Seq - 1; base != stored {
			return fmt.Errorf("stale checkpoint_seq: got base %d want %d", base, stored)
		}
		stored = events[len(events)-1].Seq
		return nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.AddEvent(ctx, EventTaskCompleted, fmt.Sprintf("t%d_src", i), "t", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(len(errs)), stored)
	assert.Equal(t, stored, c.CheckpointSeq())
}

func TestPredicates(t *testing.T) {
	ctx := context.Background()
	c := NewContext("wf", "wf-v1", []byte(`"in"`))

	assert.False(t, c.HasStarted())
	require.NoError(t, c.Start(ctx, "s"))
	assert.True(t, c.HasStarted())
	assert.False(t, c.HasFinished())

	require.NoError(t, c.Pause(ctx, "s", []byte(`"manual"`)))
	assert.True(t, c.IsPaused())

	require.NoError(t, c.Resume(ctx, "s", []byte(`42`)))
	assert.False(t, c.IsPaused())

	require.NoError(t, c.Complete(ctx, "s", []byte(`"out"`)))
	assert.True(t, c.HasFinished())
	assert.True(t, c.HasSucceeded())
	assert.False(t, c.HasFailed())
	assert.Equal(t, []byte(`"out"`), c.Output())
}

func TestRestoreResumesSequence(t *testing.T) {
	events := []Event{
		{Seq: 1, Type: EventWorkflowStarted},
		{Seq: 2, Type: EventTaskStarted, SourceID: "t1"},
	}
	c := Restore("exec-1", "wf", "wf-v1", nil, events)
	assert.Equal(t, int64(2), c.CheckpointSeq())

	e, err := c.AddEvent(context.Background(), EventTaskCompleted, "t1", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Seq)
}

func TestCancellationFlag(t *testing.T) {
	c := NewContext("wf", "wf-v1", nil)
	require.NoError(t, c.CheckCancellation())

	c.RequestCancel()
	err := c.CheckCancellation()
	require.Error(t, err)
	assert.True(t, fluxerrors.IsCancelled(err))
}

func TestSourceIDStable(t *testing.T) {
	a := SourceID("wf-scope", "say_hello", 0)
	b := SourceID("wf-scope", "say_hello", 0)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, SourceID("wf-scope", "say_hello", 1))
	assert.NotEqual(t, a, SourceID("other-scope", "say_hello", 0))
}

func TestRecordApplyEvents(t *testing.T) {
	r := &Record{ID: "exec-1", State: StateClaimed}

	r.ApplyEvents([]Event{{Seq: 1, Type: EventWorkflowStarted}})
	assert.Equal(t, StateRunning, r.State)
	assert.Equal(t, int64(1), r.CheckpointSeq)

	r.ApplyEvents([]Event{{Seq: 2, Type: EventWorkflowCompleted, Value: []byte(`"done"`)}})
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, []byte(`"done"`), r.Output)
}

func TestRecordApplyFailure(t *testing.T) {
	r := &Record{ID: "exec-1", State: StateRunning}
	r.ApplyEvents([]Event{
		{Seq: 1, Type: EventWorkflowFailed, Value: EncodeWireError(&fluxerrors.TimeoutError{Operation: "task t1"})},
	})
	assert.Equal(t, StateFailed, r.State)
	require.NotNil(t, r.Error)
	assert.Equal(t, "timeout", r.Error.Kind)
}
