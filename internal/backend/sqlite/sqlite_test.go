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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "flux.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestWorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	wf := &backend.Workflow{
		Name:           "greet",
		Kind:           backend.WorkflowKindCode,
		SecretRequests: []string{"api_key", "db_password"},
		Requirements:   backend.Resources{CPUCores: 2, Packages: []string{"greeter"}},
		OutputStorage:  "local",
	}
	require.NoError(t, b.SaveWorkflow(ctx, wf))
	assert.Equal(t, 1, wf.Version)

	got, err := b.GetWorkflow(ctx, "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"api_key", "db_password"}, got.SecretRequests)
	assert.Equal(t, 2, got.Requirements.CPUCores)
	assert.Equal(t, "local", got.OutputStorage)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestWorkflowVersions(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.SaveWorkflow(ctx, &backend.Workflow{Name: "greet", Kind: backend.WorkflowKindCode}))
	require.NoError(t, b.SaveWorkflow(ctx, &backend.Workflow{Name: "greet", Kind: backend.WorkflowKindCode}))
	require.NoError(t, b.SaveWorkflow(ctx, &backend.Workflow{Name: "etl", Kind: backend.WorkflowKindGraph}))

	latest, err := b.GetWorkflow(ctx, "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	all, err := b.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "etl", all[0].Name)
	assert.Equal(t, "greet", all[1].Name)

	versions, err := b.ListWorkflowVersions(ctx, "greet")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	_, err = b.ListWorkflowVersions(ctx, "missing")
	assert.True(t, fluxerrors.IsNotFound(err))
}

func TestExecutionPersistence(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	rec := &execution.Record{
		ID:           "exec-1",
		WorkflowName: "greet",
		WorkflowID:   "greet:1",
		Input:        []byte(`{"name":"World"}`),
		State:        execution.StateCreated,
	}
	require.NoError(t, b.CreateExecution(ctx, rec))

	err := b.CreateExecution(ctx, rec)
	assert.True(t, fluxerrors.IsConflict(err))

	got, err := b.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"World"}`), got.Input)
	assert.Equal(t, execution.StateCreated, got.State)
	assert.Empty(t, got.Events)
}

func TestTransitionCAS(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.CreateExecution(ctx, &execution.Record{
		ID: "exec-1", WorkflowName: "greet", WorkflowID: "greet:1", State: execution.StateScheduled,
	}))

	claimed, err := b.TransitionExecution(ctx, "exec-1",
		[]execution.State{execution.StateScheduled}, execution.StateClaimed, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", claimed.Worker)

	_, err = b.TransitionExecution(ctx, "exec-1",
		[]execution.State{execution.StateScheduled}, execution.StateClaimed, "worker-b")
	assert.True(t, fluxerrors.IsConflict(err))

	// Returning to SCHEDULED clears the assignment.
	back, err := b.TransitionExecution(ctx, "exec-1",
		[]execution.State{execution.StateClaimed}, execution.StateScheduled, "")
	require.NoError(t, err)
	assert.Empty(t, back.Worker)
}

func TestAppendEventsCheckpoint(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.CreateExecution(ctx, &execution.Record{
		ID: "exec-1", WorkflowName: "greet", WorkflowID: "greet:1", State: execution.StateClaimed,
	}))

	updated, err := b.AppendEvents(ctx, "exec-1", 0, []execution.Event{
		{Seq: 1, Type: execution.EventWorkflowStarted, Timestamp: time.Now()},
		{Seq: 2, Type: execution.EventTaskStarted, SourceID: "t1", Name: "say_hello", Timestamp: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.CheckpointSeq)
	assert.Equal(t, execution.StateRunning, updated.State)

	// Stale checkpoint_seq loses the CAS and writes nothing.
	_, err = b.AppendEvents(ctx, "exec-1", 0, []execution.Event{
		{Seq: 1, Type: execution.EventTaskCompleted},
	})
	assert.True(t, fluxerrors.IsConflict(err))

	got, err := b.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, got.Events, 2)
	assert.Equal(t, execution.EventTaskStarted, got.Events[1].Type)
	assert.Equal(t, "say_hello", got.Events[1].Name)
}

func TestAppendEventsCompletion(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.CreateExecution(ctx, &execution.Record{
		ID: "exec-1", WorkflowName: "greet", WorkflowID: "greet:1", State: execution.StateClaimed,
	}))

	updated, err := b.AppendEvents(ctx, "exec-1", 0, []execution.Event{
		{Seq: 1, Type: execution.EventWorkflowStarted, Timestamp: time.Now()},
		{Seq: 2, Type: execution.EventWorkflowCompleted, Value: []byte(`"Hello, World!"`), Timestamp: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, execution.StateCompleted, updated.State)
	assert.Equal(t, []byte(`"Hello, World!"`), updated.Output)

	// Output and state survive a reload.
	got, err := b.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution.StateCompleted, got.State)
	assert.Equal(t, []byte(`"Hello, World!"`), got.Output)

	_, err = b.AppendEvents(ctx, "exec-1", 2, []execution.Event{
		{Seq: 3, Type: execution.EventTaskStarted},
	})
	assert.True(t, fluxerrors.IsConflict(err))
}

func TestAppendEventsFailureError(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.CreateExecution(ctx, &execution.Record{
		ID: "exec-1", WorkflowName: "greet", WorkflowID: "greet:1", State: execution.StateClaimed,
	}))

	wireErr := execution.EncodeWireError(&fluxerrors.TimeoutError{Operation: "task fetch"})
	_, err := b.AppendEvents(ctx, "exec-1", 0, []execution.Event{
		{Seq: 1, Type: execution.EventWorkflowStarted, Timestamp: time.Now()},
		{Seq: 2, Type: execution.EventWorkflowFailed, Value: wireErr, Timestamp: time.Now()},
	})
	require.NoError(t, err)

	got, err := b.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "timeout", got.Error.Kind)
}

func TestWorkerRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	w := &backend.Worker{
		Name:             "worker-a",
		SessionTokenHash: "hash",
		Runtime:          backend.WorkerRuntime{OS: "linux", Arch: "arm64", GoVersion: "go1.25"},
		Resources:        backend.Resources{CPUCores: 8, MemoryBytes: 1 << 30, Packages: []string{"greeter"}},
	}
	require.NoError(t, b.UpsertWorker(ctx, w))

	got, err := b.GetWorker(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.SessionTokenHash)
	assert.Equal(t, "arm64", got.Runtime.Arch)
	assert.Equal(t, []string{"greeter"}, got.Resources.Packages)

	// Re-registration replaces the record.
	w.Resources.CPUCores = 16
	require.NoError(t, b.UpsertWorker(ctx, w))
	got, err = b.GetWorker(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 16, got.Resources.CPUCores)

	workers, err := b.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)

	require.NoError(t, b.DeleteWorker(ctx, "worker-a"))
	_, err = b.GetWorker(ctx, "worker-a")
	assert.True(t, fluxerrors.IsNotFound(err))
}

func TestSecretRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.PutSecret(ctx, "api_key", []byte{0x01, 0x02}))
	require.NoError(t, b.PutSecret(ctx, "api_key", []byte{0x03}))

	ct, err := b.GetSecret(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, ct)

	names, err := b.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api_key"}, names)

	require.NoError(t, b.DeleteSecret(ctx, "api_key"))
	err = b.DeleteSecret(ctx, "api_key")
	assert.True(t, fluxerrors.IsNotFound(err))
}

func TestCacheEntryFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.PutCacheEntry(ctx, &backend.CacheEntry{TaskName: "fetch", Fingerprint: "abc", Value: []byte(`1`)}))
	require.NoError(t, b.PutCacheEntry(ctx, &backend.CacheEntry{TaskName: "fetch", Fingerprint: "abc", Value: []byte(`2`)}))

	entry, err := b.GetCacheEntry(ctx, "fetch", "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`1`), entry.Value)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flux.db")

	b, err := New(Config{Path: path, WAL: true})
	require.NoError(t, err)
	require.NoError(t, b.SaveWorkflow(ctx, &backend.Workflow{Name: "greet", Kind: backend.WorkflowKindCode}))
	require.NoError(t, b.Close())

	b2, err := New(Config{Path: path, WAL: true})
	require.NoError(t, err)
	defer b2.Close()

	wf, err := b2.GetWorkflow(ctx, "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, wf.Version)
}
