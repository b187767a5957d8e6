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

// Package backend defines the repository interface: durable persistence
// of workflows, executions and their event logs, workers, secrets, and
// cached task outputs. Implementations must keep all mutations against a
// single execution ACID and enforce the checkpoint-sequence CAS.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxio/flux/internal/execution"
)

// WorkflowKind distinguishes code workflows (registered in the worker
// binary) from declarative graph workflows (shipped as YAML).
type WorkflowKind string

const (
	WorkflowKindCode  WorkflowKind = "code"
	WorkflowKindGraph WorkflowKind = "graph"
)

// Resources describes what a worker offers or a workflow requires.
// A zero field means "no constraint" on the requirement side.
type Resources struct {
	CPUCores    int      `json:"cpu_cores,omitempty"`
	MemoryBytes int64    `json:"memory_bytes,omitempty"`
	GPUs        int      `json:"gpus,omitempty"`
	Packages    []string `json:"packages,omitempty"`
}

// Fits reports whether the offered resources satisfy the requirement.
func (offered Resources) Fits(required Resources) bool {
	if required.CPUCores > 0 && offered.CPUCores < required.CPUCores {
		return false
	}
	if required.MemoryBytes > 0 && offered.MemoryBytes < required.MemoryBytes {
		return false
	}
	if required.GPUs > 0 && offered.GPUs < required.GPUs {
		return false
	}
	have := make(map[string]bool, len(offered.Packages))
	for _, p := range offered.Packages {
		have[p] = true
	}
	for _, p := range required.Packages {
		if !have[p] {
			return false
		}
	}
	return true
}

// Workflow is a registered workflow definition. Identity is
// (Name, Version); versions are append-only and immutable.
type Workflow struct {
	Name           string       `json:"name"`
	Version        int          `json:"version"`
	Kind           WorkflowKind `json:"kind"`
	Body           []byte       `json:"body,omitempty"`
	SecretRequests []string     `json:"secret_requests,omitempty"`
	Requirements   Resources    `json:"resource_requirements,omitempty"`
	OutputStorage  string       `json:"output_storage,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ID returns the workflow version key.
func (w *Workflow) ID() string {
	return fmt.Sprintf("%s:%d", w.Name, w.Version)
}

// WorkerRuntime describes the platform a worker runs on.
type WorkerRuntime struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
}

// Worker is a registered worker node.
type Worker struct {
	Name             string        `json:"name"`
	SessionTokenHash string        `json:"-"`
	Runtime          WorkerRuntime `json:"runtime"`
	Resources        Resources     `json:"resources"`
	LastSeen         time.Time     `json:"last_seen"`
}

// CacheEntry is a cached task output keyed by (task name, fingerprint).
// Entries are immutable once written.
type CacheEntry struct {
	TaskName    string    `json:"task_name"`
	Fingerprint string    `json:"fingerprint"`
	Value       []byte    `json:"value"`
	CreatedAt   time.Time `json:"created_at"`
}

// Backend is the repository. Implementations: memory (tests,
// single-node dev) and sqlite (reference durable store).
type Backend interface {
	// SaveWorkflow persists a new workflow version. Version 0 assigns
	// the next version; an explicit existing version is a conflict.
	SaveWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow loads a workflow. Version <= 0 selects the latest.
	GetWorkflow(ctx context.Context, name string, version int) (*Workflow, error)

	// ListWorkflows returns the latest version of every workflow.
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	// ListWorkflowVersions returns every version of one workflow.
	ListWorkflowVersions(ctx context.Context, name string) ([]*Workflow, error)

	// CreateExecution persists a fresh execution record.
	CreateExecution(ctx context.Context, rec *execution.Record) error

	// GetExecution loads an execution including its ordered events.
	GetExecution(ctx context.Context, id string) (*execution.Record, error)

	// ListExecutionsByState returns up to limit executions in state,
	// oldest first.
	ListExecutionsByState(ctx context.Context, state execution.State, limit int) ([]*execution.Record, error)

	// TransitionExecution moves an execution from one of the expected
	// states to next, optionally (re)assigning the worker. Returns
	// ConflictError when the current state is not in from.
	TransitionExecution(ctx context.Context, id string, from []execution.State, next execution.State, worker string) (*execution.Record, error)

	// SetResumeInput stores the pending resume input on the record.
	SetResumeInput(ctx context.Context, id string, input []byte) error

	// AppendEvents appends events and updates the record atomically.
	// baseSeq must equal the stored checkpoint_seq or the append is
	// rejected with ConflictError and nothing is written.
	AppendEvents(ctx context.Context, id string, baseSeq int64, events []execution.Event) (*execution.Record, error)

	// UpsertWorker registers or refreshes a worker.
	UpsertWorker(ctx context.Context, w *Worker) error

	// GetWorker loads a worker by name.
	GetWorker(ctx context.Context, name string) (*Worker, error)

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// DeleteWorker removes a worker registration.
	DeleteWorker(ctx context.Context, name string) error

	// TouchWorker updates a worker's last-seen timestamp.
	TouchWorker(ctx context.Context, name string, at time.Time) error

	// PutSecret stores ciphertext under name, replacing any prior value.
	PutSecret(ctx context.Context, name string, ciphertext []byte) error

	// GetSecret loads ciphertext by name.
	GetSecret(ctx context.Context, name string) ([]byte, error)

	// ListSecrets returns secret names only, never values.
	ListSecrets(ctx context.Context) ([]string, error)

	// DeleteSecret removes a secret.
	DeleteSecret(ctx context.Context, name string) error

	// PutCacheEntry stores a task output. Existing entries are left
	// untouched; cache values are immutable.
	PutCacheEntry(ctx context.Context, entry *CacheEntry) error

	// GetCacheEntry loads a cached output, or NotFoundError.
	GetCacheEntry(ctx context.Context, taskName, fingerprint string) (*CacheEntry, error)

	// Close releases backend resources.
	Close() error
}
