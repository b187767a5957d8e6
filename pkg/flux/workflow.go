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
	"sync"

	"github.com/fluxio/flux/internal/backend"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// WorkflowFunc is a workflow body. It runs deterministically: any
// side effect or nondeterminism must go through a task or a builtin so
// replay reproduces the same decisions.
type WorkflowFunc func(c *Context) (any, error)

// Workflow is a registered workflow definition.
type Workflow struct {
	name string
	fn   WorkflowFunc
	opts workflowOptions
}

// NewWorkflow creates a workflow value. Register it with Register so a
// worker can serve it.
func NewWorkflow(name string, fn WorkflowFunc, opts ...WorkflowOption) *Workflow {
	w := &Workflow{name: name, fn: fn}
	for _, opt := range opts {
		opt(&w.opts)
	}
	return w
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Version returns the pinned version, or 0 when catalog-assigned.
func (w *Workflow) Version() int { return w.opts.version }

// SecretRequests returns the declared secret names.
func (w *Workflow) SecretRequests() []string { return w.opts.secretRequests }

// Requirements returns the declared resource requirements.
func (w *Workflow) Requirements() backend.Resources { return w.opts.requirements }

// OutputStorage returns the output storage kind, empty for inline.
func (w *Workflow) OutputStorage() string { return w.opts.outputStorage }

// Registry holds the workflows and tasks linked into this process.
// Worker binaries register at init time; graph workflows resolve their
// node tasks against the same registry.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	tasks     map[string]*Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*Workflow),
		tasks:     make(map[string]*Task),
	}
}

// Add registers a workflow. Re-registering a name replaces the entry.
func (r *Registry) Add(w *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.name] = w
}

// AddTask registers a task for graph workflows.
func (r *Registry) AddTask(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.name] = t
}

// Workflow looks up a registered workflow by name.
func (r *Registry) Workflow(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	if !ok {
		return nil, &fluxerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	return w, nil
}

// Task looks up a registered task by name.
func (r *Registry) Task(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return nil, &fluxerrors.NotFoundError{Resource: "task", ID: name}
	}
	return t, nil
}

// Workflows returns the registered workflows.
func (r *Registry) Workflows() []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	return out
}

// Tasks returns the registered tasks.
func (r *Registry) Tasks() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// defaultRegistry serves package-level registration from init funcs.
var defaultRegistry = NewRegistry()

// Register adds a workflow to the default registry.
func Register(w *Workflow) { defaultRegistry.Add(w) }

// RegisterTask adds a task to the default registry.
func RegisterTask(t *Task) { defaultRegistry.AddTask(t) }

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }
