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

// Package catalog manages the versioned workflow registry on the
// controller. Registration is append-only: every save produces a new
// immutable version, and executions pin the version they started with.
package catalog

import (
	"context"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/execution/graph"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Catalog is the workflow registry service.
type Catalog struct {
	store  backend.Backend
	logger *slog.Logger
	now    func() time.Time
}

// New creates a catalog over the given store.
func New(store backend.Backend, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: store, logger: logger, now: time.Now}
}

// Register persists a workflow as the next version of its name. Graph
// workflows must carry a parseable body whose definition name matches;
// code workflows carry no body, their logic lives in the worker binary.
func (c *Catalog) Register(ctx context.Context, wf *backend.Workflow) error {
	if wf.Name == "" {
		return &fluxerrors.ValidationError{Field: "name", Message: "workflow name is required"}
	}

	switch wf.Kind {
	case backend.WorkflowKindCode:
		if len(wf.Body) > 0 {
			return &fluxerrors.ValidationError{Field: "body", Message: "code workflows carry no body"}
		}
	case backend.WorkflowKindGraph:
		defs, err := graph.Parse(wf.Body)
		if err != nil {
			return err
		}
		if len(defs) != 1 || defs[0].Name != wf.Name {
			return &fluxerrors.ValidationError{
				Field:   "body",
				Message: "graph workflow body must hold exactly one definition matching the workflow name",
			}
		}
	default:
		return &fluxerrors.ValidationError{Field: "kind", Message: "kind must be code or graph"}
	}

	wf.CreatedAt = c.now().UTC()
	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	c.logger.Info("workflow registered", "workflow", wf.Name, "version", wf.Version, "kind", wf.Kind)
	return nil
}

// RegisterGraphSource registers every definition in a multi-document
// YAML stream. Each document becomes its own workflow version; the
// stream is validated in full before anything is saved.
func (c *Catalog) RegisterGraphSource(ctx context.Context, data []byte) ([]*backend.Workflow, error) {
	defs, err := graph.Parse(data)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, &fluxerrors.ValidationError{Field: "body", Message: "no workflow definitions found"}
	}

	registered := make([]*backend.Workflow, 0, len(defs))
	for _, def := range defs {
		body, mErr := yaml.Marshal(def)
		if mErr != nil {
			return registered, &fluxerrors.EncodeError{Codec: "yaml", Cause: mErr}
		}
		wf := &backend.Workflow{
			Name:           def.Name,
			Kind:           backend.WorkflowKindGraph,
			Body:           body,
			SecretRequests: def.Secrets,
			Requirements: backend.Resources{
				CPUCores:    def.Requirements.CPUCores,
				MemoryBytes: def.Requirements.MemoryBytes,
				GPUs:        def.Requirements.GPUs,
				Packages:    def.Requirements.Packages,
			},
		}
		if err := c.Register(ctx, wf); err != nil {
			return registered, err
		}
		registered = append(registered, wf)
	}
	return registered, nil
}

// EnsureCode registers a code workflow announced by a worker binary.
// Re-announcing an unchanged workflow is a no-op; workers announce on
// every reconnect and must not churn versions.
func (c *Catalog) EnsureCode(ctx context.Context, wf *backend.Workflow) error {
	wf.Kind = backend.WorkflowKindCode
	latest, err := c.store.GetWorkflow(ctx, wf.Name, 0)
	if err == nil && latest.Kind == backend.WorkflowKindCode && sameCodeShape(latest, wf) {
		wf.Version = latest.Version
		return nil
	}
	if err != nil && !fluxerrors.IsNotFound(err) {
		return err
	}
	return c.Register(ctx, wf)
}

func sameCodeShape(a, b *backend.Workflow) bool {
	if a.OutputStorage != b.OutputStorage {
		return false
	}
	if len(a.SecretRequests) != len(b.SecretRequests) {
		return false
	}
	for i := range a.SecretRequests {
		if a.SecretRequests[i] != b.SecretRequests[i] {
			return false
		}
	}
	ar, br := a.Requirements, b.Requirements
	if ar.CPUCores != br.CPUCores || ar.MemoryBytes != br.MemoryBytes || ar.GPUs != br.GPUs {
		return false
	}
	if len(ar.Packages) != len(br.Packages) {
		return false
	}
	for i := range ar.Packages {
		if ar.Packages[i] != br.Packages[i] {
			return false
		}
	}
	return true
}

// Get loads a workflow version. Version <= 0 selects the latest.
func (c *Catalog) Get(ctx context.Context, name string, version int) (*backend.Workflow, error) {
	return c.store.GetWorkflow(ctx, name, version)
}

// List returns the latest version of every registered workflow.
func (c *Catalog) List(ctx context.Context) ([]*backend.Workflow, error) {
	return c.store.ListWorkflows(ctx)
}

// Versions returns every version of one workflow, oldest first.
func (c *Catalog) Versions(ctx context.Context, name string) ([]*backend.Workflow, error) {
	return c.store.ListWorkflowVersions(ctx, name)
}
