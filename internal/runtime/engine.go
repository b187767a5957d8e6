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

// Package runtime turns a claimed execution into a driven one. It
// resolves the workflow body, code workflows against the process
// registry and graph workflows from their stored definition, and drives
// it until the execution rests.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/cache"
	"github.com/fluxio/flux/internal/codec"
	"github.com/fluxio/flux/internal/execution"
	"github.com/fluxio/flux/internal/execution/graph"
	"github.com/fluxio/flux/internal/tracing"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
	"github.com/fluxio/flux/pkg/flux"
)

// Engine drives executions on a worker.
type Engine struct {
	registry  *flux.Registry
	cache     cache.Store
	evaluator *graph.Evaluator
	logger    *slog.Logger
}

// NewEngine creates an engine over the given registry. cache may be nil
// to disable task output caching.
func NewEngine(registry *flux.Registry, store cache.Store, logger *slog.Logger) *Engine {
	if registry == nil {
		registry = flux.DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:  registry,
		cache:     store,
		evaluator: graph.NewEvaluator(),
		logger:    logger,
	}
}

// RunOptions carries per-drive collaborators resolved by the worker.
type RunOptions struct {
	// Secrets are the resolved secret values for this execution.
	Secrets map[string]string

	// ResumeInput is pending resume input; HasResume distinguishes an
	// explicit null from no resume.
	ResumeInput []byte
	HasResume   bool

	// Codec overrides the journal codec, JSON when nil.
	Codec codec.Codec
}

// Run drives one execution until it rests. wf is the catalog entry the
// execution was scheduled against; ec carries the journal restored from
// the controller. The returned error reports infrastructure failures,
// not workflow outcomes.
func (e *Engine) Run(ctx context.Context, wf *backend.Workflow, ec *execution.Context, opts RunOptions) error {
	body, err := e.resolve(wf)
	if err != nil {
		return err
	}

	logger := e.logger.With(
		"execution_id", ec.ExecutionID(),
		"workflow", fmt.Sprintf("%s:%d", wf.Name, wf.Version),
	)

	ctx, span := tracing.StartDrive(ctx, ec.ExecutionID(), ec.WorkflowID())
	err = flux.Execute(ctx, body, ec, flux.RunConfig{
		Codec:       opts.Codec,
		Cache:       e.cache,
		Secrets:     opts.Secrets,
		ResumeInput: opts.ResumeInput,
		HasResume:   opts.HasResume,
		Logger:      logger,
	})
	tracing.SetState(span, string(ec.State()))
	tracing.End(span, err)
	return err
}

// resolve maps a catalog entry to a runnable workflow body.
func (e *Engine) resolve(wf *backend.Workflow) (*flux.Workflow, error) {
	switch wf.Kind {
	case backend.WorkflowKindCode:
		return e.registry.Workflow(wf.Name)
	case backend.WorkflowKindGraph:
		defs, err := graph.Parse(wf.Body)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if def.Name == wf.Name {
				return e.graphWorkflow(def), nil
			}
		}
		return nil, &fluxerrors.NotFoundError{Resource: "graph workflow", ID: wf.Name}
	default:
		return nil, &fluxerrors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unknown workflow kind %q", wf.Kind),
		}
	}
}

// graphWorkflow wraps a graph definition as a workflow body. Nodes run
// in deterministic topological order; a node whose guard is false, or
// any of whose dependencies was skipped, is skipped itself.
func (e *Engine) graphWorkflow(def *graph.Definition) *flux.Workflow {
	return flux.NewWorkflow(def.Name, func(c *flux.Context) (any, error) {
		input, err := c.InputValue()
		if err != nil {
			return nil, err
		}

		order, err := def.TopoOrder()
		if err != nil {
			return nil, err
		}

		scope := graph.Scope{Input: input, Nodes: make(map[string]any)}
		skipped := make(map[string]bool)

		for _, id := range order {
			node, _ := def.NodeByID(id)

			skip := false
			for _, dep := range node.DependsOn {
				if skipped[dep] {
					skip = true
					break
				}
			}
			if !skip {
				ok, guardErr := e.evaluator.Guard(node.Guard, scope)
				if guardErr != nil {
					return nil, guardErr
				}
				skip = !ok
			}
			if skip {
				skipped[id] = true
				scope.Nodes[id] = nil
				continue
			}

			task, lookupErr := e.registry.Task(node.Task)
			if lookupErr != nil {
				return nil, lookupErr
			}

			kwargs := make(map[string]any, len(node.Args))
			for key, raw := range node.Args {
				resolved, resolveErr := graph.ResolveArg(raw, scope)
				if resolveErr != nil {
					return nil, resolveErr
				}
				kwargs[key] = resolved
			}

			result, invokeErr := task.InvokeNamed(c, kwargs)
			if invokeErr != nil {
				return nil, invokeErr
			}
			scope.Nodes[id] = result
		}

		out := def.OutputNode()
		if skipped[out] {
			return nil, nil
		}
		return scope.Nodes[out], nil
	})
}
