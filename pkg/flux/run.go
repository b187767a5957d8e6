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
	"fmt"
	"log/slog"

	"github.com/fluxio/flux/internal/cache"
	"github.com/fluxio/flux/internal/codec"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// RunConfig wires a workflow drive to its collaborators. The worker
// supplies it; workflow code never sees it.
type RunConfig struct {
	// Codec encodes and decodes journaled values.
	Codec codec.Codec

	// Cache is the task output cache, nil to disable.
	Cache cache.Store

	// Secrets are the resolved secret values for this execution.
	Secrets map[string]string

	// ResumeInput is the pending resume input. HasResume distinguishes
	// an explicit null from no resume at all.
	ResumeInput []byte
	HasResume   bool

	// Logger receives execution-scoped log records.
	Logger *slog.Logger
}

// Execute drives a workflow body against its execution context until it
// reaches a resting point: completed, failed, paused, or cancelled. The
// resting state is journaled; inspect the context afterwards. The
// returned error reports infrastructure failures only, a journaled
// workflow failure is not an error here.
func Execute(ctx context.Context, wf *Workflow, ec *execution.Context, cfg RunConfig) (err error) {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Context{
		goCtx:       ctx,
		ec:          ec,
		cod:         cfg.Codec,
		cache:       cfg.Cache,
		secrets:     cfg.Secrets,
		logger:      cfg.Logger,
		scope:       ec.ExecutionID(),
		counters:    make(map[string]int),
		resumeInput: cfg.ResumeInput,
		hasResume:   cfg.HasResume,
	}

	if ec.HasFinished() {
		return nil
	}

	wfSource := execution.SourceID(c.scope, wf.name, 0)
	if !ec.HasStarted() {
		if err := ec.Start(ctx, wfSource); err != nil {
			return err
		}
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case pauseSignal:
			// WORKFLOW_PAUSED is already journaled; the execution rests.
			c.logger.Info("execution paused", "pause", sig.name)
		case cancelSignal:
			err = finishCancelled(ctx, c, wfSource, sig.reason)
		default:
			// A programming error in the workflow body fails the
			// execution rather than the worker.
			c.logger.Error("workflow panicked", "panic", fmt.Sprint(r))
			wireErr := execution.EncodeWireError(&fluxerrors.ExecutionError{
				Message: fmt.Sprintf("workflow panic: %v", r),
			})
			err = ec.Fail(ctx, wfSource, wireErr)
		}
	}()

	output, bodyErr := wf.fn(c)
	if bodyErr != nil {
		if fluxerrors.IsCancelled(bodyErr) {
			return finishCancelled(ctx, c, wfSource, bodyErr.Error())
		}
		return ec.Fail(ctx, wfSource, execution.EncodeWireError(bodyErr))
	}

	encoded, encErr := c.encode(output)
	if encErr != nil {
		return ec.Fail(ctx, wfSource, execution.EncodeWireError(encErr))
	}
	return ec.Complete(ctx, wfSource, encoded)
}

// finishCancelled runs pending rollbacks then journals the terminal
// cancellation event.
func finishCancelled(ctx context.Context, c *Context, wfSource, reason string) error {
	c.runPendingRollbacks()
	encoded, err := c.encode(reason)
	if err != nil {
		encoded = nil
	}
	return c.ec.Cancel(ctx, wfSource, encoded)
}
