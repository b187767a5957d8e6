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

// Package tracing instruments Flux with OpenTelemetry spans. It uses
// the global tracer provider, which is a no-op until the embedding
// process installs one, so instrumentation is free by default.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fluxio/flux"

// Span attribute keys.
const (
	AttrExecutionID  = "flux.execution_id"
	AttrWorkflowName = "flux.workflow"
	AttrWorkflowID   = "flux.workflow_id"
	AttrWorker       = "flux.worker"
	AttrState        = "flux.state"
	AttrEventCount   = "flux.event_count"
)

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartDrive starts a span covering one worker drive of an execution.
func StartDrive(ctx context.Context, executionID, workflowID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "flux.execution.drive",
		trace.WithAttributes(
			attribute.String(AttrExecutionID, executionID),
			attribute.String(AttrWorkflowID, workflowID),
		))
}

// StartSubmit starts a span covering execution submission.
func StartSubmit(ctx context.Context, workflowName string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "flux.execution.submit",
		trace.WithAttributes(attribute.String(AttrWorkflowName, workflowName)))
}

// StartCheckpoint starts a span covering one checkpoint append.
func StartCheckpoint(ctx context.Context, executionID, worker string, eventCount int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "flux.execution.checkpoint",
		trace.WithAttributes(
			attribute.String(AttrExecutionID, executionID),
			attribute.String(AttrWorker, worker),
			attribute.Int(AttrEventCount, eventCount),
		))
}

// End finishes a span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SetState records the resting state on a span.
func SetState(span trace.Span, state string) {
	span.SetAttributes(attribute.String(AttrState, state))
}
