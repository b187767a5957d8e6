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

// Package execution defines the event-sourced execution model: the
// append-only event log, the states derived from it, and the execution
// context workers drive workflow code against.
package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// EventType identifies a journaled execution event.
type EventType string

// Workflow lifecycle events.
const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowPaused    EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed   EventType = "WORKFLOW_RESUMED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
)

// Task events.
const (
	EventTaskStarted   EventType = "TASK_STARTED"
	EventTaskCompleted EventType = "TASK_COMPLETED"
	EventTaskFailed    EventType = "TASK_FAILED"

	EventTaskRetryStarted   EventType = "TASK_RETRY_STARTED"
	EventTaskRetryCompleted EventType = "TASK_RETRY_COMPLETED"
	EventTaskRetryFailed    EventType = "TASK_RETRY_FAILED"

	EventTaskFallbackStarted   EventType = "TASK_FALLBACK_STARTED"
	EventTaskFallbackCompleted EventType = "TASK_FALLBACK_COMPLETED"
	EventTaskFallbackFailed    EventType = "TASK_FALLBACK_FAILED"

	EventTaskRollbackStarted   EventType = "TASK_ROLLBACK_STARTED"
	EventTaskRollbackCompleted EventType = "TASK_ROLLBACK_COMPLETED"
)

// Event is one append-only record in an execution's journal. Value holds
// the encoded payload (output, error, pause name, resume input) and is
// base64-wrapped when the event travels as JSON.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	SourceID  string    `json:"source_id"`
	Name      string    `json:"name"`
	Value     []byte    `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsWorkflowEvent reports whether t is a workflow lifecycle event.
func (t EventType) IsWorkflowEvent() bool {
	switch t {
	case EventWorkflowStarted, EventWorkflowCompleted, EventWorkflowFailed,
		EventWorkflowPaused, EventWorkflowResumed, EventWorkflowCancelled:
		return true
	}
	return false
}

// IsTaskSuccess reports whether t concludes a task successfully.
func (t EventType) IsTaskSuccess() bool {
	switch t {
	case EventTaskCompleted, EventTaskRetryCompleted, EventTaskFallbackCompleted:
		return true
	}
	return false
}

// IsTaskFailure reports whether t records a failed task attempt.
func (t EventType) IsTaskFailure() bool {
	switch t {
	case EventTaskFailed, EventTaskRetryFailed, EventTaskFallbackFailed:
		return true
	}
	return false
}

// SourceID derives the stable identifier for an invocation site. It is a
// function of the enclosing scope, the task name, and the positional
// invocation index within that scope, so replay reproduces it exactly.
func SourceID(scope, name string, index int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", scope, name, index)))
	return fmt.Sprintf("%s_%s", name, hex.EncodeToString(h[:])[:16])
}
