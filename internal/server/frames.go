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

package server

import "encoding/json"

// Control frame event names on the worker stream.
const (
	FrameExecutionScheduled = "execution_scheduled"
	FrameExecutionResumed   = "execution_resumed"
	FrameExecutionCancelled = "execution_cancelled"
)

// ControlFrame is one SSE frame on a worker's connect stream.
type ControlFrame struct {
	Event string
	Data  any
}

// ScheduledPayload offers an execution to a worker.
type ScheduledPayload struct {
	ExecutionID  string `json:"execution_id"`
	WorkflowName string `json:"workflow_name"`
	WorkflowID   string `json:"workflow_id"`
}

// ResumedPayload offers a resumed execution to a worker.
type ResumedPayload struct {
	ExecutionID string          `json:"execution_id"`
	ResumeInput json.RawMessage `json:"resume_input,omitempty"`
}

// CancelledPayload tells the owning worker to cancel.
type CancelledPayload struct {
	ExecutionID string `json:"execution_id"`
}
