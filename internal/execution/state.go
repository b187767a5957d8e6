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

// State is the lifecycle state of an execution. CREATED, RUNNING,
// PAUSED, COMPLETED, FAILED and CANCELLED are pure functions of the
// event log; SCHEDULED, CLAIMED and CANCELLING are transport states the
// server layers on the execution record.
type State string

const (
	StateCreated    State = "CREATED"
	StateScheduled  State = "SCHEDULED"
	StateClaimed    State = "CLAIMED"
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateCancelling State = "CANCELLING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// IsTerminal reports whether s is absorbing. PAUSED is a resting state,
// not a terminal one.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateScheduled, StateClaimed, StateRunning,
		StatePaused, StateCancelling, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// DeriveState projects the journal onto its derived state:
//
//	no events                                  -> CREATED
//	last workflow event PAUSED, no RESUMED yet -> PAUSED
//	last workflow event COMPLETED/FAILED/CANCELLED -> that terminal state
//	anything else                              -> RUNNING
func DeriveState(events []Event) State {
	if len(events) == 0 {
		return StateCreated
	}
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case EventWorkflowCompleted:
			return StateCompleted
		case EventWorkflowFailed:
			return StateFailed
		case EventWorkflowCancelled:
			return StateCancelled
		case EventWorkflowPaused:
			return StatePaused
		case EventWorkflowResumed, EventWorkflowStarted:
			return StateRunning
		}
	}
	return StateRunning
}
