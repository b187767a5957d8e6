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

import (
	"time"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Record is the server-side execution record. The server owns it; the
// claiming worker holds an exclusive lease on driving its journal.
type Record struct {
	ID            string                     `json:"execution_id"`
	WorkflowName  string                     `json:"workflow_name"`
	WorkflowID    string                     `json:"workflow_id"`
	Input         []byte                     `json:"input,omitempty"`
	State         State                      `json:"state"`
	Worker        string                     `json:"current_worker,omitempty"`
	Output        []byte                     `json:"output,omitempty"`
	Error         *fluxerrors.WorkflowError  `json:"error,omitempty"`
	ResumeInput   []byte                     `json:"resume_input,omitempty"`
	CheckpointSeq int64                      `json:"checkpoint_seq"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
	Events        []Event                    `json:"events,omitempty"`
}

// Summary returns a copy of the record without its event log, the shape
// returned by non-detailed status queries.
func (r *Record) Summary() *Record {
	s := *r
	s.Events = nil
	return &s
}

// Clone returns a deep copy with no aliasing of mutable state.
func (r *Record) Clone() *Record {
	s := *r
	if r.Events != nil {
		s.Events = make([]Event, len(r.Events))
		copy(s.Events, r.Events)
	}
	if r.Error != nil {
		errCopy := *r.Error
		s.Error = &errCopy
	}
	return &s
}

// ApplyEvents folds freshly checkpointed events into the record: bumps
// the checkpoint sequence and re-derives journal-driven state, output
// and error. Transport states (SCHEDULED, CLAIMED, CANCELLING) are
// preserved unless the journal reached a resting or terminal state.
func (r *Record) ApplyEvents(events []Event) {
	r.Events = append(r.Events, events...)
	if len(r.Events) > 0 {
		r.CheckpointSeq = r.Events[len(r.Events)-1].Seq
	}

	derived := DeriveState(r.Events)
	switch derived {
	case StateCompleted, StateFailed, StateCancelled, StatePaused:
		r.State = derived
	case StateRunning:
		// A claimed execution becomes RUNNING on its first checkpoint;
		// CANCELLING sticks until the journal confirms.
		if r.State == StateClaimed || r.State == StateScheduled {
			r.State = StateRunning
		}
	}

	for _, e := range events {
		switch e.Type {
		case EventWorkflowCompleted:
			r.Output = e.Value
		case EventWorkflowFailed:
			r.Error = decodeWireError(e.Value)
		}
	}
	r.UpdatedAt = time.Now().UTC()
}
