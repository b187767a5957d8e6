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

package errors

import (
	stderrors "errors"
	"fmt"
)

// WorkflowError is the wire and journal form of an error. Task and
// workflow failures are encoded as this tuple before they are persisted
// or transmitted; the original Go error value never crosses a process
// boundary.
type WorkflowError struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *WorkflowError) ErrorType() string { return e.Kind }

// IsRetryable implements ErrorClassifier. A journaled failure is a fact,
// not a transient condition.
func (e *WorkflowError) IsRetryable() bool { return false }

// ToWire reduces any error to its WorkflowError form. Classified errors
// keep their kind; everything else is reported as "execution".
func ToWire(err error) *WorkflowError {
	if err == nil {
		return nil
	}
	var we *WorkflowError
	if stderrors.As(err, &we) {
		return we
	}
	kind := "execution"
	var classifier ErrorClassifier
	if stderrors.As(err, &classifier) {
		kind = classifier.ErrorType()
	}
	return &WorkflowError{Kind: kind, Message: err.Error()}
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	var classifier ErrorClassifier
	if stderrors.As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return stderrors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return stderrors.As(err, &c)
}

// IsCancelled reports whether err is a CancelledError.
func IsCancelled(err error) bool {
	var c *CancelledError
	return stderrors.As(err, &c)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return stderrors.As(err, &t)
}
