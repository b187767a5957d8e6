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
	"time"

	"github.com/fluxio/flux/internal/backend"
)

// TaskOption configures a Task.
type TaskOption func(*taskOptions)

type taskOptions struct {
	retryMaxAttempts int
	retryDelay       time.Duration
	retryBackoff     float64
	timeout          time.Duration
	fallback         TaskFunc
	rollback         TaskFunc
	cache            bool
	secretRequests   []string
	outputStorage    string
}

// WithRetry enables retries: up to maxAttempts extra attempts, waiting
// delay before the first and growing geometrically by backoff.
func WithRetry(maxAttempts int, delay time.Duration, backoff float64) TaskOption {
	return func(o *taskOptions) {
		o.retryMaxAttempts = maxAttempts
		o.retryDelay = delay
		if backoff >= 1 {
			o.retryBackoff = backoff
		}
	}
}

// WithTimeout sets the per-attempt cooperative deadline.
func WithTimeout(d time.Duration) TaskOption {
	return func(o *taskOptions) { o.timeout = d }
}

// WithFallback installs a function invoked once after all retries are
// exhausted; its result replaces the failure.
func WithFallback(fn TaskFunc) TaskOption {
	return func(o *taskOptions) { o.fallback = fn }
}

// WithRollback installs a compensation function invoked when the task
// ultimately fails.
func WithRollback(fn TaskFunc) TaskOption {
	return func(o *taskOptions) { o.rollback = fn }
}

// WithCache reuses successful outputs across executions, keyed by the
// task name and an argument fingerprint.
func WithCache() TaskOption {
	return func(o *taskOptions) { o.cache = true }
}

// WithTaskSecrets declares secrets injected into the task environment.
func WithTaskSecrets(names ...string) TaskOption {
	return func(o *taskOptions) { o.secretRequests = append(o.secretRequests, names...) }
}

// WithOutputStorage selects where task outputs materialize.
func WithOutputStorage(kind string) TaskOption {
	return func(o *taskOptions) { o.outputStorage = kind }
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*workflowOptions)

type workflowOptions struct {
	version        int
	secretRequests []string
	requirements   backend.Resources
	outputStorage  string
}

// WithVersion pins an explicit workflow version. Without it the catalog
// assigns the next version on registration.
func WithVersion(v int) WorkflowOption {
	return func(o *workflowOptions) { o.version = v }
}

// WithSecrets declares secrets the workflow's tasks may request.
func WithSecrets(names ...string) WorkflowOption {
	return func(o *workflowOptions) { o.secretRequests = append(o.secretRequests, names...) }
}

// WithRequirements constrains which workers may claim executions.
func WithRequirements(r backend.Resources) WorkflowOption {
	return func(o *workflowOptions) { o.requirements = r }
}

// WithWorkflowOutputStorage selects where the workflow output
// materializes.
func WithWorkflowOutputStorage(kind string) WorkflowOption {
	return func(o *workflowOptions) { o.outputStorage = kind }
}
