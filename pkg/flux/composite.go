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
	"math"
	"sync"

	"github.com/fluxio/flux/internal/execution"
)

// Call pairs a task with its arguments for Parallel.
type Call struct {
	Task   *Task
	Args   []any
	Kwargs map[string]any
}

// Parallel invokes the calls concurrently. Invocation indices are
// reserved in declaration order before any child starts, so replay
// resolves each child deterministically regardless of completion order.
// Events journal in completion order. All children run to completion
// even when siblings fail; the failure journaled earliest wins.
func Parallel(c *Context, calls ...Call) ([]any, error) {
	c.checkSignal()

	sourceIDs := make([]string, len(calls))
	for i, call := range calls {
		idx := c.nextIndex(call.Task.name)
		sourceIDs[i] = execution.SourceID(c.scope, call.Task.name, idx)
	}

	results := make([]any, len(calls))
	errs := make([]error, len(calls))
	signals := make([]any, len(calls))

	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					signals[i] = r
				}
			}()
			results[i], errs[i] = calls[i].Task.run(c, sourceIDs[i], calls[i].Args, calls[i].Kwargs)
		}(i)
	}
	wg.Wait()

	// Pause is not legal inside Parallel children; cancel signals
	// continue unwinding on the workflow goroutine.
	for _, sig := range signals {
		if sig != nil {
			panic(sig)
		}
	}

	if err := firstFailureBySeq(c, sourceIDs, errs); err != nil {
		return nil, err
	}
	return results, nil
}

// firstFailureBySeq picks the failed child whose terminal failure event
// carries the lowest journal sequence.
func firstFailureBySeq(c *Context, sourceIDs []string, errs []error) error {
	events := c.ec.Events()
	bestSeq := int64(math.MaxInt64)
	var bestErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		seq := int64(math.MaxInt64 - 1)
		for _, e := range events {
			if e.SourceID == sourceIDs[i] && e.Type.IsTaskFailure() {
				seq = e.Seq
			}
		}
		if seq < bestSeq {
			bestSeq = seq
			bestErr = err
		}
	}
	return bestErr
}

// Pipeline threads input through the tasks left to right. Each step is
// an ordinary invocation with its own source id.
func Pipeline(c *Context, input any, tasks ...*Task) (any, error) {
	value := input
	for _, t := range tasks {
		var err error
		value, err = t.Invoke(c, value)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}
