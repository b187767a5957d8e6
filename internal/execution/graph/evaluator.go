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

package graph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Evaluator evaluates guard expressions against a run scope. Compiled
// programs are cached, guards are re-evaluated on every replay.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates a guard evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Scope is the data visible to guards and argument references.
type Scope struct {
	// Input is the decoded workflow input.
	Input any

	// Nodes maps finished node ids to their decoded results. Skipped
	// nodes are present with a nil value.
	Nodes map[string]any
}

func (s Scope) env() map[string]any {
	return map[string]any{
		"input": s.Input,
		"nodes": s.Nodes,
	}
}

// Guard evaluates a node guard. An empty expression is true.
func (e *Evaluator) Guard(expression string, scope Scope) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &fluxerrors.ValidationError{
			Field:   "guard",
			Message: fmt.Sprintf("failed to compile %q: %s", expression, err),
		}
	}

	result, err := expr.Run(program, scope.env())
	if err != nil {
		return false, &fluxerrors.ValidationError{
			Field:   "guard",
			Message: fmt.Sprintf("evaluating %q: %s", expression, err),
		}
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, &fluxerrors.ValidationError{
			Field:   "guard",
			Message: fmt.Sprintf("guard %q must return bool, got %T", expression, result),
		}
	}
	return ok, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// ResolveArg resolves a node argument value against the scope. String
// values "$input" and "$nodes.<id>" are references; everything else is
// a literal.
func ResolveArg(value any, scope Scope) (any, error) {
	ref, ok := value.(string)
	if !ok || !strings.HasPrefix(ref, "$") {
		return value, nil
	}
	if ref == "$input" {
		return scope.Input, nil
	}
	if id, found := strings.CutPrefix(ref, "$nodes."); found {
		result, present := scope.Nodes[id]
		if !present {
			return nil, &fluxerrors.ValidationError{
				Field:   "args",
				Message: fmt.Sprintf("reference %q names a node that has not run", ref),
			}
		}
		return result, nil
	}
	return nil, &fluxerrors.ValidationError{
		Field:   "args",
		Message: fmt.Sprintf("unknown reference %q", ref),
	}
}
