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
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Builtins are nondeterministic operations expressed as journaled
// tasks: the first drive records the value, every replay returns the
// recorded one.

var nowTask = NewTask("flux_now", func(_ *TaskContext, _ ...any) (any, error) {
	return time.Now().UTC().Format(time.RFC3339Nano), nil
})

// Now returns the journaled current time.
func Now(c *Context) (time.Time, error) {
	value, err := nowTask.Invoke(c)
	if err != nil {
		return time.Time{}, err
	}
	s, ok := value.(string)
	if !ok {
		return time.Time{}, &fluxerrors.ExecutionError{Message: fmt.Sprintf("journaled time has type %T", value)}
	}
	return time.Parse(time.RFC3339Nano, s)
}

var uuid4Task = NewTask("flux_uuid4", func(_ *TaskContext, _ ...any) (any, error) {
	return uuid.NewString(), nil
})

// UUID4 returns a journaled random UUID.
func UUID4(c *Context) (string, error) {
	value, err := uuid4Task.Invoke(c)
	if err != nil {
		return "", err
	}
	s, ok := value.(string)
	if !ok {
		return "", &fluxerrors.ExecutionError{Message: fmt.Sprintf("journaled uuid has type %T", value)}
	}
	return s, nil
}

var randIntTask = NewTask("flux_randint", func(_ *TaskContext, args ...any) (any, error) {
	low, err := asInt(args[0])
	if err != nil {
		return nil, err
	}
	high, err := asInt(args[1])
	if err != nil {
		return nil, err
	}
	if high < low {
		return nil, &fluxerrors.ValidationError{Field: "high", Message: "high must be >= low"}
	}
	return low + rand.IntN(high-low+1), nil
})

// RandInt returns a journaled random integer in [low, high].
func RandInt(c *Context, low, high int) (int, error) {
	value, err := randIntTask.Invoke(c, low, high)
	if err != nil {
		return 0, err
	}
	return asInt(value)
}

var choiceTask = NewTask("flux_choice", func(_ *TaskContext, args ...any) (any, error) {
	if len(args) == 0 {
		return nil, &fluxerrors.ValidationError{Field: "options", Message: "choice requires at least one option"}
	}
	return args[rand.IntN(len(args))], nil
})

// Choice returns a journaled random pick from options.
func Choice(c *Context, options ...any) (any, error) {
	return choiceTask.Invoke(c, options...)
}

var sleepTask = NewTask("flux_sleep", func(tc *TaskContext, args ...any) (any, error) {
	seconds, err := asFloat(args[0])
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-tc.Context().Done():
		return nil, &fluxerrors.CancelledError{Reason: "sleep interrupted"}
	}
})

// Sleep waits for d. The wait journals as a completed task, so a replay
// does not wait again.
func Sleep(c *Context, d time.Duration) error {
	_, err := sleepTask.Invoke(c, d.Seconds())
	return err
}

// asInt normalizes journaled numbers, which decode as float64 from the
// JSON codec.
func asInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, &fluxerrors.ExecutionError{Message: fmt.Sprintf("expected number, got %T", value)}
	}
}

func asFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, &fluxerrors.ExecutionError{Message: fmt.Sprintf("expected number, got %T", value)}
	}
}
