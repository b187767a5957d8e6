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

// Package flux is the workflow authoring SDK. Workflows and tasks are
// plain Go values registered into the worker binary; the runtime drives
// them against an event-sourced execution journal so that a restarted
// or relocated execution replays to exactly the point it left off.
//
// A minimal workflow:
//
//	var sayHello = flux.NewTask("say_hello", func(tc *flux.TaskContext, args ...any) (any, error) {
//		return "Hello, " + args[0].(string), nil
//	})
//
//	var helloWorld = flux.NewWorkflow("hello_world", func(c *flux.Context) (any, error) {
//		var name string
//		if err := c.Input(&name); err != nil {
//			return nil, err
//		}
//		return sayHello.Invoke(c, name)
//	})
//
//	func init() {
//		flux.Register(helloWorld)
//	}
//
// Tasks accept functional options for retry, timeout, fallback,
// rollback, output caching and secret injection; see NewTask.
package flux
