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

// Package graph provides declarative YAML workflow definitions. A graph
// workflow names pre-registered tasks as nodes with dependency edges and
// optional guard expressions; it is the only workflow body that ships
// through the catalog, code workflows are linked into the worker binary.
package graph

import (
	"bytes"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// nameRE matches valid workflow and node identifiers.
var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Definition is a YAML-based workflow definition.
type Definition struct {
	// Name is the workflow identifier.
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context (optional).
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Secrets lists secret names injected into the workflow's tasks.
	Secrets []string `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	// Requirements constrain which workers may claim executions.
	Requirements Requirements `yaml:"requirements,omitempty" json:"requirements,omitempty"`

	// Nodes are the executable units of the workflow.
	Nodes []Node `yaml:"nodes" json:"nodes"`

	// Output names the node whose result becomes the workflow output.
	// Defaults to the last node in dependency order.
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// Requirements mirrors the worker resource offer.
type Requirements struct {
	CPUCores    int      `yaml:"cpu_cores,omitempty" json:"cpu_cores,omitempty"`
	MemoryBytes int64    `yaml:"memory_bytes,omitempty" json:"memory_bytes,omitempty"`
	GPUs        int      `yaml:"gpus,omitempty" json:"gpus,omitempty"`
	Packages    []string `yaml:"packages,omitempty" json:"packages,omitempty"`
}

// Node is a single step: one invocation of a registered task.
type Node struct {
	// ID is the unique node identifier within this workflow.
	ID string `yaml:"id" json:"id"`

	// Task is the registered task name to invoke.
	Task string `yaml:"task" json:"task"`

	// Args are keyword arguments for the task. String values of the
	// form "$input" or "$nodes.<id>" are resolved at run time; anything
	// else passes through as a literal.
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`

	// DependsOn lists node ids that must finish first.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Guard is an expr predicate over {input, nodes}. An empty guard is
	// true; a false guard skips the node and everything downstream.
	Guard string `yaml:"guard,omitempty" json:"guard,omitempty"`
}

// Parse reads one or more definitions from a multi-document YAML stream.
// Every definition is validated before any is returned.
func Parse(data []byte) ([]*Definition, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var defs []*Definition
	for {
		var def Definition
		err := decoder.Decode(&def)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &fluxerrors.DecodeError{Codec: "yaml", Cause: err}
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, &def)
	}
	if len(defs) == 0 {
		return nil, &fluxerrors.ValidationError{Field: "workflow", Message: "no workflow definitions in document"}
	}
	return defs, nil
}

// Validate checks structural integrity: identifiers, edge targets,
// acyclicity and the output reference.
func (d *Definition) Validate() error {
	if !nameRE.MatchString(d.Name) {
		return &fluxerrors.ValidationError{Field: "name", Message: fmt.Sprintf("invalid workflow name %q", d.Name)}
	}
	if len(d.Nodes) == 0 {
		return &fluxerrors.ValidationError{Field: "nodes", Message: "workflow has no nodes"}
	}

	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if !nameRE.MatchString(n.ID) {
			return &fluxerrors.ValidationError{Field: "nodes", Message: fmt.Sprintf("invalid node id %q", n.ID)}
		}
		if seen[n.ID] {
			return &fluxerrors.ValidationError{Field: "nodes", Message: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		seen[n.ID] = true
		if n.Task == "" {
			return &fluxerrors.ValidationError{Field: "nodes", Message: fmt.Sprintf("node %q has no task", n.ID)}
		}
	}
	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return &fluxerrors.ValidationError{Field: "nodes", Message: fmt.Sprintf("node %q depends on unknown node %q", n.ID, dep)}
			}
			if dep == n.ID {
				return &fluxerrors.ValidationError{Field: "nodes", Message: fmt.Sprintf("node %q depends on itself", n.ID)}
			}
		}
	}
	if d.Output != "" && !seen[d.Output] {
		return &fluxerrors.ValidationError{Field: "output", Message: fmt.Sprintf("output references unknown node %q", d.Output)}
	}

	if _, err := d.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns node ids in a deterministic dependency order.
// Ties resolve by declaration order. Returns ValidationError on cycles.
func (d *Definition) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		indegree[n.ID] = len(n.DependsOn)
	}

	order := make([]string, 0, len(d.Nodes))
	for len(order) < len(d.Nodes) {
		progressed := false
		for _, n := range d.Nodes {
			if indegree[n.ID] != 0 {
				continue
			}
			order = append(order, n.ID)
			indegree[n.ID] = -1
			for _, m := range d.Nodes {
				for _, dep := range m.DependsOn {
					if dep == n.ID {
						indegree[m.ID]--
					}
				}
			}
			progressed = true
		}
		if !progressed {
			return nil, &fluxerrors.ValidationError{Field: "nodes", Message: "dependency cycle detected"}
		}
	}
	return order, nil
}

// NodeByID returns the node with the given id.
func (d *Definition) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// OutputNode returns the id of the node whose result is the workflow
// output: the explicit Output, or the last node in dependency order.
func (d *Definition) OutputNode() string {
	if d.Output != "" {
		return d.Output
	}
	order, err := d.TopoOrder()
	if err != nil || len(order) == 0 {
		return ""
	}
	return order[len(order)-1]
}
