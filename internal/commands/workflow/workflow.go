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

// Package workflow implements the flux workflow command group: run,
// status, cancel, resume, list, and register.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fluxio/flux/internal/client"
	"github.com/fluxio/flux/internal/commands/shared"
	"github.com/fluxio/flux/internal/execution"
)

var (
	runInput    string
	runDetached bool
	statusFull  bool
	cancelWait  bool
	resumeWait  bool
)

// NewCommand creates the workflow command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect workflow executions",
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newResumeCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRegisterCommand())

	return cmd
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Execute a workflow",
		Long: `Execute a registered workflow on the cluster.

By default the command blocks until the execution rests and prints its
output. With --detach it prints the execution id immediately.

Examples:
  flux workflow run greet --input '"ada"'
  flux workflow run etl --input '{"source": "db"}' --detach`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	cmd.Flags().StringVar(&runInput, "input", "", "Execution input as JSON")
	cmd.Flags().BoolVar(&runDetached, "detach", false, "Submit and return immediately")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	var input []byte
	if runInput != "" {
		if !json.Valid([]byte(runInput)) {
			return shared.NewUsageError("--input must be valid JSON", nil)
		}
		input = []byte(runInput)
	}

	if runDetached {
		id, err := c.RunAsync(cmd.Context(), args[0], input)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}

	result, err := c.RunSync(cmd.Context(), args[0], input)
	if err != nil {
		return err
	}
	return printResult(result)
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <name> <execution-id>",
		Short: "Show execution state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			rec, err := c.Status(cmd.Context(), args[0], args[1], statusFull)
			if err != nil {
				return err
			}
			if shared.JSONOutput() || statusFull {
				return printJSON(rec)
			}
			fmt.Printf("%s  %s\n", rec.ID, rec.State)
			if rec.Error != nil {
				fmt.Printf("error: %s\n", rec.Error.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusFull, "detailed", false, "Include the full event journal")

	return cmd
}

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <name> <execution-id>",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			rec, err := c.Cancel(cmd.Context(), args[0], args[1], cancelWait)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", args[1], rec.State)
			return nil
		},
	}

	cmd.Flags().BoolVar(&cancelWait, "wait", false, "Block until the execution is cancelled")

	return cmd
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <name> <execution-id> <input>",
		Short: "Resume a paused execution",
		Long: `Resume a paused execution with the given JSON input. The input
becomes the return value of the Pause call the workflow is waiting on.

Examples:
  flux workflow resume approval 01a3-... '"approved"'
  flux workflow resume approval 01a3-... '{"ok": true}' --wait`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			if !json.Valid([]byte(args[2])) {
				return shared.NewUsageError("resume input must be valid JSON", nil)
			}

			if !resumeWait {
				return c.ResumeAsync(cmd.Context(), args[0], args[1], []byte(args[2]))
			}
			result, err := c.ResumeSync(cmd.Context(), args[0], args[1], []byte(args[2]))
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}

	cmd.Flags().BoolVar(&resumeWait, "wait", false, "Block until the execution rests again")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			wfs, err := c.ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}
			if shared.JSONOutput() {
				return printJSON(wfs)
			}
			for _, wf := range wfs {
				fmt.Printf("%-30s  v%-4d  %s\n", wf.Name, wf.Version, wf.Kind)
			}
			return nil
		},
	}
}

func newRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register <file>...",
		Short: "Register graph workflow files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}

			files := make(map[string][]byte, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return shared.NewUsageError(fmt.Sprintf("cannot read %s", path), err)
				}
				files[path] = data
			}

			registered, err := c.UploadWorkflowFiles(cmd.Context(), files)
			if err != nil {
				return err
			}
			for _, wf := range registered {
				fmt.Printf("registered %s v%d\n", wf.Name, wf.Version)
			}
			return nil
		},
	}
}

// printResult reports a rested execution, mapping failure states to the
// execution-failed exit code.
func printResult(result *client.RunResult) error {
	if shared.JSONOutput() {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s  %s\n", result.ExecutionID, result.State)
		if len(result.Output) > 0 {
			fmt.Println(string(result.Output))
		}
		if result.Error != nil {
			fmt.Printf("error: %s\n", result.Error.Message)
		}
	}
	switch result.State {
	case execution.StateFailed, execution.StateCancelled:
		return shared.NewExecutionError(
			fmt.Sprintf("execution %s %s", result.ExecutionID, strings.ToLower(string(result.State))), nil)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
