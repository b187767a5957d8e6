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

// Package cli assembles the flux root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/fluxio/flux/internal/commands/shared"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for flux.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flux",
		Short: "Flux - distributed workflow orchestration",
		Long: `Flux runs durable workflows across a cluster of workers. Workflows
are code linked into worker binaries or YAML task graphs registered with
the server; executions journal every step so they survive crashes and
resume exactly where they left off.`,
		SilenceUsage:  true,
		SilenceErrors: true, // Errors map to exit codes in main.
	}

	api, admin, cfg, jsonOut := shared.RegisterFlagPointers()

	cmd.PersistentFlags().StringVar(api, "api-url", "", "Server base URL (default from config)")
	cmd.PersistentFlags().StringVar(admin, "admin-token", "", "Admin token for catalog and secrets operations")
	cmd.PersistentFlags().StringVar(cfg, "config", "", "Path to the directory holding flux.toml")
	cmd.PersistentFlags().BoolVar(jsonOut, "json", false, "Output in JSON format")

	return cmd
}

// HandleExitError handles errors with proper exit codes.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
