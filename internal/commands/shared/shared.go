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

// Package shared holds state and helpers common to all flux CLI
// commands: global flags, the API client factory, and exit code
// handling.
package shared

import (
	"errors"
	"fmt"
	"os"

	"github.com/fluxio/flux/internal/client"
	"github.com/fluxio/flux/internal/config"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Exit codes for the flux CLI.
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitUsage           = 2
	ExitUnreachable     = 3
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build metadata injected via ldflags.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns the recorded build metadata.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// Global flag values bound on the root command.
var (
	apiURL     string
	adminToken string
	configPath string
	jsonOutput bool
)

// RegisterFlagPointers returns the targets for the root command's
// persistent flags.
func RegisterFlagPointers() (api *string, admin *string, cfg *string, jsonOut *bool) {
	return &apiURL, &adminToken, &configPath, &jsonOutput
}

// JSONOutput reports whether --json was requested.
func JSONOutput() bool { return jsonOutput }

// LoadConfig loads the layered configuration honoring --config.
func LoadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// NewClient builds the API client from flags and configuration. The
// --api-url flag wins over config.
func NewClient() (*client.Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	base := apiURL
	if base == "" {
		base = cfg.BaseURL()
	}
	token := adminToken
	if token == "" {
		token = cfg.Workers.BootstrapToken
	}
	return client.New(base, client.WithAdminToken(token))
}

// ExitError is an error that carries an exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for a failed execution.
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: msg, Cause: cause}
}

// NewUsageError creates an error for invalid invocations.
func NewUsageError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitUsage, Message: msg, Cause: cause}
}

// HandleExitError prints err and exits with its code. An unreachable
// server maps to ExitUnreachable; anything untyped is a usage error.
func HandleExitError(err error) {
	if err == nil {
		os.Exit(ExitSuccess)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}

	var unavailable *fluxerrors.UnavailableError
	if errors.As(err, &unavailable) {
		os.Exit(ExitUnreachable)
	}

	os.Exit(ExitUsage)
}
