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

// fluxd is the Flux server daemon: the REST+SSE control plane, the
// workflow catalog, the dispatcher, and the secrets vault.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/backend/memory"
	"github.com/fluxio/flux/internal/backend/sqlite"
	"github.com/fluxio/flux/internal/config"
	"github.com/fluxio/flux/internal/log"
	"github.com/fluxio/flux/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configDir string

func main() {
	cmd := &cobra.Command{
		Use:   "fluxd",
		Short: "Flux server daemon",
		Long: `fluxd serves the Flux control plane: workflow catalog, execution
records, worker registry, dispatcher, and the encrypted secrets vault.
Configuration comes from flux.toml and FLUX_* environment variables.`,
		Version:       fmt.Sprintf("%s (%s, built %s)", version, commit, buildDate),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&configDir, "config", "", "Path to the directory holding flux.toml")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}

	logCfg := log.FromEnv()
	logCfg.Level = cfg.LogLevel
	if cfg.Debug {
		logCfg.Level = "debug"
		logCfg.AddSource = true
	}
	logger := log.New(logCfg)

	store, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := server.New(cfg, store, logger, server.Options{})
	if err != nil {
		return err
	}

	logger.Info("fluxd starting", "version", version, "database", cfg.DatabaseURL)
	return srv.Run(ctx)
}

// openBackend opens the repository named by database_url:
// "sqlite://<path>" or ":memory:".
func openBackend(cfg *config.Config) (backend.Backend, error) {
	url := cfg.DatabaseURL
	switch {
	case url == ":memory:" || url == "memory://":
		return memory.New(), nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return sqlite.New(sqlite.Config{Path: path, WAL: true})
	default:
		return nil, fmt.Errorf("unsupported database_url %q", url)
	}
}
