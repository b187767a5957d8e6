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

// fluxw is the standalone worker daemon. It serves graph workflows with
// the builtin task set; code workflows ship in binaries that link the
// flux package and call worker.New with their own registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxio/flux/internal/cache"
	"github.com/fluxio/flux/internal/config"
	"github.com/fluxio/flux/internal/log"
	"github.com/fluxio/flux/internal/worker"
	"github.com/fluxio/flux/pkg/flux"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configDir  string
	workerName string
)

func main() {
	cmd := &cobra.Command{
		Use:           "fluxw",
		Short:         "Flux worker daemon",
		Version:       fmt.Sprintf("%s (%s, built %s)", version, commit, buildDate),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&configDir, "config", "", "Path to the directory holding flux.toml")
	cmd.Flags().StringVar(&workerName, "name", "", "Worker name (default: hostname)")

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

	name := workerName
	if name == "" {
		name, err = os.Hostname()
		if err != nil {
			name = fmt.Sprintf("worker-%d", time.Now().Unix())
		}
	}

	store, err := buildCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	w := worker.New(worker.Config{
		Name:             name,
		ServerURL:        cfg.Workers.ServerURL,
		BootstrapToken:   cfg.Workers.BootstrapToken,
		MaxConcurrent:    cfg.Executor.MaxWorkers,
		RequestTimeout:   cfg.Workers.DefaultTimeout,
		ReconnectDelay:   cfg.Workers.RetryDelay,
		ReconnectBackoff: cfg.Workers.RetryBackoff,
	}, flux.DefaultRegistry(), store, logger)

	logger.Info("fluxw starting", "worker", name, "server", cfg.Workers.ServerURL)
	return w.Run(ctx)
}

// buildCache layers the in-process LRU over Redis when configured.
func buildCache(cfg *config.Config) (cache.Store, error) {
	front := cache.NewLRU(cfg.Cache.Size, 0)
	if cfg.Cache.RedisURL == "" {
		return front, nil
	}
	rear, err := cache.NewRedis(cfg.Cache.RedisURL, cfg.Cache.TTL)
	if err != nil {
		return nil, err
	}
	return cache.NewTiered(front, rear), nil
}
