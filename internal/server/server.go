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

// Package server is the Flux control plane: the REST+SSE API, the
// workflow catalog, the worker registry, the execution manager, and the
// dispatcher. Workers drive executions; the server owns their records.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/catalog"
	"github.com/fluxio/flux/internal/config"
	"github.com/fluxio/flux/internal/metrics"
	"github.com/fluxio/flux/internal/secrets"
)

// Server wires the control plane subsystems together.
type Server struct {
	cfg        *config.Config
	store      backend.Backend
	catalog    *catalog.Catalog
	vault      *secrets.Vault
	registry   *WorkerRegistry
	manager    *ExecutionManager
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	auth       *authenticator
	logger     *slog.Logger
}

// Options tune server internals; zero values take defaults.
type Options struct {
	// WorkerGrace is how long a disconnected worker keeps its claims.
	WorkerGrace time.Duration

	// DispatchInterval paces the dispatcher between kicks.
	DispatchInterval time.Duration
}

// New builds a server over the given backend.
func New(cfg *config.Config, store backend.Backend, logger *slog.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New()
	cat := catalog.New(store, logger)
	registry := NewWorkerRegistry(store, m, logger, opts.WorkerGrace)
	auth, err := newAuthenticator(cfg.Workers.BootstrapToken)
	if err != nil {
		return nil, err
	}

	var vault *secrets.Vault
	if cfg.Security.EncryptionKey != "" {
		vault, err = secrets.NewVault(cfg.Security.EncryptionKey, store)
		if err != nil {
			return nil, err
		}
	}

	dispatcher := NewDispatcher(store, cat, registry, m, logger, opts.DispatchInterval)
	manager := NewExecutionManager(store, cat, registry, m, logger, dispatcher.Kick)

	return &Server{
		cfg:        cfg,
		store:      store,
		catalog:    cat,
		vault:      vault,
		registry:   registry,
		manager:    manager,
		dispatcher: dispatcher,
		metrics:    m,
		auth:       auth,
		logger:     logger,
	}, nil
}

// Catalog exposes the workflow catalog, the auto-register watcher and
// tests use it directly.
func (s *Server) Catalog() *catalog.Catalog { return s.catalog }

// Manager exposes the execution manager for tests.
func (s *Server) Manager() *ExecutionManager { return s.manager }

// RunDispatcher runs only the dispatch loop. Tests that serve the API
// through httptest use this instead of Run.
func (s *Server) RunDispatcher(ctx context.Context) error {
	return s.dispatcher.Run(ctx, s.manager)
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /workflows", s.handleWorkflowsUpload)
	mux.HandleFunc("GET /workflows", s.handleWorkflowsList)
	mux.HandleFunc("GET /workflows/{name}", s.handleWorkflowGet)
	mux.HandleFunc("POST /workflows/{name}/run/{mode}", s.handleRun)
	mux.HandleFunc("POST /workflows/{name}/resume/{execution_id}/{mode}", s.handleResume)
	mux.HandleFunc("GET /workflows/{name}/status/{execution_id}", s.handleStatus)
	mux.HandleFunc("GET /workflows/{name}/cancel/{execution_id}", s.handleCancel)

	mux.HandleFunc("POST /workers/register", s.handleWorkerRegister)
	mux.HandleFunc("GET /workers", s.handleWorkersList)
	mux.HandleFunc("GET /workers/{name}/connect", s.handleWorkerConnect)
	mux.HandleFunc("POST /workers/{name}/claim/{execution_id}", s.handleClaim)
	mux.HandleFunc("POST /workers/{name}/checkpoint/{execution_id}", s.handleCheckpoint)

	mux.HandleFunc("GET /admin/secrets", s.handleSecretsList)
	mux.HandleFunc("GET /admin/secrets/{name}", s.handleSecretGet)
	mux.HandleFunc("POST /admin/secrets/{name}", s.handleSecretPut)
	mux.HandleFunc("DELETE /admin/secrets/{name}", s.handleSecretDelete)

	return mux
}

// Run serves HTTP and the background loops until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.ServerAddr(),
		Handler: s.Handler(),
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.dispatcher.Run(ctx, s.manager)
	})

	if s.cfg.Catalog.AutoRegister {
		watcher, err := catalog.NewWatcher(s.catalog, s.cfg.Catalog.WorkflowsDir)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return watcher.Start(ctx)
		})
	}

	group.Go(func() error {
		s.logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
