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

// Package worker implements the worker node: it registers with the
// control plane, subscribes to its control stream, claims offered
// executions, and drives them through the runtime engine, checkpointing
// every journaled event back to the server.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	stdruntime "runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/cache"
	"github.com/fluxio/flux/internal/execution"
	"github.com/fluxio/flux/internal/runtime"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
	"github.com/fluxio/flux/pkg/flux"
)

// Config configures a worker node.
type Config struct {
	// Name identifies this worker to the control plane.
	Name string

	// ServerURL is the control plane base URL.
	ServerURL string

	// BootstrapToken authenticates registration.
	BootstrapToken string

	// MaxConcurrent bounds executions driven at once.
	MaxConcurrent int

	// RequestTimeout bounds individual API calls.
	RequestTimeout time.Duration

	// ReconnectDelay and ReconnectBackoff pace stream reconnects.
	ReconnectDelay   time.Duration
	ReconnectBackoff float64

	// Resources is the advertised offer. Zero CPUCores is filled from
	// the host; an empty package set is filled from the registry's
	// linked workflow and task names.
	Resources backend.Resources
}

// Worker is one worker node instance.
type Worker struct {
	cfg      Config
	api      *apiClient
	engine   *runtime.Engine
	registry *flux.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*execution.Context
}

// New creates a worker. registry carries the linked code workflows and
// the tasks graph workflows may name; store may be nil to disable the
// task output cache.
func New(cfg Config, registry *flux.Registry, store cache.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = flux.DefaultRegistry()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ReconnectBackoff < 1 {
		cfg.ReconnectBackoff = 2
	}
	if cfg.Resources.CPUCores <= 0 {
		cfg.Resources.CPUCores = stdruntime.NumCPU()
	}
	if len(cfg.Resources.Packages) == 0 {
		cfg.Resources.Packages = linkedPackages(registry)
	}
	return &Worker{
		cfg:      cfg,
		api:      newAPIClient(cfg.ServerURL, cfg.Name, cfg.RequestTimeout),
		engine:   runtime.NewEngine(registry, store, logger),
		registry: registry,
		logger:   logger.With("worker", cfg.Name),
		active:   make(map[string]*execution.Context),
	}
}

// Run registers, announces the linked workflows, and consumes the
// control stream until ctx is cancelled. Network loss reconnects with
// exponential backoff; a rejected session re-registers.
func (w *Worker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.MaxConcurrent + 1)

	attempt := 0
	registered := false
	for {
		if ctx.Err() != nil {
			break
		}

		if !registered {
			if err := w.register(ctx); err != nil {
				w.logger.Warn("registration failed", "error", err)
				if !w.backoff(ctx, &attempt) {
					break
				}
				continue
			}
			registered = true
		}

		stream, err := w.api.connect(ctx)
		if err != nil {
			if errors.Is(err, errUnauthorized) {
				registered = false
			}
			w.logger.Warn("stream connect failed", "error", err)
			if !w.backoff(ctx, &attempt) {
				break
			}
			continue
		}

		w.logger.Info("control stream connected")
		attempt = 0
		w.consumeStream(ctx, group, stream.Body)
		// Stream dropped; loop reconnects.
	}

	waitErr := group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return waitErr
}

// linkedPackages advertises the workflow and task names compiled into
// this binary, so requirement matching can route executions to workers
// that actually carry the code.
func linkedPackages(registry *flux.Registry) []string {
	var names []string
	for _, wf := range registry.Workflows() {
		names = append(names, wf.Name())
	}
	for _, task := range registry.Tasks() {
		names = append(names, task.Name())
	}
	sort.Strings(names)
	return names
}

func (w *Worker) register(ctx context.Context) error {
	rt := backend.WorkerRuntime{
		OS:        stdruntime.GOOS,
		Arch:      stdruntime.GOARCH,
		GoVersion: stdruntime.Version(),
	}
	if err := w.api.register(ctx, w.cfg.BootstrapToken, w.cfg.Resources, rt); err != nil {
		return err
	}
	if err := w.announceWorkflows(ctx); err != nil {
		w.logger.Warn("failed to announce workflows", "error", err)
	}
	w.logger.Info("registered with control plane", "server", w.cfg.ServerURL)
	return nil
}

// announceWorkflows publishes the linked code workflows so the catalog
// can schedule against them. Unchanged announcements do not bump
// versions.
func (w *Worker) announceWorkflows(ctx context.Context) error {
	workflows := w.registry.Workflows()
	if len(workflows) == 0 {
		return nil
	}
	entries := make([]*backend.Workflow, 0, len(workflows))
	for _, wf := range workflows {
		entries = append(entries, &backend.Workflow{
			Name:           wf.Name(),
			Kind:           backend.WorkflowKindCode,
			SecretRequests: wf.SecretRequests(),
			Requirements:   wf.Requirements(),
			OutputStorage:  wf.OutputStorage(),
		})
	}
	return w.api.announceWorkflows(ctx, w.cfg.BootstrapToken, entries)
}

func (w *Worker) consumeStream(ctx context.Context, group *errgroup.Group, body io.ReadCloser) {
	frames := make(chan sseFrame, 16)
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		defer close(frames)
		if err := readFrames(body, frames); err != nil && ctx.Err() == nil {
			w.logger.Warn("control stream read failed", "error", err)
		}
	}()

	defer body.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				<-readDone
				return
			}
			w.handleFrame(ctx, group, frame)
		}
	}
}

func (w *Worker) handleFrame(ctx context.Context, group *errgroup.Group, frame sseFrame) {
	switch frame.Event {
	case "execution_scheduled", "execution_resumed":
		var offer struct {
			ExecutionID string `json:"execution_id"`
		}
		if err := json.Unmarshal(frame.Data, &offer); err != nil || offer.ExecutionID == "" {
			w.logger.Warn("malformed control frame", "event", frame.Event)
			return
		}
		if !group.TryGo(func() error {
			w.runExecution(ctx, offer.ExecutionID)
			return nil
		}) {
			// Saturated; the offer goes unclaimed and is re-dispatched.
			w.logger.Debug("offer dropped at capacity", "execution_id", offer.ExecutionID)
		}
	case "execution_cancelled":
		var notice struct {
			ExecutionID string `json:"execution_id"`
		}
		if err := json.Unmarshal(frame.Data, &notice); err != nil {
			return
		}
		w.mu.Lock()
		ec, owned := w.active[notice.ExecutionID]
		w.mu.Unlock()
		if owned {
			ec.RequestCancel()
			w.logger.Info("cancellation requested", "execution_id", notice.ExecutionID)
		}
		// Cancellation for an execution this worker does not own is
		// someone else's problem.
	default:
		w.logger.Debug("unknown control frame", "event", frame.Event)
	}
}

// runExecution claims and drives one execution to a resting point.
func (w *Worker) runExecution(ctx context.Context, executionID string) {
	resp, err := w.api.claim(ctx, executionID)
	if err != nil {
		if fluxerrors.IsConflict(err) {
			w.logger.Debug("claim lost", "execution_id", executionID)
		} else {
			w.logger.Warn("claim failed", "execution_id", executionID, "error", err)
		}
		return
	}

	rec := resp.Execution
	ec := execution.Restore(rec.ID, rec.WorkflowName, rec.WorkflowID, rec.Input, rec.Events)
	ec.SetCheckpoint(func(cpCtx context.Context, _ *execution.Context, events []execution.Event) error {
		baseSeq := events[0].Seq - 1
		return w.api.checkpoint(cpCtx, rec.ID, baseSeq, events)
	})

	w.mu.Lock()
	w.active[rec.ID] = ec
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, rec.ID)
		w.mu.Unlock()
	}()

	// Resume input applies only when the journal actually rests at a
	// pause; anything else is a stale leftover.
	hasResume := len(rec.ResumeInput) > 0 &&
		execution.DeriveState(rec.Events) == execution.StatePaused

	logger := w.logger.With("execution_id", rec.ID, "workflow", rec.WorkflowID)
	logger.Info("driving execution")

	err = w.engine.Run(ctx, resp.Workflow, ec, runtime.RunOptions{
		Secrets:     resp.Secrets,
		ResumeInput: rec.ResumeInput,
		HasResume:   hasResume,
	})
	if err != nil {
		// Infrastructure failure mid-drive; the journal keeps whatever
		// was durably checkpointed and re-dispatch replays the rest.
		logger.Error("execution drive failed", "error", err)
		return
	}
	logger.Info("execution rested", "state", ec.State())
}

// backoff sleeps the current reconnect delay. Returns false when ctx
// ended during the wait.
func (w *Worker) backoff(ctx context.Context, attempt *int) bool {
	delay := time.Duration(float64(w.cfg.ReconnectDelay) *
		math.Pow(w.cfg.ReconnectBackoff, float64(*attempt)))
	if maxDelay := time.Minute; delay > maxDelay {
		delay = maxDelay
	}
	*attempt++

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// String identifies the worker in logs.
func (w *Worker) String() string {
	return fmt.Sprintf("worker %s -> %s", w.cfg.Name, w.cfg.ServerURL)
}
