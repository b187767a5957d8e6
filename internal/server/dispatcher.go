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

package server

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/catalog"
	"github.com/fluxio/flux/internal/execution"
	"github.com/fluxio/flux/internal/metrics"
)

// Dispatcher offers SCHEDULED executions to eligible live workers. An
// offer is just a frame; the claim CAS decides ownership, so re-offering
// the same execution is harmless.
type Dispatcher struct {
	store    backend.Backend
	catalog  *catalog.Catalog
	registry *WorkerRegistry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	kick     chan struct{}
	interval time.Duration
}

// NewDispatcher creates a dispatcher polling at interval between kicks.
func NewDispatcher(store backend.Backend, cat *catalog.Catalog, reg *WorkerRegistry, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		store:    store,
		catalog:  cat,
		registry: reg,
		metrics:  m,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		interval: interval,
	}
}

// Kick wakes the dispatch loop without waiting for the next tick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled. Eviction of stale workers runs
// on the same loop: a dead worker's executions must return to the pool
// before they can be re-offered.
func (d *Dispatcher) Run(ctx context.Context, manager *ExecutionManager) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
		case <-ticker.C:
			for _, worker := range d.registry.EvictStale(ctx) {
				manager.ReleaseWorker(ctx, worker)
			}
		}
		d.dispatchOnce(ctx)
		d.updateStateGauges(ctx)
	}
}

// dispatchOnce offers every SCHEDULED execution to its best worker.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	pending, err := d.store.ListExecutionsByState(ctx, execution.StateScheduled, 0)
	if err != nil {
		d.logger.Warn("failed to list scheduled executions", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	workers, err := d.registry.Live(ctx)
	if err != nil {
		d.logger.Warn("failed to list live workers", "error", err)
		return
	}
	if len(workers) == 0 {
		return
	}

	for _, rec := range pending {
		wf, err := d.catalog.Get(ctx, rec.WorkflowName, 0)
		if err != nil {
			d.logger.Warn("scheduled execution names unknown workflow",
				"execution_id", rec.ID, "workflow", rec.WorkflowName, "error", err)
			continue
		}

		chosen := d.pick(workers, wf.Requirements)
		if chosen == nil {
			// Nobody fits; stays SCHEDULED until the pool changes.
			continue
		}

		frame := ControlFrame{
			Event: FrameExecutionScheduled,
			Data: ScheduledPayload{
				ExecutionID:  rec.ID,
				WorkflowName: rec.WorkflowName,
				WorkflowID:   rec.WorkflowID,
			},
		}
		if len(rec.ResumeInput) > 0 {
			frame = ControlFrame{
				Event: FrameExecutionResumed,
				Data:  ResumedPayload{ExecutionID: rec.ID, ResumeInput: rec.ResumeInput},
			}
		}
		if d.registry.Send(chosen.Name, frame) {
			d.logger.Debug("execution offered", "execution_id", rec.ID, "worker", chosen.Name)
		}
	}
}

// pick selects the eligible worker with the fewest active claims,
// breaking ties by utilization then by name.
func (d *Dispatcher) pick(workers []*backend.Worker, required backend.Resources) *backend.Worker {
	eligible := make([]*backend.Worker, 0, len(workers))
	for _, w := range workers {
		if w.Resources.Fits(required) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	utilization := func(w *backend.Worker) float64 {
		cores := w.Resources.CPUCores
		if cores <= 0 {
			cores = 1
		}
		return float64(d.registry.ClaimCount(w.Name)) / float64(cores)
	}

	sort.Slice(eligible, func(i, j int) bool {
		ci, cj := d.registry.ClaimCount(eligible[i].Name), d.registry.ClaimCount(eligible[j].Name)
		if ci != cj {
			return ci < cj
		}
		ui, uj := utilization(eligible[i]), utilization(eligible[j])
		if ui != uj {
			return ui < uj
		}
		return eligible[i].Name < eligible[j].Name
	})
	return eligible[0]
}

// updateStateGauges refreshes the per-state execution gauges.
func (d *Dispatcher) updateStateGauges(ctx context.Context) {
	for _, state := range []execution.State{
		execution.StateCreated,
		execution.StateScheduled,
		execution.StateClaimed,
		execution.StateRunning,
		execution.StatePaused,
		execution.StateCancelling,
	} {
		records, err := d.store.ListExecutionsByState(ctx, state, 0)
		if err != nil {
			return
		}
		d.metrics.ExecutionsByState.WithLabelValues(string(state)).Set(float64(len(records)))
	}
}
