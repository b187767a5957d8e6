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

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/backend/memory"
	"github.com/fluxio/flux/internal/config"
	"github.com/fluxio/flux/internal/execution"
	"github.com/fluxio/flux/internal/server"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
	"github.com/fluxio/flux/pkg/flux"
)

const bootstrapToken = "boot-token"

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReadFrames(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"event: execution_scheduled",
		`data: {"execution_id":"e1"}`,
		"",
		": keep-alive",
		"",
		"event: execution_cancelled",
		`data: {"execution_id":"e2"}`,
		"",
	}, "\n") + "\n"

	frames := make(chan sseFrame, 8)
	require.NoError(t, readFrames(strings.NewReader(stream), frames))
	close(frames)

	var got []sseFrame
	for frame := range frames {
		got = append(got, frame)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "execution_scheduled", got[0].Event)
	assert.JSONEq(t, `{"execution_id":"e1"}`, string(got[0].Data))
	assert.Equal(t, "execution_cancelled", got[1].Event)
}

func TestReadFramesIgnoresUnterminatedFrame(t *testing.T) {
	// A frame without its trailing blank line never dispatches.
	frames := make(chan sseFrame, 8)
	require.NoError(t, readFrames(strings.NewReader("event: execution_scheduled\n"), frames))
	close(frames)
	assert.Empty(t, frames)
}

// startControlPlane serves a full in-process control plane over httptest
// with the dispatch loop running.
func startControlPlane(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		ServerHost: "localhost",
		ServerPort: 8000,
		Serializer: "json",
		Workers:    config.WorkersConfig{BootstrapToken: bootstrapToken},
	}
	srv, err := server.New(cfg, memory.New(), testLogger(t), server.Options{
		DispatchInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.RunDispatcher(ctx)

	return ts
}

func startWorker(t *testing.T, serverURL string, registry *flux.Registry) {
	t.Helper()

	w := New(Config{
		Name:           "w-" + t.Name(),
		ServerURL:      serverURL,
		BootstrapToken: bootstrapToken,
		MaxConcurrent:  2,
		RequestTimeout: 5 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
	}, registry, nil, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
}

func submitRun(t *testing.T, baseURL, workflow string, input []byte) string {
	t.Helper()

	url := fmt.Sprintf("%s/workflows/%s/run/async", baseURL, workflow)
	resp, err := http.Post(url, "application/json", bytes.NewReader(input))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.ExecutionID
}

func fetchStatus(t *testing.T, baseURL, workflow, id string) *execution.Record {
	t.Helper()

	url := fmt.Sprintf("%s/workflows/%s/status/%s", baseURL, workflow, id)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec execution.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	return &rec
}

func waitForState(t *testing.T, baseURL, workflow, id string, want execution.State) *execution.Record {
	t.Helper()

	var rec *execution.Record
	require.Eventually(t, func() bool {
		rec = fetchStatus(t, baseURL, workflow, id)
		return rec.State == want
	}, 10*time.Second, 25*time.Millisecond, "execution never reached %s", want)
	return rec
}

func waitForWorkflow(t *testing.T, baseURL, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/workflows/" + name)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 25*time.Millisecond)
}

func TestWorkerDrivesExecutionEndToEnd(t *testing.T) {
	ts := startControlPlane(t)

	var invoked atomic.Int32
	say := flux.NewTask("say", func(tc *flux.TaskContext, args ...any) (any, error) {
		invoked.Add(1)
		return "hi " + args[0].(string), nil
	})

	registry := flux.NewRegistry()
	registry.Add(flux.NewWorkflow("greet", func(c *flux.Context) (any, error) {
		var name string
		if err := c.Input(&name); err != nil {
			return nil, err
		}
		return say.Invoke(c, name)
	}))

	startWorker(t, ts.URL, registry)

	// The worker announces greet at registration.
	waitForWorkflow(t, ts.URL, "greet")

	id := submitRun(t, ts.URL, "greet", []byte(`"ada"`))
	rec := waitForState(t, ts.URL, "greet", id, execution.StateCompleted)

	assert.Equal(t, []byte(`"hi ada"`), rec.Output)
	assert.Equal(t, int32(1), invoked.Load())
	assert.Nil(t, rec.Error)
}

func TestWorkerPauseAndResumeEndToEnd(t *testing.T) {
	ts := startControlPlane(t)

	registry := flux.NewRegistry()
	registry.Add(flux.NewWorkflow("approval", func(c *flux.Context) (any, error) {
		decision, err := c.Pause("review")
		if err != nil {
			return nil, err
		}
		return decision, nil
	}))

	startWorker(t, ts.URL, registry)
	waitForWorkflow(t, ts.URL, "approval")

	id := submitRun(t, ts.URL, "approval", []byte(`{}`))
	waitForState(t, ts.URL, "approval", id, execution.StatePaused)

	url := fmt.Sprintf("%s/workflows/approval/resume/%s/async", ts.URL, id)
	resp, err := http.Post(url, "application/json", strings.NewReader(`"approved"`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	rec := waitForState(t, ts.URL, "approval", id, execution.StateCompleted)
	assert.Equal(t, []byte(`"approved"`), rec.Output)
}

func TestWorkerReportsTaskFailure(t *testing.T) {
	ts := startControlPlane(t)

	boom := flux.NewTask("boom", func(tc *flux.TaskContext, _ ...any) (any, error) {
		return nil, errors.New("boom")
	})

	registry := flux.NewRegistry()
	registry.Add(flux.NewWorkflow("fragile", func(c *flux.Context) (any, error) {
		return boom.Invoke(c)
	}))

	startWorker(t, ts.URL, registry)
	waitForWorkflow(t, ts.URL, "fragile")

	id := submitRun(t, ts.URL, "fragile", []byte(`null`))
	rec := waitForState(t, ts.URL, "fragile", id, execution.StateFailed)
	require.NotNil(t, rec.Error)
}

func TestWorkerCancellationEndToEnd(t *testing.T) {
	ts := startControlPlane(t)

	started := make(chan struct{})
	release := make(chan struct{})
	slow := flux.NewTask("slow", func(tc *flux.TaskContext, _ ...any) (any, error) {
		close(started)
		select {
		case <-release:
		case <-tc.Context().Done():
		}
		return nil, &fluxerrors.CancelledError{Reason: "cancelled mid-flight"}
	})

	registry := flux.NewRegistry()
	registry.Add(flux.NewWorkflow("longhaul", func(c *flux.Context) (any, error) {
		return slow.Invoke(c)
	}))

	startWorker(t, ts.URL, registry)
	waitForWorkflow(t, ts.URL, "longhaul")

	id := submitRun(t, ts.URL, "longhaul", []byte(`null`))

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("task never started")
	}

	url := fmt.Sprintf("%s/workflows/longhaul/cancel/%s", ts.URL, id)
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	close(release)

	waitForState(t, ts.URL, "longhaul", id, execution.StateCancelled)
}

func TestWorkerDefaults(t *testing.T) {
	w := New(Config{Name: "w1", ServerURL: "http://localhost:8000"}, flux.NewRegistry(), nil, testLogger(t))
	assert.Equal(t, 10, w.cfg.MaxConcurrent)
	assert.Equal(t, time.Second, w.cfg.ReconnectDelay)
	assert.Equal(t, 2.0, w.cfg.ReconnectBackoff)
	assert.Greater(t, w.cfg.Resources.CPUCores, 0)
	assert.IsType(t, backend.Resources{}, w.cfg.Resources)
}

func TestWorkerAdvertisesLinkedPackages(t *testing.T) {
	registry := flux.NewRegistry()
	registry.Add(flux.NewWorkflow("billing", func(c *flux.Context) (any, error) {
		return nil, nil
	}))
	registry.AddTask(flux.NewTask("charge", func(_ *flux.TaskContext, _ ...any) (any, error) {
		return nil, nil
	}))

	w := New(Config{Name: "w1", ServerURL: "http://localhost:8000"}, registry, nil, testLogger(t))
	assert.Equal(t, []string{"billing", "charge"}, w.cfg.Resources.Packages)

	// An explicit package set wins over the registry.
	w = New(Config{
		Name:      "w2",
		ServerURL: "http://localhost:8000",
		Resources: backend.Resources{Packages: []string{"custom"}},
	}, registry, nil, testLogger(t))
	assert.Equal(t, []string{"custom"}, w.cfg.Resources.Packages)
}
