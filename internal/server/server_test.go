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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/backend/memory"
	"github.com/fluxio/flux/internal/config"
	"github.com/fluxio/flux/internal/execution"
)

const graphYAML = `
name: pipeline
secrets: [api_key]
nodes:
  - id: only
    task: noop
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		ServerHost: "localhost",
		ServerPort: 8000,
		Serializer: "json",
		Workers:    config.WorkersConfig{BootstrapToken: "boot-token"},
		Security:   config.SecurityConfig{EncryptionKey: "test-encryption-key"},
	}
	s, err := New(cfg, memory.New(), nil, Options{WorkerGrace: 100 * time.Millisecond})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func registerWorker(t *testing.T, ts *httptest.Server, name string) string {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/workers/register", "boot-token", registerRequest{
		Name:      name,
		Resources: backend.Resources{CPUCores: 4, MemoryBytes: 1 << 30},
		Runtime:   backend.WorkerRuntime{OS: "linux", Arch: "amd64", GoVersion: "go1.23"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[registerResponse](t, resp).SessionToken
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestWorkflowUploadAndGet(t *testing.T) {
	_, ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "pipeline.yaml")
	require.NoError(t, err)
	_, err = part.Write([]byte(graphYAML))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/workflows", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer boot-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	registered := decodeBody[[]map[string]any](t, resp)
	require.Len(t, registered, 1)
	assert.Equal(t, "pipeline", registered[0]["name"])
	assert.Equal(t, float64(1), registered[0]["version"])

	listResp, err := http.Get(ts.URL + "/workflows")
	require.NoError(t, err)
	wfs := decodeBody[[]*backend.Workflow](t, listResp)
	require.Len(t, wfs, 1)

	getResp, err := http.Get(ts.URL + "/workflows/pipeline")
	require.NoError(t, err)
	detail := decodeBody[workflowDetail](t, getResp)
	assert.Equal(t, "pipeline", detail.Name)
	assert.Len(t, detail.Versions, 1)

	missing, err := http.Get(ts.URL + "/workflows/ghost")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRunAsyncSchedules(t *testing.T) {
	s, ts := newTestServer(t)
	_, err := s.Catalog().RegisterGraphSource(context.Background(), []byte(graphYAML))
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, ts.URL+"/workflows/pipeline/run/async", "", "input-value")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	id := body["execution_id"]
	require.NotEmpty(t, id)

	rec, err := s.Manager().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateScheduled, rec.State)
	assert.Equal(t, []byte(`"input-value"`), rec.Input)
}

func TestRunRejectsInvalidJSON(t *testing.T) {
	s, ts := newTestServer(t)
	_, err := s.Catalog().RegisterGraphSource(context.Background(), []byte(graphYAML))
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/workflows/pipeline/run/async", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/workflows/pipeline/run/later", "application/json",
		bytes.NewReader([]byte(`1`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkerRegisterAuth(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/workers/register", "wrong", registerRequest{Name: "w1"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := registerWorker(t, ts, "w1")
	assert.NotEmpty(t, token)
}

func TestClaimIsExclusive(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()
	_, err := s.Catalog().RegisterGraphSource(ctx, []byte(graphYAML))
	require.NoError(t, err)

	// The pipeline workflow requests a secret; store it first.
	require.NoError(t, s.vault.Put(ctx, "api_key", "s3cr3t"))

	token1 := registerWorker(t, ts, "w1")
	token2 := registerWorker(t, ts, "w2")

	rec, err := s.Manager().Submit(ctx, "pipeline", 0, []byte(`"x"`))
	require.NoError(t, err)

	claimURL := func(worker string) string {
		return fmt.Sprintf("%s/workers/%s/claim/%s", ts.URL, worker, rec.ID)
	}

	resp := doJSON(t, http.MethodPost, claimURL("w1"), token1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claim := decodeBody[claimResponse](t, resp)
	assert.Equal(t, execution.StateClaimed, claim.Execution.State)
	assert.Equal(t, "pipeline", claim.Workflow.Name)
	assert.Equal(t, "s3cr3t", claim.Secrets["api_key"])

	// Second claim loses the CAS.
	resp = doJSON(t, http.MethodPost, claimURL("w2"), token2, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A session token for another worker is rejected outright.
	resp = doJSON(t, http.MethodPost, claimURL("w2"), token1, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckpointCAS(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()
	_, err := s.Catalog().RegisterGraphSource(ctx, []byte(graphYAML))
	require.NoError(t, err)
	require.NoError(t, s.vault.Put(ctx, "api_key", "v"))

	token := registerWorker(t, ts, "w1")
	rec, err := s.Manager().Submit(ctx, "pipeline", 0, nil)
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/workers/w1/claim/%s", ts.URL, rec.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	checkpointURL := fmt.Sprintf("%s/workers/w1/checkpoint/%s", ts.URL, rec.ID)
	wfSource := execution.SourceID(rec.ID, "pipeline", 0)
	started := execution.Event{
		Seq: 1, Type: execution.EventWorkflowStarted,
		SourceID: wfSource, Name: "pipeline", Timestamp: time.Now().UTC(),
	}

	// Stale base seq is rejected and nothing lands.
	resp = doJSON(t, http.MethodPost, checkpointURL, token, checkpointRequest{
		CheckpointSeq: 5, Events: []execution.Event{started},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, checkpointURL, token, checkpointRequest{
		CheckpointSeq: 0, Events: []execution.Event{started},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cp := decodeBody[checkpointResponse](t, resp)
	assert.Equal(t, execution.StateRunning, cp.State)
	assert.Equal(t, int64(1), cp.CheckpointSeq)

	output, _ := json.Marshal("done")
	completed := execution.Event{
		Seq: 2, Type: execution.EventWorkflowCompleted,
		SourceID: wfSource, Name: "pipeline", Value: output, Timestamp: time.Now().UTC(),
	}
	resp = doJSON(t, http.MethodPost, checkpointURL, token, checkpointRequest{
		CheckpointSeq: 1, Events: []execution.Event{completed},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cp = decodeBody[checkpointResponse](t, resp)
	assert.Equal(t, execution.StateCompleted, cp.State)

	// Terminal states absorb; further appends conflict.
	resp = doJSON(t, http.MethodPost, checkpointURL, token, checkpointRequest{
		CheckpointSeq: 2, Events: []execution.Event{{
			Seq: 3, Type: execution.EventTaskStarted, SourceID: "late", Name: "late",
		}},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Status reflects the journal.
	statusResp, err := http.Get(fmt.Sprintf("%s/workflows/pipeline/status/%s?detailed=true", ts.URL, rec.ID))
	require.NoError(t, err)
	detail := decodeBody[execution.Record](t, statusResp)
	assert.Equal(t, execution.StateCompleted, detail.State)
	assert.Len(t, detail.Events, 2)
	assert.Equal(t, []byte(`"done"`), detail.Output)
}

func TestCheckpointRequiresOwnership(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()
	_, err := s.Catalog().RegisterGraphSource(ctx, []byte(graphYAML))
	require.NoError(t, err)
	require.NoError(t, s.vault.Put(ctx, "api_key", "v"))

	token1 := registerWorker(t, ts, "w1")
	token2 := registerWorker(t, ts, "w2")

	rec, err := s.Manager().Submit(ctx, "pipeline", 0, nil)
	require.NoError(t, err)
	resp := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/workers/w1/claim/%s", ts.URL, rec.ID), token1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// w2 cannot checkpoint w1's execution.
	resp = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/workers/w2/checkpoint/%s", ts.URL, rec.ID), token2, checkpointRequest{
			CheckpointSeq: 0,
			Events: []execution.Event{{
				Seq: 1, Type: execution.EventWorkflowStarted, SourceID: "s", Name: "pipeline",
			}},
		})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelUnclaimedFinalizesDirectly(t *testing.T) {
	s, ts := newTestServer(t)
	ctx := context.Background()
	_, err := s.Catalog().RegisterGraphSource(ctx, []byte(graphYAML))
	require.NoError(t, err)

	rec, err := s.Manager().Submit(ctx, "pipeline", 0, nil)
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s/workflows/pipeline/cancel/%s", ts.URL, rec.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	final, err := s.Manager().Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelled, final.State)
	require.Len(t, final.Events, 1)
	assert.Equal(t, execution.EventWorkflowCancelled, final.Events[0].Type)

	// Cancelling a terminal execution conflicts.
	resp, err = http.Get(fmt.Sprintf("%s/workflows/pipeline/cancel/%s", ts.URL, rec.ID))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSecretsAdminRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/admin/secrets/db_pass", "boot-token", secretRequest{Value: "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/admin/secrets/db_pass", "boot-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	secret := decodeBody[secretResponse](t, resp)
	assert.Equal(t, "hunter2", secret.Value)

	resp = doJSON(t, http.MethodGet, ts.URL+"/admin/secrets", "boot-token", nil)
	names := decodeBody[[]string](t, resp)
	assert.Equal(t, []string{"db_pass"}, names)

	// No admin token, no secrets.
	resp = doJSON(t, http.MethodGet, ts.URL+"/admin/secrets/db_pass", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/admin/secrets/db_pass", "boot-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/admin/secrets/db_pass", "boot-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResumeReschedules(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	_, err := s.Catalog().RegisterGraphSource(ctx, []byte(graphYAML))
	require.NoError(t, err)

	rec, err := s.Manager().Submit(ctx, "pipeline", 0, nil)
	require.NoError(t, err)

	// Drive the journal to PAUSED by hand.
	_, err = s.store.TransitionExecution(ctx, rec.ID,
		[]execution.State{execution.StateScheduled}, execution.StateClaimed, "w1")
	require.NoError(t, err)
	wfSource := execution.SourceID(rec.ID, "pipeline", 0)
	_, err = s.store.AppendEvents(ctx, rec.ID, 0, []execution.Event{
		{Seq: 1, Type: execution.EventWorkflowStarted, SourceID: wfSource, Name: "pipeline", Timestamp: time.Now().UTC()},
		{Seq: 2, Type: execution.EventWorkflowPaused, SourceID: "pause_gate_x", Name: "gate", Timestamp: time.Now().UTC()},
	})
	require.NoError(t, err)

	resumed, err := s.Manager().Resume(ctx, rec.ID, []byte(`42`))
	require.NoError(t, err)
	assert.Equal(t, execution.StateScheduled, resumed.State)
	assert.Equal(t, []byte(`42`), resumed.ResumeInput)
	assert.Empty(t, resumed.Worker)

	// Only PAUSED executions resume.
	_, err = s.Manager().Resume(ctx, rec.ID, []byte(`1`))
	assert.Error(t, err)
}

func TestReleaseWorkerReschedules(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	_, err := s.Catalog().RegisterGraphSource(ctx, []byte(graphYAML))
	require.NoError(t, err)

	rec, err := s.Manager().Submit(ctx, "pipeline", 0, nil)
	require.NoError(t, err)
	_, err = s.Manager().Claim(ctx, "w1", rec.ID)
	require.NoError(t, err)

	s.Manager().ReleaseWorker(ctx, "w1")

	after, err := s.Manager().Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StateScheduled, after.State)
	assert.Empty(t, after.Worker)
}

func TestWorkersList(t *testing.T) {
	_, ts := newTestServer(t)
	registerWorker(t, ts, "w1")

	resp, err := http.Get(ts.URL + "/workers")
	require.NoError(t, err)
	workers := decodeBody[[]map[string]any](t, resp)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0]["name"])
	assert.Equal(t, false, workers[0]["connected"])
}
