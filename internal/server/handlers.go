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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// keepAliveInterval paces comment frames on worker streams. The grace
// eviction clock depends on these arriving while a worker is idle.
const keepAliveInterval = 10 * time.Second

type registerRequest struct {
	Name      string                `json:"name"`
	Resources backend.Resources     `json:"resources"`
	Runtime   backend.WorkerRuntime `json:"runtime"`
}

type registerResponse struct {
	SessionToken string `json:"session_token"`
}

type claimResponse struct {
	Execution *execution.Record `json:"execution"`
	Workflow  *backend.Workflow `json:"workflow"`
	Secrets   map[string]string `json:"secrets,omitempty"`
}

type checkpointRequest struct {
	CheckpointSeq int64             `json:"checkpoint_seq"`
	Events        []execution.Event `json:"events"`
}

type checkpointResponse struct {
	State         execution.State `json:"state"`
	CheckpointSeq int64           `json:"checkpoint_seq"`
}

type runResponse struct {
	ExecutionID string                    `json:"execution_id"`
	State       execution.State           `json:"state"`
	Output      json.RawMessage           `json:"output,omitempty"`
	Error       *fluxerrors.WorkflowError `json:"error,omitempty"`
}

type workflowDetail struct {
	*backend.Workflow
	Versions []*backend.Workflow `json:"versions"`
}

type secretRequest struct {
	Value string `json:"value"`
}

type secretResponse struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

func newRunResponse(rec *execution.Record) runResponse {
	return runResponse{
		ExecutionID: rec.ID,
		State:       rec.State,
		Output:      json.RawMessage(rec.Output),
		Error:       rec.Error,
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case fluxerrors.IsNotFound(err):
		status = http.StatusNotFound
	case fluxerrors.IsConflict(err):
		status = http.StatusConflict
	case fluxerrors.IsTimeout(err):
		status = http.StatusGatewayTimeout
	default:
		var ve *fluxerrors.ValidationError
		var ue *fluxerrors.UnavailableError
		if errors.As(err, &ve) {
			status = http.StatusBadRequest
		} else if errors.As(err, &ue) {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]any{"error": fluxerrors.ToWire(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeAuthError distinguishes credential problems from bad requests.
func writeAuthError(w http.ResponseWriter, err error) {
	var ve *fluxerrors.ValidationError
	if errors.As(err, &ve) && ve.Field == "authorization" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": fluxerrors.ToWire(err)})
		return
	}
	writeError(w, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// POST /workflows — multipart graph workflow upload. Each file part may
// hold multiple YAML documents; every document becomes a new version.
func (s *Server) handleWorkflowsUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.checkAdmin(r); err != nil {
		writeAuthError(w, err)
		return
	}

	type registered struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	var results []registered

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		// Worker binaries announce their linked code workflows here.
		var wfs []*backend.Workflow
		if err := json.NewDecoder(r.Body).Decode(&wfs); err != nil {
			writeError(w, &fluxerrors.ValidationError{Field: "body", Message: "malformed workflow list"})
			return
		}
		for _, wf := range wfs {
			if err := s.catalog.EnsureCode(r.Context(), wf); err != nil {
				writeError(w, err)
				return
			}
			results = append(results, registered{Name: wf.Name, Version: wf.Version})
		}
		writeJSON(w, http.StatusOK, results)
		return
	}
	if strings.HasPrefix(contentType, "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, &fluxerrors.ValidationError{Field: "body", Message: "malformed multipart body"})
			return
		}
		for _, headers := range r.MultipartForm.File {
			for _, header := range headers {
				file, err := header.Open()
				if err != nil {
					writeError(w, &fluxerrors.ValidationError{Field: "body", Message: "unreadable file part"})
					return
				}
				data, readErr := io.ReadAll(file)
				file.Close()
				if readErr != nil {
					writeError(w, &fluxerrors.ValidationError{Field: "body", Message: "unreadable file part"})
					return
				}
				wfs, regErr := s.catalog.RegisterGraphSource(r.Context(), data)
				if regErr != nil {
					writeError(w, regErr)
					return
				}
				for _, wf := range wfs {
					results = append(results, registered{Name: wf.Name, Version: wf.Version})
				}
			}
		}
	} else {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, &fluxerrors.ValidationError{Field: "body", Message: "unreadable body"})
			return
		}
		wfs, regErr := s.catalog.RegisterGraphSource(r.Context(), data)
		if regErr != nil {
			writeError(w, regErr)
			return
		}
		for _, wf := range wfs {
			results = append(results, registered{Name: wf.Name, Version: wf.Version})
		}
	}

	writeJSON(w, http.StatusOK, results)
}

// GET /workflows
func (s *Server) handleWorkflowsList(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.catalog.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

// GET /workflows/{name} — latest metadata plus version history.
func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	latest, err := s.catalog.Get(r.Context(), name, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	versions, err := s.catalog.Versions(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowDetail{Workflow: latest, Versions: versions})
}

// POST /workflows/{name}/run/{mode}
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	mode := r.PathValue("mode")

	input, err := readJSONInput(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.manager.Submit(r.Context(), name, 0, input)
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondByMode(w, r, rec, mode)
}

// POST /workflows/{name}/resume/{execution_id}/{mode}
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("execution_id")
	mode := r.PathValue("mode")

	input, err := readJSONInput(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.manager.Resume(r.Context(), id, input)
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondByMode(w, r, rec, mode)
}

// respondByMode finishes a run/resume request in the requested mode.
func (s *Server) respondByMode(w http.ResponseWriter, r *http.Request, rec *execution.Record, mode string) {
	switch mode {
	case "async":
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": rec.ID})
	case "sync":
		final, err := s.manager.WaitForRest(r.Context(), rec.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newRunResponse(final))
	case "stream":
		s.streamExecution(w, r, rec.ID)
	default:
		writeError(w, &fluxerrors.ValidationError{Field: "mode", Message: "mode must be sync, async, or stream"})
	}
}

// streamExecution emits workflow.execution.<state> frames until the
// execution rests.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, id string) {
	updates, cancel := s.manager.Watch(id)
	defer cancel()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, &fluxerrors.UnavailableError{Component: "streaming"})
		return
	}

	emit := func(rec *execution.Record) bool {
		frame := map[string]any{
			"execution_id": rec.ID,
			"state":        rec.State,
			"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
		}
		if len(rec.Output) > 0 {
			frame["output"] = json.RawMessage(rec.Output)
		}
		if rec.Error != nil {
			frame["error"] = rec.Error
		}
		event := "workflow.execution." + strings.ToLower(string(rec.State))
		if err := sse.send(event, frame); err != nil {
			return false
		}
		return !(rec.State.IsTerminal() || rec.State == execution.StatePaused)
	}

	current, err := s.manager.Get(r.Context(), id)
	if err == nil && !emit(current.Summary()) {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if sse.keepAlive() != nil {
				return
			}
		case rec := <-updates:
			if rec == nil {
				continue
			}
			if !emit(rec) {
				return
			}
		}
	}
}

// GET /workflows/{name}/status/{execution_id}?detailed=
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("execution_id")
	rec, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("detailed") == "true" {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	writeJSON(w, http.StatusOK, rec.Summary())
}

// GET /workflows/{name}/cancel/{execution_id}?mode=
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("execution_id")
	rec, err := s.manager.RequestCancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("mode") == "sync" {
		final, waitErr := s.manager.WaitForState(r.Context(), id, execution.StateCancelled)
		if waitErr != nil {
			writeError(w, waitErr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]execution.State{"state": final.State})
		return
	}
	writeJSON(w, http.StatusOK, map[string]execution.State{"state": rec.State})
}

// POST /workers/register
func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.checkBootstrap(r); err != nil {
		writeAuthError(w, err)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &fluxerrors.ValidationError{Field: "body", Message: "malformed registration"})
		return
	}

	token, err := s.auth.issueSession(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	worker := &backend.Worker{
		Name:             req.Name,
		SessionTokenHash: sessionTokenHash(token),
		Runtime:          req.Runtime,
		Resources:        req.Resources,
	}
	if err := s.registry.Register(r.Context(), worker); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{SessionToken: token})
}

// GET /workers
func (s *Server) handleWorkersList(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type workerView struct {
		*backend.Worker
		Connected bool `json:"connected"`
	}
	views := make([]workerView, 0, len(workers))
	for _, worker := range workers {
		views = append(views, workerView{Worker: worker, Connected: s.registry.IsConnected(worker.Name)})
	}
	writeJSON(w, http.StatusOK, views)
}

// GET /workers/{name}/connect — the worker control stream.
func (s *Server) handleWorkerConnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.auth.verifySession(r, name); err != nil {
		writeAuthError(w, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, &fluxerrors.UnavailableError{Component: "streaming"})
		return
	}

	conn := s.registry.Connect(name)
	defer s.registry.Disconnect(conn)
	s.logger.Info("worker connected", "worker", name)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if sse.keepAlive() != nil {
				return
			}
			s.registry.Touch(r.Context(), name)
		case frame, ok := <-conn.frames:
			if !ok {
				// Replaced by a newer stream from the same worker.
				return
			}
			if sse.send(frame.Event, frame.Data) != nil {
				return
			}
		}
	}
}

// POST /workers/{name}/claim/{execution_id}
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id := r.PathValue("execution_id")
	if err := s.auth.verifySession(r, name); err != nil {
		writeAuthError(w, err)
		return
	}

	rec, err := s.manager.Claim(r.Context(), name, id)
	if err != nil {
		writeError(w, err)
		return
	}

	wf, err := s.catalog.Get(r.Context(), rec.WorkflowName, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	resolved, err := s.resolveSecrets(r, wf)
	if err != nil {
		// The worker cannot run without its secrets; hand the claim back.
		if _, revertErr := s.store.TransitionExecution(r.Context(), id,
			[]execution.State{execution.StateClaimed}, execution.StateScheduled, ""); revertErr != nil {
			s.logger.Warn("failed to release claim after secret resolution failure",
				"execution_id", id, "error", revertErr)
		}
		s.registry.ReleaseClaim(name, id)
		writeError(w, err)
		return
	}

	full, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Execution: full, Workflow: wf, Secrets: resolved})
}

func (s *Server) resolveSecrets(r *http.Request, wf *backend.Workflow) (map[string]string, error) {
	if len(wf.SecretRequests) == 0 {
		return nil, nil
	}
	if s.vault == nil {
		return nil, &fluxerrors.ConfigError{
			Key:    "security.encryption_key",
			Reason: "workflow requests secrets but no encryption key is configured",
		}
	}
	return s.vault.Resolve(r.Context(), wf.SecretRequests)
}

// POST /workers/{name}/checkpoint/{execution_id}
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id := r.PathValue("execution_id")
	if err := s.auth.verifySession(r, name); err != nil {
		writeAuthError(w, err)
		return
	}

	var req checkpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &fluxerrors.ValidationError{Field: "body", Message: "malformed checkpoint"})
		return
	}

	rec, err := s.manager.Checkpoint(r.Context(), name, id, req.CheckpointSeq, req.Events)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkpointResponse{State: rec.State, CheckpointSeq: rec.CheckpointSeq})
}

// Admin secret handlers. Values transit only here and on claim; the
// repository never sees plaintext.

func (s *Server) requireVault(w http.ResponseWriter, r *http.Request) bool {
	if err := s.auth.checkAdmin(r); err != nil {
		writeAuthError(w, err)
		return false
	}
	if s.vault == nil {
		writeError(w, &fluxerrors.ConfigError{
			Key:    "security.encryption_key",
			Reason: "secrets require an encryption key",
		})
		return false
	}
	return true
}

func (s *Server) handleSecretsList(w http.ResponseWriter, r *http.Request) {
	if !s.requireVault(w, r) {
		return
	}
	names, err := s.vault.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleSecretPut(w http.ResponseWriter, r *http.Request) {
	if !s.requireVault(w, r) {
		return
	}
	name := r.PathValue("name")
	var req secretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &fluxerrors.ValidationError{Field: "body", Message: "malformed secret"})
		return
	}
	if err := s.vault.Put(r.Context(), name, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secretResponse{Name: name})
}

func (s *Server) handleSecretGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireVault(w, r) {
		return
	}
	name := r.PathValue("name")
	value, err := s.vault.Get(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secretResponse{Name: name, Value: value})
}

func (s *Server) handleSecretDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireVault(w, r) {
		return
	}
	name := r.PathValue("name")
	if err := s.vault.Delete(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secretResponse{Name: name})
}

// readJSONInput reads a request body that must be valid JSON when
// present. Non-serializable input fails here, at submission.
func readJSONInput(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &fluxerrors.ValidationError{Field: "body", Message: "unreadable input"}
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, &fluxerrors.ValidationError{Field: "body", Message: "input must be valid JSON"}
	}
	return data, nil
}
