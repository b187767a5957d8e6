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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// errUnauthorized signals a rejected session token; the caller
// re-registers and retries.
var errUnauthorized = &fluxerrors.ValidationError{Field: "session", Message: "session token rejected"}

// apiClient is the worker's view of the control plane. Claim and
// checkpoint calls run behind a circuit breaker: when the server is
// down there is no point hammering it, the SSE reconnect loop already
// paces recovery.
type apiClient struct {
	baseURL      string
	workerName   string
	sessionToken string
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
}

func newAPIClient(baseURL, workerName string, timeout time.Duration) *apiClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		workerName: workerName,
		http:       &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "flux-control-plane",
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type registerRequest struct {
	Name      string                `json:"name"`
	Resources backend.Resources     `json:"resources"`
	Runtime   backend.WorkerRuntime `json:"runtime"`
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

// register exchanges the bootstrap token for a session token.
func (c *apiClient) register(ctx context.Context, bootstrapToken string, resources backend.Resources, rt backend.WorkerRuntime) error {
	body, err := json.Marshal(registerRequest{Name: c.workerName, Resources: resources, Runtime: rt})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workers/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bootstrapToken != "" {
		req.Header.Set("Authorization", "Bearer "+bootstrapToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &fluxerrors.UnavailableError{Component: "control plane", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &fluxerrors.DecodeError{Codec: "json", Cause: err}
	}
	c.sessionToken = out.SessionToken
	return nil
}

// announceWorkflows publishes the linked code workflows to the catalog.
// The bootstrap token authorizes catalog writes.
func (c *apiClient) announceWorkflows(ctx context.Context, bootstrapToken string, workflows []*backend.Workflow) error {
	body, err := json.Marshal(workflows)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workflows", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bootstrapToken != "" {
		req.Header.Set("Authorization", "Bearer "+bootstrapToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &fluxerrors.UnavailableError{Component: "control plane", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// claim attempts to win an execution. A ConflictError means another
// worker got there first.
func (c *apiClient) claim(ctx context.Context, executionID string) (*claimResponse, error) {
	url := fmt.Sprintf("%s/workers/%s/claim/%s", c.baseURL, c.workerName, executionID)
	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.authorizedDo(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, responseError(resp)
		}
		var out claimResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, &fluxerrors.DecodeError{Codec: "json", Cause: err}
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*claimResponse), nil
}

// checkpoint durably appends events. The server's CAS on baseSeq is the
// worker's only ordering authority.
func (c *apiClient) checkpoint(ctx context.Context, executionID string, baseSeq int64, events []execution.Event) error {
	body, err := json.Marshal(checkpointRequest{CheckpointSeq: baseSeq, Events: events})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/workers/%s/checkpoint/%s", c.baseURL, c.workerName, executionID)
	_, err = c.breaker.Execute(func() (any, error) {
		resp, doErr := c.authorizedDo(ctx, http.MethodPost, url, bytes.NewReader(body))
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, responseError(resp)
		}
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	return err
}

// connect opens the SSE control stream. The returned response body
// stays open until the caller closes it or the server goes away.
func (c *apiClient) connect(ctx context.Context) (*http.Response, error) {
	url := fmt.Sprintf("%s/workers/%s/connect", c.baseURL, c.workerName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.sessionToken)
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any request timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, &fluxerrors.UnavailableError{Component: "control plane", Cause: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

func (c *apiClient) authorizedDo(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.sessionToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &fluxerrors.UnavailableError{Component: "control plane", Cause: err}
	}
	return resp, nil
}

// responseError turns a non-2xx response into its typed error.
func responseError(resp *http.Response) error {
	var body struct {
		Error *fluxerrors.WorkflowError `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	message := resp.Status
	if body.Error != nil {
		message = body.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errUnauthorized
	case http.StatusNotFound:
		return &fluxerrors.NotFoundError{Resource: "resource", ID: message}
	case http.StatusConflict:
		return &fluxerrors.ConflictError{Resource: "execution", Reason: message}
	case http.StatusBadRequest:
		return &fluxerrors.ValidationError{Field: "request", Message: message}
	default:
		return &fluxerrors.UnavailableError{
			Component: "control plane",
			Cause:     fmt.Errorf("unexpected status %d: %s", resp.StatusCode, message),
		}
	}
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	Event string
	Data  []byte
}

// readFrames parses SSE frames off the stream and delivers them to the
// channel until the stream ends. Comment lines (keep-alives) are
// skipped.
func readFrames(body io.Reader, frames chan<- sseFrame) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var current sseFrame
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Event != "" || len(current.Data) > 0 {
				frames <- current
				current = sseFrame{}
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = append(current.Data, strings.TrimPrefix(line, "data: ")...)
		}
	}
	return scanner.Err()
}
