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

// Package client provides an HTTP client for the Flux server API. CLI
// commands use it for run, status, cancel, resume, catalog, worker and
// secrets operations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// Client is a client for the Flux server API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	adminToken string
}

// New creates a server client with the given options.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, &fluxerrors.ConfigError{Key: "api_url", Reason: "server URL is required"}
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithAdminToken sets the token for catalog and secrets administration.
func WithAdminToken(token string) Option {
	return func(c *Client) error {
		c.adminToken = token
		return nil
	}
}

// WithTimeout sets the request timeout. Synchronous runs should allow
// for the workflow's own duration.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
		return nil
	}
}

// RunResult is the resting outcome of a synchronous run.
type RunResult struct {
	ExecutionID string                    `json:"execution_id"`
	State       execution.State           `json:"state"`
	Output      json.RawMessage           `json:"output,omitempty"`
	Error       *fluxerrors.WorkflowError `json:"error,omitempty"`
}

// RegisteredWorkflow is one catalog entry created by an upload.
type RegisteredWorkflow struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// WorkflowDetail is the latest catalog entry plus its version history.
type WorkflowDetail struct {
	*backend.Workflow
	Versions []*backend.Workflow `json:"versions,omitempty"`
}

// WorkerInfo is a registered worker and its connection state.
type WorkerInfo struct {
	*backend.Worker
	Connected bool `json:"connected"`
}

// Health checks server reachability.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// RunAsync submits an execution and returns its identifier immediately.
func (c *Client) RunAsync(ctx context.Context, workflow string, input []byte) (string, error) {
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	path := fmt.Sprintf("/workflows/%s/run/async", workflow)
	if err := c.doJSON(ctx, http.MethodPost, path, input, &out); err != nil {
		return "", err
	}
	return out.ExecutionID, nil
}

// RunSync submits an execution and blocks until it rests.
func (c *Client) RunSync(ctx context.Context, workflow string, input []byte) (*RunResult, error) {
	var out RunResult
	path := fmt.Sprintf("/workflows/%s/run/sync", workflow)
	if err := c.doJSON(ctx, http.MethodPost, path, input, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumeAsync feeds resume input to a paused execution.
func (c *Client) ResumeAsync(ctx context.Context, workflow, executionID string, input []byte) error {
	path := fmt.Sprintf("/workflows/%s/resume/%s/async", workflow, executionID)
	return c.doJSON(ctx, http.MethodPost, path, input, nil)
}

// ResumeSync feeds resume input and blocks until the execution rests
// again.
func (c *Client) ResumeSync(ctx context.Context, workflow, executionID string, input []byte) (*RunResult, error) {
	var out RunResult
	path := fmt.Sprintf("/workflows/%s/resume/%s/sync", workflow, executionID)
	if err := c.doJSON(ctx, http.MethodPost, path, input, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches an execution record. detailed includes the full event
// journal.
func (c *Client) Status(ctx context.Context, workflow, executionID string, detailed bool) (*execution.Record, error) {
	path := fmt.Sprintf("/workflows/%s/status/%s", workflow, executionID)
	if detailed {
		path += "?detailed=true"
	}
	var rec execution.Record
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Cancel requests cancellation. sync blocks until the execution is
// actually cancelled.
func (c *Client) Cancel(ctx context.Context, workflow, executionID string, sync bool) (*execution.Record, error) {
	path := fmt.Sprintf("/workflows/%s/cancel/%s", workflow, executionID)
	if sync {
		path += "?mode=sync"
	}
	var rec execution.Record
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListWorkflows returns the latest version of every catalog entry.
func (c *Client) ListWorkflows(ctx context.Context) ([]*backend.Workflow, error) {
	var out []*backend.Workflow
	if err := c.doJSON(ctx, http.MethodGet, "/workflows", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetWorkflow returns one workflow with its version history.
func (c *Client) GetWorkflow(ctx context.Context, name string) (*WorkflowDetail, error) {
	var out WorkflowDetail
	if err := c.doJSON(ctx, http.MethodGet, "/workflows/"+name, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadWorkflowFiles registers graph workflow YAML files with the
// catalog. files maps file names to their contents.
func (c *Client) UploadWorkflowFiles(ctx context.Context, files map[string][]byte) ([]RegisteredWorkflow, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for name, data := range files {
		part, err := form.CreateFormFile("workflows", filepath.Base(name))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/workflows", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out []RegisteredWorkflow
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Workers lists registered workers.
func (c *Client) Workers(ctx context.Context) ([]*WorkerInfo, error) {
	var out []*WorkerInfo
	if err := c.doJSON(ctx, http.MethodGet, "/workers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetSecret stores a secret value in the vault.
func (c *Client) SetSecret(ctx context.Context, name, value string) error {
	body, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/admin/secrets/"+name, body, nil)
}

// GetSecret fetches a secret value from the vault.
func (c *Client) GetSecret(ctx context.Context, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/secrets/"+name, nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// ListSecrets returns the stored secret names.
func (c *Client) ListSecrets(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.doJSON(ctx, http.MethodGet, "/admin/secrets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSecret removes a secret from the vault.
func (c *Client) DeleteSecret(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/admin/secrets/"+name, nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	return req, nil
}

// doJSON issues a request with an optional JSON body and decodes the
// response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &fluxerrors.UnavailableError{Component: "server", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &fluxerrors.DecodeError{Codec: "json", Cause: err}
	}
	return nil
}

// responseError turns an error response into its typed form so callers
// can branch on the error taxonomy.
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
	case http.StatusNotFound:
		return &fluxerrors.NotFoundError{Resource: "resource", ID: message}
	case http.StatusConflict:
		return &fluxerrors.ConflictError{Resource: "execution", Reason: message}
	case http.StatusBadRequest, http.StatusUnauthorized:
		return &fluxerrors.ValidationError{Field: "request", Message: message}
	case http.StatusGatewayTimeout:
		return &fluxerrors.TimeoutError{}
	default:
		return &fluxerrors.UnavailableError{
			Component: "server",
			Cause:     fmt.Errorf("unexpected status %d: %s", resp.StatusCode, message),
		}
	}
}
