/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	sharedhttp "github.com/jordigilh/orchestrator-core/pkg/shared/http"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// Transport is how the core talks to a remote NPU worker: initiating the
// pairing handshake and dispatching a step's action + inputs over RPC.
// Pairing is always core-initiated, never the reverse (spec §3 Worker
// invariant).
type Transport interface {
	Pair(ctx context.Context, url, workerID string, credential *oauth2.Token) error
	Unpair(ctx context.Context, url, workerID string) error
	Dispatch(ctx context.Context, worker *orchestratortypes.Worker, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error)
}

// HTTPTransport is the default Transport, speaking JSON over HTTP to each
// worker's well-known pairing and dispatch endpoints.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds an HTTPTransport using sharedhttp's default client
// config (DefaultClientConfig, 30s overall timeout), not WorkerRPCClientConfig.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{client: sharedhttp.NewDefaultClient()}
}

// NewHTTPTransportWithClient allows tests to inject a client pointed at a
// test server.
func NewHTTPTransportWithClient(client *http.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

type pairRequest struct {
	WorkerID    string `json:"worker_id"`
	Credential  string `json:"credential"`
}

// Pair POSTs the assigned worker id and credential to the worker's
// well-known pairing endpoint.
func (t *HTTPTransport) Pair(ctx context.Context, url, workerID string, credential *oauth2.Token) error {
	body, err := json.Marshal(pairRequest{WorkerID: workerID, Credential: credential.AccessToken})
	if err != nil {
		return fmt.Errorf("marshal pair request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/pair", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build pair request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("pair request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pair request rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Unpair notifies the worker its credential has been revoked.
func (t *HTTPTransport) Unpair(ctx context.Context, url, workerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url+"/pair/"+workerID, nil)
	if err != nil {
		return fmt.Errorf("build unpair request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("unpair request failed: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

type dispatchRequest struct {
	StepID string                 `json:"step_id"`
	Action string                 `json:"action"`
	Inputs map[string]interface{} `json:"inputs"`
}

type dispatchResponse struct {
	Status   string                 `json:"status"`
	Result   interface{}            `json:"result"`
	Error    string                 `json:"error"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Dispatch sends the step's action and inputs to the worker and normalizes
// the reply into an ExecutionResult.
func (t *HTTPTransport) Dispatch(ctx context.Context, worker *orchestratortypes.Worker, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	body, err := json.Marshal(dispatchRequest{StepID: step.ID, Action: step.Action, Inputs: step.Inputs})
	if err != nil {
		return orchestratortypes.ExecutionResult{}, fmt.Errorf("marshal dispatch request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, worker.URL+"/dispatch", bytes.NewReader(body))
	if err != nil {
		return orchestratortypes.ExecutionResult{}, fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return orchestratortypes.ExecutionResult{}, fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return orchestratortypes.ExecutionResult{}, fmt.Errorf("decode dispatch response: %w", err)
	}
	return orchestratortypes.ExecutionResult{
		Status:   decoded.Status,
		Result:   decoded.Result,
		Error:    decoded.Error,
		Metadata: decoded.Metadata,
	}, nil
}
