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

// Package ingress implements the transport-agnostic Ingress API (§6):
// workflow.*, worker.*, and pool.* operations, each a thin validated
// wrapper over the Workflow Engine and NPU Worker Pool. pkg/ingress/http
// binds this API onto chi; other bindings (gRPC, a CLI) can reuse API
// directly without going through HTTP at all.
package ingress

import (
	"context"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/engine"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
	"github.com/jordigilh/orchestrator-core/pkg/workerpool"
)

// Engine is the subset of engine.Engine the API depends on.
type Engine interface {
	Execute(ctx context.Context, userMessage string, autoApprove bool) (*orchestratortypes.Workflow, error)
	Status(workflowID string) (*orchestratortypes.Workflow, error)
	List() []*orchestratortypes.Workflow
	Cancel(workflowID string) error
	Approve(workflowID, stepID string, approved bool, userInput string) error
}

var _ Engine = (*engine.Engine)(nil)

// Pool is the subset of workerpool.Pool the API depends on.
type Pool interface {
	Pair(ctx context.Context, url, platform string, priority, weight, maxConcurrentTasks int) (string, error)
	Unpair(ctx context.Context, id string) error
	Repair(ctx context.Context, id string) error
	Heartbeat(workerID string, currentLoad int, tasksCompleted, tasksFailed int64) error
	Status() []*orchestratortypes.Worker
	Strategy() workerpool.Strategy
	SetStrategy(s workerpool.Strategy)
}

var _ Pool = (*workerpool.Pool)(nil)

// API is the Ingress API (§6): one method per documented operation,
// independent of any wire transport.
type API struct {
	engine Engine
	pool   Pool
	logger logr.Logger
}

// New builds an API bound to engine and pool.
func New(engine Engine, pool Pool, logger logr.Logger) *API {
	return &API{engine: engine, pool: pool, logger: logger}
}

// ExecuteRequest is the body of workflow.execute.
type ExecuteRequest struct {
	UserMessage string `json:"user_message" validate:"required"`
	AutoApprove bool   `json:"auto_approve"`
}

// ExecuteResponse is the response to workflow.execute.
type ExecuteResponse struct {
	WorkflowID  string `json:"workflow_id"`
	PlanSummary string `json:"plan_summary"`
}

// WorkflowExecute implements POST workflow.execute.
func (a *API) WorkflowExecute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	wf, err := a.engine.Execute(ctx, req.UserMessage, req.AutoApprove)
	if err != nil {
		return ExecuteResponse{}, err
	}
	return ExecuteResponse{WorkflowID: wf.ID, PlanSummary: planSummary(wf)}, nil
}

// WorkflowSummary is one entry of workflow.list.
type WorkflowSummary struct {
	ID             string                                    `json:"id"`
	Classification orchestratortypes.WorkflowClassification `json:"classification"`
	Status         orchestratortypes.WorkflowStatus         `json:"status"`
	CreatedAt      time.Time                                `json:"created_at"`
}

// WorkflowList implements GET workflow.list.
func (a *API) WorkflowList(ctx context.Context) []WorkflowSummary {
	workflows := a.engine.List()
	summaries := make([]WorkflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		summaries = append(summaries, WorkflowSummary{
			ID:             wf.ID,
			Classification: wf.Classification,
			Status:         wf.Status,
			CreatedAt:      wf.CreatedAt,
		})
	}
	return summaries
}

// StatusResponse is the response to workflow.status.
type StatusResponse struct {
	Status      orchestratortypes.WorkflowStatus `json:"status"`
	CurrentStep string                            `json:"current_step,omitempty"`
	Progress    string                            `json:"progress"`
	CreatedAt   time.Time                         `json:"created_at"`
	StartedAt   *time.Time                        `json:"started_at,omitempty"`
	CompletedAt *time.Time                        `json:"completed_at,omitempty"`
}

// WorkflowStatus implements GET workflow.status(id).
func (a *API) WorkflowStatus(ctx context.Context, workflowID string) (StatusResponse, error) {
	wf, err := a.engine.Status(workflowID)
	if err != nil {
		return StatusResponse{}, err
	}

	resp := StatusResponse{
		Status:      wf.Status,
		Progress:    progress(wf),
		CreatedAt:   wf.CreatedAt,
		StartedAt:   wf.StartedAt,
		CompletedAt: wf.CompletedAt,
	}
	if step := wf.CurrentStep(); step != nil {
		resp.CurrentStep = step.ID
	}
	return resp, nil
}

// ApproveRequest is the body of workflow.approve.
type ApproveRequest struct {
	Approved  bool   `json:"approved"`
	UserInput string `json:"user_input,omitempty"`
}

// WorkflowApprove implements POST workflow.approve(id, step_id, ...).
func (a *API) WorkflowApprove(ctx context.Context, workflowID, stepID string, req ApproveRequest) error {
	return a.engine.Approve(workflowID, stepID, req.Approved, req.UserInput)
}

// WorkflowCancel implements DELETE workflow.cancel(id).
func (a *API) WorkflowCancel(ctx context.Context, workflowID string) error {
	return a.engine.Cancel(workflowID)
}

// PairRequest is the body of worker.pair.
type PairRequest struct {
	URL                string `json:"url" validate:"required,url"`
	Platform           string `json:"platform" validate:"required"`
	Priority           int    `json:"priority"`
	Weight             int    `json:"weight"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks" validate:"required,gt=0"`
}

// PairResponse is the response to worker.pair.
type PairResponse struct {
	ID string `json:"id"`
}

// WorkerPair implements POST worker.pair.
func (a *API) WorkerPair(ctx context.Context, req PairRequest) (PairResponse, error) {
	id, err := a.pool.Pair(ctx, req.URL, req.Platform, req.Priority, req.Weight, req.MaxConcurrentTasks)
	if err != nil {
		return PairResponse{}, err
	}
	return PairResponse{ID: id}, nil
}

// WorkerUnpair implements DELETE worker.unpair(id).
func (a *API) WorkerUnpair(ctx context.Context, id string) error {
	return a.pool.Unpair(ctx, id)
}

// WorkerRepair implements POST worker.repair(id).
func (a *API) WorkerRepair(ctx context.Context, id string) error {
	return a.pool.Repair(ctx, id)
}

// HeartbeatRequest is the body of worker.heartbeat.
type HeartbeatRequest struct {
	CurrentLoad    int   `json:"current_load"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
}

// WorkerHeartbeat implements POST worker.heartbeat(id, ...). Rejected by the
// pool if id is not currently paired.
func (a *API) WorkerHeartbeat(ctx context.Context, id string, req HeartbeatRequest) error {
	return a.pool.Heartbeat(id, req.CurrentLoad, req.TasksCompleted, req.TasksFailed)
}

// PoolStatusResponse is the response to pool.status.
type PoolStatusResponse struct {
	Workers  []*orchestratortypes.Worker `json:"workers"`
	Strategy workerpool.Strategy          `json:"strategy"`
	Totals   PoolTotals                   `json:"totals"`
}

// PoolTotals summarizes worker counts by eligibility for pool.status.
type PoolTotals struct {
	Total     int `json:"total"`
	Eligible  int `json:"eligible"`
	AtCapacity int `json:"at_capacity"`
}

// PoolStatus implements GET pool.status.
func (a *API) PoolStatus(ctx context.Context) PoolStatusResponse {
	workers := a.pool.Status()
	totals := PoolTotals{Total: len(workers)}
	for _, w := range workers {
		if w.Eligible() {
			totals.Eligible++
		}
		if w.AtCapacity() {
			totals.AtCapacity++
		}
	}
	return PoolStatusResponse{Workers: workers, Strategy: a.pool.Strategy(), Totals: totals}
}

// LoadBalancingRequest is the body of pool.load_balancing.
type LoadBalancingRequest struct {
	Strategy workerpool.Strategy `json:"strategy" validate:"required"`
}

var validStrategies = map[workerpool.Strategy]bool{
	workerpool.StrategyRoundRobin:  true,
	workerpool.StrategyLeastLoaded: true,
	workerpool.StrategyWeighted:    true,
	workerpool.StrategyPriority:    true,
}

// PoolSetLoadBalancing implements PUT pool.load_balancing(strategy).
func (a *API) PoolSetLoadBalancing(ctx context.Context, req LoadBalancingRequest) error {
	if !validStrategies[req.Strategy] {
		return apperrors.Newf(apperrors.ErrorTypeValidation, "unsupported load balancing strategy: %s", req.Strategy)
	}
	a.pool.SetStrategy(req.Strategy)
	return nil
}

func planSummary(wf *orchestratortypes.Workflow) string {
	return string(wf.Classification) + " plan with " + strconv.Itoa(len(wf.Steps)) + " step(s)"
}

func progress(wf *orchestratortypes.Workflow) string {
	if len(wf.Steps) == 0 {
		return "0/0"
	}
	return strconv.Itoa(wf.CurrentStepIndex) + "/" + strconv.Itoa(len(wf.Steps))
}
