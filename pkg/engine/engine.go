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

// Package engine implements the Workflow Engine (spec §4.6): it drives a
// Workflow through its state machine, one logical task per workflow,
// coordinating the Approval Gate and Step Executor and publishing
// lifecycle events on the Event Bus.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/approval"
	"github.com/jordigilh/orchestrator-core/pkg/engine/phase"
	"github.com/jordigilh/orchestrator-core/pkg/eventbus"
	"github.com/jordigilh/orchestrator-core/pkg/executor"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// MetricsRecorder is the narrow slice of the Metrics Collector the engine
// depends on. Defined here (rather than importing pkg/metrics) so the
// engine never depends downward on an optional component; pkg/metrics'
// Collector satisfies this interface.
type MetricsRecorder interface {
	RecordWorkflowStarted(classification orchestratortypes.WorkflowClassification)
	RecordStepDuration(classification orchestratortypes.WorkflowClassification, agentType string, d time.Duration, success bool)
	RecordWorkflowTerminal(classification orchestratortypes.WorkflowClassification, status orchestratortypes.WorkflowStatus, d time.Duration)
}

var tracer = otel.Tracer("github.com/jordigilh/orchestrator-core/pkg/engine")

type noopMetrics struct{}

func (noopMetrics) RecordWorkflowStarted(orchestratortypes.WorkflowClassification) {}
func (noopMetrics) RecordStepDuration(orchestratortypes.WorkflowClassification, string, time.Duration, bool) {
}
func (noopMetrics) RecordWorkflowTerminal(orchestratortypes.WorkflowClassification, orchestratortypes.WorkflowStatus, time.Duration) {
}

// Config bundles the engine's tunables read from §6 Configuration.
type Config struct {
	MaxConcurrentWorkflows int
	ApprovalTimeoutDefault time.Duration
	CancelGracePeriod      time.Duration
}

type workflowHandle struct {
	mu       sync.Mutex
	workflow *orchestratortypes.Workflow
	cancel   context.CancelFunc
	done     chan struct{}
}

// Engine drives workflows through the state machine described in spec §4.6.
// Zero value is not usable; use New.
type Engine struct {
	mu        sync.Mutex
	workflows map[string]*workflowHandle

	planner Planner
	runner  *executor.Runner
	gate    *approval.Gate
	bus     *eventbus.Bus
	metrics MetricsRecorder
	logger  logr.Logger
	cfg     Config
	admit   *semaphore.Weighted
}

// New constructs an Engine. metrics may be nil, in which case step and
// workflow recording is a no-op.
func New(planner Planner, runner *executor.Runner, gate *approval.Gate, bus *eventbus.Bus, metrics MetricsRecorder, logger logr.Logger, cfg Config) *Engine {
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 100
	}
	if cfg.ApprovalTimeoutDefault <= 0 {
		cfg.ApprovalTimeoutDefault = 15 * time.Minute
	}
	if cfg.CancelGracePeriod <= 0 {
		cfg.CancelGracePeriod = 10 * time.Second
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		workflows: make(map[string]*workflowHandle),
		planner:   planner,
		runner:    runner,
		gate:      gate,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		admit:     semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkflows)),
	}
}

// Execute plans userMessage synchronously and, on success, starts the
// workflow's execution loop in its own goroutine, returning a snapshot of
// the just-created workflow (spec §6: "workflow.execute ... -> {workflow_id,
// plan_summary}"). Admission beyond max_concurrent_workflows fails fast.
func (e *Engine) Execute(ctx context.Context, userMessage string, autoApprove bool) (*orchestratortypes.Workflow, error) {
	if !e.admit.TryAcquire(1) {
		return nil, apperrors.New(apperrors.ErrorTypeRateLimit, "max_concurrent_workflows exceeded")
	}

	classification, steps, err := e.planner.Plan(userMessage)
	if err != nil {
		e.admit.Release(1)
		return nil, apperrors.NewPlanningError(err, userMessage)
	}

	now := time.Now()
	wf := &orchestratortypes.Workflow{
		ID:               uuid.NewString(),
		UserMessage:      userMessage,
		Classification:    classification,
		Steps:             steps,
		CurrentStepIndex:  0,
		Status:            orchestratortypes.WorkflowStatusCreated,
		CreatedAt:         now,
		AutoApprove:       autoApprove,
		AgentsInvolved:    make(map[string]struct{}),
	}
	if phase.CanTransition(wf.Status, orchestratortypes.WorkflowStatusPlanned) {
		wf.Status = orchestratortypes.WorkflowStatusPlanned
	} else {
		e.logger.Error(errors.New("invalid phase transition"), "invalid phase transition at plan time", "from", wf.Status, "to", orchestratortypes.WorkflowStatusPlanned)
	}
	for _, s := range steps {
		wf.AgentsInvolved[s.AgentType] = struct{}{}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &workflowHandle{workflow: wf, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.workflows[wf.ID] = handle
	e.mu.Unlock()

	e.bus.Publish(orchestratortypes.TopicWorkflowCreated, map[string]interface{}{
		"workflow_id":    wf.ID,
		"classification": classification,
		"step_count":     len(steps),
	})

	go e.run(runCtx, handle)

	snapshot := *wf
	return &snapshot, nil
}

// run is the per-workflow execution loop (spec §4.6).
func (e *Engine) run(ctx context.Context, handle *workflowHandle) {
	defer close(handle.done)
	defer e.admit.Release(1)

	wf := handle.workflow
	started := time.Now()
	handle.mu.Lock()
	if phase.CanTransition(wf.Status, orchestratortypes.WorkflowStatusExecuting) {
		wf.Status = orchestratortypes.WorkflowStatusExecuting
	}
	wf.StartedAt = &started
	handle.mu.Unlock()
	e.metrics.RecordWorkflowStarted(wf.Classification)

	terminal, failure := e.runSteps(ctx, handle)

	completed := time.Now()
	handle.mu.Lock()
	if phase.CanTransition(wf.Status, terminal) {
		wf.Status = terminal
	} else {
		e.logger.Error(errors.New("invalid phase transition"), "invalid terminal phase transition", "from", wf.Status, "to", terminal)
		wf.Status = terminal
	}
	wf.CompletedAt = &completed
	handle.mu.Unlock()

	e.metrics.RecordWorkflowTerminal(wf.Classification, terminal, completed.Sub(started))
	e.publishTerminal(wf.ID, terminal, failure)

	e.mu.Lock()
	delete(e.workflows, wf.ID)
	e.mu.Unlock()
}

// stepFailure is a terminal step failure's {code, message, suggestion?}
// (spec §7), carried from runSteps up to the workflow.{failed} event.
type stepFailure struct {
	code       string
	message    string
	suggestion string
}

// runSteps executes each step of the workflow in order and returns the
// terminal WorkflowStatus to apply, plus the failing step's detail when the
// terminal status is WorkflowStatusFailed.
func (e *Engine) runSteps(ctx context.Context, handle *workflowHandle) (orchestratortypes.WorkflowStatus, *stepFailure) {
	wf := handle.workflow
	total := len(wf.Steps)

	for i, step := range wf.Steps {
		select {
		case <-ctx.Done():
			e.gate.CancelForWorkflow(wf.ID)
			return orchestratortypes.WorkflowStatusCancelled, nil
		default:
		}

		handle.mu.Lock()
		wf.CurrentStepIndex = i
		step.Status = orchestratortypes.StepStatusInProgress
		startedAt := time.Now()
		step.StartedAt = &startedAt
		handle.mu.Unlock()

		e.bus.Publish(orchestratortypes.TopicWorkflowStepStarted, map[string]interface{}{
			"workflow_id": wf.ID,
			"step_id":     step.ID,
			"index":       i,
			"total":       total,
		})

		if step.RequiresApproval && !wf.AutoApprove {
			handle.mu.Lock()
			if phase.CanTransition(wf.Status, orchestratortypes.WorkflowStatusWaitingApproval) {
				wf.Status = orchestratortypes.WorkflowStatusWaitingApproval
			}
			handle.mu.Unlock()

			outcome, terminal := e.awaitApproval(ctx, wf, step)
			if terminal != "" {
				return terminal, nil
			}
			_ = outcome

			handle.mu.Lock()
			if phase.CanTransition(wf.Status, orchestratortypes.WorkflowStatusExecuting) {
				wf.Status = orchestratortypes.WorkflowStatusExecuting
			}
			handle.mu.Unlock()
		}

		result, execErr := e.runStep(ctx, wf, step)
		finishedAt := time.Now()
		e.metrics.RecordStepDuration(wf.Classification, step.AgentType, finishedAt.Sub(startedAt), execErr == nil)

		// Repairable errors are recovered locally with one bounded retry per
		// step before being treated as terminal (spec §4.6(2c), §7).
		if execErr != nil && apperrors.IsType(execErr, apperrors.ErrorTypeStepRepairable) && !step.Retried {
			handle.mu.Lock()
			step.Retried = true
			handle.mu.Unlock()

			e.bus.Publish(orchestratortypes.TopicWorkflowStepStarted, map[string]interface{}{
				"workflow_id": wf.ID,
				"step_id":     step.ID,
				"index":       i,
				"total":       total,
				"retry":       true,
				"suggestion":  apperrors.GetSuggestion(execErr),
			})

			retryStart := time.Now()
			result, execErr = e.runStep(ctx, wf, step)
			finishedAt = time.Now()
			e.metrics.RecordStepDuration(wf.Classification, step.AgentType, finishedAt.Sub(retryStart), execErr == nil)
		}

		handle.mu.Lock()
		step.CompletedAt = &finishedAt
		step.Result = result.Result
		handle.mu.Unlock()

		if execErr != nil {
			if apperrors.IsType(execErr, apperrors.ErrorTypeCancellation) {
				handle.mu.Lock()
				step.Status = orchestratortypes.StepStatusCancelled
				handle.mu.Unlock()
				e.gate.CancelForWorkflow(wf.ID)
				return orchestratortypes.WorkflowStatusCancelled, nil
			}

			code := string(apperrors.GetType(execErr))
			message := execErr.Error()
			suggestion := apperrors.GetSuggestion(execErr)

			handle.mu.Lock()
			step.Status = orchestratortypes.StepStatusFailed
			step.Error = message
			step.ErrorCode = code
			step.Suggestion = suggestion
			handle.mu.Unlock()

			payload := map[string]interface{}{
				"workflow_id": wf.ID,
				"step_id":     step.ID,
				"code":        code,
				"message":     message,
			}
			if suggestion != "" {
				payload["suggestion"] = suggestion
			}
			e.bus.Publish(orchestratortypes.TopicWorkflowStepFailed, payload)
			return orchestratortypes.WorkflowStatusFailed, &stepFailure{code: code, message: message, suggestion: suggestion}
		}

		handle.mu.Lock()
		step.Status = orchestratortypes.StepStatusCompleted
		handle.mu.Unlock()

		e.bus.Publish(orchestratortypes.TopicWorkflowStepCompleted, map[string]interface{}{
			"workflow_id": wf.ID,
			"step_id":     step.ID,
			"index":       i,
			"total":       total,
			"result":      result.Result,
		})
	}

	return orchestratortypes.WorkflowStatusCompleted, nil
}

// awaitApproval registers step with the Approval Gate and blocks until a
// decision or the step's context is cancelled. Returns a non-empty terminal
// status when the workflow must stop (denial, timeout, cancellation).
func (e *Engine) awaitApproval(ctx context.Context, wf *orchestratortypes.Workflow, step *orchestratortypes.Step) (orchestratortypes.ApprovalResolution, orchestratortypes.WorkflowStatus) {
	ctx, span := tracer.Start(ctx, "engine.awaitApproval", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("step.id", step.ID),
	))
	defer span.End()

	step.Status = orchestratortypes.StepStatusWaitingApproval
	deadline := approval.DeadlineFor(e.cfg.ApprovalTimeoutDefault)

	ch, err := e.gate.RegisterWithRecall(wf.ID, step.ID, deadline, wf.Classification, step.AgentType, step.Action)
	if err != nil {
		step.Status = orchestratortypes.StepStatusFailed
		step.Error = err.Error()
		return orchestratortypes.ApprovalResolution{}, orchestratortypes.WorkflowStatusFailed
	}

	select {
	case resolution := <-ch:
		switch resolution.Decision {
		case orchestratortypes.ApprovalApproved:
			step.Status = orchestratortypes.StepStatusApproved
			return resolution, ""
		case orchestratortypes.ApprovalDenied:
			step.Status = orchestratortypes.StepStatusDenied
			return resolution, orchestratortypes.WorkflowStatusCancelled
		case orchestratortypes.ApprovalTimeout:
			step.Status = orchestratortypes.StepStatusTimeout
			return resolution, orchestratortypes.WorkflowStatusTimeout
		default: // cancelled
			step.Status = orchestratortypes.StepStatusCancelled
			return resolution, orchestratortypes.WorkflowStatusCancelled
		}
	case <-ctx.Done():
		e.gate.CancelForWorkflow(wf.ID)
		step.Status = orchestratortypes.StepStatusCancelled
		return orchestratortypes.ApprovalResolution{}, orchestratortypes.WorkflowStatusCancelled
	}
}

// runStep executes a step through the Runner inside a tracing span.
// Cancelling ctx reaches the executor through the Runner's context; the
// bounded grace period on cancellation is applied by Cancel, not here.
func (e *Engine) runStep(ctx context.Context, wf *orchestratortypes.Workflow, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	ctx, span := tracer.Start(ctx, "engine.runStep", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("step.id", step.ID),
		attribute.String("step.agent_type", step.AgentType),
	))
	defer span.End()

	templateContext := map[string]interface{}{
		"workflow_id": wf.ID,
		"user_message": wf.UserMessage,
	}
	result, err := e.runner.Run(ctx, step, templateContext)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// publishTerminal publishes a workflow's terminal event. When status is
// WorkflowStatusFailed, failure carries the failing step's {code, message,
// suggestion?} so the event satisfies spec §7's terminal-event contract.
func (e *Engine) publishTerminal(workflowID string, status orchestratortypes.WorkflowStatus, failure *stepFailure) {
	topic := orchestratortypes.TopicWorkflowCompleted
	switch status {
	case orchestratortypes.WorkflowStatusFailed:
		topic = orchestratortypes.TopicWorkflowFailed
	case orchestratortypes.WorkflowStatusCancelled:
		topic = orchestratortypes.TopicWorkflowCancelled
	case orchestratortypes.WorkflowStatusTimeout:
		topic = orchestratortypes.TopicWorkflowTimeout
	}
	payload := map[string]interface{}{"workflow_id": workflowID, "status": status}
	if failure != nil {
		payload["code"] = failure.code
		payload["message"] = failure.message
		if failure.suggestion != "" {
			payload["suggestion"] = failure.suggestion
		}
	}
	e.bus.Publish(topic, payload)
}

// Status returns a point-in-time snapshot of a tracked workflow.
func (e *Engine) Status(workflowID string) (*orchestratortypes.Workflow, error) {
	e.mu.Lock()
	handle, ok := e.workflows[workflowID]
	e.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("workflow")
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	snapshot := *handle.workflow
	return &snapshot, nil
}

// List returns a snapshot of every workflow currently tracked. A workflow is
// dropped from tracking once it reaches a terminal status, so terminal
// workflows never appear here.
func (e *Engine) List() []*orchestratortypes.Workflow {
	e.mu.Lock()
	handles := make([]*workflowHandle, 0, len(e.workflows))
	for _, h := range e.workflows {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	out := make([]*orchestratortypes.Workflow, 0, len(handles))
	for _, h := range handles {
		h.mu.Lock()
		snapshot := *h.workflow
		h.mu.Unlock()
		out = append(out, &snapshot)
	}
	return out
}

// Cancel moves a workflow to cancelled at its next safe point (spec §4.6).
// Returns ErrorTypeNotFound if the workflow is unknown or already terminal.
func (e *Engine) Cancel(workflowID string) error {
	e.mu.Lock()
	handle, ok := e.workflows[workflowID]
	e.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("workflow")
	}
	handle.cancel()

	select {
	case <-handle.done:
	case <-time.After(e.cfg.CancelGracePeriod):
		e.logger.Info("cancel grace period elapsed, abandoning in-flight executor", "workflow_id", workflowID)
	}
	return nil
}

// Approve resolves a pending approval for (workflowID, stepID).
func (e *Engine) Approve(workflowID, stepID string, approved bool, userInput string) error {
	decision := orchestratortypes.ApprovalDenied
	if approved {
		decision = orchestratortypes.ApprovalApproved
	}
	return e.gate.Resolve(workflowID, stepID, decision, userInput)
}
