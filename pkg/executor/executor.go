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

package executor

import (
	"context"
	"time"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// Runner wraps a Registry with the timeout and templating policy shared by
// every step run (spec §4.5: "pick an executor and run it to completion
// with a timeout").
type Runner struct {
	registry       *Registry
	localTimeout   time.Duration
	approvalWindow time.Duration
}

// DefaultLocalTimeout is the per-step ceiling a Runner applies unless
// WithLocalTimeout overrides it (spec §4.5: "default 5 minutes local").
const DefaultLocalTimeout = 5 * time.Minute

// DefaultApprovalWindow bounds a step waiting on the Approval Gate
// (spec §4.5: "1 hour waiting-approval").
const DefaultApprovalWindow = time.Hour

// NewRunner builds a Runner over registry using the spec's default
// timeouts. Use WithLocalTimeout to override.
func NewRunner(registry *Registry) *Runner {
	return &Runner{
		registry:       registry,
		localTimeout:   DefaultLocalTimeout,
		approvalWindow: DefaultApprovalWindow,
	}
}

// WithLocalTimeout overrides the per-step execution ceiling.
func (r *Runner) WithLocalTimeout(d time.Duration) *Runner {
	r.localTimeout = d
	return r
}

// ApprovalWindow returns the ceiling the engine should apply while a step
// waits on the Approval Gate.
func (r *Runner) ApprovalWindow() time.Duration {
	return r.approvalWindow
}

// Run templates the step's action and inputs against templateContext, looks
// up its agent_type in the registry, and executes it under the configured
// timeout, normalizing the result per spec §4.5. If ctx is cancelled before
// the step finishes, the error is of type ErrorTypeCancellation.
func (r *Runner) Run(ctx context.Context, step *orchestratortypes.Step, templateContext map[string]interface{}) (orchestratortypes.ExecutionResult, error) {
	exec, err := r.registry.Lookup(step.AgentType)
	if err != nil {
		return orchestratortypes.ExecutionResult{}, err
	}

	rendered, err := RenderInputs(step.Inputs, templateContext)
	if err != nil {
		return orchestratortypes.ExecutionResult{}, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "input templating failed")
	}
	templated := *step
	templated.Inputs = rendered
	if templatePattern.MatchString(step.Action) {
		action, err := renderString(step.Action, templateContext)
		if err != nil {
			return orchestratortypes.ExecutionResult{}, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "action templating failed")
		}
		templated.Action = action
	}

	runCtx, cancel := context.WithTimeout(ctx, r.localTimeout)
	defer cancel()

	type outcome struct {
		result orchestratortypes.ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, execErr := exec.Execute(runCtx, &templated)
		done <- outcome{result: result, err: execErr}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == context.Canceled {
			return o.result, apperrors.Wrap(o.err, apperrors.ErrorTypeCancellation, "step "+step.ID+" cancelled")
		}
		return normalize(o.result, o.err)
	case <-runCtx.Done():
		if ctx.Err() == context.Canceled {
			return orchestratortypes.ExecutionResult{}, apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeCancellation, "step "+step.ID+" cancelled")
		}
		return orchestratortypes.ExecutionResult{}, apperrors.NewTimeoutError("step " + step.ID)
	}
}

// normalize maps a raw executor outcome to the {status, result, error,
// metadata} shape stored on the Step, and classifies any execution error
// as repairable or fatal so the engine can decide whether to retry.
func normalize(result orchestratortypes.ExecutionResult, err error) (orchestratortypes.ExecutionResult, error) {
	if err == nil {
		if result.Status == "" {
			result.Status = "success"
		}
		return result, nil
	}

	classification := Classify(err)
	errType := apperrors.ErrorTypeStepFatal
	if classification.Repairable {
		errType = apperrors.ErrorTypeStepRepairable
	}
	appErr := apperrors.Wrap(err, errType, "step execution failed")
	if classification.Suggestion != "" {
		appErr = appErr.WithSuggestion(classification.Suggestion)
	}

	result.Status = "error"
	result.Error = err.Error()
	return result, appErr
}
