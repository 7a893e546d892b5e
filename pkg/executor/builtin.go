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
	"fmt"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// RegisterBuiltins binds the handful of local agent_types every deployment
// gets for free: "noop" (planning placeholders, tests) and "echo" (returns
// its inputs verbatim, useful for smoke-testing a plan end to end). It also
// binds the registry's default handler (spec §9), served to any agent_type
// with no explicit registration instead of failing lookup outright.
func RegisterBuiltins(registry *Registry) {
	registry.Register("noop", ExecutorFunc(noopExecute))
	registry.Register("echo", ExecutorFunc(echoExecute))
	registry.SetDefault(ExecutorFunc(defaultExecute))
}

func noopExecute(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	return orchestratortypes.ExecutionResult{Status: "success", Result: nil}, nil
}

func echoExecute(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return orchestratortypes.ExecutionResult{}, fmt.Errorf("echo cancelled: %w", err)
	}
	return orchestratortypes.ExecutionResult{Status: "success", Result: step.Inputs}, nil
}

// defaultExecute serves any agent_type the registry has no explicit binding
// for. It never succeeds; it only gives an unrecognized agent_type a
// uniform, classifiable failure instead of aborting dispatch before a step
// even runs.
func defaultExecute(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	return orchestratortypes.ExecutionResult{}, fmt.Errorf("no executor registered for agent_type %q", step.AgentType)
}
