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

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// Dispatcher is the subset of workerpool.Pool a RemoteExecutor depends on.
// Kept narrow so tests can fake it without spinning up a real Pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error)
}

// RemoteExecutor serializes a step's action and inputs and sends them to
// the Worker Pool, surfacing worker errors verbatim (spec §4.5).
type RemoteExecutor struct {
	pool Dispatcher
}

// NewRemoteExecutor wraps pool (typically a *workerpool.Pool) as an
// Executor.
func NewRemoteExecutor(pool Dispatcher) *RemoteExecutor {
	return &RemoteExecutor{pool: pool}
}

// Execute implements Executor by delegating to the Worker Pool.
func (r *RemoteExecutor) Execute(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	return r.pool.Dispatch(ctx, step)
}
