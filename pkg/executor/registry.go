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

// Package executor implements the Step Executor (spec §4.5): an
// agent_type -> Executor registry, timeout enforcement, gojq-based
// action/input templating, and auto-repair error classification.
package executor

import (
	"context"
	"sync"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// Executor runs a single step to completion and returns a normalized result.
// Implementations must respect ctx cancellation/deadline.
type Executor interface {
	Execute(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	return f(ctx, step)
}

// Registry maps an agent_type to the Executor that serves it.
type Registry struct {
	mu          sync.RWMutex
	executors   map[string]Executor
	defaultExec Executor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds agentType to executor, replacing any prior binding.
func (r *Registry) Register(agentType string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[agentType] = executor
}

// SetDefault binds the fallback Executor served to any agent_type with no
// explicit registration (spec §9: "unknown names fall through to a default
// handler").
func (r *Registry) SetDefault(executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultExec = executor
}

// Lookup returns the executor bound to agentType. With no exact binding, it
// falls through to the default executor set via SetDefault, if any; absent
// both, it returns an ErrorTypeNotFound AppError.
func (r *Registry) Lookup(agentType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[agentType]; ok {
		return e, nil
	}
	if r.defaultExec != nil {
		return r.defaultExec, nil
	}
	return nil, apperrors.NewNotFoundError("agent type " + agentType)
}

// Types returns the registered agent_type keys, for diagnostics.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	return out
}
