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

// Package phase validates the Workflow Engine's state machine transitions
// (see the engine's §4.6 execution loop): which workflow status may move to
// which, and which statuses are terminal.
package phase

import (
	"fmt"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// Phase is an alias for the workflow status enum so callers outside the
// engine don't need to import orchestratortypes directly for transition
// checks.
type Phase = orchestratortypes.WorkflowStatus

const (
	Created         = orchestratortypes.WorkflowStatusCreated
	Planned         = orchestratortypes.WorkflowStatusPlanned
	Executing       = orchestratortypes.WorkflowStatusExecuting
	WaitingApproval = orchestratortypes.WorkflowStatusWaitingApproval
	Completed       = orchestratortypes.WorkflowStatusCompleted
	Failed          = orchestratortypes.WorkflowStatusFailed
	Cancelled       = orchestratortypes.WorkflowStatusCancelled
	TimedOut        = orchestratortypes.WorkflowStatusTimeout
)

var validPhases = map[Phase]bool{
	Created: true, Planned: true, Executing: true, WaitingApproval: true,
	Completed: true, Failed: true, Cancelled: true, TimedOut: true,
}

// transitions enumerates the allowed from→to edges of the workflow state
// machine described in spec §4.6.
var transitions = map[Phase]map[Phase]bool{
	Created: {
		Planned: true,
		Failed:  true, // planning error, spec §7 "planning"
	},
	Planned: {
		Executing: true,
	},
	Executing: {
		WaitingApproval: true,
		Completed:       true,
		Failed:          true,
		Cancelled:       true,
		TimedOut:        true,
	},
	WaitingApproval: {
		Executing: true, // approval granted
		Cancelled: true, // approval denied
		TimedOut:  true, // approval deadline passed
	},
	Completed: {},
	Failed:    {},
	Cancelled: {},
	TimedOut:  {},
}

// IsTerminal reports whether a workflow in phase p is immutable.
func IsTerminal(p Phase) bool {
	return p.IsTerminal()
}

// CanTransition reports whether a workflow may move from `from` to `to`.
func CanTransition(from, to Phase) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Validate reports an error if p is not one of the known workflow phases.
func Validate(p Phase) error {
	if !validPhases[p] {
		return fmt.Errorf("invalid phase: %q", p)
	}
	return nil
}
