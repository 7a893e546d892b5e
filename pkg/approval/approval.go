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

// Package approval implements the Approval Gate (§4.3): a pending-approval
// table keyed by (workflow_id, step_id) that suspends a step until an
// external decision arrives or a deadline passes.
package approval

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/eventbus"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// ErrAlreadyPending is returned by Register when a record already exists
// for the given key.
var ErrAlreadyPending = errors.New(errors.ErrorTypeConflict, "already_pending")

// ErrAlreadyResolved is returned by Resolve when the record it removed from
// the pending table had already fired. Resolve, CancelForWorkflow and the GC
// sweep each remove a record before firing it, so a later Resolve for the
// same key finds no record and returns ErrNotFound rather than this error.
var ErrAlreadyResolved = errors.New(errors.ErrorTypeConflict, "already_resolved")

// ErrNotFound is returned by Resolve when no record exists for the key.
var ErrNotFound = errors.NewNotFoundError("approval record")

// RecallFunc consults prior approval history before a new record is
// registered. Returning approved=true, found=true auto-approves the step
// without suspending it (the Approval Memory supplemented feature).
type RecallFunc func(classification orchestratortypes.WorkflowClassification, agentType, action string) (approved bool, found bool)

type pendingRecord struct {
	key         orchestratortypes.ApprovalKey
	resultCh    chan orchestratortypes.ApprovalResolution
	requestedAt time.Time
	deadline    time.Time
	once        sync.Once
}

func (r *pendingRecord) resolve(resolution orchestratortypes.ApprovalResolution) bool {
	resolved := false
	r.once.Do(func() {
		resolved = true
		r.resultCh <- resolution
		close(r.resultCh)
	})
	return resolved
}

// Gate is the Approval Gate. Zero value is not usable; use New.
type Gate struct {
	mu      sync.Mutex
	pending map[orchestratortypes.ApprovalKey]*pendingRecord
	bus     *eventbus.Bus
	logger  logr.Logger
	recall  RecallFunc
}

// New constructs a Gate publishing lifecycle events on bus.
func New(bus *eventbus.Bus, logger logr.Logger) *Gate {
	return &Gate{
		pending: make(map[orchestratortypes.ApprovalKey]*pendingRecord),
		bus:     bus,
		logger:  logger,
	}
}

// WithRecall installs a RecallFunc consulted by RegisterWithRecall.
func (g *Gate) WithRecall(fn RecallFunc) *Gate {
	g.mu.Lock()
	g.recall = fn
	g.mu.Unlock()
	return g
}

// Register inserts a pending record for (workflowID, stepID) with the given
// deadline and returns a channel that receives exactly one resolution.
func (g *Gate) Register(workflowID, stepID string, deadline time.Time) (<-chan orchestratortypes.ApprovalResolution, error) {
	key := orchestratortypes.ApprovalKey{WorkflowID: workflowID, StepID: stepID}

	g.mu.Lock()
	if _, exists := g.pending[key]; exists {
		g.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	record := &pendingRecord{
		key:         key,
		resultCh:    make(chan orchestratortypes.ApprovalResolution, 1),
		requestedAt: time.Now(),
		deadline:    deadline,
	}
	g.pending[key] = record
	g.mu.Unlock()

	g.bus.Publish(orchestratortypes.TopicWorkflowApprovalRequired, map[string]interface{}{
		"workflow_id": workflowID,
		"step_id":     stepID,
		"deadline":    deadline,
	})
	return record.resultCh, nil
}

// RegisterWithRecall checks the recall hook first; on a hit it resolves the
// step as approved immediately and never adds a pending record. On a miss
// (or no recall hook installed) it behaves exactly like Register.
func (g *Gate) RegisterWithRecall(workflowID, stepID string, deadline time.Time,
	classification orchestratortypes.WorkflowClassification, agentType, action string) (<-chan orchestratortypes.ApprovalResolution, error) {

	g.mu.Lock()
	recall := g.recall
	g.mu.Unlock()

	if recall != nil {
		if approved, found := recall(classification, agentType, action); found && approved {
			ch := make(chan orchestratortypes.ApprovalResolution, 1)
			ch <- orchestratortypes.ApprovalResolution{Decision: orchestratortypes.ApprovalApproved, UserInput: "auto-approved from approval memory"}
			close(ch)
			g.logger.Info("auto-approved from recall", "workflow_id", workflowID, "step_id", stepID, "agent_type", agentType)
			return ch, nil
		}
	}
	return g.Register(workflowID, stepID, deadline)
}

// Resolve sets the future for (workflowID, stepID). First-writer-wins: the
// first Resolve removes the record from the pending table, so subsequent
// resolves for the same key return ErrNotFound.
func (g *Gate) Resolve(workflowID, stepID string, decision orchestratortypes.ApprovalDecision, userInput string) error {
	key := orchestratortypes.ApprovalKey{WorkflowID: workflowID, StepID: stepID}

	g.mu.Lock()
	record, ok := g.pending[key]
	if ok {
		delete(g.pending, key)
	}
	g.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	resolved := record.resolve(orchestratortypes.ApprovalResolution{Decision: decision, UserInput: userInput})
	if !resolved {
		return ErrAlreadyResolved
	}

	g.bus.Publish(orchestratortypes.TopicWorkflowApprovalResolved, map[string]interface{}{
		"workflow_id": workflowID,
		"step_id":     stepID,
		"decision":    decision,
	})
	return nil
}

// CancelForWorkflow resolves every pending record belonging to workflowID as
// cancelled. Used when a workflow is cancelled while a step awaits approval.
func (g *Gate) CancelForWorkflow(workflowID string) {
	g.mu.Lock()
	var matched []*pendingRecord
	for key, record := range g.pending {
		if key.WorkflowID == workflowID {
			matched = append(matched, record)
			delete(g.pending, key)
		}
	}
	g.mu.Unlock()

	for _, record := range matched {
		record.resolve(orchestratortypes.ApprovalResolution{Decision: orchestratortypes.ApprovalCancelled})
		g.bus.Publish(orchestratortypes.TopicWorkflowApprovalResolved, map[string]interface{}{
			"workflow_id": record.key.WorkflowID,
			"step_id":     record.key.StepID,
			"decision":    orchestratortypes.ApprovalCancelled,
		})
	}
}

// GC resolves every pending record whose deadline has passed as timeout.
// Intended to run on a periodic sweeper task.
func (g *Gate) GC() int {
	now := time.Now()
	g.mu.Lock()
	var expired []*pendingRecord
	for key, record := range g.pending {
		if now.After(record.deadline) {
			expired = append(expired, record)
			delete(g.pending, key)
		}
	}
	g.mu.Unlock()

	for _, record := range expired {
		record.resolve(orchestratortypes.ApprovalResolution{Decision: orchestratortypes.ApprovalTimeout})
		g.bus.Publish(orchestratortypes.TopicWorkflowApprovalResolved, map[string]interface{}{
			"workflow_id": record.key.WorkflowID,
			"step_id":     record.key.StepID,
			"decision":    orchestratortypes.ApprovalTimeout,
		})
	}
	return len(expired)
}

// RunGC starts a periodic GC sweep every interval until ctx-like stop
// channel closes. Callers own the returned stop function's lifetime.
func (g *Gate) RunGC(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := g.GC(); n > 0 {
					g.logger.Info("approval gc swept expired records", "count", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// Pending reports the number of records currently awaiting resolution.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// HasPending reports whether a record exists for (workflowID, stepID).
func (g *Gate) HasPending(workflowID, stepID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[orchestratortypes.ApprovalKey{WorkflowID: workflowID, StepID: stepID}]
	return ok
}

// ComputeTimeRemaining renders the duration between now and requiredBy using
// time.Duration's own String() format, floored at "0s" for passed deadlines.
func ComputeTimeRemaining(requiredBy, now time.Time) string {
	remaining := requiredBy.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.String()
}

// DeadlineFor computes an approval deadline given a default timeout,
// matching §3's "requested_at + step_timeout" rule.
func DeadlineFor(defaultTimeout time.Duration) time.Time {
	return time.Now().Add(defaultTimeout)
}
