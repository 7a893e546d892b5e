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

// Package durablestore persists terminal workflow records and per-
// classification rollup counters past process restart (§6 Persisted state
// layout). It is optional: a deployment with durable_store.backend "none"
// never constructs a Store. With "postgres" or "redis", cmd/orchestrator-core
// opens a Store and closes it at shutdown, but the engine holds no Store and
// nothing in this module calls RecordTerminal, so terminal workflows are not
// written to it.
package durablestore

import (
	"context"
	"time"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// TerminalRecord is the durable projection of a workflow that reached a
// terminal status. It intentionally drops per-step Result/Error payloads
// (those can be large and are not needed for history/rollup queries) and
// keeps only what's needed to answer "what happened, when, how long".
type TerminalRecord struct {
	WorkflowID     string
	UserMessage    string
	Classification orchestratortypes.WorkflowClassification
	Status         orchestratortypes.WorkflowStatus
	StepCount      int
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Duration returns CompletedAt minus StartedAt, or zero if either is unset.
func (r TerminalRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Rollup is a per-classification summary over a window of terminal records,
// the durable counterpart of the Metrics Collector's in-memory histograms
// (spec's supplemented workflow metrics rollup shape).
type Rollup struct {
	Classification orchestratortypes.WorkflowClassification
	Total          int64
	Completed      int64
	Failed         int64
	Cancelled      int64
	Timeout        int64
	MeanDurationMs float64
}

// Store is the terminal-record + rollup contract shared by the Postgres and
// Redis backends. Every method takes a context so a slow backend can be
// bounded by the caller rather than blocking the engine's terminal path
// indefinitely.
type Store interface {
	// RecordTerminal persists one terminal workflow record and folds it into
	// that classification's rollup. The store itself never retries it. The
	// engine does not call it.
	RecordTerminal(ctx context.Context, record TerminalRecord) error

	// Get returns the terminal record for workflowID, or an
	// apperrors.ErrorTypeNotFound error.
	Get(ctx context.Context, workflowID string) (TerminalRecord, error)

	// ListByClassification returns the most recent terminal records for a
	// classification, newest first, bounded by limit.
	ListByClassification(ctx context.Context, classification orchestratortypes.WorkflowClassification, limit int) ([]TerminalRecord, error)

	// RollupFor returns the current rollup for a classification. A
	// classification with no recorded terminal workflows returns a zero
	// Rollup, not an error.
	RollupFor(ctx context.Context, classification orchestratortypes.WorkflowClassification) (Rollup, error)

	// Close releases the backend's connection pool.
	Close() error
}

// Open constructs the Store selected by backend ("postgres" or "redis"),
// dialing dsn/addr accordingly. It never returns (nil, nil): callers that
// configured backend "none" should skip calling Open entirely.
func Open(ctx context.Context, backend, postgresDSN, redisAddr string) (Store, error) {
	switch backend {
	case "postgres":
		return NewPostgresStore(ctx, postgresDSN)
	case "redis":
		return NewRedisStore(ctx, redisAddr)
	default:
		return nil, &UnsupportedBackendError{Backend: backend}
	}
}

// UnsupportedBackendError is returned by Open for any backend value other
// than "postgres" or "redis".
type UnsupportedBackendError struct {
	Backend string
}

func (e *UnsupportedBackendError) Error() string {
	return "durablestore: unsupported backend: " + e.Backend
}
