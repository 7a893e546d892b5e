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

package durablestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStore is the Postgres-backed Store, grounded on the project's
// sqlx-over-pgx repository pattern.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens dsn (validated via pq.ParseURL to reject malformed
// connection strings before ever dialing), connects through the pgx stdlib
// driver, and applies pending migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if _, err := pq.ParseURL(dsn); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid postgres dsn")
	}

	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, apperrors.NewDatabaseError("connect", err)
	}

	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to set migration dialect")
	}
	if err := goose.Up(db.DB, "migrations/postgres"); err != nil {
		db.Close()
		return nil, apperrors.NewDatabaseError("migrate", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreForTest wraps an already-open sqlx.DB (typically a
// go-sqlmock connection) without running migrations or DSN validation.
func NewPostgresStoreForTest(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordTerminal(ctx context.Context, record TerminalRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewDatabaseError("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_terminal_records
			(workflow_id, user_message, classification, status, step_count, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id) DO UPDATE SET
			status = EXCLUDED.status, completed_at = EXCLUDED.completed_at`,
		record.WorkflowID, record.UserMessage, string(record.Classification), string(record.Status),
		record.StepCount, record.CreatedAt, record.StartedAt, record.CompletedAt)
	if err != nil {
		return apperrors.NewDatabaseError("insert terminal record", err)
	}

	durationMs := float64(record.Duration().Milliseconds())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_rollups (classification, total, completed, failed, cancelled, timeout, duration_sum_ms)
		VALUES ($1, 1, $2, $3, $4, $5, $6)
		ON CONFLICT (classification) DO UPDATE SET
			total = workflow_rollups.total + 1,
			completed = workflow_rollups.completed + $2,
			failed = workflow_rollups.failed + $3,
			cancelled = workflow_rollups.cancelled + $4,
			timeout = workflow_rollups.timeout + $5,
			duration_sum_ms = workflow_rollups.duration_sum_ms + $6`,
		string(record.Classification),
		boolToInt(record.Status == orchestratortypes.WorkflowStatusCompleted),
		boolToInt(record.Status == orchestratortypes.WorkflowStatusFailed),
		boolToInt(record.Status == orchestratortypes.WorkflowStatusCancelled),
		boolToInt(record.Status == orchestratortypes.WorkflowStatusTimeout),
		durationMs)
	if err != nil {
		return apperrors.NewDatabaseError("upsert rollup", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewDatabaseError("commit", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, workflowID string) (TerminalRecord, error) {
	var row terminalRow
	err := s.db.GetContext(ctx, &row, `
		SELECT workflow_id, user_message, classification, status, step_count, created_at, started_at, completed_at
		FROM workflow_terminal_records WHERE workflow_id = $1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return TerminalRecord{}, apperrors.NewNotFoundError("workflow " + workflowID)
	}
	if err != nil {
		return TerminalRecord{}, apperrors.NewDatabaseError("get terminal record", err)
	}
	return row.toRecord(), nil
}

func (s *PostgresStore) ListByClassification(ctx context.Context, classification orchestratortypes.WorkflowClassification, limit int) ([]TerminalRecord, error) {
	var rows []terminalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT workflow_id, user_message, classification, status, step_count, created_at, started_at, completed_at
		FROM workflow_terminal_records
		WHERE classification = $1
		ORDER BY completed_at DESC
		LIMIT $2`, string(classification), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list terminal records", err)
	}

	records := make([]TerminalRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toRecord())
	}
	return records, nil
}

func (s *PostgresStore) RollupFor(ctx context.Context, classification orchestratortypes.WorkflowClassification) (Rollup, error) {
	var row rollupRow
	err := s.db.GetContext(ctx, &row, `
		SELECT classification, total, completed, failed, cancelled, timeout, duration_sum_ms
		FROM workflow_rollups WHERE classification = $1`, string(classification))
	if errors.Is(err, sql.ErrNoRows) {
		return Rollup{Classification: classification}, nil
	}
	if err != nil {
		return Rollup{}, apperrors.NewDatabaseError("get rollup", err)
	}
	return row.toRollup(), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type terminalRow struct {
	WorkflowID     string    `db:"workflow_id"`
	UserMessage    string    `db:"user_message"`
	Classification string    `db:"classification"`
	Status         string    `db:"status"`
	StepCount      int       `db:"step_count"`
	CreatedAt      time.Time `db:"created_at"`
	StartedAt      time.Time `db:"started_at"`
	CompletedAt    time.Time `db:"completed_at"`
}

func (r terminalRow) toRecord() TerminalRecord {
	return TerminalRecord{
		WorkflowID:     r.WorkflowID,
		UserMessage:    r.UserMessage,
		Classification: orchestratortypes.WorkflowClassification(r.Classification),
		Status:         orchestratortypes.WorkflowStatus(r.Status),
		StepCount:      r.StepCount,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}

type rollupRow struct {
	Classification string  `db:"classification"`
	Total          int64   `db:"total"`
	Completed      int64   `db:"completed"`
	Failed         int64   `db:"failed"`
	Cancelled      int64   `db:"cancelled"`
	Timeout        int64   `db:"timeout"`
	DurationSumMs  float64 `db:"duration_sum_ms"`
}

func (r rollupRow) toRollup() Rollup {
	mean := 0.0
	if r.Total > 0 {
		mean = r.DurationSumMs / float64(r.Total)
	}
	return Rollup{
		Classification: orchestratortypes.WorkflowClassification(r.Classification),
		Total:          r.Total,
		Completed:      r.Completed,
		Failed:         r.Failed,
		Cancelled:      r.Cancelled,
		Timeout:        r.Timeout,
		MeanDurationMs: mean,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
