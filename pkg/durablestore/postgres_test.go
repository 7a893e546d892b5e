package durablestore_test

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/durablestore"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

func newSQLMockStore() (*durablestore.PostgresStore, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	db := sqlx.NewDb(mockDB, "sqlmock")
	return durablestore.NewPostgresStoreForTest(db), mock
}

var _ = Describe("PostgresStore", func() {
	var (
		store *durablestore.PostgresStore
		mock  sqlmock.Sqlmock
		ctx   context.Context
	)

	BeforeEach(func() {
		store, mock = newSQLMockStore()
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("records a terminal workflow inside a single transaction", func() {
		started := time.Now().Add(-time.Minute)
		completed := time.Now()

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO workflow_terminal_records`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO workflow_rollups`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := store.RecordTerminal(ctx, durablestore.TerminalRecord{
			WorkflowID:     "wf-1",
			UserMessage:    "say hi",
			Classification: orchestratortypes.ClassificationSimple,
			Status:         orchestratortypes.WorkflowStatusCompleted,
			StepCount:      1,
			CreatedAt:      started,
			StartedAt:      started,
			CompletedAt:    completed,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("rolls back when the rollup upsert fails", func() {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO workflow_terminal_records`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO workflow_rollups`).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		err := store.RecordTerminal(ctx, durablestore.TerminalRecord{
			WorkflowID:     "wf-2",
			Classification: orchestratortypes.ClassificationSimple,
			Status:         orchestratortypes.WorkflowStatusFailed,
		})
		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeDatabase)).To(BeTrue())
	})

	It("maps a missing row to a not-found error", func() {
		mock.ExpectQuery(`SELECT .* FROM workflow_terminal_records`).
			WillReturnError(sql.ErrNoRows)

		_, err := store.Get(ctx, "does-not-exist")
		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
	})

	It("returns a matching terminal record", func() {
		started := time.Now().Add(-time.Minute)
		completed := time.Now()
		rows := sqlmock.NewRows([]string{
			"workflow_id", "user_message", "classification", "status",
			"step_count", "created_at", "started_at", "completed_at",
		}).AddRow("wf-3", "say hi", "simple", "completed", 1, started, started, completed)

		mock.ExpectQuery(`SELECT .* FROM workflow_terminal_records`).WillReturnRows(rows)

		record, err := store.Get(ctx, "wf-3")
		Expect(err).NotTo(HaveOccurred())
		Expect(record.WorkflowID).To(Equal("wf-3"))
		Expect(record.Status).To(Equal(orchestratortypes.WorkflowStatusCompleted))
	})

	It("returns a zero rollup when none has been recorded yet", func() {
		mock.ExpectQuery(`SELECT .* FROM workflow_rollups`).WillReturnError(sql.ErrNoRows)

		rollup, err := store.RollupFor(ctx, orchestratortypes.ClassificationSimple)
		Expect(err).NotTo(HaveOccurred())
		Expect(rollup.Total).To(BeZero())
	})
})
