package database_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/medflow/stock-ledger/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = database.RetryPolicy{
	MaxAttempts: 3,
	Initial:     time.Millisecond,
	Max:         2 * time.Millisecond,
}

func newTestDB(t *testing.T) (*database.DB, *testutil.MockDB) {
	t.Helper()
	mockDB := testutil.NewMockDB(t)
	t.Cleanup(func() { mockDB.Close() })
	return database.Wrap(mockDB.DB, logger.Nop()).WithRetryPolicy(fastRetry), mockDB
}

func touch(ctx context.Context) func(*sqlx.Tx) error {
	return func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE stock_aggregates SET total = total")
		return err
	}
}

func TestTransaction_CommitsOnFirstAttempt(t *testing.T) {
	db, mockDB := newTestDB(t)
	ctx := context.Background()

	mockDB.ExpectBegin()
	mockDB.ExpectExec("UPDATE stock_aggregates").WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	require.NoError(t, db.Transaction(ctx, touch(ctx)))
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_RetriesSerializationFailure(t *testing.T) {
	db, mockDB := newTestDB(t)
	ctx := context.Background()

	mockDB.ExpectBegin()
	mockDB.ExpectExec("UPDATE stock_aggregates").WillReturnError(&pq.Error{Code: "40001"})
	mockDB.ExpectRollback()
	mockDB.ExpectBegin()
	mockDB.ExpectExec("UPDATE stock_aggregates").WillReturnError(&pq.Error{Code: "40P01"})
	mockDB.ExpectRollback()
	mockDB.ExpectBegin()
	mockDB.ExpectExec("UPDATE stock_aggregates").WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	require.NoError(t, db.Transaction(ctx, touch(ctx)))
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_RetriesFailedCommit(t *testing.T) {
	db, mockDB := newTestDB(t)
	ctx := context.Background()

	mockDB.ExpectBegin()
	mockDB.ExpectExec("UPDATE stock_aggregates").WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})
	mockDB.ExpectBegin()
	mockDB.ExpectExec("UPDATE stock_aggregates").WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	require.NoError(t, db.Transaction(ctx, touch(ctx)))
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_ExhaustedAttemptsAreTransient(t *testing.T) {
	db, mockDB := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < fastRetry.MaxAttempts; i++ {
		mockDB.ExpectBegin()
		mockDB.ExpectExec("UPDATE stock_aggregates").WillReturnError(&pq.Error{Code: "40001"})
		mockDB.ExpectRollback()
	}

	err := db.Transaction(ctx, touch(ctx))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusServiceUnavailable, appErr.StatusCode)
	assert.Contains(t, appErr.Message, "3 attempts")
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_OtherErrorsAreNotRetried(t *testing.T) {
	db, mockDB := newTestDB(t)
	ctx := context.Background()

	mockDB.ExpectBegin()
	mockDB.ExpectExec("UPDATE stock_aggregates").WillReturnError(&pq.Error{Code: "23514", Constraint: "lots_quantity_range"})
	mockDB.ExpectRollback()

	err := db.Transaction(ctx, touch(ctx))
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_DomainErrorPassesThrough(t *testing.T) {
	db, mockDB := newTestDB(t)
	ctx := context.Background()

	mockDB.ExpectBegin()
	mockDB.ExpectRollback()

	want := errors.InsufficientStock(3, 5)
	err := db.Transaction(ctx, func(*sqlx.Tx) error { return want })
	assert.Same(t, want, err)
	mockDB.ExpectationsWereMet(t)
}

func TestTransaction_CancelledBeforeStart(t *testing.T) {
	db, mockDB := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.Transaction(ctx, touch(ctx))
	assert.ErrorIs(t, err, context.Canceled)
	mockDB.ExpectationsWereMet(t)
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, database.IsSerializationFailure(&pq.Error{Code: "40001"}))
	assert.True(t, database.IsSerializationFailure(fmt.Errorf("commit: %w", &pq.Error{Code: "40P01"})))
	assert.False(t, database.IsSerializationFailure(&pq.Error{Code: "23505"}))
	assert.False(t, database.IsSerializationFailure(stderrors.New("boom")))
	assert.False(t, database.IsSerializationFailure(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert lot: %w", &pq.Error{Code: "23505", Constraint: "lots_product_batch_number_key"})

	assert.True(t, database.IsUniqueViolation(err, "lots_product_batch_number_key"))
	assert.True(t, database.IsUniqueViolation(err, ""))
	assert.False(t, database.IsUniqueViolation(err, "fulfillments_product_reference_key"))
	assert.False(t, database.IsUniqueViolation(&pq.Error{Code: "23514"}, ""))
}

func TestMapPQError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantNil    bool
		wantCode   string
		wantDetail string
	}{
		{
			name:    "not a pq error",
			err:     stderrors.New("plain"),
			wantNil: true,
		},
		{
			name:       "quantity range",
			err:        &pq.Error{Code: "23514", Constraint: "lots_quantity_range"},
			wantCode:   "VALIDATION_ERROR",
			wantDetail: "quantity",
		},
		{
			name:       "reserved range",
			err:        &pq.Error{Code: "23514", Constraint: "lots_reserved_range"},
			wantCode:   "VALIDATION_ERROR",
			wantDetail: "reserved_quantity",
		},
		{
			name:     "unknown check",
			err:      &pq.Error{Code: "23514", Constraint: "something_else"},
			wantCode: "BAD_REQUEST",
		},
		{
			name:     "duplicate batch number",
			err:      &pq.Error{Code: "23505", Constraint: "lots_product_batch_number_key"},
			wantCode: "CONFLICT",
		},
		{
			name:     "missing product",
			err:      &pq.Error{Code: "23503"},
			wantCode: "BAD_REQUEST",
		},
		{
			name:       "not null",
			err:        &pq.Error{Code: "23502", Column: "actor"},
			wantCode:   "VALIDATION_ERROR",
			wantDetail: "actor",
		},
		{
			name:       "value too long",
			err:        &pq.Error{Code: "22001", Message: "value too long for type character varying(64)"},
			wantCode:   "VALIDATION_ERROR",
			wantDetail: "value",
		},
		{
			name:       "numeric out of range",
			err:        fmt.Errorf("failed to derive batch number: %w", &pq.Error{Code: "22003"}),
			wantCode:   "VALIDATION_ERROR",
			wantDetail: "value",
		},
		{
			name:    "unmapped code",
			err:     &pq.Error{Code: "40001"},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := database.MapPQError(tt.err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantCode, got.Code)
			if tt.wantDetail != "" {
				assert.Contains(t, got.Details, tt.wantDetail)
			}
		})
	}
}
