package sqlstore_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/store/sqlstore"
)

// The PostgreSQL path is checked against sqlmock: placeholders are rebound
// to $n and pq error codes map onto the domain errors.

func newMockStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlstore.New(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgres_EnsureCounterRebinds(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO counters (domain, current_value) VALUES ($1, $2) ON CONFLICT (domain) DO NOTHING`)).
		WithArgs("receipt_number", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT current_value FROM counters WHERE domain = $1`)).
		WithArgs("receipt_number").
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(1042)))

	cur, err := st.EnsureCounter(ctx, generic.DomainReceiptNumber, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1042), cur)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UniqueViolationIsConflict(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO receipts`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := st.CreateReceipt(ctx, testReceipt(1000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrConflictDuplicate))
	assert.Equal(t, 409, generic.HTTPStatus(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CheckViolationIsInvariant(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE service_ledgers`).
		WithArgs(-20, -20, int64(1042)).
		WillReturnError(&pq.Error{Code: "23514", Message: "violates check constraint"})

	_, err := st.AddSessions(ctx, 1042, -20)
	assert.True(t, errors.Is(err, generic.ErrInvariantViolation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CancelOfCancelledReceipt(t *testing.T) {
	// GIVEN: The guarded UPDATE matches no row
	// THEN: The follow-up read finds the receipt, so it was already cancelled

	ctx := context.Background()
	st, mock := newMockStore(t)
	at := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $5 AND is_cancelled = $6`)).
		WithArgs(true, "2025-03-02T00:00:00.000000000Z", "Ada Admin", "duplicate", "r-1000", false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM receipts WHERE id = \$1`).
		WithArgs("r-1000").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "receipt_number", "receipt_type", "amount", "payment_method", "staff_name", "item_details",
			"member_id", "ledger_code", "is_cancelled", "cancelled_at", "cancelled_by", "cancel_reason", "created_at",
		}).AddRow(
			"r-1000", int64(1000), "manual", "500", "cash", "Rami Reception", "{}",
			nil, nil, true, "2025-03-01T00:00:00.000000000Z", "Ada Admin", "duplicate", "2025-03-01T00:00:00.000000000Z",
		))

	err := st.MarkReceiptCancelled(ctx, "r-1000", generic.Cancellation{At: at, By: "Ada Admin", Reason: "duplicate"})
	assert.True(t, errors.Is(err, generic.ErrAlreadyCancelled))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTxCommitsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM session_records WHERE id = $1`)).
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.WithTx(ctx, func(s generic.Store) error {
		return s.DeleteSession(ctx, "s-1")
	}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM session_records WHERE id = $1`)).
		WithArgs("s-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.WithTx(ctx, func(s generic.Store) error {
		return s.DeleteSession(ctx, "s-2")
	})
	assert.True(t, generic.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
