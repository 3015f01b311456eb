/*
store.go - Persistence interfaces

PURPOSE:
  Defines the contract between the domain logic and the database. The
  domain is written against this contract, not against a storage engine.
  A store must offer:
  - unique constraints on identifier columns (receipt and member numbers,
    ledger codes), reported as ErrConflictDuplicate
  - atomic guarded increment/decrement of a ledger's remaining sessions
  - multi-statement transactions (WithTx)

KEY INTERFACES:
  CounterStore:  Sequence counters and "is this number taken" checks
  LedgerStore:   Service ledgers and their guarded session counters
  SessionStore:  Session records
  ReceiptStore:  Receipts; cancellation is the only update
  ExpenseStore:  Compensating expenses
  MemberStore:   Members
  Store:         All of the above
  TxStore:       Store plus WithTx

GUARDED UPDATES:
  DecrementRemaining and IncrementRemaining are single statements of the form

    UPDATE service_ledgers SET sessions_remaining = sessions_remaining - 1
    WHERE code = ? AND sessions_remaining > 0

  and decide success from the affected-row count. Application code never
  reads the counter, computes, and writes it back.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for tests and development
  - store/sqlstore:          SQLite and PostgreSQL

SEE ALSO:
  - sequence/allocator.go: runs peek + insert + ratchet inside WithTx
  - ledger/ledger.go: runs decrement + insert inside WithTx
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COUNTERS
// =============================================================================

type CounterStore interface {
	// ReadCounter returns the counter's current value without creating it.
	// ok is false when the counter does not exist yet.
	ReadCounter(ctx context.Context, domain SequenceDomain) (value int64, ok bool, err error)

	// EnsureCounter returns the counter's current value, creating it at
	// initial when it does not exist yet.
	EnsureCounter(ctx context.Context, domain SequenceDomain, initial int64) (int64, error)

	// RatchetCounter sets current = next only when next is greater.
	RatchetCounter(ctx context.Context, domain SequenceDomain, next int64) error

	// NumberTaken reports whether value is already used by the collection
	// the domain allocates for.
	NumberTaken(ctx context.Context, domain SequenceDomain, value int64) (bool, error)
}

// =============================================================================
// LEDGERS AND SESSIONS
// =============================================================================

type LedgerStore interface {
	// CreateLedger fails with ErrConflictDuplicate when the code is taken.
	CreateLedger(ctx context.Context, l ServiceLedger) error

	// GetLedger fails with ErrNotFound.
	GetLedger(ctx context.Context, code LedgerCode) (ServiceLedger, error)

	ListLedgers(ctx context.Context, filter LedgerFilter) ([]ServiceLedger, error)

	// DecrementRemaining takes one session and returns the new remaining
	// count. Fails with ErrInsufficientSessions when none is left and with
	// ErrNotFound when the ledger does not exist.
	DecrementRemaining(ctx context.Context, code LedgerCode) (int, error)

	// IncrementRemaining gives one session back and returns the new
	// remaining count. Fails with ErrInvariantViolation when remaining
	// already equals purchased.
	IncrementRemaining(ctx context.Context, code LedgerCode) (int, error)

	// AddSessions adds n to both purchased and remaining in one statement.
	AddSessions(ctx context.Context, code LedgerCode, n int) (ServiceLedger, error)

	// ReduceRemainingAmount lowers what the client still owes by amount,
	// guarded so it never goes below zero. Fails with ErrInvariantViolation
	// when amount exceeds the outstanding balance.
	ReduceRemainingAmount(ctx context.Context, code LedgerCode, amount decimal.Decimal) (ServiceLedger, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, s SessionRecord) error
	GetSession(ctx context.Context, id SessionID) (SessionRecord, error)

	// DeleteSession fails with ErrNotFound when nothing was deleted.
	DeleteSession(ctx context.Context, id SessionID) error

	// ListSessions returns the ledger's sessions, newest first.
	ListSessions(ctx context.Context, code LedgerCode) ([]SessionRecord, error)
}

// =============================================================================
// RECEIPTS AND EXPENSES
// =============================================================================

type ReceiptStore interface {
	// CreateReceipt fails with ErrConflictDuplicate when the number is taken.
	CreateReceipt(ctx context.Context, r Receipt) error
	GetReceipt(ctx context.Context, id ReceiptID) (Receipt, error)
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]Receipt, error)

	// MarkReceiptCancelled writes the cancellation fields only if the receipt
	// is not cancelled yet. Fails with ErrAlreadyCancelled otherwise.
	MarkReceiptCancelled(ctx context.Context, id ReceiptID, c Cancellation) error
}

type ExpenseStore interface {
	CreateExpense(ctx context.Context, e Expense) error
	ListExpenses(ctx context.Context, from, to time.Time) ([]Expense, error)
}

// =============================================================================
// MEMBERS
// =============================================================================

type MemberStore interface {
	// CreateMember fails with ErrConflictDuplicate when the number is taken.
	CreateMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, id MemberID) (Member, error)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	CounterStore
	LedgerStore
	SessionStore
	ReceiptStore
	ExpenseStore
	MemberStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	// fn must use only the Store it is given.
	WithTx(ctx context.Context, fn func(Store) error) error
}
