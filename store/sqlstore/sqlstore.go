/*
Package sqlstore provides a SQL implementation of generic.TxStore for SQLite
and PostgreSQL.

PURPOSE:
  One implementation, two dialects. Queries are written with ? placeholders
  and rebound by sqlx for the driver in use ($1, $2, ... on PostgreSQL).

TABLES:
  counters:         one row per sequence domain
  service_ledgers:  CHECK (0 <= sessions_remaining <= sessions_purchased)
  session_records:  weak reference to a ledger by code
  receipts:         UNIQUE receipt_number
  expenses:         compensating records, receipt_id references receipts
  members:          UNIQUE member_number, NULL for the "other" category

  Timestamps are stored as fixed-width UTC text so that text order is time
  order on both dialects. Money is stored as decimal text.

CONSTRAINTS AS ARBITERS:
  Unique violations are reported as generic.ErrConflictDuplicate, CHECK
  violations as generic.ErrInvariantViolation. The sequence allocator relies
  on the former to detect a lost race.

SQLITE:
  Opened with a single connection, WAL and a busy timeout. Transactions are
  therefore serialized by database/sql itself. Do not call WithTx from inside
  WithTx: the inner call waits forever for the only connection.

MIGRATIONS:
  Schema lives in migrations/<driver>/ and is applied by golang-migrate on
  Open. See migrate.go.

USAGE:
  st, err := sqlstore.Open(ctx, "sqlite3", "./data/gym.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

SEE ALSO:
  - generic/store.go: interface definitions
  - generic/store/memory.go: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/gym-ledger/generic"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements generic.TxStore over a sqlx.DB.
type Store struct {
	queries
	db *sqlx.DB
}

var _ generic.TxStore = (*Store)(nil)

// New wraps an open database. The schema must already exist.
func New(db *sqlx.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// Open connects to dsn with driver ("sqlite3" or "postgres") and applies
// pending migrations. For SQLite, dsn is a file path or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sqlx.ConnectContext(ctx, DriverSQLite, sqliteDSN(dsn))
		if err != nil {
			return nil, errors.Wrap(err, "failed to open database")
		}
		db.SetMaxOpenConns(1)
		err = migrateSQLite(db)
	case DriverPostgres:
		db, err = sqlx.ConnectContext(ctx, DriverPostgres, dsn)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open database")
		}
		err = migratePostgres(dsn)
	default:
		return nil, errors.Newf("unsupported database driver %q", driver)
	}
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return New(db), nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. PostgreSQL runs at READ
// COMMITTED; the unique indexes and guarded updates carry correctness.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	opts := &sql.TxOptions{}
	if s.db.DriverName() == DriverPostgres {
		opts.Isolation = sql.LevelReadCommitted
	}
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err, "commit")
	}
	return nil
}

// Reset deletes every row. Used to reload demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"expenses", "receipts", "session_records", "service_ledgers", "members", "counters"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "reset %s", table)
		}
	}
	return nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// mapError translates constraint violations into domain errors.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case isUniqueViolation(err):
		return errors.Wrapf(errors.Mark(err, generic.ErrConflictDuplicate), "%s", op)
	case isCheckViolation(err):
		return errors.Wrapf(errors.Mark(err, generic.ErrInvariantViolation), "%s", op)
	}
	return errors.Wrapf(err, "%s", op)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23514"
	}
	return false
}
