/*
allocator.go - Gap-tolerant sequential identifiers

PURPOSE:
  Hands out human-readable integers (receipt numbers, member numbers) that are
  unique within their domain. They are printed on paper, so they must be small
  and increasing rather than opaque UUIDs.

HOW IT WORKS:
  A Counter row holds the next value to try. Allocation is one transaction:

    1. Next:    read the counter, scan forward until a value is not taken
                (at most MaxScanAttempts values)
    2. assign:  insert the record that uses the value
    3. Commit:  ratchet the counter to value+1 (never backwards)

  The unique index on the identifier column is the final arbiter. When two
  requests race to the same value, the loser's insert fails with
  ErrConflictDuplicate, the whole transaction rolls back, and the cycle is
  retried with exponential backoff.

RETRY POLICY:
  Only ErrConflictDuplicate is retried (DefaultConflictAttempts total tries).
  ErrExhaustedSequence means 100 consecutive values are taken; that is a
  data problem, not a race, so it is returned at once.

PEEK:
  PeekNext runs the scan outside any transaction and reserves nothing. Forms
  use it to show "next receipt: 1042" before the user confirms. The number
  shown can be taken by someone else before the confirmation arrives.

USAGE:
  rec, err := sequence.AllocateAndAssign(ctx, alloc, generic.DomainReceiptNumber,
      func(ctx context.Context, s generic.Store, n int64) (generic.Receipt, error) {
          r := build(n)
          return r, s.CreateReceipt(ctx, r)
      })

  To draw from two domains atomically, use Transact with Next/Commit:

  err := alloc.Transact(ctx, func(ctx context.Context, s generic.Store) error {
      m, _ := alloc.Next(ctx, s, generic.DomainMemberNumber)
      ...
      return alloc.Commit(ctx, s, generic.DomainMemberNumber, m)
  })

  Transact must not be nested: the store has one transaction per call.

SEE ALSO:
  - receipt/issuer.go: receipt numbers
  - member/member.go: member numbers and signup receipts in one transaction
*/
package sequence

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/logger"
	"github.com/warp/gym-ledger/metrics"
)

const (
	// MaxScanAttempts bounds the forward scan of one allocation.
	MaxScanAttempts = 100

	// DefaultConflictAttempts is the number of tries of a whole cycle.
	DefaultConflictAttempts = 5
)

// DefaultInitial is the value a counter starts at when it is first used.
var DefaultInitial = map[generic.SequenceDomain]int64{
	generic.DomainMemberNumber:  1,
	generic.DomainReceiptNumber: 1000,
}

// Allocator allocates identifiers from counters held in a TxStore.
type Allocator struct {
	store            generic.TxStore
	initial          map[generic.SequenceDomain]int64
	maxScan          int
	conflictAttempts int
	retryDelay       time.Duration
	log              *logger.Logger
	metrics          *metrics.Collector
}

type Option func(*Allocator)

// WithInitial overrides the starting value of a domain's counter. It only
// matters the first time the counter is used.
func WithInitial(domain generic.SequenceDomain, v int64) Option {
	return func(a *Allocator) { a.initial[domain] = v }
}

func WithMaxScanAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxScan = n
		}
	}
}

func WithConflictAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.conflictAttempts = n
		}
	}
}

// WithRetryDelay sets the first backoff interval between conflicting cycles.
func WithRetryDelay(d time.Duration) Option {
	return func(a *Allocator) { a.retryDelay = d }
}

func WithLogger(l *logger.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(a *Allocator) { a.metrics = m }
}

// New creates an allocator over store.
func New(store generic.TxStore, opts ...Option) *Allocator {
	a := &Allocator{
		store:            store,
		initial:          make(map[generic.SequenceDomain]int64, len(DefaultInitial)),
		maxScan:          MaxScanAttempts,
		conflictAttempts: DefaultConflictAttempts,
		retryDelay:       5 * time.Millisecond,
		log:              logger.NewNop(),
	}
	for d, v := range DefaultInitial {
		a.initial[d] = v
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store returns the transactional store the allocator runs against.
func (a *Allocator) Store() generic.TxStore {
	return a.store
}

// =============================================================================
// BUILDING BLOCKS - Usable inside a caller-owned transaction
// =============================================================================

// Next returns the first free value of domain at or after the counter,
// creating the counter when needed. It reserves nothing.
func (a *Allocator) Next(ctx context.Context, s generic.Store, domain generic.SequenceDomain) (int64, error) {
	start, err := s.EnsureCounter(ctx, domain, a.initialFor(domain))
	if err != nil {
		return 0, errors.Wrapf(err, "read counter %s", domain)
	}
	return a.firstFree(ctx, s, domain, start)
}

// firstFree returns the first value at or after start that domain has not used.
func (a *Allocator) firstFree(ctx context.Context, s generic.Store, domain generic.SequenceDomain, start int64) (int64, error) {
	for i := 0; i < a.maxScan; i++ {
		candidate := start + int64(i)
		taken, err := s.NumberTaken(ctx, domain, candidate)
		if err != nil {
			return 0, errors.Wrapf(err, "check %s %d", domain, candidate)
		}
		if !taken {
			return candidate, nil
		}
	}

	a.metrics.SequenceExhausted(string(domain))
	a.log.Errorw("sequence exhausted", "domain", domain, "from", start, "attempts", a.maxScan)
	return 0, errors.WithHint(
		&generic.ExhaustedSequenceError{Domain: domain, From: start, Attempts: a.maxScan},
		"No free number is available, contact an administrator")
}

// Commit ratchets domain's counter past used.
func (a *Allocator) Commit(ctx context.Context, s generic.Store, domain generic.SequenceDomain, used int64) error {
	if _, err := s.EnsureCounter(ctx, domain, a.initialFor(domain)); err != nil {
		return errors.Wrapf(err, "read counter %s", domain)
	}
	if err := s.RatchetCounter(ctx, domain, used+1); err != nil {
		return errors.Wrapf(err, "ratchet counter %s to %d", domain, used+1)
	}
	return nil
}

// =============================================================================
// STANDALONE OPERATIONS
// =============================================================================

// PeekNext previews the value the next allocation would most likely get.
// It writes nothing: a missing counter is read as its initial value.
func (a *Allocator) PeekNext(ctx context.Context, domain generic.SequenceDomain) (int64, error) {
	start, ok, err := a.store.ReadCounter(ctx, domain)
	if err != nil {
		return 0, errors.Wrapf(err, "read counter %s", domain)
	}
	if !ok {
		start = a.initialFor(domain)
	}
	return a.firstFree(ctx, a.store, domain, start)
}

// CommitUsed ratchets domain's counter past used outside any transaction.
func (a *Allocator) CommitUsed(ctx context.Context, domain generic.SequenceDomain, used int64) error {
	return a.Commit(ctx, a.store, domain, used)
}

// Transact runs fn in one store transaction and retries the whole
// transaction while it fails with ErrConflictDuplicate.
func (a *Allocator) Transact(ctx context.Context, fn func(ctx context.Context, s generic.Store) error) error {
	return a.transact(ctx, "composite", fn)
}

// AllocateAndAssign draws one value from domain and hands it to assign, which
// must persist the record using it through s. Peek, assign and commit run in
// one transaction retried on conflict.
func AllocateAndAssign[T any](
	ctx context.Context,
	a *Allocator,
	domain generic.SequenceDomain,
	assign func(ctx context.Context, s generic.Store, n int64) (T, error),
) (T, error) {
	var out T
	err := a.transact(ctx, string(domain), func(ctx context.Context, s generic.Store) error {
		n, err := a.Next(ctx, s, domain)
		if err != nil {
			return err
		}
		v, err := assign(ctx, s, n)
		if err != nil {
			return err
		}
		if err := a.Commit(ctx, s, domain, n); err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (a *Allocator) transact(ctx context.Context, label string, fn func(ctx context.Context, s generic.Store) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := a.store.WithTx(ctx, func(s generic.Store) error {
			return fn(ctx, s)
		})
		if err == nil {
			return nil
		}
		if !generic.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		a.metrics.SequenceConflict(label)
		a.log.Warnw("identifier conflict, retrying allocation",
			"domain", label, "attempt", attempt, "max_attempts", a.conflictAttempts, "error", err)
		return err
	}

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(a.newBackOff(), uint64(a.conflictAttempts-1)), ctx))
}

func (a *Allocator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryDelay
	b.MaxInterval = 20 * a.retryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (a *Allocator) initialFor(domain generic.SequenceDomain) int64 {
	if v, ok := a.initial[domain]; ok {
		return v
	}
	return 1
}
