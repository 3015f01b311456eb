// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/warp/gym-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.TxStore. Transactions run under the write lock
// against the live state; on error the state captured before fn is restored.
type Memory struct {
	mu    sync.RWMutex
	state *memoryState
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

var _ generic.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

func (m *Memory) read() (*memoryState, func()) {
	m.mu.RLock()
	return m.state, m.mu.RUnlock
}

func (m *Memory) write() (*memoryState, func()) {
	m.mu.Lock()
	return m.state, m.mu.Unlock
}

func (m *Memory) ReadCounter(ctx context.Context, d generic.SequenceDomain) (int64, bool, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ReadCounter(ctx, d)
}

func (m *Memory) EnsureCounter(ctx context.Context, d generic.SequenceDomain, initial int64) (int64, error) {
	s, unlock := m.write()
	defer unlock()
	return s.EnsureCounter(ctx, d, initial)
}

func (m *Memory) RatchetCounter(ctx context.Context, d generic.SequenceDomain, next int64) error {
	s, unlock := m.write()
	defer unlock()
	return s.RatchetCounter(ctx, d, next)
}

func (m *Memory) NumberTaken(ctx context.Context, d generic.SequenceDomain, v int64) (bool, error) {
	s, unlock := m.read()
	defer unlock()
	return s.NumberTaken(ctx, d, v)
}

func (m *Memory) CreateLedger(ctx context.Context, l generic.ServiceLedger) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateLedger(ctx, l)
}

func (m *Memory) GetLedger(ctx context.Context, code generic.LedgerCode) (generic.ServiceLedger, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetLedger(ctx, code)
}

func (m *Memory) ListLedgers(ctx context.Context, f generic.LedgerFilter) ([]generic.ServiceLedger, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListLedgers(ctx, f)
}

func (m *Memory) DecrementRemaining(ctx context.Context, code generic.LedgerCode) (int, error) {
	s, unlock := m.write()
	defer unlock()
	return s.DecrementRemaining(ctx, code)
}

func (m *Memory) IncrementRemaining(ctx context.Context, code generic.LedgerCode) (int, error) {
	s, unlock := m.write()
	defer unlock()
	return s.IncrementRemaining(ctx, code)
}

func (m *Memory) AddSessions(ctx context.Context, code generic.LedgerCode, n int) (generic.ServiceLedger, error) {
	s, unlock := m.write()
	defer unlock()
	return s.AddSessions(ctx, code, n)
}

func (m *Memory) ReduceRemainingAmount(ctx context.Context, code generic.LedgerCode, amount decimal.Decimal) (generic.ServiceLedger, error) {
	s, unlock := m.write()
	defer unlock()
	return s.ReduceRemainingAmount(ctx, code, amount)
}

func (m *Memory) CreateSession(ctx context.Context, rec generic.SessionRecord) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateSession(ctx, rec)
}

func (m *Memory) GetSession(ctx context.Context, id generic.SessionID) (generic.SessionRecord, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetSession(ctx, id)
}

func (m *Memory) DeleteSession(ctx context.Context, id generic.SessionID) error {
	s, unlock := m.write()
	defer unlock()
	return s.DeleteSession(ctx, id)
}

func (m *Memory) ListSessions(ctx context.Context, code generic.LedgerCode) ([]generic.SessionRecord, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListSessions(ctx, code)
}

func (m *Memory) CreateReceipt(ctx context.Context, r generic.Receipt) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateReceipt(ctx, r)
}

func (m *Memory) GetReceipt(ctx context.Context, id generic.ReceiptID) (generic.Receipt, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetReceipt(ctx, id)
}

func (m *Memory) ListReceipts(ctx context.Context, f generic.ReceiptFilter) ([]generic.Receipt, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListReceipts(ctx, f)
}

func (m *Memory) MarkReceiptCancelled(ctx context.Context, id generic.ReceiptID, c generic.Cancellation) error {
	s, unlock := m.write()
	defer unlock()
	return s.MarkReceiptCancelled(ctx, id, c)
}

func (m *Memory) CreateExpense(ctx context.Context, e generic.Expense) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateExpense(ctx, e)
}

func (m *Memory) ListExpenses(ctx context.Context, from, to time.Time) ([]generic.Expense, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListExpenses(ctx, from, to)
}

func (m *Memory) CreateMember(ctx context.Context, mem generic.Member) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateMember(ctx, mem)
}

func (m *Memory) GetMember(ctx context.Context, id generic.MemberID) (generic.Member, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetMember(ctx, id)
}

// =============================================================================
// MEMORY STATE - Unlocked generic.Store used directly inside WithTx
// =============================================================================

type memoryState struct {
	counters       map[generic.SequenceDomain]int64
	ledgers        map[generic.LedgerCode]generic.ServiceLedger
	sessions       map[generic.SessionID]generic.SessionRecord
	receipts       map[generic.ReceiptID]generic.Receipt
	receiptNumbers map[int64]generic.ReceiptID
	expenses       []generic.Expense
	members        map[generic.MemberID]generic.Member
	memberNumbers  map[int64]generic.MemberID
}

func newMemoryState() *memoryState {
	return &memoryState{
		counters:       make(map[generic.SequenceDomain]int64),
		ledgers:        make(map[generic.LedgerCode]generic.ServiceLedger),
		sessions:       make(map[generic.SessionID]generic.SessionRecord),
		receipts:       make(map[generic.ReceiptID]generic.Receipt),
		receiptNumbers: make(map[int64]generic.ReceiptID),
		members:        make(map[generic.MemberID]generic.Member),
		memberNumbers:  make(map[int64]generic.MemberID),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.ledgers {
		c.ledgers[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.receiptNumbers {
		c.receiptNumbers[k] = v
	}
	c.expenses = append([]generic.Expense(nil), s.expenses...)
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.memberNumbers {
		c.memberNumbers[k] = v
	}
	return c
}

func (s *memoryState) ReadCounter(_ context.Context, d generic.SequenceDomain) (int64, bool, error) {
	cur, ok := s.counters[d]
	return cur, ok, nil
}

func (s *memoryState) EnsureCounter(_ context.Context, d generic.SequenceDomain, initial int64) (int64, error) {
	if cur, ok := s.counters[d]; ok {
		return cur, nil
	}
	s.counters[d] = initial
	return initial, nil
}

func (s *memoryState) RatchetCounter(_ context.Context, d generic.SequenceDomain, next int64) error {
	cur, ok := s.counters[d]
	if !ok {
		return errors.Wrapf(generic.ErrNotFound, "counter %s", d)
	}
	if next > cur {
		s.counters[d] = next
	}
	return nil
}

func (s *memoryState) NumberTaken(_ context.Context, d generic.SequenceDomain, v int64) (bool, error) {
	switch d {
	case generic.DomainReceiptNumber:
		_, ok := s.receiptNumbers[v]
		return ok, nil
	case generic.DomainMemberNumber:
		_, ok := s.memberNumbers[v]
		return ok, nil
	}
	return false, errors.Newf("unknown sequence domain %q", d)
}

func (s *memoryState) CreateLedger(_ context.Context, l generic.ServiceLedger) error {
	if _, ok := s.ledgers[l.Code]; ok {
		return errors.Wrapf(generic.ErrConflictDuplicate, "ledger code %d", l.Code)
	}
	if !l.Valid() {
		return errors.Wrapf(generic.ErrInvariantViolation, "ledger %d", l.Code)
	}
	s.ledgers[l.Code] = l
	return nil
}

func (s *memoryState) GetLedger(_ context.Context, code generic.LedgerCode) (generic.ServiceLedger, error) {
	l, ok := s.ledgers[code]
	if !ok {
		return generic.ServiceLedger{}, errors.Wrapf(generic.ErrNotFound, "ledger %d", code)
	}
	return l, nil
}

func (s *memoryState) ListLedgers(_ context.Context, f generic.LedgerFilter) ([]generic.ServiceLedger, error) {
	var result []generic.ServiceLedger
	for _, l := range s.ledgers {
		if f.Kind != "" && l.Kind != f.Kind {
			continue
		}
		if f.OwnerStaffID != "" && l.OwnerStaffID != f.OwnerStaffID {
			continue
		}
		result = append(result, l)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (s *memoryState) DecrementRemaining(_ context.Context, code generic.LedgerCode) (int, error) {
	l, ok := s.ledgers[code]
	if !ok {
		return 0, errors.Wrapf(generic.ErrNotFound, "ledger %d", code)
	}
	if l.SessionsRemaining <= 0 {
		return 0, &generic.InsufficientSessionsError{Code: code, Remaining: l.SessionsRemaining, Purchased: l.SessionsPurchased}
	}
	l.SessionsRemaining--
	s.ledgers[code] = l
	return l.SessionsRemaining, nil
}

func (s *memoryState) IncrementRemaining(_ context.Context, code generic.LedgerCode) (int, error) {
	l, ok := s.ledgers[code]
	if !ok {
		return 0, errors.Wrapf(generic.ErrNotFound, "ledger %d", code)
	}
	if l.SessionsRemaining >= l.SessionsPurchased {
		return 0, errors.Wrapf(generic.ErrInvariantViolation, "ledger %d already has all %d sessions", code, l.SessionsPurchased)
	}
	l.SessionsRemaining++
	s.ledgers[code] = l
	return l.SessionsRemaining, nil
}

func (s *memoryState) AddSessions(_ context.Context, code generic.LedgerCode, n int) (generic.ServiceLedger, error) {
	l, ok := s.ledgers[code]
	if !ok {
		return generic.ServiceLedger{}, errors.Wrapf(generic.ErrNotFound, "ledger %d", code)
	}
	l.SessionsPurchased += n
	l.SessionsRemaining += n
	if !l.Valid() {
		return generic.ServiceLedger{}, errors.Wrapf(generic.ErrInvariantViolation, "ledger %d", code)
	}
	s.ledgers[code] = l
	return l, nil
}

func (s *memoryState) ReduceRemainingAmount(_ context.Context, code generic.LedgerCode, amount decimal.Decimal) (generic.ServiceLedger, error) {
	l, ok := s.ledgers[code]
	if !ok {
		return generic.ServiceLedger{}, errors.Wrapf(generic.ErrNotFound, "ledger %d", code)
	}
	if amount.GreaterThan(l.RemainingAmount) {
		return generic.ServiceLedger{}, errors.Wrapf(generic.ErrInvariantViolation,
			"ledger %d owes %s, cannot take %s", code, l.RemainingAmount, amount)
	}
	l.RemainingAmount = l.RemainingAmount.Sub(amount)
	s.ledgers[code] = l
	return l, nil
}

func (s *memoryState) CreateSession(_ context.Context, rec generic.SessionRecord) error {
	if _, ok := s.sessions[rec.ID]; ok {
		return errors.Wrapf(generic.ErrConflictDuplicate, "session %s", rec.ID)
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *memoryState) GetSession(_ context.Context, id generic.SessionID) (generic.SessionRecord, error) {
	rec, ok := s.sessions[id]
	if !ok {
		return generic.SessionRecord{}, errors.Wrapf(generic.ErrNotFound, "session %s", id)
	}
	return rec, nil
}

func (s *memoryState) DeleteSession(_ context.Context, id generic.SessionID) error {
	if _, ok := s.sessions[id]; !ok {
		return errors.Wrapf(generic.ErrNotFound, "session %s", id)
	}
	delete(s.sessions, id)
	return nil
}

func (s *memoryState) ListSessions(_ context.Context, code generic.LedgerCode) ([]generic.SessionRecord, error) {
	var result []generic.SessionRecord
	for _, rec := range s.sessions {
		if rec.LedgerCode == code {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.SessionDate.Equal(b.SessionDate) {
			return a.SessionDate.After(b.SessionDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return result, nil
}

func (s *memoryState) CreateReceipt(_ context.Context, r generic.Receipt) error {
	if _, ok := s.receiptNumbers[r.Number]; ok {
		return errors.Wrapf(generic.ErrConflictDuplicate, "receipt number %d", r.Number)
	}
	if _, ok := s.receipts[r.ID]; ok {
		return errors.Wrapf(generic.ErrConflictDuplicate, "receipt %s", r.ID)
	}
	s.receipts[r.ID] = r
	s.receiptNumbers[r.Number] = r.ID
	return nil
}

func (s *memoryState) GetReceipt(_ context.Context, id generic.ReceiptID) (generic.Receipt, error) {
	r, ok := s.receipts[id]
	if !ok {
		return generic.Receipt{}, errors.Wrapf(generic.ErrNotFound, "receipt %s", id)
	}
	return r, nil
}

func (s *memoryState) ListReceipts(_ context.Context, f generic.ReceiptFilter) ([]generic.Receipt, error) {
	var result []generic.Receipt
	for _, r := range s.receipts {
		if f.Cancelled != nil && r.IsCancelled != *f.Cancelled {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number > result[j].Number })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *memoryState) MarkReceiptCancelled(_ context.Context, id generic.ReceiptID, c generic.Cancellation) error {
	r, ok := s.receipts[id]
	if !ok {
		return errors.Wrapf(generic.ErrNotFound, "receipt %s", id)
	}
	if r.IsCancelled {
		return errors.Wrapf(generic.ErrAlreadyCancelled, "receipt %d", r.Number)
	}
	at := c.At
	r.IsCancelled = true
	r.CancelledAt = &at
	r.CancelledBy = c.By
	r.CancelReason = c.Reason
	s.receipts[id] = r
	return nil
}

func (s *memoryState) CreateExpense(_ context.Context, e generic.Expense) error {
	s.expenses = append(s.expenses, e)
	return nil
}

func (s *memoryState) ListExpenses(_ context.Context, from, to time.Time) ([]generic.Expense, error) {
	var result []generic.Expense
	for _, e := range s.expenses {
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (s *memoryState) CreateMember(_ context.Context, mem generic.Member) error {
	if mem.Number != nil {
		if _, ok := s.memberNumbers[*mem.Number]; ok {
			return errors.Wrapf(generic.ErrConflictDuplicate, "member number %d", *mem.Number)
		}
	}
	if _, ok := s.members[mem.ID]; ok {
		return errors.Wrapf(generic.ErrConflictDuplicate, "member %s", mem.ID)
	}
	s.members[mem.ID] = mem
	if mem.Number != nil {
		s.memberNumbers[*mem.Number] = mem.ID
	}
	return nil
}

func (s *memoryState) GetMember(_ context.Context, id generic.MemberID) (generic.Member, error) {
	mem, ok := s.members[id]
	if !ok {
		return generic.Member{}, errors.Wrapf(generic.ErrNotFound, "member %s", id)
	}
	return mem, nil
}
