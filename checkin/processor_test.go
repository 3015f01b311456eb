package checkin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/gym-ledger/checkin"
	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/generic/store"
	"github.com/warp/gym-ledger/ledger"
	"github.com/warp/gym-ledger/receipt"
	"github.com/warp/gym-ledger/sequence"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	coachA = generic.Actor{StaffID: "coach-a", Role: generic.RoleCoach, Name: "Coach A"}
	coachB = generic.Actor{StaffID: "coach-b", Role: generic.RoleCoach, Name: "Coach B"}
	admin  = generic.Actor{StaffID: "admin-1", Role: generic.RoleAdmin, Name: "Ada Admin"}
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []generic.AuditEntry
}

func (r *recordingAudit) Record(e generic.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAudit) last() generic.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

func (r *recordingAudit) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func newTestProcessor(t *testing.T, s generic.TxStore) (*checkin.Processor, *ledger.Service, *recordingAudit) {
	t.Helper()
	svc := ledger.NewService(receipt.NewIssuer(sequence.New(s)), nil)
	audit := &recordingAudit{}
	p := checkin.NewProcessor(svc)
	p.Audit = audit
	return p, svc, audit
}

func seedLedger1042(t *testing.T, mem *store.Memory, remaining int) {
	t.Helper()
	require.NoError(t, mem.CreateLedger(context.Background(), generic.ServiceLedger{
		Code:              1042,
		Kind:              generic.ServicePT,
		ClientName:        "Jordan Client",
		OwnerStaffID:      coachA.StaffID,
		OwnerName:         coachA.Name,
		SessionsPurchased: 10,
		SessionsRemaining: remaining,
		PricePerSession:   decimal.NewFromInt(150),
		CreatedAt:         time.Now(),
	}))
}

func sessionsOf(t *testing.T, mem *store.Memory) []generic.SessionRecord {
	t.Helper()
	recs, err := mem.ListSessions(context.Background(), 1042)
	require.NoError(t, err)
	return recs
}

// staleStore serves ledger reads with one session left regardless of the
// stored value, as a read that lost a race would.
type staleStore struct {
	*store.Memory
}

func (s staleStore) GetLedger(ctx context.Context, code generic.LedgerCode) (generic.ServiceLedger, error) {
	l, err := s.Memory.GetLedger(ctx, code)
	if err != nil {
		return l, err
	}
	l.SessionsRemaining = 1
	return l, nil
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

func TestTransitions(t *testing.T) {
	assert.True(t, checkin.CanTransition(checkin.StateScanned, checkin.StateResolved))
	assert.True(t, checkin.CanTransition(checkin.StateScanned, checkin.StateNotFound))
	assert.True(t, checkin.CanTransition(checkin.StateScanned, checkin.StateInvalid))
	assert.True(t, checkin.CanTransition(checkin.StateResolved, checkin.StateForbidden))
	assert.True(t, checkin.CanTransition(checkin.StateAuthorized, checkin.StateInsufficient))
	assert.True(t, checkin.CanTransition(checkin.StateAvailable, checkin.StateCommitted))
	assert.True(t, checkin.CanTransition(checkin.StateAvailable, checkin.StateInsufficient))

	assert.False(t, checkin.CanTransition(checkin.StateScanned, checkin.StateCommitted))
	assert.False(t, checkin.CanTransition(checkin.StateResolved, checkin.StateAvailable))
	assert.False(t, checkin.CanTransition(checkin.StateCommitted, checkin.StateScanned))
	assert.False(t, checkin.CanTransition(checkin.StateNotFound, checkin.StateResolved))

	for _, s := range []checkin.State{checkin.StateCommitted, checkin.StateInvalid, checkin.StateNotFound, checkin.StateForbidden, checkin.StateInsufficient} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, checkin.StateAvailable.Terminal())
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestCheckIn_OwnerCommits(t *testing.T) {
	// GIVEN: Ledger 1042, 10 purchased, 3 remaining, owned by coach A
	// WHEN: Coach A scans 1042
	// THEN: sessionsRemaining=2 and one attended session record exists

	ctx := context.Background()
	mem := store.NewMemory()
	seedLedger1042(t, mem, 3)
	p, _, audit := newTestProcessor(t, mem)

	res, err := p.Process(ctx, checkin.Request{Code: "1042"}, coachA)
	require.NoError(t, err)

	assert.Equal(t, checkin.StateCommitted, res.State)
	assert.Equal(t, []checkin.State{
		checkin.StateScanned, checkin.StateResolved, checkin.StateAuthorized,
		checkin.StateAvailable, checkin.StateCommitted,
	}, res.Trail)
	assert.Equal(t, 2, res.SessionsRemaining)
	assert.True(t, res.Session.Attended)
	assert.Equal(t, "Coach A", res.Session.AttendedBy)

	recs := sessionsOf(t, mem)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Attended)

	require.Equal(t, 1, audit.count())
	assert.Equal(t, generic.AuditCheckIn, audit.last().Action)
	assert.Equal(t, "committed", audit.last().Outcome)
}

func TestCheckIn_NoSessionsLeft(t *testing.T) {
	// GIVEN: Ledger 1042 with 0 remaining
	// THEN: InsufficientSessions (400), no record, remaining still 0

	ctx := context.Background()
	mem := store.NewMemory()
	seedLedger1042(t, mem, 0)
	p, _, audit := newTestProcessor(t, mem)

	res, err := p.Process(ctx, checkin.Request{Code: "1042"}, coachA)
	require.Error(t, err)

	assert.Equal(t, checkin.StateInsufficient, res.State)
	assert.Equal(t, generic.KindInsufficientSessions, generic.KindOf(err))
	assert.Equal(t, 400, generic.HTTPStatus(err))
	assert.Empty(t, sessionsOf(t, mem))

	l, err := mem.GetLedger(ctx, 1042)
	require.NoError(t, err)
	assert.Equal(t, 0, l.SessionsRemaining)

	assert.Equal(t, "insufficient", audit.last().Outcome)
}

func TestCheckIn_OtherCoachForbidden_AdminSucceeds(t *testing.T) {
	// GIVEN: Ledger 1042 owned by coach A
	// WHEN: Coach B scans it
	// THEN: Forbidden (403); an administrator with the same request succeeds

	ctx := context.Background()
	mem := store.NewMemory()
	seedLedger1042(t, mem, 3)
	p, _, _ := newTestProcessor(t, mem)

	res, err := p.Process(ctx, checkin.Request{Code: "1042"}, coachB)
	require.Error(t, err)
	assert.Equal(t, checkin.StateForbidden, res.State)
	assert.Equal(t, 403, generic.HTTPStatus(err))
	assert.Empty(t, sessionsOf(t, mem))

	res, err = p.Process(ctx, checkin.Request{Code: "1042"}, admin)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SessionsRemaining)
	assert.Equal(t, "Ada Admin", res.Session.AttendedBy)
}

func TestCheckIn_ThenReverse_RestoresBalance(t *testing.T) {
	// GIVEN: The session created by a committed check-in on 1042
	// WHEN: It is reversed
	// THEN: Remaining returns to 3

	ctx := context.Background()
	mem := store.NewMemory()
	seedLedger1042(t, mem, 3)
	p, svc, _ := newTestProcessor(t, mem)

	res, err := p.Process(ctx, checkin.Request{Code: "1042"}, coachA)
	require.NoError(t, err)
	require.Equal(t, 2, res.SessionsRemaining)

	rev, err := svc.ReverseSession(ctx, res.Session.ID, coachA)
	require.NoError(t, err)
	assert.Equal(t, 3, rev.Remaining)
}

func TestCheckIn_UnknownBarcode(t *testing.T) {
	ctx := context.Background()
	p, _, audit := newTestProcessor(t, store.NewMemory())

	for _, code := range []string{"5555", "abc"} {
		res, err := p.Process(ctx, checkin.Request{Code: code}, coachA)
		require.Error(t, err, code)
		assert.Equal(t, checkin.StateNotFound, res.State, code)
		assert.Equal(t, generic.KindNotFound, generic.KindOf(err), code)
	}
	assert.Equal(t, 2, audit.count())
	assert.Nil(t, audit.last().LedgerCode)
}

func TestCheckIn_EmptyScanIsInvalid(t *testing.T) {
	// GIVEN: A scan with no code
	// WHEN: It is processed
	// THEN: The machine ends in Invalid and the error kind agrees

	ctx := context.Background()
	p, _, audit := newTestProcessor(t, store.NewMemory())

	res, err := p.Process(ctx, checkin.Request{Code: "   "}, coachA)

	require.Error(t, err)
	assert.Equal(t, checkin.StateInvalid, res.State)
	assert.Equal(t, []checkin.State{checkin.StateScanned, checkin.StateInvalid}, res.Trail)
	assert.Equal(t, generic.KindValidation, generic.KindOf(err))
	assert.Equal(t, 1, audit.count())
	assert.Equal(t, string(checkin.StateInvalid), audit.last().Outcome)
}

func TestCheckIn_NoActor(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedLedger1042(t, mem, 3)
	p, _, _ := newTestProcessor(t, mem)

	_, err := p.Process(ctx, checkin.Request{Code: "1042"}, generic.Actor{})
	assert.True(t, errors.Is(err, generic.ErrUnauthorized))
	assert.Equal(t, 401, generic.HTTPStatus(err))
	assert.Empty(t, sessionsOf(t, mem))
}

func TestCheckIn_LostRace_ExitsInsufficient(t *testing.T) {
	// GIVEN: The ledger read shows one session, but the stored value is 0
	// THEN: The guarded decrement fails and the scan exits Insufficient from Available

	ctx := context.Background()
	mem := store.NewMemory()
	seedLedger1042(t, mem, 0)
	p, _, _ := newTestProcessor(t, staleStore{Memory: mem})

	res, err := p.Process(ctx, checkin.Request{Code: "1042"}, coachA)
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrInsufficientSessions))
	assert.Equal(t, checkin.StateInsufficient, res.State)
	assert.Equal(t, checkin.StateAvailable, res.Trail[len(res.Trail)-2])
	assert.Empty(t, sessionsOf(t, mem))
}
