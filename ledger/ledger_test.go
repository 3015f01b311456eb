package ledger_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	coachA    = generic.Actor{StaffID: "coach-a", Role: generic.RoleCoach, Name: "Coach A"}
	coachB    = generic.Actor{StaffID: "coach-b", Role: generic.RoleCoach, Name: "Coach B"}
	admin     = generic.Actor{StaffID: "admin-1", Role: generic.RoleAdmin, Name: "Ada Admin"}
	reception = generic.Actor{StaffID: "rec-1", Role: generic.RoleReception, Name: "Rami Reception"}
	fixedNow  = time.Date(2025, time.March, 10, 18, 0, 0, 0, time.UTC)
)

func newTestService(t *testing.T) (*ledger.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	iss := receipt.NewIssuer(sequence.New(mem, sequence.WithRetryDelay(0)))
	iss.Now = func() time.Time { return fixedNow }
	svc := ledger.NewService(iss, nil)
	svc.Now = func() time.Time { return fixedNow }
	return svc, mem
}

func seedLedger(t *testing.T, mem *store.Memory, code generic.LedgerCode, purchased, remaining int) generic.ServiceLedger {
	t.Helper()
	l := generic.ServiceLedger{
		Code:              code,
		Kind:              generic.ServicePT,
		ClientName:        "Jordan Client",
		Phone:             "0500000000",
		OwnerStaffID:      coachA.StaffID,
		OwnerName:         coachA.Name,
		SessionsPurchased: purchased,
		SessionsRemaining: remaining,
		PricePerSession:   decimal.NewFromInt(150),
		CreatedAt:         fixedNow,
	}
	require.NoError(t, mem.CreateLedger(context.Background(), l))
	return l
}

func remainingOf(t *testing.T, mem *store.Memory, code generic.LedgerCode) int {
	t.Helper()
	l, err := mem.GetLedger(context.Background(), code)
	require.NoError(t, err)
	return l.SessionsRemaining
}

func sessionCount(t *testing.T, mem *store.Memory, code generic.LedgerCode) int {
	t.Helper()
	recs, err := mem.ListSessions(context.Background(), code)
	require.NoError(t, err)
	return len(recs)
}

// =============================================================================
// LOOKUP
// =============================================================================

func TestLookupByCode(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	seedLedger(t, mem, 1042, 10, 3)

	l, err := svc.LookupByCode(ctx, "  1042 ")
	require.NoError(t, err)
	assert.Equal(t, generic.LedgerCode(1042), l.Code)

	_, err = svc.LookupByCode(ctx, "")
	assert.True(t, errors.Is(err, generic.ErrValidation))

	_, err = svc.LookupByCode(ctx, "not-a-code")
	assert.True(t, generic.IsNotFound(err))

	_, err = svc.LookupByCode(ctx, "9999")
	assert.True(t, generic.IsNotFound(err))
	assert.Equal(t, "No subscription matches this barcode", generic.Message(err))
}

// =============================================================================
// AUTHORIZATION AND AVAILABILITY
// =============================================================================

func TestAuthorize_OwnershipAndRoles(t *testing.T) {
	svc, mem := newTestService(t)
	l := seedLedger(t, mem, 1042, 10, 3)

	assert.NoError(t, svc.Authorize(l, coachA, generic.ActionCheckIn))
	assert.NoError(t, svc.Authorize(l, admin, generic.ActionCheckIn))

	err := svc.Authorize(l, coachB, generic.ActionCheckIn)
	assert.True(t, errors.Is(err, generic.ErrForbidden))
	var fe *generic.ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, generic.StaffID("coach-b"), fe.StaffID)

	err = svc.Authorize(l, reception, generic.ActionCheckIn)
	assert.True(t, errors.Is(err, generic.ErrForbidden))
	assert.NoError(t, svc.Authorize(l, reception, generic.ActionViewLedger))

	err = svc.Authorize(l, generic.Actor{}, generic.ActionCheckIn)
	assert.True(t, errors.Is(err, generic.ErrUnauthorized))
}

func TestCheckAvailable(t *testing.T) {
	svc, mem := newTestService(t)

	assert.NoError(t, svc.CheckAvailable(seedLedger(t, mem, 1, 10, 1)))

	err := svc.CheckAvailable(seedLedger(t, mem, 2, 10, 0))
	assert.True(t, errors.Is(err, generic.ErrInsufficientSessions))
	assert.Equal(t, generic.KindInsufficientSessions, generic.KindOf(err))
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestRecordAttendance_DecrementsAndRecords(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	l := seedLedger(t, mem, 1042, 10, 3)

	att, err := svc.RecordAttendance(ctx, l, coachA, "leg day")
	require.NoError(t, err)

	assert.Equal(t, 2, att.Remaining)
	assert.True(t, att.Session.Attended)
	assert.Equal(t, "Coach A", att.Session.AttendedBy)
	require.NotNil(t, att.Session.AttendedAt)
	assert.Equal(t, fixedNow, *att.Session.AttendedAt)
	assert.Equal(t, 2, remainingOf(t, mem, 1042))
	assert.Equal(t, 1, sessionCount(t, mem, 1042))
}

func TestRecordAttendance_NoneLeft_NothingChanges(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	l := seedLedger(t, mem, 1042, 10, 0)

	_, err := svc.RecordAttendance(ctx, l, coachA, "")
	assert.True(t, errors.Is(err, generic.ErrInsufficientSessions))
	assert.Equal(t, 0, remainingOf(t, mem, 1042))
	assert.Equal(t, 0, sessionCount(t, mem, 1042))
}

func TestRecordAttendance_ConcurrentScans_NeverOverdraw(t *testing.T) {
	// GIVEN: A ledger with 5 sessions left
	// WHEN: 20 scans of the same card race
	// THEN: Exactly 5 succeed, remaining ends at 0, 5 records exist

	ctx := context.Background()
	svc, mem := newTestService(t)
	l := seedLedger(t, mem, 1042, 10, 5)

	var (
		ok           int32
		insufficient int32
		wg           conc.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			_, err := svc.RecordAttendance(ctx, l, coachA, "")
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, generic.ErrInsufficientSessions):
				atomic.AddInt32(&insufficient, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok)
	assert.Equal(t, int32(15), insufficient)
	assert.Equal(t, 0, remainingOf(t, mem, 1042))
	assert.Equal(t, 5, sessionCount(t, mem, 1042))
}

func TestScheduleUnattended(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	l := seedLedger(t, mem, 1042, 10, 3)
	date := fixedNow.Add(48 * time.Hour)

	att, err := svc.ScheduleUnattended(ctx, l, coachA, date, "booked by phone")
	require.NoError(t, err)
	assert.False(t, att.Session.Attended)
	assert.Nil(t, att.Session.AttendedAt)
	assert.Equal(t, date, att.Session.SessionDate)
	assert.Equal(t, 2, att.Remaining)

	_, err = svc.ScheduleUnattended(ctx, l, coachB, date, "")
	assert.True(t, errors.Is(err, generic.ErrForbidden))
	assert.Equal(t, 2, remainingOf(t, mem, 1042))
}

func TestReverseSession_RoundTrip(t *testing.T) {
	// GIVEN: Ledger 1042 with 3 remaining
	// WHEN: A session is recorded and then reversed
	// THEN: Remaining is back to 3; a second reversal is NotFound

	ctx := context.Background()
	svc, mem := newTestService(t)
	l := seedLedger(t, mem, 1042, 10, 3)

	att, err := svc.RecordAttendance(ctx, l, coachA, "")
	require.NoError(t, err)
	require.Equal(t, 2, remainingOf(t, mem, 1042))

	rev, err := svc.ReverseSession(ctx, att.Session.ID, coachA)
	require.NoError(t, err)
	assert.Equal(t, 3, rev.Remaining)
	assert.Equal(t, 3, remainingOf(t, mem, 1042))
	assert.Equal(t, 0, sessionCount(t, mem, 1042))

	_, err = svc.ReverseSession(ctx, att.Session.ID, coachA)
	assert.True(t, generic.IsNotFound(err))
	assert.Equal(t, 3, remainingOf(t, mem, 1042))
}

func TestReverseSession_OtherCoachForbidden(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	l := seedLedger(t, mem, 1042, 10, 3)

	att, err := svc.RecordAttendance(ctx, l, coachA, "")
	require.NoError(t, err)

	_, err = svc.ReverseSession(ctx, att.Session.ID, coachB)
	assert.True(t, errors.Is(err, generic.ErrForbidden))
	assert.Equal(t, 2, remainingOf(t, mem, 1042))
	assert.Equal(t, 1, sessionCount(t, mem, 1042))
}

func TestReverseSession_WouldExceedPurchased_RolledBack(t *testing.T) {
	// GIVEN: A stray session record on a full ledger
	// THEN: Reversal fails with InvariantViolation and the record survives

	ctx := context.Background()
	svc, mem := newTestService(t)
	seedLedger(t, mem, 1042, 10, 10)
	require.NoError(t, mem.CreateSession(ctx, generic.SessionRecord{ID: "stray", LedgerCode: 1042, SessionDate: fixedNow}))

	_, err := svc.ReverseSession(ctx, "stray", admin)
	assert.True(t, errors.Is(err, generic.ErrInvariantViolation))
	assert.Equal(t, 10, remainingOf(t, mem, 1042))
	assert.Equal(t, 1, sessionCount(t, mem, 1042))
}

// =============================================================================
// INVARIANT
// =============================================================================

func TestInvariant_HoldsUnderRandomOperations(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	l := seedLedger(t, mem, 1042, 6, 6)

	rng := rand.New(rand.NewSource(42))
	var live []generic.SessionID
	for i := 0; i < 300; i++ {
		if rng.Intn(2) == 0 || len(live) == 0 {
			att, err := svc.RecordAttendance(ctx, l, coachA, "")
			if err == nil {
				live = append(live, att.Session.ID)
			} else {
				require.True(t, errors.Is(err, generic.ErrInsufficientSessions))
			}
		} else {
			idx := rng.Intn(len(live))
			_, err := svc.ReverseSession(ctx, live[idx], coachA)
			require.NoError(t, err)
			live = append(live[:idx], live[idx+1:]...)
		}

		cur, err := mem.GetLedger(ctx, 1042)
		require.NoError(t, err)
		require.True(t, cur.Valid(), "invariant broken at step %d: %+v", i, cur)
		require.Equal(t, cur.SessionsPurchased-len(live), cur.SessionsRemaining)
	}
}

// =============================================================================
// PURCHASE AND RENEWAL
// =============================================================================

func ptPurchase(code generic.LedgerCode) ledger.PurchaseRequest {
	start := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	expiry := start.AddDate(0, 3, 0)
	return ledger.PurchaseRequest{
		Code:            code,
		Kind:            "PT",
		ClientName:      "Jordan Client",
		OwnerStaffID:    coachA.StaffID,
		OwnerName:       coachA.Name,
		Sessions:        10,
		PricePerSession: decimal.NewFromInt(150),
		PaymentMethod:   generic.PaymentCard,
		StartDate:       &start,
		ExpiryDate:      &expiry,
	}
}

func TestPurchase_CreatesLedgerAndReceipt(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)

	sale, err := svc.Purchase(ctx, ptPurchase(2001), reception)
	require.NoError(t, err)

	assert.Equal(t, generic.ServicePT, sale.Ledger.Kind)
	assert.Equal(t, 10, sale.Ledger.SessionsPurchased)
	assert.Equal(t, 10, sale.Ledger.SessionsRemaining)
	assert.Equal(t, int64(1000), sale.Receipt.Number)
	assert.Equal(t, generic.ReceiptServicePurchase, sale.Receipt.Type)
	assert.True(t, sale.Receipt.Amount.Equal(decimal.NewFromInt(1500)))
	require.NotNil(t, sale.Receipt.LedgerCode)
	assert.Equal(t, generic.LedgerCode(2001), *sale.Receipt.LedgerCode)

	var details map[string]any
	require.NoError(t, json.Unmarshal(sale.Receipt.ItemDetails, &details))
	assert.Equal(t, "PT subscription", details["label"])
	assert.Equal(t, "2025-06-01", details["expiryDate"])

	assert.Equal(t, 10, remainingOf(t, mem, 2001))
}

func TestPurchase_DuplicateCode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Purchase(ctx, ptPurchase(2001), reception)
	require.NoError(t, err)

	_, err = svc.Purchase(ctx, ptPurchase(2001), reception)
	assert.True(t, errors.Is(err, generic.ErrAlreadyExists))

	// The failed sale consumed no receipt number.
	next, err := svc.Receipts.PeekNextNumber(ctx, reception)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), next)
}

func TestPurchase_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	req := ptPurchase(2001)
	before := req.StartDate.AddDate(0, 0, -1)
	req.ExpiryDate = &before
	_, err := svc.Purchase(ctx, req, reception)
	assert.True(t, errors.Is(err, generic.ErrValidation))

	req = ptPurchase(2001)
	req.Kind = "yoga"
	_, err = svc.Purchase(ctx, req, reception)
	assert.True(t, errors.Is(err, generic.ErrValidation))

	req = ptPurchase(2001)
	req.Sessions = 0
	_, err = svc.Purchase(ctx, req, reception)
	assert.True(t, errors.Is(err, generic.ErrValidation))

	_, err = svc.Purchase(ctx, ptPurchase(2001), coachA)
	assert.True(t, errors.Is(err, generic.ErrForbidden))
}

func TestRenew_AddsToBothCounters(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	seedLedger(t, mem, 1042, 10, 3)

	sale, err := svc.Renew(ctx, "1042", ledger.RenewRequest{Sessions: 5, PaymentMethod: generic.PaymentCash}, reception)
	require.NoError(t, err)

	assert.Equal(t, 15, sale.Ledger.SessionsPurchased)
	assert.Equal(t, 8, sale.Ledger.SessionsRemaining)
	assert.Equal(t, generic.ReceiptServiceRenewal, sale.Receipt.Type)
	assert.True(t, sale.Receipt.Amount.Equal(decimal.NewFromInt(750)))

	var details map[string]any
	require.NoError(t, json.Unmarshal(sale.Receipt.ItemDetails, &details))
	assert.Equal(t, float64(3), details["previousRemaining"])
	assert.Equal(t, float64(8), details["newRemaining"])

	_, err = svc.Renew(ctx, "7777", ledger.RenewRequest{Sessions: 5, PaymentMethod: generic.PaymentCash}, reception)
	assert.True(t, generic.IsNotFound(err))
}

func TestPurchase_WithRemainingAmount(t *testing.T) {
	// GIVEN: A 1500 block where the client pays 1000 now
	// WHEN: Purchasing it
	// THEN: The receipt covers 1000 and the ledger owes 500

	ctx := context.Background()
	svc, mem := newTestService(t)
	req := ptPurchase(2001)
	req.RemainingAmount = decimal.NewFromInt(500)

	sale, err := svc.Purchase(ctx, req, reception)
	require.NoError(t, err)
	assert.True(t, sale.Receipt.Amount.Equal(decimal.NewFromInt(1000)), sale.Receipt.Amount.String())
	assert.True(t, sale.Ledger.RemainingAmount.Equal(decimal.NewFromInt(500)))

	stored, err := mem.GetLedger(ctx, 2001)
	require.NoError(t, err)
	assert.True(t, stored.RemainingAmount.Equal(decimal.NewFromInt(500)))

	req = ptPurchase(2002)
	req.RemainingAmount = decimal.NewFromInt(1501)
	_, err = svc.Purchase(ctx, req, reception)
	assert.True(t, errors.Is(err, generic.ErrValidation))
}

func TestPayRemaining_LowersAmountAndIssuesReceipt(t *testing.T) {
	// GIVEN: A ledger that still owes 500
	// WHEN: Reception takes 200 and then the last 300
	// THEN: Each payment gets its own receipt and the balance reaches 0

	ctx := context.Background()
	svc, mem := newTestService(t)
	req := ptPurchase(2001)
	req.RemainingAmount = decimal.NewFromInt(500)
	_, err := svc.Purchase(ctx, req, reception)
	require.NoError(t, err)

	sale, err := svc.PayRemaining(ctx, "2001", ledger.PaymentRequest{
		Amount:        decimal.NewFromInt(200),
		PaymentMethod: generic.PaymentCash,
	}, reception)
	require.NoError(t, err)

	assert.Equal(t, generic.ReceiptRemainingPayment, sale.Receipt.Type)
	assert.Equal(t, int64(1001), sale.Receipt.Number)
	assert.True(t, sale.Receipt.Amount.Equal(decimal.NewFromInt(200)))
	assert.True(t, sale.Ledger.RemainingAmount.Equal(decimal.NewFromInt(300)))
	require.NotNil(t, sale.Receipt.LedgerCode)
	assert.Equal(t, generic.LedgerCode(2001), *sale.Receipt.LedgerCode)

	var details map[string]any
	require.NoError(t, json.Unmarshal(sale.Receipt.ItemDetails, &details))
	assert.Equal(t, "Personal Training remaining payment", details["label"])
	assert.Equal(t, "500", details["previousRemaining"])
	assert.Equal(t, "300", details["newRemaining"])

	sale, err = svc.PayRemaining(ctx, "2001", ledger.PaymentRequest{
		Amount:        decimal.NewFromInt(300),
		PaymentMethod: generic.PaymentCard,
	}, admin)
	require.NoError(t, err)
	assert.True(t, sale.Ledger.RemainingAmount.IsZero())

	stored, err := mem.GetLedger(ctx, 2001)
	require.NoError(t, err)
	assert.True(t, stored.RemainingAmount.IsZero())
	assert.Equal(t, 10, stored.SessionsRemaining)
}

func TestPayRemaining_RejectsOverpayment(t *testing.T) {
	// GIVEN: A ledger that still owes 500
	// WHEN: Paying 500.01
	// THEN: Validation fails, the balance is unchanged and no receipt number is used

	ctx := context.Background()
	svc, mem := newTestService(t)
	req := ptPurchase(2001)
	req.RemainingAmount = decimal.NewFromInt(500)
	_, err := svc.Purchase(ctx, req, reception)
	require.NoError(t, err)

	_, err = svc.PayRemaining(ctx, "2001", ledger.PaymentRequest{
		Amount:        decimal.RequireFromString("500.01"),
		PaymentMethod: generic.PaymentCash,
	}, reception)
	assert.True(t, errors.Is(err, generic.ErrValidation), err)

	stored, err := mem.GetLedger(ctx, 2001)
	require.NoError(t, err)
	assert.True(t, stored.RemainingAmount.Equal(decimal.NewFromInt(500)))

	receipts, err := mem.ListReceipts(ctx, generic.ReceiptFilter{})
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
	next, err := svc.Receipts.PeekNextNumber(ctx, reception)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), next)
}

func TestPayRemaining_Validation(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	seedLedger(t, mem, 1042, 10, 3)
	pay := func(code string, amount string, m generic.PaymentMethod, actor generic.Actor) error {
		_, err := svc.PayRemaining(ctx, code, ledger.PaymentRequest{
			Amount:        decimal.RequireFromString(amount),
			PaymentMethod: m,
		}, actor)
		return err
	}

	assert.True(t, errors.Is(pay("1042", "0", generic.PaymentCash, reception), generic.ErrValidation))
	assert.True(t, errors.Is(pay("1042", "-5", generic.PaymentCash, reception), generic.ErrValidation))
	assert.True(t, errors.Is(pay("1042", "1.005", generic.PaymentCash, reception), generic.ErrValidation))
	assert.True(t, errors.Is(pay("1042", "10", "cheque", reception), generic.ErrValidation))
	assert.True(t, generic.IsNotFound(pay("7777", "10", generic.PaymentCash, reception)))
	assert.True(t, errors.Is(pay("1042", "10", generic.PaymentCash, coachA), generic.ErrForbidden))
	// Nothing is owed on a ledger seeded without a remaining amount.
	assert.True(t, errors.Is(pay("1042", "10", generic.PaymentCash, reception), generic.ErrValidation))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestList_PractitionersSeeOnlyTheirOwn(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	seedLedger(t, mem, 1, 10, 3)
	other := generic.ServiceLedger{
		Code: 2, Kind: generic.ServicePhysio, ClientName: "Sam",
		OwnerStaffID: "physio-1", SessionsPurchased: 4, SessionsRemaining: 4,
	}
	require.NoError(t, mem.CreateLedger(ctx, other))

	mine, err := svc.List(ctx, generic.LedgerFilter{}, coachA)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, generic.LedgerCode(1), mine[0].Code)

	all, err := svc.List(ctx, generic.LedgerFilter{}, reception)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	physio, err := svc.List(ctx, generic.LedgerFilter{Kind: generic.ServicePhysio}, admin)
	require.NoError(t, err)
	require.Len(t, physio, 1)
	assert.Equal(t, generic.LedgerCode(2), physio[0].Code)
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	seedLedger(t, mem, 1042, 10, 0)

	p, err := svc.Preview(ctx, "1042", coachA)
	require.NoError(t, err)
	assert.False(t, p.CanCheckIn)
	assert.Equal(t, "Personal Training", p.Service.DisplayName)

	_, err = svc.Preview(ctx, "1042", coachB)
	assert.True(t, errors.Is(err, generic.ErrForbidden))
}

func TestSessions_NewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)
	l := seedLedger(t, mem, 1042, 10, 5)

	_, err := svc.ScheduleUnattended(ctx, l, coachA, fixedNow.Add(24*time.Hour), "")
	require.NoError(t, err)
	_, err = svc.ScheduleUnattended(ctx, l, coachA, fixedNow.Add(72*time.Hour), "")
	require.NoError(t, err)

	recs, err := svc.Sessions(ctx, "1042", coachA)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].SessionDate.After(recs[1].SessionDate))
}
