/*
ledger.go - One session ledger for every service kind

PURPOSE:
  A ServiceLedger is a purchased block of sessions (personal training,
  physiotherapy, nutrition or a group class) identified by the code printed
  on the client's barcode. This file owns the session-count invariant

    0 <= SessionsRemaining <= SessionsPurchased

  for all four kinds. The kinds differ only in display metadata, which comes
  from the generic.Catalog.

OPERATIONS:
  LookupByCode       barcode text -> ledger
  Authorize          role + ownership check for an action on a ledger
  CheckAvailable     fails InsufficientSessions when nothing is left
  RecordAttendance   decrement + attended session record, one transaction
  ScheduleUnattended decrement + pre-booked session record, one transaction
  ReverseSession     delete record + increment, one transaction
  Purchase / Renew   create or top up a ledger together with its receipt
  PayRemaining       settle part of the unpaid price, with a payment receipt

CONCURRENCY:
  Remaining sessions are never read, computed and written back. The store's
  DecrementRemaining / IncrementRemaining are single guarded UPDATEs; their
  affected-row count decides success. Two coaches scanning the same card at
  the same moment with one session left get one success and one
  InsufficientSessions.

SEE ALSO:
  - checkin/processor.go: the barcode state machine built on this service
  - receipt/issuer.go: purchase and renewal receipts
*/
package ledger

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/logger"
	"github.com/warp/gym-ledger/metrics"
	"github.com/warp/gym-ledger/receipt"
	"github.com/warp/gym-ledger/sequence"
)

// Attendance is the outcome of a committed session.
type Attendance struct {
	Session   generic.SessionRecord
	Remaining int
}

// Service is the ledger service shared by every service kind.
type Service struct {
	Alloc    *sequence.Allocator
	Receipts *receipt.Issuer
	Catalog  *generic.Catalog
	Audit    generic.AuditRecorder
	Log      *logger.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// NewService creates a ledger service. Receipts for purchases and renewals
// are issued through issuer, in the same transaction as the ledger change.
func NewService(issuer *receipt.Issuer, catalog *generic.Catalog) *Service {
	if catalog == nil {
		catalog = generic.DefaultCatalog()
	}
	return &Service{
		Alloc:    issuer.Alloc,
		Receipts: issuer,
		Catalog:  catalog,
		Audit:    generic.NopRecorder{},
		Log:      logger.NewNop(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) store() generic.TxStore {
	return s.Alloc.Store()
}

// =============================================================================
// LOOKUP AND CHECKS
// =============================================================================

// ParseCode turns scanned barcode text into a ledger code. Anything that is
// not a positive integer cannot match a ledger and yields NotFound.
func ParseCode(code string) (generic.LedgerCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, generic.Validationf("barcode is required")
	}
	n, err := strconv.ParseInt(code, 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.WithHint(
			errors.Wrapf(generic.ErrNotFound, "barcode %q", code),
			"No subscription matches this barcode")
	}
	return generic.LedgerCode(n), nil
}

// LookupByCode resolves scanned barcode text to its ledger.
func (s *Service) LookupByCode(ctx context.Context, code string) (generic.ServiceLedger, error) {
	c, err := ParseCode(code)
	if err != nil {
		return generic.ServiceLedger{}, err
	}
	l, err := s.store().GetLedger(ctx, c)
	if err != nil {
		if generic.IsNotFound(err) {
			return generic.ServiceLedger{}, errors.WithHint(err, "No subscription matches this barcode")
		}
		return generic.ServiceLedger{}, err
	}
	return l, nil
}

// Authorize checks that actor may perform action on l. Practitioners may
// only act on ledgers they own.
func (s *Service) Authorize(l generic.ServiceLedger, actor generic.Actor, action generic.Action) error {
	return generic.Authorize(actor, action, generic.Resource{OwnerStaffID: l.OwnerStaffID})
}

// CheckAvailable fails when l has no session left.
func (s *Service) CheckAvailable(l generic.ServiceLedger) error {
	if l.CanCheckIn() {
		return nil
	}
	return errors.WithHint(&generic.InsufficientSessionsError{
		Code:      l.Code,
		Remaining: l.SessionsRemaining,
		Purchased: l.SessionsPurchased,
	}, "No sessions remaining on this subscription")
}

// =============================================================================
// SESSIONS
// =============================================================================

// RecordAttendance takes one session from l and records it as attended by
// actor. The caller has already authorized actor.
func (s *Service) RecordAttendance(ctx context.Context, l generic.ServiceLedger, actor generic.Actor, notes string) (Attendance, error) {
	now := s.Now()
	return s.consume(ctx, l.Code, generic.SessionRecord{
		ID:          generic.SessionID(uuid.NewString()),
		LedgerCode:  l.Code,
		SessionDate: now,
		Attended:    true,
		AttendedBy:  actor.Name,
		AttendedAt:  &now,
		Notes:       notes,
		CreatedAt:   now,
	})
}

// ScheduleUnattended takes one session from l for a pre-booked date.
func (s *Service) ScheduleUnattended(ctx context.Context, l generic.ServiceLedger, actor generic.Actor, sessionDate time.Time, notes string) (Attendance, error) {
	if err := s.Authorize(l, actor, generic.ActionScheduleSession); err != nil {
		return Attendance{}, err
	}
	if err := s.CheckAvailable(l); err != nil {
		return Attendance{}, err
	}
	if sessionDate.IsZero() {
		return Attendance{}, generic.Validationf("session date is required")
	}

	att, err := s.consume(ctx, l.Code, generic.SessionRecord{
		ID:          generic.SessionID(uuid.NewString()),
		LedgerCode:  l.Code,
		SessionDate: sessionDate,
		Notes:       notes,
		CreatedAt:   s.Now(),
	})
	if err != nil {
		return Attendance{}, err
	}

	code := l.Code
	s.Audit.Record(generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  att.Session.CreatedAt,
		ActorID:    actor.StaffID,
		ActorName:  actor.Name,
		Action:     generic.AuditSessionScheduled,
		LedgerCode: &code,
		Outcome:    "scheduled",
		Payload: map[string]any{
			"sessionId":         att.Session.ID,
			"sessionDate":       sessionDate.Format(time.RFC3339),
			"sessionsRemaining": att.Remaining,
		},
	})
	return att, nil
}

func (s *Service) consume(ctx context.Context, code generic.LedgerCode, rec generic.SessionRecord) (Attendance, error) {
	var remaining int
	err := s.store().WithTx(ctx, func(tx generic.Store) error {
		n, err := tx.DecrementRemaining(ctx, code)
		if err != nil {
			return err
		}
		if err := tx.CreateSession(ctx, rec); err != nil {
			return errors.Wrap(err, "insert session record")
		}
		remaining = n
		return nil
	})
	if err != nil {
		if errors.Is(err, generic.ErrInsufficientSessions) {
			return Attendance{}, errors.WithHint(err, "No sessions remaining on this subscription")
		}
		return Attendance{}, err
	}
	return Attendance{Session: rec, Remaining: remaining}, nil
}

// ReverseSession deletes a session record and gives its unit back to the
// owning ledger. A session can be reversed once; the second call finds
// nothing and fails with NotFound.
func (s *Service) ReverseSession(ctx context.Context, id generic.SessionID, actor generic.Actor) (Attendance, error) {
	var out Attendance
	err := s.store().WithTx(ctx, func(tx generic.Store) error {
		rec, err := tx.GetSession(ctx, id)
		if err != nil {
			return errors.WithHint(err, "Session not found")
		}
		l, err := tx.GetLedger(ctx, rec.LedgerCode)
		if err != nil {
			return errors.WithHint(err, "The subscription of this session no longer exists")
		}
		if err := s.Authorize(l, actor, generic.ActionReverseSession); err != nil {
			return err
		}
		if err := tx.DeleteSession(ctx, id); err != nil {
			return err
		}
		n, err := tx.IncrementRemaining(ctx, rec.LedgerCode)
		if err != nil {
			return err
		}
		out = Attendance{Session: rec, Remaining: n}
		return nil
	})
	if err != nil {
		return Attendance{}, err
	}

	s.Metrics.SessionReversed()
	s.Log.Infow("session reversed",
		"session_id", id, "ledger_code", out.Session.LedgerCode,
		"sessions_remaining", out.Remaining, "staff_id", actor.StaffID)

	code := out.Session.LedgerCode
	s.Audit.Record(generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  s.Now(),
		ActorID:    actor.StaffID,
		ActorName:  actor.Name,
		Action:     generic.AuditSessionReversed,
		LedgerCode: &code,
		Outcome:    "reversed",
		Payload: map[string]any{
			"sessionId":         id,
			"attended":          out.Session.Attended,
			"sessionsRemaining": out.Remaining,
		},
	})
	return out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// List returns ledgers matching filter. Practitioners only see their own.
func (s *Service) List(ctx context.Context, filter generic.LedgerFilter, actor generic.Actor) ([]generic.ServiceLedger, error) {
	if err := generic.Authorize(actor, generic.ActionViewLedger, generic.Resource{}); err != nil {
		return nil, err
	}
	if generic.IsPractitioner(actor.Role) {
		filter.OwnerStaffID = actor.StaffID
	}
	return s.store().ListLedgers(ctx, filter)
}

// Get resolves a barcode and checks actor may view the ledger.
func (s *Service) Get(ctx context.Context, code string, actor generic.Actor) (generic.ServiceLedger, error) {
	l, err := s.LookupByCode(ctx, code)
	if err != nil {
		return generic.ServiceLedger{}, err
	}
	if err := s.Authorize(l, actor, generic.ActionViewLedger); err != nil {
		return generic.ServiceLedger{}, err
	}
	return l, nil
}

// Sessions returns the session history of a ledger, newest first.
func (s *Service) Sessions(ctx context.Context, code string, actor generic.Actor) ([]generic.SessionRecord, error) {
	l, err := s.Get(ctx, code, actor)
	if err != nil {
		return nil, err
	}
	return s.store().ListSessions(ctx, l.Code)
}

// Preview is what a scanner shows before the check-in is confirmed.
type Preview struct {
	Ledger     generic.ServiceLedger
	Service    generic.ServiceInfo
	CanCheckIn bool
}

// Preview validates a barcode for actor without consuming anything.
func (s *Service) Preview(ctx context.Context, code string, actor generic.Actor) (Preview, error) {
	l, err := s.LookupByCode(ctx, code)
	if err != nil {
		return Preview{}, err
	}
	if err := s.Authorize(l, actor, generic.ActionCheckIn); err != nil {
		return Preview{}, err
	}
	info, _ := s.Catalog.Lookup(l.Kind)
	return Preview{Ledger: l, Service: info, CanCheckIn: l.CanCheckIn()}, nil
}
