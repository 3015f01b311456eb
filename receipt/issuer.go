/*
issuer.go - Receipt issuance and compensating cancellation

PURPOSE:
  Issues numbered, immutable receipts and cancels them without deleting
  anything. A cancelled receipt keeps its number and amount; its financial
  effect is neutralized by an Expense of the same amount.

ISSUANCE:
  1. Allocate a receipt number (sequence.DomainReceiptNumber)
  2. Snapshot every business fact of the sale into ItemDetails (JSON),
     together with the receipt number and the issue time
  3. Insert the receipt and ratchet the counter

  All three steps run in one transaction retried on ConflictDuplicate.
  IssueIn runs them inside a transaction the caller already owns, so a
  purchase can create its ledger and its receipt atomically.

CANCELLATION:
  One transaction:
    UPDATE receipts SET is_cancelled = true ... WHERE id = ? AND is_cancelled = false
    INSERT INTO expenses (type = 'receipt cancellation', amount = receipt.amount)

  Cancelling twice fails with AlreadyCancelled; an unknown ID with NotFound.

SEE ALSO:
  - sequence/allocator.go: number allocation
  - ledger/ledger.go: purchase and renewal receipts
  - member/member.go: signup receipts
*/
package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/logger"
	"github.com/warp/gym-ledger/metrics"
	"github.com/warp/gym-ledger/sequence"
)

// DefaultCancelReason is recorded when a cancellation carries no reason.
const DefaultCancelReason = "no reason given"

// Request describes a receipt to issue.
type Request struct {
	Type          generic.ReceiptType
	Amount        decimal.Decimal
	PaymentMethod generic.PaymentMethod
	StaffName     string
	// Items are the business facts of the sale: prices, quantities, prior
	// and new balances, dates. They are frozen into ItemDetails.
	Items      map[string]any
	MemberID   *generic.MemberID
	LedgerCode *generic.LedgerCode
}

func (r Request) validate() error {
	switch r.Type {
	case generic.ReceiptMemberSignup, generic.ReceiptServicePurchase,
		generic.ReceiptServiceRenewal, generic.ReceiptRemainingPayment, generic.ReceiptManual:
	default:
		return generic.Validationf("unknown receipt type %q", r.Type)
	}
	if r.Amount.IsNegative() {
		return generic.Validationf("receipt amount cannot be negative")
	}
	return ValidatePaymentMethod(r.PaymentMethod)
}

// ValidatePaymentMethod rejects unknown payment methods.
func ValidatePaymentMethod(m generic.PaymentMethod) error {
	switch m {
	case generic.PaymentCash, generic.PaymentCard, generic.PaymentTransfer:
		return nil
	}
	return generic.Validationf("unknown payment method %q", m)
}

// Cancelled is the outcome of a cancellation.
type Cancelled struct {
	Receipt generic.Receipt
	Expense generic.Expense
}

// =============================================================================
// ISSUER
// =============================================================================

// Issuer issues and cancels receipts.
type Issuer struct {
	Alloc   *sequence.Allocator
	Audit   generic.AuditRecorder
	Log     *logger.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// NewIssuer creates an issuer drawing numbers from alloc.
func NewIssuer(alloc *sequence.Allocator) *Issuer {
	return &Issuer{
		Alloc: alloc,
		Audit: generic.NopRecorder{},
		Log:   logger.NewNop(),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Issue issues a standalone receipt (manual entry).
func (i *Issuer) Issue(ctx context.Context, req Request, actor generic.Actor) (generic.Receipt, error) {
	if err := generic.Authorize(actor, generic.ActionIssueReceipt, generic.Resource{}); err != nil {
		return generic.Receipt{}, err
	}
	if req.StaffName == "" {
		req.StaffName = actor.Name
	}

	var issued generic.Receipt
	err := i.Alloc.Transact(ctx, func(ctx context.Context, s generic.Store) error {
		r, err := i.IssueIn(ctx, s, req)
		if err != nil {
			return err
		}
		issued = r
		return nil
	})
	if err != nil {
		return generic.Receipt{}, err
	}

	i.Issued(issued, actor)
	return issued, nil
}

// IssueIn issues a receipt through s, a store inside a transaction owned by
// the caller. The caller must run that transaction through Alloc.Transact and
// report the receipt with Issued after it commits.
func (i *Issuer) IssueIn(ctx context.Context, s generic.Store, req Request) (generic.Receipt, error) {
	if err := req.validate(); err != nil {
		return generic.Receipt{}, err
	}

	n, err := i.Alloc.Next(ctx, s, generic.DomainReceiptNumber)
	if err != nil {
		return generic.Receipt{}, err
	}

	now := i.Now()
	details, err := snapshot(req, n, now)
	if err != nil {
		return generic.Receipt{}, err
	}

	r := generic.Receipt{
		ID:            generic.ReceiptID(uuid.NewString()),
		Number:        n,
		Type:          req.Type,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		StaffName:     req.StaffName,
		ItemDetails:   details,
		MemberID:      req.MemberID,
		LedgerCode:    req.LedgerCode,
		CreatedAt:     now,
	}
	if err := s.CreateReceipt(ctx, r); err != nil {
		return generic.Receipt{}, errors.Wrapf(err, "insert receipt %d", n)
	}
	if err := i.Alloc.Commit(ctx, s, generic.DomainReceiptNumber, n); err != nil {
		return generic.Receipt{}, err
	}
	return r, nil
}

// Issued records metrics and the audit entry of a committed receipt.
func (i *Issuer) Issued(r generic.Receipt, actor generic.Actor) {
	i.Metrics.ReceiptIssued(string(r.Type))
	i.Log.Infow("receipt issued",
		"receipt_number", r.Number, "type", r.Type, "amount", r.Amount.String(), "staff_id", actor.StaffID)

	id := r.ID
	i.Audit.Record(generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  r.CreatedAt,
		ActorID:    actor.StaffID,
		ActorName:  actor.Name,
		Action:     generic.AuditReceiptIssued,
		LedgerCode: r.LedgerCode,
		ReceiptID:  &id,
		Outcome:    "issued",
		Payload: map[string]any{
			"receiptNumber": r.Number,
			"type":          r.Type,
			"amount":        r.Amount.String(),
		},
	})
}

// Cancel marks a receipt cancelled and books the compensating expense.
func (i *Issuer) Cancel(ctx context.Context, id generic.ReceiptID, reason string, actor generic.Actor) (Cancelled, error) {
	if err := generic.Authorize(actor, generic.ActionCancelReceipt, generic.Resource{}); err != nil {
		return Cancelled{}, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultCancelReason
	}
	by := actor.Name
	if by == "" {
		by = string(actor.StaffID)
	}
	now := i.Now()

	var out Cancelled
	err := i.Alloc.Store().WithTx(ctx, func(s generic.Store) error {
		r, err := s.GetReceipt(ctx, id)
		if err != nil {
			return notFoundHint(err)
		}
		c := generic.Cancellation{At: now, By: by, Reason: reason}
		if err := s.MarkReceiptCancelled(ctx, id, c); err != nil {
			if errors.Is(err, generic.ErrAlreadyCancelled) {
				return errors.WithHint(err, "This receipt is already cancelled")
			}
			return err
		}

		rid := r.ID
		e := generic.Expense{
			ID:          generic.ExpenseID(uuid.NewString()),
			Type:        generic.ExpenseReceiptCancellation,
			Amount:      r.Amount,
			Description: fmt.Sprintf("Cancellation of receipt #%d", r.Number),
			Notes:       reason,
			ReceiptID:   &rid,
			CreatedAt:   now,
		}
		if err := s.CreateExpense(ctx, e); err != nil {
			return errors.Wrap(err, "insert cancellation expense")
		}

		r.IsCancelled = true
		r.CancelledAt = &now
		r.CancelledBy = by
		r.CancelReason = reason
		out = Cancelled{Receipt: r, Expense: e}
		return nil
	})
	if err != nil {
		return Cancelled{}, err
	}

	i.Metrics.ReceiptCancelled()
	i.Log.Infow("receipt cancelled",
		"receipt_number", out.Receipt.Number, "amount", out.Receipt.Amount.String(),
		"reason", reason, "staff_id", actor.StaffID)
	i.Audit.Record(generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  now,
		ActorID:    actor.StaffID,
		ActorName:  actor.Name,
		Action:     generic.AuditReceiptCancelled,
		LedgerCode: out.Receipt.LedgerCode,
		ReceiptID:  &id,
		Outcome:    "cancelled",
		Payload: map[string]any{
			"receiptNumber": out.Receipt.Number,
			"amount":        out.Receipt.Amount.String(),
			"reason":        reason,
			"expenseId":     out.Expense.ID,
		},
	})
	return out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (i *Issuer) Get(ctx context.Context, id generic.ReceiptID, actor generic.Actor) (generic.Receipt, error) {
	if err := generic.Authorize(actor, generic.ActionViewFinance, generic.Resource{}); err != nil {
		return generic.Receipt{}, err
	}
	r, err := i.Alloc.Store().GetReceipt(ctx, id)
	if err != nil {
		return generic.Receipt{}, notFoundHint(err)
	}
	return r, nil
}

func (i *Issuer) List(ctx context.Context, filter generic.ReceiptFilter, actor generic.Actor) ([]generic.Receipt, error) {
	if err := generic.Authorize(actor, generic.ActionViewFinance, generic.Resource{}); err != nil {
		return nil, err
	}
	return i.Alloc.Store().ListReceipts(ctx, filter)
}

// Expenses lists expenses created in [from, to]. Zero bounds are open.
func (i *Issuer) Expenses(ctx context.Context, from, to time.Time, actor generic.Actor) ([]generic.Expense, error) {
	if err := generic.Authorize(actor, generic.ActionViewFinance, generic.Resource{}); err != nil {
		return nil, err
	}
	return i.Alloc.Store().ListExpenses(ctx, from, to)
}

// PeekNextNumber previews the next receipt number without reserving it.
func (i *Issuer) PeekNextNumber(ctx context.Context, actor generic.Actor) (int64, error) {
	if err := generic.Authorize(actor, generic.ActionIssueReceipt, generic.Resource{}); err != nil {
		return 0, err
	}
	return i.Alloc.PeekNext(ctx, generic.DomainReceiptNumber)
}

func notFoundHint(err error) error {
	if generic.IsNotFound(err) {
		return errors.WithHint(err, "Receipt not found")
	}
	return err
}

// =============================================================================
// SNAPSHOT
// =============================================================================

func snapshot(req Request, number int64, issuedAt time.Time) (json.RawMessage, error) {
	doc := make(map[string]any, len(req.Items)+4)
	for k, v := range req.Items {
		doc[k] = v
	}
	doc["receiptNumber"] = number
	doc["issuedAt"] = issuedAt.Format(time.RFC3339)
	doc["type"] = req.Type
	doc["amount"] = req.Amount.String()

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot item details")
	}
	return raw, nil
}
