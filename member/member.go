// Package member registers gym members. Every member except the "other"
// category gets a member number from the member_number counter, and every
// signup issues a receipt. Member, number and receipt commit together.
package member

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/logger"
	"github.com/warp/gym-ledger/receipt"
)

// Request registers one member.
type Request struct {
	Name     string
	Phone    string
	Category generic.MemberCategory
	// Number is an explicit member number typed by the front desk, usually
	// the value shown by PeekNextNumber. Nil means allocate one.
	Number        *int64
	Fee           decimal.Decimal
	PaymentMethod generic.PaymentMethod
	Items         map[string]any
}

// Signup is a registered member and its signup receipt.
type Signup struct {
	Member  generic.Member
	Receipt generic.Receipt
}

type Registrar struct {
	Receipts *receipt.Issuer
	Audit    generic.AuditRecorder
	Log      *logger.Logger
	Now      func() time.Time
}

func NewRegistrar(issuer *receipt.Issuer) *Registrar {
	return &Registrar{
		Receipts: issuer,
		Audit:    generic.NopRecorder{},
		Log:      logger.NewNop(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a member and its signup receipt in one transaction.
func (r *Registrar) Register(ctx context.Context, req Request, actor generic.Actor) (Signup, error) {
	if err := generic.Authorize(actor, generic.ActionRegisterMember, generic.Resource{}); err != nil {
		return Signup{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return Signup{}, generic.Validationf("member name is required")
	}
	if req.Category == "" {
		req.Category = generic.MemberRegular
	}
	if req.Category != generic.MemberRegular && req.Category != generic.MemberOther {
		return Signup{}, generic.Validationf("unknown member category %q", req.Category)
	}
	if req.Category == generic.MemberOther && req.Number != nil {
		return Signup{}, generic.Validationf("members in the other category have no member number")
	}
	if req.Number != nil && *req.Number <= 0 {
		return Signup{}, generic.Validationf("member number must be positive")
	}

	alloc := r.Receipts.Alloc
	now := r.Now()

	var out Signup
	err := alloc.Transact(ctx, func(ctx context.Context, s generic.Store) error {
		m := generic.Member{
			ID:        generic.MemberID(uuid.NewString()),
			Name:      req.Name,
			Phone:     req.Phone,
			Category:  req.Category,
			CreatedAt: now,
		}

		if req.Category != generic.MemberOther {
			n, err := r.memberNumber(ctx, s, req.Number)
			if err != nil {
				return err
			}
			m.Number = &n
		}

		// A duplicate here is a lost race; the retried cycle scans again.
		if err := s.CreateMember(ctx, m); err != nil {
			return err
		}
		if m.Number != nil {
			if err := alloc.Commit(ctx, s, generic.DomainMemberNumber, *m.Number); err != nil {
				return err
			}
		}

		id := m.ID
		items := map[string]any{
			"memberName": m.Name,
			"category":   m.Category,
		}
		if m.Number != nil {
			items["memberNumber"] = *m.Number
		}
		for k, v := range req.Items {
			items[k] = v
		}
		rec, err := r.Receipts.IssueIn(ctx, s, receipt.Request{
			Type:          generic.ReceiptMemberSignup,
			Amount:        req.Fee,
			PaymentMethod: req.PaymentMethod,
			StaffName:     actor.Name,
			MemberID:      &id,
			Items:         items,
		})
		if err != nil {
			return err
		}

		out = Signup{Member: m, Receipt: rec}
		return nil
	})
	if err != nil {
		return Signup{}, err
	}

	r.Receipts.Issued(out.Receipt, actor)
	r.Log.Infow("member registered",
		"member_id", out.Member.ID, "category", out.Member.Category,
		"receipt_number", out.Receipt.Number, "staff_id", actor.StaffID)

	payload := map[string]any{"category": out.Member.Category, "receiptNumber": out.Receipt.Number}
	if out.Member.Number != nil {
		payload["memberNumber"] = *out.Member.Number
	}
	rid := out.Receipt.ID
	r.Audit.Record(generic.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: now,
		ActorID:   actor.StaffID,
		ActorName: actor.Name,
		Action:    generic.AuditMemberRegistered,
		ReceiptID: &rid,
		Outcome:   "registered",
		Payload:   payload,
	})
	return out, nil
}

// memberNumber returns the explicit number when given, otherwise allocates.
// An explicit number is checked here so a taken one is reported without
// burning a conflict retry.
func (r *Registrar) memberNumber(ctx context.Context, s generic.Store, explicit *int64) (int64, error) {
	if explicit == nil {
		return r.Receipts.Alloc.Next(ctx, s, generic.DomainMemberNumber)
	}
	taken, err := s.NumberTaken(ctx, generic.DomainMemberNumber, *explicit)
	if err != nil {
		return 0, err
	}
	if taken {
		return 0, errors.WithHint(
			errors.Wrapf(generic.ErrAlreadyExists, "member number %d", *explicit),
			"This member number is already taken")
	}
	return *explicit, nil
}

// Get returns a member by ID.
func (r *Registrar) Get(ctx context.Context, id generic.MemberID, actor generic.Actor) (generic.Member, error) {
	if err := generic.Authorize(actor, generic.ActionRegisterMember, generic.Resource{}); err != nil {
		return generic.Member{}, err
	}
	m, err := r.Receipts.Alloc.Store().GetMember(ctx, id)
	if err != nil {
		if generic.IsNotFound(err) {
			return generic.Member{}, errors.WithHint(err, "Member not found")
		}
		return generic.Member{}, err
	}
	return m, nil
}

// PeekNextNumber previews the next member number without reserving it.
func (r *Registrar) PeekNextNumber(ctx context.Context, actor generic.Actor) (int64, error) {
	if err := generic.Authorize(actor, generic.ActionRegisterMember, generic.Resource{}); err != nil {
		return 0, err
	}
	return r.Receipts.Alloc.PeekNext(ctx, generic.DomainMemberNumber)
}
