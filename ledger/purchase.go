package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/receipt"
)

// =============================================================================
// PURCHASE - New ledger plus its receipt, one transaction
// =============================================================================

// PurchaseRequest sells a new block of sessions.
type PurchaseRequest struct {
	Code            generic.LedgerCode
	Kind            generic.ServiceKind
	ClientName      string
	Phone           string
	OwnerStaffID    generic.StaffID
	OwnerName       string
	Sessions        int
	PricePerSession decimal.Decimal
	// RemainingAmount is the part of the total the client pays later. The
	// purchase receipt covers the rest.
	RemainingAmount decimal.Decimal
	PaymentMethod   generic.PaymentMethod
	StartDate       *time.Time
	ExpiryDate      *time.Time
}

func (r PurchaseRequest) total() decimal.Decimal {
	return r.PricePerSession.Mul(decimal.NewFromInt(int64(r.Sessions)))
}

func (r PurchaseRequest) validate() error {
	if r.Code <= 0 {
		return generic.Validationf("ledger code must be a positive number")
	}
	if _, err := generic.ParseServiceKind(string(r.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(r.ClientName) == "" {
		return generic.Validationf("client name is required")
	}
	if r.OwnerStaffID == "" {
		return generic.Validationf("owning staff member is required")
	}
	if r.Sessions <= 0 {
		return generic.Validationf("number of sessions must be positive")
	}
	if r.PricePerSession.IsNegative() {
		return generic.Validationf("price per session cannot be negative")
	}
	if err := validateMoney("remaining amount", r.RemainingAmount); err != nil {
		return err
	}
	if r.RemainingAmount.GreaterThan(r.total()) {
		return generic.Validationf("remaining amount %s exceeds the total price %s", r.RemainingAmount, r.total())
	}
	if r.StartDate != nil && r.ExpiryDate != nil && !r.ExpiryDate.After(*r.StartDate) {
		return generic.Validationf("expiry date must be after start date")
	}
	return receipt.ValidatePaymentMethod(r.PaymentMethod)
}

// Sale is a ledger change together with the receipt that paid for it.
type Sale struct {
	Ledger  generic.ServiceLedger
	Receipt generic.Receipt
}

// Purchase creates a ledger with every session remaining and issues its
// purchase receipt. A taken code fails with AlreadyExists.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest, actor generic.Actor) (Sale, error) {
	if err := generic.Authorize(actor, generic.ActionSellService, generic.Resource{}); err != nil {
		return Sale{}, err
	}
	req.Kind = generic.ServiceKind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	if err := req.validate(); err != nil {
		return Sale{}, err
	}
	info, ok := s.Catalog.Lookup(req.Kind)
	if !ok {
		return Sale{}, generic.Validationf("service kind %q is not offered", req.Kind)
	}

	now := s.Now()
	l := generic.ServiceLedger{
		Code:              req.Code,
		Kind:              req.Kind,
		ClientName:        strings.TrimSpace(req.ClientName),
		Phone:             req.Phone,
		OwnerStaffID:      req.OwnerStaffID,
		OwnerName:         req.OwnerName,
		SessionsPurchased: req.Sessions,
		SessionsRemaining: req.Sessions,
		PricePerSession:   req.PricePerSession,
		RemainingAmount:   req.RemainingAmount,
		StartDate:         req.StartDate,
		ExpiryDate:        req.ExpiryDate,
		CreatedAt:         now,
	}
	total := req.total()

	var sale Sale
	err := s.Alloc.Transact(ctx, func(ctx context.Context, tx generic.Store) error {
		if _, err := tx.GetLedger(ctx, l.Code); err == nil {
			return errors.WithHint(
				errors.Wrapf(generic.ErrAlreadyExists, "ledger code %d", l.Code),
				"This code is already used by another subscription")
		} else if !generic.IsNotFound(err) {
			return err
		}
		if err := tx.CreateLedger(ctx, l); err != nil {
			return err
		}

		code := l.Code
		r, err := s.Receipts.IssueIn(ctx, tx, receipt.Request{
			Type:          generic.ReceiptServicePurchase,
			Amount:        total.Sub(req.RemainingAmount),
			PaymentMethod: req.PaymentMethod,
			StaffName:     actor.Name,
			LedgerCode:    &code,
			Items: map[string]any{
				"label":             info.PurchaseLabel,
				"serviceKind":       l.Kind,
				"code":              l.Code,
				"clientName":        l.ClientName,
				"ownerName":         l.OwnerName,
				"sessions":          l.SessionsPurchased,
				"pricePerSession":   l.PricePerSession.String(),
				"sessionsRemaining": l.SessionsRemaining,
				"total":             total.String(),
				"remainingAmount":   l.RemainingAmount.String(),
				"startDate":         formatDate(l.StartDate),
				"expiryDate":        formatDate(l.ExpiryDate),
			},
		})
		if err != nil {
			return err
		}
		sale = Sale{Ledger: l, Receipt: r}
		return nil
	})
	if err != nil {
		return Sale{}, err
	}

	s.Receipts.Issued(sale.Receipt, actor)
	s.Log.Infow("service purchased",
		"ledger_code", l.Code, "kind", l.Kind, "sessions", l.SessionsPurchased,
		"receipt_number", sale.Receipt.Number, "staff_id", actor.StaffID)
	s.recordSale(generic.AuditServicePurchased, sale, actor, nil)
	return sale, nil
}

// =============================================================================
// RENEWAL - Top up purchased and remaining together
// =============================================================================

// RenewRequest adds sessions to an existing ledger. A nil PricePerSession
// keeps the ledger's price.
type RenewRequest struct {
	Sessions        int
	PricePerSession *decimal.Decimal
	PaymentMethod   generic.PaymentMethod
}

// Renew adds req.Sessions to both purchased and remaining and issues a
// renewal receipt recording the balances before and after.
func (s *Service) Renew(ctx context.Context, code string, req RenewRequest, actor generic.Actor) (Sale, error) {
	if err := generic.Authorize(actor, generic.ActionSellService, generic.Resource{}); err != nil {
		return Sale{}, err
	}
	c, err := ParseCode(code)
	if err != nil {
		return Sale{}, err
	}
	if req.Sessions <= 0 {
		return Sale{}, generic.Validationf("number of sessions must be positive")
	}
	if req.PricePerSession != nil && req.PricePerSession.IsNegative() {
		return Sale{}, generic.Validationf("price per session cannot be negative")
	}
	if err := receipt.ValidatePaymentMethod(req.PaymentMethod); err != nil {
		return Sale{}, err
	}

	var (
		sale   Sale
		before generic.ServiceLedger
	)
	err = s.Alloc.Transact(ctx, func(ctx context.Context, tx generic.Store) error {
		old, err := tx.GetLedger(ctx, c)
		if err != nil {
			return errors.WithHint(err, "No subscription matches this barcode")
		}
		updated, err := tx.AddSessions(ctx, c, req.Sessions)
		if err != nil {
			return err
		}

		price := old.PricePerSession
		if req.PricePerSession != nil {
			price = *req.PricePerSession
		}
		info, _ := s.Catalog.Lookup(old.Kind)

		r, err := s.Receipts.IssueIn(ctx, tx, receipt.Request{
			Type:          generic.ReceiptServiceRenewal,
			Amount:        price.Mul(decimal.NewFromInt(int64(req.Sessions))),
			PaymentMethod: req.PaymentMethod,
			StaffName:     actor.Name,
			LedgerCode:    &c,
			Items: map[string]any{
				"label":                info.RenewalLabel,
				"serviceKind":          old.Kind,
				"code":                 old.Code,
				"clientName":           old.ClientName,
				"sessionsAdded":        req.Sessions,
				"pricePerSession":      price.String(),
				"previousRemaining":    old.SessionsRemaining,
				"newRemaining":         updated.SessionsRemaining,
				"previousPurchased":    old.SessionsPurchased,
				"newPurchased":         updated.SessionsPurchased,
				"subscriptionExpiryAt": formatDate(old.ExpiryDate),
			},
		})
		if err != nil {
			return err
		}
		before = old
		sale = Sale{Ledger: updated, Receipt: r}
		return nil
	})
	if err != nil {
		return Sale{}, err
	}

	s.Receipts.Issued(sale.Receipt, actor)
	s.Log.Infow("service renewed",
		"ledger_code", c, "sessions_added", req.Sessions,
		"sessions_remaining", sale.Ledger.SessionsRemaining,
		"receipt_number", sale.Receipt.Number, "staff_id", actor.StaffID)
	s.recordSale(generic.AuditServiceRenewed, sale, actor, map[string]any{
		"previousRemaining": before.SessionsRemaining,
	})
	return sale, nil
}

// =============================================================================
// REMAINING PAYMENT - Settle what was left unpaid at purchase
// =============================================================================

// PaymentRequest pays part or all of a ledger's remaining amount.
type PaymentRequest struct {
	Amount        decimal.Decimal
	PaymentMethod generic.PaymentMethod
}

// PayRemaining lowers the ledger's remaining amount by req.Amount and issues a
// payment receipt, in one transaction. Paying more than is owed fails with
// Validation.
func (s *Service) PayRemaining(ctx context.Context, code string, req PaymentRequest, actor generic.Actor) (Sale, error) {
	if err := generic.Authorize(actor, generic.ActionSellService, generic.Resource{}); err != nil {
		return Sale{}, err
	}
	c, err := ParseCode(code)
	if err != nil {
		return Sale{}, err
	}
	if !req.Amount.IsPositive() {
		return Sale{}, generic.Validationf("payment amount must be positive")
	}
	if err := validateMoney("payment amount", req.Amount); err != nil {
		return Sale{}, err
	}
	if err := receipt.ValidatePaymentMethod(req.PaymentMethod); err != nil {
		return Sale{}, err
	}

	var (
		sale   Sale
		before generic.ServiceLedger
	)
	err = s.Alloc.Transact(ctx, func(ctx context.Context, tx generic.Store) error {
		old, err := tx.GetLedger(ctx, c)
		if err != nil {
			return errors.WithHint(err, "No subscription matches this barcode")
		}
		if req.Amount.GreaterThan(old.RemainingAmount) {
			return generic.Validationf("payment %s exceeds the remaining amount %s", req.Amount, old.RemainingAmount)
		}
		updated, err := tx.ReduceRemainingAmount(ctx, c, req.Amount)
		if err != nil {
			return err
		}
		info, _ := s.Catalog.Lookup(old.Kind)

		r, err := s.Receipts.IssueIn(ctx, tx, receipt.Request{
			Type:          generic.ReceiptRemainingPayment,
			Amount:        req.Amount,
			PaymentMethod: req.PaymentMethod,
			StaffName:     actor.Name,
			LedgerCode:    &c,
			Items: map[string]any{
				"label":             info.DisplayName + " remaining payment",
				"serviceKind":       old.Kind,
				"code":              old.Code,
				"clientName":        old.ClientName,
				"phone":             old.Phone,
				"ownerName":         old.OwnerName,
				"paymentAmount":     req.Amount.String(),
				"previousRemaining": old.RemainingAmount.String(),
				"newRemaining":      updated.RemainingAmount.String(),
			},
		})
		if err != nil {
			return err
		}
		before = old
		sale = Sale{Ledger: updated, Receipt: r}
		return nil
	})
	if err != nil {
		return Sale{}, err
	}

	s.Receipts.Issued(sale.Receipt, actor)
	s.Log.Infow("remaining amount paid",
		"ledger_code", c, "amount", req.Amount.String(),
		"remaining_amount", sale.Ledger.RemainingAmount.String(),
		"receipt_number", sale.Receipt.Number, "staff_id", actor.StaffID)
	s.recordSale(generic.AuditRemainingPaid, sale, actor, map[string]any{
		"previousRemainingAmount": before.RemainingAmount.String(),
	})
	return sale, nil
}

// validateMoney rejects negative amounts and fractions of a cent.
func validateMoney(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return generic.Validationf("%s cannot be negative", field)
	}
	if !d.Equal(d.Round(2)) {
		return generic.Validationf("%s cannot have more than two decimal places", field)
	}
	return nil
}

func (s *Service) recordSale(action generic.AuditAction, sale Sale, actor generic.Actor, extra map[string]any) {
	code := sale.Ledger.Code
	rid := sale.Receipt.ID
	payload := map[string]any{
		"receiptNumber":     sale.Receipt.Number,
		"amount":            sale.Receipt.Amount.String(),
		"sessionsPurchased": sale.Ledger.SessionsPurchased,
		"sessionsRemaining": sale.Ledger.SessionsRemaining,
		"remainingAmount":   sale.Ledger.RemainingAmount.String(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.Audit.Record(generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  sale.Receipt.CreatedAt,
		ActorID:    actor.StaffID,
		ActorName:  actor.Name,
		Action:     action,
		LedgerCode: &code,
		ReceiptID:  &rid,
		Outcome:    "committed",
		Payload:    payload,
	})
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}
