/*
handlers.go - HTTP API handlers for the gym back office

PURPOSE:
  Exposes the ledger, check-in, receipt and member services via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  domain packages. Every handler runs as the actor the auth middleware put
  in the request context.

ENDPOINTS:
  Ledgers:
    GET    /api/services                    Service catalog
    GET    /api/ledgers                     List ledgers (?kind=&owner=)
    POST   /api/ledgers                     Purchase a ledger
    GET    /api/ledgers/{code}              Lookup by barcode
    POST   /api/ledgers/{code}/renew        Renew
    POST   /api/ledgers/{code}/pay-remaining Pay part of the unpaid price
    GET    /api/ledgers/{code}/sessions     Session history
    POST   /api/ledgers/{code}/sessions     Schedule an unattended session
    DELETE /api/sessions/{id}               Reverse a session

  Check-in:
    POST   /api/checkin                     Scan and record attendance
    GET    /api/checkin/{code}              Preview a barcode

  Finance:
    GET    /api/receipts                    List (?cancelled=&limit=)
    POST   /api/receipts                    Manual receipt
    GET    /api/receipts/next-number        Next receipt number (not reserved)
    GET    /api/receipts/{id}               Get
    POST   /api/receipts/{id}/cancel        Cancel with compensating expense
    GET    /api/expenses                    List (?from=&to=)

  Members:
    POST   /api/members                     Register
    GET    /api/members/next-number         Next member number (not reserved)
    GET    /api/members/{id}                Get

ERROR HANDLING:
  Errors are returned as {kind, error, details?}. The kind and status come
  from the domain error (see generic/errors.go); the message is the hint
  attached by the domain layer. Internal errors are logged with their full
  text; the client only sees "internal error" and the request ID in details.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/gym-ledger/checkin"
	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/ledger"
	"github.com/warp/gym-ledger/logger"
	"github.com/warp/gym-ledger/member"
	"github.com/warp/gym-ledger/receipt"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledgers  *ledger.Service
	CheckIn  *checkin.Processor
	Receipts *receipt.Issuer
	Members  *member.Registrar
	Catalog  *generic.Catalog
	Auth     *Authenticator
	Log      *logger.Logger

	// Reset clears the store. Used by demo scenarios only.
	Reset func(ctx context.Context) error
	// Ping reports store health for /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the wired services.
func NewHandler(ledgers *ledger.Service, proc *checkin.Processor, members *member.Registrar, auth *Authenticator) *Handler {
	return &Handler{
		Ledgers:  ledgers,
		CheckIn:  proc,
		Receipts: ledgers.Receipts,
		Members:  members,
		Catalog:  ledgers.Catalog,
		Auth:     auth,
		Log:      logger.NewNop(),
	}
}

// Health reports liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Log.Warnw("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListServices returns the service catalog.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	infos := h.Catalog.List()
	dtos := make([]ServiceDTO, len(infos))
	for i, info := range infos {
		dtos[i] = toServiceDTO(info)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListLedgers returns the ledgers visible to the caller.
func (h *Handler) ListLedgers(w http.ResponseWriter, r *http.Request) {
	filter := generic.LedgerFilter{
		OwnerStaffID: generic.StaffID(r.URL.Query().Get("owner")),
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		k, err := generic.ParseServiceKind(kind)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.Kind = k
	}

	ledgers, err := h.Ledgers.List(r.Context(), filter, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTOs(ledgers))
}

// GetLedger resolves a barcode.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	l, err := h.Ledgers.Get(r.Context(), chi.URLParam(r, "code"), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(l))
}

// PurchaseLedger sells a new ledger and issues its receipt.
func (h *Handler) PurchaseLedger(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	start, err := parseDate("startDate", req.StartDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	expiry, err := parseDate("expiryDate", req.ExpiryDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	sale, err := h.Ledgers.Purchase(r.Context(), ledger.PurchaseRequest{
		Code:            generic.LedgerCode(req.Code),
		Kind:            generic.ServiceKind(req.Kind),
		ClientName:      req.ClientName,
		Phone:           req.Phone,
		OwnerStaffID:    generic.StaffID(req.OwnerStaffID),
		OwnerName:       req.OwnerName,
		Sessions:        req.Sessions,
		PricePerSession: req.PricePerSession,
		RemainingAmount: req.RemainingAmount,
		PaymentMethod:   generic.PaymentMethod(req.PaymentMethod),
		StartDate:       start,
		ExpiryDate:      expiry,
	}, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SaleResponse{Ledger: toLedgerDTO(sale.Ledger), Receipt: toReceiptDTO(sale.Receipt)})
}

// RenewLedger tops up a ledger and issues the renewal receipt.
func (h *Handler) RenewLedger(w http.ResponseWriter, r *http.Request) {
	var req RenewRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	sale, err := h.Ledgers.Renew(r.Context(), chi.URLParam(r, "code"), ledger.RenewRequest{
		Sessions:        req.Sessions,
		PricePerSession: req.PricePerSession,
		PaymentMethod:   generic.PaymentMethod(req.PaymentMethod),
	}, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SaleResponse{Ledger: toLedgerDTO(sale.Ledger), Receipt: toReceiptDTO(sale.Receipt)})
}

// PayRemaining settles part of a ledger's unpaid price and issues the
// payment receipt.
func (h *Handler) PayRemaining(w http.ResponseWriter, r *http.Request) {
	var req PayRemainingRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	sale, err := h.Ledgers.PayRemaining(r.Context(), chi.URLParam(r, "code"), ledger.PaymentRequest{
		Amount:        req.Amount,
		PaymentMethod: generic.PaymentMethod(req.PaymentMethod),
	}, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SaleResponse{Ledger: toLedgerDTO(sale.Ledger), Receipt: toReceiptDTO(sale.Receipt)})
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// ListSessions returns a ledger's session history, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Ledgers.Sessions(r.Context(), chi.URLParam(r, "code"), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

// ScheduleSession books an unattended session on a ledger.
func (h *Handler) ScheduleSession(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	date, err := parseDate("sessionDate", req.SessionDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if date == nil {
		h.fail(w, r, generic.Validationf("session date is required"))
		return
	}

	l, err := h.Ledgers.LookupByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	att, err := h.Ledgers.ScheduleUnattended(r.Context(), l, ActorFrom(r.Context()), *date, req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttendanceResponse(att.Session, att.Remaining))
}

// ReverseSession deletes a session and gives its unit back.
func (h *Handler) ReverseSession(w http.ResponseWriter, r *http.Request) {
	att, err := h.Ledgers.ReverseSession(r.Context(), generic.SessionID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttendanceResponse(att.Session, att.Remaining))
}

// =============================================================================
// CHECK-IN HANDLERS
// =============================================================================

// CheckInScan records attendance for a scanned barcode.
func (h *Handler) CheckInScan(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.CheckIn.Process(r.Context(), checkin.Request{Code: req.Code, Notes: req.Notes}, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttendanceResponse(res.Session, res.SessionsRemaining))
}

// PreviewCheckIn validates a barcode without consuming a session.
func (h *Handler) PreviewCheckIn(w http.ResponseWriter, r *http.Request) {
	p, err := h.Ledgers.Preview(r.Context(), chi.URLParam(r, "code"), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{
		Ledger:     toLedgerDTO(p.Ledger),
		Service:    toServiceDTO(p.Service),
		CanCheckIn: p.CanCheckIn,
	})
}

// =============================================================================
// RECEIPT HANDLERS
// =============================================================================

// ListReceipts returns receipts, newest number first.
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	var filter generic.ReceiptFilter
	q := r.URL.Query()
	if v := q.Get("cancelled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(w, r, generic.Validationf("cancelled must be true or false"))
			return
		}
		filter.Cancelled = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.fail(w, r, generic.Validationf("limit must be a non-negative number"))
			return
		}
		filter.Limit = n
	}

	receipts, err := h.Receipts.List(r.Context(), filter, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTOs(receipts))
}

// IssueReceipt issues a manual receipt.
func (h *Handler) IssueReceipt(w http.ResponseWriter, r *http.Request) {
	var req IssueReceiptRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	rec, err := h.Receipts.Issue(r.Context(), receipt.Request{
		Type:          generic.ReceiptManual,
		Amount:        req.Amount,
		PaymentMethod: generic.PaymentMethod(req.PaymentMethod),
		Items:         req.Items,
	}, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(rec))
}

// NextReceiptNumber previews the next receipt number. The value is not
// reserved; the number printed on the receipt is decided at issue time.
func (h *Handler) NextReceiptNumber(w http.ResponseWriter, r *http.Request) {
	n, err := h.Receipts.PeekNextNumber(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NextNumberResponse{NextNumber: n})
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Receipts.Get(r.Context(), generic.ReceiptID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(rec))
}

// CancelReceipt cancels a receipt and records the compensating expense.
func (h *Handler) CancelReceipt(w http.ResponseWriter, r *http.Request) {
	var req CancelReceiptRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	out, err := h.Receipts.Cancel(r.Context(), generic.ReceiptID(chi.URLParam(r, "id")), req.Reason, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Receipt: toReceiptDTO(out.Receipt), Expense: toExpenseDTO(out.Expense)})
}

// ListExpenses returns expenses between two dates, both inclusive.
func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	from, err := parseDate("from", r.URL.Query().Get("from"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := parseDate("to", r.URL.Query().Get("to"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var start, end time.Time
	if from != nil {
		start = *from
	}
	if to != nil {
		end = to.Add(24*time.Hour - time.Nanosecond)
	}

	expenses, err := h.Receipts.Expenses(r.Context(), start, end, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTOs(expenses))
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// RegisterMember registers a member and issues the signup receipt.
func (h *Handler) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req RegisterMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	signup, err := h.Members.Register(r.Context(), member.Request{
		Name:          req.Name,
		Phone:         req.Phone,
		Category:      generic.MemberCategory(req.Category),
		Number:        req.MemberNumber,
		Fee:           req.Fee,
		PaymentMethod: generic.PaymentMethod(req.PaymentMethod),
		Items:         req.Items,
	}, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SignupResponse{Member: toMemberDTO(signup.Member), Receipt: toReceiptDTO(signup.Receipt)})
}

// NextMemberNumber previews the next member number without reserving it.
func (h *Handler) NextMemberNumber(w http.ResponseWriter, r *http.Request) {
	n, err := h.Members.PeekNextNumber(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NextNumberResponse{NextNumber: n})
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Members.Get(r.Context(), generic.MemberID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse never carries the text of an internal error: it may hold
// driver or SQL detail.
func errorResponse(err error) (ErrorResponse, int) {
	kind, status := statusFor(err)
	resp := ErrorResponse{Kind: string(kind), Error: generic.Message(err)}
	if kind == generic.KindInternal {
		resp.Error = "internal error"
	}
	return resp, status
}

func writeError(w http.ResponseWriter, err error) {
	resp, status := errorResponse(err)
	writeJSON(w, status, resp)
}

// fail logs server-side failures with the request ID and writes err.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	resp, status := errorResponse(err)
	if status >= http.StatusInternalServerError {
		reqID := middleware.GetReqID(r.Context())
		h.Log.Errorw("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", reqID,
			"staff_id", ActorFrom(r.Context()).StaffID,
			"error", err)
		if reqID != "" {
			resp.Details = "request " + reqID
		}
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WithHint(
			errors.Mark(errors.Wrap(err, "decode request body"), generic.ErrValidation),
			"Malformed request body")
	}
	return nil
}
