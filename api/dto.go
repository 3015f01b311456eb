/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the wire contract the front desk and scanner apps
  rely on (camelCase keys, dates as YYYY-MM-DD, money as decimal strings).

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Ledgers:   LedgerDTO, PurchaseRequest, RenewRequest, SaleResponse
  Sessions:  SessionDTO, ScheduleRequest, AttendanceResponse
  Check-in:  CheckInRequest, CheckInResponse, PreviewResponse
  Receipts:  ReceiptDTO, IssueReceiptRequest, CancelReceiptRequest,
             CancelResponse, ExpenseDTO, NextNumberResponse
  Members:   MemberDTO, RegisterMemberRequest, SignupResponse
  Scenarios: ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Shape errors (bad dates, bad codes) are reported here; business rules
  belong to the domain packages.

SEE ALSO:
  - handlers.go: Uses these types
  - generic/types.go: Domain types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/warp/gym-ledger/generic"
)

const dateLayout = "2006-01-02"

// =============================================================================
// LEDGERS
// =============================================================================

// LedgerDTO represents a service ledger in API responses.
type LedgerDTO struct {
	Code              int64           `json:"code"`
	Kind              string          `json:"kind"`
	ClientName        string          `json:"clientName"`
	Phone             string          `json:"phone,omitempty"`
	OwnerStaffID      string          `json:"ownerStaffId"`
	OwnerName         string          `json:"ownerName,omitempty"`
	SessionsPurchased int             `json:"sessionsPurchased"`
	SessionsRemaining int             `json:"sessionsRemaining"`
	PricePerSession   decimal.Decimal `json:"pricePerSession"`
	RemainingAmount   decimal.Decimal `json:"remainingAmount"`
	StartDate         string          `json:"startDate,omitempty"`
	ExpiryDate        string          `json:"expiryDate,omitempty"`
	CreatedAt         string          `json:"createdAt"`
}

// PurchaseRequest sells a new ledger.
type PurchaseRequest struct {
	Code            int64           `json:"code"`
	Kind            string          `json:"kind"`
	ClientName      string          `json:"clientName"`
	Phone           string          `json:"phone"`
	OwnerStaffID    string          `json:"ownerStaffId"`
	OwnerName       string          `json:"ownerName"`
	Sessions        int             `json:"sessions"`
	PricePerSession decimal.Decimal `json:"pricePerSession"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	PaymentMethod   string          `json:"paymentMethod"`
	StartDate       string          `json:"startDate,omitempty"`
	ExpiryDate      string          `json:"expiryDate,omitempty"`
}

// RenewRequest tops up an existing ledger. Omitting pricePerSession keeps
// the ledger's current price.
type RenewRequest struct {
	Sessions        int              `json:"sessions"`
	PricePerSession *decimal.Decimal `json:"pricePerSession,omitempty"`
	PaymentMethod   string           `json:"paymentMethod"`
}

// PayRemainingRequest pays part or all of what a client still owes.
type PayRemainingRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
}

// SaleResponse is a ledger change and the receipt that paid for it.
type SaleResponse struct {
	Ledger  LedgerDTO  `json:"ledger"`
	Receipt ReceiptDTO `json:"receipt"`
}

// ServiceDTO is one entry of the service catalog.
type ServiceDTO struct {
	Kind          string `json:"kind"`
	DisplayName   string `json:"displayName"`
	OwnerRole     string `json:"ownerRole"`
	PurchaseLabel string `json:"purchaseLabel"`
	RenewalLabel  string `json:"renewalLabel"`
}

// =============================================================================
// SESSIONS AND CHECK-IN
// =============================================================================

// SessionDTO represents one session record.
type SessionDTO struct {
	ID          string `json:"id"`
	Code        int64  `json:"code"`
	SessionDate string `json:"sessionDate"`
	Attended    bool   `json:"attended"`
	AttendedAt  string `json:"attendedAt,omitempty"`
	AttendedBy  string `json:"attendedBy,omitempty"`
	Notes       string `json:"notes,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// ScheduleRequest books a session without attendance.
type ScheduleRequest struct {
	SessionDate string `json:"sessionDate"`
	Notes       string `json:"notes"`
}

// AttendanceResponse is returned by every operation that moves a session.
type AttendanceResponse struct {
	Session           SessionDTO `json:"session"`
	SessionsRemaining int        `json:"sessionsRemaining"`
}

// CheckInRequest is one barcode scan.
type CheckInRequest struct {
	Code  string `json:"code"`
	Notes string `json:"notes,omitempty"`
}

// CheckInResponse is AttendanceResponse; the scanner contract names it.
type CheckInResponse = AttendanceResponse

// PreviewResponse is what the scanner shows before confirming.
type PreviewResponse struct {
	Ledger     LedgerDTO  `json:"ledger"`
	Service    ServiceDTO `json:"service"`
	CanCheckIn bool       `json:"canCheckIn"`
}

// =============================================================================
// RECEIPTS AND EXPENSES
// =============================================================================

// ReceiptDTO represents an issued receipt.
type ReceiptDTO struct {
	ID            string          `json:"id"`
	ReceiptNumber int64           `json:"receiptNumber"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	StaffName     string          `json:"staffName"`
	ItemDetails   json.RawMessage `json:"itemDetails"`
	MemberID      *string         `json:"memberId,omitempty"`
	LedgerCode    *int64          `json:"ledgerCode,omitempty"`
	IsCancelled   bool            `json:"isCancelled"`
	CancelledAt   string          `json:"cancelledAt,omitempty"`
	CancelledBy   string          `json:"cancelledBy,omitempty"`
	CancelReason  string          `json:"cancelReason,omitempty"`
	CreatedAt     string          `json:"createdAt"`
}

// IssueReceiptRequest issues a manual receipt.
type IssueReceiptRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	Items         map[string]any  `json:"items"`
}

// CancelReceiptRequest cancels a receipt.
type CancelReceiptRequest struct {
	Reason string `json:"reason"`
}

// CancelResponse is the cancelled receipt and its compensating expense.
type CancelResponse struct {
	Receipt ReceiptDTO `json:"receipt"`
	Expense ExpenseDTO `json:"expense"`
}

// ExpenseDTO represents an expense.
type ExpenseDTO struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Notes       string          `json:"notes,omitempty"`
	ReceiptID   *string         `json:"receiptId,omitempty"`
	CreatedAt   string          `json:"createdAt"`
}

// NextNumberResponse previews the next identifier without reserving it.
type NextNumberResponse struct {
	NextNumber int64 `json:"nextNumber"`
}

// =============================================================================
// MEMBERS
// =============================================================================

// MemberDTO represents a member.
type MemberDTO struct {
	ID           string `json:"id"`
	MemberNumber *int64 `json:"memberNumber"`
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	Category     string `json:"category"`
	CreatedAt    string `json:"createdAt"`
}

// RegisterMemberRequest registers a member and issues the signup receipt.
type RegisterMemberRequest struct {
	Name          string          `json:"name"`
	Phone         string          `json:"phone"`
	Category      string          `json:"category"`
	MemberNumber  *int64          `json:"memberNumber,omitempty"`
	Fee           decimal.Decimal `json:"fee"`
	PaymentMethod string          `json:"paymentMethod"`
	Items         map[string]any  `json:"items,omitempty"`
}

// SignupResponse is the new member and its receipt.
type SignupResponse struct {
	Member  MemberDTO  `json:"member"`
	Receipt ReceiptDTO `json:"receipt"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// LoadScenarioResponse returns bearer tokens for the scenario's staff.
type LoadScenarioResponse struct {
	Scenario string            `json:"scenario"`
	Tokens   map[string]string `json:"tokens"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"` // request ID of an internal error
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}

func formatTimestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseDate reads an optional YYYY-MM-DD field.
func parseDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return nil, generic.Validationf("%s must be a date like 2024-01-31", field)
	}
	return &t, nil
}

func toLedgerDTO(l generic.ServiceLedger) LedgerDTO {
	return LedgerDTO{
		Code:              int64(l.Code),
		Kind:              string(l.Kind),
		ClientName:        l.ClientName,
		Phone:             l.Phone,
		OwnerStaffID:      string(l.OwnerStaffID),
		OwnerName:         l.OwnerName,
		SessionsPurchased: l.SessionsPurchased,
		SessionsRemaining: l.SessionsRemaining,
		PricePerSession:   l.PricePerSession,
		RemainingAmount:   l.RemainingAmount,
		StartDate:         formatDate(l.StartDate),
		ExpiryDate:        formatDate(l.ExpiryDate),
		CreatedAt:         formatTimestamp(&l.CreatedAt),
	}
}

func toLedgerDTOs(ls []generic.ServiceLedger) []LedgerDTO {
	return lo.Map(ls, func(l generic.ServiceLedger, _ int) LedgerDTO { return toLedgerDTO(l) })
}

func toServiceDTO(info generic.ServiceInfo) ServiceDTO {
	return ServiceDTO{
		Kind:          string(info.Kind),
		DisplayName:   info.DisplayName,
		OwnerRole:     string(info.OwnerRole),
		PurchaseLabel: info.PurchaseLabel,
		RenewalLabel:  info.RenewalLabel,
	}
}

func toSessionDTO(s generic.SessionRecord) SessionDTO {
	return SessionDTO{
		ID:          string(s.ID),
		Code:        int64(s.LedgerCode),
		SessionDate: s.SessionDate.Format(dateLayout),
		Attended:    s.Attended,
		AttendedAt:  formatTimestamp(s.AttendedAt),
		AttendedBy:  s.AttendedBy,
		Notes:       s.Notes,
		CreatedAt:   formatTimestamp(&s.CreatedAt),
	}
}

func toSessionDTOs(ss []generic.SessionRecord) []SessionDTO {
	return lo.Map(ss, func(s generic.SessionRecord, _ int) SessionDTO { return toSessionDTO(s) })
}

func toReceiptDTO(r generic.Receipt) ReceiptDTO {
	dto := ReceiptDTO{
		ID:            string(r.ID),
		ReceiptNumber: r.Number,
		Type:          string(r.Type),
		Amount:        r.Amount,
		PaymentMethod: string(r.PaymentMethod),
		StaffName:     r.StaffName,
		ItemDetails:   r.ItemDetails,
		IsCancelled:   r.IsCancelled,
		CancelledAt:   formatTimestamp(r.CancelledAt),
		CancelledBy:   r.CancelledBy,
		CancelReason:  r.CancelReason,
		CreatedAt:     formatTimestamp(&r.CreatedAt),
	}
	if len(dto.ItemDetails) == 0 {
		dto.ItemDetails = json.RawMessage("{}")
	}
	if r.MemberID != nil {
		dto.MemberID = lo.ToPtr(string(*r.MemberID))
	}
	if r.LedgerCode != nil {
		dto.LedgerCode = lo.ToPtr(int64(*r.LedgerCode))
	}
	return dto
}

func toReceiptDTOs(rs []generic.Receipt) []ReceiptDTO {
	return lo.Map(rs, func(r generic.Receipt, _ int) ReceiptDTO { return toReceiptDTO(r) })
}

func toExpenseDTO(e generic.Expense) ExpenseDTO {
	dto := ExpenseDTO{
		ID:          string(e.ID),
		Type:        string(e.Type),
		Amount:      e.Amount,
		Description: e.Description,
		Notes:       e.Notes,
		CreatedAt:   formatTimestamp(&e.CreatedAt),
	}
	if e.ReceiptID != nil {
		dto.ReceiptID = lo.ToPtr(string(*e.ReceiptID))
	}
	return dto
}

func toExpenseDTOs(es []generic.Expense) []ExpenseDTO {
	return lo.Map(es, func(e generic.Expense, _ int) ExpenseDTO { return toExpenseDTO(e) })
}

func toMemberDTO(m generic.Member) MemberDTO {
	return MemberDTO{
		ID:           string(m.ID),
		MemberNumber: m.Number,
		Name:         m.Name,
		Phone:        m.Phone,
		Category:     string(m.Category),
		CreatedAt:    formatTimestamp(&m.CreatedAt),
	}
}

func toAttendanceResponse(s generic.SessionRecord, remaining int) AttendanceResponse {
	return AttendanceResponse{Session: toSessionDTO(s), SessionsRemaining: remaining}
}
