/*
Package generic provides the core types shared by every part of the engine.

PURPOSE:
  This package holds the domain vocabulary of the back office: counters,
  service ledgers, session records, receipts, expenses, members and the
  actor performing an operation. It has no knowledge of storage engines or
  HTTP. Packages sequence, ledger, checkin, receipt and member build their
  behaviour on top of these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - SequenceDomain: a named counter (member numbers, receipt numbers)
  - ServiceLedger: a purchased block of sessions for one ServiceKind
  - SessionRecord: one consumed (or pre-booked) session of a ledger
  - Receipt / Expense: financial records; cancellation creates an Expense
  - Actor: who is performing the operation (trusted, supplied by the caller)

DESIGN PRINCIPLES:
  1. One ledger type for every service kind: kinds differ only in display
     metadata (see service.go), never in ledger behaviour
  2. Precision: money uses decimal.Decimal
  3. Immutability: receipts are never edited except for cancellation fields,
     and are never deleted

SEE ALSO:
  - errors.go: error taxonomy
  - capability.go: authorization over a closed capability set
  - store.go: persistence interfaces
*/
package generic

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StaffID string
type SessionID string
type ReceiptID string
type ExpenseID string
type MemberID string

// LedgerCode is the unique number of a service ledger. Its decimal rendering
// is the barcode printed on the client's card.
type LedgerCode int64

// =============================================================================
// SEQUENCE DOMAINS
// =============================================================================

// SequenceDomain names a counter. Each domain allocates identifiers for
// exactly one collection.
type SequenceDomain string

const (
	DomainMemberNumber  SequenceDomain = "member_number"
	DomainReceiptNumber SequenceDomain = "receipt_number"
)

// Counter is the durable state behind a SequenceDomain.
// Current is the next value to hand out; it never decreases.
type Counter struct {
	Domain  SequenceDomain
	Current int64
}

// =============================================================================
// ACTOR
// =============================================================================

type Role string

const (
	RoleAdmin           Role = "admin"
	RoleManager         Role = "manager"
	RoleReception       Role = "reception"
	RoleCoach           Role = "coach"
	RolePhysiotherapist Role = "physiotherapist"
	RoleNutritionist    Role = "nutritionist"
)

// Actor is the authenticated staff member performing an operation.
// It is supplied by the identity collaborator and trusted as-is.
type Actor struct {
	StaffID StaffID
	Role    Role
	Name    string
}

func (a Actor) IsZero() bool { return a.StaffID == "" && a.Role == "" }

// =============================================================================
// SERVICE LEDGER
// =============================================================================

type ServiceLedger struct {
	Code              LedgerCode
	Kind              ServiceKind
	ClientName        string
	Phone             string
	OwnerStaffID      StaffID
	OwnerName         string
	SessionsPurchased int
	SessionsRemaining int
	PricePerSession   decimal.Decimal
	RemainingAmount   decimal.Decimal // still owed by the client
	StartDate         *time.Time
	ExpiryDate        *time.Time
	CreatedAt         time.Time
}

// Valid reports whether the session counts respect
// 0 <= SessionsRemaining <= SessionsPurchased and nothing negative is owed.
func (l ServiceLedger) Valid() bool {
	return l.SessionsRemaining >= 0 && l.SessionsRemaining <= l.SessionsPurchased &&
		!l.RemainingAmount.IsNegative()
}

func (l ServiceLedger) CanCheckIn() bool { return l.SessionsRemaining > 0 }

// LedgerFilter narrows ListLedgers. Zero values match everything.
type LedgerFilter struct {
	Kind         ServiceKind
	OwnerStaffID StaffID
}

// =============================================================================
// SESSION RECORD
// =============================================================================

// SessionRecord is one session drawn from a ledger. It references the ledger
// by code only; deleting it gives one session back to that ledger.
type SessionRecord struct {
	ID          SessionID
	LedgerCode  LedgerCode
	SessionDate time.Time
	Attended    bool
	AttendedBy  string
	AttendedAt  *time.Time
	Notes       string
	CreatedAt   time.Time
}

// =============================================================================
// RECEIPTS AND EXPENSES
// =============================================================================

type ReceiptType string

const (
	ReceiptMemberSignup     ReceiptType = "member_signup"
	ReceiptServicePurchase  ReceiptType = "service_purchase"
	ReceiptServiceRenewal   ReceiptType = "service_renewal"
	ReceiptRemainingPayment ReceiptType = "remaining_payment"
	ReceiptManual           ReceiptType = "manual"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
)

// Receipt is an issued financial record. Only the cancellation fields may
// change after issuance.
type Receipt struct {
	ID            ReceiptID
	Number        int64
	Type          ReceiptType
	Amount        decimal.Decimal
	PaymentMethod PaymentMethod
	StaffName     string
	ItemDetails   json.RawMessage
	MemberID      *MemberID
	LedgerCode    *LedgerCode
	IsCancelled   bool
	CancelledAt   *time.Time
	CancelledBy   string
	CancelReason  string
	CreatedAt     time.Time
}

// Cancellation carries the fields written when a receipt is cancelled.
type Cancellation struct {
	At     time.Time
	By     string
	Reason string
}

type ReceiptFilter struct {
	Cancelled *bool
	Limit     int
}

type ExpenseType string

const ExpenseReceiptCancellation ExpenseType = "receipt cancellation"

// Expense is a compensating record. Cancellation expenses always carry the
// amount of the receipt they neutralize.
type Expense struct {
	ID          ExpenseID
	Type        ExpenseType
	Amount      decimal.Decimal
	Description string
	Notes       string
	ReceiptID   *ReceiptID
	CreatedAt   time.Time
}

// =============================================================================
// MEMBERS
// =============================================================================

type MemberCategory string

const (
	MemberRegular MemberCategory = "regular"
	// MemberOther is the only category without a member number.
	MemberOther MemberCategory = "other"
)

type Member struct {
	ID        MemberID
	Number    *int64
	Name      string
	Phone     string
	Category  MemberCategory
	CreatedAt time.Time
}
