package generic

import "time"

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	ActorID    StaffID
	ActorName  string
	Action     AuditAction
	LedgerCode *LedgerCode
	ReceiptID  *ReceiptID
	Outcome    string
	Payload    map[string]any
}

type AuditAction string

const (
	AuditCheckIn          AuditAction = "check_in"
	AuditSessionScheduled AuditAction = "session_scheduled"
	AuditSessionReversed  AuditAction = "session_reversed"
	AuditServicePurchased AuditAction = "service_purchased"
	AuditServiceRenewed   AuditAction = "service_renewed"
	AuditRemainingPaid    AuditAction = "remaining_paid"
	AuditReceiptIssued    AuditAction = "receipt_issued"
	AuditReceiptCancelled AuditAction = "receipt_cancelled"
	AuditMemberRegistered AuditAction = "member_registered"
)

// AuditRecorder accepts audit entries fire-and-forget. Implementations must
// never block the caller and never report failure to it.
type AuditRecorder interface {
	Record(entry AuditEntry)
}

// NopRecorder discards every entry.
type NopRecorder struct{}

func (NopRecorder) Record(AuditEntry) {}
