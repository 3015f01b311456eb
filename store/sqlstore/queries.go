package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/gym-ledger/generic"
)

// timeLayout is fixed width so that stored text sorts in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// queries implements generic.Store over either the database or an open
// transaction.
type queries struct {
	q sqlx.ExtContext
}

var _ generic.Store = (*queries)(nil)

func (x *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, x.q, dest, x.q.Rebind(query), args...)
}

func (x *queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, x.q, dest, x.q.Rebind(query), args...)
}

func (x *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := x.q.ExecContext(ctx, x.q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// COUNTERS
// =============================================================================

func (x *queries) ReadCounter(ctx context.Context, d generic.SequenceDomain) (int64, bool, error) {
	var cur int64
	err := x.get(ctx, &cur, `SELECT current_value FROM counters WHERE domain = ?`, string(d))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "read counter %s", d)
	}
	return cur, true, nil
}

func (x *queries) EnsureCounter(ctx context.Context, d generic.SequenceDomain, initial int64) (int64, error) {
	if _, err := x.exec(ctx,
		`INSERT INTO counters (domain, current_value) VALUES (?, ?) ON CONFLICT (domain) DO NOTHING`,
		string(d), initial); err != nil {
		return 0, mapError(err, "ensure counter")
	}
	var cur int64
	if err := x.get(ctx, &cur, `SELECT current_value FROM counters WHERE domain = ?`, string(d)); err != nil {
		return 0, errors.Wrapf(err, "read counter %s", d)
	}
	return cur, nil
}

func (x *queries) RatchetCounter(ctx context.Context, d generic.SequenceDomain, next int64) error {
	n, err := x.exec(ctx,
		`UPDATE counters SET current_value = ? WHERE domain = ? AND current_value < ?`,
		next, string(d), next)
	if err != nil {
		return mapError(err, "ratchet counter")
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := x.get(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM counters WHERE domain = ?)`, string(d)); err != nil {
		return errors.Wrapf(err, "read counter %s", d)
	}
	if !exists {
		return errors.Wrapf(generic.ErrNotFound, "counter %s", d)
	}
	return nil
}

func (x *queries) NumberTaken(ctx context.Context, d generic.SequenceDomain, v int64) (bool, error) {
	var query string
	switch d {
	case generic.DomainReceiptNumber:
		query = `SELECT EXISTS (SELECT 1 FROM receipts WHERE receipt_number = ?)`
	case generic.DomainMemberNumber:
		query = `SELECT EXISTS (SELECT 1 FROM members WHERE member_number = ?)`
	default:
		return false, errors.Newf("unknown sequence domain %q", d)
	}
	var taken bool
	if err := x.get(ctx, &taken, query, v); err != nil {
		return false, errors.Wrapf(err, "check %s %d", d, v)
	}
	return taken, nil
}

// =============================================================================
// LEDGERS
// =============================================================================

const ledgerColumns = `code, service_kind, client_name, phone, owner_staff_id, owner_name,
	sessions_purchased, sessions_remaining, price_per_session, remaining_amount_cents,
	start_date, expiry_date, created_at`

type ledgerRow struct {
	Code              int64          `db:"code"`
	Kind              string         `db:"service_kind"`
	ClientName        string         `db:"client_name"`
	Phone             string         `db:"phone"`
	OwnerStaffID      string         `db:"owner_staff_id"`
	OwnerName         string         `db:"owner_name"`
	SessionsPurchased int            `db:"sessions_purchased"`
	SessionsRemaining int            `db:"sessions_remaining"`
	PricePerSession   string         `db:"price_per_session"`
	RemainingCents    int64          `db:"remaining_amount_cents"`
	StartDate         sql.NullString `db:"start_date"`
	ExpiryDate        sql.NullString `db:"expiry_date"`
	CreatedAt         string         `db:"created_at"`
}

func (r ledgerRow) toLedger() (generic.ServiceLedger, error) {
	price, err := decimal.NewFromString(r.PricePerSession)
	if err != nil {
		return generic.ServiceLedger{}, errors.Wrapf(err, "ledger %d price", r.Code)
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return generic.ServiceLedger{}, err
	}
	start, err := parseNullTime(r.StartDate)
	if err != nil {
		return generic.ServiceLedger{}, err
	}
	expiry, err := parseNullTime(r.ExpiryDate)
	if err != nil {
		return generic.ServiceLedger{}, err
	}
	return generic.ServiceLedger{
		Code:              generic.LedgerCode(r.Code),
		Kind:              generic.ServiceKind(r.Kind),
		ClientName:        r.ClientName,
		Phone:             r.Phone,
		OwnerStaffID:      generic.StaffID(r.OwnerStaffID),
		OwnerName:         r.OwnerName,
		SessionsPurchased: r.SessionsPurchased,
		SessionsRemaining: r.SessionsRemaining,
		PricePerSession:   price,
		RemainingAmount:   fromCents(r.RemainingCents),
		StartDate:         start,
		ExpiryDate:        expiry,
		CreatedAt:         created,
	}, nil
}

func (x *queries) CreateLedger(ctx context.Context, l generic.ServiceLedger) error {
	owed, err := toCents(l.RemainingAmount)
	if err != nil {
		return err
	}
	_, err = x.exec(ctx, `INSERT INTO service_ledgers (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(l.Code), string(l.Kind), l.ClientName, l.Phone, string(l.OwnerStaffID), l.OwnerName,
		l.SessionsPurchased, l.SessionsRemaining, l.PricePerSession.String(), owed,
		formatNullTime(l.StartDate), formatNullTime(l.ExpiryDate), formatTime(l.CreatedAt))
	return mapError(err, "create ledger")
}

func (x *queries) GetLedger(ctx context.Context, code generic.LedgerCode) (generic.ServiceLedger, error) {
	var row ledgerRow
	err := x.get(ctx, &row, `SELECT `+ledgerColumns+` FROM service_ledgers WHERE code = ?`, int64(code))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ServiceLedger{}, errors.Wrapf(generic.ErrNotFound, "ledger %d", code)
	}
	if err != nil {
		return generic.ServiceLedger{}, errors.Wrapf(err, "get ledger %d", code)
	}
	return row.toLedger()
}

func (x *queries) ListLedgers(ctx context.Context, f generic.LedgerFilter) ([]generic.ServiceLedger, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "service_kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.OwnerStaffID != "" {
		where = append(where, "owner_staff_id = ?")
		args = append(args, string(f.OwnerStaffID))
	}
	query := `SELECT ` + ledgerColumns + ` FROM service_ledgers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY code`

	var rows []ledgerRow
	if err := x.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list ledgers")
	}
	out := make([]generic.ServiceLedger, 0, len(rows))
	for _, r := range rows {
		l, err := r.toLedger()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// DecrementRemaining is a single guarded UPDATE. When it matches no row a
// second read tells a missing ledger from an empty one.
func (x *queries) DecrementRemaining(ctx context.Context, code generic.LedgerCode) (int, error) {
	var remaining int
	err := x.get(ctx, &remaining, `UPDATE service_ledgers
		SET sessions_remaining = sessions_remaining - 1
		WHERE code = ? AND sessions_remaining > 0
		RETURNING sessions_remaining`, int64(code))
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapError(err, "decrement remaining")
	}
	l, err := x.GetLedger(ctx, code)
	if err != nil {
		return 0, err
	}
	return 0, &generic.InsufficientSessionsError{Code: code, Remaining: l.SessionsRemaining, Purchased: l.SessionsPurchased}
}

func (x *queries) IncrementRemaining(ctx context.Context, code generic.LedgerCode) (int, error) {
	var remaining int
	err := x.get(ctx, &remaining, `UPDATE service_ledgers
		SET sessions_remaining = sessions_remaining + 1
		WHERE code = ? AND sessions_remaining < sessions_purchased
		RETURNING sessions_remaining`, int64(code))
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapError(err, "increment remaining")
	}
	l, err := x.GetLedger(ctx, code)
	if err != nil {
		return 0, err
	}
	return 0, errors.Wrapf(generic.ErrInvariantViolation, "ledger %d already has all %d sessions", code, l.SessionsPurchased)
}

func (x *queries) AddSessions(ctx context.Context, code generic.LedgerCode, n int) (generic.ServiceLedger, error) {
	var row ledgerRow
	err := x.get(ctx, &row, `UPDATE service_ledgers
		SET sessions_purchased = sessions_purchased + ?, sessions_remaining = sessions_remaining + ?
		WHERE code = ?
		RETURNING `+ledgerColumns, n, n, int64(code))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ServiceLedger{}, errors.Wrapf(generic.ErrNotFound, "ledger %d", code)
	}
	if err != nil {
		return generic.ServiceLedger{}, mapError(err, "add sessions")
	}
	return row.toLedger()
}

// ReduceRemainingAmount is a single guarded UPDATE on the amount in cents.
func (x *queries) ReduceRemainingAmount(ctx context.Context, code generic.LedgerCode, amount decimal.Decimal) (generic.ServiceLedger, error) {
	cents, err := toCents(amount)
	if err != nil {
		return generic.ServiceLedger{}, err
	}
	var row ledgerRow
	err = x.get(ctx, &row, `UPDATE service_ledgers
		SET remaining_amount_cents = remaining_amount_cents - ?
		WHERE code = ? AND remaining_amount_cents >= ?
		RETURNING `+ledgerColumns, cents, int64(code), cents)
	if err == nil {
		return row.toLedger()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return generic.ServiceLedger{}, mapError(err, "reduce remaining amount")
	}
	l, err := x.GetLedger(ctx, code)
	if err != nil {
		return generic.ServiceLedger{}, err
	}
	return generic.ServiceLedger{}, errors.Wrapf(generic.ErrInvariantViolation,
		"ledger %d owes %s, cannot take %s", code, l.RemainingAmount, amount)
}

// =============================================================================
// SESSIONS
// =============================================================================

const sessionColumns = `id, ledger_code, session_date, attended, attended_by, attended_at, notes, created_at`

type sessionRow struct {
	ID          string         `db:"id"`
	LedgerCode  int64          `db:"ledger_code"`
	SessionDate string         `db:"session_date"`
	Attended    bool           `db:"attended"`
	AttendedBy  string         `db:"attended_by"`
	AttendedAt  sql.NullString `db:"attended_at"`
	Notes       string         `db:"notes"`
	CreatedAt   string         `db:"created_at"`
}

func (r sessionRow) toSession() (generic.SessionRecord, error) {
	date, err := parseTime(r.SessionDate)
	if err != nil {
		return generic.SessionRecord{}, err
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return generic.SessionRecord{}, err
	}
	at, err := parseNullTime(r.AttendedAt)
	if err != nil {
		return generic.SessionRecord{}, err
	}
	return generic.SessionRecord{
		ID:          generic.SessionID(r.ID),
		LedgerCode:  generic.LedgerCode(r.LedgerCode),
		SessionDate: date,
		Attended:    r.Attended,
		AttendedBy:  r.AttendedBy,
		AttendedAt:  at,
		Notes:       r.Notes,
		CreatedAt:   created,
	}, nil
}

func (x *queries) CreateSession(ctx context.Context, s generic.SessionRecord) error {
	_, err := x.exec(ctx, `INSERT INTO session_records (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(s.ID), int64(s.LedgerCode), formatTime(s.SessionDate), s.Attended, s.AttendedBy,
		formatNullTime(s.AttendedAt), s.Notes, formatTime(s.CreatedAt))
	return mapError(err, "create session")
}

func (x *queries) GetSession(ctx context.Context, id generic.SessionID) (generic.SessionRecord, error) {
	var row sessionRow
	err := x.get(ctx, &row, `SELECT `+sessionColumns+` FROM session_records WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.SessionRecord{}, errors.Wrapf(generic.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return generic.SessionRecord{}, errors.Wrapf(err, "get session %s", id)
	}
	return row.toSession()
}

func (x *queries) DeleteSession(ctx context.Context, id generic.SessionID) error {
	n, err := x.exec(ctx, `DELETE FROM session_records WHERE id = ?`, string(id))
	if err != nil {
		return errors.Wrapf(err, "delete session %s", id)
	}
	if n == 0 {
		return errors.Wrapf(generic.ErrNotFound, "session %s", id)
	}
	return nil
}

func (x *queries) ListSessions(ctx context.Context, code generic.LedgerCode) ([]generic.SessionRecord, error) {
	var rows []sessionRow
	if err := x.selectAll(ctx, &rows, `SELECT `+sessionColumns+` FROM session_records
		WHERE ledger_code = ? ORDER BY session_date DESC, created_at DESC, id DESC`, int64(code)); err != nil {
		return nil, errors.Wrapf(err, "list sessions of %d", code)
	}
	out := make([]generic.SessionRecord, 0, len(rows))
	for _, r := range rows {
		s, err := r.toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// =============================================================================
// RECEIPTS
// =============================================================================

const receiptColumns = `id, receipt_number, receipt_type, amount, payment_method, staff_name, item_details,
	member_id, ledger_code, is_cancelled, cancelled_at, cancelled_by, cancel_reason, created_at`

type receiptRow struct {
	ID            string         `db:"id"`
	Number        int64          `db:"receipt_number"`
	Type          string         `db:"receipt_type"`
	Amount        string         `db:"amount"`
	PaymentMethod string         `db:"payment_method"`
	StaffName     string         `db:"staff_name"`
	ItemDetails   string         `db:"item_details"`
	MemberID      sql.NullString `db:"member_id"`
	LedgerCode    sql.NullInt64  `db:"ledger_code"`
	IsCancelled   bool           `db:"is_cancelled"`
	CancelledAt   sql.NullString `db:"cancelled_at"`
	CancelledBy   string         `db:"cancelled_by"`
	CancelReason  string         `db:"cancel_reason"`
	CreatedAt     string         `db:"created_at"`
}

func (r receiptRow) toReceipt() (generic.Receipt, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return generic.Receipt{}, errors.Wrapf(err, "receipt %d amount", r.Number)
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return generic.Receipt{}, err
	}
	cancelledAt, err := parseNullTime(r.CancelledAt)
	if err != nil {
		return generic.Receipt{}, err
	}
	rec := generic.Receipt{
		ID:            generic.ReceiptID(r.ID),
		Number:        r.Number,
		Type:          generic.ReceiptType(r.Type),
		Amount:        amount,
		PaymentMethod: generic.PaymentMethod(r.PaymentMethod),
		StaffName:     r.StaffName,
		ItemDetails:   json.RawMessage(r.ItemDetails),
		IsCancelled:   r.IsCancelled,
		CancelledAt:   cancelledAt,
		CancelledBy:   r.CancelledBy,
		CancelReason:  r.CancelReason,
		CreatedAt:     created,
	}
	if r.MemberID.Valid {
		id := generic.MemberID(r.MemberID.String)
		rec.MemberID = &id
	}
	if r.LedgerCode.Valid {
		code := generic.LedgerCode(r.LedgerCode.Int64)
		rec.LedgerCode = &code
	}
	return rec, nil
}

func (x *queries) CreateReceipt(ctx context.Context, r generic.Receipt) error {
	details := string(r.ItemDetails)
	if details == "" {
		details = "{}"
	}
	var memberID sql.NullString
	if r.MemberID != nil {
		memberID = sql.NullString{String: string(*r.MemberID), Valid: true}
	}
	var code sql.NullInt64
	if r.LedgerCode != nil {
		code = sql.NullInt64{Int64: int64(*r.LedgerCode), Valid: true}
	}
	_, err := x.exec(ctx, `INSERT INTO receipts (`+receiptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), r.Number, string(r.Type), r.Amount.String(), string(r.PaymentMethod), r.StaffName,
		details, memberID, code, r.IsCancelled, formatNullTime(r.CancelledAt), r.CancelledBy,
		r.CancelReason, formatTime(r.CreatedAt))
	return mapError(err, "create receipt")
}

func (x *queries) GetReceipt(ctx context.Context, id generic.ReceiptID) (generic.Receipt, error) {
	var row receiptRow
	err := x.get(ctx, &row, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Receipt{}, errors.Wrapf(generic.ErrNotFound, "receipt %s", id)
	}
	if err != nil {
		return generic.Receipt{}, errors.Wrapf(err, "get receipt %s", id)
	}
	return row.toReceipt()
}

func (x *queries) ListReceipts(ctx context.Context, f generic.ReceiptFilter) ([]generic.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts`
	var args []any
	if f.Cancelled != nil {
		query += ` WHERE is_cancelled = ?`
		args = append(args, *f.Cancelled)
	}
	query += ` ORDER BY receipt_number DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []receiptRow
	if err := x.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list receipts")
	}
	out := make([]generic.Receipt, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toReceipt()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkReceiptCancelled only touches a receipt that is not cancelled yet, so
// two concurrent cancellations cannot both succeed.
func (x *queries) MarkReceiptCancelled(ctx context.Context, id generic.ReceiptID, c generic.Cancellation) error {
	n, err := x.exec(ctx, `UPDATE receipts
		SET is_cancelled = ?, cancelled_at = ?, cancelled_by = ?, cancel_reason = ?
		WHERE id = ? AND is_cancelled = ?`,
		true, formatTime(c.At), c.By, c.Reason, string(id), false)
	if err != nil {
		return mapError(err, "cancel receipt")
	}
	if n > 0 {
		return nil
	}
	r, err := x.GetReceipt(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(generic.ErrAlreadyCancelled, "receipt %d", r.Number)
}

// =============================================================================
// EXPENSES
// =============================================================================

const expenseColumns = `id, expense_type, amount, description, notes, receipt_id, created_at`

type expenseRow struct {
	ID          string         `db:"id"`
	Type        string         `db:"expense_type"`
	Amount      string         `db:"amount"`
	Description string         `db:"description"`
	Notes       string         `db:"notes"`
	ReceiptID   sql.NullString `db:"receipt_id"`
	CreatedAt   string         `db:"created_at"`
}

func (x *queries) CreateExpense(ctx context.Context, e generic.Expense) error {
	var receiptID sql.NullString
	if e.ReceiptID != nil {
		receiptID = sql.NullString{String: string(*e.ReceiptID), Valid: true}
	}
	_, err := x.exec(ctx, `INSERT INTO expenses (`+expenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.Type), e.Amount.String(), e.Description, e.Notes, receiptID, formatTime(e.CreatedAt))
	return mapError(err, "create expense")
}

// ListExpenses returns expenses created within [from, to], oldest first.
// A zero bound is open.
func (x *queries) ListExpenses(ctx context.Context, from, to time.Time) ([]generic.Expense, error) {
	var (
		where []string
		args  []any
	)
	if !from.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(to))
	}
	query := `SELECT ` + expenseColumns + ` FROM expenses`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at`

	var rows []expenseRow
	if err := x.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list expenses")
	}
	out := make([]generic.Expense, 0, len(rows))
	for _, r := range rows {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, errors.Wrapf(err, "expense %s amount", r.ID)
		}
		created, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, err
		}
		e := generic.Expense{
			ID:          generic.ExpenseID(r.ID),
			Type:        generic.ExpenseType(r.Type),
			Amount:      amount,
			Description: r.Description,
			Notes:       r.Notes,
			CreatedAt:   created,
		}
		if r.ReceiptID.Valid {
			id := generic.ReceiptID(r.ReceiptID.String)
			e.ReceiptID = &id
		}
		out = append(out, e)
	}
	return out, nil
}

// =============================================================================
// MEMBERS
// =============================================================================

type memberRow struct {
	ID        string        `db:"id"`
	Number    sql.NullInt64 `db:"member_number"`
	Name      string        `db:"name"`
	Phone     string        `db:"phone"`
	Category  string        `db:"category"`
	CreatedAt string        `db:"created_at"`
}

func (x *queries) CreateMember(ctx context.Context, m generic.Member) error {
	var number sql.NullInt64
	if m.Number != nil {
		number = sql.NullInt64{Int64: *m.Number, Valid: true}
	}
	_, err := x.exec(ctx, `INSERT INTO members (id, member_number, name, phone, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.ID), number, m.Name, m.Phone, string(m.Category), formatTime(m.CreatedAt))
	return mapError(err, "create member")
}

func (x *queries) GetMember(ctx context.Context, id generic.MemberID) (generic.Member, error) {
	var row memberRow
	err := x.get(ctx, &row, `SELECT id, member_number, name, phone, category, created_at
		FROM members WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Member{}, errors.Wrapf(generic.ErrNotFound, "member %s", id)
	}
	if err != nil {
		return generic.Member{}, errors.Wrapf(err, "get member %s", id)
	}
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return generic.Member{}, err
	}
	m := generic.Member{
		ID:        generic.MemberID(row.ID),
		Name:      row.Name,
		Phone:     row.Phone,
		Category:  generic.MemberCategory(row.Category),
		CreatedAt: created,
	}
	if row.Number.Valid {
		n := row.Number.Int64
		m.Number = &n
	}
	return m, nil
}

// =============================================================================
// MONEY ENCODING
// =============================================================================

func toCents(d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Round(2)) {
		return 0, generic.Validationf("amount %s has more than two decimal places", d)
	}
	return d.Shift(2).IntPart(), nil
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// =============================================================================
// TIME ENCODING
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
