/*
processor.go - Barcode check-in state machine

PURPOSE:
  Turns one barcode scan into at most one consumed session. Every scan runs a
  fresh machine; nothing is kept between scans and a failed scan is never
  resumed.

STATES:

  Scanned --lookup--> Resolved --authorize--> Authorized --available--> Available --commit--> Committed
     |                   |                        |                        |
     v                   v                        v                        v
  NotFound           Forbidden               Insufficient             Insufficient
  Invalid

  Invalid is an empty scan: there is no code to look up. Text that is not
  a ledger code at all still ends in NotFound.

  The last Insufficient edge is the lost race: the availability check passed
  on the ledger as read, but another scan took the last session before the
  guarded decrement ran.

SIDE EFFECTS:
  Every terminal state produces exactly one audit entry and one metrics
  sample. The audit recorder is fire-and-forget; a broken sink never fails
  the scan.

SEE ALSO:
  - ledger/ledger.go: lookup, authorize, availability and the atomic commit
  - api/handlers.go: POST /api/checkin wire contract
*/
package checkin

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/ledger"
	"github.com/warp/gym-ledger/logger"
	"github.com/warp/gym-ledger/metrics"
)

// =============================================================================
// STATES
// =============================================================================

type State string

const (
	StateScanned    State = "scanned"
	StateResolved   State = "resolved"
	StateAuthorized State = "authorized"
	StateAvailable  State = "available"
	StateCommitted  State = "committed"

	StateInvalid      State = "invalid"
	StateNotFound     State = "not_found"
	StateForbidden    State = "forbidden"
	StateInsufficient State = "insufficient"
)

var transitions = map[State][]State{
	StateScanned:    {StateResolved, StateNotFound, StateInvalid},
	StateResolved:   {StateAuthorized, StateForbidden},
	StateAuthorized: {StateAvailable, StateInsufficient},
	StateAvailable:  {StateCommitted, StateInsufficient},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether from -> to is an edge of the machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// PROCESSOR
// =============================================================================

// Request is one scan.
type Request struct {
	Code  string
	Notes string
}

// Result describes where a scan ended. Session and SessionsRemaining are set
// only when State is StateCommitted.
type Result struct {
	State             State
	Trail             []State
	Ledger            generic.ServiceLedger
	Session           generic.SessionRecord
	SessionsRemaining int
}

// Processor runs check-ins against a ledger service.
type Processor struct {
	Ledgers *ledger.Service
	Audit   generic.AuditRecorder
	Log     *logger.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

func NewProcessor(ledgers *ledger.Service) *Processor {
	return &Processor{
		Ledgers: ledgers,
		Audit:   generic.NopRecorder{},
		Log:     logger.NewNop(),
		Now:     time.Now,
	}
}

type run struct {
	state State
	trail []State
}

func (r *run) to(next State) error {
	if !CanTransition(r.state, next) {
		return errors.AssertionFailedf("check-in: illegal transition %s -> %s", r.state, next)
	}
	r.state = next
	r.trail = append(r.trail, next)
	return nil
}

// Process runs one scan to a terminal state. The returned error is nil only
// for StateCommitted; otherwise it carries the kind of the failure exit.
func (p *Processor) Process(ctx context.Context, req Request, actor generic.Actor) (Result, error) {
	if actor.IsZero() {
		p.Metrics.ObserveCheckIn("", "unauthorized", 0)
		return Result{}, errors.WithHint(generic.ErrUnauthorized, "Sign in first")
	}

	start := p.Now()
	r := &run{state: StateScanned, trail: []State{StateScanned}}
	res, err := p.advance(ctx, r, req, actor)
	res.State = r.state
	res.Trail = r.trail

	p.finish(res, req, actor, err, p.Now().Sub(start))
	return res, err
}

func (p *Processor) advance(ctx context.Context, r *run, req Request, actor generic.Actor) (Result, error) {
	var res Result

	l, err := p.Ledgers.LookupByCode(ctx, req.Code)
	if err != nil {
		switch {
		case generic.IsNotFound(err):
			return res, errors.CombineErrors(err, r.to(StateNotFound))
		case errors.Is(err, generic.ErrValidation):
			return res, errors.CombineErrors(err, r.to(StateInvalid))
		}
		return res, err
	}
	res.Ledger = l
	if err := r.to(StateResolved); err != nil {
		return res, err
	}

	if err := p.Ledgers.Authorize(l, actor, generic.ActionCheckIn); err != nil {
		return res, errors.CombineErrors(err, r.to(StateForbidden))
	}
	if err := r.to(StateAuthorized); err != nil {
		return res, err
	}

	if err := p.Ledgers.CheckAvailable(l); err != nil {
		return res, errors.CombineErrors(err, r.to(StateInsufficient))
	}
	if err := r.to(StateAvailable); err != nil {
		return res, err
	}

	att, err := p.Ledgers.RecordAttendance(ctx, l, actor, req.Notes)
	if err != nil {
		if errors.Is(err, generic.ErrInsufficientSessions) {
			return res, errors.CombineErrors(err, r.to(StateInsufficient))
		}
		return res, err
	}
	if err := r.to(StateCommitted); err != nil {
		return res, err
	}

	res.Session = att.Session
	res.SessionsRemaining = att.Remaining
	res.Ledger.SessionsRemaining = att.Remaining
	return res, nil
}

func (p *Processor) finish(res Result, req Request, actor generic.Actor, err error, took time.Duration) {
	outcome := string(res.State)
	if !res.State.Terminal() {
		outcome = "error"
	}
	p.Metrics.ObserveCheckIn(string(res.Ledger.Kind), outcome, took.Seconds())

	payload := map[string]any{
		"code":  req.Code,
		"trail": res.Trail,
	}
	var code *generic.LedgerCode
	if res.Ledger.Code != 0 {
		c := res.Ledger.Code
		code = &c
	}

	if err != nil {
		payload["error"] = generic.Message(err)
		payload["kind"] = generic.KindOf(err)
		if outcome == "error" {
			p.Log.Errorw("check-in failed", "code", req.Code, "state", res.State, "staff_id", actor.StaffID, "error", err)
		} else {
			p.Log.Infow("check-in rejected", "code", req.Code, "state", res.State, "staff_id", actor.StaffID, "kind", generic.KindOf(err))
		}
	} else {
		payload["sessionId"] = res.Session.ID
		payload["sessionsRemaining"] = res.SessionsRemaining
		p.Log.Infow("check-in committed", "code", req.Code, "sessions_remaining", res.SessionsRemaining, "staff_id", actor.StaffID)
	}

	p.Audit.Record(generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  p.Now().UTC(),
		ActorID:    actor.StaffID,
		ActorName:  actor.Name,
		Action:     generic.AuditCheckIn,
		LedgerCode: code,
		Outcome:    outcome,
		Payload:    payload,
	})
}
