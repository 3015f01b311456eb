/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	front desk data. Each scenario resets the store, sells ledgers, books
	past sessions, registers members and issues receipts through the same
	services the API uses, so counters and receipts stay consistent.

AVAILABLE SCENARIOS:

	empty:          Clean store, counters at their initial values
	front-desk-day: Coach ledger 1042 with 3 of 10 sessions left, an
	                exhausted physiotherapy ledger, a member and a manual
	                receipt of 500
	multi-service:  One client holding PT, nutrition and group class
	                ledgers owned by different practitioners

STAFF:

	Every scenario returns bearer tokens for the same demo staff:
	admin, reception, coach-a, coach-b, physio-a, nutrition-a.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "front-desk-day"}

NOTE:

	Scenarios reset the store. Only mounted in local mode.

SEE ALSO:
  - handlers.go: Handler dependencies
  - server.go: RouterConfig.EnableScenarios
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/ledger"
	"github.com/warp/gym-ledger/member"
	"github.com/warp/gym-ledger/receipt"
)

// tokenTTL is how long scenario tokens stay valid.
const tokenTTL = 12 * time.Hour

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "empty",
		Name:        "Empty",
		Description: "Clean store with counters at their initial values",
	},
	{
		ID:          "front-desk-day",
		Name:        "Front Desk Day",
		Description: "Coach ledger 1042 with 3 sessions left, an exhausted physio ledger, a member and a manual receipt",
	},
	{
		ID:          "multi-service",
		Name:        "Multi-Service Client",
		Description: "One client with PT, nutrition and group class ledgers owned by different staff",
	},
}

// Demo staff shared by every scenario.
var (
	staffAdmin     = generic.Actor{StaffID: "admin", Role: generic.RoleAdmin, Name: "Dana Admin"}
	staffReception = generic.Actor{StaffID: "reception", Role: generic.RoleReception, Name: "Rita Reception"}
	staffCoachA    = generic.Actor{StaffID: "coach-a", Role: generic.RoleCoach, Name: "Alex Coach"}
	staffCoachB    = generic.Actor{StaffID: "coach-b", Role: generic.RoleCoach, Name: "Blake Coach"}
	staffPhysio    = generic.Actor{StaffID: "physio-a", Role: generic.RolePhysiotherapist, Name: "Pat Physio"}
	staffNutrition = generic.Actor{StaffID: "nutrition-a", Role: generic.RoleNutritionist, Name: "Nico Nutrition"}
)

var demoStaff = []generic.Actor{staffAdmin, staffReception, staffCoachA, staffCoachB, staffPhysio, staffNutrition}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last scenario loaded by this process.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, map[string]any{"scenario": s})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
}

// LoadScenario resets the store, loads a scenario and returns tokens for
// the demo staff.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(ActorFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	resp, err := h.loadScenario(r.Context(), req.ScenarioID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(ActorFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.reset(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) loadScenario(ctx context.Context, id string) (LoadScenarioResponse, error) {
	var load func(context.Context) error
	switch id {
	case "empty":
		load = func(context.Context) error { return nil }
	case "front-desk-day":
		load = h.loadFrontDeskDay
	case "multi-service":
		load = h.loadMultiService
	default:
		return LoadScenarioResponse{}, generic.Validationf("unknown scenario %q", id)
	}

	if err := h.reset(ctx); err != nil {
		return LoadScenarioResponse{}, err
	}
	if err := load(ctx); err != nil {
		return LoadScenarioResponse{}, errors.Wrapf(err, "load scenario %s", id)
	}

	tokens := make(map[string]string, len(demoStaff))
	for _, actor := range demoStaff {
		tok, err := h.Auth.IssueToken(actor, tokenTTL)
		if err != nil {
			return LoadScenarioResponse{}, err
		}
		tokens[string(actor.StaffID)] = tok
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()

	h.Log.Infow("scenario loaded", "scenario", id)
	return LoadScenarioResponse{Scenario: id, Tokens: tokens}, nil
}

func (h *Handler) reset(ctx context.Context) error {
	if h.Reset == nil {
		return errors.AssertionFailedf("store does not support reset")
	}
	return h.Reset(ctx)
}

func requireAdmin(actor generic.Actor) error {
	if actor.Role != generic.RoleAdmin {
		return errors.WithHint(
			&generic.ForbiddenError{StaffID: actor.StaffID, Role: actor.Role, Action: "load_scenario", Reason: "administrators only"},
			"Only administrators can load demo data")
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadFrontDeskDay builds the ledgers used at the scanner: 1042 for coach-a
// with 3 of 10 sessions left, and 2001 for physio-a with none left.
func (h *Handler) loadFrontDeskDay(ctx context.Context) error {
	today := h.Ledgers.Now().UTC().Truncate(24 * time.Hour)

	if err := h.sellWithHistory(ctx, ledger.PurchaseRequest{
		Code:            1042,
		Kind:            generic.ServicePT,
		ClientName:      "Sam Client",
		Phone:           "555-0142",
		OwnerStaffID:    staffCoachA.StaffID,
		OwnerName:       staffCoachA.Name,
		Sessions:        10,
		PricePerSession: decimal.NewFromInt(50),
		PaymentMethod:   generic.PaymentCard,
	}, 7, today); err != nil {
		return err
	}

	if err := h.sellWithHistory(ctx, ledger.PurchaseRequest{
		Code:            2001,
		Kind:            generic.ServicePhysio,
		ClientName:      "Jo Rehab",
		OwnerStaffID:    staffPhysio.StaffID,
		OwnerName:       staffPhysio.Name,
		Sessions:        4,
		PricePerSession: decimal.NewFromInt(80),
		PaymentMethod:   generic.PaymentCash,
	}, 4, today); err != nil {
		return err
	}

	if _, err := h.Members.Register(ctx, member.Request{
		Name:          "Sam Client",
		Phone:         "555-0142",
		Category:      generic.MemberRegular,
		Fee:           decimal.NewFromInt(100),
		PaymentMethod: generic.PaymentCash,
	}, staffReception); err != nil {
		return err
	}

	_, err := h.Receipts.Issue(ctx, receipt.Request{
		Type:          generic.ReceiptManual,
		Amount:        decimal.NewFromInt(500),
		PaymentMethod: generic.PaymentTransfer,
		Items:         map[string]any{"description": "Equipment rental"},
	}, staffReception)
	return err
}

// loadMultiService gives one client a ledger of every practitioner kind.
func (h *Handler) loadMultiService(ctx context.Context) error {
	today := h.Ledgers.Now().UTC().Truncate(24 * time.Hour)
	expiry := today.AddDate(0, 3, 0)

	sales := []struct {
		req  ledger.PurchaseRequest
		used int
	}{
		{ledger.PurchaseRequest{Code: 3001, Kind: generic.ServicePT, OwnerStaffID: staffCoachB.StaffID, OwnerName: staffCoachB.Name,
			Sessions: 12, PricePerSession: decimal.NewFromInt(45)}, 2},
		{ledger.PurchaseRequest{Code: 3002, Kind: generic.ServiceNutrition, OwnerStaffID: staffNutrition.StaffID, OwnerName: staffNutrition.Name,
			Sessions: 4, PricePerSession: decimal.RequireFromString("62.50")}, 1},
		{ledger.PurchaseRequest{Code: 3003, Kind: generic.ServiceGroupClass, OwnerStaffID: staffCoachA.StaffID, OwnerName: staffCoachA.Name,
			Sessions: 20, PricePerSession: decimal.NewFromInt(10)}, 0},
	}
	for _, s := range sales {
		s.req.ClientName = "Morgan Multi"
		s.req.Phone = "555-0300"
		s.req.PaymentMethod = generic.PaymentCard
		s.req.StartDate = &today
		s.req.ExpiryDate = &expiry
		if err := h.sellWithHistory(ctx, s.req, s.used, today); err != nil {
			return err
		}
	}
	return nil
}

// sellWithHistory purchases req and books used past sessions on it, one
// per day going back from today.
func (h *Handler) sellWithHistory(ctx context.Context, req ledger.PurchaseRequest, used int, today time.Time) error {
	sale, err := h.Ledgers.Purchase(ctx, req, staffReception)
	if err != nil {
		return err
	}
	for i := used; i > 0; i-- {
		if _, err := h.Ledgers.ScheduleUnattended(ctx, sale.Ledger, staffAdmin, today.AddDate(0, 0, -i), "demo history"); err != nil {
			return err
		}
	}
	return nil
}
