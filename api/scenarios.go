/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the store with a small estate so generation, payment and the
	overdue sweep can be exercised without an upstream directory.

AVAILABLE SCENARIOS:

	move-in:        Mid-month move-in, prorated first charges
	arrears:        Two unpaid past periods swept to overdue, thin balance
	frozen-account: Funded resident whose account is frozen

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save fee types and units
 3. Save occupancies and payment PINs
 4. Recharge balances through the settlement engine
 5. Optionally generate past periods and sweep

Every resident's payment PIN is DemoPIN. Dates are relative to the
handler's clock, so scenarios stay meaningful whenever they are loaded.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "arrears"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/estate-billing/billing"
)

// DemoPIN is the payment credential of every scenario resident.
const DemoPIN = "1234"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "move-in",
		Name:        "Mid-Month Move-In",
		Description: "One resident moved in on the 16th; current-period charges are prorated",
	},
	{
		ID:          "arrears",
		Name:        "Arrears",
		Description: "Two past periods unpaid and overdue; balance covers only one charge",
	},
	{
		ID:          "frozen-account",
		Name:        "Frozen Account",
		Description: "Funded resident whose balance account is frozen",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"move-in":        (*Handler).loadMoveInScenario,
	"arrears":        (*Handler).loadArrearsScenario,
	"frozen-account": (*Handler).loadFrozenAccountScenario,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(h, ctx); err != nil {
		h.Log.Error("scenario load failed", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadEstate saves the fee schedule and units shared by every scenario.
//
//	MGMT  management fee, 2.50 per m² of usable area
//	PARK  parking, flat 300.00
//	SVC   one-off service call, never auto-generated
//	A-101 88 m² usable
//	A-102 no usable area recorded, 96 m² building area
func (h *Handler) loadEstate(ctx context.Context) error {
	fees := []billing.FeeType{
		{ID: "fee-mgmt", Code: "MGMT", Name: "Management fee", UnitPrice: billing.MustParseMoney("2.50"), Basis: billing.BasisArea, AutoGenerate: true},
		{ID: "fee-park", Code: "PARK", Name: "Parking", UnitPrice: billing.MustParseMoney("300.00"), Basis: billing.BasisFlat, AutoGenerate: true},
		{ID: "fee-svc", Code: "SVC", Name: "Service call", UnitPrice: billing.MustParseMoney("80.00"), Basis: billing.BasisFlat, AutoGenerate: false},
	}
	for _, f := range fees {
		if err := h.Store.SaveFeeType(ctx, f); err != nil {
			return err
		}
	}

	units := []billing.UnitAttributes{
		{UnitID: "A-101", UsableArea: decimal.NewFromInt(88), BuildingArea: decimal.NewFromInt(102)},
		{UnitID: "A-102", BuildingArea: decimal.NewFromInt(96)},
	}
	for _, u := range units {
		if err := h.Store.SaveUnit(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// addResident saves an occupancy and PIN and funds the account when
// deposit is non-empty.
func (h *Handler) addResident(ctx context.Context, id billing.ResidentID, unit billing.UnitID, day int, period billing.Period, deposit string) error {
	start := period.FirstDay().AddDate(0, 0, day-1)
	if err := h.Store.SaveOccupancy(ctx, billing.Occupancy{ResidentID: id, UnitID: unit, StartDate: start, Active: true}); err != nil {
		return err
	}
	hash, err := billing.HashCredential(DemoPIN)
	if err != nil {
		return err
	}
	if err := h.Store.SetCredentialHash(ctx, id, hash); err != nil {
		return err
	}
	if deposit == "" {
		return nil
	}
	_, err = h.Settlement.Recharge(ctx, billing.RechargeRequest{
		ResidentID:  id,
		Amount:      billing.MustParseMoney(deposit),
		Description: "Opening deposit",
	})
	return err
}

// Move-in: R-100 has lived in A-101 for a year; R-200 moved into A-102 on
// the 16th of this month. Both are funded and this period is generated.
func (h *Handler) loadMoveInScenario(ctx context.Context) error {
	if err := h.loadEstate(ctx); err != nil {
		return err
	}
	current := billing.PeriodOf(h.Clock.Now())

	if err := h.addResident(ctx, "R-100", "A-101", 1, current.Previous().Previous(), "1000.00"); err != nil {
		return err
	}
	if err := h.addResident(ctx, "R-200", "A-102", 16, current, "500.00"); err != nil {
		return err
	}
	_, err := h.Generator.Generate(ctx, current)
	return err
}

// Arrears: R-300 in A-101 since before the last two periods, neither of
// which is paid. The sweep marks both overdue; 250.00 covers only the
// management fee of one period.
func (h *Handler) loadArrearsScenario(ctx context.Context) error {
	if err := h.loadEstate(ctx); err != nil {
		return err
	}
	current := billing.PeriodOf(h.Clock.Now())
	first := current.Previous().Previous()

	if err := h.addResident(ctx, "R-300", "A-101", 1, first.Previous(), "250.00"); err != nil {
		return err
	}
	for _, p := range []billing.Period{first, first.Next()} {
		if _, err := h.Generator.Generate(ctx, p); err != nil {
			return err
		}
	}
	_, err := h.Sweeper.Sweep(ctx, billing.DateOf(h.Clock.Now()))
	return err
}

// Frozen account: R-400 in A-102 with charges for this period and enough
// balance, but the account is frozen so payment is refused.
func (h *Handler) loadFrozenAccountScenario(ctx context.Context) error {
	if err := h.loadEstate(ctx); err != nil {
		return err
	}
	current := billing.PeriodOf(h.Clock.Now())

	if err := h.addResident(ctx, "R-400", "A-102", 1, current.Previous(), "2000.00"); err != nil {
		return err
	}
	if _, err := h.Generator.Generate(ctx, current); err != nil {
		return err
	}
	return billing.SetAccountStatus(ctx, h.Store, "R-400", billing.AccountFrozen, h.Clock.Now())
}
