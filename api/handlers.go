/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes generation, settlement and the overdue sweep over REST, plus the
  read models and the directory admin used to run billing standalone.

ENDPOINTS:
  Billing jobs:
    POST   /api/billing/generate              Generate charges for a period
    POST   /api/billing/sweep                 Mark past-due charges overdue

  Residents:
    POST   /api/residents/{id}/payments       Pay charges from balance
    POST   /api/residents/{id}/recharges      Credit balance
    GET    /api/residents/{id}/charges        List charges (?status=&period=)
    GET    /api/residents/{id}/account        Balance account
    GET    /api/residents/{id}/ledger         Ledger entries

  Admin:
    POST   /api/admin/fee-types               Upsert fee type
    POST   /api/admin/units                   Upsert unit
    POST   /api/admin/occupancies             Upsert occupancy
    PUT    /api/admin/residents/{id}/credential  Set payment PIN
    POST   /api/admin/residents/{id}/freeze   Freeze account
    POST   /api/admin/residents/{id}/unfreeze Unfreeze account

ERROR HANDLING:
  writeBillingError maps engine errors to HTTP status:
  - 400: validation, malformed period/amount, empty charge set
  - 401: invalid payment credential
  - 402: insufficient balance
  - 404: account or charge not found
  - 409: charge not payable (already paid, not owned, unknown)
  - 423: account frozen
  - 503: lock timeout / concurrent modification, with Retry-After
  - 500: everything else

SECURITY NOTE:
  No authentication middleware. Resident identity comes from the URL and the
  payment PIN is the only check on debits.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/estate-billing/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the HTTP surface needs from persistence. The SQLite,
// Postgres and in-memory stores all satisfy it.
type Store interface {
	billing.Store
	billing.Directory
	billing.DirectoryAdmin
	billing.CredentialSource
	Reset(ctx context.Context) error
}

// Deps wires a Handler.
type Deps struct {
	Store      Store
	Generator  *billing.Generator
	Settlement *billing.SettlementEngine
	Sweeper    *billing.OverdueSweeper
	Clock      billing.Clock
	Log        *zap.Logger

	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Store
	Generator  *billing.Generator
	Settlement *billing.SettlementEngine
	Sweeper    *billing.OverdueSweeper
	Clock      billing.Clock
	Log        *zap.Logger
	Metrics    http.Handler

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = billing.SystemClock{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Handler{
		Store:      d.Store,
		Generator:  d.Generator,
		Settlement: d.Settlement,
		Sweeper:    d.Sweeper,
		Clock:      d.Clock,
		Log:        d.Log.Named("api"),
		Metrics:    d.Metrics,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// BILLING JOBS
// =============================================================================

// Generate raises charges for a period.
// POST /api/billing/generate
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := billing.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return
	}

	report, err := h.Generator.Generate(r.Context(), period)
	if err != nil {
		h.writeBillingError(w, "Generation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Sweep marks overdue charges.
// POST /api/billing/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !h.decode(w, r, &req) {
		return
	}
	asOf := billing.DateOf(h.Clock.Now())
	if req.AsOf != "" {
		parsed, err := billing.ParseDate(req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid asOf (use YYYY-MM-DD)", err)
			return
		}
		asOf = parsed
	}

	n, err := h.Sweeper.Sweep(r.Context(), asOf)
	if err != nil {
		h.writeBillingError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{AsOf: asOf.Format("2006-01-02"), Overdue: n})
}

// =============================================================================
// RESIDENT OPERATIONS
// =============================================================================

// Pay settles charges from the resident's balance.
// POST /api/residents/{id}/payments
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	residentID := billing.ResidentID(chi.URLParam(r, "id"))

	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	ids := make([]billing.ChargeID, len(req.ChargeIDs))
	for i, id := range req.ChargeIDs {
		ids[i] = billing.ChargeID(id)
	}

	result, err := h.Settlement.Pay(r.Context(), billing.PaymentRequest{
		ResidentID: residentID,
		ChargeIDs:  ids,
		Credential: req.Credential,
	})
	if err != nil {
		h.writeBillingError(w, "Payment rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(result))
}

// Recharge credits the resident's balance.
// POST /api/residents/{id}/recharges
func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	residentID := billing.ResidentID(chi.URLParam(r, "id"))

	var req RechargeRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entry, err := h.Settlement.Recharge(r.Context(), billing.RechargeRequest{
		ResidentID:  residentID,
		Amount:      amount,
		Description: req.Description,
	})
	if err != nil {
		h.writeBillingError(w, "Recharge rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(*entry))
}

// ListCharges lists a resident's charges.
// GET /api/residents/{id}/charges?status=&period=
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	filter := billing.ChargeFilter{ResidentID: billing.ResidentID(chi.URLParam(r, "id"))}

	if s := r.URL.Query().Get("status"); s != "" {
		status := billing.ChargeStatus(strings.ToLower(s))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown status %q", s))
			return
		}
		filter.Status = status
	}
	if p := r.URL.Query().Get("period"); p != "" {
		period, err := billing.ParsePeriod(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
			return
		}
		filter.Period = &period
	}

	charges, err := h.Store.ListCharges(r.Context(), filter)
	if err != nil {
		h.writeBillingError(w, "Failed to list charges", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"charges": toChargeDTOs(charges)})
}

// GetAccount returns the resident's balance account.
// GET /api/residents/{id}/account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Store.GetAccount(r.Context(), billing.ResidentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeBillingError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*account))
}

// GetLedger returns the resident's ledger.
// GET /api/residents/{id}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListLedger(r.Context(), billing.ResidentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeBillingError(w, "Failed to get ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toLedgerEntryDTOs(entries)})
}

// =============================================================================
// ADMIN
// =============================================================================

// SaveFeeType upserts a fee type.
// POST /api/admin/fee-types
func (h *Handler) SaveFeeType(w http.ResponseWriter, r *http.Request) {
	var req FeeTypeRequest
	if !h.decode(w, r, &req) {
		return
	}
	price, err := decimal.NewFromString(req.UnitPrice)
	if err == nil && price.IsNegative() {
		err = errors.New("unit price must not be negative")
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit price", err)
		return
	}
	auto := true
	if req.AutoGenerate != nil {
		auto = *req.AutoGenerate
	}

	fee := billing.FeeType{
		ID:           billing.FeeTypeID(req.ID),
		Code:         strings.ToUpper(req.Code),
		Name:         req.Name,
		UnitPrice:    price,
		Basis:        billing.BillingBasis(req.Basis),
		AutoGenerate: auto,
	}
	if err := h.Store.SaveFeeType(r.Context(), fee); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save fee type", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "saved", "feeType": fee.ID})
}

// SaveUnit upserts a unit.
// POST /api/admin/units
func (h *Handler) SaveUnit(w http.ResponseWriter, r *http.Request) {
	var req UnitRequest
	if !h.decode(w, r, &req) {
		return
	}
	unit := billing.UnitAttributes{UnitID: billing.UnitID(req.ID)}
	var err error
	if unit.UsableArea, err = parseArea(req.UsableArea); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid usable area", err)
		return
	}
	if unit.BuildingArea, err = parseArea(req.BuildingArea); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid building area", err)
		return
	}
	if err := h.Store.SaveUnit(r.Context(), unit); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save unit", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "saved", "unit": unit.UnitID})
}

// SaveOccupancy upserts an occupancy.
// POST /api/admin/occupancies
func (h *Handler) SaveOccupancy(w http.ResponseWriter, r *http.Request) {
	var req OccupancyRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := billing.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start date (use YYYY-MM-DD)", err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	occ := billing.Occupancy{
		ResidentID: billing.ResidentID(req.ResidentID),
		UnitID:     billing.UnitID(req.UnitID),
		StartDate:  start,
		Active:     active,
	}
	if err := h.Store.SaveOccupancy(r.Context(), occ); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save occupancy", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "saved"})
}

// SetCredential sets a resident's payment PIN.
// PUT /api/admin/residents/{id}/credential
func (h *Handler) SetCredential(w http.ResponseWriter, r *http.Request) {
	residentID := billing.ResidentID(chi.URLParam(r, "id"))

	var req CredentialRequest
	if !h.decode(w, r, &req) {
		return
	}
	hash, err := billing.HashCredential(req.PIN)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid PIN", err)
		return
	}
	if err := h.Store.SetCredentialHash(r.Context(), residentID, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save credential", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FreezeAccount freezes a resident's balance account.
// POST /api/admin/residents/{id}/freeze
func (h *Handler) FreezeAccount(w http.ResponseWriter, r *http.Request) {
	h.setAccountStatus(w, r, billing.AccountFrozen)
}

// UnfreezeAccount reactivates a resident's balance account.
// POST /api/admin/residents/{id}/unfreeze
func (h *Handler) UnfreezeAccount(w http.ResponseWriter, r *http.Request) {
	h.setAccountStatus(w, r, billing.AccountActive)
}

func (h *Handler) setAccountStatus(w http.ResponseWriter, r *http.Request, status billing.AccountStatus) {
	residentID := billing.ResidentID(chi.URLParam(r, "id"))
	if err := billing.SetAccountStatus(r.Context(), h.Store, residentID, status, h.Clock.Now()); err != nil {
		h.writeBillingError(w, "Failed to update account", err)
		return
	}
	h.Log.Info("account status changed", zap.String("resident", string(residentID)), zap.String("status", string(status)))
	writeJSON(w, http.StatusOK, map[string]any{"residentId": residentID, "status": status})
}

// Health reports whether the process is serving.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. On failure it writes
// the 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func parseArea(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("area must not be negative")
	}
	return d, nil
}

// writeBillingError maps engine errors onto HTTP status codes.
func (h *Handler) writeBillingError(w http.ResponseWriter, message string, err error) {
	var (
		ib *billing.InsufficientBalanceError
		np *billing.ChargeNotPayableError
	)
	switch {
	case errors.As(err, &ib):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     message,
			"code":      "insufficient_balance",
			"available": ib.Available.StringFixed(billing.MoneyPlaces),
			"requested": ib.Requested.StringFixed(billing.MoneyPlaces),
			"shortfall": ib.Shortfall.StringFixed(billing.MoneyPlaces),
		})
	case errors.As(err, &np):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    message,
			"code":     "charge_not_payable",
			"chargeId": np.ChargeID,
			"reason":   np.Reason,
		})
	case errors.Is(err, billing.ErrInvalidCredential):
		writeCodedError(w, http.StatusUnauthorized, message, "invalid_credential", err)
	case errors.Is(err, billing.ErrAccountFrozen):
		writeCodedError(w, http.StatusLocked, message, "account_frozen", err)
	case billing.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeCodedError(w, http.StatusServiceUnavailable, message, "lock_timeout", err)
	case billing.IsNotFound(err):
		writeCodedError(w, http.StatusNotFound, message, "not_found", err)
	case billing.IsClientError(err):
		writeCodedError(w, http.StatusBadRequest, message, "invalid_request", err)
	default:
		h.Log.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeCodedError(w, status, message, "", err)
}

func writeCodedError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
