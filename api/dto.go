/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal strings with two places ("150.00"), never as
  JSON numbers, so no client float ever touches a balance.

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  h.decode, which rejects unknown fields and runs the validator.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/estate-billing/billing"
)

// =============================================================================
// REQUESTS
// =============================================================================

// GenerateRequest triggers charge generation for one period.
type GenerateRequest struct {
	Period string `json:"period" validate:"required,datetime=2006-01"`
}

// SweepRequest triggers the overdue sweep. AsOf defaults to today.
type SweepRequest struct {
	AsOf string `json:"asOf" validate:"omitempty,datetime=2006-01-02"`
}

// PaymentRequest pays charges from the resident's balance.
type PaymentRequest struct {
	ChargeIDs  []string `json:"chargeIds" validate:"required,min=1,dive,required"`
	Credential string   `json:"credential" validate:"required"`
}

// RechargeRequest credits the resident's balance.
type RechargeRequest struct {
	Amount      string `json:"amount" validate:"required,numeric"`
	Description string `json:"description" validate:"max=200"`
}

// FeeTypeRequest upserts a fee type.
type FeeTypeRequest struct {
	ID           string `json:"id" validate:"required"`
	Code         string `json:"code" validate:"required,alphanum"`
	Name         string `json:"name" validate:"required"`
	UnitPrice    string `json:"unitPrice" validate:"required,numeric"`
	Basis        string `json:"basis" validate:"required,oneof=per_area flat"`
	AutoGenerate *bool  `json:"autoGenerate"`
}

// UnitRequest upserts a unit's areas.
type UnitRequest struct {
	ID           string `json:"id" validate:"required"`
	UsableArea   string `json:"usableArea" validate:"omitempty,numeric"`
	BuildingArea string `json:"buildingArea" validate:"omitempty,numeric"`
}

// OccupancyRequest upserts an occupancy.
type OccupancyRequest struct {
	ResidentID string `json:"residentId" validate:"required"`
	UnitID     string `json:"unitId" validate:"required"`
	StartDate  string `json:"startDate" validate:"required,datetime=2006-01-02"`
	Active     *bool  `json:"active"`
}

// CredentialRequest sets a resident's payment PIN.
type CredentialRequest struct {
	PIN string `json:"pin" validate:"required,number,min=4,max=12"`
}

// LoadScenarioRequest loads a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ChargeDTO represents a charge in API responses.
type ChargeDTO struct {
	ID             string  `json:"id"`
	ResidentID     string  `json:"residentId"`
	UnitID         string  `json:"unitId"`
	FeeTypeID      string  `json:"feeTypeId"`
	FeeTypeCode    string  `json:"feeTypeCode"`
	Period         string  `json:"period"`
	Amount         string  `json:"amount"`
	PaidAmount     string  `json:"paidAmount"`
	DiscountAmount string  `json:"discountAmount"`
	Outstanding    string  `json:"outstanding"`
	Status         string  `json:"status"`
	DueDate        string  `json:"dueDate"`
	PaidAt         *string `json:"paidAt,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

// AccountDTO represents a balance account.
type AccountDTO struct {
	ResidentID        string  `json:"residentId"`
	Balance           string  `json:"balance"`
	TotalRecharged    string  `json:"totalRecharged"`
	TotalConsumed     string  `json:"totalConsumed"`
	Status            string  `json:"status"`
	LastTransactionAt *string `json:"lastTransactionAt,omitempty"`
}

// LedgerEntryDTO represents one ledger entry.
type LedgerEntryDTO struct {
	TransactionNo string `json:"transactionNo"`
	AccountID     string `json:"accountId"`
	ChargeID      string `json:"chargeId,omitempty"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	Description   string `json:"description"`
	CreatedAt     string `json:"createdAt"`
}

// SettlementDTO is the result of a committed payment.
type SettlementDTO struct {
	ResidentID   string           `json:"residentId"`
	PaidCharges  []ChargeDTO      `json:"paidCharges"`
	Entries      []LedgerEntryDTO `json:"entries"`
	TotalPaid    string           `json:"totalPaid"`
	BalanceAfter string           `json:"balanceAfter"`
	SettledAt    string           `json:"settledAt"`
}

// SweepDTO is the result of an overdue sweep.
type SweepDTO struct {
	AsOf    string `json:"asOf"`
	Overdue int    `json:"overdue"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toChargeDTO(c billing.Charge) ChargeDTO {
	dto := ChargeDTO{
		ID:             string(c.ID),
		ResidentID:     string(c.ResidentID),
		UnitID:         string(c.UnitID),
		FeeTypeID:      string(c.FeeTypeID),
		FeeTypeCode:    c.FeeTypeCode,
		Period:         c.Period.String(),
		Amount:         c.Amount.StringFixed(billing.MoneyPlaces),
		PaidAmount:     c.PaidAmount.StringFixed(billing.MoneyPlaces),
		DiscountAmount: c.DiscountAmount.StringFixed(billing.MoneyPlaces),
		Outstanding:    c.Outstanding().StringFixed(billing.MoneyPlaces),
		Status:         string(c.Status),
		DueDate:        c.DueDate.Format("2006-01-02"),
		PaidAt:         formatTimePtr(c.PaidAt),
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
	return dto
}

func toChargeDTOs(charges []billing.Charge) []ChargeDTO {
	dtos := make([]ChargeDTO, len(charges))
	for i, c := range charges {
		dtos[i] = toChargeDTO(c)
	}
	return dtos
}

func toAccountDTO(a billing.BalanceAccount) AccountDTO {
	return AccountDTO{
		ResidentID:        string(a.ResidentID),
		Balance:           a.Balance.StringFixed(billing.MoneyPlaces),
		TotalRecharged:    a.TotalRecharged.StringFixed(billing.MoneyPlaces),
		TotalConsumed:     a.TotalConsumed.StringFixed(billing.MoneyPlaces),
		Status:            string(a.Status),
		LastTransactionAt: formatTimePtr(a.LastTransactionAt),
	}
}

func toLedgerEntryDTO(e billing.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		TransactionNo: string(e.TransactionNo),
		AccountID:     string(e.AccountID),
		ChargeID:      string(e.ChargeID),
		Type:          string(e.Type),
		Amount:        e.Amount.StringFixed(billing.MoneyPlaces),
		Description:   e.Description,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

func toLedgerEntryDTOs(entries []billing.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	return dtos
}

func toSettlementDTO(r *billing.SettlementResult) SettlementDTO {
	return SettlementDTO{
		ResidentID:   string(r.ResidentID),
		PaidCharges:  toChargeDTOs(r.PaidCharges),
		Entries:      toLedgerEntryDTOs(r.Entries),
		TotalPaid:    r.TotalPaid.StringFixed(billing.MoneyPlaces),
		BalanceAfter: r.BalanceAfter.StringFixed(billing.MoneyPlaces),
		SettledAt:    r.SettledAt.Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
