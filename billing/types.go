/*
Package billing provides the recurring charge generation and payment settlement engine.

PURPOSE:
  This package owns the money-bearing records of the estate: charges raised
  against residents for each billing period, the prepaid balance account each
  resident pays from, and the append-only ledger that explains every balance
  movement. Buildings, units, fee schedules and occupancy are owned elsewhere
  and reach this package through the read-only contracts in directory.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Charge: one fee obligation for (resident, unit, fee type, period)
  - BalanceAccount: a resident's prepaid balance and running totals
  - LedgerEntry: an immutable record of a balance movement
  - FeeType / Occupancy / UnitAttributes: external inputs to generation

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal rounded to 2 places, half-up
  2. Natural keys: a charge is identified in business terms by NaturalKey,
     and the store rejects a second insert of the same key
  3. Immutability: ledger entries are never modified, only appended
  4. Explicit audit fields: CreatedAt/UpdatedAt are set by the component
     performing the mutation, never filled in by the store

SEE ALSO:
  - period.go: calendar-month billing periods
  - generator.go: ChargeGenerator
  - settlement.go: SettlementEngine
  - sweeper.go: OverdueSweeper
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places every stored amount carries.
const MoneyPlaces = 2

// RoundMoney rounds to 2 decimal places, half-up for non-negative values.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// ParseMoney parses a decimal string and rounds it to money precision.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundMoney(d), nil
}

// MustParseMoney is ParseMoney for literals in fixtures and tests.
func MustParseMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ResidentID string
type UnitID string
type FeeTypeID string
type ChargeID string
type TransactionNo string

// NaturalKey is the business identity of a charge. At most one charge per key
// ever exists; the store enforces it.
type NaturalKey struct {
	ResidentID ResidentID
	UnitID     UnitID
	FeeTypeID  FeeTypeID
	Period     Period
}

// =============================================================================
// CHARGE
// =============================================================================

type ChargeStatus string

const (
	ChargePending ChargeStatus = "pending"
	ChargePaid    ChargeStatus = "paid"
	ChargeOverdue ChargeStatus = "overdue"
)

// Valid reports whether s is a known status.
func (s ChargeStatus) Valid() bool {
	switch s {
	case ChargePending, ChargePaid, ChargeOverdue:
		return true
	}
	return false
}

// Payable reports whether settlement may still be applied.
// Overdue is not terminal: late payment is accepted.
func (s ChargeStatus) Payable() bool {
	return s == ChargePending || s == ChargeOverdue
}

type Charge struct {
	ID          ChargeID
	ResidentID  ResidentID
	UnitID      UnitID
	FeeTypeID   FeeTypeID
	FeeTypeCode string
	Period      Period

	Amount         decimal.Decimal
	PaidAmount     decimal.Decimal
	DiscountAmount decimal.Decimal

	Status  ChargeStatus
	DueDate time.Time
	PaidAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the charge's natural key.
func (c Charge) Key() NaturalKey {
	return NaturalKey{ResidentID: c.ResidentID, UnitID: c.UnitID, FeeTypeID: c.FeeTypeID, Period: c.Period}
}

// Outstanding is amount - discount - paid.
func (c Charge) Outstanding() decimal.Decimal {
	return c.Amount.Sub(c.DiscountAmount).Sub(c.PaidAmount)
}

// =============================================================================
// BALANCE ACCOUNT
// =============================================================================

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
)

// BalanceAccount is a resident's prepaid balance. One per resident.
//
// INVARIANTS:
//   - Balance >= 0
//   - Balance == TotalRecharged - TotalConsumed
type BalanceAccount struct {
	ResidentID        ResidentID
	Balance           decimal.Decimal
	TotalRecharged    decimal.Decimal
	TotalConsumed     decimal.Decimal
	Status            AccountStatus
	LastTransactionAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryType string

const (
	EntryPayment  EntryType = "payment"
	EntryRecharge EntryType = "recharge"
)

// LedgerEntry records one balance movement. Append-only.
// Amount is signed: negative for a payment debit, positive for a recharge.
type LedgerEntry struct {
	TransactionNo TransactionNo
	AccountID     ResidentID
	ChargeID      ChargeID // empty for recharges
	Type          EntryType
	Amount        decimal.Decimal
	Description   string
	CreatedAt     time.Time
}

// =============================================================================
// EXTERNAL INPUTS - owned by the estate directory, read-only here
// =============================================================================

type BillingBasis string

const (
	BasisArea BillingBasis = "per_area"
	BasisFlat BillingBasis = "flat"
)

// FeeType is a fee schedule entry. AutoGenerate is false for one-off or
// work-order-triggered fees that periodic generation must never raise.
type FeeType struct {
	ID           FeeTypeID
	Code         string
	Name         string
	UnitPrice    decimal.Decimal
	Basis        BillingBasis
	AutoGenerate bool
}

// Occupancy links a resident to a unit from StartDate on.
type Occupancy struct {
	ResidentID ResidentID
	UnitID     UnitID
	StartDate  time.Time
	Active     bool
}

// UnitAttributes are the physical attributes used to price area-based fees.
type UnitAttributes struct {
	UnitID       UnitID
	UsableArea   decimal.Decimal
	BuildingArea decimal.Decimal
}

// BillableArea is the usable area, falling back to building area when usable
// area is zero or absent.
func (u UnitAttributes) BillableArea() decimal.Decimal {
	if u.UsableArea.IsPositive() {
		return u.UsableArea
	}
	return u.BuildingArea
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns T. Used by tests and by replays.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }
