/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. Generation - DuplicateCharge is the expected outcome of the natural-key
     check and is counted as "skipped", never surfaced as a failure
  2. Settlement - InvalidCredential, ChargeNotPayable, InsufficientBalance and
     AccountFrozen are terminal; nothing was mutated
  3. Contention - LockTimeout and ConcurrentModification are retryable; the
     caller may resubmit because no partial state was written

USAGE:
    if errors.Is(err, billing.ErrInsufficientBalance) {
        var ib *billing.InsufficientBalanceError
        if errors.As(err, &ib) { ... ib.Shortfall ... }
    }

SEE ALSO:
  - settlement.go: returns the settlement errors
  - store/sqlite, store/postgres: map constraint and lock failures onto these
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateCharge is returned when a charge with the same natural key
	// already exists. Generation counts it as skipped.
	ErrDuplicateCharge = errors.New("duplicate charge for resident/unit/fee type/period")

	// ErrInvalidCredential is returned when the payment credential does not verify.
	ErrInvalidCredential = errors.New("invalid payment credential")

	// ErrChargeNotPayable is returned when a charge is missing, already paid,
	// or belongs to another resident.
	ErrChargeNotPayable = errors.New("charge not payable")

	// ErrInsufficientBalance is returned when the balance does not cover the total.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAccountFrozen is returned when the balance account is frozen.
	ErrAccountFrozen = errors.New("balance account frozen")

	// ErrAccountNotFound is returned when the resident has no balance account.
	ErrAccountNotFound = errors.New("balance account not found")

	// ErrChargeNotFound is returned by lookups of a single charge.
	ErrChargeNotFound = errors.New("charge not found")

	// ErrLockTimeout is returned when exclusive access to an account could not
	// be obtained before the deadline. Retryable.
	ErrLockTimeout = errors.New("timed out waiting for account lock")

	// ErrConcurrentModification is returned when the store detects a
	// serialization conflict. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrEmptyChargeSet is returned when pay is called without charges.
	ErrEmptyChargeSet = errors.New("no charges to pay")

	// ErrInvalidAmount is returned for non-positive or malformed amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidPeriod is returned when a period is malformed.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrNegativeBalance is returned by stores when a write would violate the
	// non-negative balance constraint.
	ErrNegativeBalance = errors.New("balance would become negative")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	ResidentID ResidentID
	Available  decimal.Decimal
	Requested  decimal.Decimal
	Shortfall  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available.StringFixed(MoneyPlaces), e.Requested.StringFixed(MoneyPlaces), e.Shortfall.StringFixed(MoneyPlaces))
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// NotPayableReason explains why a charge was rejected.
type NotPayableReason string

const (
	ReasonNotFound    NotPayableReason = "not_found"
	ReasonAlreadyPaid NotPayableReason = "already_paid"
	ReasonNotOwned    NotPayableReason = "not_owned"
)

// ChargeNotPayableError names the first charge that blocked the batch.
type ChargeNotPayableError struct {
	ChargeID ChargeID
	Reason   NotPayableReason
}

func (e *ChargeNotPayableError) Error() string {
	return fmt.Sprintf("charge %s not payable: %s", e.ChargeID, e.Reason)
}

func (e *ChargeNotPayableError) Unwrap() error {
	return ErrChargeNotPayable
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrChargeNotPayable) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountFrozen) ||
		errors.Is(err, ErrEmptyChargeSet) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrChargeNotFound)
}
