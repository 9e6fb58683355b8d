/*
store.go - Persistence contracts for charges, balance accounts and the ledger

PURPOSE:
  Defines the boundary between billing logic and the database. Two
  invariants are enforced at the storage boundary, not only here:
    - natural-key uniqueness on charges (InsertCharge fails with
      ErrDuplicateCharge, never overwrites)
    - non-negative balance on accounts

KEY INTERFACES:
  ChargeStore:  insert-if-absent, reads, the overdue transition
  AccountStore: read-only views of accounts and the ledger
  Store:        both, plus WithAccount, the exclusive per-account scope
  AccountTx:    what may be done inside that scope

EXCLUSIVE SCOPE:
  WithAccount(ctx, residentID, fn) serializes every caller that names the
  same resident, runs fn, and commits everything fn wrote as one unit. If fn
  returns an error nothing is written. Callers for different residents never
  contend. Waiting for the scope honours ctx; a caller that gives up gets
  ErrLockTimeout.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and dev
  - store/sqlite: SQLite
  - store/postgres: PostgreSQL (SELECT ... FOR UPDATE)
*/
package billing

import (
	"context"
	"time"
)

// ChargeFilter narrows ListCharges. Zero values match everything.
type ChargeFilter struct {
	ResidentID ResidentID
	Status     ChargeStatus
	Period     *Period
}

// ChargeStore persists charges.
type ChargeStore interface {
	// InsertCharge inserts c unless a charge with the same natural key exists,
	// in which case it returns ErrDuplicateCharge and writes nothing.
	InsertCharge(ctx context.Context, c Charge) error

	// GetCharge returns ErrChargeNotFound if id is unknown.
	GetCharge(ctx context.Context, id ChargeID) (*Charge, error)

	// ListCharges returns charges ordered by period, then creation.
	ListCharges(ctx context.Context, filter ChargeFilter) ([]Charge, error)

	// MarkOverdue moves every Pending charge with DueDate < asOf to Overdue
	// in one statement and returns how many changed. PaidAmount is untouched.
	MarkOverdue(ctx context.Context, asOf, now time.Time) (int, error)
}

// AccountStore reads balance accounts and the ledger.
type AccountStore interface {
	// GetAccount returns ErrAccountNotFound if the resident has no account.
	GetAccount(ctx context.Context, residentID ResidentID) (*BalanceAccount, error)

	// ListLedger returns the resident's entries in creation order.
	ListLedger(ctx context.Context, residentID ResidentID) ([]LedgerEntry, error)
}

// AccountTx is the view available inside WithAccount. Reads see the scope's
// own writes; writes become visible to others only on commit.
type AccountTx interface {
	// Account returns the locked account, or nil if it does not exist yet.
	Account(ctx context.Context) (*BalanceAccount, error)

	// Charges loads the named charges. Missing ids are simply absent from
	// the result.
	Charges(ctx context.Context, ids []ChargeID) ([]Charge, error)

	// SaveAccount inserts or updates the locked account.
	SaveAccount(ctx context.Context, a BalanceAccount) error

	// UpdateChargePayment writes PaidAmount, Status, PaidAt and UpdatedAt.
	UpdateChargePayment(ctx context.Context, c Charge) error

	// AppendLedger appends entries. Never updates or deletes.
	AppendLedger(ctx context.Context, entries []LedgerEntry) error
}

// Store is the full persistence contract used by the engine.
type Store interface {
	ChargeStore
	AccountStore

	// WithAccount runs fn under exclusive access to residentID's account and
	// commits atomically if fn returns nil.
	WithAccount(ctx context.Context, residentID ResidentID, fn func(AccountTx) error) error
}
