// Package store provides in-memory billing.Store and directory implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/estate-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.Store, billing.Directory, billing.DirectoryAdmin
// and billing.CredentialSource.
type Memory struct {
	mu sync.RWMutex

	charges     map[billing.ChargeID]billing.Charge
	chargeOrder []billing.ChargeID
	naturalKeys map[billing.NaturalKey]billing.ChargeID

	accounts map[billing.ResidentID]billing.BalanceAccount
	ledger   map[billing.ResidentID][]billing.LedgerEntry
	txNos    map[billing.TransactionNo]bool

	feeTypes    map[billing.FeeTypeID]billing.FeeType
	units       map[billing.UnitID]billing.UnitAttributes
	occupancies map[occupancyKey]billing.Occupancy
	credentials map[billing.ResidentID][]byte

	locks *billing.AccountLocks
}

type occupancyKey struct {
	ResidentID billing.ResidentID
	UnitID     billing.UnitID
}

func NewMemory() *Memory {
	return &Memory{
		charges:     make(map[billing.ChargeID]billing.Charge),
		naturalKeys: make(map[billing.NaturalKey]billing.ChargeID),
		accounts:    make(map[billing.ResidentID]billing.BalanceAccount),
		ledger:      make(map[billing.ResidentID][]billing.LedgerEntry),
		txNos:       make(map[billing.TransactionNo]bool),
		feeTypes:    make(map[billing.FeeTypeID]billing.FeeType),
		units:       make(map[billing.UnitID]billing.UnitAttributes),
		occupancies: make(map[occupancyKey]billing.Occupancy),
		credentials: make(map[billing.ResidentID][]byte),
		locks:       billing.NewAccountLocks(),
	}
}

// =============================================================================
// CHARGES
// =============================================================================

// InsertCharge checks and inserts under one write lock, so two concurrent
// inserts of the same natural key cannot both succeed.
func (m *Memory) InsertCharge(_ context.Context, c billing.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.naturalKeys[c.Key()]; ok {
		return billing.ErrDuplicateCharge
	}
	if _, ok := m.charges[c.ID]; ok {
		return fmt.Errorf("charge id %s already used", c.ID)
	}
	m.charges[c.ID] = c
	m.chargeOrder = append(m.chargeOrder, c.ID)
	m.naturalKeys[c.Key()] = c.ID
	return nil
}

func (m *Memory) GetCharge(_ context.Context, id billing.ChargeID) (*billing.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.charges[id]
	if !ok {
		return nil, billing.ErrChargeNotFound
	}
	return &c, nil
}

func (m *Memory) ListCharges(_ context.Context, filter billing.ChargeFilter) ([]billing.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Charge
	for _, id := range m.chargeOrder {
		c := m.charges[id]
		if filter.ResidentID != "" && c.ResidentID != filter.ResidentID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Period != nil && c.Period != *filter.Period {
			continue
		}
		result = append(result, c)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Period.String() < result[j].Period.String()
	})
	return result, nil
}

func (m *Memory) MarkOverdue(_ context.Context, asOf, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, c := range m.charges {
		if c.Status != billing.ChargePending || !c.DueDate.Before(asOf) {
			continue
		}
		c.Status = billing.ChargeOverdue
		c.UpdatedAt = now
		m.charges[id] = c
		n++
	}
	return n, nil
}

// =============================================================================
// ACCOUNTS AND LEDGER
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, residentID billing.ResidentID) (*billing.BalanceAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[residentID]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}
	return &a, nil
}

func (m *Memory) ListLedger(_ context.Context, residentID billing.ResidentID) ([]billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]billing.LedgerEntry, len(m.ledger[residentID]))
	copy(result, m.ledger[residentID])
	return result, nil
}

// =============================================================================
// TRANSACTIONAL SCOPE
// =============================================================================

// WithAccount serializes callers per resident. Writes made through the view
// are buffered and applied under one write lock on commit, so readers see
// either none or all of them.
func (m *Memory) WithAccount(ctx context.Context, residentID billing.ResidentID, fn func(billing.AccountTx) error) error {
	release, err := m.locks.Acquire(ctx, residentID)
	if err != nil {
		return err
	}
	defer release()

	view := &accountView{
		parent:     m,
		residentID: residentID,
		charges:    make(map[billing.ChargeID]billing.Charge),
	}
	if err := fn(view); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) commit(v *accountView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.account != nil && v.account.Balance.IsNegative() {
		return billing.ErrNegativeBalance
	}
	seen := make(map[billing.TransactionNo]bool, len(v.entries))
	for _, e := range v.entries {
		if m.txNos[e.TransactionNo] || seen[e.TransactionNo] {
			return fmt.Errorf("duplicate transaction number %s", e.TransactionNo)
		}
		seen[e.TransactionNo] = true
	}
	for id := range v.charges {
		if _, ok := m.charges[id]; !ok {
			return billing.ErrChargeNotFound
		}
	}

	if v.account != nil {
		m.accounts[v.residentID] = *v.account
	}
	for id, c := range v.charges {
		m.charges[id] = c
	}
	for _, e := range v.entries {
		m.ledger[e.AccountID] = append(m.ledger[e.AccountID], e)
		m.txNos[e.TransactionNo] = true
	}
	return nil
}

type accountView struct {
	parent     *Memory
	residentID billing.ResidentID

	account *billing.BalanceAccount
	charges map[billing.ChargeID]billing.Charge
	entries []billing.LedgerEntry
}

func (v *accountView) Account(_ context.Context) (*billing.BalanceAccount, error) {
	if v.account != nil {
		a := *v.account
		return &a, nil
	}
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	a, ok := v.parent.accounts[v.residentID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (v *accountView) Charges(_ context.Context, ids []billing.ChargeID) ([]billing.Charge, error) {
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()

	var result []billing.Charge
	for _, id := range ids {
		if c, ok := v.charges[id]; ok {
			result = append(result, c)
			continue
		}
		if c, ok := v.parent.charges[id]; ok {
			result = append(result, c)
		}
	}
	return result, nil
}

func (v *accountView) SaveAccount(_ context.Context, a billing.BalanceAccount) error {
	if a.ResidentID != v.residentID {
		return fmt.Errorf("account %s outside locked scope %s", a.ResidentID, v.residentID)
	}
	if a.Balance.IsNegative() {
		return billing.ErrNegativeBalance
	}
	v.account = &a
	return nil
}

func (v *accountView) UpdateChargePayment(_ context.Context, c billing.Charge) error {
	v.parent.mu.RLock()
	stored, ok := v.parent.charges[c.ID]
	v.parent.mu.RUnlock()
	if !ok {
		return billing.ErrChargeNotFound
	}
	if pending, ok := v.charges[c.ID]; ok {
		stored = pending
	}
	stored.PaidAmount = c.PaidAmount
	stored.Status = c.Status
	stored.PaidAt = c.PaidAt
	stored.UpdatedAt = c.UpdatedAt
	v.charges[c.ID] = stored
	return nil
}

func (v *accountView) AppendLedger(_ context.Context, entries []billing.LedgerEntry) error {
	v.entries = append(v.entries, entries...)
	return nil
}

// =============================================================================
// DIRECTORY - stand-in for the estate's own records
// =============================================================================

func (m *Memory) SaveFeeType(_ context.Context, f billing.FeeType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeTypes[f.ID] = f
	return nil
}

func (m *Memory) SaveUnit(_ context.Context, u billing.UnitAttributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.UnitID] = u
	return nil
}

func (m *Memory) SaveOccupancy(_ context.Context, o billing.Occupancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occupancies[occupancyKey{ResidentID: o.ResidentID, UnitID: o.UnitID}] = o
	return nil
}

// SetCredentialHash stores a bcrypt hash produced by billing.HashCredential.
func (m *Memory) SetCredentialHash(_ context.Context, residentID billing.ResidentID, hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[residentID] = append([]byte(nil), hash...)
	return nil
}

func (m *Memory) ListActiveOccupancies(_ context.Context) ([]billing.Occupancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Occupancy
	for _, o := range m.occupancies {
		if o.Active {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ResidentID != result[j].ResidentID {
			return result[i].ResidentID < result[j].ResidentID
		}
		return result[i].UnitID < result[j].UnitID
	})
	return result, nil
}

func (m *Memory) ListGenerationEligibleFeeTypes(_ context.Context) ([]billing.FeeType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.FeeType
	for _, f := range m.feeTypes {
		if f.AutoGenerate {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetUnitAttributes(_ context.Context, unitID billing.UnitID) (billing.UnitAttributes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.units[unitID]
	if !ok {
		return billing.UnitAttributes{}, fmt.Errorf("unit %s not found", unitID)
	}
	return u, nil
}

func (m *Memory) PaymentCredentialHash(_ context.Context, residentID billing.ResidentID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.credentials[residentID]
	if !ok {
		return nil, billing.ErrNoCredential
	}
	return h, nil
}

// Reset drops everything. Used by the dev scenario loader.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := NewMemory()
	m.charges, m.chargeOrder, m.naturalKeys = fresh.charges, nil, fresh.naturalKeys
	m.accounts, m.ledger, m.txNos = fresh.accounts, fresh.ledger, fresh.txNos
	m.feeTypes, m.units, m.occupancies, m.credentials = fresh.feeTypes, fresh.units, fresh.occupancies, fresh.credentials
	return nil
}
