package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/estate-billing/billing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var testNow = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func testCharge(id string, resident billing.ResidentID, period string, amount string) billing.Charge {
	p := billing.MustParsePeriod(period)
	return billing.Charge{
		ID:             billing.ChargeID(id),
		ResidentID:     resident,
		UnitID:         "U1",
		FeeTypeID:      "F1",
		FeeTypeCode:    "MGMT",
		Period:         p,
		Amount:         billing.MustParseMoney(amount),
		PaidAmount:     decimal.Zero,
		DiscountAmount: decimal.Zero,
		Status:         billing.ChargePending,
		DueDate:        p.Next().FirstDay(),
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func TestInsertCharge_NaturalKeyConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN: a charge for R1/U1/F1/2025-03
	require.NoError(t, store.InsertCharge(ctx, testCharge("c1", "R1", "2025-03", "150.00")))

	// WHEN: a second charge with a different ID but the same natural key is inserted
	err := store.InsertCharge(ctx, testCharge("c2", "R1", "2025-03", "999.00"))

	// THEN: it is rejected and the original is untouched
	assert.ErrorIs(t, err, billing.ErrDuplicateCharge)

	got, err := store.GetCharge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "150.00", got.Amount.StringFixed(2))
	_, err = store.GetCharge(ctx, "c2")
	assert.ErrorIs(t, err, billing.ErrChargeNotFound)
}

func TestListCharges_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertCharge(ctx, testCharge("c1", "R1", "2025-02", "10.00")))
	require.NoError(t, store.InsertCharge(ctx, testCharge("c2", "R1", "2025-03", "20.00")))
	require.NoError(t, store.InsertCharge(ctx, testCharge("c3", "R2", "2025-03", "30.00")))

	all, err := store.ListCharges(ctx, billing.ChargeFilter{ResidentID: "R1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, billing.ChargeID("c1"), all[0].ID)

	march := billing.MustParsePeriod("2025-03")
	inMarch, err := store.ListCharges(ctx, billing.ChargeFilter{Period: &march})
	require.NoError(t, err)
	assert.Len(t, inMarch, 2)

	paid, err := store.ListCharges(ctx, billing.ChargeFilter{Status: billing.ChargePaid})
	require.NoError(t, err)
	assert.Empty(t, paid)
}

func TestMarkOverdue_Monotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Due 2025-03-01 and 2025-04-01
	require.NoError(t, store.InsertCharge(ctx, testCharge("c1", "R1", "2025-02", "10.00")))
	require.NoError(t, store.InsertCharge(ctx, testCharge("c2", "R1", "2025-03", "20.00")))

	asOf := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)
	n, err := store.MarkOverdue(ctx, asOf, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second sweep with the same date changes nothing
	n, err = store.MarkOverdue(ctx, asOf, testNow)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c1, err := store.GetCharge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargeOverdue, c1.Status)
	assert.True(t, c1.PaidAmount.IsZero())

	c2, err := store.GetCharge(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePending, c2.Status)
}

func TestMarkOverdue_DueDateIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertCharge(ctx, testCharge("c1", "R1", "2025-02", "10.00")))

	// asOf equal to the due date is not overdue yet
	n, err := store.MarkOverdue(ctx, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), testNow)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWithAccount_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithAccount(ctx, "R1", func(tx billing.AccountTx) error {
		require.NoError(t, tx.SaveAccount(ctx, billing.BalanceAccount{
			ResidentID:     "R1",
			Balance:        billing.MustParseMoney("100.00"),
			TotalRecharged: billing.MustParseMoney("100.00"),
			TotalConsumed:  decimal.Zero,
			Status:         billing.AccountActive,
			CreatedAt:      testNow,
			UpdatedAt:      testNow,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetAccount(ctx, "R1")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)
}

func TestWithAccount_NegativeBalanceRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithAccount(ctx, "R1", func(tx billing.AccountTx) error {
		return tx.SaveAccount(ctx, billing.BalanceAccount{
			ResidentID:     "R1",
			Balance:        billing.MustParseMoney("-0.01"),
			TotalRecharged: decimal.Zero,
			TotalConsumed:  decimal.Zero,
			Status:         billing.AccountActive,
			CreatedAt:      testNow,
			UpdatedAt:      testNow,
		})
	})
	assert.ErrorIs(t, err, billing.ErrNegativeBalance)
}

func TestLedger_AppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := billing.LedgerEntry{
		TransactionNo: "TXN1",
		AccountID:     "R1",
		Type:          billing.EntryRecharge,
		Amount:        billing.MustParseMoney("50.00"),
		Description:   "recharge",
		CreatedAt:     testNow,
	}
	require.NoError(t, store.WithAccount(ctx, "R1", func(tx billing.AccountTx) error {
		return tx.AppendLedger(ctx, []billing.LedgerEntry{entry})
	}))

	_, err := store.db.ExecContext(ctx, `UPDATE ledger_entries SET amount = '0' WHERE transaction_no = 'TXN1'`)
	assert.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM ledger_entries`)
	assert.Error(t, err)

	entries, err := store.ListLedger(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "50.00", entries[0].Amount.StringFixed(2))
	assert.Empty(t, entries[0].ChargeID)
}

func TestDirectory_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveFeeType(ctx, billing.FeeType{
		ID: "F1", Code: "MGMT", Name: "Management", UnitPrice: billing.MustParseMoney("2.50"),
		Basis: billing.BasisArea, AutoGenerate: true,
	}))
	require.NoError(t, store.SaveFeeType(ctx, billing.FeeType{
		ID: "F2", Code: "REPAIR", Name: "Repair", UnitPrice: billing.MustParseMoney("80.00"),
		Basis: billing.BasisFlat, AutoGenerate: false,
	}))
	require.NoError(t, store.SaveUnit(ctx, billing.UnitAttributes{
		UnitID: "U1", UsableArea: decimal.RequireFromString("88.5"), BuildingArea: decimal.RequireFromString("100"),
	}))
	require.NoError(t, store.SaveOccupancy(ctx, billing.Occupancy{
		ResidentID: "R1", UnitID: "U1", StartDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Active: true,
	}))
	require.NoError(t, store.SaveOccupancy(ctx, billing.Occupancy{
		ResidentID: "R2", UnitID: "U1", StartDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), Active: false,
	}))

	fees, err := store.ListGenerationEligibleFeeTypes(ctx)
	require.NoError(t, err)
	require.Len(t, fees, 1)
	assert.Equal(t, billing.FeeTypeID("F1"), fees[0].ID)

	occs, err := store.ListActiveOccupancies(ctx)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, billing.ResidentID("R1"), occs[0].ResidentID)

	unit, err := store.GetUnitAttributes(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, unit.BillableArea().Equal(decimal.RequireFromString("88.5")))

	_, err = store.PaymentCredentialHash(ctx, "R1")
	assert.ErrorIs(t, err, billing.ErrNoCredential)
}

// TestSettlement_EndToEnd runs generation and payment against SQLite.
func TestSettlement_EndToEnd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	clock := billing.FixedClock{T: testNow}

	require.NoError(t, store.SaveFeeType(ctx, billing.FeeType{
		ID: "F1", Code: "MGMT", Name: "Management", UnitPrice: billing.MustParseMoney("300.00"),
		Basis: billing.BasisFlat, AutoGenerate: true,
	}))
	require.NoError(t, store.SaveOccupancy(ctx, billing.Occupancy{
		ResidentID: "R1", UnitID: "U1", StartDate: time.Date(2025, time.April, 16, 0, 0, 0, 0, time.UTC), Active: true,
	}))
	hash, err := billing.HashCredential("1234")
	require.NoError(t, err)
	require.NoError(t, store.SetCredentialHash(ctx, "R1", hash))

	gen, err := billing.NewGenerator(billing.GeneratorConfig{Directory: store, Charges: store, Clock: clock, Log: log})
	require.NoError(t, err)

	report, err := gen.Generate(ctx, billing.MustParsePeriod("2025-04"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	again, err := gen.Generate(ctx, billing.MustParsePeriod("2025-04"))
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 1, again.Skipped)

	charges, err := store.ListCharges(ctx, billing.ChargeFilter{ResidentID: "R1"})
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, "150.00", charges[0].Amount.StringFixed(2))

	engine, err := billing.NewSettlementEngine(billing.SettlementConfig{
		Store: store, Credentials: billing.NewBcryptVerifier(store), Clock: clock, Log: log,
	})
	require.NoError(t, err)

	_, err = engine.Recharge(ctx, billing.RechargeRequest{ResidentID: "R1", Amount: billing.MustParseMoney("200.00")})
	require.NoError(t, err)

	result, err := engine.Pay(ctx, billing.PaymentRequest{
		ResidentID: "R1", ChargeIDs: []billing.ChargeID{charges[0].ID}, Credential: "1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "50.00", result.BalanceAfter.StringFixed(2))

	account, err := store.GetAccount(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "50.00", account.Balance.StringFixed(2))
	assert.Equal(t, "150.00", account.TotalConsumed.StringFixed(2))

	paid, err := store.GetCharge(ctx, charges[0].ID)
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	ledger, err := store.ListLedger(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, billing.EntryPayment, ledger[1].Type)
	assert.Equal(t, "-150.00", ledger[1].Amount.StringFixed(2))
}

func TestSettlement_ConcurrentPaymentsNeverOverdraw(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clock := billing.FixedClock{T: testNow}

	require.NoError(t, store.InsertCharge(ctx, testCharge("c1", "R1", "2025-01", "60.00")))
	c2 := testCharge("c2", "R1", "2025-02", "60.00")
	require.NoError(t, store.InsertCharge(ctx, c2))
	hash, err := billing.HashCredential("1234")
	require.NoError(t, err)
	require.NoError(t, store.SetCredentialHash(ctx, "R1", hash))

	engine, err := billing.NewSettlementEngine(billing.SettlementConfig{
		Store: store, Credentials: billing.NewBcryptVerifier(store), Clock: clock,
	})
	require.NoError(t, err)
	_, err = engine.Recharge(ctx, billing.RechargeRequest{ResidentID: "R1", Amount: billing.MustParseMoney("100.00")})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, id := range []billing.ChargeID{"c1", "c2"} {
		wg.Add(1)
		go func(i int, id billing.ChargeID) {
			defer wg.Done()
			_, errs[i] = engine.Pay(ctx, billing.PaymentRequest{ResidentID: "R1", ChargeIDs: []billing.ChargeID{id}, Credential: "1234"})
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, billing.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, succeeded)

	account, err := store.GetAccount(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "40.00", account.Balance.StringFixed(2))
}

func TestReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertCharge(ctx, testCharge("c1", "R1", "2025-01", "60.00")))
	require.NoError(t, store.WithAccount(ctx, "R1", func(tx billing.AccountTx) error {
		return tx.AppendLedger(ctx, []billing.LedgerEntry{{
			TransactionNo: "TXN1", AccountID: "R1", Type: billing.EntryRecharge,
			Amount: billing.MustParseMoney("1.00"), CreatedAt: testNow,
		}})
	}))

	require.NoError(t, store.Reset(ctx))

	charges, err := store.ListCharges(ctx, billing.ChargeFilter{})
	require.NoError(t, err)
	assert.Empty(t, charges)

	// Append-only guard is back after reset
	require.NoError(t, store.WithAccount(ctx, "R1", func(tx billing.AccountTx) error {
		return tx.AppendLedger(ctx, []billing.LedgerEntry{{
			TransactionNo: "TXN2", AccountID: "R1", Type: billing.EntryRecharge,
			Amount: billing.MustParseMoney("1.00"), CreatedAt: testNow,
		}})
	}))
	_, err = store.db.ExecContext(ctx, `DELETE FROM ledger_entries`)
	assert.Error(t, err)
}
