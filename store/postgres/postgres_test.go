package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/estate-billing/billing"
)

// newTestStore connects to BILLING_PG_DSN and starts from empty tables.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BILLING_PG_DSN")
	if dsn == "" {
		t.Skip("BILLING_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var testNow = time.Date(2025, time.April, 20, 8, 0, 0, 0, time.UTC)

func TestPostgres_GenerateAndPay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clock := billing.FixedClock{T: testNow}

	require.NoError(t, store.SaveFeeType(ctx, billing.FeeType{
		ID: "F1", Code: "MGMT", Name: "Management", UnitPrice: billing.MustParseMoney("3.00"),
		Basis: billing.BasisArea, AutoGenerate: true,
	}))
	require.NoError(t, store.SaveUnit(ctx, billing.UnitAttributes{UnitID: "U1", UsableArea: decimal.RequireFromString("100")}))
	require.NoError(t, store.SaveOccupancy(ctx, billing.Occupancy{
		ResidentID: "R1", UnitID: "U1", StartDate: time.Date(2025, 4, 16, 0, 0, 0, 0, time.UTC), Active: true,
	}))
	hash, err := billing.HashCredential("1234")
	require.NoError(t, err)
	require.NoError(t, store.SetCredentialHash(ctx, "R1", hash))

	gen, err := billing.NewGenerator(billing.GeneratorConfig{Directory: store, Charges: store, Clock: clock, Log: zaptest.NewLogger(t)})
	require.NoError(t, err)

	period := billing.MustParsePeriod("2025-04")
	report, err := gen.Generate(ctx, period)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	report, err = gen.Generate(ctx, period)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	charges, err := store.ListCharges(ctx, billing.ChargeFilter{ResidentID: "R1"})
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, "150.00", charges[0].Amount.StringFixed(2))
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), charges[0].DueDate)

	engine, err := billing.NewSettlementEngine(billing.SettlementConfig{
		Store: store, Credentials: billing.NewBcryptVerifier(store), Clock: clock, Log: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	_, err = engine.Recharge(ctx, billing.RechargeRequest{ResidentID: "R1", Amount: billing.MustParseMoney("100.00")})
	require.NoError(t, err)

	_, err = engine.Pay(ctx, billing.PaymentRequest{ResidentID: "R1", ChargeIDs: []billing.ChargeID{charges[0].ID}, Credential: "1234"})
	assert.ErrorIs(t, err, billing.ErrInsufficientBalance)

	_, err = engine.Recharge(ctx, billing.RechargeRequest{ResidentID: "R1", Amount: billing.MustParseMoney("50.00")})
	require.NoError(t, err)
	result, err := engine.Pay(ctx, billing.PaymentRequest{ResidentID: "R1", ChargeIDs: []billing.ChargeID{charges[0].ID}, Credential: "1234"})
	require.NoError(t, err)
	assert.True(t, result.BalanceAfter.IsZero())

	ledger, err := store.ListLedger(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	sum := decimal.Zero
	for _, e := range ledger {
		sum = sum.Add(e.Amount)
	}
	assert.True(t, sum.IsZero())
}

func TestPostgres_LedgerAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WithAccount(ctx, "R1", func(tx billing.AccountTx) error {
		return tx.AppendLedger(ctx, []billing.LedgerEntry{{
			TransactionNo: "TXN1", AccountID: "R1", Type: billing.EntryRecharge,
			Amount: billing.MustParseMoney("1.00"), CreatedAt: testNow,
		}})
	}))
	_, err := store.db.ExecContext(ctx, `UPDATE ledger_entries SET amount = 0`)
	assert.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM ledger_entries`)
	assert.Error(t, err)
}

func TestPostgres_NegativeBalanceRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithAccount(ctx, "R1", func(tx billing.AccountTx) error {
		return tx.SaveAccount(ctx, billing.BalanceAccount{
			ResidentID: "R1", Balance: billing.MustParseMoney("-1.00"),
			Status: billing.AccountActive, CreatedAt: testNow, UpdatedAt: testNow,
		})
	})
	assert.ErrorIs(t, err, billing.ErrNegativeBalance)
}

func TestPostgres_LockTimeout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.WithAccount(ctx, "R1", func(billing.AccountTx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	err := store.WithAccount(short, "R1", func(billing.AccountTx) error { return nil })
	close(done)
	wg.Wait()

	assert.True(t, billing.IsRetryable(err), "got %v", err)
}
