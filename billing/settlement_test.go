package billing_test

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
	"github.com/warp/estate-billing/billing/store"
)

const testPIN = "246810"

type settlementFixture struct {
	mem    *store.Memory
	engine *billing.SettlementEngine
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	mem := store.NewMemory()
	engine, err := billing.NewSettlementEngine(billing.SettlementConfig{
		Store:       mem,
		Credentials: billing.NewBcryptVerifier(mem),
		Clock:       billing.FixedClock{T: testNow},
		Log:         zaptest.NewLogger(t),
		LockTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	return &settlementFixture{mem: mem, engine: engine}
}

func (f *settlementFixture) resident(t *testing.T, id billing.ResidentID, balance string) {
	t.Helper()
	ctx := context.Background()
	hash, err := billing.HashCredential(testPIN)
	require.NoError(t, err)
	require.NoError(t, f.mem.SetCredentialHash(ctx, id, hash))
	if balance != "" {
		_, err := f.engine.Recharge(ctx, billing.RechargeRequest{ResidentID: id, Amount: billing.MustParseMoney(balance)})
		require.NoError(t, err)
	}
}

func (f *settlementFixture) charge(t *testing.T, id billing.ChargeID, resident billing.ResidentID, period, amount string) {
	t.Helper()
	p := billing.MustParsePeriod(period)
	require.NoError(t, f.mem.InsertCharge(context.Background(), billing.Charge{
		ID:             id,
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
	}))
}

func (f *settlementFixture) pay(ids ...billing.ChargeID) (*billing.SettlementResult, error) {
	return f.engine.Pay(context.Background(), billing.PaymentRequest{ResidentID: "R1", ChargeIDs: ids, Credential: testPIN})
}

func (f *settlementFixture) balance(t *testing.T, id billing.ResidentID) string {
	t.Helper()
	a, err := f.mem.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance.StringFixed(2)
}

// =============================================================================
// PAY
// =============================================================================

func TestPay_Success(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "500.00")
	f.charge(t, "c1", "R1", "2025-03", "150.00")
	f.charge(t, "c2", "R1", "2025-04", "120.50")

	result, err := f.pay("c2", "c1")
	require.NoError(t, err)

	assert.Equal(t, "270.50", result.TotalPaid.StringFixed(2))
	assert.Equal(t, "229.50", result.BalanceAfter.StringFixed(2))
	assert.Equal(t, "229.50", f.balance(t, "R1"))
	require.Len(t, result.Entries, 2)

	for _, id := range []billing.ChargeID{"c1", "c2"} {
		c, err := f.mem.GetCharge(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.ChargePaid, c.Status)
		assert.True(t, c.PaidAmount.Equal(c.Amount))
		require.NotNil(t, c.PaidAt)
		assert.Equal(t, testNow, *c.PaidAt)
	}

	account, err := f.mem.GetAccount(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "270.50", account.TotalConsumed.StringFixed(2))
	assert.Equal(t, "500.00", account.TotalRecharged.StringFixed(2))
}

func TestPay_LedgerReconcilesWithBalance(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "300.00")
	f.charge(t, "c1", "R1", "2025-03", "100.00")
	f.charge(t, "c2", "R1", "2025-04", "75.25")

	_, err := f.pay("c1")
	require.NoError(t, err)
	_, err = f.pay("c2")
	require.NoError(t, err)

	entries, err := f.mem.ListLedger(context.Background(), "R1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	sum := decimal.Zero
	txNos := map[billing.TransactionNo]bool{}
	for _, e := range entries {
		sum = sum.Add(e.Amount)
		assert.False(t, txNos[e.TransactionNo])
		txNos[e.TransactionNo] = true
	}
	assert.Equal(t, f.balance(t, "R1"), sum.StringFixed(2))

	assert.Equal(t, billing.EntryRecharge, entries[0].Type)
	assert.Equal(t, billing.EntryPayment, entries[1].Type)
	assert.Equal(t, billing.ChargeID("c1"), entries[1].ChargeID)
	assert.Equal(t, "-100.00", entries[1].Amount.StringFixed(2))
}

func TestPay_AllOrNothingOnInsufficientBalance(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "100.00")
	f.charge(t, "c1", "R1", "2025-03", "60.00")
	f.charge(t, "c2", "R1", "2025-04", "60.00")

	_, err := f.pay("c1", "c2")

	var ib *billing.InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, "20.00", ib.Shortfall.StringFixed(2))
	assert.ErrorIs(t, err, billing.ErrInsufficientBalance)

	assert.Equal(t, "100.00", f.balance(t, "R1"))
	for _, id := range []billing.ChargeID{"c1", "c2"} {
		c, err := f.mem.GetCharge(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.ChargePending, c.Status)
	}
	entries, err := f.mem.ListLedger(context.Background(), "R1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPay_RetryAfterCommitIsNotPayable(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "100.00")
	f.charge(t, "c1", "R1", "2025-03", "60.00")

	_, err := f.pay("c1")
	require.NoError(t, err)

	_, err = f.pay("c1")
	var np *billing.ChargeNotPayableError
	require.True(t, errors.As(err, &np))
	assert.Equal(t, billing.ReasonAlreadyPaid, np.Reason)
	assert.Equal(t, "40.00", f.balance(t, "R1"))
}

func TestPay_Rejections(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "100.00")
	f.resident(t, "R2", "100.00")
	f.charge(t, "c1", "R1", "2025-03", "10.00")
	f.charge(t, "other", "R2", "2025-03", "10.00")

	t.Run("wrong credential", func(t *testing.T) {
		_, err := f.engine.Pay(context.Background(), billing.PaymentRequest{ResidentID: "R1", ChargeIDs: []billing.ChargeID{"c1"}, Credential: "nope"})
		assert.ErrorIs(t, err, billing.ErrInvalidCredential)
	})
	t.Run("empty credential", func(t *testing.T) {
		_, err := f.engine.Pay(context.Background(), billing.PaymentRequest{ResidentID: "R1", ChargeIDs: []billing.ChargeID{"c1"}})
		assert.ErrorIs(t, err, billing.ErrInvalidCredential)
	})
	t.Run("unknown charge", func(t *testing.T) {
		_, err := f.pay("c1", "missing")
		var np *billing.ChargeNotPayableError
		require.True(t, errors.As(err, &np))
		assert.Equal(t, billing.ReasonNotFound, np.Reason)
	})
	t.Run("someone else's charge", func(t *testing.T) {
		_, err := f.pay("other")
		var np *billing.ChargeNotPayableError
		require.True(t, errors.As(err, &np))
		assert.Equal(t, billing.ReasonNotOwned, np.Reason)
	})
	t.Run("empty set", func(t *testing.T) {
		_, err := f.pay()
		assert.ErrorIs(t, err, billing.ErrEmptyChargeSet)
	})

	// Nothing above mutated state
	assert.Equal(t, "100.00", f.balance(t, "R1"))
	c, err := f.mem.GetCharge(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePending, c.Status)
}

func TestPay_OverdueIsPayable(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "100.00")
	f.charge(t, "c1", "R1", "2025-01", "30.00")

	_, err := f.mem.MarkOverdue(context.Background(), date(2025, 3, 1), testNow)
	require.NoError(t, err)

	_, err = f.pay("c1")
	require.NoError(t, err)
	c, err := f.mem.GetCharge(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePaid, c.Status)
}

func TestPay_NoAccountIsZeroBalance(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "")
	f.charge(t, "c1", "R1", "2025-03", "10.00")

	_, err := f.pay("c1")
	var ib *billing.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.True(t, ib.Available.IsZero())
	assert.Equal(t, "10.00", ib.Shortfall.StringFixed(2))
	assert.NotErrorIs(t, err, billing.ErrAccountNotFound)

	// Charges are still checked first.
	_, err = f.pay("missing")
	var np *billing.ChargeNotPayableError
	require.ErrorAs(t, err, &np)
	assert.Equal(t, billing.ReasonNotFound, np.Reason)

	// Nothing was opened or written.
	_, err = f.mem.GetAccount(context.Background(), "R1")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)
}

func TestPay_FrozenAccount(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "100.00")
	f.charge(t, "c1", "R1", "2025-03", "10.00")
	require.NoError(t, billing.SetAccountStatus(context.Background(), f.mem, "R1", billing.AccountFrozen, testNow))

	_, err := f.pay("c1")
	assert.ErrorIs(t, err, billing.ErrAccountFrozen)

	_, err = f.engine.Recharge(context.Background(), billing.RechargeRequest{ResidentID: "R1", Amount: billing.MustParseMoney("1")})
	assert.ErrorIs(t, err, billing.ErrAccountFrozen)

	require.NoError(t, billing.SetAccountStatus(context.Background(), f.mem, "R1", billing.AccountActive, testNow))
	_, err = f.pay("c1")
	assert.NoError(t, err)
}

func TestPay_ConcurrentBatchesNeverOverdraw(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "100.00")
	f.charge(t, "c1", "R1", "2025-03", "60.00")
	f.charge(t, "c2", "R1", "2025-04", "60.00")

	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	for i, id := range []billing.ChargeID{"c1", "c2"} {
		wg.Add(1)
		go func(i int, id billing.ChargeID) {
			defer wg.Done()
			_, errs[i] = f.pay(id)
		}(i, id)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, billing.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, "40.00", f.balance(t, "R1"))
}

func TestPay_SameChargeConcurrentlyPaidOnce(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "1000.00")
	f.charge(t, "c1", "R1", "2025-03", "60.00")

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		paid int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pay("c1")
			if err == nil {
				mu.Lock()
				paid++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, billing.ErrChargeNotPayable) || billing.IsRetryable(err), "unexpected %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, paid)
	assert.Equal(t, "940.00", f.balance(t, "R1"))
}

func TestPay_LockTimeoutIsRetryableAndWritesNothing(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "100.00")
	f.charge(t, "c1", "R1", "2025-03", "10.00")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = f.mem.WithAccount(context.Background(), "R1", func(billing.AccountTx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	_, err := f.pay("c1")
	close(done)

	assert.ErrorIs(t, err, billing.ErrLockTimeout)
	assert.True(t, billing.IsRetryable(err))
	assert.Equal(t, "100.00", f.balance(t, "R1"))
}

func TestPay_OtherResidentsDoNotContend(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "100.00")
	f.resident(t, "R2", "100.00")
	f.charge(t, "c2", "R2", "2025-03", "10.00")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = f.mem.WithAccount(context.Background(), "R1", func(billing.AccountTx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	_, err := f.engine.Pay(context.Background(), billing.PaymentRequest{ResidentID: "R2", ChargeIDs: []billing.ChargeID{"c2"}, Credential: testPIN})
	assert.NoError(t, err)
}

// =============================================================================
// RECHARGE
// =============================================================================

func TestRecharge(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	entry, err := f.engine.Recharge(ctx, billing.RechargeRequest{ResidentID: "R9", Amount: decimal.RequireFromString("50.005")})
	require.NoError(t, err)
	assert.Equal(t, "50.01", entry.Amount.StringFixed(2))
	assert.Equal(t, billing.EntryRecharge, entry.Type)
	assert.Empty(t, entry.ChargeID)

	account, err := f.mem.GetAccount(ctx, "R9")
	require.NoError(t, err)
	assert.Equal(t, billing.AccountActive, account.Status)
	assert.Equal(t, "50.01", account.Balance.StringFixed(2))

	for _, bad := range []string{"0", "-5", "0.004"} {
		_, err := f.engine.Recharge(ctx, billing.RechargeRequest{ResidentID: "R9", Amount: decimal.RequireFromString(bad)})
		assert.ErrorIs(t, err, billing.ErrInvalidAmount, bad)
	}
}
