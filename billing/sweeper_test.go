package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/estate-billing/billing"
)

func TestSweep_MarksOnlyPastDuePending(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()
	f.resident(t, "R1", "100.00")
	f.charge(t, "jan", "R1", "2025-01", "10.00") // due 2025-02-01
	f.charge(t, "feb", "R1", "2025-02", "10.00") // due 2025-03-01
	f.charge(t, "mar", "R1", "2025-03", "10.00") // due 2025-04-01
	_, err := f.pay("feb")
	require.NoError(t, err)

	sweeper, err := billing.NewOverdueSweeper(f.mem, billing.FixedClock{T: testNow}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	n, err := sweeper.Sweep(ctx, time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	statuses := map[billing.ChargeID]billing.ChargeStatus{}
	charges, err := f.mem.ListCharges(ctx, billing.ChargeFilter{ResidentID: "R1"})
	require.NoError(t, err)
	for _, c := range charges {
		statuses[c.ID] = c.Status
	}
	assert.Equal(t, billing.ChargeOverdue, statuses["jan"])
	assert.Equal(t, billing.ChargePaid, statuses["feb"])
	assert.Equal(t, billing.ChargePending, statuses["mar"])

	// Same asOf again is a no-op
	n, err = sweeper.Sweep(ctx, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// An earlier asOf never moves anything back
	n, err = sweeper.Sweep(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	jan, err := f.mem.GetCharge(ctx, "jan")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargeOverdue, jan.Status)
}

func TestSweep_ZeroAsOf(t *testing.T) {
	f := newSettlementFixture(t)
	sweeper, err := billing.NewOverdueSweeper(f.mem, nil, nil, nil)
	require.NoError(t, err)
	_, err = sweeper.Sweep(context.Background(), time.Time{})
	assert.Error(t, err)
}
