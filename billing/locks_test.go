package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/estate-billing/billing"
)

func TestAccountLocks(t *testing.T) {
	locks := billing.NewAccountLocks()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "R1")
	require.NoError(t, err)

	// Different resident is independent
	other, err := locks.Acquire(ctx, "R2")
	require.NoError(t, err)
	other()

	// Same resident waits, then gives up
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(short, "R1")
	assert.ErrorIs(t, err, billing.ErrLockTimeout)

	// Released lock can be taken again; double release is harmless
	release()
	release()
	again, err := locks.Acquire(ctx, "R1")
	require.NoError(t, err)
	again()
}

func TestBcryptVerifier(t *testing.T) {
	f := newSettlementFixture(t)
	f.resident(t, "R1", "")
	v := billing.NewBcryptVerifier(f.mem)
	ctx := context.Background()

	ok, err := v.VerifyPaymentCredential(ctx, "R1", testPIN)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifyPaymentCredential(ctx, "R1", "000000")
	require.NoError(t, err)
	assert.False(t, ok)

	// Resident without a PIN
	ok, err = v.VerifyPaymentCredential(ctx, "R2", testPIN)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = billing.HashCredential("")
	assert.ErrorIs(t, err, billing.ErrInvalidCredential)
}
