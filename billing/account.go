package billing

import (
	"context"
	"fmt"
	"time"
)

// SetAccountStatus freezes or unfreezes a balance account through the same
// exclusive scope as payments, so a freeze never interleaves with a debit.
func SetAccountStatus(ctx context.Context, store Store, residentID ResidentID, status AccountStatus, now time.Time) error {
	if status != AccountActive && status != AccountFrozen {
		return fmt.Errorf("unknown account status %q", status)
	}
	return store.WithAccount(ctx, residentID, func(tx AccountTx) error {
		account, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("%w: resident %s", ErrAccountNotFound, residentID)
		}
		account.Status = status
		account.UpdatedAt = now
		return tx.SaveAccount(ctx, *account)
	})
}
