/*
settlement.go - Paying charges from a prepaid balance

PURPOSE:
  Applies a payment against one or more Pending/Overdue charges and the
  resident's balance account as a single atomic unit. Also hosts the credit
  path (Recharge) so that both directions of the shared balance go through
  the same exclusive per-account scope.

ALGORITHM (Pay):
  0. Verify the payment credential. Failure mutates nothing.
  1. Enter WithAccount(resident): exclusive, serialized per resident.
  2. Re-load every named charge; reject the batch if any is missing, paid,
     or owned by someone else.
  3. total = sum(amount - discount - paid). Reject if balance < total.
  4. Debit the account, mark every charge Paid, append one ledger entry per
     charge with a fresh transaction number.
  5. Commit. Any error after step 3 rolls everything back.

ALL-OR-NOTHING:
  A batch pays every named charge or none of them. Partial application would
  debit the balance against only some charges and break reconciliation
  between balance deltas and ledger entries.

RETRIES:
  Pay is not naturally idempotent. A client retry after a committed payment
  sees the charges as Paid and gets ErrChargeNotPayable, which is the
  "already handled" signal. Lock timeouts are retryable and leave no writes.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentRequest asks to pay ChargeIDs from ResidentID's balance.
type PaymentRequest struct {
	ResidentID ResidentID
	ChargeIDs  []ChargeID
	Credential string
}

// SettlementResult describes a committed payment.
type SettlementResult struct {
	ResidentID   ResidentID
	PaidCharges  []Charge
	Entries      []LedgerEntry
	TotalPaid    decimal.Decimal
	BalanceAfter decimal.Decimal
	SettledAt    time.Time
}

// RechargeRequest credits Amount to ResidentID's balance.
type RechargeRequest struct {
	ResidentID  ResidentID
	Amount      decimal.Decimal
	Description string
}

// DefaultLockTimeout bounds the wait for an account's exclusive scope.
const DefaultLockTimeout = 5 * time.Second

// SettlementConfig wires a SettlementEngine.
type SettlementConfig struct {
	Store       Store
	Credentials CredentialVerifier
	TxNos       TransactionNoAllocator
	Clock       Clock
	Log         *zap.Logger
	Metrics     Metrics
	LockTimeout time.Duration
}

// SettlementEngine settles payments and recharges.
type SettlementEngine struct {
	store       Store
	credentials CredentialVerifier
	txNos       TransactionNoAllocator
	clock       Clock
	log         *zap.Logger
	metrics     Metrics
	lockTimeout time.Duration
}

// NewSettlementEngine constructs the engine. Store and Credentials are required.
func NewSettlementEngine(cfg SettlementConfig) (*SettlementEngine, error) {
	if cfg.Store == nil {
		return nil, errors.New("settlement engine: nil store")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("settlement engine: nil credential verifier")
	}
	if cfg.TxNos == nil {
		cfg.TxNos = UUIDTransactionNos{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	return &SettlementEngine{
		store:       cfg.Store,
		credentials: cfg.Credentials,
		txNos:       cfg.TxNos,
		clock:       cfg.Clock,
		log:         cfg.Log.Named("settlement"),
		metrics:     cfg.Metrics,
		lockTimeout: cfg.LockTimeout,
	}, nil
}

// Pay settles every charge in req or none of them.
func (e *SettlementEngine) Pay(ctx context.Context, req PaymentRequest) (_ *SettlementResult, err error) {
	started := time.Now()
	defer func() {
		e.metrics.ObserveSettlement(settlementOutcome(err), time.Since(started))
	}()

	ids := uniqueChargeIDs(req.ChargeIDs)
	if len(ids) == 0 {
		return nil, ErrEmptyChargeSet
	}
	log := e.log.With(zap.String("resident", string(req.ResidentID)), zap.Int("charges", len(ids)))

	ok, err := e.credentials.VerifyPaymentCredential(ctx, req.ResidentID, req.Credential)
	if err != nil {
		return nil, fmt.Errorf("verify payment credential: %w", err)
	}
	if !ok {
		log.Warn("payment rejected: invalid credential")
		return nil, ErrInvalidCredential
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	var result *SettlementResult
	err = e.store.WithAccount(lockCtx, req.ResidentID, func(tx AccountTx) error {
		r, err := e.settle(lockCtx, tx, req.ResidentID, ids)
		result = r
		return err
	})
	if err != nil {
		if IsRetryable(err) {
			log.Warn("payment not attempted: account busy", zap.Error(err))
		} else {
			log.Info("payment rejected", zap.Error(err))
		}
		return nil, err
	}

	log.Info("payment settled",
		zap.Stringer("total", result.TotalPaid),
		zap.Stringer("balance_after", result.BalanceAfter),
	)
	return result, nil
}

func (e *SettlementEngine) settle(ctx context.Context, tx AccountTx, residentID ResidentID, ids []ChargeID) (*SettlementResult, error) {
	account, err := tx.Account(ctx)
	if err != nil {
		return nil, err
	}
	if account != nil && account.Status == AccountFrozen {
		return nil, ErrAccountFrozen
	}

	loaded, err := tx.Charges(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[ChargeID]Charge, len(loaded))
	for _, c := range loaded {
		byID[c.ID] = c
	}

	charges := make([]Charge, 0, len(ids))
	total := decimal.Zero
	for _, id := range ids {
		c, ok := byID[id]
		switch {
		case !ok:
			return nil, &ChargeNotPayableError{ChargeID: id, Reason: ReasonNotFound}
		case c.ResidentID != residentID:
			return nil, &ChargeNotPayableError{ChargeID: id, Reason: ReasonNotOwned}
		case !c.Status.Payable():
			return nil, &ChargeNotPayableError{ChargeID: id, Reason: ReasonAlreadyPaid}
		}
		total = total.Add(c.Outstanding())
		charges = append(charges, c)
	}

	// A resident who never recharged has nothing to pay with.
	available := decimal.Zero
	if account != nil {
		available = account.Balance
	}
	if account == nil || available.LessThan(total) {
		return nil, &InsufficientBalanceError{
			ResidentID: residentID,
			Available:  available,
			Requested:  total,
			Shortfall:  total.Sub(available),
		}
	}

	now := e.clock.Now()
	account.Balance = account.Balance.Sub(total)
	account.TotalConsumed = account.TotalConsumed.Add(total)
	account.LastTransactionAt = &now
	account.UpdatedAt = now
	if err := tx.SaveAccount(ctx, *account); err != nil {
		return nil, err
	}

	entries := make([]LedgerEntry, 0, len(charges))
	for i := range charges {
		c := &charges[i]
		outstanding := c.Outstanding()
		c.PaidAmount = c.PaidAmount.Add(outstanding)
		c.Status = ChargePaid
		c.PaidAt = &now
		c.UpdatedAt = now
		if err := tx.UpdateChargePayment(ctx, *c); err != nil {
			return nil, err
		}
		entries = append(entries, LedgerEntry{
			TransactionNo: e.txNos.NextTransactionNo(),
			AccountID:     residentID,
			ChargeID:      c.ID,
			Type:          EntryPayment,
			Amount:        outstanding.Neg(),
			Description:   fmt.Sprintf("payment %s %s", c.FeeTypeCode, c.Period),
			CreatedAt:     now,
		})
	}
	if err := tx.AppendLedger(ctx, entries); err != nil {
		return nil, err
	}

	return &SettlementResult{
		ResidentID:   residentID,
		PaidCharges:  charges,
		Entries:      entries,
		TotalPaid:    total,
		BalanceAfter: account.Balance,
		SettledAt:    now,
	}, nil
}

// Recharge credits the resident's balance, opening the account on first use.
func (e *SettlementEngine) Recharge(ctx context.Context, req RechargeRequest) (_ *LedgerEntry, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = settlementOutcome(err)
		}
		e.metrics.ObserveRecharge(outcome)
	}()

	amount := RoundMoney(req.Amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: recharge must be positive, got %s", ErrInvalidAmount, req.Amount)
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	var entry LedgerEntry
	err = e.store.WithAccount(lockCtx, req.ResidentID, func(tx AccountTx) error {
		account, err := tx.Account(lockCtx)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if account == nil {
			account = &BalanceAccount{
				ResidentID: req.ResidentID,
				Status:     AccountActive,
				CreatedAt:  now,
			}
		}
		if account.Status == AccountFrozen {
			return ErrAccountFrozen
		}

		account.Balance = account.Balance.Add(amount)
		account.TotalRecharged = account.TotalRecharged.Add(amount)
		account.LastTransactionAt = &now
		account.UpdatedAt = now
		if err := tx.SaveAccount(lockCtx, *account); err != nil {
			return err
		}

		description := req.Description
		if description == "" {
			description = "recharge"
		}
		entry = LedgerEntry{
			TransactionNo: e.txNos.NextTransactionNo(),
			AccountID:     req.ResidentID,
			Type:          EntryRecharge,
			Amount:        amount,
			Description:   description,
			CreatedAt:     now,
		}
		return tx.AppendLedger(lockCtx, []LedgerEntry{entry})
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("balance recharged",
		zap.String("resident", string(req.ResidentID)),
		zap.Stringer("amount", amount),
	)
	return &entry, nil
}

func settlementOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomePaid
	case errors.Is(err, ErrInvalidCredential):
		return OutcomeInvalidCredential
	case errors.Is(err, ErrChargeNotPayable):
		return OutcomeNotPayable
	case errors.Is(err, ErrInsufficientBalance):
		return OutcomeInsufficientBalance
	case errors.Is(err, ErrAccountFrozen):
		return OutcomeFrozen
	case IsRetryable(err):
		return OutcomeLockTimeout
	default:
		return OutcomeError
	}
}

// uniqueChargeIDs drops blanks and duplicates and sorts, so two concurrent
// batches touching the same charges always visit them in the same order.
func uniqueChargeIDs(ids []ChargeID) []ChargeID {
	seen := make(map[ChargeID]struct{}, len(ids))
	out := make([]ChargeID, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
