package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// OverdueSweeper moves unpaid charges past their due date to Overdue.
//
// Only Pending charges whose DueDate is strictly before asOf change, so a
// second sweep with the same asOf is a no-op and an Overdue charge never
// goes back to Pending. PaidAmount is never touched.
type OverdueSweeper struct {
	charges ChargeStore
	clock   Clock
	log     *zap.Logger
	metrics Metrics
}

// NewOverdueSweeper constructs a sweeper. log, clock and metrics may be nil.
func NewOverdueSweeper(charges ChargeStore, clock Clock, log *zap.Logger, metrics Metrics) (*OverdueSweeper, error) {
	if charges == nil {
		return nil, errors.New("overdue sweeper: nil charge store")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &OverdueSweeper{charges: charges, clock: clock, log: log.Named("sweeper"), metrics: metrics}, nil
}

// Sweep marks overdue charges as of the calendar date of asOf.
func (s *OverdueSweeper) Sweep(ctx context.Context, asOf time.Time) (int, error) {
	if asOf.IsZero() {
		return 0, errors.New("overdue sweep: zero asOf")
	}
	day := DateOf(asOf)
	n, err := s.charges.MarkOverdue(ctx, day, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	s.metrics.ObserveSweep(n)
	s.log.Info("overdue sweep finished", zap.String("as_of", day.Format("2006-01-02")), zap.Int("overdue", n))
	return n, nil
}
