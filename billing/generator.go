/*
generator.go - Periodic charge generation

PURPOSE:
  Materializes one Pending charge per (resident, unit, fee type, period) for
  every active occupancy and every auto-generated fee type, prorated by the
  occupancy start date.

IDEMPOTENCY:
  Generation may run any number of times for the same period, concurrently
  or after a partial failure. The natural-key insert is the only
  serialization point: a second insert of the same key fails with
  ErrDuplicateCharge and is counted as Skipped.

BEST EFFORT:
  A failure on one triple (for example a transient store error) is logged
  and counted as Failed; the remaining triples still run. Only failures of
  the occupancy or fee-type lookups fail the whole run.

COUNTERS:
  Created    - inserted by this run
  Skipped    - already present (natural-key conflict)
  Ineligible - resident moves in after the period, or amount is not positive
  Failed     - errors
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GenerationReport summarizes one Generate call.
type GenerationReport struct {
	Period     Period `json:"period"`
	Created    int    `json:"created"`
	Skipped    int    `json:"skipped"`
	Ineligible int    `json:"ineligible"`
	Failed     int    `json:"failed"`
}

// DefaultGenerationWorkers bounds concurrent inserts per run.
const DefaultGenerationWorkers = 8

// GeneratorConfig wires a Generator.
type GeneratorConfig struct {
	Directory Directory
	Charges   ChargeStore
	IDs       IDAllocator
	Clock     Clock
	Log       *zap.Logger
	Metrics   Metrics
	Workers   int
}

// Generator is the ChargeGenerator.
type Generator struct {
	dir     Directory
	charges ChargeStore
	ids     IDAllocator
	clock   Clock
	log     *zap.Logger
	metrics Metrics
	workers int
}

// NewGenerator constructs a Generator. Directory and Charges are required.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Directory == nil {
		return nil, errors.New("charge generator: nil directory")
	}
	if cfg.Charges == nil {
		return nil, errors.New("charge generator: nil charge store")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = NewSequenceAllocator(cfg.Clock)
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultGenerationWorkers
	}
	return &Generator{
		dir:     cfg.Directory,
		charges: cfg.Charges,
		ids:     cfg.IDs,
		clock:   cfg.Clock,
		log:     cfg.Log.Named("generator"),
		metrics: cfg.Metrics,
		workers: cfg.Workers,
	}, nil
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeSkipped
	outcomeIneligible
	outcomeFailed
)

// unitLookup is the per-run result of fetching one unit's attributes.
type unitLookup struct {
	attrs UnitAttributes
	err   error
}

// Generate raises charges for period.
func (g *Generator) Generate(ctx context.Context, period Period) (GenerationReport, error) {
	report := GenerationReport{Period: period}
	if !period.Valid() {
		return report, ErrInvalidPeriod
	}
	started := g.clock.Now()

	occupancies, err := g.dir.ListActiveOccupancies(ctx)
	if err != nil {
		return report, fmt.Errorf("list active occupancies: %w", err)
	}
	fees, err := g.dir.ListGenerationEligibleFeeTypes(ctx)
	if err != nil {
		return report, fmt.Errorf("list fee types: %w", err)
	}
	fees = autoGenerated(fees)

	units := g.lookupUnits(ctx, occupancies, fees)

	var (
		mu  sync.Mutex
		grp errgroup.Group
	)
	grp.SetLimit(g.workers)

	for _, occ := range occupancies {
		if !occ.Active {
			continue
		}
		for _, fee := range fees {
			occ, fee := occ, fee
			grp.Go(func() error {
				res := g.generateOne(ctx, period, occ, fee, units[occ.UnitID])
				mu.Lock()
				switch res {
				case outcomeCreated:
					report.Created++
				case outcomeSkipped:
					report.Skipped++
				case outcomeIneligible:
					report.Ineligible++
				default:
					report.Failed++
				}
				mu.Unlock()
				return nil
			})
		}
	}
	_ = grp.Wait()

	took := g.clock.Now().Sub(started)
	g.metrics.ObserveGeneration(report, took)
	g.log.Info("charge generation finished",
		zap.Stringer("period", period),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
		zap.Int("ineligible", report.Ineligible),
		zap.Int("failed", report.Failed),
		zap.Duration("took", took),
	)
	return report, nil
}

func (g *Generator) generateOne(ctx context.Context, period Period, occ Occupancy, fee FeeType, unit *unitLookup) outcome {
	if !Eligible(occ.StartDate, period) {
		return outcomeIneligible
	}

	log := g.log.With(
		zap.String("resident", string(occ.ResidentID)),
		zap.String("unit", string(occ.UnitID)),
		zap.String("fee_type", string(fee.ID)),
		zap.Stringer("period", period),
	)

	if err := ctx.Err(); err != nil {
		log.Error("charge generation aborted", zap.Error(err))
		return outcomeFailed
	}

	var attrs UnitAttributes
	if fee.Basis == BasisArea {
		if unit == nil {
			log.Error("unit attributes missing")
			return outcomeFailed
		}
		if unit.err != nil {
			log.Error("unit attributes lookup failed", zap.Error(unit.err))
			return outcomeFailed
		}
		attrs = unit.attrs
	}

	full := FullAmount(fee, attrs)
	if !full.IsPositive() {
		return outcomeIneligible
	}
	amount := Prorate(full, occ.StartDate, period)
	if !amount.IsPositive() {
		return outcomeIneligible
	}

	now := g.clock.Now()
	charge := Charge{
		ID:             g.ids.Allocate(occ.ResidentID, occ.UnitID, fee.Code, period),
		ResidentID:     occ.ResidentID,
		UnitID:         occ.UnitID,
		FeeTypeID:      fee.ID,
		FeeTypeCode:    fee.Code,
		Period:         period,
		Amount:         amount,
		PaidAmount:     decimal.Zero,
		DiscountAmount: decimal.Zero,
		Status:         ChargePending,
		DueDate:        period.Next().FirstDay(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := g.charges.InsertCharge(ctx, charge)
	switch {
	case err == nil:
		log.Debug("charge created", zap.String("charge", string(charge.ID)), zap.Stringer("amount", amount))
		return outcomeCreated
	case errors.Is(err, ErrDuplicateCharge):
		return outcomeSkipped
	default:
		log.Error("charge insert failed", zap.Error(err))
		return outcomeFailed
	}
}

// lookupUnits fetches attributes once per distinct unit, and only when some
// fee is priced by area. Errors are kept per unit so that one bad unit fails
// only its own triples.
func (g *Generator) lookupUnits(ctx context.Context, occupancies []Occupancy, fees []FeeType) map[UnitID]*unitLookup {
	units := make(map[UnitID]*unitLookup)
	needArea := false
	for _, f := range fees {
		if f.Basis == BasisArea {
			needArea = true
			break
		}
	}
	if !needArea {
		return units
	}
	for _, occ := range occupancies {
		if !occ.Active {
			continue
		}
		if _, ok := units[occ.UnitID]; ok {
			continue
		}
		attrs, err := g.dir.GetUnitAttributes(ctx, occ.UnitID)
		units[occ.UnitID] = &unitLookup{attrs: attrs, err: err}
	}
	return units
}

func autoGenerated(fees []FeeType) []FeeType {
	out := fees[:0:0]
	for _, f := range fees {
		if f.AutoGenerate {
			out = append(out, f)
		}
	}
	return out
}
