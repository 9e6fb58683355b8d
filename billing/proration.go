package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Prorate scales a full-period amount by the share of the period occupied,
// counting from occupancyStart (inclusive) to the last day (inclusive).
//
// fullAmount must already be rounded to money precision. The caller must not
// pass an occupancyStart after the period's last day; such a resident is not
// eligible for the period at all.
//
//	occupiedDays = lastDay - max(occupancyStart, firstDay) + 1, clamped to [0, totalDays]
//	amount       = round_half_up(fullAmount * occupiedDays / totalDays, 2)
func Prorate(fullAmount decimal.Decimal, occupancyStart time.Time, period Period) decimal.Decimal {
	firstDay := period.FirstDay()
	lastDay := period.LastDay()
	totalDays := period.Days()

	billingStart := DateOf(occupancyStart)
	if billingStart.Before(firstDay) {
		billingStart = firstDay
	}

	occupied := DaysBetween(billingStart, lastDay) + 1
	if occupied < 0 {
		occupied = 0
	}
	if occupied > totalDays {
		occupied = totalDays
	}
	if occupied == totalDays {
		return fullAmount
	}

	// Multiply before dividing so e.g. 300 * 15 / 30 stays exact.
	return RoundMoney(fullAmount.Mul(decimal.NewFromInt(int64(occupied))).
		Div(decimal.NewFromInt(int64(totalDays))))
}

// Eligible reports whether an occupancy starting at occupancyStart is billed
// in period. Residents moving in after the last day are not.
func Eligible(occupancyStart time.Time, period Period) bool {
	return !DateOf(occupancyStart).After(period.LastDay())
}

// FullAmount prices a fee type for one unit before proration.
// Area-based fees use the unit's billable area; flat fees use quantity 1.
func FullAmount(fee FeeType, unit UnitAttributes) decimal.Decimal {
	quantity := decimal.NewFromInt(1)
	if fee.Basis == BasisArea {
		quantity = unit.BillableArea()
	}
	return RoundMoney(fee.UnitPrice.Mul(quantity))
}
