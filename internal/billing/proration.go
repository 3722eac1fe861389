package billing

import (
	"time"

	"membership/internal/types"

	"github.com/shopspring/decimal"
)

// PeriodLength is the nominal cycle length used for proration. Calendar
// period ends (AddDate) can be longer, so the remaining fraction is clamped.
func PeriodLength(cycle types.BillingCycle) time.Duration {
	if cycle == types.CycleYearly {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// ProrationCalculator computes the money owed or credited when a tier
// changes mid-period.
type ProrationCalculator struct {
	catalog Catalog
	clock   types.Clock
}

// NewProrationCalculator creates a calculator. A nil clock uses RealClock.
func NewProrationCalculator(catalog Catalog, clock types.Clock) *ProrationCalculator {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ProrationCalculator{catalog: catalog, clock: clock}
}

// RemainingFraction returns the unused share of the current period in [0, 1].
func (p *ProrationCalculator) RemainingFraction(periodEnd time.Time, cycle types.BillingCycle) decimal.Decimal {
	now := p.clock.Now()
	if !now.Before(periodEnd) {
		return decimal.Zero
	}
	remaining := decimal.NewFromInt(int64(periodEnd.Sub(now)))
	total := decimal.NewFromInt(int64(PeriodLength(cycle)))
	frac := remaining.Div(total)
	if frac.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return frac
}

// CalculateProratedAmount returns round((price(new) - price(current)) * remainingFraction)
// in whole rupees. Positive for upgrades, negative for downgrades, zero once
// the period has ended.
func (p *ProrationCalculator) CalculateProratedAmount(
	current, next types.Tier,
	periodEnd time.Time,
	cycle types.BillingCycle,
) decimal.Decimal {
	frac := p.RemainingFraction(periodEnd, cycle)
	if frac.IsZero() {
		return decimal.Zero
	}
	diff := p.catalog.Price(next, cycle).Sub(p.catalog.Price(current, cycle))
	return diff.Mul(frac).Round(0)
}

// DowngradeCredit is the credit owed to the user when moving to a cheaper
// tier at cycle end. Never negative.
func (p *ProrationCalculator) DowngradeCredit(
	current, next types.Tier,
	periodEnd time.Time,
	cycle types.BillingCycle,
) decimal.Decimal {
	credit := p.CalculateProratedAmount(current, next, periodEnd, cycle).Neg()
	if credit.IsNegative() {
		return decimal.Zero
	}
	return credit
}
