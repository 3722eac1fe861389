package billing

import (
	"fmt"
	"time"

	"membership/internal/types"

	"github.com/shopspring/decimal"
)

// Value proposition assumptions.
var (
	baseCashbackRate        = decimal.NewFromInt(5) // percent
	deliveryFeePerOrder     = decimal.NewFromInt(30)
	deliveriesPerMonth      = decimal.NewFromInt(4)
	defaultMonthlySavings   = map[types.Tier]decimal.Decimal{types.TierPremium: decimal.NewFromInt(300), types.TierVIP: decimal.NewFromInt(1000)}
	birthdayWindowDays      = 3
	anniversaryWindowLength = 7 * 24 * time.Hour
)

// OrderContext describes one order the rewards engine is pricing.
type OrderContext struct {
	Subtotal     decimal.Decimal
	CashbackRate decimal.Decimal // percent, before the tier multiplier
	DeliveryFee  decimal.Decimal
	DealDiscount decimal.Decimal // savings from an exclusive deal, zero if none
}

// AppliedBenefits is the result of applying a tier to an order.
type AppliedBenefits struct {
	AdjustedCashbackRate decimal.Decimal `json:"adjustedCashbackRate"`
	AdjustedDeliveryFee  decimal.Decimal `json:"adjustedDeliveryFee"`
	ExtraCashback        decimal.Decimal `json:"extraCashback"`
	TotalSavings         decimal.Decimal `json:"totalSavings"`
	AppliedBenefits      []string        `json:"appliedBenefits"`
}

// ROI summarizes what a subscription has returned against its price.
type ROI struct {
	Cost           decimal.Decimal `json:"cost"`
	TotalSavings   decimal.Decimal `json:"totalSavings"`
	CashbackEarned decimal.Decimal `json:"cashbackEarned"`
	TotalValue     decimal.Decimal `json:"totalValue"`
	NetSavings     decimal.Decimal `json:"netSavings"`
	ROIPercentage  decimal.Decimal `json:"roiPercentage"`
}

// ValueProposition estimates the savings of a tier for marketing pages.
type ValueProposition struct {
	Tier           types.Tier      `json:"tier"`
	MonthlyPrice   decimal.Decimal `json:"monthlyPrice"`
	MonthlySavings decimal.Decimal `json:"monthlySavings"`
	YearlySavings  decimal.Decimal `json:"yearlySavings"`
	PaybackDays    int64           `json:"paybackDays"`
}

// BenefitsResolver maps tiers to benefits and derives order-time multipliers.
// It reads subscriptions but never persists them.
type BenefitsResolver struct {
	catalog Catalog
	clock   types.Clock
}

// NewBenefitsResolver creates a resolver. A nil clock uses RealClock.
func NewBenefitsResolver(catalog Catalog, clock types.Clock) *BenefitsResolver {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &BenefitsResolver{catalog: catalog, clock: clock}
}

// BenefitsFor is a pure function of the tier.
func (r *BenefitsResolver) BenefitsFor(t types.Tier) types.Benefits {
	return r.catalog.Tier(t).Benefits
}

// CashbackMultiplier returns 1 unless s is active.
func (r *BenefitsResolver) CashbackMultiplier(s *types.Subscription) int {
	if !types.IsActive(s) {
		return 1
	}
	return r.BenefitsFor(s.Tier).CashbackMultiplier
}

// ApplyTierBenefits prices order under the subscription's tier and folds the
// result into s.Usage. The caller persists s.
func (r *BenefitsResolver) ApplyTierBenefits(s *types.Subscription, order OrderContext) AppliedBenefits {
	out := AppliedBenefits{
		AdjustedCashbackRate: order.CashbackRate,
		AdjustedDeliveryFee:  order.DeliveryFee,
		ExtraCashback:        decimal.Zero,
		TotalSavings:         decimal.Zero,
		AppliedBenefits:      []string{},
	}
	if !types.IsActive(s) {
		return out
	}

	benefits := r.BenefitsFor(s.Tier)
	mult := decimal.NewFromInt(int64(benefits.CashbackMultiplier))

	if benefits.CashbackMultiplier > 1 {
		out.AdjustedCashbackRate = order.CashbackRate.Mul(mult)
		out.ExtraCashback = order.Subtotal.Mul(order.CashbackRate).
			Mul(mult.Sub(decimal.NewFromInt(1))).
			Div(decimal.NewFromInt(100)).
			Round(2)
		out.AppliedBenefits = append(out.AppliedBenefits, fmt.Sprintf("%dx cashback", benefits.CashbackMultiplier))
	}

	deliverySaved := decimal.Zero
	if benefits.FreeDelivery && order.DeliveryFee.IsPositive() {
		deliverySaved = order.DeliveryFee
		out.AdjustedDeliveryFee = decimal.Zero
		out.AppliedBenefits = append(out.AppliedBenefits, "free delivery")
	}

	dealSaved := decimal.Zero
	if benefits.ExclusiveDeals && order.DealDiscount.IsPositive() {
		dealSaved = order.DealDiscount
		s.Usage.ExclusiveDealsUsed++
		out.AppliedBenefits = append(out.AppliedBenefits, "exclusive deal")
	}

	out.TotalSavings = out.ExtraCashback.Add(deliverySaved).Add(dealSaved)

	now := r.clock.Now()
	s.Usage.OrdersThisMonth++
	s.Usage.OrdersAllTime++
	s.Usage.CashbackEarned = s.Usage.CashbackEarned.Add(out.ExtraCashback)
	s.Usage.DeliveryFeesSaved = s.Usage.DeliveryFeesSaved.Add(deliverySaved)
	s.Usage.TotalSavings = s.Usage.TotalSavings.Add(deliverySaved).Add(dealSaved)
	s.Usage.LastUsedAt = &now

	return out
}

// ROI compares accumulated value with the effective price. Usage.TotalSavings
// excludes cashback, so the two are additive.
func (r *BenefitsResolver) ROI(s *types.Subscription) ROI {
	if s == nil {
		return ROI{}
	}
	cost := EffectivePrice(s)
	value := s.Usage.TotalSavings.Add(s.Usage.CashbackEarned)
	net := value.Sub(cost)

	pct := decimal.Zero
	if cost.IsPositive() {
		pct = net.Div(cost).Mul(decimal.NewFromInt(100)).Round(2)
	}

	return ROI{
		Cost:           cost,
		TotalSavings:   s.Usage.TotalSavings,
		CashbackEarned: s.Usage.CashbackEarned,
		TotalValue:     value,
		NetSavings:     net,
		ROIPercentage:  pct,
	}
}

// ValueProposition estimates monthly savings for t. With no spend given it
// returns the published defaults.
func (r *BenefitsResolver) ValueProposition(t types.Tier, monthlySpend *decimal.Decimal) ValueProposition {
	cfg := r.catalog.Tier(t)
	vp := ValueProposition{
		Tier:           cfg.Tier,
		MonthlyPrice:   cfg.MonthlyPrice,
		MonthlySavings: decimal.Zero,
		YearlySavings:  decimal.Zero,
	}
	if !cfg.Tier.Paid() {
		return vp
	}

	if monthlySpend == nil {
		vp.MonthlySavings = defaultMonthlySavings[cfg.Tier]
	} else {
		extra := decimal.NewFromInt(int64(cfg.Benefits.CashbackMultiplier - 1))
		savings := monthlySpend.Mul(baseCashbackRate).Div(decimal.NewFromInt(100)).Mul(extra)
		if cfg.Benefits.FreeDelivery {
			savings = savings.Add(deliveryFeePerOrder.Mul(deliveriesPerMonth))
		}
		vp.MonthlySavings = savings.Round(2)
	}
	vp.YearlySavings = vp.MonthlySavings.Mul(decimal.NewFromInt(12))

	if vp.MonthlySavings.IsPositive() {
		days := cfg.MonthlyPrice.Div(vp.MonthlySavings).Mul(decimal.NewFromInt(30)).Ceil()
		vp.PaybackDays = days.IntPart()
	}
	return vp
}

// QualifiesForBirthdayOffer reports whether birthday falls within three days
// of today (year ignored) and the tier includes the offer.
func (r *BenefitsResolver) QualifiesForBirthdayOffer(s *types.Subscription, birthday time.Time) bool {
	if !types.IsActive(s) || !r.BenefitsFor(s.Tier).BirthdayOffer {
		return false
	}
	now := r.clock.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, year := range []int{now.Year() - 1, now.Year(), now.Year() + 1} {
		bd := time.Date(year, birthday.Month(), birthday.Day(), 0, 0, 0, 0, time.UTC)
		diff := bd.Sub(today)
		if diff < 0 {
			diff = -diff
		}
		if diff <= time.Duration(birthdayWindowDays)*24*time.Hour {
			return true
		}
	}
	return false
}

// QualifiesForAnniversaryOffer reports whether today is within the week
// following a membership anniversary and the tier includes the offer.
func (r *BenefitsResolver) QualifiesForAnniversaryOffer(s *types.Subscription) bool {
	if !types.IsActive(s) || !r.BenefitsFor(s.Tier).AnniversaryOffer {
		return false
	}
	now := r.clock.Now()
	years := now.Year() - s.StartDate.Year()
	anniversary := s.StartDate.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
		anniversary = s.StartDate.AddDate(years, 0, 0)
	}
	if years < 1 {
		return false
	}
	return now.Sub(anniversary) < anniversaryWindowLength
}
