// Package billing holds the membership pricing catalog and the pure money
// math built on it: proration, benefit resolution, ROI and promo codes.
package billing

import (
	"membership/internal/types"

	"github.com/shopspring/decimal"
)

// TierConfig is the catalog entry for one membership tier.
type TierConfig struct {
	Tier              types.Tier      `json:"tier"`
	Name              string          `json:"name"`
	MonthlyPrice      decimal.Decimal `json:"monthlyPrice"`
	YearlyPrice       decimal.Decimal `json:"yearlyPrice"`
	YearlyDiscountPct int             `json:"yearlyDiscount"`
	Benefits          types.Benefits  `json:"benefits"`
	Description       string          `json:"description"`
	Features          []string        `json:"features"`
}

// Price returns the list price for the cycle.
func (c TierConfig) Price(cycle types.BillingCycle) decimal.Decimal {
	if cycle == types.CycleYearly {
		return c.YearlyPrice
	}
	return c.MonthlyPrice
}

// Catalog is the single source of truth for tier prices and benefits.
type Catalog interface {
	// Tier returns the configuration for t. Unknown tiers get the Free
	// configuration so callers fail safe.
	Tier(t types.Tier) TierConfig
	// Tiers returns all tiers ordered from lowest to highest.
	Tiers() []TierConfig
	// Price returns the list price of t for the cycle.
	Price(t types.Tier, cycle types.BillingCycle) decimal.Decimal
}

type staticCatalog struct {
	tiers map[types.Tier]TierConfig
}

// Prices are whole rupees:
//
//	| Tier    | Monthly | Yearly | Multiplier |
//	|---------|---------|--------|------------|
//	| Free    | 0       | 0      | 1x         |
//	| Premium | 99      | 999    | 2x         |
//	| VIP     | 299     | 2999   | 3x         |
var tierDefaults = []TierConfig{
	{
		Tier:         types.TierFree,
		Name:         "Free",
		MonthlyPrice: decimal.Zero,
		YearlyPrice:  decimal.Zero,
		Benefits:     types.Benefits{CashbackMultiplier: 1},
		Description:  "Basic features with standard cashback",
		Features: []string{
			"2-5% cashback on orders",
			"Basic features",
			"Standard support",
			"5 wishlists maximum",
			"Regular delivery",
		},
	},
	{
		Tier:              types.TierPremium,
		Name:              "Premium",
		MonthlyPrice:      decimal.NewFromInt(99),
		YearlyPrice:       decimal.NewFromInt(999),
		YearlyDiscountPct: 16,
		Benefits: types.Benefits{
			CashbackMultiplier:   2,
			FreeDelivery:         true,
			PrioritySupport:      true,
			ExclusiveDeals:       true,
			UnlimitedWishlists:   true,
			EarlyFlashSaleAccess: true,
			BirthdayOffer:        true,
		},
		Description: "Enhanced benefits with 2x cashback",
		Features: []string{
			"5-10% cashback on orders (2x rate)",
			"Exclusive deals and offers",
			"Priority customer support",
			"Unlimited wishlists",
			"Free delivery on select stores",
			"Early access to flash sales",
			"Birthday special offers",
			"Save up to ₹3000/month",
		},
	},
	{
		Tier:              types.TierVIP,
		Name:              "VIP",
		MonthlyPrice:      decimal.NewFromInt(299),
		YearlyPrice:       decimal.NewFromInt(2999),
		YearlyDiscountPct: 16,
		Benefits: types.Benefits{
			CashbackMultiplier:   3,
			FreeDelivery:         true,
			PrioritySupport:      true,
			ExclusiveDeals:       true,
			UnlimitedWishlists:   true,
			EarlyFlashSaleAccess: true,
			PersonalShopper:      true,
			PremiumEvents:        true,
			ConciergeService:     true,
			BirthdayOffer:        true,
			AnniversaryOffer:     true,
		},
		Description: "Ultimate experience with 3x cashback",
		Features: []string{
			"10-15% cashback on orders (3x rate)",
			"All Premium benefits included",
			"Personal shopping assistant",
			"Premium-only exclusive events",
			"Anniversary special offers",
			"Dedicated concierge service",
			"First access to new features",
			"VIP customer support",
			"Save up to ₹10000/month",
		},
	},
}

// NewStaticCatalog returns the compiled-in catalog. No database is required.
func NewStaticCatalog() Catalog {
	m := make(map[types.Tier]TierConfig, len(tierDefaults))
	for _, c := range tierDefaults {
		m[c.Tier] = c
	}
	return &staticCatalog{tiers: m}
}

func (s *staticCatalog) Tier(t types.Tier) TierConfig {
	if c, ok := s.tiers[t]; ok {
		return copyConfig(c)
	}
	return copyConfig(s.tiers[types.TierFree])
}

func (s *staticCatalog) Tiers() []TierConfig {
	out := make([]TierConfig, 0, len(tierDefaults))
	for _, c := range tierDefaults {
		out = append(out, copyConfig(s.tiers[c.Tier]))
	}
	return out
}

func (s *staticCatalog) Price(t types.Tier, cycle types.BillingCycle) decimal.Decimal {
	return s.Tier(t).Price(cycle)
}

// copyConfig detaches the Features slice so callers cannot mutate the catalog.
func copyConfig(c TierConfig) TierConfig {
	c.Features = append([]string(nil), c.Features...)
	return c
}

// EffectivePrice is what the subscriber actually pays per cycle.
// Grandfathering overrides the price only; benefits stay tier-derived.
func EffectivePrice(s *types.Subscription) decimal.Decimal {
	if s == nil {
		return decimal.Zero
	}
	if s.IsGrandfathered {
		return s.GrandfatheredPrice
	}
	return s.Price
}
