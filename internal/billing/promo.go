package billing

import (
	"slices"
	"strings"
	"time"

	"membership/internal/types"

	"github.com/shopspring/decimal"
)

// PromoCode is a discount that can be applied at subscribe time.
type PromoCode struct {
	Code       string
	PercentOff decimal.Decimal // 0-100; zero when AmountOff is used
	AmountOff  decimal.Decimal
	MaxOff     decimal.Decimal // zero means uncapped
	Tiers      []types.Tier    // empty means every paid tier
	Cycles     []types.BillingCycle
	ValidUntil *time.Time
}

// PromoResult is the outcome of validating a code against a plan.
type PromoResult struct {
	Valid         bool            `json:"valid"`
	Code          string          `json:"code"`
	Discount      decimal.Decimal `json:"discount"`
	OriginalPrice decimal.Decimal `json:"originalPrice"`
	FinalPrice    decimal.Decimal `json:"finalPrice"`
	Message       string          `json:"message"`
}

var defaultPromoCodes = []PromoCode{
	{Code: "WELCOME20", PercentOff: decimal.NewFromInt(20), MaxOff: decimal.NewFromInt(200)},
	{Code: "YEARLY25", PercentOff: decimal.NewFromInt(25), Cycles: []types.BillingCycle{types.CycleYearly}, MaxOff: decimal.NewFromInt(750)},
	{Code: "VIPFIRST", AmountOff: decimal.NewFromInt(100), Tiers: []types.Tier{types.TierVIP}},
}

// PromoBook validates promo codes against the catalog.
type PromoBook struct {
	catalog Catalog
	clock   types.Clock
	codes   map[string]PromoCode
}

// NewPromoBook returns a book holding codes. Passing no codes loads the
// built-in set.
func NewPromoBook(catalog Catalog, clock types.Clock, codes ...PromoCode) *PromoBook {
	if clock == nil {
		clock = types.RealClock{}
	}
	if len(codes) == 0 {
		codes = defaultPromoCodes
	}
	m := make(map[string]PromoCode, len(codes))
	for _, c := range codes {
		m[strings.ToUpper(c.Code)] = c
	}
	return &PromoBook{catalog: catalog, clock: clock, codes: m}
}

// Validate prices tier/cycle under code. An invalid code yields Valid=false
// with FinalPrice equal to the list price.
func (b *PromoBook) Validate(code string, tier types.Tier, cycle types.BillingCycle) PromoResult {
	price := b.catalog.Price(tier, cycle)
	res := PromoResult{
		Code:          strings.ToUpper(strings.TrimSpace(code)),
		Discount:      decimal.Zero,
		OriginalPrice: price,
		FinalPrice:    price,
	}

	promo, ok := b.codes[res.Code]
	switch {
	case !ok:
		res.Message = "promo code not found"
		return res
	case promo.ValidUntil != nil && b.clock.Now().After(*promo.ValidUntil):
		res.Message = "promo code has expired"
		return res
	case !tier.Paid():
		res.Message = "promo codes apply to paid tiers only"
		return res
	case len(promo.Tiers) > 0 && !slices.Contains(promo.Tiers, tier):
		res.Message = "promo code is not valid for this tier"
		return res
	case len(promo.Cycles) > 0 && !slices.Contains(promo.Cycles, cycle):
		res.Message = "promo code is not valid for this billing cycle"
		return res
	}

	discount := promo.AmountOff
	if promo.PercentOff.IsPositive() {
		discount = price.Mul(promo.PercentOff).Div(decimal.NewFromInt(100)).Round(0)
	}
	if promo.MaxOff.IsPositive() && discount.GreaterThan(promo.MaxOff) {
		discount = promo.MaxOff
	}
	if discount.GreaterThan(price) {
		discount = price
	}

	res.Valid = true
	res.Discount = discount
	res.FinalPrice = price.Sub(discount)
	res.Message = "promo code applied"
	return res
}
