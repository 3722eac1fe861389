package billing

import (
	"testing"

	"membership/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticCatalog_Prices(t *testing.T) {
	cat := NewStaticCatalog()

	tests := []struct {
		tier  types.Tier
		cycle types.BillingCycle
		want  int64
	}{
		{types.TierFree, types.CycleMonthly, 0},
		{types.TierPremium, types.CycleMonthly, 99},
		{types.TierPremium, types.CycleYearly, 999},
		{types.TierVIP, types.CycleMonthly, 299},
		{types.TierVIP, types.CycleYearly, 2999},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier)+"/"+string(tt.cycle), func(t *testing.T) {
			assert.True(t, cat.Price(tt.tier, tt.cycle).Equal(decimal.NewFromInt(tt.want)))
		})
	}
}

func TestStaticCatalog_UnknownTierFallsBackToFree(t *testing.T) {
	cat := NewStaticCatalog()
	cfg := cat.Tier(types.Tier("platinum"))
	assert.Equal(t, types.TierFree, cfg.Tier)
	assert.Equal(t, 1, cfg.Benefits.CashbackMultiplier)
}

func TestStaticCatalog_TiersOrderedAndDetached(t *testing.T) {
	cat := NewStaticCatalog()
	tiers := cat.Tiers()
	require.Len(t, tiers, 3)
	assert.Equal(t, []types.Tier{types.TierFree, types.TierPremium, types.TierVIP},
		[]types.Tier{tiers[0].Tier, tiers[1].Tier, tiers[2].Tier})

	tiers[1].Features[0] = "mutated"
	assert.NotEqual(t, "mutated", cat.Tier(types.TierPremium).Features[0])
}

func TestStaticCatalog_BenefitTable(t *testing.T) {
	cat := NewStaticCatalog()

	premium := cat.Tier(types.TierPremium).Benefits
	assert.Equal(t, 2, premium.CashbackMultiplier)
	assert.True(t, premium.FreeDelivery)
	assert.True(t, premium.BirthdayOffer)
	assert.False(t, premium.PersonalShopper)
	assert.False(t, premium.PremiumEvents)
	assert.False(t, premium.ConciergeService)
	assert.False(t, premium.AnniversaryOffer)

	vip := cat.Tier(types.TierVIP).Benefits
	assert.Equal(t, types.Benefits{
		CashbackMultiplier: 3, FreeDelivery: true, PrioritySupport: true, ExclusiveDeals: true,
		UnlimitedWishlists: true, EarlyFlashSaleAccess: true, PersonalShopper: true,
		PremiumEvents: true, ConciergeService: true, BirthdayOffer: true, AnniversaryOffer: true,
	}, vip)
}

func TestEffectivePrice(t *testing.T) {
	s := &types.Subscription{Price: decimal.NewFromInt(99)}
	assert.True(t, EffectivePrice(s).Equal(decimal.NewFromInt(99)))

	s.IsGrandfathered = true
	s.GrandfatheredPrice = decimal.NewFromInt(49)
	assert.True(t, EffectivePrice(s).Equal(decimal.NewFromInt(49)))
	assert.True(t, EffectivePrice(nil).IsZero())
}
