package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membership/internal/external"
	"membership/internal/types"
)

func TestApplyScheduledDowngrades_PaidTarget(t *testing.T) {
	env := newTestEnv(t)
	sub := env.seed(t, func(s *types.Subscription) {
		s.Tier = types.TierVIP
		s.Price = decimal.NewFromInt(299)
		s.DowngradeScheduledFor = types.TimePtr(testNow.Add(-time.Minute))
		s.DowngradeTargetTier = types.TierPremium
	})

	n, err := env.maint.ApplyScheduledDowngrades(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := env.get(t, sub.ID)
	assert.Equal(t, types.TierPremium, got.Tier)
	assert.Equal(t, types.TierVIP, got.PreviousTier)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(99)))
	assert.Equal(t, env.svc.Resolver().BenefitsFor(types.TierPremium), got.Benefits)
	assert.Nil(t, got.DowngradeScheduledFor)
	assert.Empty(t, got.DowngradeTargetTier)

	require.Len(t, env.gw.updates, 1)
	assert.Equal(t, external.ScheduleNow, env.gw.updates[0].ScheduleChangeAt)
	assert.Equal(t, []types.LifecycleEventType{types.EventSubscriptionDowngraded}, env.pub.eventTypes())
}

func TestApplyScheduledDowngrades_FreeTargetEndsSubscription(t *testing.T) {
	env := newTestEnv(t)
	sub := env.seed(t, func(s *types.Subscription) {
		s.DowngradeScheduledFor = types.TimePtr(testNow)
		s.DowngradeTargetTier = types.TierFree
	})

	n, err := env.maint.ApplyScheduledDowngrades(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := env.get(t, sub.ID)
	assert.Equal(t, types.TierFree, got.Tier)
	assert.Equal(t, types.StatusExpired, got.Status)
	assert.False(t, got.AutoRenew)
	assert.False(t, env.gw.cancels[testExternalID], "cancelled immediately at the gateway")

	current, err := env.svc.Current(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierFree, current.Tier)
}

func TestApplyScheduledDowngrades_NotYetDue(t *testing.T) {
	env := newTestEnv(t)
	sub := env.seed(t, func(s *types.Subscription) {
		s.Tier = types.TierVIP
		s.DowngradeScheduledFor = types.TimePtr(testNow.Add(time.Hour))
		s.DowngradeTargetTier = types.TierPremium
	})

	n, err := env.maint.ApplyScheduledDowngrades(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, types.TierVIP, env.get(t, sub.ID).Tier)
	assert.Empty(t, env.gw.updates)
}

func TestExpireLapsed(t *testing.T) {
	env := newTestEnv(t)
	lapsed := env.seed(t, func(s *types.Subscription) {
		s.AutoRenew = false
		s.EndDate = testNow.AddDate(0, 0, -4)
	})
	inGrace := env.seed(t, func(s *types.Subscription) {
		s.UserID = "user-2"
		s.ExternalSubscriptionID = "sub_ext_2"
		s.AutoRenew = false
		s.EndDate = testNow.AddDate(0, 0, -2)
	})
	renewing := env.seed(t, func(s *types.Subscription) {
		s.UserID = "user-3"
		s.ExternalSubscriptionID = "sub_ext_3"
		s.EndDate = testNow.AddDate(0, 0, -10)
	})

	n, err := env.maint.ExpireLapsed(context.Background(), testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, types.StatusExpired, env.get(t, lapsed.ID).Status)
	assert.Equal(t, types.StatusActive, env.get(t, inGrace.ID).Status)
	assert.Equal(t, types.StatusActive, env.get(t, renewing.ID).Status)
	assert.Equal(t, []types.LifecycleEventType{types.EventSubscriptionExpired}, env.pub.eventTypes())
}

func TestResetMonthlyUsage(t *testing.T) {
	env := newTestEnv(t)
	active := env.seed(t, func(s *types.Subscription) { s.Usage.OrdersThisMonth = 7; s.Usage.OrdersAllTime = 40 })
	ended := env.seed(t, func(s *types.Subscription) {
		s.UserID = "user-2"
		s.ExternalSubscriptionID = "sub_ext_2"
		s.Status = types.StatusExpired
		s.Usage.OrdersThisMonth = 3
	})

	n, err := env.maint.ResetMonthlyUsage(context.Background(), testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	got := env.get(t, active.ID)
	assert.Zero(t, got.Usage.OrdersThisMonth)
	assert.Equal(t, 40, got.Usage.OrdersAllTime)
	assert.Equal(t, 3, env.get(t, ended.ID).Usage.OrdersThisMonth)
}
