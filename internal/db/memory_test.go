package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membership/internal/types"
)

func TestMemorySubscriptionStore_OneControllingPerUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySubscriptionStore(&types.FixedClock{T: repoNow})

	first := sampleSubscription(0)
	require.NoError(t, store.Create(ctx, first))

	second := sampleSubscription(0)
	second.ID = "second"
	second.ExternalSubscriptionID = "sub_rzp_2"
	err := store.Create(ctx, second)
	assert.True(t, types.HasCode(err, types.ErrCodeDuplicateSubscription))

	// Ending the first frees the slot.
	_, err = store.Update(ctx, first.ID, func(s *types.Subscription) error {
		s.Status = types.StatusCancelled
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, second))

	// Reviving the first now collides with the second.
	_, err = store.Update(ctx, first.ID, func(s *types.Subscription) error {
		s.Status = types.StatusActive
		return nil
	})
	assert.True(t, types.HasCode(err, types.ErrCodeDuplicateSubscription))

	got, err := store.FindControlling(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.ID)
}

func TestMemorySubscriptionStore_ConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySubscriptionStore(nil)
	s := sampleSubscription(0)
	require.NoError(t, store.Create(ctx, s))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, s.ID, func(s *types.Subscription) error {
				s.Usage.OrdersAllTime++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Usage.OrdersAllTime)
	assert.Equal(t, int64(51), got.Version)
}

func TestMemorySubscriptionStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySubscriptionStore(nil)
	s := sampleSubscription(0)
	require.NoError(t, store.Create(ctx, s))

	got, _ := store.Get(ctx, s.ID)
	got.Tier = types.TierVIP

	again, _ := store.Get(ctx, s.ID)
	assert.Equal(t, types.TierPremium, again.Tier)
}

func TestMemorySubscriptionStore_FindLatestEnded(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySubscriptionStore(nil)

	older := sampleSubscription(0)
	older.ID, older.ExternalSubscriptionID = "older", "x1"
	older.Status = types.StatusExpired
	older.EndDate = repoNow.AddDate(0, -3, 0)
	newer := sampleSubscription(0)
	newer.ID, newer.ExternalSubscriptionID = "newer", "x2"
	newer.Status = types.StatusCancelled
	newer.EndDate = repoNow.AddDate(0, 0, -2)

	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Create(ctx, newer))

	got, err := store.FindLatestEnded(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.ID)

	_, err = store.FindLatestEnded(ctx, "nobody")
	assert.True(t, types.HasCode(err, types.ErrCodeNotFoundSubscription))
}

func TestMemorySubscriptionStore_MaintenanceQueries(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySubscriptionStore(&types.FixedClock{T: repoNow})

	due := sampleSubscription(0)
	due.DowngradeScheduledFor = types.TimePtr(repoNow.Add(-1))
	due.DowngradeTargetTier = types.TierFree
	due.Usage.OrdersThisMonth = 4
	require.NoError(t, store.Create(ctx, due))

	lapsed := sampleSubscription(0)
	lapsed.ID, lapsed.UserID, lapsed.ExternalSubscriptionID = "lapsed", "u2", "x9"
	lapsed.AutoRenew = false
	lapsed.EndDate = repoNow.AddDate(0, 0, -5)
	require.NoError(t, store.Create(ctx, lapsed))

	list, _ := store.ListDueDowngrades(ctx, repoNow)
	require.Len(t, list, 1)
	assert.Equal(t, due.ID, list[0].ID)

	list, _ = store.ListLapsed(ctx, repoNow.Add(-types.GracePeriodLength))
	require.Len(t, list, 1)
	assert.Equal(t, "lapsed", list[0].ID)

	n, err := store.ResetMonthlyUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	got, _ := store.Get(ctx, due.ID)
	assert.Zero(t, got.Usage.OrdersThisMonth)
}

func TestMemorySubscriptionStore_ResetWaitsForInFlightUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySubscriptionStore(&types.FixedClock{T: repoNow})
	s := sampleSubscription(0)
	s.Usage.OrdersThisMonth = 5
	require.NoError(t, store.Create(ctx, s))

	inMutate := make(chan struct{})
	release := make(chan struct{})
	updated := make(chan error, 1)
	go func() {
		_, err := store.Update(ctx, s.ID, func(s *types.Subscription) error {
			close(inMutate)
			<-release
			s.Usage.OrdersThisMonth++
			return nil
		})
		updated <- err
	}()
	<-inMutate

	reset := make(chan int64, 1)
	go func() {
		n, err := store.ResetMonthlyUsage(ctx)
		assert.NoError(t, err)
		reset <- n
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-updated)
	assert.Equal(t, int64(1), <-reset)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Usage.OrdersThisMonth)
	assert.Equal(t, int64(3), got.Version)
}
