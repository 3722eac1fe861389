package external

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"membership/internal/billing"
	"membership/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRazorpayPlans struct {
	mu      sync.Mutex
	listed  atomic.Int32
	created []map[string]interface{}
	list    map[string]interface{}
	err     error
}

func (f *fakeRazorpayPlans) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, data)
	return map[string]interface{}{"id": "plan_new"}, nil
}

func (f *fakeRazorpayPlans) All(_ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.listed.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.list == nil {
		return map[string]interface{}{"items": []interface{}{}}, nil
	}
	return f.list, nil
}

type fakeRazorpayCustomers struct {
	last map[string]interface{}
}

func (f *fakeRazorpayCustomers) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.last = data
	return map[string]interface{}{"id": "cust_1"}, nil
}

type fakeRazorpaySubscriptions struct {
	mu       sync.Mutex
	calls    []string
	lastData map[string]interface{}
	created  int
	fetch    map[string]interface{}
	block    chan struct{}
	err      error
}

func (f *fakeRazorpaySubscriptions) record(op string, data map[string]interface{}) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	f.lastData = data
	return f.err
}

func (f *fakeRazorpaySubscriptions) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	if err := f.record("create", data); err != nil {
		return nil, err
	}
	f.created++
	return map[string]interface{}{
		"id":              "sub_1",
		"status":          "created",
		"short_url":       "https://rzp.io/i/abc",
		"start_at":        float64(data["start_at"].(int64)),
		"remaining_count": "12",
	}, nil
}

func (f *fakeRazorpaySubscriptions) Fetch(id string, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	if err := f.record("fetch:"+id, nil); err != nil {
		return nil, err
	}
	return f.fetch, nil
}

func (f *fakeRazorpaySubscriptions) Cancel(id string, data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	return map[string]interface{}{"id": id}, f.record("cancel:"+id, data)
}

func (f *fakeRazorpaySubscriptions) Update(id string, data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	return map[string]interface{}{"id": id}, f.record("update:"+id, data)
}

func (f *fakeRazorpaySubscriptions) Pause(id string, data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	return map[string]interface{}{"id": id}, f.record("pause:"+id, data)
}

func (f *fakeRazorpaySubscriptions) Resume(id string, data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	return map[string]interface{}{"id": id}, f.record("resume:"+id, data)
}

var rzpNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestRazorpay(plans *fakeRazorpayPlans, subs *fakeRazorpaySubscriptions, timeout time.Duration) (*RazorpayGateway, *fakeRazorpayCustomers) {
	customers := &fakeRazorpayCustomers{}
	g := newRazorpayGateway(plans, customers, subs, RazorpayConfig{
		Timeout: timeout,
		Clock:   &types.FixedClock{T: rzpNow},
	}, billing.NewStaticCatalog())
	return g, customers
}

func TestRazorpay_CreateOrGetPlanCreatesAndCaches(t *testing.T) {
	plans := &fakeRazorpayPlans{}
	g, _ := newTestRazorpay(plans, &fakeRazorpaySubscriptions{}, time.Second)

	id, err := g.CreateOrGetPlan(context.Background(), types.TierPremium, types.CycleMonthly)
	require.NoError(t, err)
	assert.Equal(t, "plan_new", id)

	require.Len(t, plans.created, 1)
	item := plans.created[0]["item"].(map[string]interface{})
	assert.Equal(t, int64(9900), item["amount"])
	assert.Equal(t, "INR", item["currency"])
	assert.Equal(t, "PREMIUM monthly", item["name"])
	assert.Equal(t, "monthly", plans.created[0]["period"])
	assert.Equal(t, 1, plans.created[0]["interval"])

	again, err := g.CreateOrGetPlan(context.Background(), types.TierPremium, types.CycleMonthly)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, int32(1), plans.listed.Load(), "second call is served from cache")
}

func TestRazorpay_CreateOrGetPlanReusesMatchingPlan(t *testing.T) {
	plans := &fakeRazorpayPlans{list: map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{
				"id":    "plan_old_price",
				"notes": map[string]interface{}{"tier": "vip", "billingCycle": "yearly"},
				"item":  map[string]interface{}{"amount": float64(199900)},
			},
			map[string]interface{}{
				"id":    "plan_vip_yearly",
				"notes": map[string]interface{}{"tier": "vip", "billingCycle": "yearly"},
				"item":  map[string]interface{}{"amount": float64(299900)},
			},
		},
	}}
	g, _ := newTestRazorpay(plans, &fakeRazorpaySubscriptions{}, time.Second)

	id, err := g.CreateOrGetPlan(context.Background(), types.TierVIP, types.CycleYearly)
	require.NoError(t, err)
	assert.Equal(t, "plan_vip_yearly", id)
	assert.Empty(t, plans.created)
}

func TestRazorpay_CreateOrGetPlanRejectsFree(t *testing.T) {
	g, _ := newTestRazorpay(&fakeRazorpayPlans{}, &fakeRazorpaySubscriptions{}, time.Second)

	_, err := g.CreateOrGetPlan(context.Background(), types.TierFree, types.CycleMonthly)
	assert.True(t, types.HasCode(err, types.ErrCodeValidationInvalidTier))
}

func TestRazorpay_CreateSubscription(t *testing.T) {
	subs := &fakeRazorpaySubscriptions{}
	g, customers := newTestRazorpay(&fakeRazorpayPlans{}, subs, time.Second)

	req := CreateSubscriptionRequest{
		UserID:         "42",
		Tier:           types.TierPremium,
		Cycle:          types.CycleMonthly,
		IdempotencyKey: "idem-1",
	}
	sub, err := g.CreateSubscription(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, "plan_new", sub.PlanID)
	assert.Equal(t, "cust_1", sub.CustomerID)
	assert.Equal(t, "https://rzp.io/i/abc", sub.ShortURL)
	assert.Equal(t, 12, sub.RemainingCount)
	require.NotNil(t, sub.StartAt)
	assert.Equal(t, rzpNow.Add(types.TrialLength), *sub.StartAt)

	assert.Equal(t, "user42@membership.local", customers.last["email"])

	data := subs.lastData
	assert.Equal(t, 12, data["total_count"])
	assert.Equal(t, 1, data["customer_notify"])
	assert.Equal(t, 1, data["quantity"])
	notes := data["notes"].(map[string]interface{})
	assert.Equal(t, "42", notes["userId"])
	assert.Equal(t, "idem-1", notes["idempotencyKey"])

	// Replays with the same key do not create a second remote subscription.
	again, err := g.CreateSubscription(context.Background(), req)
	require.NoError(t, err)
	assert.Same(t, sub, again)
	assert.Equal(t, 1, subs.created)
}

func TestRazorpay_YearlyTotalCount(t *testing.T) {
	subs := &fakeRazorpaySubscriptions{}
	g, _ := newTestRazorpay(&fakeRazorpayPlans{}, subs, time.Second)

	_, err := g.CreateSubscription(context.Background(), CreateSubscriptionRequest{
		UserID: "7", Tier: types.TierVIP, Cycle: types.CycleYearly, PlanID: "plan_x", CustomerID: "cust_x",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, subs.lastData["total_count"])
	assert.Equal(t, "plan_x", subs.lastData["plan_id"])
}

func TestRazorpay_LifecycleCalls(t *testing.T) {
	subs := &fakeRazorpaySubscriptions{}
	g, _ := newTestRazorpay(&fakeRazorpayPlans{}, subs, time.Second)
	ctx := context.Background()

	require.NoError(t, g.Cancel(ctx, "sub_9", true))
	assert.Equal(t, 1, subs.lastData["cancel_at_cycle_end"])

	require.NoError(t, g.Cancel(ctx, "sub_9", false))
	assert.Equal(t, 0, subs.lastData["cancel_at_cycle_end"])

	require.NoError(t, g.Update(ctx, "sub_9", UpdateSubscriptionRequest{PlanID: "plan_vip", ScheduleChangeAt: ScheduleCycleEnd}))
	assert.Equal(t, "plan_vip", subs.lastData["plan_id"])
	assert.Equal(t, "cycle_end", subs.lastData["schedule_change_at"])

	require.NoError(t, g.Pause(ctx, "sub_9"))
	require.NoError(t, g.Resume(ctx, "sub_9"))
	assert.Equal(t, "now", subs.lastData["resume_at"])

	assert.Equal(t, []string{"cancel:sub_9", "cancel:sub_9", "update:sub_9", "pause:sub_9", "resume:sub_9"}, subs.calls)
}

func TestRazorpay_FetchMapsSnapshot(t *testing.T) {
	subs := &fakeRazorpaySubscriptions{fetch: map[string]interface{}{
		"id":            "sub_5",
		"status":        "halted",
		"plan_id":       "plan_p",
		"current_start": float64(1767225600),
		"current_end":   float64(1769904000),
	}}
	g, _ := newTestRazorpay(&fakeRazorpayPlans{}, subs, time.Second)

	snap, err := g.Fetch(context.Background(), "sub_5")
	require.NoError(t, err)
	assert.Equal(t, RemoteStatusHalted, snap.Status)
	require.NotNil(t, snap.CurrentStart)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), *snap.CurrentStart)
	assert.Nil(t, snap.EndAt)
}

func TestRazorpay_ErrorsMapToGatewayUnavailable(t *testing.T) {
	subs := &fakeRazorpaySubscriptions{err: errors.New("BAD_REQUEST_ERROR")}
	g, _ := newTestRazorpay(&fakeRazorpayPlans{}, subs, time.Second)

	err := g.Cancel(context.Background(), "sub_1", false)
	requireGatewayUnavailable(t, err)
}

func TestRazorpay_TimeoutMapsToGatewayUnavailable(t *testing.T) {
	subs := &fakeRazorpaySubscriptions{block: make(chan struct{})}
	defer close(subs.block)
	g, _ := newTestRazorpay(&fakeRazorpayPlans{}, subs, 20*time.Millisecond)

	err := g.Resume(context.Background(), "sub_1")
	appErr := requireGatewayUnavailable(t, err)
	assert.Equal(t, "subscription.resume", appErr.Details["operation"])
}
