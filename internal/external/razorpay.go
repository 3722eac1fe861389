package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"membership/internal/billing"
	"membership/internal/types"

	gocache "github.com/patrickmn/go-cache"
	razorpay "github.com/razorpay/razorpay-go"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

// The razorpay-go resources are synchronous and context-unaware; these
// narrow views of them keep the adapter testable.
type razorpayPlans interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	All(queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayCustomers interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpaySubscriptions interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Fetch(subscriptionID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Cancel(subscriptionID string, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Update(subscriptionID string, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Pause(subscriptionID string, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Resume(subscriptionID string, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayConfig holds the settings for RazorpayGateway.
type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	Timeout   time.Duration // per call; defaults to 10s
	Logger    *slog.Logger
	Clock     types.Clock
}

const (
	razorpayCurrency      = "INR"
	razorpayPlanCacheTTL  = 6 * time.Hour
	razorpayIdemCacheTTL  = 24 * time.Hour
	razorpayPlanPageCount = 100
)

// RazorpayGateway implements BillingGateway on top of razorpay-go.
type RazorpayGateway struct {
	plans         razorpayPlans
	customers     razorpayCustomers
	subscriptions razorpaySubscriptions

	catalog billing.Catalog
	breaker *gobreaker.CircuitBreaker[map[string]interface{}]
	timeout time.Duration
	clock   types.Clock
	logger  *slog.Logger

	planCache *gocache.Cache // "tier_cycle" -> plan ID
	idemCache *gocache.Cache // idempotency key -> *GatewaySubscription
	planGroup singleflight.Group
}

// NewRazorpayGateway creates a gateway backed by the Razorpay REST API.
func NewRazorpayGateway(cfg RazorpayConfig, catalog billing.Catalog) *RazorpayGateway {
	client := razorpay.NewClient(cfg.KeyID, cfg.KeySecret)
	return newRazorpayGateway(client.Plan, client.Customer, client.Subscription, cfg, catalog)
}

func newRazorpayGateway(
	plans razorpayPlans,
	customers razorpayCustomers,
	subs razorpaySubscriptions,
	cfg RazorpayConfig,
	catalog billing.Catalog,
) *RazorpayGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}

	cb := gobreaker.NewCircuitBreaker[map[string]interface{}](gobreaker.Settings{
		Name:        "razorpay",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &RazorpayGateway{
		plans:         plans,
		customers:     customers,
		subscriptions: subs,
		catalog:       catalog,
		breaker:       cb,
		timeout:       cfg.Timeout,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		planCache:     gocache.New(razorpayPlanCacheTTL, time.Hour),
		idemCache:     gocache.New(razorpayIdemCacheTTL, time.Hour),
	}
}

// Provider identifies the adapter.
func (g *RazorpayGateway) Provider() types.GatewayProvider { return types.GatewayRazorpay }

// call runs fn under the circuit breaker and the per-call deadline. The SDK
// cannot be cancelled, so on timeout the goroutine finishes in the background
// and its result is dropped.
func (g *RazorpayGateway) call(
	ctx context.Context,
	op string,
	fn func() (map[string]interface{}, error),
) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		body map[string]interface{}
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		body, err := g.breaker.Execute(fn)
		ch <- result{body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		g.logger.WarnContext(ctx, "razorpay call timed out", "operation", op, "timeout", g.timeout)
		return nil, gatewayUnavailable(types.GatewayRazorpay, op, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			g.logger.ErrorContext(ctx, "razorpay call failed", "operation", op, "error", r.err)
			return nil, gatewayUnavailable(types.GatewayRazorpay, op, r.err)
		}
		return r.body, nil
	}
}

// CreateOrGetPlan returns the plan for tier/cycle, reusing an existing plan
// with matching notes and amount before creating one. Concurrent misses for
// the same key share one lookup.
func (g *RazorpayGateway) CreateOrGetPlan(ctx context.Context, tier types.Tier, cycle types.BillingCycle) (string, error) {
	if !tier.Paid() {
		return "", types.NewAppError(types.ErrCodeValidationInvalidTier, "cannot create a billing plan for the free tier", nil)
	}
	key := string(tier) + "_" + string(cycle)
	if id, ok := g.planCache.Get(key); ok {
		return id.(string), nil
	}

	v, err, _ := g.planGroup.Do(key, func() (interface{}, error) {
		amount := g.catalog.Price(tier, cycle).Mul(paisePerRupee).IntPart()

		existing, err := g.call(ctx, "plan.all", func() (map[string]interface{}, error) {
			return g.plans.All(map[string]interface{}{"count": razorpayPlanPageCount}, nil)
		})
		if err != nil {
			return "", err
		}
		if id := findRazorpayPlan(existing, tier, cycle, amount); id != "" {
			return id, nil
		}

		created, err := g.call(ctx, "plan.create", func() (map[string]interface{}, error) {
			return g.plans.Create(map[string]interface{}{
				"period":   string(cycle),
				"interval": 1,
				"item": map[string]interface{}{
					"name":        fmt.Sprintf("%s %s", tierLabel(tier), cycle),
					"description": fmt.Sprintf("%s membership - %s billing", tierLabel(tier), cycle),
					"amount":      amount,
					"currency":    razorpayCurrency,
				},
				"notes": map[string]interface{}{
					"tier":         string(tier),
					"billingCycle": string(cycle),
				},
			}, nil)
		})
		if err != nil {
			return "", err
		}
		id := mapString(created, "id")
		if id == "" {
			return "", gatewayUnavailable(types.GatewayRazorpay, "plan.create", fmt.Errorf("response missing plan id"))
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}

	id := v.(string)
	g.planCache.SetDefault(key, id)
	return id, nil
}

// CreateCustomer creates (or, with fail_existing=0, returns) the customer for userID.
func (g *RazorpayGateway) CreateCustomer(ctx context.Context, userID, email, phone string) (string, error) {
	if email == "" {
		email = fmt.Sprintf("user%s@membership.local", userID)
	}
	data := map[string]interface{}{
		"name":          "Member " + userID,
		"email":         email,
		"fail_existing": "0",
		"notes":         map[string]interface{}{"userId": userID},
	}
	if phone != "" {
		data["contact"] = phone
	}

	body, err := g.call(ctx, "customer.create", func() (map[string]interface{}, error) {
		return g.customers.Create(data, nil)
	})
	if err != nil {
		return "", err
	}
	return mapString(body, "id"), nil
}

// CreateSubscription starts a subscription whose first charge is deferred by
// the trial. Repeats with the same IdempotencyKey return the first result.
func (g *RazorpayGateway) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*GatewaySubscription, error) {
	if req.IdempotencyKey != "" {
		if cached, ok := g.idemCache.Get(req.IdempotencyKey); ok {
			return cached.(*GatewaySubscription), nil
		}
	}

	planID := req.PlanID
	if planID == "" {
		var err error
		if planID, err = g.CreateOrGetPlan(ctx, req.Tier, req.Cycle); err != nil {
			return nil, err
		}
	}
	customerID := req.CustomerID
	if customerID == "" {
		var err error
		if customerID, err = g.CreateCustomer(ctx, req.UserID, req.Email, req.Phone); err != nil {
			return nil, err
		}
	}

	totalCount := 12
	if req.Cycle == types.CycleYearly {
		totalCount = 1
	}
	startAt := g.clock.Now().Add(types.TrialLength).Unix()

	data := map[string]interface{}{
		"plan_id":         planID,
		"customer_id":     customerID,
		"quantity":        1,
		"total_count":     totalCount,
		"customer_notify": 1,
		"start_at":        startAt,
		"notes": map[string]interface{}{
			"userId":         req.UserID,
			"tier":           string(req.Tier),
			"billingCycle":   string(req.Cycle),
			"idempotencyKey": req.IdempotencyKey,
		},
	}

	body, err := g.call(ctx, "subscription.create", func() (map[string]interface{}, error) {
		return g.subscriptions.Create(data, nil)
	})
	if err != nil {
		return nil, err
	}

	sub := mapRazorpaySubscription(body)
	if sub.PlanID == "" {
		sub.PlanID = planID
	}
	if sub.CustomerID == "" {
		sub.CustomerID = customerID
	}
	if req.IdempotencyKey != "" {
		g.idemCache.SetDefault(req.IdempotencyKey, sub)
	}
	return sub, nil
}

// Cancel cancels the subscription now or at the end of the current cycle.
func (g *RazorpayGateway) Cancel(ctx context.Context, subscriptionID string, atCycleEnd bool) error {
	flag := 0
	if atCycleEnd {
		flag = 1
	}
	_, err := g.call(ctx, "subscription.cancel", func() (map[string]interface{}, error) {
		return g.subscriptions.Cancel(subscriptionID, map[string]interface{}{"cancel_at_cycle_end": flag}, nil)
	})
	return err
}

// Pause pauses collection immediately.
func (g *RazorpayGateway) Pause(ctx context.Context, subscriptionID string) error {
	_, err := g.call(ctx, "subscription.pause", func() (map[string]interface{}, error) {
		return g.subscriptions.Pause(subscriptionID, map[string]interface{}{"pause_at": "now"}, nil)
	})
	return err
}

// Resume resumes a paused or halted subscription immediately.
func (g *RazorpayGateway) Resume(ctx context.Context, subscriptionID string) error {
	_, err := g.call(ctx, "subscription.resume", func() (map[string]interface{}, error) {
		return g.subscriptions.Resume(subscriptionID, map[string]interface{}{"resume_at": "now"}, nil)
	})
	return err
}

// Update moves the subscription to another plan.
func (g *RazorpayGateway) Update(ctx context.Context, subscriptionID string, req UpdateSubscriptionRequest) error {
	data := map[string]interface{}{}
	if req.PlanID != "" {
		data["plan_id"] = req.PlanID
	}
	when := req.ScheduleChangeAt
	if when == "" {
		when = ScheduleNow
	}
	data["schedule_change_at"] = string(when)

	_, err := g.call(ctx, "subscription.update", func() (map[string]interface{}, error) {
		return g.subscriptions.Update(subscriptionID, data, nil)
	})
	return err
}

// Fetch returns the remote snapshot.
func (g *RazorpayGateway) Fetch(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	body, err := g.call(ctx, "subscription.fetch", func() (map[string]interface{}, error) {
		return g.subscriptions.Fetch(subscriptionID, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	return mapRazorpaySubscription(body), nil
}

// ---------------------------------------------------------------------------
// Response mapping
// ---------------------------------------------------------------------------

func mapRazorpaySubscription(m map[string]interface{}) *GatewaySubscription {
	return &GatewaySubscription{
		ID:             mapString(m, "id"),
		PlanID:         mapString(m, "plan_id"),
		CustomerID:     mapString(m, "customer_id"),
		ShortURL:       mapString(m, "short_url"),
		Status:         mapString(m, "status"),
		StartAt:        unixPtr(mapInt64(m, "start_at")),
		EndAt:          unixPtr(mapInt64(m, "end_at")),
		CurrentStart:   unixPtr(mapInt64(m, "current_start")),
		CurrentEnd:     unixPtr(mapInt64(m, "current_end")),
		RemainingCount: int(mapInt64(m, "remaining_count")),
	}
}

func findRazorpayPlan(list map[string]interface{}, tier types.Tier, cycle types.BillingCycle, amount int64) string {
	items, _ := list["items"].([]interface{})
	for _, raw := range items {
		plan, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		notes, _ := plan["notes"].(map[string]interface{})
		item, _ := plan["item"].(map[string]interface{})
		if mapString(notes, "tier") == string(tier) &&
			mapString(notes, "billingCycle") == string(cycle) &&
			mapInt64(item, "amount") == amount {
			return mapString(plan, "id")
		}
	}
	return ""
}

func mapString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// mapInt64 tolerates the number shapes the SDK produces (float64 from
// encoding/json, json.Number, numeric strings such as remaining_count).
func mapInt64(m map[string]interface{}, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func tierLabel(t types.Tier) string {
	switch t {
	case types.TierVIP:
		return "VIP"
	case types.TierPremium:
		return "PREMIUM"
	default:
		return "FREE"
	}
}
