package subscription

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"membership/internal/db"
	"membership/internal/external"
	"membership/internal/types"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const testExternalID = "sub_ext_1"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []types.LifecycleMessage
}

func (p *capturePublisher) Publish(_ context.Context, msg types.LifecycleMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *capturePublisher) eventTypes() []types.LifecycleEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.LifecycleEventType, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Type
	}
	return out
}

// flakyGateway fails the first resumeFailures Resume calls with
// GatewayUnavailable and records plan changes and cancels.
type flakyGateway struct {
	*external.StubGateway

	mu             sync.Mutex
	resumeFailures int
	resumeCalls    int
	updates        []external.UpdateSubscriptionRequest
	cancels        map[string]bool
}

func (g *flakyGateway) Resume(ctx context.Context, id string) error {
	g.mu.Lock()
	g.resumeCalls++
	fail := g.resumeCalls <= g.resumeFailures
	g.mu.Unlock()
	if fail {
		return types.NewAppError(types.ErrCodeGatewayUnavailable, "razorpay resume failed", context.DeadlineExceeded)
	}
	return g.StubGateway.Resume(ctx, id)
}

func (g *flakyGateway) Update(ctx context.Context, id string, req external.UpdateSubscriptionRequest) error {
	g.mu.Lock()
	g.updates = append(g.updates, req)
	g.mu.Unlock()
	return g.StubGateway.Update(ctx, id, req)
}

func (g *flakyGateway) Cancel(ctx context.Context, id string, atCycleEnd bool) error {
	g.mu.Lock()
	g.cancels[id] = atCycleEnd
	g.mu.Unlock()
	return g.StubGateway.Cancel(ctx, id, atCycleEnd)
}

type testEnv struct {
	clock  *types.FixedClock
	store  *db.MemorySubscriptionStore
	gw     *flakyGateway
	events *db.MemoryWebhookEventStore
	audit  *db.MemoryAuditLog
	pub    *capturePublisher
	svc    *Service
	rec    *Reconciler
	maint  *MaintenanceService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &types.FixedClock{T: testNow}
	logger := discardLogger()
	gw := &flakyGateway{
		StubGateway: external.NewStubGateway(types.GatewayRazorpay, logger, clock),
		cancels:     make(map[string]bool),
	}
	registry := external.NewRegistry(external.RegistryEntry{Gateway: gw})

	env := &testEnv{
		clock:  clock,
		store:  db.NewMemorySubscriptionStore(clock),
		gw:     gw,
		events: db.NewMemoryWebhookEventStore(),
		audit:  &db.MemoryAuditLog{},
		pub:    &capturePublisher{},
	}
	env.svc = NewService(env.store, registry, env.pub, env.audit, clock, logger,
		WithResumeRetry(3, time.Millisecond))
	env.rec = NewReconciler(env.store, env.events, env.pub, env.audit, clock, logger)
	env.maint = NewMaintenanceService(env.store, registry, env.pub, env.audit, nil, clock, logger)
	return env
}

// seed stores an active premium monthly subscription with 15 of 30 days left.
func (e *testEnv) seed(t *testing.T, mutate func(*types.Subscription)) *types.Subscription {
	t.Helper()
	now := e.clock.Now()
	sub := &types.Subscription{
		ID:                     uuid.NewString(),
		UserID:                 "user-1",
		Gateway:                types.GatewayRazorpay,
		ExternalSubscriptionID: testExternalID,
		Tier:                   types.TierPremium,
		BillingCycle:           types.CycleMonthly,
		Price:                  decimal.NewFromInt(99),
		Status:                 types.StatusActive,
		StartDate:              now.AddDate(0, 0, -15),
		EndDate:                now.AddDate(0, 0, 15),
		AutoRenew:              true,
		Benefits:               e.svc.Resolver().BenefitsFor(types.TierPremium),
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, e.store.Create(context.Background(), sub))
	return sub
}

func (e *testEnv) webhook(id, event string) *external.WebhookEvent {
	return &external.WebhookEvent{
		Provider:               types.GatewayRazorpay,
		ID:                     id,
		Type:                   "subscription." + event,
		Event:                  event,
		ExternalSubscriptionID: testExternalID,
		CreatedAt:              e.clock.Now(),
	}
}

func (e *testEnv) get(t *testing.T, id string) *types.Subscription {
	t.Helper()
	sub, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func userCtx(userID string) context.Context {
	return types.WithActor(context.Background(), types.Actor{ID: userID, Type: types.ActorTypeUser})
}
