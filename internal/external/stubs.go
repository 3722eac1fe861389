package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"membership/internal/types"

	"github.com/google/uuid"
)

// StubGateway implements BillingGateway by logging calls and returning
// predictable identifiers. Used when config.IsTestMode is true or
// APP_ENV=local so the service boots without provider credentials.
type StubGateway struct {
	provider types.GatewayProvider
	logger   *slog.Logger
	clock    types.Clock

	mu     sync.Mutex
	status map[string]string
}

// NewStubGateway creates a stub for provider.
func NewStubGateway(provider types.GatewayProvider, logger *slog.Logger, clock types.Clock) *StubGateway {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &StubGateway{provider: provider, logger: logger, clock: clock, status: make(map[string]string)}
}

func (s *StubGateway) Provider() types.GatewayProvider { return s.provider }

func (s *StubGateway) CreateOrGetPlan(ctx context.Context, tier types.Tier, cycle types.BillingCycle) (string, error) {
	s.logger.InfoContext(ctx, "stub: CreateOrGetPlan called", "tier", tier, "cycle", cycle)
	return fmt.Sprintf("plan_stub_%s_%s", tier, cycle), nil
}

func (s *StubGateway) CreateCustomer(ctx context.Context, userID, email, phone string) (string, error) {
	s.logger.InfoContext(ctx, "stub: CreateCustomer called", "user_id", userID)
	return "cust_stub_" + userID, nil
}

func (s *StubGateway) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*GatewaySubscription, error) {
	id := "sub_stub_" + uuid.NewString()
	s.logger.InfoContext(ctx, "stub: CreateSubscription called",
		"user_id", req.UserID,
		"tier", req.Tier,
		"cycle", req.Cycle,
		"subscription_id", id,
	)

	s.mu.Lock()
	s.status[id] = "created"
	s.mu.Unlock()

	start := s.clock.Now().Add(types.TrialLength)
	return &GatewaySubscription{
		ID:         id,
		PlanID:     fmt.Sprintf("plan_stub_%s_%s", req.Tier, req.Cycle),
		CustomerID: "cust_stub_" + req.UserID,
		ShortURL:   "https://pay.stub.local/" + id,
		Status:     "created",
		StartAt:    &start,
	}, nil
}

func (s *StubGateway) Cancel(ctx context.Context, subscriptionID string, atCycleEnd bool) error {
	s.logger.InfoContext(ctx, "stub: Cancel called", "subscription_id", subscriptionID, "at_cycle_end", atCycleEnd)
	if !atCycleEnd {
		s.setStatus(subscriptionID, "cancelled")
	}
	return nil
}

func (s *StubGateway) Pause(ctx context.Context, subscriptionID string) error {
	s.logger.InfoContext(ctx, "stub: Pause called", "subscription_id", subscriptionID)
	s.setStatus(subscriptionID, "paused")
	return nil
}

func (s *StubGateway) Resume(ctx context.Context, subscriptionID string) error {
	s.logger.InfoContext(ctx, "stub: Resume called", "subscription_id", subscriptionID)
	s.setStatus(subscriptionID, RemoteStatusActive)
	return nil
}

func (s *StubGateway) Update(ctx context.Context, subscriptionID string, req UpdateSubscriptionRequest) error {
	s.logger.InfoContext(ctx, "stub: Update called",
		"subscription_id", subscriptionID,
		"plan_id", req.PlanID,
		"schedule_change_at", req.ScheduleChangeAt,
	)
	return nil
}

func (s *StubGateway) Fetch(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	s.mu.Lock()
	status, ok := s.status[subscriptionID]
	s.mu.Unlock()
	if !ok {
		status = RemoteStatusActive
	}
	return &GatewaySubscription{ID: subscriptionID, Status: status}, nil
}

// SetStatus lets local tooling simulate a remote state such as "halted".
func (s *StubGateway) SetStatus(subscriptionID, status string) { s.setStatus(subscriptionID, status) }

func (s *StubGateway) setStatus(id, status string) {
	s.mu.Lock()
	s.status[id] = status
	s.mu.Unlock()
}

// StubVerifier accepts every signature. Only installed in stub mode when no
// webhook secret is configured.
type StubVerifier struct {
	logger *slog.Logger
}

// NewStubVerifier creates a StubVerifier.
func NewStubVerifier(logger *slog.Logger) *StubVerifier {
	return &StubVerifier{logger: logger}
}

func (v *StubVerifier) Verify(payload []byte, signature string, secret string) error {
	v.logger.Info("stub: webhook signature accepted without verification", "payload_bytes", len(payload))
	return nil
}

var (
	_ BillingGateway    = (*StubGateway)(nil)
	_ BillingGateway    = (*RazorpayGateway)(nil)
	_ SignatureVerifier = (*StubVerifier)(nil)
)
