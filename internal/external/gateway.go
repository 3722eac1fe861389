package external

import (
	"context"
	"fmt"
	"time"

	"membership/internal/types"

	"github.com/shopspring/decimal"
)

// Providers bill in the currency's minor unit (paise).
var paisePerRupee = decimal.NewFromInt(100)

// ScheduleChangeAt controls when a plan change takes effect at the provider.
type ScheduleChangeAt string

const (
	ScheduleNow      ScheduleChangeAt = "now"
	ScheduleCycleEnd ScheduleChangeAt = "cycle_end"
)

// CreateSubscriptionRequest carries what a provider needs to start billing.
// PlanID and CustomerID are resolved by the adapter when empty.
type CreateSubscriptionRequest struct {
	UserID         string
	Email          string
	Phone          string
	Tier           types.Tier
	Cycle          types.BillingCycle
	PlanID         string
	CustomerID     string
	IdempotencyKey string
}

// UpdateSubscriptionRequest changes the plan of a remote subscription.
type UpdateSubscriptionRequest struct {
	PlanID           string
	ScheduleChangeAt ScheduleChangeAt
}

// GatewaySubscription is the provider-neutral snapshot of a remote subscription.
type GatewaySubscription struct {
	ID             string
	PlanID         string
	CustomerID     string
	ShortURL       string
	Status         string
	StartAt        *time.Time
	EndAt          *time.Time
	CurrentStart   *time.Time
	CurrentEnd     *time.Time
	RemainingCount int
}

// Remote statuses the lifecycle service acts on.
const (
	RemoteStatusHalted = "halted"
	RemoteStatusActive = "active"
)

// BillingGateway is the contract the subscription core requires from a
// recurring-billing provider. Every failure is returned as an AppError with
// ErrCodeGatewayUnavailable.
type BillingGateway interface {
	Provider() types.GatewayProvider

	CreateOrGetPlan(ctx context.Context, tier types.Tier, cycle types.BillingCycle) (string, error)
	CreateCustomer(ctx context.Context, userID, email, phone string) (string, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*GatewaySubscription, error)

	// Cancel is idempotent. atCycleEnd keeps access until the paid period ends.
	Cancel(ctx context.Context, subscriptionID string, atCycleEnd bool) error
	Pause(ctx context.Context, subscriptionID string) error
	Resume(ctx context.Context, subscriptionID string) error
	Update(ctx context.Context, subscriptionID string, req UpdateSubscriptionRequest) error
	Fetch(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)
}

// SignatureVerifier checks an inbound webhook against its signature header.
// Implementations return an error on mismatch and never mutate state.
type SignatureVerifier interface {
	Verify(payload []byte, signature string, secret string) error
}

func gatewayUnavailable(provider types.GatewayProvider, op string, err error) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeGatewayUnavailable,
		fmt.Sprintf("%s %s failed", provider, op),
		err,
		map[string]any{"provider": string(provider), "operation": op},
	)
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
