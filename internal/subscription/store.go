// Package subscription implements the membership lifecycle: the
// user-initiated operations (subscribe, upgrade, downgrade, cancel, renew)
// and the reconciliation of gateway webhook events into local state.
//
// All writes to an existing subscription go through Store.Update so that a
// user request and a webhook racing on the same row never lose an update.
package subscription

import (
	"context"
	"time"

	"membership/internal/external"
	"membership/internal/types"
)

// Store persists subscriptions. Lookups that find nothing return an AppError
// with ErrCodeNotFoundSubscription.
type Store interface {
	Create(ctx context.Context, s *types.Subscription) error
	Get(ctx context.Context, id string) (*types.Subscription, error)
	FindControlling(ctx context.Context, userID string) (*types.Subscription, error)
	FindLatestEnded(ctx context.Context, userID string) (*types.Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*types.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*types.Subscription, error)

	// Update applies mutate to a fresh copy and commits it atomically with
	// respect to other writers. Errors from mutate are returned unchanged
	// and nothing is written.
	Update(ctx context.Context, id string, mutate func(*types.Subscription) error) (*types.Subscription, error)
}

// MaintenanceStore is the extra surface the scheduled jobs need.
type MaintenanceStore interface {
	Store
	ListDueDowngrades(ctx context.Context, now time.Time) ([]*types.Subscription, error)
	ListLapsed(ctx context.Context, cutoff time.Time) ([]*types.Subscription, error)
	ResetMonthlyUsage(ctx context.Context) (int64, error)
}

// EventLog deduplicates gateway webhook deliveries. Lookup returns the
// recorded status of an event, or "" when it has never been seen.
type EventLog interface {
	Lookup(ctx context.Context, provider types.GatewayProvider, eventID string) (string, error)
	Claim(ctx context.Context, provider types.GatewayProvider, eventID, eventType string) (bool, error)
	Complete(ctx context.Context, provider types.GatewayProvider, eventID, result string) error
	Fail(ctx context.Context, provider types.GatewayProvider, eventID string, cause error) error
}

// AuditLogger records subscription changes.
type AuditLogger interface {
	Log(ctx context.Context, e *types.AuditEvent) error
}

// Publisher emits lifecycle events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, msg types.LifecycleMessage) error
}

// Gateways resolves billing providers. *external.GatewayRegistry satisfies it.
type Gateways interface {
	Select(paymentMethod string) (external.BillingGateway, error)
	Gateway(provider types.GatewayProvider) (external.BillingGateway, error)
}

func isNotFound(err error) bool {
	return types.HasCode(err, types.ErrCodeNotFoundSubscription)
}
