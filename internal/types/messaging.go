package types

import "time"

// LifecycleEventType names a subscription change published to the lifecycle queue.
type LifecycleEventType string

const (
	EventSubscriptionCreated            LifecycleEventType = "subscription.created"
	EventSubscriptionUpgraded           LifecycleEventType = "subscription.upgraded"
	EventSubscriptionDowngradeScheduled LifecycleEventType = "subscription.downgrade_scheduled"
	EventSubscriptionDowngraded         LifecycleEventType = "subscription.downgraded"
	EventSubscriptionCancelled          LifecycleEventType = "subscription.cancelled"
	EventSubscriptionRenewed            LifecycleEventType = "subscription.renewed"
	EventSubscriptionAutoRenewChanged   LifecycleEventType = "subscription.auto_renew_changed"
	EventSubscriptionExpired            LifecycleEventType = "subscription.expired"
)

// GatewayLifecycleEvent returns the lifecycle type for a reconciled gateway event.
func GatewayLifecycleEvent(event string) LifecycleEventType {
	return LifecycleEventType("subscription." + event)
}

// LifecycleMessage is the SQS payload consumed by the notification and
// analytics collaborators. JSON tags use snake_case for queue consumers.
type LifecycleMessage struct {
	EventID        string             `json:"event_id"`
	Type           LifecycleEventType `json:"type"`
	SubscriptionID string             `json:"subscription_id"`
	UserID         string             `json:"user_id"`
	Tier           Tier               `json:"tier"`
	Status         SubscriptionStatus `json:"status"`
	OccurredAt     time.Time          `json:"occurred_at"`
	RequestID      string             `json:"request_id,omitempty"`
	Details        map[string]any     `json:"details,omitempty"`
}
