package types

import (
	"encoding/json"
	"time"
)

// AuditEvent records one change to a subscription. Old and new values are
// JSON snapshots of the fields that changed.
type AuditEvent struct {
	ID             string          `json:"id"`
	Actor          Actor           `json:"actor"`
	Action         string          `json:"action"`
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	OldValue       json.RawMessage `json:"old_value,omitempty"`
	NewValue       json.RawMessage `json:"new_value,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Audit action strings.
const (
	AuditActionSubscribed         = "subscription.subscribed"
	AuditActionUpgraded           = "subscription.upgraded"
	AuditActionDowngradeScheduled = "subscription.downgrade_scheduled"
	AuditActionDowngradeApplied   = "subscription.downgrade_applied"
	AuditActionCancelled          = "subscription.cancelled"
	AuditActionRenewed            = "subscription.renewed"
	AuditActionAutoRenewToggled   = "subscription.auto_renew_toggled"
	AuditActionPaymentRetried     = "subscription.payment_retried"
	AuditActionExpired            = "subscription.expired"

	// AuditActionWebhookPrefix is joined with the normalized event name,
	// e.g. "webhook.charged".
	AuditActionWebhookPrefix = "webhook."
)
