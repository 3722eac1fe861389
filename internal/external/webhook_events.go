package external

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"membership/internal/types"
)

// Reconciled event names. Both providers are normalized into this set.
const (
	EventActivated = "activated"
	EventCharged   = "charged"
	EventCancelled = "cancelled"
	EventCompleted = "completed"
	EventPaused    = "paused"
	EventResumed   = "resumed"
	EventPending   = "pending"
	EventHalted    = "halted"
)

var razorpayEvents = map[string]bool{
	EventActivated: true,
	EventCharged:   true,
	EventCancelled: true,
	EventCompleted: true,
	EventPaused:    true,
	EventResumed:   true,
	EventPending:   true,
	EventHalted:    true,
}

// WebhookEvent is a verified, provider-neutral webhook delivery.
type WebhookEvent struct {
	Provider types.GatewayProvider
	// ID identifies the delivery for deduplication.
	ID string
	// Type is the provider's raw event type.
	Type string
	// Event is the normalized name, or "" when the type is not reconciled.
	Event                  string
	ExternalSubscriptionID string
	RemoteStatus           string
	CreatedAt              time.Time
	CurrentStart           *time.Time
	CurrentEnd             *time.Time
}

func malformed(provider types.GatewayProvider, msg string, err error) error {
	return types.NewAppErrorWithDetails(types.ErrCodeWebhookMalformed, msg, err,
		map[string]any{"provider": string(provider)})
}

type razorpayEnvelope struct {
	Entity    string `json:"entity"`
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Subscription *struct {
			Entity razorpaySubscriptionEntity `json:"entity"`
		} `json:"subscription"`
	} `json:"payload"`
}

type razorpaySubscriptionEntity struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
}

// ParseRazorpayWebhook decodes a Razorpay event envelope. eventID is the
// x-razorpay-event-id header; when absent the SHA-256 of the body is used so
// byte-identical redeliveries still deduplicate.
func ParseRazorpayWebhook(body []byte, eventID string) (*WebhookEvent, error) {
	var env razorpayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed(types.GatewayRazorpay, "invalid webhook payload", err)
	}
	if env.Event == "" || (env.Entity != "" && env.Entity != "event") {
		return nil, malformed(types.GatewayRazorpay, "webhook envelope missing event", nil)
	}

	if eventID == "" {
		sum := sha256.Sum256(body)
		eventID = hex.EncodeToString(sum[:])
	}
	ev := &WebhookEvent{
		Provider: types.GatewayRazorpay,
		ID:       eventID,
		Type:     env.Event,
	}
	if env.CreatedAt > 0 {
		ev.CreatedAt = time.Unix(env.CreatedAt, 0).UTC()
	}

	name, ok := strings.CutPrefix(env.Event, "subscription.")
	if !ok || !razorpayEvents[name] {
		return ev, nil
	}
	if env.Payload.Subscription == nil || env.Payload.Subscription.Entity.ID == "" {
		return nil, malformed(types.GatewayRazorpay, "subscription event without subscription entity", nil)
	}
	entity := env.Payload.Subscription.Entity
	ev.Event = name
	ev.ExternalSubscriptionID = entity.ID
	ev.RemoteStatus = entity.Status
	ev.CurrentStart = unixPtr(entity.CurrentStart)
	ev.CurrentEnd = unixPtr(entity.CurrentEnd)
	return ev, nil
}

type stripeInvoiceObject struct {
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountPaid    int64  `json:"amount_paid"`
	BillingReason string `json:"billing_reason"`
	PeriodStart   int64  `json:"period_start"`
	PeriodEnd     int64  `json:"period_end"`
}

func (o *stripeInvoiceObject) subscriptionID() string {
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil && o.Parent.SubscriptionDetails.Subscription != "" {
		return o.Parent.SubscriptionDetails.Subscription
	}
	if len(o.Subscription) == 0 {
		return ""
	}
	var id string
	if json.Unmarshal(o.Subscription, &id) == nil {
		return id
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(o.Subscription, &expanded) == nil {
		return expanded.ID
	}
	return ""
}

// ParseStripeWebhook decodes a Stripe event and maps it onto the reconciled
// vocabulary. Event types with no lifecycle meaning get an empty Event.
func ParseStripeWebhook(body []byte) (*WebhookEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, malformed(types.GatewayStripe, "invalid webhook payload", err)
	}
	if evt.ID == "" || evt.Type == "" || evt.Data == nil {
		return nil, malformed(types.GatewayStripe, "webhook event missing id, type or data", nil)
	}

	ev := &WebhookEvent{
		Provider: types.GatewayStripe,
		ID:       evt.ID,
		Type:     string(evt.Type),
	}
	if evt.Created > 0 {
		ev.CreatedAt = time.Unix(evt.Created, 0).UTC()
	}

	switch evt.Type {
	case "invoice.paid", "invoice.payment_failed":
		var inv stripeInvoiceObject
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return nil, malformed(types.GatewayStripe, "invalid invoice object", err)
		}
		ev.ExternalSubscriptionID = inv.subscriptionID()
		if ev.ExternalSubscriptionID == "" {
			// One-off invoice, not part of a subscription.
			return ev, nil
		}
		if evt.Type == "invoice.payment_failed" {
			ev.Event = EventPending
			return ev, nil
		}
		// A trial opens with a paid zero-amount invoice; the trial ends
		// through customer.subscription.updated, not through this event.
		if inv.AmountPaid == 0 {
			return ev, nil
		}
		ev.Event = EventCharged
		return ev, nil

	case "customer.subscription.deleted",
		"customer.subscription.paused",
		"customer.subscription.resumed",
		"customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return nil, malformed(types.GatewayStripe, "invalid subscription object", err)
		}
		if sub.ID == "" {
			return nil, malformed(types.GatewayStripe, "subscription event without subscription id", nil)
		}
		snap := mapStripeSubscription(&sub)
		ev.ExternalSubscriptionID = sub.ID
		ev.RemoteStatus = snap.Status
		ev.CurrentStart = snap.CurrentStart
		ev.CurrentEnd = snap.CurrentEnd

		switch evt.Type {
		case "customer.subscription.deleted":
			ev.Event = EventCancelled
		case "customer.subscription.paused":
			ev.Event = EventPaused
		case "customer.subscription.resumed":
			ev.Event = EventResumed
		default:
			prev, _ := evt.Data.PreviousAttributes["status"].(string)
			switch {
			case sub.Status == "active" && prev == "trialing":
				ev.Event = EventActivated
			case sub.Status == "unpaid":
				ev.Event = EventHalted
			}
		}
		return ev, nil
	}
	return ev, nil
}
