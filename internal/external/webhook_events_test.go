package external

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membership/internal/types"
)

const razorpayCharged = `{
  "entity": "event",
  "account_id": "acc_BFQ7uQEaa7j2z7",
  "event": "subscription.charged",
  "contains": ["subscription", "payment"],
  "created_at": 1773144000,
  "payload": {
    "subscription": {
      "entity": {
        "id": "sub_00000000000001",
        "entity": "subscription",
        "plan_id": "plan_00000000000001",
        "status": "active",
        "current_start": 1773144000,
        "current_end": 1775822400
      }
    },
    "payment": {"entity": {"id": "pay_00000000000001", "amount": 9900}}
  }
}`

func TestParseRazorpayWebhook_Charged(t *testing.T) {
	ev, err := ParseRazorpayWebhook([]byte(razorpayCharged), "evt_123")
	require.NoError(t, err)

	assert.Equal(t, types.GatewayRazorpay, ev.Provider)
	assert.Equal(t, "evt_123", ev.ID)
	assert.Equal(t, "subscription.charged", ev.Type)
	assert.Equal(t, EventCharged, ev.Event)
	assert.Equal(t, "sub_00000000000001", ev.ExternalSubscriptionID)
	assert.Equal(t, "active", ev.RemoteStatus)
	assert.Equal(t, time.Unix(1773144000, 0).UTC(), ev.CreatedAt)
	require.NotNil(t, ev.CurrentEnd)
	assert.Equal(t, time.Unix(1775822400, 0).UTC(), *ev.CurrentEnd)
}

func TestParseRazorpayWebhook_EventIDFallsBackToBodyHash(t *testing.T) {
	ev, err := ParseRazorpayWebhook([]byte(razorpayCharged), "")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(razorpayCharged))
	assert.Equal(t, hex.EncodeToString(sum[:]), ev.ID)
}

func TestParseRazorpayWebhook_UnhandledEventHasNoName(t *testing.T) {
	body := `{"entity":"event","event":"payment.captured","created_at":1773144000,"payload":{}}`

	ev, err := ParseRazorpayWebhook([]byte(body), "evt_1")
	require.NoError(t, err)
	assert.Empty(t, ev.Event)
	assert.Equal(t, "payment.captured", ev.Type)
}

func TestParseRazorpayWebhook_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":           `{"entity":`,
		"missing event":      `{"entity":"event","payload":{}}`,
		"wrong entity":       `{"entity":"payment","event":"subscription.charged"}`,
		"no subscription":    `{"entity":"event","event":"subscription.halted","payload":{}}`,
		"empty subscription": `{"entity":"event","event":"subscription.halted","payload":{"subscription":{"entity":{}}}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRazorpayWebhook([]byte(body), "evt_1")
			assert.True(t, types.HasCode(err, types.ErrCodeWebhookMalformed), "got %v", err)
		})
	}
}

func TestParseStripeWebhook_InvoicePaid(t *testing.T) {
	body := `{
	  "id": "evt_1Stripe",
	  "object": "event",
	  "type": "invoice.paid",
	  "created": 1773144000,
	  "data": {"object": {
	    "id": "in_1",
	    "object": "invoice",
	    "amount_paid": 29900,
	    "billing_reason": "subscription_cycle",
	    "parent": {"type": "subscription_details", "subscription_details": {"subscription": "sub_1Stripe"}}
	  }}
	}`

	ev, err := ParseStripeWebhook([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, types.GatewayStripe, ev.Provider)
	assert.Equal(t, "evt_1Stripe", ev.ID)
	assert.Equal(t, EventCharged, ev.Event)
	assert.Equal(t, "sub_1Stripe", ev.ExternalSubscriptionID)
	assert.Equal(t, time.Unix(1773144000, 0).UTC(), ev.CreatedAt)
}

func TestParseStripeWebhook_InvoicePaymentFailedLegacyField(t *testing.T) {
	body := `{"id":"evt_2","object":"event","type":"invoice.payment_failed","created":1773144000,
	  "data":{"object":{"id":"in_2","object":"invoice","subscription":"sub_2"}}}`

	ev, err := ParseStripeWebhook([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, EventPending, ev.Event)
	assert.Equal(t, "sub_2", ev.ExternalSubscriptionID)
}

func TestParseStripeWebhook_OneOffInvoiceIgnored(t *testing.T) {
	body := `{"id":"evt_3","object":"event","type":"invoice.paid","created":1773144000,
	  "data":{"object":{"id":"in_3","object":"invoice"}}}`

	ev, err := ParseStripeWebhook([]byte(body))
	require.NoError(t, err)
	assert.Empty(t, ev.Event)
}

func TestParseStripeWebhook_TrialOpeningInvoiceNotReconciled(t *testing.T) {
	body := `{"id":"evt_4","object":"event","type":"invoice.paid","created":1773144000,
	  "data":{"object":{"id":"in_4","object":"invoice","amount_paid":0,
	    "billing_reason":"subscription_create","subscription":"sub_123"}}}`

	ev, err := ParseStripeWebhook([]byte(body))
	require.NoError(t, err)
	assert.Empty(t, ev.Event)
	assert.Equal(t, "sub_123", ev.ExternalSubscriptionID)
}

func TestParseStripeWebhook_PaidFirstInvoiceIsCharged(t *testing.T) {
	body := `{"id":"evt_5","object":"event","type":"invoice.paid","created":1773144000,
	  "data":{"object":{"id":"in_5","object":"invoice","amount_paid":9900,
	    "billing_reason":"subscription_create","subscription":"sub_123"}}}`

	ev, err := ParseStripeWebhook([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, EventCharged, ev.Event)
}

func TestParseStripeWebhook_SubscriptionEvents(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		status   string
		previous string
		want     string
	}{
		{"deleted", "customer.subscription.deleted", "canceled", "", EventCancelled},
		{"paused", "customer.subscription.paused", "paused", "", EventPaused},
		{"resumed", "customer.subscription.resumed", "active", "", EventResumed},
		{"trial converted", "customer.subscription.updated", "active", "trialing", EventActivated},
		{"unpaid", "customer.subscription.updated", "unpaid", "past_due", EventHalted},
		{"other update", "customer.subscription.updated", "active", "active", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := `{}`
			if tt.previous != "" {
				prev = `{"status":"` + tt.previous + `"}`
			}
			body := `{"id":"evt_s","object":"event","type":"` + tt.typ + `","created":1773144000,
			  "data":{"object":{"id":"sub_9","object":"subscription","customer":"cus_9","status":"` + tt.status + `",
			  "items":{"data":[{"id":"si_1","current_period_start":1773144000,"current_period_end":1775822400,"price":{"id":"price_1"}}]}},
			  "previous_attributes":` + prev + `}}`

			ev, err := ParseStripeWebhook([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Event)
			assert.Equal(t, "sub_9", ev.ExternalSubscriptionID)
		})
	}
}

func TestParseStripeWebhook_Malformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"object":"event","type":"invoice.paid","data":{"object":{}}}`,
		`{"id":"evt_4","object":"event","type":"customer.subscription.deleted","created":1,"data":{"object":{"object":"subscription"}}}`,
	} {
		_, err := ParseStripeWebhook([]byte(body))
		assert.True(t, types.HasCode(err, types.ErrCodeWebhookMalformed), "body %s: %v", body, err)
	}
}
