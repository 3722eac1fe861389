package types

// Telemetry metric names for CloudWatch.
const (
	MetricAPILatency   = "APILatency"
	MetricAPIRequests  = "APIRequests"
	MetricWebhookEvent = "WebhookEvent"

	DimEndpoint  = "Endpoint"
	DimStatus    = "Status"
	DimProvider  = "Provider"
	DimEventType = "EventType"
	DimResult    = "Result"

	MetricNamespace = "Membership"
)

// Webhook processing outcomes recorded as the Result dimension.
const (
	WebhookResultApplied   = "applied"
	WebhookResultNoop      = "noop"
	WebhookResultDuplicate = "duplicate"
	WebhookResultIgnored   = "ignored"
	WebhookResultUnknown   = "unknown_subscription"
	WebhookResultFailed    = "failed"
)

// States of a row in processed_webhook_events.
const (
	WebhookEventProcessing = "processing"
	WebhookEventProcessed  = "processed"
	WebhookEventFailed     = "failed"
)
