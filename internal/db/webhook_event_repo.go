package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"membership/internal/types"
)

// Processed-event states.
const (
	WebhookEventProcessing = types.WebhookEventProcessing
	WebhookEventProcessed  = types.WebhookEventProcessed
	WebhookEventFailed     = types.WebhookEventFailed
)

// DefaultClaimTimeout is how long a 'processing' claim is honoured before a
// redelivery may take it over.
const DefaultClaimTimeout = 2 * time.Minute

// WebhookEventRepository records gateway event IDs in processed_webhook_events
// so redeliveries are acknowledged without being re-applied.
type WebhookEventRepository struct {
	db           DBTX
	clock        types.Clock
	claimTimeout time.Duration
}

// NewWebhookEventRepository creates a repository backed by db.
func NewWebhookEventRepository(db DBTX, clock types.Clock) *WebhookEventRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &WebhookEventRepository{db: db, clock: clock, claimTimeout: DefaultClaimTimeout}
}

// Lookup returns the recorded status of an event, or "" if it was never seen.
func (r *WebhookEventRepository) Lookup(ctx context.Context, provider types.GatewayProvider, eventID string) (string, error) {
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT status FROM processed_webhook_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to look up webhook event", err)
	}
	return status, nil
}

// Claim marks the event as being processed. It returns false when the event
// was already processed or another delivery holds a fresh claim. Failed
// events can be claimed again.
func (r *WebhookEventRepository) Claim(ctx context.Context, provider types.GatewayProvider, eventID, eventType string) (bool, error) {
	now := r.clock.Now()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_webhook_events (provider, event_id, event_type, status, attempts, received_at, updated_at)
		 VALUES ($1, $2, $3, 'processing', 1, $4, $4)
		 ON CONFLICT (provider, event_id) DO UPDATE
		   SET status = 'processing',
		       attempts = processed_webhook_events.attempts + 1,
		       error = NULL,
		       updated_at = $4
		   WHERE processed_webhook_events.status = 'failed'
		      OR (processed_webhook_events.status = 'processing' AND processed_webhook_events.updated_at < $5)`,
		provider, eventID, eventType, now, now.Add(-r.claimTimeout),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim webhook event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete marks a claimed event processed with a short result label.
func (r *WebhookEventRepository) Complete(ctx context.Context, provider types.GatewayProvider, eventID, result string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE processed_webhook_events
		 SET status = 'processed', result = $3, updated_at = $4
		 WHERE provider = $1 AND event_id = $2`,
		provider, eventID, result, r.clock.Now(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete webhook event", err)
	}
	return nil
}

// Fail releases the claim so the provider's retry can process the event again.
func (r *WebhookEventRepository) Fail(ctx context.Context, provider types.GatewayProvider, eventID string, cause error) error {
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	_, err := r.db.Exec(ctx,
		`UPDATE processed_webhook_events
		 SET status = 'failed', error = $3, updated_at = $4
		 WHERE provider = $1 AND event_id = $2`,
		provider, eventID, msg, r.clock.Now(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook failure", err)
	}
	return nil
}
