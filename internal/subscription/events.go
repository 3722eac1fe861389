package subscription

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"membership/internal/types"
)

// auditState is the slice of a subscription captured in audit old/new values.
type auditState struct {
	Tier                  types.Tier               `json:"tier"`
	Status                types.SubscriptionStatus `json:"status"`
	BillingCycle          types.BillingCycle       `json:"billingCycle"`
	Price                 decimal.Decimal          `json:"price"`
	AutoRenew             bool                     `json:"autoRenew"`
	EndDate               time.Time                `json:"endDate"`
	DowngradeScheduledFor *time.Time               `json:"downgradeScheduledFor,omitempty"`
	DowngradeTargetTier   types.Tier               `json:"downgradeTargetTier,omitempty"`
}

func snapshot(s *types.Subscription) json.RawMessage {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(auditState{
		Tier:                  s.Tier,
		Status:                s.Status,
		BillingCycle:          s.BillingCycle,
		Price:                 s.Price,
		AutoRenew:             s.AutoRenew,
		EndDate:               s.EndDate,
		DowngradeScheduledFor: s.DowngradeScheduledFor,
		DowngradeTargetTier:   s.DowngradeTargetTier,
	})
	if err != nil {
		return nil
	}
	return b
}

// recorder writes the audit entry and lifecycle event for a change. Both are
// best-effort: failures are logged and never returned.
type recorder struct {
	audit     AuditLogger
	publisher Publisher
	clock     types.Clock
	logger    *slog.Logger
}

func (r *recorder) record(
	ctx context.Context,
	actor types.Actor,
	action string,
	event types.LifecycleEventType,
	before, after *types.Subscription,
	details map[string]any,
) {
	subject := after
	if subject == nil {
		subject = before
	}
	if subject == nil {
		return
	}
	now := r.clock.Now()

	if r.audit != nil {
		entry := &types.AuditEvent{
			ID:             uuid.NewString(),
			Actor:          actor,
			Action:         action,
			SubscriptionID: subject.ID,
			UserID:         subject.UserID,
			OldValue:       snapshot(before),
			NewValue:       snapshot(after),
			Timestamp:      now,
		}
		if err := r.audit.Log(ctx, entry); err != nil {
			r.logger.WarnContext(ctx, "audit log write failed",
				"action", action,
				"subscription_id", subject.ID,
				"user_id", subject.UserID,
				"error", err,
			)
		}
	}

	if r.publisher != nil && event != "" {
		msg := types.LifecycleMessage{
			EventID:        uuid.NewString(),
			Type:           event,
			SubscriptionID: subject.ID,
			UserID:         subject.UserID,
			Tier:           subject.Tier,
			Status:         subject.Status,
			OccurredAt:     now,
			RequestID:      types.GetRequestID(ctx),
			Details:        details,
		}
		if err := r.publisher.Publish(ctx, msg); err != nil {
			r.logger.WarnContext(ctx, "lifecycle event publish failed",
				"event", event,
				"subscription_id", subject.ID,
				"user_id", subject.UserID,
				"error", err,
			)
		}
	}
}

func actorFrom(ctx context.Context, userID string) types.Actor {
	if a, ok := types.GetActor(ctx); ok {
		return a
	}
	return types.Actor{ID: userID, Type: types.ActorTypeUser}
}
