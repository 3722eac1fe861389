package db

import (
	"context"

	"github.com/google/uuid"

	"membership/internal/types"
)

// AuditRepository appends to subscription_audit_log. Entries are never
// updated or deleted.
type AuditRepository struct {
	db DBTX
}

// NewAuditRepository creates a repository backed by db.
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Log inserts one audit entry, assigning an ID when the caller left it empty.
func (r *AuditRepository) Log(ctx context.Context, e *types.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscription_audit_log
		   (id, subscription_id, user_id, actor_id, actor_type, action, old_value, new_value, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`,
		e.ID,
		e.SubscriptionID,
		e.UserID,
		e.Actor.ID,
		string(e.Actor.Type),
		e.Action,
		nullableJSON(e.OldValue),
		nullableJSON(e.NewValue),
		nilIfZeroTime(e.Timestamp),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write audit log", err)
	}
	return nil
}

// ListBySubscription returns the audit trail for one subscription, newest first.
func (r *AuditRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*types.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, subscription_id, user_id, actor_id, actor_type, action, old_value, new_value, created_at
		 FROM subscription_audit_log
		 WHERE subscription_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query audit log", err)
	}
	defer rows.Close()

	var out []*types.AuditEvent
	for rows.Next() {
		var (
			e         types.AuditEvent
			actorType string
			oldValue  []byte
			newValue  []byte
		)
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.UserID, &e.Actor.ID, &actorType,
			&e.Action, &oldValue, &newValue, &e.Timestamp); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan audit entry", err)
		}
		e.Actor.Type = types.ActorType(actorType)
		e.OldValue = oldValue
		e.NewValue = newValue
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating audit log", err)
	}
	return out, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
