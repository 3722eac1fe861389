package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"membership/internal/types"
)

// DefaultUpdateAttempts bounds the compare-and-set loop in Update.
const DefaultUpdateAttempts = 5

const controllingIndex = "uq_subscriptions_controlling"

const subscriptionColumns = `id, user_id, gateway, external_subscription_id, external_plan_id, external_customer_id,
	tier, billing_cycle, price, status,
	start_date, end_date, trial_end_date, auto_renew,
	benefits, usage,
	previous_tier, upgrade_date, downgrade_scheduled_for, downgrade_target_tier, prorated_credit,
	cancellation_date, cancellation_reason, cancellation_feedback, reactivation_eligible_until,
	grace_period_start_date, payment_retry_count, last_payment_retry_date,
	is_grandfathered, grandfathered_price,
	metadata, version, created_at, updated_at`

// SubscriptionRepository persists subscriptions. Writes after creation go
// through Update, which is an optimistic compare-and-set on the version column.
type SubscriptionRepository struct {
	db          DBTX
	clock       types.Clock
	maxAttempts int
}

// NewSubscriptionRepository creates a repository backed by db.
func NewSubscriptionRepository(db DBTX, clock types.Clock) *SubscriptionRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &SubscriptionRepository{db: db, clock: clock, maxAttempts: DefaultUpdateAttempts}
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.Gateway, &s.ExternalSubscriptionID, &s.ExternalPlanID, &s.ExternalCustomerID,
		&s.Tier, &s.BillingCycle, &s.Price, &s.Status,
		&s.StartDate, &s.EndDate, &s.TrialEndDate, &s.AutoRenew,
		&s.Benefits, &s.Usage,
		&s.PreviousTier, &s.UpgradeDate, &s.DowngradeScheduledFor, &s.DowngradeTargetTier, &s.ProratedCredit,
		&s.CancellationDate, &s.CancellationReason, &s.CancellationFeedback, &s.ReactivationEligibleUntil,
		&s.GracePeriodStartDate, &s.PaymentRetryCount, &s.LastPaymentRetryDate,
		&s.IsGrandfathered, &s.GrandfatheredPrice,
		&s.Metadata, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionRepository) queryOne(ctx context.Context, notFoundMsg string, sql string, args ...any) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, notFoundMsg, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return s, nil
}

func (r *SubscriptionRepository) queryMany(ctx context.Context, sql string, args ...any) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query subscriptions", err)
	}
	defer rows.Close()

	var out []*types.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscriptions", err)
	}
	return out, nil
}

// Create inserts a new subscription at version 1. A second controlling
// subscription for the same user violates the partial unique index and is
// reported as a duplicate.
func (r *SubscriptionRepository) Create(ctx context.Context, s *types.Subscription) error {
	now := r.clock.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Version = 1

	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		         $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34)`,
		s.ID, s.UserID, s.Gateway, s.ExternalSubscriptionID, s.ExternalPlanID, s.ExternalCustomerID,
		s.Tier, s.BillingCycle, s.Price, s.Status,
		s.StartDate, s.EndDate, s.TrialEndDate, s.AutoRenew,
		s.Benefits, s.Usage,
		s.PreviousTier, s.UpgradeDate, s.DowngradeScheduledFor, s.DowngradeTargetTier, s.ProratedCredit,
		s.CancellationDate, s.CancellationReason, s.CancellationFeedback, s.ReactivationEligibleUntil,
		s.GracePeriodStartDate, s.PaymentRetryCount, s.LastPaymentRetryDate,
		s.IsGrandfathered, s.GrandfatheredPrice,
		s.Metadata, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err, s.UserID)
	}
	return nil
}

func mapWriteError(err error, userID string) error {
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == controllingIndex {
			return types.NewAppErrorWithDetails(types.ErrCodeDuplicateSubscription,
				"user already has an active subscription", err, map[string]any{"user_id": userID})
		}
		return types.NewAppError(types.ErrCodeDuplicateSubscription, "subscription already exists", err)
	}
	return types.NewAppError(types.ErrCodeInternalDB, "failed to write subscription", err)
}

// Get returns the subscription with the given id.
func (r *SubscriptionRepository) Get(ctx context.Context, id string) (*types.Subscription, error) {
	return r.queryOne(ctx, "subscription not found",
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
}

// FindControlling returns the user's trial, active or grace-period subscription.
func (r *SubscriptionRepository) FindControlling(ctx context.Context, userID string) (*types.Subscription, error) {
	return r.queryOne(ctx, "no active subscription",
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = $1 AND status IN ('trial', 'active', 'grace_period')
		 LIMIT 1`, userID)
}

// FindLatestEnded returns the most recently ending cancelled or expired
// subscription for the user.
func (r *SubscriptionRepository) FindLatestEnded(ctx context.Context, userID string) (*types.Subscription, error) {
	return r.queryOne(ctx, "no cancelled subscription found",
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = $1 AND status IN ('cancelled', 'expired')
		 ORDER BY end_date DESC
		 LIMIT 1`, userID)
}

// FindByExternalID resolves a gateway subscription id to the local row.
func (r *SubscriptionRepository) FindByExternalID(ctx context.Context, externalID string) (*types.Subscription, error) {
	return r.queryOne(ctx, "subscription not found",
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`, externalID)
}

// ListByUser returns every subscription the user has held, newest first.
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]*types.Subscription, error) {
	return r.queryMany(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`, userID)
}

// ListDueDowngrades returns controlling subscriptions whose scheduled
// downgrade is due at or before now.
func (r *SubscriptionRepository) ListDueDowngrades(ctx context.Context, now time.Time) ([]*types.Subscription, error) {
	return r.queryMany(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE downgrade_scheduled_for IS NOT NULL
		   AND downgrade_scheduled_for <= $1
		   AND downgrade_target_tier <> ''
		   AND status IN ('trial', 'active', 'grace_period')
		 ORDER BY downgrade_scheduled_for`, now)
}

// ListLapsed returns non-renewing trial or active subscriptions whose period
// ended before cutoff.
func (r *SubscriptionRepository) ListLapsed(ctx context.Context, cutoff time.Time) ([]*types.Subscription, error) {
	return r.queryMany(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status IN ('trial', 'active')
		   AND auto_renew = FALSE
		   AND end_date < $1
		 ORDER BY end_date`, cutoff)
}

// ResetMonthlyUsage zeroes ordersThisMonth on every controlling subscription
// and returns the number of rows touched.
func (r *SubscriptionRepository) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET usage = jsonb_set(usage, '{ordersThisMonth}', '0'::jsonb, true),
		     version = version + 1,
		     updated_at = $1
		 WHERE status IN ('trial', 'active', 'grace_period')`,
		r.clock.Now(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to reset monthly usage", err)
	}
	return tag.RowsAffected(), nil
}

// Update reads the row, applies mutate to a copy and writes it back only if
// the version is unchanged. A lost race re-reads and retries. Errors returned
// by mutate abort the loop and are returned as-is.
func (r *SubscriptionRepository) Update(ctx context.Context, id string, mutate func(*types.Subscription) error) (*types.Subscription, error) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		next.ID = current.ID
		next.Version = current.Version + 1
		next.UpdatedAt = r.clock.Now()

		tag, err := r.db.Exec(ctx,
			`UPDATE subscriptions SET
				external_subscription_id = $3, external_plan_id = $4, external_customer_id = $5,
				tier = $6, billing_cycle = $7, price = $8, status = $9,
				start_date = $10, end_date = $11, trial_end_date = $12, auto_renew = $13,
				benefits = $14, usage = $15,
				previous_tier = $16, upgrade_date = $17, downgrade_scheduled_for = $18,
				downgrade_target_tier = $19, prorated_credit = $20,
				cancellation_date = $21, cancellation_reason = $22, cancellation_feedback = $23,
				reactivation_eligible_until = $24,
				grace_period_start_date = $25, payment_retry_count = $26, last_payment_retry_date = $27,
				is_grandfathered = $28, grandfathered_price = $29, metadata = $30,
				version = $31, updated_at = $32
			 WHERE id = $1 AND version = $2`,
			next.ID, current.Version,
			next.ExternalSubscriptionID, next.ExternalPlanID, next.ExternalCustomerID,
			next.Tier, next.BillingCycle, next.Price, next.Status,
			next.StartDate, next.EndDate, next.TrialEndDate, next.AutoRenew,
			next.Benefits, next.Usage,
			next.PreviousTier, next.UpgradeDate, next.DowngradeScheduledFor,
			next.DowngradeTargetTier, next.ProratedCredit,
			next.CancellationDate, next.CancellationReason, next.CancellationFeedback,
			next.ReactivationEligibleUntil,
			next.GracePeriodStartDate, next.PaymentRetryCount, next.LastPaymentRetryDate,
			next.IsGrandfathered, next.GrandfatheredPrice, next.Metadata,
			next.Version, next.UpdatedAt,
		)
		if err != nil {
			return nil, mapWriteError(err, current.UserID)
		}
		if tag.RowsAffected() == 1 {
			return next, nil
		}
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
		"subscription was modified concurrently", nil, map[string]any{"subscription_id": id})
}
