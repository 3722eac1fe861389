package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"membership/internal/billing"
	"membership/internal/external"
	"membership/internal/types"
)

// MaintenanceService runs the scheduled subscription jobs. Every method takes
// the reference time so a run can be replayed for a past window.
type MaintenanceService struct {
	store    MaintenanceStore
	gateways Gateways
	rec      *recorder
	catalog  billing.Catalog
	benefits *billing.BenefitsResolver
	logger   *slog.Logger
}

// NewMaintenanceService wires the scheduled jobs. publisher and audit may be nil.
func NewMaintenanceService(
	store MaintenanceStore,
	gateways Gateways,
	publisher Publisher,
	audit AuditLogger,
	catalog billing.Catalog,
	clock types.Clock,
	logger *slog.Logger,
) *MaintenanceService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = billing.NewStaticCatalog()
	}
	return &MaintenanceService{
		store:    store,
		gateways: gateways,
		rec:      &recorder{audit: audit, publisher: publisher, clock: clock, logger: logger},
		catalog:  catalog,
		benefits: billing.NewBenefitsResolver(catalog, clock),
		logger:   logger,
	}
}

// ResetMonthlyUsage zeroes ordersThisMonth on every controlling subscription.
func (m *MaintenanceService) ResetMonthlyUsage(ctx context.Context, _ time.Time) (int, error) {
	n, err := m.store.ResetMonthlyUsage(ctx)
	if err != nil {
		return 0, fmt.Errorf("resetting monthly usage: %w", err)
	}
	m.logger.InfoContext(ctx, "monthly usage reset", "count", n)
	return int(n), nil
}

// ApplyScheduledDowngrades moves every subscription whose downgrade is due to
// its target tier. A failure on one subscription is logged and the rest of the
// batch continues; it will be retried on the next run.
func (m *MaintenanceService) ApplyScheduledDowngrades(ctx context.Context, now time.Time) (int, error) {
	due, err := m.store.ListDueDowngrades(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing due downgrades: %w", err)
	}
	if len(due) == 0 {
		m.logger.InfoContext(ctx, "no scheduled downgrades due")
		return 0, nil
	}

	applied := 0
	for _, sub := range due {
		if err := m.applyDowngrade(ctx, sub, now); err != nil {
			m.logger.ErrorContext(ctx, "failed to apply scheduled downgrade",
				"subscription_id", sub.ID,
				"user_id", sub.UserID,
				"target_tier", sub.DowngradeTargetTier,
				"error", err,
			)
			continue
		}
		applied++
	}

	m.logger.InfoContext(ctx, "scheduled downgrades applied",
		"due", len(due),
		"applied", applied,
	)
	return applied, nil
}

func (m *MaintenanceService) applyDowngrade(ctx context.Context, sub *types.Subscription, now time.Time) error {
	target := sub.DowngradeTargetTier
	if !target.Valid() {
		return fmt.Errorf("invalid downgrade target %q", target)
	}

	var planID string
	if sub.ExternalSubscriptionID != "" {
		gw, err := m.gateways.Gateway(sub.Gateway)
		if err != nil {
			return err
		}
		if target.Paid() {
			planID, err = gw.CreateOrGetPlan(ctx, target, sub.BillingCycle)
			if err != nil {
				return err
			}
			if err := gw.Update(ctx, sub.ExternalSubscriptionID, external.UpdateSubscriptionRequest{
				PlanID:           planID,
				ScheduleChangeAt: external.ScheduleNow,
			}); err != nil {
				return err
			}
		} else if err := gw.Cancel(ctx, sub.ExternalSubscriptionID, false); err != nil {
			return err
		}
	}

	before := sub
	updated, err := m.store.Update(ctx, sub.ID, func(s *types.Subscription) error {
		if s.DowngradeScheduledFor == nil || s.DowngradeScheduledFor.After(now) || s.DowngradeTargetTier != target {
			return ineligible("scheduled downgrade changed", map[string]any{"subscription_id": s.ID})
		}
		before = s.Clone()
		s.PreviousTier = s.Tier
		s.Tier = target
		s.Benefits = m.benefits.BenefitsFor(target)
		s.Price = m.catalog.Price(target, s.BillingCycle)
		s.IsGrandfathered = false
		s.DowngradeScheduledFor = nil
		s.DowngradeTargetTier = ""
		if planID != "" {
			s.ExternalPlanID = planID
		}
		if !target.Paid() {
			s.Status = types.StatusExpired
			s.AutoRenew = false
			s.EndDate = now
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "scheduled downgrade applied",
		"subscription_id", updated.ID,
		"user_id", updated.UserID,
		"from_tier", updated.PreviousTier,
		"to_tier", updated.Tier,
	)
	m.rec.record(ctx, types.Actor{ID: "maintenance", Type: types.ActorTypeSystem},
		types.AuditActionDowngradeApplied, types.EventSubscriptionDowngraded,
		before, updated, map[string]any{"from_tier": string(updated.PreviousTier), "to_tier": string(target)})
	return nil
}

// ExpireLapsed expires non-renewing subscriptions whose period ended more
// than the grace period ago.
func (m *MaintenanceService) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-types.GracePeriodLength)
	lapsed, err := m.store.ListLapsed(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing lapsed subscriptions: %w", err)
	}

	expired := 0
	for _, sub := range lapsed {
		before := sub
		updated, err := m.store.Update(ctx, sub.ID, func(s *types.Subscription) error {
			if s.AutoRenew || !s.EndDate.Before(cutoff) ||
				(s.Status != types.StatusTrial && s.Status != types.StatusActive) {
				return ineligible("subscription no longer lapsed", map[string]any{"subscription_id": s.ID})
			}
			before = s.Clone()
			s.Status = types.StatusExpired
			return nil
		})
		if err != nil {
			if types.HasCode(err, types.ErrCodeIneligibleTransition) {
				continue
			}
			m.logger.ErrorContext(ctx, "failed to expire subscription",
				"subscription_id", sub.ID,
				"user_id", sub.UserID,
				"error", err,
			)
			continue
		}
		expired++
		m.rec.record(ctx, types.Actor{ID: "maintenance", Type: types.ActorTypeSystem},
			types.AuditActionExpired, types.EventSubscriptionExpired, before, updated, nil)
	}

	if expired > 0 {
		m.logger.InfoContext(ctx, "expired lapsed subscriptions",
			"count", expired,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return expired, nil
}
