package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"membership/internal/billing"
	"membership/internal/external"
	"membership/internal/types"
)

// DefaultResumeAttempts bounds gateway Resume calls in renew and retry-payment.
const DefaultResumeAttempts = 3

// SubscribeRequest carries the inputs of Subscribe.
type SubscribeRequest struct {
	UserID        string
	Email         string
	Phone         string
	Tier          types.Tier
	Cycle         types.BillingCycle
	PaymentMethod string
	PromoCode     string
	Source        types.SubscriptionSource
	Campaign      string
}

// SubscribeResult is returned by Subscribe.
type SubscribeResult struct {
	Subscription *types.Subscription `json:"subscription"`
	PaymentURL   string              `json:"paymentUrl"`
}

// UpgradeResult is returned by Upgrade. ProratedAmount is charged now.
type UpgradeResult struct {
	Subscription   *types.Subscription `json:"subscription"`
	ProratedAmount decimal.Decimal     `json:"proratedAmount"`
}

// DowngradeResult is returned by Downgrade.
type DowngradeResult struct {
	Subscription  *types.Subscription `json:"subscription"`
	Credit        decimal.Decimal     `json:"credit"`
	EffectiveDate time.Time           `json:"effectiveDate"`
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Subscription              *types.Subscription `json:"subscription"`
	AccessUntil               time.Time           `json:"accessUntil"`
	ReactivationEligibleUntil time.Time           `json:"reactivationEligibleUntil"`
}

// RetryPaymentResult is returned by RetryPayment.
type RetryPaymentResult struct {
	Subscription *types.Subscription `json:"subscription"`
	RemoteStatus string              `json:"remoteStatus"`
	Resumed      bool                `json:"resumed"`
}

// UsageSummary is returned by Usage.
type UsageSummary struct {
	Usage         types.Usage `json:"usage"`
	ROI           billing.ROI `json:"roi"`
	DaysRemaining int         `json:"daysRemaining"`
	IsActive      bool        `json:"isActive"`
}

// BenefitsSummary is returned by Benefits.
type BenefitsSummary struct {
	Tier       types.Tier     `json:"tier"`
	Benefits   types.Benefits `json:"benefits"`
	Multiplier int            `json:"multiplier"`
	IsActive   bool           `json:"isActive"`
}

// Option customizes a Service.
type Option func(*Service)

// WithCatalog replaces the built-in tier catalog.
func WithCatalog(c billing.Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

// WithPromoBook replaces the built-in promo codes.
func WithPromoBook(b *billing.PromoBook) Option {
	return func(s *Service) { s.promos = b }
}

// WithResumeRetry sets the attempt limit and initial backoff for gateway Resume.
func WithResumeRetry(attempts int, initial time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.resumeAttempts = attempts
		}
		if initial > 0 {
			s.resumeInitial = initial
		}
	}
}

// Service runs the user-initiated subscription lifecycle.
type Service struct {
	store    Store
	gateways Gateways
	rec      *recorder
	clock    types.Clock
	logger   *slog.Logger

	catalog   billing.Catalog
	proration *billing.ProrationCalculator
	benefits  *billing.BenefitsResolver
	promos    *billing.PromoBook

	resumeAttempts int
	resumeInitial  time.Duration
}

// NewService wires the lifecycle service. publisher and audit may be nil.
func NewService(
	store Store,
	gateways Gateways,
	publisher Publisher,
	audit AuditLogger,
	clock types.Clock,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:          store,
		gateways:       gateways,
		clock:          clock,
		logger:         logger,
		catalog:        billing.NewStaticCatalog(),
		resumeAttempts: DefaultResumeAttempts,
		resumeInitial:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.promos == nil {
		s.promos = billing.NewPromoBook(s.catalog, clock)
	}
	s.proration = billing.NewProrationCalculator(s.catalog, clock)
	s.benefits = billing.NewBenefitsResolver(s.catalog, clock)
	s.rec = &recorder{audit: audit, publisher: publisher, clock: clock, logger: logger}
	return s
}

// Catalog exposes the tier table for read-only endpoints.
func (s *Service) Catalog() billing.Catalog { return s.catalog }

// Resolver exposes the benefits resolver for read-only endpoints.
func (s *Service) Resolver() *billing.BenefitsResolver { return s.benefits }

func ineligible(msg string, details map[string]any) error {
	return types.NewAppErrorWithDetails(types.ErrCodeIneligibleTransition, msg, nil, details)
}

func invalidTier(t types.Tier) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTier,
		fmt.Sprintf("invalid tier %q", t), nil, map[string]any{"tier": string(t)})
}

// controlling returns the user's controlling subscription.
func (s *Service) controlling(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := s.store.FindControlling(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription found", nil)
		}
		return nil, err
	}
	return sub, nil
}

// Subscribe starts a trial on a paid tier and returns the gateway payment link.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResult, error) {
	if !req.Tier.Paid() {
		return nil, invalidTier(req.Tier)
	}
	if !req.Cycle.Valid() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidCycle,
			fmt.Sprintf("invalid billing cycle %q", req.Cycle), nil, map[string]any{"billingCycle": string(req.Cycle)})
	}

	existing, err := s.store.FindControlling(ctx, req.UserID)
	switch {
	case err == nil:
		return nil, types.NewAppErrorWithDetails(types.ErrCodeDuplicateSubscription,
			"user already has an active subscription", nil,
			map[string]any{"subscription_id": existing.ID, "tier": string(existing.Tier)})
	case !isNotFound(err):
		return nil, err
	}

	gw, err := s.gateways.Select(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	price := s.catalog.Price(req.Tier, req.Cycle)
	discount := decimal.Zero
	promoCode := ""
	if strings.TrimSpace(req.PromoCode) != "" {
		res := s.promos.Validate(req.PromoCode, req.Tier, req.Cycle)
		if res.Valid {
			price, discount, promoCode = res.FinalPrice, res.Discount, res.Code
		} else {
			s.logger.WarnContext(ctx, "ignoring invalid promo code",
				"user_id", req.UserID,
				"promo_code", req.PromoCode,
				"reason", res.Message,
			)
		}
	}

	now := s.clock.Now()
	remote, err := gw.CreateSubscription(ctx, external.CreateSubscriptionRequest{
		UserID:         req.UserID,
		Email:          req.Email,
		Phone:          req.Phone,
		Tier:           req.Tier,
		Cycle:          req.Cycle,
		IdempotencyKey: fmt.Sprintf("sub:%s:%s:%s:%s", req.UserID, req.Tier, req.Cycle, now.Format("2006-01-02")),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "gateway subscription create failed",
			"user_id", req.UserID,
			"provider", gw.Provider(),
			"error", err,
		)
		return nil, err
	}

	source := req.Source
	if !source.Valid() {
		source = types.SourceWeb
	}
	sub := &types.Subscription{
		ID:                     uuid.NewString(),
		UserID:                 req.UserID,
		Gateway:                gw.Provider(),
		ExternalSubscriptionID: remote.ID,
		ExternalPlanID:         remote.PlanID,
		ExternalCustomerID:     remote.CustomerID,
		Tier:                   req.Tier,
		BillingCycle:           req.Cycle,
		Price:                  price,
		Status:                 types.StatusTrial,
		StartDate:              now,
		EndDate:                req.Cycle.AddTo(now),
		TrialEndDate:           types.TimePtr(now.Add(types.TrialLength)),
		AutoRenew:              true,
		Benefits:               s.benefits.BenefitsFor(req.Tier),
		Usage:                  types.Usage{TotalSavings: decimal.Zero, CashbackEarned: decimal.Zero, DeliveryFeesSaved: decimal.Zero},
		ProratedCredit:         decimal.Zero,
		GrandfatheredPrice:     decimal.Zero,
		Metadata: types.SubscriptionMetadata{
			Source:    source,
			Campaign:  req.Campaign,
			PromoCode: promoCode,
			Discount:  discount,
		},
	}

	if err := s.store.Create(ctx, sub); err != nil {
		// Lost a race with a concurrent subscribe; do not leave an orphaned
		// remote subscription behind.
		if types.HasCode(err, types.ErrCodeDuplicateSubscription) {
			if cerr := gw.Cancel(ctx, remote.ID, false); cerr != nil {
				s.logger.WarnContext(ctx, "failed to cancel orphaned gateway subscription",
					"user_id", req.UserID,
					"external_subscription_id", remote.ID,
					"error", cerr,
				)
			}
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription created",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"tier", sub.Tier,
		"billing_cycle", sub.BillingCycle,
		"provider", sub.Gateway,
	)
	s.rec.record(ctx, actorFrom(ctx, req.UserID), types.AuditActionSubscribed, types.EventSubscriptionCreated,
		nil, sub, map[string]any{"promo_code": promoCode})

	return &SubscribeResult{Subscription: sub, PaymentURL: remote.ShortURL}, nil
}

// Upgrade moves the controlling subscription to a higher tier immediately.
func (s *Service) Upgrade(ctx context.Context, userID string, newTier types.Tier) (*UpgradeResult, error) {
	if !newTier.Valid() {
		return nil, invalidTier(newTier)
	}
	cur, err := s.controlling(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !types.CanUpgrade(cur) || newTier.Rank() <= cur.Tier.Rank() {
		return nil, ineligible("cannot upgrade to a tier that is not higher than the current tier",
			map[string]any{"current_tier": string(cur.Tier), "new_tier": string(newTier)})
	}

	amount := s.proration.CalculateProratedAmount(cur.Tier, newTier, cur.EndDate, cur.BillingCycle)

	var planID string
	if cur.ExternalSubscriptionID != "" {
		gw, err := s.gateways.Gateway(cur.Gateway)
		if err != nil {
			return nil, err
		}
		if planID, err = gw.CreateOrGetPlan(ctx, newTier, cur.BillingCycle); err != nil {
			return nil, err
		}
		if err := gw.Update(ctx, cur.ExternalSubscriptionID, external.UpdateSubscriptionRequest{
			PlanID:           planID,
			ScheduleChangeAt: external.ScheduleNow,
		}); err != nil {
			s.logger.ErrorContext(ctx, "gateway plan change failed",
				"subscription_id", cur.ID,
				"user_id", userID,
				"error", err,
			)
			return nil, err
		}
	}

	now := s.clock.Now()
	updated, err := s.store.Update(ctx, cur.ID, func(sub *types.Subscription) error {
		if !sub.Status.Controlling() || newTier.Rank() <= sub.Tier.Rank() {
			return ineligible("subscription changed while upgrading", map[string]any{"subscription_id": sub.ID})
		}
		sub.PreviousTier = sub.Tier
		sub.Tier = newTier
		sub.Benefits = s.benefits.BenefitsFor(newTier)
		sub.Price = s.catalog.Price(newTier, sub.BillingCycle)
		sub.IsGrandfathered = false
		sub.GrandfatheredPrice = decimal.Zero
		sub.UpgradeDate = types.TimePtr(now)
		sub.ProratedCredit = amount.Neg()
		sub.DowngradeScheduledFor = nil
		sub.DowngradeTargetTier = ""
		if planID != "" {
			sub.ExternalPlanID = planID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription upgraded",
		"subscription_id", updated.ID,
		"user_id", userID,
		"from_tier", cur.Tier,
		"to_tier", newTier,
		"prorated_amount", amount.String(),
	)
	s.rec.record(ctx, actorFrom(ctx, userID), types.AuditActionUpgraded, types.EventSubscriptionUpgraded,
		cur, updated, map[string]any{"prorated_amount": amount.String()})

	return &UpgradeResult{Subscription: updated, ProratedAmount: amount}, nil
}

// Downgrade schedules a move to a lower tier at the end of the current period.
// The tier itself is unchanged until the scheduled job applies it.
func (s *Service) Downgrade(ctx context.Context, userID string, newTier types.Tier) (*DowngradeResult, error) {
	if !newTier.Valid() {
		return nil, invalidTier(newTier)
	}
	cur, err := s.controlling(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !types.CanDowngrade(cur) || newTier.Rank() >= cur.Tier.Rank() {
		return nil, ineligible("cannot downgrade to a tier that is not lower than the current tier",
			map[string]any{"current_tier": string(cur.Tier), "new_tier": string(newTier)})
	}

	credit := s.proration.DowngradeCredit(cur.Tier, newTier, cur.EndDate, cur.BillingCycle)

	updated, err := s.store.Update(ctx, cur.ID, func(sub *types.Subscription) error {
		if !sub.Status.Controlling() || newTier.Rank() >= sub.Tier.Rank() {
			return ineligible("subscription changed while downgrading", map[string]any{"subscription_id": sub.ID})
		}
		sub.DowngradeScheduledFor = types.TimePtr(sub.EndDate)
		sub.DowngradeTargetTier = newTier
		sub.ProratedCredit = credit
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "downgrade scheduled",
		"subscription_id", updated.ID,
		"user_id", userID,
		"target_tier", newTier,
		"effective", updated.EndDate,
	)
	s.rec.record(ctx, actorFrom(ctx, userID), types.AuditActionDowngradeScheduled, types.EventSubscriptionDowngradeScheduled,
		cur, updated, map[string]any{"target_tier": string(newTier), "credit": credit.String()})

	return &DowngradeResult{Subscription: updated, Credit: credit, EffectiveDate: updated.EndDate}, nil
}

// Cancel cancels the controlling subscription, either now or at period end.
func (s *Service) Cancel(ctx context.Context, userID, reason, feedback string, immediate bool) (*CancelResult, error) {
	cur, err := s.controlling(ctx, userID)
	if err != nil {
		return nil, err
	}

	if cur.ExternalSubscriptionID != "" {
		gw, err := s.gateways.Gateway(cur.Gateway)
		if err != nil {
			return nil, err
		}
		if err := gw.Cancel(ctx, cur.ExternalSubscriptionID, !immediate); err != nil {
			s.logger.ErrorContext(ctx, "gateway cancel failed",
				"subscription_id", cur.ID,
				"user_id", userID,
				"error", err,
			)
			return nil, err
		}
	}

	now := s.clock.Now()
	updated, err := s.store.Update(ctx, cur.ID, func(sub *types.Subscription) error {
		if !sub.Status.Controlling() {
			return ineligible("subscription is no longer active", map[string]any{"status": string(sub.Status)})
		}
		sub.Status = types.StatusCancelled
		sub.CancellationDate = types.TimePtr(now)
		sub.CancellationReason = reason
		sub.CancellationFeedback = feedback
		sub.AutoRenew = false
		sub.ReactivationEligibleUntil = types.TimePtr(now.Add(types.ReactivationWindow))
		if immediate && now.Before(sub.EndDate) && !now.Before(sub.StartDate) {
			sub.EndDate = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	accessUntil := updated.EndDate
	if immediate {
		accessUntil = now
	}

	s.logger.InfoContext(ctx, "subscription cancelled",
		"subscription_id", updated.ID,
		"user_id", userID,
		"immediate", immediate,
	)
	s.rec.record(ctx, actorFrom(ctx, userID), types.AuditActionCancelled, types.EventSubscriptionCancelled,
		cur, updated, map[string]any{"reason": reason, "immediate": immediate})

	return &CancelResult{
		Subscription:              updated,
		AccessUntil:               accessUntil,
		ReactivationEligibleUntil: *updated.ReactivationEligibleUntil,
	}, nil
}

// Renew reactivates the user's most recently ended subscription while it is
// still inside its reactivation window.
func (s *Service) Renew(ctx context.Context, userID string) (*types.Subscription, error) {
	prev, err := s.store.FindLatestEnded(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no cancelled subscription found", nil)
		}
		return nil, err
	}

	now := s.clock.Now()
	if !types.CanReactivate(prev, now) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeReactivationExpired,
			"reactivation period has expired; please subscribe again", nil,
			map[string]any{"subscription_id": prev.ID})
	}

	if _, err := s.store.FindControlling(ctx, userID); err == nil {
		return nil, types.NewAppError(types.ErrCodeDuplicateSubscription, "user already has an active subscription", nil)
	} else if !isNotFound(err) {
		return nil, err
	}

	if prev.ExternalSubscriptionID != "" {
		gw, err := s.gateways.Gateway(prev.Gateway)
		if err != nil {
			return nil, err
		}
		if err := s.resumeWithRetry(ctx, gw, prev); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.Update(ctx, prev.ID, func(sub *types.Subscription) error {
		if !sub.Status.Terminal() {
			return ineligible("subscription is not cancelled", map[string]any{"status": string(sub.Status)})
		}
		if !types.CanReactivate(sub, now) {
			return types.NewAppError(types.ErrCodeReactivationExpired, "reactivation period has expired; please subscribe again", nil)
		}
		base := sub.EndDate
		if now.After(base) {
			base = now
		}
		sub.Status = types.StatusActive
		sub.EndDate = sub.BillingCycle.AddTo(base)
		sub.AutoRenew = true
		sub.Benefits = s.benefits.BenefitsFor(sub.Tier)
		sub.CancellationDate = nil
		sub.CancellationReason = ""
		sub.CancellationFeedback = ""
		sub.ReactivationEligibleUntil = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription renewed",
		"subscription_id", updated.ID,
		"user_id", userID,
		"end_date", updated.EndDate,
	)
	s.rec.record(ctx, actorFrom(ctx, userID), types.AuditActionRenewed, types.EventSubscriptionRenewed, prev, updated, nil)
	return updated, nil
}

// ToggleAutoRenew sets autoRenew on the controlling subscription.
func (s *Service) ToggleAutoRenew(ctx context.Context, userID string, value bool) (*types.Subscription, error) {
	cur, err := s.controlling(ctx, userID)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.Update(ctx, cur.ID, func(sub *types.Subscription) error {
		sub.AutoRenew = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.rec.record(ctx, actorFrom(ctx, userID), types.AuditActionAutoRenewToggled, types.EventSubscriptionAutoRenewChanged,
		cur, updated, map[string]any{"auto_renew": value})
	return updated, nil
}

// RetryPayment nudges the gateway after a failed charge. If the remote
// subscription is halted it is resumed; the local status only changes when
// the resulting webhook arrives.
func (s *Service) RetryPayment(ctx context.Context, userID string) (*RetryPaymentResult, error) {
	subs, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var cur *types.Subscription
	for _, sub := range subs {
		if sub.Status == types.StatusGracePeriod || sub.Status == types.StatusPaymentFailed {
			cur = sub
			break
		}
	}
	if cur == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription with a failed payment found", nil)
	}
	if cur.ExternalSubscriptionID == "" {
		return nil, ineligible("subscription has no gateway subscription", map[string]any{"subscription_id": cur.ID})
	}

	gw, err := s.gateways.Gateway(cur.Gateway)
	if err != nil {
		return nil, err
	}
	remote, err := gw.Fetch(ctx, cur.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}

	res := &RetryPaymentResult{Subscription: cur, RemoteStatus: remote.Status}
	if remote.Status == external.RemoteStatusHalted {
		if err := s.resumeWithRetry(ctx, gw, cur); err != nil {
			return nil, err
		}
		res.Resumed = true
	}

	s.logger.InfoContext(ctx, "payment retry requested",
		"subscription_id", cur.ID,
		"user_id", userID,
		"remote_status", remote.Status,
		"resumed", res.Resumed,
	)
	s.rec.record(ctx, actorFrom(ctx, userID), types.AuditActionPaymentRetried, "", cur, cur,
		map[string]any{"remote_status": remote.Status, "resumed": res.Resumed})
	return res, nil
}

// resumeWithRetry calls Resume with exponential backoff. Only
// GatewayUnavailable is retried.
func (s *Service) resumeWithRetry(ctx context.Context, gw external.BillingGateway, sub *types.Subscription) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.resumeInitial
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := gw.Resume(ctx, sub.ExternalSubscriptionID)
		if err == nil {
			return nil
		}
		if !types.IsGatewayUnavailable(err) {
			return backoff.Permanent(err)
		}
		s.logger.WarnContext(ctx, "gateway resume failed",
			"subscription_id", sub.ID,
			"user_id", sub.UserID,
			"attempt", attempt,
			"error", err,
		)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.resumeAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}

// Current returns the controlling subscription, or a free-tier default.
func (s *Service) Current(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := s.store.FindControlling(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	return s.freeDefault(userID), nil
}

// freeDefault is the synthetic subscription of a user who never subscribed.
func (s *Service) freeDefault(userID string) *types.Subscription {
	now := s.clock.Now()
	return &types.Subscription{
		UserID:             userID,
		Tier:               types.TierFree,
		BillingCycle:       types.CycleMonthly,
		Price:              decimal.Zero,
		Status:             types.StatusActive,
		StartDate:          now,
		EndDate:            now,
		Benefits:           s.benefits.BenefitsFor(types.TierFree),
		Usage:              types.Usage{TotalSavings: decimal.Zero, CashbackEarned: decimal.Zero, DeliveryFeesSaved: decimal.Zero},
		ProratedCredit:     decimal.Zero,
		GrandfatheredPrice: decimal.Zero,
	}
}

// Usage summarizes the counters and ROI of the controlling subscription.
func (s *Service) Usage(ctx context.Context, userID string) (*UsageSummary, error) {
	sub, err := s.store.FindControlling(ctx, userID)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		free := s.freeDefault(userID)
		return &UsageSummary{Usage: free.Usage, ROI: s.benefits.ROI(free)}, nil
	}
	return &UsageSummary{
		Usage:         sub.Usage,
		ROI:           s.benefits.ROI(sub),
		DaysRemaining: types.RemainingDays(sub, s.clock.Now()),
		IsActive:      types.IsActive(sub),
	}, nil
}

// Benefits reports the benefits in force for the user.
func (s *Service) Benefits(ctx context.Context, userID string) (*BenefitsSummary, error) {
	sub, err := s.store.FindControlling(ctx, userID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	tier := types.TierFree
	if sub != nil {
		tier = sub.Tier
	}
	return &BenefitsSummary{
		Tier:       tier,
		Benefits:   s.benefits.BenefitsFor(tier),
		Multiplier: s.benefits.CashbackMultiplier(sub),
		IsActive:   types.IsActive(sub),
	}, nil
}

// ValidatePromo prices a tier/cycle under a promo code.
func (s *Service) ValidatePromo(code string, tier types.Tier, cycle types.BillingCycle) (billing.PromoResult, error) {
	if !tier.Paid() {
		return billing.PromoResult{}, invalidTier(tier)
	}
	if !cycle.Valid() {
		return billing.PromoResult{}, types.NewAppError(types.ErrCodeValidationInvalidCycle,
			fmt.Sprintf("invalid billing cycle %q", cycle), nil)
	}
	return s.promos.Validate(code, tier, cycle), nil
}
