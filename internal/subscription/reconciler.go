package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"membership/internal/external"
	"membership/internal/types"
)

// DefaultWebhookMaxAge rejects envelopes created longer ago than this.
const DefaultWebhookMaxAge = 5 * time.Minute

// errNotApplicable aborts a store update when the event's precondition does
// not hold for the stored status.
var errNotApplicable = errors.New("event not applicable to current status")

// WebhookMetrics counts reconciled webhook deliveries.
type WebhookMetrics interface {
	WebhookEvent(ctx context.Context, provider types.GatewayProvider, event, result string)
}

// Outcome describes what a delivery did.
type Outcome struct {
	Result         string                   `json:"result"`
	Event          string                   `json:"event,omitempty"`
	SubscriptionID string                   `json:"subscriptionId,omitempty"`
	Status         types.SubscriptionStatus `json:"status,omitempty"`
}

// Reconciler applies verified gateway events to local subscriptions.
type Reconciler struct {
	store   Store
	events  EventLog
	rec     *recorder
	metrics WebhookMetrics
	clock   types.Clock
	logger  *slog.Logger
	maxAge  time.Duration
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithMaxAge overrides DefaultWebhookMaxAge. Zero disables the check.
func WithMaxAge(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.maxAge = d }
}

// WithWebhookMetrics attaches a metrics sink.
func WithWebhookMetrics(m WebhookMetrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler wires the reconciler. publisher and audit may be nil.
func NewReconciler(
	store Store,
	events EventLog,
	publisher Publisher,
	audit AuditLogger,
	clock types.Clock,
	logger *slog.Logger,
	opts ...ReconcilerOption,
) *Reconciler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:  store,
		events: events,
		clock:  clock,
		logger: logger,
		maxAge: DefaultWebhookMaxAge,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.rec = &recorder{audit: audit, publisher: publisher, clock: clock, logger: logger}
	return r
}

// Handle reconciles one delivery. A returned error means the provider should
// retry (5xx) unless it is a validation AppError.
func (r *Reconciler) Handle(ctx context.Context, ev *external.WebhookEvent) (Outcome, error) {
	out, err := r.handle(ctx, ev)
	if r.metrics != nil {
		result := out.Result
		if err != nil && result == "" {
			result = types.WebhookResultFailed
		}
		r.metrics.WebhookEvent(ctx, ev.Provider, ev.Type, result)
	}
	return out, err
}

func (r *Reconciler) handle(ctx context.Context, ev *external.WebhookEvent) (Outcome, error) {
	now := r.clock.Now()
	logger := r.logger.With(
		"provider", ev.Provider,
		"event_id", ev.ID,
		"event_type", ev.Type,
		"external_subscription_id", ev.ExternalSubscriptionID,
	)

	// The age limit applies only to events the log has never seen.
	seen, err := r.events.Lookup(ctx, ev.Provider, ev.ID)
	if err != nil {
		return Outcome{}, err
	}
	if seen == types.WebhookEventProcessed {
		logger.InfoContext(ctx, "duplicate webhook delivery acknowledged")
		return Outcome{Result: types.WebhookResultDuplicate, Event: ev.Event}, nil
	}

	if seen == "" && r.maxAge > 0 && !ev.CreatedAt.IsZero() && now.Sub(ev.CreatedAt) > r.maxAge {
		logger.WarnContext(ctx, "rejecting stale webhook", "created_at", ev.CreatedAt)
		return Outcome{}, types.NewAppErrorWithDetails(types.ErrCodeWebhookStale,
			"webhook event is too old", nil, map[string]any{"created_at": ev.CreatedAt})
	}

	if ev.Event == "" {
		logger.InfoContext(ctx, "ignoring unhandled webhook event")
		return Outcome{Result: types.WebhookResultIgnored}, nil
	}

	claimed, err := r.events.Claim(ctx, ev.Provider, ev.ID, ev.Type)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		logger.InfoContext(ctx, "duplicate webhook delivery acknowledged")
		return Outcome{Result: types.WebhookResultDuplicate, Event: ev.Event}, nil
	}

	out, err := r.apply(ctx, logger, ev, now)
	if err != nil {
		if ferr := r.events.Fail(ctx, ev.Provider, ev.ID, err); ferr != nil {
			logger.ErrorContext(ctx, "failed to record webhook failure", "error", ferr)
		}
		return Outcome{}, err
	}
	if cerr := r.events.Complete(ctx, ev.Provider, ev.ID, out.Result); cerr != nil {
		// The transition is committed; a redelivery would be a no-op anyway.
		logger.WarnContext(ctx, "failed to mark webhook processed", "error", cerr)
	}
	return out, nil
}

func (r *Reconciler) apply(ctx context.Context, logger *slog.Logger, ev *external.WebhookEvent, now time.Time) (Outcome, error) {
	before, err := r.store.FindByExternalID(ctx, ev.ExternalSubscriptionID)
	if err != nil {
		if isNotFound(err) {
			logger.WarnContext(ctx, "webhook for unknown subscription")
			return Outcome{Result: types.WebhookResultUnknown, Event: ev.Event}, nil
		}
		return Outcome{}, fmt.Errorf("loading subscription: %w", err)
	}

	if ev.Event == external.EventPaused {
		logger.InfoContext(ctx, "gateway paused subscription",
			"subscription_id", before.ID,
			"user_id", before.UserID,
			"status", before.Status,
		)
	}

	updated, err := r.store.Update(ctx, before.ID, func(s *types.Subscription) error {
		before = s.Clone()
		return Transition(s, ev, now)
	})
	switch {
	case errors.Is(err, errNotApplicable):
		logger.InfoContext(ctx, "webhook not applicable to current status",
			"subscription_id", before.ID,
			"user_id", before.UserID,
			"status", before.Status,
		)
		return Outcome{Result: types.WebhookResultNoop, Event: ev.Event, SubscriptionID: before.ID, Status: before.Status}, nil
	case types.HasCode(err, types.ErrCodeDuplicateSubscription):
		// Resuming an ended subscription while the user already holds
		// another controlling one.
		logger.WarnContext(ctx, "webhook would create a second active subscription",
			"subscription_id", before.ID,
			"user_id", before.UserID,
		)
		return Outcome{Result: types.WebhookResultNoop, Event: ev.Event, SubscriptionID: before.ID, Status: before.Status}, nil
	case err != nil:
		logger.ErrorContext(ctx, "webhook transition failed",
			"subscription_id", before.ID,
			"user_id", before.UserID,
			"error", err,
		)
		return Outcome{}, err
	}

	logger.InfoContext(ctx, "webhook applied",
		"subscription_id", updated.ID,
		"user_id", updated.UserID,
		"from_status", before.Status,
		"to_status", updated.Status,
	)
	r.rec.record(ctx,
		types.Actor{ID: string(ev.Provider), Type: types.ActorTypeGateway},
		types.AuditActionWebhookPrefix+ev.Event,
		types.GatewayLifecycleEvent(ev.Event),
		before, updated,
		map[string]any{"provider": string(ev.Provider), "event_id": ev.ID},
	)
	return Outcome{Result: types.WebhookResultApplied, Event: ev.Event, SubscriptionID: updated.ID, Status: updated.Status}, nil
}

// Transition applies a reconciled event to s in place. It returns
// errNotApplicable, leaving s untouched, when the stored status does not
// satisfy the event's precondition or the event would change nothing.
func Transition(s *types.Subscription, ev *external.WebhookEvent, now time.Time) error {
	switch ev.Event {
	case external.EventActivated:
		if s.Status != types.StatusTrial {
			return errNotApplicable
		}
		s.Status = types.StatusActive
		start, end := s.StartDate, s.EndDate
		if ev.CurrentStart != nil {
			start = *ev.CurrentStart
		}
		if ev.CurrentEnd != nil {
			end = *ev.CurrentEnd
		}
		if !start.After(end) {
			s.StartDate, s.EndDate = start, end
		}
		return nil

	case external.EventCharged:
		switch s.Status {
		case types.StatusTrial, types.StatusActive, types.StatusGracePeriod, types.StatusPaymentFailed:
		default:
			return errNotApplicable
		}
		if s.Status == types.StatusActive && s.GracePeriodStartDate == nil &&
			s.PaymentRetryCount == 0 && s.LastPaymentRetryDate == nil && now.Before(s.EndDate) {
			return errNotApplicable
		}
		s.Status = types.StatusActive
		s.GracePeriodStartDate = nil
		s.PaymentRetryCount = 0
		s.LastPaymentRetryDate = nil
		for !now.Before(s.EndDate) {
			s.EndDate = s.BillingCycle.AddTo(s.EndDate)
		}
		return nil

	case external.EventCancelled:
		if s.Status.Terminal() {
			return errNotApplicable
		}
		s.Status = types.StatusCancelled
		s.CancellationDate = types.TimePtr(now)
		s.AutoRenew = false
		s.ReactivationEligibleUntil = types.TimePtr(now.Add(types.ReactivationWindow))
		return nil

	case external.EventCompleted:
		if s.Status.Terminal() {
			return errNotApplicable
		}
		s.Status = types.StatusExpired
		s.AutoRenew = false
		return nil

	case external.EventResumed:
		if s.Status == types.StatusActive && s.CancellationDate == nil && s.ReactivationEligibleUntil == nil {
			return errNotApplicable
		}
		s.Status = types.StatusActive
		s.CancellationDate = nil
		s.CancellationReason = ""
		s.CancellationFeedback = ""
		s.ReactivationEligibleUntil = nil
		return nil

	case external.EventPending:
		if s.Status != types.StatusActive && s.Status != types.StatusTrial {
			return errNotApplicable
		}
		s.Status = types.StatusGracePeriod
		s.GracePeriodStartDate = types.TimePtr(now)
		s.PaymentRetryCount++
		s.LastPaymentRetryDate = types.TimePtr(now)
		return nil

	case external.EventHalted:
		if s.Status != types.StatusGracePeriod {
			return errNotApplicable
		}
		s.Status = types.StatusPaymentFailed
		return nil

	default:
		// paused and anything unrecognized: log only.
		return errNotApplicable
	}
}
