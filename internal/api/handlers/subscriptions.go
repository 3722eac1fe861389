// Package handlers contains the HTTP handlers of the membership API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"membership/internal/billing"
	"membership/internal/core"
	"membership/internal/subscription"
	"membership/internal/types"
)

// SubscriptionService is the lifecycle surface used by the user routes.
type SubscriptionService interface {
	Subscribe(ctx context.Context, req subscription.SubscribeRequest) (*subscription.SubscribeResult, error)
	Upgrade(ctx context.Context, userID string, newTier types.Tier) (*subscription.UpgradeResult, error)
	Downgrade(ctx context.Context, userID string, newTier types.Tier) (*subscription.DowngradeResult, error)
	Cancel(ctx context.Context, userID, reason, feedback string, immediate bool) (*subscription.CancelResult, error)
	Renew(ctx context.Context, userID string) (*types.Subscription, error)
	ToggleAutoRenew(ctx context.Context, userID string, value bool) (*types.Subscription, error)
	RetryPayment(ctx context.Context, userID string) (*subscription.RetryPaymentResult, error)
	Current(ctx context.Context, userID string) (*types.Subscription, error)
	Usage(ctx context.Context, userID string) (*subscription.UsageSummary, error)
	Benefits(ctx context.Context, userID string) (*subscription.BenefitsSummary, error)
	ValidatePromo(code string, tier types.Tier, cycle types.BillingCycle) (billing.PromoResult, error)
	Catalog() billing.Catalog
	Resolver() *billing.BenefitsResolver
}

// SubscriptionHandler serves /subscriptions/*.
type SubscriptionHandler struct {
	svc       SubscriptionService
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(svc SubscriptionService, validator *core.Validator, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = core.NewValidator(logger)
	}
	return &SubscriptionHandler{svc: svc, validator: validator, logger: logger}
}

// RegisterRoutes mounts the public and authenticated subscription routes.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router, s *core.Server) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/tiers", h.Tiers)
		r.Get("/value-proposition/{tier}", h.ValueProposition)

		r.Group(func(r chi.Router) {
			r.Use(s.UserMiddleware()...)

			r.Get("/current", h.Current)
			r.Get("/benefits", h.Benefits)
			r.Get("/usage", h.Usage)
			r.Post("/subscribe", h.Subscribe)
			r.Post("/upgrade", h.Upgrade)
			r.Post("/downgrade", h.Downgrade)
			r.Post("/cancel", h.Cancel)
			r.Post("/renew", h.Renew)
			r.Patch("/auto-renew", h.ToggleAutoRenew)
			r.Post("/validate-promo", h.ValidatePromo)
			r.Post("/retry-payment", h.RetryPayment)
		})
	})
}

// --- request DTOs ---

type subscribeRequest struct {
	Tier          string `json:"tier" validate:"required,paid_tier"`
	BillingCycle  string `json:"billingCycle" validate:"required,billing_cycle"`
	PaymentMethod string `json:"paymentMethod" validate:"payment_method"`
	PromoCode     string `json:"promoCode" validate:"omitempty,max=32"`
	Source        string `json:"source" validate:"omitempty,max=32"`
	Campaign      string `json:"campaign" validate:"omitempty,max=64"`
}

type changeTierRequest struct {
	NewTier string `json:"newTier" validate:"required,tier"`
}

type cancelRequest struct {
	Reason            string `json:"reason" validate:"max=200"`
	Feedback          string `json:"feedback" validate:"max=2000"`
	CancelImmediately bool   `json:"cancelImmediately"`
}

type autoRenewRequest struct {
	AutoRenew *bool `json:"autoRenew" validate:"required"`
}

type validatePromoRequest struct {
	Code         string `json:"code" validate:"required,max=32"`
	Tier         string `json:"tier" validate:"required,paid_tier"`
	BillingCycle string `json:"billingCycle" validate:"required,billing_cycle"`
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *SubscriptionHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

// fail logs the error against the user and writes the error response.
// Client errors log at WARN, everything else at ERROR.
func (h *SubscriptionHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	actor, _ := types.GetActor(r.Context())
	attrs := []any{
		slog.String("op", op),
		slog.String("user_id", actor.ID),
		slog.String("request_id", types.GetRequestID(r.Context())),
		slog.String("error", err.Error()),
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		if id, ok := appErr.Details["subscription_id"].(string); ok {
			attrs = append(attrs, slog.String("subscription_id", id))
		}
		if appErr.HTTPStatus() < http.StatusInternalServerError {
			h.logger.WarnContext(r.Context(), "subscription request rejected", attrs...)
			core.Error(w, r, err)
			return
		}
	}
	h.logger.ErrorContext(r.Context(), "subscription request failed", attrs...)
	core.Error(w, r, err)
}

func userID(r *http.Request) string {
	actor, _ := types.GetActor(r.Context())
	return actor.ID
}

// --- public ---

// Tiers handles GET /subscriptions/tiers.
func (h *SubscriptionHandler) Tiers(w http.ResponseWriter, r *http.Request) {
	core.OK(w, r, http.StatusOK, h.svc.Catalog().Tiers(), "")
}

// ValueProposition handles GET /subscriptions/value-proposition/{tier}. The
// optional monthlySpend query parameter personalises the estimate.
func (h *SubscriptionHandler) ValueProposition(w http.ResponseWriter, r *http.Request) {
	tier := types.Tier(chi.URLParam(r, "tier"))
	if !tier.Valid() {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidTier, "invalid tier", nil))
		return
	}

	var spend *decimal.Decimal
	if raw := strings.TrimSpace(r.URL.Query().Get("monthlySpend")); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				"monthlySpend must be a non-negative number", err, map[string]any{"monthlySpend": raw}))
			return
		}
		spend = &d
	}

	core.OK(w, r, http.StatusOK, h.svc.Resolver().ValueProposition(tier, spend), "")
}

// --- authenticated reads ---

// Current handles GET /subscriptions/current.
func (h *SubscriptionHandler) Current(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Current(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, "current", err)
		return
	}
	core.OK(w, r, http.StatusOK, sub, "")
}

// Benefits handles GET /subscriptions/benefits.
func (h *SubscriptionHandler) Benefits(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Benefits(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, "benefits", err)
		return
	}
	core.OK(w, r, http.StatusOK, out, "")
}

// Usage handles GET /subscriptions/usage.
func (h *SubscriptionHandler) Usage(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Usage(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, "usage", err)
		return
	}
	core.OK(w, r, http.StatusOK, out, "")
}

// --- authenticated writes ---

// Subscribe handles POST /subscriptions/subscribe and returns 201 with the
// pending subscription and the provider checkout URL.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := types.GetActor(r.Context())

	out, err := h.svc.Subscribe(r.Context(), subscription.SubscribeRequest{
		UserID:        actor.ID,
		Email:         actor.Email,
		Phone:         actor.Phone,
		Tier:          types.Tier(req.Tier),
		Cycle:         types.BillingCycle(req.BillingCycle),
		PaymentMethod: req.PaymentMethod,
		PromoCode:     req.PromoCode,
		Source:        types.SubscriptionSource(req.Source),
		Campaign:      req.Campaign,
	})
	if err != nil {
		h.fail(w, r, "subscribe", err)
		return
	}
	core.OK(w, r, http.StatusCreated, out, "Subscription created successfully")
}

// Upgrade handles POST /subscriptions/upgrade.
func (h *SubscriptionHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	var req changeTierRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Upgrade(r.Context(), userID(r), types.Tier(req.NewTier))
	if err != nil {
		h.fail(w, r, "upgrade", err)
		return
	}
	core.OK(w, r, http.StatusOK, out, "Subscription upgraded to "+req.NewTier)
}

// Downgrade handles POST /subscriptions/downgrade. The change takes effect at
// the end of the current cycle.
func (h *SubscriptionHandler) Downgrade(w http.ResponseWriter, r *http.Request) {
	var req changeTierRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Downgrade(r.Context(), userID(r), types.Tier(req.NewTier))
	if err != nil {
		h.fail(w, r, "downgrade", err)
		return
	}
	core.OK(w, r, http.StatusOK, out, "Subscription downgrade scheduled for end of billing cycle")
}

// Cancel handles POST /subscriptions/cancel.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Cancel(r.Context(), userID(r), req.Reason, req.Feedback, req.CancelImmediately)
	if err != nil {
		h.fail(w, r, "cancel", err)
		return
	}
	core.OK(w, r, http.StatusOK, out, "Subscription cancelled")
}

// Renew handles POST /subscriptions/renew.
func (h *SubscriptionHandler) Renew(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Renew(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, "renew", err)
		return
	}
	core.OK(w, r, http.StatusOK, sub, "Subscription renewed")
}

// ToggleAutoRenew handles PATCH /subscriptions/auto-renew.
func (h *SubscriptionHandler) ToggleAutoRenew(w http.ResponseWriter, r *http.Request) {
	var req autoRenewRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.svc.ToggleAutoRenew(r.Context(), userID(r), *req.AutoRenew)
	if err != nil {
		h.fail(w, r, "auto_renew", err)
		return
	}
	core.OK(w, r, http.StatusOK, sub, "")
}

// ValidatePromo handles POST /subscriptions/validate-promo. An unknown or
// inapplicable code is a 200 with valid=false.
func (h *SubscriptionHandler) ValidatePromo(w http.ResponseWriter, r *http.Request) {
	var req validatePromoRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.ValidatePromo(req.Code, types.Tier(req.Tier), types.BillingCycle(req.BillingCycle))
	if err != nil {
		h.fail(w, r, "validate_promo", err)
		return
	}
	core.OK(w, r, http.StatusOK, res, "")
}

// RetryPayment handles POST /subscriptions/retry-payment.
func (h *SubscriptionHandler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.RetryPayment(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, "retry_payment", err)
		return
	}
	core.OK(w, r, http.StatusOK, out, "")
}
