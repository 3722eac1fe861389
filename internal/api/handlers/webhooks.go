package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"membership/internal/core"
	"membership/internal/external"
	"membership/internal/subscription"
	"membership/internal/types"
)

// maxWebhookBodySize caps gateway payloads.
const maxWebhookBodySize = 65536

// VerifierSource resolves the signature verifier and secret per provider.
type VerifierSource interface {
	Verifier(provider types.GatewayProvider) (external.SignatureVerifier, string, error)
}

// WebhookReconciler applies verified events.
type WebhookReconciler interface {
	Handle(ctx context.Context, ev *external.WebhookEvent) (subscription.Outcome, error)
}

// WebhookHandler receives signed gateway callbacks. The routes are public;
// authenticity comes from the provider signature only.
type WebhookHandler struct {
	verifiers  VerifierSource
	reconciler WebhookReconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(verifiers VerifierSource, reconciler WebhookReconciler, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{verifiers: verifiers, reconciler: reconciler, logger: logger}
}

// RegisterRoutes mounts the webhook endpoints.
func (h *WebhookHandler) RegisterRoutes(r chi.Router, _ *core.Server) {
	r.Post("/subscriptions/webhook", h.HandleRazorpay)
	r.Post("/subscriptions/webhook/stripe", h.HandleStripe)
}

// HandleRazorpay handles POST /subscriptions/webhook.
func (h *WebhookHandler) HandleRazorpay(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.GatewayRazorpay, r.Header.Get("X-Razorpay-Signature"), func(body []byte) (*external.WebhookEvent, error) {
		return external.ParseRazorpayWebhook(body, r.Header.Get("X-Razorpay-Event-Id"))
	})
}

// HandleStripe handles POST /subscriptions/webhook/stripe.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.GatewayStripe, r.Header.Get("Stripe-Signature"), external.ParseStripeWebhook)
}

func (h *WebhookHandler) handle(
	w http.ResponseWriter,
	r *http.Request,
	provider types.GatewayProvider,
	signature string,
	parse func([]byte) (*external.WebhookEvent, error),
) {
	ctx := r.Context()
	logger := h.logger.With("provider", provider, "request_id", types.GetRequestID(ctx))

	verifier, secret, err := h.verifiers.Verifier(provider)
	if err != nil {
		logger.ErrorContext(ctx, "webhook received for unconfigured provider")
		core.Error(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			logger.WarnContext(ctx, "webhook payload too large", "limit", maxErr.Limit)
			core.Error(w, r, types.NewAppError(types.ErrCodeWebhookMalformed, "payload too large", err))
			return
		}
		logger.ErrorContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookMalformed, "failed to read request body", err))
		return
	}

	// Nothing is parsed or persisted before the signature checks out.
	if signature == "" {
		logger.WarnContext(ctx, "webhook missing signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeSignatureInvalid, "missing webhook signature", nil))
		return
	}
	if err := verifier.Verify(body, signature, secret); err != nil {
		logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeSignatureInvalid, "invalid webhook signature", err))
		return
	}

	ev, err := parse(body)
	if err != nil {
		logger.WarnContext(ctx, "malformed webhook payload", "error", err)
		core.Error(w, r, err)
		return
	}

	out, err := h.reconciler.Handle(ctx, ev)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.HTTPStatus() < http.StatusInternalServerError {
			logger.WarnContext(ctx, "webhook rejected", "event_id", ev.ID, "error", err)
		} else {
			logger.ErrorContext(ctx, "webhook processing failed", "event_id", ev.ID, "error", err)
		}
		core.Error(w, r, err)
		return
	}

	core.OK(w, r, http.StatusOK, out, "")
}
