package external

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"membership/internal/billing"
	"membership/internal/config"
	"membership/internal/types"
)

// GatewayRegistry holds one BillingGateway and one SignatureVerifier per
// provider and selects among them. In test/local mode it is populated with
// stubs; otherwise with real adapters for every provider whose credentials
// are set. Selecting an unconfigured provider fails with 503.
type GatewayRegistry struct {
	gateways  map[types.GatewayProvider]BillingGateway
	verifiers map[types.GatewayProvider]SignatureVerifier
	secrets   map[types.GatewayProvider]string
}

// RegistryEntry wires one provider into a registry.
type RegistryEntry struct {
	Gateway       BillingGateway
	Verifier      SignatureVerifier
	WebhookSecret string
}

// NewRegistry builds a registry from explicit entries. Used by tests and by
// NewGatewayRegistry.
func NewRegistry(entries ...RegistryEntry) *GatewayRegistry {
	r := &GatewayRegistry{
		gateways:  make(map[types.GatewayProvider]BillingGateway),
		verifiers: make(map[types.GatewayProvider]SignatureVerifier),
		secrets:   make(map[types.GatewayProvider]string),
	}
	for _, e := range entries {
		p := e.Gateway.Provider()
		r.gateways[p] = e.Gateway
		if e.Verifier != nil {
			r.verifiers[p] = e.Verifier
		}
		r.secrets[p] = e.WebhookSecret
	}
	return r
}

// NewGatewayRegistry initializes the provider adapters from configuration.
func NewGatewayRegistry(cfg *config.Config, catalog billing.Catalog, logger *slog.Logger) *GatewayRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	gw := cfg.Gateway

	if cfg.IsTestMode || cfg.Environment == "local" {
		logger.Info("initializing billing gateways in STUB mode",
			"is_test_mode", cfg.IsTestMode,
			"environment", cfg.Environment,
		)
		stubLogger := logger.With("mode", "stub")
		return NewRegistry(
			RegistryEntry{
				Gateway:       NewStubGateway(types.GatewayRazorpay, stubLogger, nil),
				Verifier:      localVerifier(&RazorpayVerifier{}, gw.RazorpayWebhookSecret, stubLogger),
				WebhookSecret: gw.RazorpayWebhookSecret.Unmask(),
			},
			RegistryEntry{
				Gateway:       NewStubGateway(types.GatewayStripe, stubLogger, nil),
				Verifier:      localVerifier(&StripeVerifier{}, gw.StripeWebhookSecret, stubLogger),
				WebhookSecret: gw.StripeWebhookSecret.Unmask(),
			},
		)
	}

	var entries []RegistryEntry
	if gw.RazorpayConfigured() {
		entries = append(entries, RegistryEntry{
			Gateway: NewRazorpayGateway(RazorpayConfig{
				KeyID:     gw.RazorpayKeyID,
				KeySecret: gw.RazorpayKeySecret.Unmask(),
				Timeout:   gw.Timeout,
				Logger:    logger.With("client", "razorpay"),
			}, catalog),
			Verifier:      &RazorpayVerifier{},
			WebhookSecret: gw.RazorpayWebhookSecret.Unmask(),
		})
	} else {
		logger.Warn("razorpay credentials not configured; razorpay operations will return 503")
	}

	if gw.StripeConfigured() {
		entries = append(entries, RegistryEntry{
			Gateway: NewStripeGateway(&http.Client{Timeout: gw.Timeout}, catalog, StripeConfig{
				SecretKey: gw.StripeSecretKey.Unmask(),
				Logger:    logger.With("client", "stripe"),
			}),
			Verifier:      &StripeVerifier{},
			WebhookSecret: gw.StripeWebhookSecret.Unmask(),
		})
	} else {
		logger.Warn("stripe credentials not configured; stripe operations will return 503")
	}

	return NewRegistry(entries...)
}

// localVerifier keeps signature checks on in local mode when a secret exists.
func localVerifier(real SignatureVerifier, secret types.SecretString, logger *slog.Logger) SignatureVerifier {
	if secret.IsSet() {
		return real
	}
	return NewStubVerifier(logger)
}

// Select picks the gateway for a new subscription: "stripe" selects Stripe,
// anything else (including empty) selects Razorpay.
func (r *GatewayRegistry) Select(paymentMethod string) (BillingGateway, error) {
	provider := types.GatewayRazorpay
	if strings.EqualFold(strings.TrimSpace(paymentMethod), string(types.GatewayStripe)) {
		provider = types.GatewayStripe
	}
	return r.Gateway(provider)
}

// Gateway returns the adapter for provider. Records created before the
// provider was stored carry an empty value and resolve to Razorpay.
func (r *GatewayRegistry) Gateway(provider types.GatewayProvider) (BillingGateway, error) {
	if provider == "" {
		provider = types.GatewayRazorpay
	}
	if g, ok := r.gateways[provider]; ok {
		return g, nil
	}
	return nil, types.NewAppErrorWithDetails(
		types.ErrCodeGatewayNotConfigured,
		fmt.Sprintf("billing gateway %q is not configured", provider),
		nil,
		map[string]any{"provider": string(provider)},
	)
}

// Verifier returns the webhook verifier and signing secret for provider.
func (r *GatewayRegistry) Verifier(provider types.GatewayProvider) (SignatureVerifier, string, error) {
	v, ok := r.verifiers[provider]
	if !ok {
		return nil, "", types.NewAppError(
			types.ErrCodeGatewayNotConfigured,
			fmt.Sprintf("webhooks for %q are not configured", provider),
			nil,
		)
	}
	return v, r.secrets[provider], nil
}

// Providers lists the configured providers.
func (r *GatewayRegistry) Providers() []types.GatewayProvider {
	out := make([]types.GatewayProvider, 0, len(r.gateways))
	for _, p := range []types.GatewayProvider{types.GatewayRazorpay, types.GatewayStripe} {
		if _, ok := r.gateways[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
