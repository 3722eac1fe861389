package external

import (
	"context"
	"testing"

	"membership/internal/billing"
	"membership/internal/config"
	"membership/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayRegistry_StubModeServesBothProviders(t *testing.T) {
	cfg := &config.Config{Environment: "local"}
	reg := NewGatewayRegistry(cfg, billing.NewStaticCatalog(), nil)

	g, err := reg.Select("")
	require.NoError(t, err)
	assert.Equal(t, types.GatewayRazorpay, g.Provider())
	_, isStub := g.(*StubGateway)
	assert.True(t, isStub)

	g, err = reg.Select("Stripe")
	require.NoError(t, err)
	assert.Equal(t, types.GatewayStripe, g.Provider())

	// No secret configured: stub verifier accepts.
	v, _, err := reg.Verifier(types.GatewayRazorpay)
	require.NoError(t, err)
	assert.NoError(t, v.Verify([]byte("{}"), "", ""))
}

func TestGatewayRegistry_StubModeKeepsRealVerifierWithSecret(t *testing.T) {
	cfg := &config.Config{Environment: "local"}
	cfg.Gateway.RazorpayWebhookSecret = "whsec_local"
	reg := NewGatewayRegistry(cfg, billing.NewStaticCatalog(), nil)

	v, secret, err := reg.Verifier(types.GatewayRazorpay)
	require.NoError(t, err)
	assert.Equal(t, "whsec_local", secret)
	assert.Error(t, v.Verify([]byte("{}"), "bad", secret))
}

func TestGatewayRegistry_UnconfiguredProviderIs503(t *testing.T) {
	cfg := &config.Config{Environment: "prod"}
	cfg.Gateway.RazorpayKeyID = "your_razorpay_key_id"
	cfg.Gateway.RazorpayKeySecret = "your_razorpay_secret"
	cfg.Gateway.StripeSecretKey = "sk_test_real"
	reg := NewGatewayRegistry(cfg, billing.NewStaticCatalog(), nil)

	_, err := reg.Select("upi")
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeGatewayNotConfigured))
	assert.Equal(t, 503, types.ErrCodeGatewayNotConfigured.HTTPStatus())

	g, err := reg.Select("stripe")
	require.NoError(t, err)
	_, isStripe := g.(*StripeGateway)
	assert.True(t, isStripe)

	assert.Equal(t, []types.GatewayProvider{types.GatewayStripe}, reg.Providers())
}

func TestGatewayRegistry_EmptyProviderResolvesToRazorpay(t *testing.T) {
	stub := NewStubGateway(types.GatewayRazorpay, nil, nil)
	reg := NewRegistry(RegistryEntry{Gateway: stub, Verifier: &RazorpayVerifier{}, WebhookSecret: "s"})

	g, err := reg.Gateway("")
	require.NoError(t, err)
	assert.Same(t, stub, g)

	_, _, err = reg.Verifier(types.GatewayStripe)
	assert.True(t, types.HasCode(err, types.ErrCodeGatewayNotConfigured))
}

func TestStubGateway_TracksRemoteStatus(t *testing.T) {
	ctx := context.Background()
	stub := NewStubGateway(types.GatewayRazorpay, nil, nil)

	sub, err := stub.CreateSubscription(ctx, CreateSubscriptionRequest{UserID: "u1", Tier: types.TierPremium, Cycle: types.CycleMonthly})
	require.NoError(t, err)
	assert.Contains(t, sub.ShortURL, sub.ID)

	stub.SetStatus(sub.ID, RemoteStatusHalted)
	snap, err := stub.Fetch(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RemoteStatusHalted, snap.Status)

	require.NoError(t, stub.Resume(ctx, sub.ID))
	snap, _ = stub.Fetch(ctx, sub.ID)
	assert.Equal(t, RemoteStatusActive, snap.Status)
}
