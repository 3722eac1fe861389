package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"membership/internal/config"
	"membership/internal/core"
	"membership/internal/db"
	"membership/internal/external"
	"membership/internal/subscription"
	"membership/internal/types"
)

const testWebhookSecret = "whsec_test"

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testAPI struct {
	clock   *types.FixedClock
	store   *db.MemorySubscriptionStore
	events  *db.MemoryWebhookEventStore
	gateway *external.StubGateway
	handler http.Handler
}

// newTestAPI mounts both handlers on a real server. Bearer tokens of the form
// "user:<id>" authenticate as <id>.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := discardLogger()
	clock := &types.FixedClock{T: testNow}

	gw := external.NewStubGateway(types.GatewayRazorpay, logger, clock)
	registry := external.NewRegistry(external.RegistryEntry{
		Gateway:       gw,
		Verifier:      &external.RazorpayVerifier{},
		WebhookSecret: testWebhookSecret,
	})

	api := &testAPI{
		clock:   clock,
		store:   db.NewMemorySubscriptionStore(clock),
		events:  db.NewMemoryWebhookEventStore(),
		gateway: gw,
	}
	svc := subscription.NewService(api.store, registry, nil, nil, clock, logger)
	rec := subscription.NewReconciler(api.store, api.events, nil, nil, clock, logger)

	srv, err := core.NewServer(&config.Config{Environment: "local"}, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Authenticator = &core.MockAuthenticator{
		ResolveTokenFunc: func(_ context.Context, token string) (*types.Actor, error) {
			id, ok := strings.CutPrefix(token, "user:")
			if !ok {
				return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token", nil)
			}
			return &types.Actor{ID: id, Type: types.ActorTypeUser, Email: id + "@example.com"}, nil
		},
	}
	subs := NewSubscriptionHandler(svc, srv.Validator, logger)
	hooks := NewWebhookHandler(registry, rec, logger)
	srv.RouteRegistrars = []core.RouteRegistrar{subs.RegisterRoutes, hooks.RegisterRoutes}
	srv.MountRoutes()
	api.handler = srv.Handler()
	return api
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("Authorization", "Bearer user:"+user)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

// envelope decodes the success envelope into data.
func envelope(t *testing.T, rec *httptest.ResponseRecorder, data any) string {
	t.Helper()
	var body struct {
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode envelope %q: %v", rec.Body.String(), err)
	}
	if data != nil {
		if err := json.Unmarshal(body.Data, data); err != nil {
			t.Fatalf("decode data %s: %v", body.Data, err)
		}
	}
	return body.Message
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

// routeOnly mounts a single registrar without the server chassis.
func routeOnly(register core.RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	register(r, nil)
	return r
}
