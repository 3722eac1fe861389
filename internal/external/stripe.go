package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"membership/internal/billing"
	"membership/internal/types"

	gocache "github.com/patrickmn/go-cache"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"golang.org/x/sync/singleflight"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// StripeConfig holds the configuration for creating a StripeGateway.
type StripeConfig struct {
	SecretKey string
	BaseURL   string // override for tests
	Logger    *slog.Logger
}

// StripeGateway implements BillingGateway with direct calls to the Stripe
// REST API through BaseClient. Prices are addressed by lookup key so the
// catalog stays the source of truth for amounts.
type StripeGateway struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	catalog   billing.Catalog
	logger    *slog.Logger

	priceCache *gocache.Cache
	priceGroup singleflight.Group
}

// NewStripeGateway creates a StripeGateway. httpClient carries the per-call timeout.
func NewStripeGateway(httpClient *http.Client, catalog billing.Catalog, cfg StripeConfig) *StripeGateway {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Membership/1.0",
	)
	return NewStripeGatewayWithBase(base, catalog, cfg)
}

// NewStripeGatewayWithBase creates a StripeGateway on a pre-configured BaseClient.
func NewStripeGatewayWithBase(base *BaseClient, catalog billing.Catalog, cfg StripeConfig) *StripeGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeGateway{
		base:       base,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		catalog:    catalog,
		logger:     logger,
		priceCache: gocache.New(6*time.Hour, time.Hour),
	}
}

// Provider identifies the adapter.
func (s *StripeGateway) Provider() types.GatewayProvider { return types.GatewayStripe }

// stripeLookupKey names the recurring price for tier/cycle.
func stripeLookupKey(tier types.Tier, cycle types.BillingCycle) string {
	return fmt.Sprintf("membership_%s_%s", tier, cycle)
}

// CreateOrGetPlan returns the price ID for tier/cycle, creating the price
// (with an inline product) on first use.
func (s *StripeGateway) CreateOrGetPlan(ctx context.Context, tier types.Tier, cycle types.BillingCycle) (string, error) {
	if !tier.Paid() {
		return "", types.NewAppError(types.ErrCodeValidationInvalidTier, "cannot create a billing plan for the free tier", nil)
	}
	key := stripeLookupKey(tier, cycle)
	if id, ok := s.priceCache.Get(key); ok {
		return id.(string), nil
	}

	v, err, _ := s.priceGroup.Do(key, func() (interface{}, error) {
		q := url.Values{}
		q.Add("lookup_keys[]", key)
		q.Set("active", "true")

		var list stripePriceList
		if err := s.doJSON(ctx, http.MethodGet, "/v1/prices", q, "", "CreateOrGetPlan.list", &list); err != nil {
			return "", err
		}
		if len(list.Data) > 0 {
			return list.Data[0].ID, nil
		}

		interval := "month"
		if cycle == types.CycleYearly {
			interval = "year"
		}
		amount := s.catalog.Price(tier, cycle).Mul(paisePerRupee).IntPart()

		p := url.Values{}
		p.Set("currency", "inr")
		p.Set("unit_amount", strconv.FormatInt(amount, 10))
		p.Set("recurring[interval]", interval)
		p.Set("lookup_key", key)
		p.Set("product_data[name]", fmt.Sprintf("%s %s", tierLabel(tier), cycle))
		p.Set("metadata[tier]", string(tier))
		p.Set("metadata[billing_cycle]", string(cycle))

		var price stripePrice
		if err := s.doJSON(ctx, http.MethodPost, "/v1/prices", p, "price:"+key, "CreateOrGetPlan.create", &price); err != nil {
			return "", err
		}
		return price.ID, nil
	})
	if err != nil {
		return "", err
	}

	id := v.(string)
	s.priceCache.SetDefault(key, id)
	return id, nil
}

// CreateCustomer searches by user_id metadata before creating, so retries do
// not produce duplicate customers.
func (s *StripeGateway) CreateCustomer(ctx context.Context, userID, email, phone string) (string, error) {
	q := url.Values{}
	q.Set("query", fmt.Sprintf("metadata['user_id']:'%s'", userID))

	var found stripeCustomerList
	if err := s.doJSON(ctx, http.MethodGet, "/v1/customers/search", q, "", "CreateCustomer.search", &found); err != nil {
		return "", err
	}
	if len(found.Data) > 0 {
		return found.Data[0].ID, nil
	}

	if email == "" {
		email = fmt.Sprintf("user%s@membership.local", userID)
	}
	p := url.Values{}
	p.Set("email", email)
	if phone != "" {
		p.Set("phone", phone)
	}
	p.Set("metadata[user_id]", userID)

	var customer stripeCustomer
	if err := s.doJSON(ctx, http.MethodPost, "/v1/customers", p, "customer:"+userID, "CreateCustomer.create", &customer); err != nil {
		return "", err
	}
	return customer.ID, nil
}

// CreateSubscription starts a trialing subscription. The hosted invoice URL
// of the first invoice stands in for a payment link.
func (s *StripeGateway) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*GatewaySubscription, error) {
	priceID := req.PlanID
	if priceID == "" {
		var err error
		if priceID, err = s.CreateOrGetPlan(ctx, req.Tier, req.Cycle); err != nil {
			return nil, err
		}
	}
	customerID := req.CustomerID
	if customerID == "" {
		var err error
		if customerID, err = s.CreateCustomer(ctx, req.UserID, req.Email, req.Phone); err != nil {
			return nil, err
		}
	}

	p := url.Values{}
	p.Set("customer", customerID)
	p.Set("items[0][price]", priceID)
	p.Set("trial_period_days", strconv.Itoa(int(types.TrialLength/(24*time.Hour))))
	p.Set("payment_behavior", "default_incomplete")
	p.Add("expand[]", "latest_invoice")
	p.Set("metadata[user_id]", req.UserID)
	p.Set("metadata[tier]", string(req.Tier))
	p.Set("metadata[billing_cycle]", string(req.Cycle))

	var sub stripeSubscription
	if err := s.doJSON(ctx, http.MethodPost, "/v1/subscriptions", p, req.IdempotencyKey, "CreateSubscription", &sub); err != nil {
		return nil, err
	}
	out := mapStripeSubscription(&sub)
	if out.PlanID == "" {
		out.PlanID = priceID
	}
	return out, nil
}

// Cancel either schedules cancellation at period end or deletes the
// subscription immediately.
func (s *StripeGateway) Cancel(ctx context.Context, subscriptionID string, atCycleEnd bool) error {
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID)
	if atCycleEnd {
		p := url.Values{}
		p.Set("cancel_at_period_end", "true")
		return s.doJSON(ctx, http.MethodPost, path, p, "", "Cancel", nil)
	}
	return s.doJSON(ctx, http.MethodDelete, path, nil, "", "Cancel", nil)
}

// Pause voids invoices while paused.
func (s *StripeGateway) Pause(ctx context.Context, subscriptionID string) error {
	p := url.Values{}
	p.Set("pause_collection[behavior]", "void")
	return s.doJSON(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(subscriptionID), p, "", "Pause", nil)
}

// Resume clears pause_collection.
func (s *StripeGateway) Resume(ctx context.Context, subscriptionID string) error {
	p := url.Values{}
	p.Set("pause_collection", "")
	return s.doJSON(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(subscriptionID), p, "", "Resume", nil)
}

// Update swaps the price on the subscription's single item. A cycle_end
// change is applied without proration; an immediate change invoices the
// difference at once.
func (s *StripeGateway) Update(ctx context.Context, subscriptionID string, req UpdateSubscriptionRequest) error {
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID)

	var current stripeSubscription
	if err := s.doJSON(ctx, http.MethodGet, path, nil, "", "Update.fetch", &current); err != nil {
		return err
	}
	if len(current.Items.Data) == 0 {
		return gatewayUnavailable(types.GatewayStripe, "Update", fmt.Errorf("subscription %s has no items", subscriptionID))
	}

	p := url.Values{}
	p.Set("items[0][id]", current.Items.Data[0].ID)
	p.Set("items[0][price]", req.PlanID)
	if req.ScheduleChangeAt == ScheduleCycleEnd {
		p.Set("proration_behavior", "none")
	} else {
		p.Set("proration_behavior", "always_invoice")
	}
	return s.doJSON(ctx, http.MethodPost, path, p, "", "Update", nil)
}

// Fetch returns the remote snapshot with the status normalized to the
// Razorpay vocabulary the lifecycle service acts on.
func (s *StripeGateway) Fetch(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	var sub stripeSubscription
	if err := s.doJSON(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, "", "Fetch", &sub); err != nil {
		return nil, err
	}
	return mapStripeSubscription(&sub), nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doJSON sends one request and decodes a 2xx body into out (when non-nil).
// GET and DELETE carry params in the query string; POST sends them form-encoded.
func (s *StripeGateway) doJSON(
	ctx context.Context,
	method, path string,
	params url.Values,
	idempotencyKey string,
	operation string,
	out any,
) error {
	reqURL := s.baseURL + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(params.Encode())
	} else if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return gatewayUnavailable(types.GatewayStripe, operation, err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
	}
	s.setAuthHeaders(req)

	resp, err := s.base.Do(req)
	if err != nil {
		s.logger.ErrorContext(ctx, "stripe request failed", "operation", operation, "error", err)
		if types.IsGatewayUnavailable(err) {
			return err
		}
		return gatewayUnavailable(types.GatewayStripe, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return s.handleErrorResponse(resp, operation)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return gatewayUnavailable(types.GatewayStripe, operation, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (s *StripeGateway) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

type stripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

// handleErrorResponse folds a Stripe error body into GatewayUnavailable,
// keeping the upstream code for logs.
func (s *StripeGateway) handleErrorResponse(resp *http.Response, operation string) error {
	details := map[string]any{
		"provider":        string(types.GatewayStripe),
		"operation":       operation,
		"upstream_status": resp.StatusCode,
	}
	msg := fmt.Sprintf("stripe %s returned %d", operation, resp.StatusCode)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var se stripeErrorResponse
	if json.Unmarshal(body, &se) == nil && se.Error.Message != "" {
		msg = fmt.Sprintf("stripe %s: %s", operation, se.Error.Message)
		details["stripe_code"] = se.Error.Code
		if se.Error.DeclineCode != "" {
			details["decline_code"] = se.Error.DeclineCode
		}
	}
	s.logger.Warn("stripe returned error", "operation", operation, "status", resp.StatusCode, "stripe_code", details["stripe_code"])
	return types.NewAppErrorWithDetails(types.ErrCodeGatewayUnavailable, msg, nil, details)
}

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

type stripePrice struct {
	ID        string `json:"id"`
	LookupKey string `json:"lookup_key"`
}

type stripePriceList struct {
	Data []stripePrice `json:"data"`
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCustomerList struct {
	Data []stripeCustomer `json:"data"`
}

type stripeSubscriptionItem struct {
	ID                 string      `json:"id"`
	Price              stripePrice `json:"price"`
	CurrentPeriodStart int64       `json:"current_period_start"`
	CurrentPeriodEnd   int64       `json:"current_period_end"`
}

type stripeInvoiceRef struct {
	ID               string `json:"id"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	StartDate          int64  `json:"start_date"`
	EndedAt            int64  `json:"ended_at"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
	LatestInvoice json.RawMessage `json:"latest_invoice"`
}

// mapStripeSubscription converts a Stripe subscription to the neutral
// snapshot. Newer API versions report periods on the item rather than the
// subscription; both are read.
func mapStripeSubscription(sub *stripeSubscription) *GatewaySubscription {
	out := &GatewaySubscription{
		ID:         sub.ID,
		CustomerID: sub.Customer,
		Status:     normalizeStripeStatus(sub.Status),
		StartAt:    unixPtr(sub.StartDate),
		EndAt:      unixPtr(sub.EndedAt),
	}

	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.PlanID = item.Price.ID
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	out.CurrentStart = unixPtr(start)
	out.CurrentEnd = unixPtr(end)

	// latest_invoice is an ID string unless expanded.
	if len(sub.LatestInvoice) > 0 && sub.LatestInvoice[0] == '{' {
		var inv stripeInvoiceRef
		if json.Unmarshal(sub.LatestInvoice, &inv) == nil {
			out.ShortURL = inv.HostedInvoiceURL
		}
	}
	return out
}

func normalizeStripeStatus(status string) string {
	switch status {
	case "unpaid":
		return RemoteStatusHalted
	case "past_due":
		return "pending"
	case "canceled", "incomplete_expired":
		return "cancelled"
	case "trialing":
		return "authenticated"
	default:
		return status
	}
}

// ---------------------------------------------------------------------------
// Webhook verification
// ---------------------------------------------------------------------------

// StripeVerifier checks the Stripe-Signature header with stripe-go, which
// also enforces the timestamp tolerance.
type StripeVerifier struct{}

func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

var (
	_ BillingGateway    = (*StripeGateway)(nil)
	_ SignatureVerifier = (*StripeVerifier)(nil)
)
