// Package external adapts the recurring-billing providers (Razorpay, Stripe)
// to the BillingGateway contract. Every provider failure surfaces as
// ErrCodeGatewayUnavailable.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"membership/internal/types"
)

// RetryPolicy bounds the retries of one gateway REST call.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// BaseClient sends gateway REST calls through a circuit breaker and retries
// 429 and 5xx responses with exponential backoff.
type BaseClient struct {
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	retry     RetryPolicy
	userAgent string
	sleep     func(time.Duration)
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc replaces time.Sleep between retries.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) { c.sleep = fn }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) { c.breaker = cb }
}

// NewBaseClient creates a client whose breaker opens after six consecutive
// failures and probes again after 30s.
func NewBaseClient(httpClient *http.Client, name string, retry RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	c := &BaseClient{
		http:      httpClient,
		retry:     retry,
		userAgent: userAgent,
		sleep:     time.Sleep,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures > 5 },
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. Responses other than 429 and 5xx are returned as-is and the
// caller closes the body. Exhausted retries, transport errors and an open
// breaker return a GatewayUnavailable AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer gateway request body", err)
		}
	}

	waits := c.backOff()
	for {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			if retryable(r.StatusCode) {
				return r, fmt.Errorf("gateway returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.NewAppError(types.ErrCodeGatewayUnavailable,
				"circuit breaker is open; billing gateway unavailable", err)
		}

		wait := waits.NextBackOff()
		if wait == backoff.Stop {
			if resp != nil {
				resp.Body.Close()
			}
			return nil, exhausted(resp, err)
		}
		if resp != nil {
			wait = retryAfter(resp, wait, c.retry.MaxWait)
			resp.Body.Close()
		}
		c.sleep(wait)
	}
}

func (c *BaseClient) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.MinWait
	b.MaxInterval = c.retry.MaxWait
	b.MaxElapsedTime = 0
	b.Reset()
	return &cappedBackOff{BackOff: backoff.WithMaxRetries(b, uint64(max(c.retry.MaxRetries, 0))), min: c.retry.MinWait, max: c.retry.MaxWait}
}

// cappedBackOff clamps jittered intervals to [min, max].
type cappedBackOff struct {
	backoff.BackOff
	min, max time.Duration
}

func (b *cappedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	return min(max(d, b.min), b.max)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// retryAfter honours a Retry-After header in seconds, capped at limit.
func retryAfter(resp *http.Response, fallback, limit time.Duration) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return fallback
	}
	return min(time.Duration(secs)*time.Second, limit)
}

func exhausted(resp *http.Response, err error) *types.AppError {
	if resp == nil {
		return types.NewAppError(types.ErrCodeGatewayUnavailable, "billing gateway request failed", err)
	}
	msg := fmt.Sprintf("billing gateway returned %d after retries", resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests {
		msg = "billing gateway rate limit exceeded"
	}
	return types.NewAppErrorWithDetails(types.ErrCodeGatewayUnavailable, msg, err,
		map[string]any{"upstream_status": resp.StatusCode})
}
