package core

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"membership/internal/types"
)

// limiterIdleTTL is how long an unused per-user bucket is kept.
const limiterIdleTTL = 10 * time.Minute

// RateLimiter holds one token bucket per user. Idle buckets expire from the
// cache, so memory tracks active users only.
type RateLimiter struct {
	buckets *cache.Cache
	limit   rate.Limit
	burst   int
}

// NewRateLimiter allows perMinute sustained requests per user with the given
// burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		buckets: cache.New(limiterIdleTTL, 2*limiterIdleTTL),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
	}
}

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	if v, ok := l.buckets.Get(key); ok {
		lim := v.(*rate.Limiter)
		l.buckets.SetDefault(key, lim)
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	if err := l.buckets.Add(key, lim, cache.DefaultExpiration); err != nil {
		// Lost the race; use the winner's bucket.
		if v, ok := l.buckets.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

// Reserve takes a token for key. It reports whether the request may proceed,
// how long the caller must wait otherwise, and the tokens left.
func (l *RateLimiter) Reserve(key string) (allowed bool, retryAfter time.Duration, remaining int) {
	lim := l.bucket(key)
	res := lim.Reserve()
	if d := res.Delay(); d > 0 {
		// Hand the token back; this request is rejected.
		res.Cancel()
		return false, d, 0
	}
	return true, 0, int(math.Max(0, math.Floor(lim.Tokens())))
}

// RateLimit enforces the per-user limit on mutating requests. Safe methods
// and unauthenticated requests pass through; it must run after
// AuthMiddleware.
//
// Every limited request carries X-RateLimit-Limit and X-RateLimit-Remaining.
// Rejections add Retry-After.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil || isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		actor, ok := types.GetActor(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		allowed, retryAfter, remaining := s.RateLimiter.Reserve(actor.ID)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.RateLimiter.burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			s.Logger.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("user_id", actor.ID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			Error(w, r, types.NewAppError(types.ErrCodeRateLimit,
				"Rate limit exceeded. Please retry after the reset time.", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isSafeMethod returns true for HTTP methods that do not change state.
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// ResponseCapturer wraps an http.ResponseWriter to buffer the response status
// code, headers, and body during handler execution. This is used by the
// IdempotencyMiddleware to capture the complete response for storage and replay.
//
// The captured data is NOT written to the underlying ResponseWriter until
// Flush is called.
type ResponseCapturer struct {
	underlying http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	headers    http.Header
	written    bool
}

func newResponseCapturer(w http.ResponseWriter) *ResponseCapturer {
	return &ResponseCapturer{
		underlying: w,
		statusCode: http.StatusOK,
		headers:    make(http.Header),
	}
}

// Header returns the captured headers map.
func (rc *ResponseCapturer) Header() http.Header {
	return rc.headers
}

// WriteHeader captures the status code without writing to the underlying writer.
func (rc *ResponseCapturer) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
}

// Write captures the response body without writing to the underlying writer.
func (rc *ResponseCapturer) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.body.Write(b)
}

// Flush writes the captured response to the underlying ResponseWriter. Call
// exactly once after the handler chain completes.
func (rc *ResponseCapturer) Flush() {
	for key, values := range rc.headers {
		for _, v := range values {
			rc.underlying.Header().Add(key, v)
		}
	}
	rc.underlying.WriteHeader(rc.statusCode)
	_, _ = rc.underlying.Write(rc.body.Bytes())
}

// Unwrap returns the underlying ResponseWriter.
func (rc *ResponseCapturer) Unwrap() http.ResponseWriter {
	return rc.underlying
}

// StatusCode returns the captured HTTP status code.
func (rc *ResponseCapturer) StatusCode() int {
	return rc.statusCode
}

// Body returns the captured response body.
func (rc *ResponseCapturer) Body() []byte {
	return rc.body.Bytes()
}

// IdempotencyMiddleware ensures POST requests with an "Idempotency-Key" header
// are processed exactly once per user.
//
// Flow:
//  1. Extract the Idempotency-Key header and the user from context.
//  2. Look up the key in the store.
//  3. Found & Completed: replay the stored response.
//  4. Found & Processing: return 409 Conflict.
//  5. New: claim the key, capture the response, store it, flush to client.
//
// 5xx responses release the key so the client can retry. Store errors fail
// open.
func (s *Server) IdempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Idempotency == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		actor, ok := types.GetActor(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		scope := actor.ID
		ctx := r.Context()
		log := s.Logger.With(slog.String("idempotency_key", key), slog.String("user_id", scope))

		record, err := s.Idempotency.Get(ctx, key, scope)
		if err != nil {
			log.ErrorContext(ctx, "idempotency store get error", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		if record != nil {
			switch record.Status {
			case IdempotencyStatusCompleted:
				log.InfoContext(ctx, "idempotency key hit, returning cached response",
					slog.Int("cached_status", record.ResponseCode))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotent-Replayed", "true")
				w.WriteHeader(record.ResponseCode)
				_, _ = w.Write(record.ResponseBody)
				return
			case IdempotencyStatusProcessing:
				s.writeIdempotencyConflict(w, r)
				return
			}
		}

		if err := s.Idempotency.Create(ctx, key, scope, r.URL.Path); err != nil {
			if errors.Is(err, ErrIdempotencyKeyExists) {
				s.writeIdempotencyConflict(w, r)
				return
			}
			log.ErrorContext(ctx, "idempotency store create error", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		capturer := newResponseCapturer(w)
		next.ServeHTTP(capturer, r)

		status := capturer.StatusCode()
		if status < http.StatusInternalServerError {
			// Client errors are stored too: the same request must get the same
			// validation error.
			if err := s.Idempotency.Complete(ctx, key, scope, status, capturer.Body()); err != nil {
				log.ErrorContext(ctx, "idempotency store complete error", slog.String("error", err.Error()))
			}
		} else if err := s.Idempotency.Fail(ctx, key, scope); err != nil {
			log.ErrorContext(ctx, "idempotency store fail error", slog.String("error", err.Error()))
		}

		capturer.Flush()
	})
}

func (s *Server) writeIdempotencyConflict(w http.ResponseWriter, r *http.Request) {
	s.Logger.WarnContext(r.Context(), "idempotency key conflict, request in progress")
	Error(w, r, types.NewAppError(types.ErrCodeConflictIdempotency,
		"A request with this idempotency key is currently being processed", nil))
}
