// Package config defines the configuration for the membership service.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret references (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"membership/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for it.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"membership-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Gateway       GatewayConfig
	Auth          AuthConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// An empty URL selects the in-memory store (local only).
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"ap-south-1"`

	// Subscription lifecycle events; empty disables publishing.
	LifecycleQueueURL string `envconfig:"SQS_LIFECYCLE_EVENTS" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// GatewayConfig holds billing provider credentials. A provider whose
// credentials are empty or still carry a placeholder is unconfigured and
// its operations fail with 503.
type GatewayConfig struct {
	RazorpayKeyID         string       `envconfig:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret     SecretString `envconfig:"RAZORPAY_KEY_SECRET"`
	RazorpayWebhookSecret SecretString `envconfig:"RAZORPAY_WEBHOOK_SECRET"`

	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`

	Timeout          time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	WebhookMaxAge    time.Duration `envconfig:"WEBHOOK_MAX_AGE" default:"300s"`
	ResumeMaxRetries int           `envconfig:"GATEWAY_RESUME_MAX_RETRIES" default:"3" validate:"min=1,max=10"`
}

// RazorpayConfigured reports whether usable Razorpay API credentials are present.
func (g GatewayConfig) RazorpayConfigured() bool {
	return types.SecretString(g.RazorpayKeyID).IsSet() && g.RazorpayKeySecret.IsSet()
}

// StripeConfigured reports whether a usable Stripe API key is present.
func (g GatewayConfig) StripeConfigured() bool {
	return g.StripeSecretKey.IsSet()
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret SecretString  `envconfig:"JWT_SECRET" validate:"required"`
	JWTIssuer string        `envconfig:"JWT_ISSUER"`
	ClockSkew time.Duration `envconfig:"JWT_CLOCK_SKEW" default:"30s"`
}

// SecurityConfig holds CORS and traffic shaping settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"60" validate:"min=1"`
	RateLimitBurst     int      `envconfig:"RATE_LIMIT_BURST" default:"20" validate:"min=1"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Membership"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv       ConfigErrorType = "MISSING_ENV"
	ErrSecretResolution ConfigErrorType = "SECRET_RESOLUTION_FAILED"
	ErrValidation       ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing          ConfigErrorType = "PARSING_FAILED"
)
