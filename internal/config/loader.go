// The loading sequence is:
//  1. Enforce UTC.
//  2. Load .env via godotenv (non-fatal if absent).
//  3. Resolve *_SECRET_REF variables through the SecretProvider and inject
//     the values into the environment.
//  4. Populate Config with envconfig.
//  5. Attach BuildInfo.
//  6. Validate with go-playground/validator, then apply cross-field rules.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretRefSuffix marks pointer variables: RAZORPAY_KEY_SECRET_SECRET_REF=<ref>
// resolves <ref> through the provider into RAZORPAY_KEY_SECRET.
const secretRefSuffix = "_SECRET_REF"

const localEnv = "local"

type envLookup func(key string) (string, bool)
type envSet func(key, value string) error
type environ func() []string

// loaderDeps lets tests run the loader without touching the process env.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
	process   func(cfg *Config) error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		process: func(cfg *Config) error {
			return envconfig.Process("", cfg)
		},
	}
}

// LoadConfig loads and validates the service configuration. provider may be
// nil when no secret references are present.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	if err := resolveSecretRefs(provider, deps); err != nil {
		return nil, err
	}

	var cfg Config
	if err := deps.process(&cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if err := validateCrossField(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateCrossField enforces rules the struct tags cannot express.
func validateCrossField(cfg *Config) error {
	if cfg.Environment != localEnv && !cfg.IsTestMode && cfg.Database.URL.Unmask() == "" {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "DATABASE_URL is required outside local mode",
		}
	}
	return nil
}

// resolveSecretRefs scans the environment for *_SECRET_REF entries whose
// target is unset, resolves them in one batch and injects the results.
// Targets already present in the environment win.
func resolveSecretRefs(provider SecretProvider, deps loaderDeps) error {
	refToTarget := make(map[string]string)
	var refs []string

	for _, entry := range deps.environ() {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		key := entry[:eq]
		if !strings.HasSuffix(key, secretRefSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, secretRefSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		ref := entry[eq+1:]
		if ref == "" {
			continue
		}
		refs = append(refs, ref)
		refToTarget[ref] = target
	}

	if len(refs) == 0 {
		return nil
	}
	if provider == nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("a SecretProvider is required to resolve %d secret references", len(refs)),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, refs)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d secret references", len(refs)),
			Err:     err,
		}
	}

	var missing []string
	for _, ref := range refs {
		value, ok := resolved[ref]
		if !ok {
			missing = append(missing, refToTarget[ref])
			continue
		}
		if err := deps.setEnv(refToTarget[ref], value); err != nil {
			return &ConfigError{
				Type:    ErrSecretResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", refToTarget[ref]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("secret references not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
