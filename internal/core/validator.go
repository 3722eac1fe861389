package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"membership/internal/types"
)

// Validator wraps go-playground/validator with the membership-specific tags:
//
//	paid_tier      premium or vip
//	tier           free, premium or vip
//	billing_cycle  monthly or yearly
type Validator struct {
	v      *validator.Validate
	logger *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags. Field names
// in errors use the json tag.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	must := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register validation %q: %v", tag, err))
		}
	}
	must("paid_tier", func(fl validator.FieldLevel) bool {
		return types.Tier(fl.Field().String()).Paid()
	})
	must("tier", func(fl validator.FieldLevel) bool {
		return types.Tier(fl.Field().String()).Valid()
	})
	must("billing_cycle", func(fl validator.FieldLevel) bool {
		return types.BillingCycle(fl.Field().String()).Valid()
	})
	must("payment_method", func(fl validator.FieldLevel) bool {
		switch types.GatewayProvider(strings.ToLower(fl.Field().String())) {
		case "", types.GatewayRazorpay, types.GatewayStripe:
			return true
		}
		return false
	})

	return &Validator{v: v, logger: logger}
}

// ValidateStruct validates dst and converts the first failure into an
// AppError whose code names the problem. All failing fields are listed in
// Details.
func (val *Validator) ValidateStruct(dst any) error {
	err := val.v.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}

	first := verrs[0]
	code, msg := types.ErrCodeValidationMissingField, fmt.Sprintf("%s is invalid", first.Field())
	switch first.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", first.Field())
	case "paid_tier", "tier":
		code, msg = types.ErrCodeValidationInvalidTier, fmt.Sprintf("invalid tier %q", first.Value())
	case "billing_cycle":
		code, msg = types.ErrCodeValidationInvalidCycle, fmt.Sprintf("invalid billing cycle %q", first.Value())
	case "payment_method":
		code, msg = types.ErrCodeValidationInvalidGateway, fmt.Sprintf("unsupported payment method %q", first.Value())
	}
	return types.NewAppErrorWithDetails(code, msg, err, map[string]any{"fields": fields})
}
