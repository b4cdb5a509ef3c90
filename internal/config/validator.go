package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/poolgate/poolgate/internal/domain/pool"
)

// RegisterCustomValidators registers poolgate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("plan", validatePlan); err != nil {
		return fmt.Errorf("failed to register plan validator: %w", err)
	}
	return nil
}

// validatePlan validates that a field names a known plan tier.
func validatePlan(fl validator.FieldLevel) bool {
	return pool.Plan(fl.Field().String()).IsValid()
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateDurations(); err != nil {
		return err
	}

	if c.HealthEnabled() && !c.DevMode && c.Health.ProbeURL == "" {
		return errors.New("health.probe_url is required unless health.enabled is false")
	}

	return nil
}

// validateDurations checks every duration-typed string field.
func (c *Config) validateDurations() error {
	fields := []struct {
		name  string
		value string
	}{
		{"health.interval", c.Health.Interval},
		{"health.probe_timeout", c.Health.ProbeTimeout},
		{"health.probe_delay", c.Health.ProbeDelay},
		{"reconcile.debounce", c.Reconcile.Debounce},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if d, err := time.ParseDuration(f.value); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", f.name, f.value)
		}
	}
	for name, pl := range c.Pool.Plans {
		if d, err := time.ParseDuration(pl.Window); err != nil || d <= 0 {
			return fmt.Errorf("pool.plans.%s.window must be a positive duration, got %q", name, pl.Window)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly
// messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for one error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "plan":
		return fmt.Sprintf("%s must be a known plan (pro, ultimate)", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
