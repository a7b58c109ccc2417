package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// RegisterCustomValidators registers the gateway's custom validation tags.
// Must be called before validating AppConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	if err := v.RegisterValidation("guardrail_type", validateGuardrailType); err != nil {
		return fmt.Errorf("failed to register guardrail_type validator: %w", err)
	}
	if err := v.RegisterValidation("guardrail_action", validateGuardrailAction); err != nil {
		return fmt.Errorf("failed to register guardrail_action validator: %w", err)
	}
	if err := v.RegisterValidation("guardrail_usecase", validateGuardrailUseCase); err != nil {
		return fmt.Errorf("failed to register guardrail_usecase validator: %w", err)
	}
	if err := v.RegisterValidation("guardrail_threshold", validateGuardrailThreshold); err != nil {
		return fmt.Errorf("failed to register guardrail_threshold validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates "stdout" or "file://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

func validateGuardrailType(fl validator.FieldLevel) bool {
	return guardrail.GuardrailType(fl.Field().String()).IsValid()
}

func validateGuardrailAction(fl validator.FieldLevel) bool {
	return guardrail.Action(fl.Field().String()).IsValid()
}

func validateGuardrailUseCase(fl validator.FieldLevel) bool {
	return guardrail.UseCase(fl.Field().String()).IsValid()
}

// validateGuardrailThreshold enforces the [0, 1] confidence range.
// A zero threshold is allowed (treated as "always fails"
// by the checker that owns it), so this only rejects negative values and
// values above 1.
func validateGuardrailThreshold(fl validator.FieldLevel) bool {
	t := fl.Field().Float()
	return t >= 0 && t <= 1
}

// Validate validates AppConfig using struct tags plus the cross-field
// rules: no duplicate (type, variant_id) checker pairs, and the use-case
// budget invariant 0 < guardrail_budget_ms < total_budget_ms.
func (c *AppConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if err := c.Guardrails.validateNoDuplicateCheckers(); err != nil {
		return err
	}
	if _, err := c.BudgetProfiles(); err != nil {
		return err
	}
	return nil
}

// validateNoDuplicateCheckers rejects a policy that registers the same
// (type, variant_id) pair twice; the registry has no way to distinguish
// which one should run.
func (g GuardrailConfig) validateNoDuplicateCheckers() error {
	seen := make(map[string]struct{}, len(g.Checkers))
	for _, c := range g.Checkers {
		key := c.Type + "/" + c.VariantID
		if _, ok := seen[key]; ok {
			return fmt.Errorf("checkers: duplicate (type=%s, variant_id=%s)", c.Type, c.VariantID)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
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

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	case "guardrail_type":
		return fmt.Sprintf("%s must be a known guardrail type", field)
	case "guardrail_action":
		return fmt.Sprintf("%s must be a known guardrail action", field)
	case "guardrail_usecase":
		return fmt.Sprintf("%s must be a known use case", field)
	case "guardrail_threshold":
		return fmt.Sprintf("%s must be between 0 and 1", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
