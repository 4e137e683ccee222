package application

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-guardrail/internal/domain"
)

var ruleIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RegisterRuleValidators registers the custom validation functions used by
// rule and configuration struct tags.
// RegisterRuleValidators returns an error if any validator registration
// fails.
func RegisterRuleValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("rule_id", validateRuleID); err != nil {
		return fmt.Errorf("failed to register rule_id validator: %w", err)
	}

	if err := v.RegisterValidation("prompt_placeholders", validatePromptPlaceholders); err != nil {
		return fmt.Errorf("failed to register prompt_placeholders validator: %w", err)
	}

	if err := v.RegisterValidation("provider", validateProvider); err != nil {
		return fmt.Errorf("failed to register provider validator: %w", err)
	}

	return nil
}

// validateRuleID accepts non-empty ids made of letters, digits,
// underscores and hyphens.
func validateRuleID(fl validator.FieldLevel) bool {
	return ruleIDPattern.MatchString(fl.Field().String())
}

// validatePromptPlaceholders requires both the user input and documents
// placeholders to be present in a rule prompt.
func validatePromptPlaceholders(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	return strings.Contains(p, domain.PlaceholderUserInput) && strings.Contains(p, domain.PlaceholderDocuments)
}

func validateProvider(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "openai", "azure", "anthropic", "google":
		return true
	}
	return false
}

// describeValidationErrors converts validator errors into readable
// messages prefixed with the entity path, e.g. "compliances[2].name".
func describeValidationErrors(prefix string, err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("%s: %v", prefix, err)}
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "min":
			msg = fmt.Sprintf("must be at least %s characters", fe.Param())
		case "max":
			msg = fmt.Sprintf("must be at most %s characters", fe.Param())
		case "gte":
			msg = fmt.Sprintf("must be >= %s", fe.Param())
		case "lte":
			msg = fmt.Sprintf("must be <= %s", fe.Param())
		case "rule_id":
			msg = fmt.Sprintf("%q must match %s", fe.Value(), ruleIDPattern.String())
		case "prompt_placeholders":
			msg = fmt.Sprintf("must contain placeholders %s and %s",
				domain.PlaceholderUserInput, domain.PlaceholderDocuments)
		default:
			msg = fmt.Sprintf("failed %q validation", fe.Tag())
		}
		msgs = append(msgs, fmt.Sprintf("%s.%s %s", prefix, field, msg))
	}
	return msgs
}
