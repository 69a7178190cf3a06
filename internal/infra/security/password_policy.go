package security

import (
	"fmt"
	"strings"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
)

const (
	defaultMinPasswordLength   = 10
	defaultMaxPasswordLength   = 128
	defaultMinCharacterClasses = 3
	defaultMinZxcvbnScore      = 3
)

// DefaultPasswordValidator returns the validator for the account password policy.
func DefaultPasswordValidator(userInputs ...string) *PasswordValidator {
	return NewPasswordValidator(
		MinLengthRule(defaultMinPasswordLength),
		MaxLengthRule(defaultMaxPasswordLength),
		RequireCharacterClassesRule(defaultMinCharacterClasses),
		RequirePasswordStrengthRule(defaultMinZxcvbnScore, userInputs...),
	)
}

// PasswordPolicy feeds account attributes into the strength check so passwords built from
// the user's own name or email score lower.
type PasswordPolicy struct {
	factory func(inputs []string) *PasswordValidator
}

// NewPasswordPolicy builds the default contextual policy.
func NewPasswordPolicy() *PasswordPolicy {
	return &PasswordPolicy{
		factory: func(inputs []string) *PasswordValidator {
			return DefaultPasswordValidator(inputs...)
		},
	}
}

// NewPasswordPolicyFromValidator wraps a fixed validator without contextual inputs.
func NewPasswordPolicyFromValidator(validator *PasswordValidator) *PasswordPolicy {
	if validator == nil {
		validator = DefaultPasswordValidator()
	}
	return &PasswordPolicy{
		factory: func(_ []string) *PasswordValidator {
			return validator
		},
	}
}

// Validate applies the configured validator to ensure the password meets policy requirements.
func (p *PasswordPolicy) Validate(password string, ctx domain.PasswordContext) error {
	if p == nil || p.factory == nil {
		return fmt.Errorf("password policy not configured")
	}

	inputs := make([]string, 0, 4)
	for _, value := range []string{ctx.Email, ctx.FirstName, ctx.LastName} {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			inputs = append(inputs, trimmed)
		}
	}
	if local, _, ok := strings.Cut(ctx.Email, "@"); ok && local != "" {
		inputs = append(inputs, local)
	}

	validator := p.factory(inputs)
	if validator == nil {
		return fmt.Errorf("password validator not configured")
	}

	return validator.Validate(password)
}

var _ port.PasswordPolicyValidator = (*PasswordPolicy)(nil)
