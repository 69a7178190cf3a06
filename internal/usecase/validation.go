package usecase

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var inputValidator = newInputValidator()

func newInputValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// validateInput runs struct tag validation and converts failures into a ValidationError.
func validateInput(input any) *ValidationError {
	verr := &ValidationError{}

	err := inputValidator.Struct(input)
	if err == nil {
		return verr
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return verr.Add("request", err.Error())
	}

	for _, fe := range fieldErrs {
		verr.Add(fe.Field(), FieldMessage(fe.Tag(), fe.Param()))
	}
	return verr
}

// FieldMessage renders a human message for a validator tag.
func FieldMessage(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + param + " characters"
	case "min":
		return "must be at least " + param + " characters"
	case "eqfield":
		return "must match " + lowerFirst(param)
	case "oneof":
		return "must be one of: " + param
	case "url":
		return "must be a valid URL"
	default:
		return "is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
