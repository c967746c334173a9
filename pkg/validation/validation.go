// Package validation wraps struct tag validation and maps failures onto
// domain errors with readable messages.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	dErrors "hookbridge/pkg/domain-errors"
)

var defaultValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validate checks a struct against its validate tags and returns a
// CodeValidation domain error on failure.
func Validate(req any) error {
	if err := defaultValidator.Struct(req); err != nil {
		return dErrors.New(dErrors.CodeValidation, errorMessage(err))
	}
	return nil
}

// errorMessage renders the first violation as a human-readable message.
func errorMessage(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return "invalid request"
	}

	fe := validationErrs[0]
	fieldName := fe.Field()
	if fieldName == "" {
		fieldName = fe.StructField()
	}
	field := toSnakeCase(fieldName)

	switch fe.ActualTag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email", field)
	case "url":
		return fmt.Sprintf("%s must be a valid url", field)
	case "notblank":
		return fmt.Sprintf("%s must not be blank", field)
	default:
		if field == "" {
			return "invalid request"
		}
		return fmt.Sprintf("%s is invalid", field)
	}
}

func toSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 &&
			(unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
