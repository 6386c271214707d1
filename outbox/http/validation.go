package http

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var (
	// ErrValidationFailed is returned when struct validation fails.
	ErrValidationFailed = errors.New("validation failed")
	// ErrBodyParseFailed is returned when request body parsing fails.
	ErrBodyParseFailed = errors.New("failed to parse request body")
	// ErrUnsupportedContentType is returned when the Content-Type is not application/json.
	ErrUnsupportedContentType = errors.New("Content-Type must be application/json")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		vld := validator.New(validator.WithRequiredStructEnabled())

		// Report fields by their JSON names.
		vld.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}

			return name
		})

		validate = vld
	})

	return validate
}

// ValidateStruct validates payload with its go-playground/validator tags and
// returns the first violation.
func ValidateStruct(payload any) error {
	if err := getValidator().Struct(payload); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			return formatValidationError(validationErrors[0])
		}

		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	return nil
}

var validationErrorFormatters = map[string]func(field, param string) error{
	"required": func(field, _ string) error {
		return fmt.Errorf("%w: '%s' is required", ErrValidationFailed, field)
	},
	"min": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at least %s characters", ErrValidationFailed, field, param)
	},
	"max": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at most %s characters", ErrValidationFailed, field, param)
	},
	"gte": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at least %s", ErrValidationFailed, field, param)
	},
}

func formatValidationError(fe validator.FieldError) error {
	field := fe.Field()

	if formatter, ok := validationErrorFormatters[fe.Tag()]; ok {
		return formatter(field, fe.Param())
	}

	return fmt.Errorf("%w: '%s' failed '%s' check", ErrValidationFailed, field, fe.Tag())
}

// ParseBodyAndValidate parses the JSON request body into payload and validates it.
func ParseBodyAndValidate(c *fiber.Ctx, payload any) error {
	ct := c.Get(fiber.HeaderContentType)
	if ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
		return ErrUnsupportedContentType
	}

	if err := c.BodyParser(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrBodyParseFailed, err)
	}

	return ValidateStruct(payload)
}
