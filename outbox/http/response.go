// Package http exposes consumer registration, message retrieval and cursor
// commits over fiber.
package http

import (
	"errors"

	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse provides a consistent error structure for API responses.
type ErrorResponse struct {
	// HTTP status code
	Code int `json:"code"    example:"400"`
	// Error type identifier
	Title string `json:"title"   example:"invalid_request"`
	// Human-readable error message
	Message string `json:"message" example:"invalid consumerName: must be between 3 and 100 characters"`
}

// Error allows ErrorResponse to satisfy the error interface.
func (e ErrorResponse) Error() string {
	return e.Message
}

// RespondError writes an ErrorResponse with the given status.
func RespondError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    status,
		Title:   title,
		Message: message,
	})
}

// errorMapping translates outbox errors into transport responses. Unknown errors
// get a generic 500 body so internal details never leak.
func errorMapping(err error) (status int, title, message string) {
	switch {
	case errors.Is(err, outbox.ErrValidation),
		errors.Is(err, ErrValidationFailed),
		errors.Is(err, ErrBodyParseFailed),
		errors.Is(err, ErrUnsupportedContentType):
		return fiber.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, outbox.ErrConsumerNotFound):
		return fiber.StatusNotFound, "consumer_not_found", "consumer not found"
	case errors.Is(err, outbox.ErrConsumerConflict):
		return fiber.StatusConflict, "consumer_conflict", "consumer name already registered"
	case errors.Is(err, outbox.ErrCursorRegression):
		return fiber.StatusUnprocessableEntity, "cursor_regression", "lastConsumedMessageId is behind the current cursor"
	case errors.Is(err, outbox.ErrCursorBeyondLog):
		return fiber.StatusUnprocessableEntity, "cursor_beyond_log", "lastConsumedMessageId is past the last message"
	default:
		return fiber.StatusInternalServerError, "internal_error", "internal server error"
	}
}
