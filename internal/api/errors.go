package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/banksync/internal/api/shared"
	"github.com/phrazzld/banksync/internal/service"
	"github.com/phrazzld/banksync/internal/service/auth"
	"github.com/phrazzld/banksync/internal/store"
	"github.com/phrazzld/banksync/internal/task"
)

// Messages that clients match on.
const (
	msgAlreadyFinished = "cannot cancel: task already finished"
	msgUnexpected      = "An unexpected error occurred"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized

	// Authorization errors
	case errors.Is(err, service.ErrNotOwned),
		errors.Is(err, task.ErrPermissionDenied):
		return http.StatusForbidden

	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, task.ErrAlreadyTerminal):
		return http.StatusConflict

	case errors.Is(err, task.ErrQuotaExceeded):
		return http.StatusTooManyRequests

	case errors.Is(err, task.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Retryable: the store or the worker backend is unavailable
	case errors.Is(err, task.ErrInfrastructure):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return msgUnexpected
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid):
		return "Invalid token"

	case errors.Is(err, service.ErrNotOwned):
		return "You do not own this task"

	case errors.Is(err, task.ErrPermissionDenied):
		return "Your plan does not include this task type"

	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return "Task not found"

	case errors.Is(err, task.ErrAlreadyTerminal):
		return msgAlreadyFinished

	case errors.Is(err, task.ErrQuotaExceeded):
		return "Monthly task limit reached for this task type"

	case errors.Is(err, task.ErrValidation):
		return "Invalid request: credentials require a password and a rut or username"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"

	case errors.Is(err, task.ErrInfrastructure):
		return "Service temporarily unavailable, please retry"

	default:
		return msgUnexpected
	}
}

// HandleAPIError writes the status and safe message for err, logging the
// redacted original. userMessage overrides the safe message when set.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, userMessage string) {
	status := MapErrorToStatusCode(err)
	if userMessage == "" {
		userMessage = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, userMessage, err)
}

// HandleValidationError writes a 400 with a sanitized validator message.
func HandleValidationError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("Invalid %s: %s", strings.ToLower(fe.Field()), getValidationTagMessage(fe.Tag()))
	}
	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required", "required_without":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	case "hostname_rfc1123":
		return "invalid format"
	default:
		return "validation failed"
	}
}
