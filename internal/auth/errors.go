package auth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("user with email or username already exists")
	ErrNotFound           = errors.New("user does not exist")
	ErrInvalidCredentials = errors.New("invalid user credentials")
	ErrUnauthorized       = errors.New("unauthorized request")
	ErrInvalidToken       = errors.New("refresh token is expired or used")
	ErrUpstream           = errors.New("service temporarily unavailable")

	// ErrRefreshTokenMismatch is returned by Store.SwapRefreshToken when the
	// stored token no longer equals the expected one.
	ErrRefreshTokenMismatch = errors.New("stored refresh token does not match")
)

// ValidationError carries a client-facing message about malformed input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// StatusCode maps an error from this package to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text that may be shown to a client for err.
// Anything outside the taxonomy collapses to a generic message.
func PublicMessage(err error) string {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Message
	}

	for _, known := range []error{ErrConflict, ErrNotFound, ErrInvalidCredentials, ErrUnauthorized, ErrInvalidToken, ErrUpstream} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}

	return "internal server error"
}
