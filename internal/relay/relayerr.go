package relay

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind is a typed relay error category. Kinds map to HTTP 401; everything
// else is an unexpected error and maps to 500 with a generic message.
type Kind string

const (
	KindAuth         Kind = "AuthError"         // Missing or invalid API key.
	KindCredits      Kind = "CreditsError"      // No payment method or non-positive balance.
	KindMonthlyLimit Kind = "MonthlyLimitError" // Workspace monthly spend cap reached.
	KindUserLimit    Kind = "UserLimitError"    // Per-user monthly spend cap reached.
	KindModel        Kind = "ModelError"        // Unknown or disabled model, or provider misconfiguration.
)

// Error is a typed relay failure carrying a caller-visible message.
type Error struct {
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// NewError constructs a typed relay error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// errorEnvelope is the JSON error body shape returned to callers.
type errorEnvelope struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WriteError renders an error as the relay's JSON envelope. Typed kinds
// return 401 with their kind and message; anything else returns 500 with a
// generic message so internal details never leak to callers.
func WriteError(c *gin.Context, err error) {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		c.JSON(http.StatusUnauthorized, errorEnvelope{
			Type: "error",
			Error: errorDetail{
				Type:    string(relayErr.Kind),
				Message: relayErr.Message,
			},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, errorEnvelope{
		Type: "error",
		Error: errorDetail{
			Type:    "error",
			Message: "internal server error",
		},
	})
}
