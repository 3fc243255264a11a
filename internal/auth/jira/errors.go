package jira

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthErrorKind classifies authentication failures.
type AuthErrorKind string

const (
	// KindInvalidState means the callback state is unknown, expired, or already consumed.
	KindInvalidState AuthErrorKind = "invalid_state"
	// KindExchangeFailed means the provider rejected or failed a token grant.
	KindExchangeFailed AuthErrorKind = "exchange_failed"
	// KindReauthRequired means no usable refresh token exists and the interactive flow must restart.
	KindReauthRequired AuthErrorKind = "reauth_required"
)

// AuthError represents an authentication failure surfaced to callers.
type AuthError struct {
	// Kind is the machine readable classification.
	Kind AuthErrorKind `json:"kind"`
	// Message is a human-readable message describing the error.
	Message string `json:"message"`
	// Code is the HTTP status code best describing the failure.
	Code int `json:"code"`
	// Cause is the underlying error that caused this authentication error.
	Cause error `json:"-"`
}

// Error returns a string representation of the authentication error.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is matches any AuthError of the same kind, so errors.Is(err, ErrReauthRequired) works
// for wrapped instances carrying different causes.
func (e *AuthError) Is(target error) bool {
	var other *AuthError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Base authentication errors. Use NewAuthError to attach a cause.
var (
	// ErrInvalidState represents an unknown, expired, or replayed OAuth state parameter.
	ErrInvalidState = &AuthError{
		Kind:    KindInvalidState,
		Message: "OAuth state parameter is invalid or expired",
		Code:    http.StatusBadRequest,
	}

	// ErrExchangeFailed represents a failed token grant at the provider.
	ErrExchangeFailed = &AuthError{
		Kind:    KindExchangeFailed,
		Message: "Failed to obtain tokens from the authorization server",
		Code:    http.StatusBadGateway,
	}

	// ErrReauthRequired represents a missing or rejected refresh token.
	ErrReauthRequired = &AuthError{
		Kind:    KindReauthRequired,
		Message: "Re-authorization required",
		Code:    http.StatusUnauthorized,
	}
)

// NewAuthError creates a new authentication error with a cause based on a base error.
func NewAuthError(base *AuthError, cause error) *AuthError {
	return &AuthError{
		Kind:    base.Kind,
		Message: base.Message,
		Code:    base.Code,
		Cause:   cause,
	}
}

// IsAuthError checks if an error is an authentication error.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// UserFriendlyMessage returns a message suitable for CLI or API display.
func UserFriendlyMessage(err error) string {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return "An unexpected error occurred. Please try again."
	}
	switch authErr.Kind {
	case KindInvalidState:
		return "The authorization link has expired or was already used. Please start the login again."
	case KindExchangeFailed:
		return "Jira did not accept the authorization. Please try again."
	case KindReauthRequired:
		return "Your Jira authorization has expired. Please log in again."
	default:
		return "Authentication failed. Please try again."
	}
}
