package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means no usable identity: missing token, unknown or frozen user.
	ErrUnauthenticated    = errors.New("auth: unauthenticated")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenInvalid   = errors.New("auth: token invalid")
	ErrTokenRevoked   = errors.New("auth: token revoked")

	ErrForbidden = errors.New("auth: forbidden")

	ErrValidation       = errors.New("auth: validation failed")
	ErrNotFound         = errors.New("auth: not found")
	ErrConflict         = errors.New("auth: conflict")
	ErrStoreUnavailable = errors.New("auth: credential store unavailable")
)

// IsTokenError reports whether err came from token verification.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenRevoked)
}

// TokenErrorReason returns a short label for metrics and logs.
func TokenErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid_signature"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// WrapStoreError tags failures of the store itself as ErrStoreUnavailable so
// callers can treat them as retryable. Domain outcomes and caller
// cancellations pass through unchanged.
func WrapStoreError(err error) error {
	switch {
	case err == nil,
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
