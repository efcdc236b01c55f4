package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
	"sleepplanet.app/internal/obs"
	"sleepplanet.app/internal/ratelimit"
)

// Machine-readable error codes carried in data.error.
const (
	codeUnauthorized     = "UNAUTHORIZED"
	codeForbidden        = "FORBIDDEN"
	codeRateLimited      = "RATE_LIMITED"
	codeValidation       = "VALIDATION_FAILED"
	codeNotFound         = "NOT_FOUND"
	codeConflict         = "CONFLICT"
	codeStoreUnavailable = "STORE_UNAVAILABLE"
	codeInternal         = "INTERNAL"
)

// storeRetryAfter is the Retry-After value, in seconds, sent with 503s.
const storeRetryAfter = "1"

type apiError struct {
	status  int
	code    string
	message string
}

// classify is the single mapping from service errors to HTTP responses.
// Messages are safe for clients; details stay in the logs.
func classify(err error) apiError {
	switch {
	case errors.Is(err, ratelimit.ErrLimited):
		return apiError{http.StatusTooManyRequests, codeRateLimited, "too many requests"}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return apiError{http.StatusUnauthorized, codeUnauthorized, "invalid username or password"}
	case errors.Is(err, auth.ErrUnauthenticated), auth.IsTokenError(err):
		return apiError{http.StatusUnauthorized, codeUnauthorized, "authentication required"}
	case errors.Is(err, auth.ErrForbidden):
		return apiError{http.StatusForbidden, codeForbidden, "permission denied"}
	case errors.Is(err, auth.ErrValidation):
		return apiError{http.StatusBadRequest, codeValidation, detail(err, auth.ErrValidation)}
	case errors.Is(err, audit.ErrInvalidFilter):
		return apiError{http.StatusBadRequest, codeValidation, detail(err, audit.ErrInvalidFilter)}
	case errors.Is(err, auth.ErrNotFound):
		return apiError{http.StatusNotFound, codeNotFound, "resource not found"}
	case errors.Is(err, auth.ErrConflict):
		return apiError{http.StatusConflict, codeConflict, detail(err, auth.ErrConflict)}
	case errors.Is(err, auth.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusServiceUnavailable, codeStoreUnavailable, "service temporarily unavailable"}
	default:
		return apiError{http.StatusInternalServerError, codeInternal, "internal error"}
	}
}

// detail strips the sentinel prefix from a user-facing message.
func detail(err, sentinel error) string {
	msg := err.Error()
	for _, sep := range []string{": ", "\n"} {
		if rest, ok := strings.CutPrefix(msg, sentinel.Error()+sep); ok {
			return rest
		}
	}
	if msg == sentinel.Error() {
		return strings.TrimPrefix(msg, "auth: ")
	}
	return msg
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     e.status,
			"error":      err,
		})
	}
	if e.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", storeRetryAfter)
	}
	writeFail(w, r, e.status, e.code, e.message)
}

func writeFail(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	data := map[string]any{"error": code}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		data["request_id"] = rid
	}
	writeJSON(w, status, envelope{Code: status, Message: msg, Data: data})
}
