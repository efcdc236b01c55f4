package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sleepplanet.app/internal/auth"
	"sleepplanet.app/internal/obs"
	"sleepplanet.app/internal/ratelimit"
)

func newLimiter(t *testing.T, rate float64, burst int) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(ratelimit.Config{Rate: rate, Burst: burst})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	return l
}

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, newLimiter(t, 1, 1), false))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body.Data["error"] != codeRateLimited {
		t.Fatalf("expected %s, got %v", codeRateLimited, body.Data["error"])
	}
	if body.Data["request_id"] == "" || body.Data["request_id"] == nil {
		t.Fatalf("expected request_id in body")
	}
}

func TestRateLimitKeysIgnoreForwardedForUnlessTrusted(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	untrusted := RateLimit(base, newLimiter(t, 1, 1), false)
	trusted := RateLimit(base, newLimiter(t, 1, 1), true)

	send := func(h http.Handler, xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:5555"
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	if send(untrusted, "1.1.1.1") != http.StatusOK || send(untrusted, "2.2.2.2") != http.StatusTooManyRequests {
		t.Fatal("spoofed X-Forwarded-For must not mint fresh buckets")
	}
	if send(trusted, "1.1.1.1, 10.0.0.9") != http.StatusOK || send(trusted, "2.2.2.2") != http.StatusOK {
		t.Fatal("trusted proxy hops should key separate buckets")
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	logger := obs.Logger()
	origWriter := logger.Writer()
	logger.SetFlags(0)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req.Clone(context.Background()))

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
	if entry["request_id"] != rr.Header().Get(requestIDHeader) {
		t.Fatalf("log request_id %v does not match header %q", entry["request_id"], rr.Header().Get(requestIDHeader))
	}
}

func TestRequestIDKeepsWellFormedInboundValue(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "edge-7f3a")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "edge-7f3a" {
		t.Fatalf("expected inbound id, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "bad id\nwith newline")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "" || strings.ContainsAny(seen, " \n") {
		t.Fatalf("expected a freshly minted id, got %q", seen)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: username too short", auth.ErrValidation), http.StatusBadRequest, codeValidation},
		{auth.ErrTokenExpired, http.StatusUnauthorized, codeUnauthorized},
		{fmt.Errorf("%w: user 3 lacks user:list", auth.ErrForbidden), http.StatusForbidden, codeForbidden},
		{fmt.Errorf("%w: user 9", auth.ErrNotFound), http.StatusNotFound, codeNotFound},
		{fmt.Errorf("%w: role exists", auth.ErrConflict), http.StatusConflict, codeConflict},
		{fmt.Errorf("%w: %w", auth.ErrStoreUnavailable, context.DeadlineExceeded), http.StatusServiceUnavailable, codeStoreUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, codeStoreUnavailable},
		{ratelimit.ErrLimited, http.StatusTooManyRequests, codeRateLimited},
		{errors.New("pq: connection reset"), http.StatusInternalServerError, codeInternal},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeError(rr, httptest.NewRequest(http.MethodGet, "/admin/users", nil), tc.err)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		var body struct {
			Message string         `json:"message"`
			Data    map[string]any `json:"data"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Data["error"] != tc.code {
			t.Fatalf("%v: expected code %s, got %v", tc.err, tc.code, body.Data["error"])
		}
		if tc.status == http.StatusServiceUnavailable && rr.Header().Get("Retry-After") == "" {
			t.Fatalf("%v: expected Retry-After", tc.err)
		}
		if tc.status == http.StatusInternalServerError && strings.Contains(body.Message, "pq") {
			t.Fatalf("internal detail leaked: %q", body.Message)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	for header, ok := range map[string]bool{
		"Bearer abc.def.ghi": true,
		"bearer abc.def.ghi": true,
		"Basic dXNlcjpwYXNz": false,
		"Bearer ":            false,
		"Bear":               false,
	} {
		_, err := extractBearerToken(header)
		if (err == nil) != ok {
			t.Fatalf("%q: unexpected result %v", header, err)
		}
		if err != nil && !errors.Is(err, auth.ErrUnauthenticated) {
			t.Fatalf("%q: expected ErrUnauthenticated, got %v", header, err)
		}
	}
}
