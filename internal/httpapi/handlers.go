package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
	"sleepplanet.app/internal/obs"
	"sleepplanet.app/internal/ratelimit"
)

const serviceName = "sleepplanet-api"

// Pinger is a dependency the readiness probe can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe проверяет готовность хранилища и deny-list.
type ReadyProbe struct {
	Store       Pinger
	Revocations Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if rp.Store != nil {
		if err := rp.Store.Ping(ctx); err != nil {
			return fmt.Errorf("credential store: %w", err)
		}
	}
	if rp.Revocations != nil {
		if err := rp.Revocations.Ping(ctx); err != nil {
			return fmt.Errorf("revocation list: %w", err)
		}
	}
	return nil
}

// Deps wires the API to its services. Limiter may be nil to disable rate limiting.
type Deps struct {
	Tokens        *auth.TokenService
	Resolver      *auth.Resolver
	Authenticator *auth.Authenticator
	Admin         *auth.AdminService
	Audit         *audit.Logger
	Limiter       *ratelimit.Limiter
	Ready         ReadyProbe
	Version       string
	TrustProxy    bool
	CookieSecure  bool
}

// API собирает HTTP слой сервиса.
type API struct {
	mux          *http.ServeMux
	tokens       *auth.TokenService
	resolver     *auth.Resolver
	authn        *auth.Authenticator
	admin        *auth.AdminService
	audit        *audit.Logger
	limiter      *ratelimit.Limiter
	readyProbe   ReadyProbe
	version      string
	trustProxy   bool
	cookieSecure bool
}

func New(d Deps) (*API, error) {
	if d.Tokens == nil || d.Resolver == nil || d.Authenticator == nil || d.Admin == nil || d.Audit == nil {
		return nil, errors.New("httpapi: tokens, resolver, authenticator, admin and audit are required")
	}
	obs.Init()
	a := &API{
		mux:          http.NewServeMux(),
		tokens:       d.Tokens,
		resolver:     d.Resolver,
		authn:        d.Authenticator,
		admin:        d.Admin,
		audit:        d.Audit,
		limiter:      d.Limiter,
		readyProbe:   d.Ready,
		version:      d.Version,
		trustProxy:   d.TrustProxy,
		cookieSecure: d.CookieSecure,
	}

	// health/ready
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	for _, rt := range a.routes() {
		if rt.public {
			a.mux.HandleFunc(rt.pattern, rt.handler)
			continue
		}
		a.mux.Handle(rt.pattern, a.require(rt.capability, rt.handler))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, fmt.Errorf("%w: %s %s", auth.ErrNotFound, r.Method, r.URL.Path))
	})
	return a, nil
}

// Handler returns the fully wrapped handler: metrics, request ids, access
// log, security headers, CORS, then the rate limiter ahead of every route.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.limiter != nil {
		h = RateLimit(h, a.limiter, a.trustProxy)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Warn("not_ready", map[string]any{"error": err, "request_id": RequestIDFromContext(r.Context())})
		writeFail(w, r, http.StatusServiceUnavailable, codeStoreUnavailable, "not ready")
		return
	}
	obs.SetReady(true)
	writeOK(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

// envelope is the body of every response.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Code: code, Message: "ok", Data: data})
}
