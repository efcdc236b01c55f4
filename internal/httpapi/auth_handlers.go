package httpapi

import (
	"net/http"
	"time"

	"sleepplanet.app/internal/auth"
)

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      auth.User `json:"user"`
}

type meResponse struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.authn.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    res.Token.Value,
		Path:     "/",
		Expires:  res.Token.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeOK(w, http.StatusOK, loginResponse{
		Token:     res.Token.Value,
		ExpiresAt: res.Token.ExpiresAt,
		User:      res.User,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	claims, cok := claimsFromContext(r.Context())
	if !ok || !cok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	if err := a.authn.Logout(r.Context(), p, claims); err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeOK(w, http.StatusOK, map[string]any{"revoked": claims.ID})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	writeOK(w, http.StatusOK, meResponse{
		ID:          p.UserID,
		Username:    p.Username,
		Roles:       p.Roles,
		Permissions: p.Permissions.Codes(),
		ExpiresAt:   p.ExpiresAt,
	})
}
