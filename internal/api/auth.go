// Package api serves the gateway's built-in endpoints: authentication under
// /api/v1/auth and process liveness under /health.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/httpx"
	"github.com/venrok/gateway/internal/mw"
)

type AuthHandlers struct {
	Store  *auth.UserStore
	Tokens *auth.TokenService
	Log    *slog.Logger
}

// Mount registers the auth endpoints on mux. Protected handlers are wrapped
// here so callers only compose the cross-cutting middleware.
func (h *AuthHandlers) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/register", h.register)
	mux.HandleFunc("POST /api/v1/auth/login", h.login)
	mux.HandleFunc("POST /api/v1/auth/refresh", h.refresh)
	mux.Handle("GET /api/v1/auth/profile",
		mw.RequireAuth(h.Tokens, http.HandlerFunc(h.profile)))
	mux.Handle("GET /api/v1/auth/admin-only",
		mw.RequireAuth(h.Tokens, mw.RequireRole(http.HandlerFunc(h.adminOnly), auth.RoleAdmin)))
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *AuthHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindBadRequest, "invalid JSON body"))
		return
	}

	fields := map[string]string{}
	if err := auth.ValidateUsername(req.Username); err != nil {
		fields["username"] = err.Error()
	}
	if err := auth.ValidateEmail(req.Email); err != nil {
		fields["email"] = err.Error()
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		fields["password"] = err.Error()
	}
	if req.Password != req.ConfirmPassword {
		fields["confirmPassword"] = "passwords do not match"
	}
	if len(fields) > 0 {
		ge := httpx.NewError(httpx.KindBadRequest, "Validation failed")
		ge.Fields = fields
		httpx.WriteError(w, r, ge)
		return
	}

	user, err := h.Store.Register(req.Username, req.Email, req.Password)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	tokens, err := h.Tokens.Issue(user)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	h.Log.Info("user registered", slog.String("username", user.Username))
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"message": "Registration successful",
		"user":    user,
		"tokens":  tokens,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindBadRequest, "invalid JSON body"))
		return
	}
	user, err := h.Store.Authenticate(req.Username, req.Password)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	tokens, err := h.Tokens.Issue(user)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	h.Log.Info("user logged in", slog.String("username", user.Username))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"user":    user,
		"tokens":  tokens,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId,omitempty"`
}

func (h *AuthHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindBadRequest, "invalid JSON body"))
		return
	}
	sub, err := h.Tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	// A claimed subject must match the refresh token's subject.
	if req.UserID != "" && req.UserID != sub {
		httpx.WriteError(w, r, auth.ErrInvalidToken)
		return
	}
	user, ok := h.Store.Get(sub)
	if !ok {
		httpx.WriteError(w, r, auth.ErrInvalidToken)
		return
	}
	access, err := h.Tokens.IssueAccess(user)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":     "Token refreshed",
		"accessToken": access,
	})
}

func (h *AuthHandlers) profile(w http.ResponseWriter, r *http.Request) {
	p, _ := mw.PrincipalFrom(r.Context())
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Profile",
		"user":    p,
	})
}

func (h *AuthHandlers) adminOnly(w http.ResponseWriter, r *http.Request) {
	p, _ := mw.PrincipalFrom(r.Context())
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Welcome, administrator",
		"user":    p.Username,
	})
}

// MountHealth registers the gateway's own liveness endpoints.
func MountHealth(mux *http.ServeMux, startedAt time.Time) {
	respond := func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"uptime_seconds": int(time.Since(startedAt).Seconds()),
			"time_utc":       time.Now().UTC().Format(time.RFC3339),
		})
	}
	mux.HandleFunc("GET /health", respond)
	mux.HandleFunc("GET /health/ready", respond)
	mux.HandleFunc("GET /health/live", respond)
}
