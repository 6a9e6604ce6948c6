package mw

import (
	"context"
	"net/http"

	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/httpx"
)

type principalKeyType struct{}

var principalKey principalKeyType

// PrincipalFrom returns the authenticated principal stored by RequireAuth.
func PrincipalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(auth.Principal)
	return p, ok
}

// RequireAuth verifies the bearer token and stores the principal on the
// context. Missing or invalid tokens answer 401.
func RequireAuth(tokens *auth.TokenService, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := auth.BearerToken(r)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		principal, err := tokens.Verify(tok)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole guards a handler behind an authenticated principal holding
// any of the given roles. Must be nested inside RequireAuth.
func RequireRole(next http.Handler, roles ...auth.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			httpx.WriteError(w, r, auth.ErrInvalidToken)
			return
		}
		if err := auth.Authorize(p, roles, nil, auth.LogicAny); err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission guards a handler behind any of the given permissions.
// Must be nested inside RequireAuth.
func RequirePermission(next http.Handler, perms ...auth.Permission) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			httpx.WriteError(w, r, auth.ErrInvalidToken)
			return
		}
		if err := auth.Authorize(p, nil, perms, auth.LogicAny); err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
