package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/venrok/gateway/internal/auth"
)

func newTestMux(t *testing.T) (*http.ServeMux, *auth.UserStore, *auth.TokenService) {
	t.Helper()
	store := auth.NewUserStore(auth.NewArgon2Params())
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour, 7*24*time.Hour)
	h := &AuthHandlers{
		Store:  store,
		Tokens: tokens,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	mux := http.NewServeMux()
	h.Mount(mux)
	MountHealth(mux, time.Now())
	return mux, store, tokens
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body map[string]any, bearer string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func getJSON(t *testing.T, mux *http.ServeMux, path, bearer string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestRegisterLoginProfileFlow(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec, body := postJSON(t, mux, "/api/v1/auth/register", map[string]any{
		"username":        "testuser",
		"email":           "test@example.com",
		"password":        "TestPassword123!",
		"confirmPassword": "TestPassword123!",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d, body %s", rec.Code, rec.Body.String())
	}
	tokens, ok := body["tokens"].(map[string]any)
	if !ok || tokens["accessToken"] == "" || tokens["refreshToken"] == "" {
		t.Fatalf("register response missing tokens: %v", body)
	}

	rec, body = postJSON(t, mux, "/api/v1/auth/login", map[string]any{
		"username": "testuser",
		"password": "TestPassword123!",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d, body %s", rec.Code, rec.Body.String())
	}
	access := body["tokens"].(map[string]any)["accessToken"].(string)

	// Profile without a token is unauthorized.
	rec, _ = getJSON(t, mux, "/api/v1/auth/profile", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("profile without token = %d, want 401", rec.Code)
	}

	rec, body = getJSON(t, mux, "/api/v1/auth/profile", access)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile = %d, body %s", rec.Code, rec.Body.String())
	}
	user := body["user"].(map[string]any)
	if user["username"] != "testuser" {
		t.Fatalf("profile user = %v", user)
	}
}

func TestRegisterValidationFailures(t *testing.T) {
	mux, _, _ := newTestMux(t)

	// Weak password.
	rec, body := postJSON(t, mux, "/api/v1/auth/register", map[string]any{
		"username":        "testuser2",
		"email":           "test2@example.com",
		"password":        "weak",
		"confirmPassword": "weak",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("weak password = %d, want 400", rec.Code)
	}
	if body["message"] != "Validation failed" {
		t.Fatalf("message = %v, want Validation failed", body["message"])
	}
	fields, _ := body["fields"].(map[string]any)
	if fields["password"] == nil {
		t.Fatalf("expected a password issue in fields: %v", body)
	}

	// Password confirmation mismatch.
	rec, body = postJSON(t, mux, "/api/v1/auth/register", map[string]any{
		"username":        "testuser3",
		"email":           "test3@example.com",
		"password":        "TestPassword123!",
		"confirmPassword": "OtherPassword45!",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("mismatch = %d, want 400", rec.Code)
	}
	fields, _ = body["fields"].(map[string]any)
	if fields["confirmPassword"] == nil {
		t.Fatalf("expected a confirmPassword issue: %v", body)
	}

	// Duplicate username.
	for i := 0; i < 2; i++ {
		rec, body = postJSON(t, mux, "/api/v1/auth/register", map[string]any{
			"username":        "dupuser",
			"email":           "dup@example.com",
			"password":        "TestPassword123!",
			"confirmPassword": "TestPassword123!",
		}, "")
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate username = %d, want 400", rec.Code)
	}
}

func TestAdminOnlyEndpoint(t *testing.T) {
	mux, store, tokens := newTestMux(t)

	user, err := store.Register("plainuser", "plain@example.com", "TestPassword123!")
	if err != nil {
		t.Fatal(err)
	}
	userPair, _ := tokens.Issue(user)

	admin, err := store.SeedAdmin("adminuser", "admin@example.com", "AdminSecret9$z")
	if err != nil {
		t.Fatal(err)
	}
	adminPair, _ := tokens.Issue(admin)

	rec, body := getJSON(t, mux, "/api/v1/auth/admin-only", userPair.AccessToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user on admin-only = %d, want 403", rec.Code)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "Access denied") {
		t.Fatalf("denial message = %q", msg)
	}

	rec, _ = getJSON(t, mux, "/api/v1/auth/admin-only", adminPair.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin on admin-only = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshToken(t *testing.T) {
	mux, store, tokens := newTestMux(t)

	user, err := store.Register("refresher", "r@example.com", "TestPassword123!")
	if err != nil {
		t.Fatal(err)
	}
	pair, _ := tokens.Issue(user)

	rec, body := postJSON(t, mux, "/api/v1/auth/refresh", map[string]any{
		"refreshToken": pair.RefreshToken,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d, body %s", rec.Code, rec.Body.String())
	}
	access, _ := body["accessToken"].(string)
	if access == "" {
		t.Fatalf("refresh response missing accessToken: %v", body)
	}
	if _, err := tokens.Verify(access); err != nil {
		t.Fatalf("refreshed access token invalid: %v", err)
	}

	// Access tokens are not accepted as refresh tokens.
	rec, _ = postJSON(t, mux, "/api/v1/auth/refresh", map[string]any{
		"refreshToken": pair.AccessToken,
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("access-as-refresh = %d, want 401", rec.Code)
	}

	// Claimed subject must match the token's subject.
	rec, _ = postJSON(t, mux, "/api/v1/auth/refresh", map[string]any{
		"refreshToken": pair.RefreshToken,
		"userId":       "someone_else",
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("subject mismatch = %d, want 401", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	mux, _, _ := newTestMux(t)
	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		rec, body := getJSON(t, mux, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, rec.Code)
		}
		if body["status"] != "ok" {
			t.Fatalf("%s status = %v", path, body["status"])
		}
	}
}
