package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/balancer"
	"github.com/venrok/gateway/internal/breaker"
	"github.com/venrok/gateway/internal/cache"
	"github.com/venrok/gateway/internal/netx"
	"github.com/venrok/gateway/internal/ratelimit"
	"github.com/venrok/gateway/internal/registry"
)

type pipelineFixture struct {
	pipeline *Pipeline
	registry *registry.Registry
	tokens   *auth.TokenService
	cache    *cache.Cache
	limiter  *ratelimit.MemoryLimiter
	breakers *breaker.Manager
}

func newPipelineFixture(t *testing.T, rules func(*http.Request) []ratelimit.Rule) *pipelineFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if rules == nil {
		rules = func(*http.Request) []ratelimit.Rule { return nil }
	}

	reg := registry.New()
	breakers := breaker.NewManager(log)
	respCache := cache.New(100, 1<<20, time.Minute)
	limiter := ratelimit.NewMemoryLimiter(time.Minute)
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour, 7*24*time.Hour)

	fx := &pipelineFixture{
		pipeline: &Pipeline{
			Registry:  reg,
			Balancer:  balancer.New(),
			Cache:     respCache,
			Forwarder: NewForwarder(http.DefaultTransport, breakers, "venrok-gateway", log),
			Limiter:   ratelimit.NewChecker(limiter, netx.IPResolver{}),
			Rules:     rules,
			Tokens:    tokens,
			Log:       log,
		},
		registry: reg,
		tokens:   tokens,
		cache:    respCache,
		limiter:  limiter,
		breakers: breakers,
	}
	t.Cleanup(func() {
		breakers.Close()
		respCache.Close()
		limiter.Close()
	})
	return fx
}

func (fx *pipelineFixture) putRoute(path string, upstream string, public bool, roles ...auth.Role) registry.Route {
	return fx.registry.Put(registry.Config{
		Method:        "GET",
		Path:          path,
		Targets:       []registry.Target{{URL: upstream}},
		Active:        true,
		Public:        public,
		RequiredRoles: roles,
		Timeout:       5 * time.Second,
	})
}

func (fx *pipelineFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fx.pipeline.ServeHTTP(rec, req)
	return rec
}

func TestPipeline_ProxiesAndStampsHeaders(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"users":[]}`))
	}))
	defer up.Close()

	fx := newPipelineFixture(t, nil)
	fx.putRoute("/api/users", up.URL, true)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"users":[]}` {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	h := rec.Header()
	if h.Get("X-Gateway-Target") != up.URL {
		t.Fatalf("X-Gateway-Target = %q", h.Get("X-Gateway-Target"))
	}
	if h.Get("X-Gateway-Route") != "GET /api/users" {
		t.Fatalf("X-Gateway-Route = %q", h.Get("X-Gateway-Route"))
	}
	if h.Get("X-Gateway-Response-Time") == "" {
		t.Fatal("X-Gateway-Response-Time missing")
	}
	if h.Get("X-Cache") != "MISS" {
		t.Fatalf("X-Cache = %q, want MISS", h.Get("X-Cache"))
	}
}

func TestPipeline_CacheHitIsByteIdentical(t *testing.T) {
	var hits atomic.Int64
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte(`{"n":1}`))
	}))
	defer up.Close()

	fx := newPipelineFixture(t, nil)
	fx.putRoute("/api/users", up.URL, true)

	first := fx.do(httptest.NewRequest(http.MethodGet, "/api/users?page=1", nil))
	if first.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("first X-Cache = %q", first.Header().Get("X-Cache"))
	}

	second := fx.do(httptest.NewRequest(http.MethodGet, "/api/users?page=1", nil))
	if second.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("second X-Cache = %q", second.Header().Get("X-Cache"))
	}
	if second.Body.String() != first.Body.String() {
		t.Fatal("cached body must be byte-identical")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatal("cached response lost its headers")
	}
	if hits.Load() != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits.Load())
	}

	// A different query string is a different cache identity.
	fx.do(httptest.NewRequest(http.MethodGet, "/api/users?page=2", nil))
	if hits.Load() != 2 {
		t.Fatalf("upstream hits = %d, want 2", hits.Load())
	}
}

func TestPipeline_UncacheableResponsesAreNotStored(t *testing.T) {
	var hits atomic.Int64
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("x"))
	}))
	defer up.Close()

	fx := newPipelineFixture(t, nil)
	fx.putRoute("/api/users", up.URL, true)

	fx.do(httptest.NewRequest(http.MethodGet, "/api/users", nil))
	fx.do(httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if hits.Load() != 2 {
		t.Fatalf("no-store responses must not be served from cache, hits = %d", hits.Load())
	}
}

func TestPipeline_ReservedPrefixesAreNotProxied(t *testing.T) {
	fx := newPipelineFixture(t, nil)
	for _, p := range []string{"/health", "/metrics", "/admin/gateway/routes", "/api/v1/auth/login"} {
		rec := fx.do(httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s = %d, want 404", p, rec.Code)
		}
	}
}

func TestPipeline_NoRouteIs404(t *testing.T) {
	fx := newPipelineFixture(t, nil)
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPipeline_Admission(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer up.Close()

	fx := newPipelineFixture(t, nil)
	fx.putRoute("/api/users", up.URL, false, auth.RoleAdmin)

	// No token.
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}

	// Valid token, wrong role.
	userPair, _ := fx.tokens.Issue(auth.User{ID: "u1", Username: "u", Roles: []auth.Role{auth.RoleUser}})
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+userPair.AccessToken)
	rec = fx.do(req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong role = %d, want 403", rec.Code)
	}

	// Admin passes.
	adminPair, _ := fx.tokens.Issue(auth.User{ID: "a1", Username: "a", Roles: []auth.Role{auth.RoleAdmin}})
	req = httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+adminPair.AccessToken)
	rec = fx.do(req)
	if rec.Code != http.StatusOK || rec.Body.String() != "secret" {
		t.Fatalf("admin = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPipeline_ExpiredBearerCannotReplayCachedResponse(t *testing.T) {
	var hits atomic.Int64
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte("secret"))
	}))
	defer up.Close()

	fx := newPipelineFixture(t, nil)
	fx.putRoute("/api/secret", up.URL, false, auth.RoleUser)

	shortLived := auth.NewTokenService([]byte("test-secret"), time.Second, time.Hour)
	pair, err := shortLived.Issue(auth.User{ID: "u1", Username: "u", Roles: []auth.Role{auth.RoleUser}})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/secret", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := fx.do(req)
	if rec.Code != http.StatusOK || rec.Body.String() != "secret" {
		t.Fatalf("fresh bearer = %d body=%s", rec.Code, rec.Body.String())
	}
	if hits.Load() != 1 {
		t.Fatalf("upstream hits = %d", hits.Load())
	}

	// Same Authorization header, same cache identity, but the token has
	// expired: admission must win over the cached entry.
	time.Sleep(1200 * time.Millisecond)
	req = httptest.NewRequest(http.MethodGet, "/api/secret", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = fx.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired bearer = %d cache=%q, want 401",
			rec.Code, rec.Header().Get("X-Cache"))
	}
	if rec.Header().Get("X-Cache") == "HIT" {
		t.Fatal("expired bearer served from cache")
	}
}

func TestPipeline_NoHealthyBackendIs502(t *testing.T) {
	fx := newPipelineFixture(t, nil)
	fx.putRoute("/api/users", "http://127.0.0.1:9", true)
	fx.registry.UpdateReplicaHealth("/api/users", "GET", "http://127.0.0.1:9", false)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestPipeline_RateLimiting(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	rules := func(*http.Request) []ratelimit.Rule {
		return []ratelimit.Rule{{Name: "tiny", KeyTemplate: "t:{ip}", Limit: 2, Window: time.Minute}}
	}
	fx := newPipelineFixture(t, rules)
	fx.putRoute("/api/users", up.URL, true)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.RemoteAddr = "5.5.5.5:1000"
		rec = fx.do(req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.RemoteAddr = "5.5.5.5:1000"
	rec = fx.do(req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}

	// A different client is unaffected.
	req = httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.RemoteAddr = "6.6.6.6:1000"
	if rec := fx.do(req); rec.Code != http.StatusOK {
		t.Fatalf("other client = %d", rec.Code)
	}
}

func TestPipeline_PersonalizedCacheKeys(t *testing.T) {
	var hits atomic.Int64
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte("body"))
	}))
	defer up.Close()

	fx := newPipelineFixture(t, nil)
	fx.putRoute("/api/users", up.URL, true)

	alice, _ := fx.tokens.Issue(auth.User{ID: "u1", Username: "alice", Roles: []auth.Role{auth.RoleUser}})
	bob, _ := fx.tokens.Issue(auth.User{ID: "u2", Username: "bob", Roles: []auth.Role{auth.RoleUser}})

	for _, tok := range []string{alice.AccessToken, bob.AccessToken} {
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		fx.do(req)
	}
	if hits.Load() != 2 {
		t.Fatalf("per-user responses must not be shared, hits = %d", hits.Load())
	}

	// Same user again hits the cache.
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+alice.AccessToken)
	rec := fx.do(req)
	if rec.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("same-user repeat = %q, want HIT", rec.Header().Get("X-Cache"))
	}
}
