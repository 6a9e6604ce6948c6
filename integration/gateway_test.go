package integration_test

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/venrok/gateway/internal/admin"
	"github.com/venrok/gateway/internal/api"
	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/balancer"
	"github.com/venrok/gateway/internal/breaker"
	"github.com/venrok/gateway/internal/cache"
	"github.com/venrok/gateway/internal/health"
	"github.com/venrok/gateway/internal/mw"
	"github.com/venrok/gateway/internal/netx"
	"github.com/venrok/gateway/internal/proxy"
	"github.com/venrok/gateway/internal/ratelimit"
	"github.com/venrok/gateway/internal/registry"
)

// buildGateway composes the full serving surface the way cmd/gateway does:
// built-in controllers on a mux, the proxy pipeline as the catch-all, and
// the shared middleware chain on the outside.
func buildGateway(t *testing.T, routes []registry.Config, rules func(*http.Request) []ratelimit.Rule) (*httptest.Server, *auth.UserStore) {
	t.Helper()

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ipr := netx.IPResolver{}

	limiter := ratelimit.NewMemoryLimiter(time.Minute)
	t.Cleanup(func() { _ = limiter.Close() })
	checker := ratelimit.NewChecker(limiter, ipr)

	reg := registry.New()
	for _, rc := range routes {
		reg.Put(rc)
	}

	breakers := breaker.NewManager(log)
	t.Cleanup(breakers.Close)

	respCache := cache.New(100, 1<<20, time.Minute)
	t.Cleanup(respCache.Close)

	bal := balancer.New()
	monitor := health.NewMonitor(reg, log)

	forwarder := proxy.NewForwarder(http.DefaultTransport, breakers, "venrok-gateway", log)

	tokens := auth.NewTokenService([]byte("integration-secret"), time.Hour, 24*time.Hour)
	users := auth.NewUserStore(auth.Argon2Params{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1})
	if _, err := users.SeedAdmin("root", "root@localhost", "RootPassw0rd!"); err != nil {
		t.Fatal(err)
	}

	if rules == nil {
		rules = func(*http.Request) []ratelimit.Rule { return nil }
	}

	promReg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(promReg)

	pipeline := &proxy.Pipeline{
		Registry:  reg,
		Balancer:  bal,
		Cache:     respCache,
		Forwarder: forwarder,
		Limiter:   checker,
		Rules:     rules,
		Tokens:    tokens,
		Log:       log,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	api.MountHealth(mux, time.Now())

	authAPI := &api.AuthHandlers{Store: users, Tokens: tokens, Log: log}
	authAPI.Mount(mux)

	adminAPI := &admin.Handler{
		Registry: reg,
		Balancer: bal,
		Breakers: breakers,
		Cache:    respCache,
		Limiter:  limiter,
		Monitor:  monitor,
		Tokens:   tokens,
		Log:      log,
	}
	adminAPI.Mount(mux)

	mux.Handle("/", pipeline)

	var handler http.Handler = mux
	handler = mw.RateLimit(checker, tokens, func(r *http.Request) []ratelimit.Rule {
		if r.URL.Path == "/api/v1/auth/login" {
			return []ratelimit.Rule{{Name: "login", KeyTemplate: "login:{ip}", Limit: 5, Window: 5 * time.Minute}}
		}
		return nil
	}, log, handler)
	handler = mw.MaxBodyBytes(1<<20, handler)
	handler = mw.Recover(log, handler)
	handler = mw.AccessLog(log, handler)
	handler = mw.Instrument(metrics, handler)
	handler = mw.CORS("*", handler)
	handler = mw.SecurityHeaders(handler)
	handler = mw.Trace(handler)

	gw := httptest.NewServer(handler)
	t.Cleanup(gw.Close)
	return gw, users
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getWithToken(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func loginToken(t *testing.T, gwURL, username, password string) string {
	t.Helper()
	resp, body := postJSON(t, gwURL+"/api/v1/auth/login",
		map[string]string{"username": username, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d body=%v", resp.StatusCode, body)
	}
	tok := body["tokens"].(map[string]any)["accessToken"].(string)
	if tok == "" {
		t.Fatal("empty access token")
	}
	return tok
}

func TestGateway_AuthAndProxyFlow(t *testing.T) {
	var productHits, orderHits int
	products := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		productHits++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"service": "products", "path": r.URL.Path})
	}))
	defer products.Close()

	orders := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orderHits++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"service": "orders", "path": r.URL.Path})
	}))
	defer orders.Close()

	routes := []registry.Config{
		{
			Method:  "GET",
			Path:    "/api/products/*",
			Targets: []registry.Target{{URL: products.URL}},
			Policy:  registry.PolicyRoundRobin,
			Timeout: 5 * time.Second,
			Active:  true,
			Public:  true,
		},
		{
			Method:        "GET",
			Path:          "/api/orders/:id",
			Targets:       []registry.Target{{URL: orders.URL}},
			Policy:        registry.PolicyRoundRobin,
			Timeout:       5 * time.Second,
			Active:        true,
			RequiredRoles: []auth.Role{auth.RoleUser},
		},
	}
	gw, _ := buildGateway(t, routes, nil)

	// Liveness works with no credentials.
	resp, _ := getWithToken(t, gw.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	// Register and log in through the gateway's own auth surface.
	resp, body := postJSON(t, gw.URL+"/api/v1/auth/register", map[string]string{
		"username":        "alice",
		"email":           "alice@example.com",
		"password":        "TestPassword123!",
		"confirmPassword": "TestPassword123!",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register = %d body=%v", resp.StatusCode, body)
	}
	token := loginToken(t, gw.URL, "alice", "TestPassword123!")

	// Protected route: no token, then a valid one.
	resp, _ = getWithToken(t, gw.URL+"/api/orders/42", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", resp.StatusCode)
	}
	resp, b := getWithToken(t, gw.URL+"/api/orders/42", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token = %d body=%s", resp.StatusCode, b)
	}
	if !strings.Contains(string(b), `"orders"`) {
		t.Fatalf("unexpected upstream body: %s", b)
	}
	if resp.Header.Get("X-Gateway-Target") != orders.URL {
		t.Fatalf("X-Gateway-Target = %q", resp.Header.Get("X-Gateway-Target"))
	}
	if orderHits != 1 {
		t.Fatalf("order upstream hits = %d", orderHits)
	}

	// Public route caches: second request is a HIT and never leaves the
	// gateway.
	resp, first := getWithToken(t, gw.URL+"/api/products/7", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("first products = %d cache=%s", resp.StatusCode, resp.Header.Get("X-Cache"))
	}
	resp, second := getWithToken(t, gw.URL+"/api/products/7", "")
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("second products cache = %s", resp.Header.Get("X-Cache"))
	}
	if !bytes.Equal(first, second) {
		t.Fatal("cached body must be byte-identical")
	}
	if productHits != 1 {
		t.Fatalf("product upstream hits = %d, want 1", productHits)
	}

	// Unknown path falls through the route table.
	resp, _ = getWithToken(t, gw.URL+"/api/nothing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path = %d", resp.StatusCode)
	}

	// Metrics endpoint is served by the gateway itself.
	resp, b = getWithToken(t, gw.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "gateway_http_requests_total") {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}

	// The outer chain stamps trace and security headers on every response.
	if resp.Header.Get("X-Trace-Id") == "" {
		t.Fatal("missing X-Trace-Id")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing security headers")
	}
}

func TestGateway_RateLimitsProxiedTraffic(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	routes := []registry.Config{{
		Method:  "GET",
		Path:    "/api/ping",
		Targets: []registry.Target{{URL: up.URL}},
		Policy:  registry.PolicyRoundRobin,
		Timeout: 5 * time.Second,
		Active:  true,
		Public:  true,
	}}
	rules := func(*http.Request) []ratelimit.Rule {
		return []ratelimit.Rule{{Name: "per-ip", KeyTemplate: "ip:{ip}", Limit: 3, Window: time.Minute}}
	}
	gw, _ := buildGateway(t, routes, rules)

	for i := 0; i < 3; i++ {
		resp, _ := getWithToken(t, gw.URL+"/api/ping", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Limit") != "3" {
			t.Fatalf("limit header = %q", resp.Header.Get("X-RateLimit-Limit"))
		}
	}

	resp, b := getWithToken(t, gw.URL+"/api/ping", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("fourth request = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	if !strings.Contains(string(b), "per-ip") {
		t.Fatalf("denial must name the rule: %s", b)
	}

	// The auth surface has its own budget and is unaffected.
	for i := 0; i < 4; i++ {
		resp, _ := postJSON(t, gw.URL+"/api/v1/auth/login",
			map[string]string{"username": "root", "password": "RootPassw0rd!"}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("login %d = %d", i+1, resp.StatusCode)
		}
	}
}

func TestGateway_BreakerShedsFailingReplica(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer up.Close()

	routes := []registry.Config{{
		Method:  "GET",
		Path:    "/api/flaky",
		Targets: []registry.Target{{URL: up.URL}},
		Policy:  registry.PolicyRoundRobin,
		Timeout: 5 * time.Second,
		Retries: 1,
		Active:  true,
		Public:  true,
		Breaker: breaker.Config{Enabled: true, Threshold: 2, Window: 10 * time.Second, Timeout: 30 * time.Second},
	}}
	gw, _ := buildGateway(t, routes, nil)

	// Initial attempt plus one retry record two failures and trip the
	// breaker.
	resp, _ := getWithToken(t, gw.URL+"/api/flaky", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("first = %d, want 502", resp.StatusCode)
	}

	resp, b := getWithToken(t, gw.URL+"/api/flaky", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second = %d body=%s, want 503 from the open breaker", resp.StatusCode, b)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("breaker rejection must carry Retry-After")
	}
}

func TestGateway_AdminSurface(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("dynamic"))
	}))
	defer up.Close()

	gw, _ := buildGateway(t, nil, nil)

	adminTok := loginToken(t, gw.URL, "root", "RootPassw0rd!")

	// Ordinary users cannot touch the control plane.
	resp, body := postJSON(t, gw.URL+"/api/v1/auth/register", map[string]string{
		"username":        "bob",
		"email":           "bob@example.com",
		"password":        "TestPassword123!",
		"confirmPassword": "TestPassword123!",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register = %d body=%v", resp.StatusCode, body)
	}
	userTok := loginToken(t, gw.URL, "bob", "TestPassword123!")

	resp, _ = getWithToken(t, gw.URL+"/admin/gateway/routes", userTok)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("user routes = %d, want 403", resp.StatusCode)
	}
	resp, _ = getWithToken(t, gw.URL+"/admin/gateway/routes", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous routes = %d, want 401", resp.StatusCode)
	}

	// Register a route at runtime and immediately proxy through it.
	resp, body = postJSON(t, gw.URL+"/admin/gateway/routes", map[string]any{
		"method": "GET",
		"path":   "/api/dynamic",
		"public": true,
		"targets": []map[string]any{
			{"url": up.URL, "weight": 1},
		},
	}, map[string]string{"Authorization": "Bearer " + adminTok})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create route = %d body=%v", resp.StatusCode, body)
	}

	resp, b := getWithToken(t, gw.URL+"/api/dynamic", "")
	if resp.StatusCode != http.StatusOK || string(b) != "dynamic" {
		t.Fatalf("dynamic route = %d body=%s", resp.StatusCode, b)
	}

	resp, b = getWithToken(t, gw.URL+"/admin/gateway/overview", adminTok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overview = %d", resp.StatusCode)
	}
	if !strings.Contains(string(b), "cache") {
		t.Fatalf("overview body = %s", b)
	}

	// Remove the route again; traffic immediately 404s.
	req, _ := http.NewRequest(http.MethodDelete,
		gw.URL+"/admin/gateway/routes?method=GET&path=/api/dynamic", nil)
	req.Header.Set("Authorization", "Bearer "+adminTok)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("delete route = %d", resp2.StatusCode)
	}
	resp, _ = getWithToken(t, gw.URL+"/api/dynamic", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted route = %d, want 404", resp.StatusCode)
	}
}
