// Package admin exposes the gateway's operational surface under
// /admin/gateway. Every endpoint requires an authenticated principal with
// the permission matching the operation.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/balancer"
	"github.com/venrok/gateway/internal/breaker"
	"github.com/venrok/gateway/internal/cache"
	"github.com/venrok/gateway/internal/health"
	"github.com/venrok/gateway/internal/httpx"
	"github.com/venrok/gateway/internal/mw"
	"github.com/venrok/gateway/internal/ratelimit"
	"github.com/venrok/gateway/internal/registry"
)

type Handler struct {
	Registry *registry.Registry
	Balancer *balancer.Balancer
	Breakers *breaker.Manager
	Cache    *cache.Cache
	Limiter  ratelimit.Limiter
	Monitor  *health.Monitor
	Tokens   *auth.TokenService
	Log      *slog.Logger
}

// Mount registers the admin endpoints on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	guard := func(perm auth.Permission, fn http.HandlerFunc) http.Handler {
		return mw.RequireAuth(h.Tokens, mw.RequirePermission(fn, perm))
	}

	mux.Handle("GET /admin/gateway/routes", guard(auth.PermConfigureRoutes, h.listRoutes))
	mux.Handle("POST /admin/gateway/routes", guard(auth.PermConfigureRoutes, h.putRoute))
	mux.Handle("DELETE /admin/gateway/routes", guard(auth.PermConfigureRoutes, h.deleteRoute))

	mux.Handle("GET /admin/gateway/load-balancer/stats", guard(auth.PermViewMetrics, h.balancerStats))
	mux.Handle("POST /admin/gateway/load-balancer/reset", guard(auth.PermManageRateLimits, h.balancerReset))

	mux.Handle("GET /admin/gateway/rate-limit/stats", guard(auth.PermViewMetrics, h.limiterStats))
	mux.Handle("POST /admin/gateway/rate-limit/reset", guard(auth.PermManageRateLimits, h.limiterReset))
	mux.Handle("DELETE /admin/gateway/rate-limit/{key...}", guard(auth.PermManageRateLimits, h.limiterDelete))

	mux.Handle("GET /admin/gateway/circuit-breaker/stats", guard(auth.PermViewMetrics, h.breakerStats))
	mux.Handle("POST /admin/gateway/circuit-breaker/reset", guard(auth.PermManageRateLimits, h.breakerReset))

	mux.Handle("GET /admin/gateway/cache/stats", guard(auth.PermViewMetrics, h.cacheStats))
	mux.Handle("POST /admin/gateway/cache/clear", guard(auth.PermManageRateLimits, h.cacheClear))
	mux.Handle("DELETE /admin/gateway/cache", guard(auth.PermManageRateLimits, h.cacheDelete))

	mux.Handle("GET /admin/gateway/health/stats", guard(auth.PermViewMetrics, h.healthStats))
	mux.Handle("GET /admin/gateway/overview", guard(auth.PermViewMetrics, h.overview))
}

func (h *Handler) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes := h.Registry.List()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"count":  len(routes),
		"routes": routes,
	})
}

// routeRequest is the wire shape for route configuration. Durations travel
// as milliseconds.
type routeRequest struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Targets []struct {
		URL    string `json:"url"`
		Weight int    `json:"weight"`
	} `json:"targets"`
	Policy      string `json:"policy"`
	HealthCheck struct {
		Enabled            bool   `json:"enabled"`
		Path               string `json:"path"`
		IntervalMs         int    `json:"intervalMs"`
		TimeoutMs          int    `json:"timeoutMs"`
		HealthyThreshold   int    `json:"healthyThreshold"`
		UnhealthyThreshold int    `json:"unhealthyThreshold"`
	} `json:"healthCheck"`
	CircuitBreaker struct {
		Enabled   bool `json:"enabled"`
		Threshold int  `json:"threshold"`
		WindowMs  int  `json:"windowMs"`
		TimeoutMs int  `json:"timeoutMs"`
	} `json:"circuitBreaker"`
	TimeoutMs     int      `json:"timeoutMs"`
	Retries       int      `json:"retries"`
	Active        *bool    `json:"active"`
	Public        bool     `json:"public"`
	RequiredRoles []string `json:"requiredRoles"`
	RequiredPerms []string `json:"requiredPermissions"`
}

func (req routeRequest) toConfig() registry.Config {
	cfg := registry.Config{
		Method: req.Method,
		Path:   req.Path,
		Policy: registry.Policy(req.Policy),
		HealthCheck: registry.HealthCheck{
			Enabled:            req.HealthCheck.Enabled,
			Path:               req.HealthCheck.Path,
			Interval:           time.Duration(req.HealthCheck.IntervalMs) * time.Millisecond,
			Timeout:            time.Duration(req.HealthCheck.TimeoutMs) * time.Millisecond,
			HealthyThreshold:   req.HealthCheck.HealthyThreshold,
			UnhealthyThreshold: req.HealthCheck.UnhealthyThreshold,
		},
		Breaker: breaker.Config{
			Enabled:   req.CircuitBreaker.Enabled,
			Threshold: req.CircuitBreaker.Threshold,
			Window:    time.Duration(req.CircuitBreaker.WindowMs) * time.Millisecond,
			Timeout:   time.Duration(req.CircuitBreaker.TimeoutMs) * time.Millisecond,
		},
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
		Retries: req.Retries,
		Active:  req.Active == nil || *req.Active,
		Public:  req.Public,
	}
	for _, t := range req.Targets {
		cfg.Targets = append(cfg.Targets, registry.Target{URL: t.URL, Weight: t.Weight})
	}
	for _, role := range req.RequiredRoles {
		cfg.RequiredRoles = append(cfg.RequiredRoles, auth.ParseRole(role))
	}
	for _, p := range req.RequiredPerms {
		cfg.RequiredPerms = append(cfg.RequiredPerms, auth.Permission(p))
	}
	return cfg
}

func (h *Handler) putRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindBadRequest, "invalid JSON body"))
		return
	}
	cfg := req.toConfig()
	if err := validateConfig(cfg); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rt := h.Registry.Put(cfg)
	h.Monitor.Sync()
	h.Log.Info("route configured",
		slog.String("method", rt.Method),
		slog.String("path", rt.Path),
		slog.Int("replicas", len(rt.Replicas)))
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"message": "Route configured",
		"route":   rt,
	})
}

func (h *Handler) deleteRoute(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Query().Get("method")
	path := r.URL.Query().Get("path")
	if method == "" || path == "" {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindBadRequest, "method and path query parameters are required"))
		return
	}
	if !h.Registry.Delete(path, method) {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindNotFound, "route not found"))
		return
	}
	h.Monitor.Sync()
	h.Log.Info("route removed", slog.String("method", method), slog.String("path", path))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Route removed"})
}

func (h *Handler) balancerStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Balancer.Stats())
}

func (h *Handler) balancerReset(w http.ResponseWriter, r *http.Request) {
	h.Balancer.Reset()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Load balancer state reset"})
}

func (h *Handler) limiterStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Limiter.Stats(r.Context())
	if err != nil {
		httpx.WriteError(w, r, httpx.WrapError(httpx.KindInternal, "rate limiter stats unavailable", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) limiterReset(w http.ResponseWriter, r *http.Request) {
	if err := h.Limiter.Reset(r.Context()); err != nil {
		httpx.WriteError(w, r, httpx.WrapError(httpx.KindInternal, "rate limiter reset failed", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Rate limiter reset"})
}

func (h *Handler) limiterDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindBadRequest, "key is required"))
		return
	}
	removed, err := h.Limiter.Remove(r.Context(), key)
	if err != nil {
		httpx.WriteError(w, r, httpx.WrapError(httpx.KindInternal, "rate limiter delete failed", err))
		return
	}
	if !removed {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindNotFound, "no window for key"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Window removed", "key": key})
}

func (h *Handler) breakerStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Breakers.Stats())
}

func (h *Handler) breakerReset(w http.ResponseWriter, r *http.Request) {
	h.Breakers.ResetAll()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Circuit breakers reset"})
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Cache.Stats())
}

func (h *Handler) cacheClear(w http.ResponseWriter, r *http.Request) {
	h.Cache.Clear()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Cache cleared"})
}

// cacheDelete removes one entry. The key arrives as a query parameter since
// cache keys embed full request URLs.
func (h *Handler) cacheDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindBadRequest, "key query parameter is required"))
		return
	}
	if !h.Cache.Delete(key) {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindNotFound, "no cache entry for key"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Cache entry removed", "key": key})
}

func (h *Handler) healthStats(w http.ResponseWriter, r *http.Request) {
	type replicaView struct {
		URL               string `json:"url"`
		Healthy           bool   `json:"healthy"`
		LatencyMs         int64  `json:"latency_ms"`
		ConsecutiveErrors int    `json:"consecutive_errors"`
		TotalErrors       int    `json:"total_errors"`
	}
	view := map[string][]replicaView{}
	for _, rt := range h.Registry.List() {
		key := rt.Method + " " + rt.Path
		for _, rep := range rt.Replicas {
			view[key] = append(view[key], replicaView{
				URL:               rep.URL,
				Healthy:           rep.Healthy,
				LatencyMs:         rep.Latency.Milliseconds(),
				ConsecutiveErrors: rep.ConsecutiveErrors,
				TotalErrors:       rep.TotalErrors,
			})
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"monitor":  h.Monitor.Stats(),
		"replicas": view,
	})
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	limiterStats, err := h.Limiter.Stats(r.Context())
	if err != nil {
		h.Log.Warn("rate limiter stats unavailable", slog.Any("error", err))
	}
	routes := h.Registry.List()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"routes":          len(routes),
		"load_balancer":   h.Balancer.Stats(),
		"rate_limit":      limiterStats,
		"circuit_breaker": h.Breakers.Stats(),
		"cache":           h.Cache.Stats(),
		"health":          h.Monitor.Stats(),
	})
}

func validateConfig(cfg registry.Config) error {
	if cfg.Method == "" {
		return httpx.NewError(httpx.KindBadRequest, "method is required")
	}
	if cfg.Path == "" || cfg.Path[0] != '/' {
		return httpx.NewError(httpx.KindBadRequest, "path must start with /")
	}
	if len(cfg.Targets) == 0 {
		return httpx.NewError(httpx.KindBadRequest, "at least one target is required")
	}
	for _, t := range cfg.Targets {
		if t.URL == "" {
			return httpx.NewError(httpx.KindBadRequest, "target url is required")
		}
	}
	switch cfg.Policy {
	case "", registry.PolicyRoundRobin, registry.PolicyWeightedRoundRobin, registry.PolicyLeastConnections,
		registry.PolicyLeastResponseTime, registry.PolicyHealthBased, registry.PolicyRandom:
	default:
		return httpx.NewError(httpx.KindBadRequest, "unknown load balancing policy")
	}
	return nil
}
