package proxy

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/balancer"
	"github.com/venrok/gateway/internal/cache"
	"github.com/venrok/gateway/internal/httpx"
	"github.com/venrok/gateway/internal/ratelimit"
	"github.com/venrok/gateway/internal/registry"
)

// reservedPrefixes are served by the built-in controllers, never dispatched
// upstream.
var reservedPrefixes = []string{"/health", "/api/v1/auth", "/metrics", "/favicon.ico", "/admin"}

// cacheSkipPrefixes are never looked up in or stored to the response cache.
var cacheSkipPrefixes = []string{"/health", "/metrics", "/admin", "/api/v1/auth"}

// Pipeline is the dispatch loop for proxied traffic: admission, rate
// limiting, caching, route matching, balancing, breaking and forwarding.
type Pipeline struct {
	Registry  *registry.Registry
	Balancer  *balancer.Balancer
	Cache     *cache.Cache
	Forwarder *Forwarder
	Limiter   *ratelimit.Checker
	Rules     func(r *http.Request) []ratelimit.Rule
	Tokens    *auth.TokenService
	Log       *slog.Logger
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if hasPrefix(r.URL.Path, reservedPrefixes) {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindNotFound, "not found"))
		return
	}

	// Best-effort principal for rate-limit scoping; strict admission comes
	// after route match.
	var principal *auth.Principal
	if tok, err := auth.BearerToken(r); err == nil {
		if pr, err := p.Tokens.Verify(tok); err == nil {
			principal = &pr
		}
	}
	userID := ""
	if principal != nil {
		userID = principal.Subject
	}

	dec, err := p.Limiter.Check(r.Context(), r, userID, p.Rules(r))
	if err != nil {
		// Fail open so a limiter backend outage cannot take down all traffic.
		p.Log.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		dec = ratelimit.Decision{Allowed: true, Remaining: -1}
	}
	if dec.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetTime.Unix(), 10))
	}
	if !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSeconds))
		httpx.WriteError(w, r, httpx.NewError(httpx.KindTooManyRequests,
			"rate limit exceeded for "+dec.Rule))
		return
	}

	rt, ok := p.Registry.FindMatch(r.URL.Path, r.Method)
	if !ok {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindNotFound, "no route matches "+r.Method+" "+r.URL.Path))
		return
	}

	if !rt.Public {
		if principal == nil {
			httpx.WriteError(w, r, auth.ErrInvalidToken)
			return
		}
		if err := auth.Authorize(*principal, rt.RequiredRoles, rt.RequiredPerms, auth.LogicAny); err != nil {
			httpx.WriteError(w, r, err)
			return
		}
	}

	// Cache lookup runs only after admission so a stale or expired bearer
	// cannot replay a cached protected response.
	cacheable := r.Method == http.MethodGet && !hasPrefix(r.URL.Path, cacheSkipPrefixes)
	cacheKey := ""
	if cacheable {
		cacheKey = cache.HTTPKey(r.Method, r.URL.RequestURI(), r.Header)
		if entry, ok := p.Cache.Get(cacheKey); ok {
			p.writeCached(w, entry)
			return
		}
	}

	healthy := p.Registry.HealthyReplicas(rt.Path, rt.Method)
	if len(healthy) == 0 {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindBadGateway, "no healthy backend"))
		return
	}

	routeKey := rt.Method + " " + rt.Path
	rep, ok := p.Balancer.Pick(routeKey, rt.Policy, healthy, "")
	if !ok {
		httpx.WriteError(w, r, httpx.NewError(httpx.KindBadGateway, "no healthy backend"))
		return
	}

	p.Balancer.Incr(routeKey, rep.URL)
	defer p.Balancer.Decr(routeKey, rep.URL)

	res, err := p.Forwarder.Forward(r.Context(), r, rt, rep)
	if err != nil {
		if ge, okErr := err.(*httpx.Error); okErr && ge.Kind == httpx.KindServiceUnavailable {
			if ra := ge.Fields["retryAfter"]; ra != "" && ra != "0" {
				w.Header().Set("Retry-After", ra)
			}
		}
		httpx.WriteError(w, r, err)
		return
	}

	p.Registry.UpdateReplicaLatency(rt.Path, rt.Method, rep.URL, res.Duration)

	headers := cache.StorableHeaders(res.Headers, hopByHopHeaders)
	for k, vs := range headers {
		w.Header()[k] = vs
	}
	w.Header().Set("X-Gateway-Target", rep.URL)
	w.Header().Set("X-Gateway-Response-Time", strconv.FormatInt(res.Duration.Milliseconds(), 10))
	w.Header().Set("X-Gateway-Route", routeKey)
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)

	if cacheable && cache.ShouldCacheResponse(res.Status, res.Headers) {
		ttl, _ := cache.TTLFromHeaders(res.Headers)
		p.Cache.Set(cacheKey, &cache.Entry{
			Status:  res.Status,
			Headers: headers,
			Body:    res.Body,
		}, ttl)
	}
}

func (p *Pipeline) writeCached(w http.ResponseWriter, e *cache.Entry) {
	for k, vs := range e.Headers {
		w.Header()[k] = vs
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}
