// Package registry owns route definitions and replica health state.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/breaker"
)

// Policy selects the load-balancing algorithm for a route.
type Policy string

const (
	PolicyRoundRobin         Policy = "round-robin"
	PolicyWeightedRoundRobin Policy = "weighted-round-robin"
	PolicyLeastConnections   Policy = "least-connections"
	PolicyLeastResponseTime  Policy = "least-response-time"
	PolicyHealthBased        Policy = "health-based"
	PolicyRandom             Policy = "random"
)

// HealthCheck is a route's probe policy. Thresholds are consecutive-probe
// counts before a replica flips state; zero means flip on the first
// contrary probe.
type HealthCheck struct {
	Enabled            bool          `json:"enabled"`
	Path               string        `json:"path"`
	Interval           time.Duration `json:"interval_ns"`
	Timeout            time.Duration `json:"timeout_ns"`
	HealthyThreshold   int           `json:"healthy_threshold"`
	UnhealthyThreshold int           `json:"unhealthy_threshold"`
}

// Replica is one upstream endpoint. Mutated only through registry methods.
type Replica struct {
	URL               string        `json:"url"`
	Weight            int           `json:"weight"`
	Healthy           bool          `json:"healthy"`
	LastCheck         time.Time     `json:"last_check,omitempty"`
	Latency           time.Duration `json:"latency_ms,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	TotalErrors       int           `json:"total_errors"`
}

// Route is a (method, path-pattern) entry with its policies and replicas.
// Public routes bypass admission; otherwise a valid bearer is required and
// any configured role/permission predicates are enforced.
type Route struct {
	ID            string            `json:"id"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Replicas      []Replica         `json:"replicas"`
	Policy        Policy            `json:"policy"`
	HealthCheck   HealthCheck       `json:"health_check"`
	Breaker       breaker.Config    `json:"circuit_breaker"`
	Timeout       time.Duration     `json:"timeout_ns"`
	Retries       int               `json:"retries"`
	Active        bool              `json:"active"`
	Public        bool              `json:"public"`
	RequiredRoles []auth.Role       `json:"required_roles,omitempty"`
	RequiredPerms []auth.Permission `json:"required_permissions,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Target is a replica definition supplied to Put.
type Target struct {
	URL    string
	Weight int
}

// Config is the input to Put.
type Config struct {
	Method        string
	Path          string
	Targets       []Target
	Policy        Policy
	HealthCheck   HealthCheck
	Breaker       breaker.Config
	Timeout       time.Duration
	Retries       int
	Active        bool
	Public        bool
	RequiredRoles []auth.Role
	RequiredPerms []auth.Permission
}

// Registry is the process-wide route table. Readers receive value snapshots;
// mutations never affect an in-flight dispatch.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]*Route
	ordered []*Route // pattern-scan order: specificity-first, stable
}

func New() *Registry {
	return &Registry{byKey: make(map[string]*Route)}
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// literalPrefixLen counts the literal characters before the first parameter
// or wildcard segment; longer prefixes are considered more specific.
func literalPrefixLen(path string) int {
	for i := 0; i < len(path); i++ {
		if path[i] == ':' || path[i] == '*' {
			return i
		}
	}
	return len(path)
}

func wildcardCount(path string) int {
	return strings.Count(path, ":") + strings.Count(path, "*")
}

func (r *Registry) reorderLocked() {
	r.ordered = r.ordered[:0]
	for _, rt := range r.byKey {
		r.ordered = append(r.ordered, rt)
	}
	sort.SliceStable(r.ordered, func(i, j int) bool {
		a, b := r.ordered[i], r.ordered[j]
		la, lb := literalPrefixLen(a.Path), literalPrefixLen(b.Path)
		if la != lb {
			return la > lb
		}
		wa, wb := wildcardCount(a.Path), wildcardCount(b.Path)
		if wa != wb {
			return wa < wb
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Method < b.Method
	})
}

// Put creates or replaces the route for (method, path), generating a fresh
// id and timestamps. Replicas start healthy by declaration; the health
// monitor takes over from the first probe.
func (r *Registry) Put(cfg Config) Route {
	now := time.Now().UTC()
	replicas := make([]Replica, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		replicas = append(replicas, Replica{URL: t.URL, Weight: w, Healthy: true})
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyRoundRobin
	}
	rt := &Route{
		ID:            uuid.NewString(),
		Method:        strings.ToUpper(cfg.Method),
		Path:          cfg.Path,
		Replicas:      replicas,
		Policy:        policy,
		HealthCheck:   cfg.HealthCheck,
		Breaker:       cfg.Breaker,
		Timeout:       cfg.Timeout,
		Retries:       cfg.Retries,
		Active:        cfg.Active,
		Public:        cfg.Public,
		RequiredRoles: cfg.RequiredRoles,
		RequiredPerms: cfg.RequiredPerms,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[routeKey(cfg.Method, cfg.Path)] = rt
	r.reorderLocked()
	return rt.snapshot()
}

func (r *Registry) Get(path, method string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.byKey[routeKey(method, path)]; ok {
		return rt.snapshot(), true
	}
	return Route{}, false
}

func (r *Registry) List() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.ordered))
	for _, rt := range r.ordered {
		out = append(out, rt.snapshot())
	}
	return out
}

func (r *Registry) Delete(path, method string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := routeKey(method, path)
	if _, ok := r.byKey[k]; !ok {
		return false
	}
	delete(r.byKey, k)
	r.reorderLocked()
	return true
}

// FindMatch resolves a request path: exact (method, path) first, then a
// specificity-first scan of active pattern routes. ":name" matches exactly
// one segment; a trailing "*" matches any suffix. The query string plays no
// part in matching.
func (r *Registry) FindMatch(requestPath, method string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.byKey[routeKey(method, requestPath)]; ok && rt.Active {
		return rt.snapshot(), true
	}
	m := strings.ToUpper(method)
	for _, rt := range r.ordered {
		if !rt.Active || rt.Method != m {
			continue
		}
		if patternMatch(rt.Path, requestPath) {
			return rt.snapshot(), true
		}
	}
	return Route{}, false
}

// maxParamLen bounds a single :param value.
const maxParamLen = 100

func patternMatch(pattern, path string) bool {
	if !strings.ContainsAny(pattern, ":*") {
		return pattern == path
	}
	pSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := strings.Split(strings.Trim(path, "/"), "/")

	for i, p := range pSegs {
		if p == "*" && i == len(pSegs)-1 {
			return true
		}
		if i >= len(segs) {
			return false
		}
		if strings.HasPrefix(p, ":") {
			if segs[i] == "" || len(segs[i]) > maxParamLen {
				return false
			}
			continue
		}
		if p != segs[i] {
			return false
		}
	}
	return len(pSegs) == len(segs)
}

// HealthyReplicas returns copies of the route's healthy replicas.
func (r *Registry) HealthyReplicas(path, method string) []Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byKey[routeKey(method, path)]
	if !ok {
		return nil
	}
	out := make([]Replica, 0, len(rt.Replicas))
	for _, rep := range rt.Replicas {
		if rep.Healthy {
			out = append(out, rep)
		}
	}
	return out
}

// UpdateReplicaHealth flips the health flag for the replica; returns the
// previous value and whether the replica was found.
func (r *Registry) UpdateReplicaHealth(path, method, url string, healthy bool) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.byKey[routeKey(method, path)]
	if !ok {
		return false, false
	}
	for i := range rt.Replicas {
		if rt.Replicas[i].URL == url {
			was := rt.Replicas[i].Healthy
			rt.Replicas[i].Healthy = healthy
			rt.Replicas[i].LastCheck = time.Now().UTC()
			rt.UpdatedAt = time.Now().UTC()
			return was, true
		}
	}
	return false, false
}

// UpdateReplicaLatency records an observed request or probe latency.
func (r *Registry) UpdateReplicaLatency(path, method, url string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.byKey[routeKey(method, path)]
	if !ok {
		return
	}
	for i := range rt.Replicas {
		if rt.Replicas[i].URL == url {
			rt.Replicas[i].Latency = latency
			return
		}
	}
}

// RecordProbe advances the replica's error counters after a health probe:
// success decrements the consecutive count (floor 0) and stores latency;
// failure increments both counters. Returns the updated replica snapshot.
func (r *Registry) RecordProbe(path, method, url string, ok bool, latency time.Duration) (Replica, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, found := r.byKey[routeKey(method, path)]
	if !found {
		return Replica{}, false
	}
	now := time.Now().UTC()
	for i := range rt.Replicas {
		rep := &rt.Replicas[i]
		if rep.URL != url {
			continue
		}
		rep.LastCheck = now
		if ok {
			if rep.ConsecutiveErrors > 0 {
				rep.ConsecutiveErrors--
			}
			rep.Latency = latency
		} else {
			rep.ConsecutiveErrors++
			rep.TotalErrors++
		}
		return *rep, true
	}
	return Replica{}, false
}

func (rt *Route) snapshot() Route {
	cp := *rt
	cp.Replicas = append([]Replica(nil), rt.Replicas...)
	return cp
}

// DemoRoutes are the two routes the registry ships with for end-to-end
// testing; removable through the admin surface.
func DemoRoutes(usersUpstream, ordersUpstream string) []Config {
	hc := HealthCheck{
		Enabled:  true,
		Path:     "/health",
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
	}
	br := breaker.Config{Enabled: true, Threshold: 5, Window: 10 * time.Second, Timeout: 30 * time.Second}
	return []Config{
		{
			Method:      "GET",
			Path:        "/api/users",
			Targets:     []Target{{URL: usersUpstream}},
			Policy:      PolicyRoundRobin,
			HealthCheck: hc,
			Breaker:     br,
			Timeout:     30 * time.Second,
			Retries:     2,
			Active:      true,
		},
		{
			Method:      "GET",
			Path:        "/api/orders",
			Targets:     []Target{{URL: ordersUpstream}},
			Policy:      PolicyRoundRobin,
			HealthCheck: hc,
			Breaker:     br,
			Timeout:     30 * time.Second,
			Retries:     2,
			Active:      true,
		},
	}
}
