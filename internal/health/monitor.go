// Package health actively probes route replicas and drives their health
// flags in the registry.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/venrok/gateway/internal/registry"
)

type probeState struct {
	consecutiveOK   int
	consecutiveFail int
}

// Monitor runs one probe loop per active route with health checking
// enabled. Probes run outside any circuit breaker. A shared pacer caps the
// aggregate probe rate so a large route table does not stampede upstreams.
type Monitor struct {
	reg    *registry.Registry
	client *http.Client
	log    *slog.Logger
	pacer  *rate.Limiter

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	intervals map[string]time.Duration
	states    map[string]*probeState

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(reg *registry.Registry, log *slog.Logger) *Monitor {
	return &Monitor{
		reg: reg,
		client: &http.Client{
			// Per-probe deadlines come from the route's timeout context.
			Timeout: 0,
		},
		log:       log,
		pacer:     rate.NewLimiter(rate.Limit(50), 10),
		cancels:   make(map[string]context.CancelFunc),
		intervals: make(map[string]time.Duration),
		states:    make(map[string]*probeState),
	}
}

// Start launches probe loops for every eligible route.
func (m *Monitor) Start(ctx context.Context) {
	m.root, m.cancel = context.WithCancel(ctx)
	m.Sync()
}

// Sync reconciles probe loops with the current route table. Call after
// admin mutations.
func (m *Monitor) Sync() {
	if m.root == nil {
		return
	}
	want := make(map[string]registry.Route)
	for _, rt := range m.reg.List() {
		if rt.Active && rt.HealthCheck.Enabled && len(rt.Replicas) > 0 {
			want[rt.Method+" "+rt.Path] = rt
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cancel := range m.cancels {
		rt, ok := want[key]
		// The ticker cadence is fixed at loop start, so an interval change
		// requires a restart. Everything else refreshes per probe.
		if !ok || rt.HealthCheck.Interval != m.intervals[key] {
			cancel()
			delete(m.cancels, key)
			delete(m.intervals, key)
		}
	}
	for key, rt := range want {
		if _, running := m.cancels[key]; running {
			continue
		}
		loopCtx, cancel := context.WithCancel(m.root)
		m.cancels[key] = cancel
		m.intervals[key] = rt.HealthCheck.Interval
		m.wg.Add(1)
		go m.loop(loopCtx, rt.Method, rt.Path)
	}
}

// Stop cancels all probes. In-flight probes observe cancellation and
// abandon their updates.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, method, path string) {
	defer m.wg.Done()

	rt, ok := m.reg.Get(path, method)
	if !ok {
		return
	}
	interval := rt.HealthCheck.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// Probe once immediately so fresh routes settle before the first tick.
	m.probeRoute(ctx, method, path)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.probeRoute(ctx, method, path)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probeRoute(ctx context.Context, method, path string) {
	// Re-fetch so replica set changes apply without restarting the loop.
	rt, ok := m.reg.Get(path, method)
	if !ok || !rt.HealthCheck.Enabled {
		return
	}
	for _, rep := range rt.Replicas {
		if err := m.pacer.Wait(ctx); err != nil {
			return
		}
		ok, latency := m.probe(ctx, rt, rep.URL)
		if ctx.Err() != nil {
			return
		}
		m.apply(rt, rep.URL, ok, latency)
	}
}

func (m *Monitor) probe(ctx context.Context, rt registry.Route, replicaURL string) (bool, time.Duration) {
	timeout := rt.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hp := rt.HealthCheck.Path
	if hp == "" {
		hp = "/health"
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		strings.TrimRight(replicaURL, "/")+hp, nil)
	if err != nil {
		return false, 0
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return false, 0
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	return resp.StatusCode >= 200 && resp.StatusCode < 400, latency
}

func (m *Monitor) apply(rt registry.Route, replicaURL string, ok bool, latency time.Duration) {
	rep, found := m.reg.RecordProbe(rt.Path, rt.Method, replicaURL, ok, latency)
	if !found {
		return
	}

	healthyAfter := rt.HealthCheck.HealthyThreshold
	if healthyAfter <= 0 {
		healthyAfter = 1
	}
	unhealthyAfter := rt.HealthCheck.UnhealthyThreshold
	if unhealthyAfter <= 0 {
		unhealthyAfter = 1
	}

	m.mu.Lock()
	key := rt.Method + " " + rt.Path + "|" + replicaURL
	st := m.states[key]
	if st == nil {
		st = &probeState{}
		m.states[key] = st
	}
	if ok {
		st.consecutiveOK++
		st.consecutiveFail = 0
	} else {
		st.consecutiveFail++
		st.consecutiveOK = 0
	}
	flipUp := !rep.Healthy && ok && st.consecutiveOK >= healthyAfter
	flipDown := rep.Healthy && !ok && st.consecutiveFail >= unhealthyAfter
	m.mu.Unlock()

	if flipUp {
		m.reg.UpdateReplicaHealth(rt.Path, rt.Method, replicaURL, true)
		m.log.Info("replica recovered",
			slog.String("route", rt.Method+" "+rt.Path),
			slog.String("replica", replicaURL),
			slog.Duration("latency", latency))
	}
	if flipDown {
		m.reg.UpdateReplicaHealth(rt.Path, rt.Method, replicaURL, false)
		m.log.Warn("replica degraded",
			slog.String("route", rt.Method+" "+rt.Path),
			slog.String("replica", replicaURL),
			slog.Int("consecutive_errors", rep.ConsecutiveErrors))
	}
}

// Stats summarizes the monitor for the admin surface.
type Stats struct {
	ActiveLoops int `json:"active_loops"`
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{ActiveLoops: len(m.cancels)}
}
