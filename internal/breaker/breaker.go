// Package breaker implements per-(route, replica) circuit breaking with a
// sliding window of failure timestamps.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config is a route's breaker policy. When Enabled is false the breaker
// never denies and keeps no state for the (route, replica) pair.
type Config struct {
	Enabled   bool          `json:"enabled"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window_ns"`
	Timeout   time.Duration `json:"timeout_ns"`
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

type instance struct {
	state        State
	failures     []time.Time
	nextAttempt  time.Time
	total        int64
	successes    int64
	failureCount int64
	lastFailure  time.Time
	lastSuccess  time.Time
	lastActivity time.Time
}

// pruneLocked drops window entries older than window.
func (in *instance) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := in.failures[:0]
	for _, t := range in.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	in.failures = kept
}

// Manager owns all breaker instances. Instances are created lazily on first
// use and garbage-collected after five minutes of inactivity.
type Manager struct {
	mu     sync.Mutex
	m      map[string]*instance
	log    *slog.Logger
	stopCh chan struct{}
	now    func() time.Time
}

const idleTTL = 5 * time.Minute

func NewManager(log *slog.Logger) *Manager {
	m := &Manager{
		m:      make(map[string]*instance),
		log:    log,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	go m.gcLoop(time.Minute)
	return m
}

func key(routeID, replicaURL string) string { return routeID + "|" + replicaURL }

func (m *Manager) gcLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.mu.Lock()
			now := m.now()
			for k, in := range m.m {
				if now.Sub(in.lastActivity) > idleTTL {
					delete(m.m, k)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) get(routeID, replicaURL string) *instance {
	k := key(routeID, replicaURL)
	in := m.m[k]
	if in == nil {
		in = &instance{state: StateClosed}
		m.m[k] = in
	}
	return in
}

// CanExecute reports whether a request may be sent to the replica. In OPEN
// it denies until the retry time, then transitions to HALF_OPEN and allows
// the probe.
func (m *Manager) CanExecute(routeID, replicaURL string, cfg Config) bool {
	if !cfg.Enabled {
		return true
	}
	cfg = cfg.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.get(routeID, replicaURL)
	now := m.now()
	in.lastActivity = now
	in.total++

	switch in.state {
	case StateOpen:
		if now.Before(in.nextAttempt) {
			return false
		}
		in.state = StateHalfOpen
		m.log.Debug("breaker half-open",
			slog.String("route", routeID), slog.String("replica", replicaURL))
		return true
	default:
		return true
	}
}

// RecordFailure appends a server-class failure to the sliding window.
// Callers must only record upstream 5xx, connect errors and timeouts.
func (m *Manager) RecordFailure(routeID, replicaURL string, cfg Config) {
	if !cfg.Enabled {
		return
	}
	cfg = cfg.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.get(routeID, replicaURL)
	now := m.now()
	in.lastActivity = now
	in.lastFailure = now
	in.failureCount++

	switch in.state {
	case StateHalfOpen:
		in.state = StateOpen
		in.nextAttempt = now.Add(cfg.Timeout)
		m.log.Warn("breaker reopened",
			slog.String("route", routeID), slog.String("replica", replicaURL))
	case StateClosed:
		in.failures = append(in.failures, now)
		in.pruneLocked(now, cfg.Window)
		if len(in.failures) >= cfg.Threshold {
			in.state = StateOpen
			in.nextAttempt = now.Add(cfg.Timeout)
			m.log.Warn("breaker opened",
				slog.String("route", routeID),
				slog.String("replica", replicaURL),
				slog.Int("failures", len(in.failures)))
		}
	}
}

// RecordSuccess closes a HALF_OPEN breaker; in CLOSED it only updates
// counters.
func (m *Manager) RecordSuccess(routeID, replicaURL string, cfg Config) {
	if !cfg.Enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.get(routeID, replicaURL)
	now := m.now()
	in.lastActivity = now
	in.lastSuccess = now
	in.successes++

	if in.state == StateHalfOpen {
		in.state = StateClosed
		in.failures = in.failures[:0]
		m.log.Info("breaker closed",
			slog.String("route", routeID), slog.String("replica", replicaURL))
	}
}

// InstanceStats is the externally visible state of one breaker.
type InstanceStats struct {
	State          State     `json:"state"`
	WindowFailures int       `json:"window_failures"`
	Total          int64     `json:"total"`
	Successes      int64     `json:"successes"`
	Failures       int64     `json:"failures"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
	LastSuccess    time.Time `json:"last_success,omitempty"`
	NextAttempt    time.Time `json:"next_attempt,omitempty"`
}

// Stats snapshots every live instance keyed by "routeID|replicaURL".
func (m *Manager) Stats() map[string]InstanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]InstanceStats, len(m.m))
	for k, in := range m.m {
		out[k] = InstanceStats{
			State:          in.state,
			WindowFailures: len(in.failures),
			Total:          in.total,
			Successes:      in.successes,
			Failures:       in.failureCount,
			LastFailure:    in.lastFailure,
			LastSuccess:    in.lastSuccess,
			NextAttempt:    in.nextAttempt,
		}
	}
	return out
}

// StateOf returns the current state for the pair, defaulting to CLOSED.
func (m *Manager) StateOf(routeID, replicaURL string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in := m.m[key(routeID, replicaURL)]; in != nil {
		return in.state
	}
	return StateClosed
}

// RetryAfter returns the remaining open time for the pair, zero when the
// breaker is not denying.
func (m *Manager) RetryAfter(routeID, replicaURL string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := m.m[key(routeID, replicaURL)]
	if in == nil || in.state != StateOpen {
		return 0
	}
	if d := in.nextAttempt.Sub(m.now()); d > 0 {
		return d
	}
	return 0
}

// Reset removes the instance for the pair.
func (m *Manager) Reset(routeID, replicaURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key(routeID, replicaURL))
}

// ResetAll drops every instance.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m = make(map[string]*instance)
}

// forceNextAttempt rewinds the open deadline; test hook.
func (m *Manager) forceNextAttempt(routeID, replicaURL string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in := m.m[key(routeID, replicaURL)]; in != nil {
		in.nextAttempt = t
	}
}

func (m *Manager) Close() {
	close(m.stopCh)
}
