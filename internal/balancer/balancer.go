// Package balancer selects an upstream replica per route policy. It only
// mutates its own counters; replica state belongs to the registry.
package balancer

import (
	"math/rand"
	"sync"

	"github.com/venrok/gateway/internal/registry"
)

// Balancer holds per-route selection counters and in-flight tallies.
type Balancer struct {
	mu       sync.Mutex
	rr       map[string]uint64
	wrr      map[string]uint64
	inflight map[string]int64
}

func New() *Balancer {
	return &Balancer{
		rr:       make(map[string]uint64),
		wrr:      make(map[string]uint64),
		inflight: make(map[string]int64),
	}
}

func pairKey(routeKey, url string) string { return routeKey + "|" + url }

// Pick chooses a replica from the already health-filtered list. sessionID is
// reserved for sticky sessions and unused by the current policies. Returns
// false when the list is empty.
func (b *Balancer) Pick(routeKey string, policy registry.Policy, replicas []registry.Replica, sessionID string) (registry.Replica, bool) {
	_ = sessionID
	if len(replicas) == 0 {
		return registry.Replica{}, false
	}

	switch policy {
	case registry.PolicyWeightedRoundRobin:
		return b.pickWeighted(routeKey, replicas), true
	case registry.PolicyLeastConnections:
		return b.pickLeastConnections(routeKey, replicas), true
	case registry.PolicyLeastResponseTime:
		best := replicas[0]
		for _, rep := range replicas[1:] {
			if rep.Latency < best.Latency {
				best = rep
			}
		}
		return best, true
	case registry.PolicyHealthBased:
		best := replicas[0]
		for _, rep := range replicas[1:] {
			if rep.TotalErrors < best.TotalErrors {
				best = rep
			}
		}
		return best, true
	case registry.PolicyRandom:
		return replicas[rand.Intn(len(replicas))], true
	default: // round-robin
		b.mu.Lock()
		n := b.rr[routeKey]
		b.rr[routeKey] = n + 1
		b.mu.Unlock()
		return replicas[n%uint64(len(replicas))], true
	}
}

func (b *Balancer) pickWeighted(routeKey string, replicas []registry.Replica) registry.Replica {
	total := 0
	for _, rep := range replicas {
		total += rep.Weight
	}
	if total <= 0 {
		return replicas[0]
	}
	b.mu.Lock()
	n := b.wrr[routeKey]
	b.wrr[routeKey] = n + 1
	b.mu.Unlock()

	pos := int(n % uint64(total))
	for _, rep := range replicas {
		pos -= rep.Weight
		if pos < 0 {
			return rep
		}
	}
	return replicas[len(replicas)-1]
}

func (b *Balancer) pickLeastConnections(routeKey string, replicas []registry.Replica) registry.Replica {
	b.mu.Lock()
	defer b.mu.Unlock()
	best := replicas[0]
	bestN := b.inflight[pairKey(routeKey, best.URL)]
	for _, rep := range replicas[1:] {
		if n := b.inflight[pairKey(routeKey, rep.URL)]; n < bestN {
			best, bestN = rep, n
		}
	}
	return best
}

// Incr marks a forwarding in flight for the (route, replica) pair.
func (b *Balancer) Incr(routeKey, url string) {
	b.mu.Lock()
	b.inflight[pairKey(routeKey, url)]++
	b.mu.Unlock()
}

// Decr releases an in-flight forwarding.
func (b *Balancer) Decr(routeKey, url string) {
	b.mu.Lock()
	k := pairKey(routeKey, url)
	if b.inflight[k] > 0 {
		b.inflight[k]--
	}
	b.mu.Unlock()
}

func (b *Balancer) InFlight(routeKey, url string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight[pairKey(routeKey, url)]
}

// Stats snapshots counters for the admin surface.
type Stats struct {
	RoundRobin map[string]uint64 `json:"round_robin_positions"`
	InFlight   map[string]int64  `json:"in_flight"`
}

func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		RoundRobin: make(map[string]uint64, len(b.rr)),
		InFlight:   make(map[string]int64, len(b.inflight)),
	}
	for k, v := range b.rr {
		st.RoundRobin[k] = v
	}
	for k, v := range b.inflight {
		if v != 0 {
			st.InFlight[k] = v
		}
	}
	return st
}

// Reset clears selection counters. In-flight tallies are left alone so
// outstanding requests still decrement correctly.
func (b *Balancer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rr = make(map[string]uint64)
	b.wrr = make(map[string]uint64)
}
