package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memWindow struct {
	count int
	start time.Time
	reset time.Time
}

// MemoryLimiter keeps fixed windows in a process-local map. Expired windows
// are removed by a periodic sweep.
type MemoryLimiter struct {
	mu     sync.Mutex
	m      map[string]*memWindow
	sweep  time.Duration
	stopCh chan struct{}
	now    func() time.Time
}

func NewMemoryLimiter(sweepEvery time.Duration) *MemoryLimiter {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	ml := &MemoryLimiter{
		m:      make(map[string]*memWindow),
		sweep:  sweepEvery,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	go ml.gcLoop()
	return ml
}

func (m *MemoryLimiter) gcLoop() {
	t := time.NewTicker(m.sweep)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.mu.Lock()
			now := m.now()
			for k, w := range m.m {
				if !now.Before(w.reset) {
					delete(m.m, k)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryLimiter) Hit(_ context.Context, key string, limit int, window time.Duration) (Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w := m.m[key]
	if w == nil || !now.Before(w.reset) {
		w = &memWindow{start: now, reset: now.Add(window)}
		m.m[key] = w
	}
	if w.count >= limit {
		return Window{Count: w.count, Reset: w.reset}, false, nil
	}
	w.count++
	return Window{Count: w.count, Reset: w.reset}, true, nil
}

func (m *MemoryLimiter) Remove(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.m[key]; !ok {
		return false, nil
	}
	delete(m.m, key)
	return true, nil
}

func (m *MemoryLimiter) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m = make(map[string]*memWindow)
	return nil
}

func (m *MemoryLimiter) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	windows := make(map[string]int, len(m.m))
	for k, w := range m.m {
		windows[k] = w.count
	}
	return Stats{Backend: "memory", ActiveWindows: len(m.m), Windows: windows}, nil
}

func (m *MemoryLimiter) Close() error {
	close(m.stopCh)
	return nil
}
