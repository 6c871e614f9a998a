// Package rate provides the per-IP fixed-window limiter the API front door
// uses. The per-device posting ceiling is a separate concern and lives with
// the device identity logic.
package rate

import (
	"sync"
	"time"
)

type Limiter interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration)
}

type MemoryLimiter struct {
	mu    sync.Mutex
	store map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
	window  time.Duration
}

// pruneThreshold bounds the map: once it grows past this, expired buckets
// are dropped on the next insert. Keys are client IPs, so churn is high.
const pruneThreshold = 10000

func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{store: make(map[string]*bucket)}
}

func (m *MemoryLimiter) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.store[key]
	if !ok || now.After(b.resetAt) || b.window != window {
		if !ok && len(m.store) >= pruneThreshold {
			m.prune(now)
		}
		b = &bucket{count: 0, resetAt: now.Add(window), window: window}
		m.store[key] = b
	}

	if b.count >= limit {
		return false, time.Until(b.resetAt)
	}

	b.count++
	return true, time.Until(b.resetAt)
}

func (m *MemoryLimiter) prune(now time.Time) {
	for key, b := range m.store {
		if now.After(b.resetAt) {
			delete(m.store, key)
		}
	}
}
