package admission

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start  time.Time
	length time.Duration
	count  int
}

// MemoryStore keeps fixed windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Hit implements Store.
func (m *MemoryStore) Hit(_ context.Context, key string, limit int, win time.Duration, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.start.Add(win)) {
		w = &window{start: now, length: win}
		m.windows[key] = w
	}
	resetAt := w.start.Add(win)

	if w.count >= limit {
		return Decision{Allowed: false, ResetAt: resetAt}, nil
	}
	w.count++
	return Decision{Allowed: true, ResetAt: resetAt, Remaining: limit - w.count}, nil
}

// Sweep removes expired windows and returns how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, w := range m.windows {
		if !now.Before(w.start.Add(w.length)) {
			delete(m.windows, k)
			n++
		}
	}
	return n
}

// Reset clears the window for key, or every window when key is empty.
func (m *MemoryStore) Reset(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key == "" {
		n := len(m.windows)
		m.windows = make(map[string]*window)
		return n
	}
	if _, ok := m.windows[key]; ok {
		delete(m.windows, key)
		return 1
	}
	return 0
}
