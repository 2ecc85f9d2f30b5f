package backlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/event"
)

type identityLog struct {
	events []event.Event
	// newest OccurredAt among evicted events
	evictedThrough time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	logs   map[string]*identityLog
	limits Limits
	now    func() time.Time
	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory backlog.
func NewMemoryStore(limits Limits, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logs:   make(map[string]*identityLog),
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
}

// Append inserts e in occurrence order. Events normally arrive in order, so
// the insertion point is found by scanning back from the tail.
func (m *MemoryStore) Append(_ context.Context, identity string, e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[identity]
	if !ok {
		l = &identityLog{}
		m.logs[identity] = l
	}

	i := len(l.events)
	for i > 0 && l.events[i-1].OccurredAt.After(e.OccurredAt) {
		i--
	}
	if i == len(l.events) {
		l.events = append(l.events, e)
	} else {
		l.events = append(l.events, event.Event{})
		copy(l.events[i+1:], l.events[i:])
		l.events[i] = e
	}

	m.evictLocked(l, m.now())
	return nil
}

// Since returns events after from for identity.
func (m *MemoryStore) Since(_ context.Context, identity string, from time.Time) (Replay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.logs[identity]
	if !ok {
		return Replay{Truncated: m.limits.beyondHorizon(now, from)}, nil
	}
	m.evictLocked(l, now)

	idx := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].OccurredAt.After(from)
	})
	out := make([]event.Event, len(l.events)-idx)
	copy(out, l.events[idx:])

	return Replay{
		Events:    out,
		Truncated: l.evictedThrough.After(from) ||
			(l.evictedThrough.IsZero() && m.limits.beyondHorizon(now, from)),
	}, nil
}

// Sweep drops aged entries for every identity and forgets identities that
// have nothing left. It returns the number of identities removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, l := range m.logs {
		m.evictLocked(l, now)
		if len(l.events) == 0 && (m.limits.MaxAge <= 0 || now.Sub(l.evictedThrough) > m.limits.MaxAge) {
			delete(m.logs, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("backlog sweep", zap.Int("identitiesRemoved", removed))
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Len returns the number of events held for identity.
func (m *MemoryStore) Len(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[identity]; ok {
		return len(l.events)
	}
	return 0
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) evictLocked(l *identityLog, now time.Time) {
	drop := 0
	if m.limits.MaxEvents > 0 && len(l.events) > m.limits.MaxEvents {
		drop = len(l.events) - m.limits.MaxEvents
	}
	if m.limits.MaxAge > 0 {
		cutoff := now.Add(-m.limits.MaxAge)
		for drop < len(l.events) && l.events[drop].OccurredAt.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return
	}
	if last := l.events[drop-1].OccurredAt; last.After(l.evictedThrough) {
		l.evictedThrough = last
	}
	clear(l.events[:drop])
	l.events = l.events[drop:]
}
