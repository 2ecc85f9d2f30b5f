package backlog

import (
	"context"
	"errors"
	"time"

	"github.com/dgnsrekt/pulse/internal/event"
)

// ErrUnavailable wraps any failure of the underlying store. Callers degrade
// to live-only delivery when they see it.
var ErrUnavailable = errors.New("replay backlog unavailable")

// Replay is the answer to a since query.
type Replay struct {
	Events []event.Event

	// Truncated is set when events newer than the requested point were
	// evicted, so the caller cannot assume the replay is complete.
	Truncated bool
}

// Store keeps a bounded, per-identity history of events.
type Store interface {
	// Append records e for identity, evicting the oldest entries beyond the
	// configured bounds.
	Append(ctx context.Context, identity string, e event.Event) error

	// Since returns events with OccurredAt strictly after from, oldest first.
	Since(ctx context.Context, identity string, from time.Time) (Replay, error)

	// Close releases any resources.
	Close() error
}

// Limits bound the history kept per identity.
type Limits struct {
	MaxEvents int
	MaxAge    time.Duration
}

// beyondHorizon reports whether from is older than anything the store can
// still account for. Eviction records expire after MaxAge, so a resume point
// past that horizon with no record must be treated as truncated.
func (l Limits) beyondHorizon(now, from time.Time) bool {
	return l.MaxAge > 0 && !from.IsZero() && from.Before(now.Add(-l.MaxAge))
}
