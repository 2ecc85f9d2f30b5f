package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/backlog"
	"github.com/dgnsrekt/pulse/internal/event"
	"github.com/dgnsrekt/pulse/internal/metrics"
	"github.com/dgnsrekt/pulse/internal/registry"
)

// ErrNoRecipients is returned when Publish is called without identities.
var ErrNoRecipients = errors.New("no recipients")

// OfflineHandler is told about events for identities with no live connection.
type OfflineHandler interface {
	Offline(ctx context.Context, identity string, e event.Event)
}

// Result summarizes one Publish call.
type Result struct {
	Event           event.Event `json:"event"`
	Recipients      int         `json:"recipients"`
	Delivered       int         `json:"delivered"`
	Dropped         int         `json:"dropped"`
	Offline         int         `json:"offline"`
	BacklogFailures int         `json:"backlogFailures"`
}

// Broadcaster fans events out to every connection of the target identities.
type Broadcaster struct {
	registry *registry.Registry
	backlog  backlog.Store
	offline  OfflineHandler
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *zap.Logger

	// serializes publishes so every recipient sees events in occurrence order
	mu   sync.Mutex
	last time.Time
}

// New creates a Broadcaster. m may be nil.
func New(reg *registry.Registry, store backlog.Store, m *metrics.Metrics, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		backlog:  store,
		metrics:  m,
		now:      time.Now,
		logger:   logger,
	}
}

// SetOfflineHandler installs h. It must be called before the first Publish.
func (b *Broadcaster) SetOfflineHandler(h OfflineHandler) {
	b.offline = h
}

// Publish builds one event and delivers it to each identity. The event is
// appended to the identity's backlog before any live delivery. Slow
// connections are disconnected instead of blocking the caller.
func (b *Broadcaster) Publish(ctx context.Context, identities []string, typ string, payload []byte) (Result, error) {
	targets := dedupe(identities)
	if len(targets) == 0 {
		return Result{}, ErrNoRecipients
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := event.New(typ, payload, b.next())
	if err != nil {
		return Result{}, fmt.Errorf("building event: %w", err)
	}
	frame := event.EncodeFrame(e)
	res := Result{Event: e, Recipients: len(targets)}

	for _, identity := range targets {
		if err := b.backlog.Append(ctx, identity, e); err != nil {
			res.BacklogFailures++
			b.metrics.BacklogError("append")
			b.logger.Warn("backlog append failed, delivering live only",
				zap.String("identity", identity),
				zap.String("type", e.Type),
				zap.Error(err),
			)
		}

		conns := b.registry.ListFor(identity)
		if len(conns) == 0 {
			res.Offline++
			if b.offline != nil {
				b.offline.Offline(ctx, identity, e)
			}
			continue
		}

		for _, c := range conns {
			if err := c.Sink.Send(frame); err != nil {
				res.Dropped++
				b.dropped(c, err)
				continue
			}
			res.Delivered++
		}
	}

	b.metrics.Published(e.Type)
	b.metrics.Delivered(res.Delivered)
	b.logger.Debug("event published",
		zap.String("type", e.Type),
		zap.String("id", e.ID),
		zap.Int("recipients", res.Recipients),
		zap.Int("delivered", res.Delivered),
		zap.Int("dropped", res.Dropped),
	)
	return res, nil
}

// next returns a timestamp strictly after the previous event's, so event IDs
// stay unique resume points even when the clock stalls or steps back.
// Callers hold b.mu.
func (b *Broadcaster) next() time.Time {
	now := b.now()
	if !now.After(b.last) {
		now = b.last.Add(time.Nanosecond)
	}
	b.last = now
	return now
}

func (b *Broadcaster) dropped(c *registry.Connection, err error) {
	if errors.Is(err, registry.ErrSlowConsumer) {
		b.metrics.SlowConsumer()
		b.logger.Warn("disconnecting slow consumer",
			zap.String("identity", c.Identity),
			zap.String("connID", c.ID),
		)
		c.Sink.Close("slow_consumer")
		return
	}
	b.logger.Debug("delivery failed",
		zap.String("identity", c.Identity),
		zap.String("connID", c.ID),
		zap.Error(err),
	)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
