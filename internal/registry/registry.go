package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSlowConsumer is returned by a sink whose queue is full.
var ErrSlowConsumer = errors.New("slow consumer")

// ErrClosed is returned when sending to a sink that has been closed.
var ErrClosed = errors.New("sink closed")

// Sink receives encoded frames for one live connection.
type Sink interface {
	Send(frame []byte) error
	Close(reason string)
}

// Connection is one registered subscription.
type Connection struct {
	ID           string
	Identity     string
	Sink         Sink
	RegisteredAt time.Time

	lastLiveness atomic.Int64
}

// LastLivenessAt returns the time of the last successful write or probe.
func (c *Connection) LastLivenessAt() time.Time {
	return time.Unix(0, c.lastLiveness.Load())
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Connections int `json:"connections"`
	Identities  int `json:"identities"`
}

// Registry tracks live connections grouped by identity.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]map[string]*Connection // identity -> connID -> conn
	total  int
	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]map[string]*Connection),
		now:    time.Now,
		logger: logger,
	}
}

// Register adds a sink for identity and returns its connection.
func (r *Registry) Register(identity string, sink Sink) *Connection {
	now := r.now()
	conn := &Connection{
		ID:           uuid.New().String(),
		Identity:     identity,
		Sink:         sink,
		RegisteredAt: now,
	}
	conn.lastLiveness.Store(now.UnixNano())

	r.mu.Lock()
	byID, ok := r.conns[identity]
	if !ok {
		byID = make(map[string]*Connection)
		r.conns[identity] = byID
	}
	byID[conn.ID] = conn
	r.total++
	r.mu.Unlock()

	r.logger.Debug("connection registered",
		zap.String("identity", identity),
		zap.String("connID", conn.ID),
	)
	return conn
}

// Remove deletes a connection. It reports whether the connection was present,
// so repeated calls are harmless.
func (r *Registry) Remove(identity, connID string) bool {
	r.mu.Lock()
	byID, ok := r.conns[identity]
	if ok {
		_, ok = byID[connID]
	}
	if ok {
		delete(byID, connID)
		if len(byID) == 0 {
			delete(r.conns, identity)
		}
		r.total--
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug("connection removed",
			zap.String("identity", identity),
			zap.String("connID", connID),
		)
	}
	return ok
}

// ListFor returns a snapshot of the connections for identity.
func (r *Registry) ListFor(identity string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.conns[identity]
	if len(byID) == 0 {
		return nil
	}
	list := make([]*Connection, 0, len(byID))
	for _, c := range byID {
		list = append(list, c)
	}
	return list
}

// TouchLiveness records that the connection was recently alive.
func (r *Registry) TouchLiveness(identity, connID string) bool {
	r.mu.RLock()
	c, ok := r.conns[identity][connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.lastLiveness.Store(r.now().UnixNano())
	return true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Identities returns identities with at least one live connection, sorted.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Stats returns connection and identity counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: r.total, Identities: len(r.conns)}
}

// CloseAll asks every registered sink to close. Entries are removed by the
// owning sessions as they exit.
func (r *Registry) CloseAll(reason string) int {
	r.mu.RLock()
	var all []*Connection
	for _, byID := range r.conns {
		for _, c := range byID {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		c.Sink.Close(reason)
	}
	r.logger.Info("closing all connections",
		zap.Int("count", len(all)),
		zap.String("reason", reason),
	)
	return len(all)
}
