package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/pulse/internal/backlog"
	"github.com/dgnsrekt/pulse/internal/event"
	"github.com/dgnsrekt/pulse/internal/metrics"
	"github.com/dgnsrekt/pulse/internal/registry"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	reg     *registry.Registry
	store   *backlog.MemoryStore
	metrics *metrics.Metrics
	b       *Broadcaster
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	store := backlog.NewMemoryStore(backlog.Limits{MaxEvents: 100}, logger)
	m := metrics.New(prometheus.NewRegistry())
	b := New(reg, store, m, logger)
	b.now = func() time.Time { return base }
	return &fixture{reg: reg, store: store, metrics: m, b: b}
}

func drain(o *registry.Outbox) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-o.Frames():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestPublish_FansOutToEveryConnection(t *testing.T) {
	f := newFixture(t)
	o1, o2, other := registry.NewOutbox(8), registry.NewOutbox(8), registry.NewOutbox(8)
	f.reg.Register("u1", o1)
	f.reg.Register("u1", o2)
	f.reg.Register("u2", other)

	res, err := f.b.Publish(context.Background(), []string{"u1"}, "task.assigned", []byte(`{"taskId":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Recipients)

	want := event.EncodeFrame(res.Event)
	assert.Equal(t, [][]byte{want}, drain(o1))
	assert.Equal(t, [][]byte{want}, drain(o2))
	assert.Empty(t, drain(other))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsPublished.WithLabelValues("task.assigned")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.FramesDelivered))
}

type checkingSink struct {
	t       *testing.T
	store   backlog.Store
	mu      sync.Mutex
	matched bool
}

func (s *checkingSink) Send([]byte) error {
	r, err := s.store.Since(context.Background(), "u1", time.Time{})
	require.NoError(s.t, err)
	s.mu.Lock()
	s.matched = len(r.Events) == 1
	s.mu.Unlock()
	return nil
}

func (s *checkingSink) Close(string) {}

func TestPublish_AppendsBeforeLiveDelivery(t *testing.T) {
	f := newFixture(t)
	sink := &checkingSink{t: t, store: f.store}
	f.reg.Register("u1", sink)

	_, err := f.b.Publish(context.Background(), []string{"u1"}, "task.updated", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, sink.matched, "event must be in the backlog when the frame is sent")
}

func TestPublish_SlowConsumerIsDisconnected(t *testing.T) {
	f := newFixture(t)
	slow := registry.NewOutbox(1)
	fast := registry.NewOutbox(8)
	f.reg.Register("u1", slow)
	f.reg.Register("u1", fast)

	for i := 0; i < 3; i++ {
		_, err := f.b.Publish(context.Background(), []string{"u1"}, "tick", []byte(`1`))
		require.NoError(t, err)
	}

	assert.Equal(t, "slow_consumer", slow.Reason())
	assert.Len(t, drain(fast), 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SlowConsumers))
}

type recordingOffline struct {
	identities []string
}

func (r *recordingOffline) Offline(_ context.Context, identity string, _ event.Event) {
	r.identities = append(r.identities, identity)
}

func TestPublish_OfflineIdentities(t *testing.T) {
	f := newFixture(t)
	off := &recordingOffline{}
	f.b.SetOfflineHandler(off)
	f.reg.Register("online", registry.NewOutbox(4))

	res, err := f.b.Publish(context.Background(), []string{"online", "away", "away", ""}, "comment.created", []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recipients)
	assert.Equal(t, 1, res.Offline)
	assert.Equal(t, []string{"away"}, off.identities)

	// The offline identity still gets the event on replay.
	r, err := f.store.Since(context.Background(), "away", base.Add(-time.Second))
	require.NoError(t, err)
	assert.Len(t, r.Events, 1)
}

type brokenStore struct{}

func (brokenStore) Append(context.Context, string, event.Event) error {
	return backlog.ErrUnavailable
}

func (brokenStore) Since(context.Context, string, time.Time) (backlog.Replay, error) {
	return backlog.Replay{}, backlog.ErrUnavailable
}

func (brokenStore) Close() error { return nil }

func TestPublish_BacklogFailureStillDelivers(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	m := metrics.New(prometheus.NewRegistry())
	b := New(reg, brokenStore{}, m, logger)
	o := registry.NewOutbox(4)
	reg.Register("u1", o)

	res, err := b.Publish(context.Background(), []string{"u1"}, "x", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.BacklogFailures)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, drain(o), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BacklogErrors.WithLabelValues("append")))
}

func TestPublish_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.b.Publish(context.Background(), nil, "x", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = f.b.Publish(context.Background(), []string{"u1"}, "x", []byte(`{broken`))
	assert.True(t, errors.Is(err, event.ErrInvalidPayload))
}

func TestPublish_ConcurrentPublishersKeepOrder(t *testing.T) {
	f := newFixture(t)
	f.b.now = time.Now
	o := registry.NewOutbox(1000)
	f.reg.Register("u1", o)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = f.b.Publish(context.Background(), []string{"u1"}, "n", []byte(`1`))
			}
		}()
	}
	wg.Wait()

	frames := drain(o)
	require.Len(t, frames, 160)
	var last time.Time
	for _, raw := range frames {
		parsed, _, _ := event.Parse(string(raw))
		require.Len(t, parsed, 1)
		at, ok, err := event.ParseSince(parsed[0].ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, at.After(last))
		last = at
	}
}

func TestPublish_StalledClockKeepsIDsUnique(t *testing.T) {
	f := newFixture(t)

	first, err := f.b.Publish(context.Background(), []string{"u1"}, "a", []byte(`1`))
	require.NoError(t, err)
	second, err := f.b.Publish(context.Background(), []string{"u1"}, "b", []byte(`2`))
	require.NoError(t, err)

	assert.Equal(t, base, first.Event.OccurredAt)
	assert.True(t, second.Event.OccurredAt.After(first.Event.OccurredAt))
	assert.NotEqual(t, first.Event.ID, second.Event.ID)

	r, err := f.store.Since(context.Background(), "u1", first.Event.OccurredAt)
	require.NoError(t, err)
	require.Len(t, r.Events, 1)
	assert.Equal(t, "b", r.Events[0].Type)
}
