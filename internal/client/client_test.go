package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/event"
)

var fastBackoff = Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond, Growth: 2}

func sseHeaders(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f := w.(http.Flusher)
	f.Flush()
	return f
}

func writeEvent(w http.ResponseWriter, f http.Flusher, typ, id, data string) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, data)
	f.Flush()
}

// scriptedServer runs the i-th handler for the i-th request and repeats the
// last one afterwards.
type scriptedServer struct {
	*httptest.Server
	requests atomic.Int32
	mu       sync.Mutex
	seen     []*http.Request
}

func newScriptedServer(t *testing.T, steps ...http.HandlerFunc) *scriptedServer {
	s := &scriptedServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.requests.Add(1)) - 1
		s.mu.Lock()
		s.seen = append(s.seen, r.Clone(context.Background()))
		s.mu.Unlock()
		if n >= len(steps) {
			n = len(steps) - 1
		}
		steps[n](w, r)
	}))
	t.Cleanup(func() {
		s.CloseClientConnections()
		s.Close()
	})
	return s
}

func (s *scriptedServer) request(i int) *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[i]
}

func hang(w http.ResponseWriter, r *http.Request) {
	f := sseHeaders(w)
	writeEvent(w, f, event.TypeConnected, "", `{}`)
	<-r.Context().Done()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runAsync(c *Client) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestClient_DispatchesAndResumes(t *testing.T) {
	const t1, t2 = "2026-05-01T12:00:00.001Z", "2026-05-01T12:00:00.002Z"

	srv := newScriptedServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			f := sseHeaders(w)
			writeEvent(w, f, event.TypeConnected, "", `{"connectionId":"c1"}`)
			writeEvent(w, f, "task.assigned", t1, `{"taskId":"t1"}`)
			writeEvent(w, f, "comment.created", t2, `{"commentId":"k1"}`)
		},
		hang,
	)

	c := New(Config{URL: srv.URL + "/v1/events", Backoff: fastBackoff}, StaticToken("tok"), zap.NewNop())

	var mu sync.Mutex
	var assigned []string
	var all []string
	c.On("task.assigned", func(_ context.Context, m Message) error {
		mu.Lock()
		defer mu.Unlock()
		assigned = append(assigned, string(m.Data))
		return nil
	})
	c.OnAny(func(_ context.Context, m Message) error {
		mu.Lock()
		defer mu.Unlock()
		all = append(all, m.Type)
		return nil
	})

	errc := runAsync(c)
	waitFor(t, "second connection", func() bool { return srv.requests.Load() >= 2 && c.State() == StateOpen })

	if got := srv.request(0).Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("authorization = %q", got)
	}
	if got := srv.request(0).URL.Query().Get("since"); got != "" {
		t.Errorf("first request should not carry since, got %q", got)
	}
	if got := srv.request(1).URL.Query().Get("since"); got != t2 {
		t.Errorf("reconnect since = %q, want %q", got, t2)
	}

	c.Stop()
	if err := waitErr(t, errc); !errors.Is(err, ErrStopped) {
		t.Errorf("Run returned %v, want ErrStopped", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(assigned) != 1 || assigned[0] != `{"taskId":"t1"}` {
		t.Errorf("assigned handler got %v", assigned)
	}
	if len(all) < 3 || all[0] != event.TypeConnected || all[1] != "task.assigned" || all[2] != "comment.created" {
		t.Errorf("dispatch order = %v", all)
	}
	want, _, _ := event.ParseSince(t2)
	if !c.LastEventAt().Equal(want) {
		t.Errorf("LastEventAt = %v, want %v", c.LastEventAt(), want)
	}
}

func TestClient_HandlerPanicIsolated(t *testing.T) {
	srv := newScriptedServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			f := sseHeaders(w)
			writeEvent(w, f, "a", "", `1`)
			writeEvent(w, f, "b", "", `2`)
			<-r.Context().Done()
		},
	)

	c := New(Config{URL: srv.URL, Backoff: fastBackoff}, StaticToken("tok"), zap.NewNop())
	var secondA, gotB atomic.Bool
	c.On("a", func(context.Context, Message) error { panic("boom") })
	c.On("a", func(context.Context, Message) error { secondA.Store(true); return errors.New("ignored") })
	c.On("b", func(context.Context, Message) error { gotB.Store(true); return nil })

	errc := runAsync(c)
	waitFor(t, "frame b", gotB.Load)
	if !secondA.Load() {
		t.Error("second handler for a did not run after the first panicked")
	}
	if srv.requests.Load() != 1 {
		t.Errorf("handler panic caused a reconnect: %d requests", srv.requests.Load())
	}
	c.Stop()
	waitErr(t, errc)
}

type countingTokens struct {
	refreshes atomic.Int32
	current   atomic.Value
	next      string
}

func (c *countingTokens) EnsureToken(context.Context) (string, error) {
	return c.current.Load().(string), nil
}

func (c *countingTokens) RefreshToken(context.Context) (string, error) {
	c.refreshes.Add(1)
	c.current.Store(c.next)
	return c.next, nil
}

func TestClient_RefreshesTokenOn401(t *testing.T) {
	srv := newScriptedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		hang(w, r)
	})

	tokens := &countingTokens{next: "fresh"}
	tokens.current.Store("stale")
	c := New(Config{URL: srv.URL, Backoff: fastBackoff}, tokens, zap.NewNop())

	errc := runAsync(c)
	waitFor(t, "open", func() bool { return c.State() == StateOpen })

	if n := tokens.refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
	if n := srv.requests.Load(); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
	c.Stop()
	waitErr(t, errc)
}

func TestClient_CredentialRejectedStops(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantRequests int32
	}{
		{name: "unauthorized after refresh", status: http.StatusUnauthorized, wantRequests: 2},
		{name: "forbidden", status: http.StatusForbidden, wantRequests: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newScriptedServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			c := New(Config{URL: srv.URL, Backoff: fastBackoff}, StaticToken("tok"), zap.NewNop())

			err := c.Run(context.Background())
			if !errors.Is(err, ErrCredentialRejected) {
				t.Fatalf("Run returned %v, want ErrCredentialRejected", err)
			}
			if !errors.Is(c.Err(), ErrCredentialRejected) {
				t.Errorf("Err() = %v", c.Err())
			}
			if c.State() != StateStopped {
				t.Errorf("state = %s, want stopped", c.State())
			}

			time.Sleep(30 * time.Millisecond)
			if n := srv.requests.Load(); n != tt.wantRequests {
				t.Errorf("requests = %d, want %d", n, tt.wantRequests)
			}
		})
	}
}

type flakyRefreshTokens struct {
	refreshes atomic.Int32
	current   atomic.Value
}

func (f *flakyRefreshTokens) EnsureToken(context.Context) (string, error) {
	return f.current.Load().(string), nil
}

func (f *flakyRefreshTokens) RefreshToken(context.Context) (string, error) {
	if f.refreshes.Add(1) == 1 {
		return "", errors.New("dial tcp: connection refused")
	}
	f.current.Store("fresh")
	return "fresh", nil
}

func TestClient_RefreshFailureRetries(t *testing.T) {
	srv := newScriptedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		hang(w, r)
	})

	tokens := &flakyRefreshTokens{}
	tokens.current.Store("stale")
	c := New(Config{URL: srv.URL, Backoff: fastBackoff}, tokens, zap.NewNop())

	errc := runAsync(c)
	waitFor(t, "open after refresh retry", func() bool { return c.State() == StateOpen })

	if n := tokens.refreshes.Load(); n != 2 {
		t.Errorf("refreshes = %d, want 2", n)
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil while running", c.Err())
	}
	c.Stop()
	waitErr(t, errc)
}

func TestClient_WatchdogAbortsStalledStream(t *testing.T) {
	srv := newScriptedServer(t, hang)
	c := New(Config{URL: srv.URL, Backoff: fastBackoff, IdleTimeout: 50 * time.Millisecond}, StaticToken("tok"), zap.NewNop())

	errc := runAsync(c)
	waitFor(t, "reconnect after stall", func() bool { return srv.requests.Load() >= 2 })
	c.Stop()
	waitErr(t, errc)
}

func TestClient_WatchdogBoundsResponseHeaders(t *testing.T) {
	srv := newScriptedServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		},
		hang,
	)

	var mu sync.Mutex
	var seen []State
	c := New(Config{URL: srv.URL, Backoff: fastBackoff, IdleTimeout: 100 * time.Millisecond}, StaticToken("tok"), zap.NewNop())
	c.OnStateChange(func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	errc := runAsync(c)
	waitFor(t, "open after silent server", func() bool { return c.State() == StateOpen })

	if n := srv.requests.Load(); n < 2 {
		t.Errorf("requests = %d, want at least 2", n)
	}
	mu.Lock()
	reconnected := false
	for _, st := range seen {
		if st == StateReconnecting {
			reconnected = true
		}
	}
	mu.Unlock()
	if !reconnected {
		t.Error("client never entered reconnecting after the header timeout")
	}
	c.Stop()
	waitErr(t, errc)
}

func TestClient_KeepaliveResetsWatchdog(t *testing.T) {
	srv := newScriptedServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			f := sseHeaders(w)
			for i := 0; i < 20; i++ {
				fmt.Fprint(w, ": keepalive\n\n")
				f.Flush()
				time.Sleep(10 * time.Millisecond)
			}
			<-r.Context().Done()
		},
		hang,
	)
	c := New(Config{URL: srv.URL, Backoff: fastBackoff, IdleTimeout: 60 * time.Millisecond}, StaticToken("tok"), zap.NewNop())

	errc := runAsync(c)
	time.Sleep(150 * time.Millisecond)
	if n := srv.requests.Load(); n != 1 {
		t.Errorf("keepalives did not hold the stream open: %d requests", n)
	}
	c.Stop()
	waitErr(t, errc)
}

func TestClient_ReconnectFrameSkipsBackoff(t *testing.T) {
	srv := newScriptedServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			f := sseHeaders(w)
			writeEvent(w, f, event.TypeReconnect, "", `{"reason":"max_lifetime"}`)
			<-r.Context().Done()
		},
		hang,
	)
	slow := Backoff{Base: 10 * time.Second, Cap: 10 * time.Second, Growth: 2}
	c := New(Config{URL: srv.URL, Backoff: slow}, StaticToken("tok"), zap.NewNop())

	errc := runAsync(c)
	waitFor(t, "immediate reconnect", func() bool { return srv.requests.Load() >= 2 })
	if c.Attempt() != 0 {
		t.Errorf("attempt = %d, want 0", c.Attempt())
	}
	c.Stop()
	waitErr(t, errc)
}

func TestClient_StopDuringBackoff(t *testing.T) {
	srv := newScriptedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	slow := Backoff{Base: 10 * time.Second, Cap: 10 * time.Second, Growth: 2}
	c := New(Config{URL: srv.URL, Backoff: slow}, StaticToken("tok"), zap.NewNop())

	errc := runAsync(c)
	waitFor(t, "reconnecting", func() bool { return c.State() == StateReconnecting })

	start := time.Now()
	c.Stop()
	c.Stop()
	if err := waitErr(t, errc); !errors.Is(err, ErrStopped) {
		t.Errorf("Run returned %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Stop did not interrupt the backoff wait")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after Stop")
	}
	if n := srv.requests.Load(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestClient_MaxAttempts(t *testing.T) {
	srv := newScriptedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := New(Config{URL: srv.URL, Backoff: fastBackoff, MaxAttempts: 3}, StaticToken("tok"), zap.NewNop())

	err := c.Run(context.Background())
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Run returned %v, want ErrGaveUp", err)
	}
	if n := srv.requests.Load(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestClient_StopBeforeRun(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1"}, StaticToken("tok"), zap.NewNop())
	c.Stop()

	if err := c.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Run after Stop returned %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestClient_RunTwice(t *testing.T) {
	srv := newScriptedServer(t, hang)
	c := New(Config{URL: srv.URL, Backoff: fastBackoff}, StaticToken("tok"), zap.NewNop())

	errc := runAsync(c)
	waitFor(t, "open", func() bool { return c.State() == StateOpen })
	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run returned %v", err)
	}
	c.Stop()
	waitErr(t, errc)
}

func TestClient_StateTransitions(t *testing.T) {
	srv := newScriptedServer(t,
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
		hang,
	)
	c := New(Config{URL: srv.URL, Backoff: fastBackoff}, StaticToken("tok"), zap.NewNop())

	var mu sync.Mutex
	var seen []State
	c.OnStateChange(func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	errc := runAsync(c)
	waitFor(t, "open", func() bool { return c.State() == StateOpen })
	c.Stop()
	waitErr(t, errc)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateReconnecting, StateConnecting, StateOpen, StateStopped}
	if len(seen) < len(want) {
		t.Fatalf("transitions = %v, want prefix %v", seen, want)
	}
	for i, s := range want[:4] {
		if seen[i] != s {
			t.Errorf("transition %d = %s, want %s", i, seen[i], s)
		}
	}
	if seen[len(seen)-1] != StateStopped {
		t.Errorf("last transition = %s, want stopped", seen[len(seen)-1])
	}
}

func TestNextDelay_HonorsRetryAfter(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Cap: 10 * time.Second, Growth: 2}
	c := New(Config{URL: "http://x", Backoff: b}, StaticToken(""), zap.NewNop())
	c.rand = func() float64 { return 0.5 }

	d, gaveUp := c.nextDelay(&StatusError{Code: http.StatusTooManyRequests, RetryAfter: 5 * time.Second})
	if gaveUp || d != 5*time.Second {
		t.Errorf("delay = %v gaveUp = %v, want 5s", d, gaveUp)
	}

	d, _ = c.nextDelay(errStreamEnded)
	if d != 2*time.Millisecond {
		t.Errorf("second attempt delay = %v, want 2ms", d)
	}
	if d, _ = c.nextDelay(errServerReconnect); d != 0 {
		t.Errorf("server reconnect delay = %v, want 0", d)
	}

	d, _ = c.nextDelay(&StatusError{Code: http.StatusTooManyRequests, RetryAfter: time.Hour})
	if d != b.Cap {
		t.Errorf("long Retry-After delay = %v, want cap %v", d, b.Cap)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("7"); d != 7*time.Second {
		t.Errorf("seconds: got %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("empty: got %v", d)
	}
	if d := parseRetryAfter("soon"); d != 0 {
		t.Errorf("garbage: got %v", d)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(future); d < 59*time.Minute {
		t.Errorf("http date: got %v", d)
	}
}
