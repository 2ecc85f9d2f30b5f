package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/event"
)

// DefaultIdleTimeout comfortably exceeds the server keepalive interval.
const DefaultIdleTimeout = 60 * time.Second

// Message is one event delivered to handlers.
type Message struct {
	Type       string
	ID         string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// HandlerFunc processes a message. Errors and panics are logged and do not
// affect other handlers or the stream.
type HandlerFunc func(ctx context.Context, m Message) error

// Config configures a Client.
type Config struct {
	// URL of the stream endpoint, e.g. https://host/v1/events.
	URL string

	Backoff     Backoff
	IdleTimeout time.Duration
	HTTPClient  *http.Client

	// Since is the initial resume point. Zero starts from live events only.
	Since time.Time

	// MaxAttempts bounds consecutive failed attempts; zero retries forever.
	MaxAttempts int
}

// Client maintains one logical subscription, reconnecting as needed.
type Client struct {
	cfg    Config
	tokens TokenSource
	http   *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	attempt     int
	lastEventID string
	lastEventAt time.Time
	handlers    map[string][]HandlerFunc
	anyHandlers []HandlerFunc
	onState     func(from, to State)
	running     bool
	stopped     bool
	cancel      context.CancelFunc
	err         error

	done     chan struct{}
	doneOnce sync.Once

	// test hooks
	now  func() time.Time
	rand func() float64
}

// New creates a Client. It does not connect until Run or Start.
func New(cfg Config, tokens TokenSource, logger *zap.Logger) *Client {
	cfg.Backoff = cfg.Backoff.orDefault()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No overall timeout: the response body is a long-lived stream.
		httpClient = &http.Client{}
	}

	c := &Client{
		cfg:      cfg,
		tokens:   tokens,
		http:     httpClient,
		logger:   logger,
		handlers: make(map[string][]HandlerFunc),
		done:     make(chan struct{}),
		now:      time.Now,
		rand:     rand.Float64,
	}
	if !cfg.Since.IsZero() {
		c.lastEventAt = cfg.Since.UTC()
		c.lastEventID = event.FormatID(cfg.Since)
	}
	return c
}

// On registers h for events of type typ.
func (c *Client) On(typ string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = append(c.handlers[typ], h)
}

// OnAny registers h for every event, including control frames.
func (c *Client) OnAny(h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anyHandlers = append(c.anyHandlers, h)
}

// OnStateChange installs a callback invoked on every state transition.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of consecutive failed attempts.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// LastEventAt returns the occurrence time of the last processed event.
func (c *Client) LastEventAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventAt
}

// Done is closed once the client has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the client stopped, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start runs the client in a new goroutine.
func (c *Client) Start(ctx context.Context) {
	go func() { _ = c.Run(ctx) }()
}

// Stop ends the subscription permanently. It is safe to call concurrently
// and more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	running := c.running
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !running {
		c.finish(ErrStopped)
	}
}

// Run connects and keeps the subscription alive until ctx is cancelled, Stop
// is called, or the credential is rejected.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrStopped
	case c.running:
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	err := c.loop(ctx)
	c.finish(err)
	return err
}

func (c *Client) loop(ctx context.Context) error {
	for {
		if err := c.terminal(ctx); err != nil {
			return err
		}

		c.setState(StateConnecting)
		err := c.connect(ctx)

		if errors.Is(err, ErrCredentialRejected) {
			c.logger.Error("credential rejected, stopping", zap.Error(err))
			return err
		}
		if terr := c.terminal(ctx); terr != nil {
			return terr
		}

		delay, gaveUp := c.nextDelay(err)
		if gaveUp {
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, c.cfg.MaxAttempts, err)
		}

		c.setState(StateReconnecting)
		c.logger.Info("stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempt", c.Attempt()),
		)
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextDelay decides how long to wait before the next attempt and counts
// the failure.
func (c *Client) nextDelay(err error) (time.Duration, bool) {
	if errors.Is(err, errServerReconnect) {
		return 0, false
	}

	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	failures := c.attempt
	c.mu.Unlock()

	if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
		return 0, true
	}

	delay := c.cfg.Backoff.Delay(attempt, c.rand())
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > delay {
		delay = min(se.RetryAfter, c.cfg.Backoff.Cap)
	}
	return delay, false
}

func (c *Client) terminal(ctx context.Context) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	return ctx.Err()
}

// connect opens one stream and reads it until it ends. The idle watchdog
// also bounds the wait for response headers.
func (c *Client) connect(ctx context.Context) error {
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	wd := newWatchdog(c.cfg.IdleTimeout, cancelReq)
	defer wd.stop()

	token, err := c.tokens.EnsureToken(reqCtx)
	if err != nil {
		return wd.check(fmt.Errorf("ensuring token: %w", err))
	}

	resp, err := c.open(reqCtx, token)
	if err != nil {
		return wd.check(err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.logger.Debug("stream returned 401, refreshing token")
		wd.kick()
		token, err = c.tokens.RefreshToken(reqCtx)
		if err != nil {
			return wd.check(fmt.Errorf("refreshing token: %w", err))
		}
		wd.kick()
		if resp, err = c.open(reqCtx, token); err != nil {
			return wd.check(err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drain(resp)
		return fmt.Errorf("%w: status %d", ErrCredentialRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		drain(resp)
		return &StatusError{Code: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.setState(StateOpen)

	wd.kick()
	return c.stream(reqCtx, wd, resp.Body)
}

func (c *Client) open(ctx context.Context, token string) (*http.Response, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	c.mu.Lock()
	since := c.lastEventID
	c.mu.Unlock()
	if since != "" {
		q := u.Query()
		q.Set("since", since)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	return resp, nil
}

// stream reads body until it fails. Any received bytes, keepalive comments
// included, reset the idle watchdog.
func (c *Client) stream(ctx context.Context, wd *watchdog, body io.Reader) error {
	var dec event.Decoder
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			wd.kick()
			for _, f := range dec.Feed(buf[:n]) {
				if ctrl := c.handleFrame(ctx, f); ctrl != nil {
					return ctrl
				}
			}
		}
		if err != nil {
			switch {
			case wd.fired():
				return ErrStalled
			case errors.Is(err, io.EOF):
				return errStreamEnded
			default:
				return fmt.Errorf("reading stream: %w", err)
			}
		}
	}
}

// watchdog aborts the current attempt when nothing arrives for timeout.
type watchdog struct {
	timer   *time.Timer
	timeout time.Duration
	stalled atomic.Bool
}

func newWatchdog(timeout time.Duration, abort context.CancelFunc) *watchdog {
	w := &watchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.stalled.Store(true)
		abort()
	})
	return w
}

func (w *watchdog) kick()       { w.timer.Reset(w.timeout) }
func (w *watchdog) stop()       { w.timer.Stop() }
func (w *watchdog) fired() bool { return w.stalled.Load() }

// check replaces err with ErrStalled when the watchdog caused it.
func (w *watchdog) check(err error) error {
	if w.fired() {
		return fmt.Errorf("%w: %v", ErrStalled, err)
	}
	return err
}

// handleFrame records the resume point and dispatches the frame. A non-nil
// return ends the current connection.
func (c *Client) handleFrame(ctx context.Context, f event.Frame) error {
	m := Message{Type: f.Type, ID: f.ID, Data: f.Data, ReceivedAt: c.now()}

	switch f.Type {
	case event.TypeConnected, event.TypeReconnect, event.TypeReplayGap:
	default:
		if at, ok, err := event.ParseSince(f.ID); err == nil && ok {
			c.mu.Lock()
			if at.After(c.lastEventAt) {
				c.lastEventAt = at
				c.lastEventID = f.ID
			}
			c.mu.Unlock()
		}
	}

	c.dispatch(ctx, m)

	if f.Type == event.TypeReconnect {
		return errServerReconnect
	}
	if f.Type == event.TypeReplayGap {
		c.logger.Warn("server reported missing events", zap.ByteString("data", f.Data))
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, m Message) {
	c.mu.Lock()
	hs := make([]HandlerFunc, 0, len(c.handlers[m.Type])+len(c.anyHandlers))
	hs = append(hs, c.handlers[m.Type]...)
	hs = append(hs, c.anyHandlers...)
	c.mu.Unlock()

	for _, h := range hs {
		c.invoke(ctx, h, m)
	}
}

func (c *Client) invoke(ctx context.Context, h HandlerFunc, m Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				zap.String("type", m.Type),
				zap.Any("panic", r),
			)
		}
	}()
	if err := h(ctx, m); err != nil {
		c.logger.Warn("event handler failed",
			zap.String("type", m.Type),
			zap.Error(err),
		)
	}
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	fn := c.onState
	c.mu.Unlock()

	if from == to {
		return
	}
	c.logger.Debug("client state", zap.Stringer("from", from), zap.Stringer("to", to))
	if fn != nil {
		fn(from, to)
	}
}

func (c *Client) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.running = false
		c.stopped = true
		c.mu.Unlock()
		c.setState(StateStopped)
		close(c.done)
	})
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
