package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/admission"
	"github.com/dgnsrekt/pulse/internal/auth"
	"github.com/dgnsrekt/pulse/internal/backlog"
	"github.com/dgnsrekt/pulse/internal/event"
	"github.com/dgnsrekt/pulse/internal/metrics"
	"github.com/dgnsrekt/pulse/internal/registry"
)

// Admitter decides whether an identity may open another connection.
type Admitter interface {
	Check(ctx context.Context, identity string) (admission.Decision, error)
}

// Defaults applied to zero Options fields.
const (
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultMaxLifetime       = 5 * time.Minute
	DefaultQueueSize         = 64
)

// Options bounds every session.
type Options struct {
	KeepaliveInterval time.Duration
	MaxLifetime       time.Duration
	WriteTimeout      time.Duration
	QueueSize         int
}

// Resume is the point a client asked to replay from.
type Resume struct {
	From time.Time
	Set  bool
}

// Handler serves GET /v1/events.
type Handler struct {
	auth     auth.Authenticator
	admitter Admitter
	registry *registry.Registry
	backlog  backlog.Store
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler creates a session handler. m may be nil.
func NewHandler(
	authn auth.Authenticator,
	admitter Admitter,
	reg *registry.Registry,
	store backlog.Store,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *Handler {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = DefaultMaxLifetime
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Handler{
		auth:     authn,
		admitter: admitter,
		registry: reg,
		backlog:  store,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// ServeHTTP runs the SSE session protocol.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, resume, ok := h.Admit(w, r)
	if !ok {
		return
	}

	t, err := NewSSETransport(w, r, h.opts.WriteTimeout)
	if err != nil {
		h.metrics.Attempt("unsupported")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Serve(r.Context(), t, p, resume)
}

// Admit authenticates and rate-checks the request and parses the resume
// point. On failure the error response has been written and ok is false.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) (auth.Principal, Resume, bool) {
	log := h.logger.With(zap.String("remote", r.RemoteAddr))
	log.Debug("session state", zap.Stringer("state", StateAuthenticating))

	p, err := h.auth.Authenticate(r, auth.ScopeSubscribe)
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			h.metrics.Attempt("forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
		} else {
			h.metrics.Attempt("unauthorized")
			writeError(w, http.StatusUnauthorized, "unauthorized")
		}
		log.Debug("session rejected", zap.Error(err))
		return auth.Principal{}, Resume{}, false
	}

	log = log.With(zap.String("identity", p.Identity))
	log.Debug("session state", zap.Stringer("state", StateAdmitting))

	resume, err := parseResume(r)
	if err != nil {
		h.metrics.Attempt("bad_request")
		writeError(w, http.StatusBadRequest, err.Error())
		return auth.Principal{}, Resume{}, false
	}

	d, err := h.admitter.Check(r.Context(), p.Identity)
	if err != nil {
		var rej *admission.RejectedError
		if errors.As(err, &rej) {
			now := h.now()
			w.Header().Set("Retry-After", strconv.Itoa(int(rej.RetryAfter(now).Seconds())))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			h.metrics.Attempt("rate_limited")
			writeError(w, http.StatusTooManyRequests, "too many connection attempts")
			log.Info("connection attempt rate limited", zap.Time("resetAt", d.ResetAt))
			return auth.Principal{}, Resume{}, false
		}
		h.metrics.Attempt("error")
		writeError(w, http.StatusServiceUnavailable, "admission unavailable")
		log.Error("admission check failed", zap.Error(err))
		return auth.Principal{}, Resume{}, false
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

	h.metrics.Attempt("admitted")
	return p, resume, true
}

// Serve runs an admitted session over t until it ends. Cleanup happens
// exactly once whichever way the session ends.
func (h *Handler) Serve(ctx context.Context, t Transport, p auth.Principal, resume Resume) {
	outbox := registry.NewOutbox(h.opts.QueueSize)
	conn := h.registry.Register(p.Identity, outbox)

	s := &session{
		h:      h,
		conn:   conn,
		outbox: outbox,
		t:      t,
		opened: h.now(),
		logger: h.logger.With(
			zap.String("identity", p.Identity),
			zap.String("connID", conn.ID),
		),
	}
	h.metrics.SessionOpened()
	s.setState(StateOpen)

	reason := s.run(ctx, resume)
	s.cleanup(reason)
}

type session struct {
	h      *Handler
	conn   *registry.Connection
	outbox *registry.Outbox
	t      Transport
	opened time.Time
	logger *zap.Logger

	once  sync.Once
	state State
}

func (s *session) setState(st State) {
	s.state = st
	s.logger.Debug("session state", zap.Stringer("state", st))
}

func (s *session) run(ctx context.Context, resume Resume) string {
	opts := s.h.opts

	if err := s.writeControl(event.TypeConnected, connectedPayload{
		ConnectionID:       s.conn.ID,
		Identity:           s.conn.Identity,
		KeepaliveSeconds:   int(opts.KeepaliveInterval.Seconds()),
		MaxLifetimeSeconds: int(opts.MaxLifetime.Seconds()),
		Resumed:            resume.Set,
	}); err != nil {
		return ReasonWriteError
	}

	if resume.Set {
		if err := s.replay(ctx, resume.From); err != nil {
			return ReasonWriteError
		}
	}

	keepalive := time.NewTicker(opts.KeepaliveInterval)
	defer keepalive.Stop()
	lifetime := time.NewTimer(opts.MaxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonClientGone

		case <-s.t.Done():
			return ReasonClientGone

		case <-s.outbox.Done():
			reason := s.outbox.Reason()
			if reason == ReasonShutdown {
				_ = s.writeControl(event.TypeReconnect, reconnectPayload{Reason: reason})
			}
			return reason

		case frame := <-s.outbox.Frames():
			if err := s.write(frame); err != nil {
				return ReasonWriteError
			}

		case <-keepalive.C:
			if err := s.write(event.Keepalive(s.h.now())); err != nil {
				return ReasonWriteError
			}
			s.h.registry.TouchLiveness(s.conn.Identity, s.conn.ID)

		case <-lifetime.C:
			_ = s.writeControl(event.TypeReconnect, reconnectPayload{Reason: ReasonMaxLifetime})
			return ReasonMaxLifetime
		}
	}
}

// replay writes backlog events after from. Backlog failures degrade the
// session to live-only; only transport errors are returned.
func (s *session) replay(ctx context.Context, from time.Time) error {
	r, err := s.h.backlog.Since(ctx, s.conn.Identity, from)
	if err != nil {
		s.h.metrics.BacklogError("since")
		s.logger.Warn("replay unavailable, continuing live only", zap.Error(err))
		return nil
	}

	if r.Truncated {
		if err := s.writeControl(event.TypeReplayGap, gapPayload{Since: event.FormatID(from)}); err != nil {
			return err
		}
	}
	for _, e := range r.Events {
		if err := s.write(event.EncodeFrame(e)); err != nil {
			return err
		}
	}
	s.h.metrics.Replayed(len(r.Events))
	s.logger.Debug("replayed backlog",
		zap.Int("events", len(r.Events)),
		zap.Bool("truncated", r.Truncated),
	)
	return nil
}

func (s *session) write(frame []byte) error {
	if err := s.t.WriteFrame(frame); err != nil {
		s.logger.Debug("write failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *session) writeControl(typ string, v any) error {
	e, err := event.Control(typ, v, s.h.now())
	if err != nil {
		return err
	}
	return s.write(event.EncodeFrame(e))
}

func (s *session) cleanup(reason string) {
	s.once.Do(func() {
		s.setState(StateClosing)
		s.h.registry.Remove(s.conn.Identity, s.conn.ID)
		s.outbox.Close(reason)
		s.t.Close()

		dur := s.h.now().Sub(s.opened)
		s.h.metrics.SessionClosed(reason, dur.Seconds())
		s.setState(StateClosed)
		s.logger.Info("session closed",
			zap.String("reason", reason),
			zap.Duration("duration", dur),
		)
	})
}

type connectedPayload struct {
	ConnectionID       string `json:"connectionId"`
	Identity           string `json:"identity"`
	KeepaliveSeconds   int    `json:"keepaliveSeconds"`
	MaxLifetimeSeconds int    `json:"maxLifetimeSeconds"`
	Resumed            bool   `json:"resumed"`
}

type reconnectPayload struct {
	Reason string `json:"reason"`
}

type gapPayload struct {
	Since string `json:"since"`
}

func parseResume(r *http.Request) (Resume, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	t, ok, err := event.ParseSince(raw)
	if err != nil {
		return Resume{}, err
	}
	return Resume{From: t, Set: ok}, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
