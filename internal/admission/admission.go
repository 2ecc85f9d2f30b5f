package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRejected is wrapped by every RejectedError.
var ErrRejected = errors.New("admission rejected")

// Decision is the outcome of one rate check.
type Decision struct {
	Allowed   bool
	ResetAt   time.Time
	Remaining int
}

// RejectedError carries the decision that denied an attempt.
type RejectedError struct {
	Decision Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("admission rejected until %s", e.Decision.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// RetryAfter returns whole seconds until the window resets, at least one.
func (e *RejectedError) RetryAfter(now time.Time) time.Duration {
	secs := math.Ceil(e.Decision.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Store counts attempts per key within a window.
type Store interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Sweeper is implemented by stores that need periodic cleanup.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Options configures a Controller.
type Options struct {
	// Limit is the number of attempts allowed per identity per Window.
	Limit  int
	Window time.Duration

	// GlobalRate caps attempts per second across all identities; zero disables it.
	GlobalRate  float64
	GlobalBurst int

	// SweepInterval controls cleanup of in-memory windows.
	SweepInterval time.Duration
}

// Controller decides whether a connection attempt may proceed.
type Controller struct {
	store  Store
	opts   Options
	global *rate.Limiter
	now    func() time.Time
	logger *zap.Logger
}

// NewController creates a Controller backed by store.
func NewController(store Store, opts Options, logger *zap.Logger) *Controller {
	c := &Controller{
		store:  store,
		opts:   opts,
		now:    time.Now,
		logger: logger,
	}
	if opts.GlobalRate > 0 {
		burst := opts.GlobalBurst
		if burst <= 0 {
			burst = int(math.Ceil(opts.GlobalRate))
		}
		c.global = rate.NewLimiter(rate.Limit(opts.GlobalRate), burst)
	}
	return c
}

// Check records one attempt for identity. A rejected attempt returns the
// decision together with a *RejectedError. Store failures admit the attempt.
func (c *Controller) Check(ctx context.Context, identity string) (Decision, error) {
	now := c.now()

	if c.global != nil {
		r := c.global.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			d := Decision{Allowed: false, ResetAt: now.Add(delay)}
			c.logger.Warn("global connection rate exceeded", zap.String("identity", identity))
			return d, &RejectedError{Decision: d}
		}
	}

	d, err := c.store.Hit(ctx, identity, c.opts.Limit, c.opts.Window, now)
	if err != nil {
		c.logger.Error("admission store failed, admitting",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return Decision{Allowed: true, ResetAt: now.Add(c.opts.Window), Remaining: c.opts.Limit}, nil
	}
	if !d.Allowed {
		c.logger.Debug("connection attempt rejected",
			zap.String("identity", identity),
			zap.Time("resetAt", d.ResetAt),
		)
		return d, &RejectedError{Decision: d}
	}
	return d, nil
}

// Run sweeps expired windows until ctx is cancelled. It returns immediately
// for stores that expire entries themselves.
func (c *Controller) Run(ctx context.Context) {
	sw, ok := c.store.(Sweeper)
	if !ok || c.opts.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sw.Sweep(c.now()); n > 0 {
				c.logger.Debug("admission windows swept", zap.Int("count", n))
			}
		}
	}
}
