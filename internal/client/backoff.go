package client

import (
	"math"
	"time"
)

// Backoff computes reconnect delays as min(Base*Growth^attempt, Cap) with
// symmetric jitter. Delays never exceed Cap.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Growth float64
	// Jitter is the fraction of the delay randomized in each direction, 0..1.
	Jitter float64
}

// DefaultBackoff is used when Config.Backoff is zero.
var DefaultBackoff = Backoff{
	Base:   time.Second,
	Cap:    30 * time.Second,
	Growth: 2,
	Jitter: 0.2,
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
// r must be in [0, 1); it selects the jitter offset.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	growth := b.Growth
	if growth < 1 {
		growth = 1
	}
	jitter := math.Min(math.Max(b.Jitter, 0), 1)
	ceiling := float64(b.Cap)

	d := math.Min(float64(b.Base)*math.Pow(growth, float64(attempt)), ceiling)
	d *= 1 + jitter*(2*r-1)
	d = math.Min(math.Max(d, 0), ceiling)
	return time.Duration(d)
}

func (b Backoff) orDefault() Backoff {
	if b.Base <= 0 || b.Cap <= 0 {
		return DefaultBackoff
	}
	return b
}
