package registry

import "sync"

// Outbox is a bounded, non-blocking Sink. When the queue is full the send
// fails with ErrSlowConsumer and the outbox closes itself, so the owning
// session disconnects and the client recovers through replay.
type Outbox struct {
	frames chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	reason string
}

// NewOutbox creates an outbox holding at most size frames.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

// Send enqueues a frame without blocking.
func (o *Outbox) Send(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		o.closeLocked("slow_consumer")
		return ErrSlowConsumer
	}
}

// Close marks the outbox closed. Only the first reason is kept.
func (o *Outbox) Close(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked(reason)
}

func (o *Outbox) closeLocked(reason string) {
	if o.closed {
		return
	}
	o.closed = true
	o.reason = reason
	close(o.done)
}

// Frames is drained by the connection writer.
func (o *Outbox) Frames() <-chan []byte { return o.frames }

// Done is closed once the outbox is closed.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Reason returns why the outbox was closed, or "" while open.
func (o *Outbox) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int { return len(o.frames) }
