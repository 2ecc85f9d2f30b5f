package session

import (
	"errors"
	"net/http"
	"time"
)

// ErrStreamingUnsupported is returned when the response cannot be flushed.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Transport carries encoded frames to one client.
type Transport interface {
	// WriteFrame writes and flushes one frame.
	WriteFrame(frame []byte) error
	// Done is closed when the client goes away.
	Done() <-chan struct{}
	// Close releases the transport. It is called exactly once.
	Close()
}

// SSETransport writes text/event-stream frames to an HTTP response.
type SSETransport struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	flusher      http.Flusher
	done         <-chan struct{}
	writeTimeout time.Duration
}

// NewSSETransport prepares w for streaming and writes the response headers.
func NewSSETransport(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*SSETransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSETransport{
		w:            w,
		rc:           http.NewResponseController(w),
		flusher:      flusher,
		done:         r.Context().Done(),
		writeTimeout: writeTimeout,
	}, nil
}

// WriteFrame implements Transport.
func (t *SSETransport) WriteFrame(frame []byte) error {
	if t.writeTimeout > 0 {
		// Not every ResponseWriter supports deadlines; ignore those that don't.
		if err := t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// Done implements Transport.
func (t *SSETransport) Done() <-chan struct{} { return t.done }

// Close clears the write deadline. The response ends when the handler returns.
func (t *SSETransport) Close() {
	_ = t.rc.SetWriteDeadline(time.Time{})
}
