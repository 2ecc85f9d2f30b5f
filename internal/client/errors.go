package client

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredentialRejected stops the client after the server refused a
	// freshly refreshed credential. The caller must intervene.
	ErrCredentialRejected = errors.New("credential rejected")
	// ErrStopped is returned by Run after Stop.
	ErrStopped = errors.New("client stopped")
	// ErrStalled means the stream went silent for longer than the idle timeout.
	ErrStalled = errors.New("stream stalled")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("client already running")
	// ErrGaveUp is returned once MaxAttempts consecutive attempts failed.
	ErrGaveUp = errors.New("gave up reconnecting")

	errServerReconnect = errors.New("server requested reconnect")
	errStreamEnded     = errors.New("stream ended")
)

// StatusError is an unexpected HTTP status from the stream endpoint.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("unexpected status %d (retry after %s)", e.Code, e.RetryAfter)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}
