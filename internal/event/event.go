package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Control frame types written by the server itself.
const (
	TypeConnected = "connected"
	TypeReconnect = "reconnect"
	TypeReplayGap = "replay.gap"

	// DefaultType is assumed for frames that carry no event field.
	DefaultType = "message"
)

// ErrInvalidPayload is returned when an event payload is not valid JSON.
var ErrInvalidPayload = errors.New("event payload is not valid JSON")

// Event is an immutable domain notification.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// New builds an event stamped with the given time. The ID is derived from
// the timestamp so it can be echoed back as a resume point.
func New(typ string, payload []byte, at time.Time) (Event, error) {
	if typ == "" {
		typ = DefaultType
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if !json.Valid(payload) {
		return Event{}, fmt.Errorf("%w: type %q", ErrInvalidPayload, typ)
	}
	at = at.UTC()
	p := make(json.RawMessage, len(payload))
	copy(p, payload)
	return Event{
		ID:         FormatID(at),
		Type:       typ,
		Payload:    p,
		OccurredAt: at,
	}, nil
}

// Control builds a server control event from a value that is marshalled to JSON.
func Control(typ string, v any, at time.Time) (Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", typ, err)
	}
	return New(typ, b, at)
}

// FormatID renders a timestamp as a resume token.
func FormatID(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseSince accepts RFC3339 (with or without fractional seconds) or unix
// milliseconds. An empty string yields the zero time and ok=false.
func ParseSince(s string) (time.Time, bool, error) {
	if s == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("invalid since value %q", s)
}
