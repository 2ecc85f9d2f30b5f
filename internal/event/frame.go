package event

import (
	"bytes"
	"strings"
	"time"
)

// EncodeFrame renders an event as a text/event-stream frame. Multi-line
// payloads are split across several data lines.
func EncodeFrame(e Event) []byte {
	var buf bytes.Buffer
	buf.Grow(len(e.Payload) + len(e.Type) + 64)
	if e.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(e.ID)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(e.Type)
	buf.WriteByte('\n')
	for _, line := range strings.Split(string(e.Payload), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(strings.TrimRight(line, "\r"))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Comment renders a comment frame. Comments are ignored by parsers and
// serve as keepalives.
func Comment(text string) []byte {
	text = strings.ReplaceAll(text, "\n", " ")
	return []byte(": " + text + "\n\n")
}

// Keepalive renders the periodic keepalive comment.
func Keepalive(now time.Time) []byte {
	return Comment("keepalive " + now.UTC().Format(time.RFC3339))
}
