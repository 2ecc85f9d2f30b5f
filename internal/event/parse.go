package event

import (
	"encoding/json"
	"strings"
)

// Frame is one decoded event as seen by a stream consumer.
type Frame struct {
	Type string
	ID   string
	Data json.RawMessage
}

// Parse splits buffer into complete frames. Everything after the last
// terminated frame is returned as remainder and must be prefixed to the next
// chunk, so the output is the same however the input was chunked.
// Frames whose data is not valid JSON are dropped; dropped reports how many.
func Parse(buffer string) (frames []Frame, remainder string, dropped int) {
	var (
		typ, id    string
		data       []string
		hasData    bool
		frameStart int
	)

	pos := 0
	for {
		nl := strings.IndexByte(buffer[pos:], '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimRight(buffer[pos:pos+nl], "\r")
		pos += nl + 1

		if line == "" {
			if hasData {
				payload := strings.Join(data, "\n")
				if json.Valid([]byte(payload)) {
					t := typ
					if t == "" {
						t = DefaultType
					}
					frames = append(frames, Frame{Type: t, ID: id, Data: json.RawMessage(payload)})
				} else {
					dropped++
				}
			}
			typ, id, data, hasData = "", "", nil, false
			frameStart = pos
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			typ = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			id = value
		}
	}

	return frames, buffer[frameStart:], dropped
}

// Decoder is a stateful wrapper around Parse for incremental input.
type Decoder struct {
	buf     strings.Builder
	dropped int
}

// Feed appends a chunk and returns any frames it completed.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf.Write(chunk)
	frames, rest, dropped := Parse(d.buf.String())
	d.dropped += dropped
	d.buf.Reset()
	d.buf.WriteString(rest)
	return frames
}

// Dropped returns the number of malformed frames skipped so far.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Reset discards any buffered partial input.
func (d *Decoder) Reset() {
	d.buf.Reset()
}
