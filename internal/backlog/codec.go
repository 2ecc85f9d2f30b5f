package backlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/dgnsrekt/pulse/internal/event"
)

const (
	codecJSON byte = 'j'
	codecZstd byte = 'z'
)

var errUnknownCodec = errors.New("unknown backlog codec")

// codec serializes events for external storage, compressing large ones.
type codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newCodec(threshold int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{threshold: threshold, enc: enc, dec: dec}, nil
}

func (c *codec) encode(e event.Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if c.threshold > 0 && len(raw) >= c.threshold {
		out := make([]byte, 1, len(raw)/2+1)
		out[0] = codecZstd
		return c.enc.EncodeAll(raw, out), nil
	}
	return append([]byte{codecJSON}, raw...), nil
}

func (c *codec) decode(b []byte) (event.Event, error) {
	var e event.Event
	if len(b) == 0 {
		return e, errUnknownCodec
	}
	raw := b[1:]
	switch b[0] {
	case codecJSON:
	case codecZstd:
		var err error
		raw, err = c.dec.DecodeAll(raw, nil)
		if err != nil {
			return e, fmt.Errorf("decompress event: %w", err)
		}
	default:
		return e, fmt.Errorf("%w: %q", errUnknownCodec, b[0])
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
