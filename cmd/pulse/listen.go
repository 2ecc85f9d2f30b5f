package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/auth"
	"github.com/dgnsrekt/pulse/internal/client"
	"github.com/dgnsrekt/pulse/internal/event"
)

type printedEvent struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

func listenCmd() *cobra.Command {
	var (
		creds       credentialFlags
		baseURL     string
		since       string
		types       []string
		control     bool
		idleTimeout time.Duration
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream events and print them as JSON lines",
		Long: `Connect to the event stream and print every event as one JSON object per
line. The connection is kept alive across drops: the client reconnects with
backoff and resumes after the last event it printed.

Examples:
  # Listen with an existing token
  pulse listen --url http://localhost:8080 --token eyJ...

  # Mint tokens for identity u1 (refreshed automatically when rejected)
  PULSE_AUTH_SECRET=... pulse listen --identity u1

  # Only print task events, resuming from a known point
  pulse listen --identity u1 --types task.assigned,task.closed --since 2026-03-14T09:26:53Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tokens, err := creds.source(auth.ScopeSubscribe)
			if err != nil {
				return err
			}

			from, _, err := event.ParseSince(since)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}

			c := client.New(client.Config{
				URL:         strings.TrimSuffix(baseURL, "/") + "/v1/events",
				IdleTimeout: idleTimeout,
				Since:       from,
				MaxAttempts: maxAttempts,
			}, tokens, logger)

			out := newPrinter(os.Stdout)
			emit := func(_ context.Context, m client.Message) error {
				return out.print(m)
			}

			if len(types) == 0 {
				c.OnAny(func(ctx context.Context, m client.Message) error {
					if isControl(m.Type) && !control {
						return nil
					}
					return emit(ctx, m)
				})
			} else {
				for _, t := range types {
					c.On(t, emit)
				}
			}

			c.OnStateChange(func(from, to client.State) {
				logger.Info("connection state", zap.Stringer("from", from), zap.Stringer("to", to))
			})

			err = c.Run(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, client.ErrStopped) {
				return nil
			}
			return err
		},
	}

	creds.register(cmd, "")
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&since, "since", "", "resume after this event id (RFC 3339 or unix milliseconds)")
	cmd.Flags().StringSliceVar(&types, "types", nil, "only print these event types")
	cmd.Flags().BoolVar(&control, "control", false, "also print connected/reconnect/replay.gap frames")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", client.DefaultIdleTimeout, "reconnect when nothing is received for this long")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "give up after this many consecutive failures (0 retries forever)")

	return cmd
}

func isControl(typ string) bool {
	switch typ {
	case event.TypeConnected, event.TypeReconnect, event.TypeReplayGap:
		return true
	}
	return false
}

// printer serializes output from concurrent handlers.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w *os.File) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

func (p *printer) print(m client.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(printedEvent{
		Type:       m.Type,
		ID:         m.ID,
		Data:       m.Data,
		ReceivedAt: m.ReceivedAt.UTC(),
	})
}
