package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/auth"
	"github.com/dgnsrekt/pulse/internal/client"
)

func publishCmd() *cobra.Command {
	var (
		creds      credentialFlags
		baseURL    string
		to         []string
		eventType  string
		data       string
		timeout    time.Duration
		retryCount int
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event to a set of identities",
		Long: `Publish one event to every live connection of the given identities. The
payload is any JSON value, taken from --data or from stdin with --data -.

Examples:
  pulse publish --to u1,u2 --type task.assigned --data '{"taskId":"t1"}'
  echo '{"commentId":"k1"}' | pulse publish --to u1 --type comment.created --data -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if len(to) == 0 {
				return errors.New("--to is required")
			}

			payload, err := readPayload(data, cmd.InOrStdin())
			if err != nil {
				return err
			}

			tokens, err := creds.source(auth.ScopePublish)
			if err != nil {
				return err
			}

			pub := client.NewPublisher(baseURL, tokens, 10, timeout, time.Second, retryCount, logger)
			res, err := pub.Publish(ctx, client.PublishRequest{
				Identities: to,
				Type:       eventType,
				Payload:    payload,
			})
			if err != nil {
				return err
			}

			logger.Debug("published",
				zap.String("id", res.ID),
				zap.Int("delivered", res.Delivered),
				zap.Int("offline", res.Offline),
			)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	creds.register(cmd, "cli")
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "server base URL")
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient identities")
	cmd.Flags().StringVar(&eventType, "type", "message", "event type")
	cmd.Flags().StringVar(&data, "data", "null", "JSON payload, or - to read stdin")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().IntVar(&retryCount, "retries", 3, "retries for transient failures")

	return cmd
}

func readPayload(data string, stdin io.Reader) (json.RawMessage, error) {
	raw := []byte(data)
	if data == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
