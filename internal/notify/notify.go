package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/event"
	"github.com/dgnsrekt/pulse/internal/metrics"
)

// Notifier receives events for identities that had no live connection.
type Notifier interface {
	Offline(ctx context.Context, identity string, e event.Event)
	Run(ctx context.Context)
}

type job struct {
	identity string
	event    event.Event
}

// Client forwards offline events to ntfy. Offline never blocks: events are
// queued and sent by Run's workers, and dropped when the queue is full.
type Client struct {
	httpClient *http.Client
	config     *Config
	queue      chan job
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, m *metrics.Metrics, logger *zap.Logger) *Client {
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config:  cfg,
		queue:   make(chan job, size),
		metrics: m,
		logger:  logger,
	}
}

// Offline queues e for delivery to identity's topic.
func (c *Client) Offline(_ context.Context, identity string, e event.Event) {
	select {
	case c.queue <- job{identity: identity, event: e}:
	default:
		c.metrics.Offline("dropped")
		c.logger.Warn("notification queue full, dropping",
			zap.String("identity", identity),
			zap.String("event_id", e.ID),
		)
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	workers := c.config.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (c *Client) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			topic := Topic(c.config.TopicPrefix, j.identity)
			err := c.send(ctx, topic, FormatTitle(j.event), FormatMessage(j.event), c.config.Tags, c.config.Priority)
			if err != nil {
				c.metrics.Offline("failed")
				continue
			}
			c.metrics.Offline("sent")
		}
	}
}

func (c *Client) send(ctx context.Context, topic, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	if tags != "" {
		req.Header.Set("Tags", tags)
	}

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("topic", topic), zap.String("title", title))
	return nil
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

// Offline is a no-op.
func (n *NoopNotifier) Offline(_ context.Context, _ string, _ event.Event) {}

// Run returns immediately.
func (n *NoopNotifier) Run(_ context.Context) {}

// New creates the appropriate notifier based on config.
func New(cfg *Config, m *metrics.Metrics, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, m, logger)
}
