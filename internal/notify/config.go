package notify

import (
	"errors"
	"fmt"
)

// Config holds ntfy forwarding configuration.
type Config struct {
	Enabled     bool   // Whether offline events are forwarded
	Server      string // ntfy server URL (default: https://ntfy.sh)
	TopicPrefix string // Topic is "<prefix>-<identity>"
	Priority    string // Message priority: min, low, default, high, urgent
	Tags        string // Comma-separated emoji tags (e.g., "bell")
	Token       string // Optional access token for private topics
	Workers     int    // Concurrent senders
	QueueSize   int    // Pending notifications before new ones are dropped
}

// Validate checks configuration is valid when enabled.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.TopicPrefix == "" {
		return errors.New("topic prefix is required when notifications are enabled")
	}

	validPriorities := map[string]bool{
		"min": true, "low": true, "default": true, "high": true, "urgent": true,
	}
	if !validPriorities[c.Priority] {
		return fmt.Errorf("invalid priority: %s (valid: min, low, default, high, urgent)", c.Priority)
	}
	if c.Workers < 1 || c.QueueSize < 1 {
		return errors.New("workers and queue size must be >= 1")
	}

	return nil
}
