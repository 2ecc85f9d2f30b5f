package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgnsrekt/pulse/internal/event"
)

const maxBodyBytes = 2048

// Topic returns the ntfy topic for identity.
func Topic(prefix, identity string) string {
	return prefix + "-" + identity
}

// FormatTitle creates the notification title for an event.
func FormatTitle(e event.Event) string {
	return fmt.Sprintf("New %s", e.Type)
}

// FormatMessage creates a notification body: the indented payload followed
// by the occurrence time, truncated to fit a push message.
func FormatMessage(e event.Event) string {
	var sb strings.Builder

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, e.Payload, "", "  "); err == nil {
		sb.Write(pretty.Bytes())
	} else {
		sb.Write(e.Payload)
	}

	if sb.Len() > maxBodyBytes {
		body := sb.String()[:maxBodyBytes]
		sb.Reset()
		sb.WriteString(body)
		sb.WriteString("\n…")
	}

	sb.WriteString(fmt.Sprintf("\n\nAt: %s", e.OccurredAt.Format("2006-01-02 15:04:05 MST")))
	return sb.String()
}
