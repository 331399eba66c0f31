package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// ConsoleSink renders notifications as plain text. It is the default
// sink when no webhook is configured, so a bare install still surfaces
// approvals and incidents on the terminal that started the daemon.
type ConsoleSink struct {
	mu  sync.Mutex
	w   io.Writer
	seq int
}

// NewConsoleSink writes to w, defaulting to stdout.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w}
}

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprint(c.w, renderMessage(msg))
	return err
}

// UpdateLive cannot edit a terminal line after the fact, so each update
// is re-printed. The handle is a counter kept only so callers exercise
// the same code path as editing sinks.
func (c *ConsoleSink) UpdateLive(_ context.Context, channel Channel, handle, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if handle == "" {
		c.seq++
		handle = fmt.Sprintf("console-%d", c.seq)
	}
	_, err := fmt.Fprintf(c.w, "[%s] (live %s)\n%s\n", channel, handle, content)
	return handle, err
}

func renderMessage(msg Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", msg.Channel, msg.Title)
	if msg.Severity != "" {
		fmt.Fprintf(&b, " (%s)", msg.Severity)
	}
	b.WriteString("\n")

	if msg.Body != "" {
		b.WriteString(msg.Body)
		b.WriteString("\n")
	}

	keys := make([]string, 0, len(msg.Fields))
	for k := range msg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, msg.Fields[k])
	}
	return b.String()
}
