package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookSink POSTs notifications as JSON to one URL. The receiving
// relay (a chat bridge, a pager, a plain collector) decides what the
// channel means. One endpoint, three payload kinds distinguished by
// the "kind" field: message, live_update, ensure_channels.
type WebhookSink struct {
	url    string
	client *http.Client
}

const webhookTimeout = 10 * time.Second

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	Kind     string    `json:"kind"`
	Message  *Message  `json:"message,omitempty"`
	Channel  Channel   `json:"channel,omitempty"`
	Handle   string    `json:"handle,omitempty"`
	Content  string    `json:"content,omitempty"`
	Channels []Channel `json:"channels,omitempty"`
}

type webhookReply struct {
	Handle string `json:"handle"`
}

func (w *WebhookSink) Send(ctx context.Context, msg Message) error {
	_, err := w.post(ctx, webhookPayload{Kind: "message", Message: &msg})
	return err
}

// UpdateLive round-trips the handle: the relay may return its own
// message id for subsequent edits, otherwise the handle is kept.
func (w *WebhookSink) UpdateLive(ctx context.Context, channel Channel, handle, content string) (string, error) {
	body, err := w.post(ctx, webhookPayload{
		Kind:    "live_update",
		Channel: channel,
		Handle:  handle,
		Content: content,
	})
	if err != nil {
		return handle, err
	}

	var reply webhookReply
	if err := json.Unmarshal(body, &reply); err == nil && reply.Handle != "" {
		return reply.Handle, nil
	}
	return handle, nil
}

func (w *WebhookSink) EnsureChannels(ctx context.Context, channels []Channel) error {
	_, err := w.post(ctx, webhookPayload{Kind: "ensure_channels", Channels: channels})
	return err
}

func (w *WebhookSink) post(ctx context.Context, payload webhookPayload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
