package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cuemby/sentinel/pkg/config"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// Anthropic speaks the Messages API. BaseURL includes the version
// prefix, e.g. https://api.anthropic.com/v1.
type Anthropic struct {
	name    string
	baseURL string
	model   string
	keyEnv  string
	timeout time.Duration
	stream  bool
	client  *http.Client
}

func NewAnthropic(cfg config.Provider) *Anthropic {
	return &Anthropic{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		keyEnv:  cfg.APIKeyEnv,
		timeout: time.Duration(cfg.Timeout),
		stream:  cfg.Stream,
		client:  &http.Client{},
	}
}

func (a *Anthropic) Name() string { return a.name }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func (a *Anthropic) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	stream := a.stream && req.OnToken != nil
	payload := anthropicRequest{
		Model:       a.model,
		MaxTokens:   anthropicMaxTokens,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.User}},
		Temperature: req.Temperature,
		Stream:      stream,
	}

	headers := map[string]string{"anthropic-version": anthropicVersion}
	if a.keyEnv != "" {
		if key := os.Getenv(a.keyEnv); key != "" {
			headers["x-api-key"] = key
		}
	}

	resp, err := postJSON(ctx, a.client, a.baseURL+"/messages", headers, payload)
	if err != nil {
		return "", fmt.Errorf("failed to call %s: %w", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &statusError{provider: a.name, code: resp.StatusCode, body: readBodySnippet(resp.Body)}
	}

	if stream {
		return a.collectStream(resp.Body, req.OnToken)
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode %s response: %w", a.name, err)
	}
	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%s returned no text content", a.name)
	}
	return sb.String(), nil
}

func (a *Anthropic) collectStream(body io.Reader, onToken func(string)) (string, error) {
	var sb strings.Builder
	err := forEachSSEData(body, func(data string) error {
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("failed to decode stream event: %w", err)
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				sb.WriteString(ev.Delta.Text)
				onToken(ev.Delta.Text)
			}
		case "message_stop":
			return errStreamDone
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s stream failed: %w", a.name, err)
	}
	return sb.String(), nil
}
