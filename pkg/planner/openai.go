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

// OpenAI speaks the chat-completions dialect shared by OpenAI and the
// local inference servers that imitate it (ollama, vllm, llama.cpp).
// BaseURL includes the version prefix, e.g. http://localhost:11434/v1.
type OpenAI struct {
	name    string
	baseURL string
	model   string
	keyEnv  string
	timeout time.Duration
	stream  bool
	client  *http.Client
}

func NewOpenAI(cfg config.Provider) *OpenAI {
	return &OpenAI{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		keyEnv:  cfg.APIKeyEnv,
		timeout: time.Duration(cfg.Timeout),
		stream:  cfg.Stream,
		client:  &http.Client{},
	}
}

func (o *OpenAI) Name() string { return o.name }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	stream := o.stream && req.OnToken != nil
	payload := openaiRequest{
		Model: o.model,
		Messages: []openaiMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		Stream:      stream,
	}

	headers := map[string]string{}
	if o.keyEnv != "" {
		if key := os.Getenv(o.keyEnv); key != "" {
			headers["Authorization"] = "Bearer " + key
		}
	}

	resp, err := postJSON(ctx, o.client, o.baseURL+"/chat/completions", headers, payload)
	if err != nil {
		return "", fmt.Errorf("failed to call %s: %w", o.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &statusError{provider: o.name, code: resp.StatusCode, body: readBodySnippet(resp.Body)}
	}

	if stream {
		return o.collectStream(resp.Body, req.OnToken)
	}

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode %s response: %w", o.name, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", o.name)
	}
	return out.Choices[0].Message.Content, nil
}

func (o *OpenAI) collectStream(body io.Reader, onToken func(string)) (string, error) {
	var sb strings.Builder
	err := forEachSSEData(body, func(data string) error {
		if data == "[DONE]" {
			return errStreamDone
		}
		var chunk openaiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		if token := chunk.Choices[0].Delta.Content; token != "" {
			sb.WriteString(token)
			onToken(token)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s stream failed: %w", o.name, err)
	}
	return sb.String(), nil
}
