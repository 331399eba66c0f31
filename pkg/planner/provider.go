package planner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuemby/sentinel/pkg/config"
)

// CompletionRequest is one prompt for a model backend.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64

	// OnToken, when non-nil, receives content fragments as the
	// provider streams them. The complete text is still returned.
	OnToken func(token string)
}

// Provider is one model backend. Complete returns the full response
// text; implementations that support streaming feed fragments through
// req.OnToken along the way. Cancelling ctx aborts the request.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// NewProvider builds a provider from its config entry.
func NewProvider(cfg config.Provider) (Provider, error) {
	switch cfg.Kind {
	case "openai", "":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// statusError is a non-2xx provider response. Transport-level and
// therefore retryable; the backend may recover.
type statusError struct {
	provider string
	code     int
	body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.provider, e.code, e.body)
}

// postJSON sends payload and returns the raw response. The caller owns
// resp.Body. The client carries no global timeout; request lifetime is
// bounded by ctx so streamed bodies are not cut mid-read.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

// readBodySnippet drains a bounded prefix of an error body for the log.
func readBodySnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}

// errStreamDone signals normal end-of-stream from an SSE callback.
var errStreamDone = errors.New("stream done")

// forEachSSEData scans a text/event-stream body and invokes fn for
// every data: payload. fn returns errStreamDone to stop cleanly.
func forEachSSEData(r io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if err := fn(data); err != nil {
			if errors.Is(err, errStreamDone) {
				return nil
			}
			return err
		}
	}
	return scanner.Err()
}
