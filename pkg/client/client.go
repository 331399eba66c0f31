package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/sentinel/pkg/notify"
	"github.com/cuemby/sentinel/pkg/server"
	"github.com/cuemby/sentinel/pkg/types"
)

const requestTimeout = 10 * time.Second

// Client talks to a running controller's control API. The zero value
// is not usable; construct with New.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the controller at baseURL, e.g.
// "http://127.0.0.1:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Healthy reports whether a controller is answering at all. Used by
// the CLI to decide between live status and the read-only fallback.
func (c *Client) Healthy(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Status fetches the aggregated controller view.
func (c *Client) Status(ctx context.Context) (*server.StatusResponse, error) {
	var status server.StatusResponse
	if err := c.get(ctx, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Batch fetches one archived batch. A missing id returns
// types.ErrNotFound.
func (c *Client) Batch(ctx context.Context, id int64) (*types.RemediationBatch, error) {
	var batch types.RemediationBatch
	if err := c.get(ctx, fmt.Sprintf("/batches/%d", id), &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// Approvals lists requests waiting on a decision, oldest first.
func (c *Client) Approvals(ctx context.Context) ([]notify.ApprovalRequest, error) {
	var pending []notify.ApprovalRequest
	if err := c.get(ctx, "/approvals", &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// Decide resolves one pending approval.
func (c *Client) Decide(ctx context.Context, id string, approved bool, approver string) error {
	body := server.DecisionRequest{Approved: approved, Approver: approver}
	return c.post(ctx, "/approvals/"+id, body, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controller unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(req, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// apiError turns an error response into a Go error, preserving the
// not-found kind so callers can branch on it.
func apiError(req *http.Request, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %s: %w", req.Method, req.URL.Path, msg, types.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %s (HTTP %d)", req.Method, req.URL.Path, msg, resp.StatusCode)
}
