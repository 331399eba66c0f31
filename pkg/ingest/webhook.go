package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/types"
)

const (
	// maxWebhookBody caps a delivery read. GitHub itself caps payloads
	// at 25MB; anything near that is not a push we can summarize.
	maxWebhookBody = 10 << 20

	// zeroSHA is the "after" of a branch deletion push.
	zeroSHA = "0000000000000000000000000000000000000000"
)

type repoRef struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

func (r repoRef) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.FullName
}

type authorRef struct {
	Name string `json:"name"`
}

type userRef struct {
	Login string `json:"login"`
}

type commitInfo struct {
	ID       string    `json:"id"`
	Message  string    `json:"message"`
	Author   authorRef `json:"author"`
	Added    []string  `json:"added"`
	Modified []string  `json:"modified"`
	Removed  []string  `json:"removed"`
}

type pushPayload struct {
	Ref        string       `json:"ref"`
	After      string       `json:"after"`
	Repository repoRef      `json:"repository"`
	Pusher     authorRef    `json:"pusher"`
	Commits    []commitInfo `json:"commits"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title  string  `json:"title"`
		Merged bool    `json:"merged"`
		User   userRef `json:"user"`
		Base   struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository repoRef `json:"repository"`
}

type releasePayload struct {
	Action  string `json:"action"`
	Release struct {
		TagName string `json:"tag_name"`
		Name    string `json:"name"`
	} `json:"release"`
	Repository repoRef `json:"repository"`
}

type workflowRunPayload struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
		HeadSHA    string `json:"head_sha"`
	} `json:"workflow_run"`
	Repository repoRef `json:"repository"`
}

// WebhookHandler returns the POST /webhook handler. Every delivery is
// verified against the shared secret before its body is even parsed;
// unsupported event types are acknowledged so the sender does not
// disable the hook.
func (i *Ingestor) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event := eventLabel(r.Header.Get("X-GitHub-Event"))

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			i.finish(w, event, "error", http.StatusInternalServerError, "failed to read body")
			return
		}

		if !i.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
			i.logger.Warn().Str("event", event).Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
			i.finish(w, event, "unauthorized", http.StatusUnauthorized, "invalid signature")
			return
		}

		switch r.Header.Get("X-GitHub-Event") {
		case "push":
			i.handlePush(w, body)
		case "pull_request":
			i.handlePullRequest(w, body)
		case "release":
			i.handleRelease(w, body)
		case "workflow_run":
			i.handleWorkflowRun(w, body)
		default:
			i.finish(w, event, "ignored", http.StatusOK, "ignored")
		}
	}
}

// verifySignature checks the X-Hub-Signature-256 header against the
// body in constant time. An unconfigured secret rejects every
// delivery; an open webhook endpoint is worse than a dead one.
func (i *Ingestor) verifySignature(header string, body []byte) bool {
	if len(i.secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

func (i *Ingestor) handlePush(w http.ResponseWriter, body []byte) {
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		i.finish(w, "push", "error", http.StatusInternalServerError, "malformed payload")
		return
	}

	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	repo := payload.Repository.label()
	switch {
	case branch == payload.Ref:
		// Tag pushes and other refs are not deployments.
		i.finish(w, "push", "ignored", http.StatusOK, "ignored")
		return
	case payload.After == "" || payload.After == zeroSHA:
		i.finish(w, "push", "ignored", http.StatusOK, "ignored")
		return
	case !i.deployBranch(branch):
		i.finish(w, "push", "ignored", http.StatusOK, "ignored")
		return
	}

	if !i.dedupe.claim(repo, branch, payload.After) {
		i.finish(w, "push", "duplicate", http.StatusOK, "duplicate")
		return
	}

	job := pushJob{
		Repo:         repo,
		Branch:       branch,
		HeadSHA:      payload.After,
		Pusher:       payload.Pusher.Name,
		Commits:      payload.Commits,
		FilesChanged: countChangedFiles(payload.Commits),
		Via:          "webhook",
	}

	select {
	case i.queue <- job:
	default:
		i.dedupe.release(repo, branch, payload.After)
		i.finish(w, "push", "dropped", http.StatusInternalServerError, "queue full")
		return
	}

	if i.running.Load() {
		i.finish(w, "push", "accepted", http.StatusOK, "accepted")
	} else {
		i.finish(w, "push", "queued", http.StatusAccepted, "queued")
	}
}

func (i *Ingestor) handlePullRequest(w http.ResponseWriter, body []byte) {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		i.finish(w, "pull_request", "error", http.StatusInternalServerError, "malformed payload")
		return
	}

	// Only the merge matters for the deploy log; opens, syncs and
	// plain closes are repository noise.
	if payload.Action != "closed" || !payload.PullRequest.Merged {
		i.finish(w, "pull_request", "ignored", http.StatusOK, "ignored")
		return
	}

	if i.broker != nil {
		i.broker.Emit(bus.EventPushSummary, types.SeverityLow,
			fmt.Sprintf("%s: PR #%d merged into %s: %s",
				payload.Repository.label(), payload.Number, payload.PullRequest.Base.Ref, payload.PullRequest.Title),
			map[string]string{
				"repo":   payload.Repository.label(),
				"branch": payload.PullRequest.Base.Ref,
				"pr":     fmt.Sprintf("%d", payload.Number),
				"author": payload.PullRequest.User.Login,
			})
	}
	i.finish(w, "pull_request", "processed", http.StatusOK, "ok")
}

func (i *Ingestor) handleRelease(w http.ResponseWriter, body []byte) {
	var payload releasePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		i.finish(w, "release", "error", http.StatusInternalServerError, "malformed payload")
		return
	}

	if payload.Action != "published" {
		i.finish(w, "release", "ignored", http.StatusOK, "ignored")
		return
	}

	name := payload.Release.Name
	if name == "" {
		name = payload.Release.TagName
	}
	if i.broker != nil {
		i.broker.Emit(bus.EventPushSummary, types.SeverityLow,
			fmt.Sprintf("%s: release %s published", payload.Repository.label(), name),
			map[string]string{
				"repo": payload.Repository.label(),
				"tag":  payload.Release.TagName,
			})
	}
	i.finish(w, "release", "processed", http.StatusOK, "ok")
}

func (i *Ingestor) handleWorkflowRun(w http.ResponseWriter, body []byte) {
	var payload workflowRunPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		i.finish(w, "workflow_run", "error", http.StatusInternalServerError, "malformed payload")
		return
	}

	// Successful runs are the steady state; only completed failures
	// are worth a notification.
	if payload.Action != "completed" || payload.WorkflowRun.Conclusion == "success" {
		i.finish(w, "workflow_run", "ignored", http.StatusOK, "ignored")
		return
	}

	if i.broker != nil {
		i.broker.Emit(bus.EventPushSummary, types.SeverityHigh,
			fmt.Sprintf("%s: workflow %q %s on %s",
				payload.Repository.label(), payload.WorkflowRun.Name,
				payload.WorkflowRun.Conclusion, payload.WorkflowRun.HeadBranch),
			map[string]string{
				"repo":       payload.Repository.label(),
				"branch":     payload.WorkflowRun.HeadBranch,
				"workflow":   payload.WorkflowRun.Name,
				"conclusion": payload.WorkflowRun.Conclusion,
				"sha":        shortSHA(payload.WorkflowRun.HeadSHA),
			})
	}
	i.finish(w, "workflow_run", "processed", http.StatusOK, "ok")
}

func (i *Ingestor) finish(w http.ResponseWriter, event, outcome string, code int, msg string) {
	metrics.WebhooksTotal.WithLabelValues(event, outcome).Inc()
	if code >= 400 {
		http.Error(w, msg, code)
		return
	}
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}

// eventLabel bounds the metric label space to the event types we
// dispatch on.
func eventLabel(event string) string {
	switch event {
	case "push", "pull_request", "release", "workflow_run":
		return event
	default:
		return "other"
	}
}

// countChangedFiles counts distinct paths across the push's commits.
func countChangedFiles(commits []commitInfo) int {
	paths := map[string]struct{}{}
	for _, c := range commits {
		for _, list := range [][]string{c.Added, c.Modified, c.Removed} {
			for _, p := range list {
				paths[p] = struct{}{}
			}
		}
	}
	return len(paths)
}

// HealthHandler returns the GET /health handler with the wire shape
// webhook monitors expect.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"service":   "github-webhook",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
