package ingest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/types"
)

const testSecret = "s3cret"

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type stubSummarizer struct {
	mu    sync.Mutex
	out   string
	err   error
	calls int
}

func (s *stubSummarizer) Summarize(_ context.Context, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.out, s.err
}

type changeRecord struct {
	Repo, Branch, SHA, Category, Summary string
	FilesChanged                         int
}

type stubChanges struct {
	mu      sync.Mutex
	records []changeRecord
}

func (s *stubChanges) RecordCodeChange(_ context.Context, repo, branch, sha, category, summary string, filesChanged int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, changeRecord{repo, branch, sha, category, summary, filesChanged})
	return nil
}

func (s *stubChanges) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *stubChanges) record(i int) changeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[i]
}

type ingestRig struct {
	ing       *Ingestor
	kb        *stubChanges
	events    bus.Subscriber
	statePath string
	stopOnce  sync.Once
	started   bool
}

func newIngestRig(t *testing.T, mutate func(*config.GitHub), deps *Deps) *ingestRig {
	t.Helper()

	cfg := config.GitHub{
		WebhookSecret:    testSecret,
		DeployBranches:   []string{"main", "master"},
		DedupeTTLSeconds: 300,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	d := Deps{Broker: broker}
	if deps != nil {
		d = *deps
		d.Broker = broker
	}

	r := &ingestRig{
		kb:        &stubChanges{},
		events:    broker.Subscribe(),
		statePath: filepath.Join(t.TempDir(), "git_push_state.json"),
	}
	if d.Knowledge == nil {
		d.Knowledge = r.kb
	}
	r.ing = New(cfg, r.statePath, d)
	t.Cleanup(func() { _ = r.ing.dedupe.flush() })
	return r
}

func (r *ingestRig) start(t *testing.T) {
	t.Helper()
	require.NoError(t, r.ing.Start())
	r.started = true
	t.Cleanup(r.stop)
}

func (r *ingestRig) stop() {
	r.stopOnce.Do(r.ing.Stop)
}

func (r *ingestRig) deliver(event string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	r.ing.WebhookHandler()(rec, req)
	return rec
}

func awaitBusEvent(t *testing.T, sub bus.Subscriber, want bus.EventType) *bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-sub:
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func pushBody(t *testing.T, ref, after string, commits []commitInfo) []byte {
	t.Helper()
	body, err := json.Marshal(pushPayload{
		Ref:        ref,
		After:      after,
		Repository: repoRef{Name: "api"},
		Pusher:     authorRef{Name: "dev"},
		Commits:    commits,
	})
	require.NoError(t, err)
	return body
}

func TestSignatureVerification(t *testing.T) {
	r := newIngestRig(t, nil, nil)
	body := []byte(`{"zen":"test"}`)

	rec := r.deliver("ping", body, sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code, "valid signature passes")

	tampered := []byte(`{"zen":"Test"}`)
	rec = r.deliver("ping", tampered, sign(testSecret, body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "signature covers the exact body")

	rec = r.deliver("ping", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing header rejected")

	rec = r.deliver("ping", body, sign("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong secret rejected")
}

func TestUnconfiguredSecretRejectsEverything(t *testing.T) {
	r := newIngestRig(t, func(cfg *config.GitHub) { cfg.WebhookSecret = "" }, nil)
	body := []byte(`{"zen":"test"}`)

	rec := r.deliver("ping", body, sign("", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPushProcessedEndToEnd(t *testing.T) {
	r := newIngestRig(t, nil, nil)
	r.start(t)

	sha := "aabbccddeeff00112233445566778899aabbccdd"
	body := pushBody(t, "refs/heads/main", sha, []commitInfo{
		{
			ID:      sha,
			Message: "fix: close leaked pool connections",
			Author:  authorRef{Name: "dev"},
			Added:   []string{"pool.go"},
		},
		{
			ID:       "1122334455667788990011223344556677889900",
			Message:  "add retry budget to dialer",
			Author:   authorRef{Name: "dev"},
			Modified: []string{"pool.go", "dialer.go"},
		},
	})

	rec := r.deliver("push", body, sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")

	event := awaitBusEvent(t, r.events, bus.EventPushSummary)
	assert.Equal(t, types.SeverityLow, event.Severity)
	assert.Equal(t, "api", event.Metadata["repo"])
	assert.Equal(t, "main", event.Metadata["branch"])
	assert.Equal(t, sha[:12], event.Metadata["sha"])
	assert.Equal(t, "webhook", event.Metadata["via"])
	assert.Equal(t, "2", event.Metadata["commits"])
	assert.Equal(t, "2", event.Metadata["files_changed"], "distinct paths, not per-commit sums")

	require.Eventually(t, func() bool { return r.kb.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	rc := r.kb.record(0)
	assert.Equal(t, "api", rc.Repo)
	assert.Equal(t, "main", rc.Branch)
	assert.Equal(t, sha, rc.SHA)
	assert.Equal(t, 2, rc.FilesChanged)

	r.stop()

	cursors := map[string]string{}
	data, err := os.ReadFile(r.statePath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &cursors))
	assert.Equal(t, sha, cursors["api:main"], "cursor persisted on shutdown")
}

func TestDeliveryQueuedBeforeStart(t *testing.T) {
	r := newIngestRig(t, nil, nil)

	sha := "00112233445566778899aabbccddeeff00112233"
	body := pushBody(t, "refs/heads/main", sha, []commitInfo{
		{ID: sha, Message: "feat: nightly report"},
	})

	rec := r.deliver("push", body, sign(testSecret, body))
	assert.Equal(t, http.StatusAccepted, rec.Code, "accepted but not yet running")

	r.start(t)
	event := awaitBusEvent(t, r.events, bus.EventPushSummary)
	assert.Equal(t, sha[:12], event.Metadata["sha"], "queued delivery drains once started")
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	r := newIngestRig(t, nil, nil)
	r.start(t)

	sha := "ffeeddccbbaa99887766554433221100ffeeddcc"
	body := pushBody(t, "refs/heads/main", sha, []commitInfo{
		{ID: sha, Message: "fix: rotate credentials"},
	})
	signature := sign(testSecret, body)

	rec := r.deliver("push", body, signature)
	assert.Contains(t, rec.Body.String(), "accepted")
	awaitBusEvent(t, r.events, bus.EventPushSummary)

	rec = r.deliver("push", body, signature)
	assert.Equal(t, http.StatusOK, rec.Code, "redelivery is acknowledged, not retried")
	assert.Contains(t, rec.Body.String(), "duplicate")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.kb.count(), "one push, one record")
}

func TestUninterestingPushesIgnored(t *testing.T) {
	r := newIngestRig(t, nil, nil)

	cases := []struct {
		name string
		body []byte
	}{
		{"non-deploy branch", pushBody(t, "refs/heads/feature-x", "aa00000000000000000000000000000000000000", []commitInfo{{ID: "aa"}})},
		{"branch deletion", pushBody(t, "refs/heads/main", zeroSHA, nil)},
		{"tag push", pushBody(t, "refs/tags/v1.2.0", "bb00000000000000000000000000000000000000", []commitInfo{{ID: "bb"}})},
	}
	for _, tc := range cases {
		rec := r.deliver("push", tc.body, sign(testSecret, tc.body))
		assert.Equal(t, http.StatusOK, rec.Code, tc.name)
		assert.Contains(t, rec.Body.String(), "ignored", tc.name)
	}
	assert.Empty(t, r.events, "nothing reached the bus")
}

func TestPullRequestMergeNotifies(t *testing.T) {
	r := newIngestRig(t, nil, nil)

	var payload pullRequestPayload
	payload.Action = "closed"
	payload.Number = 42
	payload.PullRequest.Title = "Harden webhook parsing"
	payload.PullRequest.Merged = true
	payload.PullRequest.User = userRef{Login: "dev"}
	payload.PullRequest.Base.Ref = "main"
	payload.Repository = repoRef{Name: "api"}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	rec := r.deliver("pull_request", body, sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	event := awaitBusEvent(t, r.events, bus.EventPushSummary)
	assert.Contains(t, event.Message, "PR #42 merged")
	assert.Equal(t, "42", event.Metadata["pr"])
	assert.Equal(t, "dev", event.Metadata["author"])

	// A close without a merge is noise.
	payload.PullRequest.Merged = false
	body, err = json.Marshal(payload)
	require.NoError(t, err)
	rec = r.deliver("pull_request", body, sign(testSecret, body))
	assert.Contains(t, rec.Body.String(), "ignored")
}

func TestWorkflowFailureNotifies(t *testing.T) {
	r := newIngestRig(t, nil, nil)

	var payload workflowRunPayload
	payload.Action = "completed"
	payload.WorkflowRun.Name = "ci"
	payload.WorkflowRun.Conclusion = "failure"
	payload.WorkflowRun.HeadBranch = "main"
	payload.WorkflowRun.HeadSHA = "abcdef0123456789abcdef0123456789abcdef01"
	payload.Repository = repoRef{Name: "api"}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	rec := r.deliver("workflow_run", body, sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	event := awaitBusEvent(t, r.events, bus.EventPushSummary)
	assert.Equal(t, types.SeverityHigh, event.Severity)
	assert.Contains(t, event.Message, "failure")
	assert.Equal(t, "ci", event.Metadata["workflow"])

	// Green runs stay quiet.
	payload.WorkflowRun.Conclusion = "success"
	body, err = json.Marshal(payload)
	require.NoError(t, err)
	rec = r.deliver("workflow_run", body, sign(testSecret, body))
	assert.Contains(t, rec.Body.String(), "ignored")
}

func TestReleasePublishedNotifies(t *testing.T) {
	r := newIngestRig(t, nil, nil)

	var payload releasePayload
	payload.Action = "published"
	payload.Release.TagName = "v2.1.0"
	payload.Release.Name = "Winter cleanup"
	payload.Repository = repoRef{Name: "api"}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	rec := r.deliver("release", body, sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	event := awaitBusEvent(t, r.events, bus.EventPushSummary)
	assert.Contains(t, event.Message, "release Winter cleanup published")
	assert.Equal(t, "v2.1.0", event.Metadata["tag"])
}

func TestHealthEndpointShape(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler()(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "github-webhook", body["service"])
	_, err := time.Parse(time.RFC3339, body["timestamp"])
	assert.NoError(t, err)
}

func TestQueueFullReleasesClaim(t *testing.T) {
	r := newIngestRig(t, nil, nil)

	// Fill the queue without a worker draining it.
	for n := 0; n < queueSize; n++ {
		r.ing.queue <- pushJob{Repo: "filler", Branch: "main", HeadSHA: fmt.Sprintf("%040d", n)}
	}

	sha := "cc00000000000000000000000000000000000000"
	body := pushBody(t, "refs/heads/main", sha, []commitInfo{{ID: sha, Message: "fix: x"}})
	rec := r.deliver("push", body, sign(testSecret, body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "full queue refuses the delivery")

	// The claim was released, so a redelivery can get in after the
	// queue drains.
	<-r.ing.queue
	rec = r.deliver("push", body, sign(testSecret, body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
