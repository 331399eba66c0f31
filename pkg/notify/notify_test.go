package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/types"
)

// recordingSink captures messages for assertions.
type recordingSink struct {
	mu       sync.Mutex
	messages []Message
	fail     bool
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("sink down")
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSink) UpdateLive(_ context.Context, _ Channel, handle, _ string) (string, error) {
	if handle == "" {
		handle = "live-1"
	}
	return handle, nil
}

func (r *recordingSink) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *recordingSink) onChannel(c Channel) []Message {
	var out []Message
	for _, m := range r.all() {
		if m.Channel == c {
			out = append(out, m)
		}
	}
	return out
}

func TestSendFansOutAndStampsTimestamp(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	n := New(a, b)

	n.Send(context.Background(), Message{Channel: ChannelAlerts, Title: "hello"})

	require.Len(t, a.all(), 1)
	require.Len(t, b.all(), 1)
	assert.False(t, a.all()[0].Timestamp.IsZero())
}

func TestSendSurvivesFailingSink(t *testing.T) {
	broken := &recordingSink{fail: true}
	ok := &recordingSink{}
	n := New(broken, ok)

	n.Send(context.Background(), Message{Channel: ChannelAlerts, Title: "still delivered"})

	assert.Len(t, ok.all(), 1)
}

func TestRequestApprovalApproved(t *testing.T) {
	sink := &recordingSink{}
	n := New(sink)
	req := NewApprovalRequest(42, "upgrade openssl", types.SeverityHigh,
		&types.RemediationPlan{Description: "upgrade", Confidence: 0.9, Phases: []types.PlanPhase{{Name: "p"}}}, nil)

	var (
		outcome types.ApprovalOutcome
		reqErr  error
		done    = make(chan struct{})
	)
	go func() {
		outcome, reqErr = n.RequestApproval(context.Background(), req, time.Minute)
		close(done)
	}()

	// wait for the request to be announced and registered
	require.Eventually(t, func() bool {
		return len(n.Inbox().Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Inbox().Decide(req.ID, true, "alice"))
	<-done

	require.NoError(t, reqErr)
	assert.True(t, outcome.Approved)
	assert.Equal(t, "alice", outcome.Approver)
	assert.False(t, outcome.TimedOut)

	posted := sink.onChannel(ChannelApprovals)
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0].Title, "batch 42")
	assert.Equal(t, "0.90", posted[0].Fields["confidence"])
}

func TestRequestApprovalTimesOut(t *testing.T) {
	n := New()
	req := NewApprovalRequest(7, "reboot", types.SeverityCritical, nil, nil)

	outcome, err := n.RequestApproval(context.Background(), req, 10*time.Millisecond)

	require.ErrorIs(t, err, types.ErrApprovalTimeout)
	assert.False(t, outcome.Approved)
	assert.True(t, outcome.TimedOut)
	assert.Empty(t, n.Inbox().Pending())
}

func TestRequestApprovalContextCancelled(t *testing.T) {
	n := New()
	req := NewApprovalRequest(7, "reboot", types.SeverityHigh, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := n.RequestApproval(ctx, req, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, types.ErrApprovalTimeout)
}

func TestInboxDecideUnknownID(t *testing.T) {
	inbox := NewInbox()
	err := inbox.Decide("nope", true, "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestInboxSecondDecisionRejected(t *testing.T) {
	inbox := NewInbox()
	req := NewApprovalRequest(1, "s", types.SeverityLow, nil, nil)
	inbox.Add(req)

	require.NoError(t, inbox.Decide(req.ID, false, "bob"))
	assert.ErrorIs(t, inbox.Decide(req.ID, true, "carol"), types.ErrNotFound)
}

func TestInboxPendingOrderedOldestFirst(t *testing.T) {
	inbox := NewInbox()
	first := NewApprovalRequest(1, "first", types.SeverityLow, nil, nil)
	second := NewApprovalRequest(2, "second", types.SeverityLow, nil, nil)
	second.RequestedAt = first.RequestedAt.Add(time.Second)
	inbox.Add(second)
	inbox.Add(first)

	pending := inbox.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, int64(1), pending[0].BatchID)
	assert.Equal(t, int64(2), pending[1].BatchID)
}

func TestConsoleSinkRendersFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)

	err := sink.Send(context.Background(), Message{
		Channel:  ChannelCritical,
		Title:    "disk failing",
		Severity: types.SeverityCritical,
		Body:     "smartd reported reallocated sectors",
		Fields:   map[string]string{"host": "db-1", "device": "/dev/sda"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "[critical] disk failing (CRITICAL)")
	assert.Contains(t, out, "smartd reported reallocated sectors")
	assert.Contains(t, out, "device: /dev/sda")
	assert.Contains(t, out, "host: db-1")
}

func TestConsoleSinkLiveHandleStable(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)

	h1, err := sink.UpdateLive(context.Background(), ChannelStats, "", "uptime 99%")
	require.NoError(t, err)
	h2, err := sink.UpdateLive(context.Background(), ChannelStats, h1, "uptime 98%")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sink := NewWebhookSink(srv.URL)
	err := sink.Send(context.Background(), Message{Channel: ChannelAlerts, Title: "ping"})
	require.NoError(t, err)

	assert.Equal(t, "message", got.Kind)
	require.NotNil(t, got.Message)
	assert.Equal(t, ChannelAlerts, got.Message.Channel)
	assert.Equal(t, "ping", got.Message.Title)
}

func TestWebhookSinkLiveUpdateAdoptsReturnedHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"handle":"msg-901"}`))
	}))
	t.Cleanup(srv.Close)

	sink := NewWebhookSink(srv.URL)
	handle, err := sink.UpdateLive(context.Background(), ChannelStats, "", "dashboard")
	require.NoError(t, err)
	assert.Equal(t, "msg-901", handle)
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	sink := NewWebhookSink(srv.URL)
	err := sink.Send(context.Background(), Message{Channel: ChannelAlerts, Title: "ping"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBridgeRoutesBusEvents(t *testing.T) {
	broker := bus.NewBroker()
	broker.Start()
	defer broker.Stop()

	sink := &recordingSink{}
	bridge := NewBridge(broker, New(sink), types.ApprovalParanoid)
	bridge.Start()
	defer bridge.Stop()

	broker.Emit(bus.EventPushSummary, types.SeverityLow, "3 commits to main", map[string]string{"repo": "api"})
	broker.Emit(bus.EventDetected, types.SeverityCritical, "CVE-2026-0001 in openssl", nil)

	require.Eventually(t, func() bool {
		return len(sink.all()) >= 3
	}, time.Second, 5*time.Millisecond)

	deploys := sink.onChannel(ChannelDeployLog)
	require.Len(t, deploys, 1)
	assert.Equal(t, "3 commits to main", deploys[0].Body)
	assert.Equal(t, "api", deploys[0].Fields["repo"])

	// the critical detection lands on alerts and is escalated
	assert.Len(t, sink.onChannel(ChannelAlerts), 1)
	assert.Len(t, sink.onChannel(ChannelCritical), 1)
}

func TestBridgeBalancedDefersTransientFailures(t *testing.T) {
	broker := bus.NewBroker()
	broker.Start()
	defer broker.Stop()

	sink := &recordingSink{}
	bridge := NewBridge(broker, New(sink), types.ApprovalBalanced)
	bridge.Start()

	broker.Emit(bus.EventFixFailed, types.SeverityMedium, "fix failed for evt-1: connection reset",
		map[string]string{"kind": "transient"})
	broker.Emit(bus.EventAdapterFailure, types.SeverityHigh, "adapter trivy failing repeatedly",
		map[string]string{"adapter": "trivy"})
	// emitted last so its arrival proves the deferred ones were consumed
	broker.Emit(bus.EventFixFailed, types.SeverityHigh, "fix failed for evt-2: refused unsafe operation",
		map[string]string{"kind": "refusal"})

	require.Eventually(t, func() bool {
		return len(sink.onChannel(ChannelCodeFixes)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.onChannel(ChannelAlerts))

	bridge.Stop()

	summaries := sink.onChannel(ChannelAlerts)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Deferred failure summary", summaries[0].Title)
	assert.Contains(t, summaries[0].Body, "2 deferred failures")
	assert.Contains(t, summaries[0].Body, "1x adapter failing: trivy")
	assert.Contains(t, summaries[0].Body, "1x fix failed: transient")
	assert.Equal(t, types.SeverityHigh, summaries[0].Severity)
}

func TestBridgeAggressiveEscalatesOnlyCriticalVerification(t *testing.T) {
	broker := bus.NewBroker()
	broker.Start()
	defer broker.Stop()

	sink := &recordingSink{}
	bridge := NewBridge(broker, New(sink), types.ApprovalAggressive)
	bridge.Start()

	broker.Emit(bus.EventFixFailed, types.SeverityHigh, "fix failed for evt-1: verification failed",
		map[string]string{"kind": "verification"})
	broker.Emit(bus.EventFixFailed, types.SeverityCritical, "fix failed for evt-2: refused unsafe operation",
		map[string]string{"kind": "refusal"})
	broker.Emit(bus.EventFixFailed, types.SeverityCritical, "fix failed for evt-3: verification failed",
		map[string]string{"kind": "verification"})

	// the critical verification failure notifies now and escalates;
	// the critical copy is sent last, so waiting on it covers both
	require.Eventually(t, func() bool {
		return len(sink.onChannel(ChannelCritical)) == 1
	}, time.Second, 5*time.Millisecond)
	require.Len(t, sink.onChannel(ChannelCodeFixes), 1)

	bridge.Stop()

	summaries := sink.onChannel(ChannelAlerts)
	require.Len(t, summaries, 1)
	assert.Contains(t, summaries[0].Body, "1x fix failed: refusal")
	assert.Contains(t, summaries[0].Body, "1x fix failed: verification")
	assert.Equal(t, types.SeverityCritical, summaries[0].Severity)
}

func TestBridgeStopWithoutDeferredSendsNoSummary(t *testing.T) {
	broker := bus.NewBroker()
	broker.Start()
	defer broker.Stop()

	sink := &recordingSink{}
	bridge := NewBridge(broker, New(sink), types.ApprovalBalanced)
	bridge.Start()
	bridge.Stop()

	assert.Empty(t, sink.all())
}

func TestProjectChannelSlug(t *testing.T) {
	assert.Equal(t, Channel("status-my-api"), ProjectChannel("My API"))
}
