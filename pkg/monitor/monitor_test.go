package monitor

import (
	"context"
	"encoding/json"
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
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/notify"
	"github.com/cuemby/sentinel/pkg/types"
)

type flipServer struct {
	mu   sync.Mutex
	code int
}

func (f *flipServer) set(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code = code
}

func (f *flipServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	code := f.code
	f.mu.Unlock()
	w.WriteHeader(code)
}

type captureSink struct {
	mu      sync.Mutex
	handles []string
	live    []string
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Send(_ context.Context, _ notify.Message) error { return nil }

func (c *captureSink) UpdateLive(_ context.Context, _ notify.Channel, handle, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles = append(c.handles, handle)
	c.live = append(c.live, content)
	return "live-1", nil
}

func (c *captureSink) liveHandles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.handles...)
}

func (c *captureSink) liveContents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.live...)
}

type stubRunner struct {
	mu       sync.Mutex
	commands []string
}

func (s *stubRunner) Execute(_ context.Context, command string, _ executor.Options) (*types.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	return &types.CommandResult{
		Command:   command,
		ExitCode:  0,
		Mode:      types.ModeLive,
		StartedAt: time.Now(),
	}, nil
}

func (s *stubRunner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

type stubPatterns struct {
	mu      sync.Mutex
	entries [][2]string
}

func (s *stubPatterns) RecordLogPattern(_ context.Context, project, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, [2]string{project, pattern})
	return nil
}

func (s *stubPatterns) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *stubPatterns) record(i int) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[i][0], s.entries[i][1]
}

type rig struct {
	m         *Manager
	flip      *flipServer
	sink      *captureSink
	runner    *stubRunner
	kb        *stubPatterns
	events    bus.Subscriber
	statePath string
	stopOnce  sync.Once
}

func newRig(t *testing.T, mutate func(*config.Project)) *rig {
	t.Helper()

	flip := &flipServer{code: http.StatusOK}
	srv := httptest.NewServer(flip)
	t.Cleanup(srv.Close)

	project := config.Project{
		Name:       "api",
		Path:       t.TempDir(),
		Production: true,
		Monitor: &config.Monitor{
			URL:                  srv.URL,
			ExpectedStatus:       http.StatusOK,
			CheckInterval:        config.Duration(10 * time.Millisecond),
			Timeout:              config.Duration(500 * time.Millisecond),
			RemediationThreshold: 3,
		},
	}
	if mutate != nil {
		mutate(&project)
	}

	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	r := &rig{
		flip:      flip,
		sink:      &captureSink{},
		runner:    &stubRunner{},
		kb:        &stubPatterns{},
		events:    broker.Subscribe(),
		statePath: filepath.Join(t.TempDir(), "project_monitor_state.json"),
	}
	r.m = New([]config.Project{project}, r.statePath, Deps{
		Executor:  r.runner,
		Notifier:  notify.New(r.sink),
		Knowledge: r.kb,
		Broker:    broker,
	})
	r.m.grace = 0
	r.m.refresh = 25 * time.Millisecond
	return r
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	require.NoError(t, r.m.Start())
	t.Cleanup(r.stop)
}

func (r *rig) stop() {
	r.stopOnce.Do(r.m.Stop)
}

func awaitEvent(t *testing.T, sub bus.Subscriber, want bus.EventType) *bus.Event {
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

func TestChecksAccumulateWhileOnline(t *testing.T) {
	r := newRig(t, nil)
	r.start(t)

	require.Eventually(t, func() bool {
		snap := r.m.Snapshot().Projects[0]
		return snap.TotalChecks >= 3
	}, 3*time.Second, 5*time.Millisecond)

	snap := r.m.Snapshot().Projects[0]
	assert.True(t, snap.Online)
	assert.Equal(t, snap.TotalChecks, snap.SuccessfulChecks)
	assert.InDelta(t, 100.0, snap.UptimePercent, 0.001)
	assert.True(t, r.m.ProjectStatuses()["api"])
}

func TestExpectedStatusMatchesExactly(t *testing.T) {
	// 204 against an expected 200 is offline, not "2xx is fine".
	mismatched := newRig(t, nil)
	mismatched.flip.set(http.StatusNoContent)
	mismatched.start(t)

	require.Eventually(t, func() bool {
		return !mismatched.m.ProjectStatuses()["api"]
	}, 3*time.Second, 5*time.Millisecond)
	assert.Contains(t, mismatched.m.Snapshot().Projects[0].LastError, "expected 200")

	matched := newRig(t, func(p *config.Project) {
		p.Monitor.ExpectedStatus = http.StatusNoContent
	})
	matched.flip.set(http.StatusNoContent)
	matched.start(t)

	require.Eventually(t, func() bool {
		snap := matched.m.Snapshot().Projects[0]
		return snap.Online && snap.SuccessfulChecks >= 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestIncidentAndRecoveryFlow(t *testing.T) {
	r := newRig(t, nil)
	r.start(t)

	require.Eventually(t, func() bool {
		return r.m.Snapshot().Projects[0].SuccessfulChecks >= 1
	}, 3*time.Second, 5*time.Millisecond)

	r.flip.set(http.StatusServiceUnavailable)
	incident := awaitEvent(t, r.events, bus.EventIncidentOpened)
	assert.Equal(t, types.SeverityCritical, incident.Severity, "production projects escalate")
	assert.Equal(t, "api", incident.Metadata["project"])
	assert.Contains(t, incident.Message, "offline")

	r.flip.set(http.StatusOK)
	recovery := awaitEvent(t, r.events, bus.EventIncidentClosed)
	assert.Contains(t, recovery.Message, "back online")

	require.Eventually(t, func() bool {
		snap := r.m.Snapshot().Projects[0]
		return snap.Online && snap.ConsecutiveFailures == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRemediationRunsOncePerEpisode(t *testing.T) {
	r := newRig(t, func(p *config.Project) {
		p.Monitor.RemediationThreshold = 2
		p.Monitor.RemediationCommand = "systemctl restart api"
	})
	r.flip.set(http.StatusInternalServerError)
	r.start(t)

	require.Eventually(t, func() bool { return r.runner.count() == 1 }, 3*time.Second, 5*time.Millisecond)

	// The episode keeps failing; the latch keeps the command from
	// running again.
	require.Eventually(t, func() bool {
		return r.m.Snapshot().Projects[0].ConsecutiveFailures >= 6
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.runner.count())

	state := awaitEvent(t, r.events, bus.EventServiceState)
	assert.Equal(t, "succeeded", state.Metadata["outcome"])
	assert.Equal(t, "systemctl restart api", state.Metadata["command"])

	// Recovery re-arms remediation for the next episode.
	r.flip.set(http.StatusOK)
	awaitEvent(t, r.events, bus.EventIncidentClosed)

	r.flip.set(http.StatusInternalServerError)
	require.Eventually(t, func() bool { return r.runner.count() == 2 }, 3*time.Second, 5*time.Millisecond)
}

func TestLogPatternMatchFailsCheckAndRecords(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(logPath, []byte("boot ok\n"), 0o644))

	r := newRig(t, func(p *config.Project) {
		p.Production = false
		p.Monitor.LogFile = logPath
		p.Monitor.LogPattern = "FATAL"
	})
	r.start(t)

	require.Eventually(t, func() bool {
		return r.m.Snapshot().Projects[0].SuccessfulChecks >= 2
	}, 3*time.Second, 5*time.Millisecond)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2026-03-01 FATAL db connection lost\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	incident := awaitEvent(t, r.events, bus.EventIncidentOpened)
	assert.Equal(t, types.SeverityHigh, incident.Severity)
	assert.Contains(t, incident.Message, "log pattern")

	// The match was consumed and the endpoint is healthy, so the next
	// check closes the episode.
	awaitEvent(t, r.events, bus.EventIncidentClosed)

	require.Eventually(t, func() bool { return r.kb.count() >= 1 }, 3*time.Second, 5*time.Millisecond)
	project, pattern := r.kb.record(0)
	assert.Equal(t, "api", project)
	assert.Equal(t, "FATAL", pattern)
}

func TestDashboardRollsOneLiveMessage(t *testing.T) {
	r := newRig(t, nil)
	r.start(t)

	require.Eventually(t, func() bool {
		return len(r.sink.liveContents()) >= 2
	}, 3*time.Second, 5*time.Millisecond)

	handles := r.sink.liveHandles()
	assert.Empty(t, handles[0], "first update posts fresh")
	assert.Equal(t, "live-1", handles[1], "later updates edit in place")

	contents := r.sink.liveContents()
	last := contents[len(contents)-1]
	assert.Contains(t, last, "api")
	assert.Contains(t, last, "uptime")

	r.stop()

	data, err := os.ReadFile(r.statePath)
	require.NoError(t, err)
	var state persistedState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "live-1", state.DashboardMessageID)
	assert.GreaterOrEqual(t, state.Projects["api"].TotalChecks, int64(1))
}

func TestStateSeedsCountersAcrossRestarts(t *testing.T) {
	flip := &flipServer{code: http.StatusOK}
	srv := httptest.NewServer(flip)
	t.Cleanup(srv.Close)

	statePath := filepath.Join(t.TempDir(), "project_monitor_state.json")
	project := config.Project{
		Name: "api",
		Monitor: &config.Monitor{
			URL:                  srv.URL,
			ExpectedStatus:       http.StatusOK,
			CheckInterval:        config.Duration(10 * time.Millisecond),
			Timeout:              config.Duration(500 * time.Millisecond),
			RemediationThreshold: 3,
		},
	}

	first := New([]config.Project{project}, statePath, Deps{})
	first.grace = 0
	first.refresh = time.Hour
	require.NoError(t, first.Start())

	require.Eventually(t, func() bool {
		return first.Snapshot().Projects[0].TotalChecks >= 3
	}, 3*time.Second, 5*time.Millisecond)
	first.Stop()
	carried := first.Snapshot().Projects[0]

	second := New([]config.Project{project}, statePath, Deps{})
	second.grace = time.Hour
	second.refresh = time.Hour
	require.NoError(t, second.Start())
	t.Cleanup(second.Stop)

	snap := second.Snapshot().Projects[0]
	assert.Equal(t, carried.TotalChecks, snap.TotalChecks)
	assert.Equal(t, carried.SuccessfulChecks, snap.SuccessfulChecks)
	assert.Equal(t, carried.FailedChecks, snap.FailedChecks)
}

func TestCorruptStateQuarantinedAtStartup(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, os.WriteFile(r.statePath, []byte("{not json"), 0o600))
	r.start(t)

	quarantine := awaitEvent(t, r.events, bus.EventStateQuarantine)
	assert.Contains(t, quarantine.Message, "monitor state")

	matches, err := filepath.Glob(r.statePath + ".corrupt.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// Monitoring continues on fresh state.
	require.Eventually(t, func() bool {
		return r.m.Snapshot().Projects[0].TotalChecks >= 1
	}, 3*time.Second, 5*time.Millisecond)
}

func TestProjectsWithoutMonitorAreIgnored(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(okSrv.Close)
	downSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(downSrv.Close)

	mon := func(url string) *config.Monitor {
		return &config.Monitor{
			URL:                  url,
			ExpectedStatus:       http.StatusOK,
			CheckInterval:        config.Duration(10 * time.Millisecond),
			Timeout:              config.Duration(500 * time.Millisecond),
			RemediationThreshold: 3,
		}
	}
	projects := []config.Project{
		{Name: "worker", Monitor: mon(downSrv.URL)},
		{Name: "api", Monitor: mon(okSrv.URL)},
		{Name: "batch"},
	}

	m := New(projects, filepath.Join(t.TempDir(), "state.json"), Deps{})
	m.grace = 0
	m.refresh = time.Hour
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool {
		statuses := m.ProjectStatuses()
		return statuses["api"] && !statuses["worker"]
	}, 3*time.Second, 5*time.Millisecond)

	statuses := m.ProjectStatuses()
	_, tracked := statuses["batch"]
	assert.False(t, tracked, "projects without a monitor block are not tracked")

	names := make([]string, 0, 2)
	for _, s := range m.Snapshot().Projects {
		names = append(names, s.Project)
	}
	assert.Equal(t, []string{"api", "worker"}, names, "snapshot sorts by name")
}
