package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/types"
)

// newTestManager builds a manager over a live executor with the wait
// windows shrunk so polls resolve in milliseconds.
func newTestManager(t *testing.T, services ...types.ServiceInfo) *Manager {
	t.Helper()
	exec, err := executor.New(executor.Config{})
	require.NoError(t, err)

	m := NewManager(services, exec, nil)
	m.pollInterval = 10 * time.Millisecond
	m.startTimeout = 300 * time.Millisecond
	m.healthWait = 300 * time.Millisecond
	m.healthInterval = 10 * time.Millisecond
	m.pauseBetween = 20 * time.Millisecond
	m.gracefulDflt = 100 * time.Millisecond
	m.killWait = 300 * time.Millisecond
	return m
}

// flagService models a service whose liveness is a flag file: start
// touches it, stop removes it, the check tests for it.
func flagService(dir, name string) types.ServiceInfo {
	up := upPath(dir, name)
	return types.ServiceInfo{
		Name:         name,
		CheckCommand: "test -f " + up,
		StartCommand: "touch " + up,
		StopCommand:  "rm -f " + up,
		ForceKillCmd: "rm -f " + up,
	}
}

func upPath(dir, name string) string {
	return filepath.Join(dir, name+".up")
}

func markRunning(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(upPath(dir, name), []byte("1\n"), 0o644))
}

func TestGetStateReportsLifecycle(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t,
		flagService(dir, "web"),
		types.ServiceInfo{Name: "ghost"},
	)
	ctx := context.Background()

	assert.Equal(t, types.ServiceUnknown, m.GetState(ctx, "nope"), "unregistered service")
	assert.Equal(t, types.ServiceUnknown, m.GetState(ctx, "ghost"), "no check command")
	assert.Equal(t, types.ServiceStopped, m.GetState(ctx, "web"))

	markRunning(t, dir, "web")
	assert.Equal(t, types.ServiceRunning, m.GetState(ctx, "web"))
}

func TestStartStopRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, flagService(dir, "web"))
	ctx := context.Background()

	ok, err := m.Start(ctx, "web", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ServiceRunning, m.GetState(ctx, "web"))
	assert.FileExists(t, upPath(dir, "web"))

	ok, err = m.Stop(ctx, "web", true, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ServiceStopped, m.GetState(ctx, "web"))
	assert.NoFileExists(t, upPath(dir, "web"))
}

func TestStartAlreadyRunningSkipsCommand(t *testing.T) {
	dir := t.TempDir()
	starts := filepath.Join(dir, "starts.log")
	svc := flagService(dir, "web")
	svc.StartCommand = "echo s >> " + starts + " && touch " + upPath(dir, "web")
	m := newTestManager(t, svc)

	markRunning(t, dir, "web")
	ok, err := m.Start(context.Background(), "web", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, starts, "start command must not run for a running service")
}

func TestStartWaitsForHealth(t *testing.T) {
	dir := t.TempDir()
	healthy := filepath.Join(dir, "web.healthy")
	svc := flagService(dir, "web")
	svc.HealthCommand = "test -f " + healthy
	m := newTestManager(t, svc)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(healthy, []byte("ok\n"), 0o644))
	ok, err := m.Start(ctx, "web", true)
	require.NoError(t, err)
	assert.True(t, ok)

	// Without the health flag the start itself still succeeds when the
	// caller opts out of the health wait.
	_, err = m.Stop(ctx, "web", true, false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(healthy))

	ok, err = m.Start(ctx, "web", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartUnhealthyReportsFalse(t *testing.T) {
	dir := t.TempDir()
	svc := flagService(dir, "web")
	svc.HealthCommand = "test -f " + filepath.Join(dir, "web.healthy")
	m := newTestManager(t, svc)

	ok, err := m.Start(context.Background(), "web", true)
	require.NoError(t, err)
	assert.False(t, ok, "health command never passes")
}

func TestStartFailureIsRecordedFailed(t *testing.T) {
	dir := t.TempDir()
	svc := flagService(dir, "web")
	svc.StartCommand = "true" // exits clean but never brings the service up
	m := newTestManager(t, svc)
	ctx := context.Background()

	ok, err := m.Start(ctx, "web", true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.ServiceFailed, m.GetState(ctx, "web"))

	// A live check showing the service up clears the stale FAILED.
	markRunning(t, dir, "web")
	assert.Equal(t, types.ServiceRunning, m.GetState(ctx, "web"))
	assert.Equal(t, types.ServiceRunning, m.GetState(ctx, "web"))
}

func TestStopGracefulTimeoutForceKills(t *testing.T) {
	dir := t.TempDir()
	svc := flagService(dir, "stubborn")
	svc.StopCommand = "true" // ignores the polite request
	svc.GracefulTimeout = 50 * time.Millisecond
	m := newTestManager(t, svc)

	markRunning(t, dir, "stubborn")
	ok, err := m.Stop(context.Background(), "stubborn", true, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, upPath(dir, "stubborn"), "force-kill removes the flag")
}

func TestStopWithoutForceKillReportsFalse(t *testing.T) {
	dir := t.TempDir()
	svc := flagService(dir, "stubborn")
	svc.StopCommand = "true"
	svc.ForceKillCmd = ""
	svc.GracefulTimeout = 50 * time.Millisecond
	m := newTestManager(t, svc)
	ctx := context.Background()

	markRunning(t, dir, "stubborn")
	ok, err := m.Stop(ctx, "stubborn", true, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.ServiceRunning, m.GetState(ctx, "stubborn"))
}

func TestStopAlreadyStoppedSkipsCommands(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	svc := flagService(dir, "web")
	svc.StopCommand = "touch " + marker
	m := newTestManager(t, svc)

	ok, err := m.Stop(context.Background(), "web", true, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, marker, "stop command must not run for a stopped service")
}

func TestStopUnknownServiceErrors(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Stop(context.Background(), "nope", true, false)
	require.Error(t, err)
	_, err = m.Start(context.Background(), "nope", true)
	require.Error(t, err)
}

func TestRestartCyclesService(t *testing.T) {
	dir := t.TempDir()
	starts := filepath.Join(dir, "starts.log")
	svc := flagService(dir, "web")
	svc.StartCommand = "echo s >> " + starts + " && touch " + upPath(dir, "web")
	m := newTestManager(t, svc)
	ctx := context.Background()

	markRunning(t, dir, "web")
	ok, err := m.Restart(ctx, "web")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ServiceRunning, m.GetState(ctx, "web"))

	raw, err := os.ReadFile(starts)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(string(raw)), 1, "start command runs exactly once")
}

func TestStopBatchReverseOrderContinuesOnFailure(t *testing.T) {
	dir := t.TempDir()
	order := filepath.Join(dir, "order.log")

	var services []types.ServiceInfo
	for _, name := range []string{"a", "b", "c"} {
		svc := flagService(dir, name)
		svc.StopCommand = "echo " + name + " >> " + order + " && rm -f " + upPath(dir, name)
		services = append(services, svc)
	}
	m := newTestManager(t, services...)

	for _, name := range []string{"a", "b", "c"} {
		markRunning(t, dir, name)
	}

	results := m.StopBatch(context.Background(), []string{"a", "b", "missing", "c"}, true)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "missing": false, "c": true}, results)

	raw, err := os.ReadFile(order)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, strings.Fields(string(raw)))
}

func TestStartBatchHaltsOnFirstFailure(t *testing.T) {
	dir := t.TempDir()
	good := flagService(dir, "a")
	bad := flagService(dir, "bad")
	bad.StartCommand = "true"
	after := flagService(dir, "c")
	m := newTestManager(t, good, bad, after)

	started, err := m.StartBatch(context.Background(), []string{"a", "bad", "c"}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, []string{"a"}, started)
	assert.NoFileExists(t, upPath(dir, "c"), "batch halts before later services")
}

func TestStartBatchStartsDependenciesFirst(t *testing.T) {
	dir := t.TempDir()
	db := flagService(dir, "db")
	api := flagService(dir, "api")
	api.DependsOn = []string{"db"}
	m := newTestManager(t, db, api)
	ctx := context.Background()

	started, err := m.StartBatch(ctx, []string{"api"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "api"}, started)
	assert.Equal(t, types.ServiceRunning, m.GetState(ctx, "db"))
	assert.Equal(t, types.ServiceRunning, m.GetState(ctx, "api"))
}

func TestStartBatchReversedWhenNotForward(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, flagService(dir, "x"), flagService(dir, "y"))

	started, err := m.StartBatch(context.Background(), []string{"x", "y"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x"}, started)
}

func TestDryRunLeavesServicesUntouched(t *testing.T) {
	dir := t.TempDir()
	exec, err := executor.New(executor.Config{Mode: types.ModeDryRun})
	require.NoError(t, err)
	m := NewManager([]types.ServiceInfo{flagService(dir, "web")}, exec, nil)
	m.pollInterval = 10 * time.Millisecond
	ctx := context.Background()

	markRunning(t, dir, "web")
	ok, stopErr := m.Stop(ctx, "web", true, false)
	require.NoError(t, stopErr)
	assert.True(t, ok, "dry-run stop reports success without acting")
	assert.FileExists(t, upPath(dir, "web"), "flag untouched in dry-run")
	assert.Equal(t, types.ServiceRunning, m.GetState(ctx, "web"))
}

func TestStopPublishesLifecycleEvents(t *testing.T) {
	dir := t.TempDir()
	exec, err := executor.New(executor.Config{})
	require.NoError(t, err)

	broker := bus.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	m := NewManager([]types.ServiceInfo{flagService(dir, "web")}, exec, broker)
	m.pollInterval = 10 * time.Millisecond

	markRunning(t, dir, "web")
	ok, stopErr := m.Stop(context.Background(), "web", true, true)
	require.NoError(t, stopErr)
	require.True(t, ok)

	var actions []string
	deadline := time.After(2 * time.Second)
	for len(actions) < 2 {
		select {
		case ev := <-sub:
			if ev.Type != bus.EventServiceState {
				continue
			}
			actions = append(actions, ev.Metadata["action"])
			assert.Equal(t, "web", ev.Metadata["service"])
		case <-deadline:
			t.Fatalf("timed out waiting for lifecycle events, got %v", actions)
		}
	}
	assert.Equal(t, []string{"stopping", "stopped"}, actions)
}

func TestNamesSortedByPriority(t *testing.T) {
	dir := t.TempDir()
	api := flagService(dir, "api")
	api.Priority = 10
	worker := flagService(dir, "worker")
	worker.Priority = 1
	cache := flagService(dir, "cache")
	cache.Priority = 5
	m := newTestManager(t, worker, api, cache)

	assert.Equal(t, []string{"api", "cache", "worker"}, m.Names())
}
