package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/probe"
	"github.com/cuemby/sentinel/pkg/types"
)

const (
	// statePollInterval is how often state is re-checked while waiting
	// for a stop or start to take effect.
	statePollInterval = 1 * time.Second

	// startStateTimeout bounds how long a started service may take to
	// report RUNNING.
	startStateTimeout = 30 * time.Second

	// healthTimeout bounds how long a started service may take to pass
	// its health command once it reports RUNNING.
	healthTimeout = 60 * time.Second

	// healthPollInterval is how often the health command is retried.
	healthPollInterval = 2 * time.Second

	// restartPause separates the stop and start halves of a restart so
	// sockets and pid files can be released.
	restartPause = 2 * time.Second

	// defaultGracefulTimeout applies when a service declares none.
	defaultGracefulTimeout = 30 * time.Second

	// killSettle is how long a force-kill gets to take effect before
	// the final state decides the outcome.
	killSettle = 2 * time.Second
)

// Manager drives a fixed set of services through their configured
// lifecycle commands. State is observed through each service's check
// command; mutations (start, stop, force-kill) go through the command
// executor so they are validated, recorded, and honor the global
// execution mode.
type Manager struct {
	exec   *executor.Executor
	broker *bus.Broker
	logger zerolog.Logger

	services map[string]types.ServiceInfo

	mu sync.Mutex
	// transitions overlays STARTING/STOPPING while an operation is in
	// flight and FAILED after a start that never came up. A live check
	// showing RUNNING clears a stale FAILED.
	transitions map[string]types.ServiceState

	pollInterval   time.Duration
	startTimeout   time.Duration
	healthWait     time.Duration
	healthInterval time.Duration
	pauseBetween   time.Duration
	gracefulDflt   time.Duration
	killWait       time.Duration
}

// NewManager registers the services it will manage. The set is fixed
// for the life of the manager; services not in it report UNKNOWN.
func NewManager(services []types.ServiceInfo, exec *executor.Executor, broker *bus.Broker) *Manager {
	registry := make(map[string]types.ServiceInfo, len(services))
	for _, svc := range services {
		if svc.Name == "" {
			continue
		}
		registry[svc.Name] = svc
	}
	return &Manager{
		exec:           exec,
		broker:         broker,
		logger:         log.WithComponent("service"),
		services:       registry,
		transitions:    make(map[string]types.ServiceState),
		pollInterval:   statePollInterval,
		startTimeout:   startStateTimeout,
		healthWait:     healthTimeout,
		healthInterval: healthPollInterval,
		pauseBetween:   restartPause,
		gracefulDflt:   defaultGracefulTimeout,
		killWait:       killSettle,
	}
}

// Info returns the declared configuration for a managed service.
func (m *Manager) Info(name string) (types.ServiceInfo, bool) {
	svc, ok := m.services[name]
	return svc, ok
}

// Names lists the managed services sorted by start priority, highest
// first. This is the canonical start order; stops walk it backward.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		pi, pj := m.services[names[i]].Priority, m.services[names[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return names[i] < names[j]
	})
	return names
}

// GetState reports the current state of one service. In-flight
// transitions win over the live check; a recorded FAILED sticks until
// a live check shows the service running again.
func (m *Manager) GetState(ctx context.Context, name string) types.ServiceState {
	svc, ok := m.services[name]
	if !ok {
		return types.ServiceUnknown
	}

	m.mu.Lock()
	overlay, has := m.transitions[name]
	m.mu.Unlock()

	if has && (overlay == types.ServiceStarting || overlay == types.ServiceStopping) {
		return overlay
	}

	live := m.checkState(ctx, svc)
	if has && overlay == types.ServiceFailed {
		if live != types.ServiceRunning {
			return types.ServiceFailed
		}
		m.clearTransition(name)
	}
	return live
}

// States snapshots the state of every managed service.
func (m *Manager) States(ctx context.Context) map[string]types.ServiceState {
	out := make(map[string]types.ServiceState, len(m.services))
	for name := range m.services {
		out[name] = m.GetState(ctx, name)
	}
	return out
}

// Stop brings a service down. With graceful set, the stop command runs
// first and the state is polled once per second up to the service's
// graceful timeout; only then (or immediately when graceful is false)
// does the force-kill command fire. Returns true iff the service ended
// up STOPPED. The error reports refusals and unknown services, not a
// service that simply would not die.
func (m *Manager) Stop(ctx context.Context, name string, graceful, notify bool) (bool, error) {
	svc, ok := m.services[name]
	if !ok {
		return false, fmt.Errorf("unknown service %q", name)
	}
	if m.checkState(ctx, svc) == types.ServiceStopped {
		m.clearTransition(name)
		return true, nil
	}

	m.setTransition(name, types.ServiceStopping)
	defer m.clearTransition(name)
	m.publish(notify, name, "stopping", types.SeverityLow)

	if graceful && svc.StopCommand != "" {
		res, err := m.exec.Execute(ctx, svc.StopCommand, executor.Options{})
		switch {
		case err != nil:
			m.logger.Warn().Str("service", name).Err(err).Msg("stop command failed, falling back to force-kill")
		case res.Mode == types.ModeDryRun:
			m.publish(notify, name, "stopped", types.SeverityLow)
			return true, nil
		default:
			if !res.Success() {
				m.logger.Warn().Str("service", name).Int("exit_code", res.ExitCode).Msg("stop command exited nonzero")
			}
			timeout := svc.GracefulTimeout
			if timeout <= 0 {
				timeout = m.gracefulDflt
			}
			if m.awaitState(ctx, svc, types.ServiceStopped, timeout) {
				m.publish(notify, name, "stopped", types.SeverityLow)
				return true, nil
			}
			m.logger.Warn().Str("service", name).Dur("graceful_timeout", timeout).Msg("graceful stop timed out")
		}
	}

	if svc.ForceKillCmd == "" {
		stopped := m.checkState(ctx, svc) == types.ServiceStopped
		if stopped {
			m.publish(notify, name, "stopped", types.SeverityLow)
		}
		return stopped, nil
	}

	res, err := m.exec.Execute(ctx, svc.ForceKillCmd, executor.Options{})
	if err != nil {
		m.logger.Error().Str("service", name).Err(err).Msg("force-kill command failed")
		return false, err
	}
	if res.Mode == types.ModeDryRun {
		m.publish(notify, name, "stopped", types.SeverityLow)
		return true, nil
	}
	m.publish(notify, name, "force-killed", types.SeverityMedium)

	if m.awaitState(ctx, svc, types.ServiceStopped, m.killWait) {
		m.publish(notify, name, "stopped", types.SeverityLow)
		return true, nil
	}
	m.logger.Error().Str("service", name).Msg("service still running after force-kill")
	return false, nil
}

// Start brings a service up: run the start command, wait up to 30s for
// the state to reach RUNNING, then, when a health command is configured
// and waitHealthy is set, poll it for up to 60s. Returns true iff the
// service is running (and healthy). A service that never comes up is
// recorded as FAILED.
func (m *Manager) Start(ctx context.Context, name string, waitHealthy bool) (bool, error) {
	svc, ok := m.services[name]
	if !ok {
		return false, fmt.Errorf("unknown service %q", name)
	}
	if m.checkState(ctx, svc) == types.ServiceRunning {
		m.clearTransition(name)
		return true, nil
	}
	if strings.TrimSpace(svc.StartCommand) == "" {
		return false, fmt.Errorf("service %q has no start command", name)
	}

	m.setTransition(name, types.ServiceStarting)
	m.publish(true, name, "starting", types.SeverityLow)

	res, err := m.exec.Execute(ctx, svc.StartCommand, executor.Options{})
	if err != nil {
		m.failTransition(name)
		return false, fmt.Errorf("failed to start %s: %w", name, err)
	}
	if res.Mode == types.ModeDryRun {
		m.clearTransition(name)
		m.publish(true, name, "started", types.SeverityLow)
		return true, nil
	}
	if !res.Success() {
		m.logger.Warn().Str("service", name).Int("exit_code", res.ExitCode).Msg("start command exited nonzero")
	}

	if !m.awaitState(ctx, svc, types.ServiceRunning, m.startTimeout) {
		m.failTransition(name)
		m.publish(true, name, "start-failed", types.SeverityHigh)
		return false, nil
	}

	if waitHealthy && svc.HealthCommand != "" {
		if !m.awaitHealthy(ctx, svc) {
			m.failTransition(name)
			m.publish(true, name, "unhealthy", types.SeverityHigh)
			return false, nil
		}
	}

	m.clearTransition(name)
	m.publish(true, name, "started", types.SeverityLow)
	return true, nil
}

// Restart stops the service, waits 2 seconds, and starts it again with
// a health wait.
func (m *Manager) Restart(ctx context.Context, name string) (bool, error) {
	stopped, err := m.Stop(ctx, name, true, true)
	if err != nil {
		return false, err
	}
	if !stopped {
		return false, fmt.Errorf("service %q did not stop for restart", name)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(m.pauseBetween):
	}

	return m.Start(ctx, name, true)
}

// StopBatch stops services one by one, in reverse list order when
// reverseOrder is set, so dependents go down before what they depend
// on. Failures are logged and the batch continues; the result map
// records the outcome per service.
func (m *Manager) StopBatch(ctx context.Context, names []string, reverseOrder bool) map[string]bool {
	ordered := append([]string(nil), names...)
	if reverseOrder {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	results := make(map[string]bool, len(ordered))
	for _, name := range ordered {
		ok, err := m.Stop(ctx, name, true, true)
		if err != nil {
			m.logger.Warn().Str("service", name).Err(err).Msg("stop failed, continuing batch")
			ok = false
		}
		results[name] = ok
	}
	return results
}

// StartBatch starts services in list order (reversed when forwardOrder
// is false), starting declared dependencies first. Unlike StopBatch the
// batch halts on the first failure; the returned slice lists services
// confirmed RUNNING before the halt, in confirmation order.
func (m *Manager) StartBatch(ctx context.Context, names []string, forwardOrder bool) ([]string, error) {
	ordered := append([]string(nil), names...)
	if !forwardOrder {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	started := make([]string, 0, len(ordered))
	visited := make(map[string]bool, len(ordered))
	for _, name := range ordered {
		if err := m.ensureStarted(ctx, name, visited, &started); err != nil {
			return started, err
		}
	}
	return started, nil
}

// ensureStarted starts name's dependencies and then name itself. The
// visited set breaks dependency cycles: a cycle is tolerated but not
// resolved, the recursion simply stops where it re-enters.
func (m *Manager) ensureStarted(ctx context.Context, name string, visited map[string]bool, started *[]string) error {
	if visited[name] {
		return nil
	}
	visited[name] = true

	svc, ok := m.services[name]
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}
	for _, dep := range svc.DependsOn {
		if err := m.ensureStarted(ctx, dep, visited, started); err != nil {
			return fmt.Errorf("dependency of %s: %w", name, err)
		}
	}

	ok, err := m.Start(ctx, name, true)
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("service %s did not reach RUNNING", name)
	}
	*started = append(*started, name)
	return nil
}

// checkState runs the service's check command directly (not through the
// executor; checks are side-effect free and must work in dry-run too).
func (m *Manager) checkState(ctx context.Context, svc types.ServiceInfo) types.ServiceState {
	if strings.TrimSpace(svc.CheckCommand) == "" {
		return types.ServiceUnknown
	}
	if probe.NewShellChecker(svc.CheckCommand).Check(ctx).Healthy {
		return types.ServiceRunning
	}
	return types.ServiceStopped
}

// awaitState polls the live state until it matches want or the timeout
// lapses. The first check happens immediately so fast transitions do
// not pay a full poll interval.
func (m *Manager) awaitState(ctx context.Context, svc types.ServiceInfo, want types.ServiceState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.checkState(ctx, svc) == want {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.pollInterval):
		}
	}
}

// awaitHealthy polls the service's health command until it passes or
// the health window lapses.
func (m *Manager) awaitHealthy(ctx context.Context, svc types.ServiceInfo) bool {
	checker := probe.NewShellChecker(svc.HealthCommand)
	deadline := time.Now().Add(m.healthWait)
	for {
		if checker.Check(ctx).Healthy {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.healthInterval):
		}
	}
}

func (m *Manager) setTransition(name string, state types.ServiceState) {
	m.mu.Lock()
	m.transitions[name] = state
	m.mu.Unlock()
}

func (m *Manager) failTransition(name string) {
	m.setTransition(name, types.ServiceFailed)
}

func (m *Manager) clearTransition(name string) {
	m.mu.Lock()
	delete(m.transitions, name)
	m.mu.Unlock()
}

// publish emits a lifecycle event when notifications are enabled and a
// broker is wired.
func (m *Manager) publish(enabled bool, name, action string, severity types.Severity) {
	if !enabled || m.broker == nil {
		return
	}
	m.broker.Emit(bus.EventServiceState, severity, fmt.Sprintf("service %s %s", name, action), map[string]string{
		"service": name,
		"action":  action,
	})
}
