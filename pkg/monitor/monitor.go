package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/notify"
	"github.com/cuemby/sentinel/pkg/probe"
	"github.com/cuemby/sentinel/pkg/types"
)

const (
	// startupGrace delays the first check so projects booting alongside
	// the controller are not declared down before they can listen.
	startupGrace = 10 * time.Second

	// dashboardInterval is the cadence of the rolling status message.
	dashboardInterval = 5 * time.Minute

	// remediationTimeout bounds the configured remediation command.
	remediationTimeout = 2 * time.Minute
)

// Commander is the slice of the command executor the monitor uses for
// remediation commands.
type Commander interface {
	Execute(ctx context.Context, command string, opts executor.Options) (*types.CommandResult, error)
}

// PatternRecorder persists matched log patterns for trend analysis.
// Implemented by the knowledge base.
type PatternRecorder interface {
	RecordLogPattern(ctx context.Context, project, pattern string) error
}

// Deps are the monitor's collaborators. Executor and Knowledge may be
// nil; remediation commands and pattern recording degrade to no-ops.
type Deps struct {
	Executor  Commander
	Notifier  *notify.Notifier
	Knowledge PatternRecorder
	Broker    *bus.Broker
}

// Manager drives one health-check loop per monitored project plus a
// shared dashboard loop. It is independent of the remediation pipeline:
// incidents keep flowing while a batch executes, and a wedged project
// loop never stalls the others.
type Manager struct {
	projects []config.Project
	exec     Commander
	notifier *notify.Notifier
	kb       PatternRecorder
	broker   *bus.Broker
	state    *stateFile
	logger   zerolog.Logger

	mu     sync.Mutex
	health map[string]*Health

	// grace and refresh are replaced in tests.
	grace   time.Duration
	refresh time.Duration
	now     func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New wires the manager over the projects that carry a monitor block;
// the rest are ignored.
func New(projects []config.Project, statePath string, deps Deps) *Manager {
	monitored := make([]config.Project, 0, len(projects))
	for _, p := range projects {
		if p.Monitor != nil {
			monitored = append(monitored, p)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		projects:   monitored,
		exec:       deps.Executor,
		notifier:   deps.Notifier,
		kb:         deps.Knowledge,
		broker:     deps.Broker,
		state:      newStateFile(statePath, deps.Broker),
		logger:     log.WithComponent("monitor"),
		health:     make(map[string]*Health, len(monitored)),
		grace:      startupGrace,
		refresh:    dashboardInterval,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		stopCh:     make(chan struct{}),
	}
	for _, p := range monitored {
		m.health[p.Name] = newHealth(p.Name)
	}
	return m
}

// Start loads persisted counters and launches the check loops. With no
// monitored projects it is a no-op.
func (m *Manager) Start() error {
	if len(m.projects) == 0 {
		m.logger.Info().Msg("no monitored projects configured")
		return nil
	}
	if err := m.state.load(); err != nil {
		return err
	}

	m.mu.Lock()
	for name, h := range m.health {
		stats := m.state.stats(name)
		h.TotalChecks = stats.TotalChecks
		h.SuccessfulChecks = stats.SuccessfulChecks
		h.FailedChecks = stats.FailedChecks
	}
	m.mu.Unlock()

	for _, p := range m.projects {
		m.wg.Add(1)
		go m.loop(p)
	}
	m.wg.Add(1)
	go m.dashboardLoop()

	m.logger.Info().Int("projects", len(m.projects)).Msg("project monitor started")
	return nil
}

// Stop aborts in-flight probes, waits for the loops to exit, and
// flushes the state file so the coalescing timer cannot drop the tail.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.baseCancel()
	m.wg.Wait()
	if err := m.state.flush(); err != nil {
		m.logger.Error().Err(err).Msg("failed to flush monitor state on stop")
	}
	m.logger.Info().Msg("project monitor stopped")
}

func (m *Manager) loop(p config.Project) {
	defer m.wg.Done()

	mon := p.Monitor
	logger := m.logger.With().Str("project", p.Name).Logger()
	checker := probe.NewHTTPChecker(mon.URL).
		WithExpectedStatus(mon.ExpectedStatus).
		WithTimeout(mon.Timeout.Std())

	var tail *logTail
	if mon.LogFile != "" {
		tail = newLogTail(mon.LogFile, mon.LogPattern)
	}

	select {
	case <-m.stopCh:
		return
	case <-time.After(m.grace):
	}

	m.checkOnce(p, checker, tail, logger)

	ticker := time.NewTicker(mon.CheckInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkOnce(p, checker, tail, logger)
		}
	}
}

// checkOnce performs one probe plus the optional log scan and feeds the
// outcome through the transition logic. A matched log pattern counts as
// a failed check even when the endpoint answers: an application logging
// its configured error string needs the same escalation path as one
// that stopped answering.
func (m *Manager) checkOnce(p config.Project, checker probe.Checker, tail *logTail, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(m.baseCtx, p.Monitor.Timeout.Std())
	result := checker.Check(ctx)
	cancel()

	healthy := result.Healthy
	reason := result.Message

	// The scan runs even while the endpoint is down so the cursor keeps
	// tracking the file; the probe failure stays the reported reason.
	var logHit bool
	if tail != nil {
		hit, err := tail.scan()
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("log_file", tail.path).Msg("log scan failed")
		case hit:
			logHit = true
			m.recordPattern(p.Name, tail.pattern, logger)
		}
	}
	if healthy && logHit {
		healthy = false
		reason = fmt.Sprintf("log pattern %q matched in %s", tail.pattern, tail.path)
	}

	if healthy {
		m.observeOnline(p, result.Duration, logger)
	} else {
		m.observeOffline(p, reason, logger)
	}
}

func (m *Manager) observeOnline(p config.Project, elapsed time.Duration, logger zerolog.Logger) {
	at := m.now()

	m.mu.Lock()
	h := m.health[p.Name]
	downSince := h.DowntimeStart
	recovered := h.updateOnline(at, elapsed)
	stats := persistedStats{
		TotalChecks:      h.TotalChecks,
		SuccessfulChecks: h.SuccessfulChecks,
		FailedChecks:     h.FailedChecks,
	}
	m.mu.Unlock()

	m.state.setStats(p.Name, stats)
	logger.Debug().Dur("elapsed", elapsed).Msg("health check passed")

	if !recovered {
		return
	}

	downFor := at.Sub(downSince).Round(time.Second)
	logger.Info().Dur("down_for", downFor).Msg("project recovered")
	if m.broker != nil {
		m.broker.Emit(bus.EventIncidentClosed, types.SeverityLow,
			fmt.Sprintf("project %s back online after %s", p.Name, downFor),
			map[string]string{"project": p.Name, "down_for": downFor.String()})
	}
}

func (m *Manager) observeOffline(p config.Project, reason string, logger zerolog.Logger) {
	at := m.now()

	m.mu.Lock()
	h := m.health[p.Name]
	opened := h.updateOffline(at, reason)
	consecutive := h.ConsecutiveFailures
	remediate := m.exec != nil && p.Monitor.RemediationCommand != "" &&
		consecutive >= p.Monitor.RemediationThreshold &&
		!h.RemediationTriggered
	if remediate {
		h.RemediationTriggered = true
	}
	stats := persistedStats{
		TotalChecks:      h.TotalChecks,
		SuccessfulChecks: h.SuccessfulChecks,
		FailedChecks:     h.FailedChecks,
	}
	m.mu.Unlock()

	m.state.setStats(p.Name, stats)
	logger.Warn().Str("reason", reason).Int("consecutive", consecutive).Msg("health check failed")

	if opened {
		metrics.IncidentsTotal.WithLabelValues(p.Name).Inc()
		severity := types.SeverityHigh
		if p.Production {
			severity = types.SeverityCritical
		}
		if m.broker != nil {
			m.broker.Emit(bus.EventIncidentOpened, severity,
				fmt.Sprintf("project %s is offline: %s", p.Name, reason),
				map[string]string{"project": p.Name, "reason": reason})
		}
	}

	if remediate {
		m.remediate(p, consecutive, logger)
	}
}

// remediate runs the project's configured remediation command. The
// caller has already latched RemediationTriggered, so the command runs
// at most once per downtime episode no matter how long it lasts.
func (m *Manager) remediate(p config.Project, consecutive int, logger zerolog.Logger) {
	metrics.MonitorRemediations.WithLabelValues(p.Name).Inc()
	logger.Warn().
		Int("consecutive_failures", consecutive).
		Str("command", p.Monitor.RemediationCommand).
		Msg("running remediation command")

	ctx, cancel := context.WithTimeout(m.baseCtx, remediationTimeout)
	defer cancel()

	res, err := m.exec.Execute(ctx, p.Monitor.RemediationCommand, executor.Options{
		Cwd:     p.Path,
		Timeout: remediationTimeout,
	})

	outcome := "succeeded"
	switch {
	case err != nil:
		outcome = "failed"
		logger.Error().Err(err).Msg("remediation command failed")
	case !res.Success():
		outcome = "failed"
		logger.Error().Int("exit_code", res.ExitCode).Str("stderr", res.Stderr).Msg("remediation command exited nonzero")
	default:
		logger.Info().Dur("duration", res.Duration).Msg("remediation command completed")
	}

	if m.broker != nil {
		m.broker.Emit(bus.EventServiceState, types.SeverityHigh,
			fmt.Sprintf("remediation for project %s %s", p.Name, outcome),
			map[string]string{"project": p.Name, "command": p.Monitor.RemediationCommand, "outcome": outcome})
	}
}

func (m *Manager) recordPattern(project, pattern string, logger zerolog.Logger) {
	if m.kb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.baseCtx, 5*time.Second)
	defer cancel()
	if err := m.kb.RecordLogPattern(ctx, project, pattern); err != nil {
		logger.Warn().Err(err).Msg("failed to record log pattern")
	}
}

// dashboardLoop refreshes the rolling status message. The handle
// persists so a restarted controller keeps editing the same message
// instead of posting a new one.
func (m *Manager) dashboardLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.publishDashboard()
		}
	}
}

func (m *Manager) publishDashboard() {
	if m.notifier == nil {
		return
	}

	content := m.renderDashboard(m.now())
	ctx, cancel := context.WithTimeout(m.baseCtx, 10*time.Second)
	defer cancel()

	handle, err := m.notifier.UpdateLive(ctx, notify.ChannelStats, m.state.dashboardHandle(), content)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to update dashboard")
		return
	}
	m.state.setDashboardHandle(handle)
}

// renderDashboard builds the aggregate status text, offline projects
// first.
func (m *Manager) renderDashboard(now time.Time) string {
	snaps := m.Snapshot().Projects
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].Online != snaps[j].Online {
			return !snaps[i].Online
		}
		return snaps[i].Project < snaps[j].Project
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Project health at %s\n", now.Format("2006-01-02 15:04:05 MST"))
	for _, s := range snaps {
		if s.Online {
			fmt.Fprintf(&b, "UP   %-20s uptime %.1f%%  avg %.0fms  checks %d\n",
				s.Project, s.UptimePercent, s.AverageResponseMS, s.TotalChecks)
			continue
		}
		down := time.Duration(s.DowntimeSeconds * float64(time.Second)).Round(time.Second)
		fmt.Fprintf(&b, "DOWN %-20s for %s  uptime %.1f%%  last error: %s\n",
			s.Project, down, s.UptimePercent, s.LastError)
	}
	return b.String()
}

// Snapshot returns the current health of every monitored project,
// sorted by name. Served by the control API.
type Snapshot struct {
	Projects []HealthSnapshot `json:"projects"`
}

func (m *Manager) Snapshot() Snapshot {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HealthSnapshot, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, h.snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	return Snapshot{Projects: out}
}

// ProjectStatuses reports per-project health for the metrics sampler.
func (m *Manager) ProjectStatuses() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make(map[string]bool, len(m.health))
	for name, h := range m.health {
		statuses[name] = h.Online
	}
	return statuses
}
