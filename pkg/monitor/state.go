package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

// stateFlushDelay coalesces writes triggered by concurrent project
// loops into a single disk write.
const stateFlushDelay = 2 * time.Second

// persistedState is the upgrade-stable on-disk format. Check counters
// and the dashboard handle survive restarts; live gauges do not.
type persistedState struct {
	DashboardMessageID string                    `json:"dashboard_message_id,omitempty"`
	Projects           map[string]persistedStats `json:"projects"`
}

type persistedStats struct {
	TotalChecks      int64 `json:"total_checks"`
	SuccessfulChecks int64 `json:"successful_checks"`
	FailedChecks     int64 `json:"failed_checks"`
}

// stateFile persists monitor counters across restarts with the same
// coalesced atomic writes and corrupt-file quarantine as the watcher's
// seen cache.
type stateFile struct {
	path   string
	broker *bus.Broker
	logger zerolog.Logger

	mu    sync.Mutex
	data  persistedState
	dirty bool
	timer *time.Timer

	now func() time.Time
}

func newStateFile(path string, broker *bus.Broker) *stateFile {
	return &stateFile{
		path:   path,
		broker: broker,
		logger: log.WithComponent("monitor"),
		data:   persistedState{Projects: map[string]persistedStats{}},
		now:    time.Now,
	}
}

// load reads the persisted counters. A missing file is a normal first
// run. An unreadable or unparsable file is quarantined, announced on
// the bus, and replaced by empty state; monitoring must outlive its own
// bookkeeping.
func (s *stateFile) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read monitor state: %w", err)
	}

	var parsed persistedState
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.quarantine(err)
		return nil
	}
	if parsed.Projects == nil {
		parsed.Projects = map[string]persistedStats{}
	}

	s.mu.Lock()
	s.data = parsed
	s.mu.Unlock()

	s.logger.Info().Int("projects", len(parsed.Projects)).Str("path", s.path).Msg("monitor state loaded")
	return nil
}

func (s *stateFile) stats(project string) persistedStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Projects[project]
}

func (s *stateFile) setStats(project string, stats persistedStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Projects[project] = stats
	s.dirty = true
	s.scheduleFlushLocked()
}

func (s *stateFile) dashboardHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.DashboardMessageID
}

func (s *stateFile) setDashboardHandle(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.DashboardMessageID == handle {
		return
	}
	s.data.DashboardMessageID = handle
	s.dirty = true
	s.scheduleFlushLocked()
}

// flush writes the state out immediately if it has unsaved changes.
// Called on shutdown so the coalescing timer cannot drop the tail.
func (s *stateFile) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		return nil
	}
	return s.writeLocked()
}

// scheduleFlushLocked arms the coalescing timer. Mutations landing
// while a flush is pending ride along with it.
func (s *stateFile) scheduleFlushLocked() {
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(stateFlushDelay, s.flushTimer)
}

func (s *stateFile) flushTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer = nil
	if !s.dirty {
		return
	}
	if err := s.writeLocked(); err != nil {
		s.logger.Error().Err(err).Msg("failed to flush monitor state")
	}
}

// writeLocked writes the state atomically via a temp file in the same
// directory.
func (s *stateFile) writeLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode monitor state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write monitor state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace monitor state: %w", err)
	}

	s.dirty = false
	return nil
}

// quarantine moves a damaged state file aside so the next write starts
// clean, and raises a high-severity bus event for the notifier.
func (s *stateFile) quarantine(cause error) {
	dest := fmt.Sprintf("%s.corrupt.%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, dest); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("failed to quarantine corrupt monitor state")
		dest = ""
	}

	s.logger.Error().
		Err(cause).
		Str("path", s.path).
		Str("quarantined_as", dest).
		Msg("monitor state corrupt, starting empty")

	if s.broker != nil {
		s.broker.Emit(bus.EventStateQuarantine, types.SeverityHigh,
			fmt.Sprintf("monitor state %s is corrupt, quarantined and reset", s.path),
			map[string]string{"path": s.path, "quarantined_as": dest, "error": cause.Error()})
	}
}
