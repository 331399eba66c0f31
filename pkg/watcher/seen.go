package watcher

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

const (
	// persistentWindow suppresses repeats of events whose underlying
	// condition does not self-resolve. Shorter than the transient
	// window so a failed fix gets re-detected within the same day.
	persistentWindow = 12 * time.Hour

	// transientWindow suppresses repeats of events the source tool has
	// already mitigated (bans, blocks).
	transientWindow = 24 * time.Hour

	// flushDelay coalesces cache writes triggered by a burst of new
	// events into a single disk write.
	flushDelay = 500 * time.Millisecond
)

// SeenCache is the persistent signature -> last-seen map behind event
// deduplication. IsNew is the only read path and it is atomic: check,
// expire and store happen under one lock so concurrent adapter loops
// cannot both claim the same signature.
//
// Entries expire on read. A hit inside the window does not refresh the
// timestamp; the window is measured from first detection, so a
// condition that keeps firing still re-surfaces once per window.
type SeenCache struct {
	path   string
	broker *bus.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]int64
	dirty   bool
	timer   *time.Timer

	now func() time.Time
}

// NewSeenCache creates an empty cache bound to path. Call Load before
// first use to pick up state from a previous run.
func NewSeenCache(path string, broker *bus.Broker) *SeenCache {
	return &SeenCache{
		path:    path,
		broker:  broker,
		logger:  log.WithComponent("watcher"),
		entries: map[string]int64{},
		now:     time.Now,
	}
}

// Load reads the persisted cache. A missing file is a normal first
// run. An unreadable or unparsable file is quarantined (renamed with a
// timestamp suffix), announced on the bus, and replaced by an empty
// cache; detection must keep running even when its state is damaged.
func (s *SeenCache) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read seen cache: %w", err)
	}

	entries := map[string]int64{}
	if err := json.Unmarshal(data, &entries); err != nil {
		s.quarantine(err)
		return nil
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.logger.Info().Int("entries", len(entries)).Str("path", s.path).Msg("seen cache loaded")
	return nil
}

// IsNew reports whether signature has not been seen within its window
// and, when new, records it and schedules a flush. persistent selects
// the 12h window; self-resolving events use 24h.
func (s *SeenCache) IsNew(signature string, persistent bool) bool {
	window := transientWindow
	if persistent {
		window = persistentWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowUnix := s.now().Unix()
	if last, ok := s.entries[signature]; ok {
		if nowUnix-last <= int64(window.Seconds()) {
			return false
		}
	}

	s.entries[signature] = nowUnix
	s.dirty = true
	s.scheduleFlushLocked()
	return true
}

// Len reports the number of live entries.
func (s *SeenCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Flush writes the cache out immediately if it has unsaved changes.
// Called on shutdown so the coalescing timer cannot drop the tail.
func (s *SeenCache) Flush() error {
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
func (s *SeenCache) scheduleFlushLocked() {
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(flushDelay, s.flushTimer)
}

func (s *SeenCache) flushTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer = nil
	if !s.dirty {
		return
	}
	if err := s.writeLocked(); err != nil {
		s.logger.Error().Err(err).Msg("failed to flush seen cache")
	}
}

// writeLocked prunes entries past the longest window and writes the
// map atomically via a temp file in the same directory. Entries
// between the two windows stay on disk; expire-on-read makes them
// harmless and pruning both here would need per-entry persistence
// flags the format does not carry.
func (s *SeenCache) writeLocked() error {
	cutoff := s.now().Add(-transientWindow).Unix()
	for sig, last := range s.entries {
		if last < cutoff {
			delete(s.entries, sig)
		}
	}

	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode seen cache: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write seen cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace seen cache: %w", err)
	}

	s.dirty = false
	return nil
}

// quarantine moves a damaged cache file aside so the next write starts
// clean, and raises a high-severity bus event for the notifier.
func (s *SeenCache) quarantine(cause error) {
	dest := fmt.Sprintf("%s.corrupt.%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, dest); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("failed to quarantine corrupt seen cache")
		dest = ""
	}

	s.logger.Error().
		Err(cause).
		Str("path", s.path).
		Str("quarantined_as", dest).
		Msg("seen cache corrupt, starting empty")

	if s.broker != nil {
		s.broker.Emit(bus.EventStateQuarantine, types.SeverityHigh,
			fmt.Sprintf("seen cache %s is corrupt, quarantined and reset", s.path),
			map[string]string{"path": s.path, "quarantined_as": dest, "error": cause.Error()})
	}
}
