package ingest

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

// cursorFlushDelay coalesces cursor writes from a burst of pushes into
// one disk write.
const cursorFlushDelay = 2 * time.Second

// dedupe is the two-layer push gate: an in-memory inflight set with a
// TTL catches redeliveries racing the worker, and a persisted
// per-(repo,branch) commit cursor catches everything already processed,
// across restarts included. Both layers must report "new" before a
// push is claimed.
//
// The cursor file is flat {"repo:branch": sha} JSON.
type dedupe struct {
	path   string
	ttl    time.Duration
	broker *bus.Broker
	logger zerolog.Logger

	mu       sync.Mutex
	cursors  map[string]string
	inflight map[string]time.Time
	dirty    bool
	timer    *time.Timer

	now func() time.Time
}

func newDedupe(path string, ttl time.Duration, broker *bus.Broker) *dedupe {
	return &dedupe{
		path:     path,
		ttl:      ttl,
		broker:   broker,
		logger:   log.WithComponent("ingest"),
		cursors:  map[string]string{},
		inflight: map[string]time.Time{},
		now:      time.Now,
	}
}

func cursorKey(repo, branch string) string {
	return repo + ":" + branch
}

// load reads the persisted cursors. A missing file is a normal first
// run; an unreadable or unparsable file is quarantined, announced on
// the bus, and replaced by an empty map.
func (d *dedupe) load() error {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read push state: %w", err)
	}

	cursors := map[string]string{}
	if err := json.Unmarshal(data, &cursors); err != nil {
		d.quarantine(err)
		return nil
	}

	d.mu.Lock()
	d.cursors = cursors
	d.mu.Unlock()

	d.logger.Info().Int("cursors", len(cursors)).Str("path", d.path).Msg("push state loaded")
	return nil
}

// claim reports whether the push is new on both layers and, when it is,
// marks it inflight. The check and the mark happen under one lock so a
// webhook delivery and a poll cycle cannot both claim the same commit.
func (d *dedupe) claim(repo, branch, sha string) bool {
	key := cursorKey(repo, branch)
	inKey := key + ":" + sha

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweepLocked(now)

	if d.cursors[key] == sha {
		return false
	}
	if _, ok := d.inflight[inKey]; ok {
		return false
	}
	d.inflight[inKey] = now
	return true
}

// release undoes a claim whose job never reached the worker, so a
// redelivery does not have to wait out the TTL.
func (d *dedupe) release(repo, branch, sha string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, cursorKey(repo, branch)+":"+sha)
}

func (d *dedupe) cursor(repo, branch string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sha, ok := d.cursors[cursorKey(repo, branch)]
	return sha, ok
}

// setCursor records a processed commit, clears its inflight entry and
// schedules a flush.
func (d *dedupe) setCursor(repo, branch, sha string) {
	key := cursorKey(repo, branch)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cursors[key] = sha
	delete(d.inflight, key+":"+sha)
	d.dirty = true
	d.scheduleFlushLocked()
}

// sweepLocked drops inflight entries past the TTL. Entries normally
// leave through setCursor; the sweep catches jobs that died between
// claim and processing.
func (d *dedupe) sweepLocked(now time.Time) {
	for key, claimed := range d.inflight {
		if now.Sub(claimed) > d.ttl {
			delete(d.inflight, key)
		}
	}
}

// flush writes the cursors out immediately if they have unsaved
// changes. Called on shutdown.
func (d *dedupe) flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.dirty {
		return nil
	}
	return d.writeLocked()
}

func (d *dedupe) scheduleFlushLocked() {
	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(cursorFlushDelay, d.flushTimer)
}

func (d *dedupe) flushTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.timer = nil
	if !d.dirty {
		return
	}
	if err := d.writeLocked(); err != nil {
		d.logger.Error().Err(err).Msg("failed to flush push state")
	}
}

func (d *dedupe) writeLocked() error {
	data, err := json.MarshalIndent(d.cursors, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode push state: %w", err)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write push state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace push state: %w", err)
	}

	d.dirty = false
	return nil
}

// quarantine moves a damaged cursor file aside so the next write starts
// clean, and raises a high-severity bus event for the notifier.
func (d *dedupe) quarantine(cause error) {
	dest := fmt.Sprintf("%s.corrupt.%d", d.path, d.now().Unix())
	if err := os.Rename(d.path, dest); err != nil {
		d.logger.Error().Err(err).Str("path", d.path).Msg("failed to quarantine corrupt push state")
		dest = ""
	}

	d.logger.Error().
		Err(cause).
		Str("path", d.path).
		Str("quarantined_as", dest).
		Msg("push state corrupt, starting empty")

	if d.broker != nil {
		d.broker.Emit(bus.EventStateQuarantine, types.SeverityHigh,
			fmt.Sprintf("push state %s is corrupt, quarantined and reset", d.path),
			map[string]string{"path": d.path, "quarantined_as": dest, "error": cause.Error()})
	}
}
