package adapter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

// FSWatch supplements the report-based integrity adapter with realtime
// filesystem notifications. Events buffer between polls, coalesced by
// signature, and normalize into the same file:{path}:{kind} space so
// the seen cache treats both observers as one source.
type FSWatch struct {
	cfg      config.FSWatchSource
	critical []string
	logger   zerolog.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*types.SecurityEvent
	lastErr error
	dead    bool
}

// NewFSWatch builds the realtime file-integrity supplement. Severity
// classification uses the same critical prefixes as the report-based
// adapter.
func NewFSWatch(cfg config.FSWatchSource, criticalPaths []string) *FSWatch {
	return &FSWatch{
		cfg:      cfg,
		critical: criticalPaths,
		logger:   log.WithComponent("adapter.fswatch"),
		pending:  make(map[string]*types.SecurityEvent),
	}
}

func (f *FSWatch) Name() string { return "fswatch" }

func (f *FSWatch) Source() types.EventSource { return types.SourceFileIntegrity }

func (f *FSWatch) Interval() time.Duration { return time.Duration(f.cfg.Interval) }

// Start registers the configured paths (directories recursively) and
// begins buffering notifications. A missing path is a configuration
// error and fails startup.
func (f *FSWatch) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	for _, p := range f.cfg.Paths {
		info, err := os.Stat(p)
		if err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		if !info.IsDir() {
			if err := watcher.Add(p); err != nil {
				watcher.Close()
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
			continue
		}
		walkErr := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return err
			}
			return watcher.Add(path)
		})
		if walkErr != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", p, walkErr)
		}
	}

	f.watcher = watcher
	go f.loop()
	f.logger.Info().Strs("paths", f.cfg.Paths).Msg("filesystem watch started")
	return nil
}

// Close stops the underlying watcher; buffered events stay drainable.
func (f *FSWatch) Close() error {
	if f.watcher == nil {
		return nil
	}
	return f.watcher.Close()
}

// Poll drains the buffered events. Watcher errors surface on the first
// poll with nothing else to report.
func (f *FSWatch) Poll(ctx context.Context) ([]*types.SecurityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.watcher == nil {
		return nil, errors.New("filesystem watcher not started")
	}

	if len(f.pending) == 0 {
		if f.dead {
			return nil, errors.New("filesystem watcher stopped")
		}
		err := f.lastErr
		f.lastErr = nil
		return nil, err
	}

	events := make([]*types.SecurityEvent, 0, len(f.pending))
	for _, ev := range f.pending {
		events = append(events, ev)
	}
	f.pending = make(map[string]*types.SecurityEvent)
	f.lastErr = nil

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (f *FSWatch) loop() {
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				f.markDead()
				return
			}
			f.record(ev)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				f.markDead()
				return
			}
			f.logger.Warn().Err(err).Msg("filesystem watcher error")
			f.mu.Lock()
			f.lastErr = err
			f.mu.Unlock()
		}
	}
}

func (f *FSWatch) record(ev fsnotify.Event) {
	var kind string
	switch {
	case ev.Has(fsnotify.Create):
		kind = "added"
		// New directories must be watched too or changes inside them
		// go unseen.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := f.watcher.Add(ev.Name); err != nil {
				f.logger.Warn().Str("path", ev.Name).Err(err).Msg("failed to watch new directory")
			}
		}
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		kind = "changed"
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = "removed"
	default:
		return
	}

	severity := types.SeverityHigh
	if criticalPath(ev.Name, f.critical) {
		severity = types.SeverityCritical
	}
	event := types.NewSecurityEvent(
		types.SourceFileIntegrity,
		"integrity_violation",
		severity,
		types.EventDetails{
			FileChange: &types.FileChangeDetails{Path: ev.Name, ChangeKind: kind},
			Extra:      map[string]string{"observer": "fswatch"},
		},
		true,
	)

	f.mu.Lock()
	f.pending[event.Signature()] = event
	f.mu.Unlock()
}

func (f *FSWatch) markDead() {
	f.mu.Lock()
	f.dead = true
	f.mu.Unlock()
}
