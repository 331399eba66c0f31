package watcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sentinel/pkg/bus"
)

// newTestCache returns a cache on a throwaway path with a controllable
// clock. Advance the returned pointer to move time.
func newTestCache(t *testing.T) (*SeenCache, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	cache := NewSeenCache(filepath.Join(t.TempDir(), "seen_events.json"), nil)
	cache.now = func() time.Time { return now }
	return cache, &now
}

func TestIsNewRecordsFirstSighting(t *testing.T) {
	cache, _ := newTestCache(t)

	assert.True(t, cache.IsNew("scan:CVE-2024-1:openssl:1.0", true))
	assert.False(t, cache.IsNew("scan:CVE-2024-1:openssl:1.0", true))
	assert.True(t, cache.IsNew("scan:CVE-2024-2:openssl:1.0", true))
	assert.Equal(t, 2, cache.Len())
}

func TestIsNewWindowsByPersistence(t *testing.T) {
	cache, now := newTestCache(t)

	require.True(t, cache.IsNew("persistent-sig", true))
	require.True(t, cache.IsNew("transient-sig", false))

	// 13h later the persistent window (12h) has lapsed, transient (24h)
	// has not.
	*now = now.Add(13 * time.Hour)
	assert.True(t, cache.IsNew("persistent-sig", true))
	assert.False(t, cache.IsNew("transient-sig", false))

	// 25h after first sighting the transient entry has lapsed too.
	*now = now.Add(12 * time.Hour)
	assert.True(t, cache.IsNew("transient-sig", false))
}

func TestHitDoesNotRefreshWindow(t *testing.T) {
	cache, now := newTestCache(t)

	require.True(t, cache.IsNew("sig", true))

	// A hit at 11h suppresses but leaves the original timestamp, so
	// the entry still expires 12h after the first sighting.
	*now = now.Add(11 * time.Hour)
	require.False(t, cache.IsNew("sig", true))

	*now = now.Add(2 * time.Hour)
	assert.True(t, cache.IsNew("sig", true))
}

func TestFlushPersistsEntries(t *testing.T) {
	cache, _ := newTestCache(t)

	require.True(t, cache.IsNew("host:10.0.0.1:sshd", false))
	require.True(t, cache.IsNew("net:10.0.0.2:ssh-bf", false))
	require.NoError(t, cache.Flush())

	data, err := os.ReadFile(cache.path)
	require.NoError(t, err)

	var entries map[string]int64
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Len(t, entries, 2)
	assert.Contains(t, entries, "host:10.0.0.1:sshd")
}

func TestCoalescedFlushWritesWithoutExplicitCall(t *testing.T) {
	cache := NewSeenCache(filepath.Join(t.TempDir(), "seen_events.json"), nil)

	require.True(t, cache.IsNew("sig-a", true))
	require.True(t, cache.IsNew("sig-b", true))

	require.Eventually(t, func() bool {
		_, err := os.Stat(cache.path)
		return err == nil
	}, 3*time.Second, 25*time.Millisecond, "coalescing timer should flush on its own")

	data, err := os.ReadFile(cache.path)
	require.NoError(t, err)

	var entries map[string]int64
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Len(t, entries, 2)
}

func TestLoadRestoresPreviousRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seen_events.json")

	first := NewSeenCache(path, nil)
	require.True(t, first.IsNew("file:/etc/passwd:changed", true))
	require.NoError(t, first.Flush())

	second := NewSeenCache(path, nil)
	require.NoError(t, second.Load())
	assert.Equal(t, 1, second.Len())
	assert.False(t, second.IsNew("file:/etc/passwd:changed", true),
		"restart must not re-alert on a known event")
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	cache := NewSeenCache(filepath.Join(t.TempDir(), "seen_events.json"), nil)

	require.NoError(t, cache.Load())
	assert.Equal(t, 0, cache.Len())
}

func TestLoadQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seen_events.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o640))

	broker := bus.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	cache := NewSeenCache(path, broker)
	require.NoError(t, cache.Load())
	assert.Equal(t, 0, cache.Len())

	quarantined, err := filepath.Glob(path + ".corrupt.*")
	require.NoError(t, err)
	require.Len(t, quarantined, 1)

	select {
	case ev := <-sub:
		assert.Equal(t, bus.EventStateQuarantine, ev.Type)
		assert.Equal(t, path, ev.Metadata["path"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a quarantine event on the bus")
	}

	// The cache keeps working and the next flush writes a clean file.
	require.True(t, cache.IsNew("sig", true))
	require.NoError(t, cache.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries map[string]int64
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Len(t, entries, 1)
}

func TestFlushPrunesEntriesPastLongestWindow(t *testing.T) {
	cache, now := newTestCache(t)

	require.True(t, cache.IsNew("ancient", true))
	*now = now.Add(13 * time.Hour)
	require.True(t, cache.IsNew("between-windows", true))
	*now = now.Add(12 * time.Hour)
	require.True(t, cache.IsNew("fresh", true))
	require.NoError(t, cache.Flush())

	data, err := os.ReadFile(cache.path)
	require.NoError(t, err)

	var entries map[string]int64
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.NotContains(t, entries, "ancient", "entries past 24h are pruned on flush")
	assert.Contains(t, entries, "between-windows", "entries between 12h and 24h stay on disk")
	assert.Contains(t, entries, "fresh")
}

func TestIsNewSingleWinnerUnderConcurrency(t *testing.T) {
	cache, _ := newTestCache(t)

	const goroutines = 32
	var wg sync.WaitGroup
	results := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- cache.IsNew("contested", true)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for r := range results {
		if r {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one caller may claim a signature")
}
