package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sentinel/pkg/adapter"
	"github.com/cuemby/sentinel/pkg/types"
)

// fakeAdapter drives the watcher with a scripted poll function.
type fakeAdapter struct {
	name     string
	source   types.EventSource
	interval time.Duration

	mu    sync.Mutex
	polls int
	fn    func(ctx context.Context, poll int) ([]*types.SecurityEvent, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Source() types.EventSource { return f.source }

func (f *fakeAdapter) Interval() time.Duration { return f.interval }

func (f *fakeAdapter) Poll(ctx context.Context) ([]*types.SecurityEvent, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	f.mu.Unlock()
	return f.fn(ctx, n)
}

func (f *fakeAdapter) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// fakeSink records every submission, optionally failing them.
type fakeSink struct {
	mu     sync.Mutex
	events []*types.SecurityEvent
	err    error
}

func (f *fakeSink) Submit(event *types.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakeSink) snapshot() []*types.SecurityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.SecurityEvent, len(f.events))
	copy(out, f.events)
	return out
}

func banEvent(ip string) *types.SecurityEvent {
	return types.NewSecurityEvent(types.SourceHostIPS, "ban", types.SeverityMedium,
		types.EventDetails{HostBan: &types.HostBanDetails{IP: ip, Jail: "sshd"}}, false)
}

func startWatcher(t *testing.T, sink Submitter, timeout time.Duration, adapters ...adapter.Adapter) *Watcher {
	t.Helper()
	seen := NewSeenCache(filepath.Join(t.TempDir(), "seen_events.json"), nil)
	w := New(adapters, seen, sink, nil, timeout)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherSubmitsNewAndSuppressesRepeats(t *testing.T) {
	a := &fakeAdapter{
		name:     "fail2ban",
		source:   types.SourceHostIPS,
		interval: 15 * time.Millisecond,
		fn: func(ctx context.Context, poll int) ([]*types.SecurityEvent, error) {
			return []*types.SecurityEvent{banEvent("192.0.2.10")}, nil
		},
	}
	sink := &fakeSink{}
	startWatcher(t, sink, time.Second, a)

	require.Eventually(t, func() bool { return a.pollCount() >= 4 },
		3*time.Second, 10*time.Millisecond)

	events := sink.snapshot()
	require.Len(t, events, 1, "repeated sightings must be deduplicated")
	assert.Equal(t, "host:192.0.2.10:sshd", events[0].Signature())
}

func TestWatcherPollsImmediatelyOnStart(t *testing.T) {
	a := &fakeAdapter{
		name:     "trivy",
		source:   types.SourceVulnerabilityScan,
		interval: time.Hour,
		fn: func(ctx context.Context, poll int) ([]*types.SecurityEvent, error) {
			return nil, nil
		},
	}
	startWatcher(t, &fakeSink{}, time.Second, a)

	require.Eventually(t, func() bool { return a.pollCount() == 1 },
		time.Second, 5*time.Millisecond,
		"first poll must not wait out the interval")
}

func TestWatcherRaisesMetaEventAfterThreeFailures(t *testing.T) {
	a := &fakeAdapter{
		name:     "cscli",
		source:   types.SourceNetworkIPS,
		interval: 10 * time.Millisecond,
		fn: func(ctx context.Context, poll int) ([]*types.SecurityEvent, error) {
			return nil, errors.New("cscli: connection refused")
		},
	}
	sink := &fakeSink{}
	startWatcher(t, sink, time.Second, a)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 },
		3*time.Second, 10*time.Millisecond)

	meta := sink.snapshot()[0]
	assert.Equal(t, "meta:network_ips:adapter_failure", meta.Signature())
	assert.Equal(t, "adapter_failure", meta.Type)
	assert.Equal(t, types.SeverityHigh, meta.Severity)
	assert.True(t, meta.Persistent)
	assert.Equal(t, "cscli", meta.Details.Extra["adapter"])
	assert.Contains(t, meta.Details.Extra["error"], "connection refused")

	// Failures four and five do not raise a second meta-event.
	require.Eventually(t, func() bool { return a.pollCount() >= 6 },
		3*time.Second, 10*time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)
}

func TestWatcherResetsFailureCountOnSuccess(t *testing.T) {
	a := &fakeAdapter{
		name:     "aide",
		source:   types.SourceFileIntegrity,
		interval: 10 * time.Millisecond,
		fn: func(ctx context.Context, poll int) ([]*types.SecurityEvent, error) {
			if poll%3 == 0 {
				return nil, nil
			}
			return nil, errors.New("aide: database locked")
		},
	}
	sink := &fakeSink{}
	startWatcher(t, sink, time.Second, a)

	require.Eventually(t, func() bool { return a.pollCount() >= 8 },
		3*time.Second, 10*time.Millisecond)
	assert.Empty(t, sink.snapshot(),
		"two failures followed by a success must not trip the threshold")
}

func TestWatcherIsolatesBrokenAdapter(t *testing.T) {
	broken := &fakeAdapter{
		name:     "cscli",
		source:   types.SourceNetworkIPS,
		interval: 10 * time.Millisecond,
		fn: func(ctx context.Context, poll int) ([]*types.SecurityEvent, error) {
			return nil, errors.New("cscli: down")
		},
	}
	healthy := &fakeAdapter{
		name:     "fail2ban",
		source:   types.SourceHostIPS,
		interval: 10 * time.Millisecond,
		fn: func(ctx context.Context, poll int) ([]*types.SecurityEvent, error) {
			return []*types.SecurityEvent{banEvent(fmt.Sprintf("10.0.0.%d", poll))}, nil
		},
	}
	sink := &fakeSink{}
	startWatcher(t, sink, time.Second, broken, healthy)

	require.Eventually(t, func() bool {
		bans := 0
		for _, ev := range sink.snapshot() {
			if ev.Source == types.SourceHostIPS {
				bans++
			}
		}
		return bans >= 3 && broken.pollCount() >= 4
	}, 3*time.Second, 10*time.Millisecond,
		"a failing adapter must not stop the others")
}

func TestWatcherStopFlushesSeenCache(t *testing.T) {
	a := &fakeAdapter{
		name:     "fail2ban",
		source:   types.SourceHostIPS,
		interval: time.Hour,
		fn: func(ctx context.Context, poll int) ([]*types.SecurityEvent, error) {
			return []*types.SecurityEvent{banEvent("203.0.113.9")}, nil
		},
	}
	sink := &fakeSink{}
	seen := NewSeenCache(filepath.Join(t.TempDir(), "seen_events.json"), nil)
	w := New([]adapter.Adapter{a}, seen, sink, nil, time.Second)
	w.Start()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 },
		3*time.Second, 10*time.Millisecond)
	w.Stop()

	data, err := os.ReadFile(seen.path)
	require.NoError(t, err, "stop must flush without waiting for the coalescing timer")
	assert.True(t, strings.Contains(string(data), "host:203.0.113.9:sshd"))
}

func TestWatcherAppliesPollTimeout(t *testing.T) {
	timedOut := make(chan struct{})
	var once sync.Once
	a := &fakeAdapter{
		name:     "trivy",
		source:   types.SourceVulnerabilityScan,
		interval: time.Hour,
		fn: func(ctx context.Context, poll int) ([]*types.SecurityEvent, error) {
			<-ctx.Done()
			once.Do(func() { close(timedOut) })
			return nil, ctx.Err()
		},
	}
	startWatcher(t, &fakeSink{}, 30*time.Millisecond, a)

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("poll context should have expired")
	}
}

func TestWatcherDoesNotRetryFailedSubmit(t *testing.T) {
	a := &fakeAdapter{
		name:     "fail2ban",
		source:   types.SourceHostIPS,
		interval: 10 * time.Millisecond,
		fn: func(ctx context.Context, poll int) ([]*types.SecurityEvent, error) {
			return []*types.SecurityEvent{banEvent("198.51.100.7")}, nil
		},
	}
	sink := &fakeSink{err: errors.New("orchestrator shutting down")}
	startWatcher(t, sink, time.Second, a)

	require.Eventually(t, func() bool { return a.pollCount() >= 4 },
		3*time.Second, 10*time.Millisecond)
	assert.Len(t, sink.snapshot(), 1,
		"the signature is recorded before submit, so a failed submit is not retried")
}
