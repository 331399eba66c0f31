package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/adapter"
	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/types"
)

const (
	// adapterFailureThreshold is how many consecutive poll failures of
	// one adapter raise a meta-event about the adapter itself.
	adapterFailureThreshold = 3

	// fallbackInterval guards against adapters reporting no cadence.
	fallbackInterval = time.Minute

	defaultPollTimeout = 30 * time.Second
)

// Submitter receives deduplicated events. Implemented by the
// orchestrator; a small interface keeps the watcher testable without
// standing up the batching pipeline.
type Submitter interface {
	Submit(event *types.SecurityEvent) error
}

// Watcher drives every configured adapter on its own cadence,
// deduplicates findings through the seen cache, and hands new events
// to the sink. Each adapter runs in its own goroutine with its own
// consecutive-failure counter, so one broken tool never stalls or
// stops the others.
type Watcher struct {
	adapters []adapter.Adapter
	seen     *SeenCache
	sink     Submitter
	broker   *bus.Broker
	timeout  time.Duration
	logger   zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New wires the watcher. pollTimeout bounds a single adapter.Poll
// call; zero selects the 30s default.
func New(adapters []adapter.Adapter, seen *SeenCache, sink Submitter, broker *bus.Broker, pollTimeout time.Duration) *Watcher {
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		adapters:   adapters,
		seen:       seen,
		sink:       sink,
		broker:     broker,
		timeout:    pollTimeout,
		logger:     log.WithComponent("watcher"),
		baseCtx:    ctx,
		baseCancel: cancel,
		stopCh:     make(chan struct{}),
	}
}

// Start launches one polling loop per adapter. Each loop polls once
// immediately so a fresh start surfaces current findings without
// waiting out the first interval.
func (w *Watcher) Start() {
	for _, a := range w.adapters {
		w.wg.Add(1)
		go w.loop(a)
	}
	w.logger.Info().Int("adapters", len(w.adapters)).Msg("watcher started")
}

// Stop cancels in-flight polls, waits for the loops to exit, and
// flushes the seen cache so the coalescing timer cannot drop the tail.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.baseCancel()
	w.wg.Wait()
	if err := w.seen.Flush(); err != nil {
		w.logger.Error().Err(err).Msg("failed to flush seen cache on stop")
	}
	w.logger.Info().Msg("watcher stopped")
}

func (w *Watcher) loop(a adapter.Adapter) {
	defer w.wg.Done()

	interval := a.Interval()
	if interval <= 0 {
		interval = fallbackInterval
	}
	logger := w.logger.With().Str("adapter", a.Name()).Str("source", string(a.Source())).Logger()

	var failures int
	w.pollOnce(a, logger, &failures)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollOnce(a, logger, &failures)
		}
	}
}

func (w *Watcher) pollOnce(a adapter.Adapter, logger zerolog.Logger, failures *int) {
	ctx, cancel := context.WithTimeout(w.baseCtx, w.timeout)
	defer cancel()

	source := string(a.Source())
	timer := metrics.NewTimer()
	events, err := a.Poll(ctx)
	timer.ObserveDurationVec(metrics.AdapterPollDuration, source)

	if err != nil {
		*failures++
		metrics.AdapterFailures.WithLabelValues(source).Inc()
		logger.Warn().Err(err).Int("consecutive", *failures).Msg("adapter poll failed")
		if *failures == adapterFailureThreshold {
			w.reportBrokenAdapter(a, err)
		}
		return
	}

	*failures = 0
	for _, event := range events {
		w.handle(event, logger)
	}
}

// reportBrokenAdapter raises one HIGH meta-event describing the
// adapter. It flows through the normal dedup path, so a tool that
// stays broken re-alerts at most once per persistent window rather
// than on every third failure.
func (w *Watcher) reportBrokenAdapter(a adapter.Adapter, cause error) {
	meta := types.NewSecurityEvent(a.Source(), "adapter_failure", types.SeverityHigh,
		types.EventDetails{Extra: map[string]string{
			"adapter": a.Name(),
			"error":   cause.Error(),
		}}, true)

	if w.broker != nil {
		w.broker.Emit(bus.EventAdapterFailure, types.SeverityHigh,
			fmt.Sprintf("adapter %s failing repeatedly: %v", a.Name(), cause),
			map[string]string{"adapter": a.Name(), "source": string(a.Source())})
	}
	w.handle(meta, w.logger)
}

// handle applies dedup and forwards a new event to the sink. The cache
// records the signature before the submit, so a submit failure drops
// the event until its window expires instead of re-queueing it.
func (w *Watcher) handle(event *types.SecurityEvent, logger zerolog.Logger) {
	sig := event.Signature()
	source := string(event.Source)

	if !w.seen.IsNew(sig, event.Persistent) {
		metrics.EventsDeduplicated.WithLabelValues(source).Inc()
		logger.Debug().Str("signature", sig).Msg("duplicate event suppressed")
		return
	}

	metrics.EventsDetected.WithLabelValues(source, string(event.Severity)).Inc()
	logger.Info().
		Str("signature", sig).
		Str("type", event.Type).
		Str("severity", string(event.Severity)).
		Msg("new event detected")

	if w.broker != nil {
		w.broker.Emit(bus.EventDetected, event.Severity,
			fmt.Sprintf("%s: %s", event.Source, sig),
			map[string]string{"signature": sig, "type": event.Type})
	}

	if err := w.sink.Submit(event); err != nil {
		logger.Error().Err(err).Str("signature", sig).Msg("failed to submit event")
	}
}
