/*
Package bus provides the in-process event bus connecting Sentinel's
pipeline to its observers.

Components publish what happened (an event was detected, a batch
changed state, the circuit opened, a project went down); subscribers
decide what to do about it. The two standing subscribers are the
notification bridge, which renders events into notifier channels, and
the metrics sampler.

# Architecture

	┌────────────┐
	│  watcher    │─┐
	├────────────┤ │   ┌──────────┐    ┌──────────────┐
	│orchestrator │─┼──▶│  Broker  │───▶│ subscribers  │
	├────────────┤ │   │ (eventCh) │    │ notify bridge │
	│  monitor    │─┤   └──────────┘    │ metrics       │
	├────────────┤ │                     └──────────────┘
	│  ingest     │─┘
	└────────────┘

# Delivery Semantics

Publish is asynchronous and lossy by contract:

  - Events are buffered (100 in the broker, 50 per subscriber).
  - A subscriber that cannot keep up loses events; it never stalls the
    pipeline. Remediation state is persisted elsewhere; the bus only
    carries notifications about it.
  - Publish after Stop is a no-op.

Anything that requires an answer (approval requests) or ordering
guarantees (batch execution) does not ride the bus.

# Usage

	broker := bus.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			render(ev)
		}
	}()

	broker.Emit(bus.EventBatchStatus, types.SeverityHigh,
		"batch 42 executing", map[string]string{"batch_id": "42"})

# Integration Points

  - pkg/watcher: EventDetected, EventAdapterFailure, EventStateQuarantine
  - pkg/orchestrator: batch lifecycle, plan, approval, fix and circuit events
  - pkg/monitor: EventIncidentOpened, EventIncidentClosed
  - pkg/ingest: EventPushSummary
  - pkg/notify: bridge mapping events to notifier channels
  - pkg/metrics: counters sampled from the stream
*/
package bus
