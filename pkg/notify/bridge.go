package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/types"
)

// digestInterval is how often deferred failures are flushed as one
// summary message.
const digestInterval = 24 * time.Hour

// Bridge forwards internal bus events to notification channels so
// components publish once and operators still see everything. Routing
// is static; severity escalation adds the critical channel on top of
// the normal one.
//
// The approval mode sets how noisy failures are. Paranoid notifies on
// every failure as it happens. Balanced notifies immediately on
// refusals and verification failures and rolls transient ones into a
// daily summary. Aggressive notifies immediately only on verification
// failures of CRITICAL batches and defers everything else to the same
// summary. Deferred failures are never dropped: Stop flushes them.
type Bridge struct {
	broker   *bus.Broker
	notifier *Notifier
	mode     types.ApprovalMode

	mu       sync.Mutex
	deferred map[string]*digestEntry

	sub    bus.Subscriber
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type digestEntry struct {
	count    int
	severity types.Severity
}

func NewBridge(broker *bus.Broker, notifier *Notifier, mode types.ApprovalMode) *Bridge {
	return &Bridge{
		broker:   broker,
		notifier: notifier,
		mode:     mode,
		deferred: make(map[string]*digestEntry),
		stopCh:   make(chan struct{}),
	}
}

func (b *Bridge) Start() {
	b.sub = b.broker.Subscribe()
	b.wg.Add(1)
	go b.run()
}

func (b *Bridge) Stop() {
	close(b.stopCh)
	b.broker.Unsubscribe(b.sub)
	b.wg.Wait()
	b.flushDigest()
}

func (b *Bridge) run() {
	defer b.wg.Done()
	flush := time.NewTicker(digestInterval)
	defer flush.Stop()
	for {
		select {
		case event, ok := <-b.sub:
			if !ok {
				return
			}
			b.forward(event)
		case <-flush.C:
			b.flushDigest()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bridge) forward(event *bus.Event) {
	channel, ok := routeFor(event.Type)
	if !ok {
		return
	}
	if b.deferToDigest(event) {
		b.buffer(event)
		return
	}

	msg := Message{
		Channel:   channel,
		Title:     titleFor(event.Type),
		Body:      event.Message,
		Severity:  event.Severity,
		Fields:    event.Metadata,
		Timestamp: event.Timestamp,
	}
	ctx := context.Background()
	b.notifier.Send(ctx, msg)

	// critical findings go to the escalation channel as well
	if event.Severity == types.SeverityCritical && channel != ChannelCritical {
		msg.Channel = ChannelCritical
		b.notifier.Send(ctx, msg)
	}
}

// deferToDigest decides whether a failure event waits for the summary
// instead of notifying now. Only adapter failures and fix failures are
// ever deferred; detections, incidents, and state changes always pass.
func (b *Bridge) deferToDigest(event *bus.Event) bool {
	if b.mode == types.ApprovalParanoid || b.mode == "" {
		return false
	}
	switch event.Type {
	case bus.EventAdapterFailure:
		return true
	case bus.EventFixFailed:
		kind := event.Metadata["kind"]
		if b.mode == types.ApprovalAggressive {
			return kind != "verification" || event.Severity != types.SeverityCritical
		}
		return kind != "refusal" && kind != "verification"
	default:
		return false
	}
}

func (b *Bridge) buffer(event *bus.Event) {
	key := digestKey(event)
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.deferred[key]
	if entry == nil {
		entry = &digestEntry{}
		b.deferred[key] = entry
	}
	entry.count++
	if event.Severity.Rank() > entry.severity.Rank() {
		entry.severity = event.Severity
	}
}

// digestKey groups deferred failures into summary lines. Fix failures
// group by kind, adapter failures by adapter, so one flapping tool
// becomes one line with a count instead of a page of messages.
func digestKey(event *bus.Event) string {
	switch event.Type {
	case bus.EventFixFailed:
		if kind := event.Metadata["kind"]; kind != "" {
			return "fix failed: " + kind
		}
		return "fix failed"
	case bus.EventAdapterFailure:
		if name := event.Metadata["adapter"]; name != "" {
			return "adapter failing: " + name
		}
		return "adapter failing"
	default:
		return strings.ToLower(titleFor(event.Type))
	}
}

// flushDigest sends one summary for everything deferred since the last
// flush. No-op when nothing was deferred.
func (b *Bridge) flushDigest() {
	b.mu.Lock()
	deferred := b.deferred
	b.deferred = make(map[string]*digestEntry)
	b.mu.Unlock()
	if len(deferred) == 0 {
		return
	}

	keys := make([]string, 0, len(deferred))
	for key := range deferred {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	total := 0
	severity := types.SeverityLow
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		entry := deferred[key]
		total += entry.count
		lines = append(lines, fmt.Sprintf("%dx %s", entry.count, key))
		if entry.severity.Rank() > severity.Rank() {
			severity = entry.severity
		}
	}

	b.notifier.Send(context.Background(), Message{
		Channel:   ChannelAlerts,
		Title:     "Deferred failure summary",
		Body:      fmt.Sprintf("%d deferred failures:\n%s", total, strings.Join(lines, "\n")),
		Severity:  severity,
		Timestamp: time.Now(),
	})
}

func routeFor(t bus.EventType) (Channel, bool) {
	switch t {
	case bus.EventDetected, bus.EventAdapterFailure, bus.EventIncidentOpened,
		bus.EventIncidentClosed, bus.EventServiceState:
		return ChannelAlerts, true
	case bus.EventBatchCreated, bus.EventBatchStatus, bus.EventPlanReady,
		bus.EventCircuitState:
		return ChannelOrchestrator, true
	case bus.EventApprovalPending, bus.EventApprovalDecided:
		return ChannelApprovals, true
	case bus.EventFixApplied, bus.EventFixFailed:
		return ChannelCodeFixes, true
	case bus.EventPushSummary:
		return ChannelDeployLog, true
	case bus.EventStateQuarantine:
		return ChannelBotStatus, true
	default:
		return "", false
	}
}

func titleFor(t bus.EventType) string {
	switch t {
	case bus.EventDetected:
		return "Security event detected"
	case bus.EventAdapterFailure:
		return "Detection adapter failing"
	case bus.EventIncidentOpened:
		return "Incident opened"
	case bus.EventIncidentClosed:
		return "Incident resolved"
	case bus.EventServiceState:
		return "Service state change"
	case bus.EventBatchCreated:
		return "Remediation batch created"
	case bus.EventBatchStatus:
		return "Batch status change"
	case bus.EventPlanReady:
		return "Remediation plan ready"
	case bus.EventCircuitState:
		return "Circuit breaker state change"
	case bus.EventApprovalPending:
		return "Approval pending"
	case bus.EventApprovalDecided:
		return "Approval decided"
	case bus.EventFixApplied:
		return "Fix applied"
	case bus.EventFixFailed:
		return "Fix failed"
	case bus.EventPushSummary:
		return "Push processed"
	case bus.EventStateQuarantine:
		return "State file quarantined"
	default:
		return string(t)
	}
}
