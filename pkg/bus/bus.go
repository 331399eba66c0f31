package bus

import (
	"sync"
	"time"

	"github.com/cuemby/sentinel/pkg/types"
)

// EventType identifies a pipeline event on the internal bus.
type EventType string

const (
	EventDetected        EventType = "event.detected"
	EventBatchCreated    EventType = "batch.created"
	EventBatchStatus     EventType = "batch.status"
	EventPlanReady       EventType = "plan.ready"
	EventApprovalPending EventType = "approval.pending"
	EventApprovalDecided EventType = "approval.decided"
	EventFixApplied      EventType = "fix.applied"
	EventFixFailed       EventType = "fix.failed"
	EventCircuitState    EventType = "circuit.state"
	EventAdapterFailure  EventType = "adapter.failure"
	EventIncidentOpened  EventType = "incident.opened"
	EventIncidentClosed  EventType = "incident.closed"
	EventServiceState    EventType = "service.state"
	EventPushSummary     EventType = "push.summary"
	EventStateQuarantine EventType = "state.quarantine"
)

// Event is one pipeline notification.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Severity  types.Severity
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. Distribution is
// non-blocking; a subscriber that cannot keep up loses events rather
// than stalling the pipeline.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is shorthand for Publish with an inline event.
func (b *Broker) Emit(t EventType, severity types.Severity, message string, metadata map[string]string) {
	b.Publish(&Event{
		Type:     t,
		Severity: severity,
		Message:  message,
		Metadata: metadata,
	})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
