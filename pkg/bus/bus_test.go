package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sentinel/pkg/types"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Emit(EventIncidentOpened, types.SeverityHigh, "shop offline", map[string]string{
		"project": "shop",
	})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventIncidentOpened, ev.Type)
			assert.Equal(t, types.SeverityHigh, ev.Severity)
			assert.Equal(t, "shop", ev.Metadata["project"])
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// Never drained; its buffer fills and later events are dropped for
	// it while the publisher keeps going.
	stuck := b.Subscribe()
	_ = stuck

	live := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Emit(EventBatchStatus, types.SeverityLow, "tick", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The healthy subscriber still saw events.
	select {
	case ev := <-live:
		require.NotNil(t, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved")
	}
}
