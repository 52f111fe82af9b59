package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func recv(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := newTestBroker(t)

	first := b.Subscribe()
	second := b.Subscribe()
	defer b.Unsubscribe(first)
	defer b.Unsubscribe(second)

	b.Publish(&Event{
		Type:    EventLeaderElected,
		Message: "instance host-1a2b3c4d acquired the watcher lease",
	})

	got := recv(t, first)
	assert.Equal(t, EventLeaderElected, got.Type)
	assert.Equal(t, got.ID, recv(t, second).ID)
}

func TestPublishStampsIDAndTimestamp(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventAgentsReloaded})

	got := recv(t, sub)
	assert.Regexp(t, `^evt-[0-9a-f]{12}$`, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPublishKeepsCallerID(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{ID: "evt-fixed", Type: EventRuntimeStarted})
	assert.Equal(t, "evt-fixed", recv(t, sub).ID)
}

func TestSlowSubscriberIsSkipped(t *testing.T) {
	b := newTestBroker(t)

	slow := b.Subscribe()
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	const total = 60
	go func() {
		for i := 0; i < total; i++ {
			b.Publish(&Event{Type: EventItemDeadLettered})
		}
	}()

	for i := 0; i < total; i++ {
		recv(t, fast)
	}

	// The slow subscriber kept only what its buffer holds.
	assert.Eventually(t, func() bool { return len(slow) == cap(slow) },
		2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBroker(t)

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventRuntimeStopping})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after stop")
	}
}
