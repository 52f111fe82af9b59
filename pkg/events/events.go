package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a kind of pipeline notification
type EventType string

const (
	EventLeaderElected    EventType = "leader.elected"
	EventLeaderDemoted    EventType = "leader.demoted"
	EventAgentsReloaded   EventType = "agents.reloaded"
	EventAgentQuarantined EventType = "agent.quarantined"
	EventItemDeadLettered EventType = "workitem.dead_lettered"
	EventRuntimeStarted   EventType = "runtime.started"
	EventRuntimeStopping  EventType = "runtime.stopping"
)

// Event is a single pipeline notification
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates an event broker. Start must be called before
// published events are delivered.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop ends distribution. Subscriber channels stay open until
// unsubscribed.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber and returns its channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for distribution, stamping an id and
// timestamp when absent. It never blocks: after Stop, or with the
// distribution buffer full, the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = "evt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
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
