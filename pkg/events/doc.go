// Package events provides the in-process notification bus for
// pipeline lifecycle changes.
//
// The broker fans published events out to every subscriber over
// buffered channels. Publishing never blocks: a full subscriber
// buffer skips that subscriber, so a stalled listener cannot slow
// the pipeline. Delivery is best effort and unordered relative to
// other subscribers; anything that must not be lost belongs on the
// queue, not the bus.
//
// Producers publish leadership changes, agent registry reloads,
// quarantine trips, and dead-lettered work items. Consumers are
// operational surfaces: the stats endpoint, log tails, and tests.
//
// Usage:
//
//	broker := events.NewBroker()
//	broker.Start()
//	defer broker.Stop()
//
//	sub := broker.Subscribe()
//	defer broker.Unsubscribe(sub)
//	go func() {
//		for ev := range sub {
//			fmt.Printf("%s %s\n", ev.Type, ev.Message)
//		}
//	}()
//
//	broker.Publish(&events.Event{
//		Type:    events.EventLeaderElected,
//		Message: "instance host-1a2b3c4d acquired the watcher lease",
//	})
package events
