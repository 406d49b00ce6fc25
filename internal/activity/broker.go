// Package activity provides an in-process fan-out signal layered over the
// Store's durable, cursor-addressable activity log, so the control plane's
// SSE stream wakes promptly on new events without polling and without ever
// blocking a producer on a slow subscriber
// (spec.md §5 "the SSE stream reads using an ever-advancing cursor so slow
// consumers never block producers").
package activity

import "sync"

// Subscriber receives a wake-up whenever the log's tail advances. It never
// carries the event itself — the subscriber re-reads from the Store using
// its own cursor, so a dropped wake-up only costs a poll, never data.
type Subscriber chan struct{}

// Broker tracks subscribers and wakes them on Publish.
type Broker struct {
	mu          sync.Mutex
	subscribers map[Subscriber]bool
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers a new Subscriber with a one-slot buffer: enough to
// coalesce any number of Publish calls between reads into a single wake-up.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 1)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes sub, called when an SSE client disconnects.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish wakes every subscriber. Called once per Store.Append.
func (b *Broker) Publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		select {
		case sub <- struct{}{}:
		default:
			// already has a pending wake-up; the next Store.Read will
			// observe this event too
		}
	}
}

// SubscriberCount reports the number of active SSE subscribers, surfaced on
// /status for observability.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
