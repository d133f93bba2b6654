package notify

import (
	"sync"

	"cascade/api/internal/util"
)

// subscriptionBuffer bounds the per-subscriber queue. Delivery is best effort:
// a subscriber that falls this far behind loses events and must refresh from
// the store, which clients are expected to do anyway.
const subscriptionBuffer = 32

// Subscription is one client's live registration with the broadcaster.
// Events are delivered FIFO per subscription; no ordering is promised across
// subscriptions.
type Subscription struct {
	id     string
	events chan ChangeEvent
	errs   chan string
}

func (s *Subscription) ID() string { return s.id }

// Events yields captured change events until the subscription is closed.
func (s *Subscription) Events() <-chan ChangeEvent { return s.events }

// Errors yields listener-failure messages. The stream handler forwards these
// as error frames without tearing the connection down.
func (s *Subscription) Errors() <-chan string { return s.errs }

// Broadcaster fans each captured event out to all current subscriptions. It
// implements Notifier so the listener can treat it as one sink among several.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]*Subscription)}
}

func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id:     util.NewID("sub"),
		events: make(chan ChangeEvent, subscriptionBuffer),
		errs:   make(chan string, 4),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channels. Idempotent:
// unsubscribing twice, or a subscription from another broadcaster, is a no-op.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.events)
	close(sub.errs)
}

// Notify delivers the event to every subscription without blocking: a full
// subscriber buffer drops the event for that subscriber only.
func (b *Broadcaster) Notify(event ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.events <- event:
		default:
		}
	}
}

// NotifyError fans a listener-failure message out to every subscription.
func (b *Broadcaster) NotifyError(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.errs <- message:
		default:
		}
	}
}

// SubscriberCount reports the current registry size.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
