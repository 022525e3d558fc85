package logging

import "sync"

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls this far behind starts losing entries rather than blocking the
// producer.
const subscriberBuffer = 64

// broker fans emitted entries out to live subscribers. Delivery is
// non-blocking: a full subscriber queue drops the entry for that
// subscriber only.
type broker struct {
	mu      sync.Mutex
	subs    map[int]chan Entry
	next    int
	dropped int64
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan Entry)}
}

// Subscribe registers a new subscriber. The returned cancel func removes
// the subscription and closes the channel; it is safe to call twice.
func (b *broker) Subscribe() (<-chan Entry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Entry, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the entry to every subscriber without waiting on any.
func (b *broker) Publish(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop for them, never stall the producer.
			b.dropped++
		}
	}
}

// Dropped reports how many entries were lost to slow subscribers.
func (b *broker) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Count reports the current subscriber count.
func (b *broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
