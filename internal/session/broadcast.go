package session

import (
	"sync"
	"sync/atomic"

	"example.com/canscope/internal/can"
)

// defaultSubscriberBuffer is the queue depth handed to subscribers that do
// not ask for a specific size.
const defaultSubscriberBuffer = 256

// Subscriber is one consumer of the session's message flow. Each subscriber
// owns a bounded channel; a slow consumer loses its own oldest messages and
// never stalls the bus or its peers.
type Subscriber struct {
	name    string
	ch      chan can.Message
	dropped atomic.Uint64
}

// C returns the channel messages are delivered on. It is closed by
// Unsubscribe, after which no further messages arrive.
func (s *Subscriber) C() <-chan can.Message {
	return s.ch
}

// Name reports the label the subscriber registered under.
func (s *Subscriber) Name() string {
	return s.name
}

// Dropped reports how many messages were discarded because this subscriber's
// buffer was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Broadcaster fans messages out to any number of subscribers. Delivery never
// blocks: when a subscriber's buffer is full the oldest queued message for
// that subscriber is evicted to make room, and the eviction is counted
// against that subscriber alone.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new consumer. The name is a diagnostic label and
// need not be unique; size is the buffer depth (a non-positive size gets the
// default).
func (b *Broadcaster) Subscribe(name string, size int) *Subscriber {
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	sub := &Subscriber{name: name, ch: make(chan can.Message, size)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its channel. Safe to call
// once per subscriber; publishing only happens under the same lock, so the
// close cannot race a send.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers m to every subscriber, evicting the oldest queued message
// of any subscriber whose buffer is full.
func (b *Broadcaster) Publish(m can.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- m:
			continue
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- m:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Len reports the current number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// DropCounts returns the per-subscriber drop totals keyed by name. When two
// subscribers share a name their counts are summed.
func (b *Broadcaster) DropCounts() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.subs))
	for sub := range b.subs {
		out[sub.name] += sub.dropped.Load()
	}
	return out
}
