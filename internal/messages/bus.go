package messages

import (
	"sync"
	"sync/atomic"
)

// Broadcaster fans notifications out to subscribers. Delivery is best effort:
// Publish never blocks and drops the message for a subscriber whose buffer is
// full. Consumers that need the exact state read the persisted run mirror.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]chan Message
	nextID  int
	dropped atomic.Int64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Message)}
}

// Subscribe returns a channel receiving future messages and a function that
// unsubscribes and closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers msg to every subscriber with room for it.
func (b *Broadcaster) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}
