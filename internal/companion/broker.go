package companion

import (
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/babel_bridge/internal/types"
)

const subscriberBufSize = 64

// Change is a context_change accepted by the listener.
type Change struct {
	SessionID string              `json:"session_id"`
	Message   types.ContextChange `json:"message"`
	// App is the resolved current app, empty when no tool has focus.
	App string `json:"app"`
}

// Broker fans out accepted changes to subscribers. Slow subscribers drop.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Change
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int64]chan Change)}
}

// Subscribe returns an id for Unsubscribe and a buffered channel of changes.
func (b *Broker) Subscribe() (int64, <-chan Change) {
	id := b.nextID.Add(1)
	ch := make(chan Change, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish delivers c to every subscriber without blocking.
func (b *Broker) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}

// ClientCount returns the number of live subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
