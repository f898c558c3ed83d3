// Package publisher fans session status snapshots out to subscribers. It
// replaces client-side polling heuristics with a push channel per session;
// snapshots are always produced server-side by the atomic recomputation, so
// subscribers never see a half-written state.
package publisher

import (
	"sync"

	"github.com/KevinDyerAU/NytroAI-sub008/repository"
)

const subscriberBuffer = 16

// Broker is an in-process publish/subscribe hub keyed by session id.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan repository.SessionStatusSnapshot]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[chan repository.SessionStatusSnapshot]struct{}),
	}
}

// Subscribe registers a listener for one session. The returned cancel
// function unregisters it and closes the channel; calling cancel twice is
// safe.
func (b *Broker) Subscribe(sessionID string) (<-chan repository.SessionStatusSnapshot, func()) {
	ch := make(chan repository.SessionStatusSnapshot, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[chan repository.SessionStatusSnapshot]struct{})
		b.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[sessionID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, sessionID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers a snapshot to every subscriber of its session. Sends are
// non-blocking: a subscriber that cannot keep up loses intermediate snapshots
// and recovers the latest state on its next resync, which the SSE handler
// performs on every reconnect.
func (b *Broker) Publish(snap repository.SessionStatusSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[snap.SessionID] {
		select {
		case ch <- snap:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers for a session.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
