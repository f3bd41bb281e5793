package swarm

import (
	"sync"

	"github.com/chiral-network/chiral-network/internal/reachability"
)

// EventType enumerates swarm event kinds.
type EventType string

const (
	EventPeerDiscovered    EventType = "peer-discovered"
	EventPeerConnected     EventType = "peer-connected"
	EventPeerDisconnected  EventType = "peer-disconnected"
	EventPeerRTT           EventType = "peer-rtt"
	EventNatStatus         EventType = "nat-status"
	EventListenAddrChanged EventType = "listen-addr-changed"
	EventError             EventType = "error"
)

// Event is one broadcast item. Only the fields relevant to the type are
// set.
type Event struct {
	Type  EventType              `json:"type"`
	Peer  string                 `json:"peer,omitempty"`
	Addrs []string               `json:"addrs,omitempty"`
	RTTMs int64                  `json:"rttMs,omitempty"`
	Nat   *reachability.Snapshot `json:"nat,omitempty"`
	Error string                 `json:"error,omitempty"`
}

// eventBufferSize bounds each subscriber channel. Slow subscribers lose the
// oldest events rather than stalling the swarm task.
const eventBufferSize = 128

// broadcaster fans events out to subscribers over bounded channels.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a bounded event channel and its cancel function. The
// channel closes on cancel.
func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, eventBufferSize)
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

// Publish delivers ev to every subscriber, dropping the oldest buffered
// event of any subscriber that is full.
func (b *broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close closes every subscriber channel.
func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
