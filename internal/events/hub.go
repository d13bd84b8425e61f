package events

import (
	"errors"
	"sync"
	"time"

	"github.com/AnythingTechPro/Syndicate/internal/protocol"
)

// Kind enumerates the presence changes carried by the hub.
type Kind string

const (
	KindSpawn   Kind = "spawn"
	KindDespawn Kind = "despawn"
	KindMove    Kind = "move"
)

// Event is one committed change to the avatar registry.
type Event struct {
	Sequence uint64            `json:"seq" msgpack:"seq"`
	Kind     Kind              `json:"kind" msgpack:"kind"`
	AvatarID protocol.AvatarID `json:"avatar_id" msgpack:"avatar_id"`
	X        int16             `json:"x" msgpack:"x"`
	Y        int16             `json:"y" msgpack:"y"`
	At       time.Time         `json:"at" msgpack:"at"`
}

// Default subscriber buffer when the caller does not pick one.
const defaultBuffer = 256

// ErrHubClosed is returned when subscribing to a hub that has shut down.
var ErrHubClosed = errors.New("event hub closed")

// Hub fans registry events out to observers. Delivery never blocks the publisher:
// a subscriber whose buffer is full is dropped and its channel closed, so
// observers can tell they lost events and resubscribe.
type Hub struct {
	mu          sync.Mutex
	nextSeq     uint64
	nextID      uint64
	closed      bool
	subscribers map[uint64]*Subscription
	dropped     uint64
	now         func() time.Time
}

// Subscription is a single observer attachment.
type Subscription struct {
	id   uint64
	hub  *Hub
	ch   chan Event
	once sync.Once
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[uint64]*Subscription), now: time.Now}
}

// Publish stamps the event with the next sequence number and delivers it.
func (h *Hub) Publish(kind Kind, id protocol.AvatarID, x, y int16) Event {
	if h == nil {
		return Event{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSeq++
	evt := Event{Sequence: h.nextSeq, Kind: kind, AvatarID: id, X: x, Y: y, At: h.now().UTC()}
	if h.closed {
		return evt
	}
	for subID, sub := range h.subscribers {
		select {
		case sub.ch <- evt:
		default:
			//1.- Slow observers lose their subscription instead of stalling the session.
			delete(h.subscribers, subID)
			close(sub.ch)
			h.dropped++
		}
	}
	return evt
}

// Subscribe attaches a new observer. buffer <= 0 selects the default depth.
func (h *Hub) Subscribe(buffer int) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("nil hub")
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.nextID++
	sub := &Subscription{id: h.nextID, hub: h, ch: make(chan Event, buffer)}
	h.subscribers[sub.id] = sub
	return sub, nil
}

// Sequence returns the sequence number of the most recently published event.
func (h *Hub) Sequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

// Subscribers reports the number of attached observers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Dropped reports how many subscriptions were cut for falling behind.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close detaches every observer. Publishing after Close still assigns sequence numbers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for subID, sub := range h.subscribers {
		delete(h.subscribers, subID)
		close(sub.ch)
	}
}

// Events exposes the ordered delivery channel. It is closed when the subscription
// ends for any reason.
func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[s.id]; ok {
			delete(h.subscribers, s.id)
			close(s.ch)
		}
	})
}
