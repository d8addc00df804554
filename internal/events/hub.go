package events

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

type subscriber struct {
	id     uint64
	roomID string
	ch     chan Event
}

// Hub delivers events to in-process subscribers. Slow subscribers drop
// events rather than block the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      atomic.Uint64
	dropped     atomic.Uint64
	bufferSize  int
}

func NewHub() *Hub {
	return &Hub{
		subscribers: map[uint64]*subscriber{},
		bufferSize:  DefaultBufferSize,
	}
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	h.deliver(event)
	return nil
}

func (h *Hub) deliver(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		if sub.roomID != "" && sub.roomID != event.RoomID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			log.WithFields(log.Fields{
				"room_id":    event.RoomID,
				"event_type": event.Type,
			}).Warn("Event dropped for slow subscriber")
		}
	}
}

// Subscribe registers for events of roomID, or of every room when roomID
// is empty.
func (h *Hub) Subscribe(roomID string) (<-chan Event, func()) {
	sub := &subscriber{
		id:     h.nextID.Add(1),
		roomID: roomID,
		ch:     make(chan Event, h.bufferSize),
	}
	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, sub.id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
