package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/parley/internal/db"
)

// Store is what the hub reads stored events from.
type Store interface {
	GetRoom(ctx context.Context, id string) (*db.Room, error)
	EventsSince(ctx context.Context, roomID string, fromOffset int64) ([]db.Event, error)
}

// The set of active subscribers, fanning live room events out to them
type Hub struct {
	store Store

	// Registered subscribers by room
	rooms map[string]map[*Subscriber]bool

	// Live events from the event bus
	broadcast chan db.Event

	register   chan *Subscriber
	unregister chan *Subscriber

	done   chan struct{}
	logger zerolog.Logger
	mu     sync.RWMutex
}

// Subscriber is one feed consumer. The hub closes send when it drops the
// subscriber.
type Subscriber struct {
	roomID string
	send   chan db.Event
}

const subscriberBuffer = 512

func NewHub(store Store) *Hub {
	return &Hub{
		store:      store,
		rooms:      make(map[string]map[*Subscriber]bool),
		broadcast:  make(chan db.Event),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		done:       make(chan struct{}),
		logger:     log.With().Str("component", "hub").Logger(),
	}
}

// Run serves registrations and broadcasts until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for roomID, subs := range h.rooms {
			for sub := range subs {
				close(sub.send)
			}
			delete(h.rooms, roomID)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.rooms[sub.roomID]; !ok {
				h.rooms[sub.roomID] = make(map[*Subscriber]bool)
			}
			h.rooms[sub.roomID][sub] = true
			count := len(h.rooms[sub.roomID])
			h.mu.Unlock()

			h.logger.Debug().Str("room_id", sub.roomID).Int("subscribers", count).Msg("subscriber joined")

		case sub := <-h.unregister:
			h.mu.Lock()
			if subs, ok := h.rooms[sub.roomID]; ok {
				if _, ok := subs[sub]; ok {
					delete(subs, sub)
					close(sub.send)
					if len(subs) == 0 {
						delete(h.rooms, sub.roomID)
					}
				}
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			if subs, ok := h.rooms[ev.RoomID]; ok {
				for sub := range subs {
					select {
					case sub.send <- ev:
					default:
						// too slow; it resumes by reconnecting
						close(sub.send)
						delete(subs, sub)
						h.logger.Warn().Str("room_id", ev.RoomID).Msg("dropping slow subscriber")
					}
				}
				if len(subs) == 0 {
					delete(h.rooms, ev.RoomID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish hands a stored event to the room's live subscribers.
func (h *Hub) Publish(ev db.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

func (h *Hub) subscribe(roomID string) (*Subscriber, bool) {
	sub := &Subscriber{roomID: roomID, send: make(chan db.Event, subscriberBuffer)}
	select {
	case h.register <- sub:
		return sub, true
	case <-h.done:
		return nil, false
	}
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// SubscriberCount is the number of live subscribers of roomID.
func (h *Hub) SubscriberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Stats reports rooms with at least one subscriber and the total number of
// subscribers.
func (h *Hub) Stats() (rooms, subscribers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.rooms {
		subscribers += len(subs)
	}
	return len(h.rooms), subscribers
}
