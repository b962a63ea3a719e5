package ws

import (
	"context"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/parley/internal/db"
)

var ErrHubClosed = errors.New("hub closed")

// Feed streams one room to one consumer: stored events from the requested
// offset first, then live ones, each offset at most once and in ascending
// order.
type Feed struct {
	hub      *Hub
	sub      *Subscriber
	roomID   string
	from     int64
	lastSent int64
}

// Open registers with the hub before anything is read from the store, so no
// event falls between replay and live delivery.
func (h *Hub) Open(roomID string, fromOffset int64) (*Feed, error) {
	if fromOffset < 0 {
		fromOffset = 0
	}
	sub, ok := h.subscribe(roomID)
	if !ok {
		return nil, ErrHubClosed
	}
	return &Feed{
		hub:      h,
		sub:      sub,
		roomID:   roomID,
		from:     fromOffset,
		lastSent: max(fromOffset-1, 0),
	}, nil
}

// Events yields live events. It is closed when the hub drops the feed.
func (f *Feed) Events() <-chan db.Event {
	return f.sub.send
}

// Replay writes every stored event at or after the requested offset.
func (f *Feed) Replay(ctx context.Context, write func(db.Event) error) error {
	events, err := f.hub.store.EventsSince(ctx, f.roomID, f.from)
	if err != nil {
		return errors.Wrap(err, "load events")
	}
	for _, ev := range events {
		if err := f.send(ev, write); err != nil {
			return err
		}
	}
	return nil
}

// Deliver writes a live event, skipping offsets already sent and filling a
// gap from the store first.
func (f *Feed) Deliver(ctx context.Context, ev db.Event, write func(db.Event) error) error {
	if ev.Offset <= f.lastSent {
		return nil
	}
	if ev.Offset > f.lastSent+1 {
		missing, err := f.hub.store.EventsSince(ctx, f.roomID, f.lastSent+1)
		if err != nil {
			return errors.Wrap(err, "fill gap")
		}
		for _, m := range missing {
			if m.Offset >= ev.Offset {
				break
			}
			if err := f.send(m, write); err != nil {
				return err
			}
		}
	}
	return f.send(ev, write)
}

func (f *Feed) send(ev db.Event, write func(db.Event) error) error {
	if ev.Offset <= f.lastSent {
		return nil
	}
	if err := write(ev); err != nil {
		return err
	}
	f.lastSent = ev.Offset
	return nil
}

// LastSent is the highest offset written so far.
func (f *Feed) LastSent() int64 {
	return f.lastSent
}

func (f *Feed) Close() {
	f.hub.unsubscribe(f.sub)
}
