package ws

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/parley/internal/db"
	"github.com/manpreetbhatti/parley/internal/protocol"
	"github.com/manpreetbhatti/parley/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
	messagesPerSecond = 5
	messageBurst      = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ParseFromOffset reads the fromOffset query parameter. Missing means 0.
func ParseFromOffset(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("fromOffset")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Errorf("fromOffset must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

// Client is one WebSocket connection following a room feed.
type Client struct {
	conn        *websocket.Conn
	feed        *Feed
	rateLimiter *ratelimit.Limiter
	logger      zerolog.Logger
}

// ServeWs upgrades /ws?room=<id>&fromOffset=<n> into a room feed.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	from, err := ParseFromOffset(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := hub.store.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, db.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	feed, err := hub.Open(roomID, from)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := &Client{
		conn:        conn,
		feed:        feed,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		logger: hub.logger.With().
			Str("room_id", roomID).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	client.logger.Debug().Int64("from_offset", from).Msg("feed opened")

	ctx, cancel := context.WithCancel(context.Background())
	go client.writePump(ctx, cancel)
	go client.readPump(cancel)
}

// readPump only services control frames; the feed is one-way. Clients
// that keep sending are disconnected.
func (c *Client) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}
		if !c.rateLimiter.Allow() {
			violations++
			if violations > 100 {
				c.logger.Warn().Msg("disconnecting chatty client")
				return
			}
		}
	}
}

func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.feed.Close()
		c.conn.Close()
	}()

	if err := c.feed.Replay(ctx, c.write); err != nil {
		c.logger.Debug().Err(err).Msg("replay aborted")
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case ev, ok := <-c.feed.Events():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.feed.Deliver(ctx, ev, c.write); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ev db.Event) error {
	frame, err := protocol.Encode(ev.Protocol())
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
