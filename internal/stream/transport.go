package stream

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Frame is one raw message off the wire. Event is empty when the type
// travels inside Data, as on the WebSocket feed.
type Frame struct {
	Event string
	Data  []byte
}

// Conn is one live feed connection. Next blocks until a frame arrives or the
// connection fails.
type Conn interface {
	Next() (Frame, error)
	Close() error
}

// Transport opens a feed for a room, replaying events at or after
// fromOffset.
type Transport interface {
	Dial(ctx context.Context, roomID string, fromOffset int64) (Conn, error)
}

const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// NewTransport picks a transport by name for the server at baseURL
// (http:// or https://).
func NewTransport(kind, baseURL string) (Transport, error) {
	switch kind {
	case "", TransportWebSocket:
		return NewWebSocketTransport(baseURL)
	case TransportSSE:
		return NewSSETransport(baseURL)
	default:
		return nil, errors.Errorf("unknown transport %q", kind)
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1024 * 1024
)

type WebSocketTransport struct {
	base   *url.URL
	Dialer *websocket.Dialer
	Header http.Header
}

func NewWebSocketTransport(baseURL string) (*WebSocketTransport, error) {
	u, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	}
	return &WebSocketTransport{base: u, Dialer: websocket.DefaultDialer}, nil
}

func (t *WebSocketTransport) Dial(ctx context.Context, roomID string, fromOffset int64) (Conn, error) {
	u := *t.base
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("room", roomID)
	q.Set("fromOffset", strconv.FormatInt(fromOffset, 10))
	u.RawQuery = q.Encode()

	conn, resp, err := t.Dialer.DialContext(ctx, u.String(), t.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", u.Redacted(), resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", u.Redacted())
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next() (Frame, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return Frame{Data: data}, nil
	}
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}

func parseBase(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("server url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid server url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("server url %q must include scheme and host", raw)
	}
	return u, nil
}
