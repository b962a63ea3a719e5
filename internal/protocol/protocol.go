// Package protocol defines the room event envelope shared by the feed server
// and the stream client.
//
// Event-specific fields live at the top level of the payload, next to the
// offset. A nested "payload" object is not interpreted.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// The kind of a room event
type EventType string

const (
	EventRoomCreated   EventType = "room_created"
	EventTurnStarted   EventType = "turn_started"
	EventTokenReceived EventType = "token_received"
	EventTurnCompleted EventType = "turn_completed"
	EventTurnCancelled EventType = "turn_cancelled"
	EventError         EventType = "error"
)

// All event types in the order the feed documents them
var EventTypes = []EventType{
	EventRoomCreated,
	EventTurnStarted,
	EventTokenReceived,
	EventTurnCompleted,
	EventTurnCancelled,
	EventError,
}

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed event")

func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Envelope is the frame written on the WebSocket feed.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is a decoded envelope with its offset lifted out of the payload.
type Event struct {
	Type   EventType
	Offset int64
	Data   json.RawMessage
}

// Payload unmarshals the event data into v.
func (e Event) Payload(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Type)
	}
	return nil
}

type AgentResponse struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

type RoomCreated struct {
	ID        string `json:"id"`
	SceneryID string `json:"scenery_id"`
	State     string `json:"state"`
	Offset    int64  `json:"offset"`
	CreatedAt string `json:"created_at,omitempty"`
}

type TurnStarted struct {
	TurnID    string `json:"turn_id"`
	Round     int    `json:"round"`
	UserInput string `json:"user_input"`
	Offset    int64  `json:"offset"`
}

type TokenReceived struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
	Offset  int64  `json:"offset"`
}

type TurnCompleted struct {
	TurnID    string          `json:"turn_id"`
	Responses []AgentResponse `json:"responses,omitempty"`
	Offset    int64           `json:"offset"`
}

type TurnCancelled struct {
	TurnID string `json:"turn_id"`
	Reason string `json:"reason"`
	Offset int64  `json:"offset"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Offset  int64  `json:"offset"`
}

// Decode parses a WebSocket frame.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, errors.Wrap(ErrMalformed, err.Error())
	}
	return DecodeData(env.Type, env.Data)
}

// DecodeData parses a payload whose type was carried out of band, as with
// the SSE "event:" field.
func DecodeData(t EventType, data []byte) (Event, error) {
	if !t.Valid() {
		return Event{}, errors.Wrapf(ErrMalformed, "unknown event type %q", t)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Event{}, errors.Wrapf(ErrMalformed, "%s: payload is not an object", t)
	}

	var head struct {
		Offset *int64 `json:"offset"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, errors.Wrapf(ErrMalformed, "%s: %v", t, err)
	}
	if head.Offset == nil {
		return Event{}, errors.Wrapf(ErrMalformed, "%s: missing offset", t)
	}
	if *head.Offset < 0 {
		return Event{}, errors.Wrapf(ErrMalformed, "%s: negative offset %d", t, *head.Offset)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Event{Type: t, Offset: *head.Offset, Data: raw}, nil
}

// Encode renders an event as a WebSocket frame.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(Envelope{Type: e.Type, Data: e.Data})
}

// WithOffset stamps offset into an object payload, replacing any existing
// value.
func WithOffset(data json.RawMessage, offset int64) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, errors.Wrap(err, "payload is not an object")
		}
	}
	enc, err := json.Marshal(offset)
	if err != nil {
		return nil, err
	}
	fields["offset"] = enc
	return json.Marshal(fields)
}
