// Package room holds the client-side view of one interview room and the
// reducer that rebuilds it from the room's event feed.
package room

// Lifecycle of the current turn
type Lifecycle string

const (
	LifecycleIdle      Lifecycle = "idle"
	LifecycleStreaming Lifecycle = "streaming"
	LifecycleCancelled Lifecycle = "cancelled"
	LifecycleDone      Lifecycle = "done"
)

func ParseLifecycle(s string) Lifecycle {
	switch Lifecycle(s) {
	case LifecycleStreaming, LifecycleCancelled, LifecycleDone:
		return Lifecycle(s)
	default:
		return LifecycleIdle
	}
}

// Advisory connection status, driven by the stream client callbacks
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionReconnecting ConnectionStatus = "reconnecting"
)

// Appended to partial content when a turn is cancelled
const CancelledMarker = " [cancelled]"

// Shown when an error event carries no message
const DefaultErrorMessage = "Unknown error"

type Response struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

// One finished round, never modified after it is appended
type TurnRecord struct {
	Round     int        `json:"round"`
	UserInput string     `json:"user_input"`
	Responses []Response `json:"responses"`
}

// State is everything a room view renders. It is mutated by Apply and owned
// by a single session.
type State struct {
	RoomID           string            `json:"room_id,omitempty"`
	Lifecycle        Lifecycle         `json:"lifecycle"`
	CurrentRound     int               `json:"current_round"`
	CurrentUserInput string            `json:"current_user_input"`
	Buffers          map[string]string `json:"buffers"`
	KnownAgents      []string          `json:"known_agents"`
	Turns            []TurnRecord      `json:"turns"`

	LastAppliedOffset int64            `json:"last_applied_offset"`
	Connection        ConnectionStatus `json:"connection"`
	LastError         string           `json:"last_error,omitempty"`
}

func New() *State {
	s := &State{}
	s.Reset()
	return s
}

// Reset empties the state for a new room.
func (s *State) Reset() {
	*s = State{
		Lifecycle:  LifecycleIdle,
		Buffers:    map[string]string{},
		Connection: ConnectionDisconnected,
	}
}

// Clone returns a deep copy safe to hand to presentation code.
func (s *State) Clone() *State {
	c := *s
	c.Buffers = make(map[string]string, len(s.Buffers))
	for k, v := range s.Buffers {
		c.Buffers[k] = v
	}
	if s.KnownAgents != nil {
		c.KnownAgents = append([]string{}, s.KnownAgents...)
	}
	if s.Turns != nil {
		c.Turns = make([]TurnRecord, len(s.Turns))
		for i, t := range s.Turns {
			if t.Responses != nil {
				t.Responses = append([]Response{}, t.Responses...)
			}
			c.Turns[i] = t
		}
	}
	return &c
}

// StreamingResponses lists non-empty buffers in first-seen agent order.
func (s *State) StreamingResponses() []Response {
	var out []Response
	for _, id := range s.KnownAgents {
		if content := s.Buffers[id]; content != "" {
			out = append(out, Response{AgentID: id, Content: content})
		}
	}
	return out
}

func (s *State) trackAgent(id string) {
	for _, known := range s.KnownAgents {
		if known == id {
			return
		}
	}
	s.KnownAgents = append(s.KnownAgents, id)
}

func (s *State) clearBuffers() {
	s.Buffers = map[string]string{}
}

func (s *State) nextRound() int {
	if s.CurrentRound != 0 {
		return s.CurrentRound
	}
	return len(s.Turns) + 1
}
