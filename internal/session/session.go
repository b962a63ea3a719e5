// Package session binds one room view to its event feed: it owns the room
// state, feeds it from a stream client and remembers where to resume.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/parley/internal/apiclient"
	"github.com/manpreetbhatti/parley/internal/offsets"
	"github.com/manpreetbhatti/parley/internal/protocol"
	"github.com/manpreetbhatti/parley/internal/room"
	"github.com/manpreetbhatti/parley/internal/stream"
)

var ErrNoRoom = errors.New("no room selected")

// Streamer opens a room feed. *stream.Client satisfies it.
type Streamer interface {
	Open(ctx context.Context, roomID string, fromOffset int64, h stream.Handlers) *stream.Handle
}

// API is the request/response side. *apiclient.Client satisfies it.
type API interface {
	CreateRoom(ctx context.Context, sceneryID string) (apiclient.CreateRoomResponse, error)
	SubmitAnswer(ctx context.Context, roomID, userInput string) (apiclient.SubmitAnswerResponse, error)
	CancelTurn(ctx context.Context, roomID string) error
}

type Session struct {
	streamer Streamer
	offsets  offsets.Store
	api      API
	logger   zerolog.Logger
	onChange func(*room.State)

	// serializes Connect and Disconnect
	lifecycleMu sync.Mutex
	handle      *stream.Handle

	mu    sync.Mutex
	state *room.State
	ctx   context.Context
}

type Option func(*Session)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithOnChange registers fn to receive a copy of the state after every
// change. It is called without the session lock held.
func WithOnChange(fn func(*room.State)) Option {
	return func(s *Session) {
		s.onChange = fn
	}
}

func New(streamer Streamer, store offsets.Store, api API, opts ...Option) *Session {
	s := &Session{
		streamer: streamer,
		offsets:  store,
		api:      api,
		logger:   log.Logger,
		state:    room.New(),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "session").Logger()
	return s
}

// Connect opens the feed for roomID, closing any feed already open. A room
// this session already holds state for resumes after its watermark; any
// other room is replayed from the start.
func (s *Session) Connect(ctx context.Context, roomID string) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.disconnectLocked()

	s.mu.Lock()
	if s.state.RoomID != roomID {
		s.state.Reset()
		s.state.RoomID = roomID
	}
	from := int64(0)
	if watermark := s.state.LastAppliedOffset; watermark > 0 {
		stored := s.offsets.Load(ctx, roomID)
		from = min(stored, watermark) + 1
	}
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info().Str("room_id", roomID).Int64("from_offset", from).Msg("connecting")
	s.handle = s.streamer.Open(ctx, roomID, from, stream.Handlers{
		OnEvent:        s.apply,
		OnConnected:    func() { s.setConnection(room.ConnectionConnected) },
		OnDisconnected: func() { s.setConnection(room.ConnectionReconnecting) },
	})
}

// Disconnect closes the feed. It is safe to call when not connected.
func (s *Session) Disconnect() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	s.disconnectLocked()
}

// Close tears the session down.
func (s *Session) Close() {
	s.Disconnect()
}

func (s *Session) disconnectLocked() {
	if s.handle == nil {
		return
	}
	// Close waits for a running callback, which may need s.mu.
	s.handle.Close()
	s.handle = nil
	s.setConnection(room.ConnectionDisconnected)
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() *room.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RoomID
}

func (s *Session) apply(ev protocol.Event) {
	s.mu.Lock()
	applied, err := room.Apply(s.state, ev)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("type", string(ev.Type)).Int64("offset", ev.Offset).
			Msg("dropping undecodable event")
		return
	}
	if !applied {
		s.mu.Unlock()
		return
	}
	roomID, offset := s.state.RoomID, s.state.LastAppliedOffset
	if err := s.offsets.Save(s.ctx, roomID, offset); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Int64("offset", offset).Msg("saving offset failed")
	}
	snap := s.snapshotForNotify()
	s.mu.Unlock()

	s.notify(snap)
}

func (s *Session) setConnection(status room.ConnectionStatus) {
	s.mu.Lock()
	if s.state.Connection == status {
		s.mu.Unlock()
		return
	}
	s.state.Connection = status
	snap := s.snapshotForNotify()
	s.mu.Unlock()

	s.notify(snap)
}

func (s *Session) snapshotForNotify() *room.State {
	if s.onChange == nil {
		return nil
	}
	return s.state.Clone()
}

func (s *Session) notify(snap *room.State) {
	if snap != nil {
		s.onChange(snap)
	}
}

// CreateRoom drops the current room, creates a new one and adopts its id.
// The caller connects afterwards.
func (s *Session) CreateRoom(ctx context.Context, sceneryID string) (string, error) {
	s.Disconnect()

	s.mu.Lock()
	s.state.Reset()
	s.mu.Unlock()

	resp, err := s.api.CreateRoom(ctx, sceneryID)
	if err != nil {
		s.setError(DescribeCreateError(err))
		return "", errors.Wrap(err, "create room")
	}

	s.mu.Lock()
	s.state.RoomID = resp.ID
	s.state.Lifecycle = room.ParseLifecycle(resp.State)
	snap := s.snapshotForNotify()
	s.mu.Unlock()
	s.notify(snap)

	return resp.ID, nil
}

// SubmitAnswer sends userInput for the current room. A failure is also
// recorded as LastError.
func (s *Session) SubmitAnswer(ctx context.Context, userInput string) (apiclient.SubmitAnswerResponse, error) {
	roomID := s.RoomID()
	if roomID == "" {
		return apiclient.SubmitAnswerResponse{}, ErrNoRoom
	}
	s.setError("")

	resp, err := s.api.SubmitAnswer(ctx, roomID, userInput)
	if err != nil {
		s.setError(DescribeSubmitError(err))
		return resp, errors.Wrap(err, "submit answer")
	}
	return resp, nil
}

// CancelTurn asks the server to stop the running turn. Without a room it
// does nothing.
func (s *Session) CancelTurn(ctx context.Context) error {
	roomID := s.RoomID()
	if roomID == "" {
		return nil
	}

	if err := s.api.CancelTurn(ctx, roomID); err != nil {
		s.setError(DescribeCancelError(err))
		return errors.Wrap(err, "cancel turn")
	}
	return nil
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	if s.state.LastError == msg {
		s.mu.Unlock()
		return
	}
	s.state.LastError = msg
	snap := s.snapshotForNotify()
	s.mu.Unlock()

	s.notify(snap)
}
