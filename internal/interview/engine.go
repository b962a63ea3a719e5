// Package interview runs turns: it takes a user answer, lets each agent of
// the room's scenery reply token by token and records every step as a room
// event.
package interview

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/parley/internal/db"
	"github.com/manpreetbhatti/parley/internal/protocol"
	"github.com/manpreetbhatti/parley/internal/scenery"
)

var (
	ErrTurnInProgress = errors.New("turn in progress")
	ErrNoActiveTurn   = errors.New("no active turn")
	ErrEmptyInput     = errors.New("user input is empty")
)

// Cancellation reasons carried by turn_cancelled.
const (
	ReasonUserCancelled  = "user_cancelled"
	ReasonServerShutdown = "server_shutdown"
)

// Store is the slice of the database the engine writes through.
type Store interface {
	GetRoom(ctx context.Context, id string) (*db.Room, error)
	SetRoomState(ctx context.Context, id, state string) error
	AppendEvent(ctx context.Context, roomID string, eventType protocol.EventType, payload any) (db.Event, error)
	EventCountByType(ctx context.Context, roomID string, eventType protocol.EventType) (int, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev db.Event) error
}

// TurnInfo identifies a started turn.
type TurnInfo struct {
	TurnID string `json:"turn_id"`
	Round  int    `json:"round"`
}

type Config struct {
	TokenDelay time.Duration
}

const (
	turnRunning int32 = iota
	turnCompleting
	turnCancelling
)

type turn struct {
	id     string
	round  int
	input  string
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// roomControl serializes turn control for one room. emitMu keeps offset
// order and publish order identical.
type roomControl struct {
	ctl    sync.Mutex
	turn   *turn
	rounds int
	loaded bool

	emitMu sync.Mutex
}

type Engine struct {
	store     Store
	publisher Publisher
	catalog   *scenery.Catalog
	responder Responder
	config    Config
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*roomControl
}

type Option func(*Engine)

func WithResponder(r Responder) Option {
	return func(e *Engine) {
		e.responder = r
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(store Store, publisher Publisher, catalog *scenery.Catalog, config Config, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		publisher: publisher,
		catalog:   catalog,
		responder: ScriptedResponder{},
		config:    config,
		logger:    log.Logger,
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[string]*roomControl),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "interview").Logger()
	return e
}

func (e *Engine) room(roomID string) *roomControl {
	e.mu.Lock()
	defer e.mu.Unlock()
	rc, ok := e.rooms[roomID]
	if !ok {
		rc = &roomControl{}
		e.rooms[roomID] = rc
	}
	return rc
}

// Forget drops in-memory control state for a deleted room, cancelling a
// running turn without emitting anything.
func (e *Engine) Forget(roomID string) {
	e.mu.Lock()
	rc, ok := e.rooms[roomID]
	delete(e.rooms, roomID)
	e.mu.Unlock()
	if !ok {
		return
	}

	rc.ctl.Lock()
	t := rc.turn
	rc.turn = nil
	rc.ctl.Unlock()
	if t != nil && t.state.CompareAndSwap(turnRunning, turnCancelling) {
		t.cancel()
		<-t.done
	}
}

// Emit appends an event to the room log and publishes it.
func (e *Engine) Emit(ctx context.Context, roomID string, eventType protocol.EventType, payload any) (db.Event, error) {
	rc := e.room(roomID)
	rc.emitMu.Lock()
	defer rc.emitMu.Unlock()

	ev, err := e.store.AppendEvent(ctx, roomID, eventType, payload)
	if err != nil {
		return db.Event{}, err
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		// stored; subscribers pick it up on replay
		e.logger.Error().Err(err).Str("room_id", roomID).Int64("offset", ev.Offset).Msg("publish failed")
	}
	return ev, nil
}

// Start begins a new turn for userInput. It returns once turn_started is
// recorded; agent replies stream in the background.
func (e *Engine) Start(ctx context.Context, roomID, userInput string) (TurnInfo, error) {
	userInput = strings.TrimSpace(userInput)
	if userInput == "" {
		return TurnInfo{}, ErrEmptyInput
	}

	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return TurnInfo{}, err
	}
	scn, err := e.catalog.Get(room.SceneryID)
	if err != nil {
		return TurnInfo{}, err
	}

	rc := e.room(roomID)
	rc.ctl.Lock()
	defer rc.ctl.Unlock()

	if rc.turn != nil {
		return TurnInfo{}, ErrTurnInProgress
	}
	if !rc.loaded {
		started, err := e.store.EventCountByType(ctx, roomID, protocol.EventTurnStarted)
		if err != nil {
			return TurnInfo{}, errors.Wrap(err, "count rounds")
		}
		rc.rounds = started
		rc.loaded = true
	}

	turnCtx, cancel := context.WithCancel(e.ctx)
	t := &turn{
		id:     uuid.NewString(),
		round:  rc.rounds + 1,
		input:  userInput,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if _, err := e.Emit(ctx, roomID, protocol.EventTurnStarted, protocol.TurnStarted{
		TurnID:    t.id,
		Round:     t.round,
		UserInput: userInput,
	}); err != nil {
		cancel()
		return TurnInfo{}, errors.Wrap(err, "record turn start")
	}
	rc.rounds = t.round
	rc.turn = t
	e.setState(roomID, protocol.EventTurnStarted)

	e.logger.Info().Str("room_id", roomID).Str("turn_id", t.id).Int("round", t.round).Msg("turn started")

	e.wg.Add(1)
	go e.run(turnCtx, rc, roomID, scn, t)

	return TurnInfo{TurnID: t.id, Round: t.round}, nil
}

// Cancel stops the running turn and records turn_cancelled. Tokens already
// streamed stay in the log.
func (e *Engine) Cancel(ctx context.Context, roomID string) error {
	if _, err := e.store.GetRoom(ctx, roomID); err != nil {
		return err
	}

	rc := e.room(roomID)
	rc.ctl.Lock()
	defer rc.ctl.Unlock()

	t := rc.turn
	if t == nil || !t.state.CompareAndSwap(turnRunning, turnCancelling) {
		return ErrNoActiveTurn
	}
	t.cancel()
	<-t.done

	rc.turn = nil
	return e.finishCancelled(ctx, roomID, t, ReasonUserCancelled)
}

func (e *Engine) finishCancelled(ctx context.Context, roomID string, t *turn, reason string) error {
	if _, err := e.Emit(ctx, roomID, protocol.EventTurnCancelled, protocol.TurnCancelled{
		TurnID: t.id,
		Reason: reason,
	}); err != nil {
		return errors.Wrap(err, "record cancellation")
	}
	e.setState(roomID, protocol.EventTurnCancelled)
	e.logger.Info().Str("room_id", roomID).Str("turn_id", t.id).Str("reason", reason).Msg("turn cancelled")
	return nil
}

// Active reports whether roomID has a turn in flight.
func (e *Engine) Active(roomID string) bool {
	rc := e.room(roomID)
	rc.ctl.Lock()
	defer rc.ctl.Unlock()
	return rc.turn != nil
}

// Close cancels running turns, recording them as cancelled, and waits for
// their generators to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, rc *roomControl, roomID string, scn scenery.Scenery, t *turn) {
	defer e.wg.Done()

	responses, finished := e.generate(ctx, roomID, scn, t)
	close(t.done)

	if !finished {
		// Cancel owns the turn now, unless the engine is shutting down.
		if !t.state.CompareAndSwap(turnRunning, turnCancelling) {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.finishCancelled(shutdownCtx, roomID, t, ReasonServerShutdown); err != nil {
			e.logger.Error().Err(err).Str("room_id", roomID).Msg("recording shutdown cancellation failed")
		}
		e.release(rc, t)
		return
	}

	if !t.state.CompareAndSwap(turnRunning, turnCompleting) {
		return
	}
	if _, err := e.Emit(context.Background(), roomID, protocol.EventTurnCompleted, protocol.TurnCompleted{
		TurnID:    t.id,
		Responses: responses,
	}); err != nil {
		e.logger.Error().Err(err).Str("room_id", roomID).Str("turn_id", t.id).Msg("recording completion failed")
	}
	e.setState(roomID, protocol.EventTurnCompleted)
	e.release(rc, t)
	e.logger.Info().Str("room_id", roomID).Str("turn_id", t.id).Int("responses", len(responses)).Msg("turn completed")
}

func (e *Engine) release(rc *roomControl, t *turn) {
	rc.ctl.Lock()
	if rc.turn == t {
		rc.turn = nil
	}
	rc.ctl.Unlock()
	t.cancel()
}

// generate streams every agent's reply. It reports false when ctx ended
// first.
func (e *Engine) generate(ctx context.Context, roomID string, scn scenery.Scenery, t *turn) ([]protocol.AgentResponse, bool) {
	responses := make([]protocol.AgentResponse, 0, len(scn.Agents))
	for _, agent := range scn.Agents {
		text, err := e.responder.Respond(ctx, scn, agent, t.round, t.input)
		if ctx.Err() != nil {
			return responses, false
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("room_id", roomID).Str("agent_id", agent.ID).Msg("agent failed")
			if _, emitErr := e.Emit(ctx, roomID, protocol.EventError, protocol.Error{
				Code:    "agent_failed",
				Message: scn.DisplayName(agent.ID) + " could not answer.",
			}); emitErr != nil {
				e.logger.Error().Err(emitErr).Str("room_id", roomID).Msg("recording agent failure failed")
			}
			continue
		}

		for _, token := range Tokenize(text) {
			if !sleepCtx(ctx, e.config.TokenDelay) {
				return responses, false
			}
			if _, err := e.Emit(ctx, roomID, protocol.EventTokenReceived, protocol.TokenReceived{
				AgentID: agent.ID,
				Token:   token,
			}); err != nil {
				if ctx.Err() != nil {
					return responses, false
				}
				e.logger.Error().Err(err).Str("room_id", roomID).Msg("recording token failed")
			}
		}
		responses = append(responses, protocol.AgentResponse{AgentID: agent.ID, Content: text})
	}
	return responses, true
}

func (e *Engine) setState(roomID string, after protocol.EventType) {
	state := "idle"
	switch after {
	case protocol.EventTurnStarted:
		state = "streaming"
	case protocol.EventTurnCompleted:
		state = "done"
	case protocol.EventTurnCancelled:
		state = "cancelled"
	}
	if err := e.store.SetRoomState(context.Background(), roomID, state); err != nil {
		e.logger.Warn().Err(err).Str("room_id", roomID).Str("state", state).Msg("updating room state failed")
	}
}

// Tokenize splits text into word tokens whose concatenation is text.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	return strings.SplitAfter(text, " ")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
