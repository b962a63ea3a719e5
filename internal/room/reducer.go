package room

import (
	"github.com/manpreetbhatti/parley/internal/protocol"
)

// Apply folds one feed event into s and reports whether it was applied.
//
// Events at or below LastAppliedOffset are duplicates and leave s untouched;
// token events append, so replaying them would corrupt the buffers. An event
// whose payload cannot be decoded returns an error and also leaves s
// untouched.
func Apply(s *State, ev protocol.Event) (bool, error) {
	if ev.Offset <= s.LastAppliedOffset {
		return false, nil
	}

	switch ev.Type {
	case protocol.EventRoomCreated:
		var p protocol.RoomCreated
		if err := ev.Payload(&p); err != nil {
			return false, err
		}
		if s.RoomID == "" {
			s.RoomID = p.ID
		}
		s.Lifecycle = ParseLifecycle(p.State)
		s.LastError = ""

	case protocol.EventTurnStarted:
		var p protocol.TurnStarted
		if err := ev.Payload(&p); err != nil {
			return false, err
		}
		s.Lifecycle = LifecycleStreaming
		s.CurrentRound = p.Round
		s.CurrentUserInput = p.UserInput
		s.clearBuffers()
		s.LastError = ""

	case protocol.EventTokenReceived:
		var p protocol.TokenReceived
		if err := ev.Payload(&p); err != nil {
			return false, err
		}
		s.trackAgent(p.AgentID)
		if s.Buffers == nil {
			s.Buffers = map[string]string{}
		}
		s.Buffers[p.AgentID] += p.Token

	case protocol.EventTurnCompleted:
		var p protocol.TurnCompleted
		if err := ev.Payload(&p); err != nil {
			return false, err
		}
		responses := make([]Response, 0, len(p.Responses))
		for _, r := range p.Responses {
			responses = append(responses, Response{AgentID: r.AgentID, Content: r.Content})
		}
		if len(responses) == 0 {
			responses = s.StreamingResponses()
		}
		for _, r := range responses {
			s.trackAgent(r.AgentID)
		}
		s.Lifecycle = LifecycleDone
		s.Turns = append(s.Turns, TurnRecord{
			Round:     s.nextRound(),
			UserInput: s.CurrentUserInput,
			Responses: responses,
		})
		s.clearBuffers()

	case protocol.EventTurnCancelled:
		var p protocol.TurnCancelled
		if err := ev.Payload(&p); err != nil {
			return false, err
		}
		partial := s.StreamingResponses()
		for i := range partial {
			partial[i].Content += CancelledMarker
		}
		s.Lifecycle = LifecycleCancelled
		if len(partial) > 0 || s.CurrentUserInput != "" {
			s.Turns = append(s.Turns, TurnRecord{
				Round:     s.nextRound(),
				UserInput: s.CurrentUserInput,
				Responses: partial,
			})
		}
		s.clearBuffers()

	case protocol.EventError:
		var p protocol.Error
		if err := ev.Payload(&p); err != nil {
			return false, err
		}
		s.LastError = p.Message
		if s.LastError == "" {
			s.LastError = DefaultErrorMessage
		}

	default:
		return false, nil
	}

	s.LastAppliedOffset = ev.Offset
	return true, nil
}

// Replay applies events in order and returns how many were applied.
func Replay(s *State, events []protocol.Event) (int, error) {
	applied := 0
	for _, ev := range events {
		ok, err := Apply(s, ev)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}
