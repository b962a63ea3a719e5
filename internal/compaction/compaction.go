package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/parley/internal/db"
	"github.com/manpreetbhatti/parley/internal/protocol"
)

type Config struct {
	Interval time.Duration
	// Rooms with fewer stored events are skipped.
	MinEvents int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		MinEvents: 200,
	}
}

// Store is the slice of the database compaction needs.
type Store interface {
	ListRooms(ctx context.Context, limit, offset int) ([]db.Room, error)
	EventCount(ctx context.Context, roomID string) (int, error)
	EventsSince(ctx context.Context, roomID string, fromOffset int64) ([]db.Event, error)
	DeleteEvents(ctx context.Context, roomID string, offsets []int64) (int64, error)
}

// Service drops token_received events of rounds whose turn_completed
// carries the full responses. Replaying a compacted room yields the same
// turns, since the reducer prefers the final payload over token buffers.
type Service struct {
	store  Store
	config Config
	logger zerolog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

const listPageSize = 500

func New(store Store, config Config) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Service{
		store:  store,
		config: config,
		logger: log.With().Str("component", "compaction").Logger(),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().
		Dur("interval", s.config.Interval).
		Int("min_events", s.config.MinEvents).
		Msg("compaction service started")
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info().Msg("compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAllRooms(ctx)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAllRooms(ctx)
		}
	}
}

func (s *Service) compactAllRooms(ctx context.Context) {
	var removed int64
	compacted := 0

	for page := 0; ; page++ {
		rooms, err := s.store.ListRooms(ctx, listPageSize, page*listPageSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("list rooms")
			return
		}

		for _, room := range rooms {
			if ctx.Err() != nil {
				return
			}
			if !s.shouldCompact(ctx, room.ID) {
				continue
			}
			n, err := s.CompactNow(ctx, room.ID)
			if err != nil {
				s.logger.Error().Err(err).Str("room_id", room.ID).Msg("compaction failed")
				continue
			}
			if n > 0 {
				compacted++
				removed += n
			}
		}

		if len(rooms) < listPageSize {
			break
		}
	}

	if compacted > 0 {
		s.logger.Info().Int("rooms", compacted).Int64("events_removed", removed).Msg("compacted rooms")
	}
}

func (s *Service) shouldCompact(ctx context.Context, roomID string) bool {
	count, err := s.store.EventCount(ctx, roomID)
	if err != nil {
		return false
	}
	return count >= s.config.MinEvents
}

// CompactNow compacts one room regardless of its size and reports how many
// events were removed.
func (s *Service) CompactNow(ctx context.Context, roomID string) (int64, error) {
	events, err := s.store.EventsSince(ctx, roomID, 0)
	if err != nil {
		return 0, errors.Wrap(err, "load events")
	}

	redundant, err := RedundantTokens(events)
	if err != nil {
		return 0, err
	}
	if len(redundant) == 0 {
		return 0, nil
	}

	n, err := s.store.DeleteEvents(ctx, roomID, redundant)
	if err != nil {
		return 0, errors.Wrap(err, "delete events")
	}
	s.logger.Debug().Str("room_id", roomID).Int64("events_removed", n).Msg("room compacted")
	return n, nil
}

// RedundantTokens returns the offsets of token_received events belonging to
// rounds closed by a turn_completed with a non-empty responses list. Tokens
// of cancelled, bare-completed or still running rounds are kept.
func RedundantTokens(events []db.Event) ([]int64, error) {
	var (
		redundant []int64
		round     []int64
	)
	for _, ev := range events {
		switch ev.Type {
		case protocol.EventTurnStarted:
			round = round[:0]
		case protocol.EventTokenReceived:
			round = append(round, ev.Offset)
		case protocol.EventTurnCompleted:
			var done protocol.TurnCompleted
			if err := ev.Protocol().Payload(&done); err != nil {
				return nil, errors.Wrapf(err, "decode turn_completed at offset %d", ev.Offset)
			}
			if len(done.Responses) > 0 {
				redundant = append(redundant, round...)
			}
			round = round[:0]
		case protocol.EventTurnCancelled:
			round = round[:0]
		}
	}
	return redundant, nil
}
