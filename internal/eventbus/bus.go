// Package eventbus fans stored room events out to every feed hub, in process
// or across server instances through Redis Streams.
package eventbus

import (
	"context"
	"encoding/json"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/parley/internal/db"
)

// Topic carries every room's events; handlers filter by room id.
const Topic = "parley.room-events"

const metadataRoomID = "room_id"

type RedisConfig struct {
	Addr     string
	Group    string
	Consumer string
}

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	redis      *redis.Client
	logger     zerolog.Logger
}

// NewInMemory builds a bus for a single server process. Publish returns
// once every subscriber has taken the message, so per-room order holds.
func NewInMemory(logger zerolog.Logger) *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(logger))
	return &Bus{
		publisher:  ch,
		subscriber: ch,
		logger:     logger.With().Str("component", "eventbus").Logger(),
	}
}

// NewRedis builds a bus on Redis Streams. Each instance reads through its
// own consumer group so that every instance sees every event.
func NewRedis(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", cfg.Addr)
	}

	group := cfg.Group + "." + cfg.Consumer
	if err := ensureGroupAtTail(ctx, client, Topic, group); err != nil {
		client.Close()
		return nil, err
	}

	wmLogger := NewWatermillLogger(logger)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wmLogger)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      cfg.Consumer,
	}, wmLogger)
	if err != nil {
		pub.Close()
		client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}

	logger.Info().Str("addr", cfg.Addr).Str("group", group).Msg("event bus on redis streams")
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		redis:      client,
		logger:     logger.With().Str("component", "eventbus").Logger(),
	}, nil
}

// ensureGroupAtTail creates the consumer group at "$" so a new instance does
// not replay the stream's history. Stored events are replayed from the
// database instead.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create consumer group %s", group)
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, ev db.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metadataRoomID, ev.RoomID)
	msg.SetContext(ctx)
	return errors.Wrapf(b.publisher.Publish(Topic, msg), "publish %s offset %d", ev.RoomID, ev.Offset)
}

// Subscribe delivers events to handler, one at a time, until ctx ends.
// Undecodable messages are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context, handler func(db.Event)) error {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}

	go func() {
		for msg := range messages {
			var ev db.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping undecodable bus message")
				msg.Ack()
				continue
			}
			handler(ev)
			msg.Ack()
		}
	}()
	return nil
}

func (b *Bus) Close() error {
	var errs []string
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	// gochannel is both ends
	if b.redis != nil {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := b.redis.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close event bus: %s", strings.Join(errs, "; "))
	}
	return nil
}
