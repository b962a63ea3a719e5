package offsets

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultRedisKey = "parley:offsets"

// RedisStore keeps offsets as fields of one Redis hash, so several clients
// on different hosts can share a resume point.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, addr, key string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis offset store: empty addr")
	}
	return NewRedisStoreFromClient(ctx, redis.NewClient(&redis.Options{Addr: addr}), key)
}

func NewRedisStoreFromClient(ctx context.Context, client *redis.Client, key string) (*RedisStore, error) {
	if key == "" {
		key = DefaultRedisKey
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis offset store: ping")
	}
	return &RedisStore{client: client, key: key}, nil
}

func (r *RedisStore) Save(ctx context.Context, roomID string, offset int64) error {
	if roomID == "" {
		return errors.New("redis offset store: empty room id")
	}
	err := r.client.HSet(ctx, r.key, roomID, formatOffset(offset)).Err()
	return errors.Wrapf(err, "redis offset store: save %s", roomID)
}

func (r *RedisStore) Load(ctx context.Context, roomID string) int64 {
	raw, err := r.client.HGet(ctx, r.key, roomID).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("redis offset load failed")
		}
		return 0
	}
	n, ok := parseOffset(raw)
	if !ok {
		return 0
	}
	return n
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
