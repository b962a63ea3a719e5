// Package offsets persists the last applied feed offset per room so a
// reconnecting session knows where to resume.
package offsets

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Store keeps one offset per room id. Load returns 0 when nothing usable is
// stored.
type Store interface {
	Save(ctx context.Context, roomID string, offset int64) error
	Load(ctx context.Context, roomID string) int64
	Close() error
}

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Backend   string
	Path      string
	RedisAddr string
	RedisKey  string
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(cfg.Path)
	case BackendSQLite:
		return NewSQLiteStore(cfg.Path)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisKey)
	default:
		return nil, errors.Errorf("unknown offset store backend %q", cfg.Backend)
	}
}

// parseOffset accepts the stored text form and rejects anything that is not
// a non-negative integer.
func parseOffset(raw string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type MemoryStore struct {
	mu      sync.Mutex
	offsets map[string]int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[string]int64)}
}

func (m *MemoryStore) Save(_ context.Context, roomID string, offset int64) error {
	if roomID == "" {
		return errors.New("offset store: empty room id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[roomID] = offset
	return nil
}

func (m *MemoryStore) Load(_ context.Context, roomID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[roomID]
}

func (m *MemoryStore) Close() error { return nil }

func formatOffset(offset int64) string {
	return strconv.FormatInt(offset, 10)
}
