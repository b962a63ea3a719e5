package offsets

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps offsets in a local SQLite file. Values are stored as
// text so a hand-edited or truncated value reads back as 0.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite offset store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "sqlite offset store: create dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite offset store: open")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite offset store: wal")
	}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS room_offsets (
		room_id TEXT PRIMARY KEY,
		offset_value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite offset store: migrate")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, roomID string, offset int64) error {
	if roomID == "" {
		return errors.New("sqlite offset store: empty room id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_offsets (room_id, offset_value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			offset_value = excluded.offset_value,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, formatOffset(offset))
	return errors.Wrapf(err, "sqlite offset store: save %s", roomID)
}

func (s *SQLiteStore) Load(ctx context.Context, roomID string) int64 {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT offset_value FROM room_offsets WHERE room_id = ?", roomID,
	).Scan(&raw)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Warn().Err(err).Str("room_id", roomID).Msg("sqlite offset load failed")
		}
		return 0
	}
	n, ok := parseOffset(raw)
	if !ok {
		return 0
	}
	return n
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
