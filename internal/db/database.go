package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/parley/internal/protocol"
)

var ErrRoomNotFound = errors.New("room not found")

type Database struct {
	db *sql.DB
}

type Room struct {
	ID         string    `json:"id"`
	SceneryID  string    `json:"scenery_id"`
	State      string    `json:"state"`
	LastOffset int64     `json:"last_offset"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Event is one row of a room's append-only log. Data already carries the
// offset.
type Event struct {
	RoomID    string             `json:"room_id"`
	Offset    int64              `json:"offset"`
	Type      protocol.EventType `json:"type"`
	Data      json.RawMessage    `json:"data"`
	CreatedAt time.Time          `json:"created_at"`
}

func (e Event) Protocol() protocol.Event {
	return protocol.Event{Type: e.Type, Offset: e.Offset, Data: e.Data}
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer; offsets are assigned inside a transaction
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable wal")
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create tables")
	}

	log.Info().Str("path", dbPath).Msg("database initialized")
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		scenery_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'idle',
		last_offset INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_events (
		room_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_room_events_type ON room_events(room_id, type);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, id, sceneryID, state string) (*Room, error) {
	now := time.Now().UTC()
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO rooms (id, scenery_id, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, sceneryID, state, now, now,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "insert room %s", id)
	}
	return &Room{ID: id, SceneryID: sceneryID, State: state, CreatedAt: now, UpdatedAt: now}, nil
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, scenery_id, state, last_offset, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.SceneryID, &room.State, &room.LastOffset, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrRoomNotFound, "room %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, scenery_id, state, last_offset, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.SceneryID, &room.State, &room.LastOffset, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) SetRoomState(ctx context.Context, id, state string) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET state = ?, updated_at = ? WHERE id = ?",
		state, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeleteRoom removes the room and its whole event log.
func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM room_events WHERE room_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	if err != nil {
		return err
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Event log operations

// AppendEvent assigns the room's next offset to payload, stores it and
// returns the stored event. Offsets start at 1.
func (d *Database) AppendEvent(ctx context.Context, roomID string, eventType protocol.EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrapf(err, "marshal %s payload", eventType)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var offset int64
	err = tx.QueryRowContext(ctx,
		"UPDATE rooms SET last_offset = last_offset + 1, updated_at = ? WHERE id = ? RETURNING last_offset",
		now, roomID,
	).Scan(&offset)
	if err == sql.ErrNoRows {
		return Event{}, errors.Wrapf(ErrRoomNotFound, "room %s", roomID)
	}
	if err != nil {
		return Event{}, errors.Wrap(err, "next offset")
	}

	data, err := protocol.WithOffset(raw, offset)
	if err != nil {
		return Event{}, errors.Wrapf(err, "%s payload", eventType)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO room_events (room_id, seq, type, data, created_at) VALUES (?, ?, ?, ?, ?)",
		roomID, offset, string(eventType), string(data), now,
	); err != nil {
		return Event{}, errors.Wrap(err, "insert event")
	}

	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return Event{RoomID: roomID, Offset: offset, Type: eventType, Data: data, CreatedAt: now}, nil
}

// EventsSince returns every stored event with offset >= fromOffset in
// ascending order.
func (d *Database) EventsSince(ctx context.Context, roomID string, fromOffset int64) ([]Event, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT room_id, seq, type, data, created_at FROM room_events WHERE room_id = ? AND seq >= ? ORDER BY seq ASC",
		roomID, fromOffset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var typ, data string
		if err := rows.Scan(&ev.RoomID, &ev.Offset, &typ, &data, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = protocol.EventType(typ)
		ev.Data = json.RawMessage(data)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestOffset is the last offset assigned in the room, 0 before the first
// event.
func (d *Database) LatestOffset(ctx context.Context, roomID string) (int64, error) {
	var offset int64
	err := d.db.QueryRowContext(ctx, "SELECT last_offset FROM rooms WHERE id = ?", roomID).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, errors.Wrapf(ErrRoomNotFound, "room %s", roomID)
	}
	return offset, err
}

func (d *Database) EventCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_events WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

func (d *Database) EventCountByType(ctx context.Context, roomID string, eventType protocol.EventType) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_events WHERE room_id = ? AND type = ?",
		roomID, string(eventType),
	).Scan(&count)
	return count, err
}

// DeleteEvents removes the given offsets from a room's log. Offsets are
// never reassigned.
func (d *Database) DeleteEvents(ctx context.Context, roomID string, offsets []int64) (int64, error) {
	if len(offsets) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var deleted int64
	for start := 0; start < len(offsets); start += 500 {
		end := min(start+500, len(offsets))
		chunk := offsets[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, roomID)
		for _, o := range chunk {
			args = append(args, o)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		res, err := tx.ExecContext(ctx,
			"DELETE FROM room_events WHERE room_id = ? AND seq IN ("+placeholders+")",
			args...,
		)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		deleted += n
	}
	return deleted, tx.Commit()
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var eventCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_events").Scan(&eventCount); err != nil {
		return nil, err
	}
	stats["event_count"] = eventCount

	var streaming int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms WHERE state = 'streaming'").Scan(&streaming); err != nil {
		return nil, err
	}
	stats["streaming_rooms"] = streaming

	return stats, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrRoomNotFound, "room %s", id)
	}
	return nil
}
