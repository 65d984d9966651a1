package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
	_ "modernc.org/sqlite"
)

// Database is the sqlite stroke log backend.
type Database struct {
	db *sql.DB
}

var _ strokelog.Backend = (*Database)(nil)

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
	// A single writer connection keeps sqlite from returning SQLITE_BUSY
	// under concurrent room writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stroke_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		data TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_stroke_events_room_seq ON stroke_events(room_id, seq, id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nowNano() int64 {
	return time.Now().UTC().UnixNano()
}

// Room operations

func createRoom(ctx context.Context, e execer, id string) (bool, error) {
	now := nowNano()
	res, err := e.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, created_at, updated_at) VALUES (?, ?, ?)",
		id, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func touchRoom(ctx context.Context, e execer, id string) error {
	_, err := e.ExecContext(ctx,
		"UPDATE rooms SET updated_at = ? WHERE id = ?",
		nowNano(), id,
	)
	return err
}

func (d *Database) CreateRoom(ctx context.Context, id string) (bool, error) {
	return createRoom(ctx, d.db, id)
}

func (d *Database) GetRoom(ctx context.Context, id string) (*strokelog.Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room strokelog.Room
	var createdAt, updatedAt int64
	err := row.Scan(&room.ID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	room.CreatedAt = time.Unix(0, createdAt).UTC()
	room.LastActivity = time.Unix(0, updatedAt).UTC()
	return &room, nil
}

// Stroke log operations

func insertEvent(ctx context.Context, e execer, roomID string, ev strokelog.Event) error {
	var data sql.NullString
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	_, err := e.ExecContext(ctx,
		"INSERT INTO stroke_events (room_id, seq, type, data, created_at) VALUES (?, ?, ?, ?, ?)",
		roomID, ev.Seq, string(ev.Type), data, ev.Timestamp.UTC().UnixNano(),
	)
	return err
}

func (d *Database) Append(ctx context.Context, roomID string, ev strokelog.Event) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Ensure room exists
	if _, err := createRoom(ctx, tx, roomID); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, roomID, ev); err != nil {
		return err
	}
	if err := touchRoom(ctx, tx, roomID); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Database) Replace(ctx context.Context, roomID string, events []strokelog.Event) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := createRoom(ctx, tx, roomID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM stroke_events WHERE room_id = ?", roomID); err != nil {
		return err
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, roomID, ev); err != nil {
			return err
		}
	}
	if err := touchRoom(ctx, tx, roomID); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Database) Load(ctx context.Context, roomID string) ([]strokelog.Event, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT seq, type, data, created_at FROM stroke_events WHERE room_id = ? ORDER BY seq ASC, id ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []strokelog.Event{}
	for rows.Next() {
		var (
			ev        strokelog.Event
			typ       string
			data      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.Seq, &typ, &data, &createdAt); err != nil {
			return nil, err
		}
		ev.Type = strokelog.EventType(typ)
		ev.Timestamp = time.Unix(0, createdAt).UTC()
		if data.Valid {
			var seg strokelog.Segment
			if err := json.Unmarshal([]byte(data.String), &seg); err != nil {
				return nil, err
			}
			ev.Data = &seg
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
