package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"huddle/server/internal/core"
	"huddle/server/internal/peers"
	"huddle/server/internal/protocol"
)

// ErrUploadNotFound is returned when no upload metadata exists for an ID.
var ErrUploadNotFound = errors.New("upload metadata not found")

// UploadMetadata stores metadata about an attachment blob on disk.
type UploadMetadata struct {
	ID           string
	Kind         string
	OriginalName string
	ContentType  string
	UploaderName string
	DiskName     string
	SizeBytes    int64
	CreatedAt    time.Time
}

// Store persists room history, the peer directory and upload metadata in
// SQLite. It is the durable variant of core.History and peers.Directory.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	content TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, ts);

CREATE TABLE IF NOT EXISTS peers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	peer_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	conn_id TEXT NOT NULL,
	UNIQUE(room_id, peer_id)
);
CREATE INDEX IF NOT EXISTS idx_peers_conn ON peers(conn_id);

CREATE TABLE IF NOT EXISTS uploads (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	original_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	uploader_name TEXT NOT NULL,
	disk_name TEXT NOT NULL UNIQUE,
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_created_at ON uploads(created_at_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}

	slog.Debug("sqlite migrations applied")
	return nil
}

// ------------------------------------------------------------------
// Room history (core.History).

// Append persists one chat message for a room.
func (s *Store) Append(ctx context.Context, roomID string, msg protocol.ChatMessage) error {
	const q = `INSERT INTO messages (room_id, display_name, content, ts) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, roomID, msg.DisplayName, msg.Content, msg.TS); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	slog.Debug("message persisted", "room_id", roomID, "display_name", msg.DisplayName)
	return nil
}

// Recent returns the most recent messages for a room, ordered oldest first.
// Rows older than the retrieval bound are retained on disk.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]protocol.ChatMessage, error) {
	if limit <= 0 {
		limit = core.DefaultReplayLimit
	}
	const q = `
SELECT display_name, content, ts
FROM messages
WHERE room_id = ?
ORDER BY ts DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]protocol.ChatMessage, 0, limit)
	for rows.Next() {
		var m protocol.ChatMessage
		if err := rows.Scan(&m.DisplayName, &m.Content, &m.TS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	// Reverse to oldest-first order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	slog.Debug("messages loaded", "room_id", roomID, "count", len(msgs))
	return msgs, rows.Err()
}

// ------------------------------------------------------------------
// Peer directory (peers.Directory).

// Register inserts a peer record (idempotent per room and peer id) and
// returns the room's full current list.
func (s *Store) Register(ctx context.Context, rec peers.Record) ([]peers.Peer, error) {
	const q = `INSERT OR IGNORE INTO peers (room_id, peer_id, display_name, conn_id) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		strings.TrimSpace(rec.RoomID),
		strings.TrimSpace(rec.PeerID),
		rec.DisplayName,
		rec.ConnID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert peer: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("peer registered", "room_id", rec.RoomID, "peer_id", rec.PeerID, "conn_id", rec.ConnID)
	}
	return s.List(ctx, rec.RoomID)
}

// List returns a room's peers in registration order.
func (s *Store) List(ctx context.Context, roomID string) ([]peers.Peer, error) {
	const q = `SELECT peer_id, display_name FROM peers WHERE room_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, strings.TrimSpace(roomID))
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	out := make([]peers.Peer, 0, 8)
	for rows.Next() {
		var p peers.Peer
		if err := rows.Scan(&p.PeerID, &p.DisplayName); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Remove deletes one peer record; deleting an absent record is a no-op.
func (s *Store) Remove(ctx context.Context, roomID, peerID string) error {
	const q = `DELETE FROM peers WHERE room_id = ? AND peer_id = ?`
	if _, err := s.db.ExecContext(ctx, q, roomID, peerID); err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	return nil
}

// RemoveByConnection deletes all peer records carrying the connection id.
func (s *Store) RemoveByConnection(ctx context.Context, connID string) error {
	if strings.TrimSpace(connID) == "" {
		return nil
	}
	const q = `DELETE FROM peers WHERE conn_id = ?`
	res, err := s.db.ExecContext(ctx, q, connID)
	if err != nil {
		return fmt.Errorf("delete peers by connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("peers purged for connection", "conn_id", connID, "removed", n)
	}
	return nil
}

// ------------------------------------------------------------------
// Upload metadata.

// CreateUpload creates one upload metadata row.
func (s *Store) CreateUpload(ctx context.Context, meta UploadMetadata) error {
	if strings.TrimSpace(meta.ID) == "" {
		return fmt.Errorf("upload id is required")
	}
	if strings.TrimSpace(meta.Kind) == "" {
		return fmt.Errorf("upload kind is required")
	}
	if strings.TrimSpace(meta.OriginalName) == "" {
		return fmt.Errorf("upload original name is required")
	}
	if strings.TrimSpace(meta.ContentType) == "" {
		return fmt.Errorf("upload content type is required")
	}
	if strings.TrimSpace(meta.DiskName) == "" {
		return fmt.Errorf("upload disk name is required")
	}
	if meta.SizeBytes < 0 {
		return fmt.Errorf("upload size must be non-negative")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO uploads (
	id, kind, original_name, content_type, uploader_name, disk_name, size_bytes, created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		meta.ID,
		meta.Kind,
		meta.OriginalName,
		meta.ContentType,
		meta.UploaderName,
		meta.DiskName,
		meta.SizeBytes,
		meta.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert upload metadata: %w", err)
	}
	slog.Debug("upload metadata created", "upload_id", meta.ID, "size", meta.SizeBytes)
	return nil
}

// UploadByID returns upload metadata by ID.
func (s *Store) UploadByID(ctx context.Context, id string) (UploadMetadata, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return UploadMetadata{}, fmt.Errorf("upload id is required")
	}

	const q = `
SELECT id, kind, original_name, content_type, uploader_name, disk_name, size_bytes, created_at_unix_ms
FROM uploads
WHERE id = ?
`

	var (
		meta           UploadMetadata
		createdAtUnixM int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&meta.ID,
		&meta.Kind,
		&meta.OriginalName,
		&meta.ContentType,
		&meta.UploaderName,
		&meta.DiskName,
		&meta.SizeBytes,
		&createdAtUnixM,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Debug("upload not found", "upload_id", id)
			return UploadMetadata{}, ErrUploadNotFound
		}
		return UploadMetadata{}, fmt.Errorf("query upload metadata: %w", err)
	}

	meta.CreatedAt = time.UnixMilli(createdAtUnixM).UTC()
	return meta, nil
}
