// Package store persists the gateway's message traffic in SQLite so staff
// can audit what was sent to and received from citizens.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"lrmgateway/internal/domain"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Store is a SQLite-backed message log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		direction   TEXT NOT NULL,
		peer        TEXT NOT NULL,
		sender_name TEXT,
		body        TEXT,
		provider_id TEXT,
		created_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Entry is one logged message.
type Entry struct {
	ID         string    `json:"id"`
	Direction  string    `json:"direction"`
	Peer       string    `json:"peer"`
	SenderName string    `json:"senderName,omitempty"`
	Body       string    `json:"body"`
	ProviderID string    `json:"providerId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SaveInbound logs a message delivered by the active transport.
func (s *Store) SaveInbound(ctx context.Context, msg domain.IncomingMessage) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, direction, peer, sender_name, body, provider_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), DirectionInbound, msg.From, msg.SenderName, msg.Body, msg.ProviderID, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save inbound message: %w", err)
	}
	return nil
}

// SaveOutbound logs a successfully sent message.
func (s *Store) SaveOutbound(ctx context.Context, to, body, providerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, direction, peer, sender_name, body, provider_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), DirectionOutbound, to, "", body, providerID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save outbound message: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, direction, peer, sender_name, body, provider_id, created_at
		 FROM messages ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Direction, &e.Peer, &e.SenderName, &e.Body, &e.ProviderID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
