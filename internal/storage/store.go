// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations, their message history, and the
// continuation state each provider needs to resume a thread.
package storage

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/jeranaias/relaychat/internal/state"
)

// ErrNotFound indicates the conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is one persisted chat.
type Conversation struct {
	ID        string
	Title     string
	Provider  string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
	// State is the provider continuation state, nil when never set
	State *state.Conversation
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	provider   TEXT NOT NULL,
	model      TEXT NOT NULL,
	state      TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
`

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func newConversationID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "conv_" + hex.EncodeToString(b)
}

// Create inserts a new conversation and returns it.
func (s *Store) Create(title, provider, model string) (*Conversation, error) {
	now := time.Now()
	c := &Conversation{
		ID:        newConversationID(),
		Title:     title,
		Provider:  provider,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		"INSERT INTO conversations (id, title, provider, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		c.ID, c.Title, c.Provider, c.Model, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// Get loads one conversation with its continuation state.
func (s *Store) Get(id string) (*Conversation, error) {
	row := s.db.QueryRow(
		"SELECT id, title, provider, model, state, created_at, updated_at FROM conversations WHERE id = ?", id)
	return scanConversation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var stateJSON sql.NullString
	var created, updated int64
	err := row.Scan(&c.ID, &c.Title, &c.Provider, &c.Model, &stateJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	if stateJSON.Valid && stateJSON.String != "" {
		st, err := state.UnmarshalState([]byte(stateJSON.String))
		if err != nil {
			return nil, fmt.Errorf("decode state for %s: %w", c.ID, err)
		}
		c.State = st
	}
	return &c, nil
}

// List returns all conversations, most recently updated first.
func (s *Store) List() ([]*Conversation, error) {
	rows, err := s.db.Query(
		"SELECT id, title, provider, model, state, created_at, updated_at FROM conversations ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveState persists the continuation state after a turn.
func (s *Store) SaveState(id string, st *state.Conversation) error {
	data, err := st.MarshalState()
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		"UPDATE conversations SET state = ?, updated_at = ? WHERE id = ?",
		string(data), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage adds one history entry to a conversation.
func (s *Store) AppendMessage(id string, msg state.Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		id, msg.Role, msg.Content, ts.UnixMilli())
	if err != nil {
		return err
	}
	_, err = s.db.Exec("UPDATE conversations SET updated_at = ? WHERE id = ?",
		time.Now().UnixMilli(), id)
	return err
}

// Messages returns a conversation's history, oldest first.
func (s *Store) Messages(id string) ([]state.Message, error) {
	rows, err := s.db.Query(
		"SELECT role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id ASC", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Message
	for rows.Next() {
		var m state.Message
		var created int64
		if err := rows.Scan(&m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
