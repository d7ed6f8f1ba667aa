// Package memory stores agent notes in a local SQLite database.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Note is one stored memory entry.
type Note struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Content   string    `json:"content"`
	Tags      string    `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists notes. Safe for concurrent use; database/sql pools.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the note database at path. Empty path means an
// in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create notes table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_notes_agent ON notes(agent_id)`)
	if err != nil {
		return fmt.Errorf("create notes index: %w", err)
	}
	return nil
}

// Save inserts a note and returns its id.
func (s *Store) Save(ctx context.Context, agentID, content, tags string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty note content")
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, agent_id, content, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, agentID, content, tags, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("save note: %w", err)
	}
	return id, nil
}

// Search returns up to limit notes for the agent whose content or tags
// contain the query substring, newest first. An empty query lists recent
// notes.
func (s *Store) Search(ctx context.Context, agentID, query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, content, COALESCE(tags, ''), created_at
		FROM notes
		WHERE agent_id = ? AND (content LIKE ? OR tags LIKE ?)
		ORDER BY created_at DESC
		LIMIT ?`,
		agentID, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.AgentID, &n.Content, &n.Tags, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Delete removes a note by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
