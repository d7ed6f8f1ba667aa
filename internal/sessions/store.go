// Package sessions holds per-key bounded conversation transcripts.
package sessions

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Message roles as they appear in transcripts and on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// maxMessagesPerSession caps messages stored per key. When an append hits the
// cap, the oldest trimBatch messages are dropped in one batch rather than one
// per append.
const (
	maxMessagesPerSession = 100
	trimBatch             = 50
)

// Message is one transcript entry.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Info describes a session for diagnostics.
type Info struct {
	Key            string    `json:"key"`
	Label          string    `json:"label,omitempty"`
	Messages       int       `json:"messages"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

type session struct {
	key            string
	label          string
	messages       []Message
	lastActivityAt time.Time
}

// Store maps session keys to bounded ordered transcripts. Sessions are
// created lazily on first access. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: map[string]*session{}}
}

func (s *Store) get(key string) *session {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{key: key}
		s.sessions[key] = sess
	}
	return sess
}

// Append adds one message to the transcript for key, trimming the oldest
// batch when the cap is reached.
func (s *Store) Append(key, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.get(key)
	sess.messages = append(sess.messages, Message{Role: role, Content: content, At: time.Now()})
	sess.lastActivityAt = time.Now()
	if len(sess.messages) >= maxMessagesPerSession {
		sess.messages = append([]Message(nil), sess.messages[trimBatch:]...)
	}
}

// History returns up to limit most recent messages for key, oldest first.
// A missing key yields an empty slice; limit <= 0 means everything retained.
func (s *Store) History(key string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	msgs := sess.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Replace swaps the entire transcript for key in one step.
func (s *Store) Replace(key string, messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.get(key)
	sess.messages = append([]Message(nil), messages...)
	sess.lastActivityAt = time.Now()
}

// Clear empties the transcript for key. The key itself survives so that
// listing still reports it.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.get(key)
	sess.messages = nil
	sess.lastActivityAt = time.Now()
}

// List returns up to limit known sessions, most recently active first.
func (s *Store) List(limit int) []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Info{
			Key:            sess.key,
			Label:          sess.label,
			Messages:       len(sess.messages),
			LastActivityAt: sess.lastActivityAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Resolve canonicalizes a client-supplied key. Empty input maps to "main";
// anything else is accepted verbatim after trimming.
func (s *Store) Resolve(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "main"
	}
	return key
}

// Patch updates session metadata. Only the label is patchable today.
func (s *Store) Patch(key, label string) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.get(key)
	if label != "" {
		sess.label = label
	}
	sess.lastActivityAt = time.Now()
	return Info{
		Key:            sess.key,
		Label:          sess.label,
		Messages:       len(sess.messages),
		LastActivityAt: sess.lastActivityAt,
	}
}
