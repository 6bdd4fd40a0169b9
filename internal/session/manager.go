package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultID is the session used when a trigger or chat names none.
const DefaultID = "default"

// SanitizeID maps an arbitrary session string to an identifier safe for use
// as a filename. Empty input resolves to DefaultID.
func SanitizeID(id string) string {
	if id == "" {
		return DefaultID
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Message is a single entry in a session's message log.
type Message struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	Timestamp  string           `json:"timestamp,omitempty"`
}

// ToolCallRecord holds one tool call made inside a message.
type ToolCallRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Meta is stored as the first line of the session's JSONL file.
type Meta struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Session holds one conversation's state.
type Session struct {
	Meta     Meta
	Messages []Message
	mu       sync.RWMutex
}

// Append adds a message. The log is append-only.
func (s *Session) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	s.Messages = append(s.Messages, msg)
	s.Meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// History returns a copy of all messages.
func (s *Session) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Message, len(s.Messages))
	copy(result, s.Messages)
	return result
}

// Store persists sessions as JSONL files under one directory, one file per
// sanitized session id.
type Store struct {
	dir   string
	cache map[string]*Session
	mu    sync.Mutex
}

func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		cache: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, loading it from disk or creating
// it fresh. id is sanitized internally.
func (m *Store) GetOrCreate(id string) *Session {
	id = SanitizeID(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[id]; ok {
		return s
	}

	s := m.load(id)
	if s == nil {
		now := time.Now().UTC().Format(time.RFC3339)
		s = &Session{
			Meta:     Meta{ID: id, CreatedAt: now, UpdatedAt: now},
			Messages: []Message{},
		}
	}
	m.cache[id] = s
	return s
}

// Save writes the session's full log to its JSONL file.
func (m *Store) Save(s *Session) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	f, err := os.Create(filepath.Join(m.dir, s.Meta.ID+".jsonl"))
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(s.Meta); err != nil {
		return fmt.Errorf("failed to write session meta: %w", err)
	}
	for _, msg := range s.Messages {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	return nil
}

// load reads a session from disk; nil if the file does not exist or its
// meta line is unreadable. Individual bad message lines are skipped.
func (m *Store) load(id string) *Session {
	f, err := os.Open(filepath.Join(m.dir, id+".jsonl"))
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)

	if !scanner.Scan() {
		return nil
	}
	var meta Meta
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return nil
	}

	messages := []Message{}
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	return &Session{Meta: meta, Messages: messages}
}
