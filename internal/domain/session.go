package domain

import (
	"time"
)

// Message is a single entry in a session's conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds conversation state for one user. A session has exactly one
// writer at a time: the orchestration cycle currently processing a message.
type Session struct {
	SessionID    string
	History      []Message
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// RecordMessage appends a message to the session history.
func (s *Session) RecordMessage(role, content string) {
	now := time.Now()
	s.History = append(s.History, Message{Role: role, Content: content, Timestamp: now})
	s.LastActiveAt = now
}

// RecentHistory returns the last n messages.
func (s *Session) RecentHistory(n int) []Message {
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}
