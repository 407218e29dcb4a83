// Package domain contains core types shared by the chat session layer.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a message.
type Sender string

const (
	// SenderUser marks a message typed by the learner.
	SenderUser Sender = "user"
	// SenderAgent marks a reply produced by the backend agent.
	SenderAgent Sender = "agent"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAgent
}

// Message is a single immutable transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message with a fresh time-ordered ID.
func NewMessage(content string, sender Sender, now time.Time) Message {
	return Message{
		ID:        newMessageID(),
		Content:   content,
		Sender:    sender,
		Timestamp: now,
	}
}

// IsUser returns true if the message was authored locally.
func (m Message) IsUser() bool {
	return m.Sender == SenderUser
}

func newMessageID() string {
	// v7 ids sort by creation time, which keeps transcript order stable.
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
