package model

import (
	"fmt"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/tokenizer"
)

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	}
	return "", fmt.Errorf("role %q: %w", s, apperr.ErrInvalid)
}

// Conversation is an append-only dialogue owned by one user.
type Conversation struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Message is one immutable entry in a conversation log.
// Seq starts at 1 and increases by one per append within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           Role      `json:"role"`
	Body           string    `json:"body"`
	Timestamp      time.Time `json:"timestamp"`
	TokenCount     *int      `json:"token_count,omitempty"`
	Pinned         bool      `json:"pinned,omitempty"`
}

// Cost returns the token cost of the message, preferring the recorded count.
func (m Message) Cost() int {
	if m.TokenCount != nil {
		return *m.TokenCount
	}
	return tokenizer.Estimate(m.Body)
}

// Size returns the stored size of the message body in bytes.
func (m Message) Size() int {
	return len(m.Body)
}

// Eviction names messages of one conversation removed to make room for an
// append. It is persisted together with the appended message.
type Eviction struct {
	ConversationID string
	Seqs           []int64
}
