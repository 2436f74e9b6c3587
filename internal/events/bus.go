// Package events carries engine notifications, chiefly "a message was
// appended", to background consumers such as the consolidation trigger.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeMessageAppended     = "message.appended"
	TypeConversationDeleted = "conversation.deleted"
	TypeUserErased          = "user.erased"
	TypeConsolidationDone   = "consolidation.done"
)

// Event is one notification.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	UserID         string    `json:"user_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Seq            int64     `json:"seq,omitempty"`
	Role           string    `json:"role,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bus publishes events and fans them out to subscribers. A subscription's
// channel is closed when its context ends or the bus is closed.
type Bus interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(ctx context.Context) <-chan *Event
	Close() error
}
