// Package window assembles bounded context windows for one reasoning request.
package window

import (
	"fmt"
	"time"

	"github.com/nidhogg/recall/internal/model"
)

// Provenance says where a fragment came from.
type Provenance string

const (
	ProvenanceMessage Provenance = "message"
	ProvenanceMemory  Provenance = "memory"
)

// Fragment is one unit of context. Message fragments carry Seq and Role,
// memory fragments carry Kind and the ranking Score.
type Fragment struct {
	Provenance Provenance `json:"provenance"`
	Ref        string     `json:"ref"`
	Seq        int64      `json:"seq,omitempty"`
	Role       model.Role `json:"role,omitempty"`
	Kind       model.Kind `json:"kind,omitempty"`
	Text       string     `json:"text"`
	Tokens     int        `json:"tokens"`
	Score      float64    `json:"score,omitempty"`
	Overlap    bool       `json:"overlap,omitempty"`
}

// Window is the ordered context for one request: overlap fragments, then
// memory summaries, then the recent-message block.
type Window struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Fragments      []Fragment `json:"fragments"`
	Budget         int        `json:"budget"`
	Overlap        int        `json:"overlap"`
	TokensUsed     int        `json:"tokens_used"`
	Degraded       bool       `json:"degraded,omitempty"`
	DegradedReason string     `json:"degraded_reason,omitempty"`
}

// Request describes one build. Timeout of zero uses the configured default.
// Query overrides the last user message as the retrieval query.
type Request struct {
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	TokenBudget    int           `json:"token_budget"`
	Overlap        int           `json:"overlap"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	Query          string        `json:"query,omitempty"`
}

// Config holds builder settings.
type Config struct {
	ReserveFraction float64       `json:"reserve_fraction"` // share of the budget kept for messages
	DefaultOverlap  int           `json:"default_overlap"`
	MaxOverlap      int           `json:"max_overlap"` // trailing fragments remembered per conversation
	MaxTailMessages int           `json:"max_tail_messages"`
	DefaultTimeout  time.Duration `json:"default_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReserveFraction: 0.6,
		DefaultOverlap:  2,
		MaxOverlap:      8,
		MaxTailMessages: 50,
		DefaultTimeout:  3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReserveFraction <= 0 || c.ReserveFraction > 1 {
		c.ReserveFraction = d.ReserveFraction
	}
	if c.MaxOverlap <= 0 {
		c.MaxOverlap = d.MaxOverlap
	}
	if c.DefaultOverlap < 0 {
		c.DefaultOverlap = 0
	}
	if c.DefaultOverlap > c.MaxOverlap {
		c.DefaultOverlap = c.MaxOverlap
	}
	if c.MaxTailMessages <= 0 {
		c.MaxTailMessages = d.MaxTailMessages
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	return c
}

func messageRef(conversationID string, seq int64) string {
	return fmt.Sprintf("%s#%d", conversationID, seq)
}

func messageFragment(m model.Message) Fragment {
	return Fragment{
		Provenance: ProvenanceMessage,
		Ref:        messageRef(m.ConversationID, m.Seq),
		Seq:        m.Seq,
		Role:       m.Role,
		Text:       m.Body,
		Tokens:     m.Cost(),
	}
}
