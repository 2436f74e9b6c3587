package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
)

// Kind is the closed set of memory item variants.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
)

// Kinds lists every memory kind in a stable order.
var Kinds = []Kind{KindEpisodic, KindSemantic, KindProcedural}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindEpisodic, KindSemantic, KindProcedural:
		return k, nil
	}
	return "", fmt.Errorf("memory kind %q: %w", s, apperr.ErrInvalid)
}

// State is the lifecycle position of a memory item.
type State string

const (
	StateFresh      State = "fresh"
	StateReinforced State = "reinforced"
	StateDecaying   State = "decaying"
	StateMerged     State = "merged"
	StatePruned     State = "pruned"
)

// Detail carries the variant-specific fields of a memory item.
// The unexported method seals the set to the types in this package.
type Detail interface {
	Kind() Kind
	sealed()
}

// EpisodicDetail ties an episode to the conversation it came from.
type EpisodicDetail struct {
	ConversationID string `json:"conversation_id"`
}

// SemanticDetail records which items a consolidated fact was merged from.
type SemanticDetail struct {
	MergedFrom []string `json:"merged_from,omitempty"`
}

// ProceduralDetail describes a learned how-to: when it applies and its steps.
type ProceduralDetail struct {
	Trigger string   `json:"trigger"`
	Steps   []string `json:"steps"`
}

func (EpisodicDetail) Kind() Kind   { return KindEpisodic }
func (SemanticDetail) Kind() Kind   { return KindSemantic }
func (ProceduralDetail) Kind() Kind { return KindProcedural }

func (EpisodicDetail) sealed()   {}
func (SemanticDetail) sealed()   {}
func (ProceduralDetail) sealed() {}

// MemoryItem is one long-term memory record.
//
// Decay is not stored directly. It is derived from DecayAnchor and AnchoredAt
// by the decay policy and materialized into Decay on every snapshot.
type MemoryItem struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	Kind               Kind      `json:"kind"`
	Embedding          []float32 `json:"-"`
	Summary            string    `json:"summary"`
	CreatedAt          time.Time `json:"created_at"`
	LastReinforced     time.Time `json:"last_reinforced"`
	Decay              float64   `json:"decay"`
	ReinforcementCount int       `json:"reinforcement_count"`
	SourceRefs         []string  `json:"source_refs"`
	Detail             Detail    `json:"detail"`
	State              State     `json:"state"`

	DecayAnchor float64   `json:"-"`
	AnchoredAt  time.Time `json:"-"`
	Seq         uint64    `json:"-"`
	Version     uint64    `json:"version"`
}

// NewEpisodic builds an episodic item. It needs a conversation and at least one source ref.
func NewEpisodic(userID, conversationID, summary string, embedding []float32, sourceRefs []string) (*MemoryItem, error) {
	item := &MemoryItem{
		UserID:     userID,
		Kind:       KindEpisodic,
		Embedding:  embedding,
		Summary:    summary,
		SourceRefs: sourceRefs,
		Detail:     EpisodicDetail{ConversationID: conversationID},
	}
	return item, item.Validate()
}

// NewSemantic builds a semantic item, optionally recording the items it was merged from.
func NewSemantic(userID, summary string, embedding []float32, sourceRefs, mergedFrom []string) (*MemoryItem, error) {
	item := &MemoryItem{
		UserID:     userID,
		Kind:       KindSemantic,
		Embedding:  embedding,
		Summary:    summary,
		SourceRefs: sourceRefs,
		Detail:     SemanticDetail{MergedFrom: mergedFrom},
	}
	return item, item.Validate()
}

// NewProcedural builds a procedural item. It needs a trigger and at least one step.
func NewProcedural(userID, summary string, embedding []float32, trigger string, steps []string) (*MemoryItem, error) {
	item := &MemoryItem{
		UserID:    userID,
		Kind:      KindProcedural,
		Embedding: embedding,
		Summary:   summary,
		Detail:    ProceduralDetail{Trigger: trigger, Steps: steps},
	}
	return item, item.Validate()
}

// Validate checks that the item is well formed for its kind.
func (m *MemoryItem) Validate() error {
	if m.UserID == "" {
		return fmt.Errorf("memory item: user id required: %w", apperr.ErrInvalid)
	}
	if strings.TrimSpace(m.Summary) == "" {
		return fmt.Errorf("memory item: summary required: %w", apperr.ErrInvalid)
	}
	if len(m.Embedding) == 0 {
		return fmt.Errorf("memory item: embedding required: %w", apperr.ErrInvalid)
	}
	if m.Detail == nil || m.Detail.Kind() != m.Kind {
		return fmt.Errorf("memory item: detail does not match kind %q: %w", m.Kind, apperr.ErrInvalid)
	}
	switch d := m.Detail.(type) {
	case EpisodicDetail:
		if d.ConversationID == "" {
			return fmt.Errorf("episodic item: conversation id required: %w", apperr.ErrInvalid)
		}
		if len(m.SourceRefs) == 0 {
			return fmt.Errorf("episodic item: source refs required: %w", apperr.ErrInvalid)
		}
	case ProceduralDetail:
		if strings.TrimSpace(d.Trigger) == "" || len(d.Steps) == 0 {
			return fmt.Errorf("procedural item: trigger and steps required: %w", apperr.ErrInvalid)
		}
	}
	return nil
}

// Clone returns a deep copy of the item.
func (m *MemoryItem) Clone() *MemoryItem {
	c := *m
	c.Embedding = append([]float32(nil), m.Embedding...)
	c.SourceRefs = append([]string(nil), m.SourceRefs...)
	switch d := m.Detail.(type) {
	case SemanticDetail:
		c.Detail = SemanticDetail{MergedFrom: append([]string(nil), d.MergedFrom...)}
	case ProceduralDetail:
		c.Detail = ProceduralDetail{Trigger: d.Trigger, Steps: append([]string(nil), d.Steps...)}
	}
	return &c
}

// EncodeDetail serializes a detail for storage.
func EncodeDetail(d Detail) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// DecodeDetail restores the detail variant for kind from its stored form.
func DecodeDetail(kind Kind, data []byte) (Detail, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch kind {
	case KindEpisodic:
		var d EpisodicDetail
		err := json.Unmarshal(data, &d)
		return d, err
	case KindSemantic:
		var d SemanticDetail
		err := json.Unmarshal(data, &d)
		return d, err
	case KindProcedural:
		var d ProceduralDetail
		err := json.Unmarshal(data, &d)
		return d, err
	}
	return nil, fmt.Errorf("decode detail for kind %q: %w", kind, apperr.ErrInvalid)
}
