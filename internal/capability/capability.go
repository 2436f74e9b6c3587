// Package capability is the ordered table of trigger-based handlers that may
// answer a user message before it reaches the reasoner.
package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Input is what a capability sees of the current turn.
type Input struct {
	Text           string
	Name           string // command word without the slash, empty for free text
	Args           string
	UserID         string
	ConversationID string
}

// Result is a capability's answer.
type Result struct {
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

// Handler executes a matched capability.
type Handler func(ctx context.Context, in *Input) (*Result, error)

// Matcher decides whether a capability handles an input.
type Matcher func(in *Input) bool

// Capability is one entry of the table.
type Capability struct {
	Name        string
	Description string
	Usage       string
	Match       Matcher
	Handler     Handler
}

// Command matches "/name" with or without arguments.
func Command(name string) Matcher {
	return func(in *Input) bool { return in.Name == name }
}

// Prefix matches free text starting with prefix, case-insensitively.
func Prefix(prefix string) Matcher {
	prefix = strings.ToLower(prefix)
	return func(in *Input) bool {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(in.Text)), prefix)
	}
}

// Registry holds capabilities in registration order. Dispatch picks the
// first capability whose matcher accepts the input.
type Registry struct {
	mu    sync.RWMutex
	table []*Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends c. A capability registered under an existing name
// replaces it in place and keeps its position.
func (r *Registry) Register(c *Capability) {
	if c.Match == nil {
		c.Match = Command(c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.table {
		if existing.Name == c.Name {
			r.table[i] = c
			return
		}
	}
	r.table = append(r.table, c)
}

// Parse splits a message into command word and arguments.
func Parse(text string) (name, args string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", ""
	}
	parts := strings.SplitN(strings.TrimPrefix(trimmed, "/"), " ", 2)
	name = strings.ToLower(parts[0])
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args
}

// Dispatch runs the first matching capability. handled is false when no
// capability matched and the message should go to the reasoner. An unknown
// slash command is answered with a hint instead.
func (r *Registry) Dispatch(ctx context.Context, in *Input) (res *Result, handled bool, err error) {
	in.Name, in.Args = Parse(in.Text)

	r.mu.RLock()
	var match *Capability
	for _, c := range r.table {
		if c.Match(in) {
			match = c
			break
		}
	}
	r.mu.RUnlock()

	if match == nil {
		if in.Name != "" {
			return &Result{
				Content: fmt.Sprintf("Unknown command: /%s. Type /help for available commands.", in.Name),
			}, true, nil
		}
		return nil, false, nil
	}
	res, err = match.Handler(ctx, in)
	if err != nil {
		return nil, true, fmt.Errorf("capability %s: %w", match.Name, err)
	}
	return res, true, nil
}

// List returns the capabilities in dispatch order.
func (r *Registry) List() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Capability, len(r.table))
	copy(out, r.table)
	return out
}
