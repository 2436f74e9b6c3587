package window

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/model"
	"github.com/nidhogg/recall/internal/retrieval"
	"go.uber.org/zap"
)

// Reasons recorded on degraded windows.
const (
	ReasonTimeout              = "timeout"
	ReasonEmbeddingUnavailable = "embedding unavailable"
	ReasonRetrievalFailed      = "retrieval failed"
)

// Messages is the read side of the conversation store.
type Messages interface {
	ReadTail(ctx context.Context, conversationID string, n int) ([]model.Message, error)
	Has(ctx context.Context, conversationID string, seq int64) bool
}

// Selector picks ranked memories that fit a token budget.
type Selector interface {
	Select(ctx context.Context, userID string, query []float32, budget int, kinds ...model.Kind) ([]retrieval.Ranked, error)
}

// MemoryLookup checks that a carried memory fragment still exists.
type MemoryLookup interface {
	Get(ctx context.Context, id string) (*model.MemoryItem, error)
}

// Builder builds context windows and remembers each conversation's trailing
// fragments for the next window's overlap.
type Builder struct {
	cfg      Config
	messages Messages
	ranker   Selector
	memories MemoryLookup
	embedder embedding.Provider
	logger   *zap.Logger

	mu    sync.Mutex
	carry map[string][]Fragment // conversation id -> trailing fragments of the last window
}

// NewBuilder creates a builder. ranker, memories and embedder may be nil,
// which gives recency-only windows.
func NewBuilder(cfg Config, messages Messages, ranker Selector, memories MemoryLookup, embedder embedding.Provider, logger *zap.Logger) *Builder {
	return &Builder{
		cfg:      cfg.withDefaults(),
		messages: messages,
		ranker:   ranker,
		memories: memories,
		embedder: embedder,
		logger:   logger,
		carry:    make(map[string][]Fragment),
	}
}

// Build assembles a window that never exceeds req.TokenBudget. A negative
// req.Overlap uses the configured default.
//
// It fails with ErrBudgetTooSmall when the newest message alone does not fit,
// before touching memory. Embedding failures and timeouts never fail the
// build; they yield a degraded window of recent messages.
func (b *Builder) Build(ctx context.Context, req Request) (*Window, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("build window: conversation id required: %w", apperr.ErrInvalid)
	}
	if req.TokenBudget < 0 {
		return nil, fmt.Errorf("build window: negative budget %d: %w", req.TokenBudget, apperr.ErrInvalid)
	}
	overlap := req.Overlap
	if overlap < 0 {
		overlap = b.cfg.DefaultOverlap
	}
	if overlap > b.cfg.MaxOverlap {
		overlap = b.cfg.MaxOverlap
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tail, err := b.messages.ReadTail(ctx, req.ConversationID, b.cfg.MaxTailMessages)
	if err != nil {
		return nil, fmt.Errorf("build window: %w", err)
	}

	budget := req.TokenBudget
	reserve := int(float64(budget) * b.cfg.ReserveFraction)
	if len(tail) > 0 {
		newest := tail[len(tail)-1].Cost()
		if newest > budget {
			return nil, fmt.Errorf("build window: newest message costs %d tokens, budget is %d: %w",
				newest, budget, apperr.ErrBudgetTooSmall)
		}
		if newest > reserve {
			reserve = newest
		}
	}

	w := &Window{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Budget:         budget,
		Overlap:        overlap,
	}

	carried := b.validCarry(ctx, req, overlap)
	selected := selectMessages(tail, carried, reserve)

	var memFrags []Fragment
	if query := retrievalQuery(req, tail); query != "" && req.UserID != "" && budget-reserve > 0 {
		exclude := make(map[string]bool)
		for _, f := range carried {
			if f.Provenance == ProvenanceMemory && selected[f.Ref] {
				exclude[f.Ref] = true
			}
		}
		memFrags = b.retrieve(ctx, w, query, budget-reserve, exclude)
	}

	// Whatever retrieval left unused goes back to the message area. The
	// selection order is unchanged, so this only extends the prefix chosen
	// above with older whole messages.
	memTokens := 0
	retrieved := make(map[string]bool, len(memFrags))
	for _, f := range memFrags {
		memTokens += f.Tokens
		retrieved[f.Ref] = true
	}
	if budget-memTokens > reserve {
		carried = withoutRefs(carried, retrieved)
		selected = selectMessages(tail, carried, budget-memTokens)
	}

	for _, f := range carried {
		if selected[f.Ref] {
			f.Overlap = true
			w.Fragments = append(w.Fragments, f)
		}
	}
	w.Fragments = append(w.Fragments, memFrags...)
	for _, m := range tail {
		f := messageFragment(m)
		if selected[f.Ref] && !isCarried(carried, f.Ref) {
			w.Fragments = append(w.Fragments, f)
		}
	}
	for _, f := range w.Fragments {
		w.TokensUsed += f.Tokens
	}

	b.remember(req.ConversationID, w.Fragments)
	b.logger.Debug("window built",
		zap.String("conversation", req.ConversationID),
		zap.Int("budget", budget),
		zap.Int("tokens", w.TokensUsed),
		zap.Int("fragments", len(w.Fragments)),
		zap.Bool("degraded", w.Degraded))
	return w, nil
}

// Forget drops the remembered overlap for a conversation.
func (b *Builder) Forget(conversationID string) {
	b.mu.Lock()
	delete(b.carry, conversationID)
	b.mu.Unlock()
}

// retrieve embeds the query and selects memories within budget. It gives up
// when ctx expires and marks the window degraded on any failure.
func (b *Builder) retrieve(ctx context.Context, w *Window, query string, budget int, exclude map[string]bool) []Fragment {
	if b.ranker == nil || b.embedder == nil {
		return nil
	}
	type result struct {
		ranked []retrieval.Ranked
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		vec, err := embedding.EmbedOne(ctx, b.embedder, query)
		if err != nil {
			ch <- result{err: fmt.Errorf("%w: %v", apperr.ErrEmbeddingUnavailable, err)}
			return
		}
		if err := ctx.Err(); err != nil {
			ch <- result{err: err}
			return
		}
		ranked, err := b.ranker.Select(ctx, w.UserID, vec, budget)
		ch <- result{ranked: ranked, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		r.err = ctx.Err()
	case r = <-ch:
	}

	if r.err != nil {
		switch {
		case errors.Is(r.err, apperr.ErrEmbeddingUnavailable):
			w.DegradedReason = ReasonEmbeddingUnavailable
		case errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled):
			w.DegradedReason = ReasonTimeout
		default:
			w.DegradedReason = ReasonRetrievalFailed
		}
		w.Degraded = true
		b.logger.Warn("memory retrieval skipped, using recent messages only",
			zap.String("conversation", w.ConversationID),
			zap.String("reason", w.DegradedReason),
			zap.Error(r.err))
		return nil
	}

	out := make([]Fragment, 0, len(r.ranked))
	for _, rk := range r.ranked {
		if exclude[rk.Item.ID] {
			continue
		}
		out = append(out, Fragment{
			Provenance: ProvenanceMemory,
			Ref:        rk.Item.ID,
			Kind:       rk.Item.Kind,
			Text:       rk.Item.Summary,
			Tokens:     rk.Tokens,
			Score:      rk.Score,
		})
	}
	return out
}

// validCarry returns the last k remembered fragments that still exist, in
// their original order.
func (b *Builder) validCarry(ctx context.Context, req Request, k int) []Fragment {
	if k == 0 {
		return nil
	}
	b.mu.Lock()
	prev := b.carry[req.ConversationID]
	if len(prev) > k {
		prev = prev[len(prev)-k:]
	}
	prev = append([]Fragment(nil), prev...)
	b.mu.Unlock()

	out := prev[:0]
	for _, f := range prev {
		switch f.Provenance {
		case ProvenanceMessage:
			if !b.messages.Has(ctx, req.ConversationID, f.Seq) {
				continue
			}
		case ProvenanceMemory:
			if b.memories == nil {
				continue
			}
			it, err := b.memories.Get(ctx, f.Ref)
			if err != nil || it.UserID != req.UserID {
				continue
			}
		}
		f.Overlap = false
		out = append(out, f)
	}
	return out
}

func (b *Builder) remember(conversationID string, frags []Fragment) {
	if len(frags) > b.cfg.MaxOverlap {
		frags = frags[len(frags)-b.cfg.MaxOverlap:]
	}
	kept := make([]Fragment, len(frags))
	copy(kept, frags)
	b.mu.Lock()
	b.carry[conversationID] = kept
	b.mu.Unlock()
}

// selectMessages decides which message-area fragments fit within reserve.
// A larger reserve always selects a superset of a smaller one.
// Priority is the newest message, then carried fragments newest first, then
// the rest of the tail newest first; the longest fitting prefix is kept.
func selectMessages(tail []model.Message, carried []Fragment, reserve int) map[string]bool {
	type cand struct {
		ref    string
		tokens int
	}
	var order []cand
	seen := make(map[string]bool)
	add := func(ref string, tokens int) {
		if !seen[ref] {
			seen[ref] = true
			order = append(order, cand{ref, tokens})
		}
	}
	if len(tail) > 0 {
		f := messageFragment(tail[len(tail)-1])
		add(f.Ref, f.Tokens)
	}
	for i := len(carried) - 1; i >= 0; i-- {
		add(carried[i].Ref, carried[i].Tokens)
	}
	for i := len(tail) - 2; i >= 0; i-- {
		f := messageFragment(tail[i])
		add(f.Ref, f.Tokens)
	}

	selected := make(map[string]bool, len(order))
	used := 0
	for _, c := range order {
		if used+c.tokens > reserve {
			break
		}
		used += c.tokens
		selected[c.ref] = true
	}
	return selected
}

func retrievalQuery(req Request, tail []model.Message) string {
	if req.Query != "" {
		return req.Query
	}
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Role == model.RoleUser {
			return tail[i].Body
		}
	}
	return ""
}

// withoutRefs drops carried fragments that retrieval returned again.
func withoutRefs(frags []Fragment, refs map[string]bool) []Fragment {
	if len(refs) == 0 {
		return frags
	}
	out := make([]Fragment, 0, len(frags))
	for _, f := range frags {
		if !refs[f.Ref] {
			out = append(out, f)
		}
	}
	return out
}

func isCarried(carried []Fragment, ref string) bool {
	for _, f := range carried {
		if f.Ref == ref {
			return true
		}
	}
	return false
}
