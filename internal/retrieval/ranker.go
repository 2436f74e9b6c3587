// Package retrieval scores memory candidates and selects the ones that fit a
// token budget.
package retrieval

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/model"
	"github.com/nidhogg/recall/internal/tokenizer"
	"go.uber.org/zap"
)

// Weights combine the three ranking signals.
type Weights struct {
	Similarity float64 `json:"similarity"`
	Decay      float64 `json:"decay"`
	Recency    float64 `json:"recency"`
}

// Config controls ranking and selection.
type Config struct {
	Weights         Weights       `json:"weights"`
	RecencyHalfLife time.Duration `json:"recency_half_life"`
	MaxCandidates   int           `json:"max_candidates"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Weights:         Weights{Similarity: 0.6, Decay: 0.25, Recency: 0.15},
		RecencyHalfLife: 72 * time.Hour,
		MaxCandidates:   32,
	}
}

// Ranked is a candidate with its combined score and token cost.
type Ranked struct {
	Item       *model.MemoryItem `json:"item"`
	Similarity float64           `json:"similarity"`
	Score      float64           `json:"score"`
	Tokens     int               `json:"tokens"`
}

// Searcher is the part of the memory index the ranker reads from.
type Searcher interface {
	Search(ctx context.Context, userID string, query []float32, k int, kinds ...model.Kind) ([]memory.Candidate, error)
	Reinforce(ctx context.Context, id string) (*model.MemoryItem, error)
}

// Ranker implements search, rank, select and reinforce.
type Ranker struct {
	cfg    Config
	index  Searcher
	logger *zap.Logger
	now    func() time.Time
}

// NewRanker creates a ranker over index.
func NewRanker(cfg Config, index Searcher, logger *zap.Logger) *Ranker {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 32
	}
	return &Ranker{cfg: cfg, index: index, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (r *Ranker) SetClock(now func() time.Time) {
	r.now = now
}

// Recency maps an age to (0,1], halving every halfLife. It is 1 for
// non-positive ages and strictly decreasing after that.
func Recency(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if halfLife <= 0 {
		return 0
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// Rank scores candidates and orders them by score, ties broken by insertion
// order. It does not modify its input.
func Rank(cands []memory.Candidate, cfg Config, now time.Time) []Ranked {
	out := make([]Ranked, len(cands))
	for i, c := range cands {
		rec := Recency(now.Sub(c.Item.LastReinforced), cfg.RecencyHalfLife)
		out[i] = Ranked{
			Item:       c.Item,
			Similarity: c.Similarity,
			Score: cfg.Weights.Similarity*c.Similarity +
				cfg.Weights.Decay*c.Item.Decay +
				cfg.Weights.Recency*rec,
			Tokens: tokenizer.Estimate(c.Item.Summary),
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Item.Seq < out[j].Item.Seq
	})
	return out
}

// Fit returns the longest prefix of ranked whose token costs sum to at most budget.
func Fit(ranked []Ranked, budget int) []Ranked {
	used := 0
	for i, r := range ranked {
		if used+r.Tokens > budget {
			return ranked[:i]
		}
		used += r.Tokens
	}
	return ranked
}

// Select searches the user's memory, ranks the hits, keeps the prefix that
// fits budget and reinforces each kept item. A failed reinforcement is logged
// and does not drop the item.
func (r *Ranker) Select(ctx context.Context, userID string, query []float32, budget int, kinds ...model.Kind) ([]Ranked, error) {
	if budget <= 0 {
		return nil, nil
	}
	cands, err := r.index.Search(ctx, userID, query, r.cfg.MaxCandidates, kinds...)
	if err != nil {
		return nil, err
	}
	selected := Fit(Rank(cands, r.cfg, r.now()), budget)
	for _, s := range selected {
		// A caller that has given up never sees the selection, so it must
		// not count as a use.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := r.index.Reinforce(ctx, s.Item.ID); err != nil {
			r.logger.Warn("reinforce failed", zap.String("memory", s.Item.ID), zap.Error(err))
		}
	}
	return selected, nil
}
