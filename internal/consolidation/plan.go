package consolidation

import (
	"context"
	"sort"

	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/model"
	"github.com/nidhogg/recall/internal/summarize"
	"github.com/nidhogg/recall/internal/tokenizer"
	"go.uber.org/zap"
)

// merge is a planned cluster of episodic items and the semantic item that
// replaces them.
type merge struct {
	members  []*model.MemoryItem
	replaced *model.MemoryItem
}

// plan is everything one user's consolidation will apply.
type plan struct {
	merges   []merge
	promotes []*model.MemoryItem
}

// cluster groups episodic items whose embeddings are closer than
// MergeThreshold and whose summaries share at least MinContentOverlap of
// their words. Only groups of two or more are returned, each sorted by
// insertion order, groups ordered by their first member.
func cluster(items []*model.MemoryItem, cfg Config) [][]*model.MemoryItem {
	var episodic []*model.MemoryItem
	for _, it := range items {
		if it.Kind == model.KindEpisodic {
			episodic = append(episodic, it)
		}
	}
	sort.Slice(episodic, func(i, j int) bool { return episodic[i].Seq < episodic[j].Seq })

	parent := make([]int, len(episodic))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i := 0; i < len(episodic); i++ {
		for j := i + 1; j < len(episodic); j++ {
			a, b := episodic[i], episodic[j]
			if memory.Cosine(a.Embedding, b.Embedding) <= cfg.MergeThreshold {
				continue
			}
			if tokenizer.Jaccard(a.Summary, b.Summary) < cfg.MinContentOverlap {
				continue
			}
			ri, rj := find(i), find(j)
			if ri != rj {
				if ri < rj {
					parent[rj] = ri
				} else {
					parent[ri] = rj
				}
			}
		}
	}

	groups := make(map[int][]*model.MemoryItem)
	var roots []int
	for i, it := range episodic {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], it)
	}
	sort.Ints(roots)
	var out [][]*model.MemoryItem
	for _, r := range roots {
		if len(groups[r]) > 1 {
			out = append(out, groups[r])
		}
	}
	return out
}

// buildPlan computes merges and promotions from a snapshot. It may call the
// embedder and must run without the user's lock held.
func (s *Scheduler) buildPlan(ctx context.Context, userID string, items []*model.MemoryItem) (*plan, error) {
	p := &plan{}
	clustered := make(map[string]bool)

	for _, members := range cluster(items, s.cfg) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, err := s.mergeItem(ctx, userID, members)
		if err != nil {
			return nil, err
		}
		p.merges = append(p.merges, merge{members: members, replaced: item})
		for _, m := range members {
			clustered[m.ID] = true
		}
	}

	for _, it := range items {
		if it.Kind == model.KindEpisodic && !clustered[it.ID] && it.ReinforcementCount >= s.cfg.PromoteAfter {
			p.promotes = append(p.promotes, it)
		}
	}
	return p, nil
}

// mergeItem synthesizes the semantic item for a cluster. It keeps the
// strongest decay, the latest reinforcement and the total reinforcement count.
func (s *Scheduler) mergeItem(ctx context.Context, userID string, members []*model.MemoryItem) (*model.MemoryItem, error) {
	summaries := make([]string, 0, len(members))
	vectors := make([][]float32, 0, len(members))
	mergedFrom := make([]string, 0, len(members))
	var refs []string
	seenRef := make(map[string]bool)
	var (
		maxDecay float64
		count    int
		last     = members[0].LastReinforced
	)
	for _, m := range members {
		summaries = append(summaries, m.Summary)
		vectors = append(vectors, m.Embedding)
		mergedFrom = append(mergedFrom, m.ID)
		for _, r := range m.SourceRefs {
			if !seenRef[r] {
				seenRef[r] = true
				refs = append(refs, r)
			}
		}
		if m.Decay > maxDecay {
			maxDecay = m.Decay
		}
		count += m.ReinforcementCount
		if m.LastReinforced.After(last) {
			last = m.LastReinforced
		}
	}

	summary := summarize.Merge(summaries, s.cfg.SummaryMaxChars)
	vec := s.embed(ctx, userID, summary)
	if vec == nil {
		vec = memory.Centroid(vectors)
	}

	item, err := model.NewSemantic(userID, summary, vec, refs, mergedFrom)
	if err != nil {
		return nil, err
	}
	item.Decay = maxDecay
	item.ReinforcementCount = count
	item.LastReinforced = last
	return item, nil
}

// embed re-embeds a merged summary. Failure falls back to the centroid.
func (s *Scheduler) embed(ctx context.Context, userID, text string) []float32 {
	if s.embedder == nil {
		return nil
	}
	vec, err := embedding.EmbedOne(ctx, s.embedder, text)
	if err != nil {
		s.logger.Warn("merged summary embedding failed, using centroid",
			zap.String("user", userID), zap.Error(err))
		return nil
	}
	return vec
}

// apply commits the plan under the user's lock. A cluster or promotion whose
// items changed since the snapshot is skipped and picked up next run.
func (s *Scheduler) apply(ctx context.Context, userID string, p *plan, res *UserResult) ([]merge, []*model.MemoryItem, error) {
	var (
		doneMerges   []merge
		donePromotes []*model.MemoryItem
		stale        int
	)
	err := s.index.Apply(ctx, userID, func(tx *memory.Tx) error {
		doneMerges, donePromotes, stale = nil, nil, 0
		for _, m := range p.merges {
			if !unchanged(tx, m.members) {
				stale++
				continue
			}
			inserted, err := tx.Insert(m.replaced)
			if err != nil {
				return err
			}
			for _, it := range m.members {
				tx.Delete(it.ID)
			}
			doneMerges = append(doneMerges, merge{members: m.members, replaced: inserted})
		}
		for _, it := range p.promotes {
			if !unchanged(tx, []*model.MemoryItem{it}) {
				stale++
				continue
			}
			cur, _ := tx.Get(it.ID)
			cur.Kind = model.KindSemantic
			cur.Detail = model.SemanticDetail{}
			promoted, err := tx.Put(cur)
			if err != nil {
				return err
			}
			donePromotes = append(donePromotes, promoted)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	res.Stale += stale
	res.Merged += len(doneMerges)
	for _, m := range doneMerges {
		res.Consumed += len(m.members)
	}
	res.Promoted += len(donePromotes)
	return doneMerges, donePromotes, nil
}

func unchanged(tx *memory.Tx, items []*model.MemoryItem) bool {
	for _, it := range items {
		cur, ok := tx.Get(it.ID)
		if !ok || cur.Version != it.Version {
			return false
		}
	}
	return true
}

// relatedPairs returns pairs of distinct items at least RelatedThreshold
// similar, in insertion order.
func relatedPairs(items []*model.MemoryItem, threshold float64) [][2]*model.MemoryItem {
	var out [][2]*model.MemoryItem
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if memory.Cosine(items[i].Embedding, items[j].Embedding) >= threshold {
				out = append(out, [2]*model.MemoryItem{items[i], items[j]})
			}
		}
	}
	return out
}
