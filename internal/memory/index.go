// Package memory is the long-term memory index: per-user shards of memory
// items with derived decay, similarity search and atomic per-user mutation.
//
// Each user's shard has its own RWMutex. Searches and snapshots take it
// shared; Reinforce, Apply and prune take it exclusively, so a reader sees a
// shard either before or after a mutation. Mutations are persisted before
// they become visible. The shard map lock is never held while acquiring a
// shard lock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
	"go.uber.org/zap"
)

// Repository persists memory items. A nil Repository keeps the index in memory.
type Repository interface {
	SaveMemories(ctx context.Context, upserts []*model.MemoryItem, deletes []string) error
	LoadMemories(ctx context.Context) ([]*model.MemoryItem, error)
	DeleteUserMemories(ctx context.Context, userID string) error
}

// Config controls search and retention.
type Config struct {
	Decay           DecayPolicy   `json:"decay"`
	MinSimilarity   float64       `json:"min_similarity"`
	PruneThreshold  float64       `json:"prune_threshold"`
	RetentionWindow time.Duration `json:"retention_window"`
	CandidateFactor int           `json:"candidate_factor"` // vector index over-fetch multiplier
	// Dimension is the embedding length every stored item must have.
	// Zero accepts any length.
	Dimension int `json:"dimension"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Decay:           DefaultDecayPolicy(),
		MinSimilarity:   0.2,
		PruneThreshold:  0.05,
		RetentionWindow: 7 * 24 * time.Hour,
		CandidateFactor: 4,
	}
}

// Candidate is a search hit with its exact similarity to the query.
type Candidate struct {
	Item       *model.MemoryItem `json:"item"`
	Similarity float64           `json:"similarity"`
}

// Stats summarizes one user's memory.
type Stats struct {
	UserID    string             `json:"user_id"`
	Total     int                `json:"total"`
	ByKind    map[model.Kind]int `json:"by_kind"`
	MeanDecay float64            `json:"mean_decay"`
}

type shard struct {
	mu    sync.RWMutex
	items map[string]*model.MemoryItem
}

// Index holds every user's memory items.
type Index struct {
	cfg    Config
	repo   Repository
	vec    VectorIndex
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	shards map[string]*shard
	owner  map[string]string // item id -> user id

	seq atomic.Uint64
}

// NewIndex creates a memory index. repo and vec may be nil.
func NewIndex(cfg Config, repo Repository, vec VectorIndex, logger *zap.Logger) *Index {
	if cfg.CandidateFactor <= 0 {
		cfg.CandidateFactor = 4
	}
	return &Index{
		cfg:    cfg,
		repo:   repo,
		vec:    vec,
		logger: logger,
		now:    time.Now,
		shards: make(map[string]*shard),
		owner:  make(map[string]string),
	}
}

// SetClock replaces the time source.
func (x *Index) SetClock(now func() time.Time) {
	x.now = now
}

// Policy returns the decay policy in effect.
func (x *Index) Policy() DecayPolicy {
	return x.cfg.Decay
}

// Load restores items from the repository and re-feeds the vector index.
func (x *Index) Load(ctx context.Context) error {
	if x.repo == nil {
		return nil
	}
	items, err := x.repo.LoadMemories(ctx)
	if err != nil {
		return fmt.Errorf("load memories: %w", err)
	}
	var maxSeq uint64
	x.mu.Lock()
	for _, it := range items {
		sh := x.shards[it.UserID]
		if sh == nil {
			sh = &shard{items: make(map[string]*model.MemoryItem)}
			x.shards[it.UserID] = sh
		}
		sh.items[it.ID] = it
		x.owner[it.ID] = it.UserID
		if it.Seq > maxSeq {
			maxSeq = it.Seq
		}
	}
	x.mu.Unlock()
	x.seq.Store(maxSeq)

	if x.vec != nil {
		for _, it := range items {
			if err := x.vec.Upsert(ctx, it); err != nil {
				x.logger.Warn("vector index reload failed", zap.Error(err))
				break
			}
		}
	}
	x.logger.Info("memories loaded", zap.Int("items", len(items)))
	return nil
}

// Insert validates and stores a new item. A Decay in (0,1] on the input is
// used as the initial anchor; otherwise the item starts at 1.
func (x *Index) Insert(ctx context.Context, item *model.MemoryItem) (*model.MemoryItem, error) {
	if item == nil {
		return nil, fmt.Errorf("insert nil memory: %w", apperr.ErrInvalid)
	}
	if err := x.validate(item); err != nil {
		return nil, err
	}
	var out *model.MemoryItem
	err := x.Apply(ctx, item.UserID, func(tx *Tx) error {
		var err error
		out, err = tx.Insert(item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a snapshot of one item.
func (x *Index) Get(ctx context.Context, id string) (*model.MemoryItem, error) {
	sh, ok := x.shardFor(id)
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, apperr.ErrNotFound)
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	it, ok := sh.items[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, apperr.ErrNotFound)
	}
	return x.snapshot(it, x.now()), nil
}

// List returns snapshots of a user's items in insertion order.
func (x *Index) List(ctx context.Context, userID string) []*model.MemoryItem {
	sh := x.shard(userID, false)
	if sh == nil {
		return nil
	}
	now := x.now()
	sh.mu.RLock()
	out := make([]*model.MemoryItem, 0, len(sh.items))
	for _, it := range sh.items {
		out = append(out, x.snapshot(it, now))
	}
	sh.mu.RUnlock()
	sortBySeq(out)
	return out
}

// Users returns every user with a shard, sorted.
func (x *Index) Users() []string {
	x.mu.RLock()
	users := make([]string, 0, len(x.shards))
	for u := range x.shards {
		users = append(users, u)
	}
	x.mu.RUnlock()
	sort.Strings(users)
	return users
}

// Search returns up to k of the user's items most similar to query, ordered
// by similarity, then higher decay, then more recent reinforcement, then
// insertion order. Items below MinSimilarity are never returned.
func (x *Index) Search(ctx context.Context, userID string, query []float32, k int, kinds ...model.Kind) ([]Candidate, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("search: empty query vector: %w", apperr.ErrInvalid)
	}
	if k <= 0 {
		return nil, nil
	}
	sh := x.shard(userID, false)
	if sh == nil {
		return nil, nil
	}

	var ids []string
	accelerated := false
	if x.vec != nil {
		var err error
		ids, err = x.vec.Query(ctx, userID, query, k*x.cfg.CandidateFactor, kinds)
		if err != nil {
			x.logger.Warn("vector index query failed, scanning shard",
				zap.String("user", userID), zap.Error(err))
		} else {
			accelerated = true
		}
	}

	allow := kindSet(kinds)
	now := x.now()
	var out []Candidate
	consider := func(it *model.MemoryItem) {
		if allow != nil && !allow[it.Kind] {
			return
		}
		sim := Cosine(query, it.Embedding)
		if sim < x.cfg.MinSimilarity {
			return
		}
		out = append(out, Candidate{Item: x.snapshot(it, now), Similarity: sim})
	}

	sh.mu.RLock()
	if accelerated {
		for _, id := range ids {
			if it, ok := sh.items[id]; ok {
				consider(it)
			}
		}
	} else {
		for _, it := range sh.items {
			consider(it)
		}
	}
	sh.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Item.Decay != b.Item.Decay {
			return a.Item.Decay > b.Item.Decay
		}
		if !a.Item.LastReinforced.Equal(b.Item.LastReinforced) {
			return a.Item.LastReinforced.After(b.Item.LastReinforced)
		}
		return a.Item.Seq < b.Item.Seq
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Reinforce resets an item's decay to 1 and counts the use.
func (x *Index) Reinforce(ctx context.Context, id string) (*model.MemoryItem, error) {
	userID, ok := x.ownerOf(id)
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, apperr.ErrNotFound)
	}
	var out *model.MemoryItem
	err := x.Apply(ctx, userID, func(tx *Tx) error {
		it, ok := tx.Get(id)
		if !ok {
			return fmt.Errorf("memory %s: %w", id, apperr.ErrNotFound)
		}
		now := tx.Now()
		it.ReinforcementCount++
		it.DecayAnchor = 1
		it.AnchoredAt = now
		it.LastReinforced = now
		it.State = model.StateReinforced
		var err error
		out, err = tx.Put(it)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Apply runs fn against a transaction over the user's shard while holding
// the shard's write lock. Nothing changes if fn returns an error or the
// repository rejects the batch.
func (x *Index) Apply(ctx context.Context, userID string, fn func(*Tx) error) error {
	if userID == "" {
		return fmt.Errorf("apply: user id required: %w", apperr.ErrInvalid)
	}
	sh := x.shard(userID, true)
	sh.mu.Lock()

	tx := &Tx{
		idx:     x,
		userID:  userID,
		shard:   sh,
		now:     x.now(),
		puts:    make(map[string]*model.MemoryItem),
		deletes: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		sh.mu.Unlock()
		return err
	}
	if tx.empty() {
		sh.mu.Unlock()
		return nil
	}

	upserts, deletes := tx.batch()
	if x.repo != nil {
		if err := x.repo.SaveMemories(ctx, upserts, deletes); err != nil {
			sh.mu.Unlock()
			return fmt.Errorf("save memories: %w", err)
		}
	}
	for _, it := range upserts {
		sh.items[it.ID] = it
	}
	for _, id := range deletes {
		delete(sh.items, id)
	}
	sh.mu.Unlock()

	x.mu.Lock()
	for _, it := range upserts {
		x.owner[it.ID] = userID
	}
	for _, id := range deletes {
		delete(x.owner, id)
	}
	x.mu.Unlock()

	x.syncVectors(ctx, userID, upserts, deletes)
	return nil
}

// Prune removes, across all users, items whose decay has been below the
// prune threshold for longer than the retention window.
func (x *Index) Prune(ctx context.Context) (int, error) {
	var total int
	for _, u := range x.Users() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ids, err := x.PruneUser(ctx, u)
		total += len(ids)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", u, err)
		}
	}
	return total, nil
}

// PruneUser prunes one user's shard and returns the removed ids.
func (x *Index) PruneUser(ctx context.Context, userID string) ([]string, error) {
	var removed []string
	err := x.Apply(ctx, userID, func(tx *Tx) error {
		removed = removed[:0]
		for _, it := range tx.Items() {
			if x.Expired(it, tx.Now()) {
				tx.Delete(it.ID)
				removed = append(removed, it.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		x.logger.Info("memories pruned", zap.String("user", userID), zap.Int("count", len(removed)))
	}
	return removed, nil
}

// Expired reports whether an item is due for pruning at now.
func (x *Index) Expired(it *model.MemoryItem, now time.Time) bool {
	since, ok := x.cfg.Decay.BelowSince(it.DecayAnchor, it.AnchoredAt, x.cfg.PruneThreshold)
	return ok && now.Sub(since) > x.cfg.RetentionWindow
}

// Stats returns counts per kind and mean decay for a user.
func (x *Index) Stats(ctx context.Context, userID string) Stats {
	st := Stats{UserID: userID, ByKind: make(map[model.Kind]int, len(model.Kinds))}
	for _, k := range model.Kinds {
		st.ByKind[k] = 0
	}
	items := x.List(ctx, userID)
	var sum float64
	for _, it := range items {
		st.ByKind[it.Kind]++
		sum += it.Decay
	}
	st.Total = len(items)
	if st.Total > 0 {
		st.MeanDecay = sum / float64(st.Total)
	}
	return st
}

// DeleteUser erases every memory item of a user.
func (x *Index) DeleteUser(ctx context.Context, userID string) (int, error) {
	sh := x.shard(userID, false)
	if sh == nil {
		if x.repo != nil {
			return 0, x.repo.DeleteUserMemories(ctx, userID)
		}
		return 0, nil
	}
	sh.mu.Lock()
	if x.repo != nil {
		if err := x.repo.DeleteUserMemories(ctx, userID); err != nil {
			sh.mu.Unlock()
			return 0, fmt.Errorf("delete user memories: %w", err)
		}
	}
	ids := make([]string, 0, len(sh.items))
	for id := range sh.items {
		ids = append(ids, id)
	}
	sh.items = make(map[string]*model.MemoryItem)
	sh.mu.Unlock()

	x.mu.Lock()
	for _, id := range ids {
		delete(x.owner, id)
	}
	if x.shards[userID] == sh {
		delete(x.shards, userID)
	}
	x.mu.Unlock()

	x.syncVectors(ctx, userID, nil, ids)
	return len(ids), nil
}

// snapshot returns a detached copy with Decay and State materialized at now.
func (x *Index) snapshot(it *model.MemoryItem, now time.Time) *model.MemoryItem {
	c := it.Clone()
	c.Decay = x.cfg.Decay.At(it.DecayAnchor, it.AnchoredAt, now)
	switch {
	case x.cfg.Decay.Intervals(it.AnchoredAt, now) >= 1:
		c.State = model.StateDecaying
	case it.ReinforcementCount > 0:
		c.State = model.StateReinforced
	default:
		c.State = model.StateFresh
	}
	return c
}

func (x *Index) shard(userID string, create bool) *shard {
	x.mu.RLock()
	sh := x.shards[userID]
	x.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if sh = x.shards[userID]; sh == nil {
		sh = &shard{items: make(map[string]*model.MemoryItem)}
		x.shards[userID] = sh
	}
	return sh
}

func (x *Index) ownerOf(id string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	u, ok := x.owner[id]
	return u, ok
}

func (x *Index) shardFor(id string) (*shard, bool) {
	u, ok := x.ownerOf(id)
	if !ok {
		return nil, false
	}
	sh := x.shard(u, false)
	return sh, sh != nil
}

func (x *Index) syncVectors(ctx context.Context, userID string, upserts []*model.MemoryItem, deletes []string) {
	if x.vec == nil {
		return
	}
	for _, it := range upserts {
		if err := x.vec.Upsert(ctx, it); err != nil {
			x.logger.Warn("vector index upsert failed", zap.String("memory", it.ID), zap.Error(err))
		}
	}
	if len(deletes) > 0 {
		if err := x.vec.Delete(ctx, userID, deletes); err != nil {
			x.logger.Warn("vector index delete failed", zap.String("user", userID), zap.Error(err))
		}
	}
}

func (x *Index) validate(item *model.MemoryItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if d := x.cfg.Dimension; d > 0 && len(item.Embedding) != d {
		return fmt.Errorf("memory item: embedding has %d dimensions, index uses %d: %w",
			len(item.Embedding), d, apperr.ErrInvalid)
	}
	return nil
}

func (x *Index) nextSeq() uint64 {
	return x.seq.Add(1)
}

func newID() string {
	return uuid.New().String()
}

func kindSet(kinds []model.Kind) map[model.Kind]bool {
	if len(kinds) == 0 {
		return nil
	}
	m := make(map[model.Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

func sortBySeq(items []*model.MemoryItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
}
