package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
)

// Tx is a pending set of changes to one user's shard. It is only valid inside
// the function passed to Index.Apply.
type Tx struct {
	idx     *Index
	userID  string
	shard   *shard
	now     time.Time
	puts    map[string]*model.MemoryItem
	deletes map[string]bool
}

// Now is the timestamp used for every change in the transaction.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Get returns a snapshot of an item as the transaction sees it.
func (tx *Tx) Get(id string) (*model.MemoryItem, bool) {
	if tx.deletes[id] {
		return nil, false
	}
	if it, ok := tx.puts[id]; ok {
		return tx.idx.snapshot(it, tx.now), true
	}
	it, ok := tx.shard.items[id]
	if !ok {
		return nil, false
	}
	return tx.idx.snapshot(it, tx.now), true
}

// Items returns snapshots of every item visible to the transaction in
// insertion order.
func (tx *Tx) Items() []*model.MemoryItem {
	out := make([]*model.MemoryItem, 0, len(tx.shard.items)+len(tx.puts))
	for id, it := range tx.shard.items {
		if tx.deletes[id] {
			continue
		}
		if _, replaced := tx.puts[id]; replaced {
			continue
		}
		out = append(out, tx.idx.snapshot(it, tx.now))
	}
	for _, it := range tx.puts {
		out = append(out, tx.idx.snapshot(it, tx.now))
	}
	sortBySeq(out)
	return out
}

// Insert adds a new item, assigning its id, sequence and decay anchor.
func (tx *Tx) Insert(item *model.MemoryItem) (*model.MemoryItem, error) {
	if item.UserID != tx.userID {
		return nil, fmt.Errorf("insert memory for %q into shard %q: %w", item.UserID, tx.userID, apperr.ErrInvalid)
	}
	if err := tx.idx.validate(item); err != nil {
		return nil, err
	}
	it := item.Clone()
	it.ID = newID()
	it.Seq = tx.idx.nextSeq()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = tx.now
	}
	if it.LastReinforced.IsZero() {
		it.LastReinforced = it.CreatedAt
	}
	it.DecayAnchor = 1
	if item.Decay > 0 && item.Decay <= 1 {
		it.DecayAnchor = item.Decay
	}
	it.AnchoredAt = tx.now
	it.Decay = it.DecayAnchor
	it.State = model.StateFresh
	it.Version = 1
	tx.puts[it.ID] = it
	return tx.idx.snapshot(it, tx.now), nil
}

// Put replaces an existing item with a modified snapshot and bumps its version.
func (tx *Tx) Put(item *model.MemoryItem) (*model.MemoryItem, error) {
	cur, ok := tx.Get(item.ID)
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", item.ID, apperr.ErrNotFound)
	}
	if err := tx.idx.validate(item); err != nil {
		return nil, err
	}
	it := item.Clone()
	it.UserID = tx.userID
	it.Seq = cur.Seq
	it.CreatedAt = cur.CreatedAt
	it.Version = cur.Version + 1
	if it.AnchoredAt.IsZero() {
		it.AnchoredAt = cur.AnchoredAt
		it.DecayAnchor = cur.DecayAnchor
	}
	tx.puts[it.ID] = it
	return tx.idx.snapshot(it, tx.now), nil
}

// Delete removes an item. Deleting an unknown id is a no-op.
func (tx *Tx) Delete(id string) {
	if _, ok := tx.puts[id]; ok {
		delete(tx.puts, id)
		if _, stored := tx.shard.items[id]; !stored {
			return
		}
	}
	if _, ok := tx.shard.items[id]; ok {
		tx.deletes[id] = true
	}
}

func (tx *Tx) empty() bool {
	return len(tx.puts) == 0 && len(tx.deletes) == 0
}

func (tx *Tx) batch() ([]*model.MemoryItem, []string) {
	upserts := make([]*model.MemoryItem, 0, len(tx.puts))
	for _, it := range tx.puts {
		upserts = append(upserts, it)
	}
	sortBySeq(upserts)
	deletes := make([]string, 0, len(tx.deletes))
	for id := range tx.deletes {
		deletes = append(deletes, id)
	}
	sort.Strings(deletes)
	return upserts, deletes
}
