package conversation

import (
	"fmt"
	"sort"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
	"go.uber.org/zap"
)

// victim is a set of messages chosen for eviction from one conversation.
type victim struct {
	log  *convLog
	seqs []int64
}

// planLocalEviction picks the oldest unpinned messages of l that must go for
// msg to fit under the per-conversation limits. l.mu must be held.
func planLocalEviction(l *convLog, msg model.Message, cfg Config) ([]int64, error) {
	size := msg.Size()
	if cfg.MaxBytesPerConversation > 0 && size > cfg.MaxBytesPerConversation {
		return nil, fmt.Errorf("message of %d bytes exceeds conversation limit: %w", size, apperr.ErrCapacity)
	}
	count, bytes := len(l.messages)+1, l.bytes+size
	over := func() bool {
		return (cfg.MaxMessagesPerConversation > 0 && count > cfg.MaxMessagesPerConversation) ||
			(cfg.MaxBytesPerConversation > 0 && bytes > cfg.MaxBytesPerConversation)
	}

	var seqs []int64
	for _, m := range l.messages {
		if !over() {
			break
		}
		if m.Pinned {
			continue
		}
		seqs = append(seqs, m.Seq)
		count--
		bytes -= m.Size()
	}
	if over() {
		return nil, fmt.Errorf("conversation %s is full of pinned messages: %w", l.meta.ID, apperr.ErrCapacity)
	}
	return seqs, nil
}

// planStoreEviction picks messages across conversations, least recently
// active first, so that the store-wide limits hold after msg is appended to
// target. Every returned victim other than target is locked; the caller
// unlocks them. Called with globalMu and target.mu held.
func (s *Store) planStoreEviction(target *convLog, own []int64, msg model.Message) ([]victim, error) {
	ownSet := make(map[int64]bool, len(own))
	ownBytes := 0
	for _, seq := range own {
		ownSet[seq] = true
		if i, ok := findSeq(target.messages, seq); ok {
			ownBytes += target.messages[i].Size()
		}
	}

	s.mu.RLock()
	count := s.totalMsgs - len(own) + 1
	bytes := s.totalBytes - ownBytes + msg.Size()
	logs := make([]*convLog, 0, len(s.convs))
	for _, l := range s.convs {
		logs = append(logs, l)
	}
	s.mu.RUnlock()

	over := func() bool {
		return (s.cfg.MaxMessagesTotal > 0 && count > s.cfg.MaxMessagesTotal) ||
			(s.cfg.MaxBytesTotal > 0 && bytes > s.cfg.MaxBytesTotal)
	}
	if !over() {
		return nil, nil
	}

	type entry struct {
		log  *convLog
		last int64
		id   string
	}
	order := make([]entry, 0, len(logs))
	for _, l := range logs {
		if l == target {
			order = append(order, entry{log: l, last: l.meta.LastActive.UnixNano(), id: l.meta.ID})
			continue
		}
		l.mu.RLock()
		order = append(order, entry{log: l, last: l.meta.LastActive.UnixNano(), id: l.meta.ID})
		l.mu.RUnlock()
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].last == order[j].last {
			return order[i].id < order[j].id
		}
		return order[i].last < order[j].last
	})

	var victims []victim
	release := func() {
		for _, v := range victims {
			if v.log != target {
				v.log.mu.Unlock()
			}
		}
	}
	for _, e := range order {
		if !over() {
			break
		}
		l := e.log
		if l != target {
			l.mu.Lock()
			if l.deleted {
				l.mu.Unlock()
				continue
			}
		}
		var seqs []int64
		for _, m := range l.messages {
			if !over() {
				break
			}
			if m.Pinned || (l == target && ownSet[m.Seq]) {
				continue
			}
			seqs = append(seqs, m.Seq)
			count--
			bytes -= m.Size()
		}
		if len(seqs) == 0 {
			if l != target {
				l.mu.Unlock()
			}
			continue
		}
		victims = append(victims, victim{log: l, seqs: seqs})
	}
	if over() {
		release()
		return nil, fmt.Errorf("store-wide limit reached with only pinned messages left: %w", apperr.ErrCapacity)
	}
	return victims, nil
}

// evict drops seqs from the in-memory log after the repository has accepted
// the eviction. l.mu must be held.
func (s *Store) evict(l *convLog, seqs []int64) {
	if len(seqs) == 0 {
		return
	}
	drop := make(map[int64]bool, len(seqs))
	for _, seq := range seqs {
		drop[seq] = true
	}
	kept := l.messages[:0]
	freed := 0
	for _, m := range l.messages {
		if drop[m.Seq] {
			freed += m.Size()
			continue
		}
		kept = append(kept, m)
	}
	// Clear the tail so evicted bodies can be collected.
	for i := len(kept); i < len(l.messages); i++ {
		l.messages[i] = model.Message{}
	}
	l.messages = kept
	l.bytes -= freed

	s.mu.Lock()
	s.totalMsgs -= len(seqs)
	s.totalBytes -= freed
	s.mu.Unlock()

	s.logger.Debug("messages evicted",
		zap.String("conversation", l.meta.ID),
		zap.Int("count", len(seqs)),
		zap.Int("bytes", freed))
	if s.onEvict != nil {
		s.onEvict(l.meta.ID, len(seqs))
	}
}
