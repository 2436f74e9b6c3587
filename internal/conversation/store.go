// Package conversation keeps the append-only message log of every conversation.
//
// Appends to one conversation are serialized by that conversation's lock,
// which also covers the durable write: a message is visible to readers only
// after the repository has accepted it. Reads take the same lock shared and
// so observe either the state before or after an append, never a mix.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Repository is the durable side of the store. A nil Repository keeps
// everything in memory.
type Repository interface {
	CreateConversation(ctx context.Context, c model.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	// AppendMessage stores m and deletes the evicted messages in one
	// transaction: either all of it is durable or none of it is.
	AppendMessage(ctx context.Context, m model.Message, evicted ...model.Eviction) error
	PinMessage(ctx context.Context, conversationID string, seq int64) error
	LoadConversations(ctx context.Context) ([]model.Conversation, error)
	LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// Config bounds what the store retains. Zero means unlimited.
type Config struct {
	MaxMessagesPerConversation int `json:"max_messages_per_conversation"`
	MaxBytesPerConversation    int `json:"max_bytes_per_conversation"`
	MaxMessagesTotal           int `json:"max_messages_total"`
	MaxBytesTotal              int `json:"max_bytes_total"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxMessagesPerConversation: 1000}
}

func (c Config) storeWide() bool {
	return c.MaxMessagesTotal > 0 || c.MaxBytesTotal > 0
}

// AppendOption customizes a single append.
type AppendOption func(*model.Message)

// WithTokenCount records an exact token count instead of the estimate.
func WithTokenCount(n int) AppendOption {
	return func(m *model.Message) { m.TokenCount = &n }
}

// Pinned exempts the appended message from capacity eviction.
func Pinned() AppendOption {
	return func(m *model.Message) { m.Pinned = true }
}

// Store owns conversations and their messages.
type Store struct {
	cfg    Config
	repo   Repository
	logger *zap.Logger
	now    func() time.Time

	// globalMu serializes appends while store-wide limits are configured.
	// Lock order: globalMu, then conversation locks, then mu.
	globalMu sync.Mutex

	mu         sync.RWMutex
	convs      map[string]*convLog
	totalMsgs  int
	totalBytes int

	entropyMu sync.Mutex
	entropy   *rand.Rand

	onEvict func(conversationID string, n int)
}

type convLog struct {
	mu       sync.RWMutex
	meta     model.Conversation
	messages []model.Message // retained, ascending seq
	nextSeq  int64
	bytes    int
	deleted  bool
}

// NewStore creates a conversation store.
func NewStore(cfg Config, repo Repository, logger *zap.Logger) *Store {
	return &Store{
		cfg:     cfg,
		repo:    repo,
		logger:  logger,
		now:     time.Now,
		convs:   make(map[string]*convLog),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// OnEvict registers fn to be called after messages are evicted. It runs with
// the conversation lock held and must not call back into the store.
func (s *Store) OnEvict(fn func(conversationID string, n int)) {
	s.onEvict = fn
}

// Load restores conversations and messages from the repository.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	convs, err := s.repo.LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	var msgCount int
	for _, c := range convs {
		msgs, err := s.repo.LoadMessages(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("load messages for %s: %w", c.ID, err)
		}
		l := &convLog{meta: c, messages: msgs, nextSeq: 1}
		for _, m := range msgs {
			l.bytes += m.Size()
			if m.Seq >= l.nextSeq {
				l.nextSeq = m.Seq + 1
			}
		}
		s.mu.Lock()
		s.convs[c.ID] = l
		s.totalMsgs += len(msgs)
		s.totalBytes += l.bytes
		s.mu.Unlock()
		msgCount += len(msgs)
	}
	s.logger.Info("conversations loaded",
		zap.Int("conversations", len(convs)),
		zap.Int("messages", msgCount))
	return nil
}

// Create starts a new conversation for ownerID.
func (s *Store) Create(ctx context.Context, ownerID, title string) (model.Conversation, error) {
	if ownerID == "" {
		return model.Conversation{}, fmt.Errorf("owner id required: %w", apperr.ErrInvalid)
	}
	now := s.now()
	c := model.Conversation{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		Title:      title,
		CreatedAt:  now,
		LastActive: now,
	}
	if s.repo != nil {
		if err := s.repo.CreateConversation(ctx, c); err != nil {
			return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
		}
	}
	s.mu.Lock()
	s.convs[c.ID] = &convLog{meta: c, nextSeq: 1}
	s.mu.Unlock()
	return c, nil
}

// Get returns conversation metadata.
func (s *Store) Get(ctx context.Context, id string) (model.Conversation, error) {
	l, err := s.log(id)
	if err != nil {
		return model.Conversation{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.deleted {
		return model.Conversation{}, notFound(id)
	}
	return l.meta, nil
}

// ListByOwner returns the owner's conversations, most recently active first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) []model.Conversation {
	s.mu.RLock()
	logs := make([]*convLog, 0, len(s.convs))
	for _, l := range s.convs {
		logs = append(logs, l)
	}
	s.mu.RUnlock()

	var out []model.Conversation
	for _, l := range logs {
		l.mu.RLock()
		if !l.deleted && l.meta.OwnerID == ownerID {
			out = append(out, l.meta)
		}
		l.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}

// Len returns the number of live conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// Append adds a message to the end of a conversation and returns it with its
// assigned id and sequence number. Capacity limits are enforced by evicting
// the oldest unpinned messages first.
func (s *Store) Append(ctx context.Context, conversationID string, role model.Role, body string, opts ...AppendOption) (model.Message, error) {
	if _, err := model.ParseRole(string(role)); err != nil {
		return model.Message{}, err
	}

	if s.cfg.storeWide() {
		s.globalMu.Lock()
		defer s.globalMu.Unlock()
	}

	l, err := s.log(conversationID)
	if err != nil {
		return model.Message{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deleted {
		return model.Message{}, notFound(conversationID)
	}

	msg := model.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		Seq:            l.nextSeq,
		Role:           role,
		Body:           body,
		Timestamp:      s.now(),
	}
	for _, opt := range opts {
		opt(&msg)
	}
	if msg.TokenCount != nil && *msg.TokenCount < 0 {
		return model.Message{}, fmt.Errorf("token count %d is negative: %w", *msg.TokenCount, apperr.ErrInvalid)
	}

	own, err := planLocalEviction(l, msg, s.cfg)
	if err != nil {
		return model.Message{}, err
	}
	var evictions []victim
	if s.cfg.storeWide() {
		victims, err := s.planStoreEviction(l, own, msg)
		if err != nil {
			return model.Message{}, err
		}
		defer func() {
			for _, v := range victims {
				if v.log != l {
					v.log.mu.Unlock()
				}
			}
		}()
		for _, v := range victims {
			if v.log == l {
				own = append(own, v.seqs...)
				continue
			}
			evictions = append(evictions, v)
		}
	}
	if len(own) > 0 {
		evictions = append(evictions, victim{log: l, seqs: own})
	}

	if s.repo != nil {
		evicted := make([]model.Eviction, 0, len(evictions))
		for _, v := range evictions {
			evicted = append(evicted, model.Eviction{ConversationID: v.log.meta.ID, Seqs: v.seqs})
		}
		if err := s.repo.AppendMessage(ctx, msg, evicted...); err != nil {
			return model.Message{}, fmt.Errorf("append message: %w", err)
		}
	}
	for _, v := range evictions {
		s.evict(v.log, v.seqs)
	}
	l.messages = append(l.messages, msg)
	l.nextSeq++
	l.bytes += msg.Size()
	l.meta.LastActive = msg.Timestamp

	s.mu.Lock()
	s.totalMsgs++
	s.totalBytes += msg.Size()
	s.mu.Unlock()
	return msg, nil
}

// ReadTail returns the last n retained messages in original order.
func (s *Store) ReadTail(ctx context.Context, conversationID string, n int) ([]model.Message, error) {
	l, err := s.log(conversationID)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.deleted {
		return nil, notFound(conversationID)
	}
	start := 0
	if n >= 0 && n < len(l.messages) {
		start = len(l.messages) - n
	}
	return append([]model.Message(nil), l.messages[start:]...), nil
}

// Page is one slice of a conversation's history.
type Page struct {
	Messages  []model.Message `json:"messages"`
	NextAfter int64           `json:"next_after"`
	HasMore   bool            `json:"has_more"`
}

// ReadRange returns up to limit messages with seq greater than afterSeq.
func (s *Store) ReadRange(ctx context.Context, conversationID string, afterSeq int64, limit int) (Page, error) {
	l, err := s.log(conversationID)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = 50
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.deleted {
		return Page{}, notFound(conversationID)
	}
	start := sort.Search(len(l.messages), func(i int) bool { return l.messages[i].Seq > afterSeq })
	end := start + limit
	if end > len(l.messages) {
		end = len(l.messages)
	}
	page := Page{
		Messages:  append([]model.Message(nil), l.messages[start:end]...),
		NextAfter: afterSeq,
		HasMore:   end < len(l.messages),
	}
	if len(page.Messages) > 0 {
		page.NextAfter = page.Messages[len(page.Messages)-1].Seq
	}
	return page, nil
}

// Has reports whether the message with seq is still retained.
func (s *Store) Has(ctx context.Context, conversationID string, seq int64) bool {
	l, err := s.log(conversationID)
	if err != nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.deleted {
		return false
	}
	_, ok := findSeq(l.messages, seq)
	return ok
}

// Pin exempts a retained message from eviction.
func (s *Store) Pin(ctx context.Context, conversationID string, seq int64) error {
	l, err := s.log(conversationID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deleted {
		return notFound(conversationID)
	}
	i, ok := findSeq(l.messages, seq)
	if !ok {
		return fmt.Errorf("message %s/%d: %w", conversationID, seq, apperr.ErrNotFound)
	}
	if s.repo != nil {
		if err := s.repo.PinMessage(ctx, conversationID, seq); err != nil {
			return fmt.Errorf("pin message: %w", err)
		}
	}
	l.messages[i].Pinned = true
	return nil
}

// Delete irreversibly removes a conversation and its messages.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	l, err := s.log(conversationID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deleted {
		return notFound(conversationID)
	}
	if s.repo != nil {
		if err := s.repo.DeleteConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	l.deleted = true

	s.mu.Lock()
	delete(s.convs, conversationID)
	s.totalMsgs -= len(l.messages)
	s.totalBytes -= l.bytes
	s.mu.Unlock()

	l.messages = nil
	l.bytes = 0
	s.logger.Info("conversation deleted", zap.String("conversation", conversationID))
	return nil
}

// CleanupInactive deletes conversations idle for longer than olderThan and
// returns the deleted ids.
func (s *Store) CleanupInactive(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := s.now().Add(-olderThan)
	s.mu.RLock()
	logs := make([]*convLog, 0, len(s.convs))
	for _, l := range s.convs {
		logs = append(logs, l)
	}
	s.mu.RUnlock()

	var stale []string
	for _, l := range logs {
		l.mu.RLock()
		if !l.deleted && l.meta.LastActive.Before(cutoff) {
			stale = append(stale, l.meta.ID)
		}
		l.mu.RUnlock()
	}

	sort.Strings(stale)
	var deleted []string
	for _, id := range stale {
		if err := s.Delete(ctx, id); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

// Stats summarizes one conversation.
type Stats struct {
	ConversationID string    `json:"conversation_id"`
	Messages       int       `json:"messages"`
	Tokens         int       `json:"tokens"`
	Bytes          int       `json:"bytes"`
	FirstSeq       int64     `json:"first_seq"`
	LastSeq        int64     `json:"last_seq"`
	LastActive     time.Time `json:"last_active"`
}

// Stats returns message and token totals for a conversation.
func (s *Store) Stats(ctx context.Context, conversationID string) (Stats, error) {
	l, err := s.log(conversationID)
	if err != nil {
		return Stats{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.deleted {
		return Stats{}, notFound(conversationID)
	}
	st := Stats{
		ConversationID: conversationID,
		Messages:       len(l.messages),
		Bytes:          l.bytes,
		LastActive:     l.meta.LastActive,
	}
	for _, m := range l.messages {
		st.Tokens += m.Cost()
	}
	if len(l.messages) > 0 {
		st.FirstSeq = l.messages[0].Seq
		st.LastSeq = l.messages[len(l.messages)-1].Seq
	}
	return st, nil
}

func (s *Store) log(id string) (*convLog, error) {
	s.mu.RLock()
	l, ok := s.convs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return l, nil
}

func (s *Store) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

func notFound(id string) error {
	return fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
}

func findSeq(msgs []model.Message, seq int64) (int, bool) {
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq >= seq })
	if i < len(msgs) && msgs[i].Seq == seq {
		return i, true
	}
	return 0, false
}
