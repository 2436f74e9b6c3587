package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
	"go.uber.org/zap"
)

// memRepo records calls and can be told to fail appends.
type memRepo struct {
	mu         sync.Mutex
	convs      map[string]model.Conversation
	msgs       map[string][]model.Message
	failAppend bool
}

func newMemRepo() *memRepo {
	return &memRepo{convs: map[string]model.Conversation{}, msgs: map[string][]model.Message{}}
}

func (r *memRepo) CreateConversation(_ context.Context, c model.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[c.ID] = c
	return nil
}

func (r *memRepo) DeleteConversation(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	delete(r.msgs, id)
	return nil
}

func (r *memRepo) AppendMessage(_ context.Context, m model.Message, evicted ...model.Eviction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAppend {
		return errors.New("disk on fire")
	}
	for _, ev := range evicted {
		drop := map[int64]bool{}
		for _, s := range ev.Seqs {
			drop[s] = true
		}
		var kept []model.Message
		for _, m := range r.msgs[ev.ConversationID] {
			if !drop[m.Seq] {
				kept = append(kept, m)
			}
		}
		r.msgs[ev.ConversationID] = kept
	}
	r.msgs[m.ConversationID] = append(r.msgs[m.ConversationID], m)
	c := r.convs[m.ConversationID]
	c.LastActive = m.Timestamp
	r.convs[m.ConversationID] = c
	return nil
}

func (r *memRepo) PinMessage(_ context.Context, id string, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs[id] {
		if r.msgs[id][i].Seq == seq {
			r.msgs[id][i].Pinned = true
		}
	}
	return nil
}

func (r *memRepo) LoadConversations(context.Context) ([]model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Conversation
	for _, c := range r.convs {
		out = append(out, c)
	}
	return out, nil
}

func (r *memRepo) LoadMessages(_ context.Context, id string) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.msgs[id]...), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T, cfg Config, repo Repository) *Store {
	t.Helper()
	s := NewStore(cfg, repo, zap.NewNop())
	clk := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s.SetClock(clk.Now)
	return s
}

func mustCreate(t *testing.T, s *Store, owner string) model.Conversation {
	t.Helper()
	c, err := s.Create(context.Background(), owner, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func mustAppend(t *testing.T, s *Store, convID, body string, opts ...AppendOption) model.Message {
	t.Helper()
	m, err := s.Append(context.Background(), convID, model.RoleUser, body, opts...)
	if err != nil {
		t.Fatalf("append %q: %v", body, err)
	}
	return m
}

func TestAppendAssignsSequentialSeq(t *testing.T) {
	s := newTestStore(t, DefaultConfig(), nil)
	c := mustCreate(t, s, "alice")
	for i := 1; i <= 5; i++ {
		m := mustAppend(t, s, c.ID, "hi")
		if m.Seq != int64(i) {
			t.Fatalf("append %d got seq %d", i, m.Seq)
		}
		if m.ID == "" {
			t.Fatal("message id not assigned")
		}
	}

	tail, err := s.ReadTail(context.Background(), c.ID, 3)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if len(tail) != 3 || tail[0].Seq != 3 || tail[2].Seq != 5 {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	all, _ := s.ReadTail(context.Background(), c.ID, 100)
	if len(all) != 5 {
		t.Fatalf("want 5 messages, got %d", len(all))
	}
}

func TestAppendUnknownConversation(t *testing.T) {
	s := newTestStore(t, DefaultConfig(), nil)
	_, err := s.Append(context.Background(), "nope", model.RoleUser, "x")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	s := newTestStore(t, DefaultConfig(), nil)
	c := mustCreate(t, s, "alice")
	_, err := s.Append(context.Background(), c.ID, model.Role("narrator"), "x")
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}

func TestEvictionKeepsPinned(t *testing.T) {
	s := newTestStore(t, Config{MaxMessagesPerConversation: 3}, nil)
	c := mustCreate(t, s, "alice")
	mustAppend(t, s, c.ID, "one", Pinned())
	mustAppend(t, s, c.ID, "two")
	mustAppend(t, s, c.ID, "three")
	mustAppend(t, s, c.ID, "four")

	msgs, _ := s.ReadTail(context.Background(), c.ID, -1)
	var got []string
	for _, m := range msgs {
		got = append(got, m.Body)
	}
	if strings.Join(got, ",") != "one,three,four" {
		t.Fatalf("unexpected retained messages: %v", got)
	}
	if s.Has(context.Background(), c.ID, 2) {
		t.Fatal("seq 2 should have been evicted")
	}
	if !s.Has(context.Background(), c.ID, 1) {
		t.Fatal("pinned seq 1 should be retained")
	}
}

func TestCapacityErrorWhenAllPinned(t *testing.T) {
	s := newTestStore(t, Config{MaxMessagesPerConversation: 2}, nil)
	c := mustCreate(t, s, "alice")
	mustAppend(t, s, c.ID, "a", Pinned())
	mustAppend(t, s, c.ID, "b", Pinned())

	_, err := s.Append(context.Background(), c.ID, model.RoleUser, "c")
	if !errors.Is(err, apperr.ErrCapacity) {
		t.Fatalf("want ErrCapacity, got %v", err)
	}
	st, _ := s.Stats(context.Background(), c.ID)
	if st.Messages != 2 || st.LastSeq != 2 {
		t.Fatalf("failed append must not change the log: %+v", st)
	}

	s.cfg.MaxMessagesPerConversation = 3
	if m := mustAppend(t, s, c.ID, "c"); m.Seq != 3 {
		t.Fatalf("seq advanced past a rejected append: got %d, want 3", m.Seq)
	}
}

func TestByteLimitEvictsOldest(t *testing.T) {
	s := newTestStore(t, Config{MaxBytesPerConversation: 10}, nil)
	c := mustCreate(t, s, "alice")
	mustAppend(t, s, c.ID, "aaaa")
	mustAppend(t, s, c.ID, "bbbb")
	mustAppend(t, s, c.ID, "cccc")

	st, _ := s.Stats(context.Background(), c.ID)
	if st.Bytes > 10 {
		t.Fatalf("byte limit exceeded: %d", st.Bytes)
	}
	if st.FirstSeq != 2 {
		t.Fatalf("oldest message should be evicted, first seq %d", st.FirstSeq)
	}

	_, err := s.Append(context.Background(), c.ID, model.RoleUser, strings.Repeat("x", 11))
	if !errors.Is(err, apperr.ErrCapacity) {
		t.Fatalf("oversized message: want ErrCapacity, got %v", err)
	}
}

func TestStoreWideLimitEvictsLeastRecentlyActive(t *testing.T) {
	s := newTestStore(t, Config{MaxMessagesTotal: 3}, nil)
	old := mustCreate(t, s, "alice")
	fresh := mustCreate(t, s, "bob")
	mustAppend(t, s, old.ID, "o1")
	mustAppend(t, s, old.ID, "o2")
	mustAppend(t, s, fresh.ID, "f1")
	mustAppend(t, s, fresh.ID, "f2")

	oldStats, _ := s.Stats(context.Background(), old.ID)
	freshStats, _ := s.Stats(context.Background(), fresh.ID)
	if oldStats.Messages+freshStats.Messages != 3 {
		t.Fatalf("total should be 3, got %d + %d", oldStats.Messages, freshStats.Messages)
	}
	if oldStats.Messages != 1 || oldStats.FirstSeq != 2 {
		t.Fatalf("expected o1 evicted from the idle conversation: %+v", oldStats)
	}
}

func TestFailedPersistenceLeavesNoTrace(t *testing.T) {
	repo := newMemRepo()
	s := newTestStore(t, DefaultConfig(), repo)
	c := mustCreate(t, s, "alice")
	mustAppend(t, s, c.ID, "kept")

	repo.failAppend = true
	if _, err := s.Append(context.Background(), c.ID, model.RoleUser, "lost"); err == nil {
		t.Fatal("expected append error")
	}
	repo.failAppend = false

	msgs, _ := s.ReadTail(context.Background(), c.ID, -1)
	if len(msgs) != 1 {
		t.Fatalf("failed append became visible: %+v", msgs)
	}
	m := mustAppend(t, s, c.ID, "next")
	if m.Seq != 2 {
		t.Fatalf("want seq 2 after failed append, got %d", m.Seq)
	}
}

func TestLoadRestoresFromRepository(t *testing.T) {
	repo := newMemRepo()
	s := newTestStore(t, DefaultConfig(), repo)
	c := mustCreate(t, s, "alice")
	mustAppend(t, s, c.ID, "one")
	mustAppend(t, s, c.ID, "two")

	restored := newTestStore(t, DefaultConfig(), repo)
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	m := mustAppend(t, restored, c.ID, "three")
	if m.Seq != 3 {
		t.Fatalf("seq must continue after reload, got %d", m.Seq)
	}
	if len(restored.ListByOwner(context.Background(), "alice")) != 1 {
		t.Fatal("conversation not restored")
	}
}

func TestReadRangePages(t *testing.T) {
	s := newTestStore(t, DefaultConfig(), nil)
	c := mustCreate(t, s, "alice")
	for i := 0; i < 5; i++ {
		mustAppend(t, s, c.ID, "m")
	}
	p, err := s.ReadRange(context.Background(), c.ID, 0, 2)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(p.Messages) != 2 || !p.HasMore || p.NextAfter != 2 {
		t.Fatalf("unexpected first page: %+v", p)
	}
	p, _ = s.ReadRange(context.Background(), c.ID, 4, 2)
	if len(p.Messages) != 1 || p.HasMore || p.Messages[0].Seq != 5 {
		t.Fatalf("unexpected last page: %+v", p)
	}
}

func TestDeleteIsIrreversible(t *testing.T) {
	repo := newMemRepo()
	s := newTestStore(t, DefaultConfig(), repo)
	c := mustCreate(t, s, "alice")
	mustAppend(t, s, c.ID, "secret")

	if err := s.Delete(context.Background(), c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ReadTail(context.Background(), c.ID, 10); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(context.Background(), c.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second delete: want ErrNotFound, got %v", err)
	}
	if msgs, _ := repo.LoadMessages(context.Background(), c.ID); len(msgs) != 0 {
		t.Fatal("messages survived in the repository")
	}
}

func TestConcurrentAppendsStayGapFree(t *testing.T) {
	s := newTestStore(t, DefaultConfig(), nil)
	c := mustCreate(t, s, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append(context.Background(), c.ID, model.RoleUser, "x"); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, _ := s.ReadTail(context.Background(), c.ID, -1)
	if len(msgs) != 20 {
		t.Fatalf("want 20 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("gap at %d: seq %d", i, m.Seq)
		}
	}
}

func TestCleanupInactive(t *testing.T) {
	s := newTestStore(t, DefaultConfig(), nil)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	idle := mustCreate(t, s, "alice")
	now = base.Add(48 * time.Hour)
	active := mustCreate(t, s, "alice")

	deleted, err := s.CleanupInactive(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != idle.ID {
		t.Fatalf("unexpected cleanup result: %v", deleted)
	}
	if _, err := s.Get(context.Background(), active.ID); err != nil {
		t.Fatalf("active conversation removed: %v", err)
	}
}

func TestCleanupRunsAlongsideAppends(t *testing.T) {
	s := newTestStore(t, Config{MaxMessagesPerConversation: 8}, newMemRepo())
	ctx := context.Background()
	convs := make([]model.Conversation, 4)
	for i := range convs {
		convs[i] = mustCreate(t, s, "alice")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, c := range convs {
			wg.Add(2)
			go func(id string) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					if _, err := s.Append(ctx, id, model.RoleUser, "ping"); err != nil {
						t.Errorf("append: %v", err)
						return
					}
				}
			}(c.ID)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					if _, err := s.CleanupInactive(ctx, 1000*time.Hour); err != nil {
						t.Errorf("cleanup: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("appends and cleanup did not finish")
	}
	for _, c := range convs {
		msgs, _ := s.ReadTail(ctx, c.ID, -1)
		if len(msgs) != 8 {
			t.Fatalf("conversation %s retained %d messages, want 8", c.ID, len(msgs))
		}
	}
}

func TestNegativeTokenCountRejected(t *testing.T) {
	s := newTestStore(t, DefaultConfig(), nil)
	c := mustCreate(t, s, "alice")
	_, err := s.Append(context.Background(), c.ID, model.RoleUser, "hi", WithTokenCount(-100))
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
	if m := mustAppend(t, s, c.ID, "hi", WithTokenCount(0)); m.Seq != 1 {
		t.Fatalf("rejected append consumed a seq: %d", m.Seq)
	}
}

func TestRejectedAppendKeepsEvictionCandidates(t *testing.T) {
	repo := newMemRepo()
	s := newTestStore(t, Config{MaxMessagesPerConversation: 2}, repo)
	ctx := context.Background()
	c := mustCreate(t, s, "alice")
	mustAppend(t, s, c.ID, "one")
	mustAppend(t, s, c.ID, "two")

	repo.failAppend = true
	if _, err := s.Append(ctx, c.ID, model.RoleUser, "three"); err == nil {
		t.Fatal("expected append error")
	}
	repo.failAppend = false

	stored, _ := repo.LoadMessages(ctx, c.ID)
	if len(stored) != 2 || stored[0].Body != "one" {
		t.Fatalf("repository lost messages: %+v", stored)
	}
	msgs, _ := s.ReadTail(ctx, c.ID, -1)
	if len(msgs) != 2 || msgs[0].Body != "one" {
		t.Fatalf("store lost messages: %+v", msgs)
	}

	mustAppend(t, s, c.ID, "three")
	stored, _ = repo.LoadMessages(ctx, c.ID)
	if len(stored) != 2 || stored[0].Body != "two" || stored[1].Body != "three" {
		t.Fatalf("eviction not persisted with the append: %+v", stored)
	}
}

func TestExportFormats(t *testing.T) {
	s := newTestStore(t, DefaultConfig(), nil)
	c, _ := s.Create(context.Background(), "alice", "Trip plans")
	mustAppend(t, s, c.ID, "book a train")

	data, err := s.Export(context.Background(), c.ID, FormatJSON)
	if err != nil {
		t.Fatalf("export json: %v", err)
	}
	var doc exportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if doc.Conversation.Title != "Trip plans" || len(doc.Messages) != 1 {
		t.Fatalf("unexpected export: %+v", doc)
	}

	md, err := s.Export(context.Background(), c.ID, FormatMarkdown)
	if err != nil {
		t.Fatalf("export markdown: %v", err)
	}
	if !strings.HasPrefix(string(md), "# Trip plans") || !strings.Contains(string(md), "book a train") {
		t.Fatalf("unexpected markdown:\n%s", md)
	}

	if _, err := s.Export(context.Background(), c.ID, "pdf"); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("want ErrInvalid for unknown format, got %v", err)
	}
}
