package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/consolidation"
	"github.com/nidhogg/recall/internal/conversation"
	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/events"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/metrics"
	"github.com/nidhogg/recall/internal/model"
	"github.com/nidhogg/recall/internal/provider"
	"github.com/nidhogg/recall/internal/retrieval"
	"github.com/nidhogg/recall/internal/window"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

// newTestDeps wires in-memory components around a hash embedder and the echo
// reasoner.
func newTestDeps(t *testing.T) Deps {
	t.Helper()
	logger := zap.NewNop()
	embedder := embedding.NewHashProvider(1024)
	convs := conversation.NewStore(conversation.DefaultConfig(), nil, logger)
	idx := memory.NewIndex(memory.DefaultConfig(), nil, nil, logger)
	ranker := retrieval.NewRanker(retrieval.DefaultConfig(), idx, logger)
	router := provider.NewRouter(logger)
	router.Register(provider.NewEchoProvider(provider.ProviderConfig{ID: "echo", Name: "Echo"}))
	return Deps{
		Conversations: convs,
		Memory:        idx,
		Windows:       window.NewBuilder(window.DefaultConfig(), convs, ranker, idx, embedder, logger),
		Embedder:      embedder,
		Reasoner:      router,
	}
}

func newTestEngine(t *testing.T, d Deps) *Engine {
	t.Helper()
	e, err := New(DefaultConfig(), d, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestNewRequiresCoreComponents(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}, zap.NewNop()); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}

func TestRespondRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDeps(t))
	conv, err := e.StartConversation(ctx, "alice", "trip")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	turn, err := e.Respond(ctx, conv.ID, "hello there")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if turn.User.Seq != 1 || turn.Reply.Seq != 2 {
		t.Fatalf("seqs = %d, %d", turn.User.Seq, turn.Reply.Seq)
	}
	if !strings.Contains(turn.Reply.Body, "hello there") || turn.Model != "echo" {
		t.Fatalf("reply = %q from %q", turn.Reply.Body, turn.Model)
	}
	if turn.Window == nil || turn.Window.TokensUsed > turn.Window.Budget {
		t.Fatalf("window = %+v", turn.Window)
	}

	page, err := e.History(ctx, conv.ID, 0, 10)
	if err != nil || len(page.Messages) != 2 {
		t.Fatalf("history = %+v, %v", page, err)
	}
	if page.Messages[0].Role != model.RoleUser || page.Messages[1].Role != model.RoleAssistant {
		t.Fatalf("roles = %s, %s", page.Messages[0].Role, page.Messages[1].Role)
	}
}

func TestRespondDispatchesCapabilities(t *testing.T) {
	ctx := context.Background()
	d := newTestDeps(t)
	d.Reasoner = nil
	e := newTestEngine(t, d)
	conv, _ := e.StartConversation(ctx, "alice", "")

	turn, err := e.Respond(ctx, conv.ID, "/stats")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !turn.Capability || turn.Window != nil || turn.Reply.Body != "No memories stored yet." {
		t.Fatalf("turn = %+v", turn)
	}

	if _, err := e.Respond(ctx, conv.ID, "free text"); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("without reasoner want ErrInvalid, got %v", err)
	}
}

func TestSalientExchangeIsWrittenBack(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDeps(t))
	conv, _ := e.StartConversation(ctx, "alice", "")

	u, err := e.AppendUserMessage(ctx, conv.ID, "Please remember that my favorite color is teal and I live in Lisbon")
	if err != nil {
		t.Fatalf("append user: %v", err)
	}
	a, err := e.AppendAssistantMessage(ctx, conv.ID, "Noted, teal and Lisbon.")
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	items := e.Memories(ctx, "alice")
	if len(items) != 1 {
		t.Fatalf("got %d memories, want 1", len(items))
	}
	it := items[0]
	if it.Kind != model.KindEpisodic || len(it.SourceRefs) != 2 || it.SourceRefs[0] != u.ID || it.SourceRefs[1] != a.ID {
		t.Fatalf("memory = %+v", it)
	}

	// The memory informs the next window.
	if _, err := e.AppendUserMessage(ctx, conv.ID, "what is my favorite color"); err != nil {
		t.Fatalf("append: %v", err)
	}
	w, err := e.BuildContext(ctx, window.Request{ConversationID: conv.ID, Overlap: -1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	found := false
	for _, f := range w.Fragments {
		if f.Provenance == window.ProvenanceMemory && strings.Contains(f.Text, "teal") {
			found = true
		}
	}
	if !found {
		t.Fatalf("memory missing from window: %+v", w.Fragments)
	}
}

func TestSmallTalkIsNotWrittenBack(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDeps(t))
	conv, _ := e.StartConversation(ctx, "alice", "")
	e.AppendUserMessage(ctx, conv.ID, "ok")
	e.AppendAssistantMessage(ctx, conv.ID, "sure")
	if n := len(e.Memories(ctx, "alice")); n != 0 {
		t.Fatalf("got %d memories from small talk", n)
	}
}

func TestSalience(t *testing.T) {
	if s := Salience("ok", "sure"); s >= 0.1 {
		t.Errorf("small talk salience = %.2f", s)
	}
	long := Salience("I prefer window seats and always book morning flights to Berlin", "Got it.")
	if long < 0.5 {
		t.Errorf("preference salience = %.2f", long)
	}
	if Salience("I prefer tea", "") >= Salience("I prefer tea", "noted") {
		t.Error("missing reply should lower salience")
	}
}

func TestForceConsolidationMergesForUser(t *testing.T) {
	ctx := context.Background()
	d := newTestDeps(t)
	cfg := consolidation.DefaultConfig()
	cfg.Schedule = ""
	d.Scheduler = consolidation.NewScheduler(cfg, d.Memory, zap.NewNop())
	e := newTestEngine(t, d)

	b := float32(math.Sqrt(1 - 0.95*0.95))
	for i, vec := range [][]float32{{1, 0}, {0.95, b}} {
		it, _ := model.NewEpisodic("alice", "c1", "alice enjoys hiking in the alps", vec, []string{string(rune('a' + i))})
		if _, err := d.Memory.Insert(ctx, it); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	report, err := e.ForceConsolidation(ctx, "alice")
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if report.Trigger != consolidation.TriggerForced || report.Users[0].Merged != 1 {
		t.Fatalf("report = %+v", report)
	}
	st := e.MemoryStats(ctx, "alice")
	if st.Total != 1 || st.ByKind[model.KindSemantic] != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if got := e.ConsolidationReports(5); len(got) != 1 {
		t.Fatalf("reports = %d", len(got))
	}
}

func TestForceConsolidationDisabled(t *testing.T) {
	e := newTestEngine(t, newTestDeps(t))
	if _, err := e.ForceConsolidation(context.Background(), "alice"); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDeps(t))
	conv, _ := e.StartConversation(ctx, "alice", "")
	e.AppendUserMessage(ctx, conv.ID, "hi")

	if err := e.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.AppendUserMessage(ctx, conv.ID, "again"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("append after delete: want ErrNotFound, got %v", err)
	}
	if _, err := e.BuildContext(ctx, window.Request{ConversationID: conv.ID}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("build after delete: want ErrNotFound, got %v", err)
	}
}

func TestEraseUser(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDeps(t))
	for i := 0; i < 2; i++ {
		conv, _ := e.StartConversation(ctx, "alice", "")
		e.AppendUserMessage(ctx, conv.ID, "Please remember that my favorite color is teal and I live in Lisbon")
		e.AppendAssistantMessage(ctx, conv.ID, "Noted.")
	}
	other, _ := e.StartConversation(ctx, "bob", "")

	er, err := e.EraseUser(ctx, "alice")
	if err != nil {
		t.Fatalf("erase: %v", err)
	}
	if er.Conversations != 2 || er.Memories != 2 {
		t.Fatalf("erasure = %+v", er)
	}
	if len(e.Conversations(ctx, "alice")) != 0 || len(e.Memories(ctx, "alice")) != 0 {
		t.Fatal("alice data survived erasure")
	}
	if _, err := e.Profile(ctx, "alice"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("profile: want ErrNotFound, got %v", err)
	}
	if _, err := e.Conversation(ctx, other.ID); err != nil {
		t.Fatalf("bob's conversation affected: %v", err)
	}
}

func TestEventsAndMetrics(t *testing.T) {
	ctx := context.Background()
	d := newTestDeps(t)
	bus := events.NewLocalBus(zap.NewNop())
	d.Bus = bus
	d.Metrics = metrics.NewMetrics()
	e := newTestEngine(t, d)

	sub, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := bus.Subscribe(sub)

	conv, _ := e.StartConversation(ctx, "alice", "")
	if _, err := e.Respond(ctx, conv.ID, "hello"); err != nil {
		t.Fatalf("respond: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != events.TypeMessageAppended || ev.UserID != "alice" || ev.Seq != 1 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	m := d.Metrics
	if got := testutil.ToFloat64(m.MessagesAppendedTotal.WithLabelValues("user")); got != 1 {
		t.Fatalf("user messages = %v", got)
	}
	if got := testutil.ToFloat64(m.ReasonerCallsTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("reasoner calls = %v", got)
	}
	if got := testutil.ToFloat64(m.ConversationsActive); got != 1 {
		t.Fatalf("active conversations = %v", got)
	}
	if got := testutil.ToFloat64(m.WindowBuildsTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("window builds = %v", got)
	}
}

func TestAddProcedure(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDeps(t))
	it, err := e.AddProcedure(ctx, "alice", "deploy", []string{"run tests", "tag release"})
	if err != nil {
		t.Fatalf("add procedure: %v", err)
	}
	d, ok := it.Detail.(model.ProceduralDetail)
	if it.Kind != model.KindProcedural || !ok || len(d.Steps) != 2 {
		t.Fatalf("item = %+v", it)
	}
}
