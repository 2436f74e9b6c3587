package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestIndex(t *testing.T, cfg Config, repo Repository) (*Index, *clock) {
	t.Helper()
	x := NewIndex(cfg, repo, nil, zap.NewNop())
	clk := &clock{now: t0}
	x.SetClock(clk.Now)
	return x, clk
}

func episode(t *testing.T, user, summary string, emb ...float32) *model.MemoryItem {
	t.Helper()
	it, err := model.NewEpisodic(user, "conv-1", summary, emb, []string{"msg-" + summary})
	if err != nil {
		t.Fatalf("new episodic: %v", err)
	}
	return it
}

func TestDecayPolicyAt(t *testing.T) {
	p := DecayPolicy{Base: 0.8, Interval: time.Hour}
	cases := []struct {
		name    string
		elapsed time.Duration
		want    float64
	}{
		{"same interval", 59 * time.Minute, 0.9},
		{"one interval", time.Hour, 0.72},
		{"three intervals", 3*time.Hour + 10*time.Minute, 0.9 * 0.8 * 0.8 * 0.8},
		{"clock skew", -time.Hour, 0.9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.At(0.9, t0, t0.Add(tc.elapsed))
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("At = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecayMonotonic(t *testing.T) {
	p := DefaultDecayPolicy()
	prev := 1.0
	for h := 0; h < 24*60; h += 7 {
		d := p.At(1, t0, t0.Add(time.Duration(h)*time.Hour))
		if d > prev {
			t.Fatalf("decay increased at %dh: %v > %v", h, d, prev)
		}
		if d < 0 || d > 1 {
			t.Fatalf("decay out of range: %v", d)
		}
		prev = d
	}
}

func TestBelowSince(t *testing.T) {
	p := DecayPolicy{Base: 0.5, Interval: time.Hour}
	since, ok := p.BelowSince(1, t0, 0.2)
	if !ok {
		t.Fatal("expected a crossing")
	}
	// 1, 0.5, 0.25, 0.125: first below 0.2 after 3 intervals.
	if !since.Equal(t0.Add(3 * time.Hour)) {
		t.Fatalf("crossing at %v, want %v", since, t0.Add(3*time.Hour))
	}
	if _, ok := (DecayPolicy{Base: 1, Interval: time.Hour}).BelowSince(1, t0, 0.2); ok {
		t.Fatal("base 1 never decays")
	}
}

func TestScenarioDecayAfterThreeIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Decay = DecayPolicy{Base: 0.8, Interval: time.Hour}
	x, clk := newTestIndex(t, cfg, nil)

	it := episode(t, "u1", "likes tea", 1, 0)
	it.Decay = 0.9
	ins, err := x.Insert(context.Background(), it)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	clk.Advance(3*time.Hour + time.Minute)

	got, err := x.Get(context.Background(), ins.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if math.Abs(got.Decay-0.4608) > 1e-6 {
		t.Fatalf("decay = %v, want 0.4608", got.Decay)
	}
	if got.State != model.StateDecaying {
		t.Fatalf("state = %s, want decaying", got.State)
	}
}

func TestReinforceResetsDecay(t *testing.T) {
	x, clk := newTestIndex(t, DefaultConfig(), nil)
	ins, _ := x.Insert(context.Background(), episode(t, "u1", "a", 1, 0))
	clk.Advance(10 * 24 * time.Hour)

	before, _ := x.Get(context.Background(), ins.ID)
	if before.Decay >= 1 {
		t.Fatalf("expected decay below 1, got %v", before.Decay)
	}
	after, err := x.Reinforce(context.Background(), ins.ID)
	if err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	if after.Decay != 1 || after.ReinforcementCount != 1 {
		t.Fatalf("unexpected reinforced item: decay %v count %d", after.Decay, after.ReinforcementCount)
	}
	if !after.LastReinforced.Equal(clk.Now()) {
		t.Fatal("last reinforced not updated")
	}
	if after.Version != before.Version+1 {
		t.Fatalf("version %d, want %d", after.Version, before.Version+1)
	}

	if _, err := x.Reinforce(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSearchOrderingAndFilters(t *testing.T) {
	x, clk := newTestIndex(t, DefaultConfig(), nil)
	ctx := context.Background()

	near, _ := x.Insert(ctx, episode(t, "u1", "near", 1, 0.1))
	far, _ := x.Insert(ctx, episode(t, "u1", "far", 0.6, 0.8))
	x.Insert(ctx, episode(t, "u1", "orthogonal", 0, 1))
	x.Insert(ctx, episode(t, "u2", "other user", 1, 0.1))
	proc, _ := model.NewProcedural("u1", "deploy", []float32{1, 0.1}, "deploy", []string{"build", "ship"})
	procIns, _ := x.Insert(ctx, proc)
	clk.Advance(time.Minute)

	got, err := x.Search(ctx, "u1", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 hits above threshold, got %d", len(got))
	}
	// near and procIns share a vector; insertion order breaks the tie.
	if got[0].Item.ID != near.ID || got[1].Item.ID != procIns.ID || got[2].Item.ID != far.ID {
		t.Fatalf("unexpected order: %s %s %s", got[0].Item.Summary, got[1].Item.Summary, got[2].Item.Summary)
	}

	got, _ = x.Search(ctx, "u1", []float32{1, 0}, 10, model.KindProcedural)
	if len(got) != 1 || got[0].Item.ID != procIns.ID {
		t.Fatalf("kind filter not applied: %+v", got)
	}

	got, _ = x.Search(ctx, "u1", []float32{1, 0}, 1)
	if len(got) != 1 {
		t.Fatalf("k not honored: %d", len(got))
	}

	got, err = x.Search(ctx, "nobody", []float32{1, 0}, 5)
	if err != nil || len(got) != 0 {
		t.Fatalf("unknown user: %v %v", got, err)
	}
}

func TestSearchTieBreaksOnDecay(t *testing.T) {
	x, _ := newTestIndex(t, DefaultConfig(), nil)
	ctx := context.Background()

	low := episode(t, "u1", "low", 1, 0)
	low.Decay = 0.5
	lowIns, _ := x.Insert(ctx, low)
	highIns, _ := x.Insert(ctx, episode(t, "u1", "high", 1, 0))

	got, _ := x.Search(ctx, "u1", []float32{1, 0}, 2)
	if got[0].Item.ID != highIns.ID || got[1].Item.ID != lowIns.ID {
		t.Fatal("higher decay should win a similarity tie")
	}
}

func TestSearchBelowThresholdIsEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSimilarity = 0.99
	x, _ := newTestIndex(t, cfg, nil)
	x.Insert(context.Background(), episode(t, "u1", "a", 0.5, 0.5))

	got, err := x.Search(context.Background(), "u1", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want no results, got %d", len(got))
	}
}

func TestPruneAfterRetentionWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Decay = DecayPolicy{Base: 0.5, Interval: time.Hour}
	cfg.PruneThreshold = 0.2
	cfg.RetentionWindow = 2 * time.Hour
	x, clk := newTestIndex(t, cfg, nil)
	ctx := context.Background()

	stale, _ := x.Insert(ctx, episode(t, "u1", "stale", 1, 0))
	clk.Advance(4 * time.Hour)
	kept, _ := x.Insert(ctx, episode(t, "u1", "kept", 0, 1))

	// stale crossed 0.2 at +3h; not yet past the retention window.
	if n, _ := x.Prune(ctx); n != 0 {
		t.Fatalf("pruned %d before retention window elapsed", n)
	}
	clk.Advance(2*time.Hour + time.Minute)
	n, err := x.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := x.Get(ctx, stale.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatal("stale item survived prune")
	}
	if _, err := x.Get(ctx, kept.ID); err != nil {
		t.Fatalf("fresh item pruned: %v", err)
	}
}

type failingRepo struct{ err error }

func (r failingRepo) SaveMemories(context.Context, []*model.MemoryItem, []string) error { return r.err }
func (r failingRepo) LoadMemories(context.Context) ([]*model.MemoryItem, error) { return nil, nil }
func (r failingRepo) DeleteUserMemories(context.Context, string) error { return r.err }

func TestApplyIsAllOrNothing(t *testing.T) {
	x, _ := newTestIndex(t, DefaultConfig(), nil)
	ctx := context.Background()
	a, _ := x.Insert(ctx, episode(t, "u1", "a", 1, 0))

	boom := errors.New("boom")
	err := x.Apply(ctx, "u1", func(tx *Tx) error {
		tx.Delete(a.ID)
		if _, err := tx.Insert(episode(t, "u1", "b", 0, 1)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if items := x.List(ctx, "u1"); len(items) != 1 || items[0].ID != a.ID {
		t.Fatalf("aborted apply leaked changes: %+v", items)
	}

	x.repo = failingRepo{err: errors.New("db down")}
	err = x.Apply(ctx, "u1", func(tx *Tx) error {
		tx.Delete(a.ID)
		return nil
	})
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if _, err := x.Get(ctx, a.ID); err != nil {
		t.Fatalf("item removed despite persistence failure: %v", err)
	}
}

func TestEmbeddingDimensionEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dimension = 3
	x, _ := newTestIndex(t, cfg, nil)
	ctx := context.Background()

	if _, err := x.Insert(ctx, episode(t, "u1", "short", 1, 0)); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("insert 2-d item: got %v, want ErrInvalid", err)
	}
	ok, err := x.Insert(ctx, episode(t, "u1", "fits", 1, 0, 0))
	if err != nil {
		t.Fatalf("insert 3-d item: %v", err)
	}

	err = x.Apply(ctx, "u1", func(tx *Tx) error {
		bad := ok.Clone()
		bad.Embedding = []float32{1, 0, 0, 0}
		_, err := tx.Put(bad)
		return err
	})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("put 4-d item: got %v, want ErrInvalid", err)
	}
	if items := x.List(ctx, "u1"); len(items) != 1 || len(items[0].Embedding) != 3 {
		t.Fatalf("rejected writes leaked: %+v", items)
	}
}

func TestConcurrentReinforceAndSearch(t *testing.T) {
	x, _ := newTestIndex(t, DefaultConfig(), nil)
	ctx := context.Background()
	it, _ := x.Insert(ctx, episode(t, "u1", "a", 1, 0))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := x.Reinforce(ctx, it.ID); err != nil {
				t.Errorf("reinforce: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := x.Search(ctx, "u1", []float32{1, 0}, 1); err != nil {
				t.Errorf("search: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := x.Get(ctx, it.ID)
	if got.ReinforcementCount != 16 {
		t.Fatalf("lost reinforcements: %d", got.ReinforcementCount)
	}
}

func TestStatsAndDeleteUser(t *testing.T) {
	x, _ := newTestIndex(t, DefaultConfig(), nil)
	ctx := context.Background()
	x.Insert(ctx, episode(t, "u1", "a", 1, 0))
	sem, _ := model.NewSemantic("u1", "fact", []float32{0, 1}, nil, nil)
	x.Insert(ctx, sem)

	st := x.Stats(ctx, "u1")
	if st.Total != 2 || st.ByKind[model.KindEpisodic] != 1 || st.ByKind[model.KindSemantic] != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.MeanDecay != 1 {
		t.Fatalf("mean decay = %v, want 1", st.MeanDecay)
	}

	n, err := x.DeleteUser(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("delete user: %d %v", n, err)
	}
	if st := x.Stats(ctx, "u1"); st.Total != 0 {
		t.Fatalf("items survived erasure: %+v", st)
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: %v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors: %v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Fatalf("dimension mismatch: %v", got)
	}
}
