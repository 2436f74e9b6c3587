package capability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/recall/internal/consolidation"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/model"
)

func TestDispatchFirstMatchWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Capability{
		Name:  "weather-a",
		Match: Prefix("weather"),
		Handler: func(context.Context, *Input) (*Result, error) {
			return &Result{Content: "a"}, nil
		},
	})
	reg.Register(&Capability{
		Name:  "weather-b",
		Match: Prefix("weather in"),
		Handler: func(context.Context, *Input) (*Result, error) {
			return &Result{Content: "b"}, nil
		},
	})

	res, handled, err := reg.Dispatch(context.Background(), &Input{Text: "Weather in Oslo?"})
	if err != nil || !handled {
		t.Fatalf("dispatch: handled=%v err=%v", handled, err)
	}
	if res.Content != "a" {
		t.Fatalf("got %q, want first registered capability", res.Content)
	}
}

func TestDispatchUnmatchedFallsThrough(t *testing.T) {
	reg := NewRegistry()
	res, handled, err := reg.Dispatch(context.Background(), &Input{Text: "hello there"})
	if err != nil || handled || res != nil {
		t.Fatalf("free text should not be handled: %v %v %v", res, handled, err)
	}

	res, handled, _ = reg.Dispatch(context.Background(), &Input{Text: "/nope"})
	if !handled || !strings.Contains(res.Content, "/nope") {
		t.Fatalf("unknown command should be answered, got %+v", res)
	}
}

func TestRegisterReplacesInPlace(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Capability{Name: "alpha"})
	reg.Register(&Capability{Name: "beta"})
	reg.Register(&Capability{Name: "alpha", Description: "v2"})

	list := reg.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[0].Description != "v2" {
		t.Fatalf("list = %+v", list)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in, name, args string
	}{
		{"/forget confirm", "forget", "confirm"},
		{"  /Stats  ", "stats", ""},
		{"just text", "", ""},
	}
	for _, tt := range tests {
		name, args := Parse(tt.in)
		if name != tt.name || args != tt.args {
			t.Errorf("Parse(%q) = %q, %q", tt.in, name, args)
		}
	}
}

type fakeAdmin struct {
	forgot    string
	forceErr  error
	forceUser string
}

func (f *fakeAdmin) MemoryStats(_ context.Context, userID string) memory.Stats {
	return memory.Stats{
		UserID:    userID,
		Total:     3,
		ByKind:    map[model.Kind]int{model.KindEpisodic: 2, model.KindSemantic: 1},
		MeanDecay: 0.5,
	}
}

func (f *fakeAdmin) ForceConsolidation(_ context.Context, userID string) (*consolidation.Report, error) {
	f.forceUser = userID
	if f.forceErr != nil {
		return nil, f.forceErr
	}
	return &consolidation.Report{
		Status: consolidation.StatusOK,
		Users:  []consolidation.UserResult{{UserID: userID, Merged: 1}},
	}, nil
}

func (f *fakeAdmin) ForgetMemories(_ context.Context, userID string) (int, error) {
	f.forgot = userID
	return 3, nil
}

func TestBuiltins(t *testing.T) {
	admin := &fakeAdmin{}
	reg := NewRegistry()
	RegisterBuiltins(reg, admin)
	ctx := context.Background()

	res, _, err := reg.Dispatch(ctx, &Input{Text: "/stats", UserID: "u1"})
	if err != nil || !strings.Contains(res.Content, "episodic: 2") {
		t.Fatalf("/stats = %+v, %v", res, err)
	}

	res, _, err = reg.Dispatch(ctx, &Input{Text: "/consolidate", UserID: "u1"})
	if err != nil || admin.forceUser != "u1" || !strings.Contains(res.Content, "merged 1") {
		t.Fatalf("/consolidate = %+v, %v", res, err)
	}

	res, _, _ = reg.Dispatch(ctx, &Input{Text: "/forget", UserID: "u1"})
	if admin.forgot != "" || !strings.Contains(res.Content, "confirm") {
		t.Fatalf("/forget without confirm erased memories")
	}
	res, _, _ = reg.Dispatch(ctx, &Input{Text: "/forget confirm", UserID: "u1"})
	if admin.forgot != "u1" || res.Content != "Forgot 3 memories." {
		t.Fatalf("/forget confirm = %+v", res)
	}

	res, _, _ = reg.Dispatch(ctx, &Input{Text: "/help"})
	for _, name := range []string{"/stats", "/consolidate", "/forget", "/help"} {
		if !strings.Contains(res.Content, name) {
			t.Errorf("help missing %s", name)
		}
	}

	admin.forceErr = errors.New("busy")
	if _, handled, err := reg.Dispatch(ctx, &Input{Text: "/consolidate", UserID: "u1"}); !handled || err == nil {
		t.Fatalf("handler error not surfaced: handled=%v err=%v", handled, err)
	}
}
