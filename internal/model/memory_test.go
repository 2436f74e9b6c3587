package model

import (
	"errors"
	"testing"

	"github.com/nidhogg/recall/internal/apperr"
)

func TestConstructorsValidateVariants(t *testing.T) {
	vec := []float32{1, 0}

	if _, err := NewEpisodic("u1", "", "summary", vec, []string{"m1"}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("episodic without conversation: got %v, want ErrInvalid", err)
	}
	if _, err := NewEpisodic("u1", "c1", "summary", vec, nil); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("episodic without source refs: got %v, want ErrInvalid", err)
	}
	if _, err := NewProcedural("u1", "summary", vec, "deploy", nil); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("procedural without steps: got %v, want ErrInvalid", err)
	}
	if _, err := NewSemantic("u1", "  ", vec, nil, nil); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("semantic without summary: got %v, want ErrInvalid", err)
	}

	item, err := NewEpisodic("u1", "c1", "went hiking", vec, []string{"m1"})
	if err != nil {
		t.Fatalf("valid episodic: %v", err)
	}
	if item.Detail.Kind() != KindEpisodic {
		t.Errorf("detail kind %q, want episodic", item.Detail.Kind())
	}
}

func TestValidateRejectsMismatchedDetail(t *testing.T) {
	item := &MemoryItem{
		UserID:    "u1",
		Kind:      KindSemantic,
		Summary:   "fact",
		Embedding: []float32{1},
		Detail:    EpisodicDetail{ConversationID: "c1"},
	}
	if err := item.Validate(); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}

func TestDetailRoundTripThroughStorage(t *testing.T) {
	in := ProceduralDetail{Trigger: "reset password", Steps: []string{"open settings", "click reset"}}
	data, err := EncodeDetail(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeDetail(KindProcedural, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	pd, ok := out.(ProceduralDetail)
	if !ok {
		t.Fatalf("decoded %T, want ProceduralDetail", out)
	}
	if pd.Trigger != in.Trigger || len(pd.Steps) != 2 {
		t.Errorf("got %+v, want %+v", pd, in)
	}
}

func TestCloneIsDeep(t *testing.T) {
	item, _ := NewSemantic("u1", "fact", []float32{1, 2}, []string{"a"}, []string{"x"})
	c := item.Clone()
	c.Embedding[0] = 9
	c.SourceRefs[0] = "b"
	if item.Embedding[0] != 1 || item.SourceRefs[0] != "a" {
		t.Error("clone shares slices with original")
	}
}

func TestMessageCostPrefersRecordedCount(t *testing.T) {
	n := 42
	m := Message{Body: "abcd"}
	if m.Cost() != 1 {
		t.Errorf("estimated cost %d, want 1", m.Cost())
	}
	m.TokenCount = &n
	if m.Cost() != 42 {
		t.Errorf("recorded cost %d, want 42", m.Cost())
	}
}
