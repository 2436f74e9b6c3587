package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestOpenAIProviderChat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "hello there"}}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 2, "total_tokens": 9}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oa", Endpoint: srv.URL, APIKey: "k", Model: "gpt-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello there" || resp.Usage.TotalTokens != 9 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want system + user", len(msgs))
	}
	if got["model"] != "gpt-test" {
		t.Fatalf("model = %v, want configured default", got["model"])
	}
}

func TestAnthropicProviderChat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "remembered"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 11, "output_tokens": 3}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "an", Endpoint: srv.URL, APIKey: "k", Model: "claude-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "memory: likes tea"},
			{Role: "user", Content: "what do I like?"},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "remembered" || resp.Usage.TotalTokens != 14 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want system folded out", len(msgs))
	}
	if got["system"] == nil {
		t.Fatal("system prompt not sent")
	}
}

type stubProvider struct {
	id    string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(context.Context, *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.id}, nil
}

func TestRouterFallsBack(t *testing.T) {
	r := NewRouter(zap.NewNop())
	bad := &stubProvider{id: "bad", err: errors.New("down")}
	good := &stubProvider{id: "good"}
	r.Register(bad)
	r.Register(good)
	r.SetFallbacks("respond", []string{"missing", "good"})

	resp, err := r.Route(context.Background(), "respond", &ChatRequest{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "good" || bad.calls != 1 {
		t.Fatalf("unexpected routing: %q, bad calls %d", resp.Content, bad.calls)
	}
}

func TestRouterBindingAndExhaustion(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &stubProvider{id: "a"}
	b := &stubProvider{id: "b", err: errors.New("down")}
	r.Register(a)
	r.Register(b)
	r.Bind("summarize", "b")

	if _, err := r.Route(context.Background(), "summarize", &ChatRequest{}); err == nil {
		t.Fatal("expected failure with no fallbacks")
	}
	resp, err := r.Route(context.Background(), "respond", &ChatRequest{})
	if err != nil || resp.Content != "a" {
		t.Fatalf("unbound purpose should use default: %v %v", resp, err)
	}
}

func TestEchoAndFactory(t *testing.T) {
	p, err := New(ProviderConfig{Type: "echo"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: " second "},
	}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "(3 context messages) second" {
		t.Fatalf("content = %q", resp.Content)
	}
	if _, err := New(ProviderConfig{Type: "nope"}, zap.NewNop()); err == nil {
		t.Fatal("unknown type should fail")
	}
}
