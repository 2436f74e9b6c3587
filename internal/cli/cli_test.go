package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fakeServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"id": "c1", "owner_id": "alice"})
	})
	mux.HandleFunc("/api/conversations/c1/respond", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		var req struct {
			Message string `json:"message"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"reply": map[string]any{"seq": 2, "role": "assistant", "body": "echo: " + req.Message}})
	})
	mux.HandleFunc("/api/users/alice/memories/stats", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"user_id": "alice", "total": 3})
	})
	mux.HandleFunc("/api/users/alice/profile/attributes", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/users/alice/profile", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"user_id": "alice"})
	})
	mux.HandleFunc("/api/users/ghost/memories/stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found: ghost"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestClientRespond(t *testing.T) {
	srv, _ := fakeServer(t)
	c := NewClient(srv.URL+"/", 5*time.Second)
	ctx := context.Background()

	conv, err := c.StartConversation(ctx, "alice", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	turn, err := c.Respond(ctx, conv.ID, "hi")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if turn.Reply.Body != "echo: hi" {
		t.Fatalf("reply = %q", turn.Reply.Body)
	}
}

func TestClientAPIError(t *testing.T) {
	srv, _ := fakeServer(t)
	c := NewClient(srv.URL, 5*time.Second)
	err := c.Do(context.Background(), http.MethodGet, userPath("ghost", "/memories/stats"), nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "not found: ghost" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func TestStatsCommand(t *testing.T) {
	srv, _ := fakeServer(t)
	out, err := run(t, "--server", srv.URL, "stats", "alice")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, `"total": 3`) {
		t.Fatalf("output = %q", out)
	}
}

func TestProfileSetsAttribute(t *testing.T) {
	srv, calls := fakeServer(t)
	if _, err := run(t, "--server", srv.URL, "profile", "alice", "tone=formal"); err != nil {
		t.Fatalf("profile: %v", err)
	}
	want := []string{"PUT /api/users/alice/profile/attributes", "GET /api/users/alice/profile"}
	if strings.Join(*calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", *calls)
	}

	if _, err := run(t, "--server", srv.URL, "profile", "alice", "novalue"); err == nil {
		t.Fatal("expected error for malformed attribute")
	}
}

func TestEraseRequiresConfirmation(t *testing.T) {
	srv, calls := fakeServer(t)
	if _, err := run(t, "--server", srv.URL, "erase", "alice"); err == nil {
		t.Fatal("expected refusal without --yes")
	}
	if len(*calls) != 0 {
		t.Fatalf("server was called: %v", *calls)
	}
}

func TestChatLoop(t *testing.T) {
	in := strings.NewReader("hello\n\n/stats\nquit\nignored\n")
	var out, errOut bytes.Buffer
	var sent []string
	err := chatLoop(in, &out, &errOut, func(s string) (string, error) {
		sent = append(sent, s)
		if s == "/stats" {
			return "", errors.New("boom")
		}
		return "echo: " + s, nil
	})
	if err != nil {
		t.Fatalf("loop: %v", err)
	}
	if strings.Join(sent, "|") != "hello|/stats" {
		t.Fatalf("sent = %v", sent)
	}
	if !strings.Contains(out.String(), "echo: hello") || !strings.Contains(out.String(), "Bye!") {
		t.Fatalf("out = %q", out.String())
	}
	if !strings.Contains(errOut.String(), "boom") {
		t.Fatalf("errOut = %q", errOut.String())
	}
}
