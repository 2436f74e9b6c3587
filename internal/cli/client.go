// Package cli implements recallctl, the command-line client for a running
// recall server.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the recall HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server at base, e.g.
// "http://localhost:8080".
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

// Do sends in as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Conversation mirrors the server's conversation record.
type Conversation struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Title   string `json:"title,omitempty"`
}

// Message mirrors a stored message.
type Message struct {
	Seq  int64  `json:"seq"`
	Role string `json:"role"`
	Body string `json:"body"`
}

// Turn is the result of a respond call.
type Turn struct {
	Reply      Message `json:"reply"`
	Capability bool    `json:"capability,omitempty"`
	Model      string  `json:"model,omitempty"`
}

func (c *Client) StartConversation(ctx context.Context, userID, title string) (*Conversation, error) {
	var conv Conversation
	err := c.Do(ctx, http.MethodPost, "/api/conversations", map[string]string{"user_id": userID, "title": title}, &conv)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) Respond(ctx context.Context, conversationID, text string) (*Turn, error) {
	var t Turn
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/respond"
	if err := c.Do(ctx, http.MethodPost, path, map[string]string{"message": text}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func userPath(userID, suffix string) string {
	return "/api/users/" + url.PathEscape(userID) + suffix
}
