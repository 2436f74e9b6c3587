package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
)

// Export format names.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

type exportDoc struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
}

// Export renders the retained history of a conversation.
func (s *Store) Export(ctx context.Context, conversationID, format string) ([]byte, error) {
	meta, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.ReadTail(ctx, conversationID, -1)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(format) {
	case FormatJSON, "":
		return json.MarshalIndent(exportDoc{Conversation: meta, Messages: msgs}, "", "  ")
	case FormatMarkdown, "md":
		var b strings.Builder
		title := meta.Title
		if title == "" {
			title = meta.ID
		}
		fmt.Fprintf(&b, "# %s\n\n", title)
		for _, m := range msgs {
			fmt.Fprintf(&b, "**%s** (%s)", m.Role, m.Timestamp.UTC().Format("2006-01-02 15:04:05"))
			if m.Pinned {
				b.WriteString(" [pinned]")
			}
			fmt.Fprintf(&b, "\n\n%s\n\n", m.Body)
		}
		return []byte(b.String()), nil
	}
	return nil, fmt.Errorf("export format %q: %w", format, apperr.ErrInvalid)
}
