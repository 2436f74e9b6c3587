package window

import (
	"fmt"
	"strings"

	"github.com/nidhogg/recall/internal/provider"
)

// MemoryPrompt renders the memory fragments as a system prompt section.
// It returns "" when the window holds no memories.
func (w *Window) MemoryPrompt() string {
	var b strings.Builder
	for _, f := range w.Fragments {
		if f.Provenance != ProvenanceMemory {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("[Memory Context]\n")
		}
		fmt.Fprintf(&b, "- %s (relevance: %.2f): %s\n", f.Kind, f.Score, f.Text)
	}
	return b.String()
}

// Render turns the window into a chat request: memories go to the system
// prompt, message fragments keep their window order.
func (w *Window) Render(system string) *provider.ChatRequest {
	req := &provider.ChatRequest{System: strings.TrimSpace(system)}
	if mem := w.MemoryPrompt(); mem != "" {
		if req.System != "" {
			req.System += "\n\n"
		}
		req.System += strings.TrimSpace(mem)
	}
	for _, f := range w.Fragments {
		if f.Provenance == ProvenanceMessage {
			req.Messages = append(req.Messages, provider.Message{Role: string(f.Role), Content: f.Text})
		}
	}
	return req
}
