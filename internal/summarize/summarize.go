// Package summarize builds short extractive summaries from free text.
package summarize

import (
	"strings"
	"unicode"
)

// keyMarkers flag sentences worth keeping from the middle of a text.
var keyMarkers = []string{
	"important", "key", "main", "primary", "significant", "critical",
	"remember", "note", "however", "therefore", "conclusion", "prefer",
}

// Sentences splits text on sentence terminators, trimming whitespace.
func Sentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		if s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return out
}

// Extract returns text unchanged when it fits maxChars. Otherwise it keeps the
// first sentence, marker sentences from the middle, and the last sentence when
// room remains, truncating the result to maxChars.
func Extract(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	sentences := Sentences(text)
	if len(sentences) == 0 {
		return truncate(text, maxChars)
	}

	parts := []string{sentences[0]}
	length := len(sentences[0])
	if len(sentences) > 2 {
		for _, s := range sentences[1 : len(sentences)-1] {
			if !hasMarker(s) {
				continue
			}
			if length+1+len(s) > maxChars {
				break
			}
			parts = append(parts, s)
			length += 1 + len(s)
		}
	}
	if len(sentences) > 1 {
		last := sentences[len(sentences)-1]
		if length+1+len(last) <= maxChars {
			parts = append(parts, last)
		}
	}
	return truncate(strings.Join(parts, " "), maxChars)
}

// Merge joins the sentences of several texts in order, dropping sentences
// already seen (case and whitespace insensitive), then applies Extract.
func Merge(texts []string, maxChars int) string {
	seen := make(map[string]struct{})
	var kept []string
	for _, t := range texts {
		for _, s := range Sentences(t) {
			key := normalize(s)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			kept = append(kept, s)
		}
	}
	return Extract(strings.Join(kept, " "), maxChars)
}

func hasMarker(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range keyMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
