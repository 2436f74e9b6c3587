package engine

import (
	"strings"

	"github.com/nidhogg/recall/internal/tokenizer"
)

// cues mark exchanges worth remembering regardless of length.
var cues = []string{
	"remember", "my name", "i prefer", "i like", "i love", "i hate", "i don't like",
	"always", "never", "i am", "i'm", "i work", "i live", "birthday", "allergic",
	"deadline", "favorite", "favourite", "important",
}

// Salience scores how much an exchange is worth keeping as an episodic
// memory, in [0, 1]. Lexical variety counts for up to 0.6 and explicit
// personal cues for up to 0.4.
func Salience(user, assistant string) float64 {
	words := tokenizer.WordSet(user)
	variety := float64(len(words)) / 20
	if variety > 1 {
		variety = 1
	}
	lower := strings.ToLower(user)
	hits := 0
	for _, c := range cues {
		if strings.Contains(lower, c) {
			hits++
		}
	}
	cue := float64(hits) * 0.2
	if cue > 0.4 {
		cue = 0.4
	}
	score := 0.6*variety + cue
	if strings.TrimSpace(assistant) == "" {
		score *= 0.5
	}
	return score
}
