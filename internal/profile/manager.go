// Package profile maintains per-user aggregates derived from user messages.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
	"github.com/nidhogg/recall/internal/tokenizer"
	"go.uber.org/zap"
)

// Repository persists profiles. LoadProfile returns apperr.ErrNotFound for
// unknown users.
type Repository interface {
	SaveProfile(ctx context.Context, p *model.Profile) error
	LoadProfile(ctx context.Context, userID string) (*model.Profile, error)
	DeleteProfile(ctx context.Context, userID string) error
}

// Tone labels.
const (
	ToneFormal      = "formal"
	ToneCasual      = "casual"
	ToneTechnical   = "technical"
	ToneInquisitive = "inquisitive"
)

// Manager creates profiles lazily and updates them per observed message.
type Manager struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	profiles map[string]*model.Profile
	locks    map[string]*sync.Mutex
}

// NewManager creates a profile manager. repo may be nil.
func NewManager(repo Repository, logger *zap.Logger) *Manager {
	return &Manager{
		repo:     repo,
		logger:   logger,
		now:      time.Now,
		profiles: make(map[string]*model.Profile),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Observe folds one user message into the user's profile, creating it on
// first use, and returns the updated profile.
func (m *Manager) Observe(ctx context.Context, userID, text string) (*model.Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("observe: user id required: %w", apperr.ErrInvalid)
	}
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var p *model.Profile
	if cur == nil {
		p = &model.Profile{
			UserID:         userID,
			CreatedAt:      now,
			TopicFrequency: make(map[string]int),
			ToneScores:     make(map[string]int),
		}
	} else {
		p = cur.Clone()
	}

	p.MessageCount++
	p.UpdatedAt = now
	for _, topic := range Topics(text) {
		p.TopicFrequency[topic]++
	}
	for _, tone := range Tones(text) {
		p.ToneScores[tone]++
	}
	p.PreferredTone = preferred(p.ToneScores)

	if m.repo != nil {
		if err := m.repo.SaveProfile(ctx, p); err != nil {
			return nil, fmt.Errorf("save profile: %w", err)
		}
	}
	m.mu.Lock()
	m.profiles[userID] = p
	m.mu.Unlock()

	if cur == nil {
		m.logger.Info("profile created", zap.String("user", userID))
	}
	return p.Clone(), nil
}

// SetAttribute records a free-form attribute on an existing profile.
func (m *Manager) SetAttribute(ctx context.Context, userID, key, value string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("profile %s: %w", userID, apperr.ErrNotFound)
	}
	p := cur.Clone()
	if p.Attributes == nil {
		p.Attributes = make(map[string]string)
	}
	p.Attributes[key] = value
	p.UpdatedAt = m.now()
	if m.repo != nil {
		if err := m.repo.SaveProfile(ctx, p); err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
	}
	m.mu.Lock()
	m.profiles[userID] = p
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the user's profile.
func (m *Manager) Get(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("profile %s: %w", userID, apperr.ErrNotFound)
	}
	return p.Clone(), nil
}

// Delete removes the user's profile. Deleting a missing profile is not an error.
func (m *Manager) Delete(ctx context.Context, userID string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if m.repo != nil {
		if err := m.repo.DeleteProfile(ctx, userID); err != nil {
			return fmt.Errorf("delete profile: %w", err)
		}
	}
	m.mu.Lock()
	delete(m.profiles, userID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) load(ctx context.Context, userID string) (*model.Profile, error) {
	m.mu.Lock()
	p, ok := m.profiles[userID]
	m.mu.Unlock()
	if ok {
		return p, nil
	}
	if m.repo == nil {
		return nil, nil
	}
	p, err := m.repo.LoadProfile(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if p.TopicFrequency == nil {
		p.TopicFrequency = make(map[string]int)
	}
	if p.ToneScores == nil {
		p.ToneScores = make(map[string]int)
	}
	m.mu.Lock()
	m.profiles[userID] = p
	m.mu.Unlock()
	return p, nil
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "been": true,
	"before": true, "being": true, "could": true, "does": true, "doing": true,
	"from": true, "have": true, "having": true, "here": true, "into": true,
	"just": true, "like": true, "make": true, "more": true, "most": true,
	"much": true, "only": true, "other": true, "over": true, "please": true,
	"should": true, "some": true, "such": true, "than": true, "that": true,
	"their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "those": true, "very": true, "want": true,
	"were": true, "what": true, "when": true, "where": true, "which": true,
	"while": true, "will": true, "with": true, "would": true, "your": true,
	"know": true, "need": true, "think": true, "thanks": true,
}

// Topics returns the distinct content words of text: four letters or more,
// stopwords removed.
func Topics(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range tokenizer.Words(text) {
		if len(w) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

var (
	formalMarkers    = []string{"please", "could you", "would you", "kindly", "thank you", "regards"}
	casualMarkers    = []string{"hey", "lol", "yeah", "gonna", "wanna", "cool", "thx", "btw"}
	technicalMarkers = []string{"error", "function", "api", "database", "deploy", "config", "server", "query", "stack trace", "```"}
)

// Tones returns the tone labels text exhibits.
func Tones(text string) []string {
	lower := strings.ToLower(text)
	words := tokenizer.WordSet(lower)
	has := func(markers []string) bool {
		for _, mk := range markers {
			if strings.Contains(mk, " ") || strings.Contains(mk, "`") {
				if strings.Contains(lower, mk) {
					return true
				}
				continue
			}
			if _, ok := words[mk]; ok {
				return true
			}
		}
		return false
	}

	var tones []string
	if has(formalMarkers) {
		tones = append(tones, ToneFormal)
	}
	if has(casualMarkers) || strings.Count(text, "!") > 1 {
		tones = append(tones, ToneCasual)
	}
	if has(technicalMarkers) {
		tones = append(tones, ToneTechnical)
	}
	if strings.Contains(text, "?") {
		tones = append(tones, ToneInquisitive)
	}
	return tones
}

// preferred returns the highest scoring tone, ties broken alphabetically.
func preferred(scores map[string]int) string {
	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestScore := "", 0
	for _, k := range keys {
		if scores[k] > bestScore {
			best, bestScore = k, scores[k]
		}
	}
	return best
}
