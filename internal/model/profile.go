package model

import "time"

// Profile aggregates what has been observed about a user across conversations.
type Profile struct {
	UserID         string            `json:"user_id"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	MessageCount   int               `json:"message_count"`
	TopicFrequency map[string]int    `json:"topic_frequency"`
	ToneScores     map[string]int    `json:"tone_scores"`
	PreferredTone  string            `json:"preferred_tone,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	c := *p
	c.TopicFrequency = make(map[string]int, len(p.TopicFrequency))
	for k, v := range p.TopicFrequency {
		c.TopicFrequency[k] = v
	}
	c.ToneScores = make(map[string]int, len(p.ToneScores))
	for k, v := range p.ToneScores {
		c.ToneScores[k] = v
	}
	if p.Attributes != nil {
		c.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
