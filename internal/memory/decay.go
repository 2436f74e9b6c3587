package memory

import (
	"math"
	"time"
)

// DecayPolicy is anchored exponential decay: a score starts at its anchor and
// is multiplied by Base once per full Interval elapsed since the anchor time.
type DecayPolicy struct {
	Base     float64       `json:"base"`     // per-interval multiplier in (0,1)
	Interval time.Duration `json:"interval"` // length of one decay step
}

// DefaultDecayPolicy returns sensible defaults.
func DefaultDecayPolicy() DecayPolicy {
	return DecayPolicy{
		Base:     0.95,
		Interval: 24 * time.Hour,
	}
}

// Intervals returns the number of whole intervals between anchoredAt and now.
func (p DecayPolicy) Intervals(anchoredAt, now time.Time) int64 {
	if p.Interval <= 0 || !now.After(anchoredAt) {
		return 0
	}
	return int64(now.Sub(anchoredAt) / p.Interval)
}

// At returns the decay score at now for an item anchored at anchor.
// Items reinforced within the current interval keep their anchor.
func (p DecayPolicy) At(anchor float64, anchoredAt, now time.Time) float64 {
	n := p.Intervals(anchoredAt, now)
	if n == 0 || p.Base >= 1 {
		return clamp01(anchor)
	}
	if p.Base <= 0 {
		return 0
	}
	return clamp01(anchor * math.Pow(p.Base, float64(n)))
}

// BelowSince returns the first instant at which the decay score drops below
// threshold. ok is false when it never does.
func (p DecayPolicy) BelowSince(anchor float64, anchoredAt time.Time, threshold float64) (time.Time, bool) {
	if anchor < threshold {
		return anchoredAt, true
	}
	if threshold <= 0 || p.Base >= 1 || p.Interval <= 0 {
		return time.Time{}, false
	}
	if p.Base <= 0 {
		return anchoredAt.Add(p.Interval), true
	}
	// Smallest n with anchor*Base^n < threshold.
	n := int64(math.Floor(math.Log(threshold/anchor)/math.Log(p.Base))) + 1
	if n < 1 {
		n = 1
	}
	for n > 1 && anchor*math.Pow(p.Base, float64(n-1)) < threshold {
		n--
	}
	for anchor*math.Pow(p.Base, float64(n)) >= threshold {
		n++
	}
	return anchoredAt.Add(time.Duration(n) * p.Interval), true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
