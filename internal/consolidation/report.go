package consolidation

import (
	"sync"
	"time"
)

// Trigger says why a run started.
type Trigger string

const (
	TriggerInterval Trigger = "interval"
	TriggerMessages Trigger = "messages"
	TriggerForced   Trigger = "forced"
)

// Status is the outcome of a run.
type Status string

const (
	StatusOK       Status = "ok"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// UserResult records what a run did for one user.
type UserResult struct {
	UserID   string `json:"user_id"`
	Merged   int    `json:"merged"`   // semantic items created from clusters
	Consumed int    `json:"consumed"` // episodic items removed by merging
	Promoted int    `json:"promoted"`
	Pruned   int    `json:"pruned"`
	Related  int    `json:"related"`
	Stale    int    `json:"stale"` // clusters skipped because an item changed meanwhile
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Mutated reports whether the run changed the user's memory.
func (r UserResult) Mutated() bool {
	return r.Merged > 0 || r.Promoted > 0 || r.Pruned > 0
}

// Report is the completion record of one run.
type Report struct {
	RunID      string       `json:"run_id"`
	Trigger    Trigger      `json:"trigger"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Status     Status       `json:"status"`
	Users      []UserResult `json:"users"`
	Error      string       `json:"error,omitempty"`
}

// Failures returns the users whose consolidation failed.
func (r *Report) Failures() []UserResult {
	var out []UserResult
	for _, u := range r.Users {
		if u.Error != "" {
			out = append(out, u)
		}
	}
	return out
}

// history keeps the most recent reports.
type history struct {
	mu      sync.Mutex
	limit   int
	reports []*Report
}

func (h *history) add(r *Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
	if len(h.reports) > h.limit {
		h.reports = h.reports[len(h.reports)-h.limit:]
	}
}

// recent returns up to n reports, newest first. n <= 0 returns all.
func (h *history) recent(n int) []*Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.reports) {
		n = len(h.reports)
	}
	out := make([]*Report, 0, n)
	for i := len(h.reports) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.reports[i])
	}
	return out
}
