// Package consolidation runs the background memory maintenance job: merging
// similar episodes into semantic memories, promoting well-used episodes and
// pruning faded items, one user at a time.
//
// Planning, summarizing and embedding happen on a snapshot without any lock.
// The plan is then applied under the user's index lock with version checks,
// so readers see a user's memory either before or after a run.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/events"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/metrics"
	"github.com/nidhogg/recall/internal/model"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds scheduler settings.
type Config struct {
	Schedule          string        `json:"schedule"` // cron spec such as "@every 1h"; empty disables
	MergeThreshold    float64       `json:"merge_threshold"`
	MinContentOverlap float64       `json:"min_content_overlap"`
	PromoteAfter      int           `json:"promote_after"`
	RelatedThreshold  float64       `json:"related_threshold"`
	Workers           int           `json:"workers"`
	TriggerAfter      int           `json:"trigger_after"` // messages per user before an early run; 0 disables
	KeepReports       int           `json:"keep_reports"`
	SummaryMaxChars   int           `json:"summary_max_chars"`
	UserTimeout       time.Duration `json:"user_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:          "@every 1h",
		MergeThreshold:    0.9,
		MinContentOverlap: 0.1,
		PromoteAfter:      3,
		RelatedThreshold:  0.7,
		Workers:           4,
		TriggerAfter:      20,
		KeepReports:       20,
		SummaryMaxChars:   480,
		UserTimeout:       time.Minute,
	}
}

// Index is the part of the memory index consolidation works on.
type Index interface {
	Users() []string
	List(ctx context.Context, userID string) []*model.MemoryItem
	Apply(ctx context.Context, userID string, fn func(*memory.Tx) error) error
	PruneUser(ctx context.Context, userID string) ([]string, error)
}

// LineageRecorder receives lineage after each applied change.
type LineageRecorder interface {
	RecordMerge(ctx context.Context, userID, target, summary string, sources []string) error
	RecordPromote(ctx context.Context, userID, id, summary string) error
	RecordPrune(ctx context.Context, userID string, ids []string) error
	RecordRelated(ctx context.Context, userID, a, b string, similarity float64) error
}

// Scheduler owns consolidation runs.
type Scheduler struct {
	cfg      Config
	index    Index
	embedder embedding.Provider
	lineage  LineageRecorder
	bus      events.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	history *history

	mu      sync.Mutex
	running map[string]bool
	pending map[string]int // user -> messages since last run

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithEmbedder re-embeds merged summaries. Without it the centroid is used.
func WithEmbedder(p embedding.Provider) Option { return func(s *Scheduler) { s.embedder = p } }

// WithLineage records merges, promotions, prunes and related pairs.
func WithLineage(l LineageRecorder) Option { return func(s *Scheduler) { s.lineage = l } }

// WithBus subscribes to message events for early runs and publishes run completion.
func WithBus(b events.Bus) Option { return func(s *Scheduler) { s.bus = b } }

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// NewScheduler creates a scheduler over index.
func NewScheduler(cfg Config, index Index, logger *zap.Logger, opts ...Option) *Scheduler {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.KeepReports <= 0 {
		cfg.KeepReports = d.KeepReports
	}
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = d.SummaryMaxChars
	}
	if cfg.PromoteAfter <= 0 {
		cfg.PromoteAfter = d.PromoteAfter
	}
	s := &Scheduler{
		cfg:     cfg,
		index:   index,
		logger:  logger,
		history: &history{limit: cfg.KeepReports},
		running: make(map[string]bool),
		pending: make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins the interval schedule and, with a bus, the message trigger.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.cfg.Schedule != "" {
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger.Sugar()})))
		if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunAll(ctx, TriggerInterval) }); err != nil {
			cancel()
			return fmt.Errorf("consolidation schedule %q: %w", s.cfg.Schedule, err)
		}
		c.Start()
		s.cron = c
	}
	if s.bus != nil && s.cfg.TriggerAfter > 0 {
		ch := s.bus.Subscribe(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watch(ctx, ch)
		}()
	}
	s.logger.Info("consolidation scheduler started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Int("trigger_after", s.cfg.TriggerAfter),
		zap.Int("workers", s.cfg.Workers))
	return nil
}

// Stop halts the schedule, cancels in-flight runs between users and waits
// for them to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) watch(ctx context.Context, ch <-chan *events.Event) {
	for ev := range ch {
		if ev.Type == events.TypeMessageAppended && ev.UserID != "" {
			s.NoteMessage(ctx, ev.UserID)
		}
	}
}

// NoteMessage counts a new message for userID and triggers an early run
// once TriggerAfter messages have accumulated. It reports whether a run was
// triggered.
func (s *Scheduler) NoteMessage(ctx context.Context, userID string) bool {
	if s.cfg.TriggerAfter <= 0 {
		return false
	}
	s.mu.Lock()
	s.pending[userID]++
	due := s.pending[userID] >= s.cfg.TriggerAfter
	if due {
		delete(s.pending, userID)
	}
	s.mu.Unlock()
	if due {
		s.Trigger(ctx, userID)
	}
	return due
}

// Trigger starts a run for one user in the background.
func (s *Scheduler) Trigger(ctx context.Context, userID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunUser(ctx, userID, TriggerMessages)
	}()
}

// RunAll consolidates every user with memories.
func (s *Scheduler) RunAll(ctx context.Context, trigger Trigger) *Report {
	return s.run(ctx, trigger, s.index.Users())
}

// RunUser consolidates one user.
func (s *Scheduler) RunUser(ctx context.Context, userID string, trigger Trigger) *Report {
	return s.run(ctx, trigger, []string{userID})
}

// Reports returns up to n recent reports, newest first.
func (s *Scheduler) Reports(n int) []*Report {
	return s.history.recent(n)
}

// Forget drops pending trigger counts for a user.
func (s *Scheduler) Forget(userID string) {
	s.mu.Lock()
	delete(s.pending, userID)
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, trigger Trigger, users []string) *Report {
	report := &Report{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now(),
		Users:     make([]UserResult, len(users)),
	}

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   error
	)
	g.SetLimit(s.cfg.Workers)
	canceled := false
	for i, userID := range users {
		report.Users[i].UserID = userID
		if ctx.Err() != nil {
			canceled = true
			report.Users[i].Skipped = true
			report.Users[i].Error = "canceled before start"
			continue
		}
		res := &report.Users[i]
		g.Go(func() error {
			if err := s.consolidateUser(ctx, userID, res); err != nil {
				res.Error = err.Error()
				errsMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("user %s: %w", userID, err))
				errsMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	report.FinishedAt = time.Now()
	failed := len(multierr.Errors(errs))
	switch {
	case canceled:
		report.Status = StatusCanceled
	case failed == 0:
		report.Status = StatusOK
	case failed == len(users):
		report.Status = StatusFailed
	default:
		report.Status = StatusPartial
	}
	if errs != nil {
		report.Error = errs.Error()
	}
	s.history.add(report)
	s.record(ctx, report, failed)

	s.logger.Info("consolidation run finished",
		zap.String("run", report.RunID),
		zap.String("trigger", string(trigger)),
		zap.String("status", string(report.Status)),
		zap.Int("users", len(users)),
		zap.Int("failures", failed),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report
}

// consolidateUser runs one user's pass. Panics are recovered into errors.
func (s *Scheduler) consolidateUser(ctx context.Context, userID string, res *UserResult) (err error) {
	if !s.claim(userID) {
		res.Skipped = true
		return nil
	}
	defer s.release(userID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", apperr.ErrConsolidation, r)
		}
	}()

	if s.cfg.UserTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.UserTimeout)
		defer cancel()
	}

	items := s.index.List(ctx, userID)
	p, err := s.buildPlan(ctx, userID, items)
	if err != nil {
		return fmt.Errorf("%w: plan: %v", apperr.ErrConsolidation, err)
	}

	merges, promotes, err := s.apply(ctx, userID, p, res)
	if err != nil {
		return fmt.Errorf("%w: apply: %v", apperr.ErrConsolidation, err)
	}

	pruned, err := s.index.PruneUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: prune: %v", apperr.ErrConsolidation, err)
	}
	res.Pruned = len(pruned)

	s.recordLineage(ctx, userID, merges, promotes, pruned, res)
	if res.Mutated() {
		s.logger.Info("user consolidated",
			zap.String("user", userID),
			zap.Int("merged", res.Merged),
			zap.Int("consumed", res.Consumed),
			zap.Int("promoted", res.Promoted),
			zap.Int("pruned", res.Pruned),
			zap.Int("stale", res.Stale))
	}
	return nil
}

// recordLineage writes lineage after the index change is committed. Lineage
// failures are logged and do not fail the user.
func (s *Scheduler) recordLineage(ctx context.Context, userID string, merges []merge, promotes []*model.MemoryItem, pruned []string, res *UserResult) {
	if s.lineage == nil {
		return
	}
	var errs error
	for _, m := range merges {
		ids := make([]string, len(m.members))
		for i, it := range m.members {
			ids[i] = it.ID
		}
		errs = multierr.Append(errs, s.lineage.RecordMerge(ctx, userID, m.replaced.ID, m.replaced.Summary, ids))
	}
	for _, it := range promotes {
		errs = multierr.Append(errs, s.lineage.RecordPromote(ctx, userID, it.ID, it.Summary))
	}
	errs = multierr.Append(errs, s.lineage.RecordPrune(ctx, userID, pruned))

	if s.cfg.RelatedThreshold > 0 {
		for _, pair := range relatedPairs(s.index.List(ctx, userID), s.cfg.RelatedThreshold) {
			sim := memory.Cosine(pair[0].Embedding, pair[1].Embedding)
			if err := s.lineage.RecordRelated(ctx, userID, pair[0].ID, pair[1].ID, sim); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			res.Related++
		}
	}
	if errs != nil {
		s.logger.Warn("lineage recording failed", zap.String("user", userID), zap.Error(errs))
	}
}

func (s *Scheduler) record(ctx context.Context, r *Report, failed int) {
	if s.metrics != nil {
		s.metrics.ConsolidationRunsTotal.WithLabelValues(string(r.Trigger), string(r.Status)).Inc()
		s.metrics.ConsolidationDuration.Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
		s.metrics.ConsolidationFailuresTotal.Add(float64(failed))
		for _, u := range r.Users {
			s.metrics.ConsolidationMergedTotal.Add(float64(u.Consumed))
			s.metrics.ConsolidationPromotedTotal.Add(float64(u.Promoted))
			s.metrics.ConsolidationPrunedTotal.Add(float64(u.Pruned))
		}
	}
	if s.bus != nil {
		ev := &events.Event{Type: events.TypeConsolidationDone, Detail: string(r.Status)}
		if len(r.Users) == 1 {
			ev.UserID = r.Users[0].UserID
		}
		if err := s.bus.Publish(context.WithoutCancel(ctx), ev); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("publish consolidation event failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) claim(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[userID] {
		return false
	}
	s.running[userID] = true
	return true
}

func (s *Scheduler) release(userID string) {
	s.mu.Lock()
	delete(s.running, userID)
	s.mu.Unlock()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
