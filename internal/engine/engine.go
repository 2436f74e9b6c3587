// Package engine is the single inbound surface of recall. An Engine is built
// once with every collaborator and owns the request path: append, build
// context, reason, append the reply and write salient exchanges back into
// long-term memory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/capability"
	"github.com/nidhogg/recall/internal/consolidation"
	"github.com/nidhogg/recall/internal/conversation"
	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/events"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/metrics"
	"github.com/nidhogg/recall/internal/model"
	"github.com/nidhogg/recall/internal/profile"
	"github.com/nidhogg/recall/internal/provider"
	"github.com/nidhogg/recall/internal/summarize"
	"github.com/nidhogg/recall/internal/window"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds request-path settings.
type Config struct {
	SystemPrompt    string  `json:"system_prompt"`
	TokenBudget     int     `json:"token_budget"`
	Overlap         int     `json:"overlap"` // negative uses the window default
	ReasonerPurpose string  `json:"reasoner_purpose"`
	WriteBack       bool    `json:"write_back"`
	MinSalience     float64 `json:"min_salience"`
	SummaryMaxChars int     `json:"summary_max_chars"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:    "You are a helpful assistant with long-term memory of this user.",
		TokenBudget:     4096,
		Overlap:         -1,
		ReasonerPurpose: "chat",
		WriteBack:       true,
		MinSalience:     0.35,
		SummaryMaxChars: 320,
	}
}

// Lineage is the erasure side of the lineage graph.
type Lineage interface {
	DeleteUser(ctx context.Context, userID string) error
}

// Closer releases a resource on shutdown.
type Closer func(ctx context.Context) error

// Deps are the engine's collaborators. Conversations, Memory and Windows are
// required; everything else is optional.
type Deps struct {
	Conversations *conversation.Store
	Memory        *memory.Index
	Windows       *window.Builder
	Scheduler     *consolidation.Scheduler
	Profiles      *profile.Manager
	Embedder      embedding.Provider
	Reasoner      *provider.Router
	Capabilities  *capability.Registry
	Bus           events.Bus
	Lineage       Lineage
	Metrics       *metrics.Metrics
	Closers       []Closer
}

// Engine wires the components together.
type Engine struct {
	cfg           Config
	conversations *conversation.Store
	memory        *memory.Index
	windows       *window.Builder
	scheduler     *consolidation.Scheduler
	profiles      *profile.Manager
	embedder      embedding.Provider
	reasoner      *provider.Router
	capabilities  *capability.Registry
	bus           events.Bus
	lineage       Lineage
	metrics       *metrics.Metrics
	closers       []Closer
	logger        *zap.Logger
}

// Turn is the outcome of Respond.
type Turn struct {
	User       model.Message   `json:"user"`
	Reply      model.Message   `json:"reply"`
	Capability bool            `json:"capability,omitempty"` // answered by a capability, not the reasoner
	Window     *window.Window  `json:"window,omitempty"`
	Model      string          `json:"model,omitempty"`
	Usage      *provider.Usage `json:"usage,omitempty"`
}

// Erasure reports what EraseUser removed.
type Erasure struct {
	UserID        string `json:"user_id"`
	Conversations int    `json:"conversations"`
	Memories      int    `json:"memories"`
}

// New creates an engine. Without a capability registry the built-ins are
// registered against the engine itself.
func New(cfg Config, d Deps, logger *zap.Logger) (*Engine, error) {
	if d.Conversations == nil || d.Memory == nil || d.Windows == nil {
		return nil, fmt.Errorf("engine: conversations, memory and windows are required: %w", apperr.ErrInvalid)
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultConfig().TokenBudget
	}
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = DefaultConfig().SummaryMaxChars
	}
	if cfg.ReasonerPurpose == "" {
		cfg.ReasonerPurpose = DefaultConfig().ReasonerPurpose
	}
	e := &Engine{
		cfg:           cfg,
		conversations: d.Conversations,
		memory:        d.Memory,
		windows:       d.Windows,
		scheduler:     d.Scheduler,
		profiles:      d.Profiles,
		embedder:      d.Embedder,
		reasoner:      d.Reasoner,
		capabilities:  d.Capabilities,
		bus:           d.Bus,
		lineage:       d.Lineage,
		metrics:       d.Metrics,
		closers:       d.Closers,
		logger:        logger,
	}
	if e.profiles == nil {
		e.profiles = profile.NewManager(nil, logger)
	}
	if e.capabilities == nil {
		e.capabilities = capability.NewRegistry()
		capability.RegisterBuiltins(e.capabilities, e)
	}
	if e.metrics != nil {
		m := e.metrics
		e.conversations.OnEvict(func(_ string, n int) { m.MessagesEvictedTotal.Add(float64(n)) })
		m.ConversationsActive.Set(float64(e.conversations.Len()))
	}
	return e, nil
}

// Capabilities returns the capability table.
func (e *Engine) Capabilities() *capability.Registry { return e.capabilities }

// Start launches background consolidation.
func (e *Engine) Start(ctx context.Context) error {
	if e.scheduler == nil {
		return nil
	}
	return e.scheduler.Start(ctx)
}

// Close stops consolidation and releases storage handles.
func (e *Engine) Close(ctx context.Context) error {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	var errs error
	if e.bus != nil {
		errs = multierr.Append(errs, e.bus.Close())
	}
	for _, c := range e.closers {
		errs = multierr.Append(errs, c(ctx))
	}
	return errs
}

// StartConversation creates a conversation owned by userID.
func (e *Engine) StartConversation(ctx context.Context, userID, title string) (model.Conversation, error) {
	c, err := e.conversations.Create(ctx, userID, title)
	if err != nil {
		return model.Conversation{}, err
	}
	e.syncActive()
	e.logger.Info("conversation started", zap.String("conversation", c.ID), zap.String("user", userID))
	return c, nil
}

// Conversation returns conversation metadata.
func (e *Engine) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	return e.conversations.Get(ctx, id)
}

// Conversations lists a user's conversations, most recently active first.
func (e *Engine) Conversations(ctx context.Context, userID string) []model.Conversation {
	return e.conversations.ListByOwner(ctx, userID)
}

// AppendUserMessage records a user message. The message is durable when this
// returns; profile and trigger bookkeeping failures are only logged.
func (e *Engine) AppendUserMessage(ctx context.Context, conversationID, body string, opts ...conversation.AppendOption) (model.Message, error) {
	conv, err := e.conversations.Get(ctx, conversationID)
	if err != nil {
		return model.Message{}, err
	}
	return e.appendUser(ctx, conv, body, opts...)
}

func (e *Engine) appendUser(ctx context.Context, conv model.Conversation, body string, opts ...conversation.AppendOption) (model.Message, error) {
	msg, err := e.conversations.Append(ctx, conv.ID, model.RoleUser, body, opts...)
	if err != nil {
		return model.Message{}, err
	}
	e.countMessage(model.RoleUser)

	if _, err := e.profiles.Observe(ctx, conv.OwnerID, body); err != nil {
		e.logger.Warn("profile update failed", zap.String("user", conv.OwnerID), zap.Error(err))
	}
	e.publish(ctx, &events.Event{
		Type:           events.TypeMessageAppended,
		UserID:         conv.OwnerID,
		ConversationID: conv.ID,
		Seq:            msg.Seq,
		Role:           string(model.RoleUser),
	})
	// With a bus the scheduler counts messages from its subscription.
	if e.bus == nil && e.scheduler != nil {
		e.scheduler.NoteMessage(context.WithoutCancel(ctx), conv.OwnerID)
	}
	return msg, nil
}

// BuildContext assembles the context window for the next reasoning call. An
// empty UserID defaults to the conversation owner and a zero budget to the
// configured one.
func (e *Engine) BuildContext(ctx context.Context, req window.Request) (*window.Window, error) {
	if req.UserID == "" {
		conv, err := e.conversations.Get(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		req.UserID = conv.OwnerID
	}
	if req.TokenBudget == 0 {
		req.TokenBudget = e.cfg.TokenBudget
	}
	start := time.Now()
	w, err := e.windows.Build(ctx, req)
	e.observeBuild(w, err, time.Since(start))
	return w, err
}

// AppendAssistantMessage records a reply and, when enabled and salient
// enough, writes the exchange back as an episodic memory.
func (e *Engine) AppendAssistantMessage(ctx context.Context, conversationID, body string, opts ...conversation.AppendOption) (model.Message, error) {
	conv, err := e.conversations.Get(ctx, conversationID)
	if err != nil {
		return model.Message{}, err
	}
	return e.appendAssistant(ctx, conv, body, e.cfg.WriteBack, opts...)
}

func (e *Engine) appendAssistant(ctx context.Context, conv model.Conversation, body string, writeBack bool, opts ...conversation.AppendOption) (model.Message, error) {
	msg, err := e.conversations.Append(ctx, conv.ID, model.RoleAssistant, body, opts...)
	if err != nil {
		return model.Message{}, err
	}
	e.countMessage(model.RoleAssistant)
	e.publish(ctx, &events.Event{
		Type:           events.TypeMessageAppended,
		UserID:         conv.OwnerID,
		ConversationID: conv.ID,
		Seq:            msg.Seq,
		Role:           string(model.RoleAssistant),
	})
	if writeBack {
		e.writeBack(ctx, conv, msg)
	}
	return msg, nil
}

// writeBack stores the exchange ending in reply as an episodic memory when it
// is salient. Failures never fail the append that triggered them.
func (e *Engine) writeBack(ctx context.Context, conv model.Conversation, reply model.Message) {
	if e.embedder == nil {
		return
	}
	tail, err := e.conversations.ReadTail(ctx, conv.ID, 4)
	if err != nil {
		e.logger.Warn("write-back: read tail failed", zap.String("conversation", conv.ID), zap.Error(err))
		return
	}
	var user *model.Message
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Seq < reply.Seq && tail[i].Role == model.RoleUser {
			user = &tail[i]
			break
		}
	}
	if user == nil {
		return
	}
	score := Salience(user.Body, reply.Body)
	if score < e.cfg.MinSalience {
		e.logger.Debug("exchange not salient", zap.String("conversation", conv.ID), zap.Float64("salience", score))
		return
	}

	summary := summarize.Extract("User: "+user.Body+"\nAssistant: "+reply.Body, e.cfg.SummaryMaxChars)
	vec, err := embedding.EmbedOne(ctx, e.embedder, summary)
	if err != nil {
		if e.metrics != nil {
			e.metrics.EmbeddingFailuresTotal.Inc()
		}
		e.logger.Warn("write-back: embedding failed", zap.String("conversation", conv.ID), zap.Error(err))
		return
	}
	item, err := model.NewEpisodic(conv.OwnerID, conv.ID, summary, vec, []string{user.ID, reply.ID})
	if err != nil {
		e.logger.Warn("write-back: invalid item", zap.Error(err))
		return
	}
	if _, err := e.memory.Insert(ctx, item); err != nil {
		e.logger.Warn("write-back: insert failed", zap.String("user", conv.OwnerID), zap.Error(err))
		return
	}
	if e.metrics != nil {
		e.metrics.MemoriesWrittenTotal.WithLabelValues(string(model.KindEpisodic)).Inc()
	}
	e.logger.Debug("exchange remembered",
		zap.String("user", conv.OwnerID),
		zap.String("conversation", conv.ID),
		zap.Float64("salience", score))
}

// Respond runs a full turn: append the user message, answer it from the
// capability table or the reasoner, and append the reply.
func (e *Engine) Respond(ctx context.Context, conversationID, text string) (*Turn, error) {
	conv, err := e.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	userMsg, err := e.appendUser(ctx, conv, text)
	if err != nil {
		return nil, err
	}

	res, handled, err := e.capabilities.Dispatch(ctx, &capability.Input{
		Text:           text,
		UserID:         conv.OwnerID,
		ConversationID: conv.ID,
	})
	if err != nil {
		return nil, err
	}
	if handled {
		reply, err := e.appendAssistant(ctx, conv, res.Content, false)
		if err != nil {
			return nil, err
		}
		return &Turn{User: userMsg, Reply: reply, Capability: true}, nil
	}

	if e.reasoner == nil {
		return nil, fmt.Errorf("respond: no reasoner configured: %w", apperr.ErrInvalid)
	}
	w, err := e.BuildContext(ctx, window.Request{
		ConversationID: conv.ID,
		UserID:         conv.OwnerID,
		TokenBudget:    e.cfg.TokenBudget,
		Overlap:        e.cfg.Overlap,
	})
	if err != nil {
		return nil, err
	}
	resp, err := e.reason(ctx, w.Render(e.cfg.SystemPrompt))
	if err != nil {
		return nil, err
	}
	reply, err := e.appendAssistant(ctx, conv, resp.Content, e.cfg.WriteBack)
	if err != nil {
		return nil, err
	}
	return &Turn{User: userMsg, Reply: reply, Window: w, Model: resp.Model, Usage: &resp.Usage}, nil
}

func (e *Engine) reason(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	start := time.Now()
	resp, err := e.reasoner.Route(ctx, e.cfg.ReasonerPurpose, req)
	if e.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.ReasonerCallsTotal.WithLabelValues(status).Inc()
		e.metrics.ReasonerCallDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("reasoner: %w", err)
	}
	return resp, nil
}

// History pages through a conversation's retained messages.
func (e *Engine) History(ctx context.Context, conversationID string, afterSeq int64, limit int) (conversation.Page, error) {
	return e.conversations.ReadRange(ctx, conversationID, afterSeq, limit)
}

// ConversationStats returns message and token totals.
func (e *Engine) ConversationStats(ctx context.Context, conversationID string) (conversation.Stats, error) {
	return e.conversations.Stats(ctx, conversationID)
}

// Export renders a conversation as "json" or "markdown".
func (e *Engine) Export(ctx context.Context, conversationID, format string) ([]byte, error) {
	return e.conversations.Export(ctx, conversationID, format)
}

// PinMessage exempts a message from capacity eviction.
func (e *Engine) PinMessage(ctx context.Context, conversationID string, seq int64) error {
	return e.conversations.Pin(ctx, conversationID, seq)
}

// DeleteConversation irreversibly removes a conversation and its overlap state.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	conv, err := e.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := e.conversations.Delete(ctx, conversationID); err != nil {
		return err
	}
	e.windows.Forget(conversationID)
	e.syncActive()
	e.publish(ctx, &events.Event{
		Type:           events.TypeConversationDeleted,
		UserID:         conv.OwnerID,
		ConversationID: conversationID,
	})
	return nil
}

// CleanupInactive deletes conversations idle for longer than olderThan.
func (e *Engine) CleanupInactive(ctx context.Context, olderThan time.Duration) ([]string, error) {
	ids, err := e.conversations.CleanupInactive(ctx, olderThan)
	for _, id := range ids {
		e.windows.Forget(id)
	}
	e.syncActive()
	if len(ids) > 0 {
		e.logger.Info("inactive conversations removed", zap.Int("count", len(ids)), zap.Duration("older_than", olderThan))
	}
	return ids, err
}

// AddProcedure stores a procedural memory: how the user wants something done.
func (e *Engine) AddProcedure(ctx context.Context, userID, trigger string, steps []string) (*model.MemoryItem, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("add procedure: no embedder configured: %w", apperr.ErrEmbeddingUnavailable)
	}
	summary := strings.TrimSpace(trigger) + ": " + strings.Join(steps, "; ")
	vec, err := embedding.EmbedOne(ctx, e.embedder, summary)
	if err != nil {
		return nil, fmt.Errorf("add procedure: %w", err)
	}
	item, err := model.NewProcedural(userID, summary, vec, trigger, steps)
	if err != nil {
		return nil, err
	}
	out, err := e.memory.Insert(ctx, item)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.MemoriesWrittenTotal.WithLabelValues(string(model.KindProcedural)).Inc()
	}
	return out, nil
}

// Memories lists a user's memory items with current decay.
func (e *Engine) Memories(ctx context.Context, userID string) []*model.MemoryItem {
	return e.memory.List(ctx, userID)
}

// MemoryStats returns counts per kind and mean decay for a user.
func (e *Engine) MemoryStats(ctx context.Context, userID string) memory.Stats {
	return e.memory.Stats(ctx, userID)
}

// ForceConsolidation runs consolidation for one user now.
func (e *Engine) ForceConsolidation(ctx context.Context, userID string) (*consolidation.Report, error) {
	if e.scheduler == nil {
		return nil, fmt.Errorf("consolidation disabled: %w", apperr.ErrInvalid)
	}
	report := e.scheduler.RunUser(ctx, userID, consolidation.TriggerForced)
	switch report.Status {
	case consolidation.StatusFailed:
		return report, fmt.Errorf("consolidate %s: %s: %w", userID, report.Error, apperr.ErrConsolidation)
	case consolidation.StatusCanceled:
		return report, ctx.Err()
	}
	return report, nil
}

// ConsolidationReports returns up to n recent run reports, newest first.
func (e *Engine) ConsolidationReports(n int) []*consolidation.Report {
	if e.scheduler == nil {
		return nil
	}
	return e.scheduler.Reports(n)
}

// Profile returns the user's profile.
func (e *Engine) Profile(ctx context.Context, userID string) (*model.Profile, error) {
	return e.profiles.Get(ctx, userID)
}

// SetProfileAttribute records an explicit user attribute.
func (e *Engine) SetProfileAttribute(ctx context.Context, userID, key, value string) error {
	return e.profiles.SetAttribute(ctx, userID, key, value)
}

// ForgetMemories erases a user's long-term memory and its lineage.
func (e *Engine) ForgetMemories(ctx context.Context, userID string) (int, error) {
	n, err := e.memory.DeleteUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if e.lineage != nil {
		if err := e.lineage.DeleteUser(ctx, userID); err != nil {
			return n, fmt.Errorf("erase lineage: %w", err)
		}
	}
	e.logger.Info("memories forgotten", zap.String("user", userID), zap.Int("count", n))
	return n, nil
}

// EraseUser removes everything held about a user: conversations, memories,
// lineage, profile and pending consolidation triggers. It continues past
// individual failures and returns them combined.
func (e *Engine) EraseUser(ctx context.Context, userID string) (*Erasure, error) {
	er := &Erasure{UserID: userID}
	var errs error
	for _, c := range e.conversations.ListByOwner(ctx, userID) {
		if err := e.DeleteConversation(ctx, c.ID); err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		er.Conversations++
	}
	n, err := e.ForgetMemories(ctx, userID)
	er.Memories = n
	errs = multierr.Append(errs, err)
	errs = multierr.Append(errs, e.profiles.Delete(ctx, userID))
	if e.scheduler != nil {
		e.scheduler.Forget(userID)
	}
	e.publish(ctx, &events.Event{Type: events.TypeUserErased, UserID: userID})
	e.logger.Info("user erased",
		zap.String("user", userID),
		zap.Int("conversations", er.Conversations),
		zap.Int("memories", er.Memories),
		zap.Error(errs))
	return er, errs
}

func (e *Engine) observeBuild(w *window.Window, err error, took time.Duration) {
	if e.metrics == nil {
		return
	}
	m := e.metrics
	m.WindowBuildDuration.Observe(took.Seconds())
	switch {
	case err != nil:
		m.WindowBuildsTotal.WithLabelValues("error").Inc()
		return
	case w.Degraded:
		m.WindowBuildsTotal.WithLabelValues("degraded").Inc()
		if w.DegradedReason == window.ReasonEmbeddingUnavailable {
			m.EmbeddingFailuresTotal.Inc()
		}
	default:
		m.WindowBuildsTotal.WithLabelValues("ok").Inc()
	}
	m.WindowTokensUsed.Observe(float64(w.TokensUsed))
	selected := 0
	for _, f := range w.Fragments {
		if f.Provenance == window.ProvenanceMemory && !f.Overlap {
			selected++
		}
	}
	m.MemoriesSelectedTotal.Add(float64(selected))
}

func (e *Engine) countMessage(role model.Role) {
	if e.metrics != nil {
		e.metrics.MessagesAppendedTotal.WithLabelValues(string(role)).Inc()
	}
}

func (e *Engine) syncActive() {
	if e.metrics != nil {
		e.metrics.ConversationsActive.Set(float64(e.conversations.Len()))
	}
}

func (e *Engine) publish(ctx context.Context, ev *events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("publish event failed", zap.String("type", ev.Type), zap.Error(err))
	}
}
