package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/conversation"
	"github.com/nidhogg/recall/internal/engine"
	"github.com/nidhogg/recall/internal/model"
	"github.com/nidhogg/recall/internal/window"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine  *engine.Engine
	metrics http.Handler
	logger  *zap.Logger
}

// NewHandler creates a new API handler. metrics may be nil.
func NewHandler(eng *engine.Engine, metrics http.Handler, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, metrics: metrics, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/capabilities", h.listCapabilities)

		r.Post("/conversations", h.startConversation)
		r.Get("/conversations", h.listConversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", h.getConversation)
			r.Delete("/", h.deleteConversation)
			r.Get("/messages", h.history)
			r.Post("/messages", h.appendMessage)
			r.Post("/messages/{seq}/pin", h.pinMessage)
			r.Post("/context", h.buildContext)
			r.Post("/respond", h.respond)
			r.Get("/stats", h.conversationStats)
			r.Get("/export", h.export)
		})

		// Administrative routes
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Delete("/", h.eraseUser)
			r.Get("/memories", h.listMemories)
			r.Get("/memories/stats", h.memoryStats)
			r.Post("/procedures", h.addProcedure)
			r.Post("/consolidate", h.consolidate)
			r.Get("/profile", h.getProfile)
			r.Put("/profile/attributes", h.setProfileAttribute)
		})
		r.Get("/consolidation/reports", h.consolidationReports)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "recall"})
}

func (h *Handler) listCapabilities(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Usage       string `json:"usage,omitempty"`
	}
	var out []entry
	for _, c := range h.engine.Capabilities().List() {
		out = append(out, entry{Name: c.Name, Description: c.Description, Usage: c.Usage})
	}
	writeJSON(w, http.StatusOK, out)
}

type startConversationRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}

func (h *Handler) startConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.engine.StartConversation(r.Context(), req.UserID, req.Title)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, fmt.Errorf("user_id query parameter required: %w", apperr.ErrInvalid))
		return
	}
	convs := h.engine.Conversations(r.Context(), userID)
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type appendRequest struct {
	Role       string `json:"role"`
	Body       string `json:"body"`
	TokenCount *int   `json:"token_count,omitempty"`
	Pinned     bool   `json:"pinned,omitempty"`
}

func (h *Handler) appendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if !decode(w, r, &req) {
		return
	}
	var opts []conversation.AppendOption
	if req.TokenCount != nil {
		opts = append(opts, conversation.WithTokenCount(*req.TokenCount))
	}
	if req.Pinned {
		opts = append(opts, conversation.Pinned())
	}

	id := chi.URLParam(r, "id")
	var (
		msg model.Message
		err error
	)
	switch model.Role(req.Role) {
	case model.RoleUser, "":
		msg, err = h.engine.AppendUserMessage(r.Context(), id, req.Body, opts...)
	case model.RoleAssistant:
		msg, err = h.engine.AppendAssistantMessage(r.Context(), id, req.Body, opts...)
	default:
		err = fmt.Errorf("role %q cannot be appended: %w", req.Role, apperr.ErrInvalid)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := queryInt(q.Get("after"), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page, err := h.engine.History(r.Context(), chi.URLParam(r, "id"), int64(after), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) pinMessage(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		h.writeError(w, fmt.Errorf("seq: %w", apperr.ErrInvalid))
		return
	}
	if err := h.engine.PinMessage(r.Context(), chi.URLParam(r, "id"), seq); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type contextRequest struct {
	UserID      string `json:"user_id"`
	TokenBudget int    `json:"token_budget"`
	Overlap     *int   `json:"overlap,omitempty"`
	TimeoutMS   int    `json:"timeout_ms,omitempty"`
	Query       string `json:"query,omitempty"`
}

func (h *Handler) buildContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if !decode(w, r, &req) {
		return
	}
	overlap := -1
	if req.Overlap != nil {
		overlap = *req.Overlap
	}
	win, err := h.engine.BuildContext(r.Context(), window.Request{
		ConversationID: chi.URLParam(r, "id"),
		UserID:         req.UserID,
		TokenBudget:    req.TokenBudget,
		Overlap:        overlap,
		Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
		Query:          req.Query,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

type respondRequest struct {
	Message string `json:"message"`
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	turn, err := h.engine.Respond(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *Handler) conversationStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.ConversationStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	body, err := h.engine.Export(r.Context(), chi.URLParam(r, "id"), format)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if format == "markdown" || format == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	items := h.engine.Memories(r.Context(), chi.URLParam(r, "userID"))
	if items == nil {
		items = []*model.MemoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) memoryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.MemoryStats(r.Context(), chi.URLParam(r, "userID")))
}

type procedureRequest struct {
	Trigger string   `json:"trigger"`
	Steps   []string `json:"steps"`
}

func (h *Handler) addProcedure(w http.ResponseWriter, r *http.Request) {
	var req procedureRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.engine.AddProcedure(r.Context(), chi.URLParam(r, "userID"), req.Trigger, req.Steps)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) consolidate(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ForceConsolidation(r.Context(), chi.URLParam(r, "userID"))
	if err != nil && report == nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, report)
}

func (h *Handler) consolidationReports(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r.URL.Query().Get("limit"), 10)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.ConsolidationReports(n))
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Profile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type attributeRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *Handler) setProfileAttribute(w http.ResponseWriter, r *http.Request) {
	var req attributeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.SetProfileAttribute(r.Context(), chi.URLParam(r, "userID"), req.Key, req.Value); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) eraseUser(w http.ResponseWriter, r *http.Request) {
	er, err := h.engine.EraseUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.logger.Error("user erasure incomplete", zap.String("user", er.UserID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error(), "erased": er})
		return
	}
	writeJSON(w, http.StatusOK, er)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, apperr.ErrBudgetTooSmall):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrIntegrity):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number: %w", s, apperr.ErrInvalid)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
