package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/companion-core/server/internal/agent/graph"
	"github.com/companion-core/server/internal/agent/model"
	errx "github.com/companion-core/server/internal/core/error"
	logx "github.com/companion-core/server/pkg/logger"
)

const maxMessageLen = 10000

// MemoryNotifier receives a signal after each persisted chat turn so the
// extraction worker can check its trigger boundary.
type MemoryNotifier interface {
	NoteMessage(ctx context.Context, sessionID, userID string)
}

// SummaryNotifier receives the same post-turn signal for the background
// conversation summarizer.
type SummaryNotifier interface {
	NoteTurn(ctx context.Context, sessionID string)
}

// Handler carries the wired dependencies for all routes.
type Handler struct {
	runner    graph.Runner
	worker    MemoryNotifier
	summaries SummaryNotifier
	messages  model.MessageStore
	memories  model.MemoryStore

	// memoryTrigger mirrors the extraction worker's boundary so the debug
	// endpoint can report how far away the next run is.
	memoryTrigger int

	dbPing    func(ctx context.Context) error
	redisPing func(ctx context.Context) error
}

func NewHandler(
	runner graph.Runner,
	worker MemoryNotifier,
	summaries SummaryNotifier,
	messages model.MessageStore,
	memories model.MemoryStore,
	memoryTrigger int,
	dbPing, redisPing func(ctx context.Context) error,
) *Handler {
	if memoryTrigger <= 0 {
		memoryTrigger = 20
	}
	return &Handler{
		runner:        runner,
		worker:        worker,
		summaries:     summaries,
		messages:      messages,
		memories:      memories,
		memoryTrigger: memoryTrigger,
		dbPing:        dbPing,
		redisPing:     redisPing,
	}
}

type chatRequest struct {
	SessionID      string           `json:"session_id"`
	UserID         string           `json:"user_id"`
	Message        string           `json:"message"`
	VoiceAnalysis  map[string]any   `json:"voice_analysis,omitempty"`
	UserActivities []map[string]any `json:"user_activities,omitempty"`
}

type sessionInsights struct {
	PrimaryStressor      string `json:"primary_stressor,omitempty"`
	InterventionPriority string `json:"intervention_priority,omitempty"`
	CrisisLevel          string `json:"crisis_level,omitempty"`
}

type chatResponse struct {
	SessionID      string          `json:"session_id"`
	Response       string          `json:"response"`
	Escalated      bool            `json:"escalated"`
	Approach       string          `json:"approach,omitempty"`
	Insights       sessionInsights `json:"session_insights"`
	ProcessingSecs float64         `json:"processing_time"`
	CostUSD        float64         `json:"cost_usd"`
}

// Chat processes one conversation turn.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.Message = strings.TrimSpace(req.Message)
	switch {
	case req.SessionID == "":
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	case req.UserID == "":
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	case req.Message == "":
		writeError(w, http.StatusBadRequest, "message is required")
		return
	case len(req.Message) > maxMessageLen:
		writeError(w, http.StatusBadRequest, "message too long")
		return
	}

	started := time.Now()
	result, err := h.runner.Invoke(r.Context(), model.QueryInput{
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		Query:          req.Message,
		VoiceAnalysis:  req.VoiceAnalysis,
		UserActivities: req.UserActivities,
	})
	if err != nil {
		logx.Error().Err(err).
			Str("session_id", req.SessionID).
			Str("request_id", GetRequestID(r.Context())).
			Msg("chat turn failed")
		writeAppError(w, err)
		return
	}

	// The turn appended user and assistant messages to the durable trail;
	// let the extraction worker and summarizer check their trigger
	// thresholds off-path.
	h.worker.NoteMessage(r.Context(), req.SessionID, req.UserID)
	h.summaries.NoteTurn(r.Context(), req.SessionID)

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID: req.SessionID,
		Response:  result.Content,
		Escalated: result.Escalated,
		Approach:  result.Approach,
		Insights: sessionInsights{
			PrimaryStressor:      result.PrimaryStressor,
			InterventionPriority: result.InterventionPriority,
			CrisisLevel:          result.CrisisLevel,
		},
		ProcessingSecs: time.Since(started).Seconds(),
		CostUSD:        result.CostUSD,
	})
}

// SessionDebug exposes the memory state of a session for inspection.
func (h *Handler) SessionDebug(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	total, err := h.messages.CountMessages(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	unprocessed, err := h.messages.CountUnprocessed(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	byType, err := h.memories.ListMemories(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	counts := map[string]int{}
	for mt, recs := range byType {
		counts[string(mt)] = len(recs)
	}

	recent, err := h.messages.RecentMessages(r.Context(), sessionID, 5)
	if err != nil {
		writeAppError(w, err)
		return
	}
	sample := make([]map[string]any, 0, len(recent))
	for _, m := range recent {
		content := m.Content
		// rune-wise so multi-byte text is never split mid-character
		if runes := []rune(content); len(runes) > 120 {
			content = string(runes[:120]) + "..."
		}
		sample = append(sample, map[string]any{
			"role":       m.Role,
			"content":    content,
			"created_at": m.CreatedAt,
		})
	}

	nextTrigger := h.memoryTrigger - total%h.memoryTrigger

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":           sessionID,
		"message_count":        total,
		"unprocessed_messages": unprocessed,
		"next_extraction_in":   nextTrigger,
		"memory_counts":        counts,
		"memories":             byType,
		"recent_messages":      sample,
	})
}

// Health reports readiness of the backing stores.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"postgres": "ok", "redis": "ok"}
	if err := h.dbPing(ctx); err != nil {
		checks["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.redisPing(ctx); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status": http.StatusText(status),
		"checks": checks,
	})
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps internal errors to HTTP responses without leaking
// driver details to the client.
func writeAppError(w http.ResponseWriter, err error) {
	var appErr *errx.AppError
	if errors.As(err, &appErr) {
		writeError(w, appErr.Status, appErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, errx.SystemErrorMessage)
}
