package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/store"
)

// History is the persisted calibration session log.
type History interface {
	Sessions(ctx context.Context, limit int) ([]store.Session, error)
	Session(ctx context.Context, id string) (store.Session, error)
	Results(ctx context.Context, sessionID string) ([]store.Result, error)
	ToolHistory(ctx context.Context, tool, limit int) ([]store.Result, error)
	DeleteSession(ctx context.Context, id string) error
}

const defaultHistoryLimit = 50

// HistoryHandler serves past calibration sessions
type HistoryHandler struct {
	history History
	logger  *zap.Logger
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(h History) *HistoryHandler {
	return &HistoryHandler{history: h, logger: zap.L().Named("api.history")}
}

// RegisterRoutes registers history routes
func (h *HistoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/history", h.ListSessions)
	mux.HandleFunc("GET /api/history/{id}", h.GetSession)
	mux.HandleFunc("DELETE /api/history/{id}", h.DeleteSession)
	mux.HandleFunc("GET /api/history/tools/{tool}", h.GetToolHistory)
}

// ListSessions returns the newest sessions
func (h *HistoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessions, err := h.history.Sessions(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession returns one session with its results
func (h *HistoryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.history.Session(r.Context(), id)
	if err != nil {
		writeError(w, historyStatus(err), err)
		return
	}
	results, err := h.history.Results(r.Context(), id)
	if err != nil {
		writeError(w, historyStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "results": results})
}

// DeleteSession removes a session and its results
func (h *HistoryHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.history.DeleteSession(r.Context(), id); err != nil {
		writeError(w, historyStatus(err), err)
		return
	}
	h.logger.Info("Session deleted", zap.String("session", id))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GetToolHistory returns recent results of one tool across sessions
func (h *HistoryHandler) GetToolHistory(w http.ResponseWriter, r *http.Request) {
	tool, err := strconv.Atoi(r.PathValue("tool"))
	if err != nil || tool < 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid tool number"))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results, err := h.history.ToolHistory(r.Context(), tool, limit)
	if err != nil {
		writeError(w, historyStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": tool, "results": results})
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func historyStatus(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
