package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

const (
	defaultRunLogLimit = 50
	maxRunLogLimit     = 500
	historyTimeout     = 5 * time.Second
)

// ChangesLister reads the changes output of the current run.
type ChangesLister interface {
	ListChanges(ctx context.Context) ([]watcher.Change, error)
}

// HistoryHandler exposes read-only run log and changes endpoints.
type HistoryHandler struct {
	runLogs watcher.RunLogReader
	changes ChangesLister
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repositories and logger. Either repository may
// be nil, in which case its endpoint answers 503.
func NewHistoryHandler(runLogs watcher.RunLogReader, changes ChangesLister, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		runLogs: runLogs,
		changes: changes,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListRunLogs handles GET /v1/runlog?limit=&offset=. It returns
// {"entries": [...]} newest first, 400 for invalid paging, 503 when no reader
// is configured, or 500 if the repository call fails.
func (h *HistoryHandler) ListRunLogs(w http.ResponseWriter, r *http.Request) {
	if h.runLogs == nil {
		writeError(w, http.StatusServiceUnavailable, "run log unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLogLimit, maxRunLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entries, err := h.runLogs.RecentRunLogs(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list run log failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run log")
		return
	}
	if entries == nil {
		entries = []watcher.RunLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ListChanges handles GET /v1/changes and returns {"changes": [...]}.
func (h *HistoryHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	if h.changes == nil {
		writeError(w, http.StatusServiceUnavailable, "changes unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	changes, err := h.changes.ListChanges(ctx)
	if err != nil {
		h.logger.Error("list changes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list changes")
		return
	}
	if changes == nil {
		changes = []watcher.Change{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
