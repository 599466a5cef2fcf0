package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openfolio/posengine/internal/domain"
)

// handlers serves the position API endpoints.
type handlers struct {
	store  domain.PositionStore
	logger *slog.Logger
}

// health responds with a simple JSON status indicating the server is
// alive.
// GET /api/health
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// listPositions returns positions filtered by lifecycle status. Without
// a filter it returns everything the scanner considers active.
// GET /api/positions?status=20,30
func (h *handlers) listPositions(w http.ResponseWriter, r *http.Request) {
	var (
		positions []domain.Position
		err       error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses, perr := parseStatuses(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		positions, err = h.store.ListByStatus(r.Context(), statuses...)
	} else {
		positions, err = h.store.ListOpenForScan(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// getPosition returns one position by id.
// GET /api/positions/{id}
func (h *handlers) getPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// reopenPosition resets the closing and accounting flags of a closed
// position so it re-enters the live pipeline. This is the only path
// that flips Closed back and it is logged as an operator action.
// POST /api/positions/{id}/reopen
func (h *handlers) reopenPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.ReopenClosed(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found or not closed")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: reopen position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to reopen position")
		return
	}
	h.logger.WarnContext(r.Context(), "position reopened by operator",
		slog.String("position_id", id),
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reopened"})
}

// parseStatuses parses a comma-separated list of numeric status codes.
func parseStatuses(raw string) ([]domain.Status, error) {
	parts := strings.Split(raw, ",")
	statuses := make([]domain.Status, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.New("status must be a comma-separated list of numeric codes")
		}
		statuses = append(statuses, domain.Status(n))
	}
	if len(statuses) == 0 {
		return nil, errors.New("status filter is empty")
	}
	return statuses, nil
}

// writeJSON marshals v as JSON and writes it to the response with the
// given HTTP status code. If marshaling fails, it falls back to a
// plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
