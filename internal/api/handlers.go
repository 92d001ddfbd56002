package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/starford/cellar/internal/cells"
	"github.com/starford/cellar/internal/journal"
)

// CellLister lists stored cells.
type CellLister interface {
	Cells(path string) []cells.Cell
	Paths() []string
}

// ExecutionLog returns recent executions.
type ExecutionLog interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Handler holds the JSON API route handlers.
type Handler struct {
	cells   CellLister
	journal ExecutionLog
}

// NewHandler creates a new Handler.
func NewHandler(cl CellLister, log ExecutionLog) *Handler {
	return &Handler{cells: cl, journal: log}
}

// ListCells handles GET /api/cells. Without a path query it lists every
// document's cells.
func (h *Handler) ListCells(w http.ResponseWriter, r *http.Request) {
	paths := h.cells.Paths()
	if p := r.URL.Query().Get("path"); p != "" {
		paths = []string{p}
	}
	resp := CellListResponse{Paths: paths, Cells: []CellItem{}}
	for _, p := range paths {
		for _, c := range h.cells.Cells(p) {
			resp.Cells = append(resp.Cells, cellItem(c))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListExecutions handles GET /api/executions.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 0 || limit > 1000 {
		writeJSON(w, http.StatusBadRequest, errorBody("limit must be between 0 and 1000"))
		return
	}
	entries, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("list executions failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, ExecutionListResponse{Executions: entries})
}
