package api

import (
	"github.com/starford/cellar/internal/cells"
	"github.com/starford/cellar/internal/journal"
)

// CellItem describes one stored cell.
type CellItem struct {
	Path     string   `json:"path"`
	CellID   string   `json:"cellId"`
	Language string   `json:"language"`
	ModuleID string   `json:"moduleId"`
	Code     string   `json:"code"`
	Kind     string   `json:"kind,omitempty"`
	Exports  []string `json:"exports"`
}

// CellListResponse wraps a cell listing.
type CellListResponse struct {
	Paths []string   `json:"paths"`
	Cells []CellItem `json:"cells"`
}

// ExecutionListResponse wraps journal entries.
type ExecutionListResponse struct {
	Executions []journal.Entry `json:"executions"`
}

func cellItem(c cells.Cell) CellItem {
	item := CellItem{
		Path:     c.ID.Path,
		CellID:   c.ID.CellID,
		Language: string(c.Language),
		ModuleID: c.ID.String(),
		Code:     c.Code,
		Exports:  c.Exports,
	}
	if item.Exports == nil {
		item.Exports = []string{}
	}
	if c.Source != nil {
		item.Kind = string(c.Source.Kind)
	}
	return item
}
