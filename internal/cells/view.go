package cells

import (
	"slices"

	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/rewrite"
)

// View is a live window onto the cells of one document. Every call reads
// the current store contents.
type View struct {
	store *Store
	path  string
}

// Cells returns copies of the document's cells in creation order.
func (v *View) Cells() []Cell {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return v.ordered()
}

// ExportTable snapshots what every cell but except offers for auto-import,
// in creation order. Cells that were never rewritten offer the exports of
// their last rewrite, if any.
func (v *View) ExportTable(except string) rewrite.ExportTable {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	var table rewrite.ExportTable
	for _, c := range v.ordered() {
		if c.ID.CellID == except {
			continue
		}
		entry := rewrite.ExportEntry{
			ModuleID: c.ID.String(),
			Names:    c.Exports,
		}
		if c.Source != nil {
			entry.Imports = slices.Clone(c.Source.Imports)
		}
		if len(entry.Names) == 0 && len(entry.Imports) == 0 {
			continue
		}
		table = append(table, entry)
	}
	return table
}

// Dependents returns the sibling cells whose memoized rewrite went stale
// when exporter started exporting added and stopped exporting removed.
func (v *View) Dependents(exporter cellid.ID, added, removed []string) []cellid.ID {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	var out []cellid.ID
	for _, c := range v.ordered() {
		if c.ID.CellID == exporter.CellID || c.Source == nil {
			continue
		}
		if stale(c.Source, exporter.String(), added, removed) {
			out = append(out, c.ID)
		}
	}
	return out
}

func stale(desc *rewrite.SourceDescription, exporter string, added, removed []string) bool {
	for _, name := range added {
		if slices.Contains(desc.Unresolved, name) {
			return true
		}
		if _, ok := desc.AutoImports[name]; ok && desc.AutoImports[name] != exporter {
			return true
		}
	}
	for _, name := range removed {
		if desc.AutoImports[name] == exporter {
			return true
		}
	}
	return false
}

func (v *View) ordered() []Cell {
	byID := v.store.paths[v.path]
	out := make([]Cell, 0, len(byID))
	for _, c := range byID {
		out = append(out, c.clone())
	}
	slices.SortFunc(out, func(a, b Cell) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}
