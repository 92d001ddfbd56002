// Package cells holds notebook cell source and its memoized rewrite.
package cells

import (
	"slices"
	"sync"

	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/rewrite"
)

// Cell is a copy of one stored cell.
type Cell struct {
	ID       cellid.ID
	Language cellid.Language
	Code     string
	// Source is nil until the cell is rewritten and again after every edit.
	Source *rewrite.SourceDescription
	// Exports are the names the cell last offered its siblings. They outlive
	// edits so a fresh rewrite can be compared with the previous one.
	Exports []string

	seq uint64
}

// Store is a concurrency-safe cell container keyed by path and cell id.
type Store struct {
	mu    sync.RWMutex
	seq   uint64
	paths map[string]map[string]*Cell
}

// New returns an empty store.
func New() *Store {
	return &Store{paths: make(map[string]map[string]*Cell)}
}

// Get returns the cell addressed by id. It reports false when the cell is
// missing or was stored under another language.
func (s *Store) Get(id cellid.ID) (Cell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.lookup(id.Key)
	if c == nil || c.ID.Ext != id.Ext {
		return Cell{}, false
	}
	return c.clone(), true
}

// Set creates the cell or replaces its code. Any memoized rewrite is dropped.
func (s *Store) Set(id cellid.ID, code string) {
	lang, _ := cellid.LanguageOf(id.Ext)

	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.paths[id.Path]
	if !ok {
		byID = make(map[string]*Cell)
		s.paths[id.Path] = byID
	}
	c, ok := byID[id.CellID]
	if !ok {
		s.seq++
		c = &Cell{seq: s.seq}
		byID[id.CellID] = c
	}
	c.ID = id
	c.Language = lang
	c.Code = code
	c.Source = nil
}

// Delete removes the cell and reports whether it existed.
func (s *Store) Delete(key cellid.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.paths[key.Path]
	if !ok {
		return false
	}
	if _, ok := byID[key.CellID]; !ok {
		return false
	}
	delete(byID, key.CellID)
	if len(byID) == 0 {
		delete(s.paths, key.Path)
	}
	return true
}

// StoreSource memoizes desc for the cell if its code is still code. It
// returns the exports the cell offered before, and false when the cell was
// edited or removed in the meantime.
func (s *Store) StoreSource(id cellid.ID, code string, desc *rewrite.SourceDescription) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(id.Key)
	if c == nil || c.ID.Ext != id.Ext || c.Code != code {
		return nil, false
	}
	prev := c.Exports
	c.Source = desc
	c.Exports = slices.Clone(desc.ExportedNames)
	return prev, true
}

// ClearSource drops the memoized rewrite of a cell.
func (s *Store) ClearSource(key cellid.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.lookup(key); c != nil {
		c.Source = nil
	}
}

// Paths lists the documents that hold at least one cell.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// ForPath returns a live view of the cells of one document.
func (s *Store) ForPath(path string) *View {
	return &View{store: s, path: path}
}

func (s *Store) lookup(key cellid.Key) *Cell {
	byID, ok := s.paths[key.Path]
	if !ok {
		return nil
	}
	return byID[key.CellID]
}

func (c *Cell) clone() Cell {
	out := *c
	out.Exports = slices.Clone(c.Exports)
	return out
}
