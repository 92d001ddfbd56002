// Package tracker finds the cells made stale by a module change.
package tracker

import (
	"github.com/starford/cellar/internal/cellid"
)

// Graph is the execution-cache side of the module host.
type Graph interface {
	// Evict drops id from the execution cache and returns the ids of the
	// modules that import it.
	Evict(id string) []string
}

// DirtySet is an insertion-ordered, deduplicated set of cells.
type DirtySet struct {
	keys []cellid.Key
	ext  map[cellid.Key]string
}

// NewDirtySet returns an empty set.
func NewDirtySet() *DirtySet {
	return &DirtySet{ext: make(map[cellid.Key]string)}
}

// Add inserts id and reports whether it was new.
func (d *DirtySet) Add(id cellid.ID) bool {
	if _, ok := d.ext[id.Key]; ok {
		return false
	}
	d.ext[id.Key] = id.Ext
	d.keys = append(d.keys, id.Key)
	return true
}

// Remove drops key from the set.
func (d *DirtySet) Remove(key cellid.Key) {
	if _, ok := d.ext[key]; !ok {
		return
	}
	delete(d.ext, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Has reports whether key is in the set.
func (d *DirtySet) Has(key cellid.Key) bool {
	_, ok := d.ext[key]
	return ok
}

// Merge adds every member of other.
func (d *DirtySet) Merge(other *DirtySet) {
	for _, id := range other.IDs() {
		d.Add(id)
	}
}

// Len returns the number of cells in the set.
func (d *DirtySet) Len() int {
	return len(d.keys)
}

// IDs returns the members in insertion order.
func (d *DirtySet) IDs() []cellid.ID {
	out := make([]cellid.ID, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, cellid.ID{Key: k, Ext: d.ext[k]})
	}
	return out
}

// Keys returns the member keys in insertion order.
func (d *DirtySet) Keys() []cellid.Key {
	out := make([]cellid.Key, len(d.keys))
	copy(out, d.keys)
	return out
}

// Invalidate evicts id and everything that transitively imports it from the
// execution cache. Importing cells other than id itself are returned.
func Invalidate(g Graph, id string) *DirtySet {
	dirty := NewDirtySet()
	visited := map[string]bool{id: true}
	queue := []string{id}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur != id {
			if cell, ok := cellid.Parse(cur); ok {
				dirty.Add(cell)
			}
		}
		for _, importer := range g.Evict(cur) {
			if visited[importer] {
				continue
			}
			visited[importer] = true
			queue = append(queue, importer)
		}
	}
	return dirty
}
