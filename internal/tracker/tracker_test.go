package tracker

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/starford/cellar/internal/cellid"
)

type fakeGraph struct {
	importers map[string][]string
	evicted   []string
}

func (g *fakeGraph) Evict(id string) []string {
	g.evicted = append(g.evicted, id)
	return g.importers[id]
}

func cell(id string) string {
	return cellid.Format("/nb/demo.vnb", id, "ts")
}

var (
	m  = cell("MMMMMMMMMMMMMMMMMMMMM")
	m2 = cell("222222222222222222222")
	m3 = cell("333333333333333333333")
)

func keysOf(d *DirtySet) []string {
	var out []string
	for _, k := range d.Keys() {
		out = append(out, k.CellID)
	}
	return out
}

func TestInvalidate_TransitiveImportersWithoutOrigin(t *testing.T) {
	g := &fakeGraph{importers: map[string][]string{
		m:  {m2, m3},
		m3: {m2},
	}}
	dirty := Invalidate(g, m)
	assert.Equal(t, []string{"222222222222222222222", "333333333333333333333"}, keysOf(dirty))
	assert.ElementsMatch(t, []string{m, m2, m3}, g.evicted)
}

func TestInvalidate_WalksNonCellModules(t *testing.T) {
	g := &fakeGraph{importers: map[string][]string{
		"/src/util.ts":  {"/src/index.ts"},
		"/src/index.ts": {m2},
	}}
	dirty := Invalidate(g, "/src/util.ts")
	assert.Equal(t, []string{"222222222222222222222"}, keysOf(dirty))
	assert.Equal(t, "ts", dirty.IDs()[0].Ext)
}

func TestInvalidate_TerminatesOnCycles(t *testing.T) {
	g := &fakeGraph{importers: map[string][]string{
		m:  {m2},
		m2: {m3},
		m3: {m, m2},
	}}
	dirty := Invalidate(g, m)
	assert.Equal(t, 2, dirty.Len())
	assert.False(t, dirty.Has(cellid.Key{Path: "/nb/demo.vnb", CellID: "MMMMMMMMMMMMMMMMMMMMM"}))
	assert.Len(t, g.evicted, 3)
}

func TestInvalidate_DeepChain(t *testing.T) {
	g := &fakeGraph{importers: map[string][]string{}}
	prev := "/root.ts"
	for i := 0; i < 100000; i++ {
		next := "/mod/" + strconv.Itoa(i) + ".ts"
		g.importers[prev] = []string{next}
		prev = next
	}
	g.importers[prev] = []string{m2}
	dirty := Invalidate(g, "/root.ts")
	assert.Equal(t, 1, dirty.Len())
}

func TestDirtySet_RemoveAndMerge(t *testing.T) {
	a, _ := cellid.Parse(m2)
	b, _ := cellid.Parse(m3)
	d := NewDirtySet()
	assert.True(t, d.Add(a))
	assert.False(t, d.Add(a))
	other := NewDirtySet()
	other.Add(b)
	other.Add(a)
	d.Merge(other)
	assert.Equal(t, 2, d.Len())
	d.Remove(a.Key)
	assert.Equal(t, []cellid.ID{b}, d.IDs())
}
