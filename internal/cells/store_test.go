package cells

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/rewrite"
)

func mustID(t *testing.T, cell string, lang cellid.Language) cellid.ID {
	t.Helper()
	id, err := cellid.ForLanguage("/nb/demo.vnb", cell, lang)
	require.NoError(t, err)
	return id
}

const (
	cellA = "AAAAAAAAAAAAAAAAAAAAA"
	cellB = "BBBBBBBBBBBBBBBBBBBBB"
	cellC = "CCCCCCCCCCCCCCCCCCCCC"
)

func TestStore_SetGetDelete(t *testing.T) {
	s := New()
	id := mustID(t, cellA, cellid.TypeScript)

	_, ok := s.Get(id)
	assert.False(t, ok)

	s.Set(id, "1 + 1")
	c, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "1 + 1", c.Code)
	assert.Equal(t, cellid.TypeScript, c.Language)

	assert.True(t, s.Delete(id.Key))
	assert.False(t, s.Delete(id.Key))
	_, ok = s.Get(id)
	assert.False(t, ok)
	assert.Empty(t, s.Paths())
}

func TestStore_GetRejectsExtensionMismatch(t *testing.T) {
	s := New()
	s.Set(mustID(t, cellA, cellid.TypeScript), "1")
	_, ok := s.Get(mustID(t, cellA, cellid.JavaScript))
	assert.False(t, ok)
}

func TestStore_SetClearsSource(t *testing.T) {
	s := New()
	id := mustID(t, cellA, cellid.JavaScript)
	s.Set(id, "const x = 1")

	prev, ok := s.StoreSource(id, "const x = 1", &rewrite.SourceDescription{ExportedNames: []string{"x"}})
	require.True(t, ok)
	assert.Empty(t, prev)

	c, _ := s.Get(id)
	require.NotNil(t, c.Source)

	s.Set(id, "const y = 1")
	c, _ = s.Get(id)
	assert.Nil(t, c.Source)
	assert.Equal(t, []string{"x"}, c.Exports)
}

func TestStore_StoreSourceComparesCode(t *testing.T) {
	s := New()
	id := mustID(t, cellA, cellid.JavaScript)
	s.Set(id, "new code")
	_, ok := s.StoreSource(id, "old code", &rewrite.SourceDescription{})
	assert.False(t, ok)
	c, _ := s.Get(id)
	assert.Nil(t, c.Source)
}

func TestView_IsLive(t *testing.T) {
	s := New()
	view := s.ForPath("/nb/demo.vnb")
	assert.Empty(t, view.Cells())

	s.Set(mustID(t, cellA, cellid.JavaScript), "1")
	assert.Len(t, view.Cells(), 1)
}

func TestView_ExportTableCreationOrder(t *testing.T) {
	s := New()
	a := mustID(t, cellA, cellid.JavaScript)
	b := mustID(t, cellB, cellid.JavaScript)
	c := mustID(t, cellC, cellid.JavaScript)
	// Insert in an order that differs from lexical id order.
	for _, id := range []cellid.ID{c, a, b} {
		s.Set(id, "x")
		_, ok := s.StoreSource(id, "x", &rewrite.SourceDescription{ExportedNames: []string{"x"}})
		require.True(t, ok)
	}

	table := s.ForPath("/nb/demo.vnb").ExportTable(b.CellID)
	require.Len(t, table, 2)
	assert.Equal(t, c.String(), table[0].ModuleID)
	assert.Equal(t, a.String(), table[1].ModuleID)
}

func TestView_ExportTableSharesImports(t *testing.T) {
	s := New()
	a := mustID(t, cellA, cellid.JavaScript)
	s.Set(a, "import _ from 'lodash'")
	desc := &rewrite.SourceDescription{
		ExportedNames: []string{},
		Imports:       []rewrite.Binding{{Local: "_", Imported: "default", Module: "lodash"}},
	}
	_, ok := s.StoreSource(a, "import _ from 'lodash'", desc)
	require.True(t, ok)

	table := s.ForPath("/nb/demo.vnb").ExportTable("")
	require.Len(t, table, 1)
	assert.Equal(t, desc.Imports, table[0].Imports)
}

func TestView_Dependents(t *testing.T) {
	s := New()
	a := mustID(t, cellA, cellid.JavaScript)
	b := mustID(t, cellB, cellid.JavaScript)
	c := mustID(t, cellC, cellid.JavaScript)
	s.Set(a, "const x = 1")
	s.Set(b, "x + y")
	s.Set(c, "z")
	_, _ = s.StoreSource(b, "x + y", &rewrite.SourceDescription{
		AutoImports: map[string]string{"x": a.String()},
		Unresolved:  []string{"y"},
	})
	_, _ = s.StoreSource(c, "z", &rewrite.SourceDescription{Unresolved: []string{"z"}})

	view := s.ForPath("/nb/demo.vnb")
	assert.Equal(t, []cellid.ID{b}, view.Dependents(a, []string{"y"}, nil))
	assert.Equal(t, []cellid.ID{b}, view.Dependents(a, nil, []string{"x"}))
	assert.Equal(t, []cellid.ID{c}, view.Dependents(a, []string{"z"}, nil))
	assert.Empty(t, view.Dependents(a, []string{"w"}, []string{"v"}))
}
