package cellid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/cellar/internal/apperr"
)

const sampleID = "aBcDeFgHiJkLmNoPqRsT_"

func TestFormatParseRoundTrip(t *testing.T) {
	id, err := ForLanguage("/work/nb.vnb", sampleID, TypeScriptReact)
	require.NoError(t, err)
	assert.Equal(t, "/work/nb.vnb-cellId="+sampleID+".tsx", id.String())

	parsed, ok := Parse(id.String())
	require.True(t, ok)
	assert.Equal(t, id, parsed)
}

func TestParseAcceptsQueryForm(t *testing.T) {
	parsed, ok := Parse("/nb.vnb?cellId=" + sampleID + ".js")
	require.True(t, ok)
	assert.Equal(t, "/nb.vnb", parsed.Path)
	assert.Equal(t, sampleID, parsed.CellID)
	assert.Equal(t, "js", parsed.Ext)
	assert.Equal(t, "/nb.vnb-cellId="+sampleID+".js", parsed.String())
}

func TestParseRejects(t *testing.T) {
	for _, s := range []string{
		"/src/util.ts",
		"/nb.vnb-cellId=short.ts",
		"/nb.vnb-cellId=" + sampleID + ".py",
		"-cellId=" + sampleID + ".ts",
	} {
		_, ok := Parse(s)
		assert.False(t, ok, s)
	}
}

func TestExtensionUnknownLanguage(t *testing.T) {
	_, err := Extension("python")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestLanguageOf(t *testing.T) {
	lang, ok := LanguageOf("jsx")
	require.True(t, ok)
	assert.Equal(t, JavaScriptReact, lang)
	_, ok = LanguageOf("py")
	assert.False(t, ok)
}

func TestNew(t *testing.T) {
	a, b := New(), New()
	assert.Len(t, a, IDLength)
	assert.NotEqual(t, a, b)
	_, err := ForLanguage("/nb", a, JavaScript)
	assert.NoError(t, err)
}
