// Package cellid maps notebook cells to module ids and back.
//
// The canonical module id of a cell is
//
//	<path>-cellId=<21-char id>.<ext>
//
// Parse also accepts the query form <path>?cellId=<id>.<ext>; Format always
// emits the canonical form.
package cellid

import (
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/starford/cellar/internal/apperr"
)

// Language is a notebook cell language.
type Language string

const (
	JavaScript      Language = "javascript"
	TypeScript      Language = "typescript"
	JavaScriptReact Language = "javascriptreact"
	TypeScriptReact Language = "typescriptreact"
)

// IDLength is the length of a cell id.
const IDLength = 21

var extensions = map[Language]string{
	JavaScript:      "js",
	TypeScript:      "ts",
	JavaScriptReact: "jsx",
	TypeScriptReact: "tsx",
}

var moduleIDRe = regexp.MustCompile(`^([^?]+?)[-?]cellId=([A-Za-z0-9_-]{21})\.(tsx|ts|jsx|js)$`)

// CellIDPattern matches a bare cell id.
var CellIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{21}$`)

// Extension returns the module extension for lang.
func Extension(lang Language) (string, error) {
	ext, ok := extensions[lang]
	if !ok {
		return "", fmt.Errorf("cellid: unknown language %q: %w", lang, apperr.ErrConfiguration)
	}
	return ext, nil
}

// LanguageOf returns the language whose extension is ext.
func LanguageOf(ext string) (Language, bool) {
	for lang, e := range extensions {
		if e == ext {
			return lang, true
		}
	}
	return "", false
}

// Key identifies a cell within the notebook runtime.
type Key struct {
	Path   string `json:"path"`
	CellID string `json:"cellId"`
}

func (k Key) String() string {
	return k.Path + "#" + k.CellID
}

// ID is a parsed cell module id.
type ID struct {
	Key
	Ext string
}

// String formats the canonical module id.
func (id ID) String() string {
	return Format(id.Path, id.CellID, id.Ext)
}

// Format builds the canonical module id for a cell.
func Format(path, cellID, ext string) string {
	return path + "-cellId=" + cellID + "." + ext
}

// ForLanguage builds the module id of a cell written in lang.
func ForLanguage(path, cellID string, lang Language) (ID, error) {
	ext, err := Extension(lang)
	if err != nil {
		return ID{}, err
	}
	if !CellIDPattern.MatchString(cellID) {
		return ID{}, fmt.Errorf("cellid: malformed cell id %q: %w", cellID, apperr.ErrInvalidInput)
	}
	return ID{Key: Key{Path: path, CellID: cellID}, Ext: ext}, nil
}

// Parse recovers the cell identity from a module id. The second result is
// false when s is not a cell module id.
func Parse(s string) (ID, bool) {
	m := moduleIDRe.FindStringSubmatch(s)
	if m == nil {
		return ID{}, false
	}
	return ID{Key: Key{Path: m[1], CellID: m[2]}, Ext: m[3]}, true
}

// IsCell reports whether s is a cell module id.
func IsCell(s string) bool {
	return moduleIDRe.MatchString(s)
}

// New returns a fresh random cell id: a version 4 UUID in unpadded base64url,
// cut to IDLength.
func New() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])[:IDLength]
}
