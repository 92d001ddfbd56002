package host

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/cellar/internal/apperr"
)

// sourceExts are tried in order when an import omits the extension.
var sourceExts = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".json"}

// rootFS reads module sources from the notebook root.
type rootFS struct {
	root string // absolute path to the notebook root
}

func newRootFS(root string) (*rootFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("host: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("host: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("host: root is not a directory: %s", abs)
	}
	return &rootFS{root: abs}, nil
}

// safePath resolves a relative path against the root and rejects any
// result that escapes it.
func (f *rootFS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("host: absolute paths not allowed: %s", rel)
	}
	abs, err := filepath.Abs(filepath.Join(f.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("host: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("host: path escapes root: %s: %w", rel, apperr.ErrModuleNotFound)
	}
	return abs, nil
}

// locate maps an absolute path, or a path relative to the root, to an
// absolute path under the root. A leading slash that does not name the root
// is read as root-relative.
func (f *rootFS) locate(p string) (string, error) {
	if filepath.IsAbs(p) {
		cleaned := filepath.Clean(p)
		if cleaned == f.root || strings.HasPrefix(cleaned, f.root+string(os.PathSeparator)) {
			return cleaned, nil
		}
		p = strings.TrimLeft(cleaned, string(os.PathSeparator))
	}
	return f.safePath(p)
}

// rel returns abs relative to the root, with forward slashes.
func (f *rootFS) rel(abs string) string {
	r, err := filepath.Rel(f.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

// resolveFile finds the source file p refers to, trying the known
// extensions and index files.
func (f *rootFS) resolveFile(p string) (string, error) {
	abs, err := f.locate(p)
	if err != nil {
		return "", err
	}
	candidates := []string{abs}
	for _, ext := range sourceExts {
		candidates = append(candidates, abs+ext)
	}
	for _, ext := range sourceExts {
		candidates = append(candidates, filepath.Join(abs, "index"+ext))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", fmt.Errorf("host: cannot resolve %s: %w", p, apperr.ErrModuleNotFound)
}

func (f *rootFS) read(abs string) ([]byte, error) {
	if _, err := f.locate(abs); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("host: read %s: %w", f.rel(abs), apperr.ErrModuleNotFound)
	}
	return data, nil
}
