package host

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/starford/cellar/internal/apperr"
	"github.com/starford/cellar/internal/cellid"
)

// BrowserModule returns the ES module served to viewers for id: the
// rewritten source of a cell, or a transpiled file under the root. The
// imports of served cells are remembered for PropagateUpdate.
func (h *Host) BrowserModule(id string) ([]byte, error) {
	if cid, ok := cellid.Parse(id); ok {
		loader := h.sourceLoader()
		if loader == nil {
			return nil, fmt.Errorf("host: no cell loader for %s: %w", id, apperr.ErrModuleNotFound)
		}
		desc, err := loader.Describe(cid)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		for _, dep := range desc.Dependencies {
			addEdge(h.client, dep, id)
		}
		h.mu.Unlock()
		return []byte(desc.Code), nil
	}

	abs, err := h.fs.resolveFile(id)
	if err != nil {
		return nil, err
	}
	data, err := h.fs.read(abs)
	if err != nil {
		return nil, err
	}
	loader, ok := fileLoaders[filepath.Ext(abs)]
	if !ok {
		loader = api.LoaderJS
	}
	res := api.Transform(string(data), api.TransformOptions{
		Loader:      loader,
		Format:      api.FormatESModule,
		Target:      api.ES2020,
		JSX:         api.JSXTransform,
		JSXFactory:  "React.createElement",
		JSXFragment: "React.Fragment",
		Sourcefile:  abs,
		LogLevel:    api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return nil, buildError(abs, res.Errors)
	}
	return res.Code, nil
}

// ResolveFile maps a request path to a source file under the root.
func (h *Host) ResolveFile(p string) (string, error) {
	return h.fs.resolveFile(p)
}

// RelativeID strips the root from a module id.
func (h *Host) RelativeID(id string) string {
	return h.fs.rel(id)
}

// PropagateUpdate tells viewers that id and every served module importing
// it must reload.
func (h *Host) PropagateUpdate(id string) {
	h.mu.Lock()
	visited := map[string]bool{id: true}
	queue := []string{id}
	order := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for importer := range h.client[cur] {
			if visited[importer] {
				continue
			}
			visited[importer] = true
			queue = append(queue, importer)
			order = append(order, importer)
		}
	}
	h.mu.Unlock()

	if h.events != nil {
		h.events.PublishModuleUpdate(order)
	}
}

// FileChanged asks viewers to reload after a source file under the root
// changed on disk.
func (h *Host) FileChanged(abs string) {
	h.logger.Debug("host: file changed", slog.String("path", h.fs.rel(abs)))
	if h.events != nil {
		h.events.PublishFullReload()
	}
}
