package host

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"

	"github.com/starford/cellar/internal/apperr"
	"github.com/starford/cellar/internal/cellid"
)

// Frame names that mark the host's own stack frames.
const (
	runFrame     = "__cellar_run__"
	requireFrame = "__cellar_require__"
)

// InternalFrame matches the first stack line that belongs to the host rather
// than to notebook code.
const InternalFrame = `^\s*at (` + requireFrame + `|` + "__cellar_load__" + `)`

var fileLoaders = map[string]api.Loader{
	".ts":   api.LoaderTS,
	".mts":  api.LoaderTS,
	".cts":  api.LoaderTS,
	".tsx":  api.LoaderTSX,
	".js":   api.LoaderJS,
	".mjs":  api.LoaderJS,
	".cjs":  api.LoaderJS,
	".jsx":  api.LoaderJSX,
	".json": api.LoaderJSON,
}

// require returns the evaluated module spec imported from `from`. It runs on
// the loop.
func (h *Host) require(vm *goja.Runtime, from, spec string) (*module, error) {
	id, err := h.resolve(from, spec)
	if err != nil {
		return nil, err
	}
	if from != "" {
		h.link(id, from)
	}

	h.mu.Lock()
	mod, ok := h.modules[id]
	h.mu.Unlock()
	if ok {
		return mod, nil
	}

	src, filename, err := h.source(id)
	if err != nil {
		return nil, err
	}

	mod = &module{id: id, obj: vm.NewObject(), out: h.current}
	_ = mod.obj.Set("exports", vm.NewObject())
	_ = mod.obj.Set("id", id)

	// Cached before evaluation so circular requires see partial exports.
	h.mu.Lock()
	h.modules[id] = mod
	h.mu.Unlock()

	if err := h.evaluate(vm, mod, src, filename); err != nil {
		h.mu.Lock()
		if h.modules[id] == mod {
			delete(h.modules, id)
		}
		h.mu.Unlock()
		return nil, err
	}
	return mod, nil
}

func (h *Host) evaluate(vm *goja.Runtime, mod *module, src, filename string) error {
	prog, err := goja.Compile(mod.id, wrap(src), false)
	if err != nil {
		return fmt.Errorf("host: compile %s: %s: %w", mod.id, err.Error(), apperr.ErrSyntax)
	}
	fnv, err := vm.RunProgram(prog)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(fnv)
	if !ok {
		return fmt.Errorf("host: module wrapper of %s is not a function", mod.id)
	}

	load := func(call goja.FunctionCall) goja.Value {
		dep, err := h.require(vm, mod.id, call.Argument(0).String())
		if err != nil {
			panic(throwable(vm, err))
		}
		return dep.obj.Get("exports")
	}

	_, err = fn(goja.Undefined(),
		mod.obj.Get("exports"),
		vm.ToValue(load),
		mod.obj,
		h.newConsole(vm, mod),
		vm.ToValue(filename),
		vm.ToValue(filepath.Dir(filename)),
	)
	return err
}

func wrap(src string) string {
	return "(function " + runFrame + "(exports, __cellar_load__, module, console, __filename, __dirname) {" +
		" const require = function " + requireFrame + "(s) { return __cellar_load__(s); };\n" +
		src + "\n})"
}

// throwable converts a Go error raised inside require into a value JavaScript
// can catch. Errors that are already JavaScript exceptions keep their value.
func throwable(vm *goja.Runtime, err error) goja.Value {
	if v, ok := Thrown(err); ok {
		return v
	}
	obj := vm.NewGoError(err)
	_ = obj.Set("name", apperr.Name(err))
	return obj
}

// resolve maps an import specifier to a module id.
func (h *Host) resolve(from, spec string) (string, error) {
	if spec == "" {
		return "", fmt.Errorf("host: empty import specifier: %w", apperr.ErrModuleNotFound)
	}
	if cellid.IsCell(spec) {
		return spec, nil
	}

	switch {
	case strings.HasPrefix(spec, "./"), strings.HasPrefix(spec, "../"):
		base := h.fs.root
		if from != "" {
			base = filepath.Dir(documentOf(from))
		}
		p := filepath.Join(base, spec)
		if cellid.IsCell(p) {
			return p, nil
		}
		return h.fs.resolveFile(p)
	case strings.HasPrefix(spec, "/"):
		return h.fs.resolveFile(spec)
	case strings.HasPrefix(spec, "node:"):
		return "", fmt.Errorf("host: builtin module %s is not available: %w", spec, apperr.ErrModuleNotFound)
	default:
		return spec, nil
	}
}

func documentOf(id string) string {
	if cid, ok := cellid.Parse(id); ok {
		return cid.Path
	}
	return id
}

// source returns the CommonJS source of id and the filename it runs as.
func (h *Host) source(id string) (string, string, error) {
	if cid, ok := cellid.Parse(id); ok {
		loader := h.sourceLoader()
		if loader == nil {
			return "", "", fmt.Errorf("host: no cell loader for %s: %w", id, apperr.ErrModuleNotFound)
		}
		desc, err := loader.Describe(cid)
		if err != nil {
			return "", "", err
		}
		code, err := toCommonJS(desc.Code, api.LoaderJS, id)
		return code, cid.Path, err
	}

	if strings.HasPrefix(id, "/") {
		data, err := h.fs.read(id)
		if err != nil {
			return "", "", err
		}
		loader, ok := fileLoaders[filepath.Ext(id)]
		if !ok {
			loader = api.LoaderJS
		}
		code, err := toCommonJS(string(data), loader, id)
		return code, id, err
	}

	code, err := h.bundle(id)
	return code, id, err
}

func toCommonJS(code string, loader api.Loader, sourcefile string) (string, error) {
	res := api.Transform(code, api.TransformOptions{
		Loader:      loader,
		Format:      api.FormatCommonJS,
		Target:      api.ES2017,
		JSX:         api.JSXTransform,
		JSXFactory:  "React.createElement",
		JSXFragment: "React.Fragment",
		Sourcefile:  sourcefile,
		LogLevel:    api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return "", buildError(sourcefile, res.Errors)
	}
	return string(res.Code), nil
}

// bundle packs a bare import and its dependencies from node_modules into one
// CommonJS module.
func (h *Host) bundle(spec string) (string, error) {
	h.mu.Lock()
	code, ok := h.bundles[spec]
	h.mu.Unlock()
	if ok {
		return code, nil
	}

	res := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   "module.exports = require(" + strconv.Quote(spec) + ");",
			ResolveDir: h.fs.root,
			Sourcefile: spec,
			Loader:     api.LoaderJS,
		},
		Bundle:     true,
		Write:      false,
		Format:     api.FormatCommonJS,
		Platform:   api.PlatformNeutral,
		MainFields: []string{"main", "module"},
		Target:     api.ES2017,
		Define:     map[string]string{"process.env.NODE_ENV": `"development"`},
		LogLevel:   api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return "", buildError(spec, res.Errors)
	}
	if len(res.OutputFiles) == 0 {
		return "", fmt.Errorf("host: bundle %s: no output", spec)
	}
	code = string(res.OutputFiles[0].Contents)

	h.mu.Lock()
	h.bundles[spec] = code
	h.mu.Unlock()
	h.logger.Debug("host: bundled", slog.String("module", spec), slog.Int("bytes", len(code)))
	return code, nil
}

func buildError(id string, msgs []api.Message) error {
	m := msgs[0]
	kind := apperr.ErrSyntax
	if strings.HasPrefix(m.Text, "Could not resolve") {
		kind = apperr.ErrModuleNotFound
	}
	if m.Location != nil {
		return fmt.Errorf("host: %s:%d:%d: %s: %w", id, m.Location.Line, m.Location.Column, m.Text, kind)
	}
	return fmt.Errorf("host: %s: %s: %w", id, m.Text, kind)
}
