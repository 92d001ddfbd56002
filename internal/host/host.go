// Package host loads, transpiles and executes notebook modules.
//
// All JavaScript runs on one goja event loop. Cell modules are fetched from
// a SourceLoader, files are read from the notebook root and bare imports are
// bundled from node_modules. The host tracks which module imports which so
// callers can invalidate everything downstream of a change.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/rewrite"
)

// ErrStopped is returned by calls made after Close.
var ErrStopped = errors.New("host: stopped")

// SourceLoader supplies the rewritten source of cell modules.
type SourceLoader interface {
	Describe(id cellid.ID) (*rewrite.SourceDescription, error)
}

// Publisher receives reload events for viewers of client modules.
type Publisher interface {
	PublishModuleUpdate(ids []string)
	PublishFullReload()
}

type module struct {
	id  string
	obj *goja.Object
	out Output
}

// Host is the module host.
type Host struct {
	fs     *rootFS
	events Publisher
	logger *slog.Logger

	loader    SourceLoader
	loaderMu  sync.RWMutex
	loop      *eventloop.EventLoop
	stopped   chan struct{}
	closeOnce sync.Once

	// current is the console sink of the task running on the loop. It is
	// only touched on the loop goroutine.
	current Output

	mu        sync.Mutex
	modules   map[string]*module
	importers map[string]map[string]struct{}
	deps      map[string]map[string]struct{}
	client    map[string]map[string]struct{}
	bundles   map[string]string
}

// New creates a host rooted at root and starts its event loop.
func New(root string, events Publisher, logger *slog.Logger) (*Host, error) {
	fs, err := newRootFS(root)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		fs:        fs,
		events:    events,
		logger:    logger,
		loop:      eventloop.NewEventLoop(eventloop.EnableConsole(false)),
		stopped:   make(chan struct{}),
		modules:   make(map[string]*module),
		importers: make(map[string]map[string]struct{}),
		deps:      make(map[string]map[string]struct{}),
		client:    make(map[string]map[string]struct{}),
		bundles:   make(map[string]string),
	}
	h.loop.Start()
	h.loop.RunOnLoop(func(vm *goja.Runtime) {
		process := vm.NewObject()
		_ = process.Set("env", map[string]any{"NODE_ENV": "development"})
		_ = process.Set("argv", []any{})
		_ = vm.Set("process", process)
		h.bindTimers(vm)
	})
	return h, nil
}

// SetLoader installs the source of cell modules. It must be called before
// the first cell module is loaded.
func (h *Host) SetLoader(l SourceLoader) {
	h.loaderMu.Lock()
	defer h.loaderMu.Unlock()
	h.loader = l
}

func (h *Host) sourceLoader() SourceLoader {
	h.loaderMu.RLock()
	defer h.loaderMu.RUnlock()
	return h.loader
}

// Root returns the absolute notebook root.
func (h *Host) Root() string {
	return h.fs.root
}

// Close stops the event loop. Pending calls return ErrStopped.
func (h *Host) Close() {
	h.closeOnce.Do(func() {
		close(h.stopped)
		h.loop.Stop()
	})
}

// Run executes fn on the event loop with out as the console sink and waits
// for it. Values obtained from vm may only be used inside later Run calls.
func (h *Host) Run(ctx context.Context, out Output, fn func(vm *goja.Runtime) error) error {
	select {
	case <-h.stopped:
		return ErrStopped
	default:
	}

	done := make(chan error, 1)
	h.loop.RunOnLoop(func(vm *goja.Runtime) {
		prev := h.current
		h.current = out
		defer func() { h.current = prev }()
		done <- protect(vm, fn)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrStopped
	}
}

func protect(vm *goja.Runtime, fn func(*goja.Runtime) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ex, ok := r.(*goja.Exception); ok {
				err = ex
				return
			}
			err = fmt.Errorf("host: panic on loop: %v", r)
		}
	}()
	return fn(vm)
}

// Import loads id, evaluating it and its imports if they are not cached,
// and returns its exports object. Console output of id goes to out.
func (h *Host) Import(ctx context.Context, id string, out Output) (goja.Value, error) {
	var exports goja.Value
	err := h.Run(ctx, out, func(vm *goja.Runtime) error {
		mod, err := h.require(vm, "", id)
		if err != nil {
			return err
		}
		mod.out = out
		exports = mod.obj.Get("exports")
		return nil
	})
	return exports, err
}

// Rejection is the error for a promise that settled as rejected.
type Rejection struct {
	Value goja.Value
	msg   string
}

func (r *Rejection) Error() string {
	return "host: promise rejected: " + r.msg
}

// Thrown returns the JavaScript value carried by err, if any.
func Thrown(err error) (goja.Value, bool) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value(), true
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Value, true
	}
	return nil, false
}

// Await resolves v if it is a promise and returns it unchanged otherwise. A
// rejection is returned as a *Rejection.
func (h *Host) Await(ctx context.Context, out Output, v goja.Value) (goja.Value, error) {
	type settled struct {
		v   goja.Value
		err error
	}
	ch := make(chan settled, 1)

	err := h.Run(ctx, out, func(vm *goja.Runtime) error {
		if v == nil {
			ch <- settled{v: goja.Undefined()}
			return nil
		}
		p, ok := v.Export().(*goja.Promise)
		if !ok {
			ch <- settled{v: v}
			return nil
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			ch <- settled{v: p.Result()}
			return nil
		case goja.PromiseStateRejected:
			ch <- settled{err: &Rejection{Value: p.Result(), msg: Display(p.Result())}}
			return nil
		}
		then, ok := goja.AssertFunction(v.ToObject(vm).Get("then"))
		if !ok {
			return fmt.Errorf("host: promise without then")
		}
		onFulfilled := func(call goja.FunctionCall) goja.Value {
			ch <- settled{v: call.Argument(0)}
			return goja.Undefined()
		}
		onRejected := func(call goja.FunctionCall) goja.Value {
			reason := call.Argument(0)
			ch <- settled{err: &Rejection{Value: reason, msg: Display(reason)}}
			return goja.Undefined()
		}
		_, err := then(v, vm.ToValue(onFulfilled), vm.ToValue(onRejected))
		return err
	})
	if err != nil {
		return nil, err
	}

	select {
	case s := <-ch:
		return s.v, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.stopped:
		return nil, ErrStopped
	}
}

// Evict drops id from the execution cache and returns the modules that
// import it. Its own import edges are forgotten until it is evaluated again.
func (h *Host) Evict(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.modules, id)
	for dep := range h.deps[id] {
		delete(h.importers[dep], id)
	}
	delete(h.deps, id)
	return setKeys(h.importers[id])
}

// Forget removes every trace of id from the host.
func (h *Host) Forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.modules, id)
	for dep := range h.deps[id] {
		delete(h.importers[dep], id)
	}
	delete(h.deps, id)
	delete(h.importers, id)
	for _, set := range h.client {
		delete(set, id)
	}
	delete(h.client, id)
}

// Loaded reports whether id is in the execution cache.
func (h *Host) Loaded(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.modules[id]
	return ok
}

// Importers returns the modules that import id.
func (h *Host) Importers(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return setKeys(h.importers[id])
}

func (h *Host) link(id, importer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addEdge(h.importers, id, importer)
	addEdge(h.deps, importer, id)
}

func addEdge(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		set = make(map[string]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
