package host

import (
	"slices"
	"strings"

	"github.com/dop251/goja"
)

// Output receives what a module writes to its console.
type Output interface {
	Stdout(text string)
	Stderr(text string)
}

// outputFor picks the sink for a console call made by mod: the execution
// that is running or that scheduled the running callback, else the one that
// evaluated mod.
func (h *Host) outputFor(mod *module) Output {
	if h.current != nil {
		return h.current
	}
	return mod.out
}

// bindTimers replaces the loop's timer globals so that a callback prints to
// the sink that was current when it was scheduled.
func (h *Host) bindTimers(vm *goja.Runtime) {
	for _, name := range []string{"setTimeout", "setInterval", "setImmediate"} {
		schedule, ok := goja.AssertFunction(vm.Get(name))
		if !ok {
			continue
		}
		_ = vm.Set(name, func(call goja.FunctionCall) goja.Value {
			args := slices.Clone(call.Arguments)
			if len(args) > 0 {
				if fn, ok := goja.AssertFunction(args[0]); ok {
					args[0] = vm.ToValue(h.bind(fn))
				}
			}
			v, err := schedule(call.This, args...)
			if err != nil {
				panic(err)
			}
			return v
		})
	}
}

// bind captures the current sink for fn. The sink is left in place after fn
// returns: the microtasks fn queued run once the loop unwinds the call and
// belong to the same execution. The next task on the loop replaces it.
func (h *Host) bind(fn goja.Callable) func(goja.FunctionCall) goja.Value {
	out := h.current
	return func(call goja.FunctionCall) goja.Value {
		h.current = out
		v, err := fn(call.This, call.Arguments...)
		if err != nil {
			panic(err)
		}
		return v
	}
}

func (h *Host) newConsole(vm *goja.Runtime, mod *module) *goja.Object {
	console := vm.NewObject()
	write := func(stderr bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			out := h.outputFor(mod)
			if out == nil {
				return goja.Undefined()
			}
			text := formatArgs(call.Arguments) + "\n"
			if stderr {
				out.Stderr(text)
			} else {
				out.Stdout(text)
			}
			return goja.Undefined()
		}
	}
	for _, name := range []string{"log", "info", "debug"} {
		_ = console.Set(name, write(false))
	}
	for _, name := range []string{"warn", "error", "trace"} {
		_ = console.Set(name, write(true))
	}
	return console
}

func formatArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = Display(a)
	}
	return strings.Join(parts, " ")
}

// Display renders v the way a console prints it. It must run on the loop.
func Display(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return SafeString(v)
	}
	if _, isFn := goja.AssertFunction(v); isFn {
		return "[Function]"
	}
	if obj.ClassName() == "Error" {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return SafeString(stack)
		}
		return SafeString(v)
	}
	if b, err := obj.MarshalJSON(); err == nil {
		return string(b)
	}
	return SafeString(v)
}

// SafeString converts v to a string, swallowing exceptions thrown by a
// user-defined toString.
func SafeString(v goja.Value) (s string) {
	defer func() {
		if recover() != nil {
			s = "[object]"
		}
	}()
	return v.String()
}
