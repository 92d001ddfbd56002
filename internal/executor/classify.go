package executor

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/starford/cellar/internal/apperr"
	"github.com/starford/cellar/internal/host"
)

var internalFrameRe = regexp.MustCompile(host.InternalFrame)

// classified is the outcome of inspecting a cell's value. Exactly one of
// the fields is set, or none for undefined.
type classified struct {
	item     *OutputItem
	promise  bool
	iterator *goja.Object
}

// classify applies the result predicates in priority order. It runs on the
// loop.
func classify(v goja.Value) classified {
	if v == nil || goja.IsUndefined(v) {
		return classified{}
	}
	if item, ok := mimeTagged(v); ok {
		return classified{item: &item}
	}
	if item, ok := svgLike(v); ok {
		return classified{item: &item}
	}
	if item, ok := htmlLike(v); ok {
		return classified{item: &item}
	}
	if isError(v) {
		item := thrownItem(v)
		return classified{item: &item}
	}
	if isPromise(v) {
		return classified{promise: true}
	}
	if it, ok := iteratorLike(v); ok {
		return classified{iterator: it}
	}
	item := plainItem(v)
	return classified{item: &item}
}

// itemOf classifies a streamed value. Nested promises and iterators are not
// followed.
func itemOf(v goja.Value) *OutputItem {
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	for _, pred := range []func(goja.Value) (OutputItem, bool){mimeTagged, svgLike, htmlLike} {
		if item, ok := pred(v); ok {
			return &item
		}
	}
	if isError(v) {
		item := thrownItem(v)
		return &item
	}
	item := plainItem(v)
	return &item
}

func asObject(v goja.Value) (*goja.Object, bool) {
	obj, ok := v.(*goja.Object)
	return obj, ok
}

func stringProp(obj *goja.Object, name string) (string, bool) {
	p := obj.Get(name)
	if p == nil {
		return "", false
	}
	s, ok := p.Export().(string)
	return s, ok
}

func mimeTagged(v goja.Value) (OutputItem, bool) {
	obj, ok := asObject(v)
	if !ok {
		return OutputItem{}, false
	}
	data, ok := stringProp(obj, "data")
	if !ok {
		return OutputItem{}, false
	}
	mime, ok := stringProp(obj, "mime")
	if !ok {
		return OutputItem{}, false
	}
	return TextItem(mime, data), true
}

func svgLike(v goja.Value) (OutputItem, bool) {
	obj, ok := asObject(v)
	if !ok {
		return OutputItem{}, false
	}
	html, ok := stringProp(obj, "outerHTML")
	if !ok || !strings.HasPrefix(html, "<svg") {
		return OutputItem{}, false
	}
	return TextItem(MimeSVG, html), true
}

func htmlLike(v goja.Value) (OutputItem, bool) {
	obj, ok := asObject(v)
	if !ok {
		return OutputItem{}, false
	}
	html, ok := stringProp(obj, "outerHTML")
	if !ok {
		return OutputItem{}, false
	}
	return TextItem(MimeHTML, html), true
}

func isError(v goja.Value) bool {
	obj, ok := asObject(v)
	return ok && obj.ClassName() == "Error"
}

func isPromise(v goja.Value) bool {
	_, ok := v.Export().(*goja.Promise)
	return ok
}

func iteratorLike(v goja.Value) (*goja.Object, bool) {
	obj, ok := asObject(v)
	if !ok {
		return nil, false
	}
	for _, name := range []string{"next", "return", "throw"} {
		if _, ok := goja.AssertFunction(obj.Get(name)); !ok {
			return nil, false
		}
	}
	return obj, true
}

// plainItem renders objects as JSON and everything else as its JSON text,
// falling back to String().
func plainItem(v goja.Value) OutputItem {
	if obj, ok := asObject(v); ok {
		if _, isFn := goja.AssertFunction(v); !isFn {
			b, err := obj.MarshalJSON()
			if err != nil {
				return ErrorItem("TypeError", err.Error(), "")
			}
			return OutputItem{Mime: MimeJSON, Data: b}
		}
		return TextItem(MimeText, host.SafeString(v))
	}
	if goja.IsNull(v) {
		return TextItem(MimeText, "null")
	}
	if b, err := json.Marshal(v.Export()); err == nil {
		return OutputItem{Mime: MimeText, Data: b}
	}
	return TextItem(MimeText, host.SafeString(v))
}

// thrownItem renders a thrown or returned error value.
func thrownItem(v goja.Value) OutputItem {
	obj, ok := asObject(v)
	if !ok || obj.ClassName() != "Error" {
		return ErrorItem("Error", host.Display(v), "")
	}
	name, _ := stringProp(obj, "name")
	if name == "" {
		name = "Error"
	}
	message, _ := stringProp(obj, "message")
	stack, _ := stringProp(obj, "stack")
	return ErrorItem(name, message, trimStack(stack))
}

// goErrorItem renders a failure that never reached JavaScript.
func goErrorItem(err error) OutputItem {
	return ErrorItem(apperr.Name(err), err.Error(), "")
}

// trimStack drops everything from the first host frame on.
func trimStack(stack string) string {
	lines := strings.Split(stack, "\n")
	for i, line := range lines {
		if internalFrameRe.MatchString(line) {
			return strings.TrimRight(strings.Join(lines[:i], "\n"), "\n")
		}
	}
	return stack
}
