package rewrite

import (
	"fmt"
	"io"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"

	"github.com/starford/cellar/internal/apperr"
	"github.com/starford/cellar/internal/cellid"
)

// verbatimModuleSyntax keeps imports that only look unused, so a cell's
// imports can be shared with its siblings.
const tsconfigRaw = `{"compilerOptions":{"verbatimModuleSyntax":true}}`

var loaders = map[cellid.Language]api.Loader{
	cellid.JavaScript:      api.LoaderJS,
	cellid.TypeScript:      api.LoaderTS,
	cellid.JavaScriptReact: api.LoaderJSX,
	cellid.TypeScriptReact: api.LoaderTSX,
}

// lower strips type syntax and lowers JSX to React.createElement calls. The
// output keeps ES module syntax.
func lower(code string, loader api.Loader, sourcefile string) (string, []api.Message) {
	res := api.Transform(code, api.TransformOptions{
		Loader:      loader,
		Target:      api.ESNext,
		JSX:         api.JSXTransform,
		JSXFactory:  "React.createElement",
		JSXFragment: "React.Fragment",
		TsconfigRaw: tsconfigRaw,
		Sourcefile:  sourcefile,
		LogLevel:    api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return "", res.Errors
	}
	return string(res.Code), nil
}

func syntaxError(moduleID string, msgs []api.Message) error {
	m := msgs[0]
	if m.Location != nil {
		return fmt.Errorf("rewrite: %s:%d:%d: %s: %w",
			moduleID, m.Location.Line, m.Location.Column, m.Text, apperr.ErrSyntax)
	}
	return fmt.Errorf("rewrite: %s: %s: %w", moduleID, m.Text, apperr.ErrSyntax)
}

func parseJS(src string) (*js.AST, error) {
	ast, err := js.Parse(parse.NewInputString(src), js.Options{})
	if err != nil {
		return nil, fmt.Errorf("rewrite: parse: %s: %w", err.Error(), apperr.ErrSyntax)
	}
	return ast, nil
}

// statements returns the top-level statements of a cell. A cell that is a
// single expression yields one expression statement, or the declaration
// itself when the expression is a named function or class.
func statements(code string, loader api.Loader, moduleID string) ([]js.IStmt, error) {
	if out, errs := lower("(\n"+code+"\n)", loader, moduleID); errs == nil && balanced(code, loader, moduleID) {
		// The leading statement keeps a lone string literal from being read
		// as a directive prologue.
		if ast, err := parseJS("void 0;\n" + out); err == nil && len(ast.List) == 2 {
			if es, ok := ast.List[1].(*js.ExprStmt); ok {
				switch e := unwrap(es.Value).(type) {
				case *js.FuncDecl:
					if e.Name != nil {
						return []js.IStmt{e}, nil
					}
				case *js.ClassDecl:
					if e.Name != nil {
						return []js.IStmt{e}, nil
					}
				}
				return []js.IStmt{es}, nil
			}
		}
	}

	out, errs := lower(code, loader, moduleID)
	if errs != nil {
		return nil, syntaxError(moduleID, errs)
	}
	ast, err := parseJS(out)
	if err != nil {
		return nil, err
	}
	return ast.List, nil
}

// balanced reports whether code also parses inside brackets. Source such as
// "f)(g" parses once parenthesized because its stray paren closes the
// wrapper; no stray closer can close both a paren and a bracket.
func balanced(code string, loader api.Loader, moduleID string) bool {
	_, errs := lower("[\n"+code+"\n]", loader, moduleID)
	return errs == nil
}

// freeNames returns the identifiers src uses without declaring, in order of
// first use.
func freeNames(src string) ([]string, error) {
	ast, err := parseJS(src)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, v := range ast.BlockStmt.Scope.Undeclared {
		name := string(v.Data)
		if name == "" || name == "undefined" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

func render(n any) string {
	w, ok := n.(interface{ JS(io.Writer) })
	if !ok {
		return ""
	}
	var b strings.Builder
	w.JS(&b)
	return strings.TrimSpace(b.String())
}

func unwrap(e js.IExpr) js.IExpr {
	for {
		g, ok := e.(*js.GroupExpr)
		if !ok {
			return e
		}
		if _, comma := g.X.(*js.CommaExpr); comma {
			return e
		}
		e = g.X
	}
}

func boundNames(b js.IBinding, out []string) []string {
	switch b := b.(type) {
	case *js.Var:
		out = append(out, string(b.Data))
	case *js.BindingArray:
		for _, el := range b.List {
			if el.Binding != nil {
				out = boundNames(el.Binding, out)
			}
		}
		if b.Rest != nil {
			out = boundNames(b.Rest, out)
		}
	case *js.BindingObject:
		for _, item := range b.List {
			if item.Value.Binding != nil {
				out = boundNames(item.Value.Binding, out)
			}
		}
		if b.Rest != nil {
			out = append(out, string(b.Rest.Data))
		}
	}
	return out
}

func aliasNames(a js.Alias) (name, binding string) {
	binding = string(a.Binding)
	name = string(a.Name)
	if name == "" {
		name = binding
	}
	return name, binding
}
