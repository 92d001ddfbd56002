// Package rewrite turns free-standing notebook cell source into an importable
// ES module.
//
// Top-level declarations become named exports, the trailing expression
// becomes the default export, and free identifiers are bound to whichever
// sibling cell exports them. Cells that render markup are classified as
// client cells and mount themselves into a root element instead.
package rewrite

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/tdewolff/parse/v2/js"

	"github.com/starford/cellar/internal/apperr"
	"github.com/starford/cellar/internal/cellid"
)

// Kind says where a cell's module runs.
type Kind string

const (
	KindServer Kind = "server"
	KindClient Kind = "client"
)

// Identifiers injected into generated modules.
const (
	RootIDName        = "__cellar_root_id__"
	JSXExpressionName = "__cellar_jsx_expression__"
)

// RootID returns the id of the element a client cell renders into.
func RootID(cellID string) string {
	return "cell-output-root-" + cellID
}

// Binding is one name bound by an import declaration. Imported is "default"
// for default imports and "*" for namespace imports.
type Binding struct {
	Local    string `json:"local"`
	Imported string `json:"imported"`
	Module   string `json:"module"`
}

// SourceDescription is the result of rewriting one cell.
type SourceDescription struct {
	Code          string            `json:"code"`
	Kind          Kind              `json:"kind"`
	ExportedNames []string          `json:"exportedNames"`
	Imports       []Binding         `json:"imports,omitempty"`
	AutoImports   map[string]string `json:"autoImports,omitempty"`
	Unresolved    []string          `json:"unresolved,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`
}

// ExportEntry is what one sibling cell offers for auto-import.
type ExportEntry struct {
	ModuleID string
	Names    []string
	Imports  []Binding
}

// ExportTable lists sibling cells in resolution order. The first entry
// offering a name wins.
type ExportTable []ExportEntry

var useClientRe = regexp.MustCompile(`^(?:\s|//[^\n]*\n|/\*[\s\S]*?\*/)*["']use client["']`)

type rewriter struct {
	moduleID string
	cellID   string

	desc       *SourceDescription
	declared   map[string]bool
	deps       map[string]bool
	body       []string
	directive  string
	hasDefault bool

	last     *js.ExprStmt
	lastExpr js.IExpr
}

// Rewrite rewrites cell code written in lang into a module. moduleID and
// cellID identify the cell; table holds the exports of its siblings.
func Rewrite(code string, lang cellid.Language, moduleID, cellID string, table ExportTable) (*SourceDescription, error) {
	loader, ok := loaders[lang]
	if !ok {
		return nil, fmt.Errorf("rewrite: unknown language %q: %w", lang, apperr.ErrConfiguration)
	}

	stmts, err := statements(code, loader, moduleID)
	if err != nil {
		return nil, err
	}

	r := &rewriter{
		moduleID: moduleID,
		cellID:   cellID,
		desc: &SourceDescription{
			Kind:          KindServer,
			ExportedNames: []string{},
		},
		declared: make(map[string]bool),
		deps:     make(map[string]bool),
	}
	r.scan(stmts)

	var head []string
	switch {
	case useClientRe.MatchString(code):
		r.desc.Kind = KindClient
		if r.last != nil {
			r.body = append(r.body, render(r.last))
		}
		r.body = append([]string{r.rootDecl()}, r.body...)
	case r.lastExpr != nil && isJSX(r.lastExpr):
		r.desc.Kind = KindClient
		head = append(head, r.reactImports()...)
		r.body = append(r.body,
			"const "+JSXExpressionName+" = "+render(r.lastExpr),
			r.rootDecl(),
			"ReactDOM.createRoot(document.getElementById("+RootIDName+")).render("+
				"React.createElement(React.StrictMode, null, "+JSXExpressionName+"))",
		)
	case r.hasDefault:
		if r.last != nil {
			r.body = append(r.body, render(r.last))
		}
	case r.lastExpr != nil:
		r.body = append(r.body, "export default "+render(r.lastExpr))
	default:
		r.body = append(r.body, "export default undefined")
	}
	if r.directive != "" {
		r.body = append([]string{r.directive}, r.body...)
	}

	free, err := freeNames(join(append(head, r.body...)))
	if err != nil {
		return nil, err
	}
	// The scope analysis reports import bindings as undeclared.
	free = slices.DeleteFunc(free, func(name string) bool { return r.declared[name] })
	if r.desc.Kind == KindClient {
		var rest []string
		for _, name := range free {
			if name == "React" {
				head = append(head, `import React from "react"`)
				r.deps["react"] = true
				continue
			}
			rest = append(rest, name)
		}
		free = rest
	}

	auto := r.resolve(free, table)
	r.desc.Code = join(append(append(auto, head...), r.body...))
	r.desc.Dependencies = sortedKeys(r.deps)
	return r.desc, nil
}

func (r *rewriter) scan(stmts []js.IStmt) {
	for i, s := range stmts {
		isLast := i == len(stmts)-1
		switch s := s.(type) {
		case *js.ImportStmt:
			r.addImport(s)
			r.body = append(r.body, render(s))
		case *js.VarDecl:
			var names []string
			for _, el := range s.List {
				names = boundNames(el.Binding, names)
			}
			r.export(names...)
			r.body = append(r.body, "export "+render(s))
		case *js.FuncDecl:
			r.exportDecl(s.Name, s)
		case *js.ClassDecl:
			r.exportDecl(s.Name, s)
		case *js.ExportStmt:
			r.scanExport(s)
			r.body = append(r.body, render(s))
		case *js.ExprStmt:
			if i == 0 && !isLast && isDirective(s) {
				r.directive = render(s)
				continue
			}
			if isLast {
				r.last = s
				r.lastExpr = unwrap(s.Value)
				continue
			}
			r.body = append(r.body, render(s))
		default:
			r.body = append(r.body, render(s))
		}
	}
}

func (r *rewriter) exportDecl(name *js.Var, s js.IStmt) {
	if name == nil {
		r.body = append(r.body, render(s))
		return
	}
	r.export(string(name.Data))
	r.body = append(r.body, "export "+render(s))
}

func (r *rewriter) export(names ...string) {
	for _, name := range names {
		if name == "" || r.declared[name] {
			continue
		}
		r.declared[name] = true
		r.desc.ExportedNames = append(r.desc.ExportedNames, name)
	}
}

func (r *rewriter) scanExport(s *js.ExportStmt) {
	if s.Default {
		r.hasDefault = true
		return
	}
	switch d := s.Decl.(type) {
	case *js.VarDecl:
		var names []string
		for _, el := range d.List {
			names = boundNames(el.Binding, names)
		}
		r.export(names...)
		return
	case *js.FuncDecl:
		if d.Name != nil {
			r.export(string(d.Name.Data))
		}
		return
	case *js.ClassDecl:
		if d.Name != nil {
			r.export(string(d.Name.Data))
		}
		return
	}
	if s.Module != nil {
		r.deps[unquote(s.Module)] = true
	}
	for _, a := range s.List {
		_, exported := aliasNames(a)
		if exported == "default" {
			r.hasDefault = true
			continue
		}
		if exported != "*" {
			r.export(exported)
		}
	}
}

func (r *rewriter) addImport(s *js.ImportStmt) {
	module := unquote(s.Module)
	r.deps[module] = true
	if len(s.Default) > 0 {
		r.bindImport(Binding{Local: string(s.Default), Imported: "default", Module: module})
	}
	for _, a := range s.List {
		name, local := aliasNames(a)
		r.bindImport(Binding{Local: local, Imported: name, Module: module})
	}
}

func (r *rewriter) bindImport(b Binding) {
	if b.Local == "" {
		return
	}
	r.declared[b.Local] = true
	r.desc.Imports = append(r.desc.Imports, b)
}

func (r *rewriter) rootDecl() string {
	return "const " + RootIDName + " = " + strconv.Quote(RootID(r.cellID))
}

func (r *rewriter) reactImports() []string {
	var out []string
	if !r.declared["React"] {
		out = append(out, `import React from "react"`)
		r.deps["react"] = true
	}
	if !r.declared["ReactDOM"] {
		out = append(out, `import ReactDOM from "react-dom/client"`)
		r.deps["react-dom/client"] = true
	}
	return out
}

// resolve binds free names to sibling exports first and to sibling imports
// second, returning the synthesized import declarations.
func (r *rewriter) resolve(free []string, table ExportTable) []string {
	var out []string
	for _, name := range free {
		if line, ok := r.resolveExport(name, table); ok {
			out = append(out, line)
			continue
		}
		if line, ok := r.resolveImport(name, table); ok {
			out = append(out, line)
			continue
		}
		r.desc.Unresolved = append(r.desc.Unresolved, name)
	}
	return out
}

func (r *rewriter) resolveExport(name string, table ExportTable) (string, bool) {
	for _, entry := range table {
		if entry.ModuleID == r.moduleID {
			continue
		}
		for _, n := range entry.Names {
			if n != name {
				continue
			}
			if r.desc.AutoImports == nil {
				r.desc.AutoImports = make(map[string]string)
			}
			r.desc.AutoImports[name] = entry.ModuleID
			r.deps[entry.ModuleID] = true
			return "import { " + name + " } from " + strconv.Quote(entry.ModuleID), true
		}
	}
	return "", false
}

func (r *rewriter) resolveImport(name string, table ExportTable) (string, bool) {
	for _, entry := range table {
		if entry.ModuleID == r.moduleID {
			continue
		}
		for _, b := range entry.Imports {
			if b.Local != name {
				continue
			}
			r.desc.Imports = append(r.desc.Imports, b)
			r.deps[b.Module] = true
			return importLine(b), true
		}
	}
	return "", false
}

func importLine(b Binding) string {
	from := " from " + strconv.Quote(b.Module)
	switch b.Imported {
	case "default":
		return "import " + b.Local + from
	case "*":
		return "import * as " + b.Local + from
	case b.Local:
		return "import { " + b.Local + " }" + from
	default:
		return "import { " + b.Imported + " as " + b.Local + " }" + from
	}
}

func isJSX(e js.IExpr) bool {
	call, ok := e.(*js.CallExpr)
	return ok && render(call.X) == "React.createElement"
}

func isDirective(s *js.ExprStmt) bool {
	lit, ok := s.Value.(*js.LiteralExpr)
	if !ok || lit.TokenType != js.StringToken {
		return false
	}
	switch unquote(lit.Data) {
	case "use client", "use strict":
		return true
	}
	return false
}

func unquote(b []byte) string {
	s := string(b)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func join(stmts []string) string {
	var b strings.Builder
	for _, s := range stmts {
		s = strings.TrimSuffix(strings.TrimSpace(s), ";")
		if s == "" {
			continue
		}
		b.WriteString(s)
		b.WriteString(";\n")
	}
	return b.String()
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
