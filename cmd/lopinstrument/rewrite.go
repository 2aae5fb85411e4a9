// AST rewriting: scope injection and tracer import injection.

package main

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/printer"
	"go/token"
	"strconv"
	"strings"
)

// tracerImportPath is the package the instrumented code will import.
const tracerImportPath = "github.com/kolkov/lopprofiler/lop"

// tracerPkgName is the identifier the injected calls go through.
const tracerPkgName = "lop"

// Options controls one file's rewrite.
type Options struct {
	// ImportPath qualifies span names ("example.com/mod/server.handle").
	// Empty when the file is outside a module; names fall back to the bare
	// package name.
	ImportPath string

	// MinLines skips function bodies spanning fewer source lines: wrapping
	// a one-line getter in a span costs more than the work it measures.
	MinLines int
}

// Rewrite instruments every eligible function in src and returns the
// formatted result. changed is false when nothing was eligible (the input
// bytes are returned untouched).
func Rewrite(filename string, src []byte, opts Options) (out []byte, changed bool, err error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, false, err
	}

	if name, clash := importNameClash(file); clash {
		return nil, false, fmt.Errorf("identifier %q is already an import of a different package", name)
	}

	qualifier := opts.ImportPath
	if qualifier == "" {
		qualifier = file.Name.Name
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		if bodyLines(fset, fn.Body) < opts.MinLines {
			continue
		}
		if isInstrumented(fn.Body) {
			continue
		}

		fn.Body.List = append([]ast.Stmt{scopeDefer(spanName(qualifier, fn))}, fn.Body.List...)
		changed = true
	}

	if !changed {
		return src, false, nil
	}

	injectTracerImport(file)

	var buf bytes.Buffer
	if err := printer.Fprint(&buf, fset, file); err != nil {
		return nil, false, err
	}
	// The injected nodes carry no positions; gofmt the result so the output
	// is indistinguishable from hand-written code.
	formatted, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, false, err
	}
	return formatted, true, nil
}

// spanName builds the qualified span label for a function:
//
//	pkgpath.Func
//	pkgpath.(Recv).Method
//	pkgpath.(*Recv).Method
func spanName(qualifier string, fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return qualifier + "." + fn.Name.Name
	}
	return qualifier + ".(" + recvTypeString(fn.Recv.List[0].Type) + ")." + fn.Name.Name
}

func recvTypeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + recvTypeString(t.X)
	case *ast.IndexExpr: // generic receiver: T[P]
		return recvTypeString(t.X)
	case *ast.IndexListExpr: // generic receiver: T[P1, P2]
		return recvTypeString(t.X)
	}
	return "?"
}

// bodyLines measures the source-line span of a function body.
func bodyLines(fset *token.FileSet, body *ast.BlockStmt) int {
	return fset.Position(body.Rbrace).Line - fset.Position(body.Lbrace).Line + 1
}

// scopeDefer builds: defer lop.Scope("name")()
func scopeDefer(name string) ast.Stmt {
	return &ast.DeferStmt{
		Call: &ast.CallExpr{
			Fun: &ast.CallExpr{
				Fun: &ast.SelectorExpr{
					X:   ast.NewIdent(tracerPkgName),
					Sel: ast.NewIdent("Scope"),
				},
				Args: []ast.Expr{&ast.BasicLit{
					Kind:  token.STRING,
					Value: strconv.Quote(name),
				}},
			},
		},
	}
}

// isInstrumented reports whether the body already starts with a tracer scope
// defer, making repeated runs idempotent.
func isInstrumented(body *ast.BlockStmt) bool {
	if len(body.List) == 0 {
		return false
	}
	deferStmt, ok := body.List[0].(*ast.DeferStmt)
	if !ok {
		return false
	}
	inner, ok := deferStmt.Call.Fun.(*ast.CallExpr)
	if !ok {
		return false
	}
	sel, ok := inner.Fun.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == tracerPkgName && (sel.Sel.Name == "Scope" || sel.Sel.Name == "ScopeMeta")
}

// importNameClash reports an existing import whose effective name collides
// with the tracer identifier while pointing somewhere else.
func importNameClash(file *ast.File) (string, bool) {
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if path == tracerImportPath {
			continue
		}
		name := ""
		if imp.Name != nil {
			name = imp.Name.Name
		} else if i := strings.LastIndex(path, "/"); i >= 0 {
			name = path[i+1:]
		} else {
			name = path
		}
		if name == tracerPkgName {
			return name, true
		}
	}
	return "", false
}

// injectTracerImport adds the tracer import unless it is already present.
// Appends to the first grouped import when one exists, otherwise inserts a
// fresh import declaration right after the package clause.
func injectTracerImport(file *ast.File) {
	for _, imp := range file.Imports {
		if path, err := strconv.Unquote(imp.Path.Value); err == nil && path == tracerImportPath {
			return
		}
	}

	spec := &ast.ImportSpec{
		Path: &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(tracerImportPath)},
	}

	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.IMPORT || !gen.Lparen.IsValid() {
			continue
		}
		gen.Specs = append(gen.Specs, spec)
		file.Imports = append(file.Imports, spec)
		return
	}

	decl := &ast.GenDecl{Tok: token.IMPORT, Specs: []ast.Spec{spec}}
	file.Decls = append([]ast.Decl{decl}, file.Decls...)
	file.Imports = append(file.Imports, spec)
}
