package certify

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"strconv"
)

const unitImportPath = "gravitas/pkg/unit"

var requiredMethods = []string{"ExecuteInternal", "ParseThought", "ParseAction"}

// Analyze inspects a unit's Go source without executing it. Every problem
// is collected; Passed is true only when none were found.
func Analyze(path string) Analysis {
	src, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Analysis{Errors: []string{"File not found: " + path}}
	}
	if err != nil {
		return Analysis{Errors: []string{"Read error: " + err.Error()}}
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.SkipObjectResolution)
	if err != nil {
		return Analysis{Errors: []string{"Syntax error: " + err.Error()}}
	}

	var problems []string
	alias, imported := unitImportName(file)
	if !imported {
		problems = append(problems, fmt.Sprintf("Missing import of %s", unitImportPath))
	}

	embedding := map[string]bool{}
	if imported {
		ast.Inspect(file, func(n ast.Node) bool {
			ts, ok := n.(*ast.TypeSpec)
			if !ok {
				return true
			}
			st, ok := ts.Type.(*ast.StructType)
			if !ok {
				return true
			}
			for _, field := range st.Fields.List {
				if len(field.Names) == 0 && isBaseRef(field.Type, alias) {
					embedding[ts.Name.Name] = true
				}
			}
			return true
		})
	}
	if len(embedding) == 0 {
		problems = append(problems, "No type embeds unit.Base")
	} else {
		defined := map[string]bool{}
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv == nil || len(fn.Recv.List) == 0 {
				continue
			}
			if embedding[receiverName(fn.Recv.List[0].Type)] {
				defined[fn.Name.Name] = true
			}
		}
		for _, m := range requiredMethods {
			if !defined[m] {
				problems = append(problems, "Missing required method: "+m)
			}
		}
	}

	initialised := false
	if imported {
		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return !initialised
			}
			if sel, ok := call.Fun.(*ast.SelectorExpr); ok && sel.Sel.Name == "NewBase" {
				if id, ok := sel.X.(*ast.Ident); ok && id.Name == alias {
					initialised = true
				}
			}
			return !initialised
		})
	}
	if !initialised {
		problems = append(problems, "Missing base initialization: unit.NewBase(...)")
	}
	return Analysis{Passed: len(problems) == 0, Errors: problems}
}

func unitImportName(file *ast.File) (string, bool) {
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil || p != unitImportPath {
			continue
		}
		if imp.Name != nil {
			return imp.Name.Name, true
		}
		return "unit", true
	}
	return "", false
}

func isBaseRef(expr ast.Expr, alias string) bool {
	if star, ok := expr.(*ast.StarExpr); ok {
		expr = star.X
	}
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Base" {
		return false
	}
	id, ok := sel.X.(*ast.Ident)
	return ok && id.Name == alias
}

func receiverName(expr ast.Expr) string {
	for {
		switch e := expr.(type) {
		case *ast.StarExpr:
			expr = e.X
		case *ast.IndexExpr:
			expr = e.X
		case *ast.IndexListExpr:
			expr = e.X
		case *ast.Ident:
			return e.Name
		default:
			return ""
		}
	}
}
