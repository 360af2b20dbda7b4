// Command lockcheck loads internal/sched and flags any function that,
// while still holding one CPU run-queue lock, takes a second CPU's
// run-queue lock before releasing the first — a lock-order mistake
// that would deadlock two CPUs stealing from each other. The teacher's
// go.mod carries golang.org/x/tools/go/pointer for whole-program
// pointer analysis; that package is deprecated upstream, so this
// loads the package with go/packages and walks its syntax tree with
// go/ast instead, trading precision for something that still ships.
package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"os"

	"golang.org/x/tools/go/packages"
)

// heldLock identifies one held *cpu.lock by the textual receiver
// expression that selected it (e.g. "c", "other"), since the analysis
// works off syntax rather than points-to sets.
type heldLock struct {
	recv string
	pos  token.Pos
}

func main() {
	pkgPath := "kernelcore/internal/sched"
	if len(os.Args) > 1 {
		pkgPath = os.Args[1]
	}

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes | packages.NeedTypesInfo |
			packages.NeedSyntax | packages.NeedImports,
	}
	pkgs, err := packages.Load(cfg, pkgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockcheck: loading %s: %v\n", pkgPath, err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	var violations []string
	for _, pkg := range pkgs {
		for _, file := range pkg.Syntax {
			ast.Inspect(file, func(n ast.Node) bool {
				fn, ok := n.(*ast.FuncDecl)
				if !ok || fn.Body == nil {
					return true
				}
				violations = append(violations, checkFunc(pkg, fn)...)
				return false
			})
		}
	}

	if len(violations) == 0 {
		fmt.Println("lockcheck: no cross-CPU lock-order violations found")
		return
	}
	for _, v := range violations {
		fmt.Println(v)
	}
	os.Exit(1)
}

// checkFunc walks one function body's statement sequence, tracking
// which receivers' .lock is currently held via a simple stack, and
// reports a violation whenever a second, syntactically distinct
// receiver's lock.Lock() call is seen while the first is still held.
func checkFunc(pkg *packages.Package, fn *ast.FuncDecl) []string {
	var held []heldLock
	var violations []string
	fset := pkg.Fset

	ast.Inspect(fn.Body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		recv, method, ok := lockMethodCall(call)
		if !ok {
			return true
		}
		switch method {
		case "Lock":
			for _, h := range held {
				if h.recv != recv {
					violations = append(violations, fmt.Sprintf(
						"%s: %s locks %q while still holding %q (locked at %s)",
						fset.Position(call.Pos()), fn.Name.Name, recv, h.recv,
						fset.Position(h.pos)))
				}
			}
			held = append(held, heldLock{recv: recv, pos: call.Pos()})
		case "Unlock":
			for i := len(held) - 1; i >= 0; i-- {
				if held[i].recv == recv {
					held = append(held[:i], held[i+1:]...)
					break
				}
			}
		}
		return true
	})
	return violations
}

// lockMethodCall recognizes calls of the shape `<expr>.lock.Lock()` /
// `<expr>.lock.Unlock()` by syntax alone (the type of the lock field is
// not checked), returning the textual form of <expr> as the receiver
// identity.
func lockMethodCall(call *ast.CallExpr) (recv, method string, ok bool) {
	sel, isSel := call.Fun.(*ast.SelectorExpr)
	if !isSel {
		return "", "", false
	}
	method = sel.Sel.Name
	if method != "Lock" && method != "Unlock" {
		return "", "", false
	}
	lockSel, isSel := sel.X.(*ast.SelectorExpr)
	if !isSel || lockSel.Sel.Name != "lock" {
		return "", "", false
	}
	return exprString(lockSel.X), method, true
}

func exprString(e ast.Expr) string {
	switch v := e.(type) {
	case *ast.Ident:
		return v.Name
	case *ast.SelectorExpr:
		return exprString(v.X) + "." + v.Sel.Name
	case *ast.StarExpr:
		return "*" + exprString(v.X)
	default:
		return "<expr>"
	}
}
