package main

import (
	"go/ast"
	"go/parser"
	"go/token"
	"testing"

	"golang.org/x/tools/go/packages"
)

// parseOne parses a single function body's source for checkFunc,
// standing in for a real packages.Package/packages.Load result so the
// lock-order walk can be exercised without touching the filesystem.
func parseOne(t *testing.T, src string) (*packages.Package, *ast.FuncDecl) {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "x.go", "package x\n"+src, 0)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	var fn *ast.FuncDecl
	for _, d := range f.Decls {
		if fd, ok := d.(*ast.FuncDecl); ok {
			fn = fd
		}
	}
	if fn == nil {
		t.Fatalf("no func decl in source")
	}
	return &packages.Package{Fset: fset}, fn
}

func TestCheckFuncFlagsNestedDistinctCPULocks(t *testing.T) {
	pkg, fn := parseOne(t, `
func steal(c, other *cpu) {
	c.lock.Lock()
	other.lock.Lock()
	other.lock.Unlock()
	c.lock.Unlock()
}`)
	got := checkFunc(pkg, fn)
	if len(got) != 1 {
		t.Fatalf("checkFunc = %v, want exactly one violation", got)
	}
}

func TestCheckFuncAllowsRelockingSameReceiver(t *testing.T) {
	pkg, fn := parseOne(t, `
func tick(c *cpu) {
	c.lock.Lock()
	c.lock.Unlock()
	c.lock.Lock()
	c.lock.Unlock()
}`)
	got := checkFunc(pkg, fn)
	if len(got) != 0 {
		t.Fatalf("checkFunc = %v, want no violations", got)
	}
}

func TestCheckFuncAllowsSequentialDistinctLocks(t *testing.T) {
	pkg, fn := parseOne(t, `
func handoff(c, other *cpu) {
	c.lock.Lock()
	c.lock.Unlock()
	other.lock.Lock()
	other.lock.Unlock()
}`)
	got := checkFunc(pkg, fn)
	if len(got) != 0 {
		t.Fatalf("checkFunc = %v, want no violations for non-overlapping critical sections", got)
	}
}

func TestLockMethodCallRecognizesLockAndUnlock(t *testing.T) {
	_, fn := parseOne(t, `
func f(c *cpu) {
	c.lock.Lock()
	c.lock.Unlock()
	c.other()
}`)
	var calls []*ast.CallExpr
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		if call, ok := n.(*ast.CallExpr); ok {
			calls = append(calls, call)
		}
		return true
	})
	if len(calls) != 3 {
		t.Fatalf("found %d calls, want 3", len(calls))
	}
	if recv, method, ok := lockMethodCall(calls[0]); !ok || recv != "c" || method != "Lock" {
		t.Fatalf("lockMethodCall(Lock) = %q, %q, %v", recv, method, ok)
	}
	if recv, method, ok := lockMethodCall(calls[1]); !ok || recv != "c" || method != "Unlock" {
		t.Fatalf("lockMethodCall(Unlock) = %q, %q, %v", recv, method, ok)
	}
	if _, _, ok := lockMethodCall(calls[2]); ok {
		t.Fatalf("lockMethodCall(c.other()) should not match")
	}
}
