// Package diag implements the fatal-halt diagnostic path used when a
// subsystem observes an invariant violation (spec §7: Fatal errors
// "halt the offending CPU with a diagnostic and do not attempt
// recovery"). It replaces the teacher's bare `panic("wut")` calls
// (mem/mem.go, vm/as.go) with a structured log line plus, when a code
// buffer is available, a short disassembly of the instructions around
// the fault so the diagnostic carries more than a string.
package diag

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
)

// Log is the package-wide structured logger. It is a package var,
// like the teacher's Physmem and Syslimit singletons, because
// diagnostics are inherently a cross-cutting, process-wide concern.
var Log = logrus.New()

// CPUFault describes the context of a fatal condition on one CPU.
type CPUFault struct {
	CPU    int
	Reason string
	RIP    uint64
	Code   []byte // bytes starting at RIP, if available
	Fields logrus.Fields
}

// Disassemble decodes up to n instructions from code (whose first byte
// sits at address rip) and returns their textual form in GNU (AT&T)
// syntax, using x86asm the way the
// teacher's golang.org/x/arch dependency is used by its build tooling
// to reason about raw machine code.
func Disassemble(code []byte, rip uint64, n int) []string {
	out := make([]string, 0, n)
	off := 0
	for i := 0; i < n && off < len(code); i++ {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			out = append(out, fmt.Sprintf("%#x: <bad instruction: %v>", rip+uint64(off), err))
			break
		}
		syn := x86asm.GNUSyntax(inst, rip+uint64(off), nil)
		out = append(out, fmt.Sprintf("%#x: %s", rip+uint64(off), syn))
		off += inst.Len
	}
	return out
}

// haltLoop is the action taken after logging a fatal diagnostic. It
// defaults to panicking with f.Reason, which is what "halt the
// offending CPU" becomes in a process that models a CPU as a
// goroutine: the panic unwinds (and, unrecovered, crashes the whole
// process, the closest analogue this model has to stopping the
// machine). It is a var, not an inline panic, so diag's own tests can
// swap in a no-op and observe that Halt was reached without actually
// unwinding.
var haltLoop = func(reason string) { panic(reason) }

// Halt logs a structured fatal diagnostic for f and then invokes
// haltLoop(f.Reason), standing in for "halt the offending CPU" (there
// is no recovery path, matching spec §7's Fatal category).
func Halt(f CPUFault) {
	entry := Log.WithFields(logrus.Fields{
		"cpu":    f.CPU,
		"reason": f.Reason,
		"rip":    fmt.Sprintf("%#x", f.RIP),
	})
	for k, v := range f.Fields {
		entry = entry.WithField(k, v)
	}
	if len(f.Code) > 0 {
		lines := Disassemble(f.Code, f.RIP, 8)
		entry = entry.WithField("disasm", lines)
	}
	entry.Error("cpu halted: fatal invariant violation")
	haltLoop(f.Reason)
}
