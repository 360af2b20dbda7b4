package sched

// RegisterFrame documents the saved-register layout a real x86_64
// switch trampoline would push and pop across a context switch (spec
// §6, "Task register frame layout"). This core never executes real
// machine code — CPU bring-up and the assembly trampoline itself are
// out of scope (spec §1) — so the scheduler above treats a task's
// execution context as the task's own parked goroutine rather than a
// byte buffer it saves and restores; RegisterFrame exists purely so
// that a real trampoline implementation elsewhere has a concrete,
// size-stable layout to target.
// Field order runs low address to high, i.e. the order a trampoline
// would encounter them reading up from RSP after the full push
// sequence: the software-pushed DS/ES/FS selectors (pushed last, so
// closest to RSP), the 15 general-purpose registers R15..RAX, the
// interrupt number and error code (pushed by the stub before the
// GPRs), and finally the 5 words the CPU itself pushes on a
// privilege-changing interrupt (RIP, CS, RFLAGS, RSP, SS, in
// increasing address order) — the bit-exact layout of spec §6's
// "Task register frame layout".
type RegisterFrame struct {
	DS, ES, FS         uint64
	R15, R14, R13, R12 uint64
	R11, R10, R9, R8   uint64
	RBP, RDI, RSI      uint64
	RDX, RCX, RBX, RAX uint64
	IntNo, ErrorCode   uint64
	RIP, CS, RFLAGS    uint64
	RSP, SS            uint64
}

// RegisterFrameSize is the bit-exact size, in bytes, of the saved
// frame a trampoline must lay out on the kernel stack: 25 uint64
// fields (3 selectors + 15 GPRs + interrupt number + error code + the
// 5-word hardware iret frame).
const RegisterFrameSize = 25 * 8
