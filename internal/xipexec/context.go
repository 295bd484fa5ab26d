// Package xipexec implements the executor: launching a position-
// independent binary stored in a file record's payload under the
// execution lock, per spec.md §4.8. The CPU/MPU driver is genuinely
// architecture-specific and out of scope (spec.md §1); this package models
// that boundary as the CPU interface and, per the Design Notes, provides a
// host-side interpreter (SimCPU) rather than literally branching into
// flash-hosted machine code.
package xipexec

// ArgcMax is the maximum argv entries a launch may carry (spec.md §3).
const ArgcMax = 64

// StackSize is the fixed stack reserved in the execution context, in
// bytes (spec.md §4.8).
const StackSize = 1020

// FreeRAMSize is the size of the free-RAM window handed to the binary.
const FreeRAMSize = 512

// Crt0 mirrors the CRT0 fields of spec.md §4.8: the addresses a binary
// needs to locate itself and the NVM free region at launch.
type Crt0 struct {
	BinaryBase uintptr
	RAMStart   uintptr
	RAMEnd     uintptr
	NVMStart   uintptr
	NVMEnd     uintptr
}

// Context is the fixed-layout execution context built fresh for each
// exec() and zeroed on return.
type Context struct {
	Crt0    Crt0
	Stack   [StackSize]byte
	Argc    int
	Argv    [ArgcMax][]byte
	Syscall SyscallTable
	FreeRAM [FreeRAMSize]byte
}

// Zero resets ctx to its initial state, per spec.md §4.8 step 5.
func (ctx *Context) Zero() {
	*ctx = Context{}
}

// SyscallFunc is one entry in the syscall trampoline table: a controlled
// outbound call the running binary may invoke.
type SyscallFunc func(args ...uintptr) (uintptr, error)

// SyscallTable maps syscall names to their trampoline implementation. The
// "exit" entry is special: invoking it ends the binary's run and returns
// control to Launch (spec.md §4.8 step 4).
type SyscallTable map[string]SyscallFunc
