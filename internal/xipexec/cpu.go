package xipexec

import "golang.org/x/xerrors"

// Region describes one memory-protection region to configure before a
// safe-exec launch (spec.md §4.8's optional safe-execution support).
type Region struct {
	Name       string // "TEXT", "DATA", "STACK"
	Start, End uintptr
	Read       bool
	Write      bool
	Execute    bool
}

// CPU is the out-of-scope CPU/MPU driver boundary made concrete: the
// stack-switch-and-branch-to-entry primitive, and the optional MPU region
// setup. A real embedded target implements this against the actual core;
// SimCPU is the host-side reference implementation.
type CPU interface {
	// Jump saves the caller's stack pointer, switches to stackTop, branches
	// to entry, and returns once the binary invokes its "exit" syscall.
	Jump(entry uintptr, stackTop uintptr, ctx *Context) (exitCode int32, err error)

	// ConfigureRegions programs the MPU for safe-exec; a no-op CPU may
	// simply return nil if safe-exec is not supported.
	ConfigureRegions(regions []Region) error

	// DisableRegions reverts ConfigureRegions on return from Jump.
	DisableRegions() error
}

// ErrNotExecutable is returned when Jump is asked to branch into a binary
// this CPU cannot validate.
var ErrNotExecutable = xerrors.New("xipexec: binary failed validation")
