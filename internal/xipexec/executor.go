package xipexec

import (
	"golang.org/x/xerrors"

	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/record"
)

// Executor launches executable records under a CPU backend.
type Executor struct {
	Store *record.Store
	CPU   CPU

	// SafeExec, when true, configures MPU regions before the jump and
	// disables them on return (spec.md §4.8's optional safe-execution
	// support).
	SafeExec bool

	// FreeRAMBase/FreeRAMEnd describe the data window handed to the
	// binary for its free-RAM region and DATA protection region.
	FreeRAMBase, FreeRAMEnd uintptr
}

// Launch runs rec under the given argv and syscall table, per spec.md
// §4.8. The caller must already have verified, via the path classifier,
// that rec's path resolves to ExistsAsFile; Launch itself only checks the
// exec bit (EACCES otherwise).
func (e *Executor) Launch(rec *record.FileRecord, argv [][]byte, syscalls SyscallTable) (int32, error) {
	if !rec.Exec {
		return 0, xerrors.Errorf("xipexec: %q is not executable: %w", rec.Path, flash.EPERM)
	}
	if len(argv) > ArgcMax {
		return 0, xerrors.Errorf("xipexec: argc %d exceeds max %d: %w", len(argv), ArgcMax, flash.EINVAL)
	}

	payloadLen := rec.MaxPos()
	payload := make([]byte, payloadLen)
	if err := e.Store.Buf.Read(payload, rec.Addr+uintptr(record.HeaderSize)); err != nil {
		return 0, xerrors.Errorf("xipexec: read payload: %w", err)
	}

	var ctx Context
	ctx.Crt0 = Crt0{
		BinaryBase: rec.Addr + uintptr(record.HeaderSize),
		RAMStart:   e.FreeRAMBase,
		RAMEnd:     e.FreeRAMEnd,
		NVMStart:   rec.Addr,
		NVMEnd:     rec.Addr + uintptr(rec.Reserved),
	}
	ctx.Argc = len(argv)
	for i, a := range argv {
		ctx.Argv[i] = a
	}
	ctx.Syscall = syscalls

	if e.SafeExec {
		regions := []Region{
			{Name: "TEXT", Start: ctx.Crt0.BinaryBase, End: ctx.Crt0.NVMEnd, Read: true, Execute: true},
			{Name: "DATA", Start: e.FreeRAMBase, End: e.FreeRAMEnd, Read: true, Write: true},
			{Name: "STACK", Start: 0, End: uintptr(StackSize), Read: true, Write: true},
		}
		if err := e.CPU.ConfigureRegions(regions); err != nil {
			ctx.Zero()
			return 0, xerrors.Errorf("xipexec: configure regions: %w", flash.EREGION)
		}
		defer func() {
			if err := e.CPU.DisableRegions(); err != nil {
				_ = err // best-effort on the way out; see spec.md §4.8 step 5
			}
		}()
	}

	if sc, ok := e.CPU.(*SimCPU); ok {
		sc.Payload = payload
	}

	entry := ctx.Crt0.BinaryBase
	stackTop := uintptr(StackSize)
	exitCode, err := e.CPU.Jump(entry, stackTop, &ctx)
	ctx.Zero()
	if err != nil {
		return 0, xerrors.Errorf("xipexec: jump: %w", err)
	}
	return exitCode, nil
}
