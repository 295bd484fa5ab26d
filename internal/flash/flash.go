// Package flash implements the flash primitives layer: address/range
// predicates, page alignment, and the two flash mutation primitives NOR
// exposes (aligned program, unaligned byte write via read-modify-write).
//
// The actual flash chip is out of scope (spec.md §1 treats the board-level
// erase/program primitives as external collaborators); Device is the
// interface a real board driver would satisfy, and MemDevice/FileDevice are
// host-side reference implementations used by the rest of this module and
// by its tests.
package flash

import "golang.org/x/xerrors"

// Device is the board-provided primitive surface this package consumes.
// Addresses are absolute; Base()/NumPages()/PageSize() describe the mount
// window geometry, which is fixed for the lifetime of a Device.
type Device interface {
	Base() uintptr
	PageSize() int
	NumPages() int
	WriteBlockSize() int

	// ReadAt copies n bytes starting at the absolute address addr into dst.
	ReadAt(dst []byte, addr uintptr) error

	// ErasePage resets page pageNum to the all-0xFF erased state. Must be a
	// no-op (but still return nil) if the page already reads as erased.
	ErasePage(pageNum int) error

	// ProgramAligned programs buf (whose length must be a WriteBlockSize
	// multiple) at addr (which must be WriteBlockSize-aligned), verifying
	// the result by read-back.
	ProgramAligned(addr uintptr, buf []byte) error
}

// Errno mirrors spec.md §6's positive errno taxonomy. The zero value is OK.
type Errno int

const (
	OK Errno = iota
	ENULLP
	EEMPTY
	EINVAL
	ENULTER
	ENULLF
	EALIGN
	EOUTNVM
	ELINK
	EMAXOFF
	ENVMC
	ENULLM
	EMAGIC
	EPAGNUM
	EFULL
	EEXIST
	EPERM
	ENOSPACE
	EREGION
	EMPUENABLE
)

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return "unknown xipfs errno"
}

var errnoNames = map[Errno]string{
	OK:         "ok",
	ENULLP:     "null pointer",
	EEMPTY:     "empty store",
	EINVAL:     "invalid argument",
	ENULTER:    "path not null-terminated within bounds",
	ENULLF:     "null file record",
	EALIGN:     "misaligned address",
	EOUTNVM:    "address outside flash window",
	ELINK:      "broken record link",
	EMAXOFF:    "offset beyond record capacity",
	ENVMC:      "nvm program/erase/verify failure",
	ENULLM:     "null mount point",
	EMAGIC:     "bad mount magic",
	EPAGNUM:    "bad page count",
	EFULL:      "store full (sentinel)",
	EEXIST:     "path already exists",
	EPERM:      "operation not permitted",
	ENOSPACE:   "no space left",
	EREGION:    "mpu region configuration failed",
	EMPUENABLE: "mpu enable failed",
}

// wrap attaches op context to err with xerrors.Errorf("...: %w", err), so
// callers can still unwrap the leaf Errno.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return xerrors.Errorf("flash: %s: %w", op, err)
}
