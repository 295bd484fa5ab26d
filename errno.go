package xipfs

import (
	"golang.org/x/sys/unix"

	"github.com/2xs/xipfs/internal/flash"
)

// Errno is the positive errno taxonomy of spec.md §6, shared with the
// internal layers so a leaf failure never needs re-encoding on its way up
// to the façade.
type Errno = flash.Errno

const (
	OK         = flash.OK
	ENULLP     = flash.ENULLP
	EEMPTY     = flash.EEMPTY
	EINVAL     = flash.EINVAL
	ENULTER    = flash.ENULTER
	ENULLF     = flash.ENULLF
	EALIGN     = flash.EALIGN
	EOUTNVM    = flash.EOUTNVM
	ELINK      = flash.ELINK
	EMAXOFF    = flash.EMAXOFF
	ENVMC      = flash.ENVMC
	ENULLM     = flash.ENULLM
	EMAGIC     = flash.EMAGIC
	EPAGNUM    = flash.EPAGNUM
	EFULL      = flash.EFULL
	EEXIST     = flash.EEXIST
	EPERM      = flash.EPERM
	ENOSPACE   = flash.ENOSPACE
	EREGION    = flash.EREGION
	EMPUENABLE = flash.EMPUENABLE
)

// errnoToUnix implements spec.md §7's three error classes: validation
// errors map to a specific errno, storage errors collapse to EIO, and
// capacity errors collapse to EDQUOT.
var errnoToUnix = map[Errno]unix.Errno{
	OK:         0,
	ENULLP:     unix.EFAULT,
	EEMPTY:     unix.ENOENT,
	EINVAL:     unix.EINVAL,
	ENULTER:    unix.ENAMETOOLONG,
	ENULLF:     unix.EFAULT,
	EALIGN:     unix.EIO,
	EOUTNVM:    unix.EIO,
	ELINK:      unix.EIO,
	EMAXOFF:    unix.EINVAL,
	ENVMC:      unix.EIO,
	ENULLM:     unix.EFAULT,
	EMAGIC:     unix.EFAULT,
	EPAGNUM:    unix.EFAULT,
	EFULL:      unix.EDQUOT,
	EEXIST:     unix.EEXIST,
	EPERM:      unix.EACCES,
	ENOSPACE:   unix.EDQUOT,
	EREGION:    unix.EIO,
	EMPUENABLE: unix.EIO,
}

// ToUnix maps an internal Errno to the nearest unix.Errno, for callers
// that need a real syscall-shaped error (e.g. the FUSE adapter).
func ToUnix(e Errno) unix.Errno {
	if u, ok := errnoToUnix[e]; ok {
		return u
	}
	return unix.EIO
}

// errnoOf unwraps err looking for a flash.Errno (every internal package
// wraps its leaf failures with one via xerrors.Errorf("...: %w", errno)).
func errnoOf(err error) Errno {
	if err == nil {
		return OK
	}
	var target Errno
	if asErrno(err, &target) {
		return target
	}
	return ENVMC // unclassified internal/storage failure: treat as EIO-class
}

func asErrno(err error, target *Errno) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(Errno); ok {
			*target = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
