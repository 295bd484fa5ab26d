package xipfs

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/2xs/xipfs/internal/flash"
)

// TestEveryErrnoHasAUnixMapping pins spec.md §7's requirement that every
// Errno value maps to a non-zero unix.Errno (except OK itself, which maps
// to success).
func TestEveryErrnoHasAUnixMapping(t *testing.T) {
	all := []Errno{
		OK, ENULLP, EEMPTY, EINVAL, ENULTER, ENULLF, EALIGN, EOUTNVM, ELINK,
		EMAXOFF, ENVMC, ENULLM, EMAGIC, EPAGNUM, EFULL, EEXIST, EPERM,
		ENOSPACE, EREGION, EMPUENABLE,
	}
	for _, e := range all {
		u := ToUnix(e)
		if e != OK && u == 0 {
			t.Errorf("Errno %v (%d) maps to unix.Errno 0", e, e)
		}
	}
}

func TestToUnixUnknownErrnoFallsBackToEIO(t *testing.T) {
	if got := ToUnix(Errno(9999)); got != unix.EIO {
		t.Fatalf("got %v, want EIO", got)
	}
}

func TestErrnoClassMapping(t *testing.T) {
	cases := []struct {
		e    Errno
		want unix.Errno
	}{
		{EEMPTY, unix.ENOENT},
		{EINVAL, unix.EINVAL},
		{ENULTER, unix.ENAMETOOLONG},
		{EEXIST, unix.EEXIST},
		{EPERM, unix.EACCES},
		{EFULL, unix.EDQUOT},
		{ENOSPACE, unix.EDQUOT},
		{EALIGN, unix.EIO},
	}
	for _, c := range cases {
		if got := ToUnix(c.e); got != c.want {
			t.Errorf("ToUnix(%v) = %v, want %v", c.e, got, c.want)
		}
	}
}

func TestErrnoOfUnwrapsWrappedErrno(t *testing.T) {
	wrapped := wrapErrno(flash.EMAXOFF)
	if got := errnoOf(wrapped); got != EMAXOFF {
		t.Fatalf("got %v, want EMAXOFF", got)
	}
}

func TestErrnoOfNilIsOK(t *testing.T) {
	if got := errnoOf(nil); got != OK {
		t.Fatalf("got %v, want OK", got)
	}
}

func TestErrnoOfUnclassifiedErrorFallsBackToENVMC(t *testing.T) {
	if got := errnoOf(errUnclassified{}); got != ENVMC {
		t.Fatalf("got %v, want ENVMC", got)
	}
}

type errUnclassified struct{}

func (errUnclassified) Error() string { return "boom" }

// wrapErrno mimics how internal packages wrap a leaf Errno with xerrors.Errorf.
func wrapErrno(e Errno) error {
	return wrappedErr{e}
}

type wrappedErr struct{ e Errno }

func (w wrappedErr) Error() string { return w.e.Error() }
func (w wrappedErr) Unwrap() error { return w.e }
