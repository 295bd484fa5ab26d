package flash

import (
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// FileDevice backs a Device with an OS file so that host tooling (mkxipfs,
// xipfsfuse, xipfs-analyze) can operate on a flash image that survives
// process restarts. All mutation happens against an in-memory copy; Flush
// commits that copy to disk atomically through a renameio temp file, which is the
// closest a POSIX host comes to "a page program either lands or the prior
// contents survive" — it is not a claim of real NOR program/erase
// semantics, which MemDevice models instead.
type FileDevice struct {
	*MemDevice
	path string
}

// OpenFileDevice loads path (which must already hold a full, correctly
// sized image, e.g. one written by mkxipfs) into RAM for use as a Device.
func OpenFileDevice(path string, base uintptr, pageSize, numPages, writeBlockSize int) (*FileDevice, error) {
	want := pageSize * numPages
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("filedevice: open %s: %w", path, err)
	}
	if len(buf) != want {
		return nil, xerrors.Errorf("filedevice: %s is %d bytes, want %d", path, len(buf), want)
	}
	md := NewMemDevice(base, pageSize, numPages, writeBlockSize)
	copy(md.data, buf)
	return &FileDevice{MemDevice: md, path: path}, nil
}

// CreateFileDevice formats a brand-new, fully-erased image at path.
func CreateFileDevice(path string, base uintptr, pageSize, numPages, writeBlockSize int) (*FileDevice, error) {
	md := NewMemDevice(base, pageSize, numPages, writeBlockSize)
	fd := &FileDevice{MemDevice: md, path: path}
	if err := fd.Flush(); err != nil {
		return nil, err
	}
	return fd, nil
}

// Flush atomically replaces the backing file with the current in-memory
// image contents, the same renameio.TempFile/CloseAtomicallyReplace
// dance the teacher uses to commit build artifacts.
func (d *FileDevice) Flush() error {
	f, err := renameio.TempFile("", d.path)
	if err != nil {
		return xerrors.Errorf("filedevice: flush %s: %w", d.path, err)
	}
	defer f.Cleanup()
	if _, err := f.Write(d.data); err != nil {
		return xerrors.Errorf("filedevice: flush %s: %w", d.path, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("filedevice: flush %s: %w", d.path, err)
	}
	return nil
}

func (d *FileDevice) Path() string { return d.path }
