package xipfs

import (
	"context"
	"io"
	"strings"

	"golang.org/x/xerrors"

	"github.com/2xs/xipfs/internal/classify"
	"github.com/2xs/xipfs/internal/descriptor"
	"github.com/2xs/xipfs/internal/fileop"
	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/record"
	"github.com/2xs/xipfs/internal/xipexec"
)

// OpenFlag mirrors the subset of POSIX open(2) flags this façade
// understands; callers combine them with bitwise OR.
type OpenFlag int

const (
	ORDONLY OpenFlag = 1 << iota
	OWRONLY
	ORDWR
	OCREAT
	OEXCL
)

// Stat is the façade's view of a path or descriptor's metadata.
type Stat struct {
	Size  uint32
	Exec  bool
	IsDir bool
}

// Statvfs mirrors statvfs(2)'s filesystem-wide summary.
type Statvfs struct {
	PageSize   uint32
	TotalPages uint32
	FreePages  uint32
}

// Dirent is one entry returned by Readdir.
type Dirent struct {
	Name  string
	IsDir bool
}

const infosPath = "/.xipfs_infos"

// acquireGlobal takes the mount-wide lock that serializes every façade
// entry point, per spec.md §5.
func (mp *MountPoint) acquireGlobal() error {
	return mp.global.Acquire(context.Background(), 1)
}

func (mp *MountPoint) releaseGlobal() {
	mp.global.Release(1)
}

// Open resolves path against the current record list and returns a
// descriptor handle, creating the file first if flags carries OCREAT and
// the path is Creatable.
func (mp *MountPoint) Open(path string, flags OpenFlag, reserveHint uint32) (descriptor.Handle, error) {
	if err := mp.checkMagic(); err != nil {
		return -1, err
	}
	if err := mp.acquireGlobal(); err != nil {
		return -1, err
	}
	defer mp.releaseGlobal()

	if path == infosPath {
		if flags&(OWRONLY|ORDWR) != 0 {
			return -1, xerrors.Errorf("xipfs: open %s: %w", path, flash.EPERM)
		}
		return mp.Descs.TrackFile(mp.Dev.Base(), mp.Store.Pages, descriptor.InfosSentinel, int(flags))
	}

	c, _, err := mp.classify(path)
	if err != nil {
		return -1, err
	}

	switch c.Tag {
	case classify.ExistsAsFile:
		if flags&OCREAT != 0 && flags&OEXCL != 0 {
			return -1, xerrors.Errorf("xipfs: open %s: %w", path, flash.EEXIST)
		}
		return mp.Descs.TrackFile(mp.Dev.Base(), mp.Store.Pages, c.Witness.Addr, int(flags))
	case classify.Creatable:
		if flags&OCREAT == 0 {
			return -1, xerrors.Errorf("xipfs: open %s: %w", path, flash.EEMPTY)
		}
		if err := mp.evictParentPlaceholder(c); err != nil {
			return -1, err
		}
		r, err := mp.Store.NewRecord(path, reserveHint, false)
		if err != nil {
			return -1, xerrors.Errorf("xipfs: open %s: create: %w", path, err)
		}
		return mp.Descs.TrackFile(mp.Dev.Base(), mp.Store.Pages, r.Addr, int(flags))
	case classify.ExistsAsEmptyDir, classify.ExistsAsNonemptyDir:
		return -1, xerrors.Errorf("xipfs: open %s: is a directory: %w", path, flash.EINVAL)
	case classify.InvalidNotDirs:
		return -1, xerrors.Errorf("xipfs: open %s: %w", path, flash.EINVAL)
	default:
		return -1, xerrors.Errorf("xipfs: open %s: %w", path, flash.EEMPTY)
	}
}

// NewFile creates path as an empty (or pre-sized) file without opening it,
// matching spec.md's dedicated new_file operation.
func (mp *MountPoint) NewFile(path string, reserveSize uint32, exec bool) error {
	if err := mp.checkMagic(); err != nil {
		return err
	}
	if err := mp.acquireGlobal(); err != nil {
		return err
	}
	defer mp.releaseGlobal()

	c, _, err := mp.classify(path)
	if err != nil {
		return err
	}
	if c.Tag != classify.Creatable {
		return xerrors.Errorf("xipfs: new_file %s: %w", path, flash.EEXIST)
	}
	if err := mp.evictParentPlaceholder(c); err != nil {
		return err
	}
	_, err = mp.Store.NewRecord(path, reserveSize, exec)
	return err
}

// evictParentPlaceholder removes c's parent directory's empty-directory
// placeholder record when c's own classification witness IS that
// placeholder, since the parent is about to gain a child and stops being
// empty (spec.md §4.7/§9).
func (mp *MountPoint) evictParentPlaceholder(c *classify.Classification) error {
	if c.Witness == nil || c.Witness.Path != c.Dirname {
		return nil
	}
	return mp.Store.Remove(c.Witness, mp.Descs)
}

// materializeIfEmptied creates an empty-directory placeholder for c's
// parent directory when the record just removed was the only record
// under that parent, so the parent stays Stat-able/Opendir-able even
// though it now holds nothing (spec.md §4.7/§9).
func (mp *MountPoint) materializeIfEmptied(c *classify.Classification) error {
	if c.Dirname == "/" || c.Parent != 1 {
		return nil
	}
	_, err := mp.Store.NewRecord(c.Dirname, 0, false)
	return err
}

func (mp *MountPoint) recordByAddr(addr uintptr) (*record.FileRecord, error) {
	all, err := mp.Store.All()
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Addr == addr {
			return r, nil
		}
	}
	return nil, xerrors.Errorf("xipfs: stale descriptor: %w", flash.ENULLF)
}

// Read reads up to len(dst) bytes from fd's current position and advances
// it, per spec.md §4.4/§4.7.
func (mp *MountPoint) Read(fd descriptor.Handle, dst []byte) (int, error) {
	if err := mp.checkMagic(); err != nil {
		return 0, err
	}
	if err := mp.acquireGlobal(); err != nil {
		return 0, err
	}
	defer mp.releaseGlobal()

	kind, addr, pos, _, _, err := mp.Descs.Get(fd)
	if err != nil {
		return 0, err
	}
	if kind != descriptor.File {
		return 0, xerrors.Errorf("xipfs: read: %w", flash.EINVAL)
	}
	if addr == descriptor.InfosSentinel {
		return mp.readInfos(fd, pos, dst)
	}

	fh, err := mp.recordByAddr(addr)
	if err != nil {
		return 0, err
	}
	size := fileop.GetSize(fh)
	n := 0
	for n < len(dst) {
		if pos+uint32(n) >= size {
			break // EOF: reads never return bytes past the committed size
		}
		b, err := fileop.ReadByte(mp.Store, fh, pos+uint32(n))
		if err != nil {
			return n, err
		}
		dst[n] = b
		n++
	}
	if err := mp.Descs.SetPos(fd, pos+uint32(n)); err != nil {
		return n, err
	}
	return n, nil
}

// Write writes len(src) bytes at fd's current position, advances it, and
// flushes the page buffer before returning (Write is an externally-visible
// commit point, spec.md §4.2).
func (mp *MountPoint) Write(fd descriptor.Handle, src []byte) (int, error) {
	if err := mp.checkMagic(); err != nil {
		return 0, err
	}
	if err := mp.acquireGlobal(); err != nil {
		return 0, err
	}
	defer mp.releaseGlobal()

	kind, addr, pos, flags, _, err := mp.Descs.Get(fd)
	if err != nil {
		return 0, err
	}
	if kind != descriptor.File {
		return 0, xerrors.Errorf("xipfs: write: %w", flash.EINVAL)
	}
	if addr == descriptor.InfosSentinel {
		return 0, xerrors.Errorf("xipfs: write: %w", flash.EPERM)
	}
	if OpenFlag(flags)&(OWRONLY|ORDWR) == 0 {
		return 0, xerrors.Errorf("xipfs: write: %w", flash.EPERM)
	}

	fh, err := mp.recordByAddr(addr)
	if err != nil {
		return 0, err
	}
	n := 0
	for n < len(src) {
		if pos+uint32(n) >= fh.MaxPos() {
			break
		}
		if err := fileop.WriteByte(mp.Store, fh, pos+uint32(n), src[n]); err != nil {
			return n, err
		}
		n++
	}
	if err := mp.Buf.Flush(); err != nil {
		return n, xerrors.Errorf("xipfs: write: flush: %w", err)
	}
	newPos := pos + uint32(n)
	if newPos > fileop.GetSize(fh) {
		if err := fileop.SetSize(mp.Store, fh, newPos); err != nil {
			return n, err
		}
	}
	if err := mp.Descs.SetPos(fd, newPos); err != nil {
		return n, err
	}
	return n, nil
}

// Lseek repositions fd per whence (io.SeekStart/SeekCurrent/SeekEnd). A
// resulting position outside [0, MaxPos] for a regular file is rejected
// with EMAXOFF and leaves the position unchanged.
func (mp *MountPoint) Lseek(fd descriptor.Handle, offset int64, whence int) (int64, error) {
	if err := mp.checkMagic(); err != nil {
		return 0, err
	}
	if err := mp.acquireGlobal(); err != nil {
		return 0, err
	}
	defer mp.releaseGlobal()

	kind, addr, pos, _, _, err := mp.Descs.Get(fd)
	if err != nil {
		return 0, err
	}
	if kind != descriptor.File {
		return 0, xerrors.Errorf("xipfs: lseek: %w", flash.EINVAL)
	}

	// end is the SEEK_END reference point (the committed size); bound is
	// the record's total addressable payload capacity. A seek may land
	// anywhere up to bound even past the current size: spec.md §4.7 lets
	// the file grow lazily, with size committed on the next Write or Close.
	var base, end, bound int64
	if addr == descriptor.InfosSentinel {
		base = int64(pos)
		end = int64(len(mp.snapshot()))
		bound = end
	} else {
		fh, err := mp.recordByAddr(addr)
		if err != nil {
			return 0, err
		}
		base = int64(pos)
		end = int64(fileop.GetSize(fh))
		bound = int64(fileop.MaxPos(fh))
	}

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = base + offset
	case io.SeekEnd:
		newPos = end + offset
	default:
		return 0, xerrors.Errorf("xipfs: lseek: %w", flash.EINVAL)
	}
	if newPos < 0 || newPos > bound {
		return 0, xerrors.Errorf("xipfs: lseek: offset %d out of range [0,%d]: %w", newPos, bound, flash.EMAXOFF)
	}
	if err := mp.Descs.SetPos(fd, uint32(newPos)); err != nil {
		return 0, err
	}
	return newPos, nil
}

// Close commits a lazy size grow from a seek past the current size, then
// releases fd (spec.md §4.7: "if pos > size, commit set_size(pos)").
func (mp *MountPoint) Close(fd descriptor.Handle) error {
	if err := mp.checkMagic(); err != nil {
		return err
	}
	if err := mp.acquireGlobal(); err != nil {
		return err
	}
	defer mp.releaseGlobal()

	kind, addr, pos, _, _, err := mp.Descs.Get(fd)
	if err == nil && kind == descriptor.File && addr != descriptor.InfosSentinel {
		if fh, ferr := mp.recordByAddr(addr); ferr == nil && pos > fileop.GetSize(fh) {
			if err := fileop.SetSize(mp.Store, fh, pos); err != nil {
				return err
			}
		}
	}
	return mp.Descs.Untrack(fd)
}

// Opendir opens a directory path for Readdir traversal.
func (mp *MountPoint) Opendir(path string) (descriptor.Handle, error) {
	if err := mp.checkMagic(); err != nil {
		return -1, err
	}
	if err := mp.acquireGlobal(); err != nil {
		return -1, err
	}
	defer mp.releaseGlobal()

	c, _, err := mp.classify(path)
	if err != nil {
		return -1, err
	}
	if c.Tag != classify.ExistsAsEmptyDir && c.Tag != classify.ExistsAsNonemptyDir {
		return -1, xerrors.Errorf("xipfs: opendir %s: %w", path, flash.EEMPTY)
	}
	prefix := c.Input
	if prefix != "/" {
		prefix += "/"
	}
	return mp.Descs.TrackDir(mp.Dev.Base(), mp.Store.Pages, prefix)
}

// Readdir returns the next direct child of fd's directory, or (nil, nil)
// once exhausted, per spec.md §4.6's directory-inference rules.
func (mp *MountPoint) Readdir(fd descriptor.Handle) (*Dirent, error) {
	if err := mp.checkMagic(); err != nil {
		return nil, err
	}
	if err := mp.acquireGlobal(); err != nil {
		return nil, err
	}
	defer mp.releaseGlobal()

	kind, cursor, _, _, prefix, err := mp.Descs.Get(fd)
	if err != nil {
		return nil, err
	}
	if kind != descriptor.Dir {
		return nil, xerrors.Errorf("xipfs: readdir: %w", flash.EINVAL)
	}

	all, err := mp.Store.All()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	idx := uint32(0)
	for _, r := range all {
		if len(r.Path) <= len(prefix) || r.Path[:len(prefix)] != prefix {
			continue
		}
		rest := r.Path[len(prefix):]
		child := rest
		isDir := false
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			child = rest[:i]
			isDir = true
		}
		if child == "" || seen[child] {
			continue
		}
		seen[child] = true
		if idx == cursor {
			if err := mp.Descs.SetCursor(fd, cursor+1); err != nil {
				return nil, err
			}
			return &Dirent{Name: child, IsDir: isDir}, nil
		}
		idx++
	}
	return nil, nil
}

// Stat classifies path and reports its size/exec/directory metadata.
func (mp *MountPoint) Stat(path string) (Stat, error) {
	if err := mp.checkMagic(); err != nil {
		return Stat{}, err
	}
	if err := mp.acquireGlobal(); err != nil {
		return Stat{}, err
	}
	defer mp.releaseGlobal()

	if path == infosPath {
		return Stat{Size: uint32(len(mp.snapshot()))}, nil
	}

	c, _, err := mp.classify(path)
	if err != nil {
		return Stat{}, err
	}
	switch c.Tag {
	case classify.ExistsAsFile:
		return Stat{Size: fileop.GetSize(c.Witness), Exec: c.Witness.Exec}, nil
	case classify.ExistsAsEmptyDir, classify.ExistsAsNonemptyDir:
		return Stat{IsDir: true}, nil
	default:
		return Stat{}, xerrors.Errorf("xipfs: stat %s: %w", path, flash.EEMPTY)
	}
}

// Fstat reports metadata for an already-open descriptor.
func (mp *MountPoint) Fstat(fd descriptor.Handle) (Stat, error) {
	if err := mp.checkMagic(); err != nil {
		return Stat{}, err
	}
	if err := mp.acquireGlobal(); err != nil {
		return Stat{}, err
	}
	defer mp.releaseGlobal()

	kind, addr, _, _, _, err := mp.Descs.Get(fd)
	if err != nil {
		return Stat{}, err
	}
	if addr == descriptor.InfosSentinel {
		return Stat{Size: uint32(len(mp.snapshot()))}, nil
	}
	if kind != descriptor.File {
		return Stat{IsDir: true}, nil
	}
	fh, err := mp.recordByAddr(addr)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Size: fileop.GetSize(fh), Exec: fh.Exec}, nil
}

// StatVFS reports the mount window's page-granular capacity summary.
func (mp *MountPoint) StatVFS() (Statvfs, error) {
	if err := mp.checkMagic(); err != nil {
		return Statvfs{}, err
	}
	if err := mp.acquireGlobal(); err != nil {
		return Statvfs{}, err
	}
	defer mp.releaseGlobal()

	_, free, err := mp.Store.Tail()
	if err != nil {
		return Statvfs{}, err
	}
	return Statvfs{
		PageSize:   uint32(mp.Dev.PageSize()),
		TotalPages: uint32(mp.Store.Pages),
		FreePages:  uint32(free),
	}, nil
}

// Unlink removes a file record, compacting the store and patching open
// descriptors. It refuses a directory path with EPERM.
func (mp *MountPoint) Unlink(path string) error {
	if err := mp.checkMagic(); err != nil {
		return err
	}
	if err := mp.acquireGlobal(); err != nil {
		return err
	}
	defer mp.releaseGlobal()

	if path == infosPath {
		return xerrors.Errorf("xipfs: unlink %s: %w", path, flash.EEMPTY)
	}
	c, _, err := mp.classify(path)
	if err != nil {
		return err
	}
	switch c.Tag {
	case classify.ExistsAsFile:
		if err := mp.Store.Remove(c.Witness, mp.Descs); err != nil {
			return err
		}
		return mp.materializeIfEmptied(c)
	case classify.ExistsAsEmptyDir, classify.ExistsAsNonemptyDir:
		return xerrors.Errorf("xipfs: unlink %s: is a directory: %w", path, flash.EPERM)
	default:
		return xerrors.Errorf("xipfs: unlink %s: %w", path, flash.EEMPTY)
	}
}

// Mkdir materializes path as an empty directory placeholder record
// (spec.md §4.6's path-ending-in-"/" convention).
func (mp *MountPoint) Mkdir(path string) error {
	if err := mp.checkMagic(); err != nil {
		return err
	}
	if err := mp.acquireGlobal(); err != nil {
		return err
	}
	defer mp.releaseGlobal()

	c, _, err := mp.classify(path)
	if err != nil {
		return err
	}
	if c.Tag != classify.Creatable {
		return xerrors.Errorf("xipfs: mkdir %s: %w", path, flash.EEXIST)
	}
	if err := mp.evictParentPlaceholder(c); err != nil {
		return err
	}
	dirPath := path
	if dirPath != "/" {
		dirPath += "/"
	}
	_, err = mp.Store.NewRecord(dirPath, 0, false)
	return err
}

// Rmdir removes an empty directory placeholder.
func (mp *MountPoint) Rmdir(path string) error {
	if err := mp.checkMagic(); err != nil {
		return err
	}
	if err := mp.acquireGlobal(); err != nil {
		return err
	}
	defer mp.releaseGlobal()

	c, _, err := mp.classify(path)
	if err != nil {
		return err
	}
	switch c.Tag {
	case classify.ExistsAsEmptyDir:
		if err := mp.Store.Remove(c.Witness, mp.Descs); err != nil {
			return err
		}
		return mp.materializeIfEmptied(c)
	case classify.ExistsAsNonemptyDir:
		return xerrors.Errorf("xipfs: rmdir %s: not empty: %w", path, flash.EINVAL)
	case classify.ExistsAsFile:
		return xerrors.Errorf("xipfs: rmdir %s: not a directory: %w", path, flash.EINVAL)
	default:
		return xerrors.Errorf("xipfs: rmdir %s: %w", path, flash.EEMPTY)
	}
}

// Rename moves oldPath to newPath, renaming every descendant when oldPath
// is a directory (spec.md §4.3's bulk prefix rename).
func (mp *MountPoint) Rename(oldPath, newPath string) error {
	if err := mp.checkMagic(); err != nil {
		return err
	}
	if err := mp.acquireGlobal(); err != nil {
		return err
	}
	defer mp.releaseGlobal()

	oldC, _, err := mp.classify(oldPath)
	if err != nil {
		return err
	}
	newC, _, err := mp.classify(newPath)
	if err != nil {
		return err
	}
	if newC.Tag != classify.Creatable && newPath != oldPath {
		return xerrors.Errorf("xipfs: rename %s -> %s: %w", oldPath, newPath, flash.EEXIST)
	}

	switch oldC.Tag {
	case classify.ExistsAsFile:
		return fileop.Rename(mp.Store, oldC.Witness, newPath)
	case classify.ExistsAsEmptyDir, classify.ExistsAsNonemptyDir:
		from := oldPath
		if from != "/" {
			from += "/"
		}
		to := newPath
		if to != "/" {
			to += "/"
		}
		// Reject moving a directory into its own subtree: to is from
		// itself or a descendant path of from (spec.md §4.7/§8).
		if oldPath != newPath && len(to) >= len(from) && to[:len(from)] == from {
			return xerrors.Errorf("xipfs: rename %s -> %s: destination is inside source: %w", oldPath, newPath, flash.EINVAL)
		}
		_, err := mp.Store.RenamePrefix(from, to)
		return err
	default:
		return xerrors.Errorf("xipfs: rename %s: %w", oldPath, flash.EEMPTY)
	}
}

// Exec launches the executable record at path under mp's CPU backend,
// serialized against concurrent exec attempts by the mount's exec
// semaphore (spec.md §5).
func (mp *MountPoint) Exec(path string, argv [][]byte, syscalls xipexec.SyscallTable) (int32, error) {
	if err := mp.checkMagic(); err != nil {
		return 0, err
	}
	if !mp.exec.TryAcquire(1) {
		return 0, xerrors.Errorf("xipfs: exec %s: nested exec rejected: %w", path, flash.EPERM)
	}
	defer mp.exec.Release(1)

	if err := mp.acquireGlobal(); err != nil {
		return 0, err
	}
	c, _, err := mp.classify(path)
	mp.releaseGlobal()
	if err != nil {
		return 0, err
	}
	if c.Tag != classify.ExistsAsFile {
		return 0, xerrors.Errorf("xipfs: exec %s: %w", path, flash.EEMPTY)
	}
	return mp.Executor.Launch(c.Witness, argv, syscalls)
}
