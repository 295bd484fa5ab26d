// Package xipfs implements the POSIX-flavored façade of spec.md §4.7: one
// mounted flash window exposes open/read/write/lseek/close, directory
// listing, stat, format, and program execution over the record store built
// up by the internal packages.
package xipfs

import (
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/2xs/xipfs/internal/classify"
	"github.com/2xs/xipfs/internal/descriptor"
	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/pagebuf"
	"github.com/2xs/xipfs/internal/record"
	"github.com/2xs/xipfs/internal/xipexec"
)

// mountMagic tags a live MountPoint so a stale or zero-valued pointer is
// rejected with EMAGIC rather than silently operating on garbage state,
// the same defensive role a C superblock magic plays.
const mountMagic = 0xf9d3b6cb

// MountPoint is one mounted flash window: the record store plus the
// process-wide state (descriptor table, locks) that the façade methods
// below serialize access through.
type MountPoint struct {
	Magic uint32
	Path  string

	Dev   flash.Device
	Buf   *pagebuf.Buffer
	Store *record.Store
	Descs *descriptor.Table

	// Executor runs executable records under the CPU backend passed to
	// Mount; the Exec façade method below is named for the POSIX verb, so
	// the field carries the longer name to avoid a name clash.
	Executor *xipexec.Executor

	// global serializes every façade entry point (spec.md §5); exec
	// additionally guards Exec so a nested exec attempt is rejected rather
	// than deadlocking.
	global *semaphore.Weighted
	exec   *semaphore.Weighted
}

// Format erases every page of the mount window, producing an empty store.
// It does not allocate a MountPoint; call Mount afterward.
func Format(dev flash.Device, pages int) error {
	if pages <= 0 || pages > dev.NumPages() {
		return xerrors.Errorf("xipfs: format: bad page count %d: %w", pages, flash.EPAGNUM)
	}
	base := flash.PageOf(dev, dev.Base())
	for p := 0; p < pages; p++ {
		if err := dev.ErasePage(base + p); err != nil {
			return xerrors.Errorf("xipfs: format: erase page %d: %w", p, err)
		}
	}
	return nil
}

// Mount validates the record chain in dev's first pages pages and, on
// success, returns a ready-to-use MountPoint. cpu is the CPU backend Exec
// launches binaries under (a *xipexec.SimCPU in tests and host tooling).
func Mount(path string, dev flash.Device, pages int, cpu xipexec.CPU) (*MountPoint, error) {
	if pages <= 0 || pages > dev.NumPages() {
		return nil, xerrors.Errorf("xipfs: mount: bad page count %d: %w", pages, flash.EPAGNUM)
	}

	buf := pagebuf.New(dev)
	store := record.New(dev, buf, dev.Base(), pages)

	tail, freePages, err := store.Tail()
	if err != nil {
		return nil, xerrors.Errorf("xipfs: mount: %w", err)
	}
	if err := verifyErasedPastTail(dev, store, tail, freePages); err != nil {
		return nil, err
	}

	mp := &MountPoint{
		Magic:  mountMagic,
		Path:   path,
		Dev:    dev,
		Buf:    buf,
		Store:  store,
		Descs:  descriptor.New(),
		global: semaphore.NewWeighted(1),
		exec:   semaphore.NewWeighted(1),
	}
	mp.Executor = &xipexec.Executor{Store: store, CPU: cpu}
	return mp, nil
}

// verifyErasedPastTail checks that every page beyond the tail record's
// reserved span still reads fully erased, catching a flash image whose
// declared chain ends earlier than the data actually written to it.
func verifyErasedPastTail(dev flash.Device, s *record.Store, tail *record.FileRecord, freePages int) error {
	if tail != nil && uintptr(tail.Next) == tail.Addr {
		return nil // full sentinel: no free pages to check
	}
	pageSize := dev.PageSize()
	var startAddr uintptr
	if tail == nil {
		startAddr = s.Head
	} else {
		startAddr = tail.Addr + uintptr(tail.Reserved)
	}
	startPage := flash.PageOf(dev, startAddr)
	buf := make([]byte, pageSize)
	for p := 0; p < freePages; p++ {
		if err := dev.ReadAt(buf, flash.PageStart(dev, startPage+p)); err != nil {
			return xerrors.Errorf("xipfs: mount: read trailing page %d: %w", startPage+p, err)
		}
		for _, b := range buf {
			if b != 0xFF {
				return xerrors.Errorf("xipfs: mount: trailing page %d not erased: %w", startPage+p, flash.ENVMC)
			}
		}
	}
	return nil
}

// Umount flushes any pending page-buffer contents, frees every descriptor
// belonging to mp's window, and invalidates mp so further use fails fast
// with EMAGIC.
func Umount(mp *MountPoint) error {
	if err := mp.checkMagic(); err != nil {
		return err
	}
	if err := mp.Buf.Flush(); err != nil {
		return xerrors.Errorf("xipfs: umount: flush: %w", err)
	}
	mp.Descs.UntrackAll(mp.Dev.Base(), mp.Store.Pages, mp.Dev.PageSize())
	mp.Magic = 0
	return nil
}

func (mp *MountPoint) checkMagic() error {
	if mp == nil || mp.Magic != mountMagic {
		return xerrors.Errorf("xipfs: stale or invalid mount point: %w", flash.EMAGIC)
	}
	return nil
}

func (mp *MountPoint) classify(path string) (*classify.Classification, []*record.FileRecord, error) {
	all, err := mp.Store.All()
	if err != nil {
		return nil, nil, xerrors.Errorf("xipfs: %w", err)
	}
	c, err := classify.Classify(all, path)
	if err != nil {
		return nil, all, err
	}
	return c, all, nil
}
