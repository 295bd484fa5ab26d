// Package pagebuf implements the single-page read-modify-write staging
// buffer all flash mutation in this module routes through. At most one
// page is held in RAM at a time; writes to that page are coalesced and
// only committed to flash on Flush, mirroring squashfs's blockReader
// staging a single decoded metadata block at a time.
package pagebuf

import (
	"bytes"

	"github.com/2xs/xipfs/internal/flash"
	"golang.org/x/xerrors"
)

type state int

const (
	clean state = iota
	loaded
)

// Buffer is the process-global single-slot page cache. It is safe for use
// only while the caller already holds the mount's global lock (spec.md §5).
type Buffer struct {
	dev   flash.Device
	st    state
	page  int
	data  []byte
	clean []byte // snapshot of flash contents at load time, for dirty check
}

// New allocates a Buffer sized to dev's page size.
func New(dev flash.Device) *Buffer {
	return &Buffer{
		dev:  dev,
		data: make([]byte, dev.PageSize()),
	}
}

func (b *Buffer) ensureLoaded(pageNum int) error {
	if b.st == loaded && b.page == pageNum {
		return nil
	}
	if b.st == loaded {
		if err := b.Flush(); err != nil {
			return xerrors.Errorf("pagebuf: flush before load: %w", err)
		}
	}
	addr := flash.PageStart(b.dev, pageNum)
	if err := b.dev.ReadAt(b.data, addr); err != nil {
		return xerrors.Errorf("pagebuf: load page %d: %w", pageNum, err)
	}
	b.clean = append([]byte(nil), b.data...)
	b.page = pageNum
	b.st = loaded
	return nil
}

// Read copies n bytes starting at the absolute flash address src into dest,
// loading (and, if necessary, first flushing) pages as the read crosses
// page boundaries.
func (b *Buffer) Read(dest []byte, src uintptr) error {
	n := len(dest)
	for i := 0; i < n; {
		page := flash.PageOf(b.dev, src+uintptr(i))
		if err := b.ensureLoaded(page); err != nil {
			return err
		}
		off := int(src+uintptr(i)-flash.PageStart(b.dev, page))
		chunk := b.dev.PageSize() - off
		if chunk > n-i {
			chunk = n - i
		}
		copy(dest[i:i+chunk], b.data[off:off+chunk])
		i += chunk
	}
	return nil
}

// Write copies src into the buffer at the absolute flash address dst,
// loading pages as needed. It does not program flash; call Flush to
// commit.
func (b *Buffer) Write(dst uintptr, src []byte) error {
	n := len(src)
	for i := 0; i < n; {
		page := flash.PageOf(b.dev, dst+uintptr(i))
		if err := b.ensureLoaded(page); err != nil {
			return err
		}
		off := int(dst+uintptr(i)-flash.PageStart(b.dev, page))
		chunk := b.dev.PageSize() - off
		if chunk > n-i {
			chunk = n - i
		}
		copy(b.data[off:off+chunk], src[i:i+chunk])
		i += chunk
	}
	return nil
}

// Flush commits the currently loaded page to flash if its contents differ
// from what's already there (erase+program), then marks the buffer clean.
// This is the central crash-consistency boundary: callers must invoke it
// at every externally-visible commit point (spec.md §4.2).
func (b *Buffer) Flush() error {
	if b.st != loaded {
		return nil
	}
	if bytes.Equal(b.data, b.clean) {
		b.st = clean
		return nil
	}
	if err := flash.ErasePage(b.dev, b.page); err != nil {
		return xerrors.Errorf("pagebuf: flush erase page %d: %w", b.page, err)
	}
	if err := flash.ProgramWordAligned(b.dev, flash.PageStart(b.dev, b.page), b.data); err != nil {
		return xerrors.Errorf("pagebuf: flush program page %d: %w", b.page, err)
	}
	b.clean = append(b.clean[:0], b.data...)
	b.st = clean
	return nil
}
