package record

import (
	"golang.org/x/xerrors"

	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/pagebuf"
)

// Store is the linked list of file records living in one mount's flash
// window.
type Store struct {
	Dev   flash.Device
	Buf   *pagebuf.Buffer
	Head  uintptr
	Pages int // total pages in the mount window
}

func New(dev flash.Device, buf *pagebuf.Buffer, headAddr uintptr, pages int) *Store {
	return &Store{Dev: dev, Buf: buf, Head: headAddr, Pages: pages}
}

func (s *Store) pageSize() int { return s.Dev.PageSize() }

// isAllErasedHeader reports whether the header region at addr is entirely in
// the erased state, which signals "no records at all" at the head.
func (s *Store) isAllErasedHeader(addr uintptr) (bool, error) {
	raw := make([]byte, HeaderSize)
	if err := s.Buf.Read(raw, addr); err != nil {
		return false, err
	}
	for _, b := range raw {
		if b != 0xFF {
			return false, nil
		}
	}
	return true, nil
}

// HeadRecord returns the first record, or nil if the store is empty.
func (s *Store) HeadRecord() (*FileRecord, error) {
	erased, err := s.isAllErasedHeader(s.Head)
	if err != nil {
		return nil, xerrors.Errorf("record: head probe: %w", err)
	}
	if erased {
		return nil, nil
	}
	r, err := readHeader(s.Buf, s.Head)
	if err != nil {
		return nil, err
	}
	if err := s.validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Next returns the record following r, or nil if r is the last record
// (full sentinel, or the following header reads erased).
func (s *Store) Next(r *FileRecord) (*FileRecord, error) {
	if r.full() {
		return nil, nil
	}
	nextAddr := uintptr(r.Next)
	erased, err := s.isAllErasedHeader(nextAddr)
	if err != nil {
		return nil, xerrors.Errorf("record: next probe at %#x: %w", nextAddr, err)
	}
	if erased {
		return nil, nil
	}
	n, err := readHeader(s.Buf, nextAddr)
	if err != nil {
		return nil, err
	}
	if err := s.validate(n); err != nil {
		return nil, err
	}
	return n, nil
}

// validate enforces spec.md's invariant 1 (linked-list integrity) and
// invariant 3 (alignment) on a freshly-read record.
func (s *Store) validate(r *FileRecord) error {
	ps := uintptr(s.pageSize())
	if r.Addr%ps != 0 {
		return xerrors.Errorf("record: %#x not page-aligned: %w", r.Addr, flash.EALIGN)
	}
	if r.Reserved == 0 || uintptr(r.Reserved)%ps != 0 {
		return xerrors.Errorf("record: reserved %d not a positive page multiple: %w", r.Reserved, flash.EALIGN)
	}
	if !r.full() && uintptr(r.Next) != r.Addr+uintptr(r.Reserved) {
		return xerrors.Errorf("record: broken link at %#x: %w", r.Addr, flash.ELINK)
	}
	if !ValidPath(r.Path) {
		return xerrors.Errorf("record: invalid path %q: %w", r.Path, flash.EINVAL)
	}
	return nil
}

// All returns every record in address order, validating the full chain.
func (s *Store) All() ([]*FileRecord, error) {
	var out []*FileRecord
	r, err := s.HeadRecord()
	if err != nil {
		return nil, err
	}
	for r != nil {
		out = append(out, r)
		r, err = s.Next(r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Tail returns the last record and its free-page count (pages in the
// window not yet claimed by any record's reserved span), or (nil, total
// pages, nil) if the store is empty.
func (s *Store) Tail() (tail *FileRecord, freePages int, err error) {
	all, err := s.All()
	if err != nil {
		return nil, 0, err
	}
	if len(all) == 0 {
		return nil, s.Pages, nil
	}
	last := all[len(all)-1]
	used := uintptr(0)
	for _, r := range all {
		used += uintptr(r.Reserved)
	}
	freePages = s.Pages - int(used)/s.pageSize()
	return last, freePages, nil
}

// roundUpPages rounds n up to a positive multiple of the page size.
func (s *Store) roundUpPages(n uint32) uint32 {
	ps := uint32(s.pageSize())
	if n == 0 {
		return ps
	}
	return ((n + ps - 1) / ps) * ps
}

// NewRecord allocates a new record at the tail for path, sized to hold
// payloadSize bytes, flagged exec as requested. Returns flash.ENOSPACE if
// the mount window has no room (spec.md §4.3).
func (s *Store) NewRecord(path string, payloadSize uint32, exec bool) (*FileRecord, error) {
	if !ValidPath(path) {
		return nil, xerrors.Errorf("record: invalid path %q: %w", path, flash.EINVAL)
	}
	reserved := s.roundUpPages(HeaderSize + payloadSize)
	tail, freePages, err := s.Tail()
	if err != nil {
		return nil, err
	}
	reservedPages := int(reserved) / s.pageSize()

	var newAddr uintptr
	if tail == nil {
		newAddr = s.Head
	} else {
		newAddr = tail.Addr + uintptr(tail.Reserved)
	}

	if reservedPages > freePages {
		return nil, xerrors.Errorf("record: no space for %d pages (have %d): %w", reservedPages, freePages, flash.ENOSPACE)
	}

	nr := &FileRecord{Addr: newAddr, Reserved: reserved, Exec: exec, Path: path}
	for i := range nr.SizeLog {
		nr.SizeLog[i] = erasedWord
	}
	if reservedPages == freePages {
		nr.Next = uint32(newAddr) // full sentinel
	} else {
		nr.Next = uint32(newAddr + uintptr(reserved))
	}

	if err := s.Buf.Write(newAddr, nr.encode()); err != nil {
		return nil, xerrors.Errorf("record: write new record: %w", err)
	}
	if err := s.Buf.Flush(); err != nil {
		return nil, xerrors.Errorf("record: flush new record: %w", err)
	}

	// The previous tail's next field already points at newAddr (that span
	// was erased), so repointing it to the concrete, now-populated address
	// is a no-op write -- except when the previous tail itself was the full
	// sentinel, which NewRecord's own no-space check above already ruled
	// out whenever there was room for this allocation.
	if tail != nil {
		tail.Next = uint32(newAddr)
		if err := s.Buf.Write(tail.Addr, tail.encode()); err != nil {
			return nil, xerrors.Errorf("record: repoint tail: %w", err)
		}
		if err := s.Buf.Flush(); err != nil {
			return nil, xerrors.Errorf("record: flush repointed tail: %w", err)
		}
	}

	return nr, nil
}

// WriteHeader persists r's current in-RAM header fields (size log, path,
// exec bit, next pointer) back through the page buffer and flushes.
func (s *Store) WriteHeader(r *FileRecord) error {
	if err := s.Buf.Write(r.Addr, r.encode()); err != nil {
		return xerrors.Errorf("record: write header at %#x: %w", r.Addr, err)
	}
	return s.Buf.Flush()
}

// DescriptorPatcher receives compaction notifications so the descriptor
// table can rewrite or invalidate open handles, per spec.md §4.3 step 4.
type DescriptorPatcher interface {
	Patch(removed uintptr, reserved uint32)
}

// Remove erases victim's pages and shifts every following record down by
// victim.Reserved bytes, then invokes patch to fix up open descriptors.
// This is spec.md §4.3's "removal and compaction".
func (s *Store) Remove(victim *FileRecord, patch DescriptorPatcher) error {
	all, err := s.All()
	if err != nil {
		return err
	}
	idx := -1
	for i, r := range all {
		if r.Addr == victim.Addr {
			idx = i
			break
		}
	}
	if idx == -1 {
		return xerrors.Errorf("record: remove: %#x not found: %w", victim.Addr, flash.ENULLF)
	}

	if err := s.Buf.Flush(); err != nil {
		return xerrors.Errorf("record: remove: pre-flush: %w", err)
	}
	victimPages := int(victim.Reserved) / s.pageSize()
	for p := 0; p < victimPages; p++ {
		if err := flash.ErasePage(s.Dev, flash.PageOf(s.Dev, victim.Addr)+p); err != nil {
			return xerrors.Errorf("record: remove: erase victim page %d: %w", p, err)
		}
	}

	shift := uintptr(victim.Reserved)
	following := all[idx+1:]
	for _, rec := range following {
		dstAddr := rec.Addr - shift

		var newNext uint32
		if rec.full() {
			newNext = uint32(dstAddr)
		} else {
			newNext = uint32(uintptr(rec.Next) - shift)
		}
		shifted := *rec
		shifted.Addr = dstAddr
		shifted.Next = newNext

		// Header first, via unaligned write (it may land mid-page if a
		// prior record in this loop already shifted pages underneath it --
		// in practice dstAddr is always page-aligned because every
		// record's reserved span is a whole number of pages).
		if err := flash.WriteUnaligned(s.Dev, dstAddr, shifted.encode()); err != nil {
			return xerrors.Errorf("record: remove: shift header: %w", err)
		}

		srcPages := int(rec.Reserved) / s.pageSize()
		dstPage0 := flash.PageOf(s.Dev, dstAddr)
		srcPage0 := flash.PageOf(s.Dev, rec.Addr)

		// Copy the remainder of the record's first page (the payload bytes
		// after the header), then erase the source first page.
		firstPageRemainder := s.pageSize() - HeaderSize
		if firstPageRemainder > 0 {
			buf := make([]byte, firstPageRemainder)
			if err := s.Dev.ReadAt(buf, rec.Addr+HeaderSize); err != nil {
				return xerrors.Errorf("record: remove: read first-page remainder: %w", err)
			}
			if err := flash.WriteUnaligned(s.Dev, dstAddr+HeaderSize, buf); err != nil {
				return xerrors.Errorf("record: remove: write first-page remainder: %w", err)
			}
		}
		if err := flash.ErasePage(s.Dev, srcPage0); err != nil {
			return xerrors.Errorf("record: remove: erase shifted source page: %w", err)
		}

		for p := 1; p < srcPages; p++ {
			srcPage := srcPage0 + p
			dstPage := dstPage0 + p
			pageBuf := make([]byte, s.pageSize())
			if err := s.Dev.ReadAt(pageBuf, flash.PageStart(s.Dev, srcPage)); err != nil {
				return xerrors.Errorf("record: remove: read page %d: %w", srcPage, err)
			}
			if isAllErased(pageBuf) {
				continue // nothing to move, save a write cycle
			}
			if err := flash.WriteUnaligned(s.Dev, flash.PageStart(s.Dev, dstPage), pageBuf); err != nil {
				return xerrors.Errorf("record: remove: write page %d: %w", dstPage, err)
			}
			if err := flash.ErasePage(s.Dev, srcPage); err != nil {
				return xerrors.Errorf("record: remove: erase source page %d: %w", srcPage, err)
			}
		}
	}

	if patch != nil {
		patch.Patch(victim.Addr, victim.Reserved)
	}
	return nil
}

func isAllErased(b []byte) bool {
	for _, x := range b {
		if x != 0xFF {
			return false
		}
	}
	return true
}

// RenamePrefix renames every record whose path starts with from to
// to+suffix, truncating at PathMax-1 bytes. Returns the count renamed
// (spec.md §4.3).
func (s *Store) RenamePrefix(from, to string) (int, error) {
	all, err := s.All()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range all {
		if len(r.Path) < len(from) || r.Path[:len(from)] != from {
			continue
		}
		newPath := to + r.Path[len(from):]
		if len(newPath) > PathMax-1 {
			newPath = newPath[:PathMax-1]
		}
		r.Path = newPath
		if err := s.WriteHeader(r); err != nil {
			return count, xerrors.Errorf("record: rename prefix %#x: %w", r.Addr, err)
		}
		count++
	}
	return count, nil
}
