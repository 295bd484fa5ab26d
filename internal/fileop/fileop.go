// Package fileop implements the per-record file operations of spec.md
// §4.4: size-log read/append, byte-granular bounds-checked read/write
// through the page buffer, and path rename.
package fileop

import (
	"golang.org/x/xerrors"

	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/record"
)

// GetSize returns r's current committed file size.
func GetSize(r *record.FileRecord) uint32 {
	return r.GetSize()
}

// SetSize appends s to r's size log and flushes, per spec.md §4.4. It is
// the caller's job (the façade, at write/close commit points) to decide
// when a size update is externally visible.
func SetSize(s *record.Store, r *record.FileRecord, size uint32) error {
	idx := -1
	for i := 0; i < record.FSlotMax; i++ {
		if r.SizeLog[i] == 0xFFFFFFFF {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Size log exhausted: the record must be recreated by its caller
		// before another size update can be committed (spec.md §9).
		return xerrors.Errorf("fileop: size log exhausted at %#x: %w", r.Addr, flash.ENVMC)
	}
	r.SizeLog[idx] = size
	if err := s.WriteHeader(r); err != nil {
		return xerrors.Errorf("fileop: set size: %w", err)
	}
	return nil
}

// MaxPos returns the largest valid payload offset for r, exclusive.
func MaxPos(r *record.FileRecord) uint32 {
	return r.MaxPos()
}

// ReadByte reads one payload byte at pos, bounds-checked against MaxPos.
func ReadByte(s *record.Store, r *record.FileRecord, pos uint32) (byte, error) {
	if pos >= r.MaxPos() {
		return 0, xerrors.Errorf("fileop: read pos %d >= max %d: %w", pos, r.MaxPos(), flash.EMAXOFF)
	}
	var b [1]byte
	if err := s.Buf.Read(b[:], r.Addr+uintptr(record.HeaderSize)+uintptr(pos)); err != nil {
		return 0, xerrors.Errorf("fileop: read byte: %w", err)
	}
	return b[0], nil
}

// WriteByte writes one payload byte at pos through the page buffer,
// bounds-checked against MaxPos. Does not flush; callers flush at their
// own commit boundary.
func WriteByte(s *record.Store, r *record.FileRecord, pos uint32, b byte) error {
	if pos >= r.MaxPos() {
		return xerrors.Errorf("fileop: write pos %d >= max %d: %w", pos, r.MaxPos(), flash.EMAXOFF)
	}
	if err := s.Buf.Write(r.Addr+uintptr(record.HeaderSize)+uintptr(pos), []byte{b}); err != nil {
		return xerrors.Errorf("fileop: write byte: %w", err)
	}
	return nil
}

// Rename validates new_path's charset and rewrites r's path field through
// the page buffer (spec.md §4.4). Because the record's whole page is
// rewritten via the buffer's erase+program cycle, this is crash-unsafe
// only during the single page program that follows.
func Rename(s *record.Store, r *record.FileRecord, newPath string) error {
	if !record.ValidPath(newPath) {
		return xerrors.Errorf("fileop: invalid new path %q: %w", newPath, flash.EINVAL)
	}
	r.Path = newPath
	if err := s.WriteHeader(r); err != nil {
		return xerrors.Errorf("fileop: rename: %w", err)
	}
	return nil
}

// SetExec sets r's exec bit and commits it.
func SetExec(s *record.Store, r *record.FileRecord, exec bool) error {
	r.Exec = exec
	if err := s.WriteHeader(r); err != nil {
		return xerrors.Errorf("fileop: set exec: %w", err)
	}
	return nil
}
