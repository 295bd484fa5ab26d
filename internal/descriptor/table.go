// Package descriptor implements the process-wide table of open file and
// directory descriptors (spec.md §4.5): fixed capacity, free-slot tracking,
// and pointer fix-up after compaction.
package descriptor

import "golang.org/x/xerrors"

// MaxOpenDesc is the process-wide descriptor table capacity (spec.md §3).
const MaxOpenDesc = 16

// Kind distinguishes file from directory descriptors.
type Kind int

const (
	Free Kind = iota
	File
	Dir
)

// Handle is an opaque index into the descriptor table; the façade hands
// these out to callers as fd/dirp values.
type Handle int

// InfosSentinel is the record address used by the virtual .xipfs_infos
// descriptor, which carries no real flash record and is therefore skipped
// by range checks in UntrackAll/Patch.
const InfosSentinel = ^uintptr(0)

type slot struct {
	kind Kind

	// File descriptors.
	recordAddr uintptr
	pos        uint32
	flags      int

	// Directory descriptors: recordAddr doubles as the traversal cursor
	// (0 meaning "not yet started"); dirPrefix is the directory path.
	dirPrefix string

	mountBase  uintptr
	mountPages int
}

// Table is the process-global descriptor table.
type Table struct {
	slots [MaxOpenDesc]slot
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// TrackFile allocates a slot for a newly opened file descriptor.
func (t *Table) TrackFile(mountBase uintptr, mountPages int, recordAddr uintptr, flags int) (Handle, error) {
	for i := range t.slots {
		if t.slots[i].kind == Free {
			t.slots[i] = slot{
				kind:       File,
				recordAddr: recordAddr,
				flags:      flags,
				mountBase:  mountBase,
				mountPages: mountPages,
			}
			return Handle(i), nil
		}
	}
	return -1, xerrors.Errorf("descriptor: table full")
}

// TrackDir allocates a slot for a newly opened directory descriptor.
func (t *Table) TrackDir(mountBase uintptr, mountPages int, dirPrefix string) (Handle, error) {
	for i := range t.slots {
		if t.slots[i].kind == Free {
			t.slots[i] = slot{
				kind:       Dir,
				dirPrefix:  dirPrefix,
				mountBase:  mountBase,
				mountPages: mountPages,
			}
			return Handle(i), nil
		}
	}
	return -1, xerrors.Errorf("descriptor: table full")
}

// Untrack frees h.
func (t *Table) Untrack(h Handle) error {
	if !t.valid(h) {
		return xerrors.Errorf("descriptor: invalid handle %d", h)
	}
	t.slots[h] = slot{}
	return nil
}

func (t *Table) valid(h Handle) bool {
	return h >= 0 && int(h) < len(t.slots) && t.slots[h].kind != Free
}

// Get returns a copy of h's slot state.
func (t *Table) Get(h Handle) (kind Kind, recordAddr uintptr, pos uint32, flags int, dirPrefix string, err error) {
	if !t.valid(h) {
		return Free, 0, 0, 0, "", xerrors.Errorf("descriptor: invalid handle %d", h)
	}
	s := t.slots[h]
	return s.kind, s.recordAddr, s.pos, s.flags, s.dirPrefix, nil
}

// SetPos updates a file descriptor's current position.
func (t *Table) SetPos(h Handle, pos uint32) error {
	if !t.valid(h) || t.slots[h].kind != File {
		return xerrors.Errorf("descriptor: invalid file handle %d", h)
	}
	t.slots[h].pos = pos
	return nil
}

// SetCursor updates a directory descriptor's traversal cursor.
func (t *Table) SetCursor(h Handle, addr uintptr) error {
	if !t.valid(h) || t.slots[h].kind != Dir {
		return xerrors.Errorf("descriptor: invalid dir handle %d", h)
	}
	t.slots[h].recordAddr = addr
	return nil
}

// UntrackAll frees every descriptor belonging to the mount window
// [base, base+pages*pageSize), used on umount/format.
func (t *Table) UntrackAll(base uintptr, pages, pageSize int) {
	end := base + uintptr(pages*pageSize)
	for i := range t.slots {
		s := &t.slots[i]
		if s.kind == Free {
			continue
		}
		if s.kind == File && s.recordAddr == InfosSentinel {
			continue
		}
		if s.mountBase == base || (s.recordAddr >= base && s.recordAddr < end) {
			*s = slot{}
		}
	}
}

// Patch rewrites every open file descriptor whose record pointer lies at
// or after removed: equal to removed means the record itself vanished (the
// descriptor is freed); anything after is shifted down by reserved bytes,
// exactly as spec.md §4.3 step 4 and §4.5 specify.
func (t *Table) Patch(removed uintptr, reserved uint32) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.kind != File || s.recordAddr == InfosSentinel {
			continue
		}
		switch {
		case s.recordAddr == removed:
			*s = slot{}
		case s.recordAddr > removed:
			s.recordAddr -= uintptr(reserved)
		}
	}
}
