// Package record implements the on-flash singly-linked sequence of
// variable-length file records: traversal, structural validation, tail
// allocation, removal-plus-compaction, and bulk prefix rename.
package record

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/pagebuf"
)

const (
	// PathMax is the maximum length, including the null terminator, of a
	// record's path (spec.md §3).
	PathMax = 64
	// FSlotMax is the number of word-sized size-log slots per record.
	FSlotMax = 86

	// Field widths of the on-flash header, in declared order.
	nextSize     = 4
	reservedSize = 4
	execSize     = 4
	sizeLogSize  = FSlotMax * 4
	pathSize     = PathMax

	// HeaderSize is the number of bytes from a record's address to the
	// start of its payload.
	HeaderSize = nextSize + reservedSize + execSize + sizeLogSize + pathSize

	erasedWord = 0xFFFFFFFF
)

var pathCharset = func() [256]bool {
	var ok [256]bool
	mark := func(lo, hi byte) {
		for c := lo; c <= hi; c++ {
			ok[c] = true
		}
	}
	mark('0', '9')
	mark('A', 'Z')
	mark('a', 'z')
	ok['/'] = true
	ok['.'] = true
	ok['_'] = true
	ok['-'] = true
	return ok
}()

// FileRecord is the decoded, in-RAM view of one on-flash record.
type FileRecord struct {
	Addr     uintptr
	Next     uint32
	Reserved uint32
	Exec     bool
	SizeLog  [FSlotMax]uint32
	Path     string
}

// full reports whether this record is the tail-and-no-free-pages sentinel
// (next points at itself).
func (r *FileRecord) full() bool {
	return uintptr(r.Next) == r.Addr
}

// ValidPath reports whether p satisfies spec.md §3's path grammar: begins
// with '/', charset [0-9A-Za-z/._-], length (incl. NUL) within PathMax, and
// normalized (no "." or ".." components, no "//").
func ValidPath(p string) bool {
	if len(p) == 0 || len(p)+1 > PathMax {
		return false
	}
	if p[0] != '/' {
		return false
	}
	for i := 0; i < len(p); i++ {
		if !pathCharset[p[i]] {
			return false
		}
	}
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			comp := p[start:i]
			if comp == "." || comp == ".." {
				return false
			}
			if comp == "" && i != len(p) && i != 0 {
				return false // embedded "//"
			}
			start = i + 1
		}
	}
	return true
}

func encodePath(p string) [PathMax]byte {
	var out [PathMax]byte
	copy(out[:], p)
	out[len(p)] = 0
	return out
}

func decodePath(buf [PathMax]byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// encode serializes r's header (not its payload) in field-declaration
// order, native-endian words, ready to be written through the page buffer.
func (r *FileRecord) encode() []byte {
	out := make([]byte, HeaderSize)
	putU32(out[0:4], r.Next)
	putU32(out[4:8], r.Reserved)
	execWord := uint32(0)
	if r.Exec {
		execWord = 1
	}
	putU32(out[8:12], execWord)
	off := 12
	for i := 0; i < FSlotMax; i++ {
		putU32(out[off:off+4], r.SizeLog[i])
		off += 4
	}
	p := encodePath(r.Path)
	copy(out[off:off+PathMax], p[:])
	return out
}

func decodeHeader(addr uintptr, buf []byte) (*FileRecord, error) {
	if len(buf) < HeaderSize {
		return nil, xerrors.Errorf("record: short header (%d bytes)", len(buf))
	}
	r := &FileRecord{Addr: addr}
	r.Next = getU32(buf[0:4])
	r.Reserved = getU32(buf[4:8])
	r.Exec = getU32(buf[8:12]) == 1
	off := 12
	for i := 0; i < FSlotMax; i++ {
		r.SizeLog[i] = getU32(buf[off : off+4])
		off += 4
	}
	var pbuf [PathMax]byte
	copy(pbuf[:], buf[off:off+PathMax])
	r.Path = decodePath(pbuf)
	return r, nil
}

// nativeOrder is little-endian: every xipfs target (Cortex-M included) is
// little-endian, so this is the native word order rather than a protocol
// choice, matching infos.go's on-the-wire encoding.
var nativeOrder = binary.LittleEndian

func putU32(b []byte, v uint32) {
	nativeOrder.PutUint32(b, v)
}

func getU32(b []byte) uint32 {
	return nativeOrder.Uint32(b)
}

// readHeader loads the header of the record at addr through buf.
func readHeader(buf *pagebuf.Buffer, addr uintptr) (*FileRecord, error) {
	raw := make([]byte, HeaderSize)
	if err := buf.Read(raw, addr); err != nil {
		return nil, xerrors.Errorf("record: read header at %#x: %w", addr, err)
	}
	return decodeHeader(addr, raw)
}

// GetSize scans the size log left to right and returns the last
// non-erased slot's value, or 0 if slot 0 is erased (spec.md §4.4).
func (r *FileRecord) GetSize() uint32 {
	size := uint32(0)
	for i := 0; i < FSlotMax; i++ {
		if r.SizeLog[i] == erasedWord {
			break
		}
		size = r.SizeLog[i]
	}
	return size
}

// MaxPos returns the largest valid payload offset, exclusive.
func (r *FileRecord) MaxPos() uint32 {
	return r.Reserved - HeaderSize
}

// firstErasedSlot returns the index of the first erased slot, or -1 if the
// size log is exhausted.
func (r *FileRecord) firstErasedSlot() int {
	for i := 0; i < FSlotMax; i++ {
		if r.SizeLog[i] == erasedWord {
			return i
		}
	}
	return -1
}
