package flash

import "golang.org/x/xerrors"

// MemDevice is an in-RAM Device simulating NOR semantics: ProgramAligned
// ANDs the incoming buffer against existing content (bits only ever
// clear), and ErasePage resets a page to all-0xFF. It is the reference
// Device used by this module's own tests and by property tests of the
// layers above it.
type MemDevice struct {
	base     uintptr
	pageSize int
	numPages int
	wbSize   int
	data     []byte
}

// NewMemDevice allocates a fully-erased (0xFF) simulated flash window.
func NewMemDevice(base uintptr, pageSize, numPages, writeBlockSize int) *MemDevice {
	d := &MemDevice{
		base:     base,
		pageSize: pageSize,
		numPages: numPages,
		wbSize:   writeBlockSize,
		data:     make([]byte, pageSize*numPages),
	}
	for i := range d.data {
		d.data[i] = 0xFF
	}
	return d
}

func (d *MemDevice) Base() uintptr       { return d.base }
func (d *MemDevice) PageSize() int       { return d.pageSize }
func (d *MemDevice) NumPages() int       { return d.numPages }
func (d *MemDevice) WriteBlockSize() int { return d.wbSize }

func (d *MemDevice) offset(addr uintptr) (int, error) {
	if addr < d.base || addr >= d.base+uintptr(len(d.data)) {
		return 0, xerrors.Errorf("memdevice: address out of range")
	}
	return int(addr - d.base), nil
}

func (d *MemDevice) ReadAt(dst []byte, addr uintptr) error {
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if off+len(dst) > len(d.data) {
		return xerrors.Errorf("memdevice: read out of range")
	}
	copy(dst, d.data[off:off+len(dst)])
	return nil
}

func (d *MemDevice) ErasePage(pageNum int) error {
	if pageNum < 0 || pageNum >= d.numPages {
		return xerrors.Errorf("memdevice: page %d out of range", pageNum)
	}
	start := pageNum * d.pageSize
	for i := start; i < start+d.pageSize; i++ {
		d.data[i] = 0xFF
	}
	return nil
}

func (d *MemDevice) ProgramAligned(addr uintptr, buf []byte) error {
	off, err := d.offset(addr)
	if err != nil {
		return err
	}
	if off+len(buf) > len(d.data) {
		return xerrors.Errorf("memdevice: program out of range")
	}
	for i, b := range buf {
		// NOR hardware semantics: a program operation can only clear bits.
		d.data[off+i] &= b
	}
	return nil
}
