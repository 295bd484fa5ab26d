package flash

import "bytes"

// InFlash reports whether addr lies within dev's mount window.
//
// Open question (spec.md §9): when Base() == 0 the lower-bound check is
// elided, admitting any low address as "in flash". This is intentional —
// the check is a sanity guard against obviously-wrong pointers, not a
// security boundary, and callers remain responsible for only ever handing
// this package addresses that actually map their mount's NVM window.
func InFlash(dev Device, addr uintptr) bool {
	end := dev.Base() + uintptr(dev.NumPages()*dev.PageSize())
	if dev.Base() != 0 && addr < dev.Base() {
		return false
	}
	return addr < end
}

// PageOf returns the page index containing addr.
func PageOf(dev Device, addr uintptr) int {
	return int((addr - dev.Base()) / uintptr(dev.PageSize()))
}

// PageStart returns the absolute address of the first byte of page pageNum.
func PageStart(dev Device, pageNum int) uintptr {
	return dev.Base() + uintptr(pageNum*dev.PageSize())
}

// ErasePage erases page pageNum, first checking whether it is already in
// the erased state to save a write cycle, and verifying the result.
func ErasePage(dev Device, pageNum int) error {
	if pageNum < 0 || pageNum >= dev.NumPages() {
		return wrap("erase", EPAGNUM)
	}
	buf := make([]byte, dev.PageSize())
	if err := dev.ReadAt(buf, PageStart(dev, pageNum)); err != nil {
		return wrap("erase: read-before-verify", err)
	}
	if isErased(buf) {
		return nil
	}
	if err := dev.ErasePage(pageNum); err != nil {
		return wrap("erase: driver", err)
	}
	if err := dev.ReadAt(buf, PageStart(dev, pageNum)); err != nil {
		return wrap("erase: read-after-verify", err)
	}
	if !isErased(buf) {
		return wrap("erase: verify", ENVMC)
	}
	return nil
}

func isErased(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// ProgramWordAligned programs buf at addr, both of which must be
// WriteBlockSize()-aligned, and verifies the result by read-back.
func ProgramWordAligned(dev Device, addr uintptr, buf []byte) error {
	wb := dev.WriteBlockSize()
	if int(addr)%wb != 0 || len(buf)%wb != 0 {
		return wrap("program", EALIGN)
	}
	if !InFlash(dev, addr) || !InFlash(dev, addr+uintptr(len(buf))-1) {
		return wrap("program", EOUTNVM)
	}
	if err := dev.ProgramAligned(addr, buf); err != nil {
		return wrap("program: driver", err)
	}
	got := make([]byte, len(buf))
	if err := dev.ReadAt(got, addr); err != nil {
		return wrap("program: read-after-verify", err)
	}
	if !bytes.Equal(got, buf) {
		return wrap("program: verify", ENVMC)
	}
	return nil
}

// WriteUnaligned writes the n bytes of src to dst, which need not be
// write-block aligned, by reading the enclosing aligned write block from
// flash, replacing the target bytes in that copy with the new bytes,
// programming the block back, and verifying readback. NOR can only
// clear bits, never set them, so this fails if any target bit would need
// to go from 0 to 1.
func WriteUnaligned(dev Device, dst uintptr, src []byte) error {
	wb := dev.WriteBlockSize()
	for i := 0; i < len(src); {
		blockAddr := dst + uintptr(i)
		blockStart := blockAddr - (blockAddr % uintptr(wb))
		block := make([]byte, wb)
		if err := dev.ReadAt(block, blockStart); err != nil {
			return wrap("write_unaligned: read", err)
		}
		for int(blockAddr-blockStart) < wb && i < len(src) {
			off := int(blockAddr - blockStart)
			// Untouched bytes in the block keep their current (just-read)
			// value; the target byte is replaced outright. The device's
			// ProgramAligned is expected to AND this against what is
			// already in flash (bits can only clear 1->0 on real NOR), so
			// the read-after-verify below is what actually catches an
			// attempt to set a bit that a prior erase never cleared.
			block[off] = src[i]
			i++
			blockAddr++
		}
		if err := dev.ProgramAligned(blockStart, block); err != nil {
			return wrap("write_unaligned: program", err)
		}
		got := make([]byte, wb)
		if err := dev.ReadAt(got, blockStart); err != nil {
			return wrap("write_unaligned: verify read", err)
		}
		if !bytes.Equal(got, block) {
			return wrap("write_unaligned: verify", ENVMC)
		}
	}
	return nil
}
