package xipfs

import (
	"bytes"
	"encoding/binary"

	"github.com/2xs/xipfs/internal/descriptor"
)

// snapshot serializes the mount's current capacity summary into the fixed
// little-endian layout streamed by /.xipfs_infos: magic, page size, total
// pages, free pages, and record count.
func (mp *MountPoint) snapshot() []byte {
	all, err := mp.Store.All()
	recordCount := uint32(0)
	if err == nil {
		recordCount = uint32(len(all))
	}
	_, free, err := mp.Store.Tail()
	if err != nil {
		free = 0
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(mountMagic))
	binary.Write(&buf, binary.LittleEndian, uint32(mp.Dev.PageSize()))
	binary.Write(&buf, binary.LittleEndian, uint32(mp.Store.Pages))
	binary.Write(&buf, binary.LittleEndian, uint32(free))
	binary.Write(&buf, binary.LittleEndian, recordCount)
	return buf.Bytes()
}

// readInfos serves Read for the virtual /.xipfs_infos descriptor: a plain
// byte stream over the current snapshot, with no backing flash record.
func (mp *MountPoint) readInfos(fd descriptor.Handle, pos uint32, dst []byte) (int, error) {
	snap := mp.snapshot()
	if int(pos) >= len(snap) {
		return 0, nil
	}
	n := copy(dst, snap[pos:])
	if err := mp.Descs.SetPos(fd, pos+uint32(n)); err != nil {
		return n, err
	}
	return n, nil
}
