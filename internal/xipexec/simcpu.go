package xipexec

import (
	"encoding/binary"
	"sync"

	"golang.org/x/xerrors"
)

// BinaryMagic identifies a payload as a registered-program binary
// recognized by SimCPU.
const BinaryMagic = 0x58495042 // "XIPB"

// Program is the Go-hosted stand-in for a position-independent binary's
// entry point: the part of the system that would, on a real target, be
// machine code living in the record's payload.
type Program func(argv [][]byte, sys SyscallTable) int32

// Registry maps a binary's embedded programID to its Program, the
// "interpreter boundary" the Design Notes call for on non-embedded
// targets: SimCPU looks up the binary header's programID here instead of
// branching into flash-hosted machine code.
type Registry struct {
	mu    sync.RWMutex
	progs map[uint32]Program
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{progs: make(map[uint32]Program)}
}

// Register associates id with prog.
func (r *Registry) Register(id uint32, prog Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progs[id] = prog
}

func (r *Registry) lookup(id uint32) (Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.progs[id]
	return p, ok
}

// DecodeHeader reads a payload's {magic, programID} header, which is the
// minimal binary format SimCPU understands (spec.md's binaries are
// position-independent flash blobs, not ELF, so there is no richer format
// to parse here).
func DecodeHeader(payload []byte) (programID uint32, ok bool) {
	if len(payload) < 8 {
		return 0, false
	}
	magic := binary.LittleEndian.Uint32(payload[0:4])
	if magic != BinaryMagic {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload[4:8]), true
}

// EncodeHeader is the inverse of DecodeHeader, used by host tooling and
// tests to construct a binary payload.
func EncodeHeader(programID uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], BinaryMagic)
	binary.LittleEndian.PutUint32(buf[4:8], programID)
	return buf
}

// SimCPU is a host-side CPU that interprets a registered Program instead
// of branching into real machine code. Launch stores the record's payload
// in Payload before calling Jump (see executor.go); Jump decodes the
// payload's header and runs the Program registered under its programID.
type SimCPU struct {
	Registry *Registry

	// Payload is set by Launch immediately before each Jump call so SimCPU
	// can decode the header; it is not part of the CPU interface because a
	// real target's Jump needs no such side channel (it branches directly).
	Payload []byte

	regionsConfigured bool
}

func (c *SimCPU) Jump(entry uintptr, stackTop uintptr, ctx *Context) (int32, error) {
	id, ok := DecodeHeader(c.Payload)
	if !ok {
		return 0, ErrNotExecutable
	}
	prog, ok := c.Registry.lookup(id)
	if !ok {
		return 0, xerrors.Errorf("xipexec: no program registered for id %#x: %w", id, ErrNotExecutable)
	}
	argv := make([][]byte, ctx.Argc)
	copy(argv, ctx.Argv[:ctx.Argc])
	return prog(argv, ctx.Syscall), nil
}

func (c *SimCPU) ConfigureRegions(regions []Region) error {
	c.regionsConfigured = true
	return nil
}

func (c *SimCPU) DisableRegions() error {
	c.regionsConfigured = false
	return nil
}
