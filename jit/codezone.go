package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

// CodeBase is the emulated address of the first byte of a code zone.
const CodeBase uint64 = 0x0C00_0000_0000

// DefaultCodeZoneSize is the code zone size used when none is configured.
const DefaultCodeZoneSize = 4 << 20

// CodeZone is the executable memory native code is installed into. Code is
// allocated bump-style and freed all at once by Reset.
type CodeZone struct {
	mu     deadlock.Mutex
	mem    []byte
	used   int
	unmap  func() error
	closed bool
}

// NewCodeZone maps a code zone of size bytes.
func NewCodeZone(size int) (*CodeZone, error) {
	if size <= 0 {
		size = DefaultCodeZoneSize
	}
	mem, unmap, err := mapCode(size)
	if err != nil {
		return nil, fmt.Errorf("mapping code zone: %w", err)
	}
	log.Info("code zone mapped", "size", size)
	return &CodeZone{mem: mem, unmap: unmap}, nil
}

// Size returns the capacity of the zone.
func (z *CodeZone) Size() int {
	return len(z.mem)
}

// Used returns the number of allocated bytes.
func (z *CodeZone) Used() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.used
}

// Contains reports whether addr lies in the allocated part of the zone.
func (z *CodeZone) Contains(addr uint64) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return addr >= CodeBase && addr < CodeBase+uint64(z.used)
}

// allocate reserves n bytes aligned to 16 and returns their address.
func (z *CodeZone) allocate(n int) (uint64, []byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return 0, nil, ErrCodeZoneFull
	}
	start := align16(z.used)
	if start+n > len(z.mem) {
		return 0, nil, fmt.Errorf("%w: need %d bytes, %d free", ErrCodeZoneFull, n, len(z.mem)-start)
	}
	z.used = start + n
	return CodeBase + uint64(start), z.mem[start : start+n], nil
}

// Bytes returns size bytes of installed code at addr.
func (z *CodeZone) Bytes(addr uint64, size int) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if addr < CodeBase || addr+uint64(size) > CodeBase+uint64(z.used) {
		return nil, fmt.Errorf("%w: %#x", ErrNotCodeZone, addr)
	}
	off := addr - CodeBase
	return z.mem[off : off+uint64(size)], nil
}

// Fetch copies up to len(buf) bytes of code starting at addr.
func (z *CodeZone) Fetch(addr uint64, buf []byte) (int, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if addr < CodeBase || addr >= CodeBase+uint64(z.used) {
		return 0, false
	}
	return copy(buf, z.mem[addr-CodeBase:z.used]), true
}

// ReadWord reads a 64-bit word of the zone.
func (z *CodeZone) ReadWord(addr uint64) (uint64, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if addr < CodeBase || addr+8 > CodeBase+uint64(z.used) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(z.mem[addr-CodeBase:]), true
}

// Reset frees every installed function.
func (z *CodeZone) Reset() {
	z.mu.Lock()
	defer z.mu.Unlock()
	clear(z.mem[:z.used])
	z.used = 0
}

// Close unmaps the zone.
func (z *CodeZone) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return nil
	}
	z.closed = true
	z.used = 0
	if z.unmap != nil {
		return z.unmap()
	}
	return nil
}

// Installed is code placed in a zone.
type Installed struct {
	Address      uint64
	Size         int
	ConstantBase uint64
}

// Install copies code into the zone and resolves its relocations.
func (z *CodeZone) Install(code *Code) (Installed, error) {
	addr, mem, err := z.allocate(code.Size())
	if err != nil {
		return Installed{}, err
	}
	copy(mem, code.Text)
	constOffset := align16(len(code.Text))
	for i := len(code.Text); i < constOffset; i++ {
		mem[i] = 0xCC
	}
	for i, c := range code.Constants {
		binary.LittleEndian.PutUint64(mem[constOffset+8*i:], c)
	}

	constBase := addr + uint64(constOffset)
	for _, r := range code.Relocations {
		site := addr + uint64(r.Offset)
		value := int64(constBase) + r.Value - int64(site) + r.Addend
		switch r.Kind {
		case RelocRelative32:
			if value < -1<<31 || value >= 1<<31 {
				return Installed{}, fmt.Errorf("%w: %d at %#x", ErrInvalidReloc, value, site)
			}
			binary.LittleEndian.PutUint32(mem[r.Offset:], uint32(int32(value)))
		default:
			return Installed{}, fmt.Errorf("%w: kind %d", ErrInvalidReloc, r.Kind)
		}
	}

	log.Debug("installed native code",
		"function", code.Name,
		"address", fmt.Sprintf("%#x", addr),
		"size", len(mem))
	return Installed{Address: addr, Size: len(mem), ConstantBase: constBase}, nil
}
