package jit

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Trampoline layout: endbr64; movabs rax, target; jmp rax; int3 padding.
const (
	TrampolineSize         = 16
	trampolineTargetOffset = 6
)

var trampolinePrefix = []byte{0xF3, 0x0F, 0x1E, 0xFA, 0x48, 0xB8}

// EncodeTrampoline returns a trampoline jumping to target.
func EncodeTrampoline(target uint64) []byte {
	var e Emitter
	e.EndBr64()
	e.MovAbsolute(RAX, target)
	e.JmpRegister(RAX)
	for e.Offset() < TrampolineSize {
		e.Int3()
	}
	return e.Bytes()
}

// InstallTrampoline places a trampoline to target in the zone.
func (z *CodeZone) InstallTrampoline(target uint64) (uint64, error) {
	addr, mem, err := z.allocate(TrampolineSize)
	if err != nil {
		return 0, err
	}
	copy(mem, EncodeTrampoline(target))
	log.Debug("installed trampoline",
		"address", fmt.Sprintf("%#x", addr),
		"target", fmt.Sprintf("%#x", target))
	return addr, nil
}

// PatchTrampoline redirects the trampoline at addr to target.
func (z *CodeZone) PatchTrampoline(addr, target uint64) error {
	mem, err := z.Bytes(addr, TrampolineSize)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(mem, trampolinePrefix) {
		return fmt.Errorf("%w: %#x", ErrNotTrampoline, addr)
	}
	binary.LittleEndian.PutUint64(mem[trampolineTargetOffset:], target)
	return nil
}

// TrampolineTarget returns the address the trampoline at addr jumps to.
func (z *CodeZone) TrampolineTarget(addr uint64) (uint64, error) {
	mem, err := z.Bytes(addr, TrampolineSize)
	if err != nil {
		return 0, err
	}
	if !bytes.HasPrefix(mem, trampolinePrefix) {
		return 0, fmt.Errorf("%w: %#x", ErrNotTrampoline, addr)
	}
	return binary.LittleEndian.Uint64(mem[trampolineTargetOffset:]), nil
}
