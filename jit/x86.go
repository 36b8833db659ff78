package jit

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// x86-64 instruction encoding
// ---------------------------------------------------------------------------

// Emitter appends x86-64 machine code to a buffer.
type Emitter struct {
	code []byte
}

// Bytes returns the emitted code.
func (e *Emitter) Bytes() []byte {
	return e.code
}

// Offset returns the current end of the code.
func (e *Emitter) Offset() int {
	return len(e.code)
}

func (e *Emitter) byte1(b ...byte) {
	e.code = append(e.code, b...)
}

func (e *Emitter) imm32(v int32) {
	e.code = binary.LittleEndian.AppendUint32(e.code, uint32(v))
}

func (e *Emitter) imm64(v uint64) {
	e.code = binary.LittleEndian.AppendUint64(e.code, v)
}

// PatchInt32 overwrites four bytes at offset.
func (e *Emitter) PatchInt32(offset int, v int32) {
	binary.LittleEndian.PutUint32(e.code[offset:], uint32(v))
}

func modRM(mod, reg, rm byte) byte {
	return rm&7 | (reg&7)<<3 | mod<<6
}

func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 8
	}
	if r {
		v |= 4
	}
	if x {
		v |= 2
	}
	if b {
		v |= 1
	}
	return v
}

func (r Reg) high() bool {
	return r >= R8
}

func fitsInt8(v int32) bool {
	return v >= math.MinInt8 && v <= math.MaxInt8
}

// memory emits the ModRM, SIB and displacement of [base+disp] with reg in
// the reg field.
func (e *Emitter) memory(reg byte, base Reg, disp int32) {
	var mod byte
	switch {
	// [rbp] and [r13] have no mod 0 form.
	case disp == 0 && base&7 != RBP:
		mod = 0
	case fitsInt8(disp):
		mod = 1
	default:
		mod = 2
	}
	e.byte1(modRM(mod, reg, byte(base)))
	if base&7 == RSP {
		e.byte1(0x24)
	}
	switch mod {
	case 1:
		e.byte1(byte(int8(disp)))
	case 2:
		e.imm32(disp)
	}
}

// EndBr64 emits the indirect branch landing marker.
func (e *Emitter) EndBr64() {
	e.byte1(0xF3, 0x0F, 0x1E, 0xFA)
}

// Push emits push reg.
func (e *Emitter) Push(r Reg) {
	if r.high() {
		e.byte1(rex(false, false, false, true))
	}
	e.byte1(0x50 + byte(r&7))
}

// Pop emits pop reg.
func (e *Emitter) Pop(r Reg) {
	if r.high() {
		e.byte1(rex(false, false, false, true))
	}
	e.byte1(0x58 + byte(r&7))
}

// Ret emits ret.
func (e *Emitter) Ret() {
	e.byte1(0xC3)
}

// Int3 emits a breakpoint trap.
func (e *Emitter) Int3() {
	e.byte1(0xCC)
}

// MovRegister emits mov dst, src.
func (e *Emitter) MovRegister(dst, src Reg) {
	e.byte1(rex(true, dst.high(), false, src.high()), 0x8B, modRM(3, byte(dst), byte(src)))
}

// MovAbsolute emits movabs dst, imm64.
func (e *Emitter) MovAbsolute(dst Reg, v uint64) {
	e.byte1(rex(true, false, false, dst.high()), 0xB8+byte(dst&7))
	e.imm64(v)
}

// MovImm32 emits mov dst, imm32 sign-extended to 64 bits.
func (e *Emitter) MovImm32(dst Reg, v int32) {
	e.byte1(rex(true, false, false, dst.high()), 0xC7, modRM(3, 0, byte(dst)))
	e.imm32(v)
}

// AddImm32 emits add dst, imm32.
func (e *Emitter) AddImm32(dst Reg, v int32) {
	e.byte1(rex(true, false, false, dst.high()), 0x81, modRM(3, 0, byte(dst)))
	e.imm32(v)
}

// SubImm32 emits sub dst, imm32.
func (e *Emitter) SubImm32(dst Reg, v int32) {
	e.byte1(rex(true, false, false, dst.high()), 0x81, modRM(3, 5, byte(dst)))
	e.imm32(v)
}

// Xor emits xor dst, src.
func (e *Emitter) Xor(dst, src Reg) {
	e.byte1(rex(true, dst.high(), false, src.high()), 0x33, modRM(3, byte(dst), byte(src)))
}

// ShrImm8 emits shr dst, imm8.
func (e *Emitter) ShrImm8(dst Reg, v uint8) {
	e.byte1(rex(true, false, false, dst.high()), 0xC1, modRM(3, 5, byte(dst)), v)
}

// CmpRAXImm32 emits cmp rax, imm32.
func (e *Emitter) CmpRAXImm32(v int32) {
	e.byte1(rex(true, false, false, false), 0x3D)
	e.imm32(v)
}

// Lea emits lea dst, [base+disp].
func (e *Emitter) Lea(dst, base Reg, disp int32) {
	e.byte1(rex(true, dst.high(), false, base.high()), 0x8D)
	e.memory(byte(dst), base, disp)
}

// Load emits mov dst, qword [base+disp].
func (e *Emitter) Load(dst, base Reg, disp int32) {
	e.byte1(rex(true, dst.high(), false, base.high()), 0x8B)
	e.memory(byte(dst), base, disp)
}

// Store emits mov qword [base+disp], src.
func (e *Emitter) Store(base Reg, disp int32, src Reg) {
	e.byte1(rex(true, src.high(), false, base.high()), 0x89)
	e.memory(byte(src), base, disp)
}

// StoreImm32 emits mov qword [base+disp], imm32.
func (e *Emitter) StoreImm32(base Reg, disp int32, v int32) {
	e.byte1(rex(true, false, false, base.high()), 0xC7)
	e.memory(0, base, disp)
	e.imm32(v)
}

// Store8 emits mov byte [base+disp], src8.
func (e *Emitter) Store8(base Reg, disp int32, src Reg) {
	// The REX prefix selects sil/dil instead of dh/bh.
	e.byte1(rex(false, src.high(), false, base.high()), 0x88)
	e.memory(byte(src), base, disp)
}

// CallRIPRelative emits call qword [rip+disp32] and returns the offset of
// the displacement.
func (e *Emitter) CallRIPRelative() int {
	e.byte1(0xFF, modRM(0, 2, 5))
	at := e.Offset()
	e.imm32(0)
	return at
}

// Jmp32 emits jmp rel32 and returns the offset of the displacement.
func (e *Emitter) Jmp32() int {
	e.byte1(0xE9)
	at := e.Offset()
	e.imm32(0)
	return at
}

// Je32 emits je rel32 and returns the offset of the displacement.
func (e *Emitter) Je32() int {
	e.byte1(0x0F, 0x84)
	at := e.Offset()
	e.imm32(0)
	return at
}

// Jne32 emits jne rel32 and returns the offset of the displacement.
func (e *Emitter) Jne32() int {
	e.byte1(0x0F, 0x85)
	at := e.Offset()
	e.imm32(0)
	return at
}

// JmpRegister emits jmp reg.
func (e *Emitter) JmpRegister(r Reg) {
	if r.high() {
		e.byte1(rex(false, false, false, true))
	}
	e.byte1(0xFF, modRM(3, 4, byte(r)))
}
