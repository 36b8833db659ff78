package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrTruncated     = errors.New("truncated instruction")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrDanglingCount = errors.New("count extension not followed by a variable opcode")
)

// Instruction is one decoded instruction.
type Instruction struct {
	PC     int
	Opcode Opcode
	// Count is the full element count of a variable opcode, including any
	// preceding count extension.
	Count    int
	Operands []int16
}

// Size returns the encoded size of the instruction.
func (in Instruction) Size() int {
	return EncodedSize(len(in.Operands))
}

// NextPC returns the offset of the following instruction.
func (in Instruction) NextPC() int {
	return in.PC + in.Size()
}

// JumpTarget returns the absolute target of a jump instruction. Deltas are
// relative to the end of the jump.
func (in Instruction) JumpTarget() (int, bool) {
	idx := in.Opcode.JumpOperandIndex()
	if idx < 0 {
		return 0, false
	}
	return in.NextPC() + int(in.Operands[idx]), true
}

// Decoder walks an instruction stream.
type Decoder struct {
	code      []byte
	pc        int
	extension int
	pending   bool
}

// NewDecoder creates a decoder positioned at offset 0.
func NewDecoder(code []byte) *Decoder {
	return &Decoder{code: code}
}

// PC returns the offset of the next instruction.
func (d *Decoder) PC() int {
	return d.pc
}

// Seek repositions the decoder and forgets any pending count extension.
func (d *Decoder) Seek(pc int) {
	d.pc = pc
	d.extension = 0
	d.pending = false
}

// Done reports whether the stream is exhausted.
func (d *Decoder) Done() bool {
	return d.pc >= len(d.code)
}

// Next decodes the instruction at PC and advances past it.
func (d *Decoder) Next() (Instruction, error) {
	if d.Done() {
		return Instruction{}, fmt.Errorf("decode at %04X: %w", d.pc, ErrTruncated)
	}
	op := Opcode(d.code[d.pc])
	if !op.IsValid() {
		return Instruction{}, fmt.Errorf("decode at %04X: %w 0x%02X", d.pc, ErrUnknownOpcode, byte(op))
	}

	in := Instruction{PC: d.pc, Opcode: op}
	if op.IsVariable() {
		in.Count = op.InlineCount()
		if d.pending {
			in.Count |= d.extension << 4
		}
	} else if d.pending && op != OpCountExtension {
		return Instruction{}, fmt.Errorf("decode at %04X: %w", d.pc, ErrDanglingCount)
	}
	d.pending = false
	d.extension = 0

	n := op.OperandCount(in.Count)
	end := d.pc + EncodedSize(n)
	if end > len(d.code) {
		return Instruction{}, fmt.Errorf("decode %s at %04X: %w", op, d.pc, ErrTruncated)
	}
	in.Operands = make([]int16, n)
	for i := range in.Operands {
		in.Operands[i] = int16(binary.LittleEndian.Uint16(d.code[d.pc+1+2*i:]))
	}
	d.pc = end

	if op == OpCountExtension {
		d.extension = int(in.Operands[0])
		d.pending = true
	}
	return in, nil
}

// DecodeAll decodes an entire instruction stream.
func DecodeAll(code []byte) ([]Instruction, error) {
	d := NewDecoder(code)
	var out []Instruction
	for !d.Done() {
		in, err := d.Next()
		if err != nil {
			return out, err
		}
		out = append(out, in)
	}
	if d.pending {
		return out, fmt.Errorf("decode at %04X: %w", d.pc, ErrDanglingCount)
	}
	return out, nil
}
