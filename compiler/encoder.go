package compiler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

var (
	ErrUnplacedTarget    = errors.New("jump target was never placed")
	ErrJumpOutOfRange    = errors.New("jump delta does not fit in 16 bits")
	ErrOperandOutOfRange = errors.New("operand index does not fit in an encoded operand")
)

type debugKey struct {
	node        Node
	position    object.SourcePosition
	environment *Environment
}

// Assemble assigns byte offsets to the instruction list, builds the debug
// tables and encodes the final instruction stream.
func (a *Assembler) Assemble() (*bytecode.Bytecode, error) {
	b := &bytecode.Bytecode{
		ArgumentCount:     len(a.arguments),
		CaptureVectorSize: len(a.captures),
		LocalVectorSize:   len(a.temporaries),
		Literals:          append([]object.Value(nil), a.literals...),
	}

	size := a.assignPCs(b)

	code := make([]byte, 0, size)
	for id := a.first; id != NoInstr; id = a.instrs[id].Next {
		var err error
		code, err = a.encodeInstruction(code, &a.instrs[id])
		if err != nil {
			return nil, err
		}
	}
	b.Instructions = code
	return b, nil
}

// assignPCs is the first assembly pass. It returns the total code size.
func (a *Assembler) assignPCs(b *bytecode.Bytecode) int {
	entries := make(map[debugKey]int)
	pc := 0
	for id := a.first; id != NoInstr; id = a.instrs[id].Next {
		in := &a.instrs[id]
		in.PC = pc
		pc += in.AssembledSize()
		in.EndPC = pc

		key := debugKey{in.ASTNode, in.Position, in.Environment}
		entry, ok := entries[key]
		if !ok {
			entry = len(b.DebugPositions)
			entries[key] = entry
			b.DebugASTNodes = append(b.DebugASTNodes, in.ASTNode)
			b.DebugPositions = append(b.DebugPositions, in.Position)
			b.DebugEnvironments = append(b.DebugEnvironments, in.Environment)
		}
		b.PCTable = appendPCEntry(b.PCTable, in.PC, entry)
	}
	return pc
}

// appendPCEntry records that entry covers code from pc on. Labels share the
// pc of the instruction after them, so a later entry at the same pc replaces
// the earlier one.
func appendPCEntry(table []bytecode.PCEntry, pc, entry int) []bytecode.PCEntry {
	n := len(table)
	switch {
	case n > 0 && table[n-1].PC == pc:
		table[n-1].Entry = entry
		if n > 1 && table[n-2].Entry == entry {
			table = table[:n-1]
		}
	case n == 0 || table[n-1].Entry != entry:
		table = append(table, bytecode.PCEntry{PC: pc, Entry: entry})
	}
	return table
}

func (a *Assembler) encodeInstruction(code []byte, in *Instruction) ([]byte, error) {
	if in.IsLabel {
		return code, nil
	}
	code = append(code, byte(in.Opcode))
	for _, o := range in.Operands {
		var word int16
		switch o.Kind {
		case OperandVector:
			v := o.Vector
			if v.Index > bytecode.MaxOperandIndex || v.Index < bytecode.MinOperandIndex {
				return nil, fmt.Errorf("%s: %s: %w", in.Opcode, v, ErrOperandOutOfRange)
			}
			word = v.Encode()
		case OperandInstruction:
			target := &a.instrs[o.Target]
			if !target.linked {
				return nil, fmt.Errorf("%s at %04X: %w", in.Opcode, in.PC, ErrUnplacedTarget)
			}
			delta := target.PC - in.EndPC
			if delta > math.MaxInt16 || delta < math.MinInt16 {
				return nil, fmt.Errorf("%s at %04X: delta %d: %w", in.Opcode, in.PC, delta, ErrJumpOutOfRange)
			}
			word = int16(delta)
		case OperandImmediate:
			word = o.Immediate
		}
		code = binary.LittleEndian.AppendUint16(code, uint16(word))
	}
	return code, nil
}
