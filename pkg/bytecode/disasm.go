package bytecode

import (
	"fmt"
	"strings"

	"github.com/chazu/regvm/object"
)

// Disassemble returns a human-readable listing of b. Literals are rendered
// with describe when it is non-nil.
func (b *Bytecode) Disassemble(describe func(object.Value) string) string {
	return b.DisassembleWithName("", describe)
}

// DisassembleWithName returns a listing with a name header.
func (b *Bytecode) DisassembleWithName(name string, describe func(object.Value) string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; Arguments: %d  Captures: %d  Locals: %d\n",
		b.ArgumentCount, b.CaptureVectorSize, b.LocalVectorSize))
	if b.JittedCode != nil {
		sb.WriteString(fmt.Sprintf("; Native: 0x%X (session %s)\n", b.JittedCode.Address, b.JittedCode.Session))
	}
	sb.WriteString("\n")

	if len(b.Literals) > 0 {
		sb.WriteString("; Literals:\n")
		for i, l := range b.Literals {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, truncate(describeLiteral(l, describe), 40)))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("; Code:\n")
	d := NewDecoder(b.Instructions)
	for !d.Done() {
		in, err := d.Next()
		if err != nil {
			sb.WriteString(fmt.Sprintf("%04X  <%v>\n", d.PC(), err))
			break
		}
		line := FormatInstruction(in)
		if pos, ok := b.SourcePositionAt(in.PC); ok && pos.IsValid() {
			sb.WriteString(fmt.Sprintf("%04X  %-40s ; %s\n", in.PC, line, pos))
		} else {
			sb.WriteString(fmt.Sprintf("%04X  %s\n", in.PC, line))
		}
	}
	return sb.String()
}

// FormatInstruction renders a single decoded instruction.
func FormatInstruction(in Instruction) string {
	var sb strings.Builder
	op := in.Opcode
	dsts := op.DestinationOperandCount()
	jump := op.JumpOperandIndex()
	imm := op.ImmediateOperandIndex()

	for i := 0; i < dsts && i < len(in.Operands); i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(FormatOperand(in.Operands[i]))
	}
	if dsts > 0 {
		sb.WriteString(" := ")
	}
	if op.IsVariable() {
		sb.WriteString(fmt.Sprintf("%s/%d", op.Name(), in.Count))
	} else {
		sb.WriteString(op.Name())
	}
	for i := dsts; i < len(in.Operands); i++ {
		sb.WriteString(" ")
		switch i {
		case jump:
			target, _ := in.JumpTarget()
			sb.WriteString(fmt.Sprintf("-> %04X", target))
		case imm:
			sb.WriteString(fmt.Sprintf("#%d", in.Operands[i]))
		default:
			sb.WriteString(FormatOperand(in.Operands[i]))
		}
	}
	return sb.String()
}

func describeLiteral(v object.Value, describe func(object.Value) string) string {
	if describe == nil {
		return v.String()
	}
	s := describe(v)
	s = strings.ReplaceAll(s, "\n", "\\n")
	return strings.ReplaceAll(s, "\t", "\\t")
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
