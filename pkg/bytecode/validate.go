package bytecode

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Validate checks that every instruction of b decodes, that operands stay
// within their vectors, that destinations are locals and that jumps land on
// instruction boundaries. All problems are reported together.
func (b *Bytecode) Validate() error {
	var result *multierror.Error

	instrs, err := DecodeAll(b.Instructions)
	if err != nil {
		result = multierror.Append(result, err)
	}

	starts := make(map[int]bool, len(instrs)+1)
	for _, in := range instrs {
		starts[in.PC] = true
	}
	starts[len(b.Instructions)] = true

	for _, in := range instrs {
		op := in.Opcode
		jump := op.JumpOperandIndex()
		imm := op.ImmediateOperandIndex()
		for i, operand := range in.Operands {
			switch i {
			case jump:
				target, _ := in.JumpTarget()
				if !starts[target] {
					result = multierror.Append(result,
						fmt.Errorf("%04X %s: jump target %04X is not an instruction", in.PC, op, target))
				}
				continue
			case imm:
				continue
			}

			kind, index := DecodeOperand(operand)
			if i < op.DestinationOperandCount() && kind != VectorLocal {
				result = multierror.Append(result,
					fmt.Errorf("%04X %s: destination %s is not a local", in.PC, op, FormatOperand(operand)))
			}
			if index < 0 {
				continue
			}
			if limit := b.vectorSize(kind); int(index) >= limit {
				result = multierror.Append(result,
					fmt.Errorf("%04X %s: operand %s is beyond the %s vector (size %d)",
						in.PC, op, FormatOperand(operand), kind, limit))
			}
		}
	}
	return result.ErrorOrNil()
}

func (b *Bytecode) vectorSize(kind VectorKind) int {
	switch kind {
	case VectorArguments:
		return b.ArgumentCount
	case VectorCaptures:
		return b.CaptureVectorSize
	case VectorLiteral:
		return len(b.Literals)
	default:
		return b.LocalVectorSize
	}
}
