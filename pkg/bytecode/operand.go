package bytecode

import "fmt"

// VectorKind selects the operand address space.
type VectorKind uint8

const (
	VectorArguments VectorKind = 0
	VectorCaptures  VectorKind = 1
	VectorLiteral   VectorKind = 2
	VectorLocal     VectorKind = 3

	VectorBits    = 2
	VectorBitmask = (1 << VectorBits) - 1
)

func (k VectorKind) String() string {
	switch k {
	case VectorArguments:
		return "arg"
	case VectorCaptures:
		return "capture"
	case VectorLiteral:
		return "literal"
	case VectorLocal:
		return "local"
	default:
		return fmt.Sprintf("VectorKind(%d)", k)
	}
}

// Prefix returns the single-letter disassembly prefix.
func (k VectorKind) Prefix() string {
	switch k {
	case VectorArguments:
		return "a"
	case VectorCaptures:
		return "c"
	case VectorLiteral:
		return "k"
	default:
		return "t"
	}
}

// Index bounds representable in an encoded operand.
const (
	MaxOperandIndex = (1 << (15 - VectorBits)) - 1
	MinOperandIndex = -(1 << (15 - VectorBits))
)

// EncodeOperand packs a vector operand into 16 bits.
func EncodeOperand(kind VectorKind, index int16) int16 {
	return index<<VectorBits | int16(kind)
}

// DecodeOperand unpacks a vector operand. The index shift is arithmetic so
// negative indices survive.
func DecodeOperand(operand int16) (VectorKind, int16) {
	return VectorKind(operand & VectorBitmask), operand >> VectorBits
}

// FormatOperand renders an operand like "t3" or "k0".
func FormatOperand(operand int16) string {
	kind, index := DecodeOperand(operand)
	if index < 0 {
		return kind.Prefix() + "_"
	}
	return fmt.Sprintf("%s%d", kind.Prefix(), index)
}
