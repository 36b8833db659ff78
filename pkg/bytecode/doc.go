// Package bytecode defines the register bytecode executed by the regvm
// interpreter and translated by the JIT.
//
// # Instruction format
//
// An instruction is one opcode byte followed by little-endian 16-bit
// operands. For fixed opcodes the high nibble of the opcode is the operand
// count:
//
//	0x0_  no operands        NOP, BREAKPOINT, UNREACHABLE
//	0x1_  one operand        RETURN, JUMP, COUNT_EXTENSION
//	0x2_  two operands       MOVE, LOAD, STORE, JUMP_IF_*, ...
//	0x3_  three operands     SLOT_AT, MAKE_ASSOCIATION, ...
//
// Opcodes from 0x40 upward are variable: the high nibble selects the
// family (CALL, SEND, MAKE_ARRAY, ...) and the low nibble is the element
// count. Counts above 15 are written as a COUNT_EXTENSION carrying
// count>>4 immediately before the instruction.
//
// # Operands
//
// A vector operand packs an index and a two-bit vector kind:
//
//	operand = index<<2 | kind
//
// where kind selects the argument, capture, literal or local vector. The
// index is recovered with an arithmetic shift, so negative indices (meaning
// "no value") survive the round trip. Jump deltas and immediates are raw
// signed 16-bit values; a delta is relative to the end of the jump.
//
// # Images
//
// WriteImage and ReadImage persist compiled functions as CBOR, optionally
// zstd-compressed, with an xxh3 fingerprint per instruction stream.
package bytecode
