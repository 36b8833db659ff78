package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
//
// For opcodes below OpFirstVariable the high nibble is the operand count.
// Variable-arity opcodes keep their inline element count in the low nibble;
// counts above 15 are carried by a preceding OpCountExtension.
type Opcode byte

const (
	// ========================================================================
	// Zero operands (0x00-0x0F)
	// ========================================================================

	OpNop         Opcode = 0x00 // No operation
	OpBreakpoint  Opcode = 0x01 // Debugger trap
	OpUnreachable Opcode = 0x02 // Raise "Unreachable bytecode executed"

	// ========================================================================
	// One operand (0x10-0x1F)
	// ========================================================================

	OpReturn         Opcode = 0x10 // return <value>
	OpJump           Opcode = 0x11 // jump <delta>
	OpCountExtension Opcode = 0x12 // countExtension <count >> 4>

	// ========================================================================
	// Two operands (0x20-0x2F)
	// ========================================================================

	OpAlloca                 Opcode = 0x20 // <dst> := alloca <pointerType>
	OpMove                   Opcode = 0x21 // <dst> := move <src>
	OpLoad                   Opcode = 0x22 // <dst> := load <pointer>
	OpLoadSymbolValueBinding Opcode = 0x23 // <dst> := loadSymbolValueBinding <binding>
	OpStore                  Opcode = 0x24 // store <pointer> <value>
	OpJumpIfTrue             Opcode = 0x25 // jumpIfTrue <condition> <delta>
	OpJumpIfFalse            Opcode = 0x26 // jumpIfFalse <condition> <delta>
	OpSetDebugValue          Opcode = 0x27 // setDebugValue <value> <debugIndex>

	// ========================================================================
	// Three operands (0x30-0x3F)
	// ========================================================================

	OpAllocaWithValue        Opcode = 0x30 // <dst> := alloca <pointerType> <value>
	OpCoerceValue            Opcode = 0x31 // <dst> := coerceValue <type> <value>
	OpDownCastValue          Opcode = 0x32 // <dst> := downCast <type> <value>
	OpUncheckedDownCastValue Opcode = 0x33 // <dst> := uncheckedDownCast <type> <value>
	OpMakeAssociation        Opcode = 0x34 // <dst> := makeAssociation <key> <value>
	OpMakeClosureWithVector  Opcode = 0x35 // <dst> := makeClosureWithVector <definition> <captureVector>
	OpSlotAt                 Opcode = 0x36 // <dst> := slotAt <tuple> <typeSlot>
	OpSlotReferenceAt        Opcode = 0x37 // <dst> := slotReferenceAt <tuple> <typeSlot>
	OpSlotAtPut              Opcode = 0x38 // slotAtPut <tuple> <typeSlot> <value>
	OpRefSlotAt              Opcode = 0x39 // <dst> := refSlotAt <tupleRef> <typeSlot>
	OpRefSlotReferenceAt     Opcode = 0x3A // <dst> := refSlotReferenceAt <tupleRef> <typeSlot>
	OpRefSlotAtPut           Opcode = 0x3B // refSlotAtPut <tupleRef> <typeSlot> <value>

	// ========================================================================
	// Variable operands (0x40-0xCF), low nibble is the element count
	// ========================================================================

	OpCall                       Opcode = 0x40 // <dst> := call <function> <args>...
	OpUncheckedCall              Opcode = 0x50 // <dst> := uncheckedCall <function> <args>...
	OpSend                       Opcode = 0x60 // <dst> := send <selector> <receiver> <args>...
	OpSendWithLookup             Opcode = 0x70 // <dst> := sendWithLookup <type> <selector> <receiver> <args>...
	OpMakeArrayWithElements      Opcode = 0x80 // <dst> := makeArray <elements>...
	OpMakeByteArrayWithElements  Opcode = 0x90 // <dst> := makeByteArray <elements>...
	OpMakeClosureWithCaptures    Opcode = 0xA0 // <dst> := makeClosure <definition> <captures>...
	OpMakeDictionaryWithElements Opcode = 0xB0 // <dst> := makeDictionary <associations>...
	OpMakeTupleWithElements      Opcode = 0xC0 // <dst> := makeTuple <elements>...

	OpFirstVariable = OpCall
	// MaxInlineCount is the largest count a variable opcode holds inline.
	MaxInlineCount = 0x0F
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name string
	// Operands is the fixed operand count, or the implicit count (including
	// the destination) for variable opcodes.
	Operands     int
	Destinations int
	Variable     bool
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:         {"NOP", 0, 0, false},
	OpBreakpoint:  {"BREAKPOINT", 0, 0, false},
	OpUnreachable: {"UNREACHABLE", 0, 0, false},

	OpReturn:         {"RETURN", 1, 0, false},
	OpJump:           {"JUMP", 1, 0, false},
	OpCountExtension: {"COUNT_EXTENSION", 1, 0, false},

	OpAlloca:                 {"ALLOCA", 2, 1, false},
	OpMove:                   {"MOVE", 2, 1, false},
	OpLoad:                   {"LOAD", 2, 1, false},
	OpLoadSymbolValueBinding: {"LOAD_SYMBOL_VALUE_BINDING", 2, 1, false},
	OpStore:                  {"STORE", 2, 0, false},
	OpJumpIfTrue:             {"JUMP_IF_TRUE", 2, 0, false},
	OpJumpIfFalse:            {"JUMP_IF_FALSE", 2, 0, false},
	OpSetDebugValue:          {"SET_DEBUG_VALUE", 2, 0, false},

	OpAllocaWithValue:        {"ALLOCA_WITH_VALUE", 3, 1, false},
	OpCoerceValue:            {"COERCE_VALUE", 3, 1, false},
	OpDownCastValue:          {"DOWNCAST_VALUE", 3, 1, false},
	OpUncheckedDownCastValue: {"UNCHECKED_DOWNCAST_VALUE", 3, 1, false},
	OpMakeAssociation:        {"MAKE_ASSOCIATION", 3, 1, false},
	OpMakeClosureWithVector:  {"MAKE_CLOSURE_WITH_VECTOR", 3, 1, false},
	OpSlotAt:                 {"SLOT_AT", 3, 1, false},
	OpSlotReferenceAt:        {"SLOT_REFERENCE_AT", 3, 1, false},
	OpSlotAtPut:              {"SLOT_AT_PUT", 3, 0, false},
	OpRefSlotAt:              {"REF_SLOT_AT", 3, 1, false},
	OpRefSlotReferenceAt:     {"REF_SLOT_REFERENCE_AT", 3, 1, false},
	OpRefSlotAtPut:           {"REF_SLOT_AT_PUT", 3, 0, false},

	OpCall:                       {"CALL", 2, 1, true},
	OpUncheckedCall:              {"UNCHECKED_CALL", 2, 1, true},
	OpSend:                       {"SEND", 3, 1, true},
	OpSendWithLookup:             {"SEND_WITH_LOOKUP", 4, 1, true},
	OpMakeArrayWithElements:      {"MAKE_ARRAY_WITH_ELEMENTS", 1, 1, true},
	OpMakeByteArrayWithElements:  {"MAKE_BYTE_ARRAY_WITH_ELEMENTS", 1, 1, true},
	OpMakeClosureWithCaptures:    {"MAKE_CLOSURE_WITH_CAPTURES", 2, 1, true},
	OpMakeDictionaryWithElements: {"MAKE_DICTIONARY_WITH_ELEMENTS", 1, 1, true},
	OpMakeTupleWithElements:      {"MAKE_TUPLE_WITH_ELEMENTS", 1, 1, true},
}

// Family returns the opcode with the inline count cleared for variable
// opcodes, and op unchanged otherwise.
func (op Opcode) Family() Opcode {
	if op >= OpFirstVariable {
		return op & 0xF0
	}
	return op
}

// InlineCount returns the low-nibble count of a variable opcode.
func (op Opcode) InlineCount() int {
	if op >= OpFirstVariable {
		return int(op & 0x0F)
	}
	return 0
}

// WithCount combines a variable opcode family with the low bits of count.
func (op Opcode) WithCount(count int) Opcode {
	return op.Family() | Opcode(count&0x0F)
}

// Info returns metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op.Family()]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// IsValid reports whether op is a known opcode.
func (op Opcode) IsValid() bool {
	_, ok := opcodeTable[op.Family()]
	return ok
}

// Name returns the mnemonic.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String returns the mnemonic, including the inline count for variable
// opcodes.
func (op Opcode) String() string {
	if op.IsVariable() {
		return fmt.Sprintf("%s/%d", op.Name(), op.InlineCount())
	}
	return op.Name()
}

// IsVariable reports whether op carries an element count.
func (op Opcode) IsVariable() bool {
	return op >= OpFirstVariable
}

// OperandCount returns the number of operands given the full element count
// (inline count plus any extension).
func (op Opcode) OperandCount(count int) int {
	info := op.Info()
	if info.Variable {
		return info.Operands + count
	}
	return info.Operands
}

// FixedOperandCount returns the operand count implied by the opcode byte
// alone. It is exact for fixed opcodes.
func (op Opcode) FixedOperandCount() int {
	if op < OpFirstVariable {
		return int(op >> 4)
	}
	return op.Info().Operands + op.InlineCount()
}

// DestinationOperandCount returns how many leading operands are written.
func (op Opcode) DestinationOperandCount() int {
	return op.Info().Destinations
}

// IsJump reports whether op transfers control by a relative delta.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpIfTrue || op == OpJumpIfFalse
}

// JumpOperandIndex returns the index of the delta operand, or -1.
func (op Opcode) JumpOperandIndex() int {
	switch op {
	case OpJump:
		return 0
	case OpJumpIfTrue, OpJumpIfFalse:
		return 1
	}
	return -1
}

// ImmediateOperandIndex returns the index of an inline immediate operand, or -1.
func (op Opcode) ImmediateOperandIndex() int {
	switch op {
	case OpCountExtension:
		return 0
	case OpSetDebugValue:
		return 1
	}
	return -1
}

// IsSend reports whether op performs a message send.
func (op Opcode) IsSend() bool {
	f := op.Family()
	return f == OpSend || f == OpSendWithLookup
}

// IsCall reports whether op applies a function.
func (op Opcode) IsCall() bool {
	f := op.Family()
	return f == OpCall || f == OpUncheckedCall
}

// EncodedSize returns the size in bytes of an instruction with n operands.
func EncodedSize(operands int) int {
	return 1 + 2*operands
}
