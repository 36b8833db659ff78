package compiler

import (
	"fmt"
	"strings"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// VectorOperand addresses one slot of an argument, capture, literal or local
// vector. Operands are shared by every instruction that mentions them, so the
// usage flags describe the slot as a whole.
type VectorOperand struct {
	Kind  bytecode.VectorKind
	Index int16

	HasAllocaDestination           bool
	HasNonAllocaDestination        bool
	HasSlotReferenceDestination    bool
	HasNonSlotReferenceDestination bool
	HasLoadStoreUsage              bool
	HasNonLoadStoreUsage           bool

	AllocaPointerRankLowered bool

	// Set when the slot reference defining this operand was elided.
	OptimizationTuple    *VectorOperand
	OptimizationTypeSlot *VectorOperand
}

// Encode packs the operand into its 16-bit form.
func (v *VectorOperand) Encode() int16 {
	return bytecode.EncodeOperand(v.Kind, v.Index)
}

func (v *VectorOperand) String() string {
	return bytecode.FormatOperand(v.Encode())
}

func (v *VectorOperand) clearUsage() {
	v.HasAllocaDestination = false
	v.HasNonAllocaDestination = false
	v.HasSlotReferenceDestination = false
	v.HasNonSlotReferenceDestination = false
	v.HasLoadStoreUsage = false
	v.HasNonLoadStoreUsage = false
}

// IsLocalOnlyAlloca reports whether the operand is only ever defined by an
// alloca and only ever used through load and store.
func (v *VectorOperand) IsLocalOnlyAlloca() bool {
	return v.HasAllocaDestination && !v.HasNonAllocaDestination &&
		v.HasLoadStoreUsage && !v.HasNonLoadStoreUsage
}

// IsLocalOnlySlotReference reports whether the operand is only ever defined
// by a slot reference and only ever used through load and store.
func (v *VectorOperand) IsLocalOnlySlotReference() bool {
	return v.HasSlotReferenceDestination && !v.HasNonSlotReferenceDestination &&
		v.HasLoadStoreUsage && !v.HasNonLoadStoreUsage
}

// OperandKind discriminates Operand.
type OperandKind uint8

const (
	OperandVector OperandKind = iota
	OperandInstruction
	OperandImmediate
)

// Operand is one operand of an IR instruction.
type Operand struct {
	Kind      OperandKind
	Vector    *VectorOperand
	Target    InstrID
	Immediate int16
}

// Vec wraps a vector operand.
func Vec(v *VectorOperand) Operand { return Operand{Kind: OperandVector, Vector: v} }

// Target references an instruction or label.
func Target(id InstrID) Operand { return Operand{Kind: OperandInstruction, Target: id} }

// Imm wraps an inline immediate.
func Imm(n int16) Operand { return Operand{Kind: OperandImmediate, Immediate: n} }

func (o Operand) String() string {
	switch o.Kind {
	case OperandVector:
		return o.Vector.String()
	case OperandInstruction:
		return fmt.Sprintf("L%d", o.Target)
	default:
		return fmt.Sprintf("#%d", o.Immediate)
	}
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// InstrID indexes the instruction arena of an Assembler.
type InstrID int32

// NoInstr terminates instruction lists.
const NoInstr InstrID = -1

// Instruction is one node of the IR list. Labels have no opcode and no
// encoded size.
type Instruction struct {
	Opcode   bytecode.Opcode
	IsLabel  bool
	Operands []Operand

	Prev, Next InstrID
	PC, EndPC  int

	Position    object.SourcePosition
	ASTNode     Node
	Environment *Environment

	linked bool
}

// AssembledSize returns the encoded size in bytes.
func (in *Instruction) AssembledSize() int {
	if in.IsLabel {
		return 0
	}
	return bytecode.EncodedSize(len(in.Operands))
}

// Count returns the element count of a variable opcode.
func (in *Instruction) Count() int {
	if in.IsLabel || !in.Opcode.IsVariable() {
		return 0
	}
	return len(in.Operands) - in.Opcode.Info().Operands
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// Assembler owns the IR of one function under compilation.
type Assembler struct {
	heap *object.Heap

	instrs      []Instruction
	first, last InstrID

	literals   []object.Value
	literalMap map[object.Value]*VectorOperand

	arguments      []*VectorOperand
	captures       []*VectorOperand
	temporaries    []*VectorOperand
	temporaryTypes []object.Value

	// Provenance stamped onto placed instructions.
	position    object.SourcePosition
	astNode     Node
	environment *Environment

	breakLabel    InstrID
	continueLabel InstrID
}

// NewAssembler creates an empty assembler.
func NewAssembler(h *object.Heap) *Assembler {
	return &Assembler{
		heap:          h,
		first:         NoInstr,
		last:          NoInstr,
		literalMap:    make(map[object.Value]*VectorOperand),
		breakLabel:    NoInstr,
		continueLabel: NoInstr,
	}
}

// SetArgumentCount creates the argument operands.
func (a *Assembler) SetArgumentCount(n int) {
	a.arguments = make([]*VectorOperand, n)
	for i := range a.arguments {
		a.arguments[i] = &VectorOperand{Kind: bytecode.VectorArguments, Index: int16(i)}
	}
}

// SetCaptureCount creates the capture operands.
func (a *Assembler) SetCaptureCount(n int) {
	a.captures = make([]*VectorOperand, n)
	for i := range a.captures {
		a.captures[i] = &VectorOperand{Kind: bytecode.VectorCaptures, Index: int16(i)}
	}
}

// Argument returns the operand of argument i.
func (a *Assembler) Argument(i int) *VectorOperand { return a.arguments[i] }

// Capture returns the operand of capture i.
func (a *Assembler) Capture(i int) *VectorOperand { return a.captures[i] }

// ArgumentCount returns the number of arguments.
func (a *Assembler) ArgumentCount() int { return len(a.arguments) }

// CaptureCount returns the number of captures.
func (a *Assembler) CaptureCount() int { return len(a.captures) }

// Literals returns the literal pool in index order.
func (a *Assembler) Literals() []object.Value { return a.literals }

// Temporaries returns the local operands in index order.
func (a *Assembler) Temporaries() []*VectorOperand { return a.temporaries }

// TemporaryType returns the declared type of a local operand.
func (a *Assembler) TemporaryType(v *VectorOperand) object.Value {
	if v.Kind != bytecode.VectorLocal || int(v.Index) >= len(a.temporaryTypes) {
		return object.Null
	}
	return a.temporaryTypes[v.Index]
}

// AddLiteral interns v in the literal pool by identity.
func (a *Assembler) AddLiteral(v object.Value) *VectorOperand {
	if op, ok := a.literalMap[v]; ok {
		return op
	}
	op := &VectorOperand{Kind: bytecode.VectorLiteral, Index: int16(len(a.literals))}
	a.literals = append(a.literals, v)
	a.literalMap[v] = op
	return op
}

// LiteralValue returns the literal behind a literal operand.
func (a *Assembler) LiteralValue(v *VectorOperand) (object.Value, bool) {
	if v == nil || v.Kind != bytecode.VectorLiteral || v.Index < 0 || int(v.Index) >= len(a.literals) {
		return object.Null, false
	}
	return a.literals[v.Index], true
}

// NewTemporary allocates a local of the given type. Null means any value.
func (a *Assembler) NewTemporary(typ object.Value) *VectorOperand {
	op := &VectorOperand{Kind: bytecode.VectorLocal, Index: int16(len(a.temporaries))}
	a.temporaries = append(a.temporaries, op)
	a.temporaryTypes = append(a.temporaryTypes, typ)
	return op
}

// ---------------------------------------------------------------------------
// Instruction list
// ---------------------------------------------------------------------------

// Instr returns the instruction with the given id.
func (a *Assembler) Instr(id InstrID) *Instruction { return &a.instrs[id] }

// First returns the head of the instruction list.
func (a *Assembler) First() InstrID { return a.first }

// Last returns the tail of the instruction list.
func (a *Assembler) Last() InstrID { return a.last }

// Order returns the placed instructions in list order.
func (a *Assembler) Order() []InstrID {
	var ids []InstrID
	for id := a.first; id != NoInstr; id = a.instrs[id].Next {
		ids = append(ids, id)
	}
	return ids
}

func (a *Assembler) newInstruction(in Instruction) InstrID {
	in.Prev, in.Next = NoInstr, NoInstr
	a.instrs = append(a.instrs, in)
	return InstrID(len(a.instrs) - 1)
}

// NewLabel creates an unplaced label.
func (a *Assembler) NewLabel() InstrID {
	return a.newInstruction(Instruction{IsLabel: true})
}

// AddInstruction appends an unplaced instruction or label to the list and
// stamps the current provenance on it.
func (a *Assembler) AddInstruction(id InstrID) {
	in := &a.instrs[id]
	if in.linked {
		panic(fmt.Sprintf("instruction L%d is already placed", id))
	}
	in.linked = true
	in.Prev = a.last
	in.Next = NoInstr
	if a.last != NoInstr {
		a.instrs[a.last].Next = id
	} else {
		a.first = id
	}
	a.last = id

	in.Position = a.position
	in.ASTNode = a.astNode
	in.Environment = a.environment
}

// Remove unlinks an instruction from the list.
func (a *Assembler) Remove(id InstrID) {
	in := &a.instrs[id]
	if in.Prev != NoInstr {
		a.instrs[in.Prev].Next = in.Next
	} else {
		a.first = in.Next
	}
	if in.Next != NoInstr {
		a.instrs[in.Next].Prev = in.Prev
	} else {
		a.last = in.Prev
	}
	in.Prev, in.Next = NoInstr, NoInstr
	in.linked = false
}

func (a *Assembler) emit(op bytecode.Opcode, operands ...Operand) InstrID {
	id := a.newInstruction(Instruction{Opcode: op, Operands: operands})
	a.AddInstruction(id)
	return id
}

func (a *Assembler) emitVariable(op bytecode.Opcode, fixed []Operand, elements []*VectorOperand) InstrID {
	n := len(elements)
	if n > bytecode.MaxInlineCount {
		a.CountExtension(int16(n >> 4))
	}
	operands := make([]Operand, 0, len(fixed)+n)
	operands = append(operands, fixed...)
	for _, e := range elements {
		operands = append(operands, Vec(e))
	}
	return a.emit(op.WithCount(n), operands...)
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

func (a *Assembler) Nop() InstrID         { return a.emit(bytecode.OpNop) }
func (a *Assembler) Breakpoint() InstrID  { return a.emit(bytecode.OpBreakpoint) }
func (a *Assembler) Unreachable() InstrID { return a.emit(bytecode.OpUnreachable) }

func (a *Assembler) Return(value *VectorOperand) InstrID {
	return a.emit(bytecode.OpReturn, Vec(value))
}

func (a *Assembler) Jump(target InstrID) InstrID {
	return a.emit(bytecode.OpJump, Target(target))
}

func (a *Assembler) JumpIfTrue(condition *VectorOperand, target InstrID) InstrID {
	return a.emit(bytecode.OpJumpIfTrue, Vec(condition), Target(target))
}

func (a *Assembler) JumpIfFalse(condition *VectorOperand, target InstrID) InstrID {
	return a.emit(bytecode.OpJumpIfFalse, Vec(condition), Target(target))
}

// CountExtension carries the high bits of the next variable opcode's count.
func (a *Assembler) CountExtension(high int16) InstrID {
	return a.emit(bytecode.OpCountExtension, Imm(high))
}

func (a *Assembler) Alloca(dst, pointerType *VectorOperand) InstrID {
	return a.emit(bytecode.OpAlloca, Vec(dst), Vec(pointerType))
}

func (a *Assembler) AllocaWithValue(dst, pointerType, value *VectorOperand) InstrID {
	return a.emit(bytecode.OpAllocaWithValue, Vec(dst), Vec(pointerType), Vec(value))
}

func (a *Assembler) Move(dst, src *VectorOperand) InstrID {
	return a.emit(bytecode.OpMove, Vec(dst), Vec(src))
}

func (a *Assembler) Load(dst, pointer *VectorOperand) InstrID {
	return a.emit(bytecode.OpLoad, Vec(dst), Vec(pointer))
}

func (a *Assembler) LoadSymbolValueBinding(dst, binding *VectorOperand) InstrID {
	return a.emit(bytecode.OpLoadSymbolValueBinding, Vec(dst), Vec(binding))
}

func (a *Assembler) Store(pointer, value *VectorOperand) InstrID {
	return a.emit(bytecode.OpStore, Vec(pointer), Vec(value))
}

// SetDebugValue records value under a debug slot index.
func (a *Assembler) SetDebugValue(value *VectorOperand, index int16) InstrID {
	return a.emit(bytecode.OpSetDebugValue, Vec(value), Imm(index))
}

func (a *Assembler) CoerceValue(dst, typ, value *VectorOperand) InstrID {
	return a.emit(bytecode.OpCoerceValue, Vec(dst), Vec(typ), Vec(value))
}

func (a *Assembler) DownCastValue(dst, typ, value *VectorOperand) InstrID {
	return a.emit(bytecode.OpDownCastValue, Vec(dst), Vec(typ), Vec(value))
}

func (a *Assembler) UncheckedDownCastValue(dst, typ, value *VectorOperand) InstrID {
	return a.emit(bytecode.OpUncheckedDownCastValue, Vec(dst), Vec(typ), Vec(value))
}

func (a *Assembler) MakeAssociation(dst, key, value *VectorOperand) InstrID {
	return a.emit(bytecode.OpMakeAssociation, Vec(dst), Vec(key), Vec(value))
}

func (a *Assembler) MakeClosureWithVector(dst, definition, captureVector *VectorOperand) InstrID {
	return a.emit(bytecode.OpMakeClosureWithVector, Vec(dst), Vec(definition), Vec(captureVector))
}

func (a *Assembler) SlotAt(dst, tuple, typeSlot *VectorOperand) InstrID {
	return a.emit(bytecode.OpSlotAt, Vec(dst), Vec(tuple), Vec(typeSlot))
}

func (a *Assembler) SlotReferenceAt(dst, tuple, typeSlot *VectorOperand) InstrID {
	return a.emit(bytecode.OpSlotReferenceAt, Vec(dst), Vec(tuple), Vec(typeSlot))
}

func (a *Assembler) SlotAtPut(tuple, typeSlot, value *VectorOperand) InstrID {
	return a.emit(bytecode.OpSlotAtPut, Vec(tuple), Vec(typeSlot), Vec(value))
}

func (a *Assembler) RefSlotAt(dst, tupleRef, typeSlot *VectorOperand) InstrID {
	return a.emit(bytecode.OpRefSlotAt, Vec(dst), Vec(tupleRef), Vec(typeSlot))
}

func (a *Assembler) RefSlotReferenceAt(dst, tupleRef, typeSlot *VectorOperand) InstrID {
	return a.emit(bytecode.OpRefSlotReferenceAt, Vec(dst), Vec(tupleRef), Vec(typeSlot))
}

func (a *Assembler) RefSlotAtPut(tupleRef, typeSlot, value *VectorOperand) InstrID {
	return a.emit(bytecode.OpRefSlotAtPut, Vec(tupleRef), Vec(typeSlot), Vec(value))
}

func (a *Assembler) Call(dst, function *VectorOperand, args []*VectorOperand) InstrID {
	return a.emitVariable(bytecode.OpCall, []Operand{Vec(dst), Vec(function)}, args)
}

func (a *Assembler) UncheckedCall(dst, function *VectorOperand, args []*VectorOperand) InstrID {
	return a.emitVariable(bytecode.OpUncheckedCall, []Operand{Vec(dst), Vec(function)}, args)
}

func (a *Assembler) Send(dst, selector, receiver *VectorOperand, args []*VectorOperand) InstrID {
	return a.emitVariable(bytecode.OpSend, []Operand{Vec(dst), Vec(selector), Vec(receiver)}, args)
}

func (a *Assembler) SendWithLookupType(dst, lookupType, selector, receiver *VectorOperand, args []*VectorOperand) InstrID {
	return a.emitVariable(bytecode.OpSendWithLookup,
		[]Operand{Vec(dst), Vec(lookupType), Vec(selector), Vec(receiver)}, args)
}

func (a *Assembler) MakeArray(dst *VectorOperand, elements []*VectorOperand) InstrID {
	return a.emitVariable(bytecode.OpMakeArrayWithElements, []Operand{Vec(dst)}, elements)
}

func (a *Assembler) MakeByteArray(dst *VectorOperand, elements []*VectorOperand) InstrID {
	return a.emitVariable(bytecode.OpMakeByteArrayWithElements, []Operand{Vec(dst)}, elements)
}

func (a *Assembler) MakeDictionary(dst *VectorOperand, elements []*VectorOperand) InstrID {
	return a.emitVariable(bytecode.OpMakeDictionaryWithElements, []Operand{Vec(dst)}, elements)
}

func (a *Assembler) MakeTuple(dst *VectorOperand, elements []*VectorOperand) InstrID {
	return a.emitVariable(bytecode.OpMakeTupleWithElements, []Operand{Vec(dst)}, elements)
}

func (a *Assembler) MakeClosureWithCaptures(dst, definition *VectorOperand, captures []*VectorOperand) InstrID {
	return a.emitVariable(bytecode.OpMakeClosureWithCaptures, []Operand{Vec(dst), Vec(definition)}, captures)
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

// Listing renders the IR, one instruction per line, for tests and logs.
func (a *Assembler) Listing() string {
	var sb strings.Builder
	for id := a.first; id != NoInstr; id = a.instrs[id].Next {
		in := &a.instrs[id]
		if in.IsLabel {
			fmt.Fprintf(&sb, "L%d:\n", id)
			continue
		}
		fmt.Fprintf(&sb, "    %s", in.Opcode.Name())
		for _, o := range in.Operands {
			sb.WriteString(" ")
			sb.WriteString(o.String())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
