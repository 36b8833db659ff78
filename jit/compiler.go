package jit

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

var log = commonlog.GetLogger("regvm.jit")

var (
	ErrUnknownABI    = errors.New("unknown ABI")
	ErrUnsupported   = errors.New("bytecode cannot be compiled to native code")
	ErrCodeZoneFull  = errors.New("code zone is full")
	ErrInvalidReloc  = errors.New("relocation out of range")
	ErrNotCodeZone   = errors.New("address is not in the code zone")
	ErrNotTrampoline = errors.New("address is not a trampoline")
)

// RelocationKind selects how a relocation is resolved at install time.
type RelocationKind uint8

const (
	// RelocRelative32 stores constBase + Value - site + Addend as a rel32.
	RelocRelative32 RelocationKind = iota
)

// Relocation is a text site that refers to the constant section.
type Relocation struct {
	Kind   RelocationKind
	Offset int
	// Value is the byte offset of the referenced constant.
	Value  int64
	Addend int64
}

// Code is compiled native code before installation.
type Code struct {
	Name        string
	Text        []byte
	Constants   []uint64
	Relocations []Relocation
	FrameSize   int

	// PCOffsets maps bytecode offsets to text offsets; -1 marks offsets
	// inside an instruction.
	PCOffsets []int
}

// Size returns the installed size of the code.
func (c *Code) Size() int {
	return align16(len(c.Text)) + object.WordSize*len(c.Constants)
}

type pcRelocation struct {
	offset   int
	targetPC int
	addend   int
}

type compiler struct {
	abi  ABI
	rt   Runtime
	heap *object.Heap
	b    *bytecode.Bytecode
	e    Emitter

	constants     []uint64
	constantIndex map[uint64]int
	relocations   []Relocation
	jumps         []pcRelocation
	pcOffsets     []int

	localCount    int
	callArguments int
	frameSize     int
}

// Compile translates b into x86-64 code following abi.
func Compile(rt Runtime, abi ABI, b *bytecode.Bytecode) (*Code, error) {
	name := "<anonymous>"
	if def := rt.Heap().DefinitionOf(b.Definition); def != nil && def.Name != "" {
		name = def.Name
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, ErrUnsupported, err)
	}
	instrs, err := bytecode.DecodeAll(b.Instructions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	c := &compiler{
		abi:           abi,
		rt:            rt,
		heap:          rt.Heap(),
		b:             b,
		constantIndex: make(map[uint64]int),
		pcOffsets:     make([]int, len(b.Instructions)+1),
		localCount:    b.LocalVectorSize,
	}
	for i := range c.pcOffsets {
		c.pcOffsets[i] = -1
	}
	for _, in := range instrs {
		if n := callArgumentCount(in); n > c.callArguments {
			c.callArguments = n
		}
	}
	c.frameSize = FrameSize(c.localCount, c.callArguments)

	c.prologue()
	for _, in := range instrs {
		c.pcOffsets[in.PC] = c.e.Offset()
		if err := c.instruction(in); err != nil {
			// Validated bytecode always lowers.
			panic(fmt.Sprintf("jit: %s at %04X: %v", name, in.PC, err))
		}
	}
	c.pcOffsets[len(b.Instructions)] = c.e.Offset()
	// Running off the end traps like an unreachable instruction.
	c.loadContext(c.arg(0))
	c.callSymbol(SymUnreachable)
	c.e.Int3()

	for _, j := range c.jumps {
		dest := c.pcOffsets[j.targetPC]
		if dest < 0 {
			panic(fmt.Sprintf("jit: %s: jump to %04X is not an instruction", name, j.targetPC))
		}
		c.e.PatchInt32(j.offset, int32(dest-j.offset+j.addend))
	}

	log.Debug("compiled native code",
		"function", name,
		"text", c.e.Offset(),
		"constants", len(c.constants),
		"frame", c.frameSize)
	return &Code{
		Name:        name,
		Text:        c.e.Bytes(),
		Constants:   c.constants,
		Relocations: c.relocations,
		FrameSize:   c.frameSize,
		PCOffsets:   c.pcOffsets,
	}, nil
}

// callArgumentCount returns the outgoing vector size an instruction needs.
func callArgumentCount(in bytecode.Instruction) int {
	switch in.Opcode.Family() {
	case bytecode.OpCall, bytecode.OpUncheckedCall:
		return in.Count
	case bytecode.OpSend, bytecode.OpSendWithLookup:
		return in.Count + 1
	case bytecode.OpMakeDictionaryWithElements:
		return 1
	}
	return 0
}

func (c *compiler) arg(i int) Reg {
	return c.abi.Arg(i)
}

func (c *compiler) callArgumentOffset(i int) int32 {
	return int32(CallArgumentVectorOffset(c.localCount) + object.WordSize*i)
}

// ---------------------------------------------------------------------------
// Constants and calls
// ---------------------------------------------------------------------------

func (c *compiler) constant(v uint64) int {
	if i, ok := c.constantIndex[v]; ok {
		return i * object.WordSize
	}
	i := len(c.constants)
	c.constants = append(c.constants, v)
	c.constantIndex[v] = i
	return i * object.WordSize
}

// callAddress emits call [rip+constant] through the constant pool.
func (c *compiler) callAddress(addr uint64) {
	at := c.e.CallRIPRelative()
	c.relocations = append(c.relocations, Relocation{
		Kind:   RelocRelative32,
		Offset: at,
		Value:  int64(c.constant(addr)),
		Addend: -4,
	})
}

func (c *compiler) callSymbol(s Symbol) {
	c.callAddress(SymbolAddress(s))
}

func (c *compiler) loadContext(r Reg) {
	c.e.Load(r, RBP, FrameContext)
}

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

func (c *compiler) prologue() {
	e := &c.e
	if c.abi.endbr() {
		e.EndBr64()
	}
	e.Push(RBP)
	e.SubImm32(RSP, int32(c.frameSize))
	e.MovRegister(RBP, RSP)
	if area := c.abi.callAreaSize(); area > 0 {
		e.SubImm32(RSP, int32(area))
	}

	e.StoreImm32(RBP, FramePrevious, 0)
	e.StoreImm32(RBP, FrameType, FrameRecordType)
	e.StoreImm32(RBP, FramePC, 0)
	e.Store(RBP, FrameContext, c.arg(0))

	e.MovAbsolute(RAX, c.rt.LiteralVectorCell(c.b))
	e.Load(RAX, RAX, 0)
	e.Store(RBP, FrameLiteralVector, RAX)

	e.Load(RAX, c.arg(1), object.HeaderSize+object.WordSize*object.FunctionSlotCaptureVector)
	e.Store(RBP, FrameCaptureVector, RAX)

	e.Store(RBP, FrameFunction, c.arg(1))
	e.Store(RBP, FrameArgumentCount, c.arg(2))
	e.Store(RBP, FrameArguments, c.arg(3))
	e.StoreImm32(RBP, FrameCallArgumentVectorSize, 0)
	e.StoreImm32(RBP, FrameLocalCount, int32(c.localCount))

	e.Xor(RAX, RAX)
	for i := 0; i < c.localCount; i++ {
		e.Store(RBP, int32(FrameLocals+object.WordSize*i), RAX)
	}

	e.Lea(c.arg(0), RBP, 0)
	c.callSymbol(SymPushRecord)
}

func (c *compiler) epilogue() {
	c.e.Lea(RSP, RBP, int32(c.frameSize))
	c.e.Pop(RBP)
	c.e.Ret()
}

func (c *compiler) storePC(pc int) {
	c.e.StoreImm32(RBP, FramePC, int32(pc))
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

func (c *compiler) loadOperand(r Reg, operand int16) {
	kind, index := bytecode.DecodeOperand(operand)
	if index < 0 {
		c.e.Xor(r, r)
		return
	}
	slot := int32(object.WordSize) * int32(index)
	switch kind {
	case bytecode.VectorArguments:
		c.e.Load(r, RBP, FrameArguments)
		c.e.Load(r, r, slot)
	case bytecode.VectorCaptures:
		c.e.Load(r, RBP, FrameCaptureVector)
		c.e.Load(r, r, object.HeaderSize+slot)
	case bytecode.VectorLiteral:
		c.e.Load(r, RBP, FrameLiteralVector)
		c.e.Load(r, r, object.HeaderSize+slot)
	default:
		c.e.Load(r, RBP, FrameLocals+slot)
	}
}

func (c *compiler) storeOperand(operand int16, r Reg) error {
	kind, index := bytecode.DecodeOperand(operand)
	if index < 0 {
		return nil
	}
	if kind != bytecode.VectorLocal {
		return fmt.Errorf("destination %s: %w", bytecode.FormatOperand(operand), ErrUnsupported)
	}
	c.e.Store(RBP, FrameLocals+int32(object.WordSize)*int32(index), r)
	return nil
}

// literalOperand returns the literal value an operand names, if any.
func (c *compiler) literalOperand(operand int16) (object.Value, bool) {
	kind, index := bytecode.DecodeOperand(operand)
	if kind != bytecode.VectorLiteral || index < 0 || int(index) >= len(c.b.Literals) {
		return object.Null, false
	}
	return c.b.Literals[index], true
}

// ---------------------------------------------------------------------------
// Runtime calls
// ---------------------------------------------------------------------------

// callWithContext calls s with the context followed by operands and stores
// the result into dst.
func (c *compiler) callWithContext(s Symbol, dst int16, operands ...int16) error {
	for i, op := range operands {
		c.loadOperand(c.arg(i+1), op)
	}
	c.loadContext(c.arg(0))
	c.callSymbol(s)
	return c.storeOperand(dst, RAX)
}

// callWithContextNoResult is callWithContext for instructions without a
// destination.
func (c *compiler) callWithContextNoResult(s Symbol, operands ...int16) {
	for i, op := range operands {
		c.loadOperand(c.arg(i+1), op)
	}
	c.loadContext(c.arg(0))
	c.callSymbol(s)
}

// stackArgument stores an immediate into stack argument i of the next call.
func (c *compiler) stackArgumentImm32(i int, v int32) {
	regs := len(c.abi.ArgumentRegisters())
	c.e.StoreImm32(RSP, int32(c.abi.ShadowSpace()+object.WordSize*(i-regs)), v)
}

func (c *compiler) stackArgument(i int, r Reg) {
	regs := len(c.abi.ArgumentRegisters())
	c.e.Store(RSP, int32(c.abi.ShadowSpace()+object.WordSize*(i-regs)), r)
}

// setArgumentImm32 places an immediate in argument i, in a register or on
// the stack.
func (c *compiler) setArgumentImm32(i int, v int32) {
	if i < len(c.abi.ArgumentRegisters()) {
		c.e.MovImm32(c.arg(i), v)
		return
	}
	c.stackArgumentImm32(i, v)
}

// setArgumentVector places the address of the call argument vector in
// argument i.
func (c *compiler) setArgumentVector(i int) {
	if i < len(c.abi.ArgumentRegisters()) {
		c.e.Lea(c.arg(i), RBP, c.callArgumentOffset(0))
		return
	}
	c.e.Lea(RAX, RBP, c.callArgumentOffset(0))
	c.stackArgument(i, RAX)
}

func (c *compiler) fillCallArguments(operands []int16) {
	for i, op := range operands {
		c.loadOperand(RAX, op)
		c.e.Store(RBP, c.callArgumentOffset(i), RAX)
	}
}

// applyVia calls the generic apply: (context, function, argc, argv, flags).
func (c *compiler) applyVia(dst, function int16, args []int16, flags object.ApplicationFlags) error {
	c.fillCallArguments(args)
	c.setArgumentImm32(4, int32(flags))
	c.setArgumentVector(3)
	c.e.MovImm32(c.arg(2), int32(len(args)))
	c.loadOperand(c.arg(1), function)
	c.loadContext(c.arg(0))
	c.callSymbol(SymApply)
	return c.storeOperand(dst, RAX)
}

// applyDirect calls a native entry point: (context, function, argc, argv).
// withRecord exposes the argument vector to the collector for the call.
func (c *compiler) applyDirect(dst, function int16, args []int16, entry uint64, withRecord bool) error {
	c.fillCallArguments(args)
	if withRecord {
		c.e.StoreImm32(RBP, FrameCallArgumentVectorSize, int32(len(args)))
	}
	c.setArgumentVector(3)
	c.e.MovImm32(c.arg(2), int32(len(args)))
	c.loadOperand(c.arg(1), function)
	c.loadContext(c.arg(0))
	c.callAddress(entry)
	if withRecord {
		c.e.StoreImm32(RBP, FrameCallArgumentVectorSize, 0)
	}
	return c.storeOperand(dst, RAX)
}

// apply chooses the cheapest calling sequence for an application.
func (c *compiler) apply(dst, function int16, args []int16, flags object.ApplicationFlags) error {
	if flags&object.ApplyNoTypecheck == 0 {
		return c.applyVia(dst, function, args, flags)
	}
	fn, ok := c.literalOperand(function)
	if !ok || !c.heap.IsFunction(fn) {
		return c.applyVia(dst, function, args, flags)
	}
	if c.heap.FunctionFlagsOf(fn)&(object.FunctionMemoized|object.FunctionVariadic) != 0 {
		return c.applyVia(dst, function, args, flags)
	}

	if name := c.heap.PrimitiveNameOf(fn); name != "" {
		if entry, ok := c.rt.PrimitiveEntryPoint(name); ok {
			return c.applyDirect(dst, function, args, entry, true)
		}
		return c.applyVia(dst, function, args, flags)
	}

	def := c.heap.DefinitionOf(c.heap.FunctionDefinitionOf(fn))
	if def != nil {
		if callee, ok := def.Bytecode.(*bytecode.Bytecode); ok && callee.ArgumentCount == len(args) {
			if entry, ok := c.rt.FunctionEntryPoint(fn); ok {
				return c.applyDirect(dst, function, args, entry, false)
			}
		}
	}
	return c.applyVia(dst, function, args, flags)
}

// send calls (context, selector, argc, argv, flags) with the receiver as
// the first element of argv.
func (c *compiler) send(dst, selector int16, receiverAndArgs []int16) error {
	c.fillCallArguments(receiverAndArgs)
	c.setArgumentImm32(4, 0)
	c.setArgumentVector(3)
	c.e.MovImm32(c.arg(2), int32(len(receiverAndArgs)))
	c.loadOperand(c.arg(1), selector)
	c.loadContext(c.arg(0))
	c.callSymbol(SymSend)
	return c.storeOperand(dst, RAX)
}

// sendWithLookup calls (context, type, selector, argc, argv, flags).
func (c *compiler) sendWithLookup(dst, typ, selector int16, receiverAndArgs []int16) error {
	c.fillCallArguments(receiverAndArgs)
	c.setArgumentImm32(5, 0)
	c.setArgumentVector(4)
	c.setArgumentImm32(3, int32(len(receiverAndArgs)))
	c.loadOperand(c.arg(2), selector)
	c.loadOperand(c.arg(1), typ)
	c.loadContext(c.arg(0))
	c.callSymbol(SymSendWithLookup)
	return c.storeOperand(dst, RAX)
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// create calls a (context, count) constructor, leaving the object in rax.
func (c *compiler) create(s Symbol, count int) {
	c.e.MovImm32(c.arg(1), int32(count))
	c.loadContext(c.arg(0))
	c.callSymbol(s)
}

func (c *compiler) makeSlots(s Symbol, dst int16, elements []int16) error {
	c.create(s, len(elements))
	v := c.arg(2)
	for i, op := range elements {
		c.loadOperand(v, op)
		c.e.Store(RAX, int32(object.HeaderSize+object.WordSize*i), v)
	}
	return c.storeOperand(dst, RAX)
}

func (c *compiler) makeByteArray(dst int16, elements []int16) error {
	c.create(SymByteArrayCreate, len(elements))
	v := c.arg(2)
	for i, op := range elements {
		c.loadOperand(v, op)
		c.e.ShrImm8(v, object.TagBits)
		c.e.Store8(RAX, int32(object.HeaderSize+i), v)
	}
	return c.storeOperand(dst, RAX)
}

func (c *compiler) makeDictionary(dst int16, elements []int16) error {
	c.create(SymDictionaryCreate, len(elements))
	scratch := c.callArgumentOffset(0)
	c.e.Store(RBP, scratch, RAX)
	for _, op := range elements {
		c.loadOperand(c.arg(2), op)
		c.e.Load(c.arg(1), RBP, scratch)
		c.loadContext(c.arg(0))
		c.callSymbol(SymDictionaryAdd)
	}
	c.e.Load(RAX, RBP, scratch)
	return c.storeOperand(dst, RAX)
}

func (c *compiler) makeClosureWithCaptures(dst, definition int16, captures []int16) error {
	c.loadOperand(c.arg(1), definition)
	c.loadContext(c.arg(0))
	c.callSymbol(SymCaptureVectorCreate)
	v := c.arg(2)
	for i, op := range captures {
		c.loadOperand(v, op)
		c.e.Store(RAX, int32(object.HeaderSize+object.WordSize*i), v)
	}
	c.e.MovRegister(c.arg(2), RAX)
	c.loadOperand(c.arg(1), definition)
	c.loadContext(c.arg(0))
	c.callSymbol(SymClosureCreate)
	return c.storeOperand(dst, RAX)
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func (c *compiler) jumpTo(at int, in bytecode.Instruction) {
	target, _ := in.JumpTarget()
	c.jumps = append(c.jumps, pcRelocation{offset: at, targetPC: target, addend: -4})
}

func (c *compiler) safepointIfBackward(in bytecode.Instruction) {
	if target, _ := in.JumpTarget(); target <= in.PC {
		c.loadContext(c.arg(0))
		c.callSymbol(SymSafepoint)
	}
}

func (c *compiler) ret(operand int16) {
	c.e.Lea(c.arg(0), RBP, 0)
	c.callSymbol(SymPopRecord)
	c.loadOperand(RAX, operand)
	c.epilogue()
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

func (c *compiler) instruction(in bytecode.Instruction) error {
	ops := in.Operands
	switch in.Opcode.Family() {
	case bytecode.OpNop, bytecode.OpBreakpoint, bytecode.OpSetDebugValue, bytecode.OpCountExtension:
		return nil
	}

	c.storePC(in.PC)
	switch in.Opcode.Family() {
	case bytecode.OpUnreachable:
		c.loadContext(c.arg(0))
		c.callSymbol(SymUnreachable)
		c.e.Int3()
		return nil

	case bytecode.OpReturn:
		c.ret(ops[0])
		return nil
	case bytecode.OpJump:
		c.safepointIfBackward(in)
		c.jumpTo(c.e.Jmp32(), in)
		return nil
	case bytecode.OpJumpIfTrue:
		c.safepointIfBackward(in)
		c.loadOperand(RAX, ops[0])
		c.e.CmpRAXImm32(int32(object.True))
		c.jumpTo(c.e.Je32(), in)
		return nil
	case bytecode.OpJumpIfFalse:
		c.safepointIfBackward(in)
		c.loadOperand(RAX, ops[0])
		c.e.CmpRAXImm32(int32(object.True))
		c.jumpTo(c.e.Jne32(), in)
		return nil

	case bytecode.OpMove, bytecode.OpUncheckedDownCastValue:
		c.loadOperand(RAX, ops[len(ops)-1])
		return c.storeOperand(ops[0], RAX)

	case bytecode.OpStore:
		c.callWithContextNoResult(SymStore, ops[0], ops[1])
		return nil
	case bytecode.OpSlotAtPut:
		c.callWithContextNoResult(SymSlotAtPut, ops[0], ops[1], ops[2])
		return nil
	case bytecode.OpRefSlotAtPut:
		c.callWithContextNoResult(SymRefSlotAtPut, ops[0], ops[1], ops[2])
		return nil

	case bytecode.OpAlloca:
		return c.callWithContext(SymAlloca, ops[0], ops[1])
	case bytecode.OpLoad:
		return c.callWithContext(SymLoad, ops[0], ops[1])
	case bytecode.OpLoadSymbolValueBinding:
		return c.callWithContext(SymLoadSymbolValueBinding, ops[0], ops[1])
	case bytecode.OpAllocaWithValue:
		return c.callWithContext(SymAllocaWithValue, ops[0], ops[1], ops[2])
	case bytecode.OpCoerceValue:
		return c.callWithContext(SymCoerce, ops[0], ops[1], ops[2])
	case bytecode.OpDownCastValue:
		return c.callWithContext(SymDownCast, ops[0], ops[1], ops[2])
	case bytecode.OpMakeAssociation:
		return c.callWithContext(SymMakeAssociation, ops[0], ops[1], ops[2])
	case bytecode.OpMakeClosureWithVector:
		return c.callWithContext(SymMakeClosureWithVector, ops[0], ops[1], ops[2])
	case bytecode.OpSlotAt:
		return c.callWithContext(SymSlotAt, ops[0], ops[1], ops[2])
	case bytecode.OpSlotReferenceAt:
		return c.callWithContext(SymSlotReferenceAt, ops[0], ops[1], ops[2])
	case bytecode.OpRefSlotAt:
		return c.callWithContext(SymRefSlotAt, ops[0], ops[1], ops[2])
	case bytecode.OpRefSlotReferenceAt:
		return c.callWithContext(SymRefSlotReferenceAt, ops[0], ops[1], ops[2])

	case bytecode.OpCall:
		return c.apply(ops[0], ops[1], ops[2:], 0)
	case bytecode.OpUncheckedCall:
		return c.apply(ops[0], ops[1], ops[2:], object.ApplyNoTypecheck)
	case bytecode.OpSend:
		return c.send(ops[0], ops[1], ops[2:])
	case bytecode.OpSendWithLookup:
		return c.sendWithLookup(ops[0], ops[1], ops[2], ops[3:])
	case bytecode.OpMakeArrayWithElements:
		return c.makeSlots(SymArrayCreate, ops[0], ops[1:])
	case bytecode.OpMakeTupleWithElements:
		return c.makeSlots(SymTupleCreate, ops[0], ops[1:])
	case bytecode.OpMakeByteArrayWithElements:
		return c.makeByteArray(ops[0], ops[1:])
	case bytecode.OpMakeDictionaryWithElements:
		return c.makeDictionary(ops[0], ops[1:])
	case bytecode.OpMakeClosureWithCaptures:
		return c.makeClosureWithCaptures(ops[0], ops[1], ops[2:])
	}
	return fmt.Errorf("%s: %w", in.Opcode, ErrUnsupported)
}
