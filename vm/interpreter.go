package vm

import (
	"fmt"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Bytecode interpreter
// ---------------------------------------------------------------------------

// interpret runs b as the body of fn. The activation record roots every
// vector of the frame, so the collector may run at any backward branch.
func (ctx *Context) interpret(fn, definition object.Value, b *bytecode.Bytecode, args []object.Value) (object.Value, error) {
	h := ctx.Heap
	r := &BytecodeActivationRecord{
		Function:      fn,
		Definition:    definition,
		Bytecode:      b,
		CaptureVector: h.CaptureVectorOf(fn),
		LiteralVector: b.LiteralVector,
		Arguments:     args,
		Locals:        make([]object.Value, b.LocalVectorSize),
	}
	ctx.Push(r)
	defer ctx.Pop(r)

	dec := bytecode.NewDecoder(b.Instructions)
	for {
		if dec.Done() {
			return object.Null, ctx.Errorf("Bytecode execution reached the end of the function without returning.")
		}
		in, err := dec.Next()
		if err != nil {
			return object.Null, fmt.Errorf("%s: %w", ctx.functionName(fn), err)
		}
		r.PC = in.PC
		if in.Opcode == bytecode.OpCountExtension {
			continue
		}
		if err := ctx.fetchOperands(r, in); err != nil {
			return object.Null, err
		}

		done, err := ctx.execute(r, in, dec)
		if err != nil {
			return object.Null, err
		}
		if done {
			return r.Result, nil
		}
	}
}

// fetchOperands validates the destinations of in and loads its source
// operands into the register file.
func (ctx *Context) fetchOperands(r *BytecodeActivationRecord, in bytecode.Instruction) error {
	if cap(r.Operands) < len(in.Operands) {
		r.Operands = make([]object.Value, len(in.Operands))
	}
	r.Operands = r.Operands[:len(in.Operands)]

	destinations := in.Opcode.DestinationOperandCount()
	for i := 0; i < destinations; i++ {
		kind, index := bytecode.DecodeOperand(in.Operands[i])
		if index < 0 {
			continue
		}
		if kind != bytecode.VectorLocal {
			return ctx.Errorf("Bytecode destination operands must be in the local vector.")
		}
		if int(index) >= len(r.Locals) {
			return ctx.Errorf("Bytecode destination operand is beyond the local vector bounds.")
		}
	}

	jump := in.Opcode.JumpOperandIndex()
	immediate := in.Opcode.ImmediateOperandIndex()
	for i := destinations; i < len(in.Operands); i++ {
		if i == jump || i == immediate {
			continue
		}
		v, err := ctx.fetchOperand(r, in.Operands[i])
		if err != nil {
			return err
		}
		r.Operands[i] = v
	}
	return nil
}

func (ctx *Context) fetchOperand(r *BytecodeActivationRecord, operand int16) (object.Value, error) {
	kind, index := bytecode.DecodeOperand(operand)
	if index < 0 {
		return object.Null, nil
	}
	i := int(index)
	switch kind {
	case bytecode.VectorArguments:
		if i >= len(r.Arguments) {
			return object.Null, ctx.Errorf("Bytecode operand is beyond the argument vector bounds.")
		}
		return r.Arguments[i], nil
	case bytecode.VectorCaptures:
		captures := ctx.Heap.ArrayElements(r.CaptureVector)
		if i >= len(captures) {
			return object.Null, ctx.Errorf("Bytecode operand is beyond the capture vector bounds.")
		}
		return captures[i], nil
	case bytecode.VectorLiteral:
		if i >= len(r.Bytecode.Literals) {
			return object.Null, ctx.Errorf("Bytecode operand is beyond the literal vector bounds.")
		}
		return r.Bytecode.Literals[i], nil
	default:
		if i >= len(r.Locals) {
			return object.Null, ctx.Errorf("Bytecode operand is beyond the local vector bounds.")
		}
		return r.Locals[i], nil
	}
}

func (r *BytecodeActivationRecord) setDestination(in bytecode.Instruction, value object.Value) {
	_, index := bytecode.DecodeOperand(in.Operands[0])
	if index >= 0 {
		r.Locals[index] = value
	}
}

func (ctx *Context) jump(r *BytecodeActivationRecord, in bytecode.Instruction, dec *bytecode.Decoder) error {
	delta := in.Operands[in.Opcode.JumpOperandIndex()]
	target := in.NextPC() + int(delta)
	if target < 0 || target > len(r.Bytecode.Instructions) {
		return ctx.Errorf("Bytecode jump target is out of bounds.")
	}
	dec.Seek(target)
	if delta < 0 {
		ctx.Safepoint()
	}
	return nil
}

// execute runs one instruction. It reports true once the function returned.
func (ctx *Context) execute(r *BytecodeActivationRecord, in bytecode.Instruction, dec *bytecode.Decoder) (bool, error) {
	h := ctx.Heap
	ops := r.Operands

	var (
		result object.Value
		err    error
	)
	switch in.Opcode.Family() {
	case bytecode.OpNop, bytecode.OpBreakpoint, bytecode.OpSetDebugValue:
		return false, nil
	case bytecode.OpUnreachable:
		return false, ctx.Errorf("Unreachable bytecode executed")

	case bytecode.OpReturn:
		r.Result = ops[0]
		return true, nil
	case bytecode.OpJump:
		return false, ctx.jump(r, in, dec)
	case bytecode.OpJumpIfTrue:
		if ops[0] == object.True {
			return false, ctx.jump(r, in, dec)
		}
		return false, nil
	case bytecode.OpJumpIfFalse:
		if ops[0] != object.True {
			return false, ctx.jump(r, in, dec)
		}
		return false, nil

	case bytecode.OpStore:
		return false, ctx.Store(ops[0], ops[1])
	case bytecode.OpSlotAtPut:
		return false, ctx.SlotAtPut(ops[0], ops[1], ops[2])
	case bytecode.OpRefSlotAtPut:
		return false, ctx.RefSlotAtPut(ops[0], ops[1], ops[2])

	case bytecode.OpAlloca:
		result = ctx.Alloca(ops[1])
	case bytecode.OpMove:
		result = ops[1]
	case bytecode.OpLoad:
		result, err = ctx.Load(ops[1])
	case bytecode.OpLoadSymbolValueBinding:
		result, err = ctx.LoadSymbolValueBinding(ops[1])
	case bytecode.OpAllocaWithValue:
		result = ctx.AllocaWithValue(ops[1], ops[2])
	case bytecode.OpCoerceValue:
		result, err = ctx.Coerce(ops[1], ops[2])
	case bytecode.OpDownCastValue:
		result, err = ctx.DownCast(ops[1], ops[2])
	case bytecode.OpUncheckedDownCastValue:
		result = ops[2]
	case bytecode.OpMakeAssociation:
		result = h.NewAssociation(ops[1], ops[2])
	case bytecode.OpMakeClosureWithVector:
		result = ctx.MakeClosureWithVector(ops[1], ops[2])
	case bytecode.OpSlotAt:
		result, err = ctx.SlotAt(ops[1], ops[2])
	case bytecode.OpSlotReferenceAt:
		result, err = ctx.SlotReferenceAt(ops[1], ops[2])
	case bytecode.OpRefSlotAt:
		result, err = ctx.RefSlotAt(ops[1], ops[2])
	case bytecode.OpRefSlotReferenceAt:
		result, err = ctx.RefSlotReferenceAt(ops[1], ops[2])

	case bytecode.OpCall:
		result, err = ctx.Apply(ops[1], copyValues(ops[2:]), 0)
	case bytecode.OpUncheckedCall:
		result, err = ctx.Apply(ops[1], copyValues(ops[2:]), object.ApplyNoTypecheck)
	case bytecode.OpSend:
		result, err = ctx.Send(ops[1], ops[2], copyValues(ops[3:]), 0)
	case bytecode.OpSendWithLookup:
		result, err = ctx.SendWithLookup(ops[1], ops[2], ops[3], copyValues(ops[4:]), 0)
	case bytecode.OpMakeArrayWithElements:
		result = h.NewArray(ops[1:]...)
	case bytecode.OpMakeByteArrayWithElements:
		result = ctx.MakeByteArray(ops[1:])
	case bytecode.OpMakeClosureWithCaptures:
		result = ctx.MakeClosureWithCaptures(ops[1], ops[2:])
	case bytecode.OpMakeDictionaryWithElements:
		result, err = ctx.MakeDictionary(ops[1:])
	case bytecode.OpMakeTupleWithElements:
		result = h.NewTupleWithElements(ops[1:]...)

	default:
		return false, fmt.Errorf("%s at %04X: %w", in.Opcode, in.PC, bytecode.ErrUnknownOpcode)
	}
	if err != nil {
		return false, err
	}
	r.setDestination(in, result)
	return false, nil
}

// copyValues detaches call arguments from the register file.
func copyValues(values []object.Value) []object.Value {
	out := make([]object.Value, len(values))
	copy(out, values)
	return out
}
