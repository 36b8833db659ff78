package compiler

import (
	"errors"
	"fmt"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

// ErrNotPointerLike is returned when a local-only alloca has a declared type
// that cannot be lowered to its base type.
var ErrNotPointerLike = errors.New("expected a pointer-like type for alloca to be lowered")

// Optimize runs jump elision followed by local-value elimination.
func (a *Assembler) Optimize() error {
	a.OptimizeJumps()
	return a.OptimizeLocalValues()
}

// OptimizeJumps removes jumps whose target is the instruction that follows
// them. After a removal the preceding instruction is examined again, so a
// single pass leaves no jump-to-next behind.
func (a *Assembler) OptimizeJumps() int {
	removed := 0
	for id := a.first; id != NoInstr; {
		in := &a.instrs[id]
		next := in.Next
		if !in.IsLabel && in.Opcode.IsJump() {
			last := in.Operands[len(in.Operands)-1]
			if last.Kind == OperandInstruction && last.Target == next {
				prev := in.Prev
				a.Remove(id)
				removed++
				if prev != NoInstr {
					next = prev
				}
			}
		}
		id = next
	}
	return removed
}

// OptimizeLocalValues classifies how every operand is defined and used, then
// strips the pointer indirection of allocas and slot references that never
// escape load and store.
func (a *Assembler) OptimizeLocalValues() error {
	for _, t := range a.temporaries {
		t.clearUsage()
	}
	for _, v := range a.arguments {
		v.clearUsage()
	}
	for _, v := range a.captures {
		v.clearUsage()
	}

	for id := a.first; id != NoInstr; id = a.instrs[id].Next {
		a.markOperandUsages(&a.instrs[id])
	}

	for id := a.first; id != NoInstr; {
		next := a.instrs[id].Next
		a.rewriteLocalOnly(id)
		id = next
	}

	return a.lowerAllocaTypes()
}

func (a *Assembler) markOperandUsages(in *Instruction) {
	if in.IsLabel {
		return
	}
	op := in.Opcode.Family()
	dsts := op.DestinationOperandCount()
	n := len(in.Operands)
	if op.IsJump() {
		n--
	}

	for i := 0; i < dsts && i < n; i++ {
		if in.Operands[i].Kind != OperandVector {
			continue
		}
		v := in.Operands[i].Vector
		if op == bytecode.OpAlloca || op == bytecode.OpAllocaWithValue {
			v.HasAllocaDestination = true
		} else {
			v.HasNonAllocaDestination = true
		}
		if op == bytecode.OpSlotReferenceAt {
			v.HasSlotReferenceDestination = true
		} else {
			v.HasNonSlotReferenceDestination = true
		}
	}

	for i := dsts; i < n; i++ {
		if in.Operands[i].Kind != OperandVector {
			continue
		}
		v := in.Operands[i].Vector
		switch {
		case op == bytecode.OpLoad:
			v.HasLoadStoreUsage = true
		case op == bytecode.OpStore && i == 0:
			v.HasLoadStoreUsage = true
		default:
			v.HasNonLoadStoreUsage = true
		}
	}
}

func (a *Assembler) rewriteLocalOnly(id InstrID) {
	in := &a.instrs[id]
	if in.IsLabel {
		return
	}
	vec := func(i int) *VectorOperand { return in.Operands[i].Vector }

	switch in.Opcode {
	case bytecode.OpAlloca:
		if vec(0).IsLocalOnlyAlloca() {
			in.Opcode = bytecode.OpMove
			in.Operands[1] = Vec(a.AddLiteral(object.Null))
		}
	case bytecode.OpAllocaWithValue:
		if vec(0).IsLocalOnlyAlloca() {
			in.Opcode = bytecode.OpMove
			in.Operands = []Operand{in.Operands[0], in.Operands[2]}
		}
	case bytecode.OpSlotReferenceAt:
		if ref := vec(0); ref.IsLocalOnlySlotReference() {
			ref.OptimizationTuple = vec(1)
			ref.OptimizationTypeSlot = vec(2)
			a.Remove(id)
		}
	case bytecode.OpLoad:
		if ptr := vec(1); ptr.IsLocalOnlyAlloca() {
			in.Opcode = bytecode.OpMove
		} else if ptr.IsLocalOnlySlotReference() && ptr.OptimizationTuple != nil {
			in.Opcode = bytecode.OpSlotAt
			in.Operands = []Operand{in.Operands[0], Vec(ptr.OptimizationTuple), Vec(ptr.OptimizationTypeSlot)}
		}
	case bytecode.OpStore:
		if ptr := vec(0); ptr.IsLocalOnlyAlloca() {
			in.Opcode = bytecode.OpMove
		} else if ptr.IsLocalOnlySlotReference() && ptr.OptimizationTuple != nil {
			in.Opcode = bytecode.OpSlotAtPut
			in.Operands = []Operand{Vec(ptr.OptimizationTuple), Vec(ptr.OptimizationTypeSlot), in.Operands[1]}
		}
	}
}

// lowerAllocaTypes rewrites the declared type of every eliminated alloca from
// its pointer type to the pointee type.
func (a *Assembler) lowerAllocaTypes() error {
	for i, t := range a.temporaries {
		if !t.IsLocalOnlyAlloca() || t.AllocaPointerRankLowered {
			continue
		}
		typ := a.temporaryTypes[i]
		info := a.heap.TypeInfo(typ)
		if info == nil || !info.PointerLike {
			return fmt.Errorf("temporary %s of type %s: %w", t, a.heap.TypeName(typ), ErrNotPointerLike)
		}
		a.temporaryTypes[i] = info.BaseType
		t.AllocaPointerRankLowered = true
	}
	return nil
}
