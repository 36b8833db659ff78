package compiler

import (
	"testing"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, b *bytecode.Bytecode) []bytecode.Instruction {
	t.Helper()
	instrs, err := bytecode.DecodeAll(b.Instructions)
	require.NoError(t, err)
	return instrs
}

func opcodes(instrs []bytecode.Instruction) []bytecode.Opcode {
	ops := make([]bytecode.Opcode, len(instrs))
	for i, in := range instrs {
		ops[i] = in.Opcode.Family()
	}
	return ops
}

func TestJumpDeltas(t *testing.T) {
	h := object.NewHeap()
	a := NewAssembler(h)
	a.SetArgumentCount(1)

	loop := a.NewLabel()
	done := a.NewLabel()
	result := a.NewTemporary(object.Null)

	a.AddInstruction(loop)
	a.JumpIfFalse(a.Argument(0), done)
	a.Move(result, a.AddLiteral(object.FromInt(1)))
	a.Jump(loop)
	a.AddInstruction(done)
	a.Return(result)

	b, err := a.Assemble()
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	instrs := decode(t, b)
	require.Len(t, instrs, 4)

	forward, ok := instrs[0].JumpTarget()
	require.True(t, ok)
	assert.Equal(t, instrs[3].PC, forward, "jumpIfFalse lands on return")

	backward, ok := instrs[2].JumpTarget()
	require.True(t, ok)
	assert.Equal(t, 0, backward, "jump lands on loop head")
	assert.Equal(t, a.Instr(done).PC, instrs[3].PC)
}

func TestUnplacedJumpTarget(t *testing.T) {
	a := NewAssembler(object.NewHeap())
	a.Jump(a.NewLabel())
	_, err := a.Assemble()
	assert.ErrorIs(t, err, ErrUnplacedTarget)
}

func TestAddInstructionTwicePanics(t *testing.T) {
	a := NewAssembler(object.NewHeap())
	l := a.NewLabel()
	a.AddInstruction(l)
	assert.Panics(t, func() { a.AddInstruction(l) })
}

func TestLiteralsInternByIdentity(t *testing.T) {
	h := object.NewHeap()
	a := NewAssembler(h)
	s := h.NewString("x")
	assert.Same(t, a.AddLiteral(s), a.AddLiteral(s))
	assert.NotSame(t, a.AddLiteral(s), a.AddLiteral(h.NewString("x")))
	assert.Len(t, a.Literals(), 2)
}

func TestCountExtension(t *testing.T) {
	h := object.NewHeap()
	a := NewAssembler(h)
	elements := make([]*VectorOperand, 20)
	for i := range elements {
		elements[i] = a.AddLiteral(object.FromInt(int64(i)))
	}
	array := a.NewTemporary(h.Types.Array)
	a.MakeArray(array, elements)
	a.Return(array)

	b, err := a.Assemble()
	require.NoError(t, err)

	instrs := decode(t, b)
	require.Len(t, instrs, 3)
	assert.Equal(t, bytecode.OpCountExtension, instrs[0].Opcode)
	assert.Equal(t, int16(1), instrs[0].Operands[0])
	assert.Equal(t, bytecode.OpMakeArrayWithElements.WithCount(4), instrs[1].Opcode)
	assert.Equal(t, 20, instrs[1].Count)
	assert.Len(t, instrs[1].Operands, 21)
}

func TestOptimizeJumpsIdempotent(t *testing.T) {
	a := NewAssembler(object.NewHeap())
	a.SetArgumentCount(1)
	end := a.NewLabel()
	next := a.NewLabel()

	// The conditional jump only becomes a jump-to-next once the
	// unconditional jump after it is gone.
	a.JumpIfFalse(a.Argument(0), end)
	a.Jump(end)
	a.AddInstruction(end)
	a.Jump(next)
	a.AddInstruction(next)
	a.Return(a.Argument(0))

	assert.Equal(t, 3, a.OptimizeJumps())
	once := a.Listing()
	assert.Equal(t, 0, a.OptimizeJumps())
	assert.Equal(t, once, a.Listing())

	for _, id := range a.Order() {
		in := a.Instr(id)
		assert.False(t, !in.IsLabel && in.Opcode.IsJump(), "jump left at L%d", id)
	}
}

func TestOptimizeJumpsKeepsRealJumps(t *testing.T) {
	a := NewAssembler(object.NewHeap())
	a.SetArgumentCount(1)
	skip := a.NewLabel()
	a.JumpIfTrue(a.Argument(0), skip)
	a.Return(a.AddLiteral(object.False))
	a.AddInstruction(skip)
	a.Return(a.AddLiteral(object.True))

	assert.Equal(t, 0, a.OptimizeJumps())
	assert.Len(t, a.Order(), 4)
}

func TestDebugTableCompactness(t *testing.T) {
	h := object.NewHeap()
	a := NewAssembler(h)
	a.SetArgumentCount(1)
	env := &Environment{Name: "body"}
	first := &Literal{NodeInfo: NodeInfo{Position: object.SourcePosition{Source: "t.rvm", Line: 1}}}
	second := &Literal{NodeInfo: NodeInfo{Position: object.SourcePosition{Source: "t.rvm", Line: 2}}}

	stamp := func(n Node) {
		a.astNode, a.position, a.environment = n, n.Pos(), env
	}

	t0 := a.NewTemporary(object.Null)
	stamp(first)
	a.Move(t0, a.Argument(0))
	a.Move(t0, a.Argument(0))
	label := a.NewLabel()
	stamp(second)
	a.AddInstruction(label)
	stamp(first)
	a.Move(t0, t0)
	stamp(second)
	a.Move(t0, t0)
	a.Return(t0)

	b, err := a.Assemble()
	require.NoError(t, err)

	assert.Len(t, b.DebugPositions, 2, "entries are deduplicated")
	for i := 1; i < len(b.PCTable); i++ {
		assert.NotEqual(t, b.PCTable[i-1].Entry, b.PCTable[i].Entry, "consecutive entries at %d", i)
		assert.Less(t, b.PCTable[i-1].PC, b.PCTable[i].PC)
	}

	for _, id := range a.Order() {
		in := a.Instr(id)
		if in.IsLabel {
			continue
		}
		pos, ok := b.SourcePositionAt(in.PC)
		require.True(t, ok)
		assert.Equal(t, in.Position, pos, "position at %04X", in.PC)
		node, ok := b.ASTNodeAt(in.PC)
		require.True(t, ok)
		assert.Equal(t, in.ASTNode, node)
		envAt, ok := b.EnvironmentAt(in.PC)
		require.True(t, ok)
		assert.Equal(t, env, envAt)
	}
}

func TestAppendPCEntry(t *testing.T) {
	var table []bytecode.PCEntry
	table = appendPCEntry(table, 0, 0)
	table = appendPCEntry(table, 3, 0)
	table = appendPCEntry(table, 6, 1)
	// A label at 9 followed by an instruction at 9 with the old entry.
	table = appendPCEntry(table, 9, 2)
	table = appendPCEntry(table, 9, 1)
	table = appendPCEntry(table, 12, 0)

	assert.Equal(t, []bytecode.PCEntry{{PC: 0, Entry: 0}, {PC: 6, Entry: 1}, {PC: 12, Entry: 0}}, table)
}
