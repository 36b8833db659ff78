package compiler

import (
	"testing"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pos(line int) NodeInfo {
	return NodeInfo{Position: object.SourcePosition{Source: "test.rvm", Line: line, Column: 1}}
}

func typed(line int, typ object.Value) NodeInfo {
	info := pos(line)
	info.AnalyzedType = typ
	return info
}

func lit(v object.Value) *Literal { return &Literal{NodeInfo: pos(1), Value: v} }

func newDefinition(h *object.Heap, name string, analysis *FunctionAnalysis) object.Value {
	return h.NewFunctionDefinition(&object.Definition{
		Name:          name,
		ArgumentCount: len(analysis.Arguments),
		CaptureCount:  len(analysis.Captures),
		Analysis:      analysis,
	})
}

// compileBody compiles body as a function of the given arguments and returns
// the compiler so the IR can be inspected.
func compileBody(t *testing.T, h *object.Heap, args []*ArgumentBinding, body Node) (*Compiler, *VectorOperand) {
	t.Helper()
	c := NewCompiler(h)
	c.BindAnalysis(&FunctionAnalysis{Arguments: args})
	result, err := c.CompileASTNode(body)
	require.NoError(t, err)
	c.Return(result)
	return c, result
}

func TestIfElseScenario(t *testing.T) {
	h := object.NewHeap()
	x := &ArgumentBinding{BindingInfo{Name: "x", Type: h.Types.Boolean}}
	body := &If{
		NodeInfo:  typed(1, h.Types.Integer),
		Condition: &Identifier{NodeInfo: pos(1), Binding: x},
		True:      lit(object.FromInt(1)),
		False:     lit(object.FromInt(2)),
	}
	c, result := compileBody(t, h, []*ArgumentBinding{x}, body)

	ids := c.Order()
	require.Len(t, ids, 7)

	jif := c.Instr(ids[0])
	assert.Equal(t, bytecode.OpJumpIfFalse, jif.Opcode)
	assert.Same(t, c.Argument(0), jif.Operands[0].Vector)
	falseLabel := jif.Operands[1].Target
	assert.Equal(t, ids[3], falseLabel)

	moveTrue, jump, moveFalse := c.Instr(ids[1]), c.Instr(ids[2]), c.Instr(ids[4])
	assert.Equal(t, bytecode.OpMove, moveTrue.Opcode)
	assert.Equal(t, bytecode.OpJump, jump.Opcode)
	assert.Equal(t, bytecode.OpMove, moveFalse.Opcode)
	assert.Same(t, result, moveTrue.Operands[0].Vector)
	assert.Same(t, result, moveFalse.Operands[0].Vector)
	mergeLabel := jump.Operands[0].Target
	assert.Equal(t, ids[5], mergeLabel)
	assert.True(t, c.Instr(mergeLabel).IsLabel)

	// The true-branch jump skips the false branch, so it survives elision.
	assert.Equal(t, 0, c.OptimizeJumps())

	b, err := c.Assemble()
	require.NoError(t, err)
	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpJumpIfFalse, bytecode.OpMove, bytecode.OpJump, bytecode.OpMove, bytecode.OpReturn,
	}, opcodes(decode(t, b)))
}

func TestIfWithoutElseYieldsNull(t *testing.T) {
	h := object.NewHeap()
	x := &ArgumentBinding{BindingInfo{Name: "x"}}
	body := &If{
		NodeInfo:  pos(1),
		Condition: &Identifier{NodeInfo: pos(1), Binding: x},
		True:      lit(object.FromInt(1)),
	}
	c, _ := compileBody(t, h, []*ArgumentBinding{x}, body)
	_, ok := c.literalMap[object.Null]
	assert.True(t, ok, "missing branch materializes null")
}

func mutableLetBody(h *object.Heap, pointerType object.Value) (*LocalBinding, Node) {
	v := &LocalBinding{BindingInfo{Name: "v", Type: pointerType}}
	load := h.NewPrimitive(primitivePointerLikeLoad, 0)
	store := h.NewPrimitive(primitivePointerLikeStore, 0)
	return v, &Sequence{
		NodeInfo: pos(1),
		Elements: []Node{
			&LocalDefinition{NodeInfo: typed(1, pointerType), Binding: v, Value: lit(object.FromInt(5)), Mutable: true},
			&FunctionApplication{
				NodeInfo:  typed(2, pointerType),
				Function:  lit(store),
				Arguments: []Node{&Identifier{NodeInfo: pos(2), Binding: v}, lit(object.FromInt(6))},
			},
			&FunctionApplication{
				NodeInfo:  typed(3, h.Types.Integer),
				Function:  lit(load),
				Arguments: []Node{&Identifier{NodeInfo: pos(3), Binding: v}},
			},
		},
	}
}

func TestMutableLetScenario(t *testing.T) {
	h := object.NewHeap()
	pointerType := h.PointerType(h.Types.Integer)
	_, body := mutableLetBody(h, pointerType)
	c, _ := compileBody(t, h, nil, body)

	first := c.Instr(c.First())
	require.Equal(t, bytecode.OpAllocaWithValue, first.Opcode)
	box := first.Operands[0].Vector
	typeLiteral, ok := c.LiteralValue(first.Operands[1].Vector)
	require.True(t, ok)
	assert.Equal(t, pointerType, typeLiteral)

	require.NoError(t, c.OptimizeLocalValues())
	assert.True(t, box.IsLocalOnlyAlloca())
	assert.True(t, box.AllocaPointerRankLowered)
	assert.Equal(t, h.Types.Integer, c.TemporaryType(box))

	b, err := c.Assemble()
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	instrs := decode(t, b)
	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpMove, bytecode.OpMove, bytecode.OpMove, bytecode.OpReturn,
	}, opcodes(instrs))
	for _, in := range instrs {
		assert.NotEqual(t, bytecode.OpLoad, in.Opcode)
		assert.NotEqual(t, bytecode.OpStore, in.Opcode)
	}
}

func TestEscapingAllocaIsKept(t *testing.T) {
	h := object.NewHeap()
	pointerType := h.PointerType(h.Types.Integer)
	v := &LocalBinding{BindingInfo{Name: "v", Type: pointerType}}
	body := &Sequence{NodeInfo: pos(1), Elements: []Node{
		&LocalDefinition{NodeInfo: typed(1, pointerType), Binding: v, Value: lit(object.FromInt(5)), Mutable: true},
		// The pointer itself is returned.
		&Identifier{NodeInfo: pos(2), Binding: v},
	}}
	c, _ := compileBody(t, h, nil, body)
	require.NoError(t, c.OptimizeLocalValues())

	b, err := c.Assemble()
	require.NoError(t, err)
	assert.Equal(t, []bytecode.Opcode{bytecode.OpAllocaWithValue, bytecode.OpReturn}, opcodes(decode(t, b)))
	assert.Contains(t, b.Literals, pointerType)
	assert.Contains(t, b.Literals, object.FromInt(5))
}

func TestLoweringRequiresPointerType(t *testing.T) {
	h := object.NewHeap()
	_, body := mutableLetBody(h, h.Types.Integer)
	c, _ := compileBody(t, h, nil, body)
	assert.ErrorIs(t, c.OptimizeLocalValues(), ErrNotPointerLike)
}

func TestTupleSlotReferenceElimination(t *testing.T) {
	h := object.NewHeap()
	point := h.NewType("Point", h.Types.Object, "x", "y")
	xSlot, _ := h.SlotNamed(point, "x")

	p := &ArgumentBinding{BindingInfo{Name: "p", Type: point}}
	x := &TupleSlotBinding{BindingInfo: BindingInfo{Name: "x", Type: h.Types.Integer}, Tuple: p, TypeSlot: xSlot}
	load := h.NewPrimitive(primitivePointerLikeLoad, 0)
	body := &FunctionApplication{
		NodeInfo:  typed(1, h.Types.Integer),
		Function:  lit(load),
		Arguments: []Node{&Identifier{NodeInfo: pos(1), Binding: x}},
	}
	c, _ := compileBody(t, h, []*ArgumentBinding{p}, body)
	require.NoError(t, c.OptimizeLocalValues())

	b, err := c.Assemble()
	require.NoError(t, err)
	instrs := decode(t, b)
	require.Equal(t, []bytecode.Opcode{bytecode.OpSlotAt, bytecode.OpReturn}, opcodes(instrs))
	assert.Equal(t, bytecode.EncodeOperand(bytecode.VectorArguments, 0), instrs[0].Operands[1])
}

func TestSlotReferenceThroughPointerTuple(t *testing.T) {
	h := object.NewHeap()
	point := h.NewType("Point", h.Types.Object, "x")
	xSlot, _ := h.SlotNamed(point, "x")
	p := &ArgumentBinding{BindingInfo{Name: "p", Type: h.ReferenceType(point)}}
	x := &TupleSlotBinding{BindingInfo: BindingInfo{Name: "x", Type: h.Types.Integer}, Tuple: p, TypeSlot: xSlot}

	c, result := compileBody(t, h, []*ArgumentBinding{p}, &Identifier{NodeInfo: pos(1), Binding: x})
	in := c.Instr(c.First())
	assert.Equal(t, bytecode.OpRefSlotReferenceAt, in.Opcode)
	assert.Equal(t, h.ReferenceType(h.Types.Integer), c.TemporaryType(result))
}

func TestWhileLoopWithBreak(t *testing.T) {
	h := object.NewHeap()
	x := &ArgumentBinding{BindingInfo{Name: "x"}}
	body := &WhileContinue{
		NodeInfo:  pos(1),
		Condition: &Identifier{NodeInfo: pos(1), Binding: x},
		Body:      &Break{NodeInfo: pos(2)},
	}
	c, _ := compileBody(t, h, []*ArgumentBinding{x}, body)
	c.OptimizeJumps()
	b, err := c.Assemble()
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	instrs := decode(t, b)
	// jumpIfFalse x merge; jump merge (break); jump entry; return void.
	require.Equal(t, []bytecode.Opcode{
		bytecode.OpJumpIfFalse, bytecode.OpJump, bytecode.OpJump, bytecode.OpReturn,
	}, opcodes(instrs))
	exit, _ := instrs[0].JumpTarget()
	brk, _ := instrs[1].JumpTarget()
	back, _ := instrs[2].JumpTarget()
	assert.Equal(t, instrs[3].PC, exit)
	assert.Equal(t, instrs[3].PC, brk)
	assert.Equal(t, 0, back)
}

func TestDoWhileContinueTargetsCondition(t *testing.T) {
	h := object.NewHeap()
	x := &ArgumentBinding{BindingInfo{Name: "x"}}
	body := &DoWhileContinue{
		NodeInfo:  pos(1),
		Body:      &Continue{NodeInfo: pos(2)},
		Condition: &Identifier{NodeInfo: pos(3), Binding: x},
	}
	c, _ := compileBody(t, h, []*ArgumentBinding{x}, body)
	c.OptimizeJumps()
	b, err := c.Assemble()
	require.NoError(t, err)

	instrs := decode(t, b)
	require.Equal(t, []bytecode.Opcode{
		bytecode.OpJumpIfFalse, bytecode.OpJump, bytecode.OpReturn,
	}, opcodes(instrs))
	back, _ := instrs[1].JumpTarget()
	assert.Equal(t, 0, back)
}

func TestMessageSendOperandOrder(t *testing.T) {
	h := object.NewHeap()
	x := &ArgumentBinding{BindingInfo{Name: "x"}}
	selector := h.Intern("at:put:")
	body := &MessageSend{
		NodeInfo:           pos(1),
		Receiver:           &Identifier{NodeInfo: pos(1), Binding: x},
		ReceiverLookupType: lit(h.Types.Object),
		Selector:           lit(selector),
		Arguments:          []Node{lit(object.FromInt(1)), lit(object.FromInt(2))},
	}
	c, _ := compileBody(t, h, []*ArgumentBinding{x}, body)
	b, err := c.Assemble()
	require.NoError(t, err)

	instrs := decode(t, b)
	send := instrs[0]
	assert.Equal(t, bytecode.OpSendWithLookup, send.Opcode.Family())
	assert.Equal(t, 2, send.Count)
	require.Len(t, send.Operands, 6)
	assert.Equal(t, h.Types.Object, b.Literals[0])
	assert.Equal(t, selector, b.Literals[1])
	assert.Equal(t, bytecode.EncodeOperand(bytecode.VectorLiteral, 0), send.Operands[1])
	assert.Equal(t, bytecode.EncodeOperand(bytecode.VectorLiteral, 1), send.Operands[2])
	assert.Equal(t, bytecode.EncodeOperand(bytecode.VectorArguments, 0), send.Operands[3])
}

func TestLambdaCapturesFromEnclosingBindings(t *testing.T) {
	h := object.NewHeap()
	x := &ArgumentBinding{BindingInfo{Name: "x"}}
	inner := &FunctionAnalysis{
		Captures: []*CaptureBinding{{BindingInfo: BindingInfo{Name: "x"}, Source: x}},
	}
	definition := newDefinition(h, "inner", inner)
	f := &LocalBinding{BindingInfo{Name: "f"}}
	body := &Sequence{NodeInfo: pos(1), Elements: []Node{
		&Lambda{NodeInfo: pos(1), Definition: definition, Binding: f},
		&Identifier{NodeInfo: pos(2), Binding: f},
	}}
	c, result := compileBody(t, h, []*ArgumentBinding{x}, body)

	in := c.Instr(c.First())
	assert.Equal(t, bytecode.OpMakeClosureWithCaptures.WithCount(1), in.Opcode)
	assert.Same(t, result, in.Operands[0].Vector)
	assert.Same(t, c.Argument(0), in.Operands[2].Vector)
}

func TestAnyValueToVoidDiscardsResult(t *testing.T) {
	h := object.NewHeap()
	toVoid := h.NewPrimitive(primitiveAnyValueToVoid, 0)
	c, result := compileBody(t, h, nil, &FunctionApplication{
		NodeInfo:  pos(1),
		Function:  lit(toVoid),
		Arguments: []Node{lit(object.FromInt(3))},
	})
	v, ok := c.LiteralValue(result)
	require.True(t, ok)
	assert.Equal(t, object.Void, v)
	assert.Equal(t, bytecode.OpReturn, c.Instr(c.First()).Opcode)
}

type unknownNode struct{ NodeInfo }

func TestCompileErrors(t *testing.T) {
	h := object.NewHeap()
	tests := []struct {
		name string
		body Node
		want error
	}{
		{"break outside loop", &Break{NodeInfo: pos(1)}, ErrBreakLocation},
		{"continue outside loop", &Continue{NodeInfo: pos(1)}, ErrContinueLocation},
		{"unbound identifier", &Identifier{NodeInfo: pos(1), Binding: &LocalBinding{BindingInfo{Name: "y"}}}, ErrInvalidBinding},
		{"unknown node", &unknownNode{NodeInfo: pos(1)}, ErrUnsupportedNode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCompiler(h)
			_, err := c.CompileASTNode(tt.body)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProvenanceIsRestored(t *testing.T) {
	h := object.NewHeap()
	outer := &Sequence{NodeInfo: pos(10), Elements: []Node{
		&Return{NodeInfo: pos(11), Expression: lit(object.True)},
	}}
	c := NewCompiler(h)
	_, err := c.CompileASTNode(outer)
	require.NoError(t, err)
	assert.Nil(t, c.astNode)

	ret := c.Instr(c.First())
	assert.Equal(t, 11, ret.Position.Line)
	assert.Same(t, outer.Elements[0], ret.ASTNode)
}

func TestCompileFunctionDefinition(t *testing.T) {
	h := object.NewHeap()
	x := &ArgumentBinding{BindingInfo{Name: "x"}}
	analysis := &FunctionAnalysis{
		Arguments: []*ArgumentBinding{x},
		Body:      &Identifier{NodeInfo: pos(1), Binding: x},
	}
	definition := newDefinition(h, "identity", analysis)

	b, err := CompileFunctionDefinition(h, definition)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ArgumentCount)
	assert.Equal(t, definition, b.Definition)
	instrs := decode(t, b)
	require.Len(t, instrs, 1)
	assert.Equal(t, bytecode.OpReturn, instrs[0].Opcode)

	empty := newDefinition(h, "empty", &FunctionAnalysis{})
	b, err = CompileFunctionDefinition(h, empty, WithoutOptimization())
	require.NoError(t, err)
	require.Len(t, b.Literals, 1)
	assert.Equal(t, object.Void, b.Literals[0])

	_, err = CompileFunctionDefinition(h, object.FromInt(3))
	assert.ErrorIs(t, err, ErrNotDefinition)
	_, err = CompileFunctionDefinition(h, h.NewFunctionDefinition(&object.Definition{Name: "bare"}))
	assert.ErrorIs(t, err, ErrMissingAnalysis)
}
