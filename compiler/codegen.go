package compiler

import (
	"errors"
	"fmt"

	"github.com/chazu/regvm/object"
)

// ---------------------------------------------------------------------------
// Codegen: compile analyzed AST nodes into assembler instructions
// ---------------------------------------------------------------------------

var (
	ErrInvalidBinding   = errors.New("invalid value binding")
	ErrBreakLocation    = errors.New("break statement in wrong location")
	ErrContinueLocation = errors.New("continue statement in wrong location")
	ErrUnsupportedNode  = errors.New("node kind does not implement bytecode compilation")
)

// Primitive names the compiler expands inline.
const (
	primitiveAnyValueToVoid   = "anyValueToVoid"
	primitivePointerLikeLoad  = "pointerLikeLoad"
	primitivePointerLikeStore = "pointerLikeStore"
)

// Compiler lowers the body of one function into an Assembler.
type Compiler struct {
	*Assembler

	// bindings maps every binding materialized by this compilation to the
	// operand holding its value.
	bindings map[Binding]*VectorOperand
}

// NewCompiler creates a compiler with an empty assembler.
func NewCompiler(h *object.Heap) *Compiler {
	return &Compiler{
		Assembler: NewAssembler(h),
		bindings:  make(map[Binding]*VectorOperand),
	}
}

// Bind records the operand holding the value of b.
func (c *Compiler) Bind(b Binding, v *VectorOperand) {
	c.bindings[b] = v
}

// BindAnalysis binds the arguments and captures of an analyzed function.
func (c *Compiler) BindAnalysis(analysis *FunctionAnalysis) {
	c.SetArgumentCount(len(analysis.Arguments))
	c.SetCaptureCount(len(analysis.Captures))
	for i, arg := range analysis.Arguments {
		c.Bind(arg, c.Argument(i))
	}
	for i, capture := range analysis.Captures {
		c.Bind(capture, c.Capture(i))
	}
	c.environment = analysis.Environment
}

// CompileASTNode compiles n and returns the operand holding its value.
// Instructions emitted meanwhile carry n and its position as provenance.
func (c *Compiler) CompileASTNode(n Node) (*VectorOperand, error) {
	oldPosition, oldNode := c.position, c.astNode
	c.position, c.astNode = n.Pos(), n
	defer func() { c.position, c.astNode = oldPosition, oldNode }()

	switch n := n.(type) {
	case *Literal:
		return c.AddLiteral(n.Value), nil
	case *Identifier:
		return c.GetBindingValue(n.Binding)
	case *LocalDefinition:
		return c.compileLocalDefinition(n)
	case *Lambda:
		return c.compileLambda(n)
	case *Sequence:
		return c.compileSequence(n)
	case *LexicalBlock:
		return c.WithEnvironment(n.Environment, func() (*VectorOperand, error) {
			return c.CompileASTNode(n.Body)
		})
	case *If:
		return c.compileIf(n)
	case *WhileContinue:
		return c.compileWhileContinue(n)
	case *DoWhileContinue:
		return c.compileDoWhileContinue(n)
	case *Break:
		if c.breakLabel == NoInstr {
			return nil, fmt.Errorf("%s: %w", n.Pos(), ErrBreakLocation)
		}
		c.Jump(c.breakLabel)
		return c.AddLiteral(object.Void), nil
	case *Continue:
		if c.continueLabel == NoInstr {
			return nil, fmt.Errorf("%s: %w", n.Pos(), ErrContinueLocation)
		}
		c.Jump(c.continueLabel)
		return c.AddLiteral(object.Void), nil
	case *Return:
		value, err := c.CompileASTNode(n.Expression)
		if err != nil {
			return nil, err
		}
		c.Return(value)
		return value, nil
	case *FunctionApplication:
		return c.compileFunctionApplication(n)
	case *MessageSend:
		return c.compileMessageSend(n)
	case *Coerce:
		return c.compileCast(n.TypeExpression, n.Value, n.Type(), c.CoerceValue)
	case *DownCast:
		if n.Unchecked {
			return c.compileCast(n.TypeExpression, n.Value, n.Type(), c.UncheckedDownCastValue)
		}
		return c.compileCast(n.TypeExpression, n.Value, n.Type(), c.DownCastValue)
	case *MakeArray:
		return c.compileElements(n.Elements, n.Type(), c.MakeArray)
	case *MakeByteArray:
		return c.compileElements(n.Elements, n.Type(), c.MakeByteArray)
	case *MakeDictionary:
		return c.compileElements(n.Elements, n.Type(), c.MakeDictionary)
	case *MakeTuple:
		return c.compileElements(n.Elements, n.Type(), c.MakeTuple)
	case *MakeAssociation:
		return c.compileMakeAssociation(n)
	case *TupleSlotNamedAt:
		return c.compileSlotRead(n.Tuple, n.BoundSlot, n.Type(), c.SlotAt, c.RefSlotAt)
	case *TupleSlotNamedReferenceAt:
		return c.compileSlotRead(n.Tuple, n.BoundSlot, n.Type(), c.SlotReferenceAt, c.RefSlotReferenceAt)
	case *TupleSlotNamedAtPut:
		return c.compileSlotAtPut(n)
	case *UseNamedSlotsOf:
		tuple, err := c.CompileASTNode(n.Tuple)
		if err != nil {
			return nil, err
		}
		if n.Binding != nil {
			c.Bind(n.Binding, tuple)
		}
		return c.AddLiteral(object.Void), nil
	}
	return nil, fmt.Errorf("%T: %w", n, ErrUnsupportedNode)
}

// compileOptional compiles n, or yields the null literal when n is absent.
func (c *Compiler) compileOptional(n Node) (*VectorOperand, error) {
	if n == nil {
		return c.AddLiteral(object.Null), nil
	}
	return c.CompileASTNode(n)
}

func (c *Compiler) compileNodes(nodes []Node) ([]*VectorOperand, error) {
	values := make([]*VectorOperand, len(nodes))
	for i, n := range nodes {
		v, err := c.CompileASTNode(n)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// WithEnvironment runs body with env as the current lexical environment.
func (c *Compiler) WithEnvironment(env *Environment, body func() (*VectorOperand, error)) (*VectorOperand, error) {
	old := c.environment
	c.environment = env
	defer func() { c.environment = old }()
	return body()
}

// WithBreakAndContinue runs body with the given loop targets.
func (c *Compiler) WithBreakAndContinue(breakLabel, continueLabel InstrID, body func() (*VectorOperand, error)) (*VectorOperand, error) {
	oldBreak, oldContinue := c.breakLabel, c.continueLabel
	c.breakLabel, c.continueLabel = breakLabel, continueLabel
	defer func() { c.breakLabel, c.continueLabel = oldBreak, oldContinue }()
	return body()
}

// ---------------------------------------------------------------------------
// Bindings
// ---------------------------------------------------------------------------

// GetBindingValue materializes the value of a binding.
func (c *Compiler) GetBindingValue(b Binding) (*VectorOperand, error) {
	switch b := b.(type) {
	case *TupleSlotBinding:
		tuple, err := c.GetBindingValue(b.Tuple)
		if err != nil {
			return nil, err
		}
		typeSlot := c.AddLiteral(b.TypeSlot)
		ref := c.NewTemporary(c.heap.ReferenceType(b.BindingType()))
		if c.heap.IsPointerLikeType(b.Tuple.BindingType()) {
			c.RefSlotReferenceAt(ref, tuple, typeSlot)
		} else {
			c.SlotReferenceAt(ref, tuple, typeSlot)
		}
		return ref, nil
	case *SymbolValueBinding:
		result := c.NewTemporary(b.BindingType())
		c.LoadSymbolValueBinding(result, c.AddLiteral(b.Value))
		return result, nil
	}
	if v, ok := c.bindings[b]; ok {
		return v, nil
	}
	name := "<nil>"
	if b != nil {
		name = b.BindingName()
	}
	return nil, fmt.Errorf("%s: %w", name, ErrInvalidBinding)
}

// ---------------------------------------------------------------------------
// Definitions
// ---------------------------------------------------------------------------

func (c *Compiler) compileLocalDefinition(n *LocalDefinition) (*VectorOperand, error) {
	value, err := c.compileOptional(n.Value)
	if err != nil {
		return nil, err
	}
	if !n.Mutable {
		c.Bind(n.Binding, value)
		return value, nil
	}

	pointerType := n.Type()
	if pointerType == object.Null {
		pointerType = c.heap.PointerType(c.heap.Types.AnyValue)
	}
	box := c.NewTemporary(pointerType)
	c.AllocaWithValue(box, c.AddLiteral(pointerType), value)
	c.Bind(n.Binding, box)
	return box, nil
}

func (c *Compiler) compileLambda(n *Lambda) (*VectorOperand, error) {
	definition := c.AddLiteral(n.Definition)

	var captures []*VectorOperand
	if def := c.heap.DefinitionOf(n.Definition); def != nil {
		if analysis, ok := def.Analysis.(*FunctionAnalysis); ok {
			for _, capture := range analysis.Captures {
				v, err := c.GetBindingValue(capture.Source)
				if err != nil {
					return nil, err
				}
				captures = append(captures, v)
			}
		}
	}

	closure := c.NewTemporary(n.Type())
	c.MakeClosureWithCaptures(closure, definition, captures)
	if n.Binding != nil {
		c.Bind(n.Binding, closure)
	}
	return closure, nil
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func (c *Compiler) compileSequence(n *Sequence) (*VectorOperand, error) {
	result := c.AddLiteral(object.Void)
	for _, e := range n.Elements {
		v, err := c.CompileASTNode(e)
		if err != nil {
			return nil, err
		}
		result = v
	}
	return result, nil
}

func (c *Compiler) compileIf(n *If) (*VectorOperand, error) {
	falseLabel := c.NewLabel()
	mergeLabel := c.NewLabel()

	condition, err := c.CompileASTNode(n.Condition)
	if err != nil {
		return nil, err
	}
	c.JumpIfFalse(condition, falseLabel)

	result := c.NewTemporary(n.Type())

	trueValue, err := c.compileOptional(n.True)
	if err != nil {
		return nil, err
	}
	c.Move(result, trueValue)
	c.Jump(mergeLabel)

	c.AddInstruction(falseLabel)
	falseValue, err := c.compileOptional(n.False)
	if err != nil {
		return nil, err
	}
	c.Move(result, falseValue)

	c.AddInstruction(mergeLabel)
	return result, nil
}

func (c *Compiler) compileWhileContinue(n *WhileContinue) (*VectorOperand, error) {
	entryLabel := c.NewLabel()
	bodyLabel := c.NewLabel()
	continueLabel := c.NewLabel()
	mergeLabel := c.NewLabel()

	c.AddInstruction(entryLabel)
	if n.Condition != nil {
		condition, err := c.CompileASTNode(n.Condition)
		if err != nil {
			return nil, err
		}
		c.JumpIfFalse(condition, mergeLabel)
	} else {
		c.Jump(bodyLabel)
	}

	c.AddInstruction(bodyLabel)
	if n.Body != nil {
		_, err := c.WithBreakAndContinue(mergeLabel, continueLabel, func() (*VectorOperand, error) {
			return c.CompileASTNode(n.Body)
		})
		if err != nil {
			return nil, err
		}
	}
	c.Jump(continueLabel)

	c.AddInstruction(continueLabel)
	if n.Continue != nil {
		if _, err := c.CompileASTNode(n.Continue); err != nil {
			return nil, err
		}
	}
	c.Jump(entryLabel)

	c.AddInstruction(mergeLabel)
	return c.AddLiteral(object.Void), nil
}

func (c *Compiler) compileDoWhileContinue(n *DoWhileContinue) (*VectorOperand, error) {
	entryLabel := c.NewLabel()
	conditionLabel := c.NewLabel()
	continueLabel := c.NewLabel()
	mergeLabel := c.NewLabel()

	c.AddInstruction(entryLabel)
	if n.Body != nil {
		_, err := c.WithBreakAndContinue(mergeLabel, conditionLabel, func() (*VectorOperand, error) {
			return c.CompileASTNode(n.Body)
		})
		if err != nil {
			return nil, err
		}
	}
	c.Jump(conditionLabel)

	c.AddInstruction(conditionLabel)
	if n.Condition != nil {
		condition, err := c.CompileASTNode(n.Condition)
		if err != nil {
			return nil, err
		}
		c.JumpIfFalse(condition, mergeLabel)
	} else {
		c.Jump(continueLabel)
	}

	c.AddInstruction(continueLabel)
	if n.Continue != nil {
		if _, err := c.CompileASTNode(n.Continue); err != nil {
			return nil, err
		}
	}
	c.Jump(entryLabel)

	c.AddInstruction(mergeLabel)
	return c.AddLiteral(object.Void), nil
}

// ---------------------------------------------------------------------------
// Applications and sends
// ---------------------------------------------------------------------------

func (c *Compiler) compileFunctionApplication(n *FunctionApplication) (*VectorOperand, error) {
	function, err := c.CompileASTNode(n.Function)
	if err != nil {
		return nil, err
	}

	if fn, ok := c.LiteralValue(function); ok {
		switch c.heap.PrimitiveNameOf(fn) {
		case primitiveAnyValueToVoid:
			if _, err := c.compileNodes(n.Arguments); err != nil {
				return nil, err
			}
			return c.AddLiteral(object.Void), nil
		case primitivePointerLikeLoad:
			if len(n.Arguments) == 1 {
				pointer, err := c.CompileASTNode(n.Arguments[0])
				if err != nil {
					return nil, err
				}
				result := c.NewTemporary(n.Type())
				c.Load(result, pointer)
				return result, nil
			}
		case primitivePointerLikeStore:
			if len(n.Arguments) == 2 {
				pointer, err := c.CompileASTNode(n.Arguments[0])
				if err != nil {
					return nil, err
				}
				value, err := c.CompileASTNode(n.Arguments[1])
				if err != nil {
					return nil, err
				}
				c.Store(pointer, value)
				return pointer, nil
			}
		}
	}

	args, err := c.compileNodes(n.Arguments)
	if err != nil {
		return nil, err
	}
	result := c.NewTemporary(n.Type())
	if n.NoTypecheck {
		c.UncheckedCall(result, function, args)
	} else {
		c.Call(result, function, args)
	}
	return result, nil
}

func (c *Compiler) compileMessageSend(n *MessageSend) (*VectorOperand, error) {
	receiver, err := c.CompileASTNode(n.Receiver)
	if err != nil {
		return nil, err
	}
	var lookupType *VectorOperand
	if n.ReceiverLookupType != nil {
		if lookupType, err = c.CompileASTNode(n.ReceiverLookupType); err != nil {
			return nil, err
		}
	}
	selector, err := c.CompileASTNode(n.Selector)
	if err != nil {
		return nil, err
	}
	args, err := c.compileNodes(n.Arguments)
	if err != nil {
		return nil, err
	}

	result := c.NewTemporary(n.Type())
	if lookupType != nil {
		c.SendWithLookupType(result, lookupType, selector, receiver, args)
	} else {
		c.Send(result, selector, receiver, args)
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Casts and constructors
// ---------------------------------------------------------------------------

func (c *Compiler) compileCast(typeExpression, valueNode Node, resultType object.Value,
	emit func(dst, typ, value *VectorOperand) InstrID) (*VectorOperand, error) {
	typ, err := c.CompileASTNode(typeExpression)
	if err != nil {
		return nil, err
	}
	value, err := c.CompileASTNode(valueNode)
	if err != nil {
		return nil, err
	}
	result := c.NewTemporary(resultType)
	emit(result, typ, value)
	return result, nil
}

func (c *Compiler) compileElements(elements []Node, resultType object.Value,
	emit func(dst *VectorOperand, elements []*VectorOperand) InstrID) (*VectorOperand, error) {
	values, err := c.compileNodes(elements)
	if err != nil {
		return nil, err
	}
	result := c.NewTemporary(resultType)
	emit(result, values)
	return result, nil
}

func (c *Compiler) compileMakeAssociation(n *MakeAssociation) (*VectorOperand, error) {
	key, err := c.CompileASTNode(n.Key)
	if err != nil {
		return nil, err
	}
	value, err := c.compileOptional(n.Value)
	if err != nil {
		return nil, err
	}
	result := c.NewTemporary(n.Type())
	c.MakeAssociation(result, key, value)
	return result, nil
}

// ---------------------------------------------------------------------------
// Tuple slots
// ---------------------------------------------------------------------------

func (c *Compiler) compileSlotRead(tupleNode Node, boundSlot, resultType object.Value,
	direct, viaReference func(dst, tuple, typeSlot *VectorOperand) InstrID) (*VectorOperand, error) {
	tuple, err := c.CompileASTNode(tupleNode)
	if err != nil {
		return nil, err
	}
	typeSlot := c.AddLiteral(boundSlot)
	result := c.NewTemporary(resultType)
	if c.heap.IsPointerLikeType(tupleNode.Type()) {
		viaReference(result, tuple, typeSlot)
	} else {
		direct(result, tuple, typeSlot)
	}
	return result, nil
}

func (c *Compiler) compileSlotAtPut(n *TupleSlotNamedAtPut) (*VectorOperand, error) {
	tuple, err := c.CompileASTNode(n.Tuple)
	if err != nil {
		return nil, err
	}
	typeSlot := c.AddLiteral(n.BoundSlot)
	value, err := c.CompileASTNode(n.Value)
	if err != nil {
		return nil, err
	}
	if c.heap.IsPointerLikeType(n.Tuple.Type()) {
		c.RefSlotAtPut(tuple, typeSlot, value)
	} else {
		c.SlotAtPut(tuple, typeSlot, value)
	}
	return c.AddLiteral(object.Void), nil
}
