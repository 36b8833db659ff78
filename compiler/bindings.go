package compiler

import "github.com/chazu/regvm/object"

// Binding is a name resolved by the analyzer.
type Binding interface {
	BindingName() string
	BindingType() object.Value
	binding() // marker method
}

// BindingInfo carries the attributes every binding has.
type BindingInfo struct {
	Name string
	Type object.Value
}

func (b *BindingInfo) BindingName() string       { return b.Name }
func (b *BindingInfo) BindingType() object.Value { return b.Type }
func (b *BindingInfo) binding()                  {}

// ArgumentBinding names a function argument.
type ArgumentBinding struct {
	BindingInfo
}

// CaptureBinding names a captured value. Source is the binding the value
// comes from in the enclosing function.
type CaptureBinding struct {
	BindingInfo
	Source Binding
}

// LocalBinding names a value defined in the function body.
type LocalBinding struct {
	BindingInfo
}

// SymbolValueBinding names a global. Value is the runtime
// SymbolValueBinding object.
type SymbolValueBinding struct {
	BindingInfo
	Value object.Value
}

// TupleSlotBinding names a slot of the tuple held by Tuple, as introduced by
// UseNamedSlotsOf. Reading it yields a reference to the slot.
type TupleSlotBinding struct {
	BindingInfo
	Tuple    Binding
	TypeSlot object.Value
}

// ---------------------------------------------------------------------------
// Function analysis
// ---------------------------------------------------------------------------

// FunctionAnalysis is the analyzer output stored in a function definition.
type FunctionAnalysis struct {
	Arguments   []*ArgumentBinding
	Captures    []*CaptureBinding
	Body        Node // may be nil
	Environment *Environment
}

// Trace implements object.Tracer so that values embedded in the tree survive
// collection.
func (a *FunctionAnalysis) Trace(mark func(object.Value)) {
	if a.Body == nil {
		return
	}
	Inspect(a.Body, func(n Node) bool {
		mark(n.Type())
		switch n := n.(type) {
		case *Literal:
			mark(n.Value)
		case *Lambda:
			mark(n.Definition)
		case *Identifier:
			traceBinding(n.Binding, mark)
		case *TupleSlotNamedAt:
			mark(n.BoundSlot)
		case *TupleSlotNamedReferenceAt:
			mark(n.BoundSlot)
		case *TupleSlotNamedAtPut:
			mark(n.BoundSlot)
		}
		return true
	})
}

func traceBinding(b Binding, mark func(object.Value)) {
	for b != nil {
		mark(b.BindingType())
		switch t := b.(type) {
		case *SymbolValueBinding:
			mark(t.Value)
			return
		case *TupleSlotBinding:
			mark(t.TypeSlot)
			b = t.Tuple
		default:
			return
		}
	}
}

// Inspect traverses the tree rooted at n in depth-first order, calling f for
// each node. Children are skipped when f returns false.
func Inspect(n Node, f func(Node) bool) {
	if n == nil || !f(n) {
		return
	}
	for _, c := range children(n) {
		Inspect(c, f)
	}
}

func children(n Node) []Node {
	switch n := n.(type) {
	case *LocalDefinition:
		return []Node{n.Value}
	case *Sequence:
		return n.Elements
	case *LexicalBlock:
		return []Node{n.Body}
	case *If:
		return []Node{n.Condition, n.True, n.False}
	case *WhileContinue:
		return []Node{n.Condition, n.Body, n.Continue}
	case *DoWhileContinue:
		return []Node{n.Body, n.Condition, n.Continue}
	case *Return:
		return []Node{n.Expression}
	case *FunctionApplication:
		return append([]Node{n.Function}, n.Arguments...)
	case *MessageSend:
		return append([]Node{n.Receiver, n.ReceiverLookupType, n.Selector}, n.Arguments...)
	case *Coerce:
		return []Node{n.TypeExpression, n.Value}
	case *DownCast:
		return []Node{n.TypeExpression, n.Value}
	case *MakeArray:
		return n.Elements
	case *MakeByteArray:
		return n.Elements
	case *MakeDictionary:
		return n.Elements
	case *MakeTuple:
		return n.Elements
	case *MakeAssociation:
		return []Node{n.Key, n.Value}
	case *TupleSlotNamedAt:
		return []Node{n.Tuple}
	case *TupleSlotNamedReferenceAt:
		return []Node{n.Tuple}
	case *TupleSlotNamedAtPut:
		return []Node{n.Tuple, n.Value}
	case *UseNamedSlotsOf:
		return []Node{n.Tuple}
	}
	return nil
}
