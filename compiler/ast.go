package compiler

import "github.com/chazu/regvm/object"

// ---------------------------------------------------------------------------
// AST: analyzed syntax tree consumed by the bytecode compiler
// ---------------------------------------------------------------------------

// Node is the interface implemented by all analyzed AST nodes.
type Node interface {
	Pos() object.SourcePosition
	Type() object.Value
	node() // marker method
}

// NodeInfo carries the attributes every analyzed node has.
type NodeInfo struct {
	Position     object.SourcePosition
	AnalyzedType object.Value
}

func (n *NodeInfo) Pos() object.SourcePosition { return n.Position }
func (n *NodeInfo) Type() object.Value         { return n.AnalyzedType }
func (n *NodeInfo) node()                      {}

// Environment is a lexical scope. The compiler only records it as debug
// provenance.
type Environment struct {
	Name   string
	Parent *Environment
}

// ---------------------------------------------------------------------------
// Values and bindings
// ---------------------------------------------------------------------------

// Literal is a constant value.
type Literal struct {
	NodeInfo
	Value object.Value
}

// Identifier reads a binding.
type Identifier struct {
	NodeInfo
	Binding Binding
}

// LocalDefinition introduces a local binding. Mutable locals are boxed in an
// alloca whose pointer type is the node's analyzed type.
type LocalDefinition struct {
	NodeInfo
	Binding *LocalBinding
	Value   Node // may be nil
	Mutable bool
}

// Lambda creates a closure over Definition, a function definition object
// whose analysis lists the captured bindings.
type Lambda struct {
	NodeInfo
	Definition object.Value
	Binding    *LocalBinding // may be nil
}

// ---------------------------------------------------------------------------
// Sequencing and control flow
// ---------------------------------------------------------------------------

// Sequence evaluates its elements in order and yields the last result.
type Sequence struct {
	NodeInfo
	Elements []Node
}

// LexicalBlock evaluates Body inside Environment.
type LexicalBlock struct {
	NodeInfo
	Body        Node
	Environment *Environment
}

// If is a two-way conditional. Missing branches yield null.
type If struct {
	NodeInfo
	Condition Node
	True      Node
	False     Node
}

// WhileContinue evaluates Body while Condition holds, running Continue after
// every iteration. A nil Condition loops forever.
type WhileContinue struct {
	NodeInfo
	Condition Node
	Body      Node
	Continue  Node
}

// DoWhileContinue is WhileContinue with the test after the body.
type DoWhileContinue struct {
	NodeInfo
	Body      Node
	Condition Node
	Continue  Node
}

// Break leaves the innermost loop.
type Break struct {
	NodeInfo
}

// Continue jumps to the continue block of the innermost loop.
type Continue struct {
	NodeInfo
}

// Return leaves the function with the value of Expression.
type Return struct {
	NodeInfo
	Expression Node
}

// ---------------------------------------------------------------------------
// Applications and sends
// ---------------------------------------------------------------------------

// FunctionApplication calls Function with Arguments.
type FunctionApplication struct {
	NodeInfo
	Function    Node
	Arguments   []Node
	NoTypecheck bool
}

// MessageSend sends Selector to Receiver. When ReceiverLookupType is set the
// method is looked up starting at that type.
type MessageSend struct {
	NodeInfo
	Receiver           Node
	ReceiverLookupType Node // may be nil
	Selector           Node
	Arguments          []Node
}

// ---------------------------------------------------------------------------
// Types and casts
// ---------------------------------------------------------------------------

// Coerce converts Value to the type denoted by TypeExpression.
type Coerce struct {
	NodeInfo
	TypeExpression Node
	Value          Node
}

// DownCast checks that Value is of the type denoted by TypeExpression.
type DownCast struct {
	NodeInfo
	TypeExpression Node
	Value          Node
	Unchecked      bool
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// MakeArray builds an array from its elements.
type MakeArray struct {
	NodeInfo
	Elements []Node
}

// MakeByteArray builds a byte array from its elements.
type MakeByteArray struct {
	NodeInfo
	Elements []Node
}

// MakeDictionary builds a dictionary from association elements.
type MakeDictionary struct {
	NodeInfo
	Elements []Node
}

// MakeAssociation builds a key/value pair. A missing value is null.
type MakeAssociation struct {
	NodeInfo
	Key   Node
	Value Node
}

// MakeTuple builds an anonymous tuple.
type MakeTuple struct {
	NodeInfo
	Elements []Node
}

// ---------------------------------------------------------------------------
// Tuple slots
// ---------------------------------------------------------------------------

// TupleSlotNamedAt reads a named slot.
type TupleSlotNamedAt struct {
	NodeInfo
	Tuple     Node
	BoundSlot object.Value
}

// TupleSlotNamedReferenceAt takes a reference to a named slot.
type TupleSlotNamedReferenceAt struct {
	NodeInfo
	Tuple     Node
	BoundSlot object.Value
}

// TupleSlotNamedAtPut writes a named slot.
type TupleSlotNamedAtPut struct {
	NodeInfo
	Tuple     Node
	BoundSlot object.Value
	Value     Node
}

// UseNamedSlotsOf brings the slots of Tuple into scope through Binding.
type UseNamedSlotsOf struct {
	NodeInfo
	Tuple   Node
	Binding *LocalBinding
}
