package object

import (
	"bytes"
	"fmt"
)

// FunctionFlags describe a function object.
type FunctionFlags uint32

const (
	FunctionVariadic FunctionFlags = 1 << iota
	FunctionMemoized
	FunctionPure
	FunctionFinal
)

// ApplicationFlags modify a single call.
type ApplicationFlags uint32

const (
	ApplyNoTypecheck ApplicationFlags = 1 << iota
	ApplyVariadicExpanded
)

// Function slot layout. Native code reads the capture vector directly.
const (
	FunctionSlotDefinition = iota
	FunctionSlotCaptureVector
	FunctionSlotFlags
	FunctionSlotPrimitiveName
	functionSlotCount
)

// SourcePosition locates a construct in source text.
type SourcePosition struct {
	Source string
	Line   int
	Column int
}

// IsValid reports whether the position names a source.
func (p SourcePosition) IsValid() bool {
	return p.Source != "" || p.Line != 0
}

func (p SourcePosition) String() string {
	if !p.IsValid() {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d:%d", p.Source, p.Line, p.Column)
}

// Definition is the payload of a function definition object. Body, Bytecode
// and Analysis are owned by the compiler and the runtime; the object model
// only traces them.
type Definition struct {
	Name          string
	ArgumentCount int
	CaptureCount  int
	Variadic      bool
	Memoized      bool
	Position      SourcePosition

	Analysis any
	Bytecode any
}

// Trace implements Tracer.
func (d *Definition) Trace(mark func(Value)) {
	if t, ok := d.Analysis.(Tracer); ok {
		t.Trace(mark)
	}
	if t, ok := d.Bytecode.(Tracer); ok {
		t.Trace(mark)
	}
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

// NewFunctionDefinition wraps a definition payload.
func (h *Heap) NewFunctionDefinition(def *Definition) Value {
	obj := h.Allocate(KindFunctionDefinition, h.Types.FunctionDefinition, 0, 0)
	obj.Payload = def
	return obj.Value()
}

// DefinitionOf returns the payload of a function definition object.
func (h *Heap) DefinitionOf(v Value) *Definition {
	obj := h.Get(v)
	if obj == nil || obj.Kind != KindFunctionDefinition {
		return nil
	}
	def, _ := obj.Payload.(*Definition)
	return def
}

// NewClosure creates a function from a definition and a capture vector.
func (h *Heap) NewClosure(definition, captureVector Value, flags FunctionFlags) Value {
	obj := h.Allocate(KindFunction, h.Types.Function, functionSlotCount, 0)
	obj.Slots[FunctionSlotDefinition] = definition
	obj.Slots[FunctionSlotCaptureVector] = captureVector
	obj.Slots[FunctionSlotFlags] = FromInt(int64(flags))
	return obj.Value()
}

// NewPrimitive creates a function implemented by the runtime under name.
func (h *Heap) NewPrimitive(name string, flags FunctionFlags) Value {
	obj := h.Allocate(KindFunction, h.Types.Function, functionSlotCount, 0)
	obj.Slots[FunctionSlotFlags] = FromInt(int64(flags))
	obj.Slots[FunctionSlotPrimitiveName] = h.Intern(name)
	return obj.Value()
}

// IsFunction reports whether v is a function object.
func (h *Heap) IsFunction(v Value) bool {
	k, ok := h.KindOf(v)
	return ok && k == KindFunction
}

// FunctionFlagsOf decodes the flags of a function.
func (h *Heap) FunctionFlagsOf(fn Value) FunctionFlags {
	obj := h.Get(fn)
	if obj == nil || obj.Kind != KindFunction {
		return 0
	}
	return FunctionFlags(obj.Slots[FunctionSlotFlags].Int())
}

// FunctionDefinitionOf returns the definition slot of a function.
func (h *Heap) FunctionDefinitionOf(fn Value) Value {
	obj := h.Get(fn)
	if obj == nil || obj.Kind != KindFunction {
		return Null
	}
	return obj.Slots[FunctionSlotDefinition]
}

// CaptureVectorOf returns the capture vector of a function.
func (h *Heap) CaptureVectorOf(fn Value) Value {
	obj := h.Get(fn)
	if obj == nil || obj.Kind != KindFunction {
		return Null
	}
	return obj.Slots[FunctionSlotCaptureVector]
}

// PrimitiveNameOf returns the primitive name of a function, or "".
func (h *Heap) PrimitiveNameOf(fn Value) string {
	obj := h.Get(fn)
	if obj == nil || obj.Kind != KindFunction {
		return ""
	}
	return h.SymbolString(obj.Slots[FunctionSlotPrimitiveName])
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

// NewArray creates an array holding elems.
func (h *Heap) NewArray(elems ...Value) Value {
	obj := h.Allocate(KindArray, h.Types.Array, len(elems), 0)
	copy(obj.Slots, elems)
	return obj.Value()
}

// NewArrayOfSize creates a null-filled array.
func (h *Heap) NewArrayOfSize(n int) Value {
	return h.Allocate(KindArray, h.Types.Array, n, 0).Value()
}

// ArrayElements returns the slots of an array, or nil.
func (h *Heap) ArrayElements(v Value) []Value {
	obj := h.Get(v)
	if obj == nil || obj.Kind != KindArray {
		return nil
	}
	return obj.Slots
}

// NewByteArray creates a byte array.
func (h *Heap) NewByteArray(b []byte) Value {
	obj := h.Allocate(KindByteArray, h.Types.ByteArray, 0, len(b))
	if obj.Bytes == nil {
		obj.Bytes = []byte{}
	}
	copy(obj.Bytes, b)
	return obj.Value()
}

// NewByteArrayOfSize creates a zero-filled byte array.
func (h *Heap) NewByteArrayOfSize(n int) Value {
	obj := h.Allocate(KindByteArray, h.Types.ByteArray, 0, n)
	if obj.Bytes == nil {
		obj.Bytes = []byte{}
	}
	return obj.Value()
}

// NewTuple creates an instance of a type with named slots.
func (h *Heap) NewTuple(t Value) Value {
	n := 0
	if info := h.TypeInfo(t); info != nil {
		n = len(info.Slots)
	}
	return h.Allocate(KindTuple, t, n, 0).Value()
}

// NewTupleWithElements creates an anonymous tuple.
func (h *Heap) NewTupleWithElements(elems ...Value) Value {
	obj := h.Allocate(KindTuple, h.Types.Object, len(elems), 0)
	copy(obj.Slots, elems)
	return obj.Value()
}

// NewAssociation creates a key/value pair.
func (h *Heap) NewAssociation(key, value Value) Value {
	obj := h.Allocate(KindAssociation, h.Types.Association, 2, 0)
	obj.Slots[0] = key
	obj.Slots[1] = value
	return obj.Value()
}

// NewDictionary creates an empty dictionary. Entries are associations kept
// in insertion order.
func (h *Heap) NewDictionary() Value {
	obj := h.Allocate(KindDictionary, h.Types.Dictionary, 0, 0)
	obj.Payload = &dictionary{}
	return obj.Value()
}

type dictionary struct {
	entries []Value
}

func (d *dictionary) Trace(mark func(Value)) {
	for _, e := range d.entries {
		mark(e)
	}
}

// DictionaryAdd inserts an association, replacing an existing equal key.
func (h *Heap) DictionaryAdd(dict, association Value) {
	d := h.MustGet(dict, KindDictionary).Payload.(*dictionary)
	key := h.MustGet(association, KindAssociation).Slots[0]
	for i, e := range d.entries {
		if h.Equals(h.Get(e).Slots[0], key) {
			d.entries[i] = association
			return
		}
	}
	d.entries = append(d.entries, association)
}

// DictionaryAt looks up key.
func (h *Heap) DictionaryAt(dict, key Value) (Value, bool) {
	d := h.MustGet(dict, KindDictionary).Payload.(*dictionary)
	for _, e := range d.entries {
		assoc := h.Get(e)
		if h.Equals(assoc.Slots[0], key) {
			return assoc.Slots[1], true
		}
	}
	return Null, false
}

// DictionarySize returns the number of entries.
func (h *Heap) DictionarySize(dict Value) int {
	return len(h.MustGet(dict, KindDictionary).Payload.(*dictionary).entries)
}

// ---------------------------------------------------------------------------
// Strings and symbols
// ---------------------------------------------------------------------------

// NewString creates a string object.
func (h *Heap) NewString(s string) Value {
	obj := h.Allocate(KindString, h.Types.String, 0, len(s))
	copy(obj.Bytes, s)
	return obj.Value()
}

// Intern returns the unique symbol for s.
func (h *Heap) Intern(s string) Value {
	if v, ok := h.symbols[s]; ok {
		return v
	}
	obj := h.Allocate(KindSymbol, h.Types.Symbol, 0, len(s))
	copy(obj.Bytes, s)
	h.symbols[s] = obj.Value()
	return obj.Value()
}

// SymbolString returns the text of a string or symbol, or "".
func (h *Heap) SymbolString(v Value) string {
	obj := h.Get(v)
	if obj == nil || (obj.Kind != KindSymbol && obj.Kind != KindString) {
		return ""
	}
	return string(obj.Bytes)
}

// Equals compares by identity, and by content for strings.
func (h *Heap) Equals(a, b Value) bool {
	if a == b {
		return true
	}
	oa, ob := h.Get(a), h.Get(b)
	if oa == nil || ob == nil || oa.Kind != KindString || ob.Kind != KindString {
		return false
	}
	return bytes.Equal(oa.Bytes, ob.Bytes)
}

// ---------------------------------------------------------------------------
// Pointers, references and bindings
// ---------------------------------------------------------------------------

// NewPointerBox allocates a mutable box of a pointer type.
func (h *Heap) NewPointerBox(pointerType, value Value) Value {
	obj := h.Allocate(KindPointerBox, pointerType, 1, 0)
	obj.Slots[0] = value
	return obj.Value()
}

// NewSlotReference creates a reference to a slot of a tuple.
func (h *Heap) NewSlotReference(referenceType, tuple, typeSlot Value) Value {
	obj := h.Allocate(KindSlotReference, referenceType, 2, 0)
	obj.Slots[0] = tuple
	obj.Slots[1] = typeSlot
	return obj.Value()
}

// NewSymbolValueBinding creates a named global value binding.
func (h *Heap) NewSymbolValueBinding(name string, value Value) Value {
	obj := h.Allocate(KindSymbolValueBinding, h.Types.SymbolValueBinding, 2, 0)
	obj.Slots[0] = h.Intern(name)
	obj.Slots[1] = value
	return obj.Value()
}

// NewMessage creates a message for doesNotUnderstand: handlers.
func (h *Heap) NewMessage(selector, arguments Value) Value {
	obj := h.Allocate(KindMessage, h.Types.Message, 2, 0)
	obj.Slots[0] = selector
	obj.Slots[1] = arguments
	return obj.Value()
}

// Exception slot layout.
const (
	ExceptionSlotMessageText = iota
	ExceptionSlotSignalContext
	exceptionSlotCount
)

// NewException creates an exception of type t with a message.
func (h *Heap) NewException(t Value, text string) Value {
	if t == Null {
		t = h.Types.Error
	}
	obj := h.Allocate(KindException, t, exceptionSlotCount, 0)
	obj.Slots[ExceptionSlotMessageText] = h.NewString(text)
	return obj.Value()
}

// ExceptionMessage returns the message text of an exception.
func (h *Heap) ExceptionMessage(v Value) string {
	obj := h.Get(v)
	if obj == nil || obj.Kind != KindException {
		return h.Describe(v)
	}
	return h.SymbolString(obj.Slots[ExceptionSlotMessageText])
}
