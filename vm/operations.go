package vm

import (
	"github.com/chazu/regvm/object"
)

// ---------------------------------------------------------------------------
// Value operations
//
// These implement the semantics of the non-trivial opcodes. The interpreter
// calls them directly and native code reaches them through runtime symbols.
// ---------------------------------------------------------------------------

// Alloca creates an empty box of a pointer type.
func (ctx *Context) Alloca(pointerType object.Value) object.Value {
	return ctx.Heap.NewPointerBox(pointerType, object.Null)
}

// AllocaWithValue creates a box of a pointer type holding value.
func (ctx *Context) AllocaWithValue(pointerType, value object.Value) object.Value {
	return ctx.Heap.NewPointerBox(pointerType, value)
}

// Load reads through a pointer box or a slot reference.
func (ctx *Context) Load(pointer object.Value) (object.Value, error) {
	h := ctx.Heap
	obj := h.Get(pointer)
	if obj == nil {
		return object.Null, ctx.Errorf("Cannot load from a non-pointer value.")
	}
	switch obj.Kind {
	case object.KindPointerBox:
		return obj.Slots[0], nil
	case object.KindSlotReference:
		return ctx.SlotAt(obj.Slots[0], obj.Slots[1])
	}
	return object.Null, ctx.Errorf("Cannot load from a non-pointer value.")
}

// Store writes through a pointer box or a slot reference.
func (ctx *Context) Store(pointer, value object.Value) error {
	h := ctx.Heap
	obj := h.Get(pointer)
	if obj == nil {
		return ctx.Errorf("Cannot store into a non-pointer value.")
	}
	switch obj.Kind {
	case object.KindPointerBox:
		obj.Slots[0] = value
		return nil
	case object.KindSlotReference:
		return ctx.SlotAtPut(obj.Slots[0], obj.Slots[1], value)
	}
	return ctx.Errorf("Cannot store into a non-pointer value.")
}

// LoadSymbolValueBinding reads the value of a global binding.
func (ctx *Context) LoadSymbolValueBinding(binding object.Value) (object.Value, error) {
	obj := ctx.Heap.Get(binding)
	if obj == nil || obj.Kind != object.KindSymbolValueBinding {
		return object.Null, ctx.Errorf("Expected a symbol value binding.")
	}
	return obj.Slots[1], nil
}

func (ctx *Context) tupleSlot(tuple, typeSlot object.Value) (*object.Object, int, error) {
	h := ctx.Heap
	index, ok := h.TypeSlotIndex(typeSlot)
	if !ok {
		return nil, 0, ctx.Errorf("Expected a type slot.")
	}
	obj := h.Get(tuple)
	if obj == nil || obj.Bytes != nil {
		return nil, 0, ctx.Errorf("Cannot access a slot of a non-tuple value.")
	}
	if index < 0 || index >= len(obj.Slots) {
		return nil, 0, ctx.Errorf("Slot index is out of bounds.")
	}
	return obj, index, nil
}

// SlotAt reads the slot typeSlot of tuple.
func (ctx *Context) SlotAt(tuple, typeSlot object.Value) (object.Value, error) {
	obj, index, err := ctx.tupleSlot(tuple, typeSlot)
	if err != nil {
		return object.Null, err
	}
	return obj.Slots[index], nil
}

// SlotAtPut writes the slot typeSlot of tuple.
func (ctx *Context) SlotAtPut(tuple, typeSlot, value object.Value) error {
	obj, index, err := ctx.tupleSlot(tuple, typeSlot)
	if err != nil {
		return err
	}
	obj.Slots[index] = value
	return nil
}

// SlotReferenceAt creates a reference to the slot typeSlot of tuple.
func (ctx *Context) SlotReferenceAt(tuple, typeSlot object.Value) (object.Value, error) {
	if _, _, err := ctx.tupleSlot(tuple, typeSlot); err != nil {
		return object.Null, err
	}
	h := ctx.Heap
	return h.NewSlotReference(h.ReferenceType(h.Types.AnyValue), tuple, typeSlot), nil
}

// RefSlotAt reads a slot of the tuple a reference points to.
func (ctx *Context) RefSlotAt(tupleReference, typeSlot object.Value) (object.Value, error) {
	tuple, err := ctx.Load(tupleReference)
	if err != nil {
		return object.Null, err
	}
	return ctx.SlotAt(tuple, typeSlot)
}

// RefSlotReferenceAt references a slot of the tuple a reference points to.
func (ctx *Context) RefSlotReferenceAt(tupleReference, typeSlot object.Value) (object.Value, error) {
	tuple, err := ctx.Load(tupleReference)
	if err != nil {
		return object.Null, err
	}
	return ctx.SlotReferenceAt(tuple, typeSlot)
}

// RefSlotAtPut writes a slot of the tuple a reference points to.
func (ctx *Context) RefSlotAtPut(tupleReference, typeSlot, value object.Value) error {
	tuple, err := ctx.Load(tupleReference)
	if err != nil {
		return err
	}
	return ctx.SlotAtPut(tuple, typeSlot, value)
}

// ---------------------------------------------------------------------------
// Type conversions
// ---------------------------------------------------------------------------

func (ctx *Context) isNullable(t object.Value) bool {
	h := ctx.Heap
	return t == h.Types.AnyValue || t == h.Types.UndefinedObject ||
		h.IsSubtypeOf(t, h.Types.Object)
}

// Coerce converts value into type t. References decay to the value they
// point to unless t accepts the reference itself.
func (ctx *Context) Coerce(t, value object.Value) (object.Value, error) {
	h := ctx.Heap
	valueType := h.TypeOf(value)
	if t == object.Null {
		if h.IsReferenceType(valueType) {
			return ctx.Load(value)
		}
		return value, nil
	}

	if h.IsReferenceType(valueType) && !h.IsSubtypeOf(valueType, t) {
		loaded, err := ctx.Load(value)
		if err != nil {
			return object.Null, err
		}
		value = loaded
		valueType = h.TypeOf(value)
	}

	switch {
	case value == object.Null && ctx.isNullable(t):
		return value, nil
	case h.IsSubtypeOf(valueType, t):
		return value, nil
	case t == h.Types.Void:
		return object.Void, nil
	}
	return object.Null, ctx.Errorf("Cannot perform coercion of value into the required type.")
}

// DownCast checks that value is of type t.
func (ctx *Context) DownCast(t, value object.Value) (object.Value, error) {
	h := ctx.Heap
	if value == object.Null && ctx.isNullable(t) {
		return value, nil
	}
	if !h.IsKindOf(value, t) {
		return object.Null, ctx.Errorf("Unexpected type.")
	}
	return value, nil
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func (ctx *Context) closureFlags(definition object.Value) object.FunctionFlags {
	var flags object.FunctionFlags
	if def := ctx.Heap.DefinitionOf(definition); def != nil {
		if def.Variadic {
			flags |= object.FunctionVariadic
		}
		if def.Memoized {
			flags |= object.FunctionMemoized
		}
	}
	return flags
}

// MakeClosureWithVector creates a closure over an existing capture vector.
func (ctx *Context) MakeClosureWithVector(definition, captureVector object.Value) object.Value {
	return ctx.Heap.NewClosure(definition, captureVector, ctx.closureFlags(definition))
}

// NewCaptureVector creates the capture vector a definition expects.
func (ctx *Context) NewCaptureVector(definition object.Value) object.Value {
	n := 0
	if def := ctx.Heap.DefinitionOf(definition); def != nil {
		n = def.CaptureCount
	}
	return ctx.Heap.NewArrayOfSize(n)
}

// MakeClosureWithCaptures creates a closure capturing captures.
func (ctx *Context) MakeClosureWithCaptures(definition object.Value, captures []object.Value) object.Value {
	return ctx.MakeClosureWithVector(definition, ctx.Heap.NewArray(captures...))
}

// MakeByteArray packs Uint8 values into a byte array.
func (ctx *Context) MakeByteArray(elements []object.Value) object.Value {
	b := make([]byte, len(elements))
	for i, e := range elements {
		b[i] = e.Uint8()
	}
	return ctx.Heap.NewByteArray(b)
}

// MakeDictionary creates a dictionary from associations.
func (ctx *Context) MakeDictionary(associations []object.Value) (object.Value, error) {
	h := ctx.Heap
	dict := h.NewDictionary()
	for _, a := range associations {
		if k, ok := h.KindOf(a); !ok || k != object.KindAssociation {
			return object.Null, ctx.Errorf("Dictionary elements must be associations.")
		}
		h.DictionaryAdd(dict, a)
	}
	return dict, nil
}

// ---------------------------------------------------------------------------
// Message sends
// ---------------------------------------------------------------------------

// Send dispatches selector on the type of receiver.
func (ctx *Context) Send(selector, receiver object.Value, args []object.Value, flags object.ApplicationFlags) (object.Value, error) {
	return ctx.SendWithLookup(ctx.Heap.TypeOf(receiver), selector, receiver, args, flags)
}

// SendWithLookup dispatches selector starting at type t. A missing method
// falls back to doesNotUnderstand: with a message describing the send.
func (ctx *Context) SendWithLookup(t, selector, receiver object.Value, args []object.Value, flags object.ApplicationFlags) (object.Value, error) {
	h := ctx.Heap
	if method, ok := h.LookupSelector(t, selector); ok {
		full := make([]object.Value, 0, len(args)+1)
		full = append(full, receiver)
		full = append(full, args...)
		return ctx.Apply(method, full, flags)
	}

	if handler, ok := h.LookupSelector(t, ctx.doesNotUnderstandSelector); ok {
		message := h.NewMessage(selector, h.NewArray(args...))
		return ctx.Apply(handler, []object.Value{receiver, message}, 0)
	}
	log.Debug("message not understood", "selector", h.SymbolString(selector), "type", h.TypeName(t))
	return object.Null, ctx.Errorf("Message not understood: %s", h.SymbolString(selector))
}
