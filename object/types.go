package object

// TypeInfo is the payload of a type object.
type TypeInfo struct {
	Name      string
	Supertype Value
	SlotNames []string
	// Slots holds the TypeSlot objects describing SlotNames, in order.
	Slots   []Value
	Methods map[Value]Value

	// PointerLike types box or reference a value of BaseType.
	PointerLike bool
	BaseType    Value
}

// Trace implements Tracer.
func (t *TypeInfo) Trace(mark func(Value)) {
	mark(t.Supertype)
	mark(t.BaseType)
	for _, s := range t.Slots {
		mark(s)
	}
	for sel, m := range t.Methods {
		mark(sel)
		mark(m)
	}
}

// Types holds the well-known types of a heap.
type Types struct {
	AnyValue           Value
	Object             Value
	UndefinedObject    Value
	Void               Value
	Boolean            Value
	Integer            Value
	Character          Value
	Uint8              Value
	Type               Value
	TypeSlot           Value
	Function           Value
	FunctionDefinition Value
	Array              Value
	ByteArray          Value
	Dictionary         Value
	Association        Value
	String             Value
	Symbol             Value
	Message            Value
	Exception          Value
	Error              Value
	PointerLike        Value
	SymbolValueBinding Value
}

func (t *Types) each(f func(Value)) {
	for _, v := range []Value{
		t.AnyValue, t.Object, t.UndefinedObject, t.Void, t.Boolean, t.Integer,
		t.Character, t.Uint8, t.Type, t.TypeSlot, t.Function, t.FunctionDefinition,
		t.Array, t.ByteArray, t.Dictionary, t.Association, t.String, t.Symbol,
		t.Message, t.Exception, t.Error, t.PointerLike, t.SymbolValueBinding,
	} {
		f(v)
	}
}

func (h *Heap) bootstrapTypes() {
	t := &h.Types
	t.AnyValue = h.newTypeObject("AnyValue", Null)
	t.Type = h.newTypeObject("Type", t.AnyValue)
	// The first two types predate Type itself.
	h.Get(t.AnyValue).Type = t.Type
	h.Get(t.Type).Type = t.Type

	t.Object = h.NewType("Object", t.AnyValue)
	t.UndefinedObject = h.NewType("UndefinedObject", t.AnyValue)
	t.Void = h.NewType("Void", t.AnyValue)
	t.Boolean = h.NewType("Boolean", t.AnyValue)
	t.Integer = h.NewType("Integer", t.AnyValue)
	t.Character = h.NewType("Character", t.AnyValue)
	t.Uint8 = h.NewType("UInt8", t.AnyValue)
	t.TypeSlot = h.NewType("TypeSlot", t.Object)
	t.Function = h.NewType("Function", t.Object)
	t.FunctionDefinition = h.NewType("FunctionDefinition", t.Object)
	t.Array = h.NewType("Array", t.Object)
	t.ByteArray = h.NewType("ByteArray", t.Object)
	t.Dictionary = h.NewType("Dictionary", t.Object)
	t.Association = h.NewType("Association", t.Object)
	t.String = h.NewType("String", t.Object)
	t.Symbol = h.NewType("Symbol", t.String)
	t.Message = h.NewType("Message", t.Object)
	t.Exception = h.NewType("Exception", t.Object)
	t.Error = h.NewType("Error", t.Exception)
	t.PointerLike = h.NewType("PointerLikeType", t.Object)
	t.SymbolValueBinding = h.NewType("SymbolValueBinding", t.Object)
}

func (h *Heap) newTypeObject(name string, super Value) Value {
	obj := h.Allocate(KindType, h.Types.Type, 0, 0)
	obj.Payload = &TypeInfo{
		Name:      name,
		Supertype: super,
		Methods:   make(map[Value]Value),
	}
	h.typesByName[name] = obj.Value()
	return obj.Value()
}

// TypeNamed finds the most recently created type with the given name.
func (h *Heap) TypeNamed(name string) (Value, bool) {
	t, ok := h.typesByName[name]
	return t, ok
}

// NewType creates a type with named slots. Slot names are appended to the
// supertype's.
func (h *Heap) NewType(name string, super Value, slotNames ...string) Value {
	v := h.newTypeObject(name, super)
	info := h.TypeInfo(v)
	if superInfo := h.TypeInfo(super); superInfo != nil {
		info.SlotNames = append(info.SlotNames, superInfo.SlotNames...)
		info.Slots = append(info.Slots, superInfo.Slots...)
	}
	for _, n := range slotNames {
		slot := h.Allocate(KindTypeSlot, h.Types.TypeSlot, 3, 0)
		slot.Slots[0] = h.Intern(n)
		slot.Slots[1] = FromInt(int64(len(info.Slots)))
		slot.Slots[2] = v
		info.SlotNames = append(info.SlotNames, n)
		info.Slots = append(info.Slots, slot.Value())
	}
	return v
}

// TypeInfo returns the payload of a type object, or nil.
func (h *Heap) TypeInfo(t Value) *TypeInfo {
	obj := h.Get(t)
	if obj == nil || obj.Kind != KindType {
		return nil
	}
	info, _ := obj.Payload.(*TypeInfo)
	return info
}

// TypeName returns the name of a type, or "?" for non-types.
func (h *Heap) TypeName(t Value) string {
	if info := h.TypeInfo(t); info != nil {
		return info.Name
	}
	return "?"
}

// SlotNamed returns the TypeSlot object for a named slot of t.
func (h *Heap) SlotNamed(t Value, name string) (Value, bool) {
	info := h.TypeInfo(t)
	if info == nil {
		return Null, false
	}
	for i, n := range info.SlotNames {
		if n == name {
			return info.Slots[i], true
		}
	}
	return Null, false
}

// TypeSlotIndex decodes the slot index of a TypeSlot object.
func (h *Heap) TypeSlotIndex(slot Value) (int, bool) {
	obj := h.Get(slot)
	if obj == nil || obj.Kind != KindTypeSlot {
		return 0, false
	}
	return int(obj.Slots[1].Int()), true
}

// TypeOf returns the type of any value.
func (h *Heap) TypeOf(v Value) Value {
	switch {
	case v == Null:
		return h.Types.UndefinedObject
	case v == Void:
		return h.Types.Void
	case v.IsBoolean():
		return h.Types.Boolean
	case v.IsInteger():
		return h.Types.Integer
	case v.IsChar():
		return h.Types.Character
	case v.IsUint8():
		return h.Types.Uint8
	case v.IsObject():
		if obj := h.Get(v); obj != nil {
			return obj.Type
		}
	}
	return h.Types.AnyValue
}

// IsSubtypeOf walks the supertype chain of t.
func (h *Heap) IsSubtypeOf(t, super Value) bool {
	for t != Null {
		if t == super {
			return true
		}
		info := h.TypeInfo(t)
		if info == nil {
			return false
		}
		t = info.Supertype
	}
	return false
}

// IsKindOf reports whether the type of v is t or a subtype of it.
func (h *Heap) IsKindOf(v, t Value) bool {
	if t == Null || t == h.Types.AnyValue {
		return true
	}
	return h.IsSubtypeOf(h.TypeOf(v), t)
}

// IsPointerLikeType reports whether t is a pointer or reference type.
func (h *Heap) IsPointerLikeType(t Value) bool {
	info := h.TypeInfo(t)
	return info != nil && info.PointerLike
}

// PointerType returns the memoized pointer type of base.
func (h *Heap) PointerType(base Value) Value {
	if p, ok := h.pointerTypes[base]; ok {
		return p
	}
	p := h.NewType("Pointer("+h.TypeName(base)+")", h.Types.PointerLike)
	info := h.TypeInfo(p)
	info.PointerLike = true
	info.BaseType = base
	h.pointerTypes[base] = p
	return p
}

// ReferenceType returns the memoized reference type of base.
func (h *Heap) ReferenceType(base Value) Value {
	if r, ok := h.referenceTypes[base]; ok {
		return r
	}
	r := h.NewType("Ref("+h.TypeName(base)+")", h.Types.PointerLike)
	info := h.TypeInfo(r)
	info.PointerLike = true
	info.BaseType = base
	h.referenceTypes[base] = r
	return r
}

// IsReferenceType reports whether t is a reference type.
func (h *Heap) IsReferenceType(t Value) bool {
	info := h.TypeInfo(t)
	return info != nil && info.PointerLike && h.referenceTypes[info.BaseType] == t
}

// AddMethod installs fn under selector on t.
func (h *Heap) AddMethod(t, selector, fn Value) {
	if info := h.TypeInfo(t); info != nil {
		info.Methods[selector] = fn
	}
}

// LookupSelector searches t and its supertypes for selector.
func (h *Heap) LookupSelector(t, selector Value) (Value, bool) {
	for t != Null {
		info := h.TypeInfo(t)
		if info == nil {
			break
		}
		if m, ok := info.Methods[selector]; ok {
			return m, true
		}
		t = info.Supertype
	}
	return Null, false
}
