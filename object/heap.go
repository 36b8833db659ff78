package object

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Kind identifies the layout of a heap object.
type Kind uint8

const (
	KindTuple Kind = iota
	KindType
	KindTypeSlot
	KindFunction
	KindFunctionDefinition
	KindArray
	KindByteArray
	KindDictionary
	KindAssociation
	KindString
	KindSymbol
	KindMessage
	KindException
	KindPointerBox
	KindSlotReference
	KindSymbolValueBinding
)

var kindNames = [...]string{
	KindTuple:              "Tuple",
	KindType:               "Type",
	KindTypeSlot:           "TypeSlot",
	KindFunction:           "Function",
	KindFunctionDefinition: "FunctionDefinition",
	KindArray:              "Array",
	KindByteArray:          "ByteArray",
	KindDictionary:         "Dictionary",
	KindAssociation:        "Association",
	KindString:             "String",
	KindSymbol:             "Symbol",
	KindMessage:            "Message",
	KindException:          "Exception",
	KindPointerBox:         "PointerBox",
	KindSlotReference:      "SlotReference",
	KindSymbolValueBinding: "SymbolValueBinding",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Emulated address space. Native code sees objects, root cells and its own
// stack through these ranges.
const (
	HeapBase     uint64 = 0x1000_0000_0000
	RootCellBase uint64 = 0x0F00_0000_0000
	RootCellSize uint64 = 8

	// HeaderSize is the byte offset of slot 0 from an object's address.
	HeaderSize = 32
	WordSize   = 8

	objectAlignment = 16
)

// Tracer is implemented by payloads that hold Values the collector must see.
type Tracer interface {
	Trace(mark func(Value))
}

// Object is a heap-allocated tuple. Pointer objects use Slots, byte objects
// use Bytes. Payload carries host-side data that never crosses into native
// code.
type Object struct {
	Kind    Kind
	Type    Value
	Slots   []Value
	Bytes   []byte
	Payload any

	address uint64
	marked  bool
}

// Address returns the emulated address of the object.
func (o *Object) Address() uint64 {
	return o.address
}

// Value returns the handle of the object.
func (o *Object) Value() Value {
	return Value(o.address)
}

func (o *Object) extent() uint64 {
	n := uint64(len(o.Slots)) * WordSize
	if b := uint64(len(o.Bytes)); b > n {
		n = b
	}
	return HeaderSize + n
}

// Heap owns every object of one execution context.
type Heap struct {
	objects map[uint64]*Object
	// addrs is kept sorted so interior addresses can be resolved.
	addrs []uint64
	next  uint64

	symbols   map[string]Value
	rootCells []Value
	roots     []Value

	Types Types

	pointerTypes   map[Value]Value
	referenceTypes map[Value]Value
	typesByName    map[string]Value

	allocatedSinceCollection int
}

// NewHeap creates a heap with the well-known types installed.
func NewHeap() *Heap {
	h := &Heap{
		objects:        make(map[uint64]*Object),
		next:           HeapBase,
		symbols:        make(map[string]Value),
		pointerTypes:   make(map[Value]Value),
		referenceTypes: make(map[Value]Value),
		typesByName:    make(map[string]Value),
	}
	h.bootstrapTypes()
	return h
}

// Allocate creates an object with the given number of slots and bytes. Slots
// start as Null.
func (h *Heap) Allocate(kind Kind, typ Value, slots, bytes int) *Object {
	obj := &Object{
		Kind:    kind,
		Type:    typ,
		address: h.next,
	}
	if slots > 0 {
		obj.Slots = make([]Value, slots)
	}
	if bytes > 0 {
		obj.Bytes = make([]byte, bytes)
	}
	size := obj.extent()
	size = (size + objectAlignment - 1) &^ (objectAlignment - 1)
	h.next += size
	h.objects[obj.address] = obj
	h.addrs = append(h.addrs, obj.address)
	h.allocatedSinceCollection++
	return obj
}

// Get resolves a handle. It returns nil for immediates and dangling handles.
func (h *Heap) Get(v Value) *Object {
	if !v.IsObject() {
		return nil
	}
	return h.objects[uint64(v)]
}

// MustGet resolves a handle that is known to be an object of the given kind.
func (h *Heap) MustGet(v Value, kind Kind) *Object {
	obj := h.Get(v)
	if obj == nil || obj.Kind != kind {
		panic(fmt.Sprintf("expected %s, got %s", kind, h.Describe(v)))
	}
	return obj
}

// KindOf returns the kind of an object handle and false for immediates.
func (h *Heap) KindOf(v Value) (Kind, bool) {
	obj := h.Get(v)
	if obj == nil {
		return 0, false
	}
	return obj.Kind, true
}

// ObjectAt finds the object whose extent contains addr.
func (h *Heap) ObjectAt(addr uint64) (*Object, bool) {
	i := sort.Search(len(h.addrs), func(i int) bool { return h.addrs[i] > addr })
	if i == 0 {
		return nil, false
	}
	obj := h.objects[h.addrs[i-1]]
	if obj == nil || addr >= obj.address+obj.extent() {
		return nil, false
	}
	return obj, true
}

// Len returns the number of live objects.
func (h *Heap) Len() int {
	return len(h.objects)
}

// AllocatedSinceCollection returns the allocation count since the last sweep.
func (h *Heap) AllocatedSinceCollection() int {
	return h.allocatedSinceCollection
}

// AddRoot keeps v alive for the lifetime of the heap.
func (h *Heap) AddRoot(v Value) {
	if v.IsObject() {
		h.roots = append(h.roots, v)
	}
}

// ---------------------------------------------------------------------------
// Root cells
// ---------------------------------------------------------------------------

// NewRootCell allocates a word that native code can load a Value from.
func (h *Heap) NewRootCell(v Value) uint64 {
	h.rootCells = append(h.rootCells, v)
	return RootCellBase + uint64(len(h.rootCells)-1)*RootCellSize
}

// RootCell reads a root cell.
func (h *Heap) RootCell(addr uint64) (Value, bool) {
	i, ok := h.rootCellIndex(addr)
	if !ok {
		return Null, false
	}
	return h.rootCells[i], true
}

// SetRootCell overwrites a root cell.
func (h *Heap) SetRootCell(addr uint64, v Value) bool {
	i, ok := h.rootCellIndex(addr)
	if !ok {
		return false
	}
	h.rootCells[i] = v
	return true
}

func (h *Heap) rootCellIndex(addr uint64) (int, bool) {
	if addr < RootCellBase || (addr-RootCellBase)%RootCellSize != 0 {
		return 0, false
	}
	i := (addr - RootCellBase) / RootCellSize
	if i >= uint64(len(h.rootCells)) {
		return 0, false
	}
	return int(i), true
}

// ---------------------------------------------------------------------------
// Emulated memory
// ---------------------------------------------------------------------------

// ReadWord reads a 64-bit word at an emulated heap or root cell address.
func (h *Heap) ReadWord(addr uint64) (uint64, bool) {
	if v, ok := h.RootCell(addr); ok {
		return uint64(v), true
	}
	obj, ok := h.ObjectAt(addr)
	if !ok {
		return 0, false
	}
	off := addr - obj.address
	if off < HeaderSize {
		return obj.headerWord(off)
	}
	off -= HeaderSize
	if obj.Bytes != nil {
		if off+WordSize > uint64(len(obj.Bytes)) {
			return 0, false
		}
		return binary.LittleEndian.Uint64(obj.Bytes[off:]), true
	}
	if off%WordSize != 0 {
		return 0, false
	}
	return uint64(obj.Slots[off/WordSize]), true
}

// WriteWord stores a 64-bit word into a slot or root cell.
func (h *Heap) WriteWord(addr, word uint64) bool {
	if h.SetRootCell(addr, Value(word)) {
		return true
	}
	obj, ok := h.ObjectAt(addr)
	if !ok || addr-obj.address < HeaderSize {
		return false
	}
	off := addr - obj.address - HeaderSize
	if obj.Bytes != nil {
		if off+WordSize > uint64(len(obj.Bytes)) {
			return false
		}
		binary.LittleEndian.PutUint64(obj.Bytes[off:], word)
		return true
	}
	if off%WordSize != 0 {
		return false
	}
	obj.Slots[off/WordSize] = Value(word)
	return true
}

// StoreByte stores one byte into a byte object.
func (h *Heap) StoreByte(addr uint64, b byte) bool {
	obj, ok := h.ObjectAt(addr)
	if !ok || addr-obj.address < HeaderSize || obj.Bytes == nil {
		return false
	}
	obj.Bytes[addr-obj.address-HeaderSize] = b
	return true
}

func (o *Object) headerWord(off uint64) (uint64, bool) {
	switch off {
	case 0:
		return uint64(o.Type), true
	case 8:
		return uint64(o.Kind), true
	case 16:
		return uint64(len(o.Slots)), true
	case 24:
		return uint64(len(o.Bytes)), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Collection support
// ---------------------------------------------------------------------------

// Mark marks everything reachable from roots plus the heap's own roots.
func (h *Heap) Mark(roots []Value) int {
	var work []Value
	push := func(v Value) {
		obj := h.Get(v)
		if obj == nil || obj.marked {
			return
		}
		obj.marked = true
		work = append(work, v)
	}

	for _, v := range roots {
		push(v)
	}
	for _, v := range h.roots {
		push(v)
	}
	for _, v := range h.rootCells {
		push(v)
	}
	for _, v := range h.symbols {
		push(v)
	}
	h.Types.each(push)
	for _, t := range h.typesByName {
		push(t)
	}
	for base, p := range h.pointerTypes {
		push(base)
		push(p)
	}
	for base, r := range h.referenceTypes {
		push(base)
		push(r)
	}

	marked := 0
	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		marked++
		obj := h.objects[uint64(v)]
		push(obj.Type)
		for _, s := range obj.Slots {
			push(s)
		}
		if t, ok := obj.Payload.(Tracer); ok {
			t.Trace(push)
		}
	}
	return marked
}

// Sweep frees every unmarked object and clears the marks of survivors.
func (h *Heap) Sweep() int {
	freed := 0
	live := h.addrs[:0]
	for _, addr := range h.addrs {
		obj := h.objects[addr]
		if obj.marked {
			obj.marked = false
			live = append(live, addr)
			continue
		}
		delete(h.objects, addr)
		freed++
	}
	h.addrs = live
	h.allocatedSinceCollection = 0
	return freed
}
