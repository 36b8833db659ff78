package object

import "testing"

func TestAllocateAlignment(t *testing.T) {
	h := NewHeap()
	a := h.NewArray(FromInt(1), FromInt(2), FromInt(3))
	b := h.NewString("hello")
	for _, v := range []Value{a, b} {
		if v.Address()%16 != 0 {
			t.Errorf("address %#x is not 16-byte aligned", v.Address())
		}
		if !v.IsObject() {
			t.Errorf("%v.IsObject() = false", v)
		}
	}
	if b.Address() < a.Address()+HeaderSize+3*WordSize {
		t.Errorf("objects overlap: %#x and %#x", a.Address(), b.Address())
	}
}

func TestEmulatedMemorySlots(t *testing.T) {
	h := NewHeap()
	arr := h.NewArrayOfSize(4)
	addr := arr.Address() + HeaderSize + 2*WordSize

	if !h.WriteWord(addr, uint64(FromInt(99))) {
		t.Fatal("WriteWord failed")
	}
	if got := h.ArrayElements(arr)[2]; got != FromInt(99) {
		t.Errorf("slot 2 = %v, want 99", got)
	}
	w, ok := h.ReadWord(addr)
	if !ok || Value(w) != FromInt(99) {
		t.Errorf("ReadWord = %#x, %v", w, ok)
	}
	w, ok = h.ReadWord(arr.Address())
	if !ok || Value(w) != h.Types.Array {
		t.Errorf("header word 0 = %#x, want Array type", w)
	}
	if _, ok := h.ReadWord(arr.Address() + HeaderSize + 4*WordSize); ok {
		t.Error("read past the last slot should fail")
	}
}

func TestEmulatedMemoryBytes(t *testing.T) {
	h := NewHeap()
	ba := h.NewByteArrayOfSize(3)
	for i := 0; i < 3; i++ {
		if !h.StoreByte(ba.Address()+HeaderSize+uint64(i), byte(10+i)) {
			t.Fatalf("StoreByte(%d) failed", i)
		}
	}
	got := h.Get(ba).Bytes
	if got[0] != 10 || got[1] != 11 || got[2] != 12 {
		t.Errorf("bytes = %v", got)
	}
}

func TestRootCells(t *testing.T) {
	h := NewHeap()
	arr := h.NewArray()
	cell := h.NewRootCell(arr)
	w, ok := h.ReadWord(cell)
	if !ok || Value(w) != arr {
		t.Errorf("root cell read = %#x, %v", w, ok)
	}
	if !h.SetRootCell(cell, Null) {
		t.Error("SetRootCell failed")
	}
	if v, _ := h.RootCell(cell); v != Null {
		t.Errorf("root cell = %v, want null", v)
	}
}

func TestInternIdentity(t *testing.T) {
	h := NewHeap()
	if h.Intern("foo") != h.Intern("foo") {
		t.Error("interned symbols must be identical")
	}
	if h.Intern("foo") == h.Intern("bar") {
		t.Error("distinct symbols must differ")
	}
	if h.SymbolString(h.Intern("foo")) != "foo" {
		t.Error("SymbolString mismatch")
	}
}

func TestMarkSweep(t *testing.T) {
	h := NewHeap()
	before := h.Len()
	live := h.NewArray(h.NewString("kept"))
	h.NewArray(h.NewString("garbage"))

	h.Mark([]Value{live})
	freed := h.Sweep()
	if freed != 2 {
		t.Errorf("freed = %d, want 2", freed)
	}
	if h.Len() != before+2 {
		t.Errorf("live objects = %d, want %d", h.Len(), before+2)
	}
	if h.Get(live) == nil {
		t.Error("rooted array was collected")
	}
	if got := h.SymbolString(h.ArrayElements(live)[0]); got != "kept" {
		t.Errorf("element = %q", got)
	}
}

func TestTypesAndKindOf(t *testing.T) {
	h := NewHeap()
	point := h.NewType("Point", h.Types.Object, "x", "y")
	p := h.NewTuple(point)
	if !h.IsKindOf(p, h.Types.Object) {
		t.Error("Point should be kind of Object")
	}
	if h.IsKindOf(FromInt(1), h.Types.Object) {
		t.Error("Integer should not be kind of Object")
	}
	slot, ok := h.SlotNamed(point, "y")
	if !ok {
		t.Fatal("slot y not found")
	}
	if idx, _ := h.TypeSlotIndex(slot); idx != 1 {
		t.Errorf("y index = %d, want 1", idx)
	}

	ptr := h.PointerType(h.Types.Integer)
	if ptr != h.PointerType(h.Types.Integer) {
		t.Error("pointer types must be memoized")
	}
	if !h.IsPointerLikeType(ptr) || h.TypeInfo(ptr).BaseType != h.Types.Integer {
		t.Error("pointer type lost its base type")
	}
}

func TestMethodLookupWalksSupertypes(t *testing.T) {
	h := NewHeap()
	sel := h.Intern("size")
	fn := h.NewPrimitive("array.size", 0)
	h.AddMethod(h.Types.Object, sel, fn)
	got, ok := h.LookupSelector(h.Types.Array, sel)
	if !ok || got != fn {
		t.Errorf("LookupSelector = %v, %v", got, ok)
	}
	if _, ok := h.LookupSelector(h.Types.Integer, sel); ok {
		t.Error("Integer does not inherit from Object")
	}
}

func TestDictionary(t *testing.T) {
	h := NewHeap()
	d := h.NewDictionary()
	h.DictionaryAdd(d, h.NewAssociation(h.NewString("a"), FromInt(1)))
	h.DictionaryAdd(d, h.NewAssociation(h.NewString("a"), FromInt(2)))
	if h.DictionarySize(d) != 1 {
		t.Errorf("size = %d, want 1", h.DictionarySize(d))
	}
	if v, ok := h.DictionaryAt(d, h.NewString("a")); !ok || v != FromInt(2) {
		t.Errorf("DictionaryAt = %v, %v", v, ok)
	}
}
