package jit

import (
	"fmt"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

// Symbol names a runtime entry point native code calls into.
type Symbol int

const (
	SymPushRecord Symbol = iota
	SymPopRecord
	SymSafepoint
	SymUnreachable

	SymApply
	SymSend
	SymSendWithLookup

	SymAlloca
	SymAllocaWithValue
	SymLoad
	SymStore
	SymLoadSymbolValueBinding
	SymCoerce
	SymDownCast
	SymMakeAssociation
	SymMakeClosureWithVector
	SymSlotAt
	SymSlotReferenceAt
	SymSlotAtPut
	SymRefSlotAt
	SymRefSlotReferenceAt
	SymRefSlotAtPut

	SymArrayCreate
	SymByteArrayCreate
	SymTupleCreate
	SymDictionaryCreate
	SymDictionaryAdd
	SymCaptureVectorCreate
	SymClosureCreate

	// SymTrampolineDestination is where fresh trampolines jump to.
	SymTrampolineDestination

	symbolCount
)

var symbolNames = [...]string{
	SymPushRecord:             "pushRecord",
	SymPopRecord:              "popRecord",
	SymSafepoint:              "safepoint",
	SymUnreachable:            "unreachable",
	SymApply:                  "apply",
	SymSend:                   "send",
	SymSendWithLookup:         "sendWithLookup",
	SymAlloca:                 "alloca",
	SymAllocaWithValue:        "allocaWithValue",
	SymLoad:                   "load",
	SymStore:                  "store",
	SymLoadSymbolValueBinding: "loadSymbolValueBinding",
	SymCoerce:                 "coerce",
	SymDownCast:               "downCast",
	SymMakeAssociation:        "makeAssociation",
	SymMakeClosureWithVector:  "makeClosureWithVector",
	SymSlotAt:                 "slotAt",
	SymSlotReferenceAt:        "slotReferenceAt",
	SymSlotAtPut:              "slotAtPut",
	SymRefSlotAt:              "refSlotAt",
	SymRefSlotReferenceAt:     "refSlotReferenceAt",
	SymRefSlotAtPut:           "refSlotAtPut",
	SymArrayCreate:            "arrayCreate",
	SymByteArrayCreate:        "byteArrayCreate",
	SymTupleCreate:            "tupleCreate",
	SymDictionaryCreate:       "dictionaryCreate",
	SymDictionaryAdd:          "dictionaryAdd",
	SymCaptureVectorCreate:    "captureVectorCreate",
	SymClosureCreate:          "closureCreate",
	SymTrampolineDestination:  "trampolineDestination",
}

func (s Symbol) String() string {
	if s >= 0 && int(s) < len(symbolNames) {
		return symbolNames[s]
	}
	return fmt.Sprintf("Symbol(%d)", int(s))
}

// Symbols lists every runtime symbol.
func Symbols() []Symbol {
	out := make([]Symbol, symbolCount)
	for i := range out {
		out[i] = Symbol(i)
	}
	return out
}

// Emulated addresses of runtime entry points. A call to one of them is
// serviced by the host rather than by native code.
const (
	RuntimeBase    uint64 = 0x0E00_0000_0000
	PrimitiveBase  uint64 = 0x0E80_0000_0000
	EntryPointSize uint64 = 16

	// ContextAddress is the opaque context pointer native code passes as the
	// first argument of every runtime call.
	ContextAddress uint64 = 0x0E40_0000_0000
)

// SymbolAddress returns the entry point of a runtime symbol.
func SymbolAddress(s Symbol) uint64 {
	return RuntimeBase + uint64(s)*EntryPointSize
}

// SymbolAt resolves a runtime entry point address.
func SymbolAt(addr uint64) (Symbol, bool) {
	if addr < RuntimeBase || addr >= RuntimeBase+uint64(symbolCount)*EntryPointSize {
		return 0, false
	}
	if (addr-RuntimeBase)%EntryPointSize != 0 {
		return 0, false
	}
	return Symbol((addr - RuntimeBase) / EntryPointSize), true
}

// PrimitiveAddress returns the entry point of the primitive numbered index.
func PrimitiveAddress(index int) uint64 {
	return PrimitiveBase + uint64(index)*EntryPointSize
}

// PrimitiveAt resolves a primitive entry point address to its index.
func PrimitiveAt(addr uint64) (int, bool) {
	if addr < PrimitiveBase || (addr-PrimitiveBase)%EntryPointSize != 0 {
		return 0, false
	}
	i := (addr - PrimitiveBase) / EntryPointSize
	if i >= 1<<20 {
		return 0, false
	}
	return int(i), true
}

// Runtime is what the compiler needs from the execution context.
type Runtime interface {
	Heap() *object.Heap

	// PrimitiveEntryPoint returns the native entry point of a primitive.
	PrimitiveEntryPoint(name string) (uint64, bool)

	// FunctionEntryPoint returns an address a direct call to fn may target:
	// its installed code or a trampoline to it.
	FunctionEntryPoint(fn object.Value) (uint64, bool)

	// LiteralVectorCell returns the root cell holding the literal vector of b.
	LiteralVectorCell(b *bytecode.Bytecode) uint64
}
