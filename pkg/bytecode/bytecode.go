package bytecode

import (
	"sort"

	"github.com/chazu/regvm/object"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// SessionID identifies one process lifetime of an execution context. Native
// code cached on a Bytecode is only valid for the session that produced it.
type SessionID uuid.UUID

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// IsZero reports whether the identifier was never assigned.
func (s SessionID) IsZero() bool {
	return s == SessionID{}
}

func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// NativeCode is an entry point into a code zone, tagged with the session that
// installed it.
type NativeCode struct {
	Address uint64
	Size    int
	Session SessionID
}

// ValidFor reports whether the code may be entered in session s.
func (c *NativeCode) ValidFor(s SessionID) bool {
	return c != nil && c.Address != 0 && c.Session == s
}

// PCEntry maps the first instruction offset of a run to a debug entry.
type PCEntry struct {
	PC    int `cbor:"1,keyasint"`
	Entry int `cbor:"2,keyasint"`
}

// Bytecode is the compiled form of a function definition.
type Bytecode struct {
	ArgumentCount     int
	CaptureVectorSize int
	LocalVectorSize   int

	Literals     []object.Value
	Instructions []byte

	// Debug tables. PCTable is sorted by PC; every Entry indexes the three
	// parallel slices.
	PCTable           []PCEntry
	DebugASTNodes     []any
	DebugPositions    []object.SourcePosition
	DebugEnvironments []any

	// Definition is the function definition object this was compiled from.
	Definition object.Value

	// Native code caches. A cache from another session is stale.
	JittedCode       *NativeCode
	JittedTrampoline *NativeCode

	// LiteralVector is the array object native code reads literals from, held
	// alive through LiteralVectorCell.
	LiteralVector     object.Value
	LiteralVectorCell uint64
}

// Trace implements object.Tracer.
func (b *Bytecode) Trace(mark func(object.Value)) {
	for _, l := range b.Literals {
		mark(l)
	}
	mark(b.Definition)
	mark(b.LiteralVector)
	for _, n := range b.DebugASTNodes {
		if t, ok := n.(object.Tracer); ok {
			t.Trace(mark)
		}
	}
}

// DebugEntryAt returns the debug entry covering pc: the entry of the greatest
// recorded PC that is not after pc.
func (b *Bytecode) DebugEntryAt(pc int) (int, bool) {
	i := sort.Search(len(b.PCTable), func(i int) bool { return b.PCTable[i].PC > pc })
	if i == 0 {
		return 0, false
	}
	return b.PCTable[i-1].Entry, true
}

// SourcePositionAt returns the source position recorded for pc.
func (b *Bytecode) SourcePositionAt(pc int) (object.SourcePosition, bool) {
	e, ok := b.DebugEntryAt(pc)
	if !ok || e >= len(b.DebugPositions) {
		return object.SourcePosition{}, false
	}
	return b.DebugPositions[e], true
}

// ASTNodeAt returns the AST node recorded for pc.
func (b *Bytecode) ASTNodeAt(pc int) (any, bool) {
	e, ok := b.DebugEntryAt(pc)
	if !ok || e >= len(b.DebugASTNodes) {
		return nil, false
	}
	return b.DebugASTNodes[e], true
}

// EnvironmentAt returns the lexical environment recorded for pc.
func (b *Bytecode) EnvironmentAt(pc int) (any, bool) {
	e, ok := b.DebugEntryAt(pc)
	if !ok || e >= len(b.DebugEnvironments) {
		return nil, false
	}
	return b.DebugEnvironments[e], true
}

// Fingerprint hashes the instruction stream.
func (b *Bytecode) Fingerprint() uint64 {
	return xxh3.Hash(b.Instructions)
}

// InvalidateNativeCode drops both native code caches.
func (b *Bytecode) InvalidateNativeCode() {
	b.JittedCode = nil
	b.JittedTrampoline = nil
}
