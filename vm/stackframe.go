package vm

import (
	"fmt"
	"iter"

	"github.com/chazu/regvm/jit"
	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Stack frame records
// ---------------------------------------------------------------------------

// RecordKind tags a stack frame record. The values are shared with native
// code, which writes the kind of its activation record into the frame.
type RecordKind uint8

const (
	RecordGCRoots            RecordKind = 0
	RecordFunctionActivation RecordKind = 1
	RecordBytecodeActivation RecordKind = 2
	RecordJITActivation      RecordKind = jit.FrameRecordType
	RecordBreakTarget        RecordKind = 4
	RecordContinueTarget     RecordKind = 5
	RecordSourcePosition     RecordKind = 6
	RecordLandingPad         RecordKind = 7
	RecordCleanup            RecordKind = 8
)

var recordKindNames = [...]string{
	RecordGCRoots:            "GCRoots",
	RecordFunctionActivation: "FunctionActivation",
	RecordBytecodeActivation: "BytecodeActivation",
	RecordJITActivation:      "JITActivation",
	RecordBreakTarget:        "BreakTarget",
	RecordContinueTarget:     "ContinueTarget",
	RecordSourcePosition:     "SourcePosition",
	RecordLandingPad:         "LandingPad",
	RecordCleanup:            "Cleanup",
}

func (k RecordKind) String() string {
	if int(k) < len(recordKindNames) {
		return recordKindNames[k]
	}
	return fmt.Sprintf("RecordKind(%d)", k)
}

// Record is one entry of the record chain. Records live exactly as long as
// the operation that pushed them.
type Record interface {
	Kind() RecordKind
	Previous() Record

	link() *recordLink
	walkRoots(visit func(*object.Value))
}

type recordLink struct {
	previous Record
}

func (l *recordLink) Previous() Record  { return l.previous }
func (l *recordLink) link() *recordLink { return l }

// Environment holds the non-local exit targets of one activation. Unwinding
// through the activation clears them.
type Environment struct {
	ReturnTarget   Record
	BreakTarget    Record
	ContinueTarget Record
}

// ClearUnwindingRecords forgets every exit target.
func (e *Environment) ClearUnwindingRecords() {
	if e == nil {
		return
	}
	e.ReturnTarget = nil
	e.BreakTarget = nil
	e.ContinueTarget = nil
}

// GCRootsRecord keeps host-side values alive across a safepoint.
type GCRootsRecord struct {
	recordLink
	Roots []object.Value
}

func (r *GCRootsRecord) Kind() RecordKind { return RecordGCRoots }

func (r *GCRootsRecord) walkRoots(visit func(*object.Value)) {
	for i := range r.Roots {
		visit(&r.Roots[i])
	}
}

// FunctionActivationRecord marks the activation of a function that can be
// the target of a non-local return.
type FunctionActivationRecord struct {
	recordLink
	Function    object.Value
	Definition  object.Value
	Environment *Environment
	Result      object.Value
}

func (r *FunctionActivationRecord) Kind() RecordKind { return RecordFunctionActivation }

func (r *FunctionActivationRecord) walkRoots(visit func(*object.Value)) {
	visit(&r.Function)
	visit(&r.Definition)
	visit(&r.Result)
}

// BytecodeActivationRecord is the frame of an interpreted function.
type BytecodeActivationRecord struct {
	recordLink
	Function      object.Value
	Definition    object.Value
	Bytecode      *bytecode.Bytecode
	CaptureVector object.Value
	LiteralVector object.Value
	Arguments     []object.Value
	Locals        []object.Value
	// Operands is the register file the decoded operands are fetched into.
	Operands []object.Value
	Result   object.Value
	PC       int
}

func (r *BytecodeActivationRecord) Kind() RecordKind { return RecordBytecodeActivation }

func (r *BytecodeActivationRecord) walkRoots(visit func(*object.Value)) {
	visit(&r.Function)
	visit(&r.Definition)
	if r.Bytecode != nil {
		for i := range r.Bytecode.Literals {
			visit(&r.Bytecode.Literals[i])
		}
	}
	visit(&r.CaptureVector)
	visit(&r.LiteralVector)
	for i := range r.Arguments {
		visit(&r.Arguments[i])
	}
	for i := range r.Locals {
		visit(&r.Locals[i])
	}
	for i := range r.Operands {
		visit(&r.Operands[i])
	}
	visit(&r.Result)
}

// SourcePosition returns the position of the instruction being executed.
func (r *BytecodeActivationRecord) SourcePosition(h *object.Heap) object.SourcePosition {
	if r.Bytecode != nil {
		if pos, ok := r.Bytecode.SourcePositionAt(r.PC); ok && pos.IsValid() {
			return pos
		}
	}
	if def := h.DefinitionOf(r.Definition); def != nil {
		return def.Position
	}
	return object.SourcePosition{}
}

// FrameMemory is the memory a native activation record lives in.
type FrameMemory interface {
	ReadWord(addr uint64) (uint64, bool)
	WriteWord(addr, word uint64) bool
}

// JITActivationRecord is the frame of a native function. Its slots live in
// the native stack at Frame and are read and written through Memory.
type JITActivationRecord struct {
	recordLink
	Frame  uint64
	Memory FrameMemory
}

func (r *JITActivationRecord) Kind() RecordKind { return RecordJITActivation }

func (r *JITActivationRecord) word(offset int) uint64 {
	w, _ := r.Memory.ReadWord(r.Frame + uint64(offset))
	return w
}

func (r *JITActivationRecord) visitWord(addr uint64, visit func(*object.Value)) {
	w, ok := r.Memory.ReadWord(addr)
	if !ok {
		return
	}
	v := object.Value(w)
	visit(&v)
	if uint64(v) != w {
		r.Memory.WriteWord(addr, uint64(v))
	}
}

func (r *JITActivationRecord) walkRoots(visit func(*object.Value)) {
	r.visitWord(r.Frame+jit.FrameLiteralVector, visit)
	r.visitWord(r.Frame+jit.FrameCaptureVector, visit)
	r.visitWord(r.Frame+jit.FrameFunction, visit)

	args := r.word(jit.FrameArguments)
	for i := uint64(0); i < r.word(jit.FrameArgumentCount); i++ {
		r.visitWord(args+i*object.WordSize, visit)
	}
	locals := r.word(jit.FrameLocalCount)
	for i := uint64(0); i < locals; i++ {
		r.visitWord(r.Frame+jit.FrameLocals+i*object.WordSize, visit)
	}
	callArguments := r.Frame + uint64(jit.CallArgumentVectorOffset(int(locals)))
	for i := uint64(0); i < r.word(jit.FrameCallArgumentVectorSize); i++ {
		r.visitWord(callArguments+i*object.WordSize, visit)
	}
}

// PC returns the bytecode pc the native code stored last.
func (r *JITActivationRecord) PC() int {
	return int(r.word(jit.FramePC))
}

// Function returns the function being executed.
func (r *JITActivationRecord) Function() object.Value {
	return object.Value(r.word(jit.FrameFunction))
}

// SourcePosition maps the stored pc back to source.
func (r *JITActivationRecord) SourcePosition(h *object.Heap) object.SourcePosition {
	def := h.DefinitionOf(h.FunctionDefinitionOf(r.Function()))
	if def == nil {
		return object.SourcePosition{}
	}
	if b, ok := def.Bytecode.(*bytecode.Bytecode); ok {
		if pos, ok := b.SourcePositionAt(r.PC()); ok && pos.IsValid() {
			return pos
		}
	}
	return def.Position
}

// BreakTargetRecord is where a break transfers control to.
type BreakTargetRecord struct {
	recordLink
	Environment *Environment
}

func (r *BreakTargetRecord) Kind() RecordKind              { return RecordBreakTarget }
func (r *BreakTargetRecord) walkRoots(func(*object.Value)) {}

// ContinueTargetRecord is where a continue transfers control to.
type ContinueTargetRecord struct {
	recordLink
	Environment *Environment
}

func (r *ContinueTargetRecord) Kind() RecordKind              { return RecordContinueTarget }
func (r *ContinueTargetRecord) walkRoots(func(*object.Value)) {}

// SourcePositionRecord annotates stack traces of host code.
type SourcePositionRecord struct {
	recordLink
	Position object.SourcePosition
}

func (r *SourcePositionRecord) Kind() RecordKind              { return RecordSourcePosition }
func (r *SourcePositionRecord) walkRoots(func(*object.Value)) {}

// LandingPadRecord catches exceptions whose type matches Filter. A null
// filter catches everything.
type LandingPadRecord struct {
	recordLink
	Filter         object.Value
	KeepStackTrace bool

	Exception    object.Value
	StackTrace   object.Value
	Action       object.Value
	ActionResult object.Value
}

func (r *LandingPadRecord) Kind() RecordKind { return RecordLandingPad }

func (r *LandingPadRecord) walkRoots(visit func(*object.Value)) {
	visit(&r.Filter)
	visit(&r.StackTrace)
	visit(&r.Exception)
	visit(&r.Action)
	visit(&r.ActionResult)
}

// CleanupRecord runs Action when control leaves it, normally or by
// unwinding. The action runs at most once.
type CleanupRecord struct {
	recordLink
	Action object.Value
	done   bool
}

func (r *CleanupRecord) Kind() RecordKind { return RecordCleanup }

func (r *CleanupRecord) walkRoots(visit func(*object.Value)) {
	visit(&r.Action)
}

// ---------------------------------------------------------------------------
// Record chain
// ---------------------------------------------------------------------------

// Head returns the active record.
func (ctx *Context) Head() Record {
	return ctx.head
}

// Push makes r the active record.
func (ctx *Context) Push(r Record) {
	r.link().previous = ctx.head
	ctx.head = r
}

// Pop removes r and everything above it. Popping a record that unwinding
// has already passed is a no-op.
func (ctx *Context) Pop(r Record) {
	if ctx.head == r {
		ctx.head = r.Previous()
		return
	}
	if ctx.onChain(r) {
		ctx.head = r.Previous()
	}
}

// Records iterates the chain from the head to the bottom.
func (ctx *Context) Records() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for r := ctx.head; r != nil; r = r.Previous() {
			if !yield(r) {
				return
			}
		}
	}
}

// Depth returns the number of active records.
func (ctx *Context) Depth() int {
	n := 0
	for range ctx.Records() {
		n++
	}
	return n
}

func (ctx *Context) onChain(target Record) bool {
	if target == nil {
		return false
	}
	for r := range ctx.Records() {
		if r == target {
			return true
		}
	}
	return false
}

// WalkRoots visits every root slot of every active record.
func (ctx *Context) WalkRoots(visit func(*object.Value)) {
	for r := range ctx.Records() {
		r.walkRoots(visit)
	}
}

// WithRoots keeps roots alive while body runs.
func (ctx *Context) WithRoots(roots []object.Value, body func() (object.Value, error)) (object.Value, error) {
	r := &GCRootsRecord{Roots: roots}
	ctx.Push(r)
	defer ctx.Pop(r)
	return body()
}

// WithSourcePosition annotates stack traces taken while body runs.
func (ctx *Context) WithSourcePosition(pos object.SourcePosition, body func() (object.Value, error)) (object.Value, error) {
	r := &SourcePositionRecord{Position: pos}
	ctx.Push(r)
	defer ctx.Pop(r)
	return body()
}
