package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/regvm/jit"
	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

var jitLog = commonlog.GetLogger("regvm.vm.jit")

// jitManager compiles bytecode to native code on first application and runs
// it on the machine. Runtime entry points are serviced by handlers that call
// back into the context.
type jitManager struct {
	ctx     *Context
	abi     jit.ABI
	zone    *jit.CodeZone
	machine *jit.Machine

	// frames maps native frame addresses to their records.
	frames map[uint64]*JITActivationRecord
	// code maps entry points to the code installed there.
	code map[uint64]*jit.Code
	// unsupported remembers bytecode the compiler rejected this session.
	unsupported map[*bytecode.Bytecode]error

	primitiveIndex map[string]int
	primitiveNames []string

	stats JITStats
}

// JITStats counts native compilation activity.
type JITStats struct {
	Compiled    int
	Fallbacks   int
	Trampolines int
	CodeBytes   int
}

func newJITManager(ctx *Context) (*jitManager, error) {
	zone, err := jit.NewCodeZone(ctx.config.CodeZoneSize)
	if err != nil {
		return nil, err
	}
	j := &jitManager{
		ctx:            ctx,
		abi:            ctx.config.ABI,
		zone:           zone,
		frames:         make(map[uint64]*JITActivationRecord),
		code:           make(map[uint64]*jit.Code),
		unsupported:    make(map[*bytecode.Bytecode]error),
		primitiveIndex: make(map[string]int),
	}
	j.machine = jit.NewMachine(j.abi, zone, ctx.Heap, 0)
	j.installHandlers()
	for _, name := range ctx.PrimitiveNames() {
		j.primitiveRegistered(name)
	}
	jitLog.Info("jit started", "abi", j.abi.String(), "zone", zone.Size())
	return j, nil
}

func (j *jitManager) reset() {
	j.zone.Reset()
	clear(j.frames)
	clear(j.code)
	clear(j.unsupported)
	j.stats = JITStats{}
}

func (j *jitManager) close() error {
	return j.zone.Close()
}

// JITStats returns native compilation statistics. The zero value is
// returned when the JIT is disabled.
func (ctx *Context) JITStats() JITStats {
	if ctx.jit == nil {
		return JITStats{}
	}
	return ctx.jit.stats
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

func (j *jitManager) Heap() *object.Heap {
	return j.ctx.Heap
}

func (j *jitManager) PrimitiveEntryPoint(name string) (uint64, bool) {
	i, ok := j.primitiveIndex[name]
	if !ok {
		return 0, false
	}
	return jit.PrimitiveAddress(i), true
}

func (j *jitManager) FunctionEntryPoint(fn object.Value) (uint64, bool) {
	h := j.ctx.Heap
	def := h.DefinitionOf(h.FunctionDefinitionOf(fn))
	if def == nil {
		return 0, false
	}
	b, ok := def.Bytecode.(*bytecode.Bytecode)
	if !ok {
		return 0, false
	}
	session := j.ctx.Session
	if b.JittedCode.ValidFor(session) {
		return b.JittedCode.Address, true
	}
	if !j.ctx.config.Trampolines {
		return 0, false
	}
	if b.JittedTrampoline.ValidFor(session) {
		return b.JittedTrampoline.Address, true
	}
	addr, err := j.zone.InstallTrampoline(jit.SymbolAddress(jit.SymTrampolineDestination))
	if err != nil {
		jitLog.Warning("no trampoline", "function", def.Name, "error", err.Error())
		return 0, false
	}
	b.JittedTrampoline = &bytecode.NativeCode{Address: addr, Size: jit.TrampolineSize, Session: session}
	j.stats.Trampolines++
	return addr, true
}

func (j *jitManager) LiteralVectorCell(b *bytecode.Bytecode) uint64 {
	if b.LiteralVectorCell != 0 {
		return b.LiteralVectorCell
	}
	h := j.ctx.Heap
	b.LiteralVector = h.NewArray(b.Literals...)
	b.LiteralVectorCell = h.NewRootCell(b.LiteralVector)
	return b.LiteralVectorCell
}

// primitiveRegistered gives a primitive a native entry point.
func (j *jitManager) primitiveRegistered(name string) {
	if _, ok := j.primitiveIndex[name]; ok {
		return
	}
	i := len(j.primitiveNames)
	j.primitiveIndex[name] = i
	j.primitiveNames = append(j.primitiveNames, name)
	j.machine.Handle(jit.PrimitiveAddress(i), func(m *jit.Machine) (uint64, error) {
		fn := object.Value(m.Arg(1))
		args := j.readVector(m.Arg(3), int(m.Arg(2)))
		v, err := j.ctx.applyPrimitive(fn, name, args)
		return uint64(v), err
	})
}

func (j *jitManager) primitiveName(i int) (string, bool) {
	if i < 0 || i >= len(j.primitiveNames) {
		return "", false
	}
	return j.primitiveNames[i], true
}

// ---------------------------------------------------------------------------
// Compilation
// ---------------------------------------------------------------------------

// ensureCode returns the entry point of b, compiling and installing it on
// first use in this session.
func (j *jitManager) ensureCode(b *bytecode.Bytecode) (uint64, error) {
	session := j.ctx.Session
	if b.JittedCode.ValidFor(session) {
		return b.JittedCode.Address, nil
	}
	if err, ok := j.unsupported[b]; ok {
		return 0, err
	}

	entry, err := j.install(b, session)
	if err != nil {
		if errors.Is(err, jit.ErrUnsupported) || errors.Is(err, jit.ErrCodeZoneFull) {
			j.unsupported[b] = err
		}
		return 0, err
	}
	return entry, nil
}

// install compiles b into the code zone and redirects its trampoline, if
// one was handed out, to the new code.
func (j *jitManager) install(b *bytecode.Bytecode, session bytecode.SessionID) (uint64, error) {
	code, err := jit.Compile(j, j.abi, b)
	if err != nil {
		return 0, err
	}
	inst, err := j.zone.Install(code)
	if err != nil {
		return 0, err
	}
	b.JittedCode = &bytecode.NativeCode{Address: inst.Address, Size: inst.Size, Session: session}
	j.code[inst.Address] = code
	j.stats.Compiled++
	j.stats.CodeBytes += inst.Size
	jitLog.Debug("installed", "bytes", inst.Size, "address", fmt.Sprintf("%#x", inst.Address), "fingerprint", fmt.Sprintf("%016x", b.Fingerprint()))
	if b.JittedTrampoline.ValidFor(session) {
		if err := j.zone.PatchTrampoline(b.JittedTrampoline.Address, inst.Address); err != nil {
			return 0, err
		}
	}
	return inst.Address, nil
}

// apply runs b as native code, falling back to the interpreter when it
// cannot be compiled.
func (j *jitManager) apply(fn, definition object.Value, b *bytecode.Bytecode, args []object.Value) (object.Value, error) {
	entry, err := j.ensureCode(b)
	if err != nil {
		if errors.Is(err, jit.ErrUnsupported) || errors.Is(err, jit.ErrCodeZoneFull) {
			j.stats.Fallbacks++
			jitLog.Debug("interpreting", "error", err.Error())
			return j.ctx.interpret(fn, definition, b, args)
		}
		return object.Null, err
	}

	argv := make([]uint64, len(args))
	for i, a := range args {
		argv[i] = uint64(a)
	}
	return j.run(func(m *jit.Machine) (uint64, error) {
		return m.CallWithVector(entry, jit.ContextAddress, uint64(fn), argv)
	})
}

// run enters the machine. A failed call abandons the native frames it
// pushed: their records are dropped unless unwinding already moved the
// head past them.
func (j *jitManager) run(call func(m *jit.Machine) (uint64, error)) (object.Value, error) {
	ctx := j.ctx
	head := ctx.head
	sp := j.machine.Register(jit.RSP)

	result, err := call(j.machine)
	if err == nil {
		return object.Value(result), nil
	}
	if u, ok := AsUnwind(err); !ok || u.Target == nil {
		ctx.head = head
	}
	for frame := range j.frames {
		if frame < sp {
			delete(j.frames, frame)
		}
	}
	return object.Null, err
}

func (j *jitManager) readVector(addr uint64, n int) []object.Value {
	out := make([]object.Value, n)
	for i := range out {
		w, _ := j.machine.ReadWord(addr + uint64(object.WordSize*i))
		out[i] = object.Value(w)
	}
	return out
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func handlerArg(m *jit.Machine, i int) object.Value {
	return object.Value(m.Arg(i))
}

func handlerResult(v object.Value, err error) (uint64, error) {
	return uint64(v), err
}

func (j *jitManager) installHandlers() {
	ctx := j.ctx
	h := ctx.Heap
	handle := func(s jit.Symbol, f jit.Handler) {
		j.machine.Handle(jit.SymbolAddress(s), f)
	}

	handle(jit.SymPushRecord, func(m *jit.Machine) (uint64, error) {
		frame := m.Arg(0)
		r := &JITActivationRecord{Frame: frame, Memory: m}
		ctx.Push(r)
		j.frames[frame] = r
		return 0, nil
	})
	handle(jit.SymPopRecord, func(m *jit.Machine) (uint64, error) {
		frame := m.Arg(0)
		if r, ok := j.frames[frame]; ok {
			delete(j.frames, frame)
			ctx.Pop(r)
		}
		return 0, nil
	})
	handle(jit.SymSafepoint, func(*jit.Machine) (uint64, error) {
		ctx.Safepoint()
		return 0, nil
	})
	handle(jit.SymUnreachable, func(*jit.Machine) (uint64, error) {
		return 0, ctx.Errorf("Unreachable bytecode executed")
	})
	handle(jit.SymTrampolineDestination, j.trampolineDestination)

	handle(jit.SymApply, func(m *jit.Machine) (uint64, error) {
		args := j.readVector(m.Arg(3), int(m.Arg(2)))
		return handlerResult(ctx.Apply(handlerArg(m, 1), args, object.ApplicationFlags(m.Arg(4))))
	})
	handle(jit.SymSend, func(m *jit.Machine) (uint64, error) {
		args := j.readVector(m.Arg(3), int(m.Arg(2)))
		if len(args) == 0 {
			return 0, ctx.Errorf("Message send without a receiver.")
		}
		return handlerResult(ctx.Send(handlerArg(m, 1), args[0], args[1:], object.ApplicationFlags(m.Arg(4))))
	})
	handle(jit.SymSendWithLookup, func(m *jit.Machine) (uint64, error) {
		args := j.readVector(m.Arg(4), int(m.Arg(3)))
		if len(args) == 0 {
			return 0, ctx.Errorf("Message send without a receiver.")
		}
		return handlerResult(ctx.SendWithLookup(handlerArg(m, 1), handlerArg(m, 2), args[0], args[1:], object.ApplicationFlags(m.Arg(5))))
	})

	handle(jit.SymAlloca, func(m *jit.Machine) (uint64, error) {
		return uint64(ctx.Alloca(handlerArg(m, 1))), nil
	})
	handle(jit.SymAllocaWithValue, func(m *jit.Machine) (uint64, error) {
		return uint64(ctx.AllocaWithValue(handlerArg(m, 1), handlerArg(m, 2))), nil
	})
	handle(jit.SymLoad, func(m *jit.Machine) (uint64, error) {
		return handlerResult(ctx.Load(handlerArg(m, 1)))
	})
	handle(jit.SymStore, func(m *jit.Machine) (uint64, error) {
		return 0, ctx.Store(handlerArg(m, 1), handlerArg(m, 2))
	})
	handle(jit.SymLoadSymbolValueBinding, func(m *jit.Machine) (uint64, error) {
		return handlerResult(ctx.LoadSymbolValueBinding(handlerArg(m, 1)))
	})
	handle(jit.SymCoerce, func(m *jit.Machine) (uint64, error) {
		return handlerResult(ctx.Coerce(handlerArg(m, 1), handlerArg(m, 2)))
	})
	handle(jit.SymDownCast, func(m *jit.Machine) (uint64, error) {
		return handlerResult(ctx.DownCast(handlerArg(m, 1), handlerArg(m, 2)))
	})
	handle(jit.SymMakeAssociation, func(m *jit.Machine) (uint64, error) {
		return uint64(h.NewAssociation(handlerArg(m, 1), handlerArg(m, 2))), nil
	})
	handle(jit.SymMakeClosureWithVector, func(m *jit.Machine) (uint64, error) {
		return uint64(ctx.MakeClosureWithVector(handlerArg(m, 1), handlerArg(m, 2))), nil
	})
	handle(jit.SymSlotAt, func(m *jit.Machine) (uint64, error) {
		return handlerResult(ctx.SlotAt(handlerArg(m, 1), handlerArg(m, 2)))
	})
	handle(jit.SymSlotReferenceAt, func(m *jit.Machine) (uint64, error) {
		return handlerResult(ctx.SlotReferenceAt(handlerArg(m, 1), handlerArg(m, 2)))
	})
	handle(jit.SymSlotAtPut, func(m *jit.Machine) (uint64, error) {
		return 0, ctx.SlotAtPut(handlerArg(m, 1), handlerArg(m, 2), handlerArg(m, 3))
	})
	handle(jit.SymRefSlotAt, func(m *jit.Machine) (uint64, error) {
		return handlerResult(ctx.RefSlotAt(handlerArg(m, 1), handlerArg(m, 2)))
	})
	handle(jit.SymRefSlotReferenceAt, func(m *jit.Machine) (uint64, error) {
		return handlerResult(ctx.RefSlotReferenceAt(handlerArg(m, 1), handlerArg(m, 2)))
	})
	handle(jit.SymRefSlotAtPut, func(m *jit.Machine) (uint64, error) {
		return 0, ctx.RefSlotAtPut(handlerArg(m, 1), handlerArg(m, 2), handlerArg(m, 3))
	})

	handle(jit.SymArrayCreate, func(m *jit.Machine) (uint64, error) {
		return uint64(h.NewArrayOfSize(int(m.Arg(1)))), nil
	})
	handle(jit.SymByteArrayCreate, func(m *jit.Machine) (uint64, error) {
		return uint64(h.NewByteArrayOfSize(int(m.Arg(1)))), nil
	})
	handle(jit.SymTupleCreate, func(m *jit.Machine) (uint64, error) {
		return uint64(h.NewTupleWithElements(make([]object.Value, m.Arg(1))...)), nil
	})
	handle(jit.SymDictionaryCreate, func(*jit.Machine) (uint64, error) {
		return uint64(h.NewDictionary()), nil
	})
	handle(jit.SymDictionaryAdd, func(m *jit.Machine) (uint64, error) {
		dict, association := handlerArg(m, 1), handlerArg(m, 2)
		if k, ok := h.KindOf(association); !ok || k != object.KindAssociation {
			return 0, ctx.Errorf("Dictionary elements must be associations.")
		}
		h.DictionaryAdd(dict, association)
		return uint64(dict), nil
	})
	handle(jit.SymCaptureVectorCreate, func(m *jit.Machine) (uint64, error) {
		return uint64(ctx.NewCaptureVector(handlerArg(m, 1))), nil
	})
	handle(jit.SymClosureCreate, func(m *jit.Machine) (uint64, error) {
		return uint64(ctx.MakeClosureWithVector(handlerArg(m, 1), handlerArg(m, 2))), nil
	})
}

// trampolineDestination is reached through a trampoline whose function has
// no native code yet. It compiles the function, redirects the trampoline
// and completes the call.
func (j *jitManager) trampolineDestination(m *jit.Machine) (uint64, error) {
	ctx := j.ctx
	h := ctx.Heap
	fn := handlerArg(m, 1)
	argc, argv := int(m.Arg(2)), m.Arg(3)

	definition := h.FunctionDefinitionOf(fn)
	b, err := ctx.EnsureBytecode(definition)
	if err != nil {
		return 0, err
	}
	entry, err := j.ensureCode(b)
	if err != nil {
		if errors.Is(err, jit.ErrUnsupported) || errors.Is(err, jit.ErrCodeZoneFull) {
			j.stats.Fallbacks++
			return handlerResult(ctx.interpret(fn, definition, b, j.readVector(argv, argc)))
		}
		return 0, err
	}
	return m.Call(entry, m.Arg(0), uint64(fn), uint64(argc), argv)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// NativeDisassembly compiles fn to native code if needed and returns its
// listing.
func (ctx *Context) NativeDisassembly(fn object.Value) (string, error) {
	if ctx.jit == nil {
		return "", errors.New("jit is disabled")
	}
	h := ctx.Heap
	if !h.IsFunction(fn) || h.PrimitiveNameOf(fn) != "" {
		return "", fmt.Errorf("%s has no bytecode", h.Describe(fn))
	}
	b, err := ctx.EnsureBytecode(h.FunctionDefinitionOf(fn))
	if err != nil {
		return "", err
	}
	entry, err := ctx.jit.ensureCode(b)
	if err != nil {
		return "", err
	}
	code := ctx.jit.code[entry]
	return jit.Disassemble(code.Text, entry, ctx.jit.constantName), nil
}

func (j *jitManager) constantName(slot uint64) (string, bool) {
	w, ok := j.zone.ReadWord(slot)
	if !ok {
		return "", false
	}
	if name, ok := jit.SymbolName(w, j.primitiveName); ok {
		return name, true
	}
	if j.zone.Contains(w) {
		return fmt.Sprintf("native %#x", w), true
	}
	return "", false
}
