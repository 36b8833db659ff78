package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/regvm/compiler"
	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

type testRuntime struct {
	heap  *object.Heap
	cells map[*bytecode.Bytecode]uint64
}

func newTestRuntime() *testRuntime {
	return &testRuntime{heap: object.NewHeap(), cells: make(map[*bytecode.Bytecode]uint64)}
}

func (r *testRuntime) Heap() *object.Heap { return r.heap }

func (r *testRuntime) PrimitiveEntryPoint(string) (uint64, bool) { return 0, false }

func (r *testRuntime) FunctionEntryPoint(object.Value) (uint64, bool) { return 0, false }

func (r *testRuntime) LiteralVectorCell(b *bytecode.Bytecode) uint64 {
	if cell, ok := r.cells[b]; ok {
		return cell
	}
	cell := r.heap.NewRootCell(r.heap.NewArray(b.Literals...))
	r.cells[b] = cell
	return cell
}

func newZone(t *testing.T) *CodeZone {
	t.Helper()
	zone, err := NewCodeZone(64 << 10)
	require.NoError(t, err)
	t.Cleanup(func() { zone.Close() })
	return zone
}

// frames records the activation records native code registers.
type frames struct {
	pushed []uint64
	live   int
}

func (f *frames) install(m *Machine) {
	m.Handle(SymbolAddress(SymPushRecord), func(m *Machine) (uint64, error) {
		f.pushed = append(f.pushed, m.Arg(0))
		f.live++
		return 0, nil
	})
	m.Handle(SymbolAddress(SymPopRecord), func(m *Machine) (uint64, error) {
		f.live--
		return 0, nil
	})
	m.Handle(SymbolAddress(SymSafepoint), func(*Machine) (uint64, error) {
		return 0, nil
	})
}

func compileAndInstall(t *testing.T, rt *testRuntime, zone *CodeZone, abi ABI, a *compiler.Assembler) Installed {
	t.Helper()
	b, err := a.Assemble()
	require.NoError(t, err)
	code, err := Compile(rt, abi, b)
	require.NoError(t, err)
	inst, err := zone.Install(code)
	require.NoError(t, err)
	return inst
}

func newClosure(h *object.Heap, name string, argc int) object.Value {
	def := h.NewFunctionDefinition(&object.Definition{Name: name, ArgumentCount: argc})
	return h.NewClosure(def, object.Null, 0)
}

func TestMachineRunsConditional(t *testing.T) {
	for _, abi := range []ABI{SysV, Win64} {
		t.Run(abi.String(), func(t *testing.T) {
			rt := newTestRuntime()
			h := rt.heap
			a := compiler.NewAssembler(h)
			a.SetArgumentCount(1)
			otherwise := a.NewLabel()
			a.JumpIfFalse(a.Argument(0), otherwise)
			a.Return(a.AddLiteral(object.FromInt(1)))
			a.AddInstruction(otherwise)
			a.Return(a.AddLiteral(object.FromInt(2)))

			zone := newZone(t)
			inst := compileAndInstall(t, rt, zone, abi, a)
			m := NewMachine(abi, zone, h, 0)
			var f frames
			f.install(m)

			fn := newClosure(h, "choose", 1)
			got, err := m.CallWithVector(inst.Address, ContextAddress, uint64(fn), []uint64{uint64(object.True)})
			require.NoError(t, err)
			assert.Equal(t, object.FromInt(1), object.Value(got))

			got, err = m.CallWithVector(inst.Address, ContextAddress, uint64(fn), []uint64{uint64(object.False)})
			require.NoError(t, err)
			assert.Equal(t, object.FromInt(2), object.Value(got))

			assert.Equal(t, 0, f.live, "every pushed record is popped")
			require.Len(t, f.pushed, 2)
		})
	}
}

func TestMachineFrameLayout(t *testing.T) {
	rt := newTestRuntime()
	h := rt.heap
	a := compiler.NewAssembler(h)
	a.SetArgumentCount(1)
	a.Return(a.Argument(0))

	zone := newZone(t)
	inst := compileAndInstall(t, rt, zone, SysV, a)
	m := NewMachine(SysV, zone, h, 0)

	fn := newClosure(h, "identity", 1)
	var words map[int]uint64
	m.Handle(SymbolAddress(SymPushRecord), func(m *Machine) (uint64, error) {
		frame := m.Arg(0)
		words = make(map[int]uint64)
		for _, off := range []int{FrameType, FrameContext, FrameFunction, FrameArgumentCount, FrameCallArgumentVectorSize, FrameLocalCount} {
			w, ok := m.ReadWord(frame + uint64(off))
			require.True(t, ok)
			words[off] = w
		}
		return 0, nil
	})
	m.Handle(SymbolAddress(SymPopRecord), func(*Machine) (uint64, error) { return 0, nil })

	got, err := m.CallWithVector(inst.Address, ContextAddress, uint64(fn), []uint64{uint64(object.FromInt(9))})
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(9), object.Value(got))
	assert.Equal(t, uint64(FrameRecordType), words[FrameType])
	assert.Equal(t, ContextAddress, words[FrameContext])
	assert.Equal(t, uint64(fn), words[FrameFunction])
	assert.Equal(t, uint64(1), words[FrameArgumentCount])
	assert.Zero(t, words[FrameCallArgumentVectorSize])
	assert.Zero(t, words[FrameLocalCount])
}

func TestFrameLayoutOrder(t *testing.T) {
	order := []int{
		FramePrevious, FrameType, FramePC, FrameContext, FrameLiteralVector,
		FrameCaptureVector, FrameFunction, FrameArgumentCount, FrameArguments,
		FrameCallArgumentVectorSize, FrameLocalCount, FrameLocals,
	}
	for i, off := range order {
		assert.Equal(t, i*object.WordSize, off, "field %d", i)
	}
	assert.Equal(t, FrameLocals+2*object.WordSize, CallArgumentVectorOffset(2))
}

func TestMachineRuntimeCall(t *testing.T) {
	for _, abi := range []ABI{SysV, Win64} {
		t.Run(abi.String(), func(t *testing.T) {
			rt := newTestRuntime()
			h := rt.heap
			a := compiler.NewAssembler(h)
			a.SetArgumentCount(2)
			result := a.NewTemporary(object.Null)
			a.Call(result, a.Argument(0), []*compiler.VectorOperand{a.Argument(1), a.Argument(1)})
			a.Return(result)

			zone := newZone(t)
			inst := compileAndInstall(t, rt, zone, abi, a)
			m := NewMachine(abi, zone, h, 0)
			var f frames
			f.install(m)

			callee := h.NewPrimitive("double", 0)
			var flags uint64
			m.Handle(SymbolAddress(SymApply), func(m *Machine) (uint64, error) {
				assert.Equal(t, ContextAddress, m.Arg(0))
				assert.Equal(t, uint64(callee), m.Arg(1))
				require.Equal(t, uint64(2), m.Arg(2))
				argv := m.Arg(3)
				x, ok := m.ReadWord(argv)
				require.True(t, ok)
				y, ok := m.ReadWord(argv + 8)
				require.True(t, ok)
				flags = m.Arg(4)
				return uint64(object.FromInt(object.Value(x).Int() + object.Value(y).Int())), nil
			})

			fn := newClosure(h, "caller", 2)
			got, err := m.CallWithVector(inst.Address, ContextAddress, uint64(fn),
				[]uint64{uint64(callee), uint64(object.FromInt(21))})
			require.NoError(t, err)
			assert.Equal(t, object.FromInt(42), object.Value(got))
			assert.Zero(t, flags)
		})
	}
}

func TestMachineHandlerErrorAborts(t *testing.T) {
	rt := newTestRuntime()
	h := rt.heap
	a := compiler.NewAssembler(h)
	a.Unreachable()

	zone := newZone(t)
	inst := compileAndInstall(t, rt, zone, SysV, a)
	m := NewMachine(SysV, zone, h, 0)
	var f frames
	f.install(m)
	m.Handle(SymbolAddress(SymUnreachable), func(*Machine) (uint64, error) {
		return 0, assert.AnError
	})

	sp := m.Register(RSP)
	_, err := m.CallWithVector(inst.Address, ContextAddress, uint64(newClosure(h, "dead", 0)), nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, sp, m.Register(RSP), "registers are restored")
	assert.Zero(t, m.Depth())
}

func TestTrampolinePatch(t *testing.T) {
	zone := newZone(t)
	returning := func(v int32) uint64 {
		var e Emitter
		e.EndBr64()
		e.MovImm32(RAX, v)
		e.Ret()
		inst, err := zone.Install(&Code{Name: "constant", Text: e.Bytes()})
		require.NoError(t, err)
		return inst.Address
	}
	seven := returning(7)
	eight := returning(8)

	m := NewMachine(SysV, zone, nil, 0)
	tramp, err := zone.InstallTrampoline(SymbolAddress(SymTrampolineDestination))
	require.NoError(t, err)

	m.Handle(SymbolAddress(SymTrampolineDestination), func(m *Machine) (uint64, error) {
		require.NoError(t, zone.PatchTrampoline(tramp, seven))
		return m.Call(seven)
	})
	got, err := m.Call(tramp)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got, "first call resolves through the destination")

	target, err := zone.TrampolineTarget(tramp)
	require.NoError(t, err)
	assert.Equal(t, seven, target)

	got, err = m.Call(tramp)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got)

	require.NoError(t, zone.PatchTrampoline(tramp, eight))
	got, err = m.Call(tramp)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), got)

	assert.ErrorIs(t, zone.PatchTrampoline(seven, eight), ErrNotTrampoline)
}

func TestDisassembleAnnotatesRuntimeCalls(t *testing.T) {
	rt := newTestRuntime()
	a := compiler.NewAssembler(rt.heap)
	a.Return(a.AddLiteral(object.True))

	zone := newZone(t)
	b, err := a.Assemble()
	require.NoError(t, err)
	code, err := Compile(rt, SysV, b)
	require.NoError(t, err)
	inst, err := zone.Install(code)
	require.NoError(t, err)

	text, err := zone.Bytes(inst.Address, len(code.Text))
	require.NoError(t, err)
	listing := Disassemble(text, inst.Address, func(slot uint64) (string, bool) {
		w, ok := zone.ReadWord(slot)
		if !ok {
			return "", false
		}
		return SymbolName(w, nil)
	})
	assert.Contains(t, listing, "endbr64")
	assert.Contains(t, listing, "# pushRecord")
	assert.Contains(t, listing, "# popRecord")
}
