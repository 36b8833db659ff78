package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/regvm/compiler"
	"github.com/chazu/regvm/jit"
	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

// caller builds callee(x) = x + 1 and caller(x) = callee(x) with a direct
// call, so the callee is first reached through its trampoline.
func caller(t *testing.T, env *testEnv) (callerFn, calleeFn object.Value) {
	add := env.primitive(t, "Integer::+")
	calleeFn = env.function(t, "callee", 1, func(a *compiler.Assembler) {
		r := a.NewTemporary(object.Null)
		a.UncheckedCall(r, a.AddLiteral(add), []*compiler.VectorOperand{a.Argument(0), a.AddLiteral(object.FromInt(1))})
		a.Return(r)
	})
	callerFn = env.function(t, "caller", 1, func(a *compiler.Assembler) {
		r := a.NewTemporary(object.Null)
		a.UncheckedCall(r, a.AddLiteral(calleeFn), []*compiler.VectorOperand{a.Argument(0)})
		a.Return(r)
	})
	return callerFn, calleeFn
}

func TestJITDisabledByDefault(t *testing.T) {
	env := newEnv(t)
	assert.False(t, env.ctx.JITEnabled())
	assert.Equal(t, JITStats{}, env.ctx.JITStats())
	_, err := env.ctx.NativeDisassembly(object.Null)
	assert.Error(t, err)
}

func TestTrampolineCompilesCalleeOnFirstCall(t *testing.T) {
	env := newEnv(t, withJIT)
	ctx := env.ctx
	fn, callee := caller(t, env)

	got, err := ctx.Call(fn, object.FromInt(41))
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(42), got)

	stats := ctx.JITStats()
	assert.Equal(t, 2, stats.Compiled)
	assert.Equal(t, 1, stats.Trampolines)
	assert.Zero(t, stats.Fallbacks)
	assert.Positive(t, stats.CodeBytes)

	// The trampoline now jumps straight to the installed callee.
	got, err = ctx.Call(fn, object.FromInt(1))
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(2), got)
	assert.Equal(t, 2, ctx.JITStats().Compiled)

	got, err = ctx.Call(callee, object.FromInt(9))
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(10), got)
	assert.Zero(t, ctx.Depth())
	assert.Zero(t, ctx.jit.machine.Depth())
}

func bytecodeOf(t *testing.T, h *object.Heap, fn object.Value) *bytecode.Bytecode {
	t.Helper()
	b, ok := h.DefinitionOf(h.FunctionDefinitionOf(fn)).Bytecode.(*bytecode.Bytecode)
	require.True(t, ok)
	return b
}

func TestTrampolinePatchLeavesCallerUntouched(t *testing.T) {
	env := newEnv(t, withJIT)
	ctx := env.ctx
	zone := ctx.jit.zone
	fn, callee := caller(t, env)

	// Compiling the caller alone hands out a trampoline for the callee.
	_, err := ctx.NativeDisassembly(fn)
	require.NoError(t, err)
	callerCode := bytecodeOf(t, env.h, fn).JittedCode
	require.True(t, callerCode.ValidFor(ctx.Session))
	calleeCode := bytecodeOf(t, env.h, callee)
	require.Nil(t, calleeCode.JittedCode)
	tramp := calleeCode.JittedTrampoline
	require.True(t, tramp.ValidFor(ctx.Session))

	target, err := zone.TrampolineTarget(tramp.Address)
	require.NoError(t, err)
	assert.Equal(t, jit.SymbolAddress(jit.SymTrampolineDestination), target)

	text, err := zone.Bytes(callerCode.Address, callerCode.Size)
	require.NoError(t, err)
	before := append([]byte(nil), text...)

	got, err := ctx.Call(fn, object.FromInt(41))
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(42), got)

	require.True(t, calleeCode.JittedCode.ValidFor(ctx.Session))
	target, err = zone.TrampolineTarget(tramp.Address)
	require.NoError(t, err)
	assert.Equal(t, calleeCode.JittedCode.Address, target, "the stub jumps to the installed callee")

	after, err := zone.Bytes(callerCode.Address, callerCode.Size)
	require.NoError(t, err)
	assert.Equal(t, before, after, "only the stub is patched")

	got, err = ctx.Call(fn, object.FromInt(1))
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(2), got)
	assert.Equal(t, 2, ctx.JITStats().Compiled)
}

func TestCleanupRunsOnceAcrossNativeFrames(t *testing.T) {
	env := newEnv(t, withJIT)
	ctx, h := env.ctx, env.h
	count := 0
	ctx.RegisterPrimitive("test.count", func(*Context, object.Value, []object.Value) (object.Value, error) {
		count++
		return object.Void, nil
	})
	raise := env.primitive(t, "error")
	ensure := env.primitive(t, "ensure")
	cleanup := env.primitive(t, "test.count")

	failing := env.function(t, "failing", 0, func(a *compiler.Assembler) {
		r := a.NewTemporary(object.Null)
		a.UncheckedCall(r, a.AddLiteral(raise), []*compiler.VectorOperand{a.AddLiteral(h.NewString("crossing"))})
		a.Return(r)
	})
	guarded := env.function(t, "guarded", 0, func(a *compiler.Assembler) {
		r := a.NewTemporary(object.Null)
		a.UncheckedCall(r, a.AddLiteral(ensure), []*compiler.VectorOperand{a.AddLiteral(failing), a.AddLiteral(cleanup)})
		a.Return(r)
	})

	msg := env.exceptionMessage(t, func() (object.Value, error) {
		return ctx.Call(guarded)
	})
	assert.Equal(t, "crossing", msg)
	assert.Equal(t, 1, count, "cleanup ran exactly once")
	assert.Equal(t, 2, ctx.JITStats().Compiled)
	assert.Zero(t, ctx.Depth())
	assert.Zero(t, ctx.jit.machine.Depth())
	assert.Empty(t, ctx.jit.frames)
}

func TestDirectCallsWithoutTrampolines(t *testing.T) {
	env := newEnv(t, withJIT, withoutTrampolines)
	fn, _ := caller(t, env)

	got, err := env.ctx.Call(fn, object.FromInt(1))
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(2), got)
	stats := env.ctx.JITStats()
	assert.Zero(t, stats.Trampolines)
	assert.Equal(t, 2, stats.Compiled, "callee compiled when applied")
}

func TestRestartRecompiles(t *testing.T) {
	env := newEnv(t, withJIT)
	ctx := env.ctx
	fn := sumTo(t, env, true)

	_, err := ctx.Call(fn, object.FromInt(3))
	require.NoError(t, err)
	assert.Equal(t, 1, ctx.JITStats().Compiled)
	session := ctx.Session

	ctx.Restart()
	assert.NotEqual(t, session, ctx.Session)
	assert.Zero(t, ctx.JITStats().Compiled)

	got, err := ctx.Call(fn, object.FromInt(4))
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(10), got)
	assert.Equal(t, 1, ctx.JITStats().Compiled)
}

func TestFallbackWhenCodeZoneIsFull(t *testing.T) {
	env := newEnv(t, withJIT, func(c *Config) { c.CodeZoneSize = 32 })
	ctx := env.ctx
	fn := sumTo(t, env, false)

	for range 2 {
		got, err := ctx.Call(fn, object.FromInt(5))
		require.NoError(t, err)
		assert.Equal(t, object.FromInt(15), got)
	}
	stats := ctx.JITStats()
	assert.Zero(t, stats.Compiled)
	assert.Equal(t, 2, stats.Fallbacks)
}

func TestNativeDisassembly(t *testing.T) {
	env := newEnv(t, withJIT)
	fn := sumTo(t, env, true)

	listing, err := env.ctx.NativeDisassembly(fn)
	require.NoError(t, err)
	assert.Contains(t, listing, "endbr64")
	assert.Contains(t, listing, "# pushRecord")
	assert.Contains(t, listing, "# primitive Integer::+")

	_, err = env.ctx.NativeDisassembly(env.primitive(t, "Integer::+"))
	assert.Error(t, err)
}

func TestNativeErrorLeavesNoFrames(t *testing.T) {
	env := newEnv(t, withJIT)
	ctx, h := env.ctx, env.h
	raise := env.primitive(t, "error")
	fn := env.function(t, "failing", 0, func(a *compiler.Assembler) {
		r := a.NewTemporary(object.Null)
		a.UncheckedCall(r, a.AddLiteral(raise), []*compiler.VectorOperand{a.AddLiteral(h.NewString("native"))})
		a.Return(r)
	})

	msg := env.exceptionMessage(t, func() (object.Value, error) {
		return ctx.Call(fn)
	})
	assert.Equal(t, "native", msg)
	assert.Zero(t, ctx.Depth())
	assert.Zero(t, ctx.jit.machine.Depth())
	assert.Empty(t, ctx.jit.frames)

	fn2, _ := caller(t, env)
	got, err := ctx.Call(fn2, object.FromInt(0))
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(1), got, "the machine is usable after an abort")
}
