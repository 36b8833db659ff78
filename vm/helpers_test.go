package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chazu/regvm/compiler"
	"github.com/chazu/regvm/object"
)

type testEnv struct {
	ctx    *Context
	h      *object.Heap
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	aborts int
}

func newEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.GCThreshold = 0
	for _, f := range configure {
		f(&cfg)
	}
	env := &testEnv{h: object.NewHeap(), stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	ctx, err := NewContext(env.h,
		WithConfig(cfg),
		WithStdout(env.stdout),
		WithStderr(env.stderr),
		WithAbort(func(*Context, object.Value) { env.aborts++ }))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	env.ctx = ctx
	return env
}

func withJIT(c *Config) { c.JIT = true }

func withoutTrampolines(c *Config) { c.Trampolines = false }

// modes runs a test under the interpreter and under the JIT.
var modes = []struct {
	name      string
	configure []func(*Config)
}{
	{"interpreter", nil},
	{"jit", []func(*Config){withJIT}},
}

func (env *testEnv) primitive(t *testing.T, name string) object.Value {
	t.Helper()
	fn, err := env.ctx.Primitive(name)
	require.NoError(t, err)
	return fn
}

// function assembles a closure whose bytecode is built by body.
func (env *testEnv) function(t *testing.T, name string, argc int, body func(a *compiler.Assembler)) object.Value {
	t.Helper()
	return env.functionWithFlags(t, name, argc, 0, body)
}

func (env *testEnv) functionWithFlags(t *testing.T, name string, argc int, flags object.FunctionFlags, body func(a *compiler.Assembler)) object.Value {
	t.Helper()
	h := env.h
	a := compiler.NewAssembler(h)
	a.SetArgumentCount(argc)
	body(a)
	b, err := a.Assemble()
	require.NoError(t, err)

	def := &object.Definition{
		Name:          name,
		ArgumentCount: argc,
		Variadic:      flags&object.FunctionVariadic != 0,
		Bytecode:      b,
	}
	definition := h.NewFunctionDefinition(def)
	b.Definition = definition
	fn := h.NewClosure(definition, object.Null, flags)
	h.AddRoot(fn)
	return fn
}

// exceptionMessage runs body and returns the message of the exception it
// raises.
func (env *testEnv) exceptionMessage(t *testing.T, body func() (object.Value, error)) string {
	t.Helper()
	v, err := env.ctx.Catch(object.Null, object.Null, body)
	require.NoError(t, err)
	require.True(t, env.h.IsKindOf(v, env.h.Types.Exception), "expected an exception, got %s", env.h.Describe(v))
	return env.h.ExceptionMessage(v)
}

func ints(values ...int64) []object.Value {
	out := make([]object.Value, len(values))
	for i, v := range values {
		out[i] = object.FromInt(v)
	}
	return out
}
