package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/regvm/compiler"
	"github.com/chazu/regvm/object"
)

// sumTo builds sum(n) = n + (n-1) + ... + 1 as a counting loop.
func sumTo(t *testing.T, env *testEnv, unchecked bool) object.Value {
	le := env.primitive(t, "Integer::<=")
	add := env.primitive(t, "Integer::+")
	sub := env.primitive(t, "Integer::-")
	return env.function(t, "sumTo", 1, func(a *compiler.Assembler) {
		call := a.Call
		if unchecked {
			call = a.UncheckedCall
		}
		i := a.NewTemporary(object.Null)
		acc := a.NewTemporary(object.Null)
		cond := a.NewTemporary(object.Null)
		zero := a.AddLiteral(object.FromInt(0))
		one := a.AddLiteral(object.FromInt(1))

		loop := a.NewLabel()
		done := a.NewLabel()
		a.Move(i, a.Argument(0))
		a.Move(acc, zero)
		a.AddInstruction(loop)
		call(cond, a.AddLiteral(le), []*compiler.VectorOperand{i, zero})
		a.JumpIfTrue(cond, done)
		call(acc, a.AddLiteral(add), []*compiler.VectorOperand{acc, i})
		call(i, a.AddLiteral(sub), []*compiler.VectorOperand{i, one})
		a.Jump(loop)
		a.AddInstruction(done)
		a.Return(acc)
	})
}

func TestLoopWithPrimitiveCalls(t *testing.T) {
	for _, mode := range modes {
		for _, unchecked := range []bool{false, true} {
			name := mode.name + "/checked"
			if unchecked {
				name = mode.name + "/unchecked"
			}
			t.Run(name, func(t *testing.T) {
				env := newEnv(t, mode.configure...)
				fn := sumTo(t, env, unchecked)

				got, err := env.ctx.Call(fn, object.FromInt(10))
				require.NoError(t, err)
				assert.Equal(t, object.FromInt(55), got)

				got, err = env.ctx.Call(fn, object.FromInt(0))
				require.NoError(t, err)
				assert.Equal(t, object.FromInt(0), got)
				assert.Zero(t, env.ctx.Depth(), "records are popped")
			})
		}
	}
}

func TestConstructors(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			env := newEnv(t, mode.configure...)
			h := env.h
			fn := env.function(t, "build", 2, func(a *compiler.Assembler) {
				arr := a.NewTemporary(object.Null)
				bytes := a.NewTemporary(object.Null)
				tuple := a.NewTemporary(object.Null)
				assoc := a.NewTemporary(object.Null)
				dict := a.NewTemporary(object.Null)
				a.MakeArray(arr, []*compiler.VectorOperand{a.Argument(0), a.Argument(1)})
				a.MakeByteArray(bytes, []*compiler.VectorOperand{
					a.AddLiteral(object.FromUint8(7)), a.AddLiteral(object.FromUint8(255)),
				})
				a.MakeAssociation(assoc, a.AddLiteral(h.Intern("key")), a.Argument(1))
				a.MakeDictionary(dict, []*compiler.VectorOperand{assoc})
				a.MakeTuple(tuple, []*compiler.VectorOperand{arr, bytes, dict})
				a.Return(tuple)
			})

			got, err := env.ctx.Call(fn, object.FromInt(1), object.FromInt(2))
			require.NoError(t, err)
			obj := h.Get(got)
			require.NotNil(t, obj)
			require.Len(t, obj.Slots, 3)

			assert.Equal(t, ints(1, 2), h.ArrayElements(obj.Slots[0]))
			assert.Equal(t, []byte{7, 255}, h.Get(obj.Slots[1]).Bytes)
			v, ok := h.DictionaryAt(obj.Slots[2], h.Intern("key"))
			require.True(t, ok)
			assert.Equal(t, object.FromInt(2), v)
		})
	}
}

func TestPointersAndSlots(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			env := newEnv(t, mode.configure...)
			h := env.h
			point := h.NewType("Point", h.Types.Object, "x", "y")
			y, ok := h.SlotNamed(point, "y")
			require.True(t, ok)

			// box := alloca; *box = arg0; tuple.y = *box; ref := &tuple.y; return *ref
			fn := env.function(t, "slots", 2, func(a *compiler.Assembler) {
				box := a.NewTemporary(object.Null)
				loaded := a.NewTemporary(object.Null)
				ref := a.NewTemporary(object.Null)
				a.Alloca(box, a.AddLiteral(h.PointerType(h.Types.AnyValue)))
				a.Store(box, a.Argument(0))
				a.Load(loaded, box)
				a.SlotAtPut(a.Argument(1), a.AddLiteral(y), loaded)
				a.SlotReferenceAt(ref, a.Argument(1), a.AddLiteral(y))
				a.Load(loaded, ref)
				a.Return(loaded)
			})

			tuple := h.NewTuple(point)
			got, err := env.ctx.Call(fn, object.FromInt(42), tuple)
			require.NoError(t, err)
			assert.Equal(t, object.FromInt(42), got)
			assert.Equal(t, object.FromInt(42), h.Get(tuple).Slots[1])
		})
	}
}

func TestClosureCaptures(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			env := newEnv(t, mode.configure...)
			h := env.h

			// inner returns its only capture.
			inner := env.function(t, "inner", 0, func(a *compiler.Assembler) {
				a.SetCaptureCount(1)
				a.Return(a.Capture(0))
			})
			innerDef := h.FunctionDefinitionOf(inner)
			h.DefinitionOf(innerDef).CaptureCount = 1

			outer := env.function(t, "outer", 1, func(a *compiler.Assembler) {
				closure := a.NewTemporary(object.Null)
				result := a.NewTemporary(object.Null)
				a.MakeClosureWithCaptures(closure, a.AddLiteral(innerDef), []*compiler.VectorOperand{a.Argument(0)})
				a.Call(result, closure, nil)
				a.Return(result)
			})

			got, err := env.ctx.Call(outer, object.FromChar('x'))
			require.NoError(t, err)
			assert.Equal(t, object.FromChar('x'), got)
		})
	}
}

func TestRunningOffTheEndRaises(t *testing.T) {
	env := newEnv(t)
	fn := env.function(t, "noReturn", 0, func(a *compiler.Assembler) {
		a.Nop()
	})
	msg := env.exceptionMessage(t, func() (object.Value, error) {
		return env.ctx.Call(fn)
	})
	assert.Equal(t, "Bytecode execution reached the end of the function without returning.", msg)
}

func TestJumpToEndOfCode(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			env := newEnv(t, mode.configure...)
			fn := env.function(t, "maybe", 1, func(a *compiler.Assembler) {
				end := a.NewLabel()
				a.JumpIfFalse(a.Argument(0), end)
				a.Return(a.Argument(0))
				a.AddInstruction(end)
			})

			got, err := env.ctx.Call(fn, object.True)
			require.NoError(t, err)
			assert.Equal(t, object.True, got)

			msg := env.exceptionMessage(t, func() (object.Value, error) {
				return env.ctx.Call(fn, object.False)
			})
			want := "Bytecode execution reached the end of the function without returning."
			if env.ctx.JITEnabled() {
				want = "Unreachable bytecode executed"
				assert.Equal(t, 1, env.ctx.JITStats().Compiled)
				assert.Zero(t, env.ctx.JITStats().Fallbacks)
			}
			assert.Equal(t, want, msg)
			assert.Zero(t, env.ctx.Depth())
		})
	}
}

func TestUnreachableRaises(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			env := newEnv(t, mode.configure...)
			fn := env.function(t, "dead", 0, func(a *compiler.Assembler) {
				a.Unreachable()
			})
			msg := env.exceptionMessage(t, func() (object.Value, error) {
				return env.ctx.Call(fn)
			})
			assert.Equal(t, "Unreachable bytecode executed", msg)
			assert.Zero(t, env.ctx.Depth())
		})
	}
}

func TestCoercionAndDownCast(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			env := newEnv(t, mode.configure...)
			h := env.h
			fn := env.function(t, "cast", 2, func(a *compiler.Assembler) {
				dst := a.NewTemporary(object.Null)
				a.CoerceValue(dst, a.Argument(0), a.Argument(1))
				a.DownCastValue(dst, a.Argument(0), dst)
				a.Return(dst)
			})

			got, err := env.ctx.Call(fn, h.Types.Integer, object.FromInt(3))
			require.NoError(t, err)
			assert.Equal(t, object.FromInt(3), got)

			got, err = env.ctx.Call(fn, h.Types.Object, object.Null)
			require.NoError(t, err)
			assert.Equal(t, object.Null, got, "null passes for object types")

			msg := env.exceptionMessage(t, func() (object.Value, error) {
				return env.ctx.Call(fn, h.Types.Boolean, object.FromInt(3))
			})
			assert.Equal(t, "Cannot perform coercion of value into the required type.", msg)
		})
	}
}
