package vm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/regvm/object"
)

// Primitive is the host implementation of a primitive function. args are
// rooted for the duration of the call.
type Primitive func(ctx *Context, fn object.Value, args []object.Value) (object.Value, error)

type primitiveTable map[string]Primitive

// RegisterPrimitive installs or replaces a primitive.
func (ctx *Context) RegisterPrimitive(name string, p Primitive) {
	ctx.primitives[name] = p
	if ctx.jit != nil {
		ctx.jit.primitiveRegistered(name)
	}
}

// Primitive creates a function object for a registered primitive.
func (ctx *Context) Primitive(name string) (object.Value, error) {
	if _, ok := ctx.primitives[name]; !ok {
		return object.Null, fmt.Errorf("primitive %q is not registered", name)
	}
	return ctx.Heap.NewPrimitive(name, 0), nil
}

// PrimitiveNames lists the registered primitives in order.
func (ctx *Context) PrimitiveNames() []string {
	names := make([]string, 0, len(ctx.primitives))
	for name := range ctx.primitives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (ctx *Context) lookupPrimitive(name string) (Primitive, bool) {
	p, ok := ctx.primitives[name]
	return p, ok
}

func (ctx *Context) installPrimitives() {
	ctx.primitives = primitiveTable{
		"anyValueToVoid":   primitiveAnyValueToVoid,
		"pointerLikeLoad":  primitivePointerLikeLoad,
		"pointerLikeStore": primitivePointerLikeStore,
		"identityEquals":   primitiveIdentityEquals,

		"Integer::+":  integerArithmetic(func(a, b int64) int64 { return a + b }),
		"Integer::-":  integerArithmetic(func(a, b int64) int64 { return a - b }),
		"Integer::*":  integerArithmetic(func(a, b int64) int64 { return a * b }),
		"Integer::<":  integerComparison(func(a, b int64) bool { return a < b }),
		"Integer::<=": integerComparison(func(a, b int64) bool { return a <= b }),
		"Integer::=":  integerComparison(func(a, b int64) bool { return a == b }),

		"printLine":      primitivePrintLine,
		"signal":         primitiveSignal,
		"error":          primitiveError,
		"apply":          primitiveApply,
		"ensure":         primitiveEnsure,
		"catch":          primitiveCatch,
		"garbageCollect": primitiveGarbageCollect,
	}
}

func expectArguments(ctx *Context, args []object.Value, n int) error {
	if len(args) != n {
		return ctx.Errorf("Primitive expected %d arguments instead of %d.", n, len(args))
	}
	return nil
}

func primitiveAnyValueToVoid(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	return object.Void, nil
}

func primitivePointerLikeLoad(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	if err := expectArguments(ctx, args, 1); err != nil {
		return object.Null, err
	}
	return ctx.Load(args[0])
}

func primitivePointerLikeStore(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	if err := expectArguments(ctx, args, 2); err != nil {
		return object.Null, err
	}
	if err := ctx.Store(args[0], args[1]); err != nil {
		return object.Null, err
	}
	return args[0], nil
}

func primitiveIdentityEquals(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	if err := expectArguments(ctx, args, 2); err != nil {
		return object.Null, err
	}
	return object.FromBool(args[0] == args[1]), nil
}

func integerOperands(ctx *Context, args []object.Value) (int64, int64, error) {
	if err := expectArguments(ctx, args, 2); err != nil {
		return 0, 0, err
	}
	if !args[0].IsInteger() || !args[1].IsInteger() {
		return 0, 0, ctx.Errorf("Expected integer operands.")
	}
	return args[0].Int(), args[1].Int(), nil
}

func integerArithmetic(op func(a, b int64) int64) Primitive {
	return func(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
		a, b, err := integerOperands(ctx, args)
		if err != nil {
			return object.Null, err
		}
		v, ok := object.TryFromInt(op(a, b))
		if !ok {
			return object.Null, ctx.Errorf("Integer overflow.")
		}
		return v, nil
	}
}

func integerComparison(op func(a, b int64) bool) Primitive {
	return func(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
		a, b, err := integerOperands(ctx, args)
		if err != nil {
			return object.Null, err
		}
		return object.FromBool(op(a, b)), nil
	}
}

func primitivePrintLine(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	h := ctx.Heap
	parts := make([]string, len(args))
	for i, a := range args {
		if s := h.SymbolString(a); s != "" {
			parts[i] = s
		} else {
			parts[i] = h.Describe(a)
		}
	}
	fmt.Fprintln(ctx.stdout, strings.Join(parts, ""))
	return object.Void, nil
}

func primitiveSignal(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	if err := expectArguments(ctx, args, 1); err != nil {
		return object.Null, err
	}
	return object.Null, ctx.Raise(args[0])
}

func primitiveError(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	if err := expectArguments(ctx, args, 1); err != nil {
		return object.Null, err
	}
	return object.Null, ctx.RaiseError(object.Null, ctx.Heap.SymbolString(args[0]))
}

// apply(fn, arguments)
func primitiveApply(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	if err := expectArguments(ctx, args, 2); err != nil {
		return object.Null, err
	}
	elements := ctx.Heap.ArrayElements(args[1])
	return ctx.Apply(args[0], copyValues(elements), object.ApplyVariadicExpanded)
}

// ensure(body, cleanup)
func primitiveEnsure(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	if err := expectArguments(ctx, args, 2); err != nil {
		return object.Null, err
	}
	body := args[0]
	return ctx.Ensure(func() (object.Value, error) {
		return ctx.Apply(body, nil, 0)
	}, args[1])
}

// catch(body, filter, action)
func primitiveCatch(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	if err := expectArguments(ctx, args, 3); err != nil {
		return object.Null, err
	}
	body := args[0]
	return ctx.Catch(args[1], args[2], func() (object.Value, error) {
		return ctx.Apply(body, nil, 0)
	})
}

func primitiveGarbageCollect(ctx *Context, fn object.Value, args []object.Value) (object.Value, error) {
	ctx.Collect()
	return object.Void, nil
}
