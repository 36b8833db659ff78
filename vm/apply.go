package vm

import (
	"github.com/chazu/regvm/compiler"
	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Function application
// ---------------------------------------------------------------------------

// Apply calls fn with args. Primitives run their host implementation;
// closures run their bytecode, compiled on first use, either through the
// interpreter or as native code when the JIT is enabled.
func (ctx *Context) Apply(fn object.Value, args []object.Value, flags object.ApplicationFlags) (object.Value, error) {
	h := ctx.Heap
	if !h.IsFunction(fn) {
		return object.Null, ctx.Errorf("Cannot apply non-function value %s.", h.Describe(fn))
	}
	if name := h.PrimitiveNameOf(fn); name != "" {
		return ctx.applyPrimitive(fn, name, args)
	}

	definition := h.FunctionDefinitionOf(fn)
	def := h.DefinitionOf(definition)
	if def == nil {
		return object.Null, ctx.Errorf("Cannot apply a function without a definition.")
	}

	args, err := ctx.expandVariadicArguments(fn, def, args, flags)
	if err != nil {
		return object.Null, err
	}

	b, err := ctx.EnsureBytecode(definition)
	if err != nil {
		return object.Null, err
	}
	if len(args) != b.ArgumentCount {
		return object.Null, ctx.Errorf("Argument count mismatch.")
	}

	if ctx.jit != nil {
		return ctx.jit.apply(fn, definition, b, args)
	}
	return ctx.interpret(fn, definition, b, args)
}

// expandVariadicArguments packs the trailing arguments of a variadic call
// into an array.
func (ctx *Context) expandVariadicArguments(fn object.Value, def *object.Definition, args []object.Value, flags object.ApplicationFlags) ([]object.Value, error) {
	if flags&(object.ApplyNoTypecheck|object.ApplyVariadicExpanded) != 0 {
		return args, nil
	}
	if ctx.Heap.FunctionFlagsOf(fn)&object.FunctionVariadic == 0 || def.ArgumentCount == 0 {
		return args, nil
	}

	direct := def.ArgumentCount - 1
	if len(args) < direct {
		return nil, ctx.Errorf("Missing required arguments.")
	}
	expanded := make([]object.Value, direct+1)
	copy(expanded, args[:direct])
	expanded[direct] = ctx.Heap.NewArray(args[direct:]...)
	return expanded, nil
}

// EnsureBytecode returns the bytecode of a function definition, compiling
// it first if needed. Compilation failures are raised as exceptions.
func (ctx *Context) EnsureBytecode(definition object.Value) (*bytecode.Bytecode, error) {
	h := ctx.Heap
	def := h.DefinitionOf(definition)
	if def == nil {
		return nil, ctx.Errorf("Expected a function definition.")
	}
	if b, ok := def.Bytecode.(*bytecode.Bytecode); ok && b != nil {
		return b, nil
	}

	var opts []compiler.Option
	if ctx.config.DisableOptimization {
		opts = append(opts, compiler.WithoutOptimization())
	}
	b, err := compiler.CompileFunctionDefinition(h, definition, opts...)
	if err != nil {
		log.Warning("compilation failed", "function", def.Name, "error", err.Error())
		return nil, ctx.Errorf("Failed to compile %s: %s", def.Name, err)
	}
	def.Bytecode = b
	log.Debug("compiled function", "function", def.Name, "size", len(b.Instructions))
	return b, nil
}

func (ctx *Context) applyPrimitive(fn object.Value, name string, args []object.Value) (object.Value, error) {
	p, ok := ctx.primitives[name]
	if !ok {
		return object.Null, ctx.Errorf("Unknown primitive %s.", name)
	}
	roots := make([]object.Value, 0, len(args)+1)
	roots = append(roots, fn)
	roots = append(roots, args...)
	r := &GCRootsRecord{Roots: roots}
	ctx.Push(r)
	defer ctx.Pop(r)
	return p(ctx, fn, r.Roots[1:])
}

// Call is Apply with no application flags.
func (ctx *Context) Call(fn object.Value, args ...object.Value) (object.Value, error) {
	return ctx.Apply(fn, args, 0)
}
