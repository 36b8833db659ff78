package vm

import (
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// imageWriter collects function definitions and the literals they
// reference. Each definition is written once; literal references to it use
// its index.
type imageWriter struct {
	ctx   *Context
	img   *bytecode.Image
	index map[object.Value]int
}

// ExportImage builds an image holding the functions bound under the given
// names and every function definition their literals reach.
func (ctx *Context) ExportImage(bindings map[string]object.Value) (*bytecode.Image, error) {
	w := &imageWriter{
		ctx:   ctx,
		img:   &bytecode.Image{},
		index: make(map[object.Value]int),
	}

	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		i, err := w.function(bindings[name])
		if err != nil {
			return nil, fmt.Errorf("exporting %s: %w", name, err)
		}
		w.bind(name, i)
	}
	log.Debug("image exported", "functions", len(w.img.Functions), "bindings", len(w.img.Bindings))
	return w.img, nil
}

// SaveImage writes the functions bound under the given names to path.
func (ctx *Context) SaveImage(path string, bindings map[string]object.Value, flags bytecode.ImageFlags) error {
	img, err := ctx.ExportImage(bindings)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := bytecode.WriteImage(f, img, flags); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *imageWriter) function(fn object.Value) (int, error) {
	h := w.ctx.Heap
	if !h.IsFunction(fn) || h.PrimitiveNameOf(fn) != "" {
		return 0, fmt.Errorf("%s is not a bytecode function", h.Describe(fn))
	}
	if captures := h.ArrayElements(h.CaptureVectorOf(fn)); len(captures) > 0 {
		return 0, fmt.Errorf("closure %s has captures", h.Describe(fn))
	}
	return w.definition(h.FunctionDefinitionOf(fn))
}

func (w *imageWriter) definition(definition object.Value) (int, error) {
	if i, ok := w.index[definition]; ok {
		return i, nil
	}
	h := w.ctx.Heap
	def := h.DefinitionOf(definition)
	if def == nil {
		return 0, fmt.Errorf("%s is not a function definition", h.Describe(definition))
	}
	b, err := w.ctx.EnsureBytecode(definition)
	if err != nil {
		return 0, err
	}

	i := len(w.img.Functions)
	w.index[definition] = i
	w.img.Functions = append(w.img.Functions, bytecode.FunctionImage{
		Name:            def.Name,
		ArgumentCount:   def.ArgumentCount,
		CaptureCount:    def.CaptureCount,
		Variadic:        def.Variadic,
		Memoized:        def.Memoized,
		LocalVectorSize: b.LocalVectorSize,
		Instructions:    b.Instructions,
		Fingerprint:     b.Fingerprint(),
		PCTable:         b.PCTable,
		Positions:       b.DebugPositions,
	})

	literals := make([]bytecode.LiteralImage, len(b.Literals))
	for j, l := range b.Literals {
		lit, err := w.literal(l)
		if err != nil {
			return 0, fmt.Errorf("%s literal %d: %w", def.Name, j, err)
		}
		literals[j] = lit
	}
	// The function slice may have grown while literals were collected.
	w.img.Functions[i].Literals = literals
	return i, nil
}

func (w *imageWriter) literal(v object.Value) (bytecode.LiteralImage, error) {
	h := w.ctx.Heap
	switch {
	case v == object.Null:
		return bytecode.LiteralImage{Kind: bytecode.LiteralNull}, nil
	case v == object.Void:
		return bytecode.LiteralImage{Kind: bytecode.LiteralVoid}, nil
	case v.IsBoolean():
		if v.Bool() {
			return bytecode.LiteralImage{Kind: bytecode.LiteralTrue}, nil
		}
		return bytecode.LiteralImage{Kind: bytecode.LiteralFalse}, nil
	case v.IsInteger():
		return bytecode.LiteralImage{Kind: bytecode.LiteralInteger, Int: v.Int()}, nil
	case v.IsChar():
		return bytecode.LiteralImage{Kind: bytecode.LiteralCharacter, Int: int64(v.Char())}, nil
	case v.IsUint8():
		return bytecode.LiteralImage{Kind: bytecode.LiteralUint8, Int: int64(v.Uint8())}, nil
	}

	obj := h.Get(v)
	if obj == nil {
		return bytecode.LiteralImage{}, fmt.Errorf("dangling literal %s", v)
	}
	switch obj.Kind {
	case object.KindString:
		return bytecode.LiteralImage{Kind: bytecode.LiteralString, Text: string(obj.Bytes)}, nil
	case object.KindSymbol:
		return bytecode.LiteralImage{Kind: bytecode.LiteralSymbol, Text: string(obj.Bytes)}, nil
	case object.KindFunctionDefinition:
		i, err := w.definition(v)
		return bytecode.LiteralImage{Kind: bytecode.LiteralDefinition, Index: i}, err
	case object.KindFunction:
		if name := h.PrimitiveNameOf(v); name != "" {
			return bytecode.LiteralImage{Kind: bytecode.LiteralPrimitive, Text: name}, nil
		}
		i, err := w.function(v)
		return bytecode.LiteralImage{Kind: bytecode.LiteralFunction, Index: i}, err
	case object.KindType:
		return w.typeLiteral(v)
	case object.KindTypeSlot:
		owner := obj.Slots[2]
		return bytecode.LiteralImage{
			Kind:  bytecode.LiteralTypeSlot,
			Text:  h.SymbolString(obj.Slots[0]),
			Owner: h.TypeName(owner),
		}, nil
	case object.KindSymbolValueBinding:
		name := h.SymbolString(obj.Slots[0])
		if h.IsFunction(obj.Slots[1]) && h.PrimitiveNameOf(obj.Slots[1]) == "" {
			i, err := w.function(obj.Slots[1])
			if err != nil {
				return bytecode.LiteralImage{}, err
			}
			w.bind(name, i)
		}
		return bytecode.LiteralImage{Kind: bytecode.LiteralBinding, Text: name}, nil
	}
	return bytecode.LiteralImage{}, fmt.Errorf("%s literals cannot be saved", obj.Kind)
}

func (w *imageWriter) typeLiteral(t object.Value) (bytecode.LiteralImage, error) {
	h := w.ctx.Heap
	info := h.TypeInfo(t)
	lit := bytecode.LiteralImage{Kind: bytecode.LiteralType, Text: info.Name}
	if info.PointerLike && info.BaseType != object.Null {
		lit.Text = h.TypeName(info.BaseType)
		lit.Int = bytecode.TypeWrapPointer
		if h.IsReferenceType(t) {
			lit.Int = bytecode.TypeWrapReference
		}
		t = info.BaseType
	}
	if named, ok := h.TypeNamed(lit.Text); !ok || named != t {
		return bytecode.LiteralImage{}, fmt.Errorf("type %s cannot be found by name", lit.Text)
	}
	return lit, nil
}

func (w *imageWriter) bind(name string, function int) {
	for i, b := range w.img.Bindings {
		if b.Name == name {
			w.img.Bindings[i].Function = function
			return
		}
	}
	w.img.Bindings = append(w.img.Bindings, bytecode.BindingImage{Name: name, Function: function})
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// imageReader materializes an image in two passes: definitions first, so
// that literals may reference any function of the image, then bytecode.
type imageReader struct {
	ctx         *Context
	img         *bytecode.Image
	definitions []object.Value
	closures    map[int]object.Value
	bindings    map[string]object.Value
}

// LoadedImage is an image materialized in a heap.
type LoadedImage struct {
	// Definitions holds one function definition per image function, in
	// image order.
	Definitions []object.Value
	// Functions holds the bound closures by name.
	Functions map[string]object.Value
}

// LoadImage creates the functions of img in the heap. Loaded definitions
// are heap roots.
func (ctx *Context) LoadImage(img *bytecode.Image) (*LoadedImage, error) {
	h := ctx.Heap
	r := &imageReader{
		ctx:         ctx,
		img:         img,
		definitions: make([]object.Value, len(img.Functions)),
		closures:    make(map[int]object.Value),
		bindings:    make(map[string]object.Value),
	}

	for i, f := range img.Functions {
		definition := h.NewFunctionDefinition(&object.Definition{
			Name:          f.Name,
			ArgumentCount: f.ArgumentCount,
			CaptureCount:  f.CaptureCount,
			Variadic:      f.Variadic,
			Memoized:      f.Memoized,
		})
		h.AddRoot(definition)
		r.definitions[i] = definition
	}

	var result *multierror.Error
	for i := range img.Functions {
		if err := r.loadFunction(i); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	functions := make(map[string]object.Value, len(img.Bindings))
	for _, b := range img.Bindings {
		fn, err := r.closure(b.Function)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", b.Name, err)
		}
		functions[b.Name] = fn
		if binding, ok := r.bindings[b.Name]; ok {
			h.Get(binding).Slots[1] = fn
		}
	}
	log.Debug("image loaded", "functions", len(img.Functions), "bindings", len(functions))
	return &LoadedImage{Definitions: r.definitions, Functions: functions}, nil
}

// LoadImageFile reads and loads the image at path.
func (ctx *Context) LoadImageFile(path string) (*LoadedImage, error) {
	img, err := ReadImageFile(path)
	if err != nil {
		return nil, err
	}
	return ctx.LoadImage(img)
}

// ReadImageFile reads the image at path without loading it.
func ReadImageFile(path string) (*bytecode.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := bytecode.ReadImage(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func (r *imageReader) loadFunction(i int) error {
	h := r.ctx.Heap
	f := &r.img.Functions[i]
	literals := make([]object.Value, len(f.Literals))
	for j, lit := range f.Literals {
		v, err := r.literal(lit)
		if err != nil {
			return fmt.Errorf("%s literal %d: %w", f.Name, j, err)
		}
		literals[j] = v
	}

	b := &bytecode.Bytecode{
		ArgumentCount:     f.ArgumentCount,
		CaptureVectorSize: f.CaptureCount,
		LocalVectorSize:   f.LocalVectorSize,
		Literals:          literals,
		Instructions:      f.Instructions,
		PCTable:           f.PCTable,
		DebugPositions:    f.Positions,
		Definition:        r.definitions[i],
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	h.DefinitionOf(r.definitions[i]).Bytecode = b
	return nil
}

func (r *imageReader) closure(i int) (object.Value, error) {
	if fn, ok := r.closures[i]; ok {
		return fn, nil
	}
	if i < 0 || i >= len(r.definitions) {
		return object.Null, fmt.Errorf("function index %d out of range", i)
	}
	h := r.ctx.Heap
	f := r.img.Functions[i]
	var flags object.FunctionFlags
	if f.Variadic {
		flags |= object.FunctionVariadic
	}
	if f.Memoized {
		flags |= object.FunctionMemoized
	}
	fn := h.NewClosure(r.definitions[i], object.Null, flags)
	h.AddRoot(fn)
	r.closures[i] = fn
	return fn, nil
}

func (r *imageReader) literal(lit bytecode.LiteralImage) (object.Value, error) {
	h := r.ctx.Heap
	switch lit.Kind {
	case bytecode.LiteralNull:
		return object.Null, nil
	case bytecode.LiteralTrue:
		return object.True, nil
	case bytecode.LiteralFalse:
		return object.False, nil
	case bytecode.LiteralVoid:
		return object.Void, nil
	case bytecode.LiteralInteger:
		v, ok := object.TryFromInt(lit.Int)
		if !ok {
			return object.Null, fmt.Errorf("integer %d out of range", lit.Int)
		}
		return v, nil
	case bytecode.LiteralCharacter:
		return object.FromChar(rune(lit.Int)), nil
	case bytecode.LiteralUint8:
		return object.FromUint8(uint8(lit.Int)), nil
	case bytecode.LiteralString:
		s := h.NewString(lit.Text)
		h.AddRoot(s)
		return s, nil
	case bytecode.LiteralSymbol:
		return h.Intern(lit.Text), nil
	case bytecode.LiteralDefinition:
		if lit.Index < 0 || lit.Index >= len(r.definitions) {
			return object.Null, fmt.Errorf("function index %d out of range", lit.Index)
		}
		return r.definitions[lit.Index], nil
	case bytecode.LiteralFunction:
		return r.closure(lit.Index)
	case bytecode.LiteralPrimitive:
		return r.ctx.Primitive(lit.Text)
	case bytecode.LiteralType:
		t, ok := h.TypeNamed(lit.Text)
		if !ok {
			return object.Null, fmt.Errorf("unknown type %s", lit.Text)
		}
		switch lit.Int {
		case bytecode.TypeWrapPointer:
			t = h.PointerType(t)
		case bytecode.TypeWrapReference:
			t = h.ReferenceType(t)
		}
		return t, nil
	case bytecode.LiteralTypeSlot:
		t, ok := h.TypeNamed(lit.Owner)
		if !ok {
			return object.Null, fmt.Errorf("unknown type %s", lit.Owner)
		}
		slot, ok := h.SlotNamed(t, lit.Text)
		if !ok {
			return object.Null, fmt.Errorf("type %s has no slot %s", lit.Owner, lit.Text)
		}
		return slot, nil
	case bytecode.LiteralBinding:
		if b, ok := r.bindings[lit.Text]; ok {
			return b, nil
		}
		b := h.NewSymbolValueBinding(lit.Text, object.Null)
		h.AddRoot(b)
		r.bindings[lit.Text] = b
		return b, nil
	}
	return object.Null, fmt.Errorf("unknown literal kind %d", lit.Kind)
}
