package vm

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/regvm/compiler"
	"github.com/chazu/regvm/object"
	"github.com/chazu/regvm/pkg/bytecode"
)

func TestImageRoundTripRunsInFreshContext(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			src := newEnv(t)
			fn, _ := caller(t, src)
			img, err := src.ctx.ExportImage(map[string]object.Value{"main": fn})
			require.NoError(t, err)
			require.Len(t, img.Functions, 2, "callee is reached through a literal")

			var buf bytes.Buffer
			require.NoError(t, bytecode.WriteImage(&buf, img, bytecode.ImageCompressed))
			read, err := bytecode.ReadImage(&buf)
			require.NoError(t, err)

			dst := newEnv(t, mode.configure...)
			loaded, err := dst.ctx.LoadImage(read)
			require.NoError(t, err)
			assert.Len(t, loaded.Definitions, 2)
			main, ok := loaded.Functions["main"]
			require.True(t, ok)

			got, err := dst.ctx.Call(main, object.FromInt(41))
			require.NoError(t, err)
			assert.Equal(t, object.FromInt(42), got)
		})
	}
}

func TestImageLiterals(t *testing.T) {
	src := newEnv(t)
	h := src.h
	point := h.NewType("Point", h.Types.Object, "x", "y")
	x, _ := h.SlotNamed(point, "x")
	fn := src.function(t, "literals", 0, func(a *compiler.Assembler) {
		arr := a.NewTemporary(object.Null)
		a.MakeArray(arr, []*compiler.VectorOperand{
			a.AddLiteral(object.True),
			a.AddLiteral(object.FromChar('z')),
			a.AddLiteral(object.FromUint8(9)),
			a.AddLiteral(h.NewString("text")),
			a.AddLiteral(h.Intern("sym")),
			a.AddLiteral(h.PointerType(point)),
			a.AddLiteral(x),
		})
		a.Return(arr)
	})
	img, err := src.ctx.ExportImage(map[string]object.Value{"literals": fn})
	require.NoError(t, err)

	dst := newEnv(t)
	dh := dst.h
	dpoint := dh.NewType("Point", dh.Types.Object, "x", "y")
	loaded, err := dst.ctx.LoadImage(img)
	require.NoError(t, err)

	got, err := dst.ctx.Call(loaded.Functions["literals"])
	require.NoError(t, err)
	elems := dh.ArrayElements(got)
	require.Len(t, elems, 7)
	assert.Equal(t, object.True, elems[0])
	assert.Equal(t, object.FromChar('z'), elems[1])
	assert.Equal(t, object.FromUint8(9), elems[2])
	assert.Equal(t, "text", dh.SymbolString(elems[3]))
	assert.Equal(t, dh.Intern("sym"), elems[4])
	assert.Equal(t, dh.PointerType(dpoint), elems[5])
	dx, _ := dh.SlotNamed(dpoint, "x")
	assert.Equal(t, dx, elems[6])
}

func TestImageRejectsCapturedClosures(t *testing.T) {
	env := newEnv(t)
	h := env.h
	fn := env.function(t, "id", 1, func(a *compiler.Assembler) { a.Return(a.Argument(0)) })
	closure := h.NewClosure(h.FunctionDefinitionOf(fn), h.NewArray(object.FromInt(1)), 0)
	_, err := env.ctx.ExportImage(map[string]object.Value{"c": closure})
	assert.ErrorContains(t, err, "has captures")

	_, err = env.ctx.ExportImage(map[string]object.Value{"p": env.primitive(t, "Integer::+")})
	assert.ErrorContains(t, err, "not a bytecode function")
}

func TestLoadImageValidatesBytecode(t *testing.T) {
	env := newEnv(t)
	fn := env.function(t, "id", 1, func(a *compiler.Assembler) { a.Return(a.Argument(0)) })
	img, err := env.ctx.ExportImage(map[string]object.Value{"id": fn})
	require.NoError(t, err)

	img.Functions[0].ArgumentCount = 0
	_, err = newEnv(t).ctx.LoadImage(img)
	assert.ErrorContains(t, err, "beyond the arg vector")
}

func TestSaveAndLoadImageFile(t *testing.T) {
	env := newEnv(t)
	fn := sumTo(t, env, true)
	path := filepath.Join(t.TempDir(), "sum.rvmi")
	require.NoError(t, env.ctx.SaveImage(path, map[string]object.Value{"sumTo": fn}, 0))

	dst := newEnv(t, withJIT)
	loaded, err := dst.ctx.LoadImageFile(path)
	require.NoError(t, err)
	got, err := dst.ctx.Call(loaded.Functions["sumTo"], object.FromInt(4))
	require.NoError(t, err)
	assert.Equal(t, object.FromInt(10), got)

	_, err = ReadImageFile(filepath.Join(t.TempDir(), "missing.rvmi"))
	assert.Error(t, err)
}
