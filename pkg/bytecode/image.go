package bytecode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/chazu/regvm/object"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// Image file layout: magic, version byte, flags byte, then a CBOR payload,
// zstd-compressed when ImageCompressed is set.
const (
	ImageMagic   = "RVMI"
	ImageVersion = 1
)

// ImageFlags describe the payload of an image.
type ImageFlags uint8

const (
	ImageCompressed ImageFlags = 1 << iota
)

var (
	ErrBadImage    = errors.New("not a regvm image")
	ErrFingerprint = errors.New("instruction fingerprint mismatch")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// LiteralKind tags a serialized literal.
type LiteralKind uint8

const (
	LiteralNull LiteralKind = iota
	LiteralTrue
	LiteralFalse
	LiteralVoid
	LiteralInteger
	LiteralCharacter
	LiteralUint8
	LiteralString
	LiteralSymbol
	// LiteralDefinition refers to another function of the image by index.
	LiteralDefinition
	// LiteralFunction is a capture-less closure over the indexed function.
	LiteralFunction
	LiteralPrimitive
	LiteralType
	LiteralTypeSlot
	LiteralBinding
)

// LiteralImage is a literal in a form that survives process restarts.
type LiteralImage struct {
	Kind  LiteralKind `cbor:"1,keyasint"`
	Int   int64       `cbor:"2,keyasint,omitempty"`
	Text  string      `cbor:"3,keyasint,omitempty"`
	Index int         `cbor:"4,keyasint,omitempty"`
	// Owner names the type of a LiteralTypeSlot.
	Owner string `cbor:"5,keyasint,omitempty"`
}

// For a LiteralType, Int wraps the named type.
const (
	TypeWrapNone = iota
	TypeWrapPointer
	TypeWrapReference
)

// FunctionImage is one compiled function definition.
type FunctionImage struct {
	Name            string                  `cbor:"1,keyasint"`
	ArgumentCount   int                     `cbor:"2,keyasint"`
	CaptureCount    int                     `cbor:"3,keyasint"`
	Variadic        bool                    `cbor:"4,keyasint,omitempty"`
	Memoized        bool                    `cbor:"5,keyasint,omitempty"`
	LocalVectorSize int                     `cbor:"6,keyasint"`
	Instructions    []byte                  `cbor:"7,keyasint"`
	Fingerprint     uint64                  `cbor:"8,keyasint"`
	Literals        []LiteralImage          `cbor:"9,keyasint"`
	PCTable         []PCEntry               `cbor:"10,keyasint,omitempty"`
	Positions       []object.SourcePosition `cbor:"11,keyasint,omitempty"`
}

// BindingImage is a global value binding whose value is a function of the
// image.
type BindingImage struct {
	Name     string `cbor:"1,keyasint"`
	Function int    `cbor:"2,keyasint"`
}

// Image is a set of compiled functions plus the global bindings naming them.
type Image struct {
	Functions []FunctionImage `cbor:"1,keyasint"`
	Bindings  []BindingImage  `cbor:"2,keyasint,omitempty"`
}

// Function looks up a bound function by name.
func (img *Image) Function(name string) (*FunctionImage, bool) {
	for _, b := range img.Bindings {
		if b.Name == name && b.Function >= 0 && b.Function < len(img.Functions) {
			return &img.Functions[b.Function], true
		}
	}
	return nil, false
}

// WriteImage serializes img to w.
func WriteImage(w io.Writer, img *Image, flags ImageFlags) error {
	payload, err := cborEncMode.Marshal(img)
	if err != nil {
		return fmt.Errorf("bytecode: marshal image: %w", err)
	}
	header := append([]byte(ImageMagic), ImageVersion, byte(flags))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("bytecode: write image header: %w", err)
	}

	if flags&ImageCompressed == 0 {
		_, err = w.Write(payload)
		return err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("bytecode: zstd writer: %w", err)
	}
	if _, err := enc.Write(payload); err != nil {
		enc.Close()
		return fmt.Errorf("bytecode: compress image: %w", err)
	}
	return enc.Close()
}

// ReadImage deserializes an image and verifies every instruction fingerprint.
func ReadImage(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(ImageMagic)+2)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("bytecode: read image header: %w", err)
	}
	if string(header[:len(ImageMagic)]) != ImageMagic {
		return nil, fmt.Errorf("bytecode: %w: magic %q", ErrBadImage, header[:len(ImageMagic)])
	}
	if v := header[len(ImageMagic)]; v != ImageVersion {
		return nil, fmt.Errorf("bytecode: %w: version %d", ErrBadImage, v)
	}
	flags := ImageFlags(header[len(ImageMagic)+1])

	var payload []byte
	var err error
	if flags&ImageCompressed != 0 {
		dec, derr := zstd.NewReader(br)
		if derr != nil {
			return nil, fmt.Errorf("bytecode: zstd reader: %w", derr)
		}
		defer dec.Close()
		payload, err = io.ReadAll(dec)
	} else {
		payload, err = io.ReadAll(br)
	}
	if err != nil {
		return nil, fmt.Errorf("bytecode: read image payload: %w", err)
	}

	var img Image
	if err := cbor.Unmarshal(payload, &img); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal image: %w", err)
	}
	if err := img.VerifyFingerprints(); err != nil {
		return nil, err
	}
	return &img, nil
}

// VerifyFingerprints hashes every instruction stream of img in parallel and
// reports the first one that does not match its recorded fingerprint.
func (img *Image) VerifyFingerprints() error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range img.Functions {
		f := &img.Functions[i]
		g.Go(func() error {
			b := Bytecode{Instructions: f.Instructions}
			if got := b.Fingerprint(); got != f.Fingerprint {
				return fmt.Errorf("bytecode: function %q: %w (%016x != %016x)", f.Name, ErrFingerprint, got, f.Fingerprint)
			}
			return nil
		})
	}
	return g.Wait()
}
