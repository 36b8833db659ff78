package object

import "fmt"

// Value is an opaque handle to a regvm value.
//
// The low TagBits bits of a Value select its kind. Heap objects carry a zero
// tag and are addressed by a 16-byte aligned emulated address, so native code
// emitted by the JIT can load and store their slots directly.
//
// Encoding scheme:
//   - Object:   address, low 4 bits zero (Null is address 0)
//   - Integer:  (n << 4) | 1, decoded with an arithmetic shift right by 4
//   - Char:     (codepoint << 4) | 6
//   - Uint8:    (byte << 4) | 7
//   - Trivial:  (id << 4) | 15 for false, true, void and pending memoization
type Value uint64

// Tag layout.
const (
	TagBits = 4
	TagMask = (1 << TagBits) - 1

	TagObject  = 0
	TagInteger = 1
	TagChar    = 6
	TagUint8   = 7
	TagTrivial = 15
)

// Well-known immediate values. True must fit a sign-extended imm32 because
// emitted code compares against it directly.
const (
	Null               Value = 0
	False              Value = 0x0F
	True               Value = 0x1F
	Void               Value = 0x2F
	PendingMemoization Value = 0x5F
)

// Integer range that fits an immediate.
const (
	MaxInteger int64 = (1 << 59) - 1
	MinInteger int64 = -(1 << 59)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// Tag returns the kind tag of v.
func (v Value) Tag() uint8 {
	return uint8(v & TagMask)
}

// IsNull reports whether v is the null handle.
func (v Value) IsNull() bool {
	return v == Null
}

// IsObject reports whether v refers to a heap object.
func (v Value) IsObject() bool {
	return v != Null && v&TagMask == TagObject
}

// IsImmediate reports whether v is encoded entirely in the handle.
func (v Value) IsImmediate() bool {
	return v&TagMask != TagObject
}

// IsInteger reports whether v is an immediate integer.
func (v Value) IsInteger() bool {
	return v&TagMask == TagInteger
}

// IsChar reports whether v is an immediate character.
func (v Value) IsChar() bool {
	return v&TagMask == TagChar
}

// IsUint8 reports whether v is an immediate byte.
func (v Value) IsUint8() bool {
	return v&TagMask == TagUint8
}

// IsBoolean reports whether v is True or False.
func (v Value) IsBoolean() bool {
	return v == True || v == False
}

// IsTrivial reports whether v is one of the trivial singletons.
func (v Value) IsTrivial() bool {
	return v&TagMask == TagTrivial
}

// ---------------------------------------------------------------------------
// Integers
// ---------------------------------------------------------------------------

// FromInt encodes n as an immediate integer. Values outside
// [MinInteger, MaxInteger] wrap.
func FromInt(n int64) Value {
	return Value(uint64(n)<<TagBits | TagInteger)
}

// TryFromInt encodes n if it fits.
func TryFromInt(n int64) (Value, bool) {
	if n < MinInteger || n > MaxInteger {
		return Null, false
	}
	return FromInt(n), true
}

// Int decodes an immediate integer.
func (v Value) Int() int64 {
	return int64(v) >> TagBits
}

// ---------------------------------------------------------------------------
// Characters and bytes
// ---------------------------------------------------------------------------

// FromChar encodes a character.
func FromChar(r rune) Value {
	return Value(uint64(uint32(r))<<TagBits | TagChar)
}

// Char decodes a character.
func (v Value) Char() rune {
	return rune(uint32(uint64(v) >> TagBits))
}

// FromUint8 encodes a byte.
func FromUint8(b uint8) Value {
	return Value(uint64(b)<<TagBits | TagUint8)
}

// Uint8 decodes a byte. Integers and characters decode the same way, which
// matches what native code does with a plain shift.
func (v Value) Uint8() uint8 {
	return uint8(uint64(v) >> TagBits)
}

// ---------------------------------------------------------------------------
// Booleans
// ---------------------------------------------------------------------------

// FromBool converts a Go bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Bool reports whether v is True.
func (v Value) Bool() bool {
	return v == True
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// Address returns the emulated address of a heap object.
func (v Value) Address() uint64 {
	return uint64(v)
}

// FromAddress converts an emulated object address back to a handle.
func FromAddress(addr uint64) Value {
	return Value(addr)
}

// String renders the handle without dereferencing it.
func (v Value) String() string {
	switch {
	case v == Null:
		return "null"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v == Void:
		return "void"
	case v == PendingMemoization:
		return "pendingMemoization"
	case v.IsInteger():
		return fmt.Sprintf("%d", v.Int())
	case v.IsChar():
		return fmt.Sprintf("%q", v.Char())
	case v.IsUint8():
		return fmt.Sprintf("%du8", v.Uint8())
	case v.IsObject():
		return fmt.Sprintf("object@%#x", uint64(v))
	default:
		return fmt.Sprintf("Value(%#x)", uint64(v))
	}
}
