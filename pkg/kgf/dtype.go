package kgf

// DType describes the element encoding of a tensor payload.
type DType uint8

const (
	DTypeInvalid DType = iota
	DTypeF32
	DTypeF16
	DTypeI8
	DTypeU8
	DTypeI32
	DTypeI64
	DTypeBool
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeI8:
		return "i8"
	case DTypeU8:
		return "u8"
	case DTypeI32:
		return "i32"
	case DTypeI64:
		return "i64"
	case DTypeBool:
		return "bool"
	default:
		return "invalid"
	}
}

// ElemSize returns the byte width of one element, or 0 for invalid dtypes.
func (d DType) ElemSize() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16:
		return 2
	case DTypeI8, DTypeU8, DTypeBool:
		return 1
	case DTypeI64:
		return 8
	default:
		return 0
	}
}

// IsQuantized reports whether the dtype is one of the 8-bit integer types
// used as quantized element storage.
func (d DType) IsQuantized() bool {
	return d == DTypeI8 || d == DTypeU8
}
