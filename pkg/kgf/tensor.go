package kgf

import (
	"fmt"
	"unsafe"
)

// Tensor is a dense, row-major tensor with a little-endian byte payload.
//
// The payload of F32/I32/I64 tensors produced by this package is always
// 8-byte aligned, so the typed view accessors below can reinterpret Data in
// place without copying. Tensors loaded from a container file keep the same
// guarantee (the writer aligns every payload).
type Tensor struct {
	Name  string
	DType DType
	Dims  []int
	Data  []byte
}

// NumElements returns the product of Dims. A zero-dim tensor is a scalar
// with one element. A dimension of zero yields zero elements.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// ByteLen returns the expected payload size for the tensor's dtype and dims.
func (t *Tensor) ByteLen() int {
	return t.NumElements() * t.DType.ElemSize()
}

func (t *Tensor) check(want DType) {
	if t.DType != want {
		panic(fmt.Sprintf("kgf: tensor %q is %s, not %s", t.Name, t.DType, want))
	}
}

// F32 returns the payload viewed as []float32. Mutations write through.
func (t *Tensor) F32() []float32 {
	t.check(DTypeF32)
	if len(t.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.Data[0])), t.NumElements())
}

// I64 returns the payload viewed as []int64. Mutations write through.
func (t *Tensor) I64() []int64 {
	t.check(DTypeI64)
	if len(t.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&t.Data[0])), t.NumElements())
}

// I32 returns the payload viewed as []int32. Mutations write through.
func (t *Tensor) I32() []int32 {
	t.check(DTypeI32)
	if len(t.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&t.Data[0])), t.NumElements())
}

// I8 returns the payload viewed as []int8. Mutations write through.
func (t *Tensor) I8() []int8 {
	t.check(DTypeI8)
	if len(t.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&t.Data[0])), len(t.Data))
}

// U8 returns the raw payload. Mutations write through.
func (t *Tensor) U8() []uint8 {
	t.check(DTypeU8)
	return t.Data
}

// Bools decodes a bool tensor into a fresh slice.
func (t *Tensor) Bools() []bool {
	t.check(DTypeBool)
	out := make([]bool, len(t.Data))
	for i, b := range t.Data {
		out[i] = b != 0
	}
	return out
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Name:  t.Name,
		DType: t.DType,
		Dims:  append([]int(nil), t.Dims...),
		Data:  alignedBytes(len(t.Data)),
	}
	copy(c.Data, t.Data)
	return c
}

// alignedBytes allocates a byte slice whose backing array is at least 8-byte
// aligned. Go's allocator guarantees this for any heap allocation of 8 bytes
// or more, so rounding the allocation up is sufficient.
func alignedBytes(n int) []byte {
	if n < 8 {
		return make([]byte, n, 8)
	}
	return make([]byte, n)
}

func newTensor(name string, dtype DType, dims []int) *Tensor {
	t := &Tensor{Name: name, DType: dtype, Dims: append([]int(nil), dims...)}
	t.Data = alignedBytes(t.ByteLen())
	return t
}

// New allocates a zeroed tensor of the given dtype and dims.
func New(name string, dtype DType, dims []int) *Tensor {
	return newTensor(name, dtype, dims)
}

// NewF32 allocates a float32 tensor. If values is non-nil its length must
// match the dim product.
func NewF32(name string, dims []int, values []float32) *Tensor {
	t := newTensor(name, DTypeF32, dims)
	if values != nil {
		if len(values) != t.NumElements() {
			panic(fmt.Sprintf("kgf: tensor %q: %d values for dims %v", name, len(values), dims))
		}
		copy(t.F32(), values)
	}
	return t
}

// NewI64 allocates an int64 tensor.
func NewI64(name string, dims []int, values []int64) *Tensor {
	t := newTensor(name, DTypeI64, dims)
	if values != nil {
		if len(values) != t.NumElements() {
			panic(fmt.Sprintf("kgf: tensor %q: %d values for dims %v", name, len(values), dims))
		}
		copy(t.I64(), values)
	}
	return t
}

// NewI32 allocates an int32 tensor.
func NewI32(name string, dims []int, values []int32) *Tensor {
	t := newTensor(name, DTypeI32, dims)
	if values != nil {
		if len(values) != t.NumElements() {
			panic(fmt.Sprintf("kgf: tensor %q: %d values for dims %v", name, len(values), dims))
		}
		copy(t.I32(), values)
	}
	return t
}

// NewI8 allocates an int8 tensor.
func NewI8(name string, dims []int, values []int8) *Tensor {
	t := newTensor(name, DTypeI8, dims)
	if values != nil {
		if len(values) != t.NumElements() {
			panic(fmt.Sprintf("kgf: tensor %q: %d values for dims %v", name, len(values), dims))
		}
		copy(t.I8(), values)
	}
	return t
}

// NewU8 allocates a uint8 tensor.
func NewU8(name string, dims []int, values []uint8) *Tensor {
	t := newTensor(name, DTypeU8, dims)
	if values != nil {
		if len(values) != t.NumElements() {
			panic(fmt.Sprintf("kgf: tensor %q: %d values for dims %v", name, len(values), dims))
		}
		copy(t.Data, values)
	}
	return t
}

// NewBool allocates a bool tensor (one byte per element).
func NewBool(name string, dims []int, values []bool) *Tensor {
	t := newTensor(name, DTypeBool, dims)
	if values != nil {
		if len(values) != t.NumElements() {
			panic(fmt.Sprintf("kgf: tensor %q: %d values for dims %v", name, len(values), dims))
		}
		for i, v := range values {
			if v {
				t.Data[i] = 1
			}
		}
	}
	return t
}

// ScalarF32 is shorthand for a zero-dim float32 tensor.
func ScalarF32(name string, v float32) *Tensor {
	return NewF32(name, nil, []float32{v})
}

// SameDims reports whether two dim slices are identical.
func SameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
