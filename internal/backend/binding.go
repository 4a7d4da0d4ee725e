package backend

import "github.com/samcharles93/kiln/pkg/kgf"

// Binding holds pre-allocated output buffers keyed by output name, for
// callers that want to reuse memory across decode steps. Buffers only grow:
// when a step's required shape exceeds a buffer's capacity the buffer is
// reallocated larger, never truncated. The caller must guarantee that no
// other execution is in flight against the same binding.
type Binding struct {
	buffers map[string][]byte
}

// NewBinding creates an empty binding; buffers are allocated on first use.
func NewBinding() *Binding {
	return &Binding{buffers: make(map[string][]byte)}
}

// Prepare sizes the named buffer for the given dtype and dims, growing it if
// needed, and returns a tensor viewing the buffer's prefix.
func (b *Binding) Prepare(name string, dtype kgf.DType, dims []int) *kgf.Tensor {
	t := &kgf.Tensor{Name: name, DType: dtype, Dims: append([]int(nil), dims...)}
	need := t.ByteLen()
	buf := b.buffers[name]
	if cap(buf) < need {
		buf = make([]byte, need, growSize(need))
		b.buffers[name] = buf
	}
	t.Data = buf[:need]
	return t
}

// Capacity returns the current byte capacity of the named buffer.
func (b *Binding) Capacity(name string) int {
	return cap(b.buffers[name])
}

// growSize rounds an allocation up so repeated one-token growth does not
// reallocate on every step, while keeping 8-byte view alignment.
func growSize(need int) int {
	n := need + need/2
	if n < 64 {
		n = 64
	}
	return (n + 7) &^ 7
}
