package kgf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Write serializes the graph to path. The fixed header is patched with the
// final file size once the body has been written.
func Write(g *Graph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	e := &encoder{w: bufio.NewWriterSize(f, 1<<20), off: headerSize}

	// Header placeholder; patched below.
	var hdr [headerSize]byte
	copy(hdr[:4], MagicKGF)
	binary.LittleEndian.PutUint16(hdr[4:], CurrentMajor)
	binary.LittleEndian.PutUint16(hdr[6:], CurrentMinor)
	binary.LittleEndian.PutUint32(hdr[8:], headerSize)
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}

	e.str(g.Name)
	e.str(g.Producer)
	e.valueInfos(g.Inputs)
	e.valueInfos(g.Outputs)

	e.u32(uint32(len(g.Nodes)))
	for _, n := range g.Nodes {
		e.node(n)
	}

	e.u32(uint32(len(g.inits)))
	for _, t := range g.inits {
		e.tensor(t)
	}

	if e.err != nil {
		return e.err
	}
	if err := e.w.Flush(); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(hdr[12:], 0) // reserved flags
	binary.LittleEndian.PutUint64(hdr[16:], uint64(e.off))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return f.Sync()
}

type encoder struct {
	w   *bufio.Writer
	off int64
	err error
}

func (e *encoder) bytes(b []byte) {
	if e.err != nil {
		return
	}
	n, err := e.w.Write(b)
	e.off += int64(n)
	e.err = err
}

func (e *encoder) u8(v uint8)  { e.bytes([]byte{v}) }
func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.bytes(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.bytes(b[:])
}

func (e *encoder) i64(v int64) { e.u64(uint64(v)) }

func (e *encoder) f32(v float32) { e.u32(math.Float32bits(v)) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.bytes([]byte(s))
}

func (e *encoder) ints(vs []int) {
	e.u32(uint32(len(vs)))
	for _, v := range vs {
		e.i64(int64(v))
	}
}

func (e *encoder) align(to int64) {
	if e.err != nil {
		return
	}
	pad := (to - e.off%to) % to
	for i := int64(0); i < pad; i++ {
		e.u8(0)
	}
}

func (e *encoder) valueInfos(vis []ValueInfo) {
	e.u32(uint32(len(vis)))
	for _, vi := range vis {
		e.str(vi.Name)
		e.u8(uint8(vi.DType))
		e.ints(vi.Dims)
	}
}

func (e *encoder) node(n *Node) {
	e.str(n.Name)
	e.str(n.Op)
	e.u32(uint32(len(n.Inputs)))
	for _, s := range n.Inputs {
		e.str(s)
	}
	e.u32(uint32(len(n.Outputs)))
	for _, s := range n.Outputs {
		e.str(s)
	}
	e.attr(n)
}

func (e *encoder) attr(n *Node) {
	switch a := n.Attr.(type) {
	case nil:
		e.u8(attrNone)
	case ConvAttrs:
		e.u8(attrConv)
		e.ints(a.Strides)
		e.ints(a.Pads)
		e.ints(a.Dilations)
		e.i64(int64(a.Group))
	case CastAttrs:
		e.u8(attrCast)
		e.u8(uint8(a.To))
	case GatherAttrs:
		e.u8(attrGather)
		e.i64(int64(a.Axis))
	case ConcatAttrs:
		e.u8(attrConcat)
		e.i64(int64(a.Axis))
	case SplitAttrs:
		e.u8(attrSplit)
		e.i64(int64(a.Axis))
		e.ints(a.Sizes)
	case TransposeAttrs:
		e.u8(attrTranspose)
		e.ints(a.Perm)
	case SoftmaxAttrs:
		e.u8(attrSoftmax)
		e.i64(int64(a.Axis))
	case AttentionAttrs:
		e.u8(attrAttention)
		e.i64(int64(a.NumHeads))
		if a.Unidirectional {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case LayerNormAttrs:
		e.u8(attrLayerNorm)
		e.f32(a.Epsilon)
	case QuantAttrs:
		e.u8(attrQuant)
		e.i64(int64(a.Axis))
	default:
		if e.err == nil {
			e.err = fmt.Errorf("kgf: node %q (%s): unsupported attribute type %T", n.Name, n.Op, n.Attr)
		}
	}
}

func (e *encoder) tensor(t *Tensor) {
	e.str(t.Name)
	e.u8(uint8(t.DType))
	e.ints(t.Dims)
	e.u64(uint64(len(t.Data)))
	e.align(payloadAlign)
	e.bytes(t.Data)
}
