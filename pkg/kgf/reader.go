package kgf

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// File is an opened graph container. Tensor payloads reference the underlying
// mapping directly; the File must stay open for as long as the graph's
// initializers are in use.
type File struct {
	Graph   *Graph
	data    []byte
	mmapped bool
}

// Open maps a KGF file read-only and decodes its graph. If mmap is
// unavailable it falls back to reading the whole file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		kf, parseErr := parseFile(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return kf, nil
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, size64), data); err != nil {
		return nil, err
	}
	return parseFile(data, false)
}

// Close releases the mapping. Tensors decoded from the file must not be used
// afterwards.
func (kf *File) Close() error {
	if kf.mmapped && kf.data != nil {
		data := kf.data
		kf.data = nil
		return unix.Munmap(data)
	}
	kf.data = nil
	return nil
}

func parseFile(data []byte, mmapped bool) (*File, error) {
	if len(data) < headerSize || string(data[:4]) != MagicKGF {
		return nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(data[4:]) != CurrentMajor {
		return nil, ErrIncompatible
	}
	hdrSize := binary.LittleEndian.Uint32(data[8:])
	fileSize := binary.LittleEndian.Uint64(data[16:])
	if hdrSize < headerSize || fileSize != uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	d := &decoder{data: data, off: int(hdrSize)}

	g := NewGraph(d.str())
	g.Producer = d.str()
	g.Inputs = d.valueInfos()
	g.Outputs = d.valueInfos()

	nNodes := d.u32()
	for i := 0; i < int(nNodes); i++ {
		if d.err != nil {
			break
		}
		g.AddNode(d.node())
	}

	nInits := d.u32()
	for i := 0; i < int(nInits); i++ {
		if d.err != nil {
			break
		}
		g.AddInitializer(d.tensor())
	}

	if d.err != nil {
		return nil, d.err
	}
	return &File{Graph: g, data: data, mmapped: mmapped}, nil
}

type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = ErrCorruptFile
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }

func (d *decoder) str() string {
	n := d.u32()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *decoder) ints() []int {
	n := d.u32()
	if d.err != nil || n > uint32(len(d.data)) {
		d.err = ErrCorruptFile
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = int(d.i64())
	}
	return out
}

func (d *decoder) align(to int) {
	pad := (to - d.off%to) % to
	d.take(pad)
}

func (d *decoder) valueInfos() []ValueInfo {
	n := d.u32()
	if d.err != nil || n > uint32(len(d.data)) {
		d.err = ErrCorruptFile
		return nil
	}
	out := make([]ValueInfo, 0, n)
	for i := 0; i < int(n); i++ {
		vi := ValueInfo{Name: d.str(), DType: DType(d.u8()), Dims: d.ints()}
		out = append(out, vi)
	}
	return out
}

func (d *decoder) strs() []string {
	n := d.u32()
	if d.err != nil || n > uint32(len(d.data)) {
		d.err = ErrCorruptFile
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		out = append(out, d.str())
	}
	return out
}

func (d *decoder) node() *Node {
	n := &Node{
		Name:    d.str(),
		Op:      d.str(),
		Inputs:  d.strs(),
		Outputs: d.strs(),
	}
	n.Attr = d.attr()
	return n
}

func (d *decoder) attr() any {
	switch d.u8() {
	case attrNone:
		return nil
	case attrConv:
		return ConvAttrs{Strides: d.ints(), Pads: d.ints(), Dilations: d.ints(), Group: int(d.i64())}
	case attrCast:
		return CastAttrs{To: DType(d.u8())}
	case attrGather:
		return GatherAttrs{Axis: int(d.i64())}
	case attrConcat:
		return ConcatAttrs{Axis: int(d.i64())}
	case attrSplit:
		return SplitAttrs{Axis: int(d.i64()), Sizes: d.ints()}
	case attrTranspose:
		return TransposeAttrs{Perm: d.ints()}
	case attrSoftmax:
		return SoftmaxAttrs{Axis: int(d.i64())}
	case attrAttention:
		return AttentionAttrs{NumHeads: int(d.i64()), Unidirectional: d.u8() != 0}
	case attrLayerNorm:
		return LayerNormAttrs{Epsilon: d.f32()}
	case attrQuant:
		return QuantAttrs{Axis: int(d.i64())}
	default:
		if d.err == nil {
			d.err = ErrCorruptFile
		}
		return nil
	}
}

func (d *decoder) tensor() *Tensor {
	t := &Tensor{
		Name:  d.str(),
		DType: DType(d.u8()),
		Dims:  d.ints(),
	}
	size := d.u64()
	d.align(payloadAlign)
	t.Data = d.take(int(size))
	if d.err == nil && len(t.Data) != t.ByteLen() {
		d.err = ErrCorruptFile
	}
	return t
}
