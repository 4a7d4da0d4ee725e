package interp

import (
	"fmt"
	"math"

	"github.com/samcharles93/kiln/pkg/kgf"
)

// rowStrides returns row-major element strides for dims.
func rowStrides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// broadcastDims computes the numpy-style broadcast of two shapes.
func broadcastDims(a, b []int) ([]int, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i >= n-len(a) {
			da = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			db = b[i-(n-len(b))]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("shapes %v and %v do not broadcast", a, b)
		}
	}
	return out, nil
}

// bcastStrides returns element strides for reading a tensor of srcDims as if
// it had the (right-aligned) broadcast shape outDims: broadcast axes get
// stride zero.
func bcastStrides(srcDims, outDims []int) []int {
	src := rowStrides(srcDims)
	out := make([]int, len(outDims))
	off := len(outDims) - len(srcDims)
	for i := range outDims {
		if i < off {
			continue
		}
		if srcDims[i-off] == 1 && outDims[i] != 1 {
			continue
		}
		out[i] = src[i-off]
	}
	return out
}

// binaryF32 applies f elementwise over two float32 tensors with broadcasting.
func binaryF32(a, b *kgf.Tensor, f func(x, y float32) float32) (*kgf.Tensor, error) {
	av, bv := a.F32(), b.F32()
	if kgf.SameDims(a.Dims, b.Dims) {
		out := kgf.NewF32("", a.Dims, nil)
		ov := out.F32()
		for i := range av {
			ov[i] = f(av[i], bv[i])
		}
		return out, nil
	}
	dims, err := broadcastDims(a.Dims, b.Dims)
	if err != nil {
		return nil, err
	}
	out := kgf.NewF32("", dims, nil)
	ov := out.F32()
	as := bcastStrides(a.Dims, dims)
	bs := bcastStrides(b.Dims, dims)
	idx := make([]int, len(dims))
	for i := range ov {
		ai, bi := 0, 0
		for d := range idx {
			ai += idx[d] * as[d]
			bi += idx[d] * bs[d]
		}
		ov[i] = f(av[ai], bv[bi])
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < dims[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

func evalBinary(s *Session, n *kgf.Node, f func(x, y float32) float32) error {
	a, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	b, err := s.inF32(n, 1)
	if err != nil {
		return err
	}
	out, err := binaryF32(a, b, f)
	if err != nil {
		return err
	}
	s.set(n, 0, out)
	return nil
}

func evalAdd(s *Session, n *kgf.Node) error {
	return evalBinary(s, n, func(x, y float32) float32 { return x + y })
}

func evalSub(s *Session, n *kgf.Node) error {
	return evalBinary(s, n, func(x, y float32) float32 { return x - y })
}

func evalMul(s *Session, n *kgf.Node) error {
	return evalBinary(s, n, func(x, y float32) float32 { return x * y })
}

func evalMatMul(s *Session, n *kgf.Node) error {
	a, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	b, err := s.inF32(n, 1)
	if err != nil {
		return err
	}
	if len(a.Dims) < 2 || len(b.Dims) < 2 {
		return fmt.Errorf("MatMul needs rank >= 2 operands, got %v x %v", a.Dims, b.Dims)
	}
	m, k := a.Dims[len(a.Dims)-2], a.Dims[len(a.Dims)-1]
	k2, nn := b.Dims[len(b.Dims)-2], b.Dims[len(b.Dims)-1]
	if k != k2 {
		return fmt.Errorf("MatMul inner dims differ: %v x %v", a.Dims, b.Dims)
	}
	batch, err := broadcastDims(a.Dims[:len(a.Dims)-2], b.Dims[:len(b.Dims)-2])
	if err != nil {
		return err
	}
	dims := append(append([]int(nil), batch...), m, nn)
	out := kgf.NewF32("", dims, nil)
	av, bv, ov := a.F32(), b.F32(), out.F32()

	as := bcastStrides(a.Dims[:len(a.Dims)-2], batch)
	bs := bcastStrides(b.Dims[:len(b.Dims)-2], batch)
	nb := numElements(batch)
	idx := make([]int, len(batch))
	for bi := 0; bi < nb; bi++ {
		aoff, boff := 0, 0
		for d := range idx {
			aoff += idx[d] * as[d]
			boff += idx[d] * bs[d]
		}
		am := av[aoff*m*k:]
		bm := bv[boff*k2*nn:]
		om := ov[bi*m*nn:]
		for i := 0; i < m; i++ {
			for j := 0; j < nn; j++ {
				var sum float32
				for p := 0; p < k; p++ {
					sum += am[i*k+p] * bm[p*nn+j]
				}
				om[i*nn+j] = sum
			}
		}
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < batch[d] {
				break
			}
			idx[d] = 0
		}
	}
	s.set(n, 0, out)
	return nil
}

func evalGather(s *Session, n *kgf.Node) error {
	data, err := s.in(n, 0)
	if err != nil {
		return err
	}
	ind, err := s.in(n, 1)
	if err != nil {
		return err
	}
	if ind.DType != kgf.DTypeI64 {
		return fmt.Errorf("Gather indices must be i64, got %s", ind.DType)
	}
	axis := 0
	if a, ok := n.Attr.(kgf.GatherAttrs); ok {
		axis = a.Axis
	}
	if axis < 0 {
		axis += len(data.Dims)
	}
	if axis < 0 || axis >= len(data.Dims) {
		return fmt.Errorf("Gather axis %d out of range for dims %v", axis, data.Dims)
	}
	axisDim := data.Dims[axis]
	outer := numElements(data.Dims[:axis])
	inner := numElements(data.Dims[axis+1:])
	es := data.DType.ElemSize()

	dims := append(append(append([]int(nil), data.Dims[:axis]...), ind.Dims...), data.Dims[axis+1:]...)
	out := kgf.New("", data.DType, dims)

	idxs := ind.I64()
	block := inner * es
	for o := 0; o < outer; o++ {
		for ii, raw := range idxs {
			j := int(raw)
			if j < 0 {
				j += axisDim
			}
			if j < 0 || j >= axisDim {
				return fmt.Errorf("Gather index %d out of range [0,%d)", raw, axisDim)
			}
			src := (o*axisDim + j) * block
			dst := (o*len(idxs) + ii) * block
			copy(out.Data[dst:dst+block], data.Data[src:src+block])
		}
	}
	s.set(n, 0, out)
	return nil
}

// getF returns element i of a numeric tensor as float64.
func getF(t *kgf.Tensor, i int) float64 {
	switch t.DType {
	case kgf.DTypeF32:
		return float64(t.F32()[i])
	case kgf.DTypeI64:
		return float64(t.I64()[i])
	case kgf.DTypeI32:
		return float64(t.I32()[i])
	case kgf.DTypeI8:
		return float64(t.I8()[i])
	case kgf.DTypeU8:
		return float64(t.U8()[i])
	case kgf.DTypeBool:
		if t.Data[i] != 0 {
			return 1
		}
		return 0
	}
	panic("interp: getF on " + t.DType.String())
}

// setF stores v into element i, truncating toward zero for integer dtypes.
func setF(t *kgf.Tensor, i int, v float64) {
	switch t.DType {
	case kgf.DTypeF32:
		t.F32()[i] = float32(v)
	case kgf.DTypeI64:
		t.I64()[i] = int64(v)
	case kgf.DTypeI32:
		t.I32()[i] = int32(v)
	case kgf.DTypeI8:
		t.I8()[i] = int8(v)
	case kgf.DTypeU8:
		t.U8()[i] = uint8(v)
	case kgf.DTypeBool:
		if v != 0 {
			t.Data[i] = 1
		} else {
			t.Data[i] = 0
		}
	default:
		panic("interp: setF on " + t.DType.String())
	}
}

func evalCast(s *Session, n *kgf.Node) error {
	x, err := s.in(n, 0)
	if err != nil {
		return err
	}
	attrs, ok := n.Attr.(kgf.CastAttrs)
	if !ok {
		return fmt.Errorf("Cast node missing attributes")
	}
	out := kgf.New("", attrs.To, x.Dims)
	ne := x.NumElements()
	for i := 0; i < ne; i++ {
		setF(out, i, getF(x, i))
	}
	s.set(n, 0, out)
	return nil
}

func evalReshape(s *Session, n *kgf.Node) error {
	x, err := s.in(n, 0)
	if err != nil {
		return err
	}
	shape, err := s.in(n, 1)
	if err != nil {
		return err
	}
	if shape.DType != kgf.DTypeI64 {
		return fmt.Errorf("Reshape shape must be i64, got %s", shape.DType)
	}
	req := shape.I64()
	dims := make([]int, len(req))
	infer := -1
	known := 1
	for i, d := range req {
		switch {
		case d == 0:
			if i >= len(x.Dims) {
				return fmt.Errorf("Reshape dim 0 at axis %d exceeds input rank %d", i, len(x.Dims))
			}
			dims[i] = x.Dims[i]
			known *= dims[i]
		case d == -1:
			if infer >= 0 {
				return fmt.Errorf("Reshape allows at most one -1 dim")
			}
			infer = i
		case d > 0:
			dims[i] = int(d)
			known *= dims[i]
		default:
			return fmt.Errorf("Reshape dim %d is invalid", d)
		}
	}
	total := x.NumElements()
	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return fmt.Errorf("Reshape cannot infer dim: %d elements into %v", total, req)
		}
		dims[infer] = total / known
	} else if known != total {
		return fmt.Errorf("Reshape %v has %d elements, input has %d", req, known, total)
	}
	// A reshape is a metadata change; the payload is shared.
	s.set(n, 0, &kgf.Tensor{DType: x.DType, Dims: dims, Data: x.Data})
	return nil
}

func evalTranspose(s *Session, n *kgf.Node) error {
	x, err := s.in(n, 0)
	if err != nil {
		return err
	}
	perm := []int(nil)
	if a, ok := n.Attr.(kgf.TransposeAttrs); ok {
		perm = a.Perm
	}
	rank := len(x.Dims)
	if perm == nil {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	if len(perm) != rank {
		return fmt.Errorf("Transpose perm %v does not match rank %d", perm, rank)
	}
	dims := make([]int, rank)
	for i, p := range perm {
		dims[i] = x.Dims[p]
	}
	out := kgf.New("", x.DType, dims)

	srcStrides := rowStrides(x.Dims)
	es := x.DType.ElemSize()
	idx := make([]int, rank)
	ne := out.NumElements()
	for i := 0; i < ne; i++ {
		src := 0
		for d := range idx {
			src += idx[d] * srcStrides[perm[d]]
		}
		copy(out.Data[i*es:(i+1)*es], x.Data[src*es:(src+1)*es])
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < dims[d] {
				break
			}
			idx[d] = 0
		}
	}
	s.set(n, 0, out)
	return nil
}

func evalConcat(s *Session, n *kgf.Node) error {
	attrs, ok := n.Attr.(kgf.ConcatAttrs)
	if !ok {
		return fmt.Errorf("Concat node missing attributes")
	}
	parts := make([]*kgf.Tensor, len(n.Inputs))
	for i := range n.Inputs {
		t, err := s.in(n, i)
		if err != nil {
			return err
		}
		parts[i] = t
	}
	axis := attrs.Axis
	if axis < 0 {
		axis += len(parts[0].Dims)
	}
	dims := append([]int(nil), parts[0].Dims...)
	dims[axis] = 0
	for _, p := range parts {
		if p.DType != parts[0].DType || len(p.Dims) != len(dims) {
			return fmt.Errorf("Concat operands disagree on dtype or rank")
		}
		for d := range dims {
			if d != axis && p.Dims[d] != parts[0].Dims[d] {
				return fmt.Errorf("Concat operand dims %v mismatch %v on axis %d", p.Dims, parts[0].Dims, d)
			}
		}
		dims[axis] += p.Dims[axis]
	}
	out := kgf.New("", parts[0].DType, dims)

	es := out.DType.ElemSize()
	outer := numElements(dims[:axis])
	inner := numElements(dims[axis+1:]) * es
	dstRow := dims[axis] * inner
	rowOff := 0
	for _, p := range parts {
		srcRow := p.Dims[axis] * inner
		for o := 0; o < outer; o++ {
			copy(out.Data[o*dstRow+rowOff:], p.Data[o*srcRow:(o+1)*srcRow])
		}
		rowOff += srcRow
	}
	s.set(n, 0, out)
	return nil
}

func evalSplit(s *Session, n *kgf.Node) error {
	x, err := s.in(n, 0)
	if err != nil {
		return err
	}
	attrs, ok := n.Attr.(kgf.SplitAttrs)
	if !ok {
		return fmt.Errorf("Split node missing attributes")
	}
	axis := attrs.Axis
	if axis < 0 {
		axis += len(x.Dims)
	}
	sizes := attrs.Sizes
	if len(sizes) == 0 {
		k := len(n.Outputs)
		if x.Dims[axis]%k != 0 {
			return fmt.Errorf("Split axis %d (size %d) not divisible into %d chunks", axis, x.Dims[axis], k)
		}
		sizes = make([]int, k)
		for i := range sizes {
			sizes[i] = x.Dims[axis] / k
		}
	}
	if len(sizes) != len(n.Outputs) {
		return fmt.Errorf("Split has %d sizes but %d outputs", len(sizes), len(n.Outputs))
	}
	total := 0
	for _, sz := range sizes {
		total += sz
	}
	if total != x.Dims[axis] {
		return fmt.Errorf("Split sizes %v do not sum to axis size %d", sizes, x.Dims[axis])
	}

	es := x.DType.ElemSize()
	outer := numElements(x.Dims[:axis])
	inner := numElements(x.Dims[axis+1:]) * es
	srcRow := x.Dims[axis] * inner
	rowOff := 0
	for i, sz := range sizes {
		dims := append([]int(nil), x.Dims...)
		dims[axis] = sz
		out := kgf.New("", x.DType, dims)
		chunk := sz * inner
		for o := 0; o < outer; o++ {
			copy(out.Data[o*chunk:(o+1)*chunk], x.Data[o*srcRow+rowOff:o*srcRow+rowOff+chunk])
		}
		s.set(n, i, out)
		rowOff += chunk
	}
	return nil
}

// softmaxAxis runs a numerically stable softmax over one axis, writing log
// probabilities instead when logp is set.
func softmaxAxis(x *kgf.Tensor, axis int, logp bool) (*kgf.Tensor, error) {
	if axis < 0 {
		axis += len(x.Dims)
	}
	if axis < 0 || axis >= len(x.Dims) {
		return nil, fmt.Errorf("softmax axis out of range for dims %v", x.Dims)
	}
	out := kgf.NewF32("", x.Dims, nil)
	xv, ov := x.F32(), out.F32()
	outer := numElements(x.Dims[:axis])
	k := x.Dims[axis]
	inner := numElements(x.Dims[axis+1:])
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*k*inner + in
			maxv := float32(math.Inf(-1))
			for j := 0; j < k; j++ {
				if v := xv[base+j*inner]; v > maxv {
					maxv = v
				}
			}
			var sum float64
			for j := 0; j < k; j++ {
				sum += math.Exp(float64(xv[base+j*inner] - maxv))
			}
			if logp {
				lse := float32(math.Log(sum)) + maxv
				for j := 0; j < k; j++ {
					ov[base+j*inner] = xv[base+j*inner] - lse
				}
			} else {
				inv := float32(1 / sum)
				for j := 0; j < k; j++ {
					ov[base+j*inner] = float32(math.Exp(float64(xv[base+j*inner]-maxv))) * inv
				}
			}
		}
	}
	return out, nil
}

func softmaxNodeAxis(n *kgf.Node) int {
	if a, ok := n.Attr.(kgf.SoftmaxAttrs); ok {
		return a.Axis
	}
	return -1
}

func evalSoftmax(s *Session, n *kgf.Node) error {
	x, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	out, err := softmaxAxis(x, softmaxNodeAxis(n), false)
	if err != nil {
		return err
	}
	s.set(n, 0, out)
	return nil
}

func evalLogSoftmax(s *Session, n *kgf.Node) error {
	x, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	out, err := softmaxAxis(x, softmaxNodeAxis(n), true)
	if err != nil {
		return err
	}
	s.set(n, 0, out)
	return nil
}

// gelu is the tanh approximation used by GPT-2.
func gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v))))
}

func evalGelu(s *Session, n *kgf.Node) error {
	x, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	out := kgf.NewF32("", x.Dims, nil)
	xv, ov := x.F32(), out.F32()
	for i, v := range xv {
		ov[i] = gelu(v)
	}
	s.set(n, 0, out)
	return nil
}

func evalLayerNorm(s *Session, n *kgf.Node) error {
	x, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	scale, err := s.inF32(n, 1)
	if err != nil {
		return err
	}
	bias, err := s.inF32(n, 2)
	if err != nil {
		return err
	}
	eps := float32(1e-5)
	if a, ok := n.Attr.(kgf.LayerNormAttrs); ok && a.Epsilon > 0 {
		eps = a.Epsilon
	}
	h := x.Dims[len(x.Dims)-1]
	if scale.NumElements() != h || bias.NumElements() != h {
		return fmt.Errorf("LayerNormalization scale/bias length must equal last dim %d", h)
	}
	out := kgf.NewF32("", x.Dims, nil)
	xv, ov := x.F32(), out.F32()
	sv, bv := scale.F32(), bias.F32()
	rows := x.NumElements() / h
	for r := 0; r < rows; r++ {
		row := xv[r*h : (r+1)*h]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(h)
		var varsum float64
		for _, v := range row {
			d := float64(v) - mean
			varsum += d * d
		}
		inv := 1 / math.Sqrt(varsum/float64(h)+float64(eps))
		orow := ov[r*h : (r+1)*h]
		for i, v := range row {
			orow[i] = float32((float64(v)-mean)*inv)*sv[i] + bv[i]
		}
	}
	s.set(n, 0, out)
	return nil
}
