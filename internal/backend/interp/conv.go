package interp

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/quantize"
	"github.com/samcharles93/kiln/pkg/kgf"
)

// convGeom is the resolved spatial configuration of a convolution.
type convGeom struct {
	strides   []int
	padsBegin []int
	padsEnd   []int
	dilations []int
	group     int
	outDims   []int
}

// resolveConv fills in operator defaults and computes the output spatial dims
// for an input of dims x (N, C, spatial...) and kernel dims w (M, C/g,
// kernel...).
func resolveConv(attr any, x, w []int) (convGeom, error) {
	rank := len(x) - 2
	if rank < 1 || len(w) != len(x) {
		return convGeom{}, fmt.Errorf("conv wants matching ranks with at least one spatial dim, got %v and %v", x, w)
	}
	g := convGeom{
		strides:   make([]int, rank),
		padsBegin: make([]int, rank),
		padsEnd:   make([]int, rank),
		dilations: make([]int, rank),
		group:     1,
	}
	for i := 0; i < rank; i++ {
		g.strides[i] = 1
		g.dilations[i] = 1
	}
	if a, ok := attr.(kgf.ConvAttrs); ok {
		if len(a.Strides) > 0 {
			if len(a.Strides) != rank {
				return convGeom{}, fmt.Errorf("conv strides %v do not match spatial rank %d", a.Strides, rank)
			}
			copy(g.strides, a.Strides)
		}
		if len(a.Pads) > 0 {
			if len(a.Pads) != 2*rank {
				return convGeom{}, fmt.Errorf("conv pads %v do not match spatial rank %d", a.Pads, rank)
			}
			copy(g.padsBegin, a.Pads[:rank])
			copy(g.padsEnd, a.Pads[rank:])
		}
		if len(a.Dilations) > 0 {
			if len(a.Dilations) != rank {
				return convGeom{}, fmt.Errorf("conv dilations %v do not match spatial rank %d", a.Dilations, rank)
			}
			copy(g.dilations, a.Dilations)
		}
		if a.Group > 0 {
			g.group = a.Group
		}
	}
	if x[1]%g.group != 0 || w[0]%g.group != 0 {
		return convGeom{}, fmt.Errorf("conv group %d does not divide channels %d/%d", g.group, x[1], w[0])
	}
	if w[1] != x[1]/g.group {
		return convGeom{}, fmt.Errorf("conv kernel channels %d do not match input %d/group %d", w[1], x[1], g.group)
	}
	g.outDims = make([]int, rank)
	for i := 0; i < rank; i++ {
		span := g.dilations[i]*(w[2+i]-1) + 1
		o := (x[2+i]+g.padsBegin[i]+g.padsEnd[i]-span)/g.strides[i] + 1
		if o <= 0 {
			return convGeom{}, fmt.Errorf("conv output dim %d is non-positive for input %v kernel %v", i, x, w)
		}
		g.outDims[i] = o
	}
	return g, nil
}

// convAccum walks every (batch, output channel, output position) and calls
// acc with the flat input and weight element offsets of each contributing
// pair plus the output channel; out-of-bounds taps (padding) are skipped.
// done is called once per output element with its flat offset and channel.
func convAccum(x, w []int, g convGeom,
	acc func(xi, wi, channel int),
	done func(oi, channel int),
) {
	rank := len(x) - 2
	batch, inC := x[0], x[1]
	outC := w[0]
	cPerG, mPerG := inC/g.group, outC/g.group

	xSp := rowStrides(x[2:])
	wSp := rowStrides(w[2:])
	oSp := rowStrides(g.outDims)
	xChan := numElements(x[2:])
	wChan := numElements(w[2:])
	oChan := numElements(g.outDims)
	kTaps := wChan

	oIdx := make([]int, rank)
	kIdx := make([]int, rank)
	for n := 0; n < batch; n++ {
		for m := 0; m < outC; m++ {
			grp := m / mPerG
			for i := range oIdx {
				oIdx[i] = 0
			}
			for op := 0; op < oChan; op++ {
				for c := 0; c < cPerG; c++ {
					xBase := (n*inC + grp*cPerG + c) * xChan
					wBase := (m*cPerG + c) * wChan
					for i := range kIdx {
						kIdx[i] = 0
					}
					for kt := 0; kt < kTaps; kt++ {
						inBounds := true
						xi := xBase
						for d := 0; d < rank; d++ {
							p := oIdx[d]*g.strides[d] + kIdx[d]*g.dilations[d] - g.padsBegin[d]
							if p < 0 || p >= x[2+d] {
								inBounds = false
								break
							}
							xi += p * xSp[d]
						}
						if inBounds {
							wi := wBase
							for d := 0; d < rank; d++ {
								wi += kIdx[d] * wSp[d]
							}
							acc(xi, wi, m)
						}
						for d := rank - 1; d >= 0; d-- {
							kIdx[d]++
							if kIdx[d] < w[2+d] {
								break
							}
							kIdx[d] = 0
						}
					}
				}
				oi := (n*outC+m)*oChan + 0
				for d := 0; d < rank; d++ {
					oi += oIdx[d] * oSp[d]
				}
				done(oi, m)
				for d := rank - 1; d >= 0; d-- {
					oIdx[d]++
					if oIdx[d] < g.outDims[d] {
						break
					}
					oIdx[d] = 0
				}
			}
		}
	}
}

func evalConv(s *Session, n *kgf.Node) error {
	x, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	w, err := s.inF32(n, 1)
	if err != nil {
		return err
	}
	var bias []float32
	if len(n.Inputs) > 2 && n.Inputs[2] != "" {
		b, err := s.inF32(n, 2)
		if err != nil {
			return err
		}
		if b.NumElements() != w.Dims[0] {
			return fmt.Errorf("Conv bias length %d does not match output channels %d", b.NumElements(), w.Dims[0])
		}
		bias = b.F32()
	}
	g, err := resolveConv(n.Attr, x.Dims, w.Dims)
	if err != nil {
		return err
	}
	dims := append([]int{x.Dims[0], w.Dims[0]}, g.outDims...)
	out := kgf.NewF32("", dims, nil)
	xv, wv, ov := x.F32(), w.F32(), out.F32()
	var sum float32
	convAccum(x.Dims, w.Dims, g,
		func(xi, wi, _ int) { sum += xv[xi] * wv[wi] },
		func(oi, channel int) {
			if bias != nil {
				sum += bias[channel]
			}
			ov[oi] = sum
			sum = 0
		})
	s.set(n, 0, out)
	return nil
}

// q8At reads an int8 or uint8 tensor element widened to int32.
func q8At(t *kgf.Tensor, i int) int32 {
	if t.DType == kgf.DTypeI8 {
		return int32(int8(t.Data[i]))
	}
	return int32(t.Data[i])
}

func is8Bit(t *kgf.Tensor) bool {
	return t.DType == kgf.DTypeI8 || t.DType == kgf.DTypeU8
}

// scalarZP reads a per-tensor zero point; a nil tensor means zero.
func scalarZP(t *kgf.Tensor) (int32, error) {
	if t == nil {
		return 0, nil
	}
	if t.NumElements() != 1 {
		return 0, fmt.Errorf("zero point %q must be a scalar", t.Name)
	}
	switch t.DType {
	case kgf.DTypeI8, kgf.DTypeU8:
		return q8At(t, 0), nil
	case kgf.DTypeI32:
		return t.I32()[0], nil
	}
	return 0, fmt.Errorf("zero point %q has dtype %s", t.Name, t.DType)
}

// optIn resolves an optional input, returning nil when absent.
func (s *Session) optIn(n *kgf.Node, i int) (*kgf.Tensor, error) {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil, nil
	}
	return s.in(n, i)
}

// channelZP returns a reader for a zero point that is either a scalar or one
// value per output channel.
func channelZP(t *kgf.Tensor, channels int) (func(c int) int32, error) {
	if t == nil {
		return func(int) int32 { return 0 }, nil
	}
	if !is8Bit(t) && t.DType != kgf.DTypeI32 {
		return nil, fmt.Errorf("zero point %q has dtype %s", t.Name, t.DType)
	}
	at := func(i int) int32 {
		if t.DType == kgf.DTypeI32 {
			return t.I32()[i]
		}
		return q8At(t, i)
	}
	switch t.NumElements() {
	case 1:
		v := at(0)
		return func(int) int32 { return v }, nil
	case channels:
		return func(c int) int32 { return at(c) }, nil
	}
	return nil, fmt.Errorf("zero point %q has %d values, want 1 or %d", t.Name, t.NumElements(), channels)
}

// channelScale returns a reader for a per-tensor or per-channel scale.
func channelScale(t *kgf.Tensor, channels int) (func(c int) float32, error) {
	if t.DType != kgf.DTypeF32 {
		return nil, fmt.Errorf("scale %q has dtype %s", t.Name, t.DType)
	}
	sv := t.F32()
	switch len(sv) {
	case 1:
		v := sv[0]
		return func(int) float32 { return v }, nil
	case channels:
		return func(c int) float32 { return sv[c] }, nil
	}
	return nil, fmt.Errorf("scale %q has %d values, want 1 or %d", t.Name, len(sv), channels)
}

func evalConvInteger(s *Session, n *kgf.Node) error {
	x, err := s.in(n, 0)
	if err != nil {
		return err
	}
	w, err := s.in(n, 1)
	if err != nil {
		return err
	}
	if !is8Bit(x) || !is8Bit(w) {
		return fmt.Errorf("ConvInteger operands must be 8-bit, got %s and %s", x.DType, w.DType)
	}
	xzpT, err := s.optIn(n, 2)
	if err != nil {
		return err
	}
	wzpT, err := s.optIn(n, 3)
	if err != nil {
		return err
	}
	xzp, err := scalarZP(xzpT)
	if err != nil {
		return err
	}
	wzp, err := channelZP(wzpT, w.Dims[0])
	if err != nil {
		return err
	}
	g, err := resolveConv(n.Attr, x.Dims, w.Dims)
	if err != nil {
		return err
	}
	dims := append([]int{x.Dims[0], w.Dims[0]}, g.outDims...)
	out := kgf.New("", kgf.DTypeI32, dims)
	ov := out.I32()
	var sum int32
	convAccum(x.Dims, w.Dims, g,
		func(xi, wi, channel int) { sum += (q8At(x, xi) - xzp) * (q8At(w, wi) - wzp(channel)) },
		func(oi, _ int) {
			ov[oi] = sum
			sum = 0
		})
	s.set(n, 0, out)
	return nil
}

func evalQLinearConv(s *Session, n *kgf.Node) error {
	x, err := s.in(n, 0)
	if err != nil {
		return err
	}
	xScaleT, err := s.in(n, 1)
	if err != nil {
		return err
	}
	xzpT, err := s.in(n, 2)
	if err != nil {
		return err
	}
	w, err := s.in(n, 3)
	if err != nil {
		return err
	}
	wScaleT, err := s.in(n, 4)
	if err != nil {
		return err
	}
	wzpT, err := s.in(n, 5)
	if err != nil {
		return err
	}
	yScaleT, err := s.in(n, 6)
	if err != nil {
		return err
	}
	yzpT, err := s.in(n, 7)
	if err != nil {
		return err
	}
	biasT, err := s.optIn(n, 8)
	if err != nil {
		return err
	}
	if !is8Bit(x) || !is8Bit(w) {
		return fmt.Errorf("QLinearConv operands must be 8-bit, got %s and %s", x.DType, w.DType)
	}

	outC := w.Dims[0]
	xScale, err := channelScale(xScaleT, 1)
	if err != nil {
		return err
	}
	wScale, err := channelScale(wScaleT, outC)
	if err != nil {
		return err
	}
	yScale, err := channelScale(yScaleT, 1)
	if err != nil {
		return err
	}
	xzp, err := scalarZP(xzpT)
	if err != nil {
		return err
	}
	wzp, err := channelZP(wzpT, outC)
	if err != nil {
		return err
	}
	yzp, err := scalarZP(yzpT)
	if err != nil {
		return err
	}
	var bias []int32
	if biasT != nil {
		if biasT.DType != kgf.DTypeI32 {
			return fmt.Errorf("QLinearConv bias must be i32, got %s", biasT.DType)
		}
		if biasT.NumElements() != outC {
			return fmt.Errorf("QLinearConv bias length %d does not match output channels %d", biasT.NumElements(), outC)
		}
		bias = biasT.I32()
	}

	g, err := resolveConv(n.Attr, x.Dims, w.Dims)
	if err != nil {
		return err
	}
	dims := append([]int{x.Dims[0], outC}, g.outDims...)
	out := kgf.New("", yzpT.DType, dims)
	if !is8Bit(out) {
		return fmt.Errorf("QLinearConv output zero point must be 8-bit, got %s", yzpT.DType)
	}
	qt := quantize.QUInt8
	if out.DType == kgf.DTypeI8 {
		qt = quantize.QInt8
	}

	var sum int32
	convAccum(x.Dims, w.Dims, g,
		func(xi, wi, channel int) { sum += (q8At(x, xi) - xzp) * (q8At(w, wi) - wzp(channel)) },
		func(oi, channel int) {
			if bias != nil {
				sum += bias[channel]
			}
			v := float32(sum) * xScale(0) * wScale(channel)
			q := quantize.QuantizeValue(v, quantize.Params{Scale: yScale(0), ZeroPoint: yzp}, qt)
			if out.DType == kgf.DTypeI8 {
				out.Data[oi] = byte(int8(q))
			} else {
				out.Data[oi] = byte(uint8(q))
			}
			sum = 0
		})
	s.set(n, 0, out)
	return nil
}

func evalQuantizeLinear(s *Session, n *kgf.Node) error {
	x, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	scaleT, err := s.in(n, 1)
	if err != nil {
		return err
	}
	zpT, err := s.optIn(n, 2)
	if err != nil {
		return err
	}
	dtype := kgf.DTypeU8
	if zpT != nil {
		if !is8Bit(zpT) {
			return fmt.Errorf("QuantizeLinear zero point must be 8-bit, got %s", zpT.DType)
		}
		dtype = zpT.DType
	}
	qt := quantize.QUInt8
	if dtype == kgf.DTypeI8 {
		qt = quantize.QInt8
	}
	axis := quantAxis(n)

	out := kgf.New("", dtype, x.Dims)
	xv := x.F32()
	write := func(i int, q int32) {
		if dtype == kgf.DTypeI8 {
			out.Data[i] = byte(int8(q))
		} else {
			out.Data[i] = byte(uint8(q))
		}
	}
	if axis < 0 || scaleT.NumElements() == 1 {
		p := quantize.Params{Scale: scaleT.F32()[0]}
		if zpT != nil {
			p.ZeroPoint = q8At(zpT, 0)
		}
		for i, v := range xv {
			write(i, quantize.QuantizeValue(v, p, qt))
		}
	} else {
		params, err := channelParams(x.Dims, axis, scaleT, zpT)
		if err != nil {
			return err
		}
		forEachChannel(x.Dims, axis, func(i, c int) {
			write(i, quantize.QuantizeValue(xv[i], params[c], qt))
		})
	}
	s.set(n, 0, out)
	return nil
}

func evalDequantizeLinear(s *Session, n *kgf.Node) error {
	x, err := s.in(n, 0)
	if err != nil {
		return err
	}
	scaleT, err := s.in(n, 1)
	if err != nil {
		return err
	}
	zpT, err := s.optIn(n, 2)
	if err != nil {
		return err
	}
	if !is8Bit(x) && x.DType != kgf.DTypeI32 {
		return fmt.Errorf("DequantizeLinear input must be 8-bit or i32, got %s", x.DType)
	}
	at := func(i int) int32 {
		if x.DType == kgf.DTypeI32 {
			return x.I32()[i]
		}
		return q8At(x, i)
	}
	axis := quantAxis(n)

	out := kgf.NewF32("", x.Dims, nil)
	ov := out.F32()
	ne := x.NumElements()
	if axis < 0 || scaleT.NumElements() == 1 {
		p := quantize.Params{Scale: scaleT.F32()[0]}
		if zpT != nil {
			zp, err := scalarZP(zpT)
			if err != nil {
				return err
			}
			p.ZeroPoint = zp
		}
		for i := 0; i < ne; i++ {
			ov[i] = quantize.DequantizeValue(at(i), p)
		}
	} else {
		params, err := channelParams(x.Dims, axis, scaleT, zpT)
		if err != nil {
			return err
		}
		forEachChannel(x.Dims, axis, func(i, c int) {
			ov[i] = quantize.DequantizeValue(at(i), params[c])
		})
	}
	s.set(n, 0, out)
	return nil
}

// evalDynamicQuantizeLinear derives uint8 parameters from the input's own
// range and emits the quantized tensor plus the scale and zero point.
func evalDynamicQuantizeLinear(s *Session, n *kgf.Node) error {
	x, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	if len(n.Outputs) != 3 {
		return fmt.Errorf("DynamicQuantizeLinear needs 3 outputs, got %d", len(n.Outputs))
	}
	xv := x.F32()
	data, p := quantize.QuantizeTensor(xv, quantize.QUInt8)
	out := kgf.NewU8("", x.Dims, data)
	s.set(n, 0, out)
	s.set(n, 1, kgf.ScalarF32("", p.Scale))
	s.set(n, 2, kgf.NewU8("", nil, []uint8{uint8(p.ZeroPoint)}))
	return nil
}

func quantAxis(n *kgf.Node) int {
	if a, ok := n.Attr.(kgf.QuantAttrs); ok {
		return a.Axis
	}
	return -1
}

// channelParams expands a per-channel scale (and optional zero point) into one
// Params per element of the given axis.
func channelParams(dims []int, axis int, scaleT, zpT *kgf.Tensor) ([]quantize.Params, error) {
	if axis < 0 || axis >= len(dims) {
		return nil, fmt.Errorf("channel axis %d out of range for dims %v", axis, dims)
	}
	k := dims[axis]
	sv := scaleT.F32()
	if len(sv) != k {
		return nil, fmt.Errorf("scale %q has %d values, axis %d has %d", scaleT.Name, len(sv), axis, k)
	}
	params := make([]quantize.Params, k)
	for c := range params {
		params[c].Scale = sv[c]
	}
	if zpT != nil {
		zp, err := channelZP(zpT, k)
		if err != nil {
			return nil, err
		}
		for c := range params {
			params[c].ZeroPoint = zp(c)
		}
	}
	return params, nil
}

// forEachChannel visits every flat element index together with its coordinate
// along the given axis.
func forEachChannel(dims []int, axis int, f func(i, c int)) {
	outer := numElements(dims[:axis])
	k := dims[axis]
	inner := numElements(dims[axis+1:])
	i := 0
	for o := 0; o < outer; o++ {
		for c := 0; c < k; c++ {
			for in := 0; in < inner; in++ {
				f(i, c)
				i++
			}
		}
	}
}
