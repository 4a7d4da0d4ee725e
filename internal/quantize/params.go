package quantize

import (
	"math"

	"github.com/samcharles93/kiln/pkg/kgf"
)

// QuantType selects the 8-bit integer representation of quantized values.
type QuantType uint8

const (
	QInt8 QuantType = iota
	QUInt8
)

func (q QuantType) String() string {
	if q == QInt8 {
		return "int8"
	}
	return "uint8"
}

// DType returns the storage dtype for the quant type.
func (q QuantType) DType() kgf.DType {
	if q == QInt8 {
		return kgf.DTypeI8
	}
	return kgf.DTypeU8
}

// Range returns the inclusive representable range.
func (q QuantType) Range() (lo, hi int32) {
	if q == QInt8 {
		return -128, 127
	}
	return 0, 255
}

// Params is one (scale, zero point) pair. The zero point is stored widened;
// its effective width and signedness follow the tensor's quantized dtype.
type Params struct {
	Scale     float32
	ZeroPoint int32
}

// ChooseParams derives asymmetric linear quantization parameters covering
// [min, max]. The range is widened to include zero so that zero quantizes
// exactly, which keeps padding regions bit-exact.
func ChooseParams(min, max float32, qt QuantType) Params {
	if min > 0 {
		min = 0
	}
	if max < 0 {
		max = 0
	}
	lo, hi := qt.Range()
	scale := (float64(max) - float64(min)) / float64(hi-lo)
	if scale == 0 {
		return Params{Scale: 1, ZeroPoint: lo}
	}
	zp := int32(math.Round(float64(lo) - float64(min)/scale))
	return Params{Scale: float32(scale), ZeroPoint: clampI32(zp, lo, hi)}
}

// QuantizeValue applies q = round(x/scale) + zeroPoint with saturation.
func QuantizeValue(x float32, p Params, qt QuantType) int32 {
	lo, hi := qt.Range()
	q := int32(math.Round(float64(x)/float64(p.Scale))) + p.ZeroPoint
	return clampI32(q, lo, hi)
}

// DequantizeValue inverts QuantizeValue (up to rounding error).
func DequantizeValue(q int32, p Params) float32 {
	return float32(q-p.ZeroPoint) * p.Scale
}

// QuantizeSlice quantizes values with shared params into a raw 8-bit payload
// matching qt's storage dtype.
func QuantizeSlice(values []float32, p Params, qt QuantType) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		q := QuantizeValue(v, p, qt)
		if qt == QInt8 {
			out[i] = byte(int8(q))
		} else {
			out[i] = byte(uint8(q))
		}
	}
	return out
}

// QuantizeTensor computes per-tensor params from the data range and quantizes.
func QuantizeTensor(values []float32, qt QuantType) ([]byte, Params) {
	min, max := minMax(values)
	p := ChooseParams(min, max, qt)
	return QuantizeSlice(values, p, qt), p
}

// QuantizeTensorPerChannel quantizes along axis 0: one (scale, zero point)
// pair per output channel. values has dims layout with the channel dimension
// outermost (convolution weights are [C_out, C_in/group, kH, kW]).
func QuantizeTensorPerChannel(values []float32, dims []int, qt QuantType) (data []byte, scales []float32, zeroPoints []int32) {
	channels := dims[0]
	per := len(values) / channels
	data = make([]byte, len(values))
	scales = make([]float32, channels)
	zeroPoints = make([]int32, channels)
	for c := 0; c < channels; c++ {
		slice := values[c*per : (c+1)*per]
		min, max := minMax(slice)
		p := ChooseParams(min, max, qt)
		scales[c] = p.Scale
		zeroPoints[c] = p.ZeroPoint
		copy(data[c*per:], QuantizeSlice(slice, p, qt))
	}
	return data, scales, zeroPoints
}

// QuantizeBias quantizes a bias vector symmetrically into int32 with zero
// point 0. scales holds one derived scale (input scale x weight scale) per
// channel; a single-element slice is broadcast.
func QuantizeBias(values []float32, scales []float32) []int32 {
	out := make([]int32, len(values))
	for i, v := range values {
		s := scales[0]
		if len(scales) > 1 {
			s = scales[i]
		}
		q := int64(math.Round(float64(v) / float64(s)))
		if q > math.MaxInt32 {
			q = math.MaxInt32
		}
		if q < math.MinInt32 {
			q = math.MinInt32
		}
		out[i] = int32(q)
	}
	return out
}

func minMax(values []float32) (min, max float32) {
	if len(values) == 0 {
		return 0, 0
	}
	min, max = values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func clampI32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
