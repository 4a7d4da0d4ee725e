package quantize

import (
	"math"
	"testing"
)

func TestChooseParamsWidensToZero(t *testing.T) {
	// A strictly positive range must still quantize zero exactly.
	p := ChooseParams(2, 10, QUInt8)
	if got := DequantizeValue(p.ZeroPoint, p); got != 0 {
		t.Fatalf("zero dequantizes to %v", got)
	}
	p = ChooseParams(-10, -2, QInt8)
	if got := DequantizeValue(p.ZeroPoint, p); got != 0 {
		t.Fatalf("zero dequantizes to %v", got)
	}
}

func TestChooseParamsDegenerateRange(t *testing.T) {
	p := ChooseParams(0, 0, QUInt8)
	if p.Scale != 1 || p.ZeroPoint != 0 {
		t.Fatalf("degenerate params %+v", p)
	}
	p = ChooseParams(0, 0, QInt8)
	if p.Scale != 1 || p.ZeroPoint != -128 {
		t.Fatalf("degenerate params %+v", p)
	}
}

func TestQuantizeValueSaturates(t *testing.T) {
	p := Params{Scale: 1, ZeroPoint: 0}
	if q := QuantizeValue(1000, p, QInt8); q != 127 {
		t.Fatalf("high clamp %d, want 127", q)
	}
	if q := QuantizeValue(-1000, p, QInt8); q != -128 {
		t.Fatalf("low clamp %d, want -128", q)
	}
	if q := QuantizeValue(-1, p, QUInt8); q != 0 {
		t.Fatalf("uint8 low clamp %d, want 0", q)
	}
	if q := QuantizeValue(300, p, QUInt8); q != 255 {
		t.Fatalf("uint8 high clamp %d, want 255", q)
	}
}

func TestQuantizeValueRoundsHalfAwayFromZero(t *testing.T) {
	p := Params{Scale: 1, ZeroPoint: 0}
	tests := []struct {
		x    float32
		want int32
	}{
		{0.5, 1},
		{1.5, 2},
		{-0.5, -1},
		{-1.5, -2},
		{2.4, 2},
	}
	for _, tt := range tests {
		if q := QuantizeValue(tt.x, p, QInt8); q != tt.want {
			t.Fatalf("quantize(%v) = %d, want %d", tt.x, q, tt.want)
		}
	}
}

func TestQuantizeDequantizeOnGridIsExact(t *testing.T) {
	// Power-of-two scale, on-grid values: the round trip is bit exact.
	p := Params{Scale: 0.25, ZeroPoint: 3}
	vals := []float32{-2, -0.75, 0, 0.25, 1.5, 12}
	for _, v := range vals {
		q := QuantizeValue(v, p, QInt8)
		if got := DequantizeValue(q, p); got != v {
			t.Fatalf("round trip of %v gave %v (q=%d)", v, got, q)
		}
	}
}

func TestQuantizeTensorPerChannelCounts(t *testing.T) {
	// [3, 2, 1, 1] weight: exactly one scale and zero point per channel.
	dims := []int{3, 2, 1, 1}
	vals := []float32{
		-1, 1,
		0, 4,
		-8, -2,
	}
	data, scales, zps := QuantizeTensorPerChannel(vals, dims, QInt8)
	if len(scales) != 3 || len(zps) != 3 {
		t.Fatalf("got %d scales, %d zero points, want 3 each", len(scales), len(zps))
	}
	if len(data) != len(vals) {
		t.Fatalf("payload %d bytes, want %d", len(data), len(vals))
	}
	// Channel ranges differ, so channel params must differ too.
	if scales[0] == scales[2] {
		t.Fatalf("distinct channel ranges share scale %v", scales[0])
	}
	for c := 0; c < 3; c++ {
		p := Params{Scale: scales[c], ZeroPoint: zps[c]}
		for i := c * 2; i < (c+1)*2; i++ {
			got := DequantizeValue(int32(int8(data[i])), p)
			if diff := math.Abs(float64(got - vals[i])); diff > float64(scales[c]) {
				t.Fatalf("channel %d element %d: %v vs %v exceeds one step %v", c, i, got, vals[i], scales[c])
			}
		}
	}
}

func TestQuantizeBiasBroadcastAndSaturation(t *testing.T) {
	got := QuantizeBias([]float32{1, -2, 0.5}, []float32{0.5})
	want := []int32{2, -4, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bias[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	got = QuantizeBias([]float32{1, 1}, []float32{0.5, 0.25})
	if got[0] != 2 || got[1] != 4 {
		t.Fatalf("per-channel bias %v, want [2 4]", got)
	}
	big := QuantizeBias([]float32{1e30}, []float32{1e-10})
	if big[0] != math.MaxInt32 {
		t.Fatalf("overflowing bias %d, want %d", big[0], int32(math.MaxInt32))
	}
}

func TestQuantTypeProperties(t *testing.T) {
	if lo, hi := QInt8.Range(); lo != -128 || hi != 127 {
		t.Fatalf("int8 range [%d,%d]", lo, hi)
	}
	if lo, hi := QUInt8.Range(); lo != 0 || hi != 255 {
		t.Fatalf("uint8 range [%d,%d]", lo, hi)
	}
	if QInt8.String() != "int8" || QUInt8.String() != "uint8" {
		t.Fatalf("names %q/%q", QInt8.String(), QUInt8.String())
	}
}
