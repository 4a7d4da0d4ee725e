package quantize_test

import (
	"errors"
	"testing"

	"github.com/samcharles93/kiln/internal/backend/interp"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/quantize"
	"github.com/samcharles93/kiln/pkg/kgf"
)

// convGraph is a 1x1x2x2 convolution with every value on the calibration
// grid: x multiples of 0.5, w multiples of 0.25, bias a multiple of their
// product. With power-of-two scales the quantized rewrites reproduce the
// float output bit for bit.
func convGraph(withBias bool) *kgf.Graph {
	g := kgf.NewGraph("toy")
	g.Inputs = []kgf.ValueInfo{
		{Name: "x", DType: kgf.DTypeF32, Dims: []int{1, 1, 2, 2}},
	}
	g.Outputs = []kgf.ValueInfo{
		{Name: "y", DType: kgf.DTypeF32, Dims: []int{1, 1, 1, 1}},
	}
	g.AddInitializer(kgf.NewF32("w", []int{1, 1, 2, 2}, []float32{0.25, -0.25, 0.5, 0.5}))
	inputs := []string{"x", "w"}
	if withBias {
		g.AddInitializer(kgf.NewF32("b", []int{1}, []float32{0.125}))
		inputs = append(inputs, "b")
	}
	g.AddNode(&kgf.Node{
		Name: "conv", Op: "Conv",
		Inputs: inputs, Outputs: []string{"y"},
		Attr: kgf.ConvAttrs{Group: 1},
	})
	return g
}

func passOptions(mode quantize.Mode, params map[string]quantize.Params) quantize.Options {
	return quantize.Options{
		Mode:           mode,
		ActivationType: quantize.QUInt8,
		WeightType:     quantize.QInt8,
		Params:         params,
		Logger:         logger.Discard(),
	}
}

func calibration() map[string]quantize.Params {
	return map[string]quantize.Params{
		"x": {Scale: 0.5, ZeroPoint: 0},
		"w": {Scale: 0.25, ZeroPoint: 0},
		"y": {Scale: 0.125, ZeroPoint: 128},
	}
}

func xFeed() map[string]*kgf.Tensor {
	return map[string]*kgf.Tensor{
		"x": kgf.NewF32("x", []int{1, 1, 2, 2}, []float32{0.5, 1, 1.5, 2}),
	}
}

func runGraph(t *testing.T, g *kgf.Graph, feeds map[string]*kgf.Tensor) []float32 {
	t.Helper()
	s, err := interp.New(g)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	outs, err := s.Run(feeds)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return outs[0].F32()
}

func countOps(g *kgf.Graph) map[string]int {
	ops := make(map[string]int)
	for _, n := range g.Nodes {
		ops[n.Op]++
	}
	return ops
}

func TestQLinearConvRewriteStructure(t *testing.T) {
	src := convGraph(true)
	out, err := quantize.New(src, passOptions(quantize.ModeQLinear, calibration())).Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !quantize.IsQuantizedGraph(out) {
		t.Fatalf("producer %q", out.Producer)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("rewritten graph invalid: %v", err)
	}
	ops := countOps(out)
	if ops["Conv"] != 0 || ops["QLinearConv"] != 1 || ops["QuantizeLinear"] != 1 || ops["DequantizeLinear"] != 1 {
		t.Fatalf("op histogram %v", ops)
	}

	fused := out.FindNode("conv_quant")
	if fused == nil || fused.Op != "QLinearConv" {
		t.Fatalf("fused node missing")
	}
	if len(fused.Inputs) != 9 {
		t.Fatalf("fused inputs %v, want 9 with bias", fused.Inputs)
	}
	wantIn := []string{
		"x_quantized", "x_scale", "x_zero_point",
		"w_quantized", "w_scale", "w_zero_point",
		"y_scale", "y_zero_point", "b_quantized",
	}
	for i, name := range wantIn {
		if fused.Inputs[i] != name {
			t.Fatalf("fused input %d = %q, want %q", i, fused.Inputs[i], name)
		}
	}
	if fused.Outputs[0] != "y_quantized" {
		t.Fatalf("fused output %q", fused.Outputs[0])
	}

	wq, ok := out.Initializer("w_quantized")
	if !ok || wq.DType != kgf.DTypeI8 {
		t.Fatalf("w_quantized missing or wrong dtype")
	}
	if bq, ok := out.Initializer("b_quantized"); !ok || bq.DType != kgf.DTypeI32 {
		t.Fatalf("b_quantized missing or wrong dtype")
	}
	if zp, ok := out.Initializer("y_zero_point"); !ok || zp.DType != kgf.DTypeU8 || zp.U8()[0] != 128 {
		t.Fatalf("y_zero_point wrong: %v", zp)
	}
}

func TestQLinearConvExactRoundTrip(t *testing.T) {
	src := convGraph(true)
	want := runGraph(t, src, xFeed())

	out, err := quantize.New(src, passOptions(quantize.ModeQLinear, calibration())).Run()
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	got := runGraph(t, out, xFeed())
	if len(got) != len(want) {
		t.Fatalf("output length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("y[%d] = %v, want exactly %v", i, got[i], want[i])
		}
	}
	if want[0] != 1.75 {
		t.Fatalf("float conv produced %v, expected 1.75 from the fixture", want[0])
	}
}

func TestConvIntegerExactRoundTrip(t *testing.T) {
	for _, withBias := range []bool{false, true} {
		src := convGraph(withBias)
		want := runGraph(t, src, xFeed())

		out, err := quantize.New(src, passOptions(quantize.ModeConvInteger, calibration())).Run()
		if err != nil {
			t.Fatalf("bias=%v: quantize: %v", withBias, err)
		}
		if err := out.Validate(); err != nil {
			t.Fatalf("bias=%v: invalid graph: %v", withBias, err)
		}
		ops := countOps(out)
		if ops["ConvInteger"] != 1 || ops["Cast"] != 1 || ops["Mul"] != 2 {
			t.Fatalf("bias=%v: op histogram %v", withBias, ops)
		}
		if withBias && (ops["Reshape"] != 1 || ops["Add"] != 1) {
			t.Fatalf("bias add subgraph missing: %v", ops)
		}
		got := runGraph(t, out, xFeed())
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("bias=%v: y[%d] = %v, want exactly %v", withBias, i, got[i], want[i])
			}
		}
	}
}

func TestConvIntegerDynamicActivation(t *testing.T) {
	// Without calibration for x, convinteger mode falls back to runtime
	// parameter derivation. The result is close, not exact.
	src := convGraph(false)
	want := runGraph(t, src, xFeed())

	out, err := quantize.New(src, passOptions(quantize.ModeConvInteger,
		map[string]quantize.Params{"w": {Scale: 0.25}})).Run()
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if countOps(out)["DynamicQuantizeLinear"] != 1 {
		t.Fatalf("dynamic quantize node missing: %v", countOps(out))
	}
	got := runGraph(t, out, xFeed())
	// One quantization step of x (2/255) times the weight magnitudes bounds
	// the error well below 0.05 here.
	if diff := got[0] - want[0]; diff > 0.05 || diff < -0.05 {
		t.Fatalf("y = %v, want %v within 0.05", got[0], want[0])
	}
}

func TestConvIntegerMemoizesSharedInputs(t *testing.T) {
	// Two unnamed convs sharing data and weight: the pass must emit one
	// dynamic quantize, one quantized weight and one scale multiply.
	g := kgf.NewGraph("shared")
	g.Inputs = []kgf.ValueInfo{{Name: "x", DType: kgf.DTypeF32, Dims: []int{1, 1, 2, 2}}}
	g.Outputs = []kgf.ValueInfo{
		{Name: "y1", DType: kgf.DTypeF32, Dims: []int{1, 1, 1, 1}},
		{Name: "y2", DType: kgf.DTypeF32, Dims: []int{1, 1, 1, 1}},
	}
	g.AddInitializer(kgf.NewF32("w", []int{1, 1, 2, 2}, []float32{0.25, -0.25, 0.5, 0.5}))
	g.AddNode(&kgf.Node{Op: "Conv", Inputs: []string{"x", "w"}, Outputs: []string{"y1"}})
	g.AddNode(&kgf.Node{Op: "Conv", Inputs: []string{"x", "w"}, Outputs: []string{"y2"}})

	out, err := quantize.New(g, passOptions(quantize.ModeConvInteger, nil)).Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("invalid graph: %v", err)
	}
	ops := countOps(out)
	if ops["DynamicQuantizeLinear"] != 1 {
		t.Fatalf("x quantized %d times", ops["DynamicQuantizeLinear"])
	}
	if ops["ConvInteger"] != 2 {
		t.Fatalf("conv count %d", ops["ConvInteger"])
	}
	// Two output rescales plus exactly one shared scales multiply.
	if ops["Mul"] != 3 {
		t.Fatalf("mul count %d, want 3", ops["Mul"])
	}
	scalesMuls := 0
	for _, n := range out.Nodes {
		if n.Op == "Mul" && n.Name == "x_scale_w_scale_mul" {
			scalesMuls++
		}
	}
	if scalesMuls != 1 {
		t.Fatalf("shared scales multiply emitted %d times", scalesMuls)
	}
	wq := 0
	for _, init := range out.Initializers() {
		if init.Name == "w_quantized" {
			wq++
		}
	}
	if wq != 1 {
		t.Fatalf("weight quantized %d times", wq)
	}
}

func TestQDQRewriteKeepsFloatConv(t *testing.T) {
	src := convGraph(true)
	want := runGraph(t, src, xFeed())

	out, err := quantize.New(src, passOptions(quantize.ModeQDQ, calibration())).Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("invalid graph: %v", err)
	}
	ops := countOps(out)
	if ops["Conv"] != 1 {
		t.Fatalf("conv count %d, want the float conv kept", ops["Conv"])
	}
	// Data and weight get Q/DQ pairs; the bias gets a dequantize marker only.
	if ops["QuantizeLinear"] != 2 || ops["DequantizeLinear"] != 3 {
		t.Fatalf("marker histogram %v", ops)
	}
	conv := out.FindNode("conv")
	wantIn := []string{"x_DequantizeLinear_Output", "w_DequantizeLinear_Output", "b_DequantizeLinear_Output"}
	for i, name := range wantIn {
		if conv.Inputs[i] != name {
			t.Fatalf("conv input %d = %q, want %q", i, conv.Inputs[i], name)
		}
	}
	if conv.Outputs[0] != "y" {
		t.Fatalf("conv output %q, want the original name", conv.Outputs[0])
	}

	// On-grid values survive the marker pairs exactly.
	got := runGraph(t, out, xFeed())
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("y[%d] = %v, want exactly %v", i, got[i], want[i])
		}
	}
}

func TestQDQPerChannelWeight(t *testing.T) {
	g := kgf.NewGraph("pc")
	g.Inputs = []kgf.ValueInfo{{Name: "x", DType: kgf.DTypeF32, Dims: []int{1, 1, 2, 2}}}
	g.Outputs = []kgf.ValueInfo{{Name: "y", DType: kgf.DTypeF32, Dims: []int{1, 2, 1, 1}}}
	g.AddInitializer(kgf.NewF32("w", []int{2, 1, 2, 2}, []float32{
		0.25, -0.25, 0.5, 0.5,
		2, -4, 1, 3,
	}))
	g.AddNode(&kgf.Node{Name: "conv", Op: "Conv", Inputs: []string{"x", "w"}, Outputs: []string{"y"}})

	opts := passOptions(quantize.ModeQDQ, map[string]quantize.Params{"x": {Scale: 0.5}})
	opts.PerChannel = true
	out, err := quantize.New(g, opts).Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	ws, ok := out.Initializer("w_scale")
	if !ok || ws.NumElements() != 2 {
		t.Fatalf("w_scale missing or wrong arity")
	}
	wzp, ok := out.Initializer("w_zero_point")
	if !ok || wzp.NumElements() != 2 {
		t.Fatalf("w_zero_point missing or wrong arity")
	}
	wq := out.FindNode("w_QuantizeLinear")
	if a, ok := wq.Attr.(kgf.QuantAttrs); !ok || a.Axis != 0 {
		t.Fatalf("weight quantize axis %+v, want 0", wq.Attr)
	}
}

func TestQLinearPerChannelCounts(t *testing.T) {
	g := kgf.NewGraph("pc")
	g.Inputs = []kgf.ValueInfo{{Name: "x", DType: kgf.DTypeF32, Dims: []int{1, 1, 2, 2}}}
	g.Outputs = []kgf.ValueInfo{{Name: "y", DType: kgf.DTypeF32, Dims: []int{1, 3, 1, 1}}}
	g.AddInitializer(kgf.NewF32("w", []int{3, 1, 2, 2}, []float32{
		0.25, -0.25, 0.5, 0.5,
		2, -4, 1, 3,
		-1, -1, -1, 8,
	}))
	g.AddNode(&kgf.Node{Name: "conv", Op: "Conv", Inputs: []string{"x", "w"}, Outputs: []string{"y"}})

	opts := passOptions(quantize.ModeQLinear, map[string]quantize.Params{
		"x": {Scale: 0.5},
		"y": {Scale: 0.25, ZeroPoint: 128},
	})
	opts.PerChannel = true
	out, err := quantize.New(g, opts).Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	ws, _ := out.Initializer("w_scale")
	wzp, _ := out.Initializer("w_zero_point")
	if ws == nil || wzp == nil || ws.NumElements() != 3 || wzp.NumElements() != 3 {
		t.Fatalf("per-channel params missing or wrong arity")
	}
	// Execution with per-channel weight parameters must still work.
	got := runGraph(t, out, xFeed())
	if len(got) != 3 {
		t.Fatalf("output has %d channels, want 3", len(got))
	}
}

func TestQuantizeTwiceIsIdempotent(t *testing.T) {
	src := convGraph(true)
	opts := passOptions(quantize.ModeQLinear, calibration())
	once, err := quantize.New(src, opts).Run()
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	// The rewritten graph has no Conv nodes left, so a second pass over it
	// must be a structural no-op.
	twice, err := quantize.New(once, opts).Run()
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(twice.Nodes) != len(once.Nodes) {
		t.Fatalf("second pass grew the graph: %d -> %d nodes", len(once.Nodes), len(twice.Nodes))
	}
	if len(twice.Initializers()) != len(once.Initializers()) {
		t.Fatalf("second pass grew the initializers: %d -> %d",
			len(once.Initializers()), len(twice.Initializers()))
	}
}

func TestQLinearMissingOutputParams(t *testing.T) {
	params := calibration()
	delete(params, "y")
	_, err := quantize.New(convGraph(false), passOptions(quantize.ModeQLinear, params)).Run()
	var mp *quantize.MissingParamsError
	if !errors.As(err, &mp) {
		t.Fatalf("error %v, want MissingParamsError", err)
	}
	if mp.Tensor != "y" || mp.Node != "conv" {
		t.Fatalf("error names %q/%q", mp.Tensor, mp.Node)
	}
}

func TestQLinearMissingActivationParams(t *testing.T) {
	_, err := quantize.New(convGraph(false), passOptions(quantize.ModeQLinear,
		map[string]quantize.Params{"y": {Scale: 0.125, ZeroPoint: 128}})).Run()
	var mp *quantize.MissingParamsError
	if !errors.As(err, &mp) || mp.Tensor != "x" {
		t.Fatalf("error %v, want MissingParamsError for x", err)
	}
}

func TestDynamicWeightRejected(t *testing.T) {
	g := kgf.NewGraph("dyn")
	g.Inputs = []kgf.ValueInfo{
		{Name: "x", DType: kgf.DTypeF32, Dims: []int{1, 1, 2, 2}},
		{Name: "w", DType: kgf.DTypeF32, Dims: []int{1, 1, 2, 2}},
	}
	g.Outputs = []kgf.ValueInfo{{Name: "y", DType: kgf.DTypeF32, Dims: []int{1, 1, 1, 1}}}
	g.AddNode(&kgf.Node{Name: "conv", Op: "Conv", Inputs: []string{"x", "w"}, Outputs: []string{"y"}})

	for _, mode := range []quantize.Mode{quantize.ModeConvInteger, quantize.ModeQLinear} {
		_, err := quantize.New(g, passOptions(mode, calibration())).Run()
		var ec *quantize.ExpectedConstantError
		if !errors.As(err, &ec) || ec.Tensor != "w" {
			t.Fatalf("mode %s: error %v, want ExpectedConstantError for w", mode, err)
		}
	}
}

func TestQDQDynamicBiasRejected(t *testing.T) {
	g := kgf.NewGraph("dyn")
	g.Inputs = []kgf.ValueInfo{
		{Name: "x", DType: kgf.DTypeF32, Dims: []int{1, 1, 2, 2}},
		{Name: "b", DType: kgf.DTypeF32, Dims: []int{1}},
	}
	g.Outputs = []kgf.ValueInfo{{Name: "y", DType: kgf.DTypeF32, Dims: []int{1, 1, 1, 1}}}
	g.AddInitializer(kgf.NewF32("w", []int{1, 1, 2, 2}, []float32{0.25, -0.25, 0.5, 0.5}))
	g.AddNode(&kgf.Node{Name: "conv", Op: "Conv", Inputs: []string{"x", "w", "b"}, Outputs: []string{"y"}})

	_, err := quantize.New(g, passOptions(quantize.ModeQDQ, calibration())).Run()
	var ec *quantize.ExpectedConstantError
	if !errors.As(err, &ec) || ec.Tensor != "b" {
		t.Fatalf("error %v, want ExpectedConstantError for b", err)
	}
}

func TestUntargetedOpsPassThrough(t *testing.T) {
	g := kgf.NewGraph("mixed")
	g.Inputs = []kgf.ValueInfo{{Name: "x", DType: kgf.DTypeF32, Dims: []int{1, 4}}}
	g.Outputs = []kgf.ValueInfo{{Name: "y", DType: kgf.DTypeF32, Dims: []int{1, 4}}}
	g.AddNode(&kgf.Node{Name: "act", Op: "Gelu", Inputs: []string{"x"}, Outputs: []string{"y"}})

	out, err := quantize.New(g, passOptions(quantize.ModeQLinear, nil)).Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Nodes) != 1 || out.Nodes[0].Op != "Gelu" {
		t.Fatalf("pass rewrote an untargeted op: %v", countOps(out))
	}
}
