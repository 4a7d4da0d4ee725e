package quantize

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/pkg/kgf"
)

// Mode selects the rewrite strategy applied to each targeted operator.
type Mode string

const (
	// ModeConvInteger decomposes into ConvInteger + Cast + scale multiplies.
	ModeConvInteger Mode = "convinteger"
	// ModeQLinear emits one fused QLinearConv per Conv.
	ModeQLinear Mode = "qlinear"
	// ModeQDQ inserts QuantizeLinear/DequantizeLinear marker pairs and keeps
	// the operator itself in floating point.
	ModeQDQ Mode = "qdq"
)

// Producer is stamped on graphs emitted by this pass.
const Producer = "kiln.quantize"

// IsQuantizedGraph reports whether a graph was produced by this pass.
func IsQuantizedGraph(g *kgf.Graph) bool {
	return g.Producer == Producer
}

// Role classifies a quantized tensor within its consuming operator.
type Role uint8

const (
	RoleInput Role = iota
	RoleWeight
	RoleBias
)

// quantizedValue is the memo entry for one original tensor name. A tensor
// quantized twice in a pass reuses the same entry, so no duplicate quantize
// subgraph is ever emitted.
type quantizedValue struct {
	origName  string
	qName     string
	scaleName string
	zpName    string
	role      Role
	qtype     QuantType
	// dequantName is the DequantizeLinear output rewired to consumers in QDQ
	// mode; empty elsewhere.
	dequantName string
}

// Options configures a quantization pass.
type Options struct {
	Mode           Mode
	PerChannel     bool
	Ops            []string // operator types to rewrite; default {"Conv"}
	ActivationType QuantType
	WeightType     QuantType
	// Params is the calibration table: original tensor name to parameters.
	// Required for activation tensors in qlinear/qdq modes and for operator
	// outputs in qlinear mode; overrides range-derived parameters elsewhere.
	Params map[string]Params
	Logger logger.Logger
}

// Quantizer rewrites the floating-point operators of one graph. All memo
// state is owned by the pass and dropped with it.
type Quantizer struct {
	src  *kgf.Graph
	out  *kgf.Graph
	opts Options
	ops  map[string]struct{}
	log  logger.Logger

	values   map[string]*quantizedValue
	mulNodes map[string]*kgf.Node
}

// New prepares a pass over g. The graph is not modified; Run returns a new
// graph sharing g's initializer payloads.
func New(g *kgf.Graph, opts Options) *Quantizer {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if len(opts.Ops) == 0 {
		opts.Ops = []string{"Conv"}
	}
	if opts.Mode == "" {
		opts.Mode = ModeQLinear
	}
	ops := make(map[string]struct{}, len(opts.Ops))
	for _, op := range opts.Ops {
		ops[op] = struct{}{}
	}
	return &Quantizer{
		src:      g,
		opts:     opts,
		ops:      ops,
		log:      opts.Logger,
		values:   make(map[string]*quantizedValue),
		mulNodes: make(map[string]*kgf.Node),
	}
}

// staging collects the replacement subgraph of a single rewrite. A rewrite is
// atomic: the stage is committed only when the rewrite succeeds.
type staging struct {
	nodes []*kgf.Node
	inits []*kgf.Tensor
}

func (st *staging) node(n *kgf.Node) *kgf.Node {
	st.nodes = append(st.nodes, n)
	return n
}

func (st *staging) init(t *kgf.Tensor) *kgf.Tensor {
	st.inits = append(st.inits, t)
	return t
}

// Run applies the pass and returns the rewritten graph. Configuration errors
// (missing calibration parameters, non-constant weights) abort the pass.
func (q *Quantizer) Run() (*kgf.Graph, error) {
	out := kgf.NewGraph(q.src.Name)
	out.Producer = Producer
	out.Inputs = append([]kgf.ValueInfo(nil), q.src.Inputs...)
	out.Outputs = append([]kgf.ValueInfo(nil), q.src.Outputs...)
	for _, t := range q.src.Initializers() {
		out.AddInitializer(t)
	}
	q.out = out

	rewritten := 0
	for _, n := range q.src.Nodes {
		if _, ok := q.ops[n.Op]; !ok {
			out.AddNode(n)
			continue
		}
		st := &staging{}
		var err error
		switch q.opts.Mode {
		case ModeConvInteger:
			err = q.rewriteConvInteger(n, st)
		case ModeQLinear:
			err = q.rewriteQLinearConv(n, st)
		case ModeQDQ:
			err = q.rewriteQDQConv(n, st)
		default:
			err = fmt.Errorf("quantize: unknown mode %q", q.opts.Mode)
		}
		if err != nil {
			return nil, err
		}
		q.commit(st)
		rewritten++
	}

	if q.opts.Mode == ModeQLinear {
		q.dequantizeLooseOutputs()
	}

	q.log.Debug("quantize pass complete", "mode", string(q.opts.Mode), "rewritten", rewritten, "nodes", len(out.Nodes))
	return out, nil
}

func (q *Quantizer) commit(st *staging) {
	for _, t := range st.inits {
		q.out.AddInitializer(t)
	}
	for _, n := range st.nodes {
		q.out.AddNode(n)
	}
}

// paramsFor consults the calibration table.
func (q *Quantizer) paramsFor(name string) (Params, bool) {
	p, ok := q.opts.Params[name]
	return p, ok
}

// quantizeInput produces (or reuses) the quantized form of one operator
// input. Initializers are quantized statically; activations get a
// DynamicQuantizeLinear node in convinteger mode and a static QuantizeLinear
// node (calibration required) otherwise.
func (q *Quantizer) quantizeInput(name string, role Role, st *staging) (*quantizedValue, error) {
	if v, ok := q.values[name]; ok {
		return v, nil
	}

	qt := q.opts.ActivationType
	if role == RoleWeight {
		qt = q.opts.WeightType
	}

	if init, ok := q.src.Initializer(name); ok {
		return q.quantizeInitializer(init, role, qt, st)
	}
	if role == RoleWeight {
		return nil, &ExpectedConstantError{Tensor: name}
	}

	v := &quantizedValue{
		origName:  name,
		qName:     name + "_quantized",
		scaleName: name + "_scale",
		zpName:    name + "_zero_point",
		role:      role,
		qtype:     qt,
	}

	if p, ok := q.paramsFor(name); ok {
		st.init(kgf.ScalarF32(v.scaleName, p.Scale))
		st.init(zeroPointTensor(v.zpName, []int32{p.ZeroPoint}, nil, qt))
		st.node(&kgf.Node{
			Name:    name + "_QuantizeLinear",
			Op:      "QuantizeLinear",
			Inputs:  []string{name, v.scaleName, v.zpName},
			Outputs: []string{v.qName},
			Attr:    kgf.QuantAttrs{Axis: -1},
		})
	} else if q.opts.Mode == ModeConvInteger {
		// Runtime-derived parameters; DynamicQuantizeLinear is uint8-only.
		v.qtype = QUInt8
		st.node(&kgf.Node{
			Name:    name + "_DynamicQuantizeLinear",
			Op:      "DynamicQuantizeLinear",
			Inputs:  []string{name},
			Outputs: []string{v.qName, v.scaleName, v.zpName},
		})
	} else {
		return nil, &MissingParamsError{Tensor: name}
	}

	q.values[name] = v
	return v, nil
}

func (q *Quantizer) quantizeInitializer(init *kgf.Tensor, role Role, qt QuantType, st *staging) (*quantizedValue, error) {
	values := init.F32()
	var (
		data []byte
		p    Params
	)
	if cal, ok := q.paramsFor(init.Name); ok {
		p = cal
		data = QuantizeSlice(values, p, qt)
	} else {
		data, p = QuantizeTensor(values, qt)
	}

	v := &quantizedValue{
		origName:  init.Name,
		qName:     init.Name + "_quantized",
		scaleName: init.Name + "_scale",
		zpName:    init.Name + "_zero_point",
		role:      role,
		qtype:     qt,
	}
	st.init(&kgf.Tensor{Name: v.qName, DType: qt.DType(), Dims: append([]int(nil), init.Dims...), Data: data})
	st.init(kgf.ScalarF32(v.scaleName, p.Scale))
	st.init(zeroPointTensor(v.zpName, []int32{p.ZeroPoint}, nil, qt))
	q.values[init.Name] = v
	return v, nil
}

// quantizeWeightPerChannel quantizes a constant weight with one scale and one
// zero point per output channel (channel axis 0).
func (q *Quantizer) quantizeWeightPerChannel(name string, st *staging) (*quantizedValue, error) {
	if v, ok := q.values[name]; ok {
		return v, nil
	}
	init, ok := q.src.Initializer(name)
	if !ok {
		return nil, &ExpectedConstantError{Tensor: name}
	}
	qt := q.opts.WeightType
	data, scales, zps := QuantizeTensorPerChannel(init.F32(), init.Dims, qt)

	v := &quantizedValue{
		origName:  name,
		qName:     name + "_quantized",
		scaleName: name + "_scale",
		zpName:    name + "_zero_point",
		role:      RoleWeight,
		qtype:     qt,
	}
	channels := init.Dims[0]
	st.init(&kgf.Tensor{Name: v.qName, DType: qt.DType(), Dims: append([]int(nil), init.Dims...), Data: data})
	st.init(kgf.NewF32(v.scaleName, []int{channels}, scales))
	st.init(zeroPointTensor(v.zpName, zps, []int{channels}, qt))
	q.values[name] = v
	return v, nil
}

// biasScales resolves the derived bias scale(s): input scale x weight scale,
// expanded per channel when the weight was quantized per channel.
func (q *Quantizer) biasScales(data, weight *quantizedValue, st *staging) ([]float32, error) {
	ds, err := q.scalarScale(data, st)
	if err != nil {
		return nil, err
	}
	ws, err := q.scaleValues(weight, st)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(ws))
	for i, w := range ws {
		out[i] = ds * w
	}
	return out, nil
}

func (q *Quantizer) scalarScale(v *quantizedValue, st *staging) (float32, error) {
	vals, err := q.scaleValues(v, st)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

// scaleValues reads the concrete scale tensor produced for a quantized value.
// Dynamic-quantized activations have no static scale, which is a
// configuration error for bias quantization.
func (q *Quantizer) scaleValues(v *quantizedValue, st *staging) ([]float32, error) {
	if t, ok := q.src.Initializer(v.scaleName); ok {
		return t.F32(), nil
	}
	for _, t := range st.inits {
		if t.Name == v.scaleName {
			return t.F32(), nil
		}
	}
	if t, ok := q.out.Initializer(v.scaleName); ok {
		return t.F32(), nil
	}
	return nil, &MissingParamsError{Tensor: v.origName}
}

// quantizeBiasStatic quantizes a constant bias into int32 with zero point 0
// and scale = input scale x weight scale.
func (q *Quantizer) quantizeBiasStatic(name string, data, weight *quantizedValue, st *staging) (*quantizedValue, []float32, error) {
	if v, ok := q.values[name]; ok {
		scales, err := q.biasScales(data, weight, st)
		return v, scales, err
	}
	init, ok := q.src.Initializer(name)
	if !ok {
		return nil, nil, &ExpectedConstantError{Tensor: name}
	}
	scales, err := q.biasScales(data, weight, st)
	if err != nil {
		return nil, nil, err
	}
	qvals := QuantizeBias(init.F32(), scales)

	v := &quantizedValue{
		origName:  name,
		qName:     name + "_quantized",
		scaleName: name + "_scale",
		zpName:    name + "_zero_point",
		role:      RoleBias,
	}
	st.init(kgf.NewI32(v.qName, append([]int(nil), init.Dims...), qvals))
	q.values[name] = v
	return v, scales, nil
}

// findMulNode returns a memoized scale-multiply node by its derived name.
func (q *Quantizer) findMulNode(name string) *kgf.Node {
	return q.mulNodes[name]
}

func (q *Quantizer) rememberMulNode(n *kgf.Node) {
	q.mulNodes[n.Name] = n
}

// dequantizeLooseOutputs appends a DequantizeLinear for every recorded
// operator output whose floating name is still consumed downstream or
// exposed as a graph output.
func (q *Quantizer) dequantizeLooseOutputs() {
	consumed := make(map[string]struct{})
	for _, n := range q.out.Nodes {
		for _, in := range n.Inputs {
			consumed[in] = struct{}{}
		}
	}
	for _, vi := range q.out.Outputs {
		consumed[vi.Name] = struct{}{}
	}
	for _, n := range q.out.Nodes {
		for _, out := range n.Outputs {
			delete(consumed, out)
		}
	}
	for _, t := range q.out.Initializers() {
		delete(consumed, t.Name)
	}
	for _, vi := range q.out.Inputs {
		delete(consumed, vi.Name)
	}

	for _, v := range q.values {
		if v.role != RoleInput || v.dequantName != "" {
			continue
		}
		if _, ok := consumed[v.origName]; !ok {
			continue
		}
		q.out.AddNode(&kgf.Node{
			Name:    v.origName + "_DequantizeLinear",
			Op:      "DequantizeLinear",
			Inputs:  []string{v.qName, v.scaleName, v.zpName},
			Outputs: []string{v.origName},
			Attr:    kgf.QuantAttrs{Axis: -1},
		})
		v.dequantName = v.origName
	}
}

// zeroPointTensor builds a zero-point initializer whose element dtype matches
// the quantized data dtype (signed vs unsigned int8).
func zeroPointTensor(name string, zps []int32, dims []int, qt QuantType) *kgf.Tensor {
	if qt == QInt8 {
		vals := make([]int8, len(zps))
		for i, z := range zps {
			vals[i] = int8(z)
		}
		return kgf.NewI8(name, dims, vals)
	}
	vals := make([]uint8, len(zps))
	for i, z := range zps {
		vals[i] = uint8(z)
	}
	return kgf.NewU8(name, dims, vals)
}
