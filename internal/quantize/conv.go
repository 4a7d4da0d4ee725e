package quantize

import (
	"fmt"

	"github.com/samcharles93/kiln/pkg/kgf"
)

// The three Conv rewrite strategies. Each consumes the original floating
// operator plus the quantization parameters of its tensors and stages an
// integer-arithmetic-equivalent replacement subgraph.

func convAttrs(n *kgf.Node) kgf.ConvAttrs {
	if a, ok := n.Attr.(kgf.ConvAttrs); ok {
		return a
	}
	return kgf.ConvAttrs{Group: 1}
}

// rewriteConvInteger replaces Conv with ConvInteger + Cast + explicit
// rescaling, with an optional reshaped bias add renamed onto the original
// output.
func (q *Quantizer) rewriteConvInteger(n *kgf.Node, st *staging) error {
	if len(n.Inputs) < 2 || len(n.Inputs) > 3 {
		return fmt.Errorf("quantize: conv %q has %d inputs", n.Name, len(n.Inputs))
	}

	data, err := q.quantizeInput(n.Inputs[0], RoleInput, st)
	if err != nil {
		return err
	}
	weight, err := q.quantizeInput(n.Inputs[1], RoleWeight, st)
	if err != nil {
		return err
	}

	output := n.Outputs[0]
	convName := ""
	if n.Name != "" {
		convName = n.Name + "_quant"
	}
	convOut := output + "_output_quantized"
	st.node(&kgf.Node{
		Name:    convName,
		Op:      "ConvInteger",
		Inputs:  []string{data.qName, weight.qName, data.zpName, weight.zpName},
		Outputs: []string{convOut},
		Attr:    convAttrs(n),
	})

	castOut := convOut + "_cast_output"
	st.node(&kgf.Node{
		Name:    convOut + "_cast",
		Op:      "Cast",
		Inputs:  []string{convOut},
		Outputs: []string{castOut},
		Attr:    kgf.CastAttrs{To: kgf.DTypeF32},
	})

	// Multiply the two input scales. The node is memoized by its derived
	// name so rewrites sharing the same scale pair reuse one multiply.
	mulName := convName + "_scales_mul"
	if convName == "" {
		mulName = data.scaleName + "_" + weight.scaleName + "_mul"
	}
	mulNode := q.findMulNode(mulName)
	if mulNode == nil {
		mulNode = st.node(&kgf.Node{
			Name:    mulName,
			Op:      "Mul",
			Inputs:  []string{data.scaleName, weight.scaleName},
			Outputs: []string{mulName + ":0"},
		})
		q.rememberMulNode(mulNode)
	}

	hasBias := len(n.Inputs) == 3
	scaledOut := output
	if hasBias {
		scaledOut = output + "_quant_scaled_output"
	}
	st.node(&kgf.Node{
		Name:    convName + "_output_scale_mul",
		Op:      "Mul",
		Inputs:  []string{castOut, mulNode.Outputs[0]},
		Outputs: []string{scaledOut},
	})

	if hasBias {
		return q.addReshapedBias(n, scaledOut, st)
	}
	return nil
}

// addReshapedBias reshapes the flat per-channel bias into a broadcastable
// shape (1 everywhere except the channel dim, which takes the weight's
// channel count) and adds it, naming the sum as the original conv output.
func (q *Quantizer) addReshapedBias(n *kgf.Node, scaledOut string, st *staging) error {
	weight, ok := q.src.Initializer(n.Inputs[1])
	if !ok {
		return &ExpectedConstantError{Tensor: n.Inputs[1]}
	}
	output := n.Outputs[0]

	shape := make([]int64, len(weight.Dims))
	for i := range shape {
		shape[i] = 1
	}
	shape[1] = int64(weight.Dims[0])
	shapeName := output + "_bias_reshape_shape"
	st.init(kgf.NewI64(shapeName, []int{len(shape)}, shape))

	reshapeOut := output + "_bias_reshape_output"
	st.node(&kgf.Node{
		Name:    output + "_bias_reshape",
		Op:      "Reshape",
		Inputs:  []string{n.Inputs[2], shapeName},
		Outputs: []string{reshapeOut},
	})
	st.node(&kgf.Node{
		Name:    output + "_bias_add",
		Op:      "Add",
		Inputs:  []string{scaledOut, reshapeOut},
		Outputs: []string{output},
	})
	return nil
}

// rewriteQLinearConv emits a single fused quantized convolution. Output
// parameters must come from the calibration table; the produced output is
// recorded in the quantized-value map so downstream consumers find it
// without re-quantizing.
func (q *Quantizer) rewriteQLinearConv(n *kgf.Node, st *staging) error {
	if len(n.Inputs) < 2 || len(n.Inputs) > 3 {
		return fmt.Errorf("quantize: conv %q has %d inputs", n.Name, len(n.Inputs))
	}

	data, err := q.quantizeInput(n.Inputs[0], RoleInput, st)
	if err != nil {
		return err
	}

	var weight *quantizedValue
	if q.opts.PerChannel {
		weight, err = q.quantizeWeightPerChannel(n.Inputs[1], st)
	} else {
		weight, err = q.quantizeInput(n.Inputs[1], RoleWeight, st)
	}
	if err != nil {
		return err
	}

	var bias *quantizedValue
	if len(n.Inputs) == 3 {
		bias, _, err = q.quantizeBiasStatic(n.Inputs[2], data, weight, st)
		if err != nil {
			return err
		}
	}

	output := n.Outputs[0]
	outParams, ok := q.paramsFor(output)
	if !ok {
		return &MissingParamsError{Tensor: output, Node: n.Name}
	}
	outScaleName := output + "_scale"
	outZpName := output + "_zero_point"
	st.init(kgf.ScalarF32(outScaleName, outParams.Scale))
	st.init(zeroPointTensor(outZpName, []int32{outParams.ZeroPoint}, nil, q.opts.ActivationType))

	convName := ""
	if n.Name != "" {
		convName = n.Name + "_quant"
	}
	inputs := []string{
		data.qName, data.scaleName, data.zpName,
		weight.qName, weight.scaleName, weight.zpName,
		outScaleName, outZpName,
	}
	if bias != nil {
		inputs = append(inputs, bias.qName)
	}
	qOut := output + "_quantized"
	st.node(&kgf.Node{
		Name:    convName,
		Op:      "QLinearConv",
		Inputs:  inputs,
		Outputs: []string{qOut},
		Attr:    convAttrs(n),
	})

	q.values[output] = &quantizedValue{
		origName:  output,
		qName:     qOut,
		scaleName: outScaleName,
		zpName:    outZpName,
		role:      RoleInput,
		qtype:     q.opts.ActivationType,
	}
	return nil
}

// rewriteQDQConv keeps the Conv in floating point and wraps its data, weight
// and bias tensors in quantize/dequantize markers. Marker pairs are memoized
// per tensor and never duplicated within a pass.
func (q *Quantizer) rewriteQDQConv(n *kgf.Node, st *staging) error {
	if len(n.Inputs) < 2 || len(n.Inputs) > 3 {
		return fmt.Errorf("quantize: conv %q has %d inputs", n.Name, len(n.Inputs))
	}

	dataDQ, dataVal, err := q.annotateQDQ(n.Inputs[0], RoleInput, false, st)
	if err != nil {
		return err
	}
	weightDQ, weightVal, err := q.annotateQDQ(n.Inputs[1], RoleWeight, q.opts.PerChannel, st)
	if err != nil {
		return err
	}

	rewired := &kgf.Node{
		Name:    n.Name,
		Op:      n.Op,
		Inputs:  []string{dataDQ, weightDQ},
		Outputs: append([]string(nil), n.Outputs...),
		Attr:    n.Attr,
	}

	if len(n.Inputs) == 3 {
		biasDQ, err := q.annotateBiasQDQ(n.Inputs[2], dataVal, weightVal, st)
		if err != nil {
			return err
		}
		rewired.Inputs = append(rewired.Inputs, biasDQ)
	}

	st.node(rewired)
	return nil
}

// annotateQDQ inserts a QuantizeLinear/DequantizeLinear pair for a tensor
// and returns the dequantized output name consumers should be rewired to.
func (q *Quantizer) annotateQDQ(name string, role Role, perChannel bool, st *staging) (string, *quantizedValue, error) {
	if v, ok := q.values[name]; ok && v.dequantName != "" {
		return v.dequantName, v, nil
	}

	qt := q.opts.ActivationType
	if role == RoleWeight {
		qt = q.opts.WeightType
	}
	axis := -1

	v := &quantizedValue{
		origName:  name,
		scaleName: name + "_scale",
		zpName:    name + "_zero_point",
		role:      role,
		qtype:     qt,
	}

	init, isConst := q.src.Initializer(name)
	switch {
	case perChannel:
		if !isConst {
			return "", nil, &ExpectedConstantError{Tensor: name}
		}
		axis = 0
		_, scales, zps := QuantizeTensorPerChannel(init.F32(), init.Dims, qt)
		channels := init.Dims[0]
		st.init(kgf.NewF32(v.scaleName, []int{channels}, scales))
		st.init(zeroPointTensor(v.zpName, zps, []int{channels}, qt))
	case isConst:
		p, ok := q.paramsFor(name)
		if !ok {
			_, p = QuantizeTensor(init.F32(), qt)
		}
		st.init(kgf.ScalarF32(v.scaleName, p.Scale))
		st.init(zeroPointTensor(v.zpName, []int32{p.ZeroPoint}, nil, qt))
	default:
		p, ok := q.paramsFor(name)
		if !ok {
			return "", nil, &MissingParamsError{Tensor: name}
		}
		st.init(kgf.ScalarF32(v.scaleName, p.Scale))
		st.init(zeroPointTensor(v.zpName, []int32{p.ZeroPoint}, nil, qt))
	}

	v.qName = name + "_QuantizeLinear_Output"
	v.dequantName = name + "_DequantizeLinear_Output"
	st.node(&kgf.Node{
		Name:    name + "_QuantizeLinear",
		Op:      "QuantizeLinear",
		Inputs:  []string{name, v.scaleName, v.zpName},
		Outputs: []string{v.qName},
		Attr:    kgf.QuantAttrs{Axis: axis},
	})
	st.node(&kgf.Node{
		Name:    name + "_DequantizeLinear",
		Op:      "DequantizeLinear",
		Inputs:  []string{v.qName, v.scaleName, v.zpName},
		Outputs: []string{v.dequantName},
		Attr:    kgf.QuantAttrs{Axis: axis},
	})
	q.values[name] = v
	return v.dequantName, v, nil
}

// annotateBiasQDQ stores the bias as a quantized int32 initializer with the
// derived scale (input scale x weight scale) and a dequantize marker.
func (q *Quantizer) annotateBiasQDQ(name string, data, weight *quantizedValue, st *staging) (string, error) {
	if v, ok := q.values[name]; ok && v.dequantName != "" {
		return v.dequantName, nil
	}
	init, ok := q.src.Initializer(name)
	if !ok {
		return "", &ExpectedConstantError{Tensor: name}
	}
	scales, err := q.biasScales(data, weight, st)
	if err != nil {
		return "", err
	}
	qvals := QuantizeBias(init.F32(), scales)

	axis := -1
	var scaleDims []int
	if len(scales) > 1 {
		axis = 0
		scaleDims = []int{len(scales)}
	}
	v := &quantizedValue{
		origName:    name,
		qName:       name + "_quantized",
		scaleName:   name + "_quantized_scale",
		zpName:      name + "_quantized_zero_point",
		role:        RoleBias,
		dequantName: name + "_DequantizeLinear_Output",
	}
	st.init(kgf.NewI32(v.qName, append([]int(nil), init.Dims...), qvals))
	st.init(kgf.NewF32(v.scaleName, scaleDims, scales))
	st.init(kgf.NewI32(v.zpName, scaleDims, make([]int32, len(scales))))
	st.node(&kgf.Node{
		Name:    name + "_DequantizeLinear",
		Op:      "DequantizeLinear",
		Inputs:  []string{v.qName, v.scaleName, v.zpName},
		Outputs: []string{v.dequantName},
		Attr:    kgf.QuantAttrs{Axis: axis},
	})
	q.values[name] = v
	return v.dequantName, nil
}
