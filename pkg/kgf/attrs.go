package kgf

// Operator attributes are explicit per-op structs rather than a generic
// key/value bag: every field an operator understands is enumerated here, and
// the container codec rejects anything else.

// ConvAttrs holds the spatial configuration shared by Conv, ConvInteger and
// QLinearConv. Pads is [begin..., end...] per spatial axis; empty slices mean
// the operator defaults (stride 1, pad 0, dilation 1).
type ConvAttrs struct {
	Strides   []int
	Pads      []int
	Dilations []int
	Group     int
}

// CastAttrs selects the destination dtype of a Cast node.
type CastAttrs struct {
	To DType
}

// GatherAttrs selects the axis Gather indexes along.
type GatherAttrs struct {
	Axis int
}

// ConcatAttrs selects the concatenation axis.
type ConcatAttrs struct {
	Axis int
}

// SplitAttrs configures Split: the axis and the size of each output chunk.
type SplitAttrs struct {
	Axis  int
	Sizes []int
}

// TransposeAttrs holds the output axis permutation.
type TransposeAttrs struct {
	Perm []int
}

// SoftmaxAttrs selects the normalization axis for Softmax/LogSoftmax.
type SoftmaxAttrs struct {
	Axis int
}

// AttentionAttrs configures the fused Attention operator.
type AttentionAttrs struct {
	NumHeads       int
	Unidirectional bool
}

// LayerNormAttrs configures LayerNormalization.
type LayerNormAttrs struct {
	Epsilon float32
}

// QuantAttrs configures QuantizeLinear/DequantizeLinear. Axis is the
// per-channel axis; -1 means per-tensor.
type QuantAttrs struct {
	Axis int
}
