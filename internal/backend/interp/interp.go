// Package interp is a reference interpreter for KGF graphs. It evaluates
// nodes sequentially over a name-to-tensor environment, implementing each
// operator per its ONNX definition. It favors clarity over speed: it is the
// semantic baseline the optimized backends are compared against.
package interp

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/pkg/kgf"
)

// Session executes one graph. It is not safe for concurrent Run calls.
type Session struct {
	g       *kgf.Graph
	inputs  []string
	outputs []string
	env     map[string]*kgf.Tensor
}

var _ backend.Session = (*Session)(nil)

// New validates the graph and prepares a session.
func New(g *kgf.Graph) (*Session, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	for _, n := range g.Nodes {
		if _, ok := opTable[n.Op]; !ok {
			return nil, fmt.Errorf("interp: node %q: unsupported op %q", n.Name, n.Op)
		}
	}
	s := &Session{g: g}
	for _, vi := range g.Inputs {
		s.inputs = append(s.inputs, vi.Name)
	}
	for _, vi := range g.Outputs {
		s.outputs = append(s.outputs, vi.Name)
	}
	return s, nil
}

// Graph returns the executed graph.
func (s *Session) Graph() *kgf.Graph { return s.g }

func (s *Session) InputNames() []string  { return s.inputs }
func (s *Session) OutputNames() []string { return s.outputs }

// Run evaluates the graph on the given feeds and returns the declared
// outputs in order.
func (s *Session) Run(feeds map[string]*kgf.Tensor) ([]*kgf.Tensor, error) {
	env := make(map[string]*kgf.Tensor, len(s.g.Nodes)+len(feeds))
	for _, t := range s.g.Initializers() {
		env[t.Name] = t
	}
	for name, t := range feeds {
		env[name] = t
	}
	for _, name := range s.inputs {
		if _, ok := env[name]; !ok {
			return nil, fmt.Errorf("interp: missing feed for input %q", name)
		}
	}
	s.env = env
	defer func() { s.env = nil }()

	for _, n := range s.g.Nodes {
		if err := s.eval(n); err != nil {
			return nil, fmt.Errorf("interp: node %q (%s): %w", n.Name, n.Op, err)
		}
	}

	outs := make([]*kgf.Tensor, len(s.outputs))
	for i, name := range s.outputs {
		t, ok := env[name]
		if !ok {
			return nil, fmt.Errorf("interp: output %q was not produced", name)
		}
		outs[i] = t
	}
	return outs, nil
}

// RunBound runs the graph and lands the outputs in the binding's reusable
// buffers, growing them as needed.
func (s *Session) RunBound(feeds map[string]*kgf.Tensor, b *backend.Binding) ([]*kgf.Tensor, error) {
	outs, err := s.Run(feeds)
	if err != nil {
		return nil, err
	}
	bound := make([]*kgf.Tensor, len(outs))
	for i, t := range outs {
		bt := b.Prepare(t.Name, t.DType, t.Dims)
		copy(bt.Data, t.Data)
		bound[i] = bt
	}
	return bound, nil
}

type opFunc func(s *Session, n *kgf.Node) error

var opTable = map[string]opFunc{
	"Add":                   evalAdd,
	"Sub":                   evalSub,
	"Mul":                   evalMul,
	"MatMul":                evalMatMul,
	"Gather":                evalGather,
	"Cast":                  evalCast,
	"Reshape":               evalReshape,
	"Transpose":             evalTranspose,
	"Concat":                evalConcat,
	"Split":                 evalSplit,
	"Softmax":               evalSoftmax,
	"LogSoftmax":            evalLogSoftmax,
	"Gelu":                  evalGelu,
	"LayerNormalization":    evalLayerNorm,
	"Attention":             evalAttention,
	"Conv":                  evalConv,
	"ConvInteger":           evalConvInteger,
	"QLinearConv":           evalQLinearConv,
	"QuantizeLinear":        evalQuantizeLinear,
	"DequantizeLinear":      evalDequantizeLinear,
	"DynamicQuantizeLinear": evalDynamicQuantizeLinear,
}

func (s *Session) eval(n *kgf.Node) error {
	return opTable[n.Op](s, n)
}

// in resolves the i-th input tensor of a node.
func (s *Session) in(n *kgf.Node, i int) (*kgf.Tensor, error) {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil, fmt.Errorf("missing input %d", i)
	}
	t, ok := s.env[n.Inputs[i]]
	if !ok {
		return nil, fmt.Errorf("input %q not available", n.Inputs[i])
	}
	return t, nil
}

// inF32 resolves an input that must be float32.
func (s *Session) inF32(n *kgf.Node, i int) (*kgf.Tensor, error) {
	t, err := s.in(n, i)
	if err != nil {
		return nil, err
	}
	if t.DType != kgf.DTypeF32 {
		return nil, fmt.Errorf("input %q: want f32, got %s", n.Inputs[i], t.DType)
	}
	return t, nil
}

func (s *Session) set(n *kgf.Node, i int, t *kgf.Tensor) {
	t.Name = n.Outputs[i]
	s.env[n.Outputs[i]] = t
}
