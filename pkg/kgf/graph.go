package kgf

import "fmt"

// ValueInfo declares a graph input or output. A dim of -1 is dynamic.
type ValueInfo struct {
	Name  string
	DType DType
	Dims  []int
}

// Node is one operator application. Inputs and Outputs are value names.
// Attr holds the op's typed attribute struct (see attrs.go) or nil for
// attribute-free operators.
type Node struct {
	Name    string
	Op      string
	Inputs  []string
	Outputs []string
	Attr    any
}

// Graph is a computation graph: an ordered node list (topological order is
// the producer's responsibility and is preserved by rewrites) plus named
// constant initializers.
type Graph struct {
	Name     string
	Producer string

	Inputs  []ValueInfo
	Outputs []ValueInfo
	Nodes   []*Node

	inits     []*Tensor
	initIndex map[string]int
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{Name: name, initIndex: make(map[string]int)}
}

// AddNode appends a node and returns it.
func (g *Graph) AddNode(n *Node) *Node {
	g.Nodes = append(g.Nodes, n)
	return n
}

// AddInitializer registers a constant tensor. Re-adding a tensor under an
// existing name is a no-op returning the original, so memoized rewrites can
// call this unconditionally.
func (g *Graph) AddInitializer(t *Tensor) *Tensor {
	if g.initIndex == nil {
		g.initIndex = make(map[string]int)
	}
	if i, ok := g.initIndex[t.Name]; ok {
		return g.inits[i]
	}
	g.initIndex[t.Name] = len(g.inits)
	g.inits = append(g.inits, t)
	return t
}

// Initializer looks up a constant tensor by name.
func (g *Graph) Initializer(name string) (*Tensor, bool) {
	if g.initIndex == nil {
		return nil, false
	}
	i, ok := g.initIndex[name]
	if !ok {
		return nil, false
	}
	return g.inits[i], true
}

// Initializers returns the constant tensors in insertion order.
func (g *Graph) Initializers() []*Tensor {
	return g.inits
}

// FindNode returns the first node with the given name, or nil.
func (g *Graph) FindNode(name string) *Node {
	if name == "" {
		return nil
	}
	for _, n := range g.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Input returns the ValueInfo of a declared graph input.
func (g *Graph) Input(name string) (ValueInfo, bool) {
	for _, vi := range g.Inputs {
		if vi.Name == name {
			return vi, true
		}
	}
	return ValueInfo{}, false
}

// Validate performs structural checks: unique node output names, no output
// colliding with an initializer, and every declared graph output produced by
// some node or initializer.
func (g *Graph) Validate() error {
	produced := make(map[string]struct{}, len(g.Nodes))
	for _, t := range g.inits {
		produced[t.Name] = struct{}{}
	}
	for _, vi := range g.Inputs {
		produced[vi.Name] = struct{}{}
	}
	for _, n := range g.Nodes {
		for _, out := range n.Outputs {
			if out == "" {
				return fmt.Errorf("kgf: node %q (%s) has an empty output name", n.Name, n.Op)
			}
			if _, dup := produced[out]; dup {
				return fmt.Errorf("kgf: value %q produced more than once", out)
			}
			produced[out] = struct{}{}
		}
	}
	for _, vi := range g.Outputs {
		if _, ok := produced[vi.Name]; !ok {
			return fmt.Errorf("kgf: graph output %q is never produced", vi.Name)
		}
	}
	return nil
}
