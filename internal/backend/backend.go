package backend

import "github.com/samcharles93/kiln/pkg/kgf"

// Session is one loaded, executable model. Implementations are synchronous:
// Run blocks until all outputs are computed, and a Session must not be run
// concurrently with itself.
type Session interface {
	// InputNames returns the declared input names in feed order.
	InputNames() []string
	// OutputNames returns the output names in the fixed order Run returns
	// them.
	OutputNames() []string
	// Run executes the model on the given name-to-tensor feeds and returns
	// the outputs in OutputNames order.
	Run(feeds map[string]*kgf.Tensor) ([]*kgf.Tensor, error)
	// RunBound executes like Run but copies float outputs into the binding's
	// pre-allocated buffers, growing them when a step's shape exceeds
	// capacity. The returned tensors view the binding buffers; they are
	// valid until the next RunBound call on the same binding.
	RunBound(feeds map[string]*kgf.Tensor, b *Binding) ([]*kgf.Tensor, error)
}
