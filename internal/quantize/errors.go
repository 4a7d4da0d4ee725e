package quantize

import "fmt"

// ExpectedConstantError reports a rewrite that requires a graph-level
// constant (initializer) where a dynamic value was found. Fatal; never
// retried.
type ExpectedConstantError struct {
	Tensor string
}

func (e *ExpectedConstantError) Error() string {
	return fmt.Sprintf("quantize: expected %q to be an initializer", e.Tensor)
}

// MissingParamsError reports a tensor that needs calibration parameters which
// the configuration does not provide. Fatal; never retried.
type MissingParamsError struct {
	Tensor string
	Node   string
}

func (e *MissingParamsError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("quantize: quantization parameters for tensor %q of node %q not specified", e.Tensor, e.Node)
	}
	return fmt.Sprintf("quantize: quantization parameters for tensor %q not specified", e.Tensor)
}
