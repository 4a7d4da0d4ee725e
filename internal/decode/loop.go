package decode

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/pkg/kgf"
)

// SplitOutputs maps a session's output list to the logits tensor and the
// per-layer presents, using the session's declared output names.
func SplitOutputs(s backend.Session, outs []*kgf.Tensor) (*kgf.Tensor, []*kgf.Tensor, error) {
	names := s.OutputNames()
	if len(outs) != len(names) {
		return nil, nil, fmt.Errorf("decode: session returned %d outputs for %d names", len(outs), len(names))
	}
	byName := make(map[string]*kgf.Tensor, len(outs))
	for i, t := range outs {
		byName[names[i]] = t
	}
	logits := byName[model.LogitsName]
	if logits == nil {
		return nil, nil, fmt.Errorf("decode: session has no %s output", model.LogitsName)
	}
	var presents []*kgf.Tensor
	for i := 0; ; i++ {
		p, ok := byName[model.PresentName(i)]
		if !ok {
			break
		}
		presents = append(presents, p)
	}
	return logits, presents, nil
}

// Run drives a session to completion: at most the state's step bound, or
// until every beam has emitted EOS.
func Run(s backend.Session, st *State) error {
	for !st.Done() {
		outs, err := s.Run(st.Feeds())
		if err != nil {
			return fmt.Errorf("decode: step %d: %w", st.Steps(), err)
		}
		logits, presents, err := SplitOutputs(s, outs)
		if err != nil {
			return err
		}
		if err := st.Advance(logits, presents); err != nil {
			return err
		}
	}
	return nil
}
