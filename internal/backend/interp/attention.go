package interp

import (
	"fmt"
	"math"

	"github.com/samcharles93/kiln/pkg/kgf"
)

// maskPenalty is added to the score of masked-out key positions before
// softmax; large enough to zero their probability in float32.
const maskPenalty = -10000.0

// evalAttention implements the fused multi-head attention block:
//
//	inputs:  input [B,S,H], qkv_weight [H,3H], qkv_bias [3H],
//	         mask [B,T] (optional, 1 = attend), past [2,B,heads,P,hd] (optional)
//	outputs: output [B,S,H], present [2,B,heads,T,hd]   with T = P+S
//
// With Unidirectional set, query i (absolute position P+i) only attends to
// key positions <= P+i.
func evalAttention(s *Session, n *kgf.Node) error {
	x, err := s.inF32(n, 0)
	if err != nil {
		return err
	}
	w, err := s.inF32(n, 1)
	if err != nil {
		return err
	}
	b, err := s.inF32(n, 2)
	if err != nil {
		return err
	}
	maskT, err := s.optIn(n, 3)
	if err != nil {
		return err
	}
	pastT, err := s.optIn(n, 4)
	if err != nil {
		return err
	}
	attrs, ok := n.Attr.(kgf.AttentionAttrs)
	if !ok || attrs.NumHeads <= 0 {
		return fmt.Errorf("Attention node missing a positive head count")
	}
	if len(x.Dims) != 3 {
		return fmt.Errorf("Attention input must be [batch, seq, hidden], got %v", x.Dims)
	}
	batch, seq, hidden := x.Dims[0], x.Dims[1], x.Dims[2]
	heads := attrs.NumHeads
	if hidden%heads != 0 {
		return fmt.Errorf("Attention hidden %d not divisible by %d heads", hidden, heads)
	}
	hd := hidden / heads
	if !kgf.SameDims(w.Dims, []int{hidden, 3 * hidden}) {
		return fmt.Errorf("Attention qkv weight must be [%d,%d], got %v", hidden, 3*hidden, w.Dims)
	}
	if b.NumElements() != 3*hidden {
		return fmt.Errorf("Attention qkv bias must have %d values, got %d", 3*hidden, b.NumElements())
	}

	past := 0
	var pv []float32
	if pastT != nil {
		pd := pastT.Dims
		if len(pd) != 5 || pd[0] != 2 || pd[1] != batch || pd[2] != heads || pd[4] != hd {
			return fmt.Errorf("Attention past must be [2,%d,%d,past,%d], got %v", batch, heads, hd, pd)
		}
		past = pd[3]
		pv = pastT.F32()
	}
	total := past + seq

	var mask []float32
	if maskT != nil {
		if maskT.DType != kgf.DTypeF32 || len(maskT.Dims) != 2 || maskT.Dims[0] != batch || maskT.Dims[1] != total {
			return fmt.Errorf("Attention mask must be f32 [%d,%d], got %s %v", batch, total, maskT.DType, maskT.Dims)
		}
		mask = maskT.F32()
	}

	// QKV projection: one row of q, k and v per token.
	xv, wv, bv := x.F32(), w.F32(), b.F32()
	qkv := make([]float32, batch*seq*3*hidden)
	for t := 0; t < batch*seq; t++ {
		row := xv[t*hidden : (t+1)*hidden]
		out := qkv[t*3*hidden : (t+1)*3*hidden]
		copy(out, bv)
		for i, v := range row {
			if v == 0 {
				continue
			}
			wr := wv[i*3*hidden : (i+1)*3*hidden]
			for j, wj := range wr {
				out[j] += v * wj
			}
		}
	}

	present := kgf.NewF32("", []int{2, batch, heads, total, hd}, nil)
	prv := present.F32()
	// present[kv][b][h][p] for p < past copies the cache; new positions come
	// from the projection.
	kvStride := batch * heads * total * hd
	for kv := 0; kv < 2; kv++ {
		for bi := 0; bi < batch; bi++ {
			for h := 0; h < heads; h++ {
				dst := prv[kv*kvStride+(bi*heads+h)*total*hd:]
				if past > 0 {
					src := pv[kv*batch*heads*past*hd+(bi*heads+h)*past*hd:]
					copy(dst[:past*hd], src[:past*hd])
				}
				for t := 0; t < seq; t++ {
					// qkv layout per token: [q(hidden) k(hidden) v(hidden)],
					// head-major within each block.
					src := qkv[(bi*seq+t)*3*hidden+(kv+1)*hidden+h*hd:]
					copy(dst[(past+t)*hd:(past+t+1)*hd], src[:hd])
				}
			}
		}
	}

	out := kgf.NewF32("", []int{batch, seq, hidden}, nil)
	ov := out.F32()
	scores := make([]float32, total)
	invSqrt := float32(1 / math.Sqrt(float64(hd)))
	for bi := 0; bi < batch; bi++ {
		for h := 0; h < heads; h++ {
			keys := prv[(bi*heads+h)*total*hd:]
			vals := prv[kvStride+(bi*heads+h)*total*hd:]
			for t := 0; t < seq; t++ {
				q := qkv[(bi*seq+t)*3*hidden+h*hd:]
				limit := total
				if attrs.Unidirectional {
					limit = past + t + 1
				}
				maxv := float32(math.Inf(-1))
				for j := 0; j < total; j++ {
					if j >= limit {
						scores[j] = float32(math.Inf(-1))
						continue
					}
					var dot float32
					kr := keys[j*hd : (j+1)*hd]
					for d := 0; d < hd; d++ {
						dot += q[d] * kr[d]
					}
					sc := dot * invSqrt
					if mask != nil {
						sc += maskPenalty * (1 - mask[bi*total+j])
					}
					scores[j] = sc
					if sc > maxv {
						maxv = sc
					}
				}
				var sum float64
				for j := 0; j < limit; j++ {
					e := math.Exp(float64(scores[j] - maxv))
					scores[j] = float32(e)
					sum += e
				}
				inv := float32(1 / sum)
				orow := ov[(bi*seq+t)*hidden+h*hd : (bi*seq+t)*hidden+(h+1)*hd]
				for j := 0; j < limit; j++ {
					p := scores[j] * inv
					if p == 0 {
						continue
					}
					vr := vals[j*hd : (j+1)*hd]
					for d := 0; d < hd; d++ {
						orow[d] += p * vr[d]
					}
				}
			}
		}
	}

	s.set(n, 0, out)
	if len(n.Outputs) > 1 {
		s.set(n, 1, present)
	}
	return nil
}
