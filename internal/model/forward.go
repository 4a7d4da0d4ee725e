package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/pkg/kgf"
)

// Input and output names shared by the reference session and the exporter.
const (
	InputIDsName      = "input_ids"
	PositionIDsName   = "position_ids"
	AttentionMaskName = "attention_mask"
	LogitsName        = "logits"
)

// PastName returns the cache input name for a layer.
func PastName(layer int) string { return fmt.Sprintf("past_%d", layer) }

// PresentName returns the cache output name for a layer.
func PresentName(layer int) string { return fmt.Sprintf("present_%d", layer) }

// Reference is the direct float32 forward pass exposed as a session. It is
// the ground truth the graph backends are compared against.
type Reference struct {
	cfg Config
	w   *Weights

	inputs  []string
	outputs []string
}

var _ backend.Session = (*Reference)(nil)

// NewReference wraps a parameter set as a runnable session.
func NewReference(cfg Config, w *Weights) *Reference {
	r := &Reference{cfg: cfg, w: w}
	r.inputs = []string{InputIDsName, PositionIDsName, AttentionMaskName}
	r.outputs = []string{LogitsName}
	for i := 0; i < cfg.NLayer; i++ {
		r.inputs = append(r.inputs, PastName(i))
		r.outputs = append(r.outputs, PresentName(i))
	}
	return r
}

func (r *Reference) Config() Config { return r.cfg }

func (r *Reference) InputNames() []string  { return r.inputs }
func (r *Reference) OutputNames() []string { return r.outputs }

// Run executes one forward step with attention cache.
func (r *Reference) Run(feeds map[string]*kgf.Tensor) ([]*kgf.Tensor, error) {
	ids, ok := feeds[InputIDsName]
	if !ok || ids.DType != kgf.DTypeI64 || len(ids.Dims) != 2 {
		return nil, fmt.Errorf("model: %s must be an i64 [batch, seq] tensor", InputIDsName)
	}
	pos, ok := feeds[PositionIDsName]
	if !ok || pos.DType != kgf.DTypeI64 || !kgf.SameDims(pos.Dims, ids.Dims) {
		return nil, fmt.Errorf("model: %s must be an i64 tensor shaped like %s", PositionIDsName, InputIDsName)
	}
	batch, seq := ids.Dims[0], ids.Dims[1]

	pasts := make([]*kgf.Tensor, r.cfg.NLayer)
	past := 0
	for i := range pasts {
		p, ok := feeds[PastName(i)]
		if !ok {
			return nil, fmt.Errorf("model: missing feed %s", PastName(i))
		}
		pd := p.Dims
		if p.DType != kgf.DTypeF32 || len(pd) != 5 || pd[0] != 2 || pd[1] != batch ||
			pd[2] != r.cfg.NHead || pd[4] != r.cfg.HeadDim() {
			return nil, fmt.Errorf("model: %s must be f32 [2,%d,%d,past,%d], got %v",
				PastName(i), batch, r.cfg.NHead, r.cfg.HeadDim(), pd)
		}
		if i == 0 {
			past = pd[3]
		} else if pd[3] != past {
			return nil, fmt.Errorf("model: cache lengths disagree: %s has %d, want %d", PastName(i), pd[3], past)
		}
		pasts[i] = p
	}
	total := past + seq

	maskT, ok := feeds[AttentionMaskName]
	if !ok || maskT.DType != kgf.DTypeF32 || !kgf.SameDims(maskT.Dims, []int{batch, total}) {
		return nil, fmt.Errorf("model: %s must be an f32 [%d,%d] tensor", AttentionMaskName, batch, total)
	}
	mask := maskT.F32()

	h := r.cfg.NEmbd
	idv, posv := ids.I64(), pos.I64()
	hidden := make([]float32, batch*seq*h)
	for t := 0; t < batch*seq; t++ {
		id, pp := idv[t], posv[t]
		if id < 0 || id >= int64(r.cfg.VocabSize) {
			return nil, fmt.Errorf("model: token id %d out of range [0,%d)", id, r.cfg.VocabSize)
		}
		if pp < 0 || pp >= int64(r.cfg.NPositions) {
			return nil, fmt.Errorf("model: position %d out of range [0,%d)", pp, r.cfg.NPositions)
		}
		row := hidden[t*h : (t+1)*h]
		te := r.w.WTE[int(id)*h:]
		pe := r.w.WPE[int(pp)*h:]
		for i := 0; i < h; i++ {
			row[i] = te[i] + pe[i]
		}
	}

	outs := make([]*kgf.Tensor, len(r.outputs))
	eps := r.cfg.Epsilon()
	scratch := make([]float32, batch*seq*h)
	for li := range r.w.Layers {
		l := &r.w.Layers[li]

		layerNorm(scratch, hidden, l.LN1Gamma, l.LN1Beta, h, eps)
		var pv []float32
		if past > 0 {
			pv = pasts[li].F32()
		}
		attnOut, present := r.attention(l, scratch, batch, seq, mask, pv, past)
		pres := kgf.NewF32(PresentName(li), []int{2, batch, r.cfg.NHead, total, r.cfg.HeadDim()}, present)
		outs[1+li] = pres

		proj := make([]float32, batch*seq*h)
		matmulBias(proj, attnOut, l.AttnProjWeight, l.AttnProjBias, batch*seq, h, h)
		for i := range hidden {
			hidden[i] += proj[i]
		}

		layerNorm(scratch, hidden, l.LN2Gamma, l.LN2Beta, h, eps)
		fc := make([]float32, batch*seq*4*h)
		matmulBias(fc, scratch, l.MLPFCWeight, l.MLPFCBias, batch*seq, h, 4*h)
		for i, v := range fc {
			fc[i] = geluTanh(v)
		}
		matmulBias(proj, fc, l.MLPProjWeight, l.MLPProjBias, batch*seq, 4*h, h)
		for i := range hidden {
			hidden[i] += proj[i]
		}
	}

	layerNorm(scratch, hidden, r.w.LNFGamma, r.w.LNFBeta, h, eps)
	logits := kgf.NewF32(LogitsName, []int{batch, seq, r.cfg.VocabSize}, nil)
	lv := logits.F32()
	// Tied head: logits are dot products against embedding rows.
	for t := 0; t < batch*seq; t++ {
		row := scratch[t*h : (t+1)*h]
		out := lv[t*r.cfg.VocabSize : (t+1)*r.cfg.VocabSize]
		for v := 0; v < r.cfg.VocabSize; v++ {
			te := r.w.WTE[v*h : (v+1)*h]
			var dot float32
			for i, x := range row {
				dot += x * te[i]
			}
			out[v] = dot
		}
	}
	outs[0] = logits
	return outs, nil
}

// RunBound runs the model and copies the outputs into the binding's buffers.
func (r *Reference) RunBound(feeds map[string]*kgf.Tensor, b *backend.Binding) ([]*kgf.Tensor, error) {
	outs, err := r.Run(feeds)
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

// attention computes fused multi-head causal attention for one layer and
// returns the merged per-head context (before the output projection) plus
// the present cache [2,B,heads,total,hd].
func (r *Reference) attention(l *LayerWeights, x []float32, batch, seq int, mask, past []float32, pastLen int) (out, present []float32) {
	h := r.cfg.NEmbd
	heads := r.cfg.NHead
	hd := r.cfg.HeadDim()
	total := pastLen + seq

	qkv := make([]float32, batch*seq*3*h)
	matmulBias(qkv, x, l.QKVWeight, l.QKVBias, batch*seq, h, 3*h)

	present = make([]float32, 2*batch*heads*total*hd)
	kvStride := batch * heads * total * hd
	for kv := 0; kv < 2; kv++ {
		for bi := 0; bi < batch; bi++ {
			for hh := 0; hh < heads; hh++ {
				dst := present[kv*kvStride+(bi*heads+hh)*total*hd:]
				if pastLen > 0 {
					src := past[kv*batch*heads*pastLen*hd+(bi*heads+hh)*pastLen*hd:]
					copy(dst[:pastLen*hd], src[:pastLen*hd])
				}
				for t := 0; t < seq; t++ {
					src := qkv[(bi*seq+t)*3*h+(kv+1)*h+hh*hd:]
					copy(dst[(pastLen+t)*hd:(pastLen+t+1)*hd], src[:hd])
				}
			}
		}
	}

	out = make([]float32, batch*seq*h)
	scores := make([]float32, total)
	invSqrt := float32(1 / math.Sqrt(float64(hd)))
	for bi := 0; bi < batch; bi++ {
		for hh := 0; hh < heads; hh++ {
			keys := present[(bi*heads+hh)*total*hd:]
			vals := present[kvStride+(bi*heads+hh)*total*hd:]
			for t := 0; t < seq; t++ {
				q := qkv[(bi*seq+t)*3*h+hh*hd:]
				limit := pastLen + t + 1
				maxv := float32(math.Inf(-1))
				for j := 0; j < limit; j++ {
					var dot float32
					kr := keys[j*hd : (j+1)*hd]
					for d := 0; d < hd; d++ {
						dot += q[d] * kr[d]
					}
					sc := dot*invSqrt + attnMaskPenalty*(1-mask[bi*total+j])
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
				orow := out[(bi*seq+t)*h+hh*hd : (bi*seq+t)*h+(hh+1)*hd]
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
	return out, present
}

// attnMaskPenalty zeroes masked key positions after softmax in float32.
const attnMaskPenalty = -10000.0

// matmulBias computes out[r] = x[r] W + b for rows of width k and outputs of
// width n; W is [k, n] row-major.
func matmulBias(out, x, w, b []float32, rows, k, n int) {
	for r := 0; r < rows; r++ {
		row := x[r*k : (r+1)*k]
		o := out[r*n : (r+1)*n]
		copy(o, b)
		for i, v := range row {
			if v == 0 {
				continue
			}
			wr := w[i*n : (i+1)*n]
			for j, wj := range wr {
				o[j] += v * wj
			}
		}
	}
}

// layerNorm normalizes each row of width h into dst.
func layerNorm(dst, src, gamma, beta []float32, h int, eps float32) {
	rows := len(src) / h
	for r := 0; r < rows; r++ {
		row := src[r*h : (r+1)*h]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(h)
		var varsum float64
		for _, v := range row {
			d := float64(v) - mean
			varsum += d * d
		}
		inv := 1 / math.Sqrt(varsum/float64(h)+float64(eps))
		o := dst[r*h : (r+1)*h]
		for i, v := range row {
			o[i] = float32((float64(v)-mean)*inv)*gamma[i] + beta[i]
		}
	}
}

// geluTanh is the tanh-approximated gelu used by GPT-2.
func geluTanh(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v))))
}
