package model

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/kiln/internal/safetensors"
)

// LayerWeights holds one transformer block. Projection matrices use the
// GPT-2 checkpoint layout: inputs on rows, outputs on columns.
type LayerWeights struct {
	LN1Gamma, LN1Beta []float32 // [H]
	QKVWeight         []float32 // [H, 3H]
	QKVBias           []float32 // [3H]
	AttnProjWeight    []float32 // [H, H]
	AttnProjBias      []float32 // [H]
	LN2Gamma, LN2Beta []float32 // [H]
	MLPFCWeight       []float32 // [H, 4H]
	MLPFCBias         []float32 // [4H]
	MLPProjWeight     []float32 // [4H, H]
	MLPProjBias       []float32 // [H]
}

// Weights is a full GPT-2 parameter set. The language model head is tied to
// the token embedding.
type Weights struct {
	WTE []float32 // [V, H]
	WPE []float32 // [P, H]

	Layers []LayerWeights

	LNFGamma, LNFBeta []float32 // [H]
}

// NewRandom builds a deterministic small-magnitude parameter set for tests
// and synthetic parity runs.
func NewRandom(cfg Config, seed int64) *Weights {
	rng := rand.New(rand.NewSource(seed))
	fill := func(n int, scale float32) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = (rng.Float32()*2 - 1) * scale
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}
	h := cfg.NEmbd
	w := &Weights{
		WTE:      fill(cfg.VocabSize*h, 0.1),
		WPE:      fill(cfg.NPositions*h, 0.02),
		LNFGamma: ones(h),
		LNFBeta:  fill(h, 0.01),
		Layers:   make([]LayerWeights, cfg.NLayer),
	}
	for i := range w.Layers {
		w.Layers[i] = LayerWeights{
			LN1Gamma:       ones(h),
			LN1Beta:        fill(h, 0.01),
			QKVWeight:      fill(h*3*h, 0.05),
			QKVBias:        fill(3*h, 0.01),
			AttnProjWeight: fill(h*h, 0.05),
			AttnProjBias:   fill(h, 0.01),
			LN2Gamma:       ones(h),
			LN2Beta:        fill(h, 0.01),
			MLPFCWeight:    fill(h*4*h, 0.05),
			MLPFCBias:      fill(4*h, 0.01),
			MLPProjWeight:  fill(4*h*h, 0.05),
			MLPProjBias:    fill(h, 0.01),
		}
	}
	return w
}

// LoadSafetensors reads a GPT-2 checkpoint. Tensor names follow the Hugging
// Face layout, with or without the "transformer." prefix.
func LoadSafetensors(cfg Config, path string) (*Weights, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	prefix := ""
	if f.Has("transformer.wte.weight") {
		prefix = "transformer."
	}
	get := func(name string, want []int) ([]float32, error) {
		vals, shape, err := f.Float32(prefix + name)
		if err != nil {
			return nil, err
		}
		if len(want) != len(shape) {
			return nil, fmt.Errorf("model: %s: shape %v, want %v", name, shape, want)
		}
		for i := range want {
			if shape[i] != want[i] {
				return nil, fmt.Errorf("model: %s: shape %v, want %v", name, shape, want)
			}
		}
		return vals, nil
	}

	h := cfg.NEmbd
	w := &Weights{Layers: make([]LayerWeights, cfg.NLayer)}
	type load struct {
		dst  *[]float32
		name string
		want []int
	}
	loads := []load{
		{&w.WTE, "wte.weight", []int{cfg.VocabSize, h}},
		{&w.WPE, "wpe.weight", []int{cfg.NPositions, h}},
		{&w.LNFGamma, "ln_f.weight", []int{h}},
		{&w.LNFBeta, "ln_f.bias", []int{h}},
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		p := fmt.Sprintf("h.%d.", i)
		loads = append(loads,
			load{&l.LN1Gamma, p + "ln_1.weight", []int{h}},
			load{&l.LN1Beta, p + "ln_1.bias", []int{h}},
			load{&l.QKVWeight, p + "attn.c_attn.weight", []int{h, 3 * h}},
			load{&l.QKVBias, p + "attn.c_attn.bias", []int{3 * h}},
			load{&l.AttnProjWeight, p + "attn.c_proj.weight", []int{h, h}},
			load{&l.AttnProjBias, p + "attn.c_proj.bias", []int{h}},
			load{&l.LN2Gamma, p + "ln_2.weight", []int{h}},
			load{&l.LN2Beta, p + "ln_2.bias", []int{h}},
			load{&l.MLPFCWeight, p + "mlp.c_fc.weight", []int{h, 4 * h}},
			load{&l.MLPFCBias, p + "mlp.c_fc.bias", []int{4 * h}},
			load{&l.MLPProjWeight, p + "mlp.c_proj.weight", []int{4 * h, h}},
			load{&l.MLPProjBias, p + "mlp.c_proj.bias", []int{h}},
		)
	}
	for _, ld := range loads {
		vals, err := get(ld.name, ld.want)
		if err != nil {
			return nil, err
		}
		*ld.dst = vals
	}
	return w, nil
}
