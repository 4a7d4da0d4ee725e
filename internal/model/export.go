package model

import (
	"fmt"

	"github.com/samcharles93/kiln/pkg/kgf"
)

// Export lowers the parameter set to a KGF graph computing the same forward
// pass as Reference: token and position embedding gathers, per-layer fused
// attention blocks, and a tied language model head. Input and output names
// match the reference session, so either can back a decode loop.
func Export(cfg Config, w *Weights) (*kgf.Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := cfg.NEmbd
	hd := cfg.HeadDim()

	g := kgf.NewGraph("gpt2")
	g.Producer = "kiln.convert"
	g.Inputs = []kgf.ValueInfo{
		{Name: InputIDsName, DType: kgf.DTypeI64, Dims: []int{-1, -1}},
		{Name: PositionIDsName, DType: kgf.DTypeI64, Dims: []int{-1, -1}},
		{Name: AttentionMaskName, DType: kgf.DTypeF32, Dims: []int{-1, -1}},
	}
	g.Outputs = []kgf.ValueInfo{
		{Name: LogitsName, DType: kgf.DTypeF32, Dims: []int{-1, -1, cfg.VocabSize}},
	}
	for i := 0; i < cfg.NLayer; i++ {
		g.Inputs = append(g.Inputs, kgf.ValueInfo{
			Name: PastName(i), DType: kgf.DTypeF32, Dims: []int{2, -1, cfg.NHead, -1, hd},
		})
		g.Outputs = append(g.Outputs, kgf.ValueInfo{
			Name: PresentName(i), DType: kgf.DTypeF32, Dims: []int{2, -1, cfg.NHead, -1, hd},
		})
	}

	g.AddInitializer(kgf.NewF32("wte.weight", []int{cfg.VocabSize, h}, w.WTE))
	g.AddInitializer(kgf.NewF32("wpe.weight", []int{cfg.NPositions, h}, w.WPE))

	g.AddNode(&kgf.Node{
		Name:    "tok_embed",
		Op:      "Gather",
		Inputs:  []string{"wte.weight", InputIDsName},
		Outputs: []string{"tok_embed.out"},
		Attr:    kgf.GatherAttrs{Axis: 0},
	})
	g.AddNode(&kgf.Node{
		Name:    "pos_embed",
		Op:      "Gather",
		Inputs:  []string{"wpe.weight", PositionIDsName},
		Outputs: []string{"pos_embed.out"},
		Attr:    kgf.GatherAttrs{Axis: 0},
	})
	g.AddNode(&kgf.Node{
		Name:    "embed_sum",
		Op:      "Add",
		Inputs:  []string{"tok_embed.out", "pos_embed.out"},
		Outputs: []string{"embed_sum.out"},
	})

	x := "embed_sum.out"
	eps := cfg.Epsilon()
	for i, l := range w.Layers {
		p := fmt.Sprintf("h.%d.", i)

		g.AddInitializer(kgf.NewF32(p+"ln_1.weight", []int{h}, l.LN1Gamma))
		g.AddInitializer(kgf.NewF32(p+"ln_1.bias", []int{h}, l.LN1Beta))
		g.AddInitializer(kgf.NewF32(p+"attn.c_attn.weight", []int{h, 3 * h}, l.QKVWeight))
		g.AddInitializer(kgf.NewF32(p+"attn.c_attn.bias", []int{3 * h}, l.QKVBias))
		g.AddInitializer(kgf.NewF32(p+"attn.c_proj.weight", []int{h, h}, l.AttnProjWeight))
		g.AddInitializer(kgf.NewF32(p+"attn.c_proj.bias", []int{h}, l.AttnProjBias))
		g.AddInitializer(kgf.NewF32(p+"ln_2.weight", []int{h}, l.LN2Gamma))
		g.AddInitializer(kgf.NewF32(p+"ln_2.bias", []int{h}, l.LN2Beta))
		g.AddInitializer(kgf.NewF32(p+"mlp.c_fc.weight", []int{h, 4 * h}, l.MLPFCWeight))
		g.AddInitializer(kgf.NewF32(p+"mlp.c_fc.bias", []int{4 * h}, l.MLPFCBias))
		g.AddInitializer(kgf.NewF32(p+"mlp.c_proj.weight", []int{4 * h, h}, l.MLPProjWeight))
		g.AddInitializer(kgf.NewF32(p+"mlp.c_proj.bias", []int{h}, l.MLPProjBias))

		g.AddNode(&kgf.Node{
			Name:    p + "ln_1",
			Op:      "LayerNormalization",
			Inputs:  []string{x, p + "ln_1.weight", p + "ln_1.bias"},
			Outputs: []string{p + "ln_1.out"},
			Attr:    kgf.LayerNormAttrs{Epsilon: eps},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "attn",
			Op:      "Attention",
			Inputs:  []string{p + "ln_1.out", p + "attn.c_attn.weight", p + "attn.c_attn.bias", AttentionMaskName, PastName(i)},
			Outputs: []string{p + "attn.context", PresentName(i)},
			Attr:    kgf.AttentionAttrs{NumHeads: cfg.NHead, Unidirectional: true},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "attn.proj",
			Op:      "MatMul",
			Inputs:  []string{p + "attn.context", p + "attn.c_proj.weight"},
			Outputs: []string{p + "attn.proj.matmul"},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "attn.proj_bias",
			Op:      "Add",
			Inputs:  []string{p + "attn.proj.matmul", p + "attn.c_proj.bias"},
			Outputs: []string{p + "attn.proj.out"},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "res_1",
			Op:      "Add",
			Inputs:  []string{x, p + "attn.proj.out"},
			Outputs: []string{p + "res_1.out"},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "ln_2",
			Op:      "LayerNormalization",
			Inputs:  []string{p + "res_1.out", p + "ln_2.weight", p + "ln_2.bias"},
			Outputs: []string{p + "ln_2.out"},
			Attr:    kgf.LayerNormAttrs{Epsilon: eps},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "mlp.fc",
			Op:      "MatMul",
			Inputs:  []string{p + "ln_2.out", p + "mlp.c_fc.weight"},
			Outputs: []string{p + "mlp.fc.matmul"},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "mlp.fc_bias",
			Op:      "Add",
			Inputs:  []string{p + "mlp.fc.matmul", p + "mlp.c_fc.bias"},
			Outputs: []string{p + "mlp.fc.out"},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "mlp.act",
			Op:      "Gelu",
			Inputs:  []string{p + "mlp.fc.out"},
			Outputs: []string{p + "mlp.act.out"},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "mlp.proj",
			Op:      "MatMul",
			Inputs:  []string{p + "mlp.act.out", p + "mlp.c_proj.weight"},
			Outputs: []string{p + "mlp.proj.matmul"},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "mlp.proj_bias",
			Op:      "Add",
			Inputs:  []string{p + "mlp.proj.matmul", p + "mlp.c_proj.bias"},
			Outputs: []string{p + "mlp.proj.out"},
		})
		g.AddNode(&kgf.Node{
			Name:    p + "res_2",
			Op:      "Add",
			Inputs:  []string{p + "res_1.out", p + "mlp.proj.out"},
			Outputs: []string{p + "res_2.out"},
		})
		x = p + "res_2.out"
	}

	g.AddInitializer(kgf.NewF32("ln_f.weight", []int{h}, w.LNFGamma))
	g.AddInitializer(kgf.NewF32("ln_f.bias", []int{h}, w.LNFBeta))
	g.AddNode(&kgf.Node{
		Name:    "ln_f",
		Op:      "LayerNormalization",
		Inputs:  []string{x, "ln_f.weight", "ln_f.bias"},
		Outputs: []string{"ln_f.out"},
		Attr:    kgf.LayerNormAttrs{Epsilon: eps},
	})

	// Tied head: the embedding matrix transposed to [H, V].
	head := make([]float32, h*cfg.VocabSize)
	for v := 0; v < cfg.VocabSize; v++ {
		for i := 0; i < h; i++ {
			head[i*cfg.VocabSize+v] = w.WTE[v*h+i]
		}
	}
	g.AddInitializer(kgf.NewF32("lm_head.weight", []int{h, cfg.VocabSize}, head))
	g.AddNode(&kgf.Node{
		Name:    "lm_head",
		Op:      "MatMul",
		Inputs:  []string{"ln_f.out", "lm_head.weight"},
		Outputs: []string{LogitsName},
	})
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
