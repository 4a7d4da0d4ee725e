package model

import (
	"math"
	"testing"

	"github.com/samcharles93/kiln/internal/backend/interp"
	"github.com/samcharles93/kiln/pkg/kgf"
)

func TestExportStructure(t *testing.T) {
	cfg := forwardConfig()
	w := NewRandom(cfg, 4)
	g, err := Export(cfg, w)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	// The graph exposes the exact session interface of the reference, so the
	// two are interchangeable under a decode loop.
	r := NewReference(cfg, w)
	for i, vi := range g.Inputs {
		if vi.Name != r.InputNames()[i] {
			t.Fatalf("input %d is %q, want %q", i, vi.Name, r.InputNames()[i])
		}
	}
	for i, vi := range g.Outputs {
		if vi.Name != r.OutputNames()[i] {
			t.Fatalf("output %d is %q, want %q", i, vi.Name, r.OutputNames()[i])
		}
	}

	attn := g.FindNode("h.0.attn")
	if attn == nil || attn.Op != "Attention" {
		t.Fatalf("h.0.attn node: %+v", attn)
	}
	attrs, ok := attn.Attr.(kgf.AttentionAttrs)
	if !ok || attrs.NumHeads != cfg.NHead || !attrs.Unidirectional {
		t.Fatalf("attention attrs %+v", attn.Attr)
	}

	// The tied head is the embedding matrix transposed.
	head, ok := g.Initializer("lm_head.weight")
	if !ok || !kgf.SameDims(head.Dims, []int{cfg.NEmbd, cfg.VocabSize}) {
		t.Fatalf("lm_head.weight: %+v", head)
	}
	hv := head.F32()
	for v := 0; v < cfg.VocabSize; v++ {
		for i := 0; i < cfg.NEmbd; i++ {
			if hv[i*cfg.VocabSize+v] != w.WTE[v*cfg.NEmbd+i] {
				t.Fatalf("head[%d,%d] not tied to wte", i, v)
			}
		}
	}

	if _, ok := g.Initializer("h.1.mlp.c_proj.weight"); !ok {
		t.Fatal("layer 1 weights missing")
	}
}

func TestExportMatchesReference(t *testing.T) {
	cfg := forwardConfig()
	w := NewRandom(cfg, 6)
	g, err := Export(cfg, w)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := interp.New(g)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	r := NewReference(cfg, w)

	feeds := stepFeeds(cfg, [][]int64{{2, 7, 5}}, 0, nil)
	refOuts, err := r.Run(feeds)
	if err != nil {
		t.Fatal(err)
	}
	gotOuts, err := sess.Run(feeds)
	if err != nil {
		t.Fatalf("graph run: %v", err)
	}

	var maxDiff float64
	rv, gv := refOuts[0].F32(), gotOuts[0].F32()
	if len(rv) != len(gv) {
		t.Fatalf("logit counts %d vs %d", len(rv), len(gv))
	}
	for i := range rv {
		if d := math.Abs(float64(rv[i] - gv[i])); d > maxDiff {
			maxDiff = d
		}
	}
	if maxDiff > 1e-3 {
		t.Fatalf("logits diverge by %v", maxDiff)
	}

	// The graph's cache feeds back into itself the same way the reference's
	// does.
	stepFromGraph := stepFeeds(cfg, [][]int64{{9}}, 3, gotOuts[1:])
	if _, err := sess.Run(stepFromGraph); err != nil {
		t.Fatalf("cached graph step: %v", err)
	}
}

func TestExportRejectsInvalidConfig(t *testing.T) {
	cfg := forwardConfig()
	cfg.NHead = 3 // does not divide n_embd
	if _, err := Export(cfg, NewRandom(forwardConfig(), 1)); err == nil {
		t.Fatal("accepted an invalid config")
	}
}
