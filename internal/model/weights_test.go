package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

func tinyConfig() Config {
	return Config{NLayer: 1, NHead: 1, NEmbd: 2, VocabSize: 3, NPositions: 4}
}

type ckptTensor struct {
	name  string
	shape []int
}

// checkpointTensors lists the HF tensor names and shapes for a config in
// checkpoint order.
func checkpointTensors(cfg Config) []ckptTensor {
	h := cfg.NEmbd
	out := []ckptTensor{
		{"wte.weight", []int{cfg.VocabSize, h}},
		{"wpe.weight", []int{cfg.NPositions, h}},
		{"ln_f.weight", []int{h}},
		{"ln_f.bias", []int{h}},
	}
	for i := 0; i < cfg.NLayer; i++ {
		p := fmt.Sprintf("h.%d.", i)
		out = append(out,
			ckptTensor{p + "ln_1.weight", []int{h}},
			ckptTensor{p + "ln_1.bias", []int{h}},
			ckptTensor{p + "attn.c_attn.weight", []int{h, 3 * h}},
			ckptTensor{p + "attn.c_attn.bias", []int{3 * h}},
			ckptTensor{p + "attn.c_proj.weight", []int{h, h}},
			ckptTensor{p + "attn.c_proj.bias", []int{h}},
			ckptTensor{p + "ln_2.weight", []int{h}},
			ckptTensor{p + "ln_2.bias", []int{h}},
			ckptTensor{p + "mlp.c_fc.weight", []int{h, 4 * h}},
			ckptTensor{p + "mlp.c_fc.bias", []int{4 * h}},
			ckptTensor{p + "mlp.c_proj.weight", []int{4 * h, h}},
			ckptTensor{p + "mlp.c_proj.bias", []int{h}},
		)
	}
	return out
}

// writeCheckpoint builds a float32 safetensors file where tensor k is filled
// with the constant value k+1.
func writeCheckpoint(t *testing.T, cfg Config, prefix string, shapes map[string][]int) string {
	t.Helper()
	header := make(map[string]any)
	var payload []byte
	for k, tt := range checkpointTensors(cfg) {
		shape := tt.shape
		if s, ok := shapes[tt.name]; ok {
			shape = s
		}
		n := 1
		for _, d := range shape {
			n *= d
		}
		start := len(payload)
		for i := 0; i < n; i++ {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(k+1)))
			payload = append(payload, b[:]...)
		}
		header[prefix+tt.name] = map[string]any{
			"dtype": "F32", "shape": shape, "data_offsets": []int{start, len(payload)},
		}
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8, 8+len(hdr)+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(len(hdr)))
	buf = append(buf, hdr...)
	buf = append(buf, payload...)

	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewRandomDeterministic(t *testing.T) {
	cfg := Config{NLayer: 2, NHead: 2, NEmbd: 4, VocabSize: 5, NPositions: 8}
	a := NewRandom(cfg, 42)
	b := NewRandom(cfg, 42)
	c := NewRandom(cfg, 43)

	if len(a.WTE) != cfg.VocabSize*cfg.NEmbd || len(a.WPE) != cfg.NPositions*cfg.NEmbd {
		t.Fatalf("embedding sizes %d/%d", len(a.WTE), len(a.WPE))
	}
	if len(a.Layers) != cfg.NLayer {
		t.Fatalf("layer count %d", len(a.Layers))
	}
	for i := range a.WTE {
		if a.WTE[i] != b.WTE[i] {
			t.Fatalf("same seed diverged at wte[%d]", i)
		}
	}
	same := true
	for i := range a.WTE {
		if a.WTE[i] != c.WTE[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical embeddings")
	}
	for i := range a.Layers[0].LN1Gamma {
		if a.Layers[0].LN1Gamma[i] != 1 {
			t.Fatal("layer norm gamma must start at 1")
		}
	}
}

func TestLoadSafetensors(t *testing.T) {
	cfg := tinyConfig()
	w, err := LoadSafetensors(cfg, writeCheckpoint(t, cfg, "", nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// wte is tensor 0 (fill 1), wpe tensor 1 (fill 2).
	if w.WTE[0] != 1 || len(w.WTE) != 6 {
		t.Fatalf("wte %v", w.WTE)
	}
	if w.WPE[0] != 2 || len(w.WPE) != 8 {
		t.Fatalf("wpe %v", w.WPE)
	}
	l := w.Layers[0]
	if len(l.QKVWeight) != 2*6 || len(l.MLPFCWeight) != 2*8 || len(l.MLPProjWeight) != 8*2 {
		t.Fatalf("layer widths %d/%d/%d", len(l.QKVWeight), len(l.MLPFCWeight), len(l.MLPProjWeight))
	}
}

func TestLoadSafetensorsTransformerPrefix(t *testing.T) {
	cfg := tinyConfig()
	w, err := LoadSafetensors(cfg, writeCheckpoint(t, cfg, "transformer.", nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if w.WTE[0] != 1 {
		t.Fatalf("wte %v", w.WTE)
	}
}

func TestLoadSafetensorsRejectsBadShape(t *testing.T) {
	cfg := tinyConfig()
	path := writeCheckpoint(t, cfg, "", map[string][]int{
		"wte.weight": {2, 2}, // vocab rows missing
	})
	if _, err := LoadSafetensors(cfg, path); err == nil {
		t.Fatal("accepted a checkpoint with the wrong wte shape")
	}
}
