package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeFile assembles a checkpoint from a raw header object and payload.
func writeFile(t *testing.T, header map[string]any, payload []byte) string {
	t.Helper()
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

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestOpenFloat32(t *testing.T) {
	payload := f32Bytes(1, -2, 0.5, 3)
	path := writeFile(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"a": map[string]any{
			"dtype": "F32", "shape": []int{2, 2}, "data_offsets": []int{0, 16},
		},
	}, payload)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if !f.Has("a") || f.Has("b") {
		t.Fatal("Has lookup wrong")
	}
	if names := f.Names(); len(names) != 1 || names[0] != "a" {
		t.Fatalf("names %v", names)
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata %v", f.Metadata)
	}

	vals, shape, err := f.Float32("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 2 {
		t.Fatalf("shape %v", shape)
	}
	want := []float32{1, -2, 0.5, 3}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("vals[%d] = %v, want %v", i, vals[i], want[i])
		}
	}

	if _, _, err := f.Float32("missing"); err == nil {
		t.Fatal("missing tensor accepted")
	}
}

func TestOpenHalfPrecision(t *testing.T) {
	// F16 1.0, -0.5 followed by BF16 1.0, -2.0.
	payload := []byte{
		0x00, 0x3C, 0x00, 0xB8,
		0x80, 0x3F, 0x00, 0xC0,
	}
	path := writeFile(t, map[string]any{
		"h": map[string]any{
			"dtype": "F16", "shape": []int{2}, "data_offsets": []int{0, 4},
		},
		"b": map[string]any{
			"dtype": "BF16", "shape": []int{2}, "data_offsets": []int{4, 8},
		},
	}, payload)

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	hv, _, err := f.Float32("h")
	if err != nil {
		t.Fatal(err)
	}
	if hv[0] != 1 || hv[1] != -0.5 {
		t.Fatalf("f16 values %v, want [1 -0.5]", hv)
	}
	bv, _, err := f.Float32("b")
	if err != nil {
		t.Fatal(err)
	}
	if bv[0] != 1 || bv[1] != -2 {
		t.Fatalf("bf16 values %v, want [1 -2]", bv)
	}
}

func TestF16ToF32(t *testing.T) {
	tests := []struct {
		bits uint16
		want float32
	}{
		{0x0000, 0},
		{0x3C00, 1},
		{0x3800, 0.5},
		{0xC000, -2},
		{0x7BFF, 65504}, // largest finite half
		{0x0001, 5.9604645e-8},
	}
	for _, tt := range tests {
		if got := f16ToF32(tt.bits); got != tt.want {
			t.Fatalf("f16ToF32(%#04x) = %v, want %v", tt.bits, got, tt.want)
		}
	}
	if !math.IsInf(float64(f16ToF32(0x7C00)), 1) || !math.IsInf(float64(f16ToF32(0xFC00)), -1) {
		t.Fatal("half infinities not widened")
	}
	if !math.IsNaN(float64(f16ToF32(0x7E00))) {
		t.Fatal("half NaN not widened")
	}
	// -0 keeps its sign bit.
	if math.Float32bits(f16ToF32(0x8000)) != 1<<31 {
		t.Fatal("negative zero lost its sign")
	}
}

func TestOpenRejects(t *testing.T) {
	short := filepath.Join(t.TempDir(), "short.safetensors")
	if err := os.WriteFile(short, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(short); err == nil {
		t.Fatal("accepted a truncated file")
	}

	// Header length pointing past the end of the file.
	huge := filepath.Join(t.TempDir(), "huge.safetensors")
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, 1<<40)
	if err := os.WriteFile(huge, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(huge); err == nil {
		t.Fatal("accepted an oversized header length")
	}

	if _, err := Open(writeFile(t, map[string]any{
		"a": map[string]any{
			"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 100},
		},
	}, f32Bytes(1))); err == nil {
		t.Fatal("accepted offsets past the payload")
	}
}

func TestFloat32Rejects(t *testing.T) {
	path := writeFile(t, map[string]any{
		"i": map[string]any{
			"dtype": "I64", "shape": []int{1}, "data_offsets": []int{0, 8},
		},
		"trunc": map[string]any{
			"dtype": "F32", "shape": []int{2}, "data_offsets": []int{0, 4},
		},
	}, f32Bytes(1, 2))

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, _, err := f.Float32("i"); err == nil {
		t.Fatal("accepted an i64 tensor")
	}
	if _, _, err := f.Float32("trunc"); err == nil {
		t.Fatal("accepted a byte count mismatching the shape")
	}
}
