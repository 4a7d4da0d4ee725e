package decode

import (
	"math"
	"testing"
)

func TestTopK(t *testing.T) {
	vals := []float32{1, 5, 3, 5, 2}

	got := TopK(vals, 3)
	want := []int64{1, 3, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("top3 = %v, want %v", got, want)
		}
	}

	// Ties resolve to the lower index.
	if got := TopK([]float32{2, 2, 2}, 2); got[0] != 0 || got[1] != 1 {
		t.Fatalf("tie order %v, want [0 1]", got)
	}

	// k clamps to the value count.
	if got := TopK([]float32{1, 2}, 10); len(got) != 2 {
		t.Fatalf("clamped len %d, want 2", len(got))
	}
	if got := TopK(vals, 0); got != nil {
		t.Fatalf("k=0 returned %v", got)
	}

	// The k=1 fast path agrees with the general path.
	if got := TopK(vals, 1); got[0] != 1 {
		t.Fatalf("top1 = %v, want [1]", got)
	}
}

func TestLogSoftmax(t *testing.T) {
	lp := logSoftmax([]float32{1, 2, 3})
	var sum float64
	for _, v := range lp {
		if v >= 0 {
			t.Fatalf("log probability %v is non-negative", v)
		}
		sum += math.Exp(float64(v))
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("probabilities sum to %v", sum)
	}
	if !(lp[2] > lp[1] && lp[1] > lp[0]) {
		t.Fatalf("ordering lost: %v", lp)
	}
}

func TestBeamCandidatesLive(t *testing.T) {
	logits := []float32{0, 2, 1}
	cands := beamCandidates(3, logits, -1.5, false, 2, 2)
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	lp := logSoftmax(logits)
	if cands[0].parent != 3 || cands[0].token != 1 || cands[0].score != -1.5+lp[1] {
		t.Fatalf("best candidate %+v", cands[0])
	}
	if cands[1].token != 2 || cands[1].score != -1.5+lp[2] {
		t.Fatalf("second candidate %+v", cands[1])
	}
}

func TestBeamCandidatesFinished(t *testing.T) {
	// A finished beam contributes its score exactly once; the filler
	// candidates can never win.
	cands := beamCandidates(1, []float32{9, 9, 9}, -0.25, true, 7, 3)
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3", len(cands))
	}
	if cands[0].token != 7 || cands[0].score != -0.25 {
		t.Fatalf("kept candidate %+v", cands[0])
	}
	for _, c := range cands[1:] {
		if c.token != 7 || c.score != negInf {
			t.Fatalf("filler candidate %+v", c)
		}
	}
}

func TestSelectBeamsStable(t *testing.T) {
	pool := []candidate{
		{parent: 0, token: 10, score: 1},
		{parent: 1, token: 11, score: 2},
		{parent: 2, token: 12, score: 2},
		{parent: 3, token: 13, score: 0},
	}
	got := selectBeams(pool, 3)
	if got[0].parent != 1 || got[1].parent != 2 || got[2].parent != 0 {
		t.Fatalf("selection %+v", got)
	}
	if got := selectBeams(pool, 10); len(got) != len(pool) {
		t.Fatalf("width clamp gave %d", len(got))
	}
}
