// Package decode drives incremental autoregressive decoding over a
// backend.Session: greedy and beam search with an attention cache that grows
// one token per step. Beam bookkeeping (scores, parent selection, finished
// masking) lives host-side; the executed graph only sees flat batch rows.
package decode

import (
	"math"
	"sort"
)

// negInf marks beam candidates that must never be selected.
var negInf = float32(math.Inf(-1))

// TopK returns the indices of the k largest values in descending value
// order. Ties resolve to the lower index. k is clamped to len(values).
func TopK(values []float32, k int) []int64 {
	if k > len(values) {
		k = len(values)
	}
	if k <= 0 {
		return nil
	}
	if k == 1 {
		best := 0
		for i, v := range values {
			if v > values[best] {
				best = i
			}
		}
		return []int64{int64(best)}
	}
	idx := make([]int64, len(values))
	for i := range idx {
		idx[i] = int64(i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := values[idx[a]], values[idx[b]]
		if va != vb {
			return va > vb
		}
		return idx[a] < idx[b]
	})
	return idx[:k]
}

// logSoftmax converts one logits row to log probabilities in place-safe
// fashion (a fresh slice is returned).
func logSoftmax(logits []float32) []float32 {
	maxv := negInf
	for _, v := range logits {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxv))
	}
	lse := float32(math.Log(sum)) + maxv
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}

// candidate is one (token, score) continuation of a live beam.
type candidate struct {
	parent int // row index of the originating beam
	token  int64
	score  float32
}

// beamCandidates expands one beam row into its k candidate continuations.
// A finished beam emits EOS in every candidate column, but only column 0
// keeps the beam's probability mass; the rest are forced to -inf so a
// finished beam contributes exactly one candidate.
func beamCandidates(row int, logits []float32, prevScore float32, finished bool, eos int64, k int) []candidate {
	out := make([]candidate, 0, k)
	if finished {
		out = append(out, candidate{parent: row, token: eos, score: prevScore})
		for i := 1; i < k; i++ {
			out = append(out, candidate{parent: row, token: eos, score: negInf})
		}
		return out
	}
	logp := logSoftmax(logits)
	for _, tok := range TopK(logp, k) {
		out = append(out, candidate{parent: row, token: tok, score: prevScore + logp[tok]})
	}
	return out
}

// selectBeams picks the best width candidates from one batch group's pool.
// Selection is stable: equal scores keep pool order, which keeps runs
// reproducible across backends producing identical logits.
func selectBeams(pool []candidate, width int) []candidate {
	sorted := append([]candidate(nil), pool...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].score > sorted[b].score
	})
	if width > len(sorted) {
		width = len(sorted)
	}
	return sorted[:width]
}
