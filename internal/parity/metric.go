// Package parity statistically compares two numeric backends over
// incremental decoding: per-step top-1/top-k agreement, absolute logit
// divergence split by cache state, and candidate latency bucketed by cache
// length.
package parity

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/samcharles93/kiln/internal/decode"
)

// bucketCount covers cache lengths up to 2^30.
const bucketCount = 32

// bucketFor maps a cache length to its latency bucket: bucket 0 is the
// empty-cache (context) step, bucket b>0 covers lengths [2^(b-1), 2^b).
func bucketFor(cacheLen int) int {
	if cacheLen <= 0 {
		return 0
	}
	b := int(math.Log2(float64(cacheLen))) + 1
	if b >= bucketCount {
		b = bucketCount - 1
	}
	return b
}

type bucket struct {
	steps int
	total time.Duration
}

// Metric accumulates divergence observations. Counters only grow; a
// divergence is data, never an error. Top-1 and top-k mismatches are latched
// per example within a trial and folded into the totals when the trial ends,
// so one noisy step and ten noisy steps cost the same.
type Metric struct {
	topK           int
	orderSensitive bool

	totalSamples int
	top1Errors   int
	topKErrors   int

	maxDiffEmpty float64 // steps with an empty cache
	maxDiffCache float64 // steps with a non-empty cache

	buckets [bucketCount]bucket

	latch1 []bool
	latchK []bool
}

// NewMetric compares the top k tokens per step. With orderSensitive the
// candidate must reproduce the reference's exact ranking; otherwise the two
// top-k sets just have to contain the same tokens.
func NewMetric(topK int, orderSensitive bool) *Metric {
	if topK < 1 {
		topK = 1
	}
	return &Metric{topK: topK, orderSensitive: orderSensitive}
}

// StartTrial begins a trial of the given batch size, resetting the
// per-example latches.
func (m *Metric) StartTrial(batch int) {
	m.latch1 = make([]bool, batch)
	m.latchK = make([]bool, batch)
}

// EndTrial folds the latched mismatches into the totals.
func (m *Metric) EndTrial() {
	for i := range m.latch1 {
		m.totalSamples++
		if m.latch1[i] {
			m.top1Errors++
		}
		if m.latchK[i] {
			m.topKErrors++
		}
	}
	m.latch1, m.latchK = nil, nil
}

// Step records one step-locked comparison. ref and cand hold the last-token
// logits row per live decode row; examples maps each row to its trial
// example (nil when rows and examples are 1:1, i.e. greedy decoding).
// cacheLen is the cache length the step ran against and latency is the
// candidate session's execution time.
func (m *Metric) Step(ref, cand [][]float32, examples []int, cacheLen int, latency time.Duration) error {
	if len(ref) != len(cand) {
		return fmt.Errorf("parity: step has %d reference rows but %d candidate rows", len(ref), len(cand))
	}
	if examples == nil {
		if len(ref) != len(m.latch1) {
			return fmt.Errorf("parity: step has %d rows for a %d-example trial", len(ref), len(m.latch1))
		}
		examples = make([]int, len(ref))
		for i := range examples {
			examples[i] = i
		}
	}
	for i := range ref {
		ex := examples[i]
		if ex < 0 || ex >= len(m.latch1) {
			return fmt.Errorf("parity: row %d maps to example %d of %d", i, ex, len(m.latch1))
		}
		if len(ref[i]) != len(cand[i]) {
			return fmt.Errorf("parity: row %d logits widths differ: %d vs %d", i, len(ref[i]), len(cand[i]))
		}
		for j := range ref[i] {
			d := math.Abs(float64(ref[i][j]) - float64(cand[i][j]))
			if cacheLen == 0 {
				if d > m.maxDiffEmpty {
					m.maxDiffEmpty = d
				}
			} else if d > m.maxDiffCache {
				m.maxDiffCache = d
			}
		}
		refTop := decode.TopK(ref[i], m.topK)
		candTop := decode.TopK(cand[i], m.topK)
		if refTop[0] != candTop[0] {
			m.latch1[ex] = true
		}
		if !m.topKMatch(refTop, candTop) {
			m.latchK[ex] = true
		}
	}
	b := bucketFor(cacheLen)
	m.buckets[b].steps++
	m.buckets[b].total += latency
	return nil
}

func (m *Metric) topKMatch(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	if m.orderSensitive {
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
	set := make(map[int64]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

// BucketStats is one latency bucket of the report.
type BucketStats struct {
	Bucket      int
	Steps       int
	MeanLatency time.Duration
}

// Report is the folded outcome of a parity run. Thresholding is caller
// policy; the report only carries counts.
type Report struct {
	TopK         int
	TotalSamples int
	Top1Errors   int
	TopKErrors   int

	MaxDiffEmptyCache float64
	MaxDiffWithCache  float64

	Buckets []BucketStats
}

// Report snapshots the metric.
func (m *Metric) Report() *Report {
	r := &Report{
		TopK:              m.topK,
		TotalSamples:      m.totalSamples,
		Top1Errors:        m.top1Errors,
		TopKErrors:        m.topKErrors,
		MaxDiffEmptyCache: m.maxDiffEmpty,
		MaxDiffWithCache:  m.maxDiffCache,
	}
	for b, st := range m.buckets {
		if st.steps == 0 {
			continue
		}
		r.Buckets = append(r.Buckets, BucketStats{
			Bucket:      b,
			Steps:       st.steps,
			MeanLatency: st.total / time.Duration(st.steps),
		})
	}
	return r
}

// Top1Rate returns the fraction of examples with at least one top-1 mismatch.
func (r *Report) Top1Rate() float64 {
	if r.TotalSamples == 0 {
		return 0
	}
	return float64(r.Top1Errors) / float64(r.TotalSamples)
}

// TopKRate returns the fraction of examples with at least one top-k mismatch.
func (r *Report) TopKRate() float64 {
	if r.TotalSamples == 0 {
		return 0
	}
	return float64(r.TopKErrors) / float64(r.TotalSamples)
}

// String renders the report in a compact human-readable form.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "samples=%d top1_errors=%d (%.2f%%) top%d_errors=%d (%.2f%%)\n",
		r.TotalSamples, r.Top1Errors, 100*r.Top1Rate(), r.TopK, r.TopKErrors, 100*r.TopKRate())
	fmt.Fprintf(&b, "max_logits_diff: empty_cache=%.6g with_cache=%.6g\n",
		r.MaxDiffEmptyCache, r.MaxDiffWithCache)
	for _, bs := range r.Buckets {
		span := "no cache"
		if bs.Bucket > 0 {
			span = fmt.Sprintf("cache %d..%d", 1<<(bs.Bucket-1), 1<<bs.Bucket-1)
		}
		fmt.Fprintf(&b, "bucket %d (%s): steps=%d mean_latency=%s\n",
			bs.Bucket, span, bs.Steps, bs.MeanLatency)
	}
	return b.String()
}
