package parity

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/decode"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/pkg/kgf"
)

// Options configures a parity run.
type Options struct {
	Model model.Config

	Trials    int
	MaxSteps  int
	BatchSize int
	PromptLen int
	BeamSize  int

	TopK           int
	OrderSensitive bool
	Seed           int64

	// FixtureDir, when set, receives one tensor file per session input and
	// compared output under <dir>/<run id>/trial_N/step_N/.
	FixtureDir string

	Logger logger.Logger
}

func (o *Options) defaults() {
	if o.Trials < 1 {
		o.Trials = 1
	}
	if o.MaxSteps < 1 {
		o.MaxSteps = 1
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.PromptLen < 1 {
		o.PromptLen = 1
	}
	if o.BeamSize < 1 {
		o.BeamSize = 1
	}
	if o.TopK < 1 {
		o.TopK = 1
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
}

// Evaluator runs a reference and a candidate session step-locked on
// identical feeds: the reference's logits drive token selection, so both
// sessions always see the same inputs and a candidate divergence can never
// steer the decode off the reference path.
type Evaluator struct {
	ref  backend.Session
	cand backend.Session
	opts Options
}

// NewEvaluator pairs the sessions. The reference is ground truth.
func NewEvaluator(ref, cand backend.Session, opts Options) (*Evaluator, error) {
	if err := opts.Model.Validate(); err != nil {
		return nil, fmt.Errorf("parity: %w", err)
	}
	opts.defaults()
	return &Evaluator{ref: ref, cand: cand, opts: opts}, nil
}

// Run executes all trials and returns the folded report.
func (e *Evaluator) Run() (*Report, error) {
	o := e.opts
	rng := rand.New(rand.NewSource(o.Seed))
	metric := NewMetric(o.TopK, o.OrderSensitive)
	binding := backend.NewBinding()

	runID := ""
	if o.FixtureDir != "" {
		runID = uuid.NewString()
		o.Logger.Info("saving fixtures", "dir", filepath.Join(o.FixtureDir, runID))
	}
	o.Logger.Info("parity run",
		"trials", o.Trials, "max_steps", o.MaxSteps, "batch", o.BatchSize,
		"beam", o.BeamSize, "top_k", o.TopK, "seed", o.Seed)

	for trial := 0; trial < o.Trials; trial++ {
		prompts := make([][]int64, o.BatchSize)
		for i := range prompts {
			p := make([]int64, o.PromptLen)
			for j := range p {
				p[j] = int64(rng.Intn(o.Model.VocabSize))
			}
			prompts[i] = p
		}
		st, err := decode.NewState(decode.Config{
			Layers:   o.Model.NLayer,
			Heads:    o.Model.NHead,
			HeadDim:  o.Model.HeadDim(),
			EOS:      o.Model.EOSTokenID,
			BeamSize: o.BeamSize,
			MaxSteps: o.MaxSteps,
		}, prompts)
		if err != nil {
			return nil, err
		}

		metric.StartTrial(o.BatchSize)
		for !st.Done() {
			step := st.Steps()
			cacheLen := st.CacheLen()
			feeds := st.Feeds()

			refOuts, err := e.ref.Run(feeds)
			if err != nil {
				return nil, fmt.Errorf("parity: trial %d step %d: reference: %w", trial, step, err)
			}
			start := time.Now()
			candOuts, err := e.cand.RunBound(feeds, binding)
			latency := time.Since(start)
			if err != nil {
				return nil, fmt.Errorf("parity: trial %d step %d: candidate: %w", trial, step, err)
			}

			refLogits, refPresents, err := decode.SplitOutputs(e.ref, refOuts)
			if err != nil {
				return nil, err
			}
			candLogits, _, err := decode.SplitOutputs(e.cand, candOuts)
			if err != nil {
				return nil, err
			}

			refRows := lastRows(refLogits)
			candRows := lastRows(candLogits)
			if err := metric.Step(refRows, candRows, rowExamples(len(refRows), o.BatchSize), cacheLen, latency); err != nil {
				return nil, err
			}

			if runID != "" {
				dir := filepath.Join(o.FixtureDir, runID,
					fmt.Sprintf("trial_%d", trial), fmt.Sprintf("step_%d", step))
				if err := saveFixtures(dir, feeds, refLogits, candLogits); err != nil {
					return nil, fmt.Errorf("parity: save fixtures: %w", err)
				}
			}

			if err := st.Advance(refLogits, refPresents); err != nil {
				return nil, err
			}
		}
		metric.EndTrial()
		o.Logger.Debug("trial complete", "trial", trial, "steps", st.Steps())
	}

	report := metric.Report()
	o.Logger.Info("parity complete",
		"samples", report.TotalSamples,
		"top1_errors", report.Top1Errors,
		"topk_errors", report.TopKErrors,
		"max_diff_empty", report.MaxDiffEmptyCache,
		"max_diff_cache", report.MaxDiffWithCache)
	return report, nil
}

// lastRows extracts the final position's logits per row from a
// [rows, seq, vocab] tensor.
func lastRows(logits *kgf.Tensor) [][]float32 {
	rows, seq, vocab := logits.Dims[0], logits.Dims[1], logits.Dims[2]
	lv := logits.F32()
	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		base := (r*seq + seq - 1) * vocab
		out[r] = lv[base : base+vocab]
	}
	return out
}

// rowExamples maps decode rows to trial examples: beams of one example are
// contiguous.
func rowExamples(rows, batch int) []int {
	per := rows / batch
	out := make([]int, rows)
	for r := range out {
		out[r] = r / per
	}
	return out
}

func saveFixtures(dir string, feeds map[string]*kgf.Tensor, refLogits, candLogits *kgf.Tensor) error {
	for name, t := range feeds {
		if err := kgf.SaveTensorFile(filepath.Join(dir, "input_"+name+".kgt"), t); err != nil {
			return err
		}
	}
	if err := kgf.SaveTensorFile(filepath.Join(dir, "ref_logits.kgt"), refLogits); err != nil {
		return err
	}
	return kgf.SaveTensorFile(filepath.Join(dir, "cand_logits.kgt"), candLogits)
}
