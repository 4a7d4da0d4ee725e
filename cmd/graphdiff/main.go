// graphdiff runs two .kgf graphs step-locked on the same random prompt and
// reports per-step and summary logit divergence. Graph A drives token
// selection, so both graphs always decode the same path.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/samcharles93/kiln/internal/backend/interp"
	"github.com/samcharles93/kiln/internal/decode"
	"github.com/samcharles93/kiln/pkg/kgf"
)

type diffStats struct {
	MaxAbs      float64
	MeanAbs     float64
	RMSE        float64
	Cosine      float64
	Top1A       int64
	Top1B       int64
	Top1Match   bool
	TopKOverlap int
}

func main() {
	var (
		aPath     string
		bPath     string
		steps     int
		promptLen int
		seed      int64
		topK      int
	)

	flag.StringVar(&aPath, "a", "", "path to reference .kgf")
	flag.StringVar(&bPath, "b", "", "path to candidate .kgf")
	flag.IntVar(&steps, "steps", 8, "number of decode steps to compare")
	flag.IntVar(&promptLen, "prompt-len", 4, "random prompt length")
	flag.Int64Var(&seed, "seed", 1, "prompt seed")
	flag.IntVar(&topK, "topk", 5, "top-k overlap to report")
	flag.Parse()

	if aPath == "" || bPath == "" {
		fmt.Fprintln(os.Stderr, "-a and -b are required")
		os.Exit(2)
	}
	if steps < 1 || promptLen < 1 {
		fmt.Fprintln(os.Stderr, "-steps and -prompt-len must be >= 1")
		os.Exit(2)
	}

	aFile, err := kgf.Open(aPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open a:", err)
		os.Exit(1)
	}
	defer func() { _ = aFile.Close() }()

	bFile, err := kgf.Open(bPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open b:", err)
		os.Exit(1)
	}
	defer func() { _ = bFile.Close() }()

	aSess, err := interp.New(aFile.Graph)
	if err != nil {
		fmt.Fprintln(os.Stderr, "a:", err)
		os.Exit(1)
	}
	bSess, err := interp.New(bFile.Graph)
	if err != nil {
		fmt.Fprintln(os.Stderr, "b:", err)
		os.Exit(1)
	}

	cfg, vocab, err := inferGeometry(aFile.Graph)
	if err != nil {
		fmt.Fprintln(os.Stderr, "a:", err)
		os.Exit(1)
	}
	cfg.MaxSteps = steps

	rng := rand.New(rand.NewSource(seed))
	prompt := make([]int64, promptLen)
	for i := range prompt {
		prompt[i] = int64(rng.Intn(vocab))
	}

	st, err := decode.NewState(cfg, [][]int64{prompt})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("A=%s\n", aPath)
	fmt.Printf("B=%s\n", bPath)
	fmt.Printf("Prompt tokens=%d steps=%d\n", promptLen, steps)

	acc := diffAccumulator{}
	for !st.Done() {
		feeds := st.Feeds()
		aOuts, err := aSess.Run(feeds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "a step %d: %v\n", st.Steps(), err)
			os.Exit(1)
		}
		bOuts, err := bSess.Run(feeds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "b step %d: %v\n", st.Steps(), err)
			os.Exit(1)
		}
		aLogits, aPresents, err := decode.SplitOutputs(aSess, aOuts)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		bLogits, _, err := decode.SplitOutputs(bSess, bOuts)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		stats := diffLogits(lastRow(aLogits), lastRow(bLogits), topK)
		acc.add(stats)
		printStep(st.Steps(), stats, topK)

		if err := st.Advance(aLogits, aPresents); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if acc.count > 0 {
		fmt.Println()
		fmt.Printf("Summary steps=%d max_abs=%.6g mean_abs=%.6g rmse=%.6g cos=%.6g top1_match=%.2f%% top%d_overlap=%.2f\n",
			acc.count,
			acc.maxAbs,
			acc.meanAbs/float64(acc.count),
			acc.rmse/float64(acc.count),
			acc.cos/float64(acc.count),
			100.0*float64(acc.top1Match)/float64(acc.count),
			topK,
			float64(acc.topKOverlap)/float64(acc.count),
		)
	}
}

// inferGeometry recovers the decode configuration from the graph's declared
// cache inputs and logits output.
func inferGeometry(g *kgf.Graph) (decode.Config, int, error) {
	cfg := decode.Config{EOS: -1, BeamSize: 1, MaxSteps: 1}
	for i := 0; ; i++ {
		vi, ok := g.Input(fmt.Sprintf("past_%d", i))
		if !ok {
			break
		}
		if len(vi.Dims) != 5 {
			return cfg, 0, fmt.Errorf("input %s has %d dims, want 5", vi.Name, len(vi.Dims))
		}
		cfg.Layers++
		cfg.Heads = vi.Dims[2]
		cfg.HeadDim = vi.Dims[4]
	}
	if cfg.Layers == 0 {
		return cfg, 0, fmt.Errorf("graph declares no cache inputs")
	}
	for _, vi := range g.Outputs {
		if vi.Name == "logits" && len(vi.Dims) == 3 && vi.Dims[2] > 0 {
			return cfg, vi.Dims[2], nil
		}
	}
	return cfg, 0, fmt.Errorf("graph declares no logits output with a fixed vocab dim")
}

func lastRow(logits *kgf.Tensor) []float32 {
	seq, vocab := logits.Dims[1], logits.Dims[2]
	lv := logits.F32()
	return lv[(seq-1)*vocab : seq*vocab]
}

func diffLogits(a, b []float32, topK int) diffStats {
	var s diffStats
	var dotAB, dotAA, dotBB float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > s.MaxAbs {
			s.MaxAbs = d
		}
		s.MeanAbs += d
		s.RMSE += d * d
		dotAB += float64(a[i]) * float64(b[i])
		dotAA += float64(a[i]) * float64(a[i])
		dotBB += float64(b[i]) * float64(b[i])
	}
	n := float64(len(a))
	s.MeanAbs /= n
	s.RMSE = math.Sqrt(s.RMSE / n)
	if dotAA > 0 && dotBB > 0 {
		s.Cosine = dotAB / math.Sqrt(dotAA*dotBB)
	}

	aTop := decode.TopK(a, topK)
	bTop := decode.TopK(b, topK)
	s.Top1A, s.Top1B = aTop[0], bTop[0]
	s.Top1Match = s.Top1A == s.Top1B
	s.TopKOverlap = overlap(aTop, bTop)
	return s
}

func overlap(a, b []int64) int {
	sa := append([]int64(nil), a...)
	sb := append([]int64(nil), b...)
	sort.Slice(sa, func(i, j int) bool { return sa[i] < sa[j] })
	sort.Slice(sb, func(i, j int) bool { return sb[i] < sb[j] })
	n, i, j := 0, 0, 0
	for i < len(sa) && j < len(sb) {
		switch {
		case sa[i] == sb[j]:
			n++
			i++
			j++
		case sa[i] < sb[j]:
			i++
		default:
			j++
		}
	}
	return n
}

func printStep(step int, s diffStats, topK int) {
	fmt.Printf("step=%-3d top1_a=%-6d top1_b=%-6d match=%-5v max_abs=%.6g rmse=%.6g cos=%.6g top%d_overlap=%d\n",
		step, s.Top1A, s.Top1B, s.Top1Match, s.MaxAbs, s.RMSE, s.Cosine, topK, s.TopKOverlap)
}

type diffAccumulator struct {
	count       int
	maxAbs      float64
	meanAbs     float64
	rmse        float64
	cos         float64
	top1Match   int
	topKOverlap int
}

func (a *diffAccumulator) add(s diffStats) {
	a.count++
	if s.MaxAbs > a.maxAbs {
		a.maxAbs = s.MaxAbs
	}
	a.meanAbs += s.MeanAbs
	a.rmse += s.RMSE
	a.cos += s.Cosine
	if s.Top1Match {
		a.top1Match++
	}
	a.topKOverlap += s.TopKOverlap
}
