package decode

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/pkg/kgf"
)

// Config fixes the decode geometry. BeamSize 1 is greedy decoding.
type Config struct {
	Layers   int
	Heads    int
	HeadDim  int
	EOS      int64
	BeamSize int
	MaxSteps int
}

// State is the host-side decode bookkeeping for one run: the tokens to feed
// next, the per-layer attention cache, and per-beam scores, finished flags
// and accumulated results.
//
// Row layout: before the first Advance there is one row per batch item; every
// later step has batch*beam rows, beams contiguous within their batch item.
type State struct {
	cfg   Config
	batch int
	rows  int
	seen  int // cache length the next step runs against
	steps int

	next      [][]int64 // per row: tokens for the next step
	positions [][]int64
	scores    []float32
	finished  []bool
	results   [][]int64
	pasts     []*kgf.Tensor // one per layer, [2, rows, heads, seen, headDim]
}

// NewState starts a run from equal-length prompts, one per batch item.
func NewState(cfg Config, prompts [][]int64) (*State, error) {
	if cfg.Layers <= 0 || cfg.Heads <= 0 || cfg.HeadDim <= 0 {
		return nil, fmt.Errorf("decode: invalid geometry %+v", cfg)
	}
	if cfg.BeamSize < 1 {
		cfg.BeamSize = 1
	}
	if cfg.MaxSteps < 1 {
		return nil, fmt.Errorf("decode: max steps must be at least 1, got %d", cfg.MaxSteps)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("decode: no prompts")
	}
	plen := len(prompts[0])
	if plen == 0 {
		return nil, fmt.Errorf("decode: empty prompt")
	}
	for _, p := range prompts {
		if len(p) != plen {
			return nil, fmt.Errorf("decode: prompts must share one length, got %d and %d", plen, len(p))
		}
	}
	st := &State{
		cfg:   cfg,
		batch: len(prompts),
		rows:  len(prompts),
	}
	for _, p := range prompts {
		st.next = append(st.next, append([]int64(nil), p...))
		pos := make([]int64, plen)
		for i := range pos {
			pos[i] = int64(i)
		}
		st.positions = append(st.positions, pos)
		st.results = append(st.results, nil)
	}
	st.scores = make([]float32, st.rows)
	st.finished = make([]bool, st.rows)
	st.pasts = make([]*kgf.Tensor, cfg.Layers)
	for i := range st.pasts {
		st.pasts[i] = kgf.NewF32(model.PastName(i), []int{2, st.rows, cfg.Heads, 0, cfg.HeadDim}, nil)
	}
	return st, nil
}

// Feeds assembles the session inputs for the next step: token ids, position
// ids, an all-ones attention mask covering cache plus new tokens, and the
// per-layer cache.
func (st *State) Feeds() map[string]*kgf.Tensor {
	cur := len(st.next[0])
	ids := kgf.NewI64(model.InputIDsName, []int{st.rows, cur}, nil)
	pos := kgf.NewI64(model.PositionIDsName, []int{st.rows, cur}, nil)
	iv, pv := ids.I64(), pos.I64()
	for r := 0; r < st.rows; r++ {
		copy(iv[r*cur:], st.next[r])
		copy(pv[r*cur:], st.positions[r])
	}
	mask := kgf.NewF32(model.AttentionMaskName, []int{st.rows, st.seen + cur}, nil)
	mv := mask.F32()
	for i := range mv {
		mv[i] = 1
	}
	feeds := map[string]*kgf.Tensor{
		model.InputIDsName:      ids,
		model.PositionIDsName:   pos,
		model.AttentionMaskName: mask,
	}
	for i, p := range st.pasts {
		feeds[model.PastName(i)] = p
	}
	return feeds
}

// Advance consumes one step's logits [rows, cur, vocab] and per-layer
// present tensors, runs the beam step, and rebuilds the state for the next
// step. The cache is reordered by each winner's parent beam before the next
// step appends to it.
func (st *State) Advance(logits *kgf.Tensor, presents []*kgf.Tensor) error {
	if st.Done() {
		return fmt.Errorf("decode: advance past completion")
	}
	cur := len(st.next[0])
	if logits.DType != kgf.DTypeF32 || len(logits.Dims) != 3 || logits.Dims[0] != st.rows || logits.Dims[1] != cur {
		return fmt.Errorf("decode: logits must be f32 [%d,%d,vocab], got %s %v", st.rows, cur, logits.DType, logits.Dims)
	}
	if len(presents) != st.cfg.Layers {
		return fmt.Errorf("decode: got %d present tensors, want %d", len(presents), st.cfg.Layers)
	}
	total := st.seen + cur
	for i, p := range presents {
		want := []int{2, st.rows, st.cfg.Heads, total, st.cfg.HeadDim}
		if p.DType != kgf.DTypeF32 || !kgf.SameDims(p.Dims, want) {
			return fmt.Errorf("decode: present %d must be f32 %v, got %s %v", i, want, p.DType, p.Dims)
		}
	}

	vocab := logits.Dims[2]
	lv := logits.F32()
	beamsPerItem := st.rows / st.batch
	width := st.cfg.BeamSize

	winners := make([]candidate, 0, st.batch*width)
	for b := 0; b < st.batch; b++ {
		var pool []candidate
		for bm := 0; bm < beamsPerItem; bm++ {
			row := b*beamsPerItem + bm
			last := lv[(row*cur+cur-1)*vocab : (row*cur+cur)*vocab]
			pool = append(pool, beamCandidates(row, last, st.scores[row], st.finished[row], st.cfg.EOS, width)...)
		}
		winners = append(winners, selectBeams(pool, width)...)
	}

	newRows := len(winners)
	next := make([][]int64, newRows)
	positions := make([][]int64, newRows)
	scores := make([]float32, newRows)
	finished := make([]bool, newRows)
	results := make([][]int64, newRows)
	for r, w := range winners {
		next[r] = []int64{w.token}
		positions[r] = []int64{int64(total)}
		scores[r] = w.score
		finished[r] = st.finished[w.parent] || w.token == st.cfg.EOS
		results[r] = append(append([]int64(nil), st.results[w.parent]...), w.token)
	}

	pasts := make([]*kgf.Tensor, st.cfg.Layers)
	rowLen := st.cfg.Heads * total * st.cfg.HeadDim
	for li, p := range presents {
		np := kgf.NewF32(model.PastName(li), []int{2, newRows, st.cfg.Heads, total, st.cfg.HeadDim}, nil)
		src, dst := p.F32(), np.F32()
		for kv := 0; kv < 2; kv++ {
			for r, w := range winners {
				copy(dst[(kv*newRows+r)*rowLen:(kv*newRows+r+1)*rowLen],
					src[(kv*st.rows+w.parent)*rowLen:(kv*st.rows+w.parent+1)*rowLen])
			}
		}
		pasts[li] = np
	}

	st.rows = newRows
	st.seen = total
	st.steps++
	st.next = next
	st.positions = positions
	st.scores = scores
	st.finished = finished
	st.results = results
	st.pasts = pasts
	return nil
}

// Done reports whether the run hit the step bound or every beam finished.
func (st *State) Done() bool {
	if st.steps >= st.cfg.MaxSteps {
		return true
	}
	for _, f := range st.finished {
		if !f {
			return false
		}
	}
	return true
}

// Steps returns the number of Advance calls so far.
func (st *State) Steps() int { return st.steps }

// Rows returns the current live row count.
func (st *State) Rows() int { return st.rows }

// CacheLen returns the cache length the next step runs against.
func (st *State) CacheLen() int { return st.seen }

// Scores returns the per-row cumulative log probabilities.
func (st *State) Scores() []float32 { return st.scores }

// Finished returns the per-row finished flags.
func (st *State) Finished() []bool { return st.finished }

// Results returns the generated tokens per live row, best beam first within
// each batch item.
func (st *State) Results() [][]int64 { return st.results }
