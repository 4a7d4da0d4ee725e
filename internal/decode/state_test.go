package decode

import (
	"testing"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/pkg/kgf"
)

func testConfig() Config {
	return Config{Layers: 2, Heads: 2, HeadDim: 4, EOS: 3, BeamSize: 1, MaxSteps: 8}
}

func TestNewStateValidates(t *testing.T) {
	good := testConfig()
	prompts := [][]int64{{1, 2, 3}}
	tests := []struct {
		name    string
		cfg     Config
		prompts [][]int64
	}{
		{"no layers", Config{Heads: 2, HeadDim: 4, MaxSteps: 1}, prompts},
		{"no steps", Config{Layers: 1, Heads: 1, HeadDim: 1}, prompts},
		{"no prompts", good, nil},
		{"empty prompt", good, [][]int64{{}}},
		{"ragged prompts", good, [][]int64{{1, 2}, {1}}},
	}
	for _, tt := range tests {
		if _, err := NewState(tt.cfg, tt.prompts); err == nil {
			t.Fatalf("%s: accepted", tt.name)
		}
	}
	if _, err := NewState(good, prompts); err != nil {
		t.Fatalf("valid state rejected: %v", err)
	}
}

func TestFeedsShapes(t *testing.T) {
	st, err := NewState(testConfig(), [][]int64{{5, 6, 7}, {8, 9, 10}})
	if err != nil {
		t.Fatal(err)
	}
	feeds := st.Feeds()

	ids := feeds[model.InputIDsName]
	if !kgf.SameDims(ids.Dims, []int{2, 3}) {
		t.Fatalf("ids dims %v", ids.Dims)
	}
	if got := ids.I64(); got[0] != 5 || got[5] != 10 {
		t.Fatalf("ids %v", got)
	}
	pos := feeds[model.PositionIDsName]
	if got := pos.I64(); got[0] != 0 || got[2] != 2 || got[3] != 0 {
		t.Fatalf("positions %v", got)
	}
	mask := feeds[model.AttentionMaskName]
	if !kgf.SameDims(mask.Dims, []int{2, 3}) {
		t.Fatalf("mask dims %v (cache is empty)", mask.Dims)
	}
	for _, v := range mask.F32() {
		if v != 1 {
			t.Fatalf("mask value %v", v)
		}
	}
	for i := 0; i < 2; i++ {
		p := feeds[model.PastName(i)]
		if p == nil || !kgf.SameDims(p.Dims, []int{2, 2, 2, 0, 4}) {
			t.Fatalf("past %d: %+v", i, p)
		}
	}
}

// fakeStep builds logits and presents for the state's pending step, peaking
// each row's last position on tok.
func fakeStep(st *State, vocab int, tok int64, heads, headDim int, layers int, fill float32) (*kgf.Tensor, []*kgf.Tensor) {
	rows := st.Rows()
	feeds := st.Feeds()
	cur := feeds[model.InputIDsName].Dims[1]
	total := st.CacheLen() + cur

	logits := kgf.NewF32("logits", []int{rows, cur, vocab}, nil)
	lv := logits.F32()
	for r := 0; r < rows; r++ {
		lv[(r*cur+cur-1)*vocab+int(tok)] = 10
	}
	presents := make([]*kgf.Tensor, layers)
	for i := range presents {
		presents[i] = kgf.NewF32("", []int{2, rows, heads, total, headDim}, nil)
		pv := presents[i].F32()
		for j := range pv {
			pv[j] = fill
		}
	}
	return logits, presents
}

func TestGreedyAdvance(t *testing.T) {
	cfg := Config{Layers: 1, Heads: 1, HeadDim: 1, EOS: 9, BeamSize: 1, MaxSteps: 4}
	st, err := NewState(cfg, [][]int64{{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}

	logits, presents := fakeStep(st, 4, 2, 1, 1, 1, 0.5)
	if err := st.Advance(logits, presents); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if st.Rows() != 1 || st.CacheLen() != 3 || st.Steps() != 1 {
		t.Fatalf("state rows=%d cache=%d steps=%d", st.Rows(), st.CacheLen(), st.Steps())
	}
	if got := st.Results()[0]; len(got) != 1 || got[0] != 2 {
		t.Fatalf("results %v, want [2]", got)
	}

	// The next step feeds exactly the new token at the next position.
	feeds := st.Feeds()
	ids := feeds[model.InputIDsName]
	if !kgf.SameDims(ids.Dims, []int{1, 1}) || ids.I64()[0] != 2 {
		t.Fatalf("step ids %v %v", ids.Dims, ids.I64())
	}
	if got := feeds[model.PositionIDsName].I64()[0]; got != 3 {
		t.Fatalf("step position %d, want 3", got)
	}
	if !kgf.SameDims(feeds[model.AttentionMaskName].Dims, []int{1, 4}) {
		t.Fatalf("step mask dims %v", feeds[model.AttentionMaskName].Dims)
	}
	if !kgf.SameDims(feeds[model.PastName(0)].Dims, []int{2, 1, 1, 3, 1}) {
		t.Fatalf("step past dims %v", feeds[model.PastName(0)].Dims)
	}
}

func TestBeamAdvanceReordersCache(t *testing.T) {
	cfg := Config{Layers: 1, Heads: 1, HeadDim: 1, EOS: 9, BeamSize: 2, MaxSteps: 4}
	st, err := NewState(cfg, [][]int64{{1}})
	if err != nil {
		t.Fatal(err)
	}

	// First step: one prompt row expands into two beams.
	logits := kgf.NewF32("logits", []int{1, 1, 4}, []float32{0, 1, 0, 0})
	present := kgf.NewF32("", []int{2, 1, 1, 1, 1}, []float32{0.5, 0.5})
	if err := st.Advance(logits, []*kgf.Tensor{present}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if st.Rows() != 2 {
		t.Fatalf("rows %d, want 2", st.Rows())
	}
	if r := st.Results(); r[0][0] != 1 || r[1][0] != 0 {
		t.Fatalf("beam tokens %v, want best 1 then tie-low 0", r)
	}

	// Second step: flat logits everywhere. Both rows add the same mass, so
	// row 0's higher prior score wins both slots and its cache row must be
	// copied into both beams.
	logits = kgf.NewF32("logits", []int{2, 1, 4}, []float32{
		0, 0, 0, 0,
		0, 0, 0, 0,
	})
	present = kgf.NewF32("", []int{2, 2, 1, 2, 1}, []float32{
		1, 1, // kv=0, beam 0
		2, 2, // kv=0, beam 1
		1, 1, // kv=1, beam 0
		2, 2, // kv=1, beam 1
	})
	if err := st.Advance(logits, []*kgf.Tensor{present}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	for i, v := range st.Feeds()[model.PastName(0)].F32() {
		if v != 1 {
			t.Fatalf("cache[%d] = %v, want beam 0's value 1", i, v)
		}
	}
	// Both rows extend beam 0's history; flat logits tie to tokens 0, 1.
	r := st.Results()
	if r[0][0] != 1 || r[0][1] != 0 || r[1][0] != 1 || r[1][1] != 1 {
		t.Fatalf("results %v", r)
	}
}

func TestAdvanceRejectsBadShapes(t *testing.T) {
	cfg := Config{Layers: 1, Heads: 1, HeadDim: 1, EOS: 9, BeamSize: 1, MaxSteps: 2}
	st, err := NewState(cfg, [][]int64{{1}})
	if err != nil {
		t.Fatal(err)
	}
	good, presents := fakeStep(st, 4, 0, 1, 1, 1, 0)

	bad := kgf.NewF32("logits", []int{2, 1, 4}, nil)
	if err := st.Advance(bad, presents); err == nil {
		t.Fatal("accepted wrong logits rows")
	}
	if err := st.Advance(good, nil); err == nil {
		t.Fatal("accepted missing presents")
	}
	short := kgf.NewF32("", []int{2, 1, 1, 0, 1}, nil)
	if err := st.Advance(good, []*kgf.Tensor{short}); err == nil {
		t.Fatal("accepted present without the new positions")
	}
}

func TestDoneOnEOS(t *testing.T) {
	cfg := Config{Layers: 1, Heads: 1, HeadDim: 1, EOS: 2, BeamSize: 1, MaxSteps: 10}
	st, err := NewState(cfg, [][]int64{{1}})
	if err != nil {
		t.Fatal(err)
	}
	logits, presents := fakeStep(st, 4, 2, 1, 1, 1, 0)
	if err := st.Advance(logits, presents); err != nil {
		t.Fatal(err)
	}
	if !st.Done() {
		t.Fatal("not done after every beam emitted EOS")
	}
	if err := st.Advance(logits, presents); err == nil {
		t.Fatal("advance past completion accepted")
	}
}

func TestDoneAtMaxSteps(t *testing.T) {
	cfg := Config{Layers: 1, Heads: 1, HeadDim: 1, EOS: 9, BeamSize: 1, MaxSteps: 2}
	st, err := NewState(cfg, [][]int64{{1}})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if st.Done() {
			t.Fatalf("done after %d of 2 steps", i)
		}
		logits, presents := fakeStep(st, 4, 0, 1, 1, 1, 0)
		if err := st.Advance(logits, presents); err != nil {
			t.Fatal(err)
		}
	}
	if !st.Done() {
		t.Fatal("not done at the step bound")
	}
}

// stubSession emits logits peaked on a per-step token and zero presents of
// the right shape.
type stubSession struct {
	layers, heads, headDim, vocab int
	step                          int
	pick                          func(step int) int64
}

func (s *stubSession) InputNames() []string { return nil }

func (s *stubSession) OutputNames() []string {
	names := []string{model.LogitsName}
	for i := 0; i < s.layers; i++ {
		names = append(names, model.PresentName(i))
	}
	return names
}

func (s *stubSession) Run(feeds map[string]*kgf.Tensor) ([]*kgf.Tensor, error) {
	ids := feeds[model.InputIDsName]
	rows, cur := ids.Dims[0], ids.Dims[1]
	total := feeds[model.AttentionMaskName].Dims[1]

	logits := kgf.NewF32(model.LogitsName, []int{rows, cur, s.vocab}, nil)
	lv := logits.F32()
	tok := s.pick(s.step)
	s.step++
	for r := 0; r < rows; r++ {
		lv[(r*cur+cur-1)*s.vocab+int(tok)] = 10
	}
	outs := []*kgf.Tensor{logits}
	for i := 0; i < s.layers; i++ {
		outs = append(outs, kgf.NewF32(model.PresentName(i), []int{2, rows, s.heads, total, s.headDim}, nil))
	}
	return outs, nil
}

func (s *stubSession) RunBound(feeds map[string]*kgf.Tensor, b *backend.Binding) ([]*kgf.Tensor, error) {
	return s.Run(feeds)
}

func TestRunStopsOnEOS(t *testing.T) {
	cfg := Config{Layers: 2, Heads: 1, HeadDim: 2, EOS: 2, BeamSize: 1, MaxSteps: 10}
	st, err := NewState(cfg, [][]int64{{4, 5}})
	if err != nil {
		t.Fatal(err)
	}
	sess := &stubSession{layers: 2, heads: 1, headDim: 2, vocab: 6, pick: func(step int) int64 {
		if step == 0 {
			return 1
		}
		return 2
	}}
	if err := Run(sess, st); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Steps() != 2 {
		t.Fatalf("steps %d, want 2", st.Steps())
	}
	got := st.Results()[0]
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("results %v, want [1 2]", got)
	}
}
