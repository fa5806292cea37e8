package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/kalambet/icdbench/internal/controller"
	"github.com/kalambet/icdbench/internal/gateway"
	"github.com/kalambet/icdbench/internal/lock"
	"github.com/kalambet/icdbench/internal/parse"
	"github.com/kalambet/icdbench/internal/retrieval"
	"github.com/kalambet/icdbench/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStage struct {
	name  string
	deps  []string
	runFn func(ctx context.Context) (BatchSummary, error)
	calls atomic.Int32
}

func (f *fakeStage) Name() string        { return f.name }
func (f *fakeStage) DependsOn() []string { return f.deps }

func (f *fakeStage) RunBatch(ctx context.Context) (BatchSummary, error) {
	f.calls.Add(1)
	if f.runFn == nil {
		return BatchSummary{Stage: f.name}, nil
	}
	return f.runFn(ctx)
}

func stub(name string, deps ...string) *fakeStage {
	return &fakeStage{name: name, deps: deps}
}

// workFor returns a runFn that reports one unit of work for the first n
// calls and nothing afterwards.
func workFor(n int32) func(context.Context) (BatchSummary, error) {
	var done atomic.Int32
	return func(context.Context) (BatchSummary, error) {
		if done.Add(1) > n {
			return BatchSummary{}, nil
		}
		return BatchSummary{Size: 1, Successes: 1}, nil
	}
}

func stageNames(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, st := range stages {
		out[i] = st.Name()
	}
	return out
}

func TestNewPlan_Order(t *testing.T) {
	lanes := []Lane{
		{Name: "claude", Stages: []Stage{
			stub("rag/claude/both", "describe/claude", "describe/codex"),
			stub("describe/claude"),
			stub("predict/claude_baseline"),
		}},
		{Name: "codex", Stages: []Stage{
			stub("reverse/codex", "describe/claude"),
			stub("describe/codex"),
		}},
	}

	plan, err := NewPlan(lanes)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	wantOrder := []string{"describe/claude", "predict/claude_baseline", "reverse/codex", "describe/codex", "rag/claude/both"}
	if diff := cmp.Diff(wantOrder, plan.Order()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	got := map[string][]string{}
	for _, l := range plan.Lanes() {
		got[l.Name] = stageNames(l.Stages)
	}
	want := map[string][]string{
		"claude": {"describe/claude", "predict/claude_baseline", "rag/claude/both"},
		"codex":  {"reverse/codex", "describe/codex"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("lane order mismatch (-want +got):\n%s", diff)
	}

	// The caller's lanes are left untouched.
	if lanes[0].Stages[0].Name() != "rag/claude/both" {
		t.Error("NewPlan reordered the input lanes")
	}
}

func TestNewPlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		lanes   []Lane
		wantErr string
		isCycle bool
	}{
		{
			name:    "cycle",
			lanes:   []Lane{{Name: "a", Stages: []Stage{stub("x", "y"), stub("y", "x"), stub("z")}}},
			wantErr: "among x, y",
			isCycle: true,
		},
		{
			name:    "self dependency",
			lanes:   []Lane{{Name: "a", Stages: []Stage{stub("x", "x")}}},
			isCycle: true,
		},
		{
			name:    "unknown dependency",
			lanes:   []Lane{{Name: "a", Stages: []Stage{stub("reverse/codex", "describe/gemini")}}},
			wantErr: `depends on unknown stage "describe/gemini"`,
		},
		{
			name:    "duplicate across lanes",
			lanes:   []Lane{{Name: "a", Stages: []Stage{stub("x")}}, {Name: "b", Stages: []Stage{stub("x")}}},
			wantErr: `duplicate stage "x"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlan(tt.lanes)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrDependencyCycle) != tt.isCycle {
				t.Errorf("errors.Is(err, ErrDependencyCycle) = %v, want %v (err: %v)", !tt.isCycle, tt.isCycle, err)
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunRound_StageErrorDoesNotStopLane(t *testing.T) {
	broken := stub("describe/claude")
	broken.runFn = func(context.Context) (BatchSummary, error) { return BatchSummary{}, errors.New("database is locked") }
	next := stub("predict/claude_baseline")
	next.runFn = func(context.Context) (BatchSummary, error) {
		return BatchSummary{Stage: "predict/claude_baseline", Size: 3, Successes: 2, Failures: 1}, nil
	}
	other := stub("describe/codex")

	plan, err := NewPlan([]Lane{
		{Name: "claude", Stages: []Stage{broken, next}},
		{Name: "codex", Stages: []Stage{other}},
	})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	sum := plan.RunRound(context.Background())
	if sum.Errors != 1 || sum.Units != 3 || sum.Successes != 2 || len(sum.Batches) != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Idle() {
		t.Error("round with work reported idle")
	}
	if sum.Stalled() {
		t.Error("round with work reported stalled")
	}
	for _, st := range []*fakeStage{broken, next, other} {
		if st.calls.Load() != 1 {
			t.Errorf("%s ran %d times, want 1", st.name, st.calls.Load())
		}
	}
}

func TestRunRound_LanesRunInParallel(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	meet := func(context.Context) (BatchSummary, error) {
		wg.Done()
		wg.Wait()
		return BatchSummary{}, nil
	}
	a, b := stub("a"), stub("b")
	a.runFn, b.runFn = meet, meet

	plan, err := NewPlan([]Lane{{Name: "one", Stages: []Stage{a}}, {Name: "two", Stages: []Stage{b}}})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	done := make(chan struct{})
	go func() {
		plan.RunRound(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lanes did not run concurrently")
	}
}

// fakeProgress counts snapshots; the "batches" metric grows by one per read.
type fakeProgress struct {
	reads atomic.Int64
	saved atomic.Int32
	err   error
}

func (f *fakeProgress) CurrentProgress() (storage.Snapshot, error) {
	if f.err != nil {
		return storage.Snapshot{}, f.err
	}
	n := f.reads.Add(1)
	return storage.Snapshot{TakenAt: time.Now(), Values: map[string]int64{"batches": n, "work_items": 5}}, nil
}

func (f *fakeProgress) SaveSnapshot(storage.Snapshot) error {
	f.saved.Add(1)
	return nil
}

func TestScheduler_HeldLockSkipsOpen(t *testing.T) {
	dir := t.TempDir()
	held, err := lock.Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	var opened atomic.Bool
	s := NewScheduler(dir, func() (*Runtime, error) {
		opened.Store(true)
		return &Runtime{}, nil
	}, Options{StopWhenIdle: true})

	err = s.Run(context.Background())
	if !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("Run error = %v, want lock.ErrHeld", err)
	}
	var he *lock.HeldError
	if !errors.As(err, &he) || he.PID != held.Info().PID {
		t.Errorf("held error = %v, want holder PID %d", err, held.Info().PID)
	}
	if opened.Load() {
		t.Error("runtime opened while the lock was held")
	}
}

func TestScheduler_StopsWhenIdle(t *testing.T) {
	dir := t.TempDir()
	st := stub("predict/claude_baseline")
	st.runFn = workFor(2)
	progress := &fakeProgress{}

	var closed atomic.Bool
	var deltas []ProgressDelta
	s := NewScheduler(dir, func() (*Runtime, error) {
		if err := lock.Check(dir); !errors.Is(err, lock.ErrHeld) {
			t.Errorf("lock not held while opening: %v", err)
		}
		return &Runtime{
			Progress: progress,
			Lanes:    []Lane{{Name: "claude", Stages: []Stage{st}}},
			Close:    func() error { closed.Store(true); return nil },
		}, nil
	}, Options{StopWhenIdle: true, OnProgress: func(d ProgressDelta) { deltas = append(deltas, d) }})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := st.calls.Load(); got != 3 {
		t.Errorf("rounds = %d, want 3", got)
	}
	if !closed.Load() {
		t.Error("runtime not closed")
	}
	if err := lock.Check(dir); err != nil {
		t.Errorf("lock still present after run: %v", err)
	}

	if len(deltas) != 3 {
		t.Fatalf("progress deltas = %d, want 3", len(deltas))
	}
	want := []MetricDelta{{Name: "batches", Previous: 1, Current: 2, Change: 1}}
	if diff := cmp.Diff(want, deltas[0].Changed()); diff != "" {
		t.Errorf("first delta mismatch (-want +got):\n%s", diff)
	}
	if progress.saved.Load() != 4 {
		t.Errorf("snapshots saved = %d, want 4", progress.saved.Load())
	}
}

func TestScheduler_MaxRounds(t *testing.T) {
	st := stub("describe/claude")
	st.runFn = workFor(100)
	s := NewScheduler(t.TempDir(), func() (*Runtime, error) {
		return &Runtime{Lanes: []Lane{{Name: "claude", Stages: []Stage{st}}}}, nil
	}, Options{MaxRounds: 2})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := st.calls.Load(); got != 2 {
		t.Errorf("rounds = %d, want 2", got)
	}
}

func TestScheduler_CancelDuringIdleWait(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := stub("describe/claude")
	s := NewScheduler(dir, func() (*Runtime, error) {
		return &Runtime{Progress: &fakeProgress{}, Lanes: []Lane{{Name: "claude", Stages: []Stage{st}}}}, nil
	}, Options{IdleWait: time.Hour, OnProgress: func(ProgressDelta) { cancel() }})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if got := st.calls.Load(); got != 1 {
		t.Errorf("rounds = %d, want 1", got)
	}
	if err := lock.Check(dir); err != nil {
		t.Errorf("lock still present after cancelled run: %v", err)
	}
}

func TestScheduler_FailingStagesEndIdleRun(t *testing.T) {
	st := stub("describe/claude")
	st.runFn = func(context.Context) (BatchSummary, error) { return BatchSummary{}, errors.New("database is locked") }
	s := NewScheduler(t.TempDir(), func() (*Runtime, error) {
		return &Runtime{Lanes: []Lane{{Name: "claude", Stages: []Stage{st}}}}, nil
	}, Options{StopWhenIdle: true, IdleWait: time.Millisecond, MaxStalled: 2})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStalled) {
			t.Fatalf("Run error = %v, want ErrStalled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept looping over failing stages")
	}
	if got := st.calls.Load(); got != 2 {
		t.Errorf("rounds = %d, want 2", got)
	}
}

func TestScheduler_StalledRoundWaits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := stub("describe/claude")
	st.runFn = func(context.Context) (BatchSummary, error) { return BatchSummary{}, errors.New("database is locked") }
	s := NewScheduler(t.TempDir(), func() (*Runtime, error) {
		return &Runtime{Progress: &fakeProgress{}, Lanes: []Lane{{Name: "claude", Stages: []Stage{st}}}}, nil
	}, Options{IdleWait: time.Hour, OnProgress: func(ProgressDelta) { cancel() }})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	// The first round fails; the run then sits in the pause until cancelled.
	if got := st.calls.Load(); got != 1 {
		t.Errorf("rounds = %d, want 1", got)
	}
}

func TestScheduler_ProgressResetsStall(t *testing.T) {
	var n atomic.Int32
	st := stub("describe/claude")
	// fail, work, fail, work, then idle: never two stalled rounds in a row.
	st.runFn = func(context.Context) (BatchSummary, error) {
		switch n.Add(1) {
		case 1, 3:
			return BatchSummary{}, errors.New("database is locked")
		case 2, 4:
			return BatchSummary{Size: 1, Successes: 1}, nil
		}
		return BatchSummary{}, nil
	}
	s := NewScheduler(t.TempDir(), func() (*Runtime, error) {
		return &Runtime{Lanes: []Lane{{Name: "claude", Stages: []Stage{st}}}}, nil
	}, Options{StopWhenIdle: true, IdleWait: time.Millisecond, MaxStalled: 2})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := st.calls.Load(); got != 5 {
		t.Errorf("rounds = %d, want 5", got)
	}
}

func TestScheduler_LogsFinalBatchSizes(t *testing.T) {
	ctrls := controller.NewRegistry(4)
	ctrls.Get("describe/claude").Adjust(1)
	st := stub("describe/claude")
	st.runFn = workFor(1)

	var logs bytes.Buffer
	s := NewScheduler(t.TempDir(), func() (*Runtime, error) {
		return &Runtime{Lanes: []Lane{{Name: "claude", Stages: []Stage{st}, Controllers: ctrls}}}, nil
	}, Options{StopWhenIdle: true}).WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(logs.String(), `msg="final batch size" lane=claude stage=describe/claude size=1`) {
		t.Errorf("final batch size not logged:\n%s", logs.String())
	}
}

func TestScheduler_OpenErrorReleasesLock(t *testing.T) {
	dir := t.TempDir()
	s := NewScheduler(dir, func() (*Runtime, error) {
		return nil, errors.New("no predictors configured")
	}, Options{})

	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no predictors configured") {
		t.Fatalf("Run error = %v", err)
	}
	if err := lock.Check(dir); err != nil {
		t.Errorf("lock still present: %v", err)
	}
}

func TestScheduler_PlanErrorClosesRuntime(t *testing.T) {
	var closed atomic.Bool
	s := NewScheduler(t.TempDir(), func() (*Runtime, error) {
		return &Runtime{
			Lanes: []Lane{{Name: "a", Stages: []Stage{stub("x", "y"), stub("y", "x")}}},
			Close: func() error { closed.Store(true); return nil },
		}, nil
	}, Options{StopWhenIdle: true})

	if err := s.Run(context.Background()); !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("Run error = %v, want ErrDependencyCycle", err)
	}
	if !closed.Load() {
		t.Error("runtime not closed")
	}
}

func TestScheduler_ProgressFailureDoesNotStopRun(t *testing.T) {
	st := stub("describe/claude")
	st.runFn = workFor(1)
	called := false
	s := NewScheduler(t.TempDir(), func() (*Runtime, error) {
		return &Runtime{
			Progress: &fakeProgress{err: errors.New("disk I/O error")},
			Lanes:    []Lane{{Name: "claude", Stages: []Stage{st}}},
		}, nil
	}, Options{StopWhenIdle: true, OnProgress: func(ProgressDelta) { called = true }})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Error("OnProgress called without snapshots")
	}
	if st.calls.Load() != 2 {
		t.Errorf("rounds = %d, want 2", st.calls.Load())
	}
}

func TestDelta(t *testing.T) {
	prev := storage.Snapshot{Values: map[string]int64{"work_items": 10, "predictions": 3, "zeta": 1}}
	cur := storage.Snapshot{Values: map[string]int64{"work_items": 10, "predictions": 7, "alpha": 2}}

	got := Delta(prev, cur)
	want := []MetricDelta{
		{Name: "work_items", Previous: 10, Current: 10, Change: 0},
		{Name: "predictions", Previous: 3, Current: 7, Change: 4},
		{Name: "alpha", Previous: 0, Current: 2, Change: 2},
		{Name: "zeta", Previous: 1, Current: 0, Change: -1},
	}
	if diff := cmp.Diff(want, got.Metrics); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
	if n := len(got.Changed()); n != 3 {
		t.Errorf("changed metrics = %d, want 3", n)
	}
}

func TestStageSpecNames(t *testing.T) {
	tests := []struct {
		spec     StageSpec
		name     string
		identity string
	}{
		{StageSpec{Kind: KindPredict, Predictor: "claude"}, "predict/claude_baseline", "claude_baseline"},
		{StageSpec{Kind: KindPredict, Predictor: "codex", Prompt: PromptConstrained}, "predict/codex_constrained", "codex_constrained"},
		{StageSpec{Kind: KindDescribe, Predictor: "claude"}, "describe/claude", "claude"},
		{StageSpec{Kind: KindRAG, Predictor: "codex", Mode: "real_only"}, "rag/codex/authoritative", "codex"},
		{StageSpec{Kind: KindDenseRAG, Predictor: "codex", Strategy: StrategyWithNegatives}, "denserag/codex/with_negatives", "codex"},
	}
	for _, tt := range tests {
		if got := tt.spec.Name(); got != tt.name {
			t.Errorf("Name() = %q, want %q", got, tt.name)
		}
		if got := tt.spec.Identity(); got != tt.identity {
			t.Errorf("Identity() = %q, want %q", got, tt.identity)
		}
	}
}

func TestDependencies(t *testing.T) {
	specs := []StageSpec{
		{Kind: KindDescribe, Predictor: "claude"},
		{Kind: KindDescribe, Predictor: "codex"},
		{Kind: KindReverse, Predictor: "codex"},
		{Kind: KindRAG, Predictor: "claude", Mode: "both"},
		{Kind: KindDense, Predictor: "claude"},
		{Kind: KindDenseRAG, Predictor: "codex", Strategy: StrategyPositiveOnly},
		{Kind: KindPredict, Predictor: "codex"},
	}
	want := map[string][]string{
		"describe/claude":              nil,
		"describe/codex":               nil,
		"reverse/codex":                {"describe/claude", "describe/codex"},
		"rag/claude/both":              {"describe/claude", "describe/codex"},
		"dense/claude":                 nil,
		"denserag/codex/positive_only": {"dense/claude"},
		"predict/codex_baseline":       nil,
	}
	if diff := cmp.Diff(want, Dependencies(specs)); diff != "" {
		t.Errorf("dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildLanes_Errors(t *testing.T) {
	s := openTestStore(t)
	open := func(string) (LaneStore, error) { return s, nil }
	predictors := map[string]gateway.Predictor{"claude": gateway.NewStatic("claude", "", "")}

	tests := []struct {
		name    string
		specs   []StageSpec
		cfg     BuildConfig
		wantErr string
	}{
		{"undefined predictor", []StageSpec{{Kind: KindDescribe, Predictor: "gemini"}}, BuildConfig{Predictors: predictors}, `undefined predictor "gemini"`},
		{"rag without retriever", []StageSpec{{Kind: KindRAG, Predictor: "claude", Mode: "both"}}, BuildConfig{Predictors: predictors}, "no retriever"},
		{"bad mode", []StageSpec{{Kind: KindRAG, Predictor: "claude", Mode: "mixed"}}, BuildConfig{Predictors: predictors, Retriever: &fakeRetriever{}}, "mixed"},
		{"bad prompt", []StageSpec{{Kind: KindPredict, Predictor: "claude", Prompt: "verbose"}}, BuildConfig{Predictors: predictors}, "verbose"},
		{"bad strategy", []StageSpec{{Kind: KindDenseRAG, Predictor: "claude", Strategy: "x"}}, BuildConfig{Predictors: predictors}, "strategy"},
		{"bad kind", []StageSpec{{Kind: "translate", Predictor: "claude"}}, BuildConfig{Predictors: predictors}, "unknown stage kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildLanes(tt.specs, tt.cfg, open)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("BuildLanes error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPipelineRunsToCompletion(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "A00.0")

	claude := gateway.NewFunc("claude", func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "clinical descriptions for this ICD-10 code") {
			return leveledOutput(parse.DetailLevels), nil
		}
		return `["A00.0"]`, nil
	})
	codex := gateway.NewStatic("codex", `["A00.0"]`, "")
	r := &fakeRetriever{hits: []retrieval.Hit{{Key: "A00.1", Text: "Cholera due to Vibrio cholerae 01, biovar eltor", Source: retrieval.Authoritative}}}

	specs := []StageSpec{
		{Kind: KindPredict, Predictor: "claude"},
		{Kind: KindReverse, Predictor: "codex"},
		{Kind: KindRAG, Predictor: "codex", Mode: "both"},
		{Kind: KindDescribe, Predictor: "claude"},
	}
	var lanesOpened []string
	lanes, err := BuildLanes(specs, BuildConfig{
		Predictors: map[string]gateway.Predictor{"claude": claude, "codex": codex},
		Retriever:  r,
		Timeouts:   DefaultTimeouts(),
		MaxBatch:   5,
		Parallel:   true,
	}, func(lane string) (LaneStore, error) {
		lanesOpened = append(lanesOpened, lane)
		return s, nil
	})
	if err != nil {
		t.Fatalf("BuildLanes: %v", err)
	}
	if diff := cmp.Diff([]string{"claude", "codex"}, lanesOpened); diff != "" {
		t.Errorf("lanes opened mismatch (-want +got):\n%s", diff)
	}

	sched := NewScheduler(t.TempDir(), func() (*Runtime, error) {
		return &Runtime{Progress: s, Lanes: lanes}, nil
	}, Options{StopWhenIdle: true, MaxRounds: 100})
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	checks := map[string]int{
		"predictions WHERE success = 1":                              1,
		"descriptions":                                               parse.DetailLevels,
		"reverse_predictions WHERE success = 1":                      parse.DetailLevels,
		"rag_predictions WHERE success = 1 AND corpus_mode = 'both'": parse.DetailLevels,
		"batch_records WHERE ended_at IS NULL":                       0,
	}
	for from, want := range checks {
		if got := countRows(t, s, from); got != want {
			t.Errorf("rows in %s = %d, want %d", from, got, want)
		}
	}
	for _, ex := range r.excluded {
		if ex != "A00.0" {
			t.Errorf("retrieval excluded %q, want A00.0", ex)
		}
	}
}

func TestBuildLanes_SerialByDefault(t *testing.T) {
	s := openTestStore(t)
	predictors := map[string]gateway.Predictor{
		"claude": gateway.NewStatic("claude", "", ""),
		"codex":  gateway.NewStatic("codex", "", ""),
	}
	specs := []StageSpec{
		{Kind: KindReverse, Predictor: "codex"},
		{Kind: KindDescribe, Predictor: "claude"},
	}

	var opened []string
	lanes, err := BuildLanes(specs, BuildConfig{Predictors: predictors}, func(lane string) (LaneStore, error) {
		opened = append(opened, lane)
		return s, nil
	})
	if err != nil {
		t.Fatalf("BuildLanes: %v", err)
	}
	if diff := cmp.Diff([]string{SerialLane}, opened); diff != "" {
		t.Errorf("lanes opened mismatch (-want +got):\n%s", diff)
	}

	plan, err := NewPlan(lanes)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	if diff := cmp.Diff([]string{"describe/claude", "reverse/codex"}, stageNames(plan.Lanes()[0].Stages)); diff != "" {
		t.Errorf("stage order mismatch (-want +got):\n%s", diff)
	}
}
