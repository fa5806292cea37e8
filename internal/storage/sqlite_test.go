package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedItems(t *testing.T, s *Store, codes ...string) []WorkItem {
	t.Helper()
	var items []WorkItem
	for _, c := range codes {
		items = append(items, WorkItem{Code: c, Text: "description of " + c, Category: c[:1]})
	}
	if _, err := s.UpsertWorkItems(items); err != nil {
		t.Fatalf("UpsertWorkItems: %v", err)
	}
	var out []WorkItem
	for _, c := range codes {
		it, err := s.GetWorkItemByCode(c)
		if err != nil {
			t.Fatalf("GetWorkItemByCode(%s): %v", c, err)
		}
		out = append(out, it)
	}
	return out
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if diff := cmp.Diff(v1, v2); diff != "" {
		t.Errorf("applied migrations changed (-first +second):\n%s", diff)
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_predictions_predictor",
		"idx_rag_predictor_mode",
		"idx_dense_rag_predictor",
		"idx_batch_records_predictor",
		"idx_progress_snapshots_taken",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestUpsertWorkItems_SkipsExistingAndBlank(t *testing.T) {
	s := openTestStore(t)

	n, err := s.UpsertWorkItems([]WorkItem{
		{Code: "A00.0", Text: "Cholera due to Vibrio cholerae 01, biovar cholerae", Category: "A"},
		{Code: "I10", Text: "Essential (primary) hypertension", Category: "I"},
		{Code: "", Text: "no code"},
		{Code: "Z99", Text: "  "},
	})
	if err != nil {
		t.Fatalf("UpsertWorkItems: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	// Re-importing never modifies an existing entry.
	n, err = s.UpsertWorkItems([]WorkItem{{Code: "I10", Text: "changed", Category: "X"}})
	if err != nil {
		t.Fatalf("UpsertWorkItems: %v", err)
	}
	if n != 0 {
		t.Errorf("inserted on re-import = %d, want 0", n)
	}

	it, err := s.GetWorkItemByCode("I10")
	if err != nil {
		t.Fatalf("GetWorkItemByCode: %v", err)
	}
	if it.Text != "Essential (primary) hypertension" {
		t.Errorf("Text = %q, want original text", it.Text)
	}

	if _, err := s.GetWorkItemByCode("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWorkItemByCode(nope) error = %v, want ErrNotFound", err)
	}
}

// TestPendingPredictions_Resumes persists half of a pending page and checks
// the next page holds exactly the other half.
func TestPendingPredictions_Resumes(t *testing.T) {
	s := openTestStore(t)
	seedItems(t, s, "A00", "A01", "A02", "A03", "A04")

	first, err := s.PendingPredictions("claude_baseline", 5)
	if err != nil {
		t.Fatalf("PendingPredictions: %v", err)
	}
	if len(first) != 5 {
		t.Fatalf("pending = %d, want 5", len(first))
	}

	persisted := map[int64]bool{}
	for _, it := range first[:len(first)/2] {
		if err := s.SavePrediction(Prediction{WorkItemID: it.ID, Predictor: "claude_baseline"}); err != nil {
			t.Fatalf("SavePrediction: %v", err)
		}
		persisted[it.ID] = true
	}

	second, err := s.PendingPredictions("claude_baseline", 5)
	if err != nil {
		t.Fatalf("PendingPredictions: %v", err)
	}
	if len(second) != 3 {
		t.Fatalf("pending after partial progress = %d, want 3", len(second))
	}
	seen := map[int64]bool{}
	for _, it := range second {
		if persisted[it.ID] {
			t.Errorf("item %d already persisted but pending again", it.ID)
		}
		if seen[it.ID] {
			t.Errorf("item %d returned twice", it.ID)
		}
		seen[it.ID] = true
	}

	// Another predictor has its own pending set.
	other, err := s.PendingPredictions("codex_baseline", 10)
	if err != nil {
		t.Fatalf("PendingPredictions: %v", err)
	}
	if len(other) != 5 {
		t.Errorf("pending for other predictor = %d, want 5", len(other))
	}
}

func TestSavePrediction_Upserts(t *testing.T) {
	s := openTestStore(t)
	items := seedItems(t, s, "I10")

	p := Prediction{
		WorkItemID: items[0].ID,
		Predictor:  "claude_baseline",
		Codes:      []string{"I11"},
		Measurement: Measurement{
			Elapsed:  1500 * time.Millisecond,
			TokensIn: 12, TokensOut: 3, BatchID: "b1",
		},
	}
	if err := s.SavePrediction(p); err != nil {
		t.Fatalf("SavePrediction: %v", err)
	}

	p.Codes = []string{"I10"}
	p.Success = true
	p.Confidence = 1
	p.BatchID = "b2"
	if err := s.SavePrediction(p); err != nil {
		t.Fatalf("SavePrediction (second): %v", err)
	}

	if got := countRows(t, s, "predictions"); got != 1 {
		t.Fatalf("predictions rows = %d, want 1", got)
	}

	got, err := s.GetPrediction(items[0].ID, "claude_baseline")
	if err != nil {
		t.Fatalf("GetPrediction: %v", err)
	}
	want := p
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Prediction{}, "ID")); diff != "" {
		t.Errorf("prediction mismatch (-want +got):\n%s", diff)
	}
}

func TestDescriptionRun_FailureIsRecordedWithoutPayload(t *testing.T) {
	s := openTestStore(t)
	items := seedItems(t, s, "A00.0", "A00.1")

	levels := make([]Description, 11)
	for i := range levels {
		levels[i] = Description{DetailLevel: i, Text: fmt.Sprintf("level %d text", i)}
	}
	if err := s.SaveDescriptionRun(DescriptionRun{
		WorkItemID: items[0].ID, Generator: "claude", Descriptions: levels,
		Measurement: Measurement{Success: true, Confidence: 1},
	}); err != nil {
		t.Fatalf("SaveDescriptionRun success: %v", err)
	}
	if err := s.SaveDescriptionRun(DescriptionRun{
		WorkItemID: items[1].ID, Generator: "claude",
		Measurement: Measurement{Error: "timeout"},
	}); err != nil {
		t.Fatalf("SaveDescriptionRun failure: %v", err)
	}

	if got := countRows(t, s, "descriptions"); got != 11 {
		t.Errorf("descriptions = %d, want 11", got)
	}
	pending, err := s.PendingDescriptionItems("claude", 10)
	if err != nil {
		t.Fatalf("PendingDescriptionItems: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0 (both attempts recorded)", len(pending))
	}

	// Saving the same run again keeps one row per level.
	if err := s.SaveDescriptionRun(DescriptionRun{
		WorkItemID: items[0].ID, Generator: "claude", Descriptions: levels,
		Measurement: Measurement{Success: true, Confidence: 1},
	}); err != nil {
		t.Fatalf("SaveDescriptionRun repeat: %v", err)
	}
	if got := countRows(t, s, "descriptions"); got != 11 {
		t.Errorf("descriptions after repeat = %d, want 11", got)
	}

	n, err := s.ResetFailures("description_runs")
	if err != nil {
		t.Fatalf("ResetFailures: %v", err)
	}
	if n != 1 {
		t.Errorf("reset rows = %d, want 1", n)
	}
	pending, err = s.PendingDescriptionItems("claude", 10)
	if err != nil {
		t.Fatalf("PendingDescriptionItems: %v", err)
	}
	if len(pending) != 1 || pending[0].Code != "A00.1" {
		t.Errorf("pending after reset = %+v, want only A00.1", pending)
	}

	if _, err := s.ResetFailures("work_items"); err == nil {
		t.Error("ResetFailures(work_items) should reject a non-result table")
	}
}

func TestReverseAndRAGPending(t *testing.T) {
	s := openTestStore(t)
	items := seedItems(t, s, "I10")
	if err := s.SaveDescriptionRun(DescriptionRun{
		WorkItemID: items[0].ID, Generator: "claude",
		Descriptions: []Description{{DetailLevel: 0, Text: "high blood pressure"}, {DetailLevel: 1, Text: "elevated bp"}},
		Measurement:  Measurement{Success: true},
	}); err != nil {
		t.Fatalf("SaveDescriptionRun: %v", err)
	}

	units, err := s.PendingReverse("claude", 10)
	if err != nil {
		t.Fatalf("PendingReverse: %v", err)
	}
	if len(units) != 2 || units[0].Code != "I10" || units[0].DetailLevel != 0 {
		t.Fatalf("PendingReverse = %+v", units)
	}
	if err := s.SaveReversePrediction(ReversePrediction{DescriptionID: units[0].DescriptionID, Predictor: "claude", Codes: []string{"I10"}, Measurement: Measurement{Success: true}}); err != nil {
		t.Fatalf("SaveReversePrediction: %v", err)
	}
	units, err = s.PendingReverse("claude", 10)
	if err != nil {
		t.Fatalf("PendingReverse: %v", err)
	}
	if len(units) != 1 {
		t.Errorf("PendingReverse after save = %d, want 1", len(units))
	}

	if err := s.SaveRAGPrediction(RAGPrediction{DescriptionID: units[0].DescriptionID, Predictor: "claude", CorpusMode: "both"}); err != nil {
		t.Fatalf("SaveRAGPrediction: %v", err)
	}
	both, err := s.PendingRAG("claude", "both", 10)
	if err != nil {
		t.Fatalf("PendingRAG: %v", err)
	}
	auth, err := s.PendingRAG("claude", "authoritative", 10)
	if err != nil {
		t.Fatalf("PendingRAG: %v", err)
	}
	if len(both) != 1 || len(auth) != 2 {
		t.Errorf("PendingRAG both=%d authoritative=%d, want 1 and 2", len(both), len(auth))
	}

	recovered, err := s.RecoveredDescriptions("")
	if err != nil {
		t.Fatalf("RecoveredDescriptions: %v", err)
	}
	want := []Recovered{{Code: "I10", Text: "high blood pressure", DetailLevel: 0, Generator: "claude", Predictor: "claude"}}
	if diff := cmp.Diff(want, recovered); diff != "" {
		t.Errorf("recovered mismatch (-want +got):\n%s", diff)
	}
}

func TestDenseVariantsAndExamples(t *testing.T) {
	s := openTestStore(t)
	items := seedItems(t, s, "A00", "A00.0", "A00.1", "A01.0")

	pending, err := s.PendingDenseItems("claude", 10)
	if err != nil {
		t.Fatalf("PendingDenseItems: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("PendingDenseItems = %d, want 3 billable codes", len(pending))
	}

	for _, it := range items[1:] {
		var vs []DenseVariant
		for i := 0; i < 3; i++ {
			vs = append(vs, DenseVariant{VariantType: "short", VariantIndex: i, Text: fmt.Sprintf("%s short %d", it.Code, i)})
		}
		if err := s.SaveDenseRun(DenseRun{WorkItemID: it.ID, Generator: "claude", Variants: vs, Measurement: Measurement{Success: true}}); err != nil {
			t.Fatalf("SaveDenseRun: %v", err)
		}
	}

	units, err := s.PendingDenseRAG("claude", "positive_only", 100)
	if err != nil {
		t.Fatalf("PendingDenseRAG: %v", err)
	}
	if len(units) != 9 {
		t.Fatalf("PendingDenseRAG = %d, want 9", len(units))
	}

	pos, err := s.PositiveExamples(items[1].ID, units[0].VariantID, 5)
	if err != nil {
		t.Fatalf("PositiveExamples: %v", err)
	}
	if len(pos) != 2 {
		t.Errorf("positives = %d, want 2", len(pos))
	}
	for _, e := range pos {
		if e.Code != "A00.0" {
			t.Errorf("positive example code = %s, want A00.0", e.Code)
		}
	}

	neg, err := s.NegativeExamples(items[1].ID, 2)
	if err != nil {
		t.Fatalf("NegativeExamples: %v", err)
	}
	if len(neg) != 2 {
		t.Fatalf("negatives = %d, want 2", len(neg))
	}
	for _, e := range neg {
		if e.Code == "A00.0" {
			t.Errorf("negative example has the same code")
		}
	}
	if neg[0].Code != "A00.1" {
		t.Errorf("closest negative = %s, want A00.1", neg[0].Code)
	}

	if err := s.SaveDenseRAGPrediction(DenseRAGPrediction{VariantID: units[0].VariantID, Predictor: "claude", Strategy: "positive_only", Codes: []string{"A00.0"}, Positives: 2, Measurement: Measurement{Success: true, Confidence: 1}}); err != nil {
		t.Fatalf("SaveDenseRAGPrediction: %v", err)
	}
	units, err = s.PendingDenseRAG("claude", "positive_only", 100)
	if err != nil {
		t.Fatalf("PendingDenseRAG: %v", err)
	}
	if len(units) != 8 {
		t.Errorf("PendingDenseRAG after save = %d, want 8", len(units))
	}
}

func TestBatchRecordLifecycle(t *testing.T) {
	s := openTestStore(t)
	start := time.Now().Add(-2 * time.Second)

	if err := s.StartBatch(BatchRecord{ID: "b-1", Stage: "predict/claude/baseline", Predictor: "claude", Size: 4, StartedAt: start}); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if err := s.FinishBatch(BatchRecord{ID: "b-1", SuccessCount: 3, FailureCount: 1, TokensIn: 400, TokensOut: 40, StartedAt: start, EndedAt: start.Add(2 * time.Second)}); err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}
	if err := s.FinishBatch(BatchRecord{ID: "b-1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("second FinishBatch error = %v, want ErrNotFound", err)
	}

	b, err := loadBatch(s, "b-1")
	if err != nil {
		t.Fatalf("loadBatch: %v", err)
	}
	if b.SuccessCount != 3 || b.FailureCount != 1 || b.EndedAt.IsZero() {
		t.Errorf("batch = %+v", b)
	}

	stats, err := s.PredictorStats()
	if err != nil {
		t.Fatalf("PredictorStats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats = %d rows, want 1", len(stats))
	}
	if stats[0].Items != 4 || stats[0].Successes != 3 {
		t.Errorf("stats = %+v", stats[0])
	}
	if stats[0].Throughput < 1.9 || stats[0].Throughput > 2.1 {
		t.Errorf("Throughput = %v, want about 2 items/s", stats[0].Throughput)
	}
	if stats[0].AvgLatency != 500*time.Millisecond {
		t.Errorf("AvgLatency = %v, want 500ms", stats[0].AvgLatency)
	}

	costs, err := s.CostSummary()
	if err != nil {
		t.Fatalf("CostSummary: %v", err)
	}
	// 400/1000*0.015 + 40/1000*0.075
	if len(costs) != 1 || costs[0].CostUSD < 0.00899 || costs[0].CostUSD > 0.00901 {
		t.Errorf("costs = %+v, want 0.009 USD for claude", costs)
	}
}

// loadBatch reads one batch record back.
func loadBatch(s *Store, id string) (BatchRecord, error) {
	var b BatchRecord
	var startedAt string
	var endedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT id, stage, predictor, batch_size, success_count, failure_count, tokens_in, tokens_out, started_at, ended_at
		FROM batch_records WHERE id = ?`, id,
	).Scan(&b.ID, &b.Stage, &b.Predictor, &b.Size, &b.SuccessCount, &b.FailureCount, &b.TokensIn, &b.TokensOut, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return BatchRecord{}, ErrNotFound
	}
	if err != nil {
		return BatchRecord{}, err
	}
	if b.StartedAt, err = parseTime(startedAt); err != nil {
		return BatchRecord{}, err
	}
	if endedAt.Valid {
		if b.EndedAt, err = parseTime(endedAt.String); err != nil {
			return BatchRecord{}, err
		}
	}
	return b, nil
}

func TestBatchSizes(t *testing.T) {
	s := openTestStore(t)
	for i, size := range []int{1, 1, 1, 2} {
		if err := s.RecordBatchSize(SizeSample{Stage: "reverse/claude", Predictor: "claude", BatchSize: size, SuccessRate: float64(i) / 4}); err != nil {
			t.Fatalf("RecordBatchSize: %v", err)
		}
	}
	got, err := s.BatchSizes("reverse/claude", 2)
	if err != nil {
		t.Fatalf("BatchSizes: %v", err)
	}
	if len(got) != 2 || got[0].BatchSize != 1 || got[1].BatchSize != 2 {
		t.Errorf("BatchSizes = %+v, want last two samples oldest first", got)
	}
}

func TestSnapshots(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LatestSnapshot(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestSnapshot on empty store error = %v, want ErrNotFound", err)
	}

	seedItems(t, s, "A00", "A01")
	first, err := s.CurrentProgress()
	if err != nil {
		t.Fatalf("CurrentProgress: %v", err)
	}
	if first.Values["work_items"] != 2 {
		t.Errorf("work_items = %d, want 2", first.Values["work_items"])
	}
	if len(first.Values) != len(ProgressMetrics()) {
		t.Errorf("metric count = %d, want %d", len(first.Values), len(ProgressMetrics()))
	}
	if err := s.SaveSnapshot(first); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	seedItems(t, s, "A02")
	second, err := s.CurrentProgress()
	if err != nil {
		t.Fatalf("CurrentProgress: %v", err)
	}
	second.TakenAt = first.TakenAt.Add(time.Second)
	if err := s.SaveSnapshot(second); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	latest, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if diff := cmp.Diff(second.Values, latest.Values); diff != "" {
		t.Errorf("latest snapshot values (-want +got):\n%s", diff)
	}
	if !latest.TakenAt.Equal(second.TakenAt) {
		t.Errorf("TakenAt = %v, want %v", latest.TakenAt, second.TakenAt)
	}

	recent, err := s.RecentSnapshots(5)
	if err != nil {
		t.Fatalf("RecentSnapshots: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentSnapshots returned %d snapshots, want 2", len(recent))
	}
	if recent[0].Values["work_items"] != 3 || recent[1].Values["work_items"] != 2 {
		t.Errorf("work_items newest first = %d, %d; want 3, 2", recent[0].Values["work_items"], recent[1].Values["work_items"])
	}
	if one, _ := s.RecentSnapshots(1); len(one) != 1 || !one[0].TakenAt.Equal(second.TakenAt) {
		t.Errorf("RecentSnapshots(1) = %+v, want only the latest", one)
	}
}

func TestStageCounts(t *testing.T) {
	s := openTestStore(t)
	items := seedItems(t, s, "A00", "A01")
	for i, it := range items {
		if err := s.SavePrediction(Prediction{WorkItemID: it.ID, Predictor: "codex_baseline", Measurement: Measurement{Success: i == 0}}); err != nil {
			t.Fatalf("SavePrediction: %v", err)
		}
	}
	counts, err := s.StageCounts()
	if err != nil {
		t.Fatalf("StageCounts: %v", err)
	}
	want := []StageCount{{Table: "predictions", Predictor: "codex_baseline", Total: 2, Succeeded: 1}}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("StageCounts (-want +got):\n%s", diff)
	}
}

// TestConcurrentStores writes from two Store handles on the same file at once;
// WAL and the busy timeout must serialize them without errors.
func TestConcurrentStores(t *testing.T) {
	dir := t.TempDir()
	seed, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seedItems(t, seed, "A00", "A01", "A02", "A03", "A04", "A05", "A06", "A07")
	seed.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, predictor := range []string{"claude_baseline", "codex_baseline"} {
		wg.Add(1)
		go func(predictor string) {
			defer wg.Done()
			s, err := OpenWith(dir, Options{BusyTimeout: 10 * time.Second})
			if err != nil {
				errs <- err
				return
			}
			defer s.Close()
			for {
				pending, err := s.PendingPredictions(predictor, 2)
				if err != nil {
					errs <- err
					return
				}
				if len(pending) == 0 {
					return
				}
				for _, it := range pending {
					if err := s.SavePrediction(Prediction{WorkItemID: it.ID, Predictor: predictor}); err != nil {
						errs <- err
						return
					}
				}
			}
		}(predictor)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent writer: %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if got := countRows(t, s, "predictions"); got != 16 {
		t.Errorf("predictions = %d, want 16", got)
	}
}

func TestCorpusCounts(t *testing.T) {
	s := openTestStore(t)
	items := seedItems(t, s, "A00", "A01")

	run := DescriptionRun{WorkItemID: items[0].ID, Generator: "claude", Measurement: Measurement{Success: true}}
	for lvl := 0; lvl < 3; lvl++ {
		run.Descriptions = append(run.Descriptions, Description{DetailLevel: lvl, Text: "text"})
	}
	if err := s.SaveDescriptionRun(run); err != nil {
		t.Fatalf("SaveDescriptionRun: %v", err)
	}

	auth, derived, err := s.CorpusCounts()
	if err != nil {
		t.Fatalf("CorpusCounts: %v", err)
	}
	authDocs, _ := s.AuthoritativeDocs()
	derivedDocs, _ := s.DerivedDocs()
	if auth != len(authDocs) || derived != len(derivedDocs) {
		t.Errorf("CorpusCounts = %d, %d; want %d, %d", auth, derived, len(authDocs), len(derivedDocs))
	}
	if auth != 2 || derived != 3 {
		t.Errorf("CorpusCounts = %d, %d; want 2, 3", auth, derived)
	}
}
