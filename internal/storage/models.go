package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// WorkItem is one catalog entry. It is written once at import and never
// updated afterwards.
type WorkItem struct {
	ID        int64
	Code      string
	Text      string
	Category  string
	CreatedAt time.Time
}

// Measurement is the per-call bookkeeping carried by every stage result.
type Measurement struct {
	Success    bool
	Confidence float64
	Error      string
	Elapsed    time.Duration
	TokensIn   int
	TokensOut  int
	BatchID    string
}

// Succeeded reports whether the unit counts as a success for batch sizing.
func (m Measurement) Succeeded() bool { return m.Success }

// Usage returns the approximate token counts of the call.
func (m Measurement) Usage() (in, out int) { return m.TokensIn, m.TokensOut }

// Prediction is a direct code prediction for a work item's catalog text.
type Prediction struct {
	ID         int64
	WorkItemID int64
	Predictor  string
	Codes      []string
	Measurement
}

// Description is one generated clinical description at a detail level.
type Description struct {
	ID          int64
	WorkItemID  int64
	Generator   string
	DetailLevel int
	Text        string
}

// DescriptionRun records one generation attempt for a work item. On success
// it carries the generated descriptions, one per detail level.
type DescriptionRun struct {
	WorkItemID   int64
	Generator    string
	Descriptions []Description
	Measurement
}

// DescriptionUnit is a generated description joined with its work item.
type DescriptionUnit struct {
	DescriptionID int64
	WorkItemID    int64
	Code          string
	DetailLevel   int
	Text          string
}

// ReversePrediction is a code prediction made from a generated description.
type ReversePrediction struct {
	ID            int64
	DescriptionID int64
	Predictor     string
	Codes         []string
	Measurement
}

// RAGPrediction is a retrieval-augmented prediction for one corpus mode.
type RAGPrediction struct {
	ID            int64
	DescriptionID int64
	Predictor     string
	CorpusMode    string
	Codes         []string
	ContextCodes  []string
	Measurement
}

// DenseVariant is one of the short or long paraphrases of a billable code.
type DenseVariant struct {
	ID           int64
	WorkItemID   int64
	VariantType  string
	VariantIndex int
	Text         string
}

// DenseRun records one dense variant generation attempt for a work item.
type DenseRun struct {
	WorkItemID int64
	Generator  string
	Variants   []DenseVariant
	Measurement
}

// VariantUnit is a dense variant joined with its work item.
type VariantUnit struct {
	VariantID  int64
	WorkItemID int64
	Code       string
	Text       string
}

// Example is a labelled text used as prompt context.
type Example struct {
	Code string
	Text string
}

// DenseRAGPrediction is a prediction for a dense variant made with labelled
// examples drawn from the dense variant table.
type DenseRAGPrediction struct {
	ID        int64
	VariantID int64
	Predictor string
	Strategy  string
	Codes     []string
	Positives int
	Negatives int
	Measurement
}

// BatchRecord is the bookkeeping row for one adaptive batch.
type BatchRecord struct {
	ID           string
	Stage        string
	Predictor    string
	Size         int
	SuccessCount int
	FailureCount int
	TokensIn     int
	TokensOut    int
	StartedAt    time.Time
	EndedAt      time.Time
}

// SizeSample is one point of the batch size time series.
type SizeSample struct {
	Stage       string
	Predictor   string
	BatchSize   int
	SuccessRate float64
	RecordedAt  time.Time
}

// Snapshot is a set of metric counts taken at one instant.
type Snapshot struct {
	TakenAt time.Time
	Values  map[string]int64
}

// CorpusDoc is one text eligible for the retrieval index.
type CorpusDoc struct {
	Key         string
	Text        string
	DetailLevel int
}

// StageCount summarizes one result table grouped by its predictor.
type StageCount struct {
	Table     string
	Predictor string
	Total     int64
	Succeeded int64
}

// PredictorStat aggregates batch records for one stage and predictor.
type PredictorStat struct {
	Stage      string
	Predictor  string
	Batches    int64
	Items      int64
	Successes  int64
	TokensIn   int64
	TokensOut  int64
	AvgLatency time.Duration
	Throughput float64 // items per second
}

// CostLine is the estimated spend of one predictor.
type CostLine struct {
	Predictor string
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// Recovered is a generated description whose code was recovered by reverse
// prediction. These rows form the exported dataset.
type Recovered struct {
	Code        string
	Text        string
	DetailLevel int
	Generator   string
	Predictor   string
}
