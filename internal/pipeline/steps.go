package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/icdbench/internal/gateway"
	"github.com/kalambet/icdbench/internal/parse"
	"github.com/kalambet/icdbench/internal/retrieval"
	"github.com/kalambet/icdbench/internal/storage"
)

// caller invokes a predictor and turns the gateway result into the
// measurement every stage result carries.
type caller struct {
	predictor gateway.Predictor
	timeout   time.Duration
}

func (c caller) call(ctx context.Context, prompt string) (gateway.Result, storage.Measurement) {
	res := c.predictor.Invoke(ctx, prompt, c.timeout)
	return res, storage.Measurement{
		Error:     res.Error,
		Elapsed:   res.Elapsed,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
		BatchID:   BatchIDFrom(ctx),
	}
}

func malformed(reason string) string {
	return "malformed output: " + reason
}

// PredictionStore is the store surface of the predict stage.
type PredictionStore interface {
	PendingPredictions(predictor string, limit int) ([]storage.WorkItem, error)
	SavePrediction(storage.Prediction) error
}

// PredictStep predicts codes straight from a work item's catalog text.
type PredictStep struct {
	caller
	store    PredictionStore
	identity string
	prompt   PromptFunc
}

// NewPredictStep returns a predict step recording results under identity.
func NewPredictStep(store PredictionStore, p gateway.Predictor, identity string, prompt PromptFunc, timeout time.Duration) *PredictStep {
	return &PredictStep{caller: caller{p, timeout}, store: store, identity: identity, prompt: prompt}
}

func (s *PredictStep) Pending(_ context.Context, limit int) ([]storage.WorkItem, error) {
	return s.store.PendingPredictions(s.identity, limit)
}

func (s *PredictStep) Execute(ctx context.Context, it storage.WorkItem) storage.Prediction {
	res, m := s.call(ctx, s.prompt(it.Text))
	p := storage.Prediction{WorkItemID: it.ID, Predictor: s.identity, Measurement: m}
	if !res.Success {
		return p
	}
	parsed := parse.Codes(res.Output)
	codes, ok := parsed.Value()
	if !ok {
		p.Error = malformed(parsed.Reason())
		return p
	}
	p.Codes = codes
	p.Success = parse.Contains(codes, it.Code)
	if p.Success {
		p.Confidence = 1
	}
	return p
}

func (s *PredictStep) Persist(_ context.Context, p storage.Prediction) error {
	return s.store.SavePrediction(p)
}

// DescriptionStore is the store surface of the describe stage.
type DescriptionStore interface {
	PendingDescriptionItems(generator string, limit int) ([]storage.WorkItem, error)
	SaveDescriptionRun(storage.DescriptionRun) error
}

// DescribeStep generates one description per detail level for a work item.
type DescribeStep struct {
	caller
	store DescriptionStore
}

// NewDescribeStep returns a describe step using p as the generator.
func NewDescribeStep(store DescriptionStore, p gateway.Predictor, timeout time.Duration) *DescribeStep {
	return &DescribeStep{caller: caller{p, timeout}, store: store}
}

func (s *DescribeStep) Pending(_ context.Context, limit int) ([]storage.WorkItem, error) {
	return s.store.PendingDescriptionItems(s.predictor.Name(), limit)
}

func (s *DescribeStep) Execute(ctx context.Context, it storage.WorkItem) storage.DescriptionRun {
	res, m := s.call(ctx, describePrompt(it.Code, it.Text, parse.DetailLevels))
	run := storage.DescriptionRun{WorkItemID: it.ID, Generator: s.predictor.Name(), Measurement: m}
	if !res.Success {
		return run
	}
	parsed := parse.Descriptions(res.Output, parse.DetailLevels)
	levels, ok := parsed.Value()
	if !ok {
		run.Error = malformed(parsed.Reason())
		return run
	}
	for _, l := range levels {
		if l.Level < 0 || l.Level >= parse.DetailLevels {
			run.Error = malformed(fmt.Sprintf("level %d out of range", l.Level))
			return run
		}
	}
	for _, l := range levels {
		run.Descriptions = append(run.Descriptions, storage.Description{
			WorkItemID:  it.ID,
			Generator:   run.Generator,
			DetailLevel: l.Level,
			Text:        l.Description,
		})
	}
	run.Success = true
	run.Confidence = 1
	return run
}

func (s *DescribeStep) Persist(_ context.Context, r storage.DescriptionRun) error {
	return s.store.SaveDescriptionRun(r)
}

// ReverseStore is the store surface of the reverse stage.
type ReverseStore interface {
	PendingReverse(predictor string, limit int) ([]storage.DescriptionUnit, error)
	SaveReversePrediction(storage.ReversePrediction) error
}

// ReverseStep recovers the code from a generated description.
type ReverseStep struct {
	caller
	store ReverseStore
}

// NewReverseStep returns a reverse prediction step.
func NewReverseStep(store ReverseStore, p gateway.Predictor, timeout time.Duration) *ReverseStep {
	return &ReverseStep{caller: caller{p, timeout}, store: store}
}

func (s *ReverseStep) Pending(_ context.Context, limit int) ([]storage.DescriptionUnit, error) {
	return s.store.PendingReverse(s.predictor.Name(), limit)
}

func (s *ReverseStep) Execute(ctx context.Context, u storage.DescriptionUnit) storage.ReversePrediction {
	res, m := s.call(ctx, baselinePrompt(u.Text))
	p := storage.ReversePrediction{DescriptionID: u.DescriptionID, Predictor: s.predictor.Name(), Measurement: m}
	if !res.Success {
		return p
	}
	parsed := parse.Codes(res.Output)
	codes, ok := parsed.Value()
	if !ok {
		p.Error = malformed(parsed.Reason())
		return p
	}
	p.Codes = codes
	p.Success = parse.Contains(codes, u.Code)
	if p.Success {
		p.Confidence = 1
	}
	return p
}

func (s *ReverseStep) Persist(_ context.Context, p storage.ReversePrediction) error {
	return s.store.SaveReversePrediction(p)
}

// RAGStore is the store surface of the rag stage.
type RAGStore interface {
	PendingRAG(predictor, mode string, limit int) ([]storage.DescriptionUnit, error)
	SaveRAGPrediction(storage.RAGPrediction) error
}

// Retriever supplies prompt context. *retrieval.Engine implements it.
type Retriever interface {
	Context(ctx context.Context, mode retrieval.Mode, text, excludeKey string, topK int) ([]retrieval.Hit, error)
}

// RAGContextSize is the number of examples placed in a RAG prompt.
const RAGContextSize = 5

// RAGStep predicts a description's code with retrieved examples as context.
// The description's own code is excluded from the context.
type RAGStep struct {
	caller
	store     RAGStore
	retriever Retriever
	mode      retrieval.Mode
	topK      int
}

// NewRAGStep returns a rag step over one corpus mode.
func NewRAGStep(store RAGStore, r Retriever, mode retrieval.Mode, p gateway.Predictor, timeout time.Duration) *RAGStep {
	return &RAGStep{caller: caller{p, timeout}, store: store, retriever: r, mode: mode, topK: RAGContextSize}
}

func (s *RAGStep) Pending(_ context.Context, limit int) ([]storage.DescriptionUnit, error) {
	return s.store.PendingRAG(s.predictor.Name(), string(s.mode), limit)
}

func (s *RAGStep) Execute(ctx context.Context, u storage.DescriptionUnit) storage.RAGPrediction {
	p := storage.RAGPrediction{
		DescriptionID: u.DescriptionID,
		Predictor:     s.predictor.Name(),
		CorpusMode:    string(s.mode),
		Measurement:   storage.Measurement{BatchID: BatchIDFrom(ctx)},
	}

	hits, err := s.retriever.Context(ctx, s.mode, u.Text, u.Code, s.topK)
	if err != nil {
		p.Error = "retrieval: " + err.Error()
		return p
	}
	for _, h := range hits {
		p.ContextCodes = append(p.ContextCodes, h.Key)
	}

	res, m := s.call(ctx, ragPrompt(u.Text, hits))
	p.Measurement = m
	if !res.Success {
		return p
	}
	parsed := parse.Codes(res.Output)
	codes, ok := parsed.Value()
	if !ok {
		p.Error = malformed(parsed.Reason())
		return p
	}
	p.Codes = codes
	p.Confidence = parse.Confidence(codes, u.Code)
	p.Success = p.Confidence == 1
	return p
}

func (s *RAGStep) Persist(_ context.Context, p storage.RAGPrediction) error {
	return s.store.SaveRAGPrediction(p)
}

// DenseStore is the store surface of the dense stage.
type DenseStore interface {
	PendingDenseItems(generator string, limit int) ([]storage.WorkItem, error)
	SaveDenseRun(storage.DenseRun) error
}

// Dense variant types.
const (
	VariantShort = "short"
	VariantLong  = "long"
)

// DenseStep generates short and long paraphrases of billable codes.
type DenseStep struct {
	caller
	store DenseStore
}

// NewDenseStep returns a dense variant step.
func NewDenseStep(store DenseStore, p gateway.Predictor, timeout time.Duration) *DenseStep {
	return &DenseStep{caller: caller{p, timeout}, store: store}
}

func (s *DenseStep) Pending(_ context.Context, limit int) ([]storage.WorkItem, error) {
	return s.store.PendingDenseItems(s.predictor.Name(), limit)
}

func (s *DenseStep) Execute(ctx context.Context, it storage.WorkItem) storage.DenseRun {
	res, m := s.call(ctx, densePrompt(it.Code, it.Text))
	run := storage.DenseRun{WorkItemID: it.ID, Generator: s.predictor.Name(), Measurement: m}
	if !res.Success {
		return run
	}
	parsed := parse.Strings(res.Output, 2*denseVariants)
	texts, ok := parsed.Value()
	if !ok {
		run.Error = malformed(parsed.Reason())
		return run
	}
	for i, t := range texts {
		v := storage.DenseVariant{WorkItemID: it.ID, VariantType: VariantShort, VariantIndex: i, Text: t}
		if i >= denseVariants {
			v.VariantType = VariantLong
			v.VariantIndex = i - denseVariants
		}
		run.Variants = append(run.Variants, v)
	}
	run.Success = true
	run.Confidence = 1
	return run
}

func (s *DenseStep) Persist(_ context.Context, r storage.DenseRun) error {
	return s.store.SaveDenseRun(r)
}

// DenseRAGStore is the store surface of the dense rag stage.
type DenseRAGStore interface {
	PendingDenseRAG(predictor, strategy string, limit int) ([]storage.VariantUnit, error)
	PositiveExamples(workItemID, excludeVariantID int64, limit int) ([]storage.Example, error)
	NegativeExamples(workItemID int64, limit int) ([]storage.Example, error)
	SaveDenseRAGPrediction(storage.DenseRAGPrediction) error
}

// Dense RAG example strategies.
const (
	StrategyPositiveOnly  = "positive_only"
	StrategyWithNegatives = "with_negatives"
)

// StrategyExamples returns how many positive and negative examples a
// strategy places in the prompt.
func StrategyExamples(strategy string) (positives, negatives int, err error) {
	switch strategy {
	case StrategyPositiveOnly:
		return 5, 0, nil
	case StrategyWithNegatives:
		return 3, 2, nil
	}
	return 0, 0, fmt.Errorf("unknown dense rag strategy %q", strategy)
}

// DenseRAGStep predicts a dense variant's code from labelled examples drawn
// from the other dense variants.
type DenseRAGStep struct {
	caller
	store     DenseRAGStore
	strategy  string
	positives int
	negatives int
}

// NewDenseRAGStep returns a dense rag step for strategy.
func NewDenseRAGStep(store DenseRAGStore, strategy string, p gateway.Predictor, timeout time.Duration) (*DenseRAGStep, error) {
	pos, neg, err := StrategyExamples(strategy)
	if err != nil {
		return nil, err
	}
	return &DenseRAGStep{
		caller:    caller{p, timeout},
		store:     store,
		strategy:  strategy,
		positives: pos,
		negatives: neg,
	}, nil
}

func (s *DenseRAGStep) Pending(_ context.Context, limit int) ([]storage.VariantUnit, error) {
	return s.store.PendingDenseRAG(s.predictor.Name(), s.strategy, limit)
}

func (s *DenseRAGStep) Execute(ctx context.Context, u storage.VariantUnit) storage.DenseRAGPrediction {
	p := storage.DenseRAGPrediction{
		VariantID:   u.VariantID,
		Predictor:   s.predictor.Name(),
		Strategy:    s.strategy,
		Measurement: storage.Measurement{BatchID: BatchIDFrom(ctx)},
	}

	pos, err := s.store.PositiveExamples(u.WorkItemID, u.VariantID, s.positives)
	if err != nil {
		p.Error = "examples: " + err.Error()
		return p
	}
	var neg []storage.Example
	if s.negatives > 0 {
		if neg, err = s.store.NegativeExamples(u.WorkItemID, s.negatives); err != nil {
			p.Error = "examples: " + err.Error()
			return p
		}
	}
	p.Positives = len(pos)
	p.Negatives = len(neg)

	res, m := s.call(ctx, denseRAGPrompt(u.Text, pos, neg))
	p.Measurement = m
	if !res.Success {
		return p
	}
	parsed := parse.Codes(res.Output)
	codes, ok := parsed.Value()
	if !ok {
		p.Error = malformed(parsed.Reason())
		return p
	}
	p.Codes = codes
	p.Confidence = parse.Confidence(codes, u.Code)
	p.Success = p.Confidence == 1
	return p
}

func (s *DenseRAGStep) Persist(_ context.Context, p storage.DenseRAGPrediction) error {
	return s.store.SaveDenseRAGPrediction(p)
}
