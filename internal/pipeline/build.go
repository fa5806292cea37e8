package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/icdbench/internal/controller"
	"github.com/kalambet/icdbench/internal/gateway"
	"github.com/kalambet/icdbench/internal/retrieval"
	"github.com/kalambet/icdbench/internal/storage"
)

// Stage kinds.
const (
	KindPredict  = "predict"
	KindDescribe = "describe"
	KindReverse  = "reverse"
	KindRAG      = "rag"
	KindDense    = "dense"
	KindDenseRAG = "denserag"
)

// StageSpec declares one stage instance.
type StageSpec struct {
	Kind      string
	Predictor string
	// Prompt is the prompt style of a predict stage.
	Prompt string
	// Mode is the corpus mode of a rag stage.
	Mode string
	// Strategy is the example strategy of a denserag stage.
	Strategy string
}

// Identity is the predictor identity results are stored under. Predict
// stages append the prompt style so that baseline and constrained runs of
// the same predictor are kept apart.
func (s StageSpec) Identity() string {
	if s.Kind == KindPredict {
		prompt := s.Prompt
		if prompt == "" {
			prompt = PromptBaseline
		}
		return s.Predictor + "_" + prompt
	}
	return s.Predictor
}

// Name is the unique stage name, also used as the controller key.
func (s StageSpec) Name() string {
	switch s.Kind {
	case KindRAG:
		mode := s.Mode
		if m, err := retrieval.ParseMode(s.Mode); err == nil {
			mode = string(m)
		}
		return s.Kind + "/" + s.Predictor + "/" + mode
	case KindDenseRAG:
		return s.Kind + "/" + s.Predictor + "/" + s.Strategy
	}
	return s.Kind + "/" + s.Identity()
}

// Timeouts bounds each kind of predictor call.
type Timeouts struct {
	Predict  time.Duration
	Describe time.Duration
	Dense    time.Duration
}

// DefaultTimeouts returns the per-call limits used by default.
func DefaultTimeouts() Timeouts {
	return Timeouts{Predict: 30 * time.Second, Describe: 60 * time.Second, Dense: 90 * time.Second}
}

// Dependencies maps every stage name to the stages it consumes from:
// reverse and rag stages read descriptions, denserag stages read dense
// variants.
func Dependencies(specs []StageSpec) map[string][]string {
	var describes, denses []string
	for _, s := range specs {
		switch s.Kind {
		case KindDescribe:
			describes = append(describes, s.Name())
		case KindDense:
			denses = append(denses, s.Name())
		}
	}
	deps := make(map[string][]string, len(specs))
	for _, s := range specs {
		switch s.Kind {
		case KindReverse, KindRAG:
			deps[s.Name()] = describes
		case KindDenseRAG:
			deps[s.Name()] = denses
		default:
			deps[s.Name()] = nil
		}
	}
	return deps
}

// LaneStore is everything a lane needs from its store connection.
type LaneStore interface {
	BatchStore
	PredictionStore
	DescriptionStore
	ReverseStore
	RAGStore
	DenseStore
	DenseRAGStore
}

var _ LaneStore = (*storage.Store)(nil)

// BuildConfig carries the shared collaborators of BuildLanes.
type BuildConfig struct {
	Predictors map[string]gateway.Predictor
	Retriever  Retriever
	Timeouts   Timeouts
	MaxBatch   int
	// Parallel gives every predictor its own lane. Otherwise all stages
	// share the single lane SerialLane.
	Parallel bool
	Logger   *slog.Logger
}

// SerialLane is the lane name used when BuildConfig.Parallel is off.
const SerialLane = "main"

// BuildLanes groups specs into lanes in first-seen order, opening a
// dedicated store for each lane through open.
func BuildLanes(specs []StageSpec, cfg BuildConfig, open func(lane string) (LaneStore, error)) ([]Lane, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps := Dependencies(specs)

	var order []string
	byLane := make(map[string][]StageSpec)
	for _, s := range specs {
		if _, ok := cfg.Predictors[s.Predictor]; !ok {
			return nil, fmt.Errorf("stage %s uses undefined predictor %q", s.Name(), s.Predictor)
		}
		lane := SerialLane
		if cfg.Parallel {
			lane = s.Predictor
		}
		if _, ok := byLane[lane]; !ok {
			order = append(order, lane)
		}
		byLane[lane] = append(byLane[lane], s)
	}

	lanes := make([]Lane, 0, len(order))
	for _, name := range order {
		store, err := open(name)
		if err != nil {
			return nil, fmt.Errorf("opening store for lane %s: %w", name, err)
		}
		ctrls := controller.NewRegistry(cfg.MaxBatch)

		lane := Lane{Name: name, Controllers: ctrls}
		for _, spec := range byLane[name] {
			opts := StageOptions{
				Name:      spec.Name(),
				Predictor: spec.Identity(),
				DependsOn: deps[spec.Name()],
				Logger:    logger.With("lane", name),
			}
			st, err := newStage(spec, cfg.Predictors[spec.Predictor], store, ctrls.Get(opts.Name), cfg, opts)
			if err != nil {
				return nil, err
			}
			lane.Stages = append(lane.Stages, st)
		}
		lanes = append(lanes, lane)
	}
	return lanes, nil
}

func newStage(spec StageSpec, p gateway.Predictor, store LaneStore, ctrl *controller.Controller, cfg BuildConfig, opts StageOptions) (Stage, error) {
	t := cfg.Timeouts
	switch spec.Kind {
	case KindPredict:
		prompt, err := PredictionPrompt(spec.Prompt)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", opts.Name, err)
		}
		return NewStage[storage.WorkItem, storage.Prediction](NewPredictStep(store, p, spec.Identity(), prompt, t.Predict), ctrl, store, opts), nil
	case KindDescribe:
		return NewStage[storage.WorkItem, storage.DescriptionRun](NewDescribeStep(store, p, t.Describe), ctrl, store, opts), nil
	case KindReverse:
		return NewStage[storage.DescriptionUnit, storage.ReversePrediction](NewReverseStep(store, p, t.Predict), ctrl, store, opts), nil
	case KindRAG:
		if cfg.Retriever == nil {
			return nil, fmt.Errorf("stage %s: no retriever configured", opts.Name)
		}
		mode, err := retrieval.ParseMode(spec.Mode)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", opts.Name, err)
		}
		return NewStage[storage.DescriptionUnit, storage.RAGPrediction](NewRAGStep(store, cfg.Retriever, mode, p, t.Predict), ctrl, store, opts), nil
	case KindDense:
		return NewStage[storage.WorkItem, storage.DenseRun](NewDenseStep(store, p, t.Dense), ctrl, store, opts), nil
	case KindDenseRAG:
		step, err := NewDenseRAGStep(store, spec.Strategy, p, t.Predict)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", opts.Name, err)
		}
		return NewStage[storage.VariantUnit, storage.DenseRAGPrediction](step, ctrl, store, opts), nil
	}
	return nil, fmt.Errorf("unknown stage kind %q", spec.Kind)
}
