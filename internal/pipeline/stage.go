// Package pipeline runs the dataset generation stages. Each stage finds its
// pending units with an anti-join against its result table, drives them in
// adaptively sized batches through a predictor, and persists one result per
// unit. The Scheduler orders stages by dependency and runs them round-robin.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/icdbench/internal/controller"
	"github.com/kalambet/icdbench/internal/storage"
)

// Outcome is implemented by every stage result.
type Outcome interface {
	Succeeded() bool
	Usage() (in, out int)
}

// Step is the stage-specific logic: what is pending, how one unit is
// processed, and how its result is stored. Execute never fails; failures are
// recorded in the result. Persist must upsert on the unit's unique key.
type Step[U any, R Outcome] interface {
	Pending(ctx context.Context, limit int) ([]U, error)
	Execute(ctx context.Context, unit U) R
	Persist(ctx context.Context, result R) error
}

// Stage is a step bound to its controller and batch bookkeeping.
type Stage interface {
	Name() string
	DependsOn() []string
	RunBatch(ctx context.Context) (BatchSummary, error)
}

// BatchSummary describes one finished batch. A zero Size means the stage
// had no pending work.
type BatchSummary struct {
	Stage     string
	BatchID   string
	Size      int
	Successes int
	Failures  int
	NextSize  int
	Elapsed   time.Duration
}

// SuccessRate is the fraction of units in the batch that succeeded.
func (b BatchSummary) SuccessRate() float64 {
	if b.Size == 0 {
		return 0
	}
	return float64(b.Successes) / float64(b.Size)
}

// BatchStore records batch bookkeeping. *storage.Store implements it.
type BatchStore interface {
	StartBatch(storage.BatchRecord) error
	FinishBatch(storage.BatchRecord) error
	RecordBatchSize(storage.SizeSample) error
}

// StageOptions names a stage and declares its prerequisites.
type StageOptions struct {
	Name      string
	Predictor string
	DependsOn []string
	Logger    *slog.Logger
}

type batchIDKey struct{}

// WithBatchID returns a context carrying the id of the batch in flight.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, id)
}

// BatchIDFrom returns the batch id carried by ctx, or "".
func BatchIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(batchIDKey{}).(string)
	return id
}

type stage[U any, R Outcome] struct {
	step    Step[U, R]
	ctrl    *controller.Controller
	batches BatchStore
	opts    StageOptions
	logger  *slog.Logger
}

// NewStage binds step to a controller and a batch store.
func NewStage[U any, R Outcome](step Step[U, R], ctrl *controller.Controller, batches BatchStore, opts StageOptions) Stage {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &stage[U, R]{
		step:    step,
		ctrl:    ctrl,
		batches: batches,
		opts:    opts,
		logger:  logger.With("stage", opts.Name),
	}
}

func (s *stage[U, R]) Name() string        { return s.opts.Name }
func (s *stage[U, R]) DependsOn() []string { return s.opts.DependsOn }

// RunBatch processes one batch of at most the controller's current size.
// Units run concurrently. A unit whose result cannot be persisted counts as
// a failure and the rest of the batch carries on.
func (s *stage[U, R]) RunBatch(ctx context.Context) (BatchSummary, error) {
	sum := BatchSummary{Stage: s.opts.Name}

	units, err := s.step.Pending(ctx, s.ctrl.Size())
	if err != nil {
		return sum, fmt.Errorf("%s: listing pending work: %w", s.opts.Name, err)
	}
	if len(units) == 0 {
		sum.NextSize = s.ctrl.Size()
		return sum, nil
	}

	rec := storage.BatchRecord{
		ID:        uuid.NewString(),
		Stage:     s.opts.Name,
		Predictor: s.opts.Predictor,
		Size:      len(units),
		StartedAt: time.Now(),
	}
	if err := s.batches.StartBatch(rec); err != nil {
		s.logger.Warn("opening batch record failed", "batch_id", rec.ID, "error", err)
	}
	ctx = WithBatchID(ctx, rec.ID)

	var (
		mu                  sync.Mutex
		successes, failures int
		tokensIn, tokensOut int
	)
	g := new(errgroup.Group)
	g.SetLimit(len(units))
	for _, u := range units {
		u := u
		g.Go(func() error {
			r := s.step.Execute(ctx, u)
			perr := s.step.Persist(ctx, r)
			in, out := r.Usage()

			mu.Lock()
			defer mu.Unlock()
			tokensIn += in
			tokensOut += out
			switch {
			case perr != nil:
				s.logger.Error("persisting result failed", "batch_id", rec.ID, "error", perr)
				failures++
			case r.Succeeded():
				successes++
			default:
				failures++
			}
			return nil
		})
	}
	g.Wait()

	rate := float64(successes) / float64(len(units))
	next := s.ctrl.Adjust(rate)

	rec.SuccessCount = successes
	rec.FailureCount = failures
	rec.TokensIn = tokensIn
	rec.TokensOut = tokensOut
	rec.EndedAt = time.Now()
	if err := s.batches.FinishBatch(rec); err != nil {
		s.logger.Warn("closing batch record failed", "batch_id", rec.ID, "error", err)
	}
	if err := s.batches.RecordBatchSize(storage.SizeSample{
		Stage:       s.opts.Name,
		Predictor:   s.opts.Predictor,
		BatchSize:   len(units),
		SuccessRate: rate,
		RecordedAt:  rec.EndedAt,
	}); err != nil {
		s.logger.Warn("recording batch size failed", "error", err)
	}

	cs := s.ctrl.State()
	s.logger.Debug("batch finished",
		"batch_id", rec.ID, "size", len(units), "successes", successes,
		"failures", failures, "next_size", next,
		"success_streak", cs.ConsecutiveSuccesses, "failure_streak", cs.ConsecutiveFailures)

	sum.BatchID = rec.ID
	sum.Size = len(units)
	sum.Successes = successes
	sum.Failures = failures
	sum.NextSize = next
	sum.Elapsed = rec.EndedAt.Sub(rec.StartedAt)
	return sum, nil
}
