package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/icdbench/internal/controller"
	"github.com/kalambet/icdbench/internal/lock"
	"github.com/kalambet/icdbench/internal/storage"
)

var (
	// ErrDependencyCycle is returned when stage dependencies form a cycle.
	ErrDependencyCycle = errors.New("stage dependency cycle")
	// ErrStalled ends a StopWhenIdle run whose stages keep failing without
	// processing any units.
	ErrStalled = errors.New("pipeline stalled")
)

// Lane is an independent worker: a predictor identity with its own store
// connection and controllers. Lanes run in parallel; the stages of one lane
// run in dependency order.
type Lane struct {
	Name   string
	Stages []Stage
	// Controllers sizes the lane's batches. It may be nil.
	Controllers *controller.Registry
}

// Plan is a set of lanes whose stages have been put in dependency order.
type Plan struct {
	lanes  []Lane
	order  []string
	logger *slog.Logger
}

// NewPlan orders every lane's stages topologically. Dependencies are
// resolved across all lanes; ties keep registration order. Unknown
// dependencies, duplicate names and cycles are errors.
func NewPlan(lanes []Lane) (*Plan, error) {
	var all []Stage
	index := make(map[string]int)
	for _, l := range lanes {
		for _, st := range l.Stages {
			if _, dup := index[st.Name()]; dup {
				return nil, fmt.Errorf("duplicate stage %q", st.Name())
			}
			index[st.Name()] = len(all)
			all = append(all, st)
		}
	}

	order, err := topoSort(all, index)
	if err != nil {
		return nil, err
	}
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}

	sorted := make([]Lane, len(lanes))
	for i, l := range lanes {
		stages := append([]Stage(nil), l.Stages...)
		sortByRank(stages, rank)
		sorted[i] = Lane{Name: l.Name, Stages: stages, Controllers: l.Controllers}
	}
	return &Plan{lanes: sorted, order: order, logger: slog.Default()}, nil
}

// topoSort is Kahn's algorithm, always taking the earliest registered ready
// stage next.
func topoSort(all []Stage, index map[string]int) ([]string, error) {
	indegree := make([]int, len(all))
	dependents := make([][]int, len(all))
	for i, st := range all {
		for _, dep := range st.DependsOn() {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", st.Name(), dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(all))
	order := make([]string, 0, len(all))
	for len(order) < len(all) {
		next := -1
		for i := range all {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, st := range all {
				if !done[i] {
					stuck = append(stuck, st.Name())
				}
			}
			return nil, fmt.Errorf("%w among %s", ErrDependencyCycle, strings.Join(stuck, ", "))
		}
		done[next] = true
		order = append(order, all[next].Name())
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}

func sortByRank(stages []Stage, rank map[string]int) {
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0 && rank[stages[j].Name()] < rank[stages[j-1].Name()]; j-- {
			stages[j], stages[j-1] = stages[j-1], stages[j]
		}
	}
}

// WithLogger replaces the plan's logger.
func (p *Plan) WithLogger(l *slog.Logger) *Plan {
	p.logger = l
	return p
}

// Order returns every stage name in dependency order.
func (p *Plan) Order() []string { return p.order }

// Lanes returns the lanes with their stages in execution order.
func (p *Plan) Lanes() []Lane { return p.lanes }

// RoundSummary aggregates the batches of one round.
type RoundSummary struct {
	Batches   []BatchSummary
	Errors    int
	Units     int
	Successes int
}

// Idle reports whether no stage found pending work.
func (r RoundSummary) Idle() bool { return r.Units == 0 && r.Errors == 0 }

// Stalled reports whether stages failed and none processed a unit.
func (r RoundSummary) Stalled() bool { return r.Units == 0 && r.Errors > 0 }

// RunRound runs one batch of every stage. Lanes run in parallel. A stage
// error is logged and the lane moves on to its next stage.
func (p *Plan) RunRound(ctx context.Context) RoundSummary {
	var (
		mu  sync.Mutex
		sum RoundSummary
	)
	g := new(errgroup.Group)
	for _, lane := range p.lanes {
		lane := lane
		g.Go(func() error {
			for _, st := range lane.Stages {
				b, err := st.RunBatch(ctx)

				mu.Lock()
				if err != nil {
					sum.Errors++
				} else if b.Size > 0 {
					sum.Batches = append(sum.Batches, b)
					sum.Units += b.Size
					sum.Successes += b.Successes
				}
				mu.Unlock()

				if err != nil {
					p.logger.Error("stage batch failed", "lane", lane.Name, "stage", st.Name(), "error", err)
				}
			}
			return nil
		})
	}
	g.Wait()
	return sum
}

// ProgressStore counts and records progress snapshots. *storage.Store
// implements it.
type ProgressStore interface {
	CurrentProgress() (storage.Snapshot, error)
	SaveSnapshot(storage.Snapshot) error
}

// Runtime is what a run operates on once the lock is held.
type Runtime struct {
	Progress ProgressStore
	Lanes    []Lane
	// Close releases the runtime's resources. It may be nil.
	Close func() error
}

// OpenFunc builds the runtime. It is only called after the run lock has
// been acquired.
type OpenFunc func() (*Runtime, error)

// Options tunes a Scheduler run.
type Options struct {
	// MaxRounds stops the run after this many rounds. Zero means no limit.
	MaxRounds int
	// StopWhenIdle ends the run after a round that found no work.
	StopWhenIdle bool
	// IdleWait is the pause after an idle round when StopWhenIdle is off,
	// and after every stalled round. Zero means 30s.
	IdleWait time.Duration
	// MaxStalled ends a StopWhenIdle run with ErrStalled after this many
	// consecutive stalled rounds. Zero means 3.
	MaxStalled int
	// OnProgress receives the progress delta after every round.
	OnProgress func(ProgressDelta)
}

// Scheduler owns the run lock and loops rounds over a Plan.
type Scheduler struct {
	dataDir string
	open    OpenFunc
	opts    Options
	logger  *slog.Logger
}

// NewScheduler returns a Scheduler locking dataDir.
func NewScheduler(dataDir string, open OpenFunc, opts Options) *Scheduler {
	if opts.IdleWait <= 0 {
		opts.IdleWait = 30 * time.Second
	}
	if opts.MaxStalled <= 0 {
		opts.MaxStalled = 3
	}
	return &Scheduler{dataDir: dataDir, open: open, opts: opts, logger: slog.Default()}
}

// WithLogger replaces the scheduler's logger.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	s.logger = l
	return s
}

// Run acquires the run lock, opens the runtime and loops rounds until ctx
// is cancelled, MaxRounds is reached, or an idle round ends a StopWhenIdle
// run. A round where stages only failed is followed by an IdleWait pause;
// MaxStalled such rounds in a row end a StopWhenIdle run with ErrStalled.
// Cancellation is checked between rounds; a round in flight finishes.
// If the lock is held Run returns a *lock.HeldError without opening the
// runtime.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	lk, err := lock.Acquire(s.dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			s.logger.Error("releasing run lock failed", "error", rerr)
		}
	}()
	s.logger.Info("run lock acquired", "path", lk.Path(), "pid", lk.Info().PID)

	rt, err := s.open()
	if err != nil {
		return fmt.Errorf("opening pipeline: %w", err)
	}
	if rt.Close != nil {
		defer func() {
			if cerr := rt.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("closing pipeline: %w", cerr)
			}
		}()
	}

	plan, err := NewPlan(rt.Lanes)
	if err != nil {
		return err
	}
	plan.WithLogger(s.logger)
	s.logger.Info("pipeline planned", "lanes", len(rt.Lanes), "order", strings.Join(plan.Order(), " -> "))
	defer s.logBatchSizes(rt.Lanes)

	prev := s.snapshot(rt.Progress)
	stalled := 0
	for round := 1; ; round++ {
		if ctx.Err() != nil {
			s.logger.Info("run cancelled", "rounds", round-1)
			return nil
		}

		sum := plan.RunRound(context.WithoutCancel(ctx))
		s.logger.Info("round finished", "round", round, "batches", len(sum.Batches),
			"units", sum.Units, "successes", sum.Successes, "errors", sum.Errors)

		cur := s.snapshot(rt.Progress)
		if s.opts.OnProgress != nil && prev != nil && cur != nil {
			s.opts.OnProgress(Delta(*prev, *cur))
		}
		if cur != nil {
			prev = cur
		}

		if s.opts.MaxRounds > 0 && round >= s.opts.MaxRounds {
			return nil
		}
		switch {
		case sum.Idle():
			if s.opts.StopWhenIdle {
				s.logger.Info("no pending work left", "rounds", round)
				return nil
			}
			s.wait(ctx)
		case sum.Stalled():
			stalled++
			s.logger.Warn("round made no progress", "round", round, "errors", sum.Errors, "stalled", stalled)
			if s.opts.StopWhenIdle && stalled >= s.opts.MaxStalled {
				return fmt.Errorf("%w: %d rounds in a row failed without processing a unit", ErrStalled, stalled)
			}
			s.wait(ctx)
		default:
			stalled = 0
		}
	}
}

// logBatchSizes records where each stage's batch size ended up.
func (s *Scheduler) logBatchSizes(lanes []Lane) {
	for _, l := range lanes {
		if l.Controllers == nil {
			continue
		}
		sizes := l.Controllers.Sizes()
		for _, key := range l.Controllers.Keys() {
			s.logger.Info("final batch size", "lane", l.Name, "stage", key, "size", sizes[key])
		}
	}
}

func (s *Scheduler) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.opts.IdleWait):
	}
}

// snapshot counts and saves progress. Failures are logged; progress
// reporting never stops a run.
func (s *Scheduler) snapshot(ps ProgressStore) *storage.Snapshot {
	if ps == nil {
		return nil
	}
	snap, err := ps.CurrentProgress()
	if err != nil {
		s.logger.Warn("counting progress failed", "error", err)
		return nil
	}
	if err := ps.SaveSnapshot(snap); err != nil {
		s.logger.Warn("saving progress snapshot failed", "error", err)
	}
	return &snap
}
