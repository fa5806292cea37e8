package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/icdbench/internal/config"
	"github.com/kalambet/icdbench/internal/gateway"
	"github.com/kalambet/icdbench/internal/lock"
	"github.com/kalambet/icdbench/internal/pipeline"
	"github.com/kalambet/icdbench/internal/retrieval"
	"github.com/kalambet/icdbench/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline (foreground)",
	Long: `Run the pipeline in rounds until interrupted.

Every round gives each stage one batch of pending work. Without --parallel
all stages share a single store connection and run one after another; with
--parallel each predictor gets its own lane and connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		untilIdle, _ := cmd.Flags().GetBool("until-idle")
		maxRounds, _ := cmd.Flags().GetInt("max-rounds")
		parallel, _ := cmd.Flags().GetBool("parallel")
		return runPipeline(cmd.Context(), runOptions{
			untilIdle: untilIdle,
			maxRounds: maxRounds,
			parallel:  parallel,
		})
	},
}

func init() {
	runCmd.Flags().Bool("until-idle", false, "stop after the first round that finds no pending work")
	runCmd.Flags().Int("max-rounds", 0, "stop after this many rounds (0 = unlimited)")
	runCmd.Flags().Bool("parallel", false, "run each predictor in its own lane")
}

type runOptions struct {
	untilIdle bool
	maxRounds int
	parallel  bool
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runPipeline(parent context.Context, opts runOptions) error {
	fmt.Fprintf(os.Stderr, "icdbench version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Fail fast before building anything; the scheduler acquires the lock
	// itself.
	if err := lock.Check(cfg.Storage.DataDir); err != nil {
		return reportHeld(err)
	}

	pl, err := config.LoadPipeline(cfg.Pipeline.File)
	if err != nil {
		return err
	}
	predictors, err := buildPredictors(pl, cfg.Gateway.APIKey)
	if err != nil {
		return err
	}
	specs := stageSpecs(pl.Entries())

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	open := func() (*pipeline.Runtime, error) {
		return openRuntime(cfg, pl, predictors, specs, opts.parallel)
	}
	sched := pipeline.NewScheduler(cfg.Storage.DataDir, open, pipeline.Options{
		MaxRounds:    opts.maxRounds,
		StopWhenIdle: opts.untilIdle,
		IdleWait:     cfg.Pipeline.IdleWait,
		OnProgress:   printDelta,
	})

	printStep("Running %d stages over %d predictors", len(specs), len(predictors))
	if err := sched.Run(ctx); err != nil {
		return reportHeld(err)
	}
	printSuccess("Run finished")
	return nil
}

func reportHeld(err error) error {
	var held *lock.HeldError
	if errors.As(err, &held) {
		printWarning("another run is active (PID %d, started %s)", held.Info.PID, ago(held.Info.Since))
		printWarning("use 'icdbench stop' to stop it or remove %s if it is stale", held.Path)
	}
	return err
}

// buildPredictors constructs one predictor per definition.
func buildPredictors(pl config.Pipeline, apiKey string) (map[string]gateway.Predictor, error) {
	reg := gateway.NewRegistry()
	out := make(map[string]gateway.Predictor, len(pl.Predictors))
	for _, def := range pl.Predictors {
		p, err := reg.New(def.Spec(apiKey))
		if err != nil {
			return nil, fmt.Errorf("predictor %s: %w", def.Name, err)
		}
		out[def.Name] = p
	}
	return out, nil
}

func stageSpecs(entries []config.StageEntry) []pipeline.StageSpec {
	specs := make([]pipeline.StageSpec, 0, len(entries))
	for _, e := range entries {
		specs = append(specs, pipeline.StageSpec{
			Kind:      e.Kind,
			Predictor: e.Predictor,
			Prompt:    e.Prompt,
			Mode:      e.Mode,
			Strategy:  e.Strategy,
		})
	}
	return specs
}

func retrievalOptions(cfg config.Config) retrieval.Options {
	opts := retrieval.DefaultOptions()
	opts.NGramMax = cfg.Retrieval.NGramMax
	opts.MinDF = cfg.Retrieval.MinDF
	opts.MaxDF = cfg.Retrieval.MaxDF
	opts.MaxFeatures = cfg.Retrieval.MaxFeatures
	return opts
}

func openStore(cfg config.Config) (*storage.Store, error) {
	s, err := storage.OpenWith(cfg.Storage.DataDir, storage.Options{BusyTimeout: cfg.Storage.BusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return s, nil
}

// applyCosts records the configured token prices under every identity a
// predictor stores results as.
func applyCosts(s *storage.Store, pl config.Pipeline, specs []pipeline.StageSpec) error {
	seen := make(map[string]bool)
	for _, spec := range specs {
		def, ok := pl.Predictor(spec.Predictor)
		if !ok || (def.CostIn == 0 && def.CostOut == 0) {
			continue
		}
		id := spec.Identity()
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := s.SetPredictorCost(id, def.CostIn, def.CostOut); err != nil {
			return fmt.Errorf("recording cost of %s: %w", id, err)
		}
	}
	return nil
}

// openRuntime opens one store for progress and retrieval plus one per lane.
// Every store opened is closed by the runtime's Close, or immediately when
// opening fails part way.
func openRuntime(cfg config.Config, pl config.Pipeline, predictors map[string]gateway.Predictor, specs []pipeline.StageSpec, parallel bool) (rt *pipeline.Runtime, err error) {
	var stores []*storage.Store
	closeAll := func() error {
		var errs []error
		for _, s := range stores {
			errs = append(errs, s.Close())
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			closeAll()
		}
	}()

	open := func() (*storage.Store, error) {
		s, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
		return s, nil
	}

	shared, err := open()
	if err != nil {
		return nil, err
	}
	if err := applyCosts(shared, pl, specs); err != nil {
		return nil, err
	}

	engine := retrieval.NewEngine(shared, cfg.CacheDir(), retrievalOptions(cfg)).WithLogger(slog.Default())

	lanes, err := pipeline.BuildLanes(specs, pipeline.BuildConfig{
		Predictors: predictors,
		Retriever:  engine,
		Timeouts: pipeline.Timeouts{
			Predict:  cfg.Gateway.PredictTimeout,
			Describe: cfg.Gateway.DescribeTimeout,
			Dense:    cfg.Gateway.DenseTimeout,
		},
		MaxBatch: cfg.Pipeline.MaxBatch,
		Parallel: parallel,
		Logger:   slog.Default(),
	}, func(string) (pipeline.LaneStore, error) {
		return open()
	})
	if err != nil {
		return nil, err
	}

	return &pipeline.Runtime{Progress: shared, Lanes: lanes, Close: closeAll}, nil
}

func printDelta(d pipeline.ProgressDelta) {
	changed := d.Changed()
	if len(changed) == 0 {
		printStatus("Progress", "no change")
		return
	}
	parts := make([]string, 0, len(changed))
	for _, m := range changed {
		parts = append(parts, fmt.Sprintf("%s %s (%s)", m.Name, count(m.Current), signedCount(m.Change)))
	}
	printStatus("Progress", "%s", strings.Join(parts, ", "))
}
