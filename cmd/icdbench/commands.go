package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/icdbench/internal/config"
	"github.com/kalambet/icdbench/internal/lock"
	"github.com/kalambet/icdbench/internal/pipeline"
	"github.com/kalambet/icdbench/internal/retrieval"
	"github.com/kalambet/icdbench/internal/storage"
)

// --- stop ---

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("could not load config: %v", err)
			return err
		}
		return stopRun(cfg.Storage.DataDir)
	},
}

// stopRun signals the lock holder. A lock left by a dead process is removed.
func stopRun(dataDir string) error {
	path := lock.Path(dataDir)
	info, err := lock.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		printError("icdbench is not running (no lock file)")
		return fmt.Errorf("not running: %w", err)
	}
	if err != nil {
		return err
	}

	if !lock.Alive(info.PID) {
		if err := lock.Remove(dataDir); err != nil {
			return fmt.Errorf("removing stale lock: %w", err)
		}
		printWarning("Removed stale lock left by PID %d", info.PID)
		return nil
	}

	process, err := os.FindProcess(info.PID)
	if err != nil {
		printError("could not find process %d", info.PID)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop icdbench (PID %d): %v", info.PID, err)
		return err
	}
	printSuccess("Sent stop signal to icdbench (PID %d)", info.PID)
	return nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run state and progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			// Still show partial status even if config fails.
			printError("config error: %v", err)
			return nil
		}
		return showStatus(cmd.OutOrStdout(), cfg)
	},
}

func showStatus(w io.Writer, cfg config.Config) error {
	var held *lock.HeldError
	switch err := lock.Check(cfg.Storage.DataDir); {
	case err == nil:
		printStatus("Pipeline", "stopped")
	case errors.As(err, &held):
		if lock.Alive(held.Info.PID) {
			printStatus("Pipeline", "running (PID %d, started %s)", held.Info.PID, ago(held.Info.Since))
		} else {
			printStatus("Pipeline", "stale lock (PID %d is gone)", held.Info.PID)
		}
	default:
		printStatus("Pipeline", "unknown (%v)", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.CountWorkItems()
	if err != nil {
		return err
	}
	printStatus("Work items", "%s", count(n))

	if v, err := schemaVersion(store); err != nil {
		printStatus("Schema", "unknown (%v)", err)
	} else {
		printStatus("Schema", "v%d", v)
	}

	if err := writeProgress(w, store); err != nil {
		return err
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// schemaVersion returns the newest applied migration.
func schemaVersion(store *storage.Store) (int, error) {
	versions, err := store.AppliedMigrations()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
}

// writeProgress prints the latest snapshot and its change since the one
// before it.
func writeProgress(w io.Writer, store *storage.Store) error {
	snaps, err := store.RecentSnapshots(2)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		printStatus("Last snapshot", "none")
		return nil
	}
	latest := snaps[0]
	prev := storage.Snapshot{TakenAt: latest.TakenAt}
	if len(snaps) > 1 {
		prev = snaps[1]
	}
	printStatus("Last snapshot", "%s", ago(latest.TakenAt))

	d := pipeline.Delta(prev, latest)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "METRIC\tVALUE\tCHANGE\n")
	for _, m := range d.Metrics {
		change := signedCount(m.Change)
		if len(snaps) < 2 {
			change = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, count(m.Current), change)
	}
	if len(snaps) > 1 {
		fmt.Fprintf(tw, "\t\tover %s\n", latest.TakenAt.Sub(prev.TakenAt).Round(time.Second))
	}
	return tw.Flush()
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <csv>",
	Short: "Import catalog entries from a CSV file",
	Long: `Import catalog entries from a CSV file.

Columns are code, description and an optional category. A header row naming
the columns may be present, in which case columns are matched by name.
Codes already in the store are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer f.Close()

		items, err := readCatalog(f)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		added, err := store.UpsertWorkItems(items)
		if err != nil {
			return err
		}
		printSuccess("Imported %s new entries (%s read)", count(int64(added)), count(int64(len(items))))
		return nil
	},
}

// readCatalog parses catalog rows. Without a category column the category
// is the three-character code prefix.
func readCatalog(r io.Reader) ([]storage.WorkItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	codeCol, textCol, catCol := 0, 1, 2
	if isHeader(records[0]) {
		codeCol, textCol, catCol = -1, -1, -1
		for i, name := range records[0] {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "code":
				codeCol = i
			case "description", "text", "title":
				textCol = i
			case "category":
				catCol = i
			}
		}
		if codeCol < 0 || textCol < 0 {
			return nil, errors.New("header needs code and description columns")
		}
		records = records[1:]
	}

	items := make([]storage.WorkItem, 0, len(records))
	for i, rec := range records {
		if codeCol >= len(rec) || textCol >= len(rec) {
			return nil, fmt.Errorf("row %d: expected at least %d columns, got %d", i+1, max(codeCol, textCol)+1, len(rec))
		}
		code := strings.TrimSpace(rec[codeCol])
		text := strings.TrimSpace(rec[textCol])
		if code == "" || text == "" {
			continue
		}
		category := ""
		if catCol >= 0 && catCol < len(rec) {
			category = strings.TrimSpace(rec[catCol])
		}
		if category == "" {
			category = code[:min(3, len(code))]
		}
		items = append(items, storage.WorkItem{Code: code, Text: text, Category: category})
	}
	return items, nil
}

// isHeader reports whether rec names a code column. Catalog codes never
// spell "code".
func isHeader(rec []string) bool {
	for _, f := range rec {
		if strings.EqualFold(strings.TrimSpace(f), "code") {
			return true
		}
	}
	return false
}

// --- rag ---

var ragCmd = &cobra.Command{
	Use:   "rag",
	Short: "Query or rebuild the retrieval indexes",
}

var ragQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Show the corpus entries most similar to a text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modeName, _ := cmd.Flags().GetString("mode")
		topK, _ := cmd.Flags().GetInt("top-k")
		exclude, _ := cmd.Flags().GetString("exclude")
		source, _ := cmd.Flags().GetString("source")

		mode, err := retrieval.ParseMode(modeName)
		if err != nil {
			return err
		}
		switch retrieval.Source(source) {
		case "", retrieval.Authoritative, retrieval.Derived:
		default:
			return fmt.Errorf("unknown source %q (want authoritative or derived)", source)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if topK <= 0 {
			topK = cfg.Retrieval.TopK
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		engine := retrieval.NewEngine(store, cfg.CacheDir(), retrievalOptions(cfg))
		hits, err := engine.Query(cmd.Context(), mode, strings.Join(args, " "), retrieval.QueryOptions{
			TopK:       topK,
			ExcludeKey: exclude,
			Source:     retrieval.Source(source),
		})
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No matches.")
			return nil
		}
		writeHits(cmd.OutOrStdout(), hits)
		return nil
	},
}

func writeHits(w io.Writer, hits []retrieval.Hit) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tCODE\tSOURCE\tTEXT")
	for _, h := range hits {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", h.Score, h.Key, h.Source, shorten(h.Text, 80))
	}
	tw.Flush()
}

var ragRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild cached retrieval indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		modeName, _ := cmd.Flags().GetString("mode")

		modes := retrieval.Modes()
		if modeName != "" {
			m, err := retrieval.ParseMode(modeName)
			if err != nil {
				return err
			}
			modes = []retrieval.Mode{m}
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// A running pipeline keeps its indexes in memory and would not see
		// the rebuilt ones.
		if err := lock.Check(cfg.Storage.DataDir); err != nil {
			return reportHeld(err)
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		return rebuildIndexes(cmd.Context(), retrieval.NewEngine(store, cfg.CacheDir(), retrievalOptions(cfg)), modes)
	},
}

func rebuildIndexes(ctx context.Context, engine *retrieval.Engine, modes []retrieval.Mode) error {
	for _, m := range modes {
		printStep("Rebuilding %s index...", m)
		ix, err := engine.Rebuild(ctx, m)
		if err != nil {
			return fmt.Errorf("rebuilding %s index: %w", m, err)
		}
		printSuccess("%s: %s documents, %s terms", m, count(int64(ix.Len())), count(int64(ix.Vectorizer().VocabularySize())))
	}
	return nil
}

func init() {
	ragQueryCmd.Flags().String("mode", "both", "corpus mode: authoritative, derived or both")
	ragQueryCmd.Flags().Int("top-k", 0, "number of results (default: retrieval.top_k)")
	ragQueryCmd.Flags().String("exclude", "", "drop entries with this code")
	ragQueryCmd.Flags().String("source", "", "keep only authoritative or derived entries")
	ragRebuildCmd.Flags().String("mode", "", "rebuild only this corpus mode (default: all)")
	ragCmd.AddCommand(ragQueryCmd)
	ragCmd.AddCommand(ragRebuildCmd)
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show per-stage counts, predictor performance and cost",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return writeReport(cmd.OutOrStdout(), store)
	},
}

func writeReport(w io.Writer, store *storage.Store) error {
	counts, err := store.StageCounts()
	if err != nil {
		return err
	}
	stats, err := store.PredictorStats()
	if err != nil {
		return err
	}
	costs, err := store.CostSummary()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, colorize(colorBold, "Results"))
	fmt.Fprintln(tw, "TABLE\tPREDICTOR\tTOTAL\tSUCCEEDED\tRATE")
	for _, c := range counts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Table, c.Predictor, count(c.Total), count(c.Succeeded), percent(c.Succeeded, c.Total))
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, colorize(colorBold, "Batches"))
	fmt.Fprintln(tw, "STAGE\tPREDICTOR\tBATCHES\tITEMS\tSUCCESS\tAVG LATENCY\tITEMS/S\tLAST SIZE")
	for _, s := range stats {
		last := "-"
		samples, err := store.BatchSizes(s.Stage, 1)
		if err != nil {
			return err
		}
		if len(samples) > 0 {
			last = fmt.Sprintf("%d", samples[0].BatchSize)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n", s.Stage, s.Predictor, count(s.Batches), count(s.Items),
			percent(s.Successes, s.Items), s.AvgLatency.Round(time.Millisecond), s.Throughput, last)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, colorize(colorBold, "Cost"))
	fmt.Fprintln(tw, "PREDICTOR\tTOKENS IN\tTOKENS OUT\tUSD")
	var total float64
	for _, c := range costs {
		total += c.CostUSD
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\n", c.Predictor, count(c.TokensIn), count(c.TokensOut), c.CostUSD)
	}
	fmt.Fprintf(tw, "total\t\t\t%.4f\n", total)

	return tw.Flush()
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "Show the descriptions and predictions stored for one code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		pl, err := config.LoadPipeline(cfg.Pipeline.File)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return writeItem(cmd.OutOrStdout(), store, stageSpecs(pl.Entries()), args[0])
	},
}

// writeItem prints a work item with its generated descriptions and the
// direct predictions of every predict stage in specs.
func writeItem(w io.Writer, store *storage.Store, specs []pipeline.StageSpec, code string) error {
	item, err := store.GetWorkItemByCode(code)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("code %s is not in the catalog", code)
	}
	if err != nil {
		return err
	}
	descs, err := store.ListDescriptions(item.ID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\n", colorize(colorBold, item.Code), item.Text)

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, colorize(colorBold, "Predictions"))
	fmt.Fprintln(tw, "PREDICTOR\tRESULT\tCODES\tELAPSED")
	seen := make(map[string]bool)
	for _, spec := range specs {
		id := spec.Identity()
		if spec.Kind != pipeline.KindPredict || seen[id] {
			continue
		}
		seen[id] = true
		p, err := store.GetPrediction(item.ID, id)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(tw, "%s\tpending\t\t\n", id)
			continue
		}
		if err != nil {
			return err
		}
		result := "miss"
		switch {
		case p.Success:
			result = "hit"
		case p.Error != "":
			result = "error: " + shorten(p.Error, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, result, strings.Join(p.Codes, " "), p.Elapsed.Round(time.Millisecond))
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, colorize(colorBold, "Descriptions"))
	fmt.Fprintln(tw, "GENERATOR\tLEVEL\tTEXT")
	for _, d := range descs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", d.Generator, d.DetailLevel, shorten(d.Text, 80))
	}
	return tw.Flush()
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recovered descriptions as JSONL",
	Long: `Export generated descriptions whose code was recovered by reverse
prediction, one JSON object per line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		predictor, _ := cmd.Flags().GetString("predictor")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		writer := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		n, err := exportRecovered(writer, store, predictor)
		if err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %s descriptions to %s", count(int64(n)), output)
		}
		return nil
	},
}

type exportRecord struct {
	Code        string `json:"code"`
	Text        string `json:"text"`
	DetailLevel int    `json:"detail_level"`
	Generator   string `json:"generator"`
	Predictor   string `json:"predictor"`
}

func exportRecovered(w io.Writer, store *storage.Store, predictor string) (int, error) {
	rows, err := store.RecoveredDescriptions(predictor)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(exportRecord(r)); err != nil {
			return 0, fmt.Errorf("writing export: %w", err)
		}
	}
	return len(rows), nil
}

func init() {
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
	exportCmd.Flags().String("predictor", "", "only descriptions recovered by this predictor")
}

// --- reset-failures ---

var resetFailuresCmd = &cobra.Command{
	Use:   "reset-failures",
	Short: "Delete failed results so their units are retried",
	Long: `Delete result rows that failed with an error, such as a timeout or an
unparsable answer. Wrong answers are kept. The next run picks the units up
again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, _ := cmd.Flags().GetString("table")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := lock.Check(cfg.Storage.DataDir); err != nil {
			return reportHeld(err)
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.ResetFailures(table)
		if err != nil {
			return err
		}
		printSuccess("Deleted %s failed results", count(n))
		return nil
	},
}

func init() {
	resetFailuresCmd.Flags().String("table", "", "only this result table ("+strings.Join(storage.ResultTables(), ", ")+")")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
