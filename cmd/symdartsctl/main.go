package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"symdarts/internal/dataset"
	"symdarts/internal/primitive"
	"symdarts/internal/stats"
	"symdarts/internal/storage"
	"symdarts/pkg/symdarts"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
)

var stdout io.Writer = os.Stdout

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "fit":
		return runFit(ctx, args[1:])
	case "predict":
		return runPredict(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "primitives":
		return runPrimitives(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// namedPaths collects repeated name=path flag values.
type namedPaths []string

func (n *namedPaths) String() string { return strings.Join(*n, ",") }

func (n *namedPaths) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(path) == "" {
		return fmt.Errorf("expected name=path, got %q", v)
	}
	*n = append(*n, v)
	return nil
}

func runFit(ctx context.Context, args []string) error {
	defaults := symdarts.DefaultConfig()
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional search config JSON path")
	dataPath := fs.String("data", "", "training data CSV path")
	targets := fs.String("targets", "", "comma-separated target columns (default: y*/target* columns, else the last column)")
	var validation namedPaths
	fs.Var(&validation, "validation", "validation set as name=path (repeatable)")
	nodes := fs.Int("nodes", defaults.NumGraphNodes, "intermediate graph nodes")
	primitives := fs.String("primitives", strings.Join(defaults.Primitives, ","), "comma-separated primitive names")
	dartsType := fs.String("darts-type", defaults.DartsType, "relaxation: original|fair")
	outputType := fs.String("output-type", defaults.OutputType, "output type: real|sigmoid|probability|probability_sample|probability_distribution")
	epochs := fs.Int("epochs", defaults.MaxEpochs, "search epochs")
	archUpdates := fs.Int("arch-updates", defaults.ArchUpdatesPerEpoch, "architecture updates per epoch")
	paramUpdates := fs.Int("param-updates", defaults.ParamUpdatesPerEpoch, "parameter updates per epoch")
	batchSize := fs.Int("batch-size", defaults.BatchSize, "mini-batch size (0 uses the full training split)")
	lr := fs.Float64("lr", defaults.LearningRate, "initial parameter learning rate")
	lrSchedule := fs.String("lr-schedule", "cosine", "parameter learning rate schedule: cosine|constant")
	archLR := fs.Float64("arch-lr", defaults.ArchLearningRate, "architecture learning rate")
	archWD := fs.Float64("arch-wd", defaults.ArchWeightDecay, "architecture weight decay")
	unrolled := fs.Bool("unrolled", defaults.Unrolled, "use the second-order architecture step")
	nModels := fs.Int("n-models", defaults.NModelsSampled, "discrete models sampled per checkpoint")
	refitUpdates := fs.Int("refit-updates", defaults.ParamUpdatesPerEpoch, "parameter updates when refitting a sampled model")
	metric := fs.String("metric", defaults.SelectionMetric, "selection metric: train_loss|bic|aic|validation:<name>")
	seed := fs.Int64("seed", defaults.Seed, "rng seed")
	gridNodes := fs.String("grid-nodes", "", "comma-separated node counts to cross-validate")
	gridSeeds := fs.String("grid-seeds", "", "comma-separated seeds to cross-validate")
	gridArchWD := fs.String("grid-arch-wd", "", "comma-separated architecture weight decays to cross-validate")
	gridFolds := fs.Int("grid-folds", 2, "cross-validation folds")
	workers := fs.Int("workers", 4, "grid search worker count")
	logEvery := fs.Int("log-every", 0, "log every n-th epoch to stderr (0 disables)")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "symdarts.db", "sqlite database path")
	jsonOut := fs.Bool("json", false, "emit the fit summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataPath == "" {
		return errors.New("fit requires --data")
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	cfg := defaults
	var grid *symdarts.Grid
	if *configPath != "" {
		var err error
		cfg, grid, err = loadFitConfig(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	overrideFromFlags(&cfg, setFlags, map[string]any{
		"nodes":         *nodes,
		"primitives":    *primitives,
		"darts-type":    *dartsType,
		"output-type":   *outputType,
		"epochs":        *epochs,
		"arch-updates":  *archUpdates,
		"param-updates": *paramUpdates,
		"batch-size":    *batchSize,
		"lr":            *lr,
		"lr-schedule":   *lrSchedule,
		"arch-lr":       *archLR,
		"arch-wd":       *archWD,
		"unrolled":      *unrolled,
		"n-models":      *nModels,
		"refit-updates": *refitUpdates,
		"metric":        *metric,
		"seed":          *seed,
	})
	flagGrid, err := parseGridFlags(*gridNodes, *gridSeeds, *gridArchWD, *gridFolds, *workers)
	if err != nil {
		return err
	}
	if flagGrid != nil {
		grid = flagGrid
	}
	if *logEvery > 0 {
		cfg.ExecutionMonitor = symdarts.NewLogMonitor(os.Stderr, *logEvery)
	}

	opts := dataset.CSVOptions{TargetColumns: splitList(*targets)}
	train, err := dataset.ReadCSVFile(*dataPath, opts)
	if err != nil {
		return err
	}
	req := symdarts.FitRequest{Config: cfg, Dataset: train, Grid: grid}
	for _, v := range validation {
		name, path, _ := strings.Cut(v, "=")
		d, err := dataset.ReadCSVFile(strings.TrimSpace(path), opts)
		if err != nil {
			return fmt.Errorf("validation set %s: %w", name, err)
		}
		req.Validation = append(req.Validation, symdarts.ValidationInput{Name: strings.TrimSpace(name), Dataset: d})
	}

	client, err := symdarts.New(symdarts.Options{
		StoreKind:  *storeKind,
		DBPath:     *dbPath,
		RunsDir:    runsDir,
		ExportsDir: exportsDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Fit(ctx, req)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Fprintf(stdout, "fit completed run_id=%s epochs=%d divergences=%d\n", summary.RunID, summary.Epochs, summary.Divergences)
	for _, l := range summary.Leaders {
		fmt.Fprintf(stdout, "board=%s score=%.6f epoch=%d candidate=%d\n", l.Board, l.Score, l.Epoch, l.CandidateID)
	}
	fmt.Fprintf(stdout, "selected board=%s score=%.6f\n", summary.Board, summary.Score)
	fmt.Fprintln(stdout, summary.Equation)
	fmt.Fprintf(stdout, "artifacts_dir=%s\n", summary.ArtifactsDir)
	return nil
}

func runPredict(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from the run index")
	dataPath := fs.String("data", "", "input CSV path; every column is an input")
	outPath := fs.String("out", "", "prediction CSV path (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataPath == "" {
		return errors.New("predict requires --data")
	}
	id, err := resolveIndexedRun(*runID, *latest)
	if err != nil {
		return err
	}
	rec, ok, err := stats.ReadModel(runsDir, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("model not found for run id: %s", id)
	}
	r, err := symdarts.LoadRegressor(rec)
	if err != nil {
		return err
	}
	in, err := dataset.ReadCSVFile(*dataPath, dataset.CSVOptions{NoTargets: true})
	if err != nil {
		return err
	}
	pred, err := r.Predict(in.X)
	if err != nil {
		return err
	}

	_, cols := pred.Dims()
	header := r.Config().OutputNames
	if len(header) != cols {
		header = make([]string, cols)
		for i := range header {
			header[i] = fmt.Sprintf("y%d", i)
		}
	}
	out := stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return dataset.WriteCSV(out, header, pred)
}

func runRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	entries, err := stats.ListRunIndex(runsDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	if len(entries) > *limit {
		entries = entries[:*limit]
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "run_id=%s created_at=%s dataset=%s rows=%d epochs=%d metric=%s best_score=%.6f\n",
			e.RunID,
			e.CreatedAtUTC,
			e.Dataset,
			e.Rows,
			e.Epochs,
			e.SelectionMetric,
			float64(e.BestScore),
		)
	}
	return nil
}

func runShow(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show the most recent run from the run index")
	history := fs.Bool("history", false, "print the per-epoch loss history")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := resolveIndexedRun(*runID, *latest)
	if err != nil {
		return err
	}
	run, ok, err := stats.ReadRun(runsDir, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run not found: %s", id)
	}

	fmt.Fprintf(stdout, "run_id=%s dataset=%s rows=%d epochs=%d candidates=%d divergences=%d\n",
		run.ID, run.Dataset, run.Rows, run.Epochs, run.Candidates, run.Divergences)
	for _, b := range run.Boards {
		fmt.Fprintf(stdout, "board=%s score=%.6f epoch=%d candidate=%d\n", b.Name, float64(b.Score), b.Epoch, b.CandidateID)
	}
	fmt.Fprintf(stdout, "selected board=%s score=%.6f epoch=%d\n", run.SelectionMetric, float64(run.BestScore), run.BestEpoch)
	fmt.Fprintln(stdout, run.Equation)

	if report, ok, err := stats.ReadGridReport(runsDir, id); err != nil {
		return err
	} else if ok {
		fmt.Fprintf(stdout, "grid finished=%d failed=%d score_mean=%.6f score_std=%.6f\n",
			report.Finished, report.Failed, float64(report.ScoreMean), float64(report.ScoreStd))
		for i, trial := range report.Trials {
			marker := ""
			if i == report.BestIndex {
				marker = " selected"
			}
			fmt.Fprintf(stdout, "trial nodes=%d seed=%d arch_wd=%g score=%.6f%s\n",
				trial.NumNodes, trial.Seed, trial.ArchWeightDecay, float64(trial.Score), marker)
		}
	}

	if !*history {
		return nil
	}
	records, ok, err := stats.ReadLossHistory(runsDir, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("loss history not found for run id: %s", id)
	}
	for _, e := range records {
		fmt.Fprintf(stdout, "epoch=%d lr=%.6f train_loss=%.6f arch_loss=%.6f\n",
			e.Epoch, e.LearningRate, float64(e.TrainLoss), float64(e.ArchLoss))
	}
	return nil
}

func runExport(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := resolveIndexedRun(*runID, *latest)
	if err != nil {
		return err
	}

	exportedDir, err := stats.ExportRunArtifacts(runsDir, id, *outDir)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "exported run_id=%s to=%s\n", id, filepath.Clean(exportedDir))
	return nil
}

func runPrimitives(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("primitives", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	defaults := make(map[string]bool, len(primitive.DefaultNames))
	for _, name := range primitive.DefaultNames {
		defaults[name] = true
	}
	for _, name := range primitive.List() {
		p, err := primitive.Lookup(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "name=%s arity=%d params=%d default=%t\n", p.Name, p.Arity, p.NumParams, defaults[name])
	}
	return nil
}

// resolveIndexedRun picks a run id from the flags, reading the run index
// for --latest.
func resolveIndexedRun(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either --run-id or --latest, not both")
	}
	if runID == "" && !latest {
		return "", errors.New("requires --run-id or --latest")
	}
	if !latest {
		return runID, nil
	}
	entries, err := stats.ListRunIndex(runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: symdartsctl <fit|predict|runs|show|export|primitives> [flags]", msg)
}
