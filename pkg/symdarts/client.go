package symdarts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"symdarts/internal/dataset"
	"symdarts/internal/model"
	"symdarts/internal/stats"
	"symdarts/internal/storage"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "symdarts.db"

	// Fixed width so run timestamps sort lexically.
	createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
}

// Client runs searches and keeps their results in a store and on disk.
type Client struct {
	store       storage.Store
	initialized bool

	runsDir    string
	exportsDir string
}

type ValidationInput struct {
	Name    string
	Dataset *dataset.Dataset
}

type FitRequest struct {
	Config     Config
	Dataset    *dataset.Dataset
	Validation []ValidationInput
	// Grid, when set, selects the configuration by cross-validation first.
	Grid *Grid
}

type FitSummary struct {
	RunID        string
	ArtifactsDir string
	Equation     string
	Board        string
	Score        float64
	Epochs       int
	Divergences  int
	Leaders      []Leader
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID           string
	CreatedAtUTC    string
	Dataset         string
	Rows            int
	Epochs          int
	SelectionMetric string
	BestScore       float64
	Equation        string
}

// RunRef names a run by id or as the most recent one.
type RunRef struct {
	RunID  string
	Latest bool
}

type RunDetails struct {
	Run     model.RunRecord
	Model   model.ModelRecord
	History []model.EpochRecord
}

type ExportRequest struct {
	RunRef
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Fit runs one search and records it under a new run id.
func (c *Client) Fit(ctx context.Context, req FitRequest) (FitSummary, error) {
	if req.Dataset == nil {
		return FitSummary{}, errors.New("fit requires a dataset")
	}
	if err := c.Init(ctx); err != nil {
		return FitSummary{}, err
	}

	cfg := req.Config
	if len(cfg.InputNames) == 0 {
		cfg.InputNames = req.Dataset.InputNames
	}
	if len(cfg.OutputNames) == 0 {
		cfg.OutputNames = req.Dataset.OutputNames
	}

	var gridReport *stats.GridReport
	if req.Grid != nil {
		if len(req.Validation) > 0 {
			return FitSummary{}, errors.New("grid search does not take validation sets")
		}
		result, err := GridSearch(ctx, cfg, *req.Grid, req.Dataset.X, req.Dataset.Y)
		if err != nil {
			return FitSummary{}, err
		}
		cfg = result.Best
		gridReport = &result.Report
	}

	r, err := NewRegressor(cfg)
	if err != nil {
		return FitSummary{}, err
	}
	for _, v := range req.Validation {
		if v.Dataset == nil {
			return FitSummary{}, fmt.Errorf("validation set %s has no data", v.Name)
		}
		if err := r.AddValidationSet(v.Name, v.Dataset.X, v.Dataset.Y); err != nil {
			return FitSummary{}, err
		}
	}
	if err := r.Fit(ctx, req.Dataset.X, req.Dataset.Y); err != nil {
		return FitSummary{}, err
	}

	now := time.Now().UTC()
	runID := uuid.NewString()
	run, err := r.RunRecord(runID, now.Format(createdAtLayout), req.Dataset.Name)
	if err != nil {
		return FitSummary{}, err
	}
	rec, err := r.Snapshot()
	if err != nil {
		return FitSummary{}, err
	}
	rec.RunID = runID
	history := r.History()

	if err := c.store.SaveRun(ctx, run); err != nil {
		return FitSummary{}, err
	}
	if err := c.store.SaveModel(ctx, rec); err != nil {
		return FitSummary{}, err
	}
	if err := c.store.SaveLossHistory(ctx, runID, history); err != nil {
		return FitSummary{}, err
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{Run: run, Model: rec, History: history})
	if err != nil {
		return FitSummary{}, err
	}
	if gridReport != nil {
		if err := stats.WriteGridReport(runDir, *gridReport); err != nil {
			return FitSummary{}, err
		}
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.IndexEntry(run)); err != nil {
		return FitSummary{}, err
	}

	return FitSummary{
		RunID:        runID,
		ArtifactsDir: filepath.Clean(runDir),
		Equation:     run.Equation,
		Board:        run.SelectionMetric,
		Score:        float64(run.BestScore),
		Epochs:       run.Epochs,
		Divergences:  run.Divergences,
		Leaders:      r.Leaders(),
	}, nil
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	// The store lists oldest first.
	out := make([]RunItem, 0, req.Limit)
	for i := len(runs) - 1; i >= 0 && len(out) < req.Limit; i-- {
		run := runs[i]
		out = append(out, RunItem{
			RunID:           run.ID,
			CreatedAtUTC:    run.CreatedAtUTC,
			Dataset:         run.Dataset,
			Rows:            run.Rows,
			Epochs:          run.Epochs,
			SelectionMetric: run.SelectionMetric,
			BestScore:       float64(run.BestScore),
			Equation:        run.Equation,
		})
	}
	return out, nil
}

// Show loads everything recorded for a run.
func (c *Client) Show(ctx context.Context, ref RunRef) (RunDetails, error) {
	runID, err := c.resolveRun(ctx, ref)
	if err != nil {
		return RunDetails{}, err
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return RunDetails{}, err
	}
	if !ok {
		return RunDetails{}, fmt.Errorf("run not found: %s", runID)
	}
	rec, ok, err := c.store.GetModel(ctx, runID)
	if err != nil {
		return RunDetails{}, err
	}
	if !ok {
		return RunDetails{}, fmt.Errorf("model not found for run id: %s", runID)
	}
	history, _, err := c.store.GetLossHistory(ctx, runID)
	if err != nil {
		return RunDetails{}, err
	}
	return RunDetails{Run: run, Model: rec, History: history}, nil
}

// Load restores the fitted regressor of a run.
func (c *Client) Load(ctx context.Context, ref RunRef) (*Regressor, error) {
	runID, err := c.resolveRun(ctx, ref)
	if err != nil {
		return nil, err
	}
	rec, ok, err := c.store.GetModel(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("model not found for run id: %s", runID)
	}
	return LoadRegressor(rec)
}

// Predict evaluates a stored model on X.
func (c *Client) Predict(ctx context.Context, ref RunRef, X *mat.Dense) (*mat.Dense, error) {
	r, err := c.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return r.Predict(X)
}

func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRun(ctx, req.RunRef)
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Delete removes a run from the store. Artifacts on disk are kept.
func (c *Client) Delete(ctx context.Context, ref RunRef) (string, error) {
	runID, err := c.resolveRun(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := c.store.DeleteRun(ctx, runID); err != nil {
		return "", err
	}
	return runID, nil
}

func (c *Client) resolveRun(ctx context.Context, ref RunRef) (string, error) {
	if ref.RunID != "" && ref.Latest {
		return "", errors.New("use either run id or latest")
	}
	if ref.RunID == "" && !ref.Latest {
		return "", errors.New("run id or latest is required")
	}
	if err := c.Init(ctx); err != nil {
		return "", err
	}
	if !ref.Latest {
		return ref.RunID, nil
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs available")
	}
	return runs[len(runs)-1].ID, nil
}
