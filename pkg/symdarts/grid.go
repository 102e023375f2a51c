package symdarts

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"symdarts/internal/dataset"
	"symdarts/internal/model"
	"symdarts/internal/stats"
)

// Grid lists the values searched over. An empty list keeps the base value.
type Grid struct {
	NumGraphNodes    []int
	Seeds            []int64
	ArchWeightDecays []float64
	// Folds is the number of cross-validation folds; values below 2 select 2.
	Folds   int
	Workers int
}

type GridResult struct {
	Best      Config
	Report    stats.GridReport
	Regressor *Regressor
}

// GridSearch fits one regressor per grid point and fold on a bounded worker
// pool, scores each on its held-out fold, and refits the point with the
// lowest mean held-out loss on all of X, Y.
func GridSearch(ctx context.Context, base Config, grid Grid, X, Y *mat.Dense) (GridResult, error) {
	if _, err := base.resolve(); err != nil {
		return GridResult{}, err
	}
	d, err := dataset.New(X, Y)
	if err != nil {
		return GridResult{}, err
	}
	folds := grid.Folds
	if folds < 2 {
		folds = 2
	}
	foldRows, err := dataset.KFold(d.Rows(), folds, rand.New(rand.NewSource(base.Seed)))
	if err != nil {
		return GridResult{}, err
	}

	points := expandGrid(base, grid)
	for _, p := range points {
		if _, err := p.resolve(); err != nil {
			return GridResult{}, err
		}
	}

	type job struct {
		point int
		fold  int
	}
	type result struct {
		point int
		fold  int
		loss  float64
		err   error
	}

	total := len(points) * folds
	jobs := make(chan job)
	results := make(chan result, total)

	workerCount := grid.Workers
	if workerCount <= 0 {
		workerCount = 1
	}
	if workerCount > total {
		workerCount = total
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{point: j.point, fold: j.fold, err: err}
					continue
				}
				loss, err := foldLoss(ctx, points[j.point], d, foldRows, j.fold)
				results <- result{point: j.point, fold: j.fold, loss: loss, err: err}
			}
		}()
	}

	for p := range points {
		for f := 0; f < folds; f++ {
			jobs <- job{point: p, fold: f}
		}
	}
	close(jobs)

	wg.Wait()
	close(results)

	losses := make([][]float64, len(points))
	errs := make([]error, len(points))
	for p := range losses {
		losses[p] = make([]float64, folds)
	}
	for res := range results {
		if res.err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return GridResult{}, ctxErr
			}
			if errs[res.point] == nil {
				errs[res.point] = res.err
			}
			continue
		}
		losses[res.point][res.fold] = res.loss
	}

	trials := make([]stats.GridTrial, len(points))
	for p, cfg := range points {
		trials[p] = stats.GridTrial{
			NumNodes:        cfg.NumGraphNodes,
			Seed:            cfg.Seed,
			ArchWeightDecay: cfg.ArchWeightDecay,
			Folds:           folds,
			Score:           model.Float(math.NaN()),
		}
		if errs[p] != nil {
			trials[p].Error = errs[p].Error()
			continue
		}
		trials[p].Score = model.Float(stat.Mean(losses[p], nil))
	}
	report := stats.SummarizeGrid("held_out_loss", trials)
	if report.BestIndex < 0 {
		return GridResult{Report: report}, fmt.Errorf("grid search: no grid point finished: %s", trials[0].Error)
	}

	best := points[report.BestIndex]
	r, err := NewRegressor(best)
	if err != nil {
		return GridResult{}, err
	}
	if err := r.Fit(ctx, X, Y); err != nil {
		return GridResult{Best: best, Report: report}, err
	}
	if equation, err := r.ModelRepr(); err == nil {
		report.Trials[report.BestIndex].Equation = equation
	}
	report.SelectedBy = fmt.Sprintf("min mean held-out loss over %d folds", folds)
	return GridResult{Best: best, Report: report, Regressor: r}, nil
}

// expandGrid returns the cartesian product in node, seed, decay order.
func expandGrid(base Config, grid Grid) []Config {
	nodes := grid.NumGraphNodes
	if len(nodes) == 0 {
		nodes = []int{base.NumGraphNodes}
	}
	seeds := grid.Seeds
	if len(seeds) == 0 {
		seeds = []int64{base.Seed}
	}
	decays := grid.ArchWeightDecays
	if len(decays) == 0 {
		decays = []float64{base.ArchWeightDecay}
	}
	out := make([]Config, 0, len(nodes)*len(seeds)*len(decays))
	for _, n := range nodes {
		for _, s := range seeds {
			for _, wd := range decays {
				cfg := base.clone()
				cfg.NumGraphNodes = n
				cfg.Seed = s
				cfg.ArchWeightDecay = wd
				// Monitors are not safe to share across workers.
				cfg.ExecutionMonitor = nil
				out = append(out, cfg)
			}
		}
	}
	return out
}

func foldLoss(ctx context.Context, cfg Config, d *dataset.Dataset, foldRows [][]int, fold int) (float64, error) {
	var trainRows []int
	for f, rows := range foldRows {
		if f != fold {
			trainRows = append(trainRows, rows...)
		}
	}
	train, err := d.Subset(trainRows)
	if err != nil {
		return 0, err
	}
	held, err := d.Subset(foldRows[fold])
	if err != nil {
		return 0, err
	}
	r, err := NewRegressor(cfg)
	if err != nil {
		return 0, err
	}
	if err := r.Fit(ctx, train.X, train.Y); err != nil {
		return 0, err
	}
	return r.best.Graph.Loss(held.X, held.Y, nil)
}
