package search

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"symdarts/internal/dataset"
	"symdarts/internal/graph"
	"symdarts/internal/optim"
	"symdarts/internal/relax"
	"symdarts/internal/sampler"
	"symdarts/internal/selection"
)

// State is the observable history of a search.
type State struct {
	Epochs      []EpochReport
	ArchHistory [][][]float64
	Divergences int
	Candidates  int
}

func (s State) clone() State {
	out := State{
		Epochs:      append([]EpochReport(nil), s.Epochs...),
		ArchHistory: append([][][]float64(nil), s.ArchHistory...),
		Divergences: s.Divergences,
		Candidates:  s.Candidates,
	}
	return out
}

type RunResult struct {
	Best  *selection.Scored
	Board string
	Score float64
	State State
}

// Search runs the bi-level optimization of one relaxed graph. The graph is
// mutated in place; candidates handed to the selector are independent copies.
type Search struct {
	cfg      Config
	graph    *graph.Graph
	selector *selection.Selector
	rng      *rand.Rand
	paramOpt *optim.SGD
	archOpt  optim.Optimizer
	schedule optim.Schedule
	state    State
}

func New(g *graph.Graph, sel *selection.Selector, cfg Config) (*Search, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: graph is required", ErrInvalidConfig)
	}
	if sel == nil {
		return nil, fmt.Errorf("%w: selector is required", ErrInvalidConfig)
	}
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if !sel.HasBoard(cfg.SelectionMetric) {
		return nil, fmt.Errorf("%w: %s", selection.ErrUnknownBoard, cfg.SelectionMetric)
	}
	if err := sel.CheckShapes(g.NumInputs(), g.NumOutputs()); err != nil {
		return nil, err
	}
	paramOpt, err := optim.NewSGD(cfg.Momentum, cfg.WeightDecay)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	archOpt, err := optim.NewAdam(0.5, 0.999, cfg.ArchWeightDecay)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	schedule, err := optim.ScheduleFromName(cfg.Schedule, cfg.LearningRate, cfg.LearningRateMin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Search{
		cfg:      cfg,
		graph:    g,
		selector: sel,
		rng:      cfg.Rand,
		paramOpt: paramOpt,
		archOpt:  archOpt,
		schedule: schedule,
	}, nil
}

func (s *Search) newParamOptimizer() (optim.Optimizer, error) {
	return optim.NewSGD(s.cfg.Momentum, s.cfg.WeightDecay)
}

func (s *Search) Graph() *graph.Graph { return s.graph }

func (s *Search) State() State { return s.state.clone() }

// Run trains for MaxEpochs epochs, scoring sampled candidates every
// EvalInterval epochs and after the last one. Cancellation is honored
// between epochs.
func (s *Search) Run(ctx context.Context, X, Y *mat.Dense) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}
	d, err := dataset.New(X, Y)
	if err != nil {
		return RunResult{}, err
	}
	if d.Inputs() != s.graph.NumInputs() || d.Outputs() != s.graph.NumOutputs() {
		return RunResult{}, fmt.Errorf("%w: data is %dx%d, graph is %dx%d", dataset.ErrShapeMismatch, d.Inputs(), d.Outputs(), s.graph.NumInputs(), s.graph.NumOutputs())
	}

	n := d.Rows()
	trainRows, heldRows := dataset.Split(n, s.cfg.TrainPortion, s.rng)
	archRows := heldRows
	if len(archRows) == 0 {
		archRows = trainRows
	}
	bicRows := dataset.SampleRows(n, s.cfg.BICTestSize, s.rng)
	batches := dataset.NewBatcher(trainRows, s.cfg.BatchSize, s.rng)
	archBatches := dataset.NewBatcher(archRows, s.cfg.BatchSize, s.rng)

	if s.cfg.MaxEpochs == 0 {
		report := EpochReport{Epoch: 0, LearningRate: s.cfg.LearningRate, Checkpoint: true}
		if report.TrainLoss, err = s.graph.Loss(X, Y, nil); err != nil {
			return RunResult{}, err
		}
		if err := s.checkpoint(&report, X, Y, bicRows, trainRows); err != nil {
			return RunResult{}, err
		}
		s.finishEpoch(report)
	}

	for epoch := 0; epoch < s.cfg.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}
		lr := s.schedule.Rate(epoch, s.cfg.MaxEpochs)
		report := EpochReport{Epoch: epoch, LearningRate: lr}

		report.TrainLoss, err = s.paramPhase(X, Y, batches, lr, &report)
		if err != nil {
			return RunResult{}, err
		}
		report.ArchLoss, err = s.archPhase(X, Y, batches, archBatches, lr, &report)
		if err != nil {
			return RunResult{}, err
		}
		report.ValidationLoss, err = s.selector.TrackEpoch(s.graph)
		if err != nil {
			return RunResult{}, err
		}

		last := epoch == s.cfg.MaxEpochs-1
		if last || (s.cfg.EvalInterval > 0 && (epoch+1)%s.cfg.EvalInterval == 0) {
			report.Checkpoint = true
			if err := s.checkpoint(&report, X, Y, bicRows, trainRows); err != nil {
				return RunResult{}, err
			}
		}
		s.finishEpoch(report)
	}

	best, ok := s.selector.Best(s.cfg.SelectionMetric)
	if !ok {
		return RunResult{State: s.State()}, fmt.Errorf("%w: board %s is empty after %d candidates", ErrNoValidModel, s.cfg.SelectionMetric, s.state.Candidates)
	}
	return RunResult{Best: best.Model, Board: best.Board, Score: best.Score, State: s.State()}, nil
}

func (s *Search) finishEpoch(report EpochReport) {
	report.ParamNorm = optim.GlobalNorm(s.graph.ParamTensors())
	report.ArchWeights = s.graph.RelaxedWeights()
	report.BestScore, report.BestEpoch = math.NaN(), -1
	if best, ok := s.selector.Best(s.cfg.SelectionMetric); ok {
		report.BestScore, report.BestEpoch = best.Score, best.Model.Epoch
	}
	s.state.Divergences += report.Divergences
	s.state.Epochs = append(s.state.Epochs, report)
	s.state.ArchHistory = append(s.state.ArchHistory, report.ArchWeights)
	if s.cfg.Monitor != nil {
		s.cfg.Monitor.OnEpoch(report)
	}
}

// paramPhase returns the mean finite batch loss, or NaN when every update
// diverged.
func (s *Search) paramPhase(X, Y *mat.Dense, batches *dataset.Batcher, lr float64, report *EpochReport) (float64, error) {
	total, count := 0.0, 0
	for i := 0; i < s.cfg.ParamUpdatesPerEpoch; i++ {
		loss, ok, err := paramStep(s.graph, s.paramOpt, X, Y, batches.Next(), lr, s.cfg.GradClip, s.cfg.ClassifierWeightDecay)
		if err != nil {
			return 0, err
		}
		if !ok {
			report.Divergences++
			continue
		}
		total += loss
		count++
	}
	if count == 0 {
		if s.cfg.ParamUpdatesPerEpoch > 0 {
			return math.NaN(), nil
		}
		return s.graph.Loss(X, Y, nil)
	}
	return total / float64(count), nil
}

// paramStep applies one clipped optimizer step. It reports false and leaves the
// parameters untouched when the loss, gradients, or result are non-finite.
func paramStep(g *graph.Graph, opt optim.Optimizer, X, Y *mat.Dense, rows []int, lr, clip, l1 float64) (float64, bool, error) {
	gr, err := g.Gradients(X, Y, rows)
	if err != nil {
		return 0, false, err
	}
	gr.AddReadoutL1(g, l1)
	if !gr.Finite() {
		return gr.Loss, false, nil
	}
	params, grads := g.ParamTensors(), gr.ParamTensors()
	optim.ClipGradNorm(grads, clip)
	snapshot := optim.Clone(params)
	if err := opt.Step(params, grads, lr); err != nil {
		return 0, false, err
	}
	if !optim.Finite(params) {
		optim.CopyInto(params, snapshot)
		opt.Reset()
		return gr.Loss, false, nil
	}
	return gr.Loss, true, nil
}

func (s *Search) archPhase(X, Y *mat.Dense, batches, archBatches *dataset.Batcher, lr float64, report *EpochReport) (float64, error) {
	total, count := 0.0, 0
	for i := 0; i < s.cfg.ArchUpdatesPerEpoch; i++ {
		var (
			loss  float64
			grads [][]float64
			err   error
		)
		if s.cfg.Unrolled {
			loss, grads, err = s.unrolledArchGrad(X, Y, batches.Next(), archBatches.Next(), lr)
		} else {
			loss, grads, err = s.archGrad(X, Y, archBatches.Next())
		}
		if err != nil {
			return 0, err
		}
		if s.graph.Strategy().Name() == relax.NameFair {
			loss += relax.ZeroOneLoss(s.graph.ArchTensors(), grads, s.cfg.FairLossWeight)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) || !optim.Finite(grads) {
			report.Divergences++
			continue
		}
		arch := s.graph.ArchTensors()
		snapshot := optim.Clone(arch)
		if err := s.archOpt.Step(arch, grads, s.cfg.ArchLearningRate); err != nil {
			return 0, err
		}
		if !optim.Finite(arch) {
			optim.CopyInto(arch, snapshot)
			s.archOpt.Reset()
			report.Divergences++
			continue
		}
		total += loss
		count++
	}
	if count == 0 {
		return math.NaN(), nil
	}
	return total / float64(count), nil
}

func (s *Search) archGrad(X, Y *mat.Dense, rows []int) (float64, [][]float64, error) {
	gr, err := s.graph.Gradients(X, Y, rows)
	if err != nil {
		return 0, nil, err
	}
	return gr.Loss, gr.ArchTensors(), nil
}

// checkpoint samples candidates from the relaxed graph, refits and scores
// them, and offers them to the selector.
func (s *Search) checkpoint(report *EpochReport, X, Y *mat.Dense, bicRows, trainRows []int) error {
	candidates, err := sampler.Sample(s.graph, sampler.Config{
		Amp:          s.cfg.SampleAmp,
		Count:        s.cfg.ModelsSampled,
		Stochastic:   s.cfg.StochasticSampling,
		Threshold:    s.cfg.FairThreshold,
		TieRatio:     s.cfg.TieRatio,
		Reinitialize: s.cfg.ReinitializeWeights,
		Rand:         s.rng,
	})
	if err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, c := range candidates {
		fitted, err := s.refitCandidate(c, X, Y, trainRows, report.LearningRate)
		if err != nil {
			return err
		}
		scored, err := s.selector.Evaluate(fitted, s.state.Candidates, report.Epoch, X, Y, bicRows)
		if err != nil {
			return err
		}
		s.state.Candidates++
		report.Candidates++
		for _, board := range s.selector.Offer(scored) {
			if _, ok := seen[board]; ok {
				continue
			}
			seen[board] = struct{}{}
			report.Improved = append(report.Improved, board)
		}
	}
	return nil
}

// refitCandidate refits c and its near-tie alternatives on the same batch
// sequence and returns the one with the lowest training loss. c wins ties.
func (s *Search) refitCandidate(c sampler.Candidate, X, Y *mat.Dense, trainRows []int, lr float64) (*graph.Graph, error) {
	var plan [][]int
	if s.cfg.RefitUpdates > 0 {
		batches := dataset.NewBatcher(trainRows, s.cfg.BatchSize, s.rng)
		plan = make([][]int, s.cfg.RefitUpdates)
		for i := range plan {
			plan[i] = batches.Next()
		}
	}
	if err := s.refit(c.Graph, X, Y, plan, lr); err != nil {
		return nil, err
	}
	if len(c.Alternatives) == 0 {
		return c.Graph, nil
	}

	best := c.Graph
	bestLoss, err := trainingLoss(best, X, Y, trainRows)
	if err != nil {
		return nil, err
	}
	for _, alt := range c.Alternatives {
		if err := s.refit(alt.Graph, X, Y, plan, lr); err != nil {
			return nil, err
		}
		loss, err := trainingLoss(alt.Graph, X, Y, trainRows)
		if err != nil {
			return nil, err
		}
		if loss < bestLoss {
			best, bestLoss = alt.Graph, loss
		}
	}
	return best, nil
}

func trainingLoss(g *graph.Graph, X, Y *mat.Dense, rows []int) (float64, error) {
	loss, err := g.Loss(X, Y, rows)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) {
		return math.Inf(1), nil
	}
	return loss, nil
}

// refit runs parameter-only steps over the given batches on a discretized
// candidate with its own optimizer state.
func (s *Search) refit(g *graph.Graph, X, Y *mat.Dense, plan [][]int, lr float64) error {
	if len(plan) == 0 {
		return nil
	}
	opt, err := s.newParamOptimizer()
	if err != nil {
		return err
	}
	for _, rows := range plan {
		if _, _, err := paramStep(g, opt, X, Y, rows, lr, s.cfg.GradClip, s.cfg.ClassifierWeightDecay); err != nil {
			return err
		}
	}
	return nil
}
