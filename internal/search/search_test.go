package search

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"symdarts/internal/dataset"
	"symdarts/internal/graph"
	"symdarts/internal/optim"
	"symdarts/internal/primitive"
	"symdarts/internal/relax"
	"symdarts/internal/sampler"
	"symdarts/internal/selection"
)

func baseConfig() Config {
	return Config{
		MaxEpochs:             20,
		ParamUpdatesPerEpoch:  10,
		ArchUpdatesPerEpoch:   5,
		BatchSize:             10,
		LearningRate:          0.1,
		LearningRateMin:       0.01,
		Momentum:              0.9,
		WeightDecay:           3e-4,
		GradClip:              5,
		ClassifierWeightDecay: 1e-4,
		ArchLearningRate:      0.1,
		ArchWeightDecay:       1e-3,
		FairLossWeight:        1,
		TrainPortion:          0.8,
		SampleAmp:             100,
		ModelsSampled:         1,
		FairThreshold:         0.25,
		RefitUpdates:          20,
		BICTestSize:           100,
		EvalInterval:          5,
		Seed:                  1,
	}
}

func lineData(rows int, fn func(x float64) float64) (*mat.Dense, *mat.Dense) {
	X := mat.NewDense(rows, 1, nil)
	Y := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		x := -1 + 2*float64(i)/float64(rows-1)
		X.Set(i, 0, x)
		Y.Set(i, 0, fn(x))
	}
	return X, Y
}

func newGraph(t *testing.T, strategy relax.Strategy, seed int64, names ...string) *graph.Graph {
	t.Helper()
	reg, err := primitive.NewRegistry(names)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	g, err := graph.New(graph.Config{
		NumInputs:  1,
		NumOutputs: 1,
		NumNodes:   1,
		Registry:   reg,
		Strategy:   strategy,
		Rand:       rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	return g
}

func newSearch(t *testing.T, g *graph.Graph, sel *selection.Selector, cfg Config) *Search {
	t.Helper()
	if sel == nil {
		sel = selection.NewSelector()
	}
	s, err := New(g, sel, cfg)
	if err != nil {
		t.Fatalf("new search: %v", err)
	}
	return s
}

func TestRunRecoversLinearRelation(t *testing.T) {
	X, Y := lineData(40, func(x float64) float64 { return 2*x + 1 })
	cfg := baseConfig()
	cfg.MaxEpochs = 50
	cfg.ParamUpdatesPerEpoch = 20
	cfg.RefitUpdates = 200
	s := newSearch(t, newGraph(t, relax.Original{}, 1, "none", "linear"), nil, cfg)

	res, err := s.Run(context.Background(), X, Y)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Board != selection.BoardTrainLoss {
		t.Fatalf("unexpected board: %s", res.Board)
	}
	if res.Best.Graph.Choices()[0] != 1 {
		t.Fatalf("expected linear edge, got choices %v", res.Best.Graph.Choices())
	}
	if res.Best.TrainLoss > 1e-2 {
		t.Fatalf("expected a close fit, got loss %g", res.Best.TrainLoss)
	}
	if len(res.State.Epochs) != cfg.MaxEpochs || len(res.State.ArchHistory) != cfg.MaxEpochs {
		t.Fatalf("unexpected history lengths: %d %d", len(res.State.Epochs), len(res.State.ArchHistory))
	}
	if res.State.Candidates != cfg.MaxEpochs/cfg.EvalInterval {
		t.Fatalf("unexpected candidate count: %d", res.State.Candidates)
	}
}

func TestRunConstantTargetConverges(t *testing.T) {
	X, Y := lineData(30, func(float64) float64 { return 2.5 })
	cfg := baseConfig()
	cfg.MaxEpochs = 40
	cfg.RefitUpdates = 200
	s := newSearch(t, newGraph(t, relax.Original{}, 2, "none", "add", "linear"), nil, cfg)
	res, err := s.Run(context.Background(), X, Y)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Best.TrainLoss > 1e-3 {
		t.Fatalf("constant target not fitted: %g", res.Best.TrainLoss)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	X, Y := lineData(25, func(x float64) float64 { return math.Sin(2 * x) })
	run := func(strategy relax.Strategy, unrolled bool) RunResult {
		cfg := baseConfig()
		cfg.Unrolled = unrolled
		cfg.ModelsSampled = 3
		cfg.StochasticSampling = true
		s := newSearch(t, newGraph(t, strategy, 5, "none", "linear", "linear_tanh", "mult"), nil, cfg)
		res, err := s.Run(context.Background(), X, Y)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return res
	}
	for _, tc := range []struct {
		name     string
		strategy relax.Strategy
		unrolled bool
	}{
		{name: "original", strategy: relax.Original{}},
		{name: "fair", strategy: relax.Fair{}},
		{name: "unrolled", strategy: relax.Original{}, unrolled: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, b := run(tc.strategy, tc.unrolled), run(tc.strategy, tc.unrolled)
			for i := range a.State.Epochs {
				ea, eb := a.State.Epochs[i], b.State.Epochs[i]
				if ea.TrainLoss != eb.TrainLoss || ea.ArchLoss != eb.ArchLoss {
					t.Fatalf("epoch %d differs: %+v vs %+v", i, ea, eb)
				}
				if math.IsNaN(ea.TrainLoss) || math.IsNaN(ea.ArchLoss) {
					t.Fatalf("epoch %d did not produce finite losses: %+v", i, ea)
				}
			}
			if a.Score != b.Score || a.Best.CandidateID != b.Best.CandidateID {
				t.Fatalf("best differs: %v/%d vs %v/%d", a.Score, a.Best.CandidateID, b.Score, b.Best.CandidateID)
			}
		})
	}
}

func TestRunTracksValidationBoard(t *testing.T) {
	X, Y := lineData(30, func(x float64) float64 { return x * x })
	VX, VY := lineData(11, func(x float64) float64 { return x * x })
	sel := selection.NewSelector()
	if err := sel.AddValidationSet("holdout", VX, VY); err != nil {
		t.Fatalf("add validation: %v", err)
	}
	cfg := baseConfig()
	cfg.SelectionMetric = "validation:holdout"
	s := newSearch(t, newGraph(t, relax.Original{}, 3, "none", "linear", "power_two"), sel, cfg)
	res, err := s.Run(context.Background(), X, Y)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Board != "validation:holdout" {
		t.Fatalf("unexpected board: %s", res.Board)
	}
	if res.Score != res.Best.ValidationLoss["holdout"] {
		t.Fatalf("board score does not match candidate: %f vs %f", res.Score, res.Best.ValidationLoss["holdout"])
	}
	if got := len(sel.ValidationSets()[0].History); got != cfg.MaxEpochs {
		t.Fatalf("unexpected validation history length: %d", got)
	}
	for _, e := range res.State.Epochs {
		if _, ok := e.ValidationLoss["holdout"]; !ok {
			t.Fatalf("epoch %d missing validation loss", e.Epoch)
		}
	}
}

func TestRunWithZeroEpochsScoresInitialGraph(t *testing.T) {
	X, Y := lineData(10, func(x float64) float64 { return x })
	cfg := baseConfig()
	cfg.MaxEpochs = 0
	cfg.RefitUpdates = 0
	g := newGraph(t, relax.Original{}, 4, "none", "add")
	before := g.Clone()
	s := newSearch(t, g, nil, cfg)
	res, err := s.Run(context.Background(), X, Y)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.State.Epochs) != 1 || !res.State.Epochs[0].Checkpoint {
		t.Fatalf("expected a single checkpoint report: %+v", res.State.Epochs)
	}
	for ei := range g.Edges {
		for p, w := range g.Edges[ei].Weights {
			if w != before.Edges[ei].Weights[p] {
				t.Fatal("zero epochs must not touch architecture weights")
			}
		}
	}
}

func TestArchWeightsFrozenWithoutArchUpdates(t *testing.T) {
	X, Y := lineData(20, func(x float64) float64 { return 3 * x })
	cfg := baseConfig()
	cfg.ArchUpdatesPerEpoch = 0
	g := newGraph(t, relax.Fair{}, 6, "none", "linear", "tanh")
	before := g.Clone()
	s := newSearch(t, g, nil, cfg)
	if _, err := s.Run(context.Background(), X, Y); err != nil {
		t.Fatalf("run: %v", err)
	}
	for ei := range g.Edges {
		for p, w := range g.Edges[ei].Weights {
			if w != before.Edges[ei].Weights[p] {
				t.Fatalf("arch weight %d/%d changed without arch updates", ei, p)
			}
		}
	}
}

func TestRunCountsDivergenceWithoutAborting(t *testing.T) {
	X, Y := lineData(20, func(x float64) float64 { return x })
	cfg := baseConfig()
	cfg.LearningRate = 1e300
	cfg.LearningRateMin = 1e300
	cfg.GradClip = 0
	cfg.MaxEpochs = 5
	s := newSearch(t, newGraph(t, relax.Original{}, 7, "none", "linear"), nil, cfg)
	res, err := s.Run(context.Background(), X, Y)
	if err != nil && !errors.Is(err, ErrNoValidModel) {
		t.Fatalf("divergence must not surface as a training error: %v", err)
	}
	if res.State.Divergences == 0 {
		t.Fatal("expected divergences to be counted")
	}
	if len(res.State.Epochs) != cfg.MaxEpochs {
		t.Fatalf("training must continue after divergence, got %d epochs", len(res.State.Epochs))
	}
}

func TestRunHonorsCancellationBetweenEpochs(t *testing.T) {
	X, Y := lineData(10, func(x float64) float64 { return x })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := baseConfig()
	cfg.Monitor = MonitorFunc(func(r EpochReport) {
		if r.Epoch == 2 {
			cancel()
		}
	})
	s := newSearch(t, newGraph(t, relax.Original{}, 8, "none", "add"), nil, cfg)
	if _, err := s.Run(ctx, X, Y); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if got := len(s.State().Epochs); got != 3 {
		t.Fatalf("expected three finished epochs, got %d", got)
	}
}

func TestRunRejectsBadInputsBeforeTraining(t *testing.T) {
	X, Y := lineData(10, func(x float64) float64 { return x })
	Y.Set(3, 0, math.NaN())
	calls := 0
	cfg := baseConfig()
	cfg.Monitor = MonitorFunc(func(EpochReport) { calls++ })
	s := newSearch(t, newGraph(t, relax.Original{}, 9, "none", "add"), nil, cfg)
	if _, err := s.Run(context.Background(), X, Y); !errors.Is(err, dataset.ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite, got: %v", err)
	}
	wide := mat.NewDense(10, 2, nil)
	if _, err := s.Run(context.Background(), wide, Y); !errors.Is(err, dataset.ErrShapeMismatch) && !errors.Is(err, dataset.ErrNonFinite) {
		t.Fatalf("expected shape error, got: %v", err)
	}
	if calls != 0 {
		t.Fatal("no epoch may run on invalid data")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	g := newGraph(t, relax.Original{}, 1, "none", "add")
	cfg := baseConfig()
	cfg.TrainPortion = 0
	if _, err := New(g, selection.NewSelector(), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %v", err)
	}
	cfg = baseConfig()
	cfg.SelectionMetric = "validation:missing"
	if _, err := New(g, selection.NewSelector(), cfg); !errors.Is(err, selection.ErrUnknownBoard) {
		t.Fatalf("expected ErrUnknownBoard, got: %v", err)
	}
	cfg = baseConfig()
	cfg.ModelsSampled = 0
	if _, err := New(g, selection.NewSelector(), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero models, got: %v", err)
	}
	cfg = baseConfig()
	cfg.Schedule = "step"
	if _, err := New(g, selection.NewSelector(), cfg); !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, optim.ErrUnknownSchedule) {
		t.Fatalf("expected ErrUnknownSchedule, got: %v", err)
	}
	cfg = baseConfig()
	cfg.TieRatio = -0.5
	if _, err := New(g, selection.NewSelector(), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for negative tie ratio, got: %v", err)
	}
}

func TestUnrolledGradientReducesToFirstOrder(t *testing.T) {
	X, Y := lineData(12, func(x float64) float64 { return x * 0.5 })
	g := newGraph(t, relax.Original{}, 10, "none", "linear", "tanh")
	s := newSearch(t, g, nil, baseConfig())
	rows := []int{0, 2, 4, 6}
	val := []int{1, 3, 5}

	loss, unrolled, err := s.unrolledArchGrad(X, Y, rows, val, 0)
	if err != nil {
		t.Fatalf("unrolled: %v", err)
	}
	wantLoss, first, err := s.archGrad(X, Y, val)
	if err != nil {
		t.Fatalf("arch grad: %v", err)
	}
	if math.Abs(loss-wantLoss) > 1e-12 {
		t.Fatalf("unexpected loss: %f vs %f", loss, wantLoss)
	}
	for ei := range first {
		for p := range first[ei] {
			if math.Abs(first[ei][p]-unrolled[ei][p]) > 1e-12 {
				t.Fatalf("zero-lr unrolled gradient must match first order at %d/%d", ei, p)
			}
		}
	}

	params := optim.Clone(g.ParamTensors())
	if _, _, err := s.unrolledArchGrad(X, Y, rows, val, 0.1); err != nil {
		t.Fatalf("unrolled: %v", err)
	}
	for i, p := range g.ParamTensors() {
		for j := range p {
			if p[j] != params[i][j] {
				t.Fatal("unrolled step must restore parameters")
			}
		}
	}
}

func TestLogMonitorWritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMonitor(&buf, 2)
	m.OnEpoch(EpochReport{Epoch: 0, TrainLoss: 1})
	m.OnEpoch(EpochReport{Epoch: 1, TrainLoss: 0.5, ValidationLoss: map[string]float64{"holdout": 0.7}})
	m.OnEpoch(EpochReport{Epoch: 2, Checkpoint: true, Candidates: 1, Improved: []string{"bic"}})
	out := buf.String()
	if strings.Count(out, "search epoch") != 2 {
		t.Fatalf("unexpected record count:\n%s", out)
	}
	if !strings.Contains(out, "validation.holdout=0.7") || !strings.Contains(out, "candidates=1") {
		t.Fatalf("missing attributes:\n%s", out)
	}
}

func TestRunConstantScheduleKeepsLearningRate(t *testing.T) {
	X, Y := lineData(20, func(x float64) float64 { return x })
	cfg := baseConfig()
	cfg.MaxEpochs = 4
	cfg.Schedule = "Constant"
	s := newSearch(t, newGraph(t, relax.Original{}, 4, "none", "linear"), nil, cfg)
	res, err := s.Run(context.Background(), X, Y)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, e := range res.State.Epochs {
		if e.LearningRate != cfg.LearningRate {
			t.Fatalf("epoch %d: learning rate %g, want %g", e.Epoch, e.LearningRate, cfg.LearningRate)
		}
	}

	cfg.Schedule = ""
	s = newSearch(t, newGraph(t, relax.Original{}, 4, "none", "linear"), nil, cfg)
	res, err = s.Run(context.Background(), X, Y)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if last := res.State.Epochs[cfg.MaxEpochs-1].LearningRate; last >= cfg.LearningRate {
		t.Fatalf("cosine schedule must anneal, got %g", last)
	}
}

func TestRunReportsArchWeightsAndBestEpoch(t *testing.T) {
	X, Y := lineData(20, func(x float64) float64 { return 2 * x })
	var reports []EpochReport
	cfg := baseConfig()
	cfg.MaxEpochs = 6
	cfg.EvalInterval = 3
	cfg.Monitor = MonitorFunc(func(r EpochReport) { reports = append(reports, r) })
	g := newGraph(t, relax.Original{}, 5, "none", "linear", "add")
	s := newSearch(t, g, nil, cfg)
	res, err := s.Run(context.Background(), X, Y)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(reports) != cfg.MaxEpochs {
		t.Fatalf("expected %d reports, got %d", cfg.MaxEpochs, len(reports))
	}
	for i, r := range reports {
		if len(r.ArchWeights) != len(g.Edges) {
			t.Fatalf("epoch %d: %d weight rows for %d edges", i, len(r.ArchWeights), len(g.Edges))
		}
		for ei, row := range r.ArchWeights {
			sum := 0.0
			for p, v := range row {
				sum += v
				if v != res.State.ArchHistory[i][ei][p] {
					t.Fatalf("epoch %d: reported weights differ from the history", i)
				}
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Fatalf("epoch %d edge %d: relaxed weights sum to %f", i, ei, sum)
			}
		}
		switch {
		case i < 2:
			if r.BestEpoch != -1 || !math.IsNaN(r.BestScore) {
				t.Fatalf("epoch %d: no model is retained yet, got epoch %d score %f", i, r.BestEpoch, r.BestScore)
			}
		case i < 5:
			if r.BestEpoch != 2 {
				t.Fatalf("epoch %d: expected the epoch 2 model, got %d", i, r.BestEpoch)
			}
		}
	}
	last := reports[len(reports)-1]
	if last.BestEpoch != res.Best.Epoch || last.BestScore != res.Score {
		t.Fatalf("final report has epoch %d score %f, run kept epoch %d score %f", last.BestEpoch, last.BestScore, res.Best.Epoch, res.Score)
	}
}

func TestRefitCandidateRevivesNearTieEdge(t *testing.T) {
	X, Y := lineData(30, func(x float64) float64 { return 2*x + 1 })
	rows := make([]int, 30)
	for i := range rows {
		rows[i] = i
	}
	cfg := baseConfig()
	cfg.RefitUpdates = 200
	g := newGraph(t, relax.Original{}, 1, "none", "linear")
	g.Edges[0].Weights = []float64{math.Log(0.625), math.Log(0.375)}
	s := newSearch(t, g, nil, cfg)

	candidates, err := sampler.Sample(g, sampler.Config{})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if candidates[0].Choices[0] != 0 || len(candidates[0].Alternatives) != 1 {
		t.Fatalf("expected a pruned edge with one alternative, got %v", candidates[0].Choices)
	}
	fitted, err := s.refitCandidate(candidates[0], X, Y, rows, 0.05)
	if err != nil {
		t.Fatalf("refit: %v", err)
	}
	if fitted.Choices()[0] != 1 {
		t.Fatalf("expected the linear edge to win the refit, got %v", fitted.Choices())
	}
	pruned, err := candidates[0].Graph.Loss(X, Y, nil)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	revived, err := fitted.Loss(X, Y, nil)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	if revived >= pruned {
		t.Fatalf("revived loss %f must beat pruned loss %f", revived, pruned)
	}

	g.Edges[0].Weights = []float64{3, 0}
	candidates, err = sampler.Sample(g, sampler.Config{})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	fitted, err = s.refitCandidate(candidates[0], X, Y, rows, 0.05)
	if err != nil {
		t.Fatalf("refit: %v", err)
	}
	if fitted != candidates[0].Graph {
		t.Fatal("a clear pruning decision must keep the sampled candidate")
	}
}
