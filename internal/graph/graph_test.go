package graph

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"symdarts/internal/primitive"
	"symdarts/internal/relax"
)

func mustRegistry(t *testing.T, names ...string) *primitive.Registry {
	t.Helper()
	r, err := primitive.NewRegistry(names)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func mustGraph(t *testing.T, cfg Config) *Graph {
	t.Helper()
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	return g
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	reg := mustRegistry(t, "none", "linear")
	if _, err := New(Config{NumInputs: 1, NumOutputs: 1, NumNodes: 0, Registry: reg}); !errors.Is(err, ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology, got: %v", err)
	}
	if _, err := New(Config{NumInputs: 0, NumOutputs: 1, NumNodes: 1, Registry: reg}); !errors.Is(err, ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology for zero inputs, got: %v", err)
	}
	if _, err := New(Config{NumInputs: 1, NumOutputs: 1, NumNodes: 1, Registry: reg, Output: Class}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got: %v", err)
	}
	if _, err := New(Config{NumInputs: 1, NumOutputs: 1, NumNodes: 1}); err == nil {
		t.Fatal("expected missing registry error")
	}
}

func TestTopologyIsForwardOnly(t *testing.T) {
	reg := mustRegistry(t, "none", "add", "linear")
	g := mustGraph(t, Config{NumInputs: 2, NumOutputs: 1, NumNodes: 3, Registry: reg})

	if len(g.Edges) != 2+3+4 {
		t.Fatalf("unexpected edge count: %d", len(g.Edges))
	}
	for ei, e := range g.Edges {
		if e.Source >= e.Target || e.Partner >= e.Target {
			t.Fatalf("edge %d is not forward: %+v", ei, e)
		}
		if len(e.Weights) != reg.Len() || len(e.Params) != reg.Len() {
			t.Fatalf("edge %d weight vector does not match registry", ei)
		}
		if e.Choice != -1 {
			t.Fatalf("new edges must be relaxed")
		}
	}
	if g.OutputIndex() != 5 {
		t.Fatalf("unexpected output index: %d", g.OutputIndex())
	}
}

func TestNewIsDeterministicForSeed(t *testing.T) {
	reg := mustRegistry(t, "none", "linear", "mult")
	a := mustGraph(t, Config{NumInputs: 2, NumOutputs: 1, NumNodes: 2, Registry: reg, Rand: rand.New(rand.NewSource(7))})
	b := mustGraph(t, Config{NumInputs: 2, NumOutputs: 1, NumNodes: 2, Registry: reg, Rand: rand.New(rand.NewSource(7))})
	for ei := range a.Edges {
		for p := range a.Edges[ei].Weights {
			if a.Edges[ei].Weights[p] != b.Edges[ei].Weights[p] {
				t.Fatalf("weights differ at edge %d primitive %d", ei, p)
			}
		}
	}
}

func TestForwardDiscreteLinear(t *testing.T) {
	reg := mustRegistry(t, "none", "linear")
	g := mustGraph(t, Config{NumInputs: 1, NumOutputs: 1, NumNodes: 1, Registry: reg})
	d, err := g.Discretize([]int{1})
	if err != nil {
		t.Fatalf("discretize: %v", err)
	}
	d.Edges[0].Params[1] = []float64{2, 1}
	d.Readout[0][0] = 3
	d.Bias[0] = 0.5

	out, err := d.Forward([]float64{4})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if want := 3*(2*4+1) + 0.5; math.Abs(out[0]-want) > 1e-12 {
		t.Fatalf("unexpected output: got=%f want=%f", out[0], want)
	}
	if _, err := d.Forward([]float64{1, 2}); !errors.Is(err, ErrInputWidth) {
		t.Fatalf("expected ErrInputWidth, got: %v", err)
	}
}

func TestDiscretizeIsIndependentCopy(t *testing.T) {
	reg := mustRegistry(t, "none", "linear")
	g := mustGraph(t, Config{NumInputs: 1, NumOutputs: 1, NumNodes: 2, Registry: reg})
	d, err := g.Discretize([]int{1, 0, 1})
	if err != nil {
		t.Fatalf("discretize: %v", err)
	}
	before := g.Edges[0].Params[1][0]
	d.Edges[0].Params[1][0] += 10
	d.Readout[0][0] += 10
	if g.Edges[0].Params[1][0] != before {
		t.Fatal("discretized graph aliases relaxed params")
	}
	if g.IsDiscrete() || !d.IsDiscrete() {
		t.Fatal("unexpected discreteness flags")
	}
	if _, err := g.Discretize([]int{0}); !errors.Is(err, ErrInvalidChoice) {
		t.Fatalf("expected ErrInvalidChoice, got: %v", err)
	}
	if _, err := g.Discretize([]int{0, 2, 0}); !errors.Is(err, ErrInvalidChoice) {
		t.Fatalf("expected ErrInvalidChoice for out of range choice, got: %v", err)
	}
}

func TestDescriptionLengthGrowsWithPrimitives(t *testing.T) {
	reg := mustRegistry(t, "none", "add", "linear")
	g := mustGraph(t, Config{NumInputs: 1, NumOutputs: 1, NumNodes: 2, Registry: reg})

	tests := []struct {
		name    string
		choices []int
		want    int
	}{
		{name: "all-none", choices: []int{0, 0, 0}, want: 1},
		{name: "single-add", choices: []int{1, 0, 0}, want: 2},
		{name: "single-linear", choices: []int{2, 0, 0}, want: 4},
		{name: "two-linear", choices: []int{2, 2, 0}, want: 7},
		{name: "all-linear", choices: []int{2, 2, 2}, want: 9},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := g.Discretize(tc.choices)
			if err != nil {
				t.Fatalf("discretize: %v", err)
			}
			if got := d.DescriptionLength(); got != tc.want {
				t.Fatalf("unexpected description length: got=%d want=%d", got, tc.want)
			}
		})
	}
}

func gradientFixture(outputs int) (*mat.Dense, *mat.Dense) {
	rng := rand.New(rand.NewSource(3))
	X := mat.NewDense(6, 2, nil)
	Y := mat.NewDense(6, outputs, nil)
	for r := 0; r < 6; r++ {
		X.Set(r, 0, rng.Float64()*2-1)
		X.Set(r, 1, rng.Float64()*2-1)
		total := 0.0
		for k := 0; k < outputs; k++ {
			v := rng.Float64()
			Y.Set(r, k, v)
			total += v
		}
		if outputs > 1 {
			for k := 0; k < outputs; k++ {
				Y.Set(r, k, Y.At(r, k)/total)
			}
		}
	}
	return X, Y
}

func numericDerivative(t *testing.T, g *Graph, X, Y *mat.Dense, slot *float64) float64 {
	t.Helper()
	const h = 1e-6
	orig := *slot
	*slot = orig + h
	up, err := g.Loss(X, Y, nil)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	*slot = orig - h
	down, err := g.Loss(X, Y, nil)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	*slot = orig
	return (up - down) / (2 * h)
}

func assertClose(t *testing.T, what string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6+1e-4*math.Abs(want) {
		t.Fatalf("%s: analytic=%g numeric=%g", what, got, want)
	}
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	reg := mustRegistry(t, "none", "add", "linear", "linear_logistic", "mult", "tanh", "product")
	tests := []struct {
		name     string
		strategy relax.Strategy
		output   OutputType
		outputs  int
		discrete bool
	}{
		{name: "original-real", strategy: relax.Original{}, output: Real, outputs: 1},
		{name: "fair-real", strategy: relax.Fair{}, output: Real, outputs: 1},
		{name: "original-sigmoid", strategy: relax.Original{}, output: Sigmoid, outputs: 1},
		{name: "fair-probability-sample", strategy: relax.Fair{}, output: ProbabilitySample, outputs: 1},
		{name: "original-distribution", strategy: relax.Original{}, output: ProbabilityDistribution, outputs: 3},
		{name: "discrete-real", strategy: relax.Original{}, output: Real, outputs: 2, discrete: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := mustGraph(t, Config{
				NumInputs:  2,
				NumOutputs: tc.outputs,
				NumNodes:   2,
				Registry:   reg,
				Strategy:   tc.strategy,
				Output:     tc.output,
				Rand:       rand.New(rand.NewSource(11)),
			})
			for ei := range g.Edges {
				for p := range g.Edges[ei].Weights {
					g.Edges[ei].Weights[p] = float64((ei+p)%5)*0.3 - 0.6
				}
			}
			if tc.discrete {
				choices := make([]int, len(g.Edges))
				for ei := range choices {
					choices[ei] = (ei + 2) % reg.Len()
				}
				d, err := g.Discretize(choices)
				if err != nil {
					t.Fatalf("discretize: %v", err)
				}
				g = d
			}

			X, Y := gradientFixture(tc.outputs)
			gr, err := g.Gradients(X, Y, nil)
			if err != nil {
				t.Fatalf("gradients: %v", err)
			}
			loss, err := g.Loss(X, Y, nil)
			if err != nil {
				t.Fatalf("loss: %v", err)
			}
			assertClose(t, "loss", gr.Loss, loss)

			params, grads := g.ParamTensors(), gr.ParamTensors()
			if len(params) != len(grads) {
				t.Fatalf("tensor count mismatch: %d vs %d", len(params), len(grads))
			}
			for ti := range params {
				for j := range params[ti] {
					assertClose(t, "param", grads[ti][j], numericDerivative(t, g, X, Y, &params[ti][j]))
				}
			}
			if tc.discrete {
				return
			}
			arch := g.ArchTensors()
			for ei := range arch {
				for p := range arch[ei] {
					assertClose(t, "arch", gr.Arch[ei][p], numericDerivative(t, g, X, Y, &arch[ei][p]))
				}
			}
		})
	}
}

func TestAddReadoutL1(t *testing.T) {
	reg := mustRegistry(t, "none", "add")
	g := mustGraph(t, Config{NumInputs: 1, NumOutputs: 1, NumNodes: 2, Registry: reg})
	g.Readout[0] = []float64{0.5, -0.5}
	gr := g.NewGrad()
	gr.AddReadoutL1(g, 0.1)
	if gr.Readout[0][0] != 0.1 || gr.Readout[0][1] != -0.1 {
		t.Fatalf("unexpected L1 gradient: %v", gr.Readout[0])
	}
	if gr.Bias[0] != 0 {
		t.Fatal("bias must not be penalized")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	reg := mustRegistry(t, "none", "linear", "logistic")
	g := mustGraph(t, Config{NumInputs: 2, NumOutputs: 1, NumNodes: 2, Registry: reg, Strategy: relax.Fair{}, Output: Sigmoid})
	d, err := g.Discretize([]int{1, 2, 0, 1, 1})
	if err != nil {
		t.Fatalf("discretize: %v", err)
	}

	restored, err := FromRecord(d.Record())
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if restored.Strategy().Name() != relax.NameFair || restored.Output() != Sigmoid {
		t.Fatalf("unexpected restored settings: %s %s", restored.Strategy().Name(), restored.Output())
	}
	X, _ := gradientFixture(1)
	want, err := d.Predict(X)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	got, err := restored.Predict(X)
	if err != nil {
		t.Fatalf("predict restored: %v", err)
	}
	if !mat.EqualApprox(want, got, 1e-12) {
		t.Fatalf("restored predictions differ:\n%v\n%v", mat.Formatted(want), mat.Formatted(got))
	}

	rec := d.Record()
	rec.Edges = rec.Edges[:1]
	if _, err := FromRecord(rec); !errors.Is(err, ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology, got: %v", err)
	}
}

func TestParseOutputType(t *testing.T) {
	for _, name := range []string{"real", "SIGMOID", "probability", "probability_sample", "Probability_Distribution", "class"} {
		if _, err := ParseOutputType(name); err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
	}
	if _, err := ParseOutputType("ordinal"); !errors.Is(err, ErrUnknownOutputType) {
		t.Fatalf("expected ErrUnknownOutputType, got: %v", err)
	}
}
