package relax

import (
	"errors"
	"math"
	"testing"
)

func TestOriginalRelaxSumsToOne(t *testing.T) {
	weights := []float64{0.3, -1.2, 2.5, 0}
	out := make([]float64, len(weights))
	Original{}.Relax(weights, out)

	sum := 0.0
	for _, v := range out {
		if v <= 0 {
			t.Fatalf("softmax entries must be positive: %v", out)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("softmax sum=%f", sum)
	}
}

func TestFairRelaxIsIndependent(t *testing.T) {
	out := make([]float64, 2)
	Fair{}.Relax([]float64{0, 5}, out)
	first := out[0]
	Fair{}.Relax([]float64{0, -5}, out)
	if out[0] != first || math.Abs(first-0.5) > 1e-12 {
		t.Fatalf("fair relaxation should not couple weights: %f vs %f", first, out[0])
	}
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	weights := []float64{0.4, -0.7, 1.1}
	upstream := []float64{0.9, -0.2, 0.5}
	const h = 1e-6

	for _, strategy := range []Strategy{Original{}, Fair{}} {
		t.Run(strategy.Name(), func(t *testing.T) {
			relaxed := make([]float64, len(weights))
			strategy.Relax(weights, relaxed)
			grad := make([]float64, len(weights))
			strategy.Backward(relaxed, upstream, grad)

			objective := func(w []float64) float64 {
				out := make([]float64, len(w))
				strategy.Relax(w, out)
				total := 0.0
				for i := range out {
					total += out[i] * upstream[i]
				}
				return total
			}
			for i := range weights {
				up := append([]float64(nil), weights...)
				down := append([]float64(nil), weights...)
				up[i] += h
				down[i] -= h
				want := (objective(up) - objective(down)) / (2 * h)
				if math.Abs(grad[i]-want) > 1e-6 {
					t.Fatalf("grad[%d]: got=%f want=%f", i, grad[i], want)
				}
			}
		})
	}
}

func TestFromName(t *testing.T) {
	for _, name := range []string{"original", "ORIGINAL", "", " Original "} {
		s, err := FromName(name)
		if err != nil || s.Name() != NameOriginal {
			t.Fatalf("parse %q: %v %v", name, s, err)
		}
	}
	s, err := FromName("Fair")
	if err != nil || s.Name() != NameFair {
		t.Fatalf("parse fair: %v %v", s, err)
	}
	if _, err := FromName("greedy"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got: %v", err)
	}
}

func TestZeroOneLossPushesAwayFromHalf(t *testing.T) {
	edges := [][]float64{{0.5, -0.5}}
	grads := [][]float64{{0, 0}}
	loss := ZeroOneLoss(edges, grads, 1)
	if loss >= 0 {
		t.Fatalf("expected negative regularizer, got %f", loss)
	}
	// Descending the gradient moves positive weights up and negative weights down.
	if grads[0][0] >= 0 || grads[0][1] <= 0 {
		t.Fatalf("unexpected gradient signs: %v", grads[0])
	}
	if got := ZeroOneLoss(edges, grads, 0); got != 0 {
		t.Fatalf("zero scale should disable regularizer, got %f", got)
	}
}
