package relax

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"symdarts/internal/primitive"
)

var ErrUnknownStrategy = errors.New("unknown darts type")

const (
	NameOriginal = "original"
	NameFair     = "fair"
)

// Strategy turns an edge's architecture weights into per-primitive
// contributions.
type Strategy interface {
	Name() string
	Relax(weights, out []float64)
	// Backward accumulates dL/dweights into dWeights given the relaxed values
	// and dL/drelaxed.
	Backward(relaxed, dRelaxed, dWeights []float64)
}

// Original is the softmax relaxation: contributions on an edge sum to 1.
type Original struct{}

func (Original) Name() string { return NameOriginal }

func (Original) Relax(weights, out []float64) {
	Softmax(weights, out)
}

func (Original) Backward(relaxed, dRelaxed, dWeights []float64) {
	dot := 0.0
	for p := range relaxed {
		dot += relaxed[p] * dRelaxed[p]
	}
	for p := range relaxed {
		dWeights[p] += relaxed[p] * (dRelaxed[p] - dot)
	}
}

// Fair judges each primitive independently through a sigmoid.
type Fair struct{}

func (Fair) Name() string { return NameFair }

func (Fair) Relax(weights, out []float64) {
	for p, w := range weights {
		out[p] = primitive.Logistic(w)
	}
}

func (Fair) Backward(relaxed, dRelaxed, dWeights []float64) {
	for p, s := range relaxed {
		dWeights[p] += s * (1 - s) * dRelaxed[p]
	}
}

// FromName parses a darts type case-insensitively.
func FromName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameOriginal:
		return Original{}, nil
	case NameFair:
		return Fair{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
}

// Softmax writes the max-shifted softmax of in to out.
func Softmax(in, out []float64) {
	if len(in) == 0 {
		return
	}
	max := in[0]
	for _, v := range in[1:] {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for i, v := range in {
		e := math.Exp(v - max)
		out[i] = e
		sum += e
	}
	for i := range out[:len(in)] {
		out[i] /= sum
	}
}

// ZeroOneLoss is the fair-DARTS regularizer -scale*mean((sigmoid(w)-0.5)^2)
// over every weight in edges. Its gradient is accumulated into grads.
func ZeroOneLoss(edges, grads [][]float64, scale float64) float64 {
	if scale == 0 {
		return 0
	}
	count := 0
	for _, w := range edges {
		count += len(w)
	}
	if count == 0 {
		return 0
	}
	loss := 0.0
	norm := scale / float64(count)
	for e, weights := range edges {
		for p, w := range weights {
			s := primitive.Logistic(w)
			d := s - 0.5
			loss -= norm * d * d
			grads[e][p] -= norm * 2 * d * s * (1 - s)
		}
	}
	return loss
}
