package optim

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
)

var ErrShapeChanged = errors.New("tensor shapes changed between steps")

// Optimizer updates a fixed list of tensors in place from matching
// gradients. Tensors are identified by position, so callers must pass them
// in the same order on every step.
type Optimizer interface {
	Name() string
	Step(params, grads [][]float64, lr float64) error
	Reset()
}

// ClipGradNorm rescales grads so their global L2 norm is at most maxNorm and
// returns the norm before clipping. maxNorm <= 0 disables clipping.
func ClipGradNorm(grads [][]float64, maxNorm float64) float64 {
	total := GlobalNorm(grads)
	if maxNorm <= 0 || total <= maxNorm || math.IsNaN(total) {
		return total
	}
	scale := maxNorm / (total + 1e-6)
	for _, g := range grads {
		floats.Scale(scale, g)
	}
	return total
}

// GlobalNorm is the L2 norm of all tensors concatenated.
func GlobalNorm(tensors [][]float64) float64 {
	sum := 0.0
	for _, t := range tensors {
		if len(t) == 0 {
			continue
		}
		n := floats.Norm(t, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// Clone deep-copies a tensor list.
func Clone(tensors [][]float64) [][]float64 {
	out := make([][]float64, len(tensors))
	for i, t := range tensors {
		out[i] = append([]float64(nil), t...)
	}
	return out
}

// CopyInto copies src into dst element-wise. Shapes must match.
func CopyInto(dst, src [][]float64) {
	for i := range dst {
		copy(dst[i], src[i])
	}
}

// AddScaled performs dst += alpha*src for every tensor pair.
func AddScaled(dst [][]float64, alpha float64, src [][]float64) {
	for i := range dst {
		if len(dst[i]) == 0 {
			continue
		}
		floats.AddScaled(dst[i], alpha, src[i])
	}
}

// Finite reports whether every tensor entry is finite.
func Finite(tensors [][]float64) bool {
	for _, t := range tensors {
		for _, v := range t {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func zerosLike(tensors [][]float64) [][]float64 {
	out := make([][]float64, len(tensors))
	for i, t := range tensors {
		out[i] = make([]float64, len(t))
	}
	return out
}

func sameShape(a, b [][]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
	}
	return true
}
